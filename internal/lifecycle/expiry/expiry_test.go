package expiry

import (
	"testing"
	"time"
)

func testEstimator(now time.Time) *Estimator {
	e := New(5*time.Second, time.Hour)
	e.Now = func() time.Time { return now }
	return e
}

func TestAdjust(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	// The origin's clock is 10 minutes ahead of ours; only the window between
	// its Date and Expires should matter.
	originNow := now.Add(10 * time.Minute)

	intPtr := func(n int) *int { return &n }
	timePtr := func(t time.Time) *time.Time { return &t }

	tests := []struct {
		name        string
		expires     *time.Time
		date        *time.Time
		recommended *int
		expected    *time.Time
	}{
		{
			name:     "no expires header",
			date:     timePtr(originNow),
			expected: nil,
		},
		{
			name:     "no date header",
			expires:  timePtr(originNow.Add(time.Minute)),
			expected: nil,
		},
		{
			name:     "already expired after adjustment",
			expires:  timePtr(originNow.Add(-time.Minute)),
			date:     timePtr(originNow),
			expected: nil,
		},
		{
			name:     "within range",
			expires:  timePtr(originNow.Add(30 * time.Second)),
			date:     timePtr(originNow),
			expected: timePtr(now.Add(30 * time.Second)),
		},
		{
			// Spec-pinned: window 3600s, recommended 60s clamps to 1.5x60.
			name:        "clamped to recommended interval",
			expires:     timePtr(originNow.Add(time.Hour)),
			date:        timePtr(originNow),
			recommended: intPtr(60),
			expected:    timePtr(now.Add(90 * time.Second)),
		},
		{
			// Spec-pinned: window 2s clamps up to the 5s floor.
			name:     "clamped to minimum",
			expires:  timePtr(originNow.Add(2 * time.Second)),
			date:     timePtr(originNow),
			expected: timePtr(now.Add(5 * time.Second)),
		},
		{
			name:     "clamped to configured max without recommendation",
			expires:  timePtr(originNow.Add(4 * time.Hour)),
			date:     timePtr(originNow),
			expected: timePtr(now.Add(90 * time.Minute)), // 1.5 x 1h
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := testEstimator(now)
			got := e.Adjust(tt.expires, tt.date, tt.recommended, now)
			if (got == nil) != (tt.expected == nil) {
				t.Fatalf("Adjust() = %v, want %v", got, tt.expected)
			}
			if got != nil && !got.Equal(*tt.expected) {
				t.Errorf("Adjust() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestAdjustAnchorsAtReceiptTime(t *testing.T) {
	received := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	// The arithmetic runs 20s after the response arrived; the window must
	// count down from receipt, not from the wall clock.
	e := testEstimator(received.Add(20 * time.Second))

	originNow := received.Add(10 * time.Minute)
	expires := originNow.Add(30 * time.Second)

	got := e.Adjust(&expires, &originNow, nil, received)
	if want := received.Add(30 * time.Second); got == nil || !got.Equal(want) {
		t.Errorf("Adjust() = %v, want %v", got, want)
	}

	// A zero receipt time falls back to the clock.
	got = e.Adjust(&expires, &originNow, nil, time.Time{})
	if want := received.Add(50 * time.Second); got == nil || !got.Equal(want) {
		t.Errorf("Adjust() with zero receivedAt = %v, want %v", got, want)
	}
}

func TestProjectForward(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	e := testEstimator(now)

	tests := []struct {
		name     string
		expires  time.Time
		interval time.Duration
		expected time.Time
	}{
		{
			name:     "not yet passed",
			expires:  now.Add(30 * time.Second),
			interval: time.Minute,
			expected: now.Add(30 * time.Second),
		},
		{
			name:     "one interval behind",
			expires:  now.Add(-10 * time.Second),
			interval: time.Minute,
			expected: now.Add(50 * time.Second),
		},
		{
			name:     "several intervals behind",
			expires:  now.Add(-150 * time.Second),
			interval: time.Minute,
			expected: now.Add(30 * time.Second),
		},
		{
			name:     "zero interval",
			expires:  now.Add(-10 * time.Second),
			interval: 0,
			expected: now.Add(-10 * time.Second),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := e.ProjectForward(tt.expires, tt.interval)
			if !got.Equal(tt.expected) {
				t.Errorf("ProjectForward() = %v, want %v", got, tt.expected)
			}
		})
	}
}
