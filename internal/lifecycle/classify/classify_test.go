package classify

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/feedmirror/feedmirror/internal/core/domain"
	"github.com/feedmirror/feedmirror/internal/infra/storage"
)

func testClassifier() *Classifier {
	return New(Config{
		DeadLetterThreshold: 15,
		StoreRetryAfter:     10 * time.Second,
	})
}

func TestCategorize(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected Category
	}{
		{"unauthorized", fmt.Errorf("poll: %w", ErrUnauthorized), Unauthorized},
		{"duplicate write", ErrDuplicateWrite, DuplicateWrite},
		{"invalid page", fmt.Errorf("%w: missing next", ErrInvalidPage), InvalidPage},
		{"fetch", fmt.Errorf("%w: connection refused", ErrFetch), FetchError},
		{"store transient", fmt.Errorf("upsert: %w", storage.ErrTransientOverload), StoreTransient},
		{"store write", fmt.Errorf("%w: constraint violation", ErrStoreWrite), StoreWrite},
		{"forced clear", ErrForcedClear, ForcedClear},
		{"name conflict", ErrNameConflict, NameConflict},
		{"unknown", errors.New("something else"), Unexpected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Categorize(tt.err); got != tt.expected {
				t.Errorf("Categorize() = %s, want %s", got, tt.expected)
			}
		})
	}
}

func TestClassify_DropPolicies(t *testing.T) {
	c := testClassifier()

	for _, err := range []error{ErrUnauthorized, ErrDuplicateWrite, ErrNameConflict} {
		d := c.Classify(err, nil)
		if !d.Drop || d.DeadLetter || d.Delay != 0 {
			t.Errorf("Classify(%v) = %+v, want immediate drop", err, d)
		}
		if d.RetryState() != nil {
			t.Errorf("Drop decision should carry no retry state")
		}
	}
}

func TestClassify_ForcedClearDeadLettersImmediately(t *testing.T) {
	c := testClassifier()

	// Prior retry state must not matter.
	d := c.Classify(ErrForcedClear, &domain.RetryState{Category: string(FetchError), Count: 2})
	if !d.DeadLetter || d.Drop {
		t.Errorf("Classify(ErrForcedClear) = %+v, want dead-letter", d)
	}
}

func TestClassify_ExponentialBackoff(t *testing.T) {
	c := testClassifier()

	tests := []struct {
		name          string
		prev          *domain.RetryState
		expectedCount int
		expectedDelay time.Duration
	}{
		{"first failure", nil, 0, 1 * time.Second},
		{"second same category", &domain.RetryState{Category: string(FetchError), Count: 0}, 1, 2 * time.Second},
		{"fifth same category", &domain.RetryState{Category: string(FetchError), Count: 3}, 4, 16 * time.Second},
		{"category changed", &domain.RetryState{Category: string(InvalidPage), Count: 7}, 0, 1 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := c.Classify(ErrFetch, tt.prev)
			if d.Drop || d.DeadLetter {
				t.Fatalf("Expected retry decision, got %+v", d)
			}
			if d.RetryCount != tt.expectedCount {
				t.Errorf("RetryCount = %d, want %d", d.RetryCount, tt.expectedCount)
			}
			if d.Delay != tt.expectedDelay {
				t.Errorf("Delay = %v, want %v", d.Delay, tt.expectedDelay)
			}
		})
	}
}

func TestClassify_RetryCountResetsOnCategoryChange(t *testing.T) {
	c := testClassifier()

	d := c.Classify(fmt.Errorf("%w: bad license", ErrInvalidPage),
		&domain.RetryState{Category: string(FetchError), Count: 3})
	if d.Category != InvalidPage {
		t.Fatalf("Category = %s, want %s", d.Category, InvalidPage)
	}
	if d.RetryCount != 0 {
		t.Errorf("RetryCount = %d, want 0 after category change", d.RetryCount)
	}
}

func TestClassify_DeadLetterAfterThreshold(t *testing.T) {
	c := testClassifier()

	// Simulate 16 consecutive fetch errors.
	var prev *domain.RetryState
	var d Decision
	for i := 0; i < 16; i++ {
		d = c.Classify(ErrFetch, prev)
		prev = d.RetryState()
	}
	if !d.DeadLetter {
		t.Errorf("16th consecutive FetchError should dead-letter, got %+v", d)
	}

	// The 15th still retries.
	prev = nil
	for i := 0; i < 15; i++ {
		d = c.Classify(ErrFetch, prev)
		prev = d.RetryState()
	}
	if d.DeadLetter {
		t.Errorf("15th consecutive FetchError should still retry, got %+v", d)
	}
}

func TestClassify_StoreTransientFixedDelay(t *testing.T) {
	c := testClassifier()

	// Transient overload never counts toward the dead-letter limit, however
	// often it repeats.
	var prev *domain.RetryState
	for i := 0; i < 40; i++ {
		d := c.Classify(fmt.Errorf("batch: %w", storage.ErrTransientOverload), prev)
		if d.DeadLetter || d.Drop {
			t.Fatalf("StoreTransient must never dead-letter, got %+v on attempt %d", d, i)
		}
		if d.Delay != 10*time.Second {
			t.Fatalf("Delay = %v, want fixed 10s", d.Delay)
		}
		if d.RetryCount != 0 {
			t.Fatalf("RetryCount = %d, want 0", d.RetryCount)
		}
		prev = d.RetryState()
	}
}
