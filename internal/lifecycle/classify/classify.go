// Package classify maps raw worker failures onto a closed set of error
// categories, each with a fixed recovery policy. Every failure a worker can
// hit resolves to exactly one of: drop silently, retry with a computed delay,
// or dead-letter (which cascades into a purge).
package classify

import (
	"errors"
	"math"
	"time"

	"github.com/feedmirror/feedmirror/internal/core/domain"
	"github.com/feedmirror/feedmirror/internal/infra/storage"
)

// Category identifies a failure class.
type Category string

const (
	Unauthorized   Category = "unauthorized"
	DuplicateWrite Category = "duplicate-write"
	InvalidPage    Category = "invalid-page"
	FetchError     Category = "fetch-error"
	StoreTransient Category = "store-transient"
	StoreWrite     Category = "store-write-error"
	ForcedClear    Category = "forced-clear"
	NameConflict   Category = "name-conflict"
	Unexpected     Category = "unexpected"
)

// Sentinel errors workers wrap their failures with so Categorize can map
// them. Store transient overload is recognized via storage.ErrTransientOverload.
var (
	ErrUnauthorized   = errors.New("origin returned 401")
	ErrInvalidPage    = errors.New("invalid feed page")
	ErrDuplicateWrite = errors.New("duplicate write detected")
	ErrFetch          = errors.New("page fetch failed")
	ErrStoreWrite     = errors.New("store write failed")
	ErrForcedClear    = errors.New("proxy cache clear requested")
	ErrNameConflict   = errors.New("feed name conflict")
)

// Decision is the recovery policy computed for one failure.
type Decision struct {
	Category   Category
	RetryCount int
	Delay      time.Duration
	DeadLetter bool
	Drop       bool
}

// RetryState returns the state to carry into the next message so a repeated
// category continues its count. Terminal decisions carry no retry state.
func (d Decision) RetryState() *domain.RetryState {
	if d.Drop || d.DeadLetter {
		return nil
	}
	return &domain.RetryState{Category: string(d.Category), Count: d.RetryCount}
}

// Config bounds the retry policy.
type Config struct {
	// DeadLetterThreshold is the number of consecutive same-category retries
	// after which the feed is dead-lettered.
	DeadLetterThreshold int
	// StoreRetryAfter is the fixed delay applied on transient store overload.
	StoreRetryAfter time.Duration
}

// Classifier converts failures plus prior retry state into decisions.
type Classifier struct {
	cfg Config
}

func New(cfg Config) *Classifier {
	return &Classifier{cfg: cfg}
}

// Categorize resolves an error to its failure category.
func Categorize(err error) Category {
	switch {
	case errors.Is(err, ErrUnauthorized):
		return Unauthorized
	case errors.Is(err, ErrDuplicateWrite):
		return DuplicateWrite
	case errors.Is(err, ErrInvalidPage):
		return InvalidPage
	case errors.Is(err, ErrForcedClear):
		return ForcedClear
	case errors.Is(err, ErrNameConflict):
		return NameConflict
	case errors.Is(err, storage.ErrTransientOverload):
		return StoreTransient
	case errors.Is(err, ErrStoreWrite):
		return StoreWrite
	case errors.Is(err, ErrFetch):
		return FetchError
	default:
		return Unexpected
	}
}

// Classify computes the recovery decision for a failure. prev is the retry
// state of the previous attempt, nil on the first failure. The retry count
// continues only while the category repeats; a category change resets it.
func (c *Classifier) Classify(err error, prev *domain.RetryState) Decision {
	category := Categorize(err)

	switch category {
	case Unauthorized, DuplicateWrite, NameConflict:
		return Decision{Category: category, Drop: true}

	case ForcedClear:
		return Decision{Category: category, DeadLetter: true}

	case StoreTransient:
		// Fixed delay; deliberately excluded from the dead-letter count so a
		// throttled store can never kill a healthy feed.
		return Decision{Category: category, Delay: c.cfg.StoreRetryAfter}

	default:
		// InvalidPage, FetchError, StoreWrite, Unexpected: exponential backoff.
		count := 0
		if prev != nil && prev.Category == string(category) {
			count = prev.Count + 1
		}
		if count >= c.cfg.DeadLetterThreshold {
			return Decision{Category: category, RetryCount: count, DeadLetter: true}
		}
		return Decision{
			Category:   category,
			RetryCount: count,
			Delay:      time.Duration(math.Pow(2, float64(count))) * time.Second,
		}
	}
}
