// Package recovery implements per-table failure counting and the
// retry -> fallback -> give-up escalation policy.
//
// Counters are kept per table and per failure category; one table's
// trouble never touches another's. Any success resets its category.
package recovery

import (
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

// Category identifies what failed.
type Category int

const (
	CategoryCapture Category = iota
	CategoryExtraction
)

func (c Category) String() string {
	switch c {
	case CategoryCapture:
		return "capture"
	case CategoryExtraction:
		return "extraction"
	default:
		return "unknown"
	}
}

// Action is what the caller should do next.
type Action int

const (
	// ActionRetry means wait Delay, then the next attempt is allowed.
	ActionRetry Action = iota
	// ActionFallback means switch to the secondary extraction path.
	// Only extraction has a fallback.
	ActionFallback
	// ActionGiveUp means the table should transition to stuck.
	ActionGiveUp
)

func (a Action) String() string {
	switch a {
	case ActionRetry:
		return "retry"
	case ActionFallback:
		return "fallback"
	case ActionGiveUp:
		return "give-up"
	default:
		return "unknown"
	}
}

// Directive is the policy's answer to a failure report.
type Directive struct {
	Action Action
	Delay  time.Duration
}

// MaxConsecutive is how many consecutive failures a stage tolerates
// before escalating.
const MaxConsecutive = 3

// backoffDelays is the exponential backoff sequence, indexed by attempt.
var backoffDelays = []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}

// BackoffDelay returns the wait before the next attempt is allowed,
// given how many consecutive failures have occurred (1-based).
func BackoffDelay(failures int) time.Duration {
	if failures < 1 {
		failures = 1
	}
	if failures > len(backoffDelays) {
		failures = len(backoffDelays)
	}
	return backoffDelays[failures-1]
}

// Tracker holds the failure counters for a single table.
type Tracker struct {
	mu sync.Mutex

	captureFailures    int
	extractionFailures int
	fallbackFailures   int
	usingFallback      bool
	totalFailures      int

	logger *log.Logger
}

// NewTracker creates a tracker with all counters at zero.
func NewTracker(tableID int, logger *log.Logger) *Tracker {
	return &Tracker{logger: logger.WithPrefix("recovery").With("table", tableID)}
}

// OnFailure records a failure in the given category and returns the
// escalation directive.
func (t *Tracker) OnFailure(cat Category) Directive {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.totalFailures++

	switch cat {
	case CategoryCapture:
		t.captureFailures++
		t.logger.Warn("capture failed", "consecutive", t.captureFailures, "threshold", MaxConsecutive)
		if t.captureFailures >= MaxConsecutive {
			// No capture fallback exists; go straight to give-up.
			return Directive{Action: ActionGiveUp}
		}
		return Directive{Action: ActionRetry, Delay: BackoffDelay(t.captureFailures)}

	case CategoryExtraction:
		if t.usingFallback {
			t.fallbackFailures++
			t.logger.Warn("fallback extraction failed", "consecutive", t.fallbackFailures, "threshold", MaxConsecutive)
			if t.fallbackFailures >= MaxConsecutive {
				return Directive{Action: ActionGiveUp}
			}
			return Directive{Action: ActionRetry, Delay: BackoffDelay(t.fallbackFailures)}
		}
		t.extractionFailures++
		t.logger.Warn("extraction failed", "consecutive", t.extractionFailures, "threshold", MaxConsecutive)
		if t.extractionFailures >= MaxConsecutive {
			t.usingFallback = true
			return Directive{Action: ActionFallback}
		}
		return Directive{Action: ActionRetry, Delay: BackoffDelay(t.extractionFailures)}
	}

	return Directive{Action: ActionRetry, Delay: BackoffDelay(1)}
}

// OnSuccess resets the category's consecutive counter. A successful
// extraction on the fallback path keeps the fallback engaged; only a
// reset returns the table to the primary path.
func (t *Tracker) OnSuccess(cat Category) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch cat {
	case CategoryCapture:
		t.captureFailures = 0
	case CategoryExtraction:
		t.extractionFailures = 0
		t.fallbackFailures = 0
	}
}

// UsingFallback reports whether extraction has escalated to the
// secondary path.
func (t *Tracker) UsingFallback() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.usingFallback
}

// Reset zeroes every counter and disengages the fallback. Called when a
// human or external control resumes the table.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.captureFailures = 0
	t.extractionFailures = 0
	t.fallbackFailures = 0
	t.usingFallback = false
	t.logger.Info("counters reset")
}

// Failures returns the consecutive failure count for a category.
func (t *Tracker) Failures(cat Category) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch cat {
	case CategoryCapture:
		return t.captureFailures
	case CategoryExtraction:
		if t.usingFallback {
			return t.fallbackFailures
		}
		return t.extractionFailures
	}
	return 0
}

// TotalFailures returns the lifetime failure count for diagnostics.
func (t *Tracker) TotalFailures() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.totalFailures
}
