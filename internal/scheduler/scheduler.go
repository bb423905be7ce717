// Package scheduler decides the capture cadence for each tick.
//
// The interval adapts to the game phase of the eligible tables; the
// default strategy lets the fastest table govern the global interval.
// All eligible tables are captured every tick — the adaptive part is the
// interval. Alternative strategies plug in behind the Strategy interface
// without changing any other component's contract.
package scheduler

import (
	"time"

	"github.com/charmbracelet/log"

	"github.com/lox/tablerunner/internal/table"
)

// Phase is a table's position in the round cycle, derived from its last
// known timer value.
type Phase int

const (
	// PhaseResult: timer at zero or unknown, waiting for the reset.
	PhaseResult Phase = iota
	// PhaseCountdown: timer in the non-interactive tail (1..6).
	PhaseCountdown
	// PhaseClickable: timer above the interactive threshold.
	PhaseClickable
)

func (p Phase) String() string {
	switch p {
	case PhaseCountdown:
		return "countdown"
	case PhaseClickable:
		return "clickable"
	default:
		return "result"
	}
}

// PhaseOf derives the phase from a timer reading.
func PhaseOf(timer int, known bool) Phase {
	switch {
	case !known || timer == 0:
		return PhaseResult
	case timer <= table.InteractiveThreshold:
		return PhaseCountdown
	default:
		return PhaseClickable
	}
}

// Intervals holds the capture cadence per phase.
type Intervals struct {
	Fast   time.Duration // countdown phase
	Normal time.Duration // clickable phase
	Slow   time.Duration // result phase / no data
}

// DefaultIntervals returns the documented defaults.
func DefaultIntervals() Intervals {
	return Intervals{
		Fast:   100 * time.Millisecond,
		Normal: 200 * time.Millisecond,
		Slow:   time.Second,
	}
}

// ForPhase returns the interval for a single phase.
func (iv Intervals) ForPhase(p Phase) time.Duration {
	switch p {
	case PhaseCountdown:
		return iv.Fast
	case PhaseClickable:
		return iv.Normal
	default:
		return iv.Slow
	}
}

// Reading is one table's timer state as seen by a strategy.
type Reading struct {
	Timer int
	Known bool
}

// Strategy computes the global tick interval from the eligible tables'
// timer readings. Readings are never empty when a strategy is consulted.
type Strategy interface {
	Name() string
	Interval(iv Intervals, readings []Reading) time.Duration
}

// FastestTimer is the default strategy: if any eligible table is in the
// countdown tail, tick fast; else if any is clickable, tick at the
// normal rate; else everything sits at a round boundary and slow is
// enough.
type FastestTimer struct{}

func (FastestTimer) Name() string { return "fastest" }

func (FastestTimer) Interval(iv Intervals, readings []Reading) time.Duration {
	sawClickable := false
	for _, r := range readings {
		switch PhaseOf(r.Timer, r.Known) {
		case PhaseCountdown:
			return iv.Fast
		case PhaseClickable:
			sawClickable = true
		}
	}
	if sawClickable {
		return iv.Normal
	}
	return iv.Slow
}

// SlowestTimer keys the interval off the table furthest from completion.
type SlowestTimer struct{}

func (SlowestTimer) Name() string { return "slowest" }

func (SlowestTimer) Interval(iv Intervals, readings []Reading) time.Duration {
	max := Reading{}
	for _, r := range readings {
		if r.Known && (!max.Known || r.Timer > max.Timer) {
			max = r
		}
	}
	return iv.ForPhase(PhaseOf(max.Timer, max.Known))
}

// Fixed always uses the normal interval.
type Fixed struct{}

func (Fixed) Name() string { return "fixed" }

func (Fixed) Interval(iv Intervals, _ []Reading) time.Duration { return iv.Normal }

// Majority uses the interval of the phase most tables are in.
type Majority struct{}

func (Majority) Name() string { return "majority" }

func (Majority) Interval(iv Intervals, readings []Reading) time.Duration {
	counts := map[Phase]int{}
	for _, r := range readings {
		counts[PhaseOf(r.Timer, r.Known)]++
	}
	best, bestCount := PhaseResult, -1
	for _, p := range []Phase{PhaseCountdown, PhaseClickable, PhaseResult} {
		if counts[p] > bestCount {
			best, bestCount = p, counts[p]
		}
	}
	return iv.ForPhase(best)
}

// StrategyByName resolves a configured strategy name.
func StrategyByName(name string) (Strategy, bool) {
	switch name {
	case "", "fastest":
		return FastestTimer{}, true
	case "slowest":
		return SlowestTimer{}, true
	case "fixed":
		return Fixed{}, true
	case "majority":
		return Majority{}, true
	default:
		return nil, false
	}
}

// Plan is one tick's capture decision.
type Plan struct {
	Interval time.Duration
	TableIDs []int
}

// Scheduler computes the per-tick plan.
type Scheduler struct {
	intervals Intervals
	strategy  Strategy
	monitor   *ResourceMonitor // nil disables throttling
	logger    *log.Logger
}

// New creates a scheduler. monitor may be nil to disable CPU throttling.
func New(intervals Intervals, strategy Strategy, monitor *ResourceMonitor, logger *log.Logger) *Scheduler {
	if strategy == nil {
		strategy = FastestTimer{}
	}
	return &Scheduler{
		intervals: intervals,
		strategy:  strategy,
		monitor:   monitor,
		logger:    logger.WithPrefix("scheduler"),
	}
}

// Plan selects the tables to capture this tick and the interval until
// the next one. Only Active and Learning tables are eligible; Paused and
// Stuck tables consume no slots. Resource pressure widens the interval
// proportionally regardless of strategy.
func (s *Scheduler) Plan(stats []table.Stats) Plan {
	var ids []int
	var readings []Reading
	for _, st := range stats {
		if st.Status != table.StatusActive && st.Status != table.StatusLearning {
			continue
		}
		ids = append(ids, st.TableID)
		readings = append(readings, Reading{Timer: st.Timer, Known: st.TimerKnown})
	}

	interval := s.intervals.Slow
	if len(readings) > 0 {
		interval = s.strategy.Interval(s.intervals, readings)
	}

	if s.monitor != nil {
		if factor := s.monitor.ThrottleFactor(); factor > 1 {
			widened := time.Duration(float64(interval) * factor)
			s.logger.Debug("throttling capture interval", "factor", factor, "interval", widened)
			interval = widened
		}
	}

	return Plan{Interval: interval, TableIDs: ids}
}

// Strategy returns the active strategy, for status reporting.
func (s *Scheduler) Strategy() Strategy { return s.strategy }
