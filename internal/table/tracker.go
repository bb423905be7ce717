// Package table tracks the per-table round/timer state machine.
//
// Each tracker owns the rolling three-outcome history, the learning
// phase, the latest timer/score snapshot and the decision bookkeeping
// for exactly one table. All mutation happens under the tracker's own
// lock; trackers never touch each other.
package table

import (
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/coder/quartz"

	"github.com/lox/tablerunner/internal/pattern"
)

const (
	// LearningRounds is how many rounds a table observes before it is
	// allowed to act.
	LearningRounds = 3

	// InteractiveThreshold is the timer value at or below which the
	// round can no longer be acted on.
	InteractiveThreshold = 6

	// newRoundTimer is the timer floor above which a jump from the
	// non-interactive tail counts as a fresh round. Rounds start at one
	// of two fixed durations (15 or 25), both comfortably above it.
	newRoundTimer = 10
)

// Status is the lifecycle state of a table.
type Status int

const (
	StatusLearning Status = iota
	StatusActive
	StatusPaused
	StatusStuck
	StatusStopped
)

func (s Status) String() string {
	switch s {
	case StatusLearning:
		return "learning"
	case StatusActive:
		return "active"
	case StatusPaused:
		return "paused"
	case StatusStuck:
		return "stuck"
	case StatusStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Result classifies a recorded decision against the round's winner.
type Result string

const (
	ResultCorrect   Result = "correct"
	ResultIncorrect Result = "incorrect"
	ResultNone      Result = "none"
)

// RoundRecord is created exactly once per completed round and never
// mutated afterwards.
type RoundRecord struct {
	RoundNumber    int
	Timestamp      time.Time
	TimerStart     int
	BlueScore      int
	RedScore       int
	Winner         pattern.Symbol
	DecisionMade   pattern.Decision
	PatternMatched string
	Result         Result
}

// Stats is a read-only snapshot used for status events and monitors.
type Stats struct {
	TableID          int
	Status           Status
	LearningPhase    bool
	RoundsObserved   int
	RoundHistory     string
	Timer            int
	TimerKnown       bool
	BlueScore        int
	RedScore         int
	TotalDecisions   int
	CorrectDecisions int
	LastDecision     pattern.Decision
	PatternMatched   string
	Rules            string
}

// Accuracy returns the percentage of recorded decisions that matched the
// round winner.
func (s Stats) Accuracy() float64 {
	if s.TotalDecisions == 0 {
		return 0
	}
	return float64(s.CorrectDecisions) / float64(s.TotalDecisions) * 100
}

// Tracker is the state machine for one table.
type Tracker struct {
	mu sync.Mutex

	id     int
	status Status
	prev   Status // pre-Stuck status, restored on resume

	learning       bool
	roundsObserved int
	roundNumber    int
	history        []pattern.Symbol

	timer      int
	timerKnown bool
	blueScore  int
	redScore   int

	rules           pattern.RuleSet
	pendingDecision pattern.Decision
	pendingRule     pattern.Rule
	decisionPending bool

	totalDecisions   int
	correctDecisions int

	clock  quartz.Clock
	logger *log.Logger
}

// NewTracker creates a tracker in the learning state.
func NewTracker(id int, rules pattern.RuleSet, logger *log.Logger, clock quartz.Clock) *Tracker {
	return &Tracker{
		id:       id,
		status:   StatusLearning,
		prev:     StatusLearning,
		learning: true,
		rules:    rules,
		clock:    clock,
		logger:   logger.WithPrefix("tracker").With("table", id),
	}
}

// ID returns the table identifier.
func (t *Tracker) ID() int { return t.id }

// Status returns the current lifecycle state.
func (t *Tracker) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Runnable reports whether the table should be scheduled for capture.
func (t *Tracker) Runnable() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.runnableLocked()
}

func (t *Tracker) runnableLocked() bool {
	return t.status == StatusActive || t.status == StatusLearning
}

// NewRoundStarted reports whether the timer jumped from the
// non-interactive tail back up to a round-start value, and must be called
// before ObserveTimer for the same tick.
func (t *Tracker) NewRoundStarted(timer int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.timerKnown {
		return false
	}
	if t.timer <= InteractiveThreshold && timer > newRoundTimer {
		t.logger.Debug("new round detected", "from", t.timer, "to", timer)
		return true
	}
	return false
}

// ObserveTimer stores the freshly extracted timer value.
func (t *Tracker) ObserveTimer(timer int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.timer = timer
	t.timerKnown = true
}

// ObserveScores stores the freshly extracted scores and reports the
// winner when either side's score strictly increased. Ties and unchanged
// scores yield no winner.
func (t *Tracker) ObserveScores(blue, red int) (pattern.Symbol, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	prevBlue, prevRed := t.blueScore, t.redScore
	t.blueScore = blue
	t.redScore = red

	switch {
	case blue > prevBlue:
		t.logger.Debug("score changed", "blue", blue, "red", red, "winner", "blue")
		return pattern.SymbolBlue, true
	case red > prevRed:
		t.logger.Debug("score changed", "blue", blue, "red", red, "winner", "red")
		return pattern.SymbolRed, true
	default:
		return 0, false
	}
}

// RecordRound appends the completed round: pushes the winner onto the
// rolling history (dropping the oldest beyond three), advances the
// observation counters, judges any pending decision and flips the
// learning phase the instant the third round lands. It must be called at
// most once per completed round.
func (t *Tracker) RecordRound(winner pattern.Symbol, timerStart int) RoundRecord {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.roundNumber++
	t.roundsObserved++

	t.history = append(t.history, winner)
	if len(t.history) > pattern.HistoryLen {
		t.history = t.history[len(t.history)-pattern.HistoryLen:]
	}

	if t.learning && t.roundsObserved >= LearningRounds {
		t.learning = false
		if t.status == StatusLearning {
			t.status = StatusActive
		}
		t.logger.Info("learning phase complete", "rounds", t.roundsObserved)
	}

	result := ResultNone
	decision := pattern.NoDecision
	matched := ""
	if t.decisionPending {
		decision = t.pendingDecision
		matched = t.pendingRule.String()
		t.totalDecisions++
		if decisionWon(decision, winner) {
			result = ResultCorrect
			t.correctDecisions++
		} else {
			result = ResultIncorrect
		}
	}

	rec := RoundRecord{
		RoundNumber:    t.roundNumber,
		Timestamp:      t.clock.Now(),
		TimerStart:     timerStart,
		BlueScore:      t.blueScore,
		RedScore:       t.redScore,
		Winner:         winner,
		DecisionMade:   decision,
		PatternMatched: matched,
		Result:         result,
	}

	t.pendingDecision = pattern.NoDecision
	t.pendingRule = pattern.Rule{}
	t.decisionPending = false

	t.logger.Info("round complete",
		"round", rec.RoundNumber,
		"winner", string(rune(winner)),
		"decision", decision.String(),
		"result", string(result))

	return rec
}

func decisionWon(d pattern.Decision, winner pattern.Symbol) bool {
	return (d == pattern.PickBlue && winner == pattern.SymbolBlue) ||
		(d == pattern.PickRed && winner == pattern.SymbolRed)
}

// History returns the last three outcomes, oldest first, as a string like
// "BBP". Empty until three rounds have been observed.
func (t *Tracker) History() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.historyLocked()
}

func (t *Tracker) historyLocked() string {
	if len(t.history) < pattern.HistoryLen {
		return ""
	}
	return string(t.history)
}

// ShouldDecide reports whether the table is eligible to act this tick:
// past learning, no decision already pending for the current round, full
// history, and a timer strictly above the interactive threshold.
func (t *Tracker) ShouldDecide() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.shouldDecideLocked()
}

func (t *Tracker) shouldDecideLocked() bool {
	if t.learning || t.decisionPending {
		return false
	}
	if len(t.history) < pattern.HistoryLen {
		return false
	}
	if !t.timerKnown || t.timer <= InteractiveThreshold {
		return false
	}
	return true
}

// Decide matches the current history against the rule list and, on a
// match, records it as the pending decision for this round.
func (t *Tracker) Decide() (pattern.Decision, pattern.Rule, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.shouldDecideLocked() {
		return pattern.NoDecision, pattern.Rule{}, false
	}
	rule, ok := t.rules.Match(t.historyLocked())
	if !ok {
		return pattern.NoDecision, pattern.Rule{}, false
	}

	t.pendingDecision = rule.Decision()
	t.pendingRule = rule
	t.decisionPending = true
	t.logger.Info("decision made", "history", t.historyLocked(), "rule", rule.String(), "pick", rule.Decision().String())
	return rule.Decision(), rule, true
}

// SetRules swaps the rule list atomically; the table is never evaluated
// against a half-updated list.
func (t *Tracker) SetRules(rules pattern.RuleSet) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rules = rules
	t.logger.Info("rules updated", "rules", rules.String(), "count", rules.Len())
}

// Rules returns the current rule list.
func (t *Tracker) Rules() pattern.RuleSet {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rules
}

// Pause suspends the table until Resume.
func (t *Tracker) Pause() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status == StatusStuck || t.status == StatusStopped {
		return
	}
	t.status = StatusPaused
	t.logger.Info("table paused")
}

// Resume reactivates a paused or stuck table, restoring Learning or
// Active depending on the learning flag.
func (t *Tracker) Resume() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.learning {
		t.status = StatusLearning
	} else {
		t.status = StatusActive
	}
	t.logger.Info("table resumed", "status", t.status.String())
}

// MarkStuck records that retries and fallback are exhausted. The table
// consumes no further scheduling slots until explicitly resumed.
func (t *Tracker) MarkStuck() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status != StatusStuck {
		t.prev = t.status
	}
	t.status = StatusStuck
	t.logger.Warn("table stuck")
}

// Stop ends tracking for good.
func (t *Tracker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status = StatusStopped
	t.logger.Info("table stopped")
}

func (t *Tracker) patternMatchedLocked() string {
	if !t.decisionPending {
		return ""
	}
	return t.pendingRule.String()
}

// Stats returns a point-in-time snapshot for events and monitors.
func (t *Tracker) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Stats{
		TableID:          t.id,
		Status:           t.status,
		LearningPhase:    t.learning,
		RoundsObserved:   t.roundsObserved,
		RoundHistory:     t.historyLocked(),
		Timer:            t.timer,
		TimerKnown:       t.timerKnown,
		BlueScore:        t.blueScore,
		RedScore:         t.redScore,
		TotalDecisions:   t.totalDecisions,
		CorrectDecisions: t.correctDecisions,
		LastDecision:     t.pendingDecision,
		PatternMatched:   t.patternMatchedLocked(),
		Rules:            t.rules.String(),
	}
}
