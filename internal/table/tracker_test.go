package table

import (
	"io"
	"testing"

	"github.com/charmbracelet/log"
	"github.com/coder/quartz"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lox/tablerunner/internal/pattern"
)

func newTestTracker(t *testing.T, rules string) *Tracker {
	t.Helper()
	return NewTracker(1, pattern.MustParseRules(rules), log.New(io.Discard), quartz.NewMock(t))
}

// completeRound drives one full round: a winner's score increases and the
// round is recorded.
func completeRound(t *Tracker, winner pattern.Symbol) RoundRecord {
	stats := t.Stats()
	blue, red := stats.BlueScore, stats.RedScore
	if winner == pattern.SymbolBlue {
		blue++
	} else {
		red++
	}
	w, done := t.ObserveScores(blue, red)
	if !done {
		panic("expected a completed round")
	}
	return t.RecordRound(w, 15)
}

func TestTracker_LearningPhaseEndsAfterThreeRounds(t *testing.T) {
	tr := newTestTracker(t, "BBP-P")

	require.Equal(t, StatusLearning, tr.Status())

	completeRound(tr, pattern.SymbolRed)
	completeRound(tr, pattern.SymbolRed)
	assert.Equal(t, StatusLearning, tr.Status(), "still learning after two rounds")

	completeRound(tr, pattern.SymbolBlue)
	assert.Equal(t, StatusActive, tr.Status(), "active the instant the third round lands")
	assert.False(t, tr.Stats().LearningPhase)
}

func TestTracker_HistoryRollsOldestFirst(t *testing.T) {
	tr := newTestTracker(t, "")

	assert.Equal(t, "", tr.History(), "history empty until three rounds observed")

	completeRound(tr, pattern.SymbolRed)
	completeRound(tr, pattern.SymbolRed)
	assert.Equal(t, "", tr.History())

	completeRound(tr, pattern.SymbolBlue)
	assert.Equal(t, "BBP", tr.History())

	completeRound(tr, pattern.SymbolBlue)
	assert.Equal(t, "BPP", tr.History(), "oldest outcome dropped")
}

func TestTracker_ObserveScores(t *testing.T) {
	tr := newTestTracker(t, "")

	winner, done := tr.ObserveScores(0, 0)
	assert.False(t, done, "unchanged scores complete nothing")
	assert.EqualValues(t, 0, winner)

	winner, done = tr.ObserveScores(0, 1)
	require.True(t, done)
	assert.Equal(t, pattern.SymbolRed, winner)

	// Same scores again: the round was already recorded once.
	_, done = tr.ObserveScores(0, 1)
	assert.False(t, done, "a round must complete exactly once")

	winner, done = tr.ObserveScores(1, 1)
	require.True(t, done)
	assert.Equal(t, pattern.SymbolBlue, winner)
}

func TestTracker_ShouldDecideTimerBoundary(t *testing.T) {
	tr := newTestTracker(t, "BBB-P")
	for i := 0; i < 3; i++ {
		completeRound(tr, pattern.SymbolRed)
	}

	tr.ObserveTimer(6)
	assert.False(t, tr.ShouldDecide(), "timer at the threshold is not clickable")

	tr.ObserveTimer(7)
	assert.True(t, tr.ShouldDecide(), "timer just above the threshold is clickable")
}

func TestTracker_NoDecisionDuringLearning(t *testing.T) {
	tr := newTestTracker(t, "BBB-P")
	completeRound(tr, pattern.SymbolRed)
	completeRound(tr, pattern.SymbolRed)
	tr.ObserveTimer(15)
	assert.False(t, tr.ShouldDecide())
	_, _, ok := tr.Decide()
	assert.False(t, ok)
}

func TestTracker_DecideOncePerRound(t *testing.T) {
	tr := newTestTracker(t, "BBB-P")
	for i := 0; i < 3; i++ {
		completeRound(tr, pattern.SymbolRed)
	}
	tr.ObserveTimer(15)

	decision, rule, ok := tr.Decide()
	require.True(t, ok)
	assert.Equal(t, pattern.PickBlue, decision)
	assert.Equal(t, "BBB-P", rule.String())

	// A second call in the same round must not re-decide.
	_, _, ok = tr.Decide()
	assert.False(t, ok)
}

func TestTracker_RecordJudgesPendingDecision(t *testing.T) {
	tr := newTestTracker(t, "BBB-P")
	for i := 0; i < 3; i++ {
		completeRound(tr, pattern.SymbolRed)
	}
	tr.ObserveTimer(15)

	_, _, ok := tr.Decide()
	require.True(t, ok)

	rec := completeRound(tr, pattern.SymbolBlue)
	assert.Equal(t, ResultCorrect, rec.Result)
	assert.Equal(t, pattern.PickBlue, rec.DecisionMade)
	assert.Equal(t, "BBB-P", rec.PatternMatched)

	stats := tr.Stats()
	assert.Equal(t, 1, stats.TotalDecisions)
	assert.Equal(t, 1, stats.CorrectDecisions)
	assert.InDelta(t, 100.0, stats.Accuracy(), 0.001)
}

func TestTracker_RecordIncorrectDecision(t *testing.T) {
	tr := newTestTracker(t, "BBB-P")
	for i := 0; i < 3; i++ {
		completeRound(tr, pattern.SymbolRed)
	}
	tr.ObserveTimer(15)
	_, _, ok := tr.Decide()
	require.True(t, ok)

	rec := completeRound(tr, pattern.SymbolRed)
	assert.Equal(t, ResultIncorrect, rec.Result)
	assert.InDelta(t, 0.0, tr.Stats().Accuracy(), 0.001)
}

func TestTracker_RoundWithoutDecision(t *testing.T) {
	tr := newTestTracker(t, "")
	rec := completeRound(tr, pattern.SymbolRed)
	assert.Equal(t, ResultNone, rec.Result)
	assert.Equal(t, pattern.NoDecision, rec.DecisionMade)
	assert.Equal(t, 0, tr.Stats().TotalDecisions)
}

func TestTracker_NewRoundStarted(t *testing.T) {
	tr := newTestTracker(t, "")

	assert.False(t, tr.NewRoundStarted(15), "no boundary before any timer is known")

	tr.ObserveTimer(5)
	assert.True(t, tr.NewRoundStarted(15), "jump from the tail to a round start")

	tr.ObserveTimer(15)
	assert.False(t, tr.NewRoundStarted(14), "normal countdown is no boundary")

	tr.ObserveTimer(8)
	assert.False(t, tr.NewRoundStarted(15), "jump from above the threshold is no boundary")
}

func TestTracker_PauseResume(t *testing.T) {
	tr := newTestTracker(t, "")

	tr.Pause()
	assert.Equal(t, StatusPaused, tr.Status())
	assert.False(t, tr.Runnable())

	tr.Resume()
	assert.Equal(t, StatusLearning, tr.Status(), "resume restores learning while still learning")
	assert.True(t, tr.Runnable())

	for i := 0; i < 3; i++ {
		completeRound(tr, pattern.SymbolRed)
	}
	tr.Pause()
	tr.Resume()
	assert.Equal(t, StatusActive, tr.Status(), "resume restores active once learning is done")
}

func TestTracker_StuckAndStop(t *testing.T) {
	tr := newTestTracker(t, "")

	tr.MarkStuck()
	assert.Equal(t, StatusStuck, tr.Status())
	assert.False(t, tr.Runnable())

	tr.Pause()
	assert.Equal(t, StatusStuck, tr.Status(), "pause must not mask stuck")

	tr.Resume()
	assert.Equal(t, StatusLearning, tr.Status())

	tr.Stop()
	assert.Equal(t, StatusStopped, tr.Status())
	assert.False(t, tr.Runnable())
}

func TestTracker_SetRulesAtomic(t *testing.T) {
	tr := newTestTracker(t, "BBB-P")
	for i := 0; i < 3; i++ {
		completeRound(tr, pattern.SymbolRed)
	}
	tr.ObserveTimer(15)

	tr.SetRules(pattern.MustParseRules("BBB-B"))
	decision, _, ok := tr.Decide()
	require.True(t, ok)
	assert.Equal(t, pattern.PickRed, decision, "new rules take effect immediately")
}
