// Package orchestrator drives one table through a tick's
// capture -> extract -> decide -> act sequence.
//
// Each orchestrator owns its table's tracker and failure counters and
// shares the surface driver, click gate and round store with its
// siblings. A tick's unit of work may suspend on backoff or click
// spacing, but never on another table's lock.
package orchestrator

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/coder/quartz"

	"github.com/lox/tablerunner/internal/events"
	"github.com/lox/tablerunner/internal/extract"
	"github.com/lox/tablerunner/internal/geometry"
	"github.com/lox/tablerunner/internal/pattern"
	"github.com/lox/tablerunner/internal/recovery"
	"github.com/lox/tablerunner/internal/surface"
	"github.com/lox/tablerunner/internal/table"
)

// RoundStore receives completed rounds. Implementations own durability
// and ordering and must not block the caller.
type RoundStore interface {
	AppendRound(tableID int, rec table.RoundRecord)
}

// TableConfig is a table's validated, immutable placement. Sub-regions
// are relative to Region; Region is relative to the reference frame.
type TableConfig struct {
	ID              int
	Region          geometry.Region
	TimerRegion     geometry.Region
	BlueScoreRegion geometry.Region
	RedScoreRegion  geometry.Region
	Buttons         geometry.ButtonLayout
}

// Options tune timing behavior. Tests shrink the delays.
type Options struct {
	// Delay between the choose click and the confirm click.
	PhaseDelayMin time.Duration
	PhaseDelayMax time.Duration
	// Reference-frame drift tolerance in pixels, checked every
	// DriftCheckRounds completed rounds.
	DriftThreshold   int
	DriftCheckRounds int
}

// DefaultOptions returns the calibrated defaults.
func DefaultOptions() Options {
	return Options{
		PhaseDelayMin:    50 * time.Millisecond,
		PhaseDelayMax:    100 * time.Millisecond,
		DriftThreshold:   5,
		DriftCheckRounds: 10,
	}
}

// Deps are the collaborators shared across orchestrators.
type Deps struct {
	Surface   surface.Surface
	Frames    *surface.FrameCache
	Extractor extract.Extractor
	Fallback  extract.Extractor // secondary recognition path, may be nil
	Gate      *surface.ClickGate
	Store     RoundStore
	Bus       *events.Bus
	Clock     quartz.Clock
	Logger    *log.Logger
}

// Orchestrator runs one table.
type Orchestrator struct {
	cfg  TableConfig
	opts Options
	deps Deps

	tracker  *table.Tracker
	recovery *recovery.Tracker

	mu               sync.Mutex
	retryAt          time.Time
	roundsSinceDrift int

	rngMu sync.Mutex
	rng   *rand.Rand

	logger *log.Logger
}

// New creates an orchestrator for one table.
func New(cfg TableConfig, rules pattern.RuleSet, opts Options, deps Deps) *Orchestrator {
	return &Orchestrator{
		cfg:      cfg,
		opts:     opts,
		deps:     deps,
		tracker:  table.NewTracker(cfg.ID, rules, deps.Logger, deps.Clock),
		recovery: recovery.NewTracker(cfg.ID, deps.Logger),
		rng:      rand.New(rand.NewSource(deps.Clock.Now().UnixNano() + int64(cfg.ID))),
		logger:   deps.Logger.WithPrefix("orchestrator").With("table", cfg.ID),
	}
}

// ID returns the table identifier.
func (o *Orchestrator) ID() int { return o.cfg.ID }

// Tracker exposes the table state machine for the coordinator.
func (o *Orchestrator) Tracker() *table.Tracker { return o.tracker }

// Recovery exposes the failure counters for the coordinator.
func (o *Orchestrator) Recovery() *recovery.Tracker { return o.recovery }

// Resume reactivates the table and zeroes its failure counters.
func (o *Orchestrator) Resume() {
	o.recovery.Reset()
	o.mu.Lock()
	o.retryAt = time.Time{}
	o.mu.Unlock()
	o.tracker.Resume()
}

// ProcessTick runs one unit of work for this table. A nil return means
// the tick succeeded or was benignly skipped (not runnable, backoff in
// effect); a non-nil return is this table's failure for the tick and
// never affects any other table.
func (o *Orchestrator) ProcessTick(ctx context.Context) error {
	if !o.tracker.Runnable() {
		return nil
	}
	if o.inBackoff() {
		return nil
	}

	frame, err := o.deps.Frames.Get(ctx)
	if err != nil {
		// Retryable at startup; not a capture failure.
		o.logger.Warn("reference frame unavailable, skipping tick", "error", err)
		return fmt.Errorf("table %d: %w", o.cfg.ID, err)
	}

	img, err := o.deps.Surface.CaptureRegion(ctx, o.cfg.ID, geometry.CaptureRect(frame, o.cfg.Region))
	if err != nil {
		return o.handleFailure(recovery.CategoryCapture, err)
	}
	o.recovery.OnSuccess(recovery.CategoryCapture)

	extractor := o.deps.Extractor
	if o.recovery.UsingFallback() && o.deps.Fallback != nil {
		extractor = o.deps.Fallback
	}
	snap, err := extractor.Extract(ctx, img, o.cfg.TimerRegion, o.cfg.BlueScoreRegion, o.cfg.RedScoreRegion)
	if err == nil && !snap.Complete() {
		err = fmt.Errorf("%w: partial snapshot (timer=%v scores=%v)", extract.ErrExtractionFailed, snap.HasTimer(), snap.HasScores())
	}
	if err != nil {
		return o.handleFailure(recovery.CategoryExtraction, err)
	}
	o.recovery.OnSuccess(recovery.CategoryExtraction)

	timer := *snap.Timer
	if o.tracker.NewRoundStarted(timer) {
		o.logger.Debug("round boundary crossed", "timer", timer)
	}

	// Round completion is driven by a strict score increase and must be
	// recorded before the timer snapshot moves on.
	if winner, done := o.tracker.ObserveScores(*snap.BlueScore, *snap.RedScore); done {
		rec := o.tracker.RecordRound(winner, timer)
		o.deps.Store.AppendRound(o.cfg.ID, rec)
		o.deps.Bus.PublishRound(events.RoundEvent{
			TableID:     o.cfg.ID,
			RoundNumber: rec.RoundNumber,
			Winner:      string(rune(rec.Winner)),
			Decision:    rec.DecisionMade.String(),
			Result:      string(rec.Result),
			Timestamp:   rec.Timestamp,
		})
		o.checkDrift(frame)
	}

	o.tracker.ObserveTimer(timer)

	if decision, rule, ok := o.tracker.Decide(); ok {
		if err := o.act(ctx, frame, decision); err != nil {
			o.logger.Error("click sequence failed", "rule", rule.String(), "error", err)
			o.deps.Bus.PublishError(events.ErrorEvent{
				TableID:   o.cfg.ID,
				Category:  "click",
				Message:   err.Error(),
				Timestamp: o.deps.Clock.Now(),
			})
		}
	}

	o.publishStatus()
	return nil
}

func (o *Orchestrator) inBackoff() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.deps.Clock.Now().Before(o.retryAt)
}

// handleFailure routes a capture/extraction failure through the
// escalation policy. Backoff is expressed as a not-before deadline so
// the wait suspends only this table's future attempts, never the tick
// fan-out.
func (o *Orchestrator) handleFailure(cat recovery.Category, cause error) error {
	directive := o.recovery.OnFailure(cat)
	switch directive.Action {
	case recovery.ActionRetry:
		o.mu.Lock()
		o.retryAt = o.deps.Clock.Now().Add(directive.Delay)
		o.mu.Unlock()
		o.logger.Warn("will retry after backoff", "category", cat.String(), "delay", directive.Delay)

	case recovery.ActionFallback:
		o.logger.Warn("switching to fallback recognition", "category", cat.String())

	case recovery.ActionGiveUp:
		o.tracker.MarkStuck()
		o.deps.Bus.PublishError(events.ErrorEvent{
			TableID:   o.cfg.ID,
			Category:  cat.String(),
			Message:   cause.Error(),
			Timestamp: o.deps.Clock.Now(),
		})
	}
	return fmt.Errorf("table %d %s: %w", o.cfg.ID, cat.String(), cause)
}

// act performs the two-step click sequence: choose the team, wait the
// inter-phase delay, confirm. Both clicks pass through the shared gate.
func (o *Orchestrator) act(ctx context.Context, frame geometry.Point, decision pattern.Decision) error {
	choose := o.cfg.Buttons.ChooseRed
	if decision == pattern.PickBlue {
		choose = o.cfg.Buttons.ChooseBlue
	}

	choosePoint := geometry.ToAbsolute(frame, o.cfg.Region, choose)
	if err := o.gatedClick(ctx, choosePoint); err != nil {
		return fmt.Errorf("choose click: %w", err)
	}

	if err := o.sleep(ctx, o.phaseDelay()); err != nil {
		return err
	}

	confirmPoint := geometry.ToAbsolute(frame, o.cfg.Region, o.cfg.Buttons.Confirm)
	if err := o.gatedClick(ctx, confirmPoint); err != nil {
		return fmt.Errorf("confirm click: %w", err)
	}

	o.logger.Info("acted", "pick", decision.String(), "choose", choosePoint.String(), "confirm", confirmPoint.String())
	return nil
}

func (o *Orchestrator) gatedClick(ctx context.Context, p geometry.Point) error {
	return o.deps.Gate.Do(ctx, func() error {
		return o.deps.Surface.ClickAt(ctx, p)
	})
}

func (o *Orchestrator) phaseDelay() time.Duration {
	if o.opts.PhaseDelayMax <= o.opts.PhaseDelayMin {
		return o.opts.PhaseDelayMin
	}
	o.rngMu.Lock()
	defer o.rngMu.Unlock()
	return o.opts.PhaseDelayMin + time.Duration(o.rng.Int63n(int64(o.opts.PhaseDelayMax-o.opts.PhaseDelayMin)))
}

func (o *Orchestrator) checkDrift(frame geometry.Point) {
	if o.opts.DriftCheckRounds <= 0 {
		return
	}
	o.mu.Lock()
	o.roundsSinceDrift++
	due := o.roundsSinceDrift >= o.opts.DriftCheckRounds
	if due {
		o.roundsSinceDrift = 0
	}
	o.mu.Unlock()

	if due && o.deps.Frames.DriftExceeded(frame, o.opts.DriftThreshold) {
		o.logger.Warn("reference frame drifted beyond threshold", "threshold", o.opts.DriftThreshold)
		o.deps.Bus.PublishError(events.ErrorEvent{
			TableID:   o.cfg.ID,
			Category:  "drift",
			Message:   fmt.Sprintf("reference frame drifted more than %dpx since calibration", o.opts.DriftThreshold),
			Timestamp: o.deps.Clock.Now(),
		})
	}
}

func (o *Orchestrator) publishStatus() {
	stats := o.tracker.Stats()
	var timer *int
	if stats.TimerKnown {
		t := stats.Timer
		timer = &t
	}
	o.deps.Bus.PublishStatus(events.StatusEvent{
		TableID:        stats.TableID,
		Status:         stats.Status.String(),
		Timer:          timer,
		RoundHistory:   stats.RoundHistory,
		PatternMatched: stats.PatternMatched,
		Decision:       stats.LastDecision.String(),
		Timestamp:      o.deps.Clock.Now(),
	})
}

func (o *Orchestrator) sleep(ctx context.Context, d time.Duration) error {
	timer := o.deps.Clock.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
