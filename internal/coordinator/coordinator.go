// Package coordinator owns up to six table orchestrators, fans out each
// tick's work concurrently and handles the one event that spans tables:
// the shared surface reloading.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/coder/quartz"
	"golang.org/x/sync/errgroup"

	"github.com/lox/tablerunner/internal/events"
	"github.com/lox/tablerunner/internal/orchestrator"
	"github.com/lox/tablerunner/internal/pattern"
	"github.com/lox/tablerunner/internal/scheduler"
	"github.com/lox/tablerunner/internal/surface"
	"github.com/lox/tablerunner/internal/table"
)

// MaxTables is the hard cap on concurrently registered tables.
const MaxTables = 6

var (
	// ErrCapacityExceeded is returned by Register beyond the cap; the
	// call is a no-op.
	ErrCapacityExceeded = errors.New("table capacity exceeded")
	// ErrAlreadyRegistered is returned when the table id is taken.
	ErrAlreadyRegistered = errors.New("table already registered")
	// ErrUnknownTable is returned for operations on unregistered ids.
	ErrUnknownTable = errors.New("unknown table")
)

// Config tunes coordinator-wide behavior.
type Config struct {
	// TargetRounds, when positive, stops every table once the summed
	// observed rounds across all tables reaches it. The tally is
	// global, not per table.
	TargetRounds int
	// ReloadWait bounds how long to wait for the surface to come back
	// after a reload.
	ReloadWait time.Duration
}

// DefaultConfig returns sensible coordinator defaults.
func DefaultConfig() Config {
	return Config{ReloadWait: 30 * time.Second}
}

// TickResult is the aggregate outcome of one tick for observability.
type TickResult struct {
	Interval time.Duration
	Results  map[int]error
	Reloaded bool
}

// Coordinator drives the tick loop over all registered tables.
type Coordinator struct {
	mu     sync.RWMutex
	tables map[int]*orchestrator.Orchestrator

	cfg   Config
	opts  orchestrator.Options
	deps  orchestrator.Deps
	sched *scheduler.Scheduler
	surf  surface.Surface
	bus   *events.Bus
	clock quartz.Clock

	logger *log.Logger
}

// New creates an empty coordinator.
func New(cfg Config, deps orchestrator.Deps, opts orchestrator.Options, sched *scheduler.Scheduler) *Coordinator {
	if cfg.ReloadWait <= 0 {
		cfg.ReloadWait = DefaultConfig().ReloadWait
	}
	return &Coordinator{
		tables: make(map[int]*orchestrator.Orchestrator),
		cfg:    cfg,
		opts:   opts,
		deps:   deps,
		sched:  sched,
		surf:   deps.Surface,
		bus:    deps.Bus,
		clock:  deps.Clock,
		logger: deps.Logger.WithPrefix("coordinator"),
	}
}

// Register adds a table. Registration beyond the cap fails with
// ErrCapacityExceeded and leaves existing tables untouched; a duplicate
// id fails with ErrAlreadyRegistered.
func (c *Coordinator) Register(cfg orchestrator.TableConfig, rules pattern.RuleSet) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.tables[cfg.ID]; ok {
		return fmt.Errorf("%w: table %d", ErrAlreadyRegistered, cfg.ID)
	}
	if len(c.tables) >= MaxTables {
		return fmt.Errorf("%w: %d tables registered", ErrCapacityExceeded, len(c.tables))
	}

	c.tables[cfg.ID] = orchestrator.New(cfg, rules, c.opts, c.deps)
	c.logger.Info("table registered", "table", cfg.ID, "total", len(c.tables))
	return nil
}

// Remove stops and deregisters a table.
func (c *Coordinator) Remove(id int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	o, ok := c.tables[id]
	if !ok {
		return fmt.Errorf("%w: table %d", ErrUnknownTable, id)
	}
	o.Tracker().Stop()
	delete(c.tables, id)
	c.logger.Info("table removed", "table", id, "total", len(c.tables))
	return nil
}

// TableCount returns how many tables are registered.
func (c *Coordinator) TableCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.tables)
}

func (c *Coordinator) snapshot() []*orchestrator.Orchestrator {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*orchestrator.Orchestrator, 0, len(c.tables))
	for _, o := range c.tables {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

func (c *Coordinator) get(id int) (*orchestrator.Orchestrator, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	o, ok := c.tables[id]
	return o, ok
}

// StartAll resumes every registered table.
func (c *Coordinator) StartAll() {
	for _, o := range c.snapshot() {
		o.Resume()
	}
	c.logger.Info("all tables started")
}

// StopAll stops every registered table.
func (c *Coordinator) StopAll() {
	for _, o := range c.snapshot() {
		o.Tracker().Stop()
	}
	c.logger.Info("all tables stopped")
}

// PauseTable pauses one table. It takes effect before the next tick; a
// table mid-tick finishes its current unit of work.
func (c *Coordinator) PauseTable(id int) error {
	o, ok := c.get(id)
	if !ok {
		return fmt.Errorf("%w: table %d", ErrUnknownTable, id)
	}
	o.Tracker().Pause()
	return nil
}

// ResumeTable resumes one table and resets its failure counters.
func (c *Coordinator) ResumeTable(id int) error {
	o, ok := c.get(id)
	if !ok {
		return fmt.Errorf("%w: table %d", ErrUnknownTable, id)
	}
	o.Resume()
	return nil
}

// SetRules parses and atomically applies a table's rule list. Invalid
// text is surfaced to the caller and never retried.
func (c *Coordinator) SetRules(id int, text string) error {
	o, ok := c.get(id)
	if !ok {
		return fmt.Errorf("%w: table %d", ErrUnknownTable, id)
	}
	rules, err := pattern.ParseRules(text)
	if err != nil {
		return err
	}
	o.Tracker().SetRules(rules)
	return nil
}

// Statuses returns a snapshot of every table's stats, ordered by id.
func (c *Coordinator) Statuses() []table.Stats {
	orchs := c.snapshot()
	stats := make([]table.Stats, len(orchs))
	for i, o := range orchs {
		stats[i] = o.Tracker().Stats()
	}
	return stats
}

// ProcessTick runs one tick: checks for a surface reload, asks the
// scheduler which tables to capture, dispatches one unit of work per
// table concurrently and waits for all of them.
func (c *Coordinator) ProcessTick(ctx context.Context) TickResult {
	if c.surf.DetectReload(ctx) {
		c.handleReload(ctx)
		return TickResult{Interval: c.planInterval(), Reloaded: true, Results: map[int]error{}}
	}

	orchs := c.snapshot()
	byID := make(map[int]*orchestrator.Orchestrator, len(orchs))
	stats := make([]table.Stats, len(orchs))
	for i, o := range orchs {
		byID[o.ID()] = o
		stats[i] = o.Tracker().Stats()
	}

	plan := c.sched.Plan(stats)

	results := make(map[int]error, len(plan.TableIDs))
	var resultsMu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, id := range plan.TableIDs {
		o := byID[id]
		if o == nil {
			continue
		}
		g.Go(func() error {
			err := o.ProcessTick(gctx)
			resultsMu.Lock()
			results[o.ID()] = err
			resultsMu.Unlock()
			// One table's failure never cancels its siblings.
			return nil
		})
	}
	_ = g.Wait()

	c.checkTargetRounds()

	return TickResult{Interval: plan.Interval, Results: results}
}

func (c *Coordinator) planInterval() time.Duration {
	return c.sched.Plan(c.Statuses()).Interval
}

// handleReload pauses every running table as one unit, waits for the
// surface to come back and resumes exactly the tables that were running
// before the reload — not ones that were already Paused or Stuck.
func (c *Coordinator) handleReload(ctx context.Context) {
	c.logger.Warn("surface reload detected, pausing all tables")

	var resumable []*orchestrator.Orchestrator
	for _, o := range c.snapshot() {
		status := o.Tracker().Status()
		if status == table.StatusActive || status == table.StatusLearning {
			resumable = append(resumable, o)
			o.Tracker().Pause()
		}
	}

	if !c.surf.WaitUntilReady(ctx, c.cfg.ReloadWait) {
		c.logger.Error("surface did not become ready after reload", "waited", c.cfg.ReloadWait)
		return
	}

	// The frame may have moved; rebase drift detection on the fresh
	// origin.
	if origin, err := c.deps.Frames.Get(ctx); err == nil {
		c.deps.Frames.Rebase(origin)
	}

	for _, o := range resumable {
		o.Resume()
	}
	c.logger.Info("surface ready, tables resumed", "resumed", len(resumable))
}

func (c *Coordinator) checkTargetRounds() {
	if c.cfg.TargetRounds <= 0 {
		return
	}
	total := 0
	for _, st := range c.Statuses() {
		total += st.RoundsObserved
	}
	if total >= c.cfg.TargetRounds {
		c.logger.Info("target rounds reached, stopping", "total", total, "target", c.cfg.TargetRounds)
		c.StopAll()
	}
}

// Run drives the tick loop until ctx is cancelled. Each iteration waits
// the scheduler-chosen interval after the previous tick completes, so
// shutdown always lands between ticks with no unit of work in flight.
func (c *Coordinator) Run(ctx context.Context) {
	c.logger.Info("tick loop started")
	defer c.logger.Info("tick loop stopped")

	for {
		if ctx.Err() != nil {
			return
		}
		res := c.ProcessTick(ctx)

		timer := c.clock.NewTimer(res.Interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}
