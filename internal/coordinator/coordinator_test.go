package coordinator

import (
	"context"
	"image"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/coder/quartz"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lox/tablerunner/internal/events"
	"github.com/lox/tablerunner/internal/extract"
	"github.com/lox/tablerunner/internal/geometry"
	"github.com/lox/tablerunner/internal/orchestrator"
	"github.com/lox/tablerunner/internal/pattern"
	"github.com/lox/tablerunner/internal/scheduler"
	"github.com/lox/tablerunner/internal/surface"
	"github.com/lox/tablerunner/internal/table"
)

type fakeSurf struct {
	mu       sync.Mutex
	frame    geometry.Point
	reloads  int
	captures map[int]int
}

func (f *fakeSurf) CaptureRegion(_ context.Context, tableID int, _ geometry.Region) (image.Image, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.captures == nil {
		f.captures = make(map[int]int)
	}
	f.captures[tableID]++
	return image.NewRGBA(image.Rect(0, 0, 1, 1)), nil
}

func (f *fakeSurf) ReferenceFrame(context.Context) (geometry.Point, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.frame, nil
}

func (f *fakeSurf) ClickAt(context.Context, geometry.Point) error { return nil }

func (f *fakeSurf) DetectReload(context.Context) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.reloads > 0 {
		f.reloads--
		return true
	}
	return false
}

func (f *fakeSurf) WaitUntilReady(context.Context, time.Duration) bool { return true }

func (f *fakeSurf) captureCount(tableID int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.captures[tableID]
}

// steadyExtractor always reads a mid-round state: timer running, no
// score movement, so no rounds ever complete.
type steadyExtractor struct{}

func (steadyExtractor) Extract(context.Context, image.Image, geometry.Region, geometry.Region, geometry.Region) (extract.Snapshot, error) {
	return extract.Snapshot{
		Timer:     extract.Int(15),
		BlueScore: extract.Int(0),
		RedScore:  extract.Int(0),
	}, nil
}

type nopStore struct{}

func (nopStore) AppendRound(int, table.RoundRecord) {}

func tableConfig(id int) orchestrator.TableConfig {
	return orchestrator.TableConfig{
		ID:     id,
		Region: geometry.Region{X: id * 100, Y: 0, Width: 90, Height: 90},
	}
}

func newTestCoordinator(t *testing.T, cfg Config, surf *fakeSurf) *Coordinator {
	t.Helper()
	clock := quartz.NewReal()
	logger := log.New(io.Discard)

	deps := orchestrator.Deps{
		Surface:   surf,
		Frames:    surface.NewFrameCache(surf, clock, logger),
		Extractor: steadyExtractor{},
		Gate:      surface.NewClickGateWithSpacing(clock, 0, 0),
		Store:     nopStore{},
		Bus:       events.NewBus(logger),
		Clock:     clock,
		Logger:    logger,
	}
	sched := scheduler.New(scheduler.DefaultIntervals(), scheduler.FastestTimer{}, nil, logger)
	return New(cfg, deps, orchestrator.DefaultOptions(), sched)
}

func TestRegister_CapacityAndDuplicates(t *testing.T) {
	c := newTestCoordinator(t, DefaultConfig(), &fakeSurf{})

	for id := 1; id <= MaxTables; id++ {
		require.NoError(t, c.Register(tableConfig(id), pattern.RuleSet{}))
	}
	require.Equal(t, MaxTables, c.TableCount())

	err := c.Register(tableConfig(7), pattern.RuleSet{})
	assert.ErrorIs(t, err, ErrCapacityExceeded)
	assert.Equal(t, MaxTables, c.TableCount(), "failed registration leaves existing tables untouched")

	err = c.Register(tableConfig(3), pattern.RuleSet{})
	assert.ErrorIs(t, err, ErrAlreadyRegistered)
	assert.Equal(t, MaxTables, c.TableCount())
}

func TestRemove(t *testing.T) {
	c := newTestCoordinator(t, DefaultConfig(), &fakeSurf{})
	require.NoError(t, c.Register(tableConfig(1), pattern.RuleSet{}))

	require.NoError(t, c.Remove(1))
	assert.Equal(t, 0, c.TableCount())
	assert.ErrorIs(t, c.Remove(1), ErrUnknownTable)

	// The freed slot is reusable.
	require.NoError(t, c.Register(tableConfig(1), pattern.RuleSet{}))
}

func TestProcessTick_FansOutToAllRunnableTables(t *testing.T) {
	surf := &fakeSurf{}
	c := newTestCoordinator(t, DefaultConfig(), surf)

	for id := 1; id <= 3; id++ {
		require.NoError(t, c.Register(tableConfig(id), pattern.RuleSet{}))
	}
	require.NoError(t, c.PauseTable(2))

	res := c.ProcessTick(context.Background())

	assert.Equal(t, 1, surf.captureCount(1))
	assert.Equal(t, 0, surf.captureCount(2), "paused table captured nothing")
	assert.Equal(t, 1, surf.captureCount(3))
	assert.Len(t, res.Results, 2)
	assert.NoError(t, res.Results[1])
	assert.NoError(t, res.Results[3])
}

func TestPauseResumeUnknownTable(t *testing.T) {
	c := newTestCoordinator(t, DefaultConfig(), &fakeSurf{})
	assert.ErrorIs(t, c.PauseTable(9), ErrUnknownTable)
	assert.ErrorIs(t, c.ResumeTable(9), ErrUnknownTable)
}

func TestSetRules(t *testing.T) {
	c := newTestCoordinator(t, DefaultConfig(), &fakeSurf{})
	require.NoError(t, c.Register(tableConfig(1), pattern.RuleSet{}))

	require.NoError(t, c.SetRules(1, "BBP-P;BPB-B"))
	o, ok := c.get(1)
	require.True(t, ok)
	assert.Equal(t, "BBP-P;BPB-B", o.Tracker().Rules().String())

	// Invalid text is rejected and the previous rules stay in force.
	assert.Error(t, c.SetRules(1, "garbage"))
	assert.Equal(t, "BBP-P;BPB-B", o.Tracker().Rules().String())

	assert.ErrorIs(t, c.SetRules(9, "BBP-P"), ErrUnknownTable)
}

func TestReload_ResumesExactlyThePreviouslyRunningSet(t *testing.T) {
	surf := &fakeSurf{reloads: 1}
	c := newTestCoordinator(t, DefaultConfig(), surf)

	for id := 1; id <= 3; id++ {
		require.NoError(t, c.Register(tableConfig(id), pattern.RuleSet{}))
	}
	require.NoError(t, c.PauseTable(2))

	res := c.ProcessTick(context.Background())
	require.True(t, res.Reloaded)

	statuses := c.Statuses()
	assert.Equal(t, table.StatusLearning, statuses[0].Status, "running table resumed")
	assert.Equal(t, table.StatusPaused, statuses[1].Status, "manually paused table stays paused")
	assert.Equal(t, table.StatusLearning, statuses[2].Status, "running table resumed")

	// No capture work happened on the reload tick.
	assert.Equal(t, 0, surf.captureCount(1))
}

func TestTargetRounds_StopsAllTables(t *testing.T) {
	surf := &fakeSurf{}
	c := newTestCoordinator(t, Config{TargetRounds: 2}, surf)

	require.NoError(t, c.Register(tableConfig(1), pattern.RuleSet{}))
	require.NoError(t, c.Register(tableConfig(2), pattern.RuleSet{}))

	// Complete one round on each table; the tally is global.
	for _, id := range []int{1, 2} {
		o, ok := c.get(id)
		require.True(t, ok)
		winner, done := o.Tracker().ObserveScores(1, 0)
		require.True(t, done)
		o.Tracker().RecordRound(winner, 15)
	}

	c.ProcessTick(context.Background())

	for _, st := range c.Statuses() {
		assert.Equal(t, table.StatusStopped, st.Status)
	}
}

func TestStatuses_OrderedByID(t *testing.T) {
	c := newTestCoordinator(t, DefaultConfig(), &fakeSurf{})
	for _, id := range []int{4, 1, 3} {
		require.NoError(t, c.Register(tableConfig(id), pattern.RuleSet{}))
	}

	statuses := c.Statuses()
	require.Len(t, statuses, 3)
	assert.Equal(t, []int{1, 3, 4}, []int{statuses[0].TableID, statuses[1].TableID, statuses[2].TableID})
}

func TestRun_StopsOnContextCancel(t *testing.T) {
	c := newTestCoordinator(t, DefaultConfig(), &fakeSurf{})
	require.NoError(t, c.Register(tableConfig(1), pattern.RuleSet{}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("run loop did not stop on cancel")
	}
}
