// Package surface defines the contract with the browser-automation
// collaborator that owns the shared interactive surface, plus the two
// pieces of shared-resource policy that sit in front of it: the click
// gate that serializes click emission and the frame cache that retries
// reference-frame lookups around startup.
package surface

import (
	"context"
	"errors"
	"image"
	"math/rand"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/coder/quartz"

	"github.com/lox/tablerunner/internal/geometry"
)

// ErrReferenceFrameUnavailable means the shared surface's bounding box
// could not be obtained. Callers must treat it as retryable: the frame
// may not exist yet at process start and appear once the surface
// finishes loading.
var ErrReferenceFrameUnavailable = errors.New("reference frame unavailable")

// ErrCaptureFailed wraps capture errors from the driver.
var ErrCaptureFailed = errors.New("capture failed")

// Surface is the shared interactive surface driver. All tables read it
// concurrently; none may mutate it. Click emission is serialized by the
// ClickGate, not by implementations.
type Surface interface {
	// CaptureRegion screenshots an absolute rectangle of the surface.
	CaptureRegion(ctx context.Context, tableID int, rect geometry.Region) (image.Image, error)
	// ReferenceFrame returns the surface's current bounding origin, or
	// ErrReferenceFrameUnavailable.
	ReferenceFrame(ctx context.Context) (geometry.Point, error)
	// ClickAt synthesizes a click at an absolute point.
	ClickAt(ctx context.Context, p geometry.Point) error
	// DetectReload reports whether the surface reloaded since last check.
	DetectReload(ctx context.Context) bool
	// WaitUntilReady blocks until the surface is usable again or the
	// timeout elapses.
	WaitUntilReady(ctx context.Context, timeout time.Duration) bool
}

// Click spacing between any two clicks from different tables, to avoid
// overlapping interaction artifacts on the shared surface.
const (
	MinClickSpacing = 10 * time.Millisecond
	MaxClickSpacing = 20 * time.Millisecond
)

// ClickGate serializes click emission across all tables with a small
// randomized delay between consecutive clicks. Only the final act step
// goes through the gate; it never blocks capture, extraction or state
// updates.
type ClickGate struct {
	mu      sync.Mutex
	clock   quartz.Clock
	rng     *rand.Rand
	rngMu   sync.Mutex
	minGap  time.Duration
	maxGap  time.Duration
	lastSet bool
	last    time.Time
}

// NewClickGate creates a gate with the default spacing.
func NewClickGate(clock quartz.Clock) *ClickGate {
	return NewClickGateWithSpacing(clock, MinClickSpacing, MaxClickSpacing)
}

// NewClickGateWithSpacing creates a gate with explicit spacing bounds.
func NewClickGateWithSpacing(clock quartz.Clock, minGap, maxGap time.Duration) *ClickGate {
	return &ClickGate{
		clock:  clock,
		rng:    rand.New(rand.NewSource(clock.Now().UnixNano())),
		minGap: minGap,
		maxGap: maxGap,
	}
}

// Do runs fn while holding the gate, first enforcing the spacing since
// the previous gated click.
func (g *ClickGate) Do(ctx context.Context, fn func() error) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.lastSet {
		gap := g.gap()
		if elapsed := g.clock.Since(g.last); elapsed < gap {
			if err := sleepCtx(ctx, g.clock, gap-elapsed); err != nil {
				return err
			}
		}
	}

	err := fn()
	g.last = g.clock.Now()
	g.lastSet = true
	return err
}

func (g *ClickGate) gap() time.Duration {
	if g.maxGap <= g.minGap {
		return g.minGap
	}
	g.rngMu.Lock()
	defer g.rngMu.Unlock()
	return g.minGap + time.Duration(g.rng.Int63n(int64(g.maxGap-g.minGap)))
}

// Frame cache retry policy: a short bounded wait rather than failing the
// tick outright, since the frame may appear shortly after process start.
const (
	frameRetryAttempts = 5
	frameRetryDelay    = 500 * time.Millisecond
)

// FrameCache fetches the reference frame with bounded retries and keeps
// the origin recorded at first success for drift checks.
type FrameCache struct {
	mu       sync.Mutex
	surface  Surface
	clock    quartz.Clock
	logger   *log.Logger
	recorded geometry.Point
	haveOrig bool
}

// NewFrameCache creates a cache around the surface driver.
func NewFrameCache(s Surface, clock quartz.Clock, logger *log.Logger) *FrameCache {
	return &FrameCache{surface: s, clock: clock, logger: logger.WithPrefix("frame")}
}

// Get returns the current reference frame origin, retrying a few times
// with a short delay when the frame is not yet available.
func (f *FrameCache) Get(ctx context.Context) (geometry.Point, error) {
	var lastErr error
	for attempt := 1; attempt <= frameRetryAttempts; attempt++ {
		origin, err := f.surface.ReferenceFrame(ctx)
		if err == nil {
			f.mu.Lock()
			if !f.haveOrig {
				f.recorded = origin
				f.haveOrig = true
			}
			f.mu.Unlock()
			return origin, nil
		}
		lastErr = err
		if !errors.Is(err, ErrReferenceFrameUnavailable) {
			return geometry.Point{}, err
		}
		if attempt < frameRetryAttempts {
			f.logger.Debug("reference frame not ready, retrying", "attempt", attempt)
			if serr := sleepCtx(ctx, f.clock, frameRetryDelay); serr != nil {
				return geometry.Point{}, serr
			}
		}
	}
	return geometry.Point{}, lastErr
}

// DriftExceeded compares the current origin against the one recorded at
// first fetch. Checked periodically (every handful of rounds) so a
// drifted canvas is caught before clicks land wide.
func (f *FrameCache) DriftExceeded(cur geometry.Point, threshold int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.haveOrig {
		return false
	}
	return geometry.ExceedsDrift(f.recorded, cur, threshold)
}

// Rebase replaces the recorded origin, e.g. after a reload settles.
func (f *FrameCache) Rebase(origin geometry.Point) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recorded = origin
	f.haveOrig = true
}

func sleepCtx(ctx context.Context, clock quartz.Clock, d time.Duration) error {
	timer := clock.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
