package surface

import (
	"context"
	"image"
	"math/rand"
	"sync"
	"time"

	"github.com/coder/quartz"

	"github.com/lox/tablerunner/internal/extract"
	"github.com/lox/tablerunner/internal/geometry"
)

// Simulator is an in-process stand-in for the browser driver and the
// recognition collaborator, used by --dry-run to exercise the full
// orchestration loop without a real surface. Each capture advances that
// table's simulated round by one step: the timer counts down from the
// round-start value and a random side scores when it hits zero.
type Simulator struct {
	mu     sync.Mutex
	rng    *rand.Rand
	frame  geometry.Point
	tables map[int]*simTable
}

type simTable struct {
	timer int
	blue  int
	red   int
}

const simRoundStart = 15

// NewSimulator creates a simulator with a fixed reference frame.
func NewSimulator(clock quartz.Clock, frame geometry.Point) *Simulator {
	return &Simulator{
		rng:    rand.New(rand.NewSource(clock.Now().UnixNano())),
		frame:  frame,
		tables: make(map[int]*simTable),
	}
}

func (s *Simulator) table(id int) *simTable {
	st, ok := s.tables[id]
	if !ok {
		st = &simTable{timer: simRoundStart}
		s.tables[id] = st
	}
	return st
}

// simImage is a captured frame with the simulated readings baked in, so
// one shared extractor can serve every table.
type simImage struct {
	*image.RGBA
	snap extract.Snapshot
}

// CaptureRegion advances the table's simulated round and returns a frame
// carrying the resulting readings.
func (s *Simulator) CaptureRegion(_ context.Context, tableID int, rect geometry.Region) (image.Image, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.table(tableID)
	if st.timer == 0 {
		if s.rng.Intn(2) == 0 {
			st.blue++
		} else {
			st.red++
		}
		st.timer = simRoundStart
	} else {
		st.timer--
	}

	return simImage{
		RGBA: image.NewRGBA(image.Rect(0, 0, rect.Width, rect.Height)),
		snap: extract.Snapshot{
			Timer:     extract.Int(st.timer),
			BlueScore: extract.Int(st.blue),
			RedScore:  extract.Int(st.red),
		},
	}, nil
}

// Extractor returns the recognition stand-in that reads the readings
// back out of simulated frames.
func (s *Simulator) Extractor() extract.Extractor { return simExtractor{} }

type simExtractor struct{}

func (simExtractor) Extract(_ context.Context, img image.Image, _, _, _ geometry.Region) (extract.Snapshot, error) {
	si, ok := img.(simImage)
	if !ok {
		return extract.Snapshot{}, extract.ErrExtractionFailed
	}
	return si.snap, nil
}

// ReferenceFrame returns the fixed simulated frame origin.
func (s *Simulator) ReferenceFrame(context.Context) (geometry.Point, error) {
	return s.frame, nil
}

// ClickAt accepts and discards clicks.
func (s *Simulator) ClickAt(context.Context, geometry.Point) error { return nil }

// DetectReload never fires for the simulator.
func (s *Simulator) DetectReload(context.Context) bool { return false }

// WaitUntilReady is always ready.
func (s *Simulator) WaitUntilReady(context.Context, time.Duration) bool { return true }
