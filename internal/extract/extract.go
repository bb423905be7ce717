// Package extract defines the contract with the image-recognition
// collaborator. Recognition internals (template matching, OCR) live
// outside this module; the orchestrator only depends on the interface
// and the partial-with-nulls snapshot it returns.
package extract

import (
	"context"
	"errors"
	"image"

	"github.com/lox/tablerunner/internal/geometry"
)

// ErrExtractionFailed is returned when recognition produced nothing
// usable for a region.
var ErrExtractionFailed = errors.New("extraction failed")

// Snapshot is the recognized state of one table at one instant. Fields
// are nil when the corresponding region could not be read; a missing
// timer and a missing score are independent failures.
type Snapshot struct {
	Timer     *int
	BlueScore *int
	RedScore  *int
}

// HasTimer reports whether the timer was read.
func (s Snapshot) HasTimer() bool { return s.Timer != nil }

// HasScores reports whether both scores were read.
func (s Snapshot) HasScores() bool { return s.BlueScore != nil && s.RedScore != nil }

// Complete reports whether every field was read.
func (s Snapshot) Complete() bool { return s.HasTimer() && s.HasScores() }

// Extractor turns a captured table image into a snapshot. The regions
// are relative to the captured image. Implementations may return a
// partial snapshot with nil fields alongside a nil error.
type Extractor interface {
	Extract(ctx context.Context, img image.Image, timer, blue, red geometry.Region) (Snapshot, error)
}

// Int is a helper for building snapshots in adapters and tests.
func Int(v int) *int { return &v }
