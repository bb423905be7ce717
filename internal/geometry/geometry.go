// Package geometry converts region-relative positions into absolute
// interaction points on the shared surface.
//
// All table regions and button offsets are stored relative to the
// surface's reference frame (the current bounding box of the rendered
// canvas). Clicks additionally need a fixed horizontal calibration
// offset; capture rectangles do not.
package geometry

import "fmt"

// CalibrationOffsetX is the horizontal correction applied to every click
// point. There is no vertical term; the value came out of empirical
// calibration against the rendered canvas transform.
const (
	CalibrationOffsetX = 17
	CalibrationOffsetY = 0
)

// Point is a 2D pixel position.
type Point struct {
	X int
	Y int
}

// Add returns p offset by q.
func (p Point) Add(q Point) Point {
	return Point{X: p.X + q.X, Y: p.Y + q.Y}
}

func (p Point) String() string {
	return fmt.Sprintf("(%d,%d)", p.X, p.Y)
}

// Region is a rectangle. Table regions are stored relative to the
// reference frame; sub-regions (timer, scores) relative to their table
// region.
type Region struct {
	X      int
	Y      int
	Width  int
	Height int
}

// Right returns the x coordinate of the right edge.
func (r Region) Right() int { return r.X + r.Width }

// Bottom returns the y coordinate of the bottom edge.
func (r Region) Bottom() int { return r.Y + r.Height }

// Center returns the center point of the region.
func (r Region) Center() Point {
	return Point{X: r.X + r.Width/2, Y: r.Y + r.Height/2}
}

// Contains reports whether p falls inside the region.
func (r Region) Contains(p Point) bool {
	return p.X >= r.X && p.X < r.Right() && p.Y >= r.Y && p.Y < r.Bottom()
}

// Origin returns the top-left corner.
func (r Region) Origin() Point { return Point{X: r.X, Y: r.Y} }

// ButtonLayout holds the click targets of one table, each relative to the
// owning table region.
type ButtonLayout struct {
	ChooseBlue Point
	ChooseRed  Point
	Confirm    Point
	Cancel     Point
}

// ToAbsolute converts a region-relative offset into an absolute click
// point:
//
//	x = frame.X + region.X + offset.X + CalibrationOffsetX
//	y = frame.Y + region.Y + offset.Y
func ToAbsolute(frame Point, region Region, offset Point) Point {
	return Point{
		X: frame.X + region.X + offset.X + CalibrationOffsetX,
		Y: frame.Y + region.Y + offset.Y + CalibrationOffsetY,
	}
}

// CaptureRect returns the absolute rectangle to screenshot for a table
// region. Capture does not apply the click calibration offset.
func CaptureRect(frame Point, region Region) Region {
	return Region{
		X:      frame.X + region.X,
		Y:      frame.Y + region.Y,
		Width:  region.Width,
		Height: region.Height,
	}
}

// ValidateSubRegion checks that sub (relative to region) fits inside
// region's extent.
func ValidateSubRegion(region, sub Region) error {
	if sub.X < 0 || sub.Y < 0 {
		return fmt.Errorf("sub-region origin %s is negative", sub.Origin())
	}
	if sub.X+sub.Width > region.Width {
		return fmt.Errorf("sub-region exceeds region width: %d+%d > %d", sub.X, sub.Width, region.Width)
	}
	if sub.Y+sub.Height > region.Height {
		return fmt.Errorf("sub-region exceeds region height: %d+%d > %d", sub.Y, sub.Height, region.Height)
	}
	return nil
}

// Drift returns the per-axis displacement between the reference frame
// origin recorded at configuration time and the current one.
func Drift(orig, cur Point) (dx, dy int) {
	dx = cur.X - orig.X
	if dx < 0 {
		dx = -dx
	}
	dy = cur.Y - orig.Y
	if dy < 0 {
		dy = -dy
	}
	return dx, dy
}

// ExceedsDrift reports whether the frame moved more than threshold pixels
// on either axis since orig was recorded.
func ExceedsDrift(orig, cur Point, threshold int) bool {
	dx, dy := Drift(orig, cur)
	return dx > threshold || dy > threshold
}
