package geom

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ErrZeroExtent is returned when a conversion is attempted before the canvas has a size.
var ErrZeroExtent = errors.New("canvas extent is zero")

// Location is a position expressed as fractions of the canvas height (Top) and width (Left).
type Location struct {
	Top  float64 `json:"top"`
	Left float64 `json:"left"`
}

// Extent is the pixel size of a canvas.
type Extent struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// IsZero reports whether either side is not yet sized.
func (e Extent) IsZero() bool {
	return e.Width <= 0 || e.Height <= 0
}

// Rect is the extent as a rectangle anchored at the origin.
func (e Extent) Rect() Rect {
	return Rect{Width: e.Width, Height: e.Height}
}

type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type Rect struct {
	Left   float64 `json:"left"`
	Top    float64 `json:"top"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Contains reports whether p lies inside or on the rectangle.
func (r Rect) Contains(p Point) bool {
	return p.X >= r.Left && p.X <= r.Left+r.Width &&
		p.Y >= r.Top && p.Y <= r.Top+r.Height
}

// Empty reports whether r has no area.
func (r Rect) Empty() bool {
	return r.Width <= 0 || r.Height <= 0
}

// Union returns the smallest rectangle covering both r and o.
func (r Rect) Union(o Rect) Rect {
	left := math.Min(r.Left, o.Left)
	top := math.Min(r.Top, o.Top)
	right := math.Max(r.Left+r.Width, o.Left+o.Width)
	bottom := math.Max(r.Top+r.Height, o.Top+o.Height)
	return Rect{Left: left, Top: top, Width: right - left, Height: bottom - top}
}

// CenteredRect returns a w*h rectangle centred on p.
func CenteredRect(p Point, w, h float64) Rect {
	return Rect{Left: p.X - w/2, Top: p.Y - h/2, Width: w, Height: h}
}

// ToNormalized converts a pixel offset into a fraction of extent. ok is false when extent is not positive.
func ToNormalized(pixel, extent float64) (float64, bool) {
	if extent <= 0 {
		return 0, false
	}
	return pixel / extent, true
}

// ToPixel converts a fraction of extent into a pixel offset.
func ToPixel(normalized, extent float64) float64 {
	return normalized * extent
}

// ToPoint renders l against the canvas extent.
func (l Location) ToPoint(e Extent) (Point, error) {
	return l.PointIn(e.Rect())
}

// FromPoint converts a pixel position to a Location clamped to [0,1].
func FromPoint(p Point, e Extent) (Location, error) {
	return LocationIn(p, e.Rect())
}

// PointIn renders l inside frame: (0,0) is the frame's top-left corner and (1,1) its bottom-right.
func (l Location) PointIn(frame Rect) (Point, error) {
	if frame.Empty() {
		return Point{}, ErrZeroExtent
	}
	return Point{
		X: frame.Left + ToPixel(l.Left, frame.Width),
		Y: frame.Top + ToPixel(l.Top, frame.Height),
	}, nil
}

// LocationIn is the inverse of PointIn. The result is clamped to [0,1].
func LocationIn(p Point, frame Rect) (Location, error) {
	left, ok := ToNormalized(p.X-frame.Left, frame.Width)
	if !ok {
		return Location{}, ErrZeroExtent
	}
	top, ok := ToNormalized(p.Y-frame.Top, frame.Height)
	if !ok {
		return Location{}, ErrZeroExtent
	}
	return Location{Top: Clamp01(top), Left: Clamp01(left)}, nil
}

// Valid reports whether both coordinates are inside [0,1].
func (l Location) Valid() bool {
	return l.Top >= 0 && l.Top <= 1 && l.Left >= 0 && l.Left <= 1 &&
		!math.IsNaN(l.Top) && !math.IsNaN(l.Left)
}

func Clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v):
		return 0
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

// FormatFraction renders a normalized coordinate the way the remote API stores it.
func FormatFraction(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// ParseFraction parses a stored coordinate. Empty strings are rejected.
func ParseFraction(raw string) (float64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, errors.New("empty coordinate")
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, err
	}
	if v < 0 || v > 1 || math.IsNaN(v) {
		return 0, fmt.Errorf("coordinate %q outside [0,1]", raw)
	}
	return v, nil
}

// AngleDegrees returns the direction from anchor to p in degrees, clockwise from +x in screen
// coordinates, normalized to [0,360).
func AngleDegrees(anchor, p Point) float64 {
	deg := math.Atan2(p.Y-anchor.Y, p.X-anchor.X) * 180 / math.Pi
	return NormalizeDegrees(deg)
}

func NormalizeDegrees(deg float64) float64 {
	deg = math.Mod(deg, 360)
	if deg < 0 {
		deg += 360
	}
	return deg
}

// Polar returns the point at distance r from origin in direction deg (same convention as AngleDegrees).
func Polar(origin Point, deg, r float64) Point {
	rad := deg * math.Pi / 180
	return Point{X: origin.X + r*math.Cos(rad), Y: origin.Y + r*math.Sin(rad)}
}

// ScaleToHeight returns the scale that fits an image of natural size (w, h) to targetHeight and the
// resulting rendered size. Aspect ratio is preserved.
func ScaleToHeight(w, h, targetHeight float64) (scale, outW, outH float64) {
	if w <= 0 || h <= 0 || targetHeight <= 0 {
		return 0, 0, 0
	}
	scale = targetHeight / h
	return scale, w * scale, targetHeight
}
