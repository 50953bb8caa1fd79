// Package geo holds the small geometry types shared by the georeferencing code
// and the project store.
package geo

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
)

// Bounds is an axis-aligned rectangle. In geographic form X is longitude and
// Y is latitude, in degrees.
type Bounds struct {
	MinX float64 `json:"min_x"`
	MinY float64 `json:"min_y"`
	MaxX float64 `json:"max_x"`
	MaxY float64 `json:"max_y"`
}

// Point is an x/y pair in some coordinate reference.
type Point struct {
	X, Y float64
}

// Corners returns the four corners counter-clockwise from the lower left.
func (b Bounds) Corners() [4]Point {
	return [4]Point{
		{b.MinX, b.MinY},
		{b.MaxX, b.MinY},
		{b.MaxX, b.MaxY},
		{b.MinX, b.MaxY},
	}
}

// Width returns the x extent.
func (b Bounds) Width() float64 { return b.MaxX - b.MinX }

// Height returns the y extent.
func (b Bounds) Height() float64 { return b.MaxY - b.MinY }

// Envelope returns the smallest Bounds containing every point.
func Envelope(pts ...Point) Bounds {
	b := Bounds{MinX: math.Inf(1), MinY: math.Inf(1), MaxX: math.Inf(-1), MaxY: math.Inf(-1)}
	for _, p := range pts {
		b.MinX = math.Min(b.MinX, p.X)
		b.MinY = math.Min(b.MinY, p.Y)
		b.MaxX = math.Max(b.MaxX, p.X)
		b.MaxY = math.Max(b.MaxY, p.Y)
	}
	return b
}

// Finite reports whether every coordinate is a real number.
func (b Bounds) Finite() bool {
	for _, v := range [4]float64{b.MinX, b.MinY, b.MaxX, b.MaxY} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// LooksGeographic reports whether the box is numerically a legal lon/lat box.
func (b Bounds) LooksGeographic() bool {
	return b.MinX >= -180 && b.MaxX <= 180 && b.MinY >= -90 && b.MaxY <= 90 &&
		b.MinX <= b.MaxX && b.MinY <= b.MaxY
}

// Polygon is a GeoJSON polygon geometry.
type Polygon struct {
	Type        string         `json:"type"`
	Coordinates [][][2]float64 `json:"coordinates"`
}

// Polygon returns the closed five-point ring for b.
func (b Bounds) Polygon() Polygon {
	c := b.Corners()
	ring := make([][2]float64, 0, 5)
	for _, p := range c {
		ring = append(ring, [2]float64{p.X, p.Y})
	}
	ring = append(ring, ring[0])
	return Polygon{Type: "Polygon", Coordinates: [][][2]float64{ring}}
}

// MarshalPolygon encodes b as a GeoJSON polygon.
func MarshalPolygon(b Bounds) (string, error) {
	data, err := json.Marshal(b.Polygon())
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// UnmarshalPolygon decodes a GeoJSON polygon and returns its envelope.
func UnmarshalPolygon(s string) (Bounds, error) {
	var poly Polygon
	if err := json.Unmarshal([]byte(s), &poly); err != nil {
		return Bounds{}, fmt.Errorf("decode polygon: %w", err)
	}
	if poly.Type != "Polygon" || len(poly.Coordinates) == 0 || len(poly.Coordinates[0]) == 0 {
		return Bounds{}, errors.New("decode polygon: empty or non-polygon geometry")
	}
	pts := make([]Point, 0, len(poly.Coordinates[0]))
	for _, c := range poly.Coordinates[0] {
		pts = append(pts, Point{X: c[0], Y: c[1]})
	}
	return Envelope(pts...), nil
}
