package geo

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPolygonRoundTrip(t *testing.T) {
	b := Bounds{MinX: 10.5, MinY: 45.1, MaxX: 10.6, MaxY: 45.2}
	s, err := MarshalPolygon(b)
	require.NoError(t, err)
	require.Contains(t, s, `"type":"Polygon"`)

	got, err := UnmarshalPolygon(s)
	require.NoError(t, err)
	require.Equal(t, b, got)

	ring := b.Polygon().Coordinates[0]
	require.Len(t, ring, 5)
	require.Equal(t, ring[0], ring[4])
}

func TestUnmarshalPolygonRejectsGarbage(t *testing.T) {
	_, err := UnmarshalPolygon(`{"type":"Point","coordinates":[]}`)
	require.Error(t, err)
	_, err = UnmarshalPolygon(`nope`)
	require.Error(t, err)
}

func TestLooksGeographic(t *testing.T) {
	require.True(t, Bounds{MinX: -122.5, MinY: 37.7, MaxX: -122.4, MaxY: 37.8}.LooksGeographic())
	require.False(t, Bounds{MinX: 500000, MinY: 4100000, MaxX: 500100, MaxY: 4100100}.LooksGeographic())
	require.False(t, Bounds{MinX: 10, MinY: 95, MaxX: 11, MaxY: 96}.LooksGeographic())
}

func TestEnvelope(t *testing.T) {
	b := Envelope(Point{3, -1}, Point{-2, 4}, Point{0, 0})
	require.Equal(t, Bounds{MinX: -2, MinY: -1, MaxX: 3, MaxY: 4}, b)
}

func TestFinite(t *testing.T) {
	require.True(t, Bounds{MinX: -1, MinY: -1, MaxX: 1, MaxY: 1}.Finite())
	require.False(t, Bounds{MinX: math.NaN(), MinY: 0, MaxX: 1, MaxY: 1}.Finite())
	require.False(t, Bounds{MinX: 0, MinY: 0, MaxX: math.Inf(1), MaxY: 1}.Finite())
}
