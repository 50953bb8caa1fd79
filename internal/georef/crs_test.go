package georef

import (
	"testing"

	"github.com/stretchr/testify/require"

	"orthoforge/internal/geo"
)

func TestUTMForwardKnownValues(t *testing.T) {
	// on the central meridian easting is exactly the false easting and
	// northing is the scaled meridian arc
	p := utmForward(32, false, geo.Point{X: 9, Y: 45})
	require.InDelta(t, 500000.0, p.X, 1e-6)
	require.InDelta(t, 4982950.4, p.Y, 1.0)

	eq := utmForward(32, false, geo.Point{X: 9, Y: 0})
	require.InDelta(t, 0.0, eq.Y, 1e-6)

	s := utmForward(33, true, geo.Point{X: 15, Y: 0})
	require.InDelta(t, 10000000.0, s.Y, 1e-6)
}

func TestUTMPointRoundTrip(t *testing.T) {
	tests := []struct {
		zone  int
		south bool
		pt    geo.Point
	}{
		{32, false, geo.Point{X: 9.5, Y: 46.2}},
		{10, false, geo.Point{X: -122.4, Y: 37.8}},
		{56, true, geo.Point{X: 151.2, Y: -33.9}},
		{23, true, geo.Point{X: -46.6, Y: -23.5}},
		{33, false, geo.Point{X: 17.9, Y: 69.6}},
	}
	for _, tt := range tests {
		native := utmForward(tt.zone, tt.south, tt.pt)
		back := utmInverse(tt.zone, tt.south, native)
		require.InDelta(t, tt.pt.X, back.X, 1e-7)
		require.InDelta(t, tt.pt.Y, back.Y, 1e-7)
	}
}

func TestReprojectBoxRoundTrip(t *testing.T) {
	crs, ok := ResolveCRS(32632)
	require.True(t, ok)

	box := geo.Bounds{MinX: 9.10, MinY: 45.40, MaxX: 9.11, MaxY: 45.41}
	back := crs.Reproject(crs.Project(box))

	const eps = 5e-4
	require.InDelta(t, box.MinX, back.MinX, eps)
	require.InDelta(t, box.MinY, back.MinY, eps)
	require.InDelta(t, box.MaxX, back.MaxX, eps)
	require.InDelta(t, box.MaxY, back.MaxY, eps)
	// envelopes can only grow
	require.LessOrEqual(t, back.MinX, box.MinX+1e-9)
	require.GreaterOrEqual(t, back.MaxY, box.MaxY-1e-9)
}

func TestFourCornerMatchesTwoCornerForAxisAlignedBox(t *testing.T) {
	crs, _ := ResolveCRS(32632)
	native := geo.Bounds{MinX: 500000, MinY: 4980000, MaxX: 501000, MaxY: 4981000}

	four := crs.Reproject(native)
	lo := crs.ToLonLat(geo.Point{X: native.MinX, Y: native.MinY})
	hi := crs.ToLonLat(geo.Point{X: native.MaxX, Y: native.MaxY})
	two := geo.Envelope(lo, hi)

	require.InDelta(t, two.MinX, four.MinX, 1e-5)
	require.InDelta(t, two.MinY, four.MinY, 1e-5)
	require.InDelta(t, two.MaxX, four.MaxX, 1e-5)
	require.InDelta(t, two.MaxY, four.MaxY, 1e-5)
}

func TestWebMercator(t *testing.T) {
	crs, ok := ResolveCRS(3857)
	require.True(t, ok)

	origin := crs.ToLonLat(geo.Point{})
	require.InDelta(t, 0.0, origin.X, 1e-12)
	require.InDelta(t, 0.0, origin.Y, 1e-12)

	edge := crs.ToLonLat(geo.Point{X: 20037508.342789244})
	require.InDelta(t, 180.0, edge.X, 1e-9)

	p := geo.Point{X: -122.4194, Y: 37.7749}
	back := crs.ToLonLat(crs.FromLonLat(p))
	require.InDelta(t, p.X, back.X, 1e-9)
	require.InDelta(t, p.Y, back.Y, 1e-9)
}
