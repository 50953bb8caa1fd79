package georef

import (
	"fmt"
	"math"

	"orthoforge/internal/geo"
)

// Kind is the projection family of a resolved CRS.
type Kind int

const (
	KindGeographic Kind = iota
	KindUTM
	KindWebMercator
)

// CRS is a resolved coordinate reference.
type CRS struct {
	Code  int
	Name  string
	Kind  Kind
	Zone  int
	South bool
}

// Geographic reports whether coordinates are already lon/lat.
func (c *CRS) Geographic() bool { return c.Kind == KindGeographic }

// ResolveCRS maps an EPSG code to a CRS the resolver can transform. Unknown
// codes return false.
func ResolveCRS(code int) (*CRS, bool) {
	switch {
	case code == 4326:
		return &CRS{Code: code, Name: "EPSG:4326", Kind: KindGeographic}, true
	case code >= 32601 && code <= 32660:
		zone := code - 32600
		return &CRS{Code: code, Name: fmt.Sprintf("EPSG:%d (UTM %dN)", code, zone), Kind: KindUTM, Zone: zone}, true
	case code >= 32701 && code <= 32760:
		zone := code - 32700
		return &CRS{Code: code, Name: fmt.Sprintf("EPSG:%d (UTM %dS)", code, zone), Kind: KindUTM, Zone: zone, South: true}, true
	case code == 3857 || code == 900913 || code == 3785:
		return &CRS{Code: code, Name: fmt.Sprintf("EPSG:%d (Web Mercator)", code), Kind: KindWebMercator}, true
	}
	return nil, false
}

// ToLonLat converts a native coordinate to degrees.
func (c *CRS) ToLonLat(p geo.Point) geo.Point {
	switch c.Kind {
	case KindUTM:
		return utmInverse(c.Zone, c.South, p)
	case KindWebMercator:
		return mercInverse(p)
	}
	return p
}

// FromLonLat converts degrees to a native coordinate.
func (c *CRS) FromLonLat(p geo.Point) geo.Point {
	switch c.Kind {
	case KindUTM:
		return utmForward(c.Zone, c.South, p)
	case KindWebMercator:
		return mercForward(p)
	}
	return p
}

// Reproject transforms all four corners of b to lon/lat and returns their
// envelope, so rotated footprints are never clipped.
func (c *CRS) Reproject(b geo.Bounds) geo.Bounds {
	if c.Geographic() {
		return b
	}
	corners := b.Corners()
	pts := make([]geo.Point, 0, len(corners))
	for _, p := range corners {
		pts = append(pts, c.ToLonLat(p))
	}
	return geo.Envelope(pts...)
}

// Project is the inverse of Reproject for a lon/lat box.
func (c *CRS) Project(b geo.Bounds) geo.Bounds {
	if c.Geographic() {
		return b
	}
	corners := b.Corners()
	pts := make([]geo.Point, 0, len(corners))
	for _, p := range corners {
		pts = append(pts, c.FromLonLat(p))
	}
	return geo.Envelope(pts...)
}

// WGS84 ellipsoid and UTM constants.
const (
	wgs84A = 6378137.0
	wgs84F = 1 / 298.257223563

	utmK0 = 0.9996
	utmE0 = 500000.0
	utmN0 = 10000000.0 // southern hemisphere false northing

	mercR = 6378137.0
)

// Krüger series coefficients, third order in n.
var (
	kN     = wgs84F / (2 - wgs84F)
	kRectA = wgs84A / (1 + kN) * (1 + kN*kN/4 + kN*kN*kN*kN/64)

	kAlpha = [3]float64{
		kN/2 - 2*kN*kN/3 + 5*kN*kN*kN/16,
		13*kN*kN/48 - 3*kN*kN*kN/5,
		61 * kN * kN * kN / 240,
	}
	kBeta = [3]float64{
		kN/2 - 2*kN*kN/3 + 37*kN*kN*kN/96,
		kN*kN/48 + kN*kN*kN/15,
		17 * kN * kN * kN / 480,
	}
	kDelta = [3]float64{
		2*kN - 2*kN*kN/3 - 2*kN*kN*kN,
		7*kN*kN/3 - 8*kN*kN*kN/5,
		56 * kN * kN * kN / 15,
	}
)

func centralMeridian(zone int) float64 {
	return float64(zone*6-183) * math.Pi / 180
}

func utmForward(zone int, south bool, p geo.Point) geo.Point {
	phi := p.Y * math.Pi / 180
	dl := p.X*math.Pi/180 - centralMeridian(zone)

	c := 2 * math.Sqrt(kN) / (1 + kN)
	t := math.Sinh(math.Atanh(math.Sin(phi)) - c*math.Atanh(c*math.Sin(phi)))
	xi := math.Atan2(t, math.Cos(dl))
	eta := math.Atanh(math.Sin(dl) / math.Sqrt(1+t*t))

	e, n := eta, xi
	for j := 1; j <= 3; j++ {
		a := kAlpha[j-1]
		fj := float64(2 * j)
		e += a * math.Cos(fj*xi) * math.Sinh(fj*eta)
		n += a * math.Sin(fj*xi) * math.Cosh(fj*eta)
	}
	out := geo.Point{X: utmE0 + utmK0*kRectA*e, Y: utmK0 * kRectA * n}
	if south {
		out.Y += utmN0
	}
	return out
}

func utmInverse(zone int, south bool, p geo.Point) geo.Point {
	northing := p.Y
	if south {
		northing -= utmN0
	}
	xi := northing / (utmK0 * kRectA)
	eta := (p.X - utmE0) / (utmK0 * kRectA)

	xiP, etaP := xi, eta
	for j := 1; j <= 3; j++ {
		b := kBeta[j-1]
		fj := float64(2 * j)
		xiP -= b * math.Sin(fj*xi) * math.Cosh(fj*eta)
		etaP -= b * math.Cos(fj*xi) * math.Sinh(fj*eta)
	}
	chi := math.Asin(math.Sin(xiP) / math.Cosh(etaP))
	phi := chi
	for j := 1; j <= 3; j++ {
		phi += kDelta[j-1] * math.Sin(float64(2*j)*chi)
	}
	lambda := centralMeridian(zone) + math.Atan2(math.Sinh(etaP), math.Cos(xiP))
	return geo.Point{X: lambda * 180 / math.Pi, Y: phi * 180 / math.Pi}
}

func mercForward(p geo.Point) geo.Point {
	lat := math.Max(math.Min(p.Y, 85.05112878), -85.05112878)
	return geo.Point{
		X: mercR * p.X * math.Pi / 180,
		Y: mercR * math.Log(math.Tan(math.Pi/4+lat*math.Pi/360)),
	}
}

func mercInverse(p geo.Point) geo.Point {
	return geo.Point{
		X: p.X / mercR * 180 / math.Pi,
		Y: (2*math.Atan(math.Exp(p.Y/mercR)) - math.Pi/2) * 180 / math.Pi,
	}
}
