// Package georef reads raster placement metadata and converts footprints to
// geographic lon/lat.
package georef

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"

	"orthoforge/internal/geo"
)

// ErrNotGeoreferenced means the raster carries no tiepoint or transformation.
var ErrNotGeoreferenced = errors.New("raster has no georeferencing")

// Info describes a resolved raster.
type Info struct {
	Width        int         `json:"width"`
	Height       int         `json:"height"`
	NativeBounds *geo.Bounds `json:"native_bounds,omitempty"`
	CRS          *CRS        `json:"crs,omitempty"`
	Geographic   *geo.Bounds `json:"geographic,omitempty"`
	Resolution   float64     `json:"resolution"`
	Uncertain    bool        `json:"uncertain"`
}

// CRSName returns the resolved CRS name or "".
func (i Info) CRSName() string {
	if i.CRS == nil {
		return ""
	}
	return i.CRS.Name
}

// Prober reads pixel dimensions of rasters that are not TIFFs.
type Prober interface {
	Ping(path string) (width, height int, err error)
}

// Resolver extracts dimensions and footprint from rasters.
type Resolver struct {
	prober Prober
	logger *slog.Logger
}

// NewResolver creates a resolver. prober may be nil.
func NewResolver(prober Prober, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{prober: prober, logger: logger}
}

// Resolve reads path and derives its geographic bounds where possible.
func (r *Resolver) Resolve(path string) (Info, error) {
	f, err := os.Open(path)
	if err != nil {
		return Info{}, err
	}
	defer f.Close()

	g, err := readGeoTIFF(f)
	if errors.Is(err, ErrNotTIFF) || errors.Is(err, errBigTIFF) {
		return r.probe(path, err)
	}
	if err != nil {
		return Info{}, fmt.Errorf("read %s: %w", path, err)
	}

	info := Info{Width: g.Width, Height: g.Height}
	native, res, ok := nativeBounds(g)
	if !ok || !native.Finite() {
		return info, ErrNotGeoreferenced
	}
	info.NativeBounds = &native
	info.Resolution = res

	code := int(g.GeoKeys[keyProjectedCRS])
	if code == 0 {
		code = int(g.GeoKeys[keyGeographicCRS])
	}
	// model type 2 is geographic lat/long
	if code == 0 && g.GeoKeys[keyModelType] == 2 {
		code = 4326
	}

	if crs, known := ResolveCRS(code); known {
		info.CRS = crs
		geographic := crs.Reproject(native)
		if !geographic.Finite() {
			return info, fmt.Errorf("%w: %s bounds do not reproject", ErrNotGeoreferenced, crs.Name)
		}
		info.Geographic = &geographic
		return info, nil
	}

	guess := native
	info.Geographic = &guess
	if native.LooksGeographic() {
		r.logger.Debug("Unknown CRS, bounds look geographic", "path", path, "code", code)
		return info, nil
	}
	info.Uncertain = true
	r.logger.Warn("Unknown CRS, using raw bounds as best guess",
		"path", path, "code", code,
		"min_x", native.MinX, "min_y", native.MinY, "max_x", native.MaxX, "max_y", native.MaxY)
	return info, nil
}

func (r *Resolver) probe(path string, cause error) (Info, error) {
	if r.prober == nil {
		return Info{}, fmt.Errorf("read %s: %w", path, cause)
	}
	w, h, err := r.prober.Ping(path)
	if err != nil {
		return Info{}, fmt.Errorf("probe %s: %w", path, err)
	}
	return Info{Width: w, Height: h}, nil
}

// nativeBounds derives the raster box in its own CRS from either the
// transformation matrix or a tiepoint plus pixel scale.
func nativeBounds(g *geoTIFF) (geo.Bounds, float64, bool) {
	w, h := float64(g.Width), float64(g.Height)
	if len(g.Transformation) >= 16 {
		m := g.Transformation
		at := func(i, j float64) geo.Point {
			return geo.Point{X: m[0]*i + m[1]*j + m[3], Y: m[4]*i + m[5]*j + m[7]}
		}
		b := geo.Envelope(at(0, 0), at(w, 0), at(w, h), at(0, h))
		return b, math.Hypot(m[0], m[4]), true
	}
	if len(g.Tiepoints) >= 6 && len(g.PixelScale) >= 2 {
		tp, sc := g.Tiepoints, g.PixelScale
		minX := tp[3] - tp[0]*sc[0]
		maxY := tp[4] + tp[1]*sc[1]
		return geo.Bounds{MinX: minX, MinY: maxY - h*sc[1], MaxX: minX + w*sc[0], MaxY: maxY}, sc[0], true
	}
	return geo.Bounds{}, 0, false
}
