// Package magick reads raster dimensions through ImageMagick for formats the
// GeoTIFF reader does not handle.
package magick

import (
	"fmt"
	"sync"

	"gopkg.in/gographics/imagick.v3/imagick"
)

var initOnce sync.Once

// Prober pings images without decoding pixel data.
type Prober struct{}

// NewProber initializes ImageMagick for the process.
func NewProber() *Prober {
	initOnce.Do(imagick.Initialize)
	return &Prober{}
}

// Ping returns the pixel dimensions of the first frame of path.
func (p *Prober) Ping(path string) (int, int, error) {
	mw := imagick.NewMagickWand()
	defer mw.Destroy()

	if err := mw.PingImage(path); err != nil {
		return 0, 0, fmt.Errorf("ping %s: %w", path, err)
	}
	w, h := mw.GetImageWidth(), mw.GetImageHeight()
	if w == 0 || h == 0 {
		return 0, 0, fmt.Errorf("ping %s: empty image", path)
	}
	return int(w), int(h), nil
}
