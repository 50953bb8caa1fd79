// Package tiles inspects a generated XYZ tile pyramid.
package tiles

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strconv"
)

// ContentThreshold is the tile size above which a tile is assumed to carry
// real imagery rather than a blank background.
const ContentThreshold = 1024

// ZoomRange is the usable zoom span of a pyramid.
type ZoomRange struct {
	Min  int `json:"min"`
	Max  int `json:"max"`
	Best int `json:"best"`
}

// LevelStats summarizes one zoom directory.
type LevelStats struct {
	Zoom        int
	Tiles       int
	LargestTile int64
	HasContent  bool
}

// Analyze scans tileDir and returns the zoom range worth showing, or nil when
// the pyramid holds no tiles.
func Analyze(tileDir string) (*ZoomRange, error) {
	levels, err := Scan(tileDir)
	if err != nil {
		return nil, err
	}
	return summarize(levels), nil
}

// Scan collects per-level stats for numeric zoom directories, ascending.
func Scan(tileDir string) ([]LevelStats, error) {
	entries, err := os.ReadDir(tileDir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read tile directory: %w", err)
	}

	var levels []LevelStats
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		z, err := strconv.Atoi(e.Name())
		if err != nil || z < 0 {
			continue
		}
		stats := LevelStats{Zoom: z}
		err = filepath.WalkDir(filepath.Join(tileDir, e.Name()), func(_ string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() || !isTile(d.Name()) {
				return nil
			}
			info, err := d.Info()
			if err != nil {
				return err
			}
			stats.Tiles++
			if info.Size() > stats.LargestTile {
				stats.LargestTile = info.Size()
			}
			if info.Size() > ContentThreshold {
				stats.HasContent = true
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("scan zoom %d: %w", z, err)
		}
		levels = append(levels, stats)
	}
	sort.Slice(levels, func(i, j int) bool { return levels[i].Zoom < levels[j].Zoom })
	return levels, nil
}

func isTile(name string) bool {
	switch filepath.Ext(name) {
	case ".png", ".jpg", ".jpeg", ".webp":
		return true
	}
	return false
}

// summarize applies the coverage heuristic to levels sorted by zoom.
func summarize(levels []LevelStats) *ZoomRange {
	var (
		withTiles []LevelStats
		valid     []int
	)
	for _, l := range levels {
		if l.Tiles == 0 {
			continue
		}
		withTiles = append(withTiles, l)
		if l.HasContent {
			valid = append(valid, l.Zoom)
		}
	}
	if len(withTiles) == 0 {
		return nil
	}

	// strict comparison keeps the first level on ties
	best := withTiles[0]
	for _, l := range withTiles[1:] {
		if l.LargestTile > best.LargestTile {
			best = l
		}
	}

	if len(valid) == 0 {
		return &ZoomRange{Min: withTiles[0].Zoom, Max: withTiles[len(withTiles)-1].Zoom, Best: best.Zoom}
	}

	zr := &ZoomRange{Min: valid[0], Max: valid[len(valid)-1], Best: best.Zoom}
	if !slices.Contains(valid, best.Zoom) {
		zr.Best = zr.Max
	}
	return zr
}
