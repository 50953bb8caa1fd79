// Package assets decides which compute-task outputs hold the orthomosaic and
// retrieves it.
package assets

import (
	"encoding/json"
	"path"
	"sort"
	"strings"

	"github.com/samber/lo"
)

// BundleName is the archive holding every output of a task.
const BundleName = "all.zip"

// CanonicalPaths are the usual orthomosaic locations, in preference order.
var CanonicalPaths = []string{
	"odm_orthophoto/odm_orthophoto.tif",
	"odm_orthophoto/odm_orthophoto.original.tif",
	"orthophoto.tif",
}

var listKeys = []string{"assets", "available_assets", "availableAssets", "outputs"}

// Normalize extracts asset names from whatever listing shape the service
// returned. Unknown shapes yield an empty list.
func Normalize(raw []byte) []string {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return []string{}
	}
	switch t := v.(type) {
	case []any:
		return fromList(t)
	case map[string]any:
		for _, key := range listKeys {
			switch field := t[key].(type) {
			case []any:
				return fromList(field)
			case map[string]any:
				names := lo.Keys(field)
				sort.Strings(names)
				return lo.Compact(names)
			}
		}
	}
	return []string{}
}

func fromList(items []any) []string {
	names := make([]string, 0, len(items))
	for _, item := range items {
		switch it := item.(type) {
		case string:
			names = append(names, it)
		case map[string]any:
			if s, ok := it["name"].(string); ok && s != "" {
				names = append(names, s)
			} else if s, ok := it["path"].(string); ok {
				names = append(names, s)
			}
		}
	}
	return lo.Uniq(lo.Compact(names))
}

// IsRaster reports whether name has a GeoTIFF extension.
func IsRaster(name string) bool {
	switch strings.ToLower(path.Ext(name)) {
	case ".tif", ".tiff":
		return true
	}
	return false
}

func score(name string) int {
	lower := strings.ToLower(name)
	switch {
	case strings.Contains(lower, "odm_orthophoto"):
		return 3
	case strings.Contains(lower, "orthophoto"):
		return 2
	case strings.Contains(lower, "ortho"):
		return 1
	}
	return 0
}

// Rank orders raster assets by how likely they are the orthomosaic. When
// nothing looks like one, every raster is returned in lexical order.
func Rank(names []string) []string {
	rasters := lo.Uniq(lo.Filter(names, func(n string, _ int) bool { return IsRaster(n) }))
	scored := lo.Filter(rasters, func(n string, _ int) bool { return score(n) > 0 })
	if len(scored) == 0 {
		sort.Strings(rasters)
		return rasters
	}
	sort.Slice(scored, func(i, j int) bool {
		a, b := scored[i], scored[j]
		if sa, sb := score(a), score(b); sa != sb {
			return sa > sb
		}
		if len(a) != len(b) {
			return len(a) < len(b)
		}
		return a < b
	})
	return scored
}

// Candidates returns the download order for a task's orthomosaic, falling
// back to CanonicalPaths when the listing offers nothing usable.
func Candidates(names []string) []string {
	if ranked := Rank(names); len(ranked) > 0 {
		return ranked
	}
	return append([]string(nil), CanonicalPaths...)
}
