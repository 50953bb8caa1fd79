package fsutil

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

var imageExts = map[string]struct{}{
	".jpg":  {},
	".jpeg": {},
	".png":  {},
	".tif":  {},
	".tiff": {},
	".dng":  {},
}

// Layout resolves per-project directories under a data root.
type Layout struct {
	Root string
}

// ProjectDir is <root>/projects/<id>.
func (l Layout) ProjectDir(id string) string {
	return filepath.Join(l.Root, "projects", id)
}

// UploadDir holds the raw images of a project.
func (l Layout) UploadDir(id string) string {
	return filepath.Join(l.ProjectDir(id), "uploads")
}

// OutputDir holds the orthomosaic and its tiles.
func (l Layout) OutputDir(id string) string {
	return filepath.Join(l.ProjectDir(id), "output")
}

// OrthomosaicPath is the canonical raster location.
func (l Layout) OrthomosaicPath(id string) string {
	return filepath.Join(l.OutputDir(id), "orthomosaic.tif")
}

// TileDir is the root of the {z}/{x}/{y}.png pyramid.
func (l Layout) TileDir(id string) string {
	return filepath.Join(l.OutputDir(id), "tiles")
}

// ProjectFromUploadPath returns the project id owning an upload file path,
// or "" when path is not inside an upload directory.
func (l Layout) ProjectFromUploadPath(path string) string {
	rel, err := filepath.Rel(filepath.Join(l.Root, "projects"), path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return ""
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) < 2 || parts[1] != "uploads" {
		return ""
	}
	return parts[0]
}

// ListImages returns all image-like files directly under root, sorted by
// name. A missing directory yields no images.
func ListImages(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		if IsImageFile(e.Name()) {
			files = append(files, filepath.Join(root, e.Name()))
		}
	}
	sort.Strings(files)
	return files, nil
}

// IsImageFile checks if a file is any supported image format.
func IsImageFile(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	_, isImage := imageExts[ext]
	return isImage
}

// SafeName strips directories and rejects names that would escape dir.
func SafeName(name string) (string, error) {
	base := filepath.Base(filepath.Clean("/" + filepath.ToSlash(name)))
	if base == "/" || base == "." || base == ".." || strings.HasPrefix(base, ".") {
		return "", fmt.Errorf("invalid file name %q", name)
	}
	return base, nil
}

// WriteAtomic streams r into dir/name through a hidden temp file so readers
// never observe a partial file. It returns the final path and byte count.
func WriteAtomic(dir, name string, r io.Reader) (string, int64, error) {
	safe, err := SafeName(name)
	if err != nil {
		return "", 0, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", 0, err
	}
	tmp, err := os.CreateTemp(dir, ".upload-*")
	if err != nil {
		return "", 0, err
	}
	n, err := io.Copy(tmp, r)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp.Name())
		return "", 0, err
	}
	dest := filepath.Join(dir, safe)
	if err := os.Rename(tmp.Name(), dest); err != nil {
		os.Remove(tmp.Name())
		return "", 0, err
	}
	return dest, n, nil
}
