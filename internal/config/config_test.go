package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadFileMissingUsesDefaults(t *testing.T) {
	cfg, err := LoadFile(filepath.Join(t.TempDir(), "absent.json"))
	require.NoError(t, err)
	require.Equal(t, 14, cfg.Raster.MinZoom)
	require.Equal(t, 22, cfg.Raster.MaxZoom)
	require.Equal(t, "14-22", cfg.Raster.ZoomRange())
	require.Equal(t, 10*time.Second, cfg.Compute.PollInterval())
	require.Equal(t, 240*time.Minute, cfg.Compute.MaxWait())
	require.Equal(t, "sqlite", cfg.Store.Driver)
}

func TestLoadFileJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	body := `{"compute":{"base_url":"http://odm:3000","poll_interval_seconds":2},"raster":{"optimize":false,"min_zoom":12,"max_zoom":20}}`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	require.Equal(t, "http://odm:3000", cfg.Compute.BaseURL)
	require.Equal(t, 2*time.Second, cfg.Compute.PollInterval())
	require.False(t, cfg.Raster.Optimize)
	require.Equal(t, "12-20", cfg.Raster.ZoomRange())
	// untouched fields keep their defaults
	require.Equal(t, 300*time.Second, cfg.Compute.UploadTimeout())
}

func TestLoadFileYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := `
compute:
  base_url: http://nodeodm:3000
  token: secret
  options:
    - name: dsm
      value: true
processing:
  workers: 5
store:
  driver: sqlite3
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	require.Equal(t, "http://nodeodm:3000", cfg.Compute.BaseURL)
	require.Equal(t, "secret", cfg.Compute.Token)
	require.Len(t, cfg.Compute.Options, 1)
	require.Equal(t, "dsm", cfg.Compute.Options[0].Name)
	require.Equal(t, 5, cfg.Processing.Workers)
	require.Equal(t, "sqlite3", cfg.Store.Driver)
}

func TestLoadFileEnvOverrides(t *testing.T) {
	t.Setenv("ORTHOFORGE_COMPUTE_URL", "http://env:3000")
	t.Setenv("ORTHOFORGE_WORKERS", "7")
	cfg, err := LoadFile(filepath.Join(t.TempDir(), "none.json"))
	require.NoError(t, err)
	require.Equal(t, "http://env:3000", cfg.Compute.BaseURL)
	require.Equal(t, 7, cfg.Processing.Workers)

	t.Setenv("ORTHOFORGE_WORKERS", "many")
	_, err = LoadFile(filepath.Join(t.TempDir(), "none.json"))
	require.Error(t, err)
}

func TestDatabaseFollowsDataDir(t *testing.T) {
	dataDir := filepath.Join(t.TempDir(), "data")
	t.Setenv("ORTHOFORGE_DATA_DIR", dataDir)
	cfg, err := LoadFile(filepath.Join(t.TempDir(), "none.json"))
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dataDir, "orthoforge.db"), cfg.Paths.DatabasePath)

	t.Setenv("ORTHOFORGE_DB_PATH", "/var/lib/orthoforge/projects.db")
	cfg, err = LoadFile(filepath.Join(t.TempDir(), "none.json"))
	require.NoError(t, err)
	require.Equal(t, dataDir, cfg.Paths.DataDir)
	require.Equal(t, "/var/lib/orthoforge/projects.db", cfg.Paths.DatabasePath)
}

func TestLoadFileRejectsMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))
	_, err := LoadFile(path)
	require.Error(t, err)
}
