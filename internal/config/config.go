package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultConfigPath = "~/.config/orthoforge/config.json"
	defaultWorkers    = 2
	databaseFile      = "orthoforge.db"
)

// Config holds user-editable settings for the orchestrator.
type Config struct {
	Compute    Compute    `json:"compute" yaml:"compute"`
	Processing Processing `json:"processing" yaml:"processing"`
	Raster     Raster     `json:"raster" yaml:"raster"`
	Logging    Logging    `json:"logging" yaml:"logging"`
	Paths      Paths      `json:"paths" yaml:"paths"`
	Store      Store      `json:"store" yaml:"store"`
	Server     Server     `json:"server" yaml:"server"`
	Telemetry  Telemetry  `json:"telemetry" yaml:"telemetry"`
}

// Compute configures the NodeODM-compatible task service.
type Compute struct {
	BaseURL                string       `json:"base_url" yaml:"base_url"`
	Token                  string       `json:"token" yaml:"token"`
	RequestTimeoutSeconds  int          `json:"request_timeout_seconds" yaml:"request_timeout_seconds"`
	UploadTimeoutSeconds   int          `json:"upload_timeout_seconds" yaml:"upload_timeout_seconds"`
	DownloadTimeoutSeconds int          `json:"download_timeout_seconds" yaml:"download_timeout_seconds"`
	PollIntervalSeconds    int          `json:"poll_interval_seconds" yaml:"poll_interval_seconds"`
	MaxWaitMinutes         int          `json:"max_wait_minutes" yaml:"max_wait_minutes"`
	Options                []TaskOption `json:"options" yaml:"options"`
}

// TaskOption is a single reconstruction option passed at commit time.
type TaskOption struct {
	Name  string `json:"name" yaml:"name"`
	Value any    `json:"value" yaml:"value"`
}

// Processing captures execution preferences.
type Processing struct {
	Workers   int `json:"workers" yaml:"workers"`
	QueueSize int `json:"queue_size" yaml:"queue_size"`
}

// Raster configures the external GDAL toolchain.
type Raster struct {
	Optimize      bool   `json:"optimize" yaml:"optimize"`
	OptimizeTool  string `json:"optimize_tool" yaml:"optimize_tool"`
	Compression   string `json:"compression" yaml:"compression"`
	Tiling        bool   `json:"tiling" yaml:"tiling"`
	TileTool      string `json:"tile_tool" yaml:"tile_tool"`
	MinZoom       int    `json:"min_zoom" yaml:"min_zoom"`
	MaxZoom       int    `json:"max_zoom" yaml:"max_zoom"`
	TileProcesses int    `json:"tile_processes" yaml:"tile_processes"`
}

// Logging controls logging verbosity and destinations.
type Logging struct {
	Level      string `json:"level" yaml:"level"`             // debug, info, warn, error
	Format     string `json:"format" yaml:"format"`           // traditional, text, json
	FileOutput bool   `json:"file_output" yaml:"file_output"` // Enable file logging
	LogDir     string `json:"log_dir" yaml:"log_dir"`
}

// Paths configures on-disk locations.
type Paths struct {
	DataDir      string `json:"data_dir" yaml:"data_dir"`
	DatabasePath string `json:"database_path" yaml:"database_path"`
}

// Store selects the SQL driver backing the project store.
type Store struct {
	Driver string `json:"driver" yaml:"driver"` // sqlite (pure Go) or sqlite3 (cgo)
}

// Server configures the HTTP and gRPC listeners.
type Server struct {
	Addr           string `json:"addr" yaml:"addr"`
	GRPCAddr       string `json:"grpc_addr" yaml:"grpc_addr"`
	WatchUploads   bool   `json:"watch_uploads" yaml:"watch_uploads"`
	HealthInterval int    `json:"health_interval_seconds" yaml:"health_interval_seconds"`
}

// Telemetry configures optional PostHog analytics.
type Telemetry struct {
	PostHogKey  string `json:"posthog_key" yaml:"posthog_key"`
	PostHogHost string `json:"posthog_host" yaml:"posthog_host"`
}

// RequestTimeout is the timeout for small control calls.
func (c Compute) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

// UploadTimeout is the per-image upload timeout.
func (c Compute) UploadTimeout() time.Duration {
	return time.Duration(c.UploadTimeoutSeconds) * time.Second
}

// DownloadTimeout is the per-asset download timeout.
func (c Compute) DownloadTimeout() time.Duration {
	return time.Duration(c.DownloadTimeoutSeconds) * time.Second
}

// PollInterval is the delay between status checks.
func (c Compute) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// MaxWait is the wall-clock ceiling for a reconstruction.
func (c Compute) MaxWait() time.Duration {
	return time.Duration(c.MaxWaitMinutes) * time.Minute
}

// ZoomRange renders the tile zoom range as the tiler expects it.
func (r Raster) ZoomRange() string {
	return fmt.Sprintf("%d-%d", r.MinZoom, r.MaxZoom)
}

// Path returns the config file location Load reads from.
func Path() string {
	if p := os.Getenv("ORTHOFORGE_CONFIG"); p != "" {
		return p
	}
	return defaultConfigPath
}

// Load reads configuration from disk, falling back to sensible defaults.
func Load() (*Config, error) {
	return LoadFile(Path())
}

// LoadFile reads the given file (JSON, or YAML by extension) over the defaults
// and applies environment overrides.
func LoadFile(configPath string) (*Config, error) {
	cfg := Default()

	expanded, err := expandUser(configPath)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(expanded)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, err
	default:
		if err := decode(expanded, data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", expanded, err)
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}

	// the database follows a moved data dir unless it was placed explicitly
	defaults := Default().Paths
	if cfg.Paths.DatabasePath == defaults.DatabasePath && cfg.Paths.DataDir != defaults.DataDir {
		cfg.Paths.DatabasePath = filepath.Join(cfg.Paths.DataDir, databaseFile)
	}
	return cfg, nil
}

func decode(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Unmarshal(data, cfg)
	default:
		return json.Unmarshal(data, cfg)
	}
}

func applyEnv(cfg *Config) error {
	if v := os.Getenv("ORTHOFORGE_COMPUTE_URL"); v != "" {
		cfg.Compute.BaseURL = v
	}
	if v := os.Getenv("ORTHOFORGE_COMPUTE_TOKEN"); v != "" {
		cfg.Compute.Token = v
	}
	if v := os.Getenv("ORTHOFORGE_DATA_DIR"); v != "" {
		cfg.Paths.DataDir = v
	}
	if v := os.Getenv("ORTHOFORGE_DB_PATH"); v != "" {
		cfg.Paths.DatabasePath = v
	}
	if v := os.Getenv("ORTHOFORGE_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("ORTHOFORGE_GRPC_ADDR"); v != "" {
		cfg.Server.GRPCAddr = v
	}
	if v := os.Getenv("ORTHOFORGE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("ORTHOFORGE_WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid ORTHOFORGE_WORKERS: %w", err)
		}
		cfg.Processing.Workers = n
	}
	return nil
}

// Default returns the built-in configuration.
func Default() *Config {
	dataDir := filepath.Join(os.TempDir(), "orthoforge")
	return &Config{
		Compute: Compute{
			BaseURL:                "http://localhost:3000",
			RequestTimeoutSeconds:  30,
			UploadTimeoutSeconds:   300,  // large images over slow links
			DownloadTimeoutSeconds: 1800, // multi-GB orthophotos
			PollIntervalSeconds:    10,
			MaxWaitMinutes:         240,
			Options: []TaskOption{
				{Name: "fast-orthophoto", Value: true},
				{Name: "orthophoto-resolution", Value: 5},
			},
		},
		Processing: Processing{
			Workers:   defaultWorkers,
			QueueSize: 16,
		},
		Raster: Raster{
			Optimize:     true,
			OptimizeTool: "gdal_translate",
			Compression:  "DEFLATE",
			Tiling:       true,
			TileTool:     "gdal2tiles.py",
			MinZoom:      14,
			MaxZoom:      22,
		},
		Logging: Logging{
			Level:      "info",
			Format:     "traditional",
			FileOutput: false,
			LogDir:     "./logs",
		},
		Paths: Paths{
			DataDir:      dataDir,
			DatabasePath: filepath.Join(dataDir, databaseFile),
		},
		Store: Store{Driver: "sqlite"},
		Server: Server{
			Addr:           ":8080",
			GRPCAddr:       ":9090",
			WatchUploads:   true,
			HealthInterval: 30,
		},
	}
}

func expandUser(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	if path == "~" {
		return home, nil
	}

	return filepath.Join(home, path[2:]), nil
}
