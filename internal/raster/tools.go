// Package raster drives the GDAL command-line tools that post-process a
// downloaded orthomosaic.
package raster

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"orthoforge/internal/config"
)

// ErrToolMissing is wrapped by ToolMissingError.
var ErrToolMissing = errors.New("required tool not installed")

// ToolMissingError reports a binary that could not be found on PATH.
type ToolMissingError struct {
	Tool string
	Err  error
}

func (e *ToolMissingError) Error() string {
	return fmt.Sprintf("%s: %s", e.Tool, ErrToolMissing)
}

func (e *ToolMissingError) Unwrap() error { return ErrToolMissing }

// ToolExitError reports a tool that ran and failed.
type ToolExitError struct {
	Tool     string
	ExitCode int
	Output   string
}

func (e *ToolExitError) Error() string {
	if e.Output == "" {
		return fmt.Sprintf("%s exited with code %d", e.Tool, e.ExitCode)
	}
	return fmt.Sprintf("%s exited with code %d: %s", e.Tool, e.ExitCode, e.Output)
}

// runTool executes bin and classifies its failure.
func runTool(ctx context.Context, bin string, args ...string) error {
	path, err := exec.LookPath(bin)
	if err != nil {
		return &ToolMissingError{Tool: bin, Err: err}
	}
	cmd := exec.CommandContext(ctx, path, args...)
	output, err := cmd.CombinedOutput()
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return fmt.Errorf("%s: %w", bin, ctx.Err())
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return &ToolExitError{Tool: bin, ExitCode: exitErr.ExitCode(), Output: tail(string(output), 400)}
	}
	return fmt.Errorf("%s: %w", bin, err)
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}

// ToolStatus represents the availability of a tool
type ToolStatus struct {
	Available bool
	Version   string
	Path      string
	Error     error
}

// ToolManager reports on the configured raster tools.
type ToolManager struct {
	cfg config.Raster
}

// NewToolManager creates a new tool manager with configuration
func NewToolManager(cfg config.Raster) *ToolManager {
	return &ToolManager{cfg: cfg}
}

// CheckTool verifies if a tool is available and reports its version.
func (tm *ToolManager) CheckTool(bin string) ToolStatus {
	path, err := exec.LookPath(bin)
	if err != nil {
		return ToolStatus{Available: false, Error: err}
	}

	// GDAL utilities print "GDAL x.y.z, released ..." for --version
	output, err := exec.Command(path, "--version").CombinedOutput()
	if err != nil {
		if len(output) > 0 {
			return ToolStatus{Available: true, Version: extractVersion(string(output)), Path: path}
		}
		return ToolStatus{Available: false, Path: path, Error: err}
	}
	return ToolStatus{Available: true, Version: extractVersion(string(output)), Path: path}
}

// Status returns the status of each enabled tool keyed by stage.
func (tm *ToolManager) Status() map[string]ToolStatus {
	status := make(map[string]ToolStatus)
	if tm.cfg.Optimize {
		status["optimize"] = tm.CheckTool(tm.cfg.OptimizeTool)
	}
	if tm.cfg.Tiling {
		status["tile"] = tm.CheckTool(tm.cfg.TileTool)
	}
	return status
}

// extractVersion extracts version information from tool output
func extractVersion(output string) string {
	lines := strings.Split(output, "\n")
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if strings.Contains(line, "GDAL") || strings.Contains(strings.ToLower(line), "version") {
			return line
		}
	}
	if len(lines) > 0 {
		return strings.TrimSpace(lines[0])
	}
	return ""
}
