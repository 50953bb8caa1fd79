package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"orthoforge/internal/config"
)

func newConfigCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			shown := *root.cfg
			if shown.Compute.Token != "" {
				shown.Compute.Token = "********"
			}
			if shown.Telemetry.PostHogKey != "" {
				shown.Telemetry.PostHogKey = "********"
			}
			data, err := yaml.Marshal(&shown)
			if err != nil {
				return err
			}
			cmd.Printf("# %s\n%s", config.Path(), data)
			return nil
		},
	}

	pathCmd := &cobra.Command{
		Use:   "path",
		Short: "Print the config file location",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Println(config.Path())
		},
	}

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Check the configuration for obvious mistakes",
		RunE: func(cmd *cobra.Command, args []string) error {
			if problems := validate(root.cfg); len(problems) > 0 {
				return fmt.Errorf("invalid configuration:\n  %s", strings.Join(problems, "\n  "))
			}
			cmd.Println("Configuration is valid")
			return nil
		},
	}

	cmd.AddCommand(showCmd, pathCmd, validateCmd)
	return cmd
}

func validate(cfg *config.Config) []string {
	var problems []string
	if !strings.HasPrefix(cfg.Compute.BaseURL, "http://") && !strings.HasPrefix(cfg.Compute.BaseURL, "https://") {
		problems = append(problems, fmt.Sprintf("compute.base_url %q is not an http(s) URL", cfg.Compute.BaseURL))
	}
	if cfg.Compute.PollIntervalSeconds <= 0 {
		problems = append(problems, "compute.poll_interval_seconds must be positive")
	}
	if cfg.Compute.MaxWaitMinutes <= 0 {
		problems = append(problems, "compute.max_wait_minutes must be positive")
	}
	if cfg.Processing.Workers <= 0 {
		problems = append(problems, "processing.workers must be positive")
	}
	if cfg.Raster.MinZoom < 0 || cfg.Raster.MaxZoom < cfg.Raster.MinZoom {
		problems = append(problems, fmt.Sprintf("raster zoom range %s is invalid", cfg.Raster.ZoomRange()))
	}
	switch cfg.Store.Driver {
	case "sqlite", "sqlite3":
	default:
		problems = append(problems, fmt.Sprintf("store.driver %q must be sqlite or sqlite3", cfg.Store.Driver))
	}
	if cfg.Paths.DataDir == "" {
		problems = append(problems, "paths.data_dir is empty")
	}
	return problems
}
