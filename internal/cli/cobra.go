package cli

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"orthoforge/internal/config"
	"orthoforge/internal/fsutil"
	"orthoforge/internal/logging"
	"orthoforge/internal/pipeline"
	"orthoforge/internal/storage"
)

// NewRootCmd creates the root Cobra command
func NewRootCmd(cfg *config.Config, log *slog.Logger, store *storage.Store) *cobra.Command {
	return newRootCmd(NewRoot(cfg, log, store))
}

func newRootCmd(root *Root) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "orthoforge",
		Short: "orthoforge turns drone images into tiled orthomosaics",
		Long: `orthoforge uploads project images to a NodeODM-compatible compute node,
waits for reconstruction, retrieves the orthomosaic, converts it to a
Cloud Optimized GeoTIFF and renders a web tile pyramid.`,
		SilenceUsage: true,
	}
	rootCmd.SetOut(root.out)

	rootCmd.AddCommand(newServeCmd(root))
	rootCmd.AddCommand(newProjectCmd(root))
	rootCmd.AddCommand(newUploadCmd(root))
	rootCmd.AddCommand(newProcessCmd(root))
	rootCmd.AddCommand(newStatusCmd(root))
	rootCmd.AddCommand(newZoomCmd(root))
	rootCmd.AddCommand(newCancelCmd(root))
	rootCmd.AddCommand(newRemoveCmd(root))
	rootCmd.AddCommand(newToolsCmd(root))
	rootCmd.AddCommand(newNodeCmd(root))
	rootCmd.AddCommand(newConfigCmd(root))
	rootCmd.AddCommand(newMCPCmd(root))
	rootCmd.AddCommand(newVersionCmd(root))
	return rootCmd
}

func newProjectCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "project",
		Short: "Create and list projects",
	}

	var id string
	createCmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a project and its upload directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if id != "" {
				if safe, err := fsutil.SafeName(id); err != nil || safe != id {
					return fmt.Errorf("invalid project id %q", id)
				}
			}
			p, err := root.store.CreateProject(cmd.Context(), args[0], id)
			if err != nil {
				return err
			}
			if err := os.MkdirAll(root.layout().UploadDir(p.ID), 0o755); err != nil {
				return err
			}
			cmd.Printf("%s\n", p.ID)
			cmd.Printf("Upload images to %s\n", root.layout().UploadDir(p.ID))
			return nil
		},
	}
	createCmd.Flags().StringVar(&id, "id", "", "project id (default: generated)")

	var limit int
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List recently updated projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			projects, err := root.store.ListProjects(cmd.Context(), limit)
			if err != nil {
				return err
			}
			for _, p := range projects {
				cmd.Printf("%-36s  %-10s  %4d images  %s\n", p.ID, p.Status, p.ImageCount, p.Name)
			}
			return nil
		},
	}
	listCmd.Flags().IntVar(&limit, "limit", 20, "maximum number of projects")

	cmd.AddCommand(createCmd, listCmd)
	return cmd
}

func newUploadCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "upload <project> <image>...",
		Short: "Copy images into a project's upload directory",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			p, err := root.store.GetProject(cmd.Context(), id)
			if err != nil {
				return err
			}
			if !p.Status.CanStartProcessing() {
				return fmt.Errorf("project %s is %s, uploads are closed", id, p.Status)
			}
			dir := root.layout().UploadDir(id)
			for _, src := range args[1:] {
				if !fsutil.IsImageFile(src) {
					return fmt.Errorf("unsupported image type: %s", src)
				}
				if err := copyInto(dir, src); err != nil {
					return err
				}
			}
			images, err := fsutil.ListImages(dir)
			if err != nil {
				return err
			}
			if err := root.store.RecordImages(cmd.Context(), id, len(images)); err != nil {
				return err
			}
			cmd.Printf("%d images in project %s\n", len(images), id)
			return nil
		},
	}
}

func copyInto(dir, src string) error {
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()
	_, _, err = fsutil.WriteAtomic(dir, filepath.Base(src), f)
	return err
}

func newProcessCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "process <project>",
		Short: "Run the orthomosaic pipeline for a project in the foreground",
		Long: `Queue the project on an in-process orchestrator and wait until it is
ready or failed. Use "serve" to run the pipeline as a service instead.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			ctx := cmd.Context()
			orch, _ := root.orchestrator(ctx)
			defer orch.Stop()

			events, unsubscribe := orch.Subscribe()
			defer unsubscribe()
			if err := orch.StartProcessing(ctx, id); err != nil {
				return err
			}
			cmd.Printf("Processing %s\n", id)

			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case ev, ok := <-events:
					if !ok {
						return errors.New("orchestrator stopped")
					}
					if ev.ProjectID != id {
						continue
					}
					printEvent(cmd, ev)
					if ev.Terminal() {
						if ev.Kind == pipeline.EventFailed {
							return fmt.Errorf("processing failed: %s", ev.Message)
						}
						return printStatus(cmd, root, id)
					}
				}
			}
		},
	}
}

func printEvent(cmd *cobra.Command, ev pipeline.Event) {
	switch ev.Kind {
	case pipeline.EventProgress:
		cmd.Printf("  compute %-9s %5.1f%%\n", ev.Message, ev.Progress)
	case pipeline.EventUpload:
		cmd.Printf("  uploaded %s\n", ev.Message)
	case pipeline.EventStage:
		cmd.Printf("  %s done\n", ev.Stage)
	case pipeline.EventTaskCreated:
		cmd.Printf("  task %s\n", ev.TaskID)
	case pipeline.EventFailed:
		cmd.Printf("  failed: %s\n", ev.Message)
	}
}

func newStatusCmd(root *Root) *cobra.Command {
	var showEvents bool
	cmd := &cobra.Command{
		Use:   "status <project>",
		Short: "Show a project's processing state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := printStatus(cmd, root, args[0]); err != nil {
				return err
			}
			if !showEvents {
				return nil
			}
			events, err := root.store.Events(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			cmd.Printf("\nEvents:\n")
			for _, ev := range events {
				cmd.Printf("  %s  %-14s %v\n", ev.CreatedAt.Format(time.RFC3339), ev.Kind, ev.Detail)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&showEvents, "events", false, "include the transition log")
	return cmd
}

func printStatus(cmd *cobra.Command, root *Root, id string) error {
	p, err := root.store.GetProject(cmd.Context(), id)
	if err != nil {
		return err
	}
	cmd.Printf("Project:   %s (%s)\n", p.ID, p.Name)
	cmd.Printf("Status:    %s\n", p.Status)
	cmd.Printf("Images:    %d\n", p.ImageCount)
	if p.ComputeTaskID != "" {
		cmd.Printf("Task:      %s\n", p.ComputeTaskID)
	}
	if p.OrthomosaicPath != "" {
		cmd.Printf("Output:    %s\n", p.OrthomosaicPath)
	}
	if p.Bounds != nil {
		cmd.Printf("Bounds:    %.6f,%.6f %.6f,%.6f\n", p.Bounds.MinX, p.Bounds.MinY, p.Bounds.MaxX, p.Bounds.MaxY)
	}
	if p.ProcessingStartedAt != nil && p.ProcessingCompletedAt != nil {
		cmd.Printf("Duration:  %s\n", p.ProcessingCompletedAt.Sub(*p.ProcessingStartedAt).Round(time.Second))
	}
	if p.ErrorMessage != "" {
		cmd.Printf("Error:     %s\n", p.ErrorMessage)
	}
	return nil
}

func newZoomCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "zoom <project>",
		Short: "Show the tile zoom levels that carry imagery",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			orch, _ := root.orchestrator(cmd.Context())
			defer orch.Stop()
			zr, err := orch.GetTileZoomRange(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if zr == nil {
				cmd.Println("No tiles")
				return nil
			}
			cmd.Printf("min=%d max=%d best=%d\n", zr.Min, zr.Max, zr.Best)
			return nil
		},
	}
}

func newCancelCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <project>",
		Short: "Cancel the project's compute task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			orch, _ := root.orchestrator(cmd.Context())
			defer orch.Stop()
			if err := orch.CancelTask(cmd.Context(), args[0]); err != nil {
				return err
			}
			cmd.Printf("Cancel requested for %s\n", args[0])
			return nil
		},
	}
}

func newRemoveCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <project>",
		Short: "Remove the project's compute task and its remote assets",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			orch, _ := root.orchestrator(cmd.Context())
			defer orch.Stop()
			if err := orch.RemoveTask(cmd.Context(), args[0]); err != nil {
				return err
			}
			cmd.Printf("Removed compute task of %s\n", args[0])
			return nil
		},
	}
}

func newToolsCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "tools",
		Short: "Check the raster toolchain",
		RunE: func(cmd *cobra.Command, args []string) error {
			status := root.toolFactory(root.cfg.Raster).Status()
			names := make([]string, 0, len(status))
			for name := range status {
				names = append(names, name)
			}
			sort.Strings(names)

			cmd.Println("=== Raster Tools ===")
			for _, name := range names {
				st := status[name]
				logging.LogToolStatus(root.log, name, st.Available, st.Version, st.Path, st.Error)
				mark := "NOT AVAILABLE"
				if st.Available {
					mark = "AVAILABLE " + st.Version
				}
				cmd.Printf("  %-10s %s\n", name, mark)
			}
			if len(names) == 0 {
				cmd.Println("  optimization and tiling are both disabled")
			}
			return nil
		},
	}
}

func newNodeCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "node",
		Short: "Show compute node information",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := root.compute(root.cfg.Compute, root.log)
			info, err := client.Info(cmd.Context())
			if err != nil {
				return fmt.Errorf("compute node %s: %w", root.cfg.Compute.BaseURL, err)
			}
			cmd.Printf("Node:        %s\n", root.cfg.Compute.BaseURL)
			cmd.Printf("Version:     %s\n", info.Version)
			cmd.Printf("Engine:      %s %s\n", info.Engine, info.EngineVersion)
			cmd.Printf("Queue:       %d\n", info.TaskQueueCount)
			if info.MaxImages > 0 {
				cmd.Printf("Max images:  %d\n", info.MaxImages)
			}
			return nil
		},
	}
}

func newVersionCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Printf("orthoforge %s\n", Version)
			cmd.Printf("Built with Go %s\n", runtime.Version())
		},
	}
}
