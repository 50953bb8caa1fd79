package cli

import (
	"context"
	"net/http"
	"time"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"orthoforge/internal/grpcserver"
	"orthoforge/internal/mcptools"
	"orthoforge/internal/server"
	"orthoforge/internal/telemetry"
	"orthoforge/internal/watcher"
	"orthoforge/internal/web"
)

func newServeCmd(root *Root) *cobra.Command {
	var (
		addr     string
		grpcAddr string
		noWatch  bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, gRPC health service and processing workers",
		Long: `Start the orchestrator service. The HTTP API accepts projects, uploads and
processing triggers, streams run events over SSE and WebSocket, and serves
tiles of ready projects. MCP clients connect at /mcp.

Examples:
  orthoforge serve
  orthoforge serve --addr :8080 --grpc-addr :9090
  orthoforge serve --no-watch`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("addr") {
				root.cfg.Server.Addr = addr
			}
			if cmd.Flags().Changed("grpc-addr") {
				root.cfg.Server.GRPCAddr = grpcAddr
			}
			if noWatch {
				root.cfg.Server.WatchUploads = false
			}
			return root.serve(cmd.Context())
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "HTTP listen address (default from config)")
	cmd.Flags().StringVar(&grpcAddr, "grpc-addr", "", "gRPC health listen address, empty to disable")
	cmd.Flags().BoolVar(&noWatch, "no-watch", false, "do not watch upload directories")
	return cmd
}

// serve runs every long-lived component until ctx ends or one of them fails.
func (r *Root) serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	orch, client := r.orchestrator(ctx)
	defer orch.Stop()

	interval := time.Duration(r.cfg.Server.HealthInterval) * time.Second
	monitor := grpcserver.NewMonitor(client, interval, r.log)
	hub := web.NewHub(r.log)
	tracker := telemetry.New(r.cfg.Telemetry, r.log)
	defer tracker.Close()

	mcpServer := mcptools.NewServer(mcptools.Config{
		Service:  orch,
		Projects: r.store,
		Version:  Version,
		Logger:   r.log,
	})
	mcpHandler := sdkmcp.NewStreamableHTTPHandler(
		func(*http.Request) *sdkmcp.Server { return mcpServer },
		&sdkmcp.StreamableHTTPOptions{SessionTimeout: 30 * time.Minute},
	)

	opts := server.Options{
		Addr:         r.cfg.Server.Addr,
		Store:        r.store,
		Layout:       r.layout(),
		Orchestrator: orch,
		WebSocket:    hub,
		MCP:          mcpHandler,
		Node:         monitor,
		Logger:       r.log,
	}

	g, ctx := errgroup.WithContext(ctx)

	if r.cfg.Server.WatchUploads {
		w, err := watcher.New(r.layout(), r.store, r.log)
		if err != nil {
			return err
		}
		if err := w.Start(); err != nil {
			return err
		}
		opts.Watcher = w
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return w.Stop()
				case ev, ok := <-w.Events:
					if !ok {
						return nil
					}
					r.log.Debug("Upload recorded", "project", ev.ProjectID, "images", ev.Images)
				}
			}
		})
	}

	hubEvents, unsubHub := orch.Subscribe()
	defer unsubHub()
	telemetryEvents, unsubTelemetry := orch.Subscribe()
	defer unsubTelemetry()

	g.Go(func() error { hub.Run(ctx); return nil })
	g.Go(func() error { hub.Forward(ctx, hubEvents); return nil })
	g.Go(func() error { tracker.Watch(ctx, telemetryEvents); return nil })
	g.Go(func() error { monitor.Run(ctx); return nil })
	g.Go(func() error { return server.New(opts).Start(ctx) })
	if r.cfg.Server.GRPCAddr != "" {
		g.Go(func() error { return grpcserver.Serve(ctx, r.cfg.Server.GRPCAddr, monitor, r.log) })
	}

	r.log.Info("orthoforge serving",
		"addr", r.cfg.Server.Addr,
		"grpc_addr", r.cfg.Server.GRPCAddr,
		"compute", r.cfg.Compute.BaseURL,
		"workers", r.cfg.Processing.Workers,
		"telemetry", tracker.Enabled(),
	)
	return g.Wait()
}
