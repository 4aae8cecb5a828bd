// ============================================================================
// fractiles CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra commands for rendering, exploring and serving frames
//
// Command Structure:
//   fractiles                      # Root command
//   ├── render                     # Render one frame to a file
//   │   └── --addr                 # Render on a remote server instead
//   ├── explore                    # Replay a pan/zoom path with prediction
//   ├── serve                      # Start the gRPC render service
//   ├── status                     # Show configuration or remote stats
//   ├── --config, -c               # Config file (default: configs/default.yaml)
//   └── --version
//
// Configuration Management:
//   YAML config file with sections pool, render, predictor, metrics, server
//   and log. Missing keys keep built-in defaults; command flags override the
//   file.
//
// serve Command:
//   1. Load config, build the worker pool over the fractal compute function
//   2. Register RenderService on a gRPC server
//   3. Start the metrics HTTP server (if enabled)
//   4. Run until SIGINT/SIGTERM, then stop gracefully
//
//   Examples:
//     ./fractiles serve
//     ./fractiles serve -c custom-config.yaml --port 6000
//
// explore Command:
//   Drives an interactive session along a straight pan/zoom path so the
//   predictor can prefetch views ahead of the user. Each step prints whether
//   the frame was served from a completed prediction.
//
//   Examples:
//     ./fractiles explore --steps 30 --pan-x 0.02 --zoom-rate 1.05
//
// ============================================================================

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/ChuLiYu/fractiles/internal/controller"
	"github.com/ChuLiYu/fractiles/internal/fractal"
	"github.com/ChuLiYu/fractiles/internal/metrics"
	"github.com/ChuLiYu/fractiles/internal/server"
	"github.com/ChuLiYu/fractiles/internal/snapshot"
	"github.com/ChuLiYu/fractiles/internal/worker"
	"github.com/ChuLiYu/fractiles/pkg/types"
)

var configFile string

// BuildCLI assembles the root command
func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "fractiles",
		Short: "fractiles: a tiled parallel fractal renderer",
		Long: `fractiles renders escape-time fractals by splitting the canvas into tiles
computed on a bounded worker pool, with:
- cancellation of superseded renders
- velocity-based prefetch of the views ahead
- a gRPC render service
- Prometheus metrics`,
		Version:       "1.0.0",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")

	rootCmd.AddCommand(buildRenderCommand())
	rootCmd.AddCommand(buildExploreCommand())
	rootCmd.AddCommand(buildServeCommand())
	rootCmd.AddCommand(buildStatusCommand())

	return rootCmd
}

// setup loads the config and installs the process logger
func setup(cmd *cobra.Command) (*Config, error) {
	explicit := cmd.Flags().Changed("config")
	cfg, err := loadConfigOrDefault(configFile, explicit)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	slog.SetDefault(newLogger(cfg, cmd.ErrOrStderr()))
	return cfg, nil
}

// viewFlags binds the flags that override render.* settings
type viewFlags struct {
	width, height int
	fractal       string
	centerX       float64
	centerY       float64
	zoom          float64
	iterations    int
	scheme        string
	output        string
}

func (v *viewFlags) register(cmd *cobra.Command) {
	f := cmd.Flags()
	f.IntVar(&v.width, "width", 0, "canvas width in pixels")
	f.IntVar(&v.height, "height", 0, "canvas height in pixels")
	f.StringVar(&v.fractal, "fractal", "", "mandelbrot, julia, burning_ship or tricorn")
	f.Float64Var(&v.centerX, "center-x", 0, "view center, real axis")
	f.Float64Var(&v.centerY, "center-y", 0, "view center, imaginary axis")
	f.Float64Var(&v.zoom, "zoom", 0, "magnification")
	f.IntVar(&v.iterations, "iterations", 0, "maximum iterations")
	f.StringVar(&v.scheme, "scheme", "", "color scheme")
	f.StringVarP(&v.output, "output", "o", "", "output image (.png, .bmp, .tiff)")
}

// apply overrides cfg.Render with the flags the user set
func (v *viewFlags) apply(cmd *cobra.Command, cfg *Config) error {
	f := cmd.Flags()
	r := &cfg.Render
	if f.Changed("width") {
		r.Width = v.width
	}
	if f.Changed("height") {
		r.Height = v.height
	}
	if f.Changed("fractal") {
		r.Fractal = v.fractal
	}
	if f.Changed("center-x") {
		r.View.CenterX = v.centerX
	}
	if f.Changed("center-y") {
		r.View.CenterY = v.centerY
	}
	if f.Changed("zoom") {
		r.View.Zoom = v.zoom
	}
	if f.Changed("iterations") {
		r.View.MaxIterations = v.iterations
	}
	if f.Changed("scheme") {
		r.View.ColorScheme = v.scheme
	}
	if f.Changed("output") {
		r.Output = v.output
	}
	return cfg.validate()
}

func controllerConfig(cfg *Config) controller.Config {
	return controller.Config{
		Pool: worker.Config{
			MaxWorkers:    cfg.Pool.Workers,
			MaxQueueDepth: cfg.Pool.MaxQueueDepth,
		},
		TileSize:     cfg.Render.TileSize,
		Predictor:    cfg.Predictor.Config,
		TickInterval: cfg.Predictor.TickInterval,
	}
}

// ============================================================================
// render
// ============================================================================

func buildRenderCommand() *cobra.Command {
	var (
		view viewFlags
		addr string
	)

	cmd := &cobra.Command{
		Use:   "render",
		Short: "Render one frame to an image file",
		Long:  "Render the configured view locally, or on a remote render service with --addr",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := setup(cmd)
			if err != nil {
				return err
			}
			if err := view.apply(cmd, cfg); err != nil {
				return err
			}
			if addr != "" {
				return renderRemote(cmd.Context(), cfg, addr, cmd.OutOrStdout())
			}
			return renderLocal(cmd.Context(), cfg, cmd.OutOrStdout())
		},
	}

	view.register(cmd)
	cmd.Flags().StringVar(&addr, "addr", "", "render service address (e.g. localhost:50051)")
	return cmd
}

func renderLocal(ctx context.Context, cfg *Config, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	fractalKind, _ := types.ParseFractal(cfg.Render.Fractal)

	ctrlCfg := controllerConfig(cfg)
	ctrlCfg.Predictor.Enabled = false
	ctrl, err := controller.New(ctrlCfg, fractal.Compute)
	if err != nil {
		return fmt.Errorf("failed to create controller: %w", err)
	}
	defer ctrl.Stop()

	ff, err := ctrl.Navigate(cfg.Render.Width, cfg.Render.Height, cfg.Render.View, fractalKind)
	if err != nil {
		return err
	}
	frame, err := ff.Wait(ctx)
	if err != nil {
		return fmt.Errorf("render interrupted: %w", err)
	}
	if frame.Stats.Failed > 0 {
		return fmt.Errorf("%d of %d tiles failed", frame.Stats.Failed, frame.Stats.Tiles)
	}

	mgr, err := snapshot.NewManager(cfg.Render.Output)
	if err != nil {
		return err
	}
	meta := &snapshot.Metadata{
		Fractal:    fractalKind,
		Params:     cfg.Render.View,
		ViewKey:    types.ViewKey(fractalKind, cfg.Render.View),
		Width:      frame.Buffer.Width,
		Height:     frame.Buffer.Height,
		Generation: frame.Stats.Generation,
	}
	if err := mgr.Write(frame.Buffer.Image(), meta); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}

	fmt.Fprintf(out, "Rendered %dx%d %s in %s (%d tiles) -> %s\n",
		frame.Buffer.Width, frame.Buffer.Height, fractalKind,
		frame.Stats.Elapsed.Round(time.Millisecond), frame.Stats.Tiles, mgr.Path())
	return nil
}

func renderRemote(ctx context.Context, cfg *Config, addr string, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	mgr, err := snapshot.NewManager(cfg.Render.Output)
	if err != nil {
		return err
	}

	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(ctx, cfg.Server.RenderTimeout)
	defer cancel()

	fractalKind, _ := types.ParseFractal(cfg.Render.Fractal)
	data, err := server.NewClient(conn).Render(ctx, server.RenderRequest{
		Width:   cfg.Render.Width,
		Height:  cfg.Render.Height,
		Fractal: fractalKind,
		Format:  mgr.Format(),
		Params:  cfg.Render.View,
	})
	if err != nil {
		return fmt.Errorf("remote render failed: %w", err)
	}
	if err := mgr.WriteEncoded(data); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}

	fmt.Fprintf(out, "Rendered %dx%d %s on %s (%d bytes) -> %s\n",
		cfg.Render.Width, cfg.Render.Height, fractalKind, addr, len(data), mgr.Path())
	return nil
}

// ============================================================================
// explore
// ============================================================================

// explorePath describes a straight navigation path
type explorePath struct {
	steps    int
	panX     float64 // view units per step
	panY     float64
	zoomRate float64 // zoom multiplier per step
	interval time.Duration
}

func buildExploreCommand() *cobra.Command {
	var (
		view viewFlags
		path explorePath
	)

	cmd := &cobra.Command{
		Use:   "explore",
		Short: "Replay a pan/zoom path with predictive prefetch",
		Long:  "Navigate step by step along a straight path and report which frames were served from predictions",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := setup(cmd)
			if err != nil {
				return err
			}
			if err := view.apply(cmd, cfg); err != nil {
				return err
			}
			return explore(cmd.Context(), cfg, path, cmd.OutOrStdout())
		},
	}

	view.register(cmd)
	f := cmd.Flags()
	f.IntVar(&path.steps, "steps", 20, "number of navigation steps")
	f.Float64Var(&path.panX, "pan-x", 0.05, "horizontal pan per step, in view widths")
	f.Float64Var(&path.panY, "pan-y", 0, "vertical pan per step, in view widths")
	f.Float64Var(&path.zoomRate, "zoom-rate", 1.0, "zoom multiplier per step")
	f.DurationVar(&path.interval, "interval", 250*time.Millisecond, "pause between steps")
	return cmd
}

func explore(ctx context.Context, cfg *Config, path explorePath, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if path.steps <= 0 || path.zoomRate <= 0 {
		return fmt.Errorf("steps and zoom-rate must be positive")
	}
	fractalKind, _ := types.ParseFractal(cfg.Render.Fractal)

	ctrlCfg := controllerConfig(cfg)
	ctrlCfg.SnapshotPath = cfg.Render.Output
	ctrl, err := controller.New(ctrlCfg, fractal.Compute)
	if err != nil {
		return fmt.Errorf("failed to create controller: %w", err)
	}
	defer ctrl.Stop()

	view := cfg.Render.View
	hits := 0
	for step := 0; step < path.steps; step++ {
		ff, err := ctrl.Navigate(cfg.Render.Width, cfg.Render.Height, view, fractalKind)
		if err != nil {
			return err
		}
		frame, err := ff.Wait(ctx)
		if err != nil {
			return fmt.Errorf("explore interrupted: %w", err)
		}
		if frame.Stats.CacheHit {
			hits++
		}

		pred := ctrl.Predictor().Stats()
		fmt.Fprintf(out, "step %3d  zoom %-10.4g  %-9s  %8s  pending %d  cached %d  |v| %.4f\n",
			step, view.Zoom, frameSource(frame.Stats.CacheHit),
			frame.Stats.Elapsed.Round(time.Microsecond),
			pred.Pending, pred.Completed, pred.Velocity.Magnitude())

		view.CenterX += path.panX / view.Zoom
		view.CenterY += path.panY / view.Zoom
		view.Zoom *= path.zoomRate

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(path.interval):
		}
	}

	fmt.Fprintf(out, "\n%d/%d frames served from predictions\n", hits, path.steps)
	return nil
}

func frameSource(hit bool) string {
	if hit {
		return "predicted"
	}
	return "rendered"
}

// ============================================================================
// serve
// ============================================================================

func buildServeCommand() *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the gRPC render service",
		Long:  "Serve fractiles.v1.RenderService backed by a local worker pool until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := setup(cmd)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("port") {
				cfg.Server.Port = port
			}

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.Port))
			if err != nil {
				return fmt.Errorf("failed to listen on port %d: %w", cfg.Server.Port, err)
			}
			return serve(ctx, cfg, lis)
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "gRPC port (overrides server.port)")
	return cmd
}

// serve runs the render service on lis until ctx is done
func serve(ctx context.Context, cfg *Config, lis net.Listener) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(reg)

	pool := worker.NewPool(worker.Config{
		MaxWorkers:    cfg.Pool.Workers,
		MaxQueueDepth: cfg.Pool.MaxQueueDepth,
	}, fractal.Compute, worker.WithMetrics(collector))
	defer pool.Shutdown()

	grpcServer := grpc.NewServer()
	server.RegisterRenderServiceServer(grpcServer, server.NewServer(pool,
		server.WithTileSize(cfg.Render.TileSize),
		server.WithMaxCanvas(cfg.Server.MaxCanvas),
		server.WithRenderTimeout(cfg.Server.RenderTimeout),
		server.WithMetrics(collector)))

	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		metricsServer = metrics.NewServer(cfg.Metrics.Port, reg)
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("gRPC server listening", "addr", lis.Addr().String(), "workers", pool.MaxWorkers())
		return grpcServer.Serve(lis)
	})

	if metricsServer != nil {
		g.Go(func() error {
			slog.Info("Starting metrics server", "addr", metricsServer.Addr)
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		slog.Info("Received shutdown signal, stopping gracefully...")
		grpcServer.GracefulStop()
		if metricsServer != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return metricsServer.Shutdown(shutdownCtx)
		}
		return nil
	})

	err := g.Wait()
	slog.Info("Render service stopped")
	return err
}

// ============================================================================
// status
// ============================================================================

func buildStatusCommand() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show system status",
		Long:  "Display the effective configuration, or live statistics of a render service with --addr",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := setup(cmd)
			if err != nil {
				return err
			}
			if addr != "" {
				return showRemoteStatus(cmd.Context(), addr, cmd.OutOrStdout())
			}
			return showStatus(cfg, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "render service address (e.g. localhost:50051)")
	return cmd
}

func showStatus(cfg *Config, out io.Writer) error {
	fmt.Fprintln(out, "fractiles configuration")
	fmt.Fprintln(out)

	workers := fmt.Sprint(cfg.Pool.Workers)
	if cfg.Pool.Workers == 0 {
		workers = "one per CPU"
	}
	queue := fmt.Sprint(cfg.Pool.MaxQueueDepth)
	if cfg.Pool.MaxQueueDepth == 0 {
		queue = "unbounded"
	}

	fmt.Fprintln(out, "Pool:")
	fmt.Fprintf(out, "  ├─ Workers:          %s\n", workers)
	fmt.Fprintf(out, "  └─ Queue Depth:      %s\n", queue)
	fmt.Fprintln(out, "Render:")
	fmt.Fprintf(out, "  ├─ Canvas:           %dx%d, tiles of %d\n", cfg.Render.Width, cfg.Render.Height, cfg.Render.TileSize)
	fmt.Fprintf(out, "  ├─ View:             %s\n", types.ViewKey(types.Fractal(cfg.Render.Fractal), cfg.Render.View))
	fmt.Fprintf(out, "  └─ Output:           %s\n", cfg.Render.Output)
	fmt.Fprintln(out, "Predictor:")
	fmt.Fprintf(out, "  ├─ Enabled:          %t\n", cfg.Predictor.Enabled)
	fmt.Fprintf(out, "  ├─ Decay / Tick:     %.2f every %s\n", cfg.Predictor.DecayFactor, cfg.Predictor.TickInterval)
	fmt.Fprintf(out, "  └─ Lookahead:        %d x %.2fs\n", cfg.Predictor.MaxPredictions, cfg.Predictor.PredictionDistance)
	fmt.Fprintln(out, "Server:")
	fmt.Fprintf(out, "  ├─ gRPC Port:        %d\n", cfg.Server.Port)
	if cfg.Metrics.Enabled {
		fmt.Fprintf(out, "  └─ Metrics:          http://localhost:%d/metrics\n", cfg.Metrics.Port)
	} else {
		fmt.Fprintln(out, "  └─ Metrics:          disabled")
	}
	return nil
}

func showRemoteStatus(ctx context.Context, addr string, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	stats, err := server.NewClient(conn).Stats(ctx)
	if err != nil {
		return fmt.Errorf("failed to query %s: %w", addr, err)
	}
	return printStats(stats, addr, out)
}

func printStats(stats map[string]interface{}, addr string, out io.Writer) error {
	fmt.Fprintf(out, "Render service %s\n", addr)
	for _, key := range []string{"workers", "busy", "queued", "in_flight", "requests", "renders", "waiting", "closed"} {
		fmt.Fprintf(out, "  %-10s %v\n", key+":", stats[key])
	}
	return nil
}
