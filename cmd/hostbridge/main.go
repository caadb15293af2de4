package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/danmuck/hostbridge/internal/control"
	"github.com/danmuck/hostbridge/internal/host"
	"github.com/danmuck/hostbridge/internal/logging"
	"github.com/danmuck/hostbridge/internal/observability"
	"github.com/danmuck/hostbridge/internal/orchestrator"
	"github.com/danmuck/hostbridge/internal/registry"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "hostbridge: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "hostbridge",
		Short:         "Bridge a single-threaded host application to an orchestration server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newRunCmd(), newVersionCmd())
	return root
}

type runFlags struct {
	config      string
	server      string
	project     string
	transport   string
	controlAddr string
}

func newRunCmd() *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the bridge against a simulated host loop",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := resolveConfig(cmd, f)
			if err != nil {
				return err
			}
			logging.ConfigureRuntime()
			return run(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&f.config, "config", "", "Path to a TOML config file")
	cmd.Flags().StringVar(&f.server, "server", "", "Orchestration server URL (overrides config)")
	cmd.Flags().StringVar(&f.project, "project", "", "Project identifier (overrides config)")
	cmd.Flags().StringVar(&f.transport, "transport", "", "auto, push or poll (overrides config)")
	cmd.Flags().StringVar(&f.controlAddr, "control-addr", "", "Listen address for the local control API")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "hostbridge %s\n", version)
		},
	}
}

// resolveConfig loads the config file when given and applies flag overrides on top.
func resolveConfig(cmd *cobra.Command, f runFlags) (appConfig, error) {
	cfg := defaultAppConfig()
	if f.config != "" {
		loaded, err := loadAppConfig(f.config)
		if err != nil {
			return appConfig{}, err
		}
		cfg = loaded
	}
	if cmd.Flags().Changed("server") {
		cfg.Runtime.Client.ServerURL = f.server
	}
	if cmd.Flags().Changed("project") {
		cfg.Runtime.Client.ProjectID = f.project
	}
	if cmd.Flags().Changed("transport") {
		cfg.Runtime.Transport = f.transport
	}
	if cmd.Flags().Changed("control-addr") {
		cfg.ControlAddr = f.controlAddr
	}
	if cfg.Runtime.Update.LocalMarker == "" {
		cfg.Runtime.Update.LocalMarker = version
	}
	return cfg, cfg.validate()
}

func run(parent context.Context, cfg appConfig) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	loop := host.NewLoop(host.LoopConfig{TickInterval: cfg.TickInterval})
	cfg.Runtime.Handlers = append(cfg.Runtime.Handlers, orchestrator.HandlerSpec{
		Spec:    registry.Spec{Name: "host.info", Description: "Report simulated host loop state"},
		Handler: loop.Info,
	})
	rt, err := orchestrator.NewRuntime(cfg.Runtime, loop, orchestrator.ProcessStore())
	if err != nil {
		return err
	}

	// The loop outlives ctx until the runtime has detached through it.
	loopCtx, stopLoop := context.WithCancel(context.Background())
	defer stopLoop()
	errCh := make(chan error, 2)
	go func() {
		if err := rt.Start(ctx); err != nil {
			errCh <- err
			stop()
		} else {
			serveBackground(ctx, stop, cfg, rt, errCh)
		}
		<-ctx.Done()
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := rt.Close(closeCtx); err != nil {
			logging.Warnf("hostbridge.run close incomplete err=%v", err)
		}
		stopLoop()
	}()

	logging.Infof(
		"hostbridge.run starting version=%s server=%q project=%q transport=%s",
		version,
		cfg.Runtime.Client.ServerURL,
		cfg.Runtime.Client.ProjectID,
		cfg.Runtime.Transport,
	)
	if err := loop.Run(loopCtx); err != nil {
		return err
	}
	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			return err
		}
	default:
	}
	return nil
}

// serveBackground starts the update watch and, when configured, the control API.
func serveBackground(ctx context.Context, stop func(), cfg appConfig, rt *orchestrator.Runtime, errCh chan<- error) {
	go rt.Updates().Run(ctx)
	if cfg.ControlAddr == "" {
		return
	}
	collector := observability.NewBridgeCollector(observability.BridgeSource{
		QueueStats: rt.Queue().Stats,
		Connection: rt.ConnectionStatus,
		Reloads:    rt.Updates().Reloads,
		Generation: rt.Store().Generation,
	})
	srv := control.New(control.Config{
		ID:          "hostbridge",
		Addr:        cfg.ControlAddr,
		CORSOrigins: cfg.CORSOrigins,
		Token:       cfg.ControlToken,
	}, rt, rt.Updates(), collector)
	go func() {
		if err := srv.Serve(ctx); err != nil {
			errCh <- fmt.Errorf("control api: %w", err)
			stop()
		}
	}()
}
