package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/syncore/hqvgw/internal/control"
	"github.com/syncore/hqvgw/internal/discovery"
	"github.com/syncore/hqvgw/internal/leshan"
	"github.com/syncore/hqvgw/internal/session"
	"github.com/syncore/hqvgw/internal/store"
	"github.com/syncore/hqvgw/pkg/config"
)

// serveCmd runs the gateway agent: control server, discovery service and
// websocket bridge, until interrupted.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the gateway agent",
	Long: `Starts the control server (TCP + WebSocket bridge) and the UDP
discovery service, and keeps them running until interrupted.`,
	RunE: runServe,
}

var serveConfigPath string

func init() {
	serveCmd.Flags().StringVar(&serveConfigPath, "config", "", "Path to a YAML config file (defaults are used if omitted)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	logger, err := configureLogger(cmd, "verbose")
	if err != nil {
		return err
	}
	cmd.SilenceUsage = true

	cfg, err := config.Load(serveConfigPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if lvl, _ := cmd.Flags().GetString("log-level"); lvl == "" {
		logger.SetLevel(cfg.ParsedLogLevel())
	}

	aliasStore, err := store.Open(cfg.AliasStorePath)
	if err != nil {
		return fmt.Errorf("opening alias store: %w", err)
	}
	pskStore, err := store.Open(cfg.PSKStorePath)
	if err != nil {
		return fmt.Errorf("opening psk store: %w", err)
	}

	state := session.NewState()
	leshanClient := leshan.NewClient(cfg.LeshanBaseURL)

	controlSrv := control.New(control.Deps{
		Config:     cfg,
		State:      state,
		AliasStore: aliasStore,
		PSKStore:   pskStore,
		Leshan:     leshanClient,
		Logger:     logger,
	})

	discoverySvc := discovery.New(cfg, state, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("received interrupt signal, shutting down...")
		cancel()
	}()

	if err := controlSrv.Start(ctx); err != nil {
		return fmt.Errorf("starting control server: %w", err)
	}
	defer controlSrv.Stop()

	if err := discoverySvc.Start(ctx); err != nil {
		return fmt.Errorf("starting discovery service: %w", err)
	}
	defer discoverySvc.Stop()

	wsBridge := control.NewWSBridge(cfg.ControlPort, logger)
	mux := http.NewServeMux()
	mux.Handle("/ws", wsBridge)
	webServer := &http.Server{Addr: fmt.Sprintf(":%d", cfg.WebserverPort), Handler: mux}
	go func() {
		if err := webServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("websocket bridge server failed")
		}
	}()
	defer webServer.Close()

	green := color.New(color.FgGreen, color.Bold)
	green.Printf("hqvgw agent running: control=:%d discovery=:%d webserver=:%d\n",
		cfg.ControlPort, cfg.DiscoveryPort, cfg.WebserverPort)

	<-ctx.Done()
	logger.Info("agent stopped")
	return nil
}
