// cmd/monitor/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"energy-monitor/internal/api"
	"energy-monitor/internal/config"
	"energy-monitor/internal/engine"
	"energy-monitor/internal/push"
	"energy-monitor/internal/session"
	"energy-monitor/internal/view"
)

func main() {
	var (
		configPath string
		username   string
		password   string
	)

	root := &cobra.Command{
		Use:   "monitor",
		Short: "Energy monitor client: reconciles backend state into a local view",
		Long: "monitor authenticates against the energy-monitoring backend, merges\n" +
			"snapshot fetches with the live push stream, and serves the reconciled\n" +
			"state over a local HTTP surface for external renderers.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if password == "" {
				password = os.Getenv("MONITOR_PASSWORD")
			}
			return run(configPath, username, password)
		},
	}

	root.Flags().StringVar(&configPath, "config", ".", "directory containing config.yaml")
	root.Flags().StringVar(&username, "username", "", "login username (used when no stored session exists)")
	root.Flags().StringVar(&password, "password", "", "login password (or set MONITOR_PASSWORD)")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(configPath, username, password string) error {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// The client and the session manager reference each other: the client
	// draws its bearer token from the manager, the manager logs in through
	// the client. The TokenFunc closure breaks the construction cycle.
	var sessions *session.Manager
	client := api.NewClient(cfg.Backend.BaseURL, api.TokenFunc(func() string {
		return sessions.Token()
	}), cfg.Backend.RequestTimeout)
	sessions = session.NewManager(session.NewFileStore(cfg.Credentials.File), client, logger)

	if sessions.Restore() == nil {
		if username == "" || password == "" {
			return errors.New("no stored session; provide --username and --password")
		}
		if _, err := sessions.Login(ctx, username, password); err != nil {
			if errors.Is(err, session.ErrInvalidCredentials) {
				return errors.New("invalid credentials")
			}
			return fmt.Errorf("login failed: %w", err)
		}
	}

	eng := engine.New(client, sessions, cfg.Status.StaleAfter, logger)
	eng.OnLogout = stop

	subscriber := push.NewSubscriber(
		push.Endpoint(cfg.Backend.BaseURL),
		sessions,
		push.Events{
			OnReading: eng.HandlePushReading,
			OnAlerts:  eng.HandlePushAlerts,
			OnResync:  eng.Resync,
		},
		cfg.Push.ReconnectMin,
		cfg.Push.ReconnectMax,
		logger,
	)

	viewServer := &http.Server{
		Addr:    cfg.View.ListenAddr,
		Handler: view.NewServer(eng, logger).Router(),
	}

	go eng.Run(ctx)
	go subscriber.Run(ctx)

	go func() {
		logger.Info("view server listening", "addr", cfg.View.ListenAddr)
		if err := viewServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("view server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	viewServer.Shutdown(shutdownCtx)

	return nil
}
