/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the academic approval engine server, and hosts the
  operator commands. Handles configuration, dependency injection, and
  graceful shutdown.

COMMANDS:
  server            Serve the HTTP API (default)
  server rebuild    Regenerate a degree's derived periods and exit

STARTUP SEQUENCE:
  1. Load config (defaults < YAML file < flags)
  2. Build the structured logger
  3. Initialize SQLite store
  4. Wire the handler (dispatcher, approval service, hierarchy service)
  5. Start server with graceful shutdown

FLAGS:
  --config  YAML config file (optional)
  --port    HTTP server port (overrides config)
  --db      SQLite database path (overrides config)
            Use ":memory:" for in-memory database

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Close database connection
  4. Exit

EXAMPLES:
  ./server --config=./config.yaml
  ./server --db=":memory:" --port=3000
  ./server rebuild --degree=BTECH --db=./data/academic.db

SEE ALSO:
  - api/server.go: Router configuration
  - config/config.go: Configuration file format
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/warp/academic-engine/api"
	"github.com/warp/academic-engine/config"
	"github.com/warp/academic-engine/store/sqlite"
)

var (
	configPath string
	port       int
	dbPath     string
	degreeCode string
)

var rootCmd = &cobra.Command{
	Use:          "server",
	Short:        "Academic approval engine",
	Long:         "Serves the approval workflow for institution hierarchy changes.",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := setup(cmd)
		if err != nil {
			return err
		}
		return serve(cmd.Context(), cfg, logger)
	},
}

var rebuildCmd = &cobra.Command{
	Use:   "rebuild",
	Short: "Regenerate a degree's derived periods",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := setup(cmd)
		if err != nil {
			return err
		}
		return rebuild(cmd.Context(), cfg, logger, degreeCode)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "YAML config file")
	rootCmd.PersistentFlags().IntVar(&port, "port", 0, "HTTP server port (overrides config)")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "SQLite database path (overrides config)")

	rebuildCmd.Flags().StringVar(&degreeCode, "degree", "", "degree code to rebuild")
	rebuildCmd.MarkFlagRequired("degree")

	rootCmd.AddCommand(rebuildCmd)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

// setup loads config, applies flag overrides and builds the logger.
func setup(cmd *cobra.Command) (config.Config, *slog.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, nil, err
	}
	if cmd.Flags().Changed("port") {
		cfg.Server.Port = port
	}
	if cmd.Flags().Changed("db") {
		cfg.Database.Path = dbPath
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, nil, err
	}

	logger := cfg.Log.NewLogger()
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func serve(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	store, err := openStore(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer store.Close()

	handler, err := api.NewHandler(store, cfg.Approvals.Namespace, logger)
	if err != nil {
		return fmt.Errorf("failed to wire handlers: %w", err)
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      api.NewRouter(handler, cfg.Server.CORSOrigins),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			slog.Int("port", cfg.Server.Port),
			slog.String("db", cfg.Database.Path),
			slog.String("policy_namespace", cfg.Approvals.Namespace))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-quit:
	case <-ctx.Done():
	}

	logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	logger.Info("server stopped")
	return nil
}

func rebuild(ctx context.Context, cfg config.Config, logger *slog.Logger, degree string) error {
	store, err := openStore(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer store.Close()

	handler, err := api.NewHandler(store, cfg.Approvals.Namespace, logger)
	if err != nil {
		return err
	}

	n, err := handler.Hierarchy.Rebuild(ctx, degree)
	if err != nil {
		return err
	}
	fmt.Printf("rebuilt %d periods for %s\n", n, degree)
	return nil
}

func openStore(path string) (*sqlite.Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}
	store, err := sqlite.New(path)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	return store, nil
}
