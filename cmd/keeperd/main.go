// Command keeperd serves a keeper namespace over HTTP.
//
// Settings come from the defaults, an optional TOML file (--config or
// KEEPER_CONFIG), KEEPER_* environment variables and finally flags:
//
//	keeperd --listen :2281 --data-dir /var/lib/keeper
//
// With a data directory the namespace and sessions live in
// <data-dir>/keeper.db and survive restarts. Without one they are held in
// memory.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/dreamware/keeper/internal/config"
	"github.com/dreamware/keeper/internal/logging"
	"github.com/dreamware/keeper/internal/server"
	"github.com/dreamware/keeper/internal/storage"
)

const shutdownTimeout = 5 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configPath string
		listen     string
		dataDir    string
	)
	cmd := &cobra.Command{
		Use:           "keeperd",
		Short:         "keeper namespace server",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			logging.ConfigureRuntime()
			if configPath == "" {
				configPath = os.Getenv("KEEPER_CONFIG")
			}
			cfg, err := config.LoadServerConfig(configPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("listen") {
				cfg.Addr = listen
			}
			if cmd.Flags().Changed("data-dir") {
				cfg.DataDir = dataDir
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, logging.Component("keeperd"), nil)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&configPath, "config", "", "path to a TOML config file")
	flags.StringVar(&listen, "listen", "", "address to listen on")
	flags.StringVar(&dataDir, "data-dir", "", "directory for keeper.db; empty keeps everything in memory")
	return cmd
}

// openStore picks SQLite when a data directory is configured.
func openStore(cfg config.ServerConfig) (storage.Store, error) {
	if cfg.DataDir == "" {
		return storage.NewMemoryStore(), nil
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return storage.OpenSQLite(filepath.Join(cfg.DataDir, "keeper.db"))
}

// run serves until ctx is done, then shuts the server down. ready, when
// set, receives the bound address once the listener is open.
func run(ctx context.Context, cfg config.ServerConfig, log zerolog.Logger, ready func(addr string)) error {
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	srv, err := server.New(store, cfg, server.WithLogger(log))
	if err != nil {
		return err
	}
	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Addr, err)
	}
	if ready != nil {
		ready(ln.Addr().String())
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("shutdown incomplete")
	}
	return <-errCh
}
