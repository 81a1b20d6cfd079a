// Command duet-relay runs the anonymous 1:1 chat matchmaking relay.
//
//	duet-relay serve --config duet.yaml
//	duet-relay users migrate
//	duet-relay users add alice bob
//
// Every config key can be overridden with a DUET_ environment variable, for example
// DUET_DIRECTORY_DRIVER=postgres.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/duet-chat/duet-relay/internal/config"
	"github.com/duet-chat/duet-relay/internal/directory"
	"github.com/duet-chat/duet-relay/internal/logging"
	"github.com/duet-chat/duet-relay/internal/server"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// Populated by ldflags.
var (
	version = "dev"
	commit  = "none"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:           "duet-relay",
		Short:         "Presence and matchmaking relay for anonymous 1:1 chat",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to YAML/JSON config file (optional)")

	root.AddCommand(
		buildServeCmd(&configPath),
		buildVersionCmd(),
		buildUsersCmd(&configPath),
	)
	return root
}

func buildServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the relay",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.NewLogger(cfg.LogLevel)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			defer logger.Sync() // best-effort flush

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			dir, closeDir, err := openDirectory(ctx, cfg)
			if err != nil {
				return err
			}
			defer closeDir()

			logger.Info("starting relay", zap.String("version", version), zap.String("directory", cfg.Directory.Driver))
			srv := server.NewRelayServer(cfg, logger, dir)
			if err := srv.Start(ctx); err != nil {
				return fmt.Errorf("server exited with error: %w", err)
			}
			return nil
		},
	}
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "duet-relay %s (%s)\n", version, commit)
		},
	}
}

func buildUsersCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "users",
		Short: "Manage the SQL user directory",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Create the users table if it does not exist",
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := openSQLStore(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer store.Close()
			if err := store.EnsureSchema(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "users table ready")
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "add <id>...",
		Short: "Insert users into the directory",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openSQLStore(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer store.Close()
			if err := store.EnsureSchema(cmd.Context()); err != nil {
				return err
			}
			for _, id := range args {
				switch err := store.AddUser(cmd.Context(), id); {
				case errors.Is(err, directory.ErrAlreadyExists):
					fmt.Fprintf(cmd.OutOrStdout(), "%s already exists\n", id)
				case err != nil:
					return fmt.Errorf("add %s: %w", id, err)
				default:
					fmt.Fprintf(cmd.OutOrStdout(), "added %s\n", id)
				}
			}
			return nil
		},
	})
	return cmd
}

func openDirectory(ctx context.Context, cfg config.Config) (directory.Directory, func(), error) {
	if cfg.Directory.Driver == "memory" {
		return directory.NewMemory(cfg.Directory.AutoCreate), func() {}, nil
	}
	store, err := connectSQL(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	if err := store.EnsureSchema(ctx); err != nil {
		_ = store.Close()
		return nil, nil, err
	}
	return store, func() { _ = store.Close() }, nil
}

func openSQLStore(ctx context.Context, configPath string) (*directory.SQLStore, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if cfg.Directory.Driver == "memory" {
		return nil, errors.New("users commands need directory.driver postgres or sqlite")
	}
	return connectSQL(ctx, cfg)
}

func connectSQL(ctx context.Context, cfg config.Config) (*directory.SQLStore, error) {
	dsn, err := cfg.DirectoryDSN()
	if err != nil {
		return nil, err
	}
	store, err := directory.OpenSQL(ctx, directory.SQLConfig{
		Driver:          cfg.Directory.Driver,
		DSN:             dsn,
		MaxOpenConns:    cfg.Directory.MaxOpenConns,
		MaxIdleConns:    cfg.Directory.MaxIdleConns,
		ConnMaxLifetime: cfg.Directory.ConnMaxLifetime,
	})
	if err != nil {
		return nil, fmt.Errorf("open %s directory: %w", cfg.Directory.Driver, err)
	}
	return store, nil
}
