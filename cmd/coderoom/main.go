package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"coderoom/internal/app"
	"coderoom/internal/config"
	"coderoom/internal/database"
	"coderoom/internal/logging"
)

// Version is set at build time via -ldflags "-X main.Version=X.Y.Z".
var Version = "0.0.0-dev"

func main() {
	// A missing .env is normal outside development.
	_ = godotenv.Load()

	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "coderoom",
		Short: "Session orchestrator for live coding interviews",
		Long: `coderoom provisions interview sessions across the video room, chat
channel and session store, admits participants, relays editor and
proctoring events between room members and tears sessions down.

Configuration is read from defaults, then the --config file, then
CODEROOM_* environment variables (e.g. CODEROOM_HTTP_PORT=9090).`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("CODEROOM_CONFIG_FILE"), "path to a YAML, JSON or TOML config file")

	root.AddCommand(newServeCmd(&configPath), newMigrateCmd(&configPath), newVersionCmd())
	return root
}

func newServeCmd(configPath *string) *cobra.Command {
	var printConfig bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfigWithPrecedence(*configPath)
			if err != nil {
				return err
			}
			if printConfig {
				return writeConfig(cmd.OutOrStdout(), cfg)
			}

			logger, err := logging.New(cfg.Log.Level, cfg.Log.Format, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger)
		},
	}
	cmd.Flags().BoolVar(&printConfig, "print-config", false, "print the resolved configuration and exit")
	return cmd
}

// serve runs until ctx is cancelled, then shuts down within the configured
// grace period.
func serve(ctx context.Context, cfg *config.Config, logger *logrus.Logger) error {
	application, err := app.NewApplication(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}
	if err := application.Start(ctx); err != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), application.ShutdownTimeout())
		defer cancel()
		return errors.Join(fmt.Errorf("failed to start: %w", err), application.Stop(shutdownCtx))
	}

	<-ctx.Done()
	logger.Info("shutdown requested")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), application.ShutdownTimeout())
	defer cancel()
	if err := application.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}
	return nil
}

func newMigrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Bring the configured session store up to date",
		Long: `Applies pending sqlite schema migrations. For MongoDB it ensures the
session indexes and folds legacy single-participant documents into the
participants list.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfigWithPrecedence(*configPath)
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg.Log.Level, cfg.Log.Format, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			return migrate(cmd.Context(), cfg, logger, cmd.OutOrStdout())
		},
	}
}

func migrate(ctx context.Context, cfg *config.Config, logger logrus.FieldLogger, out io.Writer) error {
	ctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	// sqlite migrations run on open.
	repo, err := app.OpenRepository(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer repo.Close()

	if store, ok := repo.(*database.MongoStore); ok {
		modified, err := store.MigrateLegacyParticipants(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "migrated %d legacy session documents\n", modified)
	}

	fmt.Fprintf(out, "%s repository is up to date\n", cfg.Repository.Driver)
	return nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "coderoom %s\n", Version)
		},
	}
}

func writeConfig(w io.Writer, cfg *config.Config) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode configuration: %w", err)
	}
	return enc.Close()
}
