// Command connector relays patient documents from the hospital to personal health records.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/and161185/health-connector/internal/config"
	"github.com/and161185/health-connector/internal/jobs"
	"github.com/and161185/health-connector/internal/migrate"
	"github.com/and161185/health-connector/internal/secrets"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

func main() {
	var envFile string
	root := &cobra.Command{
		Use:           "connector",
		Short:         "Patient-data relay between hospital and health record",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&envFile, "env-file", "", "optional .env file")

	root.AddCommand(serveCmd(&envFile))
	root.AddCommand(migrateCmd(&envFile))
	root.AddCommand(jobCmd(&envFile))

	if err := root.Execute(); err != nil {
		_, _ = os.Stderr.WriteString(err.Error() + "\n")
		os.Exit(1)
	}
}

// runEnv is shared by every command.
type runEnv struct {
	cfg     *config.Config
	secrets secrets.Source
	log     *zap.Logger
}

func (e *runEnv) sync() { _ = e.log.Sync() }

// setup loads the configuration and builds the logger.
func setup(envFile string) (*runEnv, error) {
	v := config.NewViper(envFile)
	cfg, err := config.Load(v)
	if err != nil {
		return nil, err
	}
	log, err := newLogger(cfg)
	if err != nil {
		return nil, err
	}
	return &runEnv{cfg: cfg, secrets: secrets.NewViperSource(v), log: log}, nil
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	if cfg.IsDev() {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func serveCmd(envFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the ops gRPC server and the background jobs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			env, err := setup(*envFile)
			if err != nil {
				return err
			}
			defer env.sync()
			env.log.Info("starting",
				zap.String("version", version),
				zap.String("buildDate", buildDate),
				zap.String("providers", env.cfg.Providers),
			)
			ctx, stop := signalContext()
			defer stop()
			return serve(ctx, env)
		},
	}
}

func migrateCmd(envFile *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the database schema",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			env, err := setup(*envFile)
			if err != nil {
				return err
			}
			defer env.sync()
			if err := migrate.Up(cmd.Context(), env.cfg.DatabaseURL); err != nil {
				return err
			}
			env.log.Info("migrations applied")
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Print the state of every migration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			env, err := setup(*envFile)
			if err != nil {
				return err
			}
			defer env.sync()
			return migrate.Status(cmd.Context(), env.cfg.DatabaseURL)
		},
	})
	return cmd
}

// jobCmd runs a single pass of one background job and exits.
func jobCmd(envFile *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "job",
		Short: "Run one pass of a background job",
	}
	for _, name := range []string{jobUpload, jobRenew, jobSync} {
		cmd.AddCommand(&cobra.Command{
			Use:   name,
			Short: "Run one " + name + " pass",
			RunE: func(cmd *cobra.Command, _ []string) error {
				env, err := setup(*envFile)
				if err != nil {
					return err
				}
				defer env.sync()
				ctx, stop := signalContext()
				defer stop()

				a, err := buildApp(ctx, env)
				if err != nil {
					return err
				}
				defer a.close()
				return jobs.NewRunner(env.log, nil, a.jobs()...).RunOnce(ctx, name)
			},
		})
	}
	return cmd
}
