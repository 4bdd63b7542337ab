package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"prospectflow/config"
	"prospectflow/db"
	"prospectflow/logging"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	Format     string // "json" | "text"
}

var validFormats = []string{"text", "json"}

func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "prospectctl",
		Short: "Operate the prospectflow outreach pipeline",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			for _, f := range validFormats {
				if f == opts.Format {
					return nil
				}
			}
			return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, validFormats)
		},
		SilenceUsage: true,
	}

	defaultConfig := os.Getenv("PROSPECTFLOW_CONFIG")
	if defaultConfig == "" {
		defaultConfig = "prospectflow.yaml"
	}
	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", defaultConfig, "path to the YAML config file")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(newMigrateCommand(opts))
	cmd.AddCommand(newSweepCommand(opts))
	cmd.AddCommand(newUnsubscribeURLCommand(opts))
	cmd.AddCommand(newRenderReportCommand(opts))
	cmd.AddCommand(newOperatorCommand(opts))
	cmd.AddCommand(newApproveRunCommand(opts))

	return cmd
}

// env is what database-backed commands share.
type env struct {
	cfg  *config.Config
	pool *pgxpool.Pool
	log  *slog.Logger
}

func (o *RootOptions) loadConfig() (*config.Config, error) {
	return config.Load(o.ConfigPath)
}

// open loads config and connects. Callers must call close.
func (o *RootOptions) open(ctx context.Context, cmd *cobra.Command) (*env, func(), error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, nil, err
	}
	pool, err := db.NewPool(ctx, cfg.Database.URL, cfg.Database.MaxConns)
	if err != nil {
		return nil, nil, err
	}
	// Logs go to stderr so JSON output on stdout stays parseable.
	logger := logging.NewWithWriter(cmd.ErrOrStderr(), cfg.Logging.Level)
	return &env{cfg: cfg, pool: pool, log: logger}, pool.Close, nil
}

// print writes v as indented JSON or, in text mode, with the text callback.
func (o *RootOptions) print(w io.Writer, v any, text func(io.Writer)) error {
	if o.Format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	text(w)
	return nil
}
