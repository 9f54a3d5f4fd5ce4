// Package main provides claimsctl, the operator CLI for the claims services.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/drfirst/go-claims/internal/config"
	"github.com/drfirst/go-claims/internal/deadline"
	"github.com/drfirst/go-claims/internal/domain/claim"
	"github.com/drfirst/go-claims/internal/infrastructure/postgres"
	"github.com/drfirst/go-claims/internal/observability/logging"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// env is what every subcommand needs. It is built lazily so commands that
// do not touch the database never connect.
type env struct {
	output string

	cfg    *config.Config
	logger *zap.Logger
	pool   *pgxpool.Pool
}

func newRootCmd() *cobra.Command {
	e := &env{}
	root := &cobra.Command{
		Use:          "claimsctl",
		Short:        "Operate the claims status services",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if e.output != "json" && e.output != "yaml" {
				return fmt.Errorf("--output must be json or yaml")
			}
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			e.cfg = cfg
			e.logger, err = logging.New(cfg.LogLevel, "claimsctl")
			return err
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if e.pool != nil {
				e.pool.Close()
			}
		},
	}
	root.PersistentFlags().StringVarP(&e.output, "output", "o", "json", "output format: json or yaml")

	root.AddCommand(
		migrateCmd(e),
		topicsCmd(e),
		reportCmd(e),
		inquiryCmd(e),
		cobOrderCmd(e),
		codesCmd(e),
	)
	return root
}

func (e *env) db(ctx context.Context) (*pgxpool.Pool, error) {
	if e.pool != nil {
		return e.pool, nil
	}
	if e.cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	pool, err := postgres.NewPool(ctx, e.cfg.DatabaseURL, 4, 0)
	if err != nil {
		return nil, err
	}
	e.pool = pool
	return pool, nil
}

func (e *env) repo(ctx context.Context) (claim.Repository, error) {
	pool, err := e.db(ctx)
	if err != nil {
		return nil, err
	}
	return claim.NewPGRepository(pool, e.logger), nil
}

func (e *env) tracker(ctx context.Context) (*deadline.Tracker, error) {
	repo, err := e.repo(ctx)
	if err != nil {
		return nil, err
	}
	opts := []deadline.Option{
		deadline.WithWarningDays(e.cfg.DeadlineWarningDays),
		deadline.WithLogger(e.logger),
	}
	if e.cfg.PayerRulesFile != "" {
		rules, err := deadline.LoadPayerRules(e.cfg.PayerRulesFile)
		if err != nil {
			return nil, err
		}
		opts = append(opts, deadline.WithPayerRules(rules))
	}
	return deadline.NewTracker(repo, clockwork.NewRealClock(), opts...), nil
}

func (e *env) print(w io.Writer, v any) error {
	return render(w, e.output, v)
}

func render(w io.Writer, format string, v any) error {
	if format == "yaml" {
		// round-trip through JSON so the yaml keys match the API's json tags
		raw, err := json.Marshal(v)
		if err != nil {
			return err
		}
		var generic any
		if err := json.Unmarshal(raw, &generic); err != nil {
			return err
		}
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(generic)
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
