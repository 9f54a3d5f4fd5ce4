package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"

	"github.com/drfirst/go-claims/internal/cob"
	"github.com/drfirst/go-claims/internal/edi"
	"github.com/drfirst/go-claims/internal/infrastructure/clearinghouse"
	"github.com/drfirst/go-claims/internal/infrastructure/postgres"
	"github.com/drfirst/go-claims/internal/infrastructure/redpanda"
	"github.com/drfirst/go-claims/pkg/circuitbreaker"
)

func migrateCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			pool, err := e.db(cmd.Context())
			if err != nil {
				return err
			}
			n, err := postgres.Migrate(cmd.Context(), pool, e.logger)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "applied %d migration(s)\n", n)
			return nil
		},
	}
}

func topicsCmd(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "topics",
		Short: "Manage Redpanda topics",
	}

	admin := func() (*redpanda.Admin, error) {
		return redpanda.NewAdmin(e.cfg.Brokers(), e.logger)
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "ensure",
		Short: "Create missing claim topics",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := admin()
			if err != nil {
				return err
			}
			defer a.Close()
			return a.EnsureTopics(cmd.Context(), e.cfg.KafkaReplicationFactor)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List topics",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := admin()
			if err != nil {
				return err
			}
			defer a.Close()
			names, err := a.ListTopics(cmd.Context())
			if err != nil {
				return err
			}
			return e.print(cmd.OutOrStdout(), names)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "lag [group]",
		Short: "Show consumer group lag (default: the 277 ingest group)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			group := redpanda.DefaultConsumerConfig().GroupID
			if len(args) == 1 {
				group = args[0]
			}
			a, err := admin()
			if err != nil {
				return err
			}
			defer a.Close()
			lag, err := a.GetConsumerGroupLag(cmd.Context(), group)
			if err != nil {
				return err
			}
			return e.print(cmd.OutOrStdout(), lag)
		},
	})
	return cmd
}

func reportCmd(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Claim aging, stale claim and deadline reports",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "aging",
		Short: "Open claims by days since submission",
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := e.tracker(cmd.Context())
			if err != nil {
				return err
			}
			report, err := t.GetAgingReport(cmd.Context())
			if err != nil {
				return err
			}
			return e.print(cmd.OutOrStdout(), report)
		},
	})

	var days int
	stale := &cobra.Command{
		Use:   "stale",
		Short: "Claims with no status change for --days",
		RunE: func(cmd *cobra.Command, args []string) error {
			if days == 0 {
				days = e.cfg.StaleClaimDays
			}
			t, err := e.tracker(cmd.Context())
			if err != nil {
				return err
			}
			claims, err := t.CheckStaleClaims(cmd.Context(), days)
			if err != nil {
				return err
			}
			return e.print(cmd.OutOrStdout(), claims)
		},
	}
	stale.Flags().IntVar(&days, "days", 0, "days without a status change (default STALE_CLAIM_DAYS)")
	cmd.AddCommand(stale)

	cmd.AddCommand(&cobra.Command{
		Use:   "deadlines",
		Short: "Claims near or past their timely filing deadline",
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := e.tracker(cmd.Context())
			if err != nil {
				return err
			}
			alerts, err := t.CheckTimelyFilingDeadlines(cmd.Context())
			if err != nil {
				return err
			}
			return e.print(cmd.OutOrStdout(), alerts)
		},
	})
	return cmd
}

func inquiryCmd(e *env) *cobra.Command {
	var transmit bool
	cmd := &cobra.Command{
		Use:   "inquiry CLAIM_ID...",
		Short: "Build a 276 status inquiry batch, optionally sending it",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			repo, err := e.repo(ctx)
			if err != nil {
				return err
			}
			inq, err := edi.NewInquiryBuilder(repo, clockwork.NewRealClock(), e.logger).Generate276Inquiry(ctx, args)
			if err != nil {
				return err
			}
			if !transmit {
				return e.print(cmd.OutOrStdout(), inq)
			}

			cfg := redpanda.DefaultProducerConfig()
			cfg.Brokers = e.cfg.Brokers()
			producer, err := redpanda.NewProducer(cfg, e.logger)
			if err != nil {
				return err
			}
			defer producer.Close()

			breakers := circuitbreaker.NewManager(circuitbreaker.DefaultConfig(""), nil, e.logger)
			res, err := clearinghouse.NewTransmitter(producer, breakers, redpanda.TopicEDI276Outbound, e.logger).Transmit(ctx, inq)
			if err != nil {
				return err
			}
			return e.print(cmd.OutOrStdout(), map[string]any{"inquiry": inq, "transmission": res})
		},
	}
	cmd.Flags().BoolVar(&transmit, "transmit", false, "publish the batch to the clearinghouse topic")
	return cmd
}

func cobOrderCmd(e *env) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "cob-order",
		Short: "Decide primary and secondary payer for two policies",
		Long: `Reads {"patient":{...},"insurance1":{...},"insurance2":{...}} from --file
or stdin and prints the coordination of benefits order.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			in := cmd.InOrStdin()
			if file != "" && file != "-" {
				f, err := os.Open(file)
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}
			var req struct {
				Patient    cob.PatientInfo `json:"patient"`
				Insurance1 cob.Policy      `json:"insurance1"`
				Insurance2 cob.Policy      `json:"insurance2"`
			}
			if err := json.NewDecoder(in).Decode(&req); err != nil {
				return fmt.Errorf("decode input: %w", err)
			}
			order, err := cob.DetermineCOBOrder(req.Patient, req.Insurance1, req.Insurance2)
			if err != nil {
				return err
			}
			return e.print(cmd.OutOrStdout(), order)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "input file (default stdin)")
	return cmd
}

func codesCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "codes",
		Short: "Print the 277 status code table",
		RunE: func(cmd *cobra.Command, args []string) error {
			return e.print(cmd.OutOrStdout(), edi.Codes())
		},
	}
}
