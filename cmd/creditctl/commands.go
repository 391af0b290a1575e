package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"github.com/tbourn/go-credit-backend/internal/config"
	"github.com/tbourn/go-credit-backend/internal/repo"
	"github.com/tbourn/go-credit-backend/internal/services"
	"github.com/tbourn/go-credit-backend/internal/sysutil"
	"github.com/tbourn/go-credit-backend/internal/utils"
)

// session is what every subcommand needs once the database is open.
type session struct {
	db  *gorm.DB
	log zerolog.Logger
}

// opener opens the configured database.
type opener func(stderr io.Writer) (*session, error)

func openFromEnv(stderr io.Writer) (*session, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	log := sysutil.NewLogger(cfg.LogLevel, true, stderr)
	db, err := repo.Open(cfg.DB)
	if err != nil {
		return nil, err
	}
	return &session{db: db, log: log}, nil
}

func newRootCmd(open opener) *cobra.Command {
	var (
		s      *session
		asJSON bool
	)

	root := &cobra.Command{
		Use:           "creditctl",
		Short:         "Inspect and adjust workspace credit balances",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			var err error
			s, err = open(cmd.ErrOrStderr())
			return err
		},
		PersistentPostRunE: func(*cobra.Command, []string) error {
			if s == nil {
				return nil
			}
			if sqlDB, err := s.db.DB(); err == nil {
				return sqlDB.Close()
			}
			return nil
		},
	}
	root.PersistentFlags().BoolVar(&asJSON, "json", false, "print machine-readable JSON")

	credits := func() *services.CreditService {
		return services.NewCreditService(s.db, s.log.With().Str("component", "credits").Logger())
	}
	render := func(cmd *cobra.Command, v any, table func(w *tabwriter.Writer)) error {
		if asJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(v)
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		table(tw)
		return tw.Flush()
	}

	migrate := &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := repo.AutoMigrate(s.db); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "schema up to date")
			return nil
		},
	}

	var seed int64
	createWorkspace := &cobra.Command{
		Use:   "create-workspace <name>",
		Short: "Create a workspace with an initial balance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if seed < 0 {
				return services.ErrInvalidAmount
			}
			w, err := repo.CreateWorkspace(cmd.Context(), s.db, args[0], seed)
			if err != nil {
				return fmt.Errorf("create workspace: %w", err)
			}
			return render(cmd, w, func(tw *tabwriter.Writer) {
				fmt.Fprintln(tw, "ID\tNAME\tCREDITS")
				fmt.Fprintf(tw, "%s\t%s\t%d\n", w.ID, w.Name, w.CreditCount)
			})
		},
	}
	createWorkspace.Flags().Int64Var(&seed, "credits", 0, "initial credit balance")

	balance := &cobra.Command{
		Use:   "balance <workspace-id>",
		Short: "Show total, allocated and available credits",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := credits().GetCreditBalance(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return render(cmd, b, func(tw *tabwriter.Writer) {
				fmt.Fprintln(tw, "TOTAL\tALLOCATED\tAVAILABLE")
				fmt.Fprintf(tw, "%d\t%d\t%d\n", b.Total, b.Allocated, b.Available)
			})
		},
	}

	var refID, refType string
	grant := &cobra.Command{
		Use:   "grant <workspace-id> <amount>",
		Short: "Add credits to a workspace",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("amount %q: %w", args[1], services.ErrInvalidAmount)
			}
			var opts []services.CreditOption
			if refID != "" {
				opts = append(opts, services.WithReference(refID, refType))
			}
			tx, err := credits().GrantCredits(cmd.Context(), args[0], amount, opts...)
			if err != nil {
				return err
			}
			return render(cmd, tx, func(tw *tabwriter.Writer) {
				fmt.Fprintln(tw, "TX\tAMOUNT\tBEFORE\tAFTER")
				fmt.Fprintf(tw, "%s\t%d\t%d\t%d\n", tx.ID, tx.Amount, tx.BalanceBefore, tx.BalanceAfter)
			})
		},
	}
	grant.Flags().StringVar(&refID, "reference", "", "reference ID recorded on the audit row")
	grant.Flags().StringVar(&refType, "reference-type", "manual", "reference type recorded on the audit row")

	var page, pageSize int
	history := &cobra.Command{
		Use:   "history <workspace-id>",
		Short: "List audit rows, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			page, pageSize = utils.ClampPage(page, pageSize)
			rows, total, err := credits().ListTransactions(cmd.Context(), args[0], page, pageSize)
			if err != nil {
				return err
			}
			out := struct {
				Rows       any   `json:"transactions"`
				Page       int   `json:"page"`
				TotalPages int   `json:"total_pages"`
				Total      int64 `json:"total"`
			}{rows, page, utils.TotalPages(total, pageSize), total}
			return render(cmd, out, func(tw *tabwriter.Writer) {
				fmt.Fprintln(tw, "CREATED\tTYPE\tAMOUNT\tAFTER\tREFERENCE")
				for _, r := range rows {
					fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\n",
						r.CreatedAt.UTC().Format(time.RFC3339), r.Type, r.Amount, r.BalanceAfter, r.ReferenceID)
				}
				fmt.Fprintf(tw, "page %d/%d (%d rows)\n", page, utils.TotalPages(total, pageSize), total)
			})
		},
	}
	history.Flags().IntVar(&page, "page", 1, "page number")
	history.Flags().IntVar(&pageSize, "page-size", utils.DefaultPageSize, "rows per page")

	plans := &cobra.Command{
		Use:   "plans",
		Short: "List billing plans",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ps, err := repo.ListPlans(cmd.Context(), s.db)
			if err != nil {
				return err
			}
			return render(cmd, ps, func(tw *tabwriter.Writer) {
				fmt.Fprintln(tw, "ID\tNAME\tPRICE\tINTERVAL\tCREDITS")
				for _, p := range ps {
					fmt.Fprintf(tw, "%s\t%s\t%d %s\t%s\t%d\n", p.ID, p.Name, p.PriceCents, p.Currency, p.Interval, p.MonthlyCredits)
				}
			})
		},
	}

	root.AddCommand(migrate, createWorkspace, balance, grant, history, plans)
	return root
}

// exitMessage turns well-known ledger errors into operator-facing text.
func exitMessage(err error) string {
	switch {
	case errors.Is(err, services.ErrWorkspaceNotFound):
		return "workspace not found"
	case errors.Is(err, services.ErrInvalidAmount):
		return "amount must be a positive integer"
	default:
		return err.Error()
	}
}
