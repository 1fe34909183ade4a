package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/payment-proxy/internal/ledger"
	"github.com/sells-group/payment-proxy/internal/model"
	"github.com/sells-group/payment-proxy/internal/monitoring"
)

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Inspect and administer ledger entries",
}

// -- ledger get --

var ledgerGetCmd = &cobra.Command{
	Use:   "get <entry-id>",
	Short: "Show one ledger entry",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		st, err := requireStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		e, err := st.Get(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "ledger get")
		}
		return printJSON(os.Stdout, e)
	},
}

// -- ledger cancel --

var ledgerCancelCmd = &cobra.Command{
	Use:   "cancel <entry-id>",
	Short: "Cancel a pending or failed entry",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		st, err := requireStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		reason, _ := cmd.Flags().GetString("reason")
		e, err := st.Cancel(ctx, args[0], reason)
		if err != nil {
			return eris.Wrap(err, "ledger cancel")
		}
		return printJSON(os.Stdout, e)
	},
}

// -- ledger balance --

var ledgerBalanceCmd = &cobra.Command{
	Use:   "balance <owner-id>",
	Short: "Show an owner's settled balance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		st, err := requireStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		b, err := st.Balance(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "ledger balance")
		}
		return printJSON(os.Stdout, b)
	},
}

// -- ledger list --

var ledgerListCmd = &cobra.Command{
	Use:   "list",
	Short: "List ledger entries",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		st, err := requireStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		owner, _ := cmd.Flags().GetString("owner")
		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")

		entries, err := st.List(ctx, ledger.ListFilter{
			OwnerID: owner,
			Status:  model.EntryStatus(status),
			Limit:   limit,
		})
		if err != nil {
			return eris.Wrap(err, "ledger list")
		}
		if len(entries) == 0 {
			fmt.Fprintln(os.Stderr, "No entries found.")
			return nil
		}
		formatEntries(os.Stdout, entries)
		return nil
	},
}

// -- ledger stats --

var ledgerStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Summarize settlement health over a lookback window",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		st, err := requireStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		hours, _ := cmd.Flags().GetInt("hours")
		if hours <= 0 {
			hours = cfg.Monitoring.LookbackWindowHours
		}
		stale := time.Duration(cfg.Monitoring.StalePendingMins) * time.Minute
		snap, err := monitoring.NewCollector(st, stale).Collect(ctx, hours)
		if err != nil {
			return eris.Wrap(err, "ledger stats")
		}
		return printJSON(os.Stdout, snap)
	},
}

func formatEntries(out io.Writer, entries []model.Entry) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tOWNER\tREFERENCE\tSTATUS\tSETTLED\tCREATED")
	for _, e := range entries {
		settled := "-"
		if e.Status == model.EntryCompleted {
			settled = e.SettledAmount.StringFixed(2) + " " + e.Currency
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			e.ID, e.OwnerID, e.Reference, e.Status, settled,
			e.CreatedAt.Format(time.RFC3339),
		)
	}
	_ = w.Flush()
}

func init() {
	ledgerCancelCmd.Flags().String("reason", "", "why the entry is cancelled")
	ledgerListCmd.Flags().String("owner", "", "filter by owner id")
	ledgerListCmd.Flags().String("status", "", "filter by status (pending, completed, failed, cancelled)")
	ledgerListCmd.Flags().Int("limit", 50, "maximum entries to show")

	ledgerStatsCmd.Flags().Int("hours", 0, "lookback window in hours (default from config)")

	ledgerCmd.AddCommand(ledgerGetCmd, ledgerCancelCmd, ledgerBalanceCmd, ledgerListCmd, ledgerStatsCmd)
	rootCmd.AddCommand(ledgerCmd)
}
