package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/preiposip/fincore/finance"
)

func newVerifyCmd(flags *rootFlags) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Check the accounting equation and every liability mirror",
		Long: `Runs one integrity pass: assets must equal liabilities plus equity,
debits must equal credits, and each user's USER_WALLET_LIABILITY
sub-ledger must equal balance + locked + outstanding receivable.

Exits non-zero when any check fails.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := flags.load()
			if err != nil {
				return err
			}
			store, engine, err := openEngine(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer store.Close()

			rep, err := engine.VerifyIntegrity(cmd.Context())
			if err != nil {
				return fmt.Errorf("verify integrity: %w", err)
			}
			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				if err := enc.Encode(rep); err != nil {
					return err
				}
			} else {
				printReport(os.Stdout, rep)
			}
			if !rep.Healthy {
				return errors.New("integrity check failed")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the report as JSON")
	return cmd
}

func printReport(w io.Writer, rep finance.IntegrityReport) {
	eq := rep.Equation
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "\n=== Integrity ===")
	fmt.Fprintf(tw, "Assets:\t%s\n", eq.Assets)
	fmt.Fprintf(tw, "Liabilities + equity:\t%s\n", eq.LiabilitiesPlusEquity)
	fmt.Fprintf(tw, "Total debits:\t%s\n", eq.TotalDebits)
	fmt.Fprintf(tw, "Total credits:\t%s\n", eq.TotalCredits)
	fmt.Fprintf(tw, "Equation balanced:\t%t\n", eq.IsBalanced)
	fmt.Fprintf(tw, "Wallets checked:\t%d\n", rep.WalletsChecked)
	fmt.Fprintf(tw, "Mirror violations:\t%d\n", len(rep.Mirrors))
	fmt.Fprintf(tw, "Negative wallets:\t%d\n", len(rep.NegativeWallets))
	tw.Flush()

	for _, m := range rep.Mirrors {
		fmt.Fprintf(w, "  %s: liability %s, wallet %s + locked %s + receivable %s\n",
			m.UserID, m.Liability, m.Balance, m.Locked, m.Outstanding)
	}
	for _, u := range rep.NegativeWallets {
		fmt.Fprintf(w, "  negative balance: %s\n", u)
	}
	fmt.Fprintln(w)
}
