package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newAccountsCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "accounts",
		Short: "Print the chart of accounts with balances",
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

			tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "CODE\tNAME\tTYPE\tNORMAL\tBALANCE")
			for _, a := range engine.Ledger.Chart().Accounts() {
				bal, err := engine.Ledger.AccountBalance(cmd.Context(), a.Code)
				if err != nil {
					return fmt.Errorf("balance of %s: %w", a.Code, err)
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", a.Code, a.Name, a.Type, a.NormalBalance, bal)
			}
			return tw.Flush()
		},
	}
}
