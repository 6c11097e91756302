package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/habitflow/xpengine/internal/daemon"
)

func init() {
	rootCmd.AddCommand(resetCmd)
	rootCmd.AddCommand(reconcileCmd)

	resetCmd.Flags().BoolP("yes", "y", false, "Confirm deleting all XP and achievement data")
}

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Delete all XP and achievement data",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if yes, _ := cmd.Flags().GetBool("yes"); !yes {
			return errors.New("refusing to reset without --yes")
		}
		return withDaemon(cmd, func(d *daemon.Daemon) error {
			if err := d.Engine().ClearAllData(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "All XP and achievement data cleared.")
			return nil
		})
	},
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Rebuild the stored total from the transaction log",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDaemon(cmd, func(d *daemon.Daemon) error {
			report, err := d.Engine().Reconcile(cmd.Context())
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if jsonOutput(cmd) {
				return printJSON(w, report)
			}
			status := "consistent"
			if report.Repaired() {
				status = "repaired"
			}
			fmt.Fprintf(w, "%s: %d transactions, sum %d, stored total %d\n",
				status, report.Transactions, report.TransactionSum, report.StoredTotal)
			return nil
		})
	},
}
