package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/habitflow/xpengine/internal/daemon"
)

func init() {
	rootCmd.AddCommand(achievementsCmd)
	rootCmd.AddCommand(unlockCmd)

	achievementsCmd.Flags().Bool("secret", false, "Include locked secret achievements")
}

var achievementsCmd = &cobra.Command{
	Use:     "achievements",
	Aliases: []string{"ach"},
	Short:   "List achievements with progress",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		secret, _ := cmd.Flags().GetBool("secret")
		return withDaemon(cmd, func(d *daemon.Daemon) error {
			list, err := d.Engine().Achievements(cmd.Context(), secret)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if jsonOutput(cmd) {
				return printJSON(w, list)
			}
			tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "\tID\tNAME\tRARITY\tREWARD\tPROGRESS")
			for _, a := range list {
				mark := "·"
				if a.Unlocked() {
					mark = "✓"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%.0f%%\n", mark, a.ID, a.Name, a.Rarity, a.XPReward, a.Progress)
			}
			return tw.Flush()
		})
	},
}

var unlockCmd = &cobra.Command{
	Use:   "unlock ACHIEVEMENT_ID",
	Short: "Unlock an achievement regardless of its condition",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDaemon(cmd, func(d *daemon.Daemon) error {
			out, err := d.Engine().UnlockAchievement(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if jsonOutput(cmd) {
				return printJSON(w, out)
			}
			if out.AlreadyUnlocked {
				fmt.Fprintf(w, "%s was already unlocked.\n", out.Achievement.Name)
				return nil
			}
			fmt.Fprintf(w, "🏆 %s unlocked (+%d XP, total %d)\n", out.Achievement.Name, out.XPAwarded, out.TotalXP)
			return nil
		})
	},
}
