package cli

import (
	"fmt"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/habitflow/xpengine/internal/daemon"
	"github.com/habitflow/xpengine/internal/domain"
)

func init() {
	rootCmd.AddCommand(addCmd)
	rootCmd.AddCommand(subtractCmd)
	rootCmd.AddCommand(totalCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(transactionsCmd)

	for _, c := range []*cobra.Command{addCmd, subtractCmd} {
		c.Flags().String("source-id", "", "ID of the habit, entry or goal")
		c.Flags().StringP("description", "d", "", "Free-text description")
		c.Flags().Float64("multiplier", 0, "Scale the amount (0 or 1 leaves it unchanged)")
		c.Flags().StringToString("meta", nil, "Metadata key=value pairs")
	}
	addCmd.Flags().StringP("source", "s", string(domain.SourceHabit), "Activity source: habit, journal, goal")
	addCmd.Flags().Float64("value", 0, "Observed measurement, e.g. entry length")
	subtractCmd.Flags().StringP("source", "s", string(domain.SourceAdjustment), "Source recorded on the reversal")

	transactionsCmd.Flags().IntP("limit", "n", 20, "Show at most N most recent transactions (0 = all)")
}

// ─── add / subtract ─────────────────────────────────────────────────────────

var addCmd = &cobra.Command{
	Use:   "add AMOUNT",
	Short: "Credit XP for an activity",
	Args:  cobra.ExactArgs(1),
	RunE:  runAdd,
}

var subtractCmd = &cobra.Command{
	Use:   "subtract AMOUNT",
	Short: "Reverse XP; the total never drops below zero",
	Args:  cobra.ExactArgs(1),
	RunE:  runSubtract,
}

func runAdd(cmd *cobra.Command, args []string) error {
	amount, opts, err := parseXPArgs(cmd, args)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("value") {
		v, _ := cmd.Flags().GetFloat64("value")
		opts.Value = &v
	}
	return withDaemon(cmd, func(d *daemon.Daemon) error {
		res, err := d.Engine().AddXP(cmd.Context(), amount, opts)
		if err != nil {
			return err
		}
		return printXPResult(cmd, res)
	})
}

func runSubtract(cmd *cobra.Command, args []string) error {
	amount, opts, err := parseXPArgs(cmd, args)
	if err != nil {
		return err
	}
	return withDaemon(cmd, func(d *daemon.Daemon) error {
		res, err := d.Engine().SubtractXP(cmd.Context(), amount, opts)
		if err != nil {
			return err
		}
		return printXPResult(cmd, res)
	})
}

func parseXPArgs(cmd *cobra.Command, args []string) (int64, domain.AddOptions, error) {
	amount, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return 0, domain.AddOptions{}, fmt.Errorf("invalid amount %q: %w", args[0], err)
	}
	source, _ := cmd.Flags().GetString("source")
	sourceID, _ := cmd.Flags().GetString("source-id")
	desc, _ := cmd.Flags().GetString("description")
	mult, _ := cmd.Flags().GetFloat64("multiplier")
	meta, _ := cmd.Flags().GetStringToString("meta")
	return amount, domain.AddOptions{
		Source:      domain.Source(source),
		SourceID:    sourceID,
		Description: desc,
		Multiplier:  mult,
		Metadata:    meta,
	}, nil
}

func printXPResult(cmd *cobra.Command, res domain.XPResult) error {
	w := cmd.OutOrStdout()
	if jsonOutput(cmd) {
		return printJSON(w, res)
	}
	fmt.Fprintf(w, "%+d XP (%s) → total %s XP\n",
		res.XPGained, res.Transaction.Source, humanize.Comma(res.TotalXP))
	if res.LeveledUp {
		fmt.Fprintf(w, "🎉 Level up! %d → %d\n", res.PreviousLevel, res.NewLevel)
	}
	for _, u := range res.AchievementsUnlocked {
		fmt.Fprintf(w, "🏆 %s unlocked (+%d XP)\n", u.Achievement.Name, u.XPAwarded)
	}
	return nil
}

// ─── total / stats ──────────────────────────────────────────────────────────

var totalCmd = &cobra.Command{
	Use:   "total",
	Short: "Show total XP and level",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDaemon(cmd, func(d *daemon.Daemon) error {
			total, err := d.Engine().TotalXP(cmd.Context())
			if err != nil {
				return err
			}
			info, err := d.Engine().Level(cmd.Context())
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if jsonOutput(cmd) {
				return printJSON(w, map[string]interface{}{"total_xp": total, "level": info})
			}
			fmt.Fprintf(w, "%s XP · level %d (%.2f%%, %s XP to next)\n",
				humanize.Comma(total), info.Level, info.ProgressPercent, humanize.Comma(info.XPToNextLevel))
			return nil
		})
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show the gamification dashboard",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDaemon(cmd, func(d *daemon.Daemon) error {
			st, err := d.Engine().Stats(cmd.Context())
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if jsonOutput(cmd) {
				return printJSON(w, st)
			}
			tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
			fmt.Fprintf(tw, "Total XP\t%s\n", humanize.Comma(st.TotalXP))
			fmt.Fprintf(tw, "Level\t%d (%.2f%%)\n", st.CurrentLevel, st.Progress.ProgressPercent)
			fmt.Fprintf(tw, "Achievements\t%d / %d\n", st.AchievementsUnlocked, st.TotalAchievements)
			fmt.Fprintf(tw, "Transactions\t%d\n", st.TransactionCount)
			for _, src := range []domain.Source{domain.SourceHabit, domain.SourceJournal, domain.SourceGoal} {
				fmt.Fprintf(tw, "%s streak\t%d\n", src, st.Streaks[src])
			}
			last := "never"
			if !st.LastActivity.IsZero() {
				last = humanize.Time(st.LastActivity)
			}
			fmt.Fprintf(tw, "Last activity\t%s\n", last)
			return tw.Flush()
		})
	},
}

// ─── transactions ───────────────────────────────────────────────────────────

var transactionsCmd = &cobra.Command{
	Use:   "transactions",
	Short: "List recent XP transactions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		return withDaemon(cmd, func(d *daemon.Daemon) error {
			txs, err := d.Engine().Transactions(cmd.Context())
			if err != nil {
				return err
			}
			if limit > 0 && len(txs) > limit {
				txs = txs[len(txs)-limit:]
			}
			w := cmd.OutOrStdout()
			if jsonOutput(cmd) {
				return printJSON(w, txs)
			}
			if len(txs) == 0 {
				fmt.Fprintln(w, "No transactions yet.")
				return nil
			}
			tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "WHEN\tAMOUNT\tSOURCE\tDESCRIPTION")
			for _, tx := range txs {
				fmt.Fprintf(tw, "%s\t%+d\t%s\t%s\n",
					humanize.RelTime(tx.Timestamp, time.Now(), "ago", "from now"),
					tx.Amount, tx.Source, tx.Description)
			}
			return tw.Flush()
		})
	},
}
