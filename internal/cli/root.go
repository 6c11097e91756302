// Package cli implements the xpengine command line.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/habitflow/xpengine/internal/daemon"
)

var rootCmd = &cobra.Command{
	Use:   "xpengine",
	Short: "Gamification XP engine",
	Long: `xpengine keeps an XP ledger, derives levels, and unlocks achievements
for habit, journal and goal activity. Run 'xpengine serve' for the HTTP API,
or use the subcommands to work on the local store directly.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "Config file (default $XPENGINE_HOME/config.toml)")
	rootCmd.PersistentFlags().Bool("json", false, "Print JSON instead of text")
}

// Execute runs the root command.
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

// ─── Helpers ────────────────────────────────────────────────────────────────

func loadConfig(cmd *cobra.Command) (daemon.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	return daemon.Load(path)
}

// openDaemon starts an engine on the configured store for a one-shot
// command. Logs go to stderr at warn so they never mix with command output.
func openDaemon(cmd *cobra.Command) (*daemon.Daemon, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	logCfg := cfg.Log
	logCfg.Level = "warn"
	logger := daemon.NewLogger(logCfg, cmd.ErrOrStderr())
	return daemon.New(cmd.Context(), cfg, logger)
}

// withDaemon opens a daemon, runs fn, and closes it.
func withDaemon(cmd *cobra.Command, fn func(d *daemon.Daemon) error) error {
	d, err := openDaemon(cmd)
	if err != nil {
		return err
	}
	runErr := fn(d)
	if err := d.Close(); err != nil && runErr == nil {
		runErr = fmt.Errorf("close store: %w", err)
	}
	return runErr
}

func jsonOutput(cmd *cobra.Command) bool {
	v, _ := cmd.Flags().GetBool("json")
	return v
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
