package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// execute runs the root command against a fresh data directory per test.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	resetFlags(rootCmd)
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(io.Discard)
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(testContext(t))
	return out.String(), err
}

// resetFlags restores defaults; cobra keeps flag values between executions.
func resetFlags(c *cobra.Command) {
	reset := func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	}
	c.Flags().VisitAll(reset)
	c.PersistentFlags().VisitAll(reset)
	for _, sub := range c.Commands() {
		resetFlags(sub)
	}
}

func useTempHome(t *testing.T) {
	t.Helper()
	t.Setenv("XPENGINE_HOME", t.TempDir())
}

func TestCLI_AddThenTotal(t *testing.T) {
	useTempHome(t)

	out, err := execute(t, "add", "10", "--source", "journal", "-d", "evening entry", "--json")
	require.NoError(t, err)

	var res struct {
		Success  bool  `json:"success"`
		XPGained int64 `json:"xp_gained"`
		TotalXP  int64 `json:"total_xp"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.True(t, res.Success)
	assert.Equal(t, int64(10), res.XPGained)
	assert.GreaterOrEqual(t, res.TotalXP, int64(10))

	out, err = execute(t, "total", "--json")
	require.NoError(t, err)
	var total struct {
		TotalXP int64 `json:"total_xp"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &total))
	assert.Equal(t, res.TotalXP, total.TotalXP)
}

func TestCLI_AddRejectsBadInput(t *testing.T) {
	useTempHome(t)

	_, err := execute(t, "add", "ten")
	assert.Error(t, err)

	_, err = execute(t, "add", "-5")
	assert.Error(t, err)

	_, err = execute(t, "add", "5", "--source", "sleep")
	assert.Error(t, err)
}

func TestCLI_SubtractClampsAtZero(t *testing.T) {
	useTempHome(t)

	_, err := execute(t, "reset", "--yes")
	require.NoError(t, err)

	out, err := execute(t, "subtract", "50", "--json")
	require.NoError(t, err)
	assert.Contains(t, out, `"total_xp": 0`)
}

func TestCLI_TransactionsAndStats(t *testing.T) {
	useTempHome(t)

	_, err := execute(t, "add", "7")
	require.NoError(t, err)

	out, err := execute(t, "transactions", "--json", "--limit", "0")
	require.NoError(t, err)
	var txs []map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(out), &txs))
	assert.NotEmpty(t, txs)

	out, err = execute(t, "stats")
	require.NoError(t, err)
	assert.Contains(t, out, "Total XP")
	assert.Contains(t, out, "habit streak")
}

func TestCLI_AchievementsAndUnlock(t *testing.T) {
	useTempHome(t)

	out, err := execute(t, "achievements")
	require.NoError(t, err)
	assert.Contains(t, out, "first_steps")
	assert.NotContains(t, out, "night_owl")

	out, err = execute(t, "achievements", "--secret")
	require.NoError(t, err)
	assert.Contains(t, out, "night_owl")

	out, err = execute(t, "unlock", "night_owl")
	require.NoError(t, err)
	assert.Contains(t, out, "unlocked")

	out, err = execute(t, "unlock", "night_owl")
	require.NoError(t, err)
	assert.Contains(t, out, "already unlocked")

	_, err = execute(t, "unlock", "no_such_thing")
	assert.Error(t, err)
}

func TestCLI_ResetRequiresYes(t *testing.T) {
	useTempHome(t)

	_, err := execute(t, "reset")
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "--yes"))
}

func TestCLI_Reconcile(t *testing.T) {
	useTempHome(t)

	out, err := execute(t, "reconcile")
	require.NoError(t, err)
	assert.Contains(t, out, "consistent")
}

func TestCLI_ConfigPrintsTOML(t *testing.T) {
	useTempHome(t)

	out, err := execute(t, "config")
	require.NoError(t, err)
	assert.Contains(t, out, "[storage]")
	assert.Contains(t, out, "[reconcile]")
}

// testContext stands in for testing.T.Context (Go 1.24+): a context that is
// cancelled when the test finishes.
func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}
