package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/pharma-ledger/config"
	"github.com/warp/pharma-ledger/ledger"
)

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "pharmaledger", cmd.Use)
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	commands := []string{"serve", "verify", "rebuild", "append", "seed"}

	for _, cmdName := range commands {
		t.Run(cmdName, func(t *testing.T) {
			subCmd, _, err := cmd.Find([]string{cmdName})
			require.NoError(t, err, "Command %s should exist", cmdName)
			assert.Equal(t, cmdName, subCmd.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	verboseFlag := cmd.PersistentFlags().Lookup("verbose")
	require.NotNil(t, verboseFlag)
	assert.Equal(t, "v", verboseFlag.Shorthand)

	formatFlag := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, formatFlag)
	assert.Equal(t, "text", formatFlag.DefValue)

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag)
	assert.Equal(t, "c", configFlag.Shorthand)
}

func TestInvalidFormat(t *testing.T) {
	_, err := execute(t, "verify", "--db-driver", "memory", "--format", "yaml")

	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

// execute runs the root command with args and returns stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	cmd := NewRootCommand()
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return stdout.String(), err
}

func tempDB(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "pharma.db")
}

func TestSeedAppendVerify(t *testing.T) {
	// GIVEN: A seeded file database
	db := tempDB(t)
	out, err := execute(t, "seed", "--db", db)
	require.NoError(t, err)
	assert.Contains(t, out, "3 drugs")

	// WHEN: A movement is appended from another process invocation
	out, err = execute(t, "append", "--db", db, "--format", "json",
		"--drug", "drug-paracetamol-500", "--kind", "transfer", "--quantity", "40",
		"--from", "Main Warehouse", "--to", "Main Pharmacy", "--by", "tech-1")
	require.NoError(t, err)
	var receipt AppendResult
	require.NoError(t, json.Unmarshal([]byte(out), &receipt))
	assert.Equal(t, "BATCH001", receipt.BatchNumber)
	assert.NotEqual(t, ledger.Genesis, receipt.PreviousHash)

	// THEN: Every chain verifies
	out, err = execute(t, "verify", "--db", db, "--format", "json")
	require.NoError(t, err)
	var result VerifyResult
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	assert.True(t, result.IsValid)
	assert.Len(t, result.Reports, 3)

	out, err = execute(t, "verify", "BATCH001", "--db", db)
	require.NoError(t, err)
	assert.Contains(t, out, "BATCH001")
	assert.Contains(t, out, "ok")
}

func TestAppend_ValidationIsCommandError(t *testing.T) {
	db := tempDB(t)
	_, err := execute(t, "seed", "--db", db)
	require.NoError(t, err)

	_, err = execute(t, "append", "--db", db,
		"--drug", "drug-paracetamol-500", "--kind", "out", "--quantity=-5",
		"--from", "Main Warehouse", "--by", "tech-1")

	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.True(t, ledger.IsClientError(err))
}

func TestVerify_BrokenChainExitsWithFailure(t *testing.T) {
	// GIVEN: A seeded database whose BATCH002 entry was edited in place
	db := tempDB(t)
	_, err := execute(t, "seed", "--db", db)
	require.NoError(t, err)

	a, err := openApp(context.Background(), &RootOptions{DBDSN: db}, &bytes.Buffer{}, false)
	require.NoError(t, err)
	_, err = a.store.DB().Exec(`DROP TRIGGER ledger_entries_no_update`)
	require.NoError(t, err)
	_, err = a.store.DB().Exec(`UPDATE ledger_entries SET actor_ref = 'mallory' WHERE partition_key = 'BATCH002'`)
	require.NoError(t, err)
	require.NoError(t, a.Close())

	// WHEN: verify runs
	out, err := execute(t, "verify", "--db", db)

	// THEN: The broken batch is reported and the exit code is 1
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "BATCH002")
}

func TestRebuild(t *testing.T) {
	db := tempDB(t)
	_, err := execute(t, "seed", "--db", db)
	require.NoError(t, err)

	out, err := execute(t, "rebuild", "--db", db)
	require.NoError(t, err)
	assert.Contains(t, out, "Nothing to rebuild.")

	out, err = execute(t, "rebuild", "drug-amoxicillin-250", "--db", db, "--format", "json")
	require.NoError(t, err)
	var result RebuildResult
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	assert.Equal(t, []RebuiltItem{{DrugID: "drug-amoxicillin-250", Quantity: 8}}, result.Rebuilt)

	_, err = execute(t, "rebuild", "drug-missing", "--db", db)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestOpenApp_BadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pharma.yaml")
	require.NoError(t, os.WriteFile(path, []byte("db:\n  driver: oracle\n"), 0o600))

	_, err := openApp(context.Background(), &RootOptions{ConfigPath: path}, &bytes.Buffer{}, false)

	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, config.LogConfig{Level: "warn", Format: "json"}, false)
	logger.Info("hidden")
	logger.Warn("shown", "partition", "BATCH001")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"partition":"BATCH001"`)

	buf.Reset()
	logger = newLogger(&buf, config.LogConfig{Level: "warn", Format: "text"}, true)
	logger.Debug("verbose wins")
	assert.Contains(t, buf.String(), "verbose wins")
}
