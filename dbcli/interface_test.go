package dbcli

import (
	"bytes"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	Init()
	os.Exit(m.Run())
}

func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	}
	cmd.PersistentFlags().VisitAll(reset)
	cmd.Flags().VisitAll(reset)
	for _, sub := range cmd.Commands() {
		resetFlags(sub)
	}
}

// run executes the CLI against root and returns what it printed.
func run(t *testing.T, root string, stdin string, args ...string) (string, error) {
	t.Helper()
	resetFlags(RootCmd)

	var out bytes.Buffer
	RootCmd.SetOut(&out)
	RootCmd.SetErr(&out)
	RootCmd.SetIn(strings.NewReader(stdin))
	RootCmd.SetArgs(append([]string{"--root", root, "--log-level", "error"}, args...))
	err := RootCmd.Execute()
	return out.String(), err
}

func mustRun(t *testing.T, root string, args ...string) string {
	t.Helper()
	out, err := run(t, root, "", args...)
	require.NoError(t, err, out)
	return out
}

func createDB(t *testing.T, root string) string {
	t.Helper()
	out := mustRun(t, root, "create-db")
	for _, line := range strings.Split(out, "\n") {
		if id, ok := strings.CutPrefix(line, "Database ID: "); ok {
			return id
		}
	}
	t.Fatalf("no database id in %q", out)
	return ""
}

func TestCollectionLifecycle(t *testing.T) {
	root := t.TempDir()
	dbID := createDB(t, root)

	assert.Equal(t, dbID+"\n", mustRun(t, root, "list-dbs"))

	mustRun(t, root, "create-collection", dbID, "users")
	assert.Equal(t, "users\n", mustRun(t, root, "list-collections", dbID))

	_, err := run(t, root, "", "create-collection", dbID, "users")
	assert.Error(t, err)

	out := mustRun(t, root, "insert", dbID, "users", "3", "1", "0x2", "1")
	assert.Equal(t, 3, strings.Count(out, "inserted"))
	assert.Equal(t, 1, strings.Count(out, "already present"))

	assert.Equal(t, "true\n", mustRun(t, root, "contains", dbID, "users", "2"))
	assert.Equal(t, "false\n", mustRun(t, root, "contains", dbID, "users", "4"))

	out = mustRun(t, root, "scan", dbID, "users")
	assert.Equal(t, []string{
		"00000000-0000-0000-0000-000000000001",
		"00000000-0000-0000-0000-000000000002",
		"00000000-0000-0000-0000-000000000003",
	}, strings.Fields(out))

	out = mustRun(t, root, "scan", dbID, "users", "--after", "1", "--limit", "1")
	assert.Equal(t, []string{"00000000-0000-0000-0000-000000000002"}, strings.Fields(out))

	out = mustRun(t, root, "delete", dbID, "users", "2", "9")
	assert.Contains(t, out, "deleted 00000000-0000-0000-0000-000000000002")
	assert.Contains(t, out, "not present 00000000-0000-0000-0000-000000000009")

	mustRun(t, root, "checkpoint", dbID, "users")
	out = mustRun(t, root, "stats", dbID, "users")
	assert.Contains(t, out, "ids:          2\n")
	assert.Contains(t, out, "wal bytes:    0\n")

	assert.Contains(t, mustRun(t, root, "check", dbID, "users"), "consistent")

	mustRun(t, root, "drop-collection", dbID, "users")
	assert.Equal(t, "", mustRun(t, root, "list-collections", dbID))
}

func TestBulkInsert(t *testing.T) {
	root := t.TempDir()
	dbID := createDB(t, root)
	mustRun(t, root, "create-collection", dbID, "bulk")

	var lines strings.Builder
	for i := 0; i < 1000; i++ {
		lines.WriteString(strconv.Itoa(i))
		lines.WriteString("\n")
	}
	path := filepath.Join(t.TempDir(), "ids.txt")
	require.NoError(t, os.WriteFile(path, []byte(lines.String()), 0644))

	out := mustRun(t, root, "bulk-insert", dbID, "bulk", path, "--workers", "8")
	assert.Equal(t, "Inserted 1000 of 1000 ids.\n", out)

	out, err := run(t, root, "5\n1000\n\n", "bulk-insert", dbID, "bulk", "-")
	require.NoError(t, err, out)
	assert.Equal(t, "Inserted 1 of 2 ids.\n", out)

	out = mustRun(t, root, "stats", dbID, "bulk")
	assert.Contains(t, out, "ids:          1001\n")

	_, err = run(t, root, "7\nnope\n", "bulk-insert", dbID, "bulk", "-")
	assert.Error(t, err)
}

func TestErrors(t *testing.T) {
	root := t.TempDir()

	_, err := run(t, root, "", "list-collections", "db_missing")
	assert.Error(t, err)

	dbID := createDB(t, root)
	_, err = run(t, root, "", "insert", dbID, "missing", "1")
	assert.Error(t, err)

	mustRun(t, root, "create-collection", dbID, "c")
	_, err = run(t, root, "", "insert", dbID, "c", "not-an-id")
	assert.Error(t, err)

	_, err = run(t, root, "", "contains", dbID, "c")
	assert.Error(t, err)

	_, err = run(t, root, "", "--log-level", "loud", "list-dbs")
	assert.Error(t, err)
}

func TestConfigFile(t *testing.T) {
	dir := t.TempDir()
	dataRoot := filepath.Join(dir, "data")
	path := filepath.Join(dir, "idset.yaml")
	require.NoError(t, os.WriteFile(path, []byte("storage:\n  root: "+dataRoot+"\n  no_sync: true\n"), 0644))

	resetFlags(RootCmd)
	var out bytes.Buffer
	RootCmd.SetOut(&out)
	RootCmd.SetErr(&out)
	RootCmd.SetArgs([]string{"--config", path, "--log-level", "error", "create-db"})
	require.NoError(t, RootCmd.Execute(), out.String())

	entries, err := os.ReadDir(dataRoot)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
	assert.Equal(t, dataRoot, cfg.Storage.Root)
	assert.True(t, cfg.Storage.NoSync)
}
