package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vnmchuo/tokenspy/internal/billing"
	"github.com/vnmchuo/tokenspy/internal/usage"
)

func env(t *testing.T, dbPath string) {
	t.Helper()
	t.Setenv("TOKENSPY_STORE", "sqlite")
	t.Setenv("TOKENSPY_DB", dbPath)
	t.Setenv("TOKENSPY_RATE_LIMIT_TPM", "0")
	t.Setenv("TOKENSPY_TRACK_GIT", "false")
	t.Setenv("TOKENSPY_WRITE_TIMEOUT", "5s")
	t.Setenv("LOG_LEVEL", "error")
	t.Setenv("GITHUB_ACTIONS", "")
	t.Setenv("GITHUB_STEP_SUMMARY", "")
}

func seed(t *testing.T, path string, records ...usage.Record) {
	t.Helper()
	store := billing.NewSQLiteStore(path)
	ctx := context.Background()
	require.NoError(t, store.Init(ctx))
	for _, rec := range records {
		require.NoError(t, store.Append(ctx, rec))
	}
}

func rec(unit, rev string, cost float64) usage.Record {
	r := usage.NewRecord(usage.NewScope(unit), "gpt-4o", usage.ProviderOpenAI, 100, 50, cost, 12)
	r.Revision = rev
	return r
}

func exec(args ...string) (int, string, string) {
	var stdout, stderr bytes.Buffer
	code := run(context.Background(), args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestRun_NoArgs(t *testing.T) {
	code, _, stderr := exec()
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr, "Usage:")
}

func TestRun_UnknownCommand(t *testing.T) {
	env(t, filepath.Join(t.TempDir(), "usage.db"))
	code, _, stderr := exec("explode")
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr, `unknown command "explode"`)
}

func TestHistory_MissingDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.db")
	env(t, path)

	code, _, stderr := exec("history")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "No database found at "+path)
}

func TestHistory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "usage.db")
	env(t, path)
	seed(t, path, rec("summarize", "", 0.5), rec("classify", "", 0.25), rec("embed", "", 0.125))

	code, stdout, _ := exec("history", "--limit", "2")
	require.Equal(t, 0, code)
	assert.NotContains(t, stdout, "summarize")
	assert.Contains(t, stdout, "classify")
	assert.Contains(t, stdout, "Total: 2 records | $0.3750 | 300 tokens")
}

func TestReport_TextAndHTML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "usage.db")
	env(t, path)
	seed(t, path, rec("summarize", "", 0.5))

	code, stdout, _ := exec("report", "--db", path)
	require.Equal(t, 0, code)
	assert.Contains(t, stdout, "summarize")

	out := filepath.Join(dir, "report.html")
	code, stdout, _ = exec("report", "--format", "html", "--output", out)
	require.Equal(t, 0, code)
	assert.Contains(t, stdout, "HTML report written to")
	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Contains(t, string(data), "summarize")

	code, _, _ = exec("report", "--format", "pdf")
	assert.Equal(t, 2, code)
}

func TestCompare_Databases(t *testing.T) {
	dir := t.TempDir()
	a, b := filepath.Join(dir, "a.db"), filepath.Join(dir, "b.db")
	env(t, a)
	seed(t, a, rec("summarize", "", 1))
	seed(t, b, rec("summarize", "", 1.5), rec("rerank", "", 0.1))

	code, stdout, _ := exec("compare", "--db", a, "--db", b)
	require.Equal(t, 0, code)
	assert.Contains(t, stdout, "+50.0%")
	assert.Contains(t, stdout, "new")
}

func TestCompare_Commits(t *testing.T) {
	path := filepath.Join(t.TempDir(), "usage.db")
	env(t, path)
	seed(t, path, rec("summarize", "abc1234", 1), rec("summarize", "def5678", 0.5))

	code, stdout, _ := exec("compare", "--commit", "abc1234", "--commit", "def5678")
	require.Equal(t, 0, code)
	assert.Contains(t, stdout, "▼")
	assert.Contains(t, stdout, "-50.0%")
}

func TestCompare_WrongArity(t *testing.T) {
	path := filepath.Join(t.TempDir(), "usage.db")
	env(t, path)

	code, _, stderr := exec("compare", "--db", path)
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "exactly two")

	code, _, _ = exec("compare", "--commit", "a", "--commit", "b", "--commit", "c")
	assert.Equal(t, 1, code)
}

func TestAnnotate(t *testing.T) {
	dir := t.TempDir()
	cur, base := filepath.Join(dir, "current.db"), filepath.Join(dir, "baseline.db")
	env(t, cur)
	seed(t, cur, rec("summarize", "", 2))
	seed(t, base, rec("summarize", "", 1))

	code, _, _ := exec("annotate")
	assert.Equal(t, 2, code)

	code, stdout, _ := exec("annotate", "--current", cur, "--baseline", base)
	require.Equal(t, 0, code)
	assert.Contains(t, stdout, "## tokenspy LLM Cost Report")
	assert.Contains(t, stdout, "▲100.0%")
	assert.NotContains(t, stdout, "::warning", "annotations only inside GitHub Actions")

	code, stdout, _ = exec("annotate", "--current", cur, "--baseline", filepath.Join(dir, "nope.db"))
	require.Equal(t, 0, code)
	assert.Contains(t, stdout, "| `summarize` | $2.0000 | new |")

	code, _, _ = exec("annotate", "--current", filepath.Join(dir, "nope.db"))
	assert.Equal(t, 1, code)
}
