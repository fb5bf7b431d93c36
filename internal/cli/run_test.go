package cli

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/paybench/internal/merchant"
	"github.com/roach88/paybench/internal/mockgw"
	"github.com/roach88/paybench/internal/sink"
)

// startGateway serves a mock gateway for a table written with its URL and
// returns the table path.
func startGateway(t *testing.T, cfg mockgw.Config) (tablePath string, gw *mockgw.Gateway) {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gw.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)

	tablePath = writeTable(t, srv.URL)
	table, err := merchant.LoadTable(tablePath, merchant.LoadOptions{})
	require.NoError(t, err)
	cfg.Table = table
	gw = mockgw.New(cfg)
	return tablePath, gw
}

func writeScenario(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "scenario.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

const smokeScenario = `
name: cli-smoke
currency: INR
count: 6
concurrency: 3
chunk_delay: 1ms
attempts: 3
base_delay: 1ms
amount: {min: 10, max: 20}
seed: 3
`

func TestRunCommand(t *testing.T) {
	table, gw := startGateway(t, mockgw.Config{})
	sc := writeScenario(t, smokeScenario)

	stdout, _, err := execute(t, "", "-m", table, "run", sc)
	require.NoError(t, err)

	assert.Contains(t, stdout, "(cli-smoke) completed")
	assert.Contains(t, stdout, "INR deposit")
	assert.Regexp(t, `succeeded\s+6 \(100\.0%\)`, stdout)
	assert.NotContains(t, stdout, "top errors")
	assert.Equal(t, int64(6), gw.Stats().Accepted)
}

func TestRunCommandJSON(t *testing.T) {
	table, _ := startGateway(t, mockgw.Config{})
	sc := writeScenario(t, smokeScenario)

	stdout, _, err := execute(t, "", "-m", table, "--format", "json", "run", "--count", "4", sc)
	require.NoError(t, err)

	var resp struct {
		Status string   `json:"status"`
		Data   sink.Run `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(stdout), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "cli-smoke", resp.Data.Scenario)
	assert.Equal(t, 4, resp.Data.Total)
	assert.Equal(t, 4, resp.Data.Succeeded)
	assert.Empty(t, resp.Data.Outcomes, "summaries carry no outcomes")
}

func TestRunCommandRetriesInjectedFailures(t *testing.T) {
	table, gw := startGateway(t, mockgw.Config{FailEvery: 4})
	sc := writeScenario(t, smokeScenario)

	stdout, _, err := execute(t, "", "-m", table, "run", sc)
	require.NoError(t, err)
	assert.Regexp(t, `failed\s+0`, stdout)
	assert.Positive(t, gw.Stats().Injected)
}

func TestRunCommandReportsFailures(t *testing.T) {
	// Every request fails and the retries run out.
	table, _ := startGateway(t, mockgw.Config{FailEvery: 1})
	sc := writeScenario(t, smokeScenario)

	stdout, _, err := execute(t, "", "-m", table, "run", sc)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.True(t, Reported(err))
	assert.Contains(t, err.Error(), "6 of 6 requests failed")

	assert.Contains(t, stdout, "top errors:")
	assert.Contains(t, stdout, "injected failure")
}

func TestRunCommandRecordsHistory(t *testing.T) {
	table, _ := startGateway(t, mockgw.Config{})
	sc := writeScenario(t, smokeScenario)
	db := filepath.Join(t.TempDir(), "paybench.db")

	_, _, err := execute(t, "", "-m", table, "run", "--db", db, sc)
	require.NoError(t, err)
	_, _, err = execute(t, "", "-m", table, "run", "--db", db, "--count", "2", sc)
	require.NoError(t, err)

	stdout, _, err := execute(t, "", "--format", "json", "history", "--db", db)
	require.NoError(t, err)

	var list struct {
		Data []sink.Run `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(stdout), &list))
	require.Len(t, list.Data, 2)
	assert.Equal(t, 2, list.Data[0].Total, "newest first")
	assert.Equal(t, 6, list.Data[1].Total)

	stdout, _, err = execute(t, "", "history", "--db", db, list.Data[1].ID)
	require.NoError(t, err)
	assert.Contains(t, stdout, list.Data[1].ID)
	assert.Contains(t, stdout, "outcomes:")
	assert.Equal(t, 6, strings.Count(stdout, "success"))

	stdout, _, err = execute(t, "", "history", "--db", db, "--failed", list.Data[1].ID)
	require.NoError(t, err)
	assert.NotContains(t, stdout, "outcomes:")
}

func TestRunCommandErrors(t *testing.T) {
	table, gw := startGateway(t, mockgw.Config{})

	tests := []struct {
		name     string
		args     func(sc string) []string
		scenario string
		wantErr  string
	}{
		{
			name:     "unknown currency",
			args:     func(sc string) []string { return []string{"-m", table, "run", sc} },
			scenario: strings.Replace(smokeScenario, "currency: INR", "currency: EUR", 1),
			wantErr:  `unknown currency "EUR"`,
		},
		{
			name:     "unknown scenario field",
			args:     func(sc string) []string { return []string{"-m", table, "run", sc} },
			scenario: smokeScenario + "retries: 3\n",
			wantErr:  "failed to load scenario",
		},
		{
			name:     "no merchant table",
			args:     func(sc string) []string { return []string{"run", sc} },
			scenario: smokeScenario,
			wantErr:  "no merchant table",
		},
		{
			name:     "count override out of range",
			args:     func(sc string) []string { return []string{"-m", table, "run", "--count", "100001", sc} },
			scenario: smokeScenario,
			wantErr:  "must be between 1 and 100000",
		},
		{
			name:     "unreachable database directory",
			args:     func(sc string) []string { return []string{"-m", table, "run", "--db", "/nonexistent/dir/x.db", sc} },
			scenario: smokeScenario,
			wantErr:  "failed to open database",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, stderr, err := execute(t, "", tt.args(writeScenario(t, tt.scenario))...)
			require.Error(t, err)
			assert.Equal(t, ExitCommandError, GetExitCode(err))
			assert.Contains(t, stderr, tt.wantErr)
		})
	}
	assert.Zero(t, gw.Stats().Received, "nothing is sent when a run cannot start")
}

func TestHistoryErrors(t *testing.T) {
	db := filepath.Join(t.TempDir(), "paybench.db")

	_, stderr, err := execute(t, "", "history")
	require.Error(t, err)
	assert.Contains(t, stderr, "one of --db or --redis is required")

	_, stderr, err = execute(t, "", "history", "--db", db, "no-such-run")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, stderr, "run no-such-run not found")

	stdout, _, err := execute(t, "", "history", "--db", db)
	require.NoError(t, err)
	assert.Equal(t, "no runs recorded\n", stdout)

	stdout, _, err = execute(t, "", "--format", "json", "history", "--db", db)
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"ok","data":[]}`, stdout)
}

func TestMockGatewayCommandErrors(t *testing.T) {
	_, stderr, err := execute(t, "", "mock-gateway")
	require.Error(t, err)
	assert.Contains(t, stderr, "no merchant table")

	table := writeTable(t, "http://127.0.0.1:1")
	_, stderr, err = execute(t, "", "-m", table, "mock-gateway", "--fail-every=-1")
	require.Error(t, err)
	assert.Contains(t, stderr, "--fail-every must not be negative")
}
