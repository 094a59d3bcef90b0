package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/carbonmrv/pkg/contracts"
)

// sqlEnv points every backend at files under a temp dir so state survives
// across Run invocations.
func sqlEnv(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("REGISTRY_BACKEND", "sql")
	t.Setenv("LEDGER_BACKEND", "sql")
	t.Setenv("DB_DRIVER", "sqlite")
	t.Setenv("DATABASE_URL", filepath.Join(dir, "mrv.db"))
	t.Setenv("ARTIFACT_STORAGE_TYPE", "fs")
	t.Setenv("DATA_DIR", filepath.Join(dir, "artifacts"))
	t.Setenv("ANALYSIS_SERVICE_URL", "")
	t.Setenv("METHODOLOGY_PROFILE", "")
	t.Setenv("PUBLIC_GATEWAY_URL", "")
	t.Setenv("LOG_LEVEL", "ERROR")
	return dir
}

func workflowJSON(farmID string, cloud float64) string {
	doc := map[string]any{
		"farm": map[string]any{
			"farm_id":       farmID,
			"owner_address": "addr-A",
			"land_area":     12.5,
			"coordinates":   map[string]any{"latitude": -1.29, "longitude": 36.82},
			"crop_type":     "maize",
		},
		"observation": map[string]any{
			"image_ref":         "s2://T37MBU/2026-05-01",
			"captured_at":       time.Now().UTC().Add(-time.Hour).Format(time.RFC3339),
			"coordinates":       map[string]any{"latitude": -1.29, "longitude": 36.82},
			"resolution_meters": 10,
			"cloud_cover_pct":   cloud,
		},
	}
	b, _ := json.Marshal(doc)
	return string(b)
}

func run(t *testing.T, stdin string, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := Run(args, strings.NewReader(stdin), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestRun_WorkflowThenQueries(t *testing.T) {
	dir := sqlEnv(t)
	input := filepath.Join(dir, "f1.json")
	require.NoError(t, os.WriteFile(input, []byte(workflowJSON("F1", 10)), 0o600))

	code, out, errOut := run(t, "", "run", "--input", input)
	require.Equal(t, 0, code, errOut)
	var res contracts.WorkflowResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, contracts.StatusMinted, res.Status)
	assert.Equal(t, 40.5, res.CarbonCredits)

	code, out, errOut = run(t, "", "report", res.ReportID)
	require.Equal(t, 0, code, errOut)
	var rec contracts.VerificationRecord
	require.NoError(t, json.Unmarshal([]byte(out), &rec))
	assert.Equal(t, res.TxHash, rec.Ledger.TxHash)

	code, out, _ = run(t, "", "balance", "addr-A")
	require.Equal(t, 0, code)
	assert.Contains(t, out, `"balance": "40.500000"`)

	code, _, _ = run(t, "", "audit", res.ReportID)
	assert.Equal(t, 0, code)

	code, out, _ = run(t, "", "list", "--owner", "addr-A")
	require.Equal(t, 0, code)
	var recs []contracts.VerificationRecord
	require.NoError(t, json.Unmarshal([]byte(out), &recs))
	assert.Len(t, recs, 1)

	code, _, errOut = run(t, "", "transfer", "--from", "addr-A", "--to", "addr-B", "--amount", "0.5")
	require.Equal(t, 0, code, errOut)
	code, _, errOut = run(t, "", "retire", "--holder", "addr-B", "--amount", "0.5", "--reason", "scope 1")
	require.Equal(t, 0, code, errOut)
	_, out, _ = run(t, "", "balance", "addr-B")
	assert.Contains(t, out, `"balance": "0.000000"`)

	code, out, errOut = run(t, "", "journal", "--summary")
	require.Equal(t, 0, code, errOut)
	var journal struct {
		Entries int  `json:"entries"`
		Valid   bool `json:"valid"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &journal))
	assert.Equal(t, 3, journal.Entries)
	assert.True(t, journal.Valid)

	code, out, errOut = run(t, "", "document", res.ReportID)
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, `"storage_ref": "`+res.StorageRef+`"`)
	assert.Contains(t, out, `"public_url": "https://w3s.link/ipfs/`+res.StorageRef+`"`)
}

func TestRun_StdinPendingThenReject(t *testing.T) {
	sqlEnv(t)

	code, out, errOut := run(t, workflowJSON("F2", 95), "run", "--input", "-")
	require.Equal(t, 0, code, errOut)
	var res contracts.WorkflowResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	require.Equal(t, contracts.StatusPending, res.Status)

	code, _, errOut = run(t, "", "mint", res.ReportID)
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut, "not eligible")

	code, out, _ = run(t, "", "reject", res.ReportID, "--reason", "cloud cover")
	require.Equal(t, 0, code)
	assert.Contains(t, out, `"status": "REJECTED"`)
}

func TestRun_Batch(t *testing.T) {
	dir := sqlEnv(t)
	input := filepath.Join(dir, "season.json")
	doc := `{"items": [` + workflowJSON("F1", 10) + `,` + workflowJSON("F3", 20) + `]}`
	require.NoError(t, os.WriteFile(input, []byte(doc), 0o600))

	code, out, errOut := run(t, "", "run", "--batch", "--input", input)
	require.Equal(t, 0, code, errOut)
	assert.Equal(t, 2, strings.Count(out, `"report_id"`))
}

func TestRun_Errors(t *testing.T) {
	sqlEnv(t)

	code, _, _ := run(t, "", "audit", "missing")
	assert.Equal(t, 1, code)

	code, _, errOut := run(t, "", "report", "missing")
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut, "not found")

	code, _, _ = run(t, "", "list", "--status", "LOST")
	assert.Equal(t, 2, code)

	code, _, errOut = run(t, `{"farm": {}}`, "run", "--input", "-")
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut, "invalid")

	code, _, _ = run(t, "", "transfer", "--from", "a", "--to", "b", "--amount", "many")
	assert.Equal(t, 2, code)

	t.Setenv("REGISTRY_BACKEND", "etcd")
	code, _, errOut = run(t, "", "token")
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut, "unsupported registry backend")
}

func TestRun_ProfileFlag(t *testing.T) {
	dir := sqlEnv(t)
	profile := filepath.Join(dir, "strict.yaml")
	require.NoError(t, os.WriteFile(profile, []byte("name: strict\nconfidence_threshold: 0.99\nauto_reject: true\n"), 0o600))

	code, out, errOut := run(t, workflowJSON("F1", 10), "--profile", profile, "run", "--input", "-")
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, `"status": "REJECTED"`)
}

func TestServe_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	srv := &http.Server{Addr: "127.0.0.1:0", Handler: http.NotFoundHandler()}

	done := make(chan error, 1)
	go func() { done <- serve(ctx, srv) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not return after cancel")
	}
}
