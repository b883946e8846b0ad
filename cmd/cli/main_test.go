package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dvloznov/finance-intel/internal/datecalc"
	"github.com/dvloznov/finance-intel/internal/domain"
	"github.com/dvloznov/finance-intel/internal/store/inmemory"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	t     *testing.T
	dir   string
	state string
}

func newHarness(t *testing.T) *harness {
	dir := t.TempDir()
	return &harness{t: t, dir: dir, state: filepath.Join(dir, "state.json")}
}

// exec runs the CLI against the harness state and returns stdout.
func (h *harness) exec(args ...string) (string, error) {
	var stdout, stderr bytes.Buffer
	full := append([]string{"--state", h.state, "--backend", "memory", "--log-level", "error"}, args...)
	err := run(full, &stdout, &stderr)
	return stdout.String(), err
}

func (h *harness) mustExec(args ...string) string {
	h.t.Helper()
	out, err := h.exec(args...)
	require.NoError(h.t, err)
	return out
}

func (h *harness) writeJSON(name string, v any) string {
	h.t.Helper()
	data, err := json.Marshal(v)
	require.NoError(h.t, err)
	path := filepath.Join(h.dir, name)
	require.NoError(h.t, os.WriteFile(path, data, 0o600))
	return path
}

func seedSnapshot(today time.Time) inmemory.Snapshot {
	day := datecalc.Today(today)
	txn := func(id, desc, amount string, daysAgo int) *domain.Transaction {
		return &domain.Transaction{
			ID:             id,
			UserID:         "u1",
			AccountID:      "checking",
			Amount:         decimal.RequireFromString(amount),
			Date:           day.AddDays(-daysAgo),
			RawDescription: desc,
		}
	}
	return inmemory.Snapshot{
		Transactions: []*domain.Transaction{
			txn("n1", "SPIN STUDIO", "15.99", 21),
			txn("n2", "SPIN STUDIO", "15.99", 14),
			txn("n3", "SPIN STUDIO", "15.99", 7),
			txn("s1", "STARBUCKS #123", "4.50", 0),
		},
	}
}

func TestCLI_SeedAndRecurring(t *testing.T) {
	h := newHarness(t)
	snapshot := h.writeJSON("seed.json", seedSnapshot(time.Now().UTC()))

	out := h.mustExec("seed", snapshot)
	assert.Contains(t, out, `"transactions": 4`)

	out = h.mustExec("recurring", "--user", "u1")
	var res struct {
		Entities []domain.RecurringEntity `json:"entities"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	require.Len(t, res.Entities, 1)
	assert.Equal(t, "spin studio", res.Entities[0].MerchantKey)
	assert.Equal(t, domain.CadenceWeekly, res.Entities[0].Cadence)

	out = h.mustExec("upcoming", "-u", "u1", "--days", "3")
	var due []domain.RecurringEntity
	require.NoError(t, json.Unmarshal([]byte(out), &due))
	assert.Len(t, due, 1)
}

func TestCLI_RulesImportThenCategorize(t *testing.T) {
	h := newHarness(t)
	h.mustExec("seed", h.writeJSON("seed.json", seedSnapshot(time.Now().UTC())))

	pack := filepath.Join(h.dir, "pack.json")
	require.NoError(t, os.WriteFile(pack, []byte(`{"version":1,"rules":[
		{"match_type":"merchant","match_value":"starbucks","category_id":"coffee","apply_scope":"all_history"}
	]}`), 0o600))

	out := h.mustExec("rules", "import", "--user", "u1", "--from", pack)
	var imported []domain.CategorizationRule
	require.NoError(t, json.Unmarshal([]byte(out), &imported))
	require.Len(t, imported, 1)
	assert.Equal(t, domain.DefaultRulePriority, imported[0].Priority)

	out = h.mustExec("categorize", "--user", "u1", "--ids", "s1,n1")
	assert.Contains(t, out, `"matched": 1`)

	out = h.mustExec("apply-rule", "--user", "u1", "--rule", imported[0].ID)
	assert.Contains(t, out, `"matched": 1`)
	assert.Contains(t, out, `"changed": 0`)

	exported := filepath.Join(h.dir, "export.json")
	h.mustExec("rules", "export", "--user", "u1", "--to", exported)
	data, err := os.ReadFile(exported)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"match_value": "starbucks"`)
}

func TestCLI_Budgets(t *testing.T) {
	h := newHarness(t)
	now := time.Now().UTC()
	period := datecalc.PeriodOf(datecalc.Today(now))

	snap := seedSnapshot(now)
	snap.Transactions[3].CategoryID = "coffee"
	snap.Budgets = []*domain.Budget{{
		UserID:          "u1",
		CategoryID:      "coffee",
		Period:          period,
		Limit:           decimal.NewFromInt(20),
		RolloverEnabled: true,
		RolloverMode:    domain.RolloverCarryForward,
	}}
	h.mustExec("seed", h.writeJSON("seed.json", snap))

	out := h.mustExec("budgets", "recompute", "--user", "u1", "--period", period.String())
	var budgets []domain.Budget
	require.NoError(t, json.Unmarshal([]byte(out), &budgets))
	require.Len(t, budgets, 1)
	assert.True(t, budgets[0].Spent.Equal(decimal.RequireFromString("4.50")))

	out = h.mustExec("budgets", "close", "--user", "u1", "--period", period.String(), "--category", "coffee")
	assert.Contains(t, out, `"created_next": true`)

	_, err := h.exec("budgets", "close", "--user", "u1", "--period", period.String(), "--category", "coffee")
	assert.Error(t, err)
}

func TestCLI_Errors(t *testing.T) {
	h := newHarness(t)

	_, err := h.exec("recurring")
	assert.Error(t, err, "missing --user")

	_, err = h.exec("budgets", "recompute", "--user", "u1", "--period", "March")
	assert.Error(t, err)

	_, err = h.exec("rules", "import", "--user", "u1")
	assert.ErrorContains(t, err, "rulepack.bucket")

	var stdout, stderr bytes.Buffer
	err = run([]string{"--backend", "sqlite", "transfers", "--user", "u1"}, &stdout, &stderr)
	assert.Error(t, err)
}
