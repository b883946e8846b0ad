package elasticsearch

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/dvloznov/finance-intel/internal/datecalc"
	"github.com/dvloznov/finance-intel/internal/domain"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeCluster answers the handful of endpoints the sink uses.
type fakeCluster struct {
	mu       sync.Mutex
	deletes  []string
	indexed  map[string][]string
	docs     map[string]json.RawMessage
	failBulk bool
	created  []string
}

func newFakeCluster() *fakeCluster {
	return &fakeCluster{indexed: map[string][]string{}, docs: map[string]json.RawMessage{}}
}

func (f *fakeCluster) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("X-Elastic-Product", "Elasticsearch")
	w.Header().Set("Content-Type", "application/json")

	f.mu.Lock()
	defer f.mu.Unlock()

	path := strings.Trim(r.URL.Path, "/")
	switch {
	case strings.HasSuffix(path, "/_delete_by_query"):
		var body struct {
			Query struct {
				Term map[string]string `json:"term"`
			} `json:"query"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.deletes = append(f.deletes, strings.TrimSuffix(path, "/_delete_by_query")+":"+body.Query.Term["user_id"])
		fmt.Fprint(w, `{"deleted":0,"failures":[]}`)

	case strings.HasSuffix(path, "/_bulk"):
		index := strings.TrimSuffix(path, "/_bulk")
		var items []string
		sc := bufio.NewScanner(r.Body)
		sc.Buffer(make([]byte, 1<<20), 1<<20)
		for sc.Scan() {
			line := strings.TrimSpace(sc.Text())
			if line == "" {
				continue
			}
			var action map[string]map[string]string
			if err := json.Unmarshal([]byte(line), &action); err != nil {
				continue
			}
			meta, ok := action["index"]
			if !ok {
				continue
			}
			if !sc.Scan() {
				break
			}
			id := meta["_id"]
			f.indexed[index] = append(f.indexed[index], id)
			f.docs[id] = json.RawMessage(append([]byte(nil), sc.Bytes()...))

			if f.failBulk {
				items = append(items, fmt.Sprintf(`{"index":{"_index":%q,"_id":%q,"status":400,"error":{"type":"mapper_parsing_exception","reason":"bad"}}}`, index, id))
			} else {
				items = append(items, fmt.Sprintf(`{"index":{"_index":%q,"_id":%q,"status":201}}`, index, id))
			}
		}
		fmt.Fprintf(w, `{"took":1,"errors":%t,"items":[%s]}`, f.failBulk, strings.Join(items, ","))

	case r.Method == http.MethodPut:
		if slices.Contains(f.created, path) {
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprint(w, `{"error":{"type":"resource_already_exists_exception"},"status":400}`)
			return
		}
		f.created = append(f.created, path)
		fmt.Fprintf(w, `{"acknowledged":true,"index":%q}`, path)

	default:
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{}`)
	}
}

func newTestSink(t *testing.T, cluster *fakeCluster) *Sink {
	t.Helper()
	srv := httptest.NewServer(cluster)
	t.Cleanup(srv.Close)

	s, err := NewSink(Config{Addresses: []string{srv.URL}, IndexPrefix: "test-"})
	require.NoError(t, err)
	s.clock = func() time.Time { return time.Date(2024, time.April, 1, 10, 0, 0, 0, time.UTC) }
	return s
}

func TestIndexNames(t *testing.T) {
	s, err := NewSink(Config{Addresses: []string{"http://localhost:9200"}})
	require.NoError(t, err)
	assert.Equal(t, "finance-intel-recurring", s.RecurringIndex())
	assert.Equal(t, "finance-intel-budgets", s.BudgetsIndex())

	s, err = NewSink(Config{Addresses: []string{"http://localhost:9200"}, IndexPrefix: "dev-"})
	require.NoError(t, err)
	assert.Equal(t, "dev-budgets", s.BudgetsIndex())
}

func TestNewBudgetDocument(t *testing.T) {
	b := &domain.Budget{
		ID:              "b1",
		UserID:          "u1",
		CategoryID:      "dining",
		Period:          datecalc.Period{Year: 2024, Month: time.April},
		Limit:           decimal.RequireFromString("200"),
		Spent:           decimal.RequireFromString("75.50"),
		RolloverBalance: decimal.RequireFromString("50"),
		Status:          domain.StatusOnTrack,
	}

	data, err := json.Marshal(newBudgetDocument(b))
	require.NoError(t, err)

	s := string(data)
	assert.Contains(t, s, `"period":"2024-04"`)
	assert.Contains(t, s, `"effective_limit":250`)
	assert.Contains(t, s, `"remaining":174.5`)
	assert.Contains(t, s, `"closed":false`)
}

func TestNewRecurringDocument(t *testing.T) {
	e := &domain.RecurringEntity{
		UserID:       "u1",
		MerchantKey:  "netflix",
		MerchantName: "Netflix",
		Cadence:      domain.CadenceMonthly,
		LastAmount:   decimal.RequireFromString("15.99"),
		NextDueDate:  civil.Date{Year: 2024, Month: time.May, Day: 1},
	}

	doc := newRecurringDocument(e, time.Time{})
	assert.Equal(t, json.Number("15.99"), doc.LastAmount)
	assert.Equal(t, json.Number("0"), doc.AverageAmount)
	assert.Equal(t, "2024-05-01", doc.NextDueDate)

	e.NextDueDate = civil.Date{}
	assert.Empty(t, newRecurringDocument(e, time.Time{}).NextDueDate)
}

func TestIndexRecurring_ReplacesUserDocuments(t *testing.T) {
	cluster := newFakeCluster()
	s := newTestSink(t, cluster)

	err := s.IndexRecurring(context.Background(), "u1", []*domain.RecurringEntity{
		{ID: "r1", UserID: "u1", MerchantKey: "netflix", Cadence: domain.CadenceMonthly, LastAmount: decimal.NewFromInt(10)},
		{ID: "r2", UserID: "u1", MerchantKey: "gym", Cadence: domain.CadenceMonthly, LastAmount: decimal.NewFromInt(40)},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"test-recurring:u1"}, cluster.deletes)
	assert.ElementsMatch(t, []string{"r1", "r2"}, cluster.indexed["test-recurring"])
	assert.Contains(t, string(cluster.docs["r1"]), `"indexed_at":"2024-04-01T10:00:00Z"`)
}

func TestIndexRecurring_EmptyOnlyDeletes(t *testing.T) {
	cluster := newFakeCluster()
	s := newTestSink(t, cluster)

	require.NoError(t, s.IndexRecurring(context.Background(), "u1", nil))
	assert.Len(t, cluster.deletes, 1)
	assert.Empty(t, cluster.indexed)
}

func TestIndexBudgets_ReportsFailures(t *testing.T) {
	cluster := newFakeCluster()
	cluster.failBulk = true
	s := newTestSink(t, cluster)

	err := s.IndexBudgets(context.Background(), []*domain.Budget{
		{ID: "b1", UserID: "u1", CategoryID: "dining", Period: datecalc.Period{Year: 2024, Month: time.March}},
	})
	assert.ErrorContains(t, err, "failed indexing 1 of 1 docs")
}

func TestIndexBudgets(t *testing.T) {
	cluster := newFakeCluster()
	s := newTestSink(t, cluster)

	err := s.IndexBudgets(context.Background(), []*domain.Budget{
		{ID: "b1", UserID: "u1", CategoryID: "dining", Period: datecalc.Period{Year: 2024, Month: time.March}},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"b1"}, cluster.indexed["test-budgets"])
}

func TestEnsureIndices_ToleratesExisting(t *testing.T) {
	cluster := newFakeCluster()
	s := newTestSink(t, cluster)

	require.NoError(t, s.EnsureIndices(context.Background()))
	require.NoError(t, s.EnsureIndices(context.Background()))
	assert.ElementsMatch(t, []string{"test-recurring", "test-budgets"}, cluster.created)
}
