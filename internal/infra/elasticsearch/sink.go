// Package elasticsearch mirrors derived recurring and budget state into
// Elasticsearch for dashboards and search. It is never read back.
package elasticsearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dvloznov/finance-intel/internal/domain"
	"github.com/dvloznov/finance-intel/internal/logger"
	"github.com/dvloznov/finance-intel/internal/pipeline"
	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esutil"
)

const (
	recurringSuffix = "recurring"
	budgetsSuffix   = "budgets"

	defaultPrefix = "finance-intel"
	esFlush       = 1 << 20
)

const recurringMapping = `{
  "mappings": {
    "properties": {
      "user_id":         {"type": "keyword"},
      "merchant_key":    {"type": "keyword"},
      "merchant_name":   {"type": "text", "fields": {"raw": {"type": "keyword"}}},
      "cadence":         {"type": "keyword"},
      "last_amount":     {"type": "scaled_float", "scaling_factor": 100},
      "average_amount":  {"type": "scaled_float", "scaling_factor": 100},
      "next_due_date":   {"type": "date", "format": "yyyy-MM-dd"},
      "price_changed":   {"type": "boolean"},
      "is_subscription": {"type": "boolean"},
      "is_user_created": {"type": "boolean"},
      "indexed_at":      {"type": "date"}
    }
  }
}`

const budgetsMapping = `{
  "mappings": {
    "properties": {
      "user_id":          {"type": "keyword"},
      "category_id":      {"type": "keyword"},
      "period":           {"type": "keyword"},
      "limit":            {"type": "scaled_float", "scaling_factor": 100},
      "spent":            {"type": "scaled_float", "scaling_factor": 100},
      "rollover_balance": {"type": "scaled_float", "scaling_factor": 100},
      "effective_limit":  {"type": "scaled_float", "scaling_factor": 100},
      "remaining":        {"type": "scaled_float", "scaling_factor": 100},
      "status":           {"type": "keyword"},
      "closed":           {"type": "boolean"},
      "updated_at":       {"type": "date"}
    }
  }
}`

// Config configures a Sink.
type Config struct {
	Addresses   []string
	IndexPrefix string
}

// Sink indexes recurring entities and budgets. It implements pipeline.Sink.
type Sink struct {
	client *elasticsearch.Client
	prefix string
	clock  func() time.Time
}

// NewSink builds a client that retries overloaded responses with
// exponential backoff.
func NewSink(cfg Config) (*Sink, error) {
	retryBackoff := backoff.NewExponentialBackOff()

	es, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: cfg.Addresses,

		RetryOnStatus: []int{502, 503, 504, 429},
		RetryBackoff: func(i int) time.Duration {
			if i == 1 {
				retryBackoff.Reset()
			}
			return retryBackoff.NextBackOff()
		},
		MaxRetries: 5,
	})
	if err != nil {
		return nil, fmt.Errorf("NewSink: creating client: %w", err)
	}

	prefix := strings.TrimSuffix(cfg.IndexPrefix, "-")
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &Sink{client: es, prefix: prefix, clock: time.Now}, nil
}

// RecurringIndex is the index holding recurring entities.
func (s *Sink) RecurringIndex() string { return s.prefix + "-" + recurringSuffix }

// BudgetsIndex is the index holding budgets.
func (s *Sink) BudgetsIndex() string { return s.prefix + "-" + budgetsSuffix }

// EnsureIndices creates both indices with their mappings. Existing indices
// are left alone.
func (s *Sink) EnsureIndices(ctx context.Context) error {
	for index, mapping := range map[string]string{
		s.RecurringIndex(): recurringMapping,
		s.BudgetsIndex():   budgetsMapping,
	} {
		res, err := s.client.Indices.Create(index,
			s.client.Indices.Create.WithContext(ctx),
			s.client.Indices.Create.WithBody(strings.NewReader(mapping)),
		)
		if err != nil {
			return fmt.Errorf("EnsureIndices: creating %s: %w", index, err)
		}
		body, _ := io.ReadAll(res.Body)
		res.Body.Close()

		if res.IsError() && !strings.Contains(string(body), "resource_already_exists_exception") {
			return fmt.Errorf("EnsureIndices: creating %s: %s", index, res.Status())
		}
	}
	return nil
}

// IndexRecurring replaces the user's indexed entities with entities.
func (s *Sink) IndexRecurring(ctx context.Context, userID string, entities []*domain.RecurringEntity) error {
	if err := s.deleteUser(ctx, s.RecurringIndex(), userID); err != nil {
		return fmt.Errorf("IndexRecurring: %w", err)
	}

	now := s.clock().UTC()
	items := make([]item, 0, len(entities))
	for _, e := range entities {
		data, err := json.Marshal(newRecurringDocument(e, now))
		if err != nil {
			return fmt.Errorf("IndexRecurring: encoding %s: %w", e.ID, err)
		}
		items = append(items, item{id: e.ID, body: data})
	}

	if err := s.bulkIndex(ctx, s.RecurringIndex(), items); err != nil {
		return fmt.Errorf("IndexRecurring: %w", err)
	}
	return nil
}

// IndexBudgets upserts budgets by id.
func (s *Sink) IndexBudgets(ctx context.Context, budgets []*domain.Budget) error {
	items := make([]item, 0, len(budgets))
	for _, b := range budgets {
		data, err := json.Marshal(newBudgetDocument(b))
		if err != nil {
			return fmt.Errorf("IndexBudgets: encoding %s: %w", b.ID, err)
		}
		items = append(items, item{id: b.ID, body: data})
	}

	if err := s.bulkIndex(ctx, s.BudgetsIndex(), items); err != nil {
		return fmt.Errorf("IndexBudgets: %w", err)
	}
	return nil
}

type item struct {
	id   string
	body []byte
}

func (s *Sink) bulkIndex(ctx context.Context, index string, items []item) error {
	if len(items) == 0 {
		return nil
	}
	log := logger.FromContext(ctx)

	bi, err := esutil.NewBulkIndexer(esutil.BulkIndexerConfig{
		Index:         index,
		Client:        s.client,
		NumWorkers:    2,
		FlushBytes:    esFlush,
		FlushInterval: 10 * time.Second,
	})
	if err != nil {
		return fmt.Errorf("creating bulk indexer: %w", err)
	}

	for _, it := range items {
		err := bi.Add(ctx, esutil.BulkIndexerItem{
			Action:     "index",
			DocumentID: it.id,
			Body:       bytes.NewReader(it.body),
			OnFailure: func(ctx context.Context, item esutil.BulkIndexerItem, res esutil.BulkIndexerResponseItem, err error) {
				if err != nil {
					log.Error().Err(err).Str("index", index).Str("doc_id", item.DocumentID).Msg("Failed to index document")
				} else {
					log.Error().Str("index", index).Str("doc_id", item.DocumentID).
						Str("error_type", res.Error.Type).Str("reason", res.Error.Reason).Msg("Failed to index document")
				}
			},
		})
		if err != nil {
			_ = bi.Close(ctx)
			return fmt.Errorf("adding %s: %w", it.id, err)
		}
	}

	if err := bi.Close(ctx); err != nil {
		return fmt.Errorf("flushing: %w", err)
	}

	stats := bi.Stats()
	if stats.NumFailed > 0 {
		return fmt.Errorf("failed indexing %d of %d docs into %s", stats.NumFailed, len(items), index)
	}
	log.Debug().Str("index", index).Uint64("indexed", stats.NumFlushed).Msg("Indexed documents")
	return nil
}

func (s *Sink) deleteUser(ctx context.Context, index, userID string) error {
	query, err := json.Marshal(map[string]any{
		"query": map[string]any{"term": map[string]any{"user_id": userID}},
	})
	if err != nil {
		return err
	}

	res, err := s.client.DeleteByQuery([]string{index}, bytes.NewReader(query),
		s.client.DeleteByQuery.WithContext(ctx),
		s.client.DeleteByQuery.WithConflicts("proceed"),
		s.client.DeleteByQuery.WithRefresh(true),
	)
	if err != nil {
		return fmt.Errorf("deleting stale documents: %w", err)
	}
	defer res.Body.Close()

	// A missing index has nothing stale in it.
	if res.IsError() && res.StatusCode != http.StatusNotFound {
		return fmt.Errorf("deleting stale documents: %s", res.Status())
	}
	return nil
}

var _ pipeline.Sink = (*Sink)(nil)
