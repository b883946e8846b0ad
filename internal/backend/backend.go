// Package backend wires configuration into a store, a sink and an engine.
package backend

import (
	"context"
	"fmt"

	"github.com/dvloznov/finance-intel/internal/config"
	"github.com/dvloznov/finance-intel/internal/infra/bigquery"
	"github.com/dvloznov/finance-intel/internal/infra/elasticsearch"
	"github.com/dvloznov/finance-intel/internal/infra/mongo"
	"github.com/dvloznov/finance-intel/internal/logger"
	"github.com/dvloznov/finance-intel/internal/pipeline"
	"github.com/dvloznov/finance-intel/internal/store"
	"github.com/dvloznov/finance-intel/internal/store/inmemory"
	"github.com/dvloznov/finance-intel/internal/transfers"
)

// Store is a store.Store that can also take seed transactions.
type Store interface {
	store.Store
	store.TransactionWriter
}

// fileStore persists an in-memory store to a JSON snapshot on Close.
type fileStore struct {
	*inmemory.Store
	path string
}

func (s *fileStore) Close() error {
	if err := s.Store.SaveFile(s.path); err != nil {
		return fmt.Errorf("Close: saving state: %w", err)
	}
	return nil
}

// OpenStore returns the backend named by cfg.Storage.Backend. For the
// memory backend statePath, when set, is loaded now and rewritten on Close.
func OpenStore(ctx context.Context, cfg *config.Config, statePath string) (Store, error) {
	log := logger.FromContext(ctx)

	switch cfg.Storage.Backend {
	case config.BackendMemory:
		mem := inmemory.NewStore()
		if statePath == "" {
			log.Debug().Msg("Using in-memory store without persistence")
			return mem, nil
		}
		if err := mem.LoadFile(statePath); err != nil {
			return nil, fmt.Errorf("OpenStore: %w", err)
		}
		log.Debug().Str("state", statePath).Msg("Using file-backed in-memory store")
		return &fileStore{Store: mem, path: statePath}, nil

	case config.BackendBigQuery:
		st, err := bigquery.NewStore(ctx, cfg.BigQuery.ProjectID, cfg.BigQuery.DatasetID)
		if err != nil {
			return nil, fmt.Errorf("OpenStore: %w", err)
		}
		log.Debug().Str("project", cfg.BigQuery.ProjectID).Str("dataset", cfg.BigQuery.DatasetID).Msg("Using BigQuery store")
		return st, nil

	case config.BackendMongo:
		st, err := mongo.Open(ctx, cfg.Mongo.URI, cfg.Mongo.Database)
		if err != nil {
			return nil, fmt.Errorf("OpenStore: %w", err)
		}
		log.Debug().Str("database", cfg.Mongo.Database).Msg("Using MongoDB store")
		return st, nil

	default:
		return nil, fmt.Errorf("OpenStore: unknown backend %q", cfg.Storage.Backend)
	}
}

// OpenSink returns the Elasticsearch sink when enabled, otherwise a no-op.
func OpenSink(ctx context.Context, cfg *config.Config) (pipeline.Sink, error) {
	if !cfg.Elasticsearch.Enabled {
		return pipeline.NopSink{}, nil
	}

	sink, err := elasticsearch.NewSink(elasticsearch.Config{
		Addresses:   cfg.Elasticsearch.Addresses,
		IndexPrefix: cfg.Elasticsearch.IndexPrefix,
	})
	if err != nil {
		return nil, fmt.Errorf("OpenSink: %w", err)
	}
	if err := sink.EnsureIndices(ctx); err != nil {
		return nil, fmt.Errorf("OpenSink: %w", err)
	}
	return sink, nil
}

// NewEngine builds an engine over st honouring cfg.
func NewEngine(cfg *config.Config, st store.Store, sink pipeline.Sink) *pipeline.Engine {
	return pipeline.NewEngine(st, pipeline.EngineConfig{
		Sink: sink,
		Transfers: transfers.Options{
			RequireDistinctAccounts: cfg.Transfers.RequireDistinctAccounts,
		},
	})
}

var (
	_ Store = (*fileStore)(nil)
	_ Store = (*inmemory.Store)(nil)
	_ Store = (*bigquery.Store)(nil)
	_ Store = (*mongo.Store)(nil)
)
