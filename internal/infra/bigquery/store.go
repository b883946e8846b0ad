package bigquery

import (
	"context"
	"fmt"

	"cloud.google.com/go/bigquery"
	"github.com/dvloznov/finance-intel/internal/store"
	"google.golang.org/api/iterator"
)

const (
	transactionsTable   = "transactions"
	recurringTable      = "recurring_entities"
	rulesTable          = "categorization_rules"
	budgetsTable        = "budgets"
	rolloverEventsTable = "rollover_events"
)

// Store implements store.Store on BigQuery. It holds a shared client to avoid
// creating a new connection for each operation. Batch writes run as
// multi-statement transactions so a failure leaves no partial state.
type Store struct {
	client    *bigquery.Client
	projectID string
	datasetID string
}

// NewStore creates a Store with its own client.
func NewStore(ctx context.Context, projectID, datasetID string) (*Store, error) {
	client, err := bigquery.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("NewStore: creating client: %w", err)
	}
	return NewStoreWithClient(client, projectID, datasetID), nil
}

// NewStoreWithClient creates a Store on an existing client. Close closes it.
func NewStoreWithClient(client *bigquery.Client, projectID, datasetID string) *Store {
	return &Store{client: client, projectID: projectID, datasetID: datasetID}
}

// Close closes the BigQuery client connection.
func (s *Store) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

// table returns the fully qualified, quoted table name.
func (s *Store) table(name string) string {
	return tableRef(s.projectID, s.datasetID, name)
}

func tableRef(projectID, datasetID, name string) string {
	return "`" + projectID + "." + datasetID + "." + name + "`"
}

// exec runs a statement or script and waits for it. It returns the number of
// rows touched by DML when BigQuery reports it.
func (s *Store) exec(ctx context.Context, sql string, params []bigquery.QueryParameter) (int64, error) {
	q := s.client.Query(sql)
	q.Parameters = params

	job, err := q.Run(ctx)
	if err != nil {
		return 0, fmt.Errorf("run query: %w", err)
	}

	status, err := job.Wait(ctx)
	if err != nil {
		return 0, fmt.Errorf("wait for job: %w", err)
	}

	if err := status.Err(); err != nil {
		return 0, fmt.Errorf("job error: %w", err)
	}

	if status.Statistics != nil {
		if qs, ok := status.Statistics.Details.(*bigquery.QueryStatistics); ok {
			return qs.NumDMLAffectedRows, nil
		}
	}
	return 0, nil
}

// readAll runs a query and decodes every row into T.
func readAll[T any](ctx context.Context, client *bigquery.Client, sql string, params []bigquery.QueryParameter) ([]*T, error) {
	q := client.Query(sql)
	q.Parameters = params

	it, err := q.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("query read: %w", err)
	}

	var rows []*T
	for {
		var r T
		err := it.Next(&r)
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("iter next: %w", err)
		}
		rows = append(rows, &r)
	}
	return rows, nil
}

// transaction wraps statements in one BigQuery multi-statement transaction.
func transaction(statements ...string) string {
	sql := "BEGIN TRANSACTION;\n"
	for _, st := range statements {
		sql += st + ";\n"
	}
	return sql + "COMMIT TRANSACTION;"
}

var (
	_ store.Store             = (*Store)(nil)
	_ store.TransactionWriter = (*Store)(nil)
)
