package bigquery

import (
	"context"
	"fmt"
	"sort"

	"cloud.google.com/go/bigquery"
	"github.com/dvloznov/finance-intel/internal/domain"
	"github.com/dvloznov/finance-intel/internal/store"
)

const transactionColumns = `
			transaction_id,
			user_id,
			account_id,
			amount,
			transaction_date,
			name,
			raw_description,
			is_pending,
			is_manual,
			category_id,
			is_transfer,
			transfer_match_id,
			is_hidden,
			review_status,
			tags`

// listTransactionsQuery builds the read for ListTransactions. Zero filter
// fields add no predicate.
func listTransactionsQuery(table, userID string, filter store.TransactionFilter) (string, []bigquery.QueryParameter) {
	sql := `
		SELECT` + transactionColumns + `
		FROM ` + table + `
		WHERE user_id = @user_id`
	params := []bigquery.QueryParameter{{Name: "user_id", Value: userID}}

	if !filter.From.IsZero() {
		sql += `
		  AND transaction_date >= @from_date`
		params = append(params, bigquery.QueryParameter{Name: "from_date", Value: filter.From})
	}
	if !filter.To.IsZero() {
		sql += `
		  AND transaction_date <= @to_date`
		params = append(params, bigquery.QueryParameter{Name: "to_date", Value: filter.To})
	}
	if len(filter.IDs) > 0 {
		sql += `
		  AND transaction_id IN UNNEST(@ids)`
		params = append(params, bigquery.QueryParameter{Name: "ids", Value: filter.IDs})
	}
	if filter.ExcludeTransfers {
		sql += `
		  AND NOT is_transfer`
	}

	sql += `
		ORDER BY transaction_date, transaction_id`
	return sql, params
}

// ListTransactions implements store.TransactionStore.
func (s *Store) ListTransactions(ctx context.Context, userID string, filter store.TransactionFilter) ([]*domain.Transaction, error) {
	return ListTransactionsWithClient(ctx, s.client, s.table(transactionsTable), userID, filter)
}

// ListTransactionsWithClient reads the user's transactions from table using the provided client.
func ListTransactionsWithClient(ctx context.Context, client *bigquery.Client, table, userID string, filter store.TransactionFilter) ([]*domain.Transaction, error) {
	sql, params := listTransactionsQuery(table, userID, filter)

	rows, err := readAll[TransactionRow](ctx, client, sql, params)
	if err != nil {
		return nil, fmt.Errorf("ListTransactions: %w", err)
	}

	out := make([]*domain.Transaction, 0, len(rows))
	for _, r := range rows {
		out = append(out, toTransaction(r))
	}
	return out, nil
}

// InsertTransactions inserts a batch of transactions through the streaming
// inserter. Ingestion lives outside the engine; this seeds local datasets.
func (s *Store) InsertTransactions(ctx context.Context, txns []*domain.Transaction) error {
	if len(txns) == 0 {
		return nil
	}

	rows := make([]*TransactionRow, 0, len(txns))
	for _, t := range txns {
		rows = append(rows, fromTransaction(t))
	}

	inserter := s.client.DatasetInProject(s.projectID, s.datasetID).Table(transactionsTable).Inserter()
	if err := inserter.Put(ctx, rows); err != nil {
		return fmt.Errorf("InsertTransactions: inserting rows: %w", err)
	}
	return nil
}

// classificationParam is one element of the @updates array parameter.
// The set_* flags mark which fields the update carries.
type classificationParam struct {
	TransactionID      string   `bigquery:"transaction_id"`
	SetCategory        bool     `bigquery:"set_category"`
	CategoryID         string   `bigquery:"category_id"`
	SetTransfer        bool     `bigquery:"set_transfer"`
	IsTransfer         bool     `bigquery:"is_transfer"`
	SetTransferMatchID bool     `bigquery:"set_transfer_match_id"`
	TransferMatchID    string   `bigquery:"transfer_match_id"`
	SetHidden          bool     `bigquery:"set_hidden"`
	IsHidden           bool     `bigquery:"is_hidden"`
	SetTags            bool     `bigquery:"set_tags"`
	Tags               []string `bigquery:"tags"`
}

func toClassificationParam(u domain.ClassificationUpdate) classificationParam {
	p := classificationParam{TransactionID: u.TransactionID, Tags: []string{}}
	if u.CategoryID != nil {
		p.SetCategory, p.CategoryID = true, *u.CategoryID
	}
	if u.IsTransfer != nil {
		p.SetTransfer, p.IsTransfer = true, *u.IsTransfer
	}
	if u.TransferMatchID != nil {
		p.SetTransferMatchID, p.TransferMatchID = true, *u.TransferMatchID
	}
	if u.IsHidden != nil {
		p.SetHidden, p.IsHidden = true, *u.IsHidden
	}
	if u.Tags != nil {
		p.SetTags, p.Tags = true, append([]string(nil), u.Tags...)
	}
	return p
}

// distinctIDs returns the sorted distinct transaction ids of updates.
func distinctIDs(updates []domain.ClassificationUpdate) []string {
	seen := make(map[string]struct{}, len(updates))
	ids := make([]string, 0, len(updates))
	for _, u := range updates {
		if _, ok := seen[u.TransactionID]; ok {
			continue
		}
		seen[u.TransactionID] = struct{}{}
		ids = append(ids, u.TransactionID)
	}
	sort.Strings(ids)
	return ids
}

func updateClassificationsScript(table string) string {
	return transaction(
		`ASSERT (
			SELECT COUNT(*) FROM `+table+`
			WHERE user_id = @user_id AND transaction_id IN UNNEST(@ids)
		) = @id_count AS 'unknown transaction id in classification batch'`,
		`UPDATE `+table+` t
		SET
			category_id = IF(u.set_category, NULLIF(u.category_id, ''), t.category_id),
			is_transfer = IF(u.set_transfer, u.is_transfer, t.is_transfer),
			transfer_match_id = IF(u.set_transfer_match_id, NULLIF(u.transfer_match_id, ''), t.transfer_match_id),
			is_hidden = IF(u.set_hidden, u.is_hidden, t.is_hidden),
			tags = IF(u.set_tags, u.tags, t.tags),
			updated_ts = CURRENT_TIMESTAMP()
		FROM UNNEST(@updates) u
		WHERE t.user_id = @user_id AND t.transaction_id = u.transaction_id`,
	)
}

// UpdateClassifications implements store.TransactionStore. The batch fails as a
// whole when any transaction id is unknown.
func (s *Store) UpdateClassifications(ctx context.Context, userID string, updates []domain.ClassificationUpdate) error {
	if len(updates) == 0 {
		return nil
	}

	// Later updates for the same id win, like applying them in order.
	merged := make(map[string]classificationParam, len(updates))
	for _, u := range updates {
		next := toClassificationParam(u)
		if prev, ok := merged[u.TransactionID]; ok {
			next = mergeParams(prev, next)
		}
		merged[u.TransactionID] = next
	}
	ids := distinctIDs(updates)
	params := make([]classificationParam, 0, len(ids))
	for _, id := range ids {
		params = append(params, merged[id])
	}

	_, err := s.exec(ctx, updateClassificationsScript(s.table(transactionsTable)), []bigquery.QueryParameter{
		{Name: "user_id", Value: userID},
		{Name: "ids", Value: ids},
		{Name: "id_count", Value: int64(len(ids))},
		{Name: "updates", Value: params},
	})
	if err != nil {
		return fmt.Errorf("UpdateClassifications: %w", err)
	}
	return nil
}

func mergeParams(prev, next classificationParam) classificationParam {
	if !next.SetCategory {
		next.SetCategory, next.CategoryID = prev.SetCategory, prev.CategoryID
	}
	if !next.SetTransfer {
		next.SetTransfer, next.IsTransfer = prev.SetTransfer, prev.IsTransfer
	}
	if !next.SetTransferMatchID {
		next.SetTransferMatchID, next.TransferMatchID = prev.SetTransferMatchID, prev.TransferMatchID
	}
	if !next.SetHidden {
		next.SetHidden, next.IsHidden = prev.SetHidden, prev.IsHidden
	}
	if !next.SetTags {
		next.SetTags, next.Tags = prev.SetTags, prev.Tags
	}
	return next
}

// ListUserIDs implements store.TransactionStore.
func (s *Store) ListUserIDs(ctx context.Context) ([]string, error) {
	type userRow struct {
		UserID string `bigquery:"user_id"`
	}

	rows, err := readAll[userRow](ctx, s.client, `
		SELECT DISTINCT user_id
		FROM `+s.table(transactionsTable)+`
		ORDER BY user_id
	`, nil)
	if err != nil {
		return nil, fmt.Errorf("ListUserIDs: %w", err)
	}

	ids := make([]string, 0, len(rows))
	for _, r := range rows {
		ids = append(ids, r.UserID)
	}
	return ids, nil
}
