package bigquery

import (
	"context"
	"fmt"

	"cloud.google.com/go/bigquery"
	"github.com/dvloznov/finance-intel/internal/domain"
)

const recurringColumns = `
			recurring_id,
			user_id,
			merchant_key,
			merchant_name,
			cadence,
			last_amount,
			average_amount,
			next_due_date,
			price_changed,
			price_history,
			is_subscription,
			is_user_created`

// ListRecurring implements store.RecurringStore.
func (s *Store) ListRecurring(ctx context.Context, userID string) ([]*domain.RecurringEntity, error) {
	rows, err := readAll[RecurringEntityRow](ctx, s.client, `
		SELECT`+recurringColumns+`
		FROM `+s.table(recurringTable)+`
		WHERE user_id = @user_id
		ORDER BY merchant_key, recurring_id
	`, []bigquery.QueryParameter{{Name: "user_id", Value: userID}})
	if err != nil {
		return nil, fmt.Errorf("ListRecurring: %w", err)
	}

	out := make([]*domain.RecurringEntity, 0, len(rows))
	for _, r := range rows {
		out = append(out, toRecurring(r))
	}
	return out, nil
}

func replaceDetectedScript(table string, insert bool) string {
	statements := []string{`
		DELETE FROM ` + table + `
		WHERE user_id = @user_id AND NOT is_user_created`,
	}
	if insert {
		statements = append(statements, `
		INSERT INTO `+table+` (`+recurringColumns+`
		)
		SELECT`+recurringColumns+`
		FROM UNNEST(@entities)`)
	}
	return transaction(statements...)
}

// ReplaceDetected implements store.RecurringStore: delete and insert commit
// together or not at all.
func (s *Store) ReplaceDetected(ctx context.Context, userID string, entities []*domain.RecurringEntity) error {
	params := []bigquery.QueryParameter{{Name: "user_id", Value: userID}}

	if len(entities) > 0 {
		rows := make([]*RecurringEntityRow, 0, len(entities))
		for _, e := range entities {
			if e.UserID != userID {
				return fmt.Errorf("ReplaceDetected: entity %s belongs to user %s", e.ID, e.UserID)
			}
			rows = append(rows, fromRecurring(e))
		}
		params = append(params, bigquery.QueryParameter{Name: "entities", Value: rows})
	}

	if _, err := s.exec(ctx, replaceDetectedScript(s.table(recurringTable), len(entities) > 0), params); err != nil {
		return fmt.Errorf("ReplaceDetected: %w", err)
	}
	return nil
}
