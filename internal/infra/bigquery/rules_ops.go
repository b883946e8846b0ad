package bigquery

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/bigquery"
	"github.com/dvloznov/finance-intel/internal/domain"
	"github.com/dvloznov/finance-intel/internal/store"
)

const ruleColumns = `
			rule_id,
			user_id,
			name,
			priority,
			match_type,
			match_value,
			category_id,
			action_tags,
			apply_scope,
			enabled,
			last_applied_ts,
			last_applied_count,
			created_ts`

// ListRules implements store.RuleStore. Ties in priority keep creation order.
func (s *Store) ListRules(ctx context.Context, userID string) ([]*domain.CategorizationRule, error) {
	rows, err := readAll[RuleRow](ctx, s.client, `
		SELECT`+ruleColumns+`
		FROM `+s.table(rulesTable)+`
		WHERE user_id = @user_id
		ORDER BY priority, created_ts, rule_id
	`, []bigquery.QueryParameter{{Name: "user_id", Value: userID}})
	if err != nil {
		return nil, fmt.Errorf("ListRules: %w", err)
	}

	out := make([]*domain.CategorizationRule, 0, len(rows))
	for _, r := range rows {
		out = append(out, toRule(r))
	}
	return out, nil
}

// GetRule implements store.RuleStore.
func (s *Store) GetRule(ctx context.Context, userID, ruleID string) (*domain.CategorizationRule, error) {
	rows, err := readAll[RuleRow](ctx, s.client, `
		SELECT`+ruleColumns+`
		FROM `+s.table(rulesTable)+`
		WHERE user_id = @user_id AND rule_id = @rule_id
		LIMIT 1
	`, []bigquery.QueryParameter{
		{Name: "user_id", Value: userID},
		{Name: "rule_id", Value: ruleID},
	})
	if err != nil {
		return nil, fmt.Errorf("GetRule: %w", err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("GetRule: rule %s: %w", ruleID, store.ErrNotFound)
	}
	return toRule(rows[0]), nil
}

func saveRulesQuery(table string) string {
	return `
		MERGE ` + table + ` t
		USING UNNEST(@rules) r
		ON t.rule_id = r.rule_id AND t.user_id = r.user_id
		WHEN MATCHED THEN UPDATE SET
			name = r.name,
			priority = r.priority,
			match_type = r.match_type,
			match_value = r.match_value,
			category_id = r.category_id,
			action_tags = r.action_tags,
			apply_scope = r.apply_scope,
			enabled = r.enabled,
			last_applied_ts = r.last_applied_ts,
			last_applied_count = r.last_applied_count
		WHEN NOT MATCHED THEN INSERT (` + ruleColumns + `
		) VALUES (
			r.rule_id, r.user_id, r.name, r.priority, r.match_type, r.match_value,
			r.category_id, r.action_tags, r.apply_scope, r.enabled,
			r.last_applied_ts, r.last_applied_count, r.created_ts
		)`
}

// SaveRules implements store.RuleStore with a single MERGE.
func (s *Store) SaveRules(ctx context.Context, rules []*domain.CategorizationRule) error {
	if len(rules) == 0 {
		return nil
	}

	rows := make([]*RuleRow, 0, len(rules))
	for _, r := range rules {
		if r.ID == "" || r.UserID == "" {
			return fmt.Errorf("SaveRules: rule id and user id are required")
		}
		rows = append(rows, fromRule(r))
	}

	if _, err := s.exec(ctx, saveRulesQuery(s.table(rulesTable)), []bigquery.QueryParameter{
		{Name: "rules", Value: rows},
	}); err != nil {
		return fmt.Errorf("SaveRules: %w", err)
	}
	return nil
}

// MarkRuleApplied implements store.RuleStore.
func (s *Store) MarkRuleApplied(ctx context.Context, userID, ruleID string, appliedAt time.Time, count int) error {
	affected, err := s.exec(ctx, `
		UPDATE `+s.table(rulesTable)+`
		SET last_applied_ts = @applied_at, last_applied_count = @count
		WHERE user_id = @user_id AND rule_id = @rule_id
	`, []bigquery.QueryParameter{
		{Name: "applied_at", Value: appliedAt.UTC()},
		{Name: "count", Value: int64(count)},
		{Name: "user_id", Value: userID},
		{Name: "rule_id", Value: ruleID},
	})
	if err != nil {
		return fmt.Errorf("MarkRuleApplied: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("MarkRuleApplied: rule %s: %w", ruleID, store.ErrNotFound)
	}
	return nil
}
