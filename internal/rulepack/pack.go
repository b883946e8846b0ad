package rulepack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/dvloznov/finance-intel/internal/domain"
)

// FormatVersion is the only pack version understood.
const FormatVersion = 1

// Pack is the portable form of a user's rules. Ids, owners and apply
// history are not part of it.
type Pack struct {
	Version int        `json:"version"`
	Rules   []PackRule `json:"rules"`
}

// PackRule is one rule. Missing priority defaults to domain.DefaultRulePriority
// and missing enabled to true.
type PackRule struct {
	Name       string   `json:"name,omitempty"`
	Priority   *int     `json:"priority,omitempty"`
	MatchType  string   `json:"match_type"`
	MatchValue string   `json:"match_value"`
	CategoryID string   `json:"category_id"`
	Tags       []string `json:"tags,omitempty"`
	ApplyScope string   `json:"apply_scope,omitempty"`
	Enabled    *bool    `json:"enabled,omitempty"`
}

// Decode parses a pack. Unknown fields are rejected so typos surface.
func Decode(data []byte) ([]*domain.CategorizationRule, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var p Pack
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("Decode: parsing rule pack: %w", err)
	}
	if p.Version != FormatVersion {
		return nil, fmt.Errorf("Decode: unsupported rule pack version %d", p.Version)
	}

	out := make([]*domain.CategorizationRule, 0, len(p.Rules))
	for _, r := range p.Rules {
		rule := &domain.CategorizationRule{
			Name:       r.Name,
			Priority:   domain.DefaultRulePriority,
			MatchType:  domain.MatchType(r.MatchType),
			MatchValue: r.MatchValue,
			CategoryID: r.CategoryID,
			ActionTags: append([]string(nil), r.Tags...),
			ApplyScope: domain.ApplyScope(r.ApplyScope),
			Enabled:    true,
		}
		if r.Priority != nil {
			rule.Priority = *r.Priority
		}
		if r.Enabled != nil {
			rule.Enabled = *r.Enabled
		}
		out = append(out, rule)
	}
	return out, nil
}

// Encode renders rules as an indented pack, keeping their order.
func Encode(rules []*domain.CategorizationRule) ([]byte, error) {
	p := Pack{Version: FormatVersion, Rules: make([]PackRule, 0, len(rules))}
	for _, r := range rules {
		priority := r.Priority
		enabled := r.Enabled
		p.Rules = append(p.Rules, PackRule{
			Name:       r.Name,
			Priority:   &priority,
			MatchType:  string(r.MatchType),
			MatchValue: r.MatchValue,
			CategoryID: r.CategoryID,
			Tags:       append([]string(nil), r.ActionTags...),
			ApplyScope: string(r.ApplyScope),
			Enabled:    &enabled,
		})
	}

	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("Encode: %w", err)
	}
	return append(data, '\n'), nil
}

// Load fetches and decodes the pack at uri.
func Load(ctx context.Context, src Source, uri string) ([]*domain.CategorizationRule, error) {
	data, err := src.Fetch(ctx, uri)
	if err != nil {
		return nil, fmt.Errorf("Load: %w", err)
	}
	rules, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("Load: %s: %w", uri, err)
	}
	return rules, nil
}

// Save encodes rules and writes them to uri.
func Save(ctx context.Context, src Source, uri string, rules []*domain.CategorizationRule) error {
	data, err := Encode(rules)
	if err != nil {
		return fmt.Errorf("Save: %w", err)
	}
	if err := src.Put(ctx, uri, data); err != nil {
		return fmt.Errorf("Save: %w", err)
	}
	return nil
}
