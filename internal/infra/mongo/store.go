package mongo

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/dvloznov/finance-intel/internal/datecalc"
	"github.com/dvloznov/finance-intel/internal/domain"
	"github.com/dvloznov/finance-intel/internal/store"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	TransactionsCollection   = "transactions"
	RecurringCollection      = "recurring_entities"
	RulesCollection          = "categorization_rules"
	BudgetsCollection        = "budgets"
	RolloverEventsCollection = "rollover_events"
)

// Store implements store.Store on MongoDB. Multi-document writes run inside
// a session transaction.
type Store struct {
	provider CollectionProvider
	closer   func() error
}

// NewStore creates a Store on provider.
func NewStore(provider CollectionProvider) *Store {
	return &Store{provider: provider}
}

// Open connects to uri and returns a Store on database that disconnects on Close.
func Open(ctx context.Context, uri, database string) (*Store, error) {
	client, err := ConnectToMongoDB(ctx, uri)
	if err != nil {
		return nil, fmt.Errorf("Open: %w", err)
	}
	provider := NewMongoProvider(client, database)
	s := NewStore(provider)
	s.closer = func() error { return provider.Disconnect(context.Background()) }
	return s, nil
}

// Close disconnects the client when the store owns it.
func (s *Store) Close() error {
	if s.closer != nil {
		return s.closer()
	}
	return nil
}

func transactionFilter(userID string, f store.TransactionFilter) bson.M {
	filter := bson.M{"user_id": userID}

	date := bson.M{}
	if !f.From.IsZero() {
		date["$gte"] = dateString(f.From)
	}
	if !f.To.IsZero() {
		date["$lte"] = dateString(f.To)
	}
	if len(date) > 0 {
		filter["date"] = date
	}
	if len(f.IDs) > 0 {
		filter["_id"] = bson.M{"$in": f.IDs}
	}
	if f.ExcludeTransfers {
		filter["is_transfer"] = bson.M{"$ne": true}
	}
	return filter
}

// ListTransactions implements store.TransactionStore.
func (s *Store) ListTransactions(ctx context.Context, userID string, filter store.TransactionFilter) ([]*domain.Transaction, error) {
	var docs []transactionDoc
	opts := options.Find().SetSort(bson.D{{Key: "date", Value: 1}, {Key: "_id", Value: 1}})
	if err := s.provider.Collection(TransactionsCollection).FindAll(ctx, transactionFilter(userID, filter), &docs, opts); err != nil {
		return nil, fmt.Errorf("ListTransactions: %w", err)
	}

	out := make([]*domain.Transaction, 0, len(docs))
	for i := range docs {
		t, err := docs[i].toDomain()
		if err != nil {
			return nil, fmt.Errorf("ListTransactions: %w", err)
		}
		out = append(out, t)
	}
	return out, nil
}

// InsertTransactions upserts transactions by id. Ingestion lives outside the
// engine; this seeds local databases.
func (s *Store) InsertTransactions(ctx context.Context, txns []*domain.Transaction) error {
	if len(txns) == 0 {
		return nil
	}

	var models []mongo.WriteModel
	for _, t := range txns {
		doc, err := fromTransaction(t)
		if err != nil {
			return fmt.Errorf("InsertTransactions: %w", err)
		}
		models = append(models, mongo.NewReplaceOneModel().SetFilter(bson.M{"_id": doc.ID}).SetReplacement(doc).SetUpsert(true))
	}

	if _, err := s.provider.Collection(TransactionsCollection).BulkWrite(ctx, models, options.BulkWrite().SetOrdered(false)); err != nil {
		return fmt.Errorf("InsertTransactions: %w", err)
	}
	return nil
}

// classificationSet renders an update as a $set/$unset document.
func classificationSet(u domain.ClassificationUpdate) bson.M {
	set := bson.M{}
	unset := bson.M{}

	if u.CategoryID != nil {
		if *u.CategoryID == "" {
			unset["category_id"] = ""
		} else {
			set["category_id"] = *u.CategoryID
		}
	}
	if u.IsTransfer != nil {
		set["is_transfer"] = *u.IsTransfer
	}
	if u.TransferMatchID != nil {
		if *u.TransferMatchID == "" {
			unset["transfer_match_id"] = ""
		} else {
			set["transfer_match_id"] = *u.TransferMatchID
		}
	}
	if u.IsHidden != nil {
		set["is_hidden"] = *u.IsHidden
	}
	if u.Tags != nil {
		if len(u.Tags) == 0 {
			unset["tags"] = ""
		} else {
			set["tags"] = append([]string(nil), u.Tags...)
		}
	}

	update := bson.M{}
	if len(set) > 0 {
		update["$set"] = set
	}
	if len(unset) > 0 {
		update["$unset"] = unset
	}
	return update
}

// UpdateClassifications implements store.TransactionStore. Every update must
// match a stored transaction or the transaction is aborted.
func (s *Store) UpdateClassifications(ctx context.Context, userID string, updates []domain.ClassificationUpdate) error {
	var models []mongo.WriteModel
	for _, u := range updates {
		if u.Empty() {
			continue
		}
		models = append(models, mongo.NewUpdateOneModel().
			SetFilter(bson.M{"_id": u.TransactionID, "user_id": userID}).
			SetUpdate(classificationSet(u)))
	}
	if len(models) == 0 {
		return nil
	}

	err := s.provider.WithTransaction(ctx, func(ctx context.Context) error {
		res, err := s.provider.Collection(TransactionsCollection).BulkWrite(ctx, models, options.BulkWrite().SetOrdered(true))
		if err != nil {
			return err
		}
		if res.MatchedCount != int64(len(models)) {
			return fmt.Errorf("%d of %d transactions: %w", int64(len(models))-res.MatchedCount, len(models), store.ErrNotFound)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("UpdateClassifications: %w", err)
	}
	return nil
}

// ListUserIDs implements store.TransactionStore.
func (s *Store) ListUserIDs(ctx context.Context) ([]string, error) {
	values, err := s.provider.Collection(TransactionsCollection).Distinct(ctx, "user_id", bson.M{})
	if err != nil {
		return nil, fmt.Errorf("ListUserIDs: %w", err)
	}

	ids := make([]string, 0, len(values))
	for _, v := range values {
		if id, ok := v.(string); ok && id != "" {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// ListRules implements store.RuleStore.
func (s *Store) ListRules(ctx context.Context, userID string) ([]*domain.CategorizationRule, error) {
	var docs []ruleDoc
	opts := options.Find().SetSort(bson.D{{Key: "priority", Value: 1}, {Key: "created_at", Value: 1}, {Key: "_id", Value: 1}})
	if err := s.provider.Collection(RulesCollection).FindAll(ctx, bson.M{"user_id": userID}, &docs, opts); err != nil {
		return nil, fmt.Errorf("ListRules: %w", err)
	}

	out := make([]*domain.CategorizationRule, 0, len(docs))
	for i := range docs {
		out = append(out, docs[i].toDomain())
	}
	return out, nil
}

// GetRule implements store.RuleStore.
func (s *Store) GetRule(ctx context.Context, userID, ruleID string) (*domain.CategorizationRule, error) {
	var doc ruleDoc
	err := s.provider.Collection(RulesCollection).FindOne(ctx, bson.M{"_id": ruleID, "user_id": userID}, &doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("GetRule: rule %s: %w", ruleID, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("GetRule: %w", err)
	}
	return doc.toDomain(), nil
}

// SaveRules implements store.RuleStore.
func (s *Store) SaveRules(ctx context.Context, rules []*domain.CategorizationRule) error {
	if len(rules) == 0 {
		return nil
	}

	var models []mongo.WriteModel
	for _, r := range rules {
		if r.ID == "" || r.UserID == "" {
			return fmt.Errorf("SaveRules: rule id and user id are required")
		}
		models = append(models, mongo.NewReplaceOneModel().SetFilter(bson.M{"_id": r.ID}).SetReplacement(fromRule(r)).SetUpsert(true))
	}

	err := s.provider.WithTransaction(ctx, func(ctx context.Context) error {
		_, err := s.provider.Collection(RulesCollection).BulkWrite(ctx, models)
		return err
	})
	if err != nil {
		return fmt.Errorf("SaveRules: %w", err)
	}
	return nil
}

// MarkRuleApplied implements store.RuleStore.
func (s *Store) MarkRuleApplied(ctx context.Context, userID, ruleID string, appliedAt time.Time, count int) error {
	res, err := s.provider.Collection(RulesCollection).UpdateOne(ctx,
		bson.M{"_id": ruleID, "user_id": userID},
		bson.M{"$set": bson.M{"last_applied_at": appliedAt.UTC(), "last_applied_count": count}},
	)
	if err != nil {
		return fmt.Errorf("MarkRuleApplied: %w", err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("MarkRuleApplied: rule %s: %w", ruleID, store.ErrNotFound)
	}
	return nil
}

// ListRecurring implements store.RecurringStore.
func (s *Store) ListRecurring(ctx context.Context, userID string) ([]*domain.RecurringEntity, error) {
	var docs []recurringDoc
	opts := options.Find().SetSort(bson.D{{Key: "merchant_key", Value: 1}, {Key: "_id", Value: 1}})
	if err := s.provider.Collection(RecurringCollection).FindAll(ctx, bson.M{"user_id": userID}, &docs, opts); err != nil {
		return nil, fmt.Errorf("ListRecurring: %w", err)
	}

	out := make([]*domain.RecurringEntity, 0, len(docs))
	for i := range docs {
		e, err := docs[i].toDomain()
		if err != nil {
			return nil, fmt.Errorf("ListRecurring: %w", err)
		}
		out = append(out, e)
	}
	return out, nil
}

// ReplaceDetected implements store.RecurringStore.
func (s *Store) ReplaceDetected(ctx context.Context, userID string, entities []*domain.RecurringEntity) error {
	var models []mongo.WriteModel
	for _, e := range entities {
		if e.UserID != userID {
			return fmt.Errorf("ReplaceDetected: entity %s belongs to user %s", e.ID, e.UserID)
		}
		doc, err := fromRecurring(e)
		if err != nil {
			return fmt.Errorf("ReplaceDetected: %w", err)
		}
		models = append(models, mongo.NewInsertOneModel().SetDocument(doc))
	}

	err := s.provider.WithTransaction(ctx, func(ctx context.Context) error {
		coll := s.provider.Collection(RecurringCollection)
		if _, err := coll.DeleteMany(ctx, bson.M{"user_id": userID, "is_user_created": false}); err != nil {
			return err
		}
		if len(models) == 0 {
			return nil
		}
		_, err := coll.BulkWrite(ctx, models)
		return err
	})
	if err != nil {
		return fmt.Errorf("ReplaceDetected: %w", err)
	}
	return nil
}

func budgetFilter(userID, categoryID string, period datecalc.Period) bson.M {
	filter := bson.M{
		"user_id":      userID,
		"period.year":  period.Year,
		"period.month": int(period.Month),
	}
	if categoryID != "" {
		filter["category_id"] = categoryID
	}
	return filter
}

// GetBudget implements store.BudgetStore.
func (s *Store) GetBudget(ctx context.Context, userID, categoryID string, period datecalc.Period) (*domain.Budget, error) {
	var doc budgetDoc
	err := s.provider.Collection(BudgetsCollection).FindOne(ctx, budgetFilter(userID, categoryID, period), &doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("GetBudget: %s %s: %w", categoryID, period, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("GetBudget: %w", err)
	}
	b, err := doc.toDomain()
	if err != nil {
		return nil, fmt.Errorf("GetBudget: %w", err)
	}
	return b, nil
}

// ListBudgets implements store.BudgetStore.
func (s *Store) ListBudgets(ctx context.Context, userID string, period datecalc.Period) ([]*domain.Budget, error) {
	var docs []budgetDoc
	opts := options.Find().SetSort(bson.D{{Key: "category_id", Value: 1}})
	if err := s.provider.Collection(BudgetsCollection).FindAll(ctx, budgetFilter(userID, "", period), &docs, opts); err != nil {
		return nil, fmt.Errorf("ListBudgets: %w", err)
	}

	out := make([]*domain.Budget, 0, len(docs))
	for i := range docs {
		b, err := docs[i].toDomain()
		if err != nil {
			return nil, fmt.Errorf("ListBudgets: %w", err)
		}
		out = append(out, b)
	}
	return out, nil
}

func budgetUpserts(budgets ...*domain.Budget) ([]mongo.WriteModel, error) {
	models := make([]mongo.WriteModel, 0, len(budgets))
	for _, b := range budgets {
		doc, err := fromBudget(b)
		if err != nil {
			return nil, err
		}
		models = append(models, mongo.NewReplaceOneModel().SetFilter(bson.M{"_id": doc.ID}).SetReplacement(doc).SetUpsert(true))
	}
	return models, nil
}

// SaveBudgets implements store.BudgetStore.
func (s *Store) SaveBudgets(ctx context.Context, budgets []*domain.Budget) error {
	if len(budgets) == 0 {
		return nil
	}
	models, err := budgetUpserts(budgets...)
	if err != nil {
		return fmt.Errorf("SaveBudgets: %w", err)
	}

	err = s.provider.WithTransaction(ctx, func(ctx context.Context) error {
		_, err := s.provider.Collection(BudgetsCollection).BulkWrite(ctx, models)
		return err
	})
	if err != nil {
		return fmt.Errorf("SaveBudgets: %w", err)
	}
	return nil
}

// CloseMonth implements store.BudgetStore.
func (s *Store) CloseMonth(ctx context.Context, closed, next *domain.Budget, event *domain.RolloverEvent) error {
	if closed == nil || next == nil || event == nil {
		return fmt.Errorf("CloseMonth: closed budget, next budget and event are required")
	}
	models, err := budgetUpserts(closed, next)
	if err != nil {
		return fmt.Errorf("CloseMonth: %w", err)
	}
	eventDoc, err := fromRolloverEvent(event)
	if err != nil {
		return fmt.Errorf("CloseMonth: %w", err)
	}

	err = s.provider.WithTransaction(ctx, func(ctx context.Context) error {
		budgets := s.provider.Collection(BudgetsCollection)

		var current budgetDoc
		err := budgets.FindOne(ctx, bson.M{"_id": closed.ID}, &current)
		switch {
		case errors.Is(err, mongo.ErrNoDocuments):
		case err != nil:
			return err
		case current.ClosedAt != nil:
			return fmt.Errorf("%s %s is already closed", closed.CategoryID, closed.Period)
		}

		if _, err := budgets.BulkWrite(ctx, models); err != nil {
			return err
		}
		_, err = s.provider.Collection(RolloverEventsCollection).InsertOne(ctx, eventDoc)
		return err
	})
	if err != nil {
		return fmt.Errorf("CloseMonth: %w", err)
	}
	return nil
}

// ListRolloverEvents implements store.BudgetStore, oldest first.
func (s *Store) ListRolloverEvents(ctx context.Context, userID, categoryID string) ([]*domain.RolloverEvent, error) {
	var docs []rolloverEventDoc
	opts := options.Find().SetSort(bson.D{{Key: "from.year", Value: 1}, {Key: "from.month", Value: 1}, {Key: "created_at", Value: 1}})
	filter := bson.M{"user_id": userID, "category_id": categoryID}
	if err := s.provider.Collection(RolloverEventsCollection).FindAll(ctx, filter, &docs, opts); err != nil {
		return nil, fmt.Errorf("ListRolloverEvents: %w", err)
	}

	out := make([]*domain.RolloverEvent, 0, len(docs))
	for i := range docs {
		e, err := docs[i].toDomain()
		if err != nil {
			return nil, fmt.Errorf("ListRolloverEvents: %w", err)
		}
		out = append(out, e)
	}
	return out, nil
}

var (
	_ store.Store             = (*Store)(nil)
	_ store.TransactionWriter = (*Store)(nil)
)
