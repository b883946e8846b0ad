// Package transfers pairs mirrored transactions that move money between a
// user's own accounts.
package transfers

import (
	"context"

	"cloud.google.com/go/civil"
	"github.com/dvloznov/finance-intel/internal/datecalc"
	"github.com/dvloznov/finance-intel/internal/domain"
	"github.com/dvloznov/finance-intel/internal/logger"
	"github.com/dvloznov/finance-intel/internal/money"
)

const (
	// WindowDays bounds the candidate set, which keeps the pair scan small.
	WindowDays = 30
	// MaxGapDays is the largest date distance between the two legs of a pair.
	MaxGapDays = 3
	// Confidence is recorded on every pair found by amount and date alone.
	Confidence = 0.9
)

// Options tunes matching.
type Options struct {
	// RequireDistinctAccounts rejects pairs whose legs share an account.
	RequireDistinctAccounts bool
}

// Result is the outcome of one matching pass.
type Result struct {
	Matches []domain.TransferMatch
	// Updates flag both legs of every pair, two entries per match.
	Updates    []domain.ClassificationUpdate
	Candidates int
	Skipped    int
}

// WindowStart is the first date inside the matching window ending today.
func WindowStart(today civil.Date) civil.Date {
	return today.AddDays(-WindowDays)
}

// Match scans every unordered pair of candidates in input order and pairs
// the first partner found for each transaction. A matched transaction is
// not considered again, so the outcome depends on input order; callers pass
// transactions ordered by date then id.
//
// Candidates are valid transactions inside the window that are not already
// flagged as transfers, so rerunning over annotated data finds nothing new
// for them.
func Match(ctx context.Context, txns []*domain.Transaction, today civil.Date, opts Options) Result {
	log := logger.FromContext(ctx)
	from := WindowStart(today)

	var res Result
	candidates := make([]*domain.Transaction, 0, len(txns))
	for _, t := range txns {
		if err := t.Validate(); err != nil {
			log.Warn().Err(err).Str("transaction_id", t.ID).Msg("Skipping transaction in transfer matching")
			res.Skipped++
			continue
		}
		if t.IsTransfer || t.Date.Before(from) {
			continue
		}
		candidates = append(candidates, t)
	}
	res.Candidates = len(candidates)

	matched := make([]bool, len(candidates))
	for i := 0; i < len(candidates); i++ {
		if matched[i] {
			continue
		}
		for j := i + 1; j < len(candidates); j++ {
			if matched[j] || !pairs(candidates[i], candidates[j], opts) {
				continue
			}
			matched[i], matched[j] = true, true
			res.Matches = append(res.Matches, newMatch(candidates[i], candidates[j]))
			res.Updates = append(res.Updates,
				flag(candidates[i].ID, candidates[j].ID),
				flag(candidates[j].ID, candidates[i].ID),
			)
			break
		}
	}

	return res
}

func pairs(a, b *domain.Transaction, opts Options) bool {
	if opts.RequireDistinctAccounts && a.AccountID == b.AccountID {
		return false
	}
	if !money.Mirrored(a.Amount, b.Amount) {
		return false
	}
	return datecalc.AbsDays(a.Date, b.Date) <= MaxGapDays
}

func newMatch(a, b *domain.Transaction) domain.TransferMatch {
	debit, credit := a, b
	if !money.IsDebit(a.Amount) {
		debit, credit = b, a
	}
	return domain.TransferMatch{
		FromID:     debit.ID,
		ToID:       credit.ID,
		Amount:     debit.Amount.Abs(),
		Confidence: Confidence,
	}
}

func flag(id, partner string) domain.ClassificationUpdate {
	isTransfer := true
	return domain.ClassificationUpdate{
		TransactionID:   id,
		IsTransfer:      &isTransfer,
		TransferMatchID: &partner,
	}
}
