package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/dvloznov/finance-intel/internal/datecalc"
	"github.com/dvloznov/finance-intel/internal/domain"
	"github.com/dvloznov/finance-intel/internal/rulepack"
	"github.com/dvloznov/finance-intel/internal/store/inmemory"
)

// UserFlag selects the user a command runs for.
type UserFlag struct {
	User string `required:"" short:"u" help:"User id."`
}

// SeedCmd loads a snapshot into the configured backend.
type SeedCmd struct {
	File string `arg:"" type:"existingfile" help:"Snapshot JSON with transactions, rules and budgets."`
}

func (c *SeedCmd) Run(app *App) error {
	data, err := os.ReadFile(c.File)
	if err != nil {
		return fmt.Errorf("seed: %w", err)
	}
	var snap inmemory.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("seed: decoding %s: %w", c.File, err)
	}

	if err := app.Store.InsertTransactions(app.Ctx, snap.Transactions); err != nil {
		return fmt.Errorf("seed: %w", err)
	}

	byUser := map[string][]*domain.CategorizationRule{}
	for _, r := range snap.Rules {
		byUser[r.UserID] = append(byUser[r.UserID], r)
	}
	users := make([]string, 0, len(byUser))
	for u := range byUser {
		users = append(users, u)
	}
	sort.Strings(users)
	imported := 0
	for _, u := range users {
		saved, err := app.Engine.ImportRules(app.Ctx, u, byUser[u])
		if err != nil {
			return fmt.Errorf("seed: %w", err)
		}
		imported += len(saved)
	}

	for _, b := range snap.Budgets {
		if b.ID == "" {
			b.ID = domain.BudgetID(b.UserID, b.CategoryID, b.Period)
		}
	}
	if err := app.Store.SaveBudgets(app.Ctx, snap.Budgets); err != nil {
		return fmt.Errorf("seed: %w", err)
	}

	return app.print(map[string]int{
		"transactions": len(snap.Transactions),
		"rules":        imported,
		"budgets":      len(snap.Budgets),
	})
}

type RecurringCmd struct {
	UserFlag `embed:""`
}

func (c *RecurringCmd) Run(app *App) error {
	res, err := app.Engine.RecomputeRecurring(app.Ctx, c.User)
	if err != nil {
		return err
	}
	return app.print(struct {
		Entities   []*domain.RecurringEntity `json:"entities"`
		Considered int                       `json:"considered"`
		Skipped    int                       `json:"skipped"`
		Irregular  int                       `json:"irregular"`
	}{res.Entities, res.Considered, res.Skipped, res.Irregular})
}

type UpcomingCmd struct {
	UserFlag `embed:""`
	Days     int `help:"Window in days; defaults to recurring.upcoming_days."`
}

func (c *UpcomingCmd) Run(app *App) error {
	days := c.Days
	if days <= 0 {
		days = app.Config.Recurring.UpcomingDays
	}
	due, err := app.Engine.UpcomingRecurring(app.Ctx, c.User, days)
	if err != nil {
		return err
	}
	return app.print(due)
}

type TransfersCmd struct {
	UserFlag `embed:""`
}

func (c *TransfersCmd) Run(app *App) error {
	res, err := app.Engine.RecomputeTransfers(app.Ctx, c.User)
	if err != nil {
		return err
	}
	return app.print(struct {
		Matches    []domain.TransferMatch `json:"matches"`
		Candidates int                    `json:"candidates"`
		Skipped    int                    `json:"skipped"`
	}{res.Matches, res.Candidates, res.Skipped})
}

type ApplyRuleCmd struct {
	UserFlag `embed:""`
	Rule     string `required:"" help:"Rule id."`
}

func (c *ApplyRuleCmd) Run(app *App) error {
	res, err := app.Engine.ApplyRuleToHistory(app.Ctx, c.User, c.Rule)
	if err != nil {
		return err
	}
	return app.print(map[string]int{"matched": res.Matched, "changed": res.Changed, "skipped": res.Skipped})
}

type CategorizeCmd struct {
	UserFlag `embed:""`
	IDs      []string `name:"ids" required:"" help:"Comma separated transaction ids."`
}

func (c *CategorizeCmd) Run(app *App) error {
	res, err := app.Engine.CategorizeTransactions(app.Ctx, c.User, c.IDs)
	if err != nil {
		return err
	}
	return app.print(struct {
		Matched  int            `json:"matched"`
		Skipped  int            `json:"skipped"`
		RuleHits map[string]int `json:"rule_hits"`
	}{res.Matched, res.Skipped, res.RuleHits})
}

type BudgetsCmd struct {
	Recompute BudgetsRecomputeCmd `cmd:"" help:"Recompute spend and status for a month."`
	Close     BudgetsCloseCmd     `cmd:"" help:"Close a month and roll balances forward."`
}

// PeriodFlag is a calendar month, YYYY-MM.
type PeriodFlag struct {
	Period string `required:"" help:"Month as YYYY-MM."`
}

func (p PeriodFlag) parse() (datecalc.Period, error) {
	period, err := datecalc.ParsePeriod(p.Period)
	if err != nil {
		return datecalc.Period{}, fmt.Errorf("--period: %w", err)
	}
	return period, nil
}

type BudgetsRecomputeCmd struct {
	UserFlag   `embed:""`
	PeriodFlag `embed:""`
}

func (c *BudgetsRecomputeCmd) Run(app *App) error {
	period, err := c.parse()
	if err != nil {
		return err
	}
	budgets, err := app.Engine.RecomputeBudgets(app.Ctx, c.User, period)
	if err != nil {
		return err
	}
	return app.print(budgets)
}

type BudgetsCloseCmd struct {
	UserFlag   `embed:""`
	PeriodFlag `embed:""`
	Category   string `help:"Close only this category; all open budgets otherwise."`
}

func (c *BudgetsCloseCmd) Run(app *App) error {
	period, err := c.parse()
	if err != nil {
		return err
	}
	results, err := app.Engine.CloseBudgetMonth(app.Ctx, c.User, c.Category, period)
	if err != nil {
		return err
	}

	type closed struct {
		Closed  *domain.Budget        `json:"closed"`
		Next    *domain.Budget        `json:"next"`
		Event   *domain.RolloverEvent `json:"event"`
		Created bool                  `json:"created_next"`
	}
	out := make([]closed, 0, len(results))
	for _, r := range results {
		out = append(out, closed{r.Closed, r.Next, r.Event, r.Created})
	}
	return app.print(out)
}

type RulesCmd struct {
	Import RulesImportCmd `cmd:"" help:"Import a rule pack from a file or gs:// URI."`
	Export RulesExportCmd `cmd:"" help:"Export the user's rules as a rule pack."`
}

// packURI falls back to the user's pack in rulepack.bucket.
func packURI(app *App, uri, userID string) (string, error) {
	if uri != "" {
		return uri, nil
	}
	if app.Config.RulePack.Bucket == "" {
		return "", errors.New("no rule pack location: pass a URI or set rulepack.bucket")
	}
	return rulepack.DefaultURI(app.Config.RulePack.Bucket, userID), nil
}

type RulesImportCmd struct {
	UserFlag `embed:""`
	From     string `help:"Local path or gs://bucket/object; defaults to the user's pack in rulepack.bucket."`
}

func (c *RulesImportCmd) Run(app *App) error {
	uri, err := packURI(app, c.From, c.User)
	if err != nil {
		return err
	}
	src := rulepack.NewRouter()
	defer src.Close()

	list, err := rulepack.Load(app.Ctx, src, uri)
	if err != nil {
		return err
	}
	saved, err := app.Engine.ImportRules(app.Ctx, c.User, list)
	if err != nil {
		return err
	}
	return app.print(saved)
}

type RulesExportCmd struct {
	UserFlag `embed:""`
	To       string `help:"Local path or gs://bucket/object; defaults to the user's pack in rulepack.bucket."`
}

func (c *RulesExportCmd) Run(app *App) error {
	uri, err := packURI(app, c.To, c.User)
	if err != nil {
		return err
	}
	list, err := app.Store.ListRules(app.Ctx, c.User)
	if err != nil {
		return err
	}

	src := rulepack.NewRouter()
	defer src.Close()
	if err := rulepack.Save(app.Ctx, src, uri, list); err != nil {
		return err
	}
	app.Log.Info().Str("uri", uri).Int("rules", len(list)).Msg("Rule pack written")
	return app.print(map[string]any{"uri": uri, "rules": len(list)})
}
