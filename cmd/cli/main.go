package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/alecthomas/kong"
	"github.com/dvloznov/finance-intel/internal/backend"
	"github.com/dvloznov/finance-intel/internal/config"
	"github.com/dvloznov/finance-intel/internal/logger"
	"github.com/dvloznov/finance-intel/internal/pipeline"
	"github.com/rs/zerolog"
)

// CLI is the command tree.
type CLI struct {
	Config   string `help:"Config file merged over the built-in defaults." type:"path"`
	State    string `help:"JSON snapshot backing the memory backend; rewritten on exit." type:"path"`
	Backend  string `help:"Override storage.backend (memory, bigquery, mongo)."`
	LogLevel string `name:"log-level" help:"Override log.level."`

	Seed       SeedCmd       `cmd:"" help:"Load transactions, rules and budgets from a snapshot file."`
	Recurring  RecurringCmd  `cmd:"" help:"Detect recurring charges and subscriptions."`
	Upcoming   UpcomingCmd   `cmd:"" help:"List recurring charges due soon."`
	Transfers  TransfersCmd  `cmd:"" help:"Pair transfers between the user's accounts."`
	ApplyRule  ApplyRuleCmd  `cmd:"" name:"apply-rule" help:"Apply one rule to the user's transaction history."`
	Categorize CategorizeCmd `cmd:"" help:"Classify transactions with the user's rules."`
	Budgets    BudgetsCmd    `cmd:"" help:"Recompute or close monthly budgets."`
	Rules      RulesCmd      `cmd:"" help:"Import or export rule packs."`
}

// App is what every command runs against.
type App struct {
	Ctx    context.Context
	Config *config.Config
	Engine *pipeline.Engine
	Store  backend.Store
	Log    zerolog.Logger
	Out    io.Writer
}

// print writes v to the command output as indented JSON.
func (a *App) print(v any) error {
	enc := json.NewEncoder(a.Out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, stdout, stderr io.Writer) (err error) {
	var cli CLI
	parser, err := kong.New(&cli,
		kong.Name("fintel"),
		kong.Description("Transaction intelligence: recurring charges, transfers, rules and budgets."),
		kong.UsageOnError(),
		kong.Writers(stdout, stderr),
	)
	if err != nil {
		return err
	}
	kctx, err := parser.Parse(args)
	if err != nil {
		return err
	}

	cfg, err := config.Load(cli.Config)
	if err != nil {
		return err
	}
	if cli.Backend != "" {
		cfg.Storage.Backend = cli.Backend
		if err := cfg.Validate(); err != nil {
			return err
		}
	}
	level := cfg.Log.Level
	if cli.LogLevel != "" {
		level = cli.LogLevel
	}
	log := logger.NewWithOptions(logger.Options{Level: level, Format: logger.Format(cfg.Log.Format), Output: stderr})

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Engine.Timeout)
	defer cancel()
	ctx = logger.WithContext(ctx, log)

	st, err := backend.OpenStore(ctx, cfg, cli.State)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := st.Close(); cerr != nil {
			err = errors.Join(err, cerr)
		}
	}()

	sink, err := backend.OpenSink(ctx, cfg)
	if err != nil {
		return err
	}

	app := &App{
		Ctx:    ctx,
		Config: cfg,
		Engine: backend.NewEngine(cfg, st, sink),
		Store:  st,
		Log:    log,
		Out:    stdout,
	}

	log.Debug().Str("command", kctx.Command()).Str("backend", cfg.Storage.Backend).Msg("Running command")
	return kctx.Run(app)
}
