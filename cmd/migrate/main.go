package main

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io/fs"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"cloud.google.com/go/bigquery"
	"github.com/alecthomas/kong"
	"github.com/dvloznov/finance-intel/internal/config"
	"github.com/dvloznov/finance-intel/internal/logger"
	"github.com/dvloznov/finance-intel/migrations"
	"github.com/rs/zerolog"
	"google.golang.org/api/iterator"
)

// Migration represents a single migration file
type Migration struct {
	Version  int
	Name     string
	Filename string
	SQL      string
	Checksum string
}

// AppliedMigration represents a migration that has already been applied
type AppliedMigration struct {
	Version   int
	Name      string
	AppliedAt time.Time
	Checksum  string
	AppliedBy string
}

var migrationPattern = regexp.MustCompile(`^(\d{4})_(.+)\.sql$`)

var cli struct {
	Config    string `help:"Config file merged over the built-in defaults." type:"path"`
	Project   string `help:"GCP project ID; defaults to bigquery.project_id."`
	Dataset   string `help:"BigQuery dataset ID; defaults to bigquery.dataset_id."`
	AppliedBy string `name:"applied-by" default:"migrate-cli" help:"Name recorded with each applied migration."`
	Dir       string `help:"Read migrations from this directory instead of the embedded set." type:"existingdir"`
	DryRun    bool   `name:"dry-run" help:"List pending migrations without applying them."`
}

func main() {
	kong.Parse(&cli, kong.Name("fintel-migrate"), kong.Description("Applies BigQuery schema migrations."))

	cfg := config.MustLoad(cli.Config)
	log := logger.NewWithOptions(logger.Options{Level: cfg.Log.Level, Format: logger.Format(cfg.Log.Format)})

	projectID := firstNonEmpty(cli.Project, cfg.BigQuery.ProjectID)
	datasetID := firstNonEmpty(cli.Dataset, cfg.BigQuery.DatasetID)
	if projectID == "" {
		log.Fatal().Msg("GCP project is required: pass --project or set bigquery.project_id")
	}

	ctx := logger.WithContext(context.Background(), log)

	var source fs.FS
	if cli.Dir != "" {
		source = os.DirFS(cli.Dir)
	} else {
		sub, err := fs.Sub(migrations.BigQuery, "bigquery")
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to open embedded migrations")
		}
		source = sub
	}

	list, err := readMigrations(source, projectID, datasetID, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to read migrations")
	}
	log.Info().Int("count", len(list)).Msg("Found migration files")

	client, err := bigquery.NewClient(ctx, projectID)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create BigQuery client")
	}
	defer client.Close()

	log.Info().Str("project", projectID).Str("dataset", datasetID).Msg("Connected to BigQuery")

	m := &migrator{client: client, projectID: projectID, datasetID: datasetID, appliedBy: cli.AppliedBy}

	if err := m.ensureSchemaMigrationsTable(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to ensure schema_migrations table")
	}

	applied, err := m.appliedMigrations(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to get applied migrations")
	}
	log.Info().Int("count", len(applied)).Msg("Found already applied migrations")

	pending, err := pendingMigrations(list, applied)
	if err != nil {
		log.Fatal().Err(err).Msg("Applied migrations do not match the files")
	}

	for _, migration := range pending {
		mlog := log.With().Str("migration", migration.Filename).Logger()
		if cli.DryRun {
			mlog.Info().Msg("Pending")
			continue
		}

		mlog.Info().Msg("Applying")
		if err := m.run(ctx, migration.SQL, nil); err != nil {
			mlog.Fatal().Err(err).Msg("Failed to execute migration")
		}
		if err := m.record(ctx, migration); err != nil {
			mlog.Fatal().Err(err).Msg("Failed to record migration")
		}
		mlog.Info().Msg("Applied")
	}

	switch {
	case len(pending) == 0:
		log.Info().Msg("No new migrations to apply. Database is up to date.")
	case cli.DryRun:
		log.Info().Int("pending", len(pending)).Msg("Dry run, nothing applied")
	default:
		log.Info().Int("applied", len(pending)).Msg("Successfully applied migrations")
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// readMigrations reads NNNN_name.sql files from fsys in version order and
// substitutes the project and dataset placeholders. Checksums cover the file
// as written, so the same migration matches across datasets.
func readMigrations(fsys fs.FS, projectID, datasetID string, log zerolog.Logger) ([]Migration, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("reading migrations directory: %w", err)
	}

	seen := make(map[int]string)
	var list []Migration
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		matches := migrationPattern.FindStringSubmatch(entry.Name())
		if matches == nil {
			log.Warn().Str("file", entry.Name()).Msg("Skipping file with invalid format")
			continue
		}
		version, _ := strconv.Atoi(matches[1])
		if prev, ok := seen[version]; ok {
			return nil, fmt.Errorf("duplicate migration version %04d: %s and %s", version, prev, entry.Name())
		}
		seen[version] = entry.Name()

		content, err := fs.ReadFile(fsys, entry.Name())
		if err != nil {
			return nil, fmt.Errorf("reading file %s: %w", entry.Name(), err)
		}

		sql := strings.ReplaceAll(string(content), "{{PROJECT_ID}}", projectID)
		sql = strings.ReplaceAll(sql, "{{DATASET_ID}}", datasetID)

		list = append(list, Migration{
			Version:  version,
			Name:     matches[2],
			Filename: entry.Name(),
			SQL:      sql,
			Checksum: fmt.Sprintf("%x", sha256.Sum256(content)),
		})
	}

	sort.Slice(list, func(i, j int) bool { return list[i].Version < list[j].Version })
	return list, nil
}

// pendingMigrations returns the migrations not yet applied. An applied
// migration whose file changed since is an error.
func pendingMigrations(list []Migration, applied []AppliedMigration) ([]Migration, error) {
	byVersion := make(map[int]AppliedMigration, len(applied))
	for _, am := range applied {
		byVersion[am.Version] = am
	}

	var pending []Migration
	for _, m := range list {
		am, ok := byVersion[m.Version]
		if !ok {
			pending = append(pending, m)
			continue
		}
		if am.Checksum != "" && am.Checksum != m.Checksum {
			return nil, fmt.Errorf("migration %s changed after it was applied on %s", m.Filename, am.AppliedAt.Format(time.RFC3339))
		}
	}
	return pending, nil
}

type migrator struct {
	client    *bigquery.Client
	projectID string
	datasetID string
	appliedBy string
}

func (m *migrator) table() string {
	return fmt.Sprintf("`%s.%s.schema_migrations`", m.projectID, m.datasetID)
}

func (m *migrator) run(ctx context.Context, sql string, params []bigquery.QueryParameter) error {
	q := m.client.Query(sql)
	q.Parameters = params

	job, err := q.Run(ctx)
	if err != nil {
		return fmt.Errorf("running query: %w", err)
	}
	status, err := job.Wait(ctx)
	if err != nil {
		return fmt.Errorf("waiting for job: %w", err)
	}
	if err := status.Err(); err != nil {
		return fmt.Errorf("job error: %w", err)
	}
	return nil
}

// ensureSchemaMigrationsTable creates the bookkeeping table before the first
// migration can be recorded in it.
func (m *migrator) ensureSchemaMigrationsTable(ctx context.Context) error {
	return m.run(ctx, `
		CREATE TABLE IF NOT EXISTS `+m.table()+` (
			version    INT64 NOT NULL,
			name       STRING NOT NULL,
			applied_at TIMESTAMP NOT NULL,
			checksum   STRING,
			applied_by STRING
		)`, nil)
}

func (m *migrator) appliedMigrations(ctx context.Context) ([]AppliedMigration, error) {
	q := m.client.Query(`
		SELECT version, name, applied_at, checksum, applied_by
		FROM ` + m.table() + `
		ORDER BY version ASC`)

	it, err := q.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading applied migrations: %w", err)
	}

	var applied []AppliedMigration
	for {
		var row struct {
			Version   int64               `bigquery:"version"`
			Name      string              `bigquery:"name"`
			AppliedAt time.Time           `bigquery:"applied_at"`
			Checksum  bigquery.NullString `bigquery:"checksum"`
			AppliedBy bigquery.NullString `bigquery:"applied_by"`
		}
		err := it.Next(&row)
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("iterating results: %w", err)
		}

		applied = append(applied, AppliedMigration{
			Version:   int(row.Version),
			Name:      row.Name,
			AppliedAt: row.AppliedAt,
			Checksum:  row.Checksum.StringVal,
			AppliedBy: row.AppliedBy.StringVal,
		})
	}
	return applied, nil
}

func (m *migrator) record(ctx context.Context, migration Migration) error {
	return m.run(ctx, `
		INSERT INTO `+m.table()+`
		(version, name, applied_at, checksum, applied_by)
		VALUES (@version, @name, CURRENT_TIMESTAMP(), @checksum, @applied_by)`,
		[]bigquery.QueryParameter{
			{Name: "version", Value: migration.Version},
			{Name: "name", Value: migration.Name},
			{Name: "checksum", Value: migration.Checksum},
			{Name: "applied_by", Value: m.appliedBy},
		})
}
