package main

import (
	"crypto/sha256"
	"fmt"
	"io/fs"
	"strings"
	"testing"
	"testing/fstest"
	"time"

	"github.com/dvloznov/finance-intel/migrations"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrationFilenamePattern(t *testing.T) {
	tests := []struct {
		filename string
		valid    bool
		version  string
		name     string
	}{
		{"0001_init_schema_migrations.sql", true, "0001", "init_schema_migrations"},
		{"001_invalid.sql", false, "", ""},
		{"0001_test", false, "", ""},
		{"0001.sql", false, "", ""},
		{"invalid_0001_test.sql", false, "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.filename, func(t *testing.T) {
			matches := migrationPattern.FindStringSubmatch(tt.filename)
			if !tt.valid {
				assert.Nil(t, matches)
				return
			}
			require.Len(t, matches, 3)
			assert.Equal(t, tt.version, matches[1])
			assert.Equal(t, tt.name, matches[2])
		})
	}
}

func TestReadMigrations(t *testing.T) {
	raw := "CREATE TABLE `{{PROJECT_ID}}.{{DATASET_ID}}.t` (id INT64);"
	fsys := fstest.MapFS{
		"0002_second.sql": {Data: []byte(raw)},
		"0001_first.sql":  {Data: []byte("SELECT 1;")},
		"README.md":       {Data: []byte("notes")},
	}

	list, err := readMigrations(fsys, "proj", "ds", zerolog.Nop())
	require.NoError(t, err)
	require.Len(t, list, 2)

	assert.Equal(t, 1, list[0].Version)
	assert.Equal(t, "second", list[1].Name)
	assert.Equal(t, "CREATE TABLE `proj.ds.t` (id INT64);", list[1].SQL)
	assert.Equal(t, fmt.Sprintf("%x", sha256.Sum256([]byte(raw))), list[1].Checksum)

	other, err := readMigrations(fsys, "other", "x", zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, list[1].Checksum, other[1].Checksum)
}

func TestReadMigrations_DuplicateVersion(t *testing.T) {
	fsys := fstest.MapFS{
		"0001_a.sql": {Data: []byte("SELECT 1;")},
		"0001_b.sql": {Data: []byte("SELECT 2;")},
	}
	_, err := readMigrations(fsys, "p", "d", zerolog.Nop())
	assert.ErrorContains(t, err, "duplicate migration version 0001")
}

func TestPendingMigrations(t *testing.T) {
	list := []Migration{
		{Version: 1, Filename: "0001_a.sql", Checksum: "aaa"},
		{Version: 2, Filename: "0002_b.sql", Checksum: "bbb"},
		{Version: 3, Filename: "0003_c.sql", Checksum: "ccc"},
	}

	pending, err := pendingMigrations(list, []AppliedMigration{
		{Version: 1, Checksum: "aaa"},
		{Version: 2},
	})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 3, pending[0].Version)

	_, err = pendingMigrations(list, []AppliedMigration{{Version: 1, Checksum: "changed", AppliedAt: time.Now()}})
	assert.ErrorContains(t, err, "0001_a.sql changed")
}

func TestEmbeddedMigrations(t *testing.T) {
	sub, err := fs.Sub(migrations.BigQuery, "bigquery")
	require.NoError(t, err)

	list, err := readMigrations(sub, "proj", "finance", zerolog.Nop())
	require.NoError(t, err)
	require.NotEmpty(t, list)

	for i, m := range list {
		assert.Equal(t, i+1, m.Version, m.Filename)
		assert.NotContains(t, m.SQL, "{{")
		assert.True(t, strings.Contains(m.SQL, "`proj.finance."), m.Filename)
	}
}

func TestFirstNonEmpty(t *testing.T) {
	assert.Equal(t, "b", firstNonEmpty("", "b", "c"))
	assert.Equal(t, "", firstNonEmpty("", ""))
}
