// Package migrations ships the BigQuery schema with the binaries.
package migrations

import "embed"

// BigQuery holds bigquery/NNNN_name.sql files. {{PROJECT_ID}} and
// {{DATASET_ID}} are substituted at apply time.
//
//go:embed bigquery/*.sql
var BigQuery embed.FS
