package config

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g. FINTEL_STORAGE_BACKEND.
const EnvPrefix = "FINTEL"

//go:embed default.yaml
var defaultConfigYAML []byte

// Storage backends.
const (
	BackendMemory   = "memory"
	BackendBigQuery = "bigquery"
	BackendMongo    = "mongo"
)

// Config is the process configuration shared by cmd/cli and cmd/worker.
type Config struct {
	Log           LogConfig           `mapstructure:"log"`
	Storage       StorageConfig       `mapstructure:"storage"`
	BigQuery      BigQueryConfig      `mapstructure:"bigquery"`
	Mongo         MongoConfig         `mapstructure:"mongo"`
	Elasticsearch ElasticsearchConfig `mapstructure:"elasticsearch"`
	RulePack      RulePackConfig      `mapstructure:"rulepack"`
	Jobs          JobsConfig          `mapstructure:"jobs"`
	Transfers     TransfersConfig     `mapstructure:"transfers"`
	Recurring     RecurringConfig     `mapstructure:"recurring"`
	Engine        EngineConfig        `mapstructure:"engine"`

	// Source is the external file merged over the defaults, empty when none was found.
	Source string `mapstructure:"-"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type StorageConfig struct {
	Backend string `mapstructure:"backend"`
}

type BigQueryConfig struct {
	ProjectID string `mapstructure:"project_id"`
	DatasetID string `mapstructure:"dataset_id"`
}

type MongoConfig struct {
	URI      string `mapstructure:"uri"`
	Database string `mapstructure:"database"`
}

type ElasticsearchConfig struct {
	Enabled     bool     `mapstructure:"enabled"`
	Addresses   []string `mapstructure:"addresses"`
	IndexPrefix string   `mapstructure:"index_prefix"`
}

// RulePackConfig names the default bucket holding per-user rule sets.
type RulePackConfig struct {
	Bucket string `mapstructure:"bucket"`
}

type JobsConfig struct {
	Workers        int           `mapstructure:"workers"`
	BufferSize     int           `mapstructure:"buffer_size"`
	MaxRetries     int           `mapstructure:"max_retries"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
}

type TransfersConfig struct {
	RequireDistinctAccounts bool `mapstructure:"require_distinct_accounts"`
}

type RecurringConfig struct {
	UpcomingDays int `mapstructure:"upcoming_days"`
}

type EngineConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

// Load reads the embedded defaults, merges configPath (or the first config.yaml
// found in the search paths) over them and applies FINTEL_* environment overrides.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	if err := v.ReadConfig(bytes.NewReader(defaultConfigYAML)); err != nil {
		return nil, fmt.Errorf("Load: reading embedded defaults: %w", err)
	}

	var source string
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("Load: merging %s: %w", configPath, err)
		}
		source = configPath
	} else {
		external := viper.New()
		external.SetConfigName("config")
		external.SetConfigType("yaml")
		external.AddConfigPath(".")
		external.AddConfigPath("./config")
		external.AddConfigPath("/etc/finance-intel")
		external.AddConfigPath("$HOME/.finance-intel")

		if err := external.ReadInConfig(); err == nil {
			if err := v.MergeConfigMap(external.AllSettings()); err != nil {
				return nil, fmt.Errorf("Load: merging %s: %w", external.ConfigFileUsed(), err)
			}
			source = external.ConfigFileUsed()
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("Load: decoding config: %w", err)
	}
	cfg.Source = source

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// MustLoad is Load for main packages.
func MustLoad(configPath string) *Config {
	cfg, err := Load(configPath)
	if err != nil {
		panic(fmt.Sprintf("loading config: %v", err))
	}
	return cfg
}

// Validate reports the first inconsistent setting.
func (c *Config) Validate() error {
	var errs []error

	switch c.Storage.Backend {
	case BackendMemory:
	case BackendBigQuery:
		if c.BigQuery.ProjectID == "" {
			errs = append(errs, errors.New("bigquery.project_id is required for the bigquery backend"))
		}
		if c.BigQuery.DatasetID == "" {
			errs = append(errs, errors.New("bigquery.dataset_id is required for the bigquery backend"))
		}
	case BackendMongo:
		if c.Mongo.URI == "" || c.Mongo.Database == "" {
			errs = append(errs, errors.New("mongo.uri and mongo.database are required for the mongo backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage.backend %q", c.Storage.Backend))
	}

	if c.Jobs.Workers <= 0 {
		errs = append(errs, fmt.Errorf("jobs.workers must be positive, got %d", c.Jobs.Workers))
	}
	if c.Jobs.BufferSize <= 0 {
		errs = append(errs, fmt.Errorf("jobs.buffer_size must be positive, got %d", c.Jobs.BufferSize))
	}
	if c.Jobs.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("jobs.max_retries must not be negative, got %d", c.Jobs.MaxRetries))
	}
	if c.Elasticsearch.Enabled && len(c.Elasticsearch.Addresses) == 0 {
		errs = append(errs, errors.New("elasticsearch.addresses is required when elasticsearch is enabled"))
	}
	if c.Recurring.UpcomingDays <= 0 {
		errs = append(errs, fmt.Errorf("recurring.upcoming_days must be positive, got %d", c.Recurring.UpcomingDays))
	}

	if len(errs) > 0 {
		return fmt.Errorf("Validate: %w", errors.Join(errs...))
	}
	return nil
}
