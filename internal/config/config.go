// Package config loads and validates the pipeline configuration file.
// The core never reads the environment itself; everything it needs
// arrives through the structures built here.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v2"

	"github.com/streamduck/streamduck/pkg/pipeline"
	"github.com/streamduck/streamduck/pkg/snowauth"
	"github.com/streamduck/streamduck/pkg/source"
)

// Config is the top-level YAML document.
type Config struct {
	Snowflake SnowflakeConfig `yaml:"snowflake"`
	Control   ControlConfig   `yaml:"control_table"`
	Pipeline  TuningConfig    `yaml:"pipeline"`
	Retry     RetryConfig     `yaml:"retry"`
	Mappings  []MappingConfig `yaml:"mappings"`
}

// SnowflakeConfig is the shared account connection profile.
type SnowflakeConfig struct {
	Account            string `yaml:"account"`
	User               string `yaml:"user"`
	PrivateKeyFile     string `yaml:"private_key_file"`
	PrivateKeyPassword string `yaml:"private_key_password"`
	Warehouse          string `yaml:"warehouse"`
	Role               string `yaml:"role"`
	URL                string `yaml:"url"`
}

// ControlConfig locates the checkpoint control table.
type ControlConfig struct {
	Database string `yaml:"database"`
	Schema   string `yaml:"schema"`
	Table    string `yaml:"table"`
}

// TuningConfig holds pipeline-wide defaults; mappings may override the
// batching knobs.
type TuningConfig struct {
	MaxBatchSize         int    `yaml:"max_batch_size"`
	MaxWaitSeconds       int    `yaml:"max_wait_seconds"`
	PollWaitSeconds      int    `yaml:"poll_wait_seconds"`
	Prefetch             int    `yaml:"prefetch"`
	StartPosition        string `yaml:"start_position"`
	AckTimeoutSeconds    int    `yaml:"ack_timeout_seconds"`
	DrainDeadlineSeconds int    `yaml:"drain_deadline_seconds"`
}

// RetryConfig shapes the default backoff policy.
type RetryConfig struct {
	MaxAttempts      int `yaml:"max_attempts"`
	BaseDelaySeconds int `yaml:"base_delay_seconds"`
	MaxDelaySeconds  int `yaml:"max_delay_seconds"`
}

// MappingConfig binds one event hub to one Snowflake table.
type MappingConfig struct {
	SourceNamespace  string `yaml:"source_namespace"`
	SourceHub        string `yaml:"source_hub"`
	ConsumerGroup    string `yaml:"consumer_group"`
	ConnectionString string `yaml:"connection_string"`

	TargetDB     string `yaml:"target_db"`
	TargetSchema string `yaml:"target_schema"`
	TargetTable  string `yaml:"target_table"`
	PipeName     string `yaml:"pipe_name"`

	// Batching overrides; zero means the pipeline-wide default.
	MaxBatchSize   int `yaml:"max_batch_size"`
	MaxWaitSeconds int `yaml:"max_wait_seconds"`
}

var identifierPattern = regexp.MustCompile(`^[A-Za-z0-9_$]+$`)

// Load reads the YAML file, applies environment overrides for the
// credential fields, fills defaults and validates.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading config file %s", path)
	}

	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, errors.Wrapf(err, "parsing config file %s", path)
	}

	applyEnvOverrides(&cfg)
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnvOverrides lets deployments keep credentials out of the YAML
// file. STREAMDUCK_SNOWFLAKE_ACCOUNT and friends win over file values.
func applyEnvOverrides(cfg *Config) {
	v := viper.New()
	v.SetEnvPrefix("STREAMDUCK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if s := v.GetString("snowflake.account"); s != "" {
		cfg.Snowflake.Account = s
	}
	if s := v.GetString("snowflake.user"); s != "" {
		cfg.Snowflake.User = s
	}
	if s := v.GetString("snowflake.private_key_file"); s != "" {
		cfg.Snowflake.PrivateKeyFile = s
	}
	if s := v.GetString("snowflake.private_key_password"); s != "" {
		cfg.Snowflake.PrivateKeyPassword = s
	}
	if s := v.GetString("snowflake.warehouse"); s != "" {
		cfg.Snowflake.Warehouse = s
	}
	if s := v.GetString("snowflake.role"); s != "" {
		cfg.Snowflake.Role = s
	}
}

func (c *Config) applyDefaults() {
	if c.Control.Database == "" {
		c.Control.Database = "CONTROL"
	}
	if c.Control.Schema == "" {
		c.Control.Schema = "PUBLIC"
	}
	if c.Control.Table == "" {
		c.Control.Table = "INGESTION_STATUS"
	}

	if c.Pipeline.MaxBatchSize <= 0 {
		c.Pipeline.MaxBatchSize = 1000
	}
	if c.Pipeline.MaxWaitSeconds <= 0 {
		c.Pipeline.MaxWaitSeconds = 60
	}
	if c.Pipeline.PollWaitSeconds <= 0 {
		c.Pipeline.PollWaitSeconds = 2
	}
	if c.Pipeline.Prefetch <= 0 {
		c.Pipeline.Prefetch = 300
	}
	if c.Pipeline.StartPosition == "" {
		c.Pipeline.StartPosition = "latest"
	}
	if c.Pipeline.AckTimeoutSeconds <= 0 {
		c.Pipeline.AckTimeoutSeconds = 45
	}
	if c.Pipeline.DrainDeadlineSeconds <= 0 {
		c.Pipeline.DrainDeadlineSeconds = 30
	}

	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = 5
	}
	if c.Retry.BaseDelaySeconds <= 0 {
		c.Retry.BaseDelaySeconds = 1
	}
	if c.Retry.MaxDelaySeconds <= 0 {
		c.Retry.MaxDelaySeconds = 30
	}
}

// Validate checks everything that would otherwise fail confusingly at
// runtime: identifiers, namespaces, and mapping completeness.
func (c *Config) Validate() error {
	if c.Snowflake.Account == "" || c.Snowflake.User == "" {
		return errors.New("snowflake.account and snowflake.user are required")
	}
	if c.Snowflake.PrivateKeyFile == "" {
		return errors.New("snowflake.private_key_file is required")
	}

	if c.Pipeline.StartPosition != "earliest" && c.Pipeline.StartPosition != "latest" {
		return errors.Errorf("start_position must be earliest or latest, got %q", c.Pipeline.StartPosition)
	}

	for _, ident := range []string{c.Control.Database, c.Control.Schema, c.Control.Table} {
		if !identifierPattern.MatchString(ident) {
			return errors.Errorf("invalid control table identifier: %q", ident)
		}
	}

	if len(c.Mappings) == 0 {
		return errors.New("at least one mapping is required")
	}

	for i, m := range c.Mappings {
		if err := m.validate(); err != nil {
			return errors.Wrapf(err, "mapping %d", i)
		}
	}
	return nil
}

func (m MappingConfig) validate() error {
	if !strings.HasSuffix(m.SourceNamespace, ".servicebus.windows.net") {
		return errors.Errorf("source_namespace must end with .servicebus.windows.net, got %q", m.SourceNamespace)
	}
	if m.SourceHub == "" {
		return errors.New("source_hub is required")
	}
	if m.ConsumerGroup == "" {
		return errors.New("consumer_group is required")
	}
	for _, ident := range []string{m.TargetDB, m.TargetSchema, m.TargetTable} {
		if !identifierPattern.MatchString(ident) {
			return errors.Errorf("invalid Snowflake identifier: %q", ident)
		}
	}
	if m.PipeName == "" {
		return errors.New("pipe_name is required")
	}
	return nil
}

// Profile builds the connection profile handed to the checkpoint store
// and the ingest client.
func (c *Config) Profile() snowauth.Profile {
	return snowauth.Profile{
		Account:            c.Snowflake.Account,
		User:               c.Snowflake.User,
		PrivateKeyFile:     c.Snowflake.PrivateKeyFile,
		PrivateKeyPassword: c.Snowflake.PrivateKeyPassword,
		Warehouse:          c.Snowflake.Warehouse,
		Role:               c.Snowflake.Role,
		URL:                c.Snowflake.URL,
	}
}

// StartPosition resolves the configured default start position.
func (c *Config) StartPosition() source.StartPosition {
	if c.Pipeline.StartPosition == "earliest" {
		return source.Earliest()
	}
	return source.Latest()
}

// DrainDeadline is the orchestrator's graceful-shutdown bound.
func (c *Config) DrainDeadline() time.Duration {
	return time.Duration(c.Pipeline.DrainDeadlineSeconds) * time.Second
}

// PipelineMappings converts the file's mapping entries into the core's
// mapping descriptors, applying per-mapping overrides.
func (c *Config) PipelineMappings() []pipeline.Mapping {
	out := make([]pipeline.Mapping, 0, len(c.Mappings))
	for _, m := range c.Mappings {
		maxBatch := c.Pipeline.MaxBatchSize
		if m.MaxBatchSize > 0 {
			maxBatch = m.MaxBatchSize
		}
		maxWait := c.Pipeline.MaxWaitSeconds
		if m.MaxWaitSeconds > 0 {
			maxWait = m.MaxWaitSeconds
		}

		out = append(out, pipeline.Mapping{
			Namespace:     m.SourceNamespace,
			Hub:           m.SourceHub,
			ConsumerGroup: m.ConsumerGroup,
			TargetDB:      m.TargetDB,
			TargetSchema:  m.TargetSchema,
			TargetTable:   m.TargetTable,
			PipeName:      m.PipeName,
			MaxBatchSize:  maxBatch,
			MaxWait:       time.Duration(maxWait) * time.Second,
			PollWait:      time.Duration(c.Pipeline.PollWaitSeconds) * time.Second,
			AckTimeout:    time.Duration(c.Pipeline.AckTimeoutSeconds) * time.Second,
			StartPosition: c.StartPosition(),
		})
	}
	return out
}

// Summary renders a short human-readable description for startup logs.
func (c *Config) Summary() string {
	hubs := make([]string, 0, len(c.Mappings))
	for _, m := range c.Mappings {
		hubs = append(hubs, fmt.Sprintf("%s->%s.%s.%s", m.SourceHub, m.TargetDB, m.TargetSchema, m.TargetTable))
	}
	return fmt.Sprintf("account=%s mappings=[%s]", c.Snowflake.Account, strings.Join(hubs, ", "))
}
