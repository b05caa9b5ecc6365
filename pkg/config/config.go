// ///////////////////////////////////////////////////////////////////////////
//
// # DATEFIX - Temporal Remediation Engine
//
// Copyright (C) 2023 - 2026, pgEdge (https://www.pgedge.com/)
//
// This software is released under the PostgreSQL License:
// https://opensource.org/license/postgresql
//
// ///////////////////////////////////////////////////////////////////////////

package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

const PasswordEnvVar = "DATEFIX_DB_PASSWORD"

type Config struct {
	Database    DatabaseConfig    `yaml:"database"`
	Remediation RemediationConfig `yaml:"remediation"`
	Triggers    TriggerConfig     `yaml:"triggers"`
	Audit       AuditConfig       `yaml:"audit"`
	TaskStore   TaskStoreConfig   `yaml:"task_store"`

	ScheduleJobs   []JobDef   `yaml:"schedule_jobs"`
	ScheduleConfig []SchedDef `yaml:"schedule_config"`

	DebugMode bool `yaml:"debug_mode"`
}

type DatabaseConfig struct {
	Driver            string `yaml:"driver"`
	Host              string `yaml:"host"`
	Port              int    `yaml:"port"`
	User              string `yaml:"user"`
	Password          string `yaml:"password"`
	DBName            string `yaml:"dbname"`
	Schema            string `yaml:"schema"`
	DSN               string `yaml:"dsn"`
	StatementTimeout  int    `yaml:"statement_timeout"`  // ms
	ConnectionTimeout int    `yaml:"connection_timeout"` // s
	MaxOpenConns      int    `yaml:"max_open_conns"`
}

type RemediationConfig struct {
	BatchSize         int          `yaml:"batch_size"`
	ConcurrencyFactor float64      `yaml:"concurrency_factor"`
	Tables            []string     `yaml:"tables"`
	SkipTables        []string     `yaml:"skip_tables"`
	FarFuture         string       `yaml:"far_future"`
	TimestampCeiling  string       `yaml:"timestamp_ceiling"`
	Rules             []RuleConfig `yaml:"rules"`
}

// RuleConfig replaces the built-in correction rules when non-empty. Rules
// are matched in order; a rule with no columns is the fallback.
type RuleConfig struct {
	Name     string   `yaml:"name"`
	Columns  []string `yaml:"columns"`
	Value    string   `yaml:"value"`
	CopyFrom string   `yaml:"copy_from,omitempty"`
}

type TriggerConfig struct {
	Enabled *bool `yaml:"enabled"`
}

func (t TriggerConfig) IsEnabled() bool {
	return t.Enabled == nil || *t.Enabled
}

type AuditConfig struct {
	Dir     string `yaml:"dir"`
	CSV     bool   `yaml:"csv"`
	LogFile bool   `yaml:"log_file"`
}

type TaskStoreConfig struct {
	Path     string `yaml:"path"`
	Disabled bool   `yaml:"disabled"`
}

type JobDef struct {
	Name      string         `yaml:"name"`
	Type      string         `yaml:"type"`
	TableName string         `yaml:"table_name,omitempty"`
	Args      map[string]any `yaml:"args,omitempty"`
}

type SchedDef struct {
	JobName         string `yaml:"job_name"`
	CrontabSchedule string `yaml:"crontab_schedule,omitempty"`
	RunFrequency    string `yaml:"run_frequency,omitempty"`
	Enabled         bool   `yaml:"enabled"`
}

// Cfg holds the loaded config for the whole app.
var Cfg *Config

// Defaults returns a Config with every tunable set to its default.
func Defaults() *Config {
	return &Config{
		Database: DatabaseConfig{
			Driver:            "mysql",
			Host:              "localhost",
			ConnectionTimeout: 10,
		},
		Remediation: RemediationConfig{
			BatchSize:         1000,
			ConcurrencyFactor: 1.0,
		},
		Audit: AuditConfig{
			Dir:     "audit",
			CSV:     true,
			LogFile: true,
		},
		TaskStore: TaskStoreConfig{
			Path: "datefix_tasks.db",
		},
	}
}

// Load reads and parses path into a Config, on top of Defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

func Parse(data []byte) (*Config, error) {
	c := Defaults()
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, err
	}
	c.applyEnv()
	c.fillPort()
	return c, nil
}

// Init loads the config and assigns it to the package variable.
func Init(path string) error {
	c, err := Load(path)
	if err != nil {
		return err
	}
	if err := c.Validate(); err != nil {
		return err
	}
	Cfg = c
	return nil
}

// Get returns the loaded config, or Defaults when nothing was loaded.
func Get() *Config {
	if Cfg == nil {
		return Defaults()
	}
	return Cfg
}

func (c *Config) applyEnv() {
	if pw, ok := os.LookupEnv(PasswordEnvVar); ok {
		c.Database.Password = pw
	}
}

func (c *Config) fillPort() {
	if c.Database.Port != 0 {
		return
	}
	switch strings.ToLower(c.Database.Driver) {
	case "mysql":
		c.Database.Port = 3306
	case "postgres", "postgresql", "pgx":
		c.Database.Port = 5432
	}
}

func (c *Config) Validate() error {
	var errs []error

	switch strings.ToLower(strings.TrimSpace(c.Database.Driver)) {
	case "mysql", "postgres", "postgresql", "pgx":
		if c.Database.DSN == "" && c.Database.DBName == "" {
			errs = append(errs, errors.New("database.dbname is required"))
		}
	case "sqlite", "sqlite3":
		if c.Database.DSN == "" && c.Database.DBName == "" {
			errs = append(errs, errors.New("database.dbname must name the sqlite file"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported database.driver %q (expected mysql, postgres or sqlite)", c.Database.Driver))
	}

	if c.Remediation.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("remediation.batch_size must be positive, got %d", c.Remediation.BatchSize))
	}
	if c.Remediation.ConcurrencyFactor <= 0 || c.Remediation.ConcurrencyFactor > 4 {
		errs = append(errs, fmt.Errorf("remediation.concurrency_factor must be within (0, 4], got %v", c.Remediation.ConcurrencyFactor))
	}
	for i, r := range c.Remediation.Rules {
		if strings.TrimSpace(r.Value) == "" {
			errs = append(errs, fmt.Errorf("remediation.rules[%d]: value is required", i))
		}
	}

	return errors.Join(errs...)
}
