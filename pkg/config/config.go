// Package config defines the repair driver's configuration: every option
// spec.md §4.6 recognises, validation producing CONFIG_INVALID, and an
// optional YAML file layered under command-line flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cuemby/rangerepair/pkg/exclude"
)

// ErrInvalidConfig is returned by Validate when the configuration violates
// one of spec.md's CONFIG_INVALID rules.
var ErrInvalidConfig = errors.New("config: invalid")

// ExcludeRule is the YAML/flag-facing shape of an exclusion record; Step
// mirrors exclude.Rule but keeps this package free of a direct dependency
// on exclude's zero-value conventions during unmarshalling.
type ExcludeRule struct {
	Keyspace     string `yaml:"keyspace,omitempty"`
	ColumnFamily string `yaml:"column_family,omitempty"`
	Node         string `yaml:"node"`
	Step         int    `yaml:"step"`
}

// Config is every option the repair driver needs, whether it came from
// flags, a YAML file, or a flag overriding a YAML value. It is built once
// and never mutated afterward.
type Config struct {
	Keyspace      string   `yaml:"keyspace"`
	ColumnFamily  []string `yaml:"column_family"`
	Host          string   `yaml:"host"`
	Port          int      `yaml:"port"`
	Datacenter    string   `yaml:"datacenter"`
	NodetoolPath  string   `yaml:"nodetool"`

	Steps  int `yaml:"steps"`
	Offset int `yaml:"offset"`

	Workers int `yaml:"workers"`

	Full        bool `yaml:"full"`
	Local       bool `yaml:"local"`
	Parallel    bool `yaml:"parallel"`
	Incremental bool `yaml:"incremental"`
	Snapshot    bool `yaml:"snapshot"`

	OutputStatus string `yaml:"output_status"`
	LogStatus    bool   `yaml:"log_status"`
	Resume       bool   `yaml:"resume"`

	MaxTries     int           `yaml:"max_tries"`
	InitialSleep time.Duration `yaml:"initial_sleep"`
	SleepFactor  float64       `yaml:"sleep_factor"`
	MaxSleep     time.Duration `yaml:"max_sleep"`

	MaxSleepBeforeRun time.Duration `yaml:"max_sleep_before_run"`

	DryRun  bool `yaml:"dry_run"`
	Verbose bool `yaml:"verbose"`
	Debug   bool `yaml:"debug"`

	Syslog  string `yaml:"syslog"`
	Logfile string `yaml:"logfile"`

	MetricsAddr string `yaml:"metrics_addr"`

	Exclude []ExcludeRule `yaml:"exclude"`
}

// Default returns a Config with the same defaults the original tool's
// option parser used.
func Default() Config {
	return Config{
		Host:              hostname(),
		Port:              7199,
		NodetoolPath:      "nodetool",
		Steps:             100,
		Workers:           1,
		MaxTries:          1,
		InitialSleep:      time.Second,
		SleepFactor:       2,
		MaxSleep:          1800 * time.Second,
		MaxSleepBeforeRun: 60 * time.Second,
	}
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "localhost"
	}
	return h
}

// LoadYAML reads path and unmarshals it onto a copy of base, returning the
// merged Config. Fields absent from the YAML document keep base's value.
func LoadYAML(base Config, path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return base, fmt.Errorf("%w: reading %s: %v", ErrInvalidConfig, path, err)
	}
	cfg := base
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return base, fmt.Errorf("%w: parsing %s: %v", ErrInvalidConfig, path, err)
	}
	return cfg, nil
}

// Normalize applies the one auto-upgrade spec.md §4.6 specifies
// (incremental implies parallel) before Validate runs.
func (c *Config) Normalize() {
	if c.Incremental {
		c.Parallel = true
	}
}

// Validate checks the CONFIG_INVALID rules from spec.md §4.6/§7: a
// column-family list requires a keyspace, and --resume requires
// --output-status.
func (c Config) Validate() error {
	if len(c.ColumnFamily) > 0 && c.Keyspace == "" {
		return fmt.Errorf("%w: column_family given without keyspace", ErrInvalidConfig)
	}
	if c.Resume && c.OutputStatus == "" {
		return fmt.Errorf("%w: resume requires output_status", ErrInvalidConfig)
	}
	return nil
}

// ExcludeRules converts the configured exclusion list to exclude.Rule
// values for exclude.Check.
func (c Config) ExcludeRules() []exclude.Rule {
	rules := make([]exclude.Rule, len(c.Exclude))
	for i, r := range c.Exclude {
		rules[i] = exclude.Rule{
			Keyspace:     r.Keyspace,
			ColumnFamily: r.ColumnFamily,
			Node:         r.Node,
			Step:         r.Step,
		}
	}
	return rules
}
