// Package config loads server and election settings.
//
// Values come from Default, then an optional file (YAML, TOML or JSON by
// extension), then ELECTION_* environment variables.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "ELECTION_"

var (
	ErrInvalidConfig     = errors.New("config: invalid configuration")
	ErrUnsupportedFormat = errors.New("config: unsupported file format")
)

type Config struct {
	DataDir     string         `yaml:"data_dir" json:"data_dir" toml:"data_dir"`
	Store       string         `yaml:"store" json:"store" toml:"store"`
	Listen      string         `yaml:"listen" json:"listen" toml:"listen"`
	ArchiveKeep int            `yaml:"archive_keep" json:"archive_keep" toml:"archive_keep"`
	Election    ElectionConfig `yaml:"election" json:"election" toml:"election"`
	Log         LogConfig      `yaml:"log" json:"log" toml:"log"`
}

type ElectionConfig struct {
	PrimeBits        int  `yaml:"prime_bits" json:"prime_bits" toml:"prime_bits"`
	Threshold        int  `yaml:"threshold" json:"threshold" toml:"threshold"`
	Shares           int  `yaml:"shares" json:"shares" toml:"shares"`
	PersistKey       bool `yaml:"persist_key" json:"persist_key" toml:"persist_key"`
	MaxPrimeAttempts int  `yaml:"max_prime_attempts" json:"max_prime_attempts" toml:"max_prime_attempts"`
	// Authenticated switches new ballots to AES-GCM. Off keeps the CBC format.
	Authenticated bool `yaml:"authenticated" json:"authenticated" toml:"authenticated"`
	TallyWorkers  int  `yaml:"tally_workers" json:"tally_workers" toml:"tally_workers"`
}

type LogConfig struct {
	Level     string `yaml:"level" json:"level" toml:"level"`
	Format    string `yaml:"format" json:"format" toml:"format"`
	AddSource bool   `yaml:"add_source" json:"add_source" toml:"add_source"`
}

// Default mirrors the reference deployment: data/, 257-bit prime, 3 of 5.
func Default() Config {
	return Config{
		DataDir:     "data",
		Store:       "json",
		Listen:      ":8080",
		ArchiveKeep: 5,
		Election: ElectionConfig{
			PrimeBits:        257,
			Threshold:        3,
			Shares:           5,
			MaxPrimeAttempts: 200000,
			TallyWorkers:     0,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load builds a Config from defaults, the file at path (if path is not
// empty) and the environment, then validates it.
func Load(path string) (Config, error) {
	conf := Default()

	if path != "" {
		if err := loadFile(&conf, path); err != nil {
			return Config{}, err
		}
	}

	if err := applyEnv(&conf, os.LookupEnv); err != nil {
		return Config{}, err
	}

	if err := conf.Validate(); err != nil {
		return Config{}, err
	}
	return conf, nil
}

func loadFile(conf *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(conf); err != nil {
			return fmt.Errorf("failed to parse %s: %w", path, err)
		}
	case ".toml":
		md, err := toml.Decode(string(data), conf)
		if err != nil {
			return fmt.Errorf("failed to parse %s: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return fmt.Errorf("%w: unknown key %s in %s", ErrInvalidConfig, undecoded[0], path)
		}
	case ".json":
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(conf); err != nil {
			return fmt.Errorf("failed to parse %s: %w", path, err)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedFormat, ext)
	}
	return nil
}

func applyEnv(conf *Config, lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		"DATA_DIR":   &conf.DataDir,
		"STORE":      &conf.Store,
		"LISTEN":     &conf.Listen,
		"LOG_LEVEL":  &conf.Log.Level,
		"LOG_FORMAT": &conf.Log.Format,
	}
	ints := map[string]*int{
		"ARCHIVE_KEEP":       &conf.ArchiveKeep,
		"PRIME_BITS":         &conf.Election.PrimeBits,
		"THRESHOLD":          &conf.Election.Threshold,
		"SHARES":             &conf.Election.Shares,
		"MAX_PRIME_ATTEMPTS": &conf.Election.MaxPrimeAttempts,
		"TALLY_WORKERS":      &conf.Election.TallyWorkers,
	}
	bools := map[string]*bool{
		"PERSIST_KEY":    &conf.Election.PersistKey,
		"AUTHENTICATED":  &conf.Election.Authenticated,
		"LOG_ADD_SOURCE": &conf.Log.AddSource,
	}

	for name, dst := range strs {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = v
		}
	}
	for name, dst := range ints {
		if v, ok := lookup(EnvPrefix + name); ok {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				return fmt.Errorf("%w: %s%s=%q is not an integer", ErrInvalidConfig, EnvPrefix, name, v)
			}
			*dst = n
		}
	}
	for name, dst := range bools {
		if v, ok := lookup(EnvPrefix + name); ok {
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				return fmt.Errorf("%w: %s%s=%q is not a boolean", ErrInvalidConfig, EnvPrefix, name, v)
			}
			*dst = b
		}
	}
	return nil
}

// Validate checks ranges and enumerations.
func (c Config) Validate() error {
	var problems []string

	if c.DataDir == "" {
		problems = append(problems, "data_dir is required")
	}
	switch c.Store {
	case "json", "bolt":
	default:
		problems = append(problems, fmt.Sprintf("store must be json or bolt, got %q", c.Store))
	}
	if c.ArchiveKeep < 1 {
		problems = append(problems, "archive_keep must be at least 1")
	}

	e := c.Election
	if e.PrimeBits < 256 {
		problems = append(problems, "election.prime_bits must be at least 256")
	}
	if e.Threshold < 1 || e.Threshold > e.Shares {
		problems = append(problems, fmt.Sprintf("election.threshold must be in [1, shares], got %d of %d", e.Threshold, e.Shares))
	}
	if e.MaxPrimeAttempts < 1 {
		problems = append(problems, "election.max_prime_attempts must be positive")
	}
	if e.TallyWorkers < 0 {
		problems = append(problems, "election.tally_workers must not be negative")
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}
