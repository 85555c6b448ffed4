// Package config loads the daemon's on-disk configuration (server
// tuning, logging, retention, and a bundled job list) from YAML or
// TOML, and optionally watches it for hot-reload. Grounded on
// original_source/daemon/src/config.rs's Config{server, logging,
// retention, jobs} shape and its from_yaml_file/from_toml_file/merge
// methods, translated to Go's double-decode strictness idiom from the
// teacher's dec.DisallowUnknownFields() (internal/http/job_server.go)
// and inipew-pewbot/internal/config/manager.go's fsnotify watch loop.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/lunasched/lunasched/internal/model"
)

// Server tunes the daemon runtime, defaults matching config.rs's
// default_tick_interval/default_max_concurrent/etc.
type Server struct {
	TickIntervalMS    uint64 `yaml:"tick_interval_ms" toml:"tick_interval_ms"`
	MaxConcurrentJobs uint32 `yaml:"max_concurrent_jobs" toml:"max_concurrent_jobs"`
	DataDir           string `yaml:"data_dir" toml:"data_dir"`
	SocketPath        string `yaml:"socket_path" toml:"socket_path"`
}

// Logging configures internal/logging.
type Logging struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
	Output string `yaml:"output" toml:"output"`
}

// Retention bounds how much execution history the store keeps.
type Retention struct {
	HistoryDays      uint32 `yaml:"history_days" toml:"history_days"`
	MaxHistoryPerJob uint32 `yaml:"max_history_per_job" toml:"max_history_per_job"`
}

// Config is the full bundle a config file may declare, spec.md §6
// "configuration import" plus the retention/logging/server sections
// original_source/daemon/src/config.rs carries that the distilled spec
// left implicit.
type Config struct {
	Server    Server      `yaml:"server" toml:"server"`
	Logging   Logging     `yaml:"logging" toml:"logging"`
	Retention Retention   `yaml:"retention" toml:"retention"`
	Jobs      []model.Job `yaml:"jobs" toml:"jobs"`
}

// Default mirrors config.rs's Default impl.
func Default() Config {
	return Config{
		Server: Server{
			TickIntervalMS:    1000,
			MaxConcurrentJobs: 10,
			DataDir:           "/var/lib/lunasched",
			SocketPath:        "/var/run/lunasched.sock",
		},
		Logging: Logging{Level: "info", Format: "text"},
		Retention: Retention{
			HistoryDays:      30,
			MaxHistoryPerJob: 100,
		},
	}
}

// LoadFile loads path, sniffing format from its extension. Unknown
// top-level keys produce warnings but do not abort the import; a
// structurally invalid or missing-required-field document rejects the
// whole import transactionally (nothing is committed to the returned
// Config), spec.md §7's "unknown fields warn, missing required fields
// reject" policy.
func LoadFile(path string) (Config, []string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, nil, fmt.Errorf("read config file %s: %w", path, err)
	}

	switch ext := filepath.Ext(path); ext {
	case ".yaml", ".yml":
		return loadYAML(raw)
	case ".toml":
		return loadTOML(raw)
	default:
		return Config{}, nil, fmt.Errorf("unsupported config file extension %q: use .yaml, .yml, or .toml", ext)
	}
}

func loadYAML(raw []byte) (Config, []string, error) {
	// Strict pass only to collect the unknown-field warnings; its
	// decode error (if any) is informational, the lenient pass below is
	// authoritative for whether the import as a whole succeeds.
	var warnings []string
	strict := yaml.NewDecoder(bytes.NewReader(raw))
	strict.KnownFields(true)
	var probe Config
	if err := strict.Decode(&probe); err != nil {
		warnings = append(warnings, err.Error())
	}

	cfg := Default()
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, nil, fmt.Errorf("parse yaml config: %w", err)
	}
	if err := validateRequired(cfg); err != nil {
		return Config{}, nil, err
	}
	return cfg, warnings, nil
}

func loadTOML(raw []byte) (Config, []string, error) {
	cfg := Default()
	meta, err := toml.Decode(string(raw), &cfg)
	if err != nil {
		return Config{}, nil, fmt.Errorf("parse toml config: %w", err)
	}
	var warnings []string
	for _, key := range meta.Undecoded() {
		warnings = append(warnings, fmt.Sprintf("unknown config key: %s", key.String()))
	}
	if err := validateRequired(cfg); err != nil {
		return Config{}, nil, err
	}
	return cfg, warnings, nil
}

// validateRequired rejects a document missing a name or command on any
// bundled job, spec.md §7's transactional-reject policy; per-job
// schedule/timezone validation happens in model.Job.Validate at import
// time in internal/control.
func validateRequired(cfg Config) error {
	seen := make(map[string]bool, len(cfg.Jobs))
	for _, job := range cfg.Jobs {
		if job.Name == "" {
			return fmt.Errorf("config rejected: job missing required field 'name'")
		}
		if job.Command == "" {
			return fmt.Errorf("config rejected: job %q missing required field 'command'", job.Name)
		}
		if seen[job.Name] {
			return fmt.Errorf("config rejected: duplicate job name %q", job.Name)
		}
		seen[job.Name] = true
	}
	return nil
}
