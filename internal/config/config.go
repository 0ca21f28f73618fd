// Package config loads daemon configuration the way the rest of this
// codebase's ambient stack is built: hardcoded defaults, an optional YAML
// overlay, then environment-variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"

	units "github.com/docker/go-units"
	"gopkg.in/yaml.v3"
)

// Limits carries the default per-phase resource ceilings applied when a
// request does not override them, and the hard ceilings a request may
// never exceed.
type Limits struct {
	CompileWallMs   int64  `yaml:"compile_wall_ms"`
	RunWallMs       int64  `yaml:"run_wall_ms"`
	MaxWallMs       int64  `yaml:"max_wall_ms"`
	CompileMemory   string `yaml:"compile_memory"`
	RunMemory       string `yaml:"run_memory"`
	MaxMemory       string `yaml:"max_memory"`
	MaxOutputBytes  string `yaml:"max_output_bytes"`
	MaxProcesses    int    `yaml:"max_processes"`
	MaxOpenFiles    int    `yaml:"max_open_files"`
	MaxFileSize     string `yaml:"max_file_size"`
}

// ResolvedLimits is Limits after byte-size strings have been parsed.
type ResolvedLimits struct {
	CompileWallMs  int64
	RunWallMs      int64
	MaxWallMs      int64
	CompileMemory  int64
	RunMemory      int64
	MaxMemory      int64
	MaxOutputBytes int64
	MaxProcesses   int
	MaxOpenFiles   int
	MaxFileSize    int64
}

// Resolve parses the human-readable byte-size fields (e.g. "512mb") with
// go-units, mirroring the teacher's use of the same library for tmpfs
// sizing in internal/docker/client.go.
func (l Limits) Resolve() (ResolvedLimits, error) {
	var r ResolvedLimits
	var err error
	r.CompileWallMs, r.RunWallMs, r.MaxWallMs = l.CompileWallMs, l.RunWallMs, l.MaxWallMs
	r.MaxProcesses, r.MaxOpenFiles = l.MaxProcesses, l.MaxOpenFiles

	if r.CompileMemory, err = units.RAMInBytes(l.CompileMemory); err != nil {
		return r, fmt.Errorf("compile_memory: %w", err)
	}
	if r.RunMemory, err = units.RAMInBytes(l.RunMemory); err != nil {
		return r, fmt.Errorf("run_memory: %w", err)
	}
	if r.MaxMemory, err = units.RAMInBytes(l.MaxMemory); err != nil {
		return r, fmt.Errorf("max_memory: %w", err)
	}
	if r.MaxOutputBytes, err = units.RAMInBytes(l.MaxOutputBytes); err != nil {
		return r, fmt.Errorf("max_output_bytes: %w", err)
	}
	if r.MaxFileSize, err = units.RAMInBytes(l.MaxFileSize); err != nil {
		return r, fmt.Errorf("max_file_size: %w", err)
	}
	return r, nil
}

// ConcurrencyConfig configures the Job Concurrency Governor.
type ConcurrencyConfig struct {
	PerClientCap int     `yaml:"per_client_cap"`
	GlobalCap    int     `yaml:"global_cap"`
	RatePerSec   float64 `yaml:"rate_per_sec"`
	RateBurst    int     `yaml:"rate_burst"`
}

// IsolationConfig configures the Isolation Provider's slot pool.
type IsolationConfig struct {
	Root    string `yaml:"root"`
	Slots   int    `yaml:"slots"`
	BaseUID int    `yaml:"base_uid"`
	BaseGID int    `yaml:"base_gid"`
}

type Config struct {
	Listen      string            `yaml:"listen"`
	RegistryDir string            `yaml:"registry_dir"`
	DBPath      string            `yaml:"db_path"`
	Isolation   IsolationConfig   `yaml:"isolation"`
	Limits      Limits            `yaml:"limits"`
	Concurrency ConcurrencyConfig `yaml:"concurrency"`
}

func Load(yamlPath string) (*Config, error) {
	cfg := &Config{
		Listen:      "127.0.0.1:8080",
		RegistryDir: "./runtimes",
		DBPath:      "./sandbox-engine.db",
		Isolation: IsolationConfig{
			Root:    "/var/lib/sandbox-engine/slots",
			Slots:   32,
			BaseUID: 700000,
			BaseGID: 700000,
		},
		Limits: Limits{
			CompileWallMs:  10000,
			RunWallMs:      5000,
			MaxWallMs:      60000,
			CompileMemory:  "256mb",
			RunMemory:      "256mb",
			MaxMemory:      "1gb",
			MaxOutputBytes: "1mb",
			MaxProcesses:   64,
			MaxOpenFiles:   256,
			MaxFileSize:    "50mb",
		},
		Concurrency: ConcurrencyConfig{
			PerClientCap: 4,
			GlobalCap:    64,
			RatePerSec:   2,
			RateBurst:    4,
		},
	}

	if yamlPath != "" {
		data, err := os.ReadFile(yamlPath)
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, err
			}
		} else if !os.IsNotExist(err) {
			return nil, err
		}
	}

	applyEnvOverrides(cfg)

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SANDBOX_ENGINE_LISTEN"); v != "" {
		cfg.Listen = v
	}
	if v := os.Getenv("SANDBOX_ENGINE_REGISTRY_DIR"); v != "" {
		cfg.RegistryDir = v
	}
	if v := os.Getenv("SANDBOX_ENGINE_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("SANDBOX_ENGINE_ISOLATION_ROOT"); v != "" {
		cfg.Isolation.Root = v
	}
	if v := os.Getenv("SANDBOX_ENGINE_SLOTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Isolation.Slots = n
		}
	}
	if v := os.Getenv("SANDBOX_ENGINE_BASE_UID"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Isolation.BaseUID = n
		}
	}
	if v := os.Getenv("SANDBOX_ENGINE_BASE_GID"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Isolation.BaseGID = n
		}
	}
	if v := os.Getenv("SANDBOX_ENGINE_PER_CLIENT_CAP"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Concurrency.PerClientCap = n
		}
	}
	if v := os.Getenv("SANDBOX_ENGINE_GLOBAL_CAP"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Concurrency.GlobalCap = n
		}
	}
}
