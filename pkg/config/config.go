// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/mbeema/pktmask/pkg/applier"
	"github.com/mbeema/pktmask/pkg/mask"
)

// Config is the top-level configuration for pktmask.
type Config struct {
	LogLevel  string                  `yaml:"log_level" env:"PKTMASK_LOG_LEVEL"`
	Masking   MaskingConfig           `yaml:"masking"`
	Policies  map[string]PolicyConfig `yaml:"policies"`
	Fallback  FallbackConfig          `yaml:"fallback"`
	Batch     BatchConfig             `yaml:"batch"`
	Watch     WatchConfig             `yaml:"watch"`
	Recipe    RecipeConfig            `yaml:"recipe"`
	Exporters ExportersConfig         `yaml:"exporters"`
	Health    HealthConfig            `yaml:"health"`
}

type MaskingConfig struct {
	DefaultPolicy       string `yaml:"default_policy"` // "keep" or "mask"
	Workers             int    `yaml:"workers"`
	CancelCheckInterval int    `yaml:"cancel_check_interval"`
	MaxStreamBuffer     int    `yaml:"max_stream_buffer"` // bytes per stream direction
	DryRun              bool   `yaml:"dry_run"`
	// RecordFeed is a JSON Lines file of dissected records. When empty the
	// built-in scanners locate records.
	RecordFeed string `yaml:"record_feed"`
}

// PolicyConfig overrides the mask spec of record types of one protocol.
// Specs use the textual form, e.g. "keep_all", "mask_after(5)",
// "mask_ranges([0,5),[10,12))".
type PolicyConfig struct {
	Templates map[string]string `yaml:"templates"`
	Default   string            `yaml:"default"`
}

type FallbackConfig struct {
	// Tiers lists the enabled strategies in order.
	Tiers            []string `yaml:"tiers"`
	TrimmerKeepBytes int      `yaml:"trimmer_keep_bytes"`
}

type BatchConfig struct {
	Parallelism int `yaml:"parallelism"`
}

type WatchConfig struct {
	Dir     string `yaml:"dir"`
	OutDir  string `yaml:"out_dir"`
	Pattern string `yaml:"pattern"`
}

type RecipeConfig struct {
	Write bool   `yaml:"write"`
	Dir   string `yaml:"dir"` // empty: next to the output file
}

type ExportersConfig struct {
	OTLP   OTLPConfig   `yaml:"otlp"`
	Stdout StdoutConfig `yaml:"stdout"`
}

type OTLPConfig struct {
	Enabled     bool              `yaml:"enabled"`
	Protocol    string            `yaml:"protocol"` // "grpc" (default) or "http"
	Endpoint    string            `yaml:"endpoint"` // host:port
	Insecure    bool              `yaml:"insecure"`
	Compression string            `yaml:"compression"` // "gzip" (default) or "none"
	Headers     map[string]string `yaml:"headers"`
}

type StdoutConfig struct {
	Enabled bool   `yaml:"enabled"`
	Format  string `yaml:"format"` // "text" or "json"
}

type HealthConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    string `yaml:"port" env:"PKTMASK_HEALTH_PORT"` // e.g. ":8687"
}

// Tier names.
const (
	TierPrimary = "primary"
	TierTrimmer = "trimmer"
	TierGeneric = "generic"
)

// Load reads a YAML config file, applies environment overrides and
// validates the result.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if err := loadFileInto(path, cfg); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := cfg.ApplyEnvOverrides(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		Masking: MaskingConfig{
			DefaultPolicy:       "keep",
			Workers:             1,
			CancelCheckInterval: 256,
			MaxStreamBuffer:     64 * 1024 * 1024,
		},
		Policies: map[string]PolicyConfig{},
		Fallback: FallbackConfig{
			Tiers:            []string{TierPrimary, TierTrimmer, TierGeneric},
			TrimmerKeepBytes: 5,
		},
		Batch: BatchConfig{
			Parallelism: 4,
		},
		Watch: WatchConfig{
			Pattern: "*.pcap*",
		},
		Exporters: ExportersConfig{
			OTLP: OTLPConfig{
				Enabled:     false,
				Protocol:    "grpc",
				Endpoint:    "localhost:4317",
				Insecure:    true,
				Compression: "gzip",
			},
			Stdout: StdoutConfig{
				Enabled: false,
				Format:  "text",
			},
		},
		Health: HealthConfig{
			Enabled: false,
			Port:    ":8687",
		},
	}
}

// LoadDir loads base.yaml and policies.yaml from dir, later files
// overriding earlier ones.
func LoadDir(dir string) (*Config, error) {
	cfg := DefaultConfig()

	for _, f := range []string{"base.yaml", "policies.yaml"} {
		if err := loadFileInto(filepath.Join(dir, f), cfg); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("load %s: %w", f, err)
		}
	}

	if err := cfg.ApplyEnvOverrides(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// loadFileInto reads a YAML file and unmarshals it into an existing Config,
// overwriting only the fields present in the file.
func loadFileInto(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// LoadDotEnv loads variables from a .env file into the process environment
// without overriding variables already set. A missing file is not an error.
func LoadDotEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// ApplyEnvOverrides reads PKTMASK_* environment variables and applies them
// to the config, overriding YAML values.
func (c *Config) ApplyEnvOverrides() error {
	envOverrides := map[string]func(string){
		"PKTMASK_LOG_LEVEL":               func(v string) { c.LogLevel = v },
		"PKTMASK_DEFAULT_POLICY":          func(v string) { c.Masking.DefaultPolicy = v },
		"PKTMASK_RECORD_FEED":             func(v string) { c.Masking.RecordFeed = v },
		"PKTMASK_HEALTH_PORT":             func(v string) { c.Health.Port = v },
		"PKTMASK_EXPORTERS_OTLP_ENDPOINT": func(v string) { c.Exporters.OTLP.Endpoint = v },
		"PKTMASK_EXPORTERS_OTLP_PROTOCOL": func(v string) { c.Exporters.OTLP.Protocol = v },
		"PKTMASK_WATCH_DIR":               func(v string) { c.Watch.Dir = v },
		"PKTMASK_WATCH_OUT_DIR":           func(v string) { c.Watch.OutDir = v },
		"PKTMASK_FALLBACK_TIERS":          func(v string) { c.Fallback.Tiers = splitList(v) },
	}

	boolOverrides := map[string]*bool{
		"PKTMASK_DRY_RUN":        &c.Masking.DryRun,
		"PKTMASK_RECIPE_WRITE":   &c.Recipe.Write,
		"PKTMASK_OTLP_ENABLED":   &c.Exporters.OTLP.Enabled,
		"PKTMASK_STDOUT_ENABLED": &c.Exporters.Stdout.Enabled,
		"PKTMASK_HEALTH_ENABLED": &c.Health.Enabled,
	}

	intOverrides := map[string]*int{
		"PKTMASK_WORKERS":           &c.Masking.Workers,
		"PKTMASK_BATCH_PARALLELISM": &c.Batch.Parallelism,
		"PKTMASK_MAX_STREAM_BUFFER": &c.Masking.MaxStreamBuffer,
	}

	for envKey, setter := range envOverrides {
		if val := os.Getenv(envKey); val != "" {
			setter(val)
		}
	}

	for envKey, target := range boolOverrides {
		if val := os.Getenv(envKey); val != "" {
			*target = parseBool(val)
		}
	}

	for envKey, target := range intOverrides {
		if val := os.Getenv(envKey); val != "" {
			n, err := strconv.Atoi(strings.TrimSpace(val))
			if err != nil {
				return fmt.Errorf("%s: %w", envKey, err)
			}
			*target = n
		}
	}
	return nil
}

func parseBool(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return s == "true" || s == "1" || s == "yes"
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if _, err := applier.ParseDefaultPolicy(c.Masking.DefaultPolicy); err != nil {
		return fmt.Errorf("masking.default_policy: %w", err)
	}
	if c.Masking.Workers < 1 {
		return fmt.Errorf("masking.workers must be at least 1")
	}
	if c.Masking.CancelCheckInterval < 1 {
		return fmt.Errorf("masking.cancel_check_interval must be at least 1")
	}
	if c.Masking.MaxStreamBuffer < 0 {
		return fmt.Errorf("masking.max_stream_buffer must not be negative")
	}
	if c.Batch.Parallelism < 1 {
		return fmt.Errorf("batch.parallelism must be at least 1")
	}

	if len(c.Fallback.Tiers) == 0 {
		return fmt.Errorf("fallback.tiers must name at least one tier")
	}
	seen := make(map[string]bool)
	for _, t := range c.Fallback.Tiers {
		switch t {
		case TierPrimary, TierTrimmer, TierGeneric:
		default:
			return fmt.Errorf("fallback.tiers: unknown tier %q", t)
		}
		if seen[t] {
			return fmt.Errorf("fallback.tiers: %q listed twice", t)
		}
		seen[t] = true
	}
	if c.Fallback.TrimmerKeepBytes < 0 {
		return fmt.Errorf("fallback.trimmer_keep_bytes must not be negative")
	}

	for proto, p := range c.Policies {
		for typ, spec := range p.Templates {
			if _, err := mask.ParseSpec(spec); err != nil {
				return fmt.Errorf("policies.%s.templates.%s: %w", proto, typ, err)
			}
		}
		if p.Default != "" {
			if _, err := mask.ParseSpec(p.Default); err != nil {
				return fmt.Errorf("policies.%s.default: %w", proto, err)
			}
		}
	}

	if c.Exporters.OTLP.Enabled && c.Exporters.OTLP.Endpoint == "" {
		return fmt.Errorf("exporters.otlp.endpoint is required when OTLP is enabled")
	}
	if proto := c.Exporters.OTLP.Protocol; proto != "" && proto != "grpc" && proto != "http" {
		return fmt.Errorf("exporters.otlp.protocol must be 'grpc' or 'http', got %q", proto)
	}
	if comp := c.Exporters.OTLP.Compression; comp != "" && comp != "gzip" && comp != "none" {
		return fmt.Errorf("exporters.otlp.compression must be 'gzip' or 'none', got %q", comp)
	}
	if f := c.Exporters.Stdout.Format; f != "text" && f != "json" {
		return fmt.Errorf("exporters.stdout.format must be 'text' or 'json'")
	}

	if c.Watch.Dir != "" && c.Watch.OutDir == "" {
		return fmt.Errorf("watch.out_dir is required when watch.dir is set")
	}
	if c.Watch.Dir != "" && filepath.Clean(c.Watch.Dir) == filepath.Clean(c.Watch.OutDir) {
		return fmt.Errorf("watch.out_dir must differ from watch.dir")
	}
	if _, err := filepath.Match(c.Watch.Pattern, "x"); err != nil {
		return fmt.Errorf("watch.pattern: %w", err)
	}

	return nil
}

// DefaultPolicy returns the parsed masking default policy.
func (c *Config) DefaultPolicy() applier.DefaultPolicy {
	p, _ := applier.ParseDefaultPolicy(c.Masking.DefaultPolicy)
	return p
}
