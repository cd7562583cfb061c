package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidModelKinds lists the model kinds with built-in constructors. Used by
// [Validate] to warn about unrecognised kinds, which may still be registered
// at runtime.
var ValidModelKinds = []string{"http", "mock"}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, fills in defaults for omitted
// fields, and validates the result. Useful in tests where configs are
// constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Defaults()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.TLS != nil {
		if cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "" {
			errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
		}
	}

	// Model
	if cfg.Model.Kind != "" && !slices.Contains(ValidModelKinds, cfg.Model.Kind) {
		slog.Warn("unknown model kind — may be a typo or a runtime-registered model",
			"kind", cfg.Model.Kind,
			"known", ValidModelKinds,
		)
	}
	if cfg.Model.Kind == "http" && cfg.Model.URL == "" {
		errs = append(errs, errors.New("model.url is required when model.kind is http"))
	}
	if cfg.Model.Dimensions <= 0 {
		errs = append(errs, fmt.Errorf("model.dimensions must be positive, got %d", cfg.Model.Dimensions))
	}
	if cfg.Model.Timeout < 0 {
		errs = append(errs, fmt.Errorf("model.timeout must not be negative, got %s", cfg.Model.Timeout))
	}

	// Media
	for i, base := range cfg.Media.SearchBases {
		if base == "" {
			errs = append(errs, fmt.Errorf("media.search_bases[%d] is empty", i))
		}
	}

	// Identify
	if cfg.Identify.Threshold < -1 || cfg.Identify.Threshold > 1 {
		errs = append(errs, fmt.Errorf("identify.threshold %.2f is out of range [-1, 1]", cfg.Identify.Threshold))
	}
	if cfg.Identify.Scope != "" && !cfg.Identify.Scope.IsValid() {
		errs = append(errs, fmt.Errorf("identify.scope %q is invalid; valid values: run, global", cfg.Identify.Scope))
	}

	// Cluster
	if cfg.Cluster.MinClusterSize < 2 {
		errs = append(errs, fmt.Errorf("cluster.min_cluster_size must be at least 2, got %d", cfg.Cluster.MinClusterSize))
	}
	if cfg.Cluster.MinSamples < 1 {
		errs = append(errs, fmt.Errorf("cluster.min_samples must be at least 1, got %d", cfg.Cluster.MinSamples))
	}
	if cfg.Cluster.MaxIntraDistance <= 0 || cfg.Cluster.MaxIntraDistance > 2 {
		errs = append(errs, fmt.Errorf("cluster.max_intra_distance %.2f is out of range (0, 2]", cfg.Cluster.MaxIntraDistance))
	}

	// Reconcile
	if cfg.Reconcile.Limit < 0 {
		errs = append(errs, fmt.Errorf("reconcile.limit must not be negative, got %d", cfg.Reconcile.Limit))
	}
	if cfg.Reconcile.MaxFailureRate < 0 || cfg.Reconcile.MaxFailureRate > 1 {
		errs = append(errs, fmt.Errorf("reconcile.max_failure_rate %.2f is out of range [0, 1]", cfg.Reconcile.MaxFailureRate))
	}

	// Persistence availability
	if cfg.Store.PostgresDSN == "" {
		slog.Warn("store.postgres_dsn is empty; falling back to in-memory stores, nothing will survive a restart")
	}

	return errors.Join(errs...)
}
