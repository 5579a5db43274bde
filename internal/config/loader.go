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

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"realtime":  {"openai-realtime"},
	"sanitizer": {"openai"},
}

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

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
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
		if cfg.Server.TLS.CertFile == "" {
			errs = append(errs, errors.New("server.tls.cert_file is required when tls is set"))
		}
		if cfg.Server.TLS.KeyFile == "" {
			errs = append(errs, errors.New("server.tls.key_file is required when tls is set"))
		}
	}

	// Providers
	validateProviderName("realtime", cfg.Providers.Realtime.Name)
	validateProviderName("sanitizer", cfg.Providers.Sanitizer.Name)

	if cfg.Providers.Realtime.Name != "" && cfg.Providers.Realtime.APIKey == "" {
		errs = append(errs, errors.New("providers.realtime.api_key is required"))
	}
	if cfg.Providers.Sanitizer.Name != "" && cfg.Providers.Sanitizer.APIKey == "" {
		errs = append(errs, errors.New("providers.sanitizer.api_key is required"))
	}
	if cfg.Providers.Sanitizer.Name == "" {
		slog.Warn("providers.sanitizer is not configured; malformed detection payloads that local repair cannot fix will be dropped")
	}

	// Store
	if cfg.Store.PostgresDSN == "" {
		slog.Warn("store.postgres_dsn is empty; using in-memory store, sessions will not survive a restart")
	}

	// Detection
	if cfg.Detection.MinConfidence < 0 || cfg.Detection.MinConfidence > 1 {
		errs = append(errs, fmt.Errorf("detection.min_confidence %.2f is out of range [0, 1]", cfg.Detection.MinConfidence))
	}
	if cfg.Detection.MaxReferences < 0 {
		errs = append(errs, fmt.Errorf("detection.max_references %d must not be negative", cfg.Detection.MaxReferences))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
