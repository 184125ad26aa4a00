// Package runconfig loads the orchestrator's run configuration from a YAML
// file. Environment variables referenced as ${VAR} or $VAR are expanded
// before parsing, so endpoint credentials can live in the environment (e.g.
// loaded from a .env file) rather than in the committed config.
package runconfig

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/troupe-dev/troupe/pkg/conductor"
	"github.com/troupe-dev/troupe/pkg/dispatch"
)

// Config is the top-level run configuration.
type Config struct {
	// Endpoints are the control server URLs players can be placed on.
	// Empty means local-only runs.
	Endpoints []string `yaml:"endpoints"`

	// CallTimeoutMS is the hard deadline for a single zome call. Zero
	// means the dispatcher default.
	CallTimeoutMS int `yaml:"call_timeout_ms"`

	// SoftTimeoutMS is the threshold after which a still-pending call is
	// logged as slow. Zero means half the hard deadline.
	SoftTimeoutMS int `yaml:"soft_timeout_ms"`

	// DumpStateOnTimeout captures a conductor state dump when a call
	// exceeds its hard deadline.
	DumpStateOnTimeout bool `yaml:"dump_state_on_timeout"`

	// LegacyProtocol runs conductors in the legacy read-only admin mode.
	LegacyProtocol bool `yaml:"legacy_protocol"`

	// KillSignal is passed to process termination. Empty means the
	// platform default.
	KillSignal string `yaml:"kill_signal"`
}

// Load reads a YAML file and returns a Config with environment variables
// expanded.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is caller-provided configuration, not user input
	if err != nil {
		return Config{}, fmt.Errorf("runconfig: load: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return Config{}, fmt.Errorf("runconfig: parse: %w", err)
	}

	return cfg, nil
}

// LoadDotEnv loads environment variables from path before Load expands
// them. Missing files are ignored.
func LoadDotEnv(path string) error {
	err := godotenv.Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// Validate checks that the configuration is internally consistent.
func (c Config) Validate() error {
	seen := make(map[string]struct{}, len(c.Endpoints))
	for _, e := range c.Endpoints {
		if !strings.HasPrefix(e, "ws://") && !strings.HasPrefix(e, "wss://") &&
			!strings.HasPrefix(e, "http://") && !strings.HasPrefix(e, "https://") {
			return fmt.Errorf("runconfig: endpoint %q: unsupported scheme", e)
		}
		if _, dup := seen[e]; dup {
			return fmt.Errorf("runconfig: duplicate endpoint %q", e)
		}
		seen[e] = struct{}{}
	}

	if c.CallTimeoutMS < 0 {
		return fmt.Errorf("runconfig: call_timeout_ms must not be negative")
	}
	if c.SoftTimeoutMS < 0 {
		return fmt.Errorf("runconfig: soft_timeout_ms must not be negative")
	}
	if c.SoftTimeoutMS > 0 && c.CallTimeoutMS > 0 && c.SoftTimeoutMS >= c.CallTimeoutMS {
		return fmt.Errorf("runconfig: soft_timeout_ms must be below call_timeout_ms")
	}

	return nil
}

// DispatchOptions converts the call-timeout settings into dispatcher
// options.
func (c Config) DispatchOptions() dispatch.Options {
	return dispatch.Options{
		Timeout:     time.Duration(c.CallTimeoutMS) * time.Millisecond,
		SoftTimeout: time.Duration(c.SoftTimeoutMS) * time.Millisecond,
	}
}

// ConductorOptions converts the configuration into the option template used
// for every spawned conductor.
func (c Config) ConductorOptions() conductor.Options {
	return conductor.Options{
		Dispatch:           c.DispatchOptions(),
		DumpStateOnTimeout: c.DumpStateOnTimeout,
		DisableAdmin:       c.LegacyProtocol,
	}
}
