package config

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/quadnix/octo-sub002/pkg/errs"
	"github.com/quadnix/octo-sub002/pkg/policy"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Load reads a configuration file over the defaults, applies the environment
// overrides and validates the result. An empty path yields the defaults.
//
// .yaml and .yml files are decoded with yaml.v3. .cue and .json files and directories
// of .cue files are compiled with CUE and checked against the config schema.
func Load(ctx context.Context, path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		info, err := os.Stat(path)
		if err != nil {
			return nil, errs.NewValidationError(fmt.Sprintf("failed to read configuration %s", path), err)
		}

		switch ext := filepath.Ext(path); {
		case info.IsDir(), ext == ".cue", ext == ".json":
			parser := NewCUEParser()
			val, err := parser.Parse(ctx, []string{path})
			if err != nil {
				return nil, err
			}
			if err := parser.Decode(val, cfg); err != nil {
				return nil, err
			}
		case ext == ".yaml", ext == ".yml":
			data, err := os.ReadFile(path)
			if err != nil {
				return nil, errs.NewValidationError(fmt.Sprintf("failed to read configuration %s", path), err)
			}
			if err := decodeYAML(data, cfg); err != nil {
				return nil, err
			}
		default:
			return nil, errs.NewValidationError(fmt.Sprintf("unsupported configuration file %s", path), nil)
		}
	}

	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// decodeYAML decodes data over cfg. Unknown keys are rejected.
func decodeYAML(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return errs.NewValidationError("failed to decode YAML configuration", err)
	}
	return nil
}

// PolicyEngine builds a policy engine from the policy section: built-ins, the
// configured paths and guards, minus the disabled policies.
func (c *Config) PolicyEngine(ctx context.Context, logger zerolog.Logger) (*policy.Engine, error) {
	eng, err := policy.NewEngine(logger)
	if err != nil {
		return nil, err
	}
	if len(c.Policy.Paths) > 0 {
		if err := eng.LoadPolicies(ctx, c.Policy.Paths); err != nil {
			return nil, errs.NewValidationError("failed to load policies", err)
		}
	}
	for _, name := range c.Policy.Disabled {
		if err := eng.DisablePolicy(name); err != nil {
			return nil, err
		}
	}
	for _, gc := range c.Policy.Guards {
		severity, err := policy.ParseSeverity(gc.Severity)
		if err != nil {
			return nil, errs.NewValidationError(fmt.Sprintf("guard %s", gc.Name), err)
		}
		guard, err := policy.NewGuard(gc.Name, gc.Expr, severity)
		if err != nil {
			return nil, err
		}
		eng.AddGuard(guard)
	}
	return eng, nil
}
