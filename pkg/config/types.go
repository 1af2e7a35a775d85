package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/quadnix/octo-sub002/pkg/errs"
	"github.com/quadnix/octo-sub002/pkg/stores"
	"github.com/quadnix/octo-sub002/pkg/telemetry"
)

const (
	// LogLevelEnvVar overrides telemetry.logging.level.
	LogLevelEnvVar = "OCTO_LOG_LEVEL"

	// DefaultMaxParallel is the number of independent diffs run at once.
	DefaultMaxParallel = 4
)

// Config is the engine configuration file.
type Config struct {
	// State selects the state backend.
	State stores.Config `yaml:"state" json:"state"`

	// Engine tunes the transaction pipeline.
	Engine EngineConfig `yaml:"engine" json:"engine"`

	// Telemetry configures logging, tracing, metrics and events.
	Telemetry telemetry.Config `yaml:"telemetry" json:"telemetry"`

	// Policy configures the policies and guards run before every batch.
	Policy PolicyConfig `yaml:"policy" json:"policy"`
}

// EngineConfig tunes the transaction pipeline.
type EngineConfig struct {
	// MaxParallel bounds the actions run at once within one level of a batch.
	MaxParallel int `yaml:"maxParallel" json:"maxParallel" validate:"gte=1,lte=256"`

	// Record persists transactions and their events when the backend supports it.
	Record bool `yaml:"record" json:"record"`
}

// PolicyConfig configures policy enforcement.
type PolicyConfig struct {
	// Paths are .rego/.json files or directories of them.
	Paths []string `yaml:"paths,omitempty" json:"paths,omitempty" validate:"dive,required"`

	// Disabled lists policies, built-in or loaded, that are not evaluated.
	Disabled []string `yaml:"disabled,omitempty" json:"disabled,omitempty"`

	// Guards are starlark expressions evaluated per diff.
	Guards []GuardConfig `yaml:"guards,omitempty" json:"guards,omitempty" validate:"dive"`
}

// GuardConfig is one starlark guard.
type GuardConfig struct {
	Name     string `yaml:"name" json:"name" validate:"required"`
	Expr     string `yaml:"expr" json:"expr" validate:"required"`
	Severity string `yaml:"severity,omitempty" json:"severity,omitempty" validate:"omitempty,oneof=info warning error critical"`
}

// Default returns the configuration used when no file is given: state in memory and
// the default telemetry.
func Default() *Config {
	return &Config{
		State: stores.Config{Backend: stores.BackendMemory},
		Engine: EngineConfig{
			MaxParallel: DefaultMaxParallel,
		},
		Telemetry: *telemetry.DefaultConfig(),
	}
}

// ApplyEnv applies the environment overrides.
func (c *Config) ApplyEnv() {
	if level := os.Getenv(LogLevelEnvVar); level != "" {
		c.Telemetry.Logging.Level = strings.ToLower(level)
	}
	if c.State.Encrypt && c.State.Passphrase == "" {
		c.State.Passphrase = os.Getenv(stores.PassphraseEnvVar)
	}
}

// Validate checks struct constraints and the telemetry section.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return errs.NewValidationError("invalid configuration", describeValidation(err))
	}
	if err := c.Telemetry.Validate(); err != nil {
		return errs.NewValidationError("invalid telemetry configuration", err)
	}
	return nil
}

// describeValidation turns validator field errors into one readable error.
func describeValidation(err error) error {
	fieldErrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err
	}
	messages := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		if fe.Param() != "" {
			messages = append(messages, fmt.Sprintf("%s: failed %s=%s", fe.Namespace(), fe.Tag(), fe.Param()))
			continue
		}
		messages = append(messages, fmt.Sprintf("%s: failed %s", fe.Namespace(), fe.Tag()))
	}
	return fmt.Errorf("%s", strings.Join(messages, "; "))
}

// ParseError is one error found while compiling a configuration file.
type ParseError struct {
	File    string `json:"file,omitempty"`
	Line    int    `json:"line,omitempty"`
	Column  int    `json:"column,omitempty"`
	Message string `json:"message"`
}

func (e ParseError) String() string {
	if e.File == "" {
		return e.Message
	}
	return fmt.Sprintf("%s:%d:%d: %s", e.File, e.Line, e.Column, e.Message)
}
