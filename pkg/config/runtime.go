package config

import (
	"context"

	"github.com/hashicorp/go-multierror"
	"github.com/quadnix/octo-sub002/pkg/engine"
	"github.com/quadnix/octo-sub002/pkg/serialize"
	"github.com/quadnix/octo-sub002/pkg/stores"
	"github.com/quadnix/octo-sub002/pkg/telemetry"
)

// Runtime is an engine environment built from a configuration, together with the
// state backend and telemetry it holds open.
type Runtime struct {
	*engine.Environment

	state     *stores.Opened
	telemetry *telemetry.Telemetry
}

// NewRuntime opens the state backend, starts telemetry, builds the policy engine and
// installs it as a pre-batch hook, then creates the environment. Runs are recorded
// when engine.record is set and the backend keeps a run history.
func (c *Config) NewRuntime(ctx context.Context, registry *serialize.Registry, actions *engine.ActionRegistry) (*Runtime, error) {
	tcfg := c.Telemetry
	tel, err := telemetry.NewTelemetry(&tcfg)
	if err != nil {
		return nil, err
	}

	eng, err := c.PolicyEngine(ctx, tel.Logger.NewComponentLogger("policy").Zerolog())
	if err != nil {
		_ = tel.Shutdown(ctx)
		return nil, err
	}

	opened, err := stores.Open(ctx, c.State)
	if err != nil {
		_ = tel.Shutdown(ctx)
		return nil, err
	}

	hooks := engine.NewHookRegistry()
	eng.Install(hooks)

	opts := []engine.Option{
		engine.WithHooks(hooks),
		engine.WithTelemetry(tel),
		engine.WithMaxParallel(c.Engine.MaxParallel),
	}
	if actions != nil {
		opts = append(opts, engine.WithActions(actions))
	}
	if c.Engine.Record {
		recorder, ok := opened.Recorder()
		if !ok {
			tel.Logger.Warnf("state backend %s does not record runs", c.State.Backend)
		} else {
			opts = append(opts, engine.WithRecorder(recorder))
		}
	}

	return &Runtime{
		Environment: engine.NewEnvironment(opened, registry, opts...),
		state:       opened,
		telemetry:   tel,
	}, nil
}

// Close flushes telemetry and releases the state backend.
func (r *Runtime) Close(ctx context.Context) error {
	var result *multierror.Error
	if err := r.telemetry.Shutdown(ctx); err != nil {
		result = multierror.Append(result, err)
	}
	if err := r.state.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}
