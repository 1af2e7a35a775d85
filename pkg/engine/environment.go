package engine

import (
	"sync"

	"github.com/quadnix/octo-sub002/pkg/serialize"
	"github.com/quadnix/octo-sub002/pkg/stores"
	"github.com/quadnix/octo-sub002/pkg/telemetry"
)

// DefaultMaxParallel bounds concurrent action handlers within one level.
const DefaultMaxParallel = 8

// Environment holds the collaborators every transaction resolves: state, registries,
// actions, hooks and telemetry. Nothing in the engine reaches for global state.
type Environment struct {
	state     stores.StateProvider
	registry  *serialize.Registry
	models    *serialize.ModelSerializer
	resources *serialize.ResourceSerializer
	actions   *ActionRegistry
	hooks     *HookRegistry
	telemetry *telemetry.Telemetry
	recorder  stores.RunRecorder

	maxParallel int

	mu    sync.Mutex
	cache map[string]any
}

// Option configures an Environment.
type Option func(*Environment)

// WithActions sets the action registry.
func WithActions(actions *ActionRegistry) Option {
	return func(e *Environment) { e.actions = actions }
}

// WithHooks sets the hook registry.
func WithHooks(hooks *HookRegistry) Option {
	return func(e *Environment) { e.hooks = hooks }
}

// WithTelemetry sets logger, tracer, metrics and events.
func WithTelemetry(tel *telemetry.Telemetry) Option {
	return func(e *Environment) { e.telemetry = tel }
}

// WithRecorder records every transaction and its events.
func WithRecorder(recorder stores.RunRecorder) Option {
	return func(e *Environment) { e.recorder = recorder }
}

// WithMaxParallel bounds concurrent action handlers within one level.
func WithMaxParallel(n int) Option {
	return func(e *Environment) { e.maxParallel = n }
}

// NewEnvironment creates an environment over a state provider and a type registry.
func NewEnvironment(state stores.StateProvider, registry *serialize.Registry, opts ...Option) *Environment {
	e := &Environment{
		state:       state,
		registry:    registry,
		models:      serialize.NewModelSerializer(registry),
		resources:   serialize.NewResourceSerializer(registry),
		actions:     NewActionRegistry(),
		hooks:       NewHookRegistry(),
		telemetry:   telemetry.Nop(),
		maxParallel: DefaultMaxParallel,
		cache:       make(map[string]any),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.telemetry == nil {
		e.telemetry = telemetry.Nop()
	}
	if e.maxParallel <= 0 {
		e.maxParallel = DefaultMaxParallel
	}
	return e
}

// Resolve returns the value cached under key, building and caching it on first use.
// A failed build is not cached.
func (e *Environment) Resolve(key string, build func() (any, error)) (any, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if v, ok := e.cache[key]; ok {
		return v, nil
	}
	v, err := build()
	if err != nil {
		return nil, err
	}
	e.cache[key] = v
	return v, nil
}

// StateManager returns the environment's state manager, created once.
func (e *Environment) StateManager() *StateManager {
	v, _ := e.Resolve("state-manager", func() (any, error) {
		return NewStateManager(e.state, e.models, e.resources, e.Logger().NewComponentLogger("state")), nil
	})
	return v.(*StateManager)
}

// State returns the state provider.
func (e *Environment) State() stores.StateProvider { return e.state }

// Registry returns the type registry.
func (e *Environment) Registry() *serialize.Registry { return e.registry }

// Actions returns the action registry.
func (e *Environment) Actions() *ActionRegistry { return e.actions }

// Hooks returns the hook registry.
func (e *Environment) Hooks() *HookRegistry { return e.hooks }

// Telemetry returns the telemetry bundle.
func (e *Environment) Telemetry() *telemetry.Telemetry { return e.telemetry }

// Logger returns the base logger.
func (e *Environment) Logger() *telemetry.Logger {
	if e.telemetry == nil || e.telemetry.Logger == nil {
		return telemetry.NopLogger()
	}
	return e.telemetry.Logger
}

// Recorder returns the run recorder, or nil.
func (e *Environment) Recorder() stores.RunRecorder { return e.recorder }
