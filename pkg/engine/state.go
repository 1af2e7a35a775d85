package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/quadnix/octo-sub002/pkg/errs"
	"github.com/quadnix/octo-sub002/pkg/graph"
	"github.com/quadnix/octo-sub002/pkg/serialize"
	"github.com/quadnix/octo-sub002/pkg/stores"
	"github.com/quadnix/octo-sub002/pkg/telemetry"
	"go.opentelemetry.io/otel/attribute"
)

// Names of the persisted state documents.
const (
	ModelsDocument          = "models"
	ActualResourcesDocument = "resources.actual"
	OldResourcesDocument    = "resources.old"
)

// StateManager loads and saves the three state documents through a state provider.
// It remembers the version of every document it read so saves increment it.
type StateManager struct {
	provider  stores.StateProvider
	models    *serialize.ModelSerializer
	resources *serialize.ResourceSerializer
	logger    *telemetry.Logger

	mu       sync.Mutex
	versions map[string]int
}

// NewStateManager creates a state manager.
func NewStateManager(
	provider stores.StateProvider,
	models *serialize.ModelSerializer,
	resources *serialize.ResourceSerializer,
	logger *telemetry.Logger,
) *StateManager {
	return &StateManager{
		provider:  provider,
		models:    models,
		resources: resources,
		logger:    logger,
		versions:  make(map[string]int),
	}
}

// Version returns the last version read or written of a document, 0 if none.
func (m *StateManager) Version(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.versions[name]
}

// LoadModels reads the models document and rebuilds the model graph.
func (m *StateManager) LoadModels(ctx context.Context) (*graph.Graph, error) {
	doc, err := load[*serialize.ModelState](ctx, m, ModelsDocument)
	if err != nil {
		return nil, err
	}
	g, err := m.models.Deserialize(doc.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to restore %s: %w", ModelsDocument, err)
	}
	return g, nil
}

// LoadResources reads a resource document and rebuilds its graph.
func (m *StateManager) LoadResources(ctx context.Context, name string) (*graph.Graph, error) {
	doc, err := load[*serialize.ResourceState](ctx, m, name)
	if err != nil {
		return nil, err
	}
	g, err := m.resources.Deserialize(doc.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to restore %s: %w", name, err)
	}
	return g, nil
}

// LoadResourceState reads a resource document without restoring it, so no resource
// types need to be registered.
func (m *StateManager) LoadResourceState(ctx context.Context, name string) (*serialize.ResourceState, error) {
	doc, err := load[*serialize.ResourceState](ctx, m, name)
	if err != nil {
		return nil, err
	}
	if doc.Data == nil {
		return &serialize.ResourceState{}, nil
	}
	return doc.Data, nil
}

// SaveModels serializes the model graph into the models document.
func (m *StateManager) SaveModels(ctx context.Context, g *graph.Graph) error {
	state, err := m.models.Serialize(g)
	if err != nil {
		return err
	}
	return save(ctx, m, ModelsDocument, state)
}

// SaveResources serializes a resource graph into the named document.
func (m *StateManager) SaveResources(ctx context.Context, name string, g *graph.Graph) error {
	state, err := m.resources.Serialize(g)
	if err != nil {
		return err
	}
	return save(ctx, m, name, state)
}

func load[T any](ctx context.Context, m *StateManager, name string) (doc serialize.Document[T], err error) {
	op, logger := m.startOperation(ctx, "state.load", name)
	defer func() { op.End(err) }()

	raw, err := m.provider.GetState(op.Ctx, name, nil)
	if err != nil {
		return doc, errs.NewStateError(fmt.Sprintf("failed to read %s", name), err).
			WithResource(name).WithOperation("load")
	}
	doc, err = serialize.Decode[T](raw)
	if err != nil {
		return doc, err
	}

	m.mu.Lock()
	m.versions[name] = doc.Version
	m.mu.Unlock()

	logger.WithFields(map[string]any{"version": doc.Version, "duration": op.Timer.Duration()}).Debug("state loaded")
	return doc, nil
}

func save[T any](ctx context.Context, m *StateManager, name string, data T) (err error) {
	op, logger := m.startOperation(ctx, "state.save", name)
	defer func() { op.End(err) }()
	ctx = op.Ctx

	m.mu.Lock()
	_, known := m.versions[name]
	m.mu.Unlock()

	if !known {
		raw, err := m.provider.GetState(ctx, name, nil)
		if err != nil {
			return errs.NewStateError(fmt.Sprintf("failed to read %s", name), err).
				WithResource(name).WithOperation("save")
		}
		current, err := serialize.Decode[T](raw)
		if err != nil {
			return err
		}
		m.mu.Lock()
		m.versions[name] = current.Version
		m.mu.Unlock()
	}

	m.mu.Lock()
	version := m.versions[name] + 1
	m.mu.Unlock()

	encoded, err := serialize.Encode(serialize.Document[T]{Version: version, Data: data})
	if err != nil {
		return err
	}
	if err := m.provider.SaveState(ctx, name, encoded); err != nil {
		return errs.NewStateError(fmt.Sprintf("failed to write %s", name), err).
			WithResource(name).WithOperation("save")
	}

	m.mu.Lock()
	m.versions[name] = version
	m.mu.Unlock()

	logger.WithFields(map[string]any{"version": version, "duration": op.Timer.Duration()}).Debug("state saved")
	return nil
}

// startOperation traces one document access. The logger of the operation is used when
// ctx carries telemetry, the manager's own logger otherwise.
func (m *StateManager) startOperation(ctx context.Context, name, document string) (*telemetry.Operation, *telemetry.Logger) {
	op := telemetry.StartOperation(ctx, name, attribute.String("state.document", document))
	logger := m.logger
	if telemetry.FromTelemetryContext(ctx) != nil {
		logger = op.Logger
	}
	return op, logger.WithField("document", document)
}
