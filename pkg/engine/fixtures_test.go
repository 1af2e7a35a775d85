package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/quadnix/octo-sub002/pkg/graph"
	"github.com/quadnix/octo-sub002/pkg/model"
	"github.com/quadnix/octo-sub002/pkg/resource"
	"github.com/quadnix/octo-sub002/pkg/serialize"
	"github.com/quadnix/octo-sub002/pkg/stores"
	"github.com/stretchr/testify/require"
)

type region struct {
	model.Model
}

func newRegion(id string) *region {
	return &region{Model: model.New("region", "regionId", id)}
}

var (
	vpcDef    = &resource.Definition{Type: "vpc"}
	subnetDef = &resource.Definition{Type: "subnet"}
	sgDef     = &resource.Definition{Type: "security-group"}
)

func testRegistry(t *testing.T) *serialize.Registry {
	t.Helper()

	r := serialize.NewRegistry()
	require.NoError(t, r.RegisterModel("region", func(data map[string]any, _ serialize.Deref) (graph.Node, error) {
		return newRegion(data["regionId"].(string)), nil
	}))
	require.NoError(t, r.RegisterResource(vpcDef))
	require.NoError(t, r.RegisterResource(subnetDef))
	require.NoError(t, r.RegisterResource(sgDef))
	return r
}

// regions builds a model graph with one root region per id.
func regions(t *testing.T, ids ...string) *graph.Graph {
	t.Helper()

	g := graph.New()
	for _, id := range ids {
		_, err := model.AddRoot(g, newRegion(id))
		require.NoError(t, err)
	}
	return g
}

// testAction is an Action assembled from functions. Nil functions fall back to no
// inputs, no outputs and a handler returning nothing.
type testAction struct {
	name    string
	filter  func(d *graph.Diff) bool
	inputs  func(d *graph.Diff) []string
	outputs func(d *graph.Diff) []string
	handle  func(ctx context.Context, d *graph.Diff, inputs map[string]any) (map[string]any, error)
}

func (a *testAction) Name() string              { return a.name }
func (a *testAction) Filter(d *graph.Diff) bool { return a.filter(d) }
func (a *testAction) CollectInput(d *graph.Diff) []string {
	if a.inputs == nil {
		return nil
	}
	return a.inputs(d)
}

func (a *testAction) CollectOutput(d *graph.Diff) []string {
	if a.outputs == nil {
		return nil
	}
	return a.outputs(d)
}

func (a *testAction) Handle(ctx context.Context, d *graph.Diff, inputs map[string]any) (map[string]any, error) {
	if a.handle == nil {
		return nil, nil
	}
	return a.handle(ctx, d, inputs)
}

type revertingAction struct {
	*testAction
	revert func(ctx context.Context, d *graph.Diff, inputs, outputs map[string]any) error
}

func (a *revertingAction) Revert(ctx context.Context, d *graph.Diff, inputs, outputs map[string]any) error {
	return a.revert(ctx, d, inputs, outputs)
}

type mockingAction struct {
	*testAction
}

func (a *mockingAction) Mock(_ context.Context, d *graph.Diff, capture map[string]any) (map[string]any, error) {
	out := map[string]any{"mocked": true}
	for k, v := range capture {
		out[k] = v
	}
	return out, nil
}

type validatingAction struct {
	*testAction
	validate func(ctx context.Context, d *graph.Diff) error
}

func (a *validatingAction) Validate(ctx context.Context, d *graph.Diff) error {
	return a.validate(ctx, d)
}

// journal records handler calls from concurrent workers.
type journal struct {
	mu      sync.Mutex
	entries []string
}

func (j *journal) add(format string, args ...any) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, fmt.Sprintf(format, args...))
}

func (j *journal) list() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.entries...)
}

func isModel(typ string, action graph.Action) func(d *graph.Diff) bool {
	return func(d *graph.Diff) bool {
		return d.Node.Kind() == graph.KindModel && d.Node.Type() == typ && d.Action == action
	}
}

func isResource(typ string) func(d *graph.Diff) bool {
	return func(d *graph.Diff) bool {
		res, ok := d.Node.(*resource.Resource)
		return ok && res.Type() == typ
	}
}

// regionNetwork is the model action of a region: a vpc per region with one subnet.
func regionNetwork(j *journal) *testAction {
	return &testAction{
		name:   "region-network",
		filter: isModel("region", graph.ActionAdd),
		outputs: func(d *graph.Diff) []string {
			id := d.Node.ID()
			return []string{ResourceKey("vpc-" + id), ResourceKey("subnet-" + id)}
		},
		handle: func(_ context.Context, d *graph.Diff, _ map[string]any) (map[string]any, error) {
			id := d.Node.ID()
			j.add("model add %s", id)

			vpc := resource.New(vpcDef, "vpc-"+id, map[string]any{"region": id})
			subnet := resource.New(subnetDef, "subnet-"+id, map[string]any{"az": id + "a"})
			subnet.DependsOn(vpc)
			return map[string]any{ResourceKey(vpc.ID()): vpc, ResourceKey(subnet.ID()): subnet}, nil
		},
	}
}

// regionTeardown deletes what regionNetwork created.
func regionTeardown(j *journal) *testAction {
	return &testAction{
		name:   "region-teardown",
		filter: isModel("region", graph.ActionDelete),
		handle: func(ctx context.Context, d *graph.Diff, _ map[string]any) (map[string]any, error) {
			id := d.Node.ID()
			j.add("model delete %s", id)

			tx := TransactionFromContext(ctx)
			if err := tx.DeleteResource("subnet-" + id); err != nil {
				return nil, err
			}
			return nil, tx.DeleteResource("vpc-" + id)
		},
	}
}

// provision is a resource action recording every call and answering with a response.
func provision(j *journal, typ string) *testAction {
	return &testAction{
		name:   "provision-" + typ,
		filter: isResource(typ),
		handle: func(_ context.Context, d *graph.Diff, _ map[string]any) (map[string]any, error) {
			res := d.Node.(*resource.Resource)
			j.add("%s %s", d.Action, res.ID())
			if d.Action != graph.ActionDelete {
				res.SetResponse(map[string]any{"arn": "arn:" + res.ID()})
			}
			return nil, nil
		},
	}
}

type fixture struct {
	state   *stores.MemoryStateProvider
	actions *ActionRegistry
	hooks   *HookRegistry
	env     *Environment
	journal *journal
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()

	f := &fixture{
		state:   stores.NewMemoryStateProvider(),
		actions: NewActionRegistry(),
		hooks:   NewHookRegistry(),
		journal: &journal{},
	}
	opts = append([]Option{WithActions(f.actions), WithHooks(f.hooks)}, opts...)
	f.env = NewEnvironment(f.state, testRegistry(t), opts...)
	return f
}

// withNetworkActions registers the region model actions and provisioning for vpcs and subnets.
func (f *fixture) withNetworkActions(t *testing.T) *fixture {
	t.Helper()
	require.NoError(t, f.actions.RegisterModelAction(regionNetwork(f.journal)))
	require.NoError(t, f.actions.RegisterModelAction(regionTeardown(f.journal)))
	require.NoError(t, f.actions.RegisterResourceAction(provision(f.journal, "vpc")))
	require.NoError(t, f.actions.RegisterResourceAction(provision(f.journal, "subnet")))
	return f
}

func (f *fixture) execute(t *testing.T, g *graph.Graph, opts Options) (*Transaction, error) {
	t.Helper()
	tx, err := f.env.Begin(context.Background(), g, opts)
	require.NoError(t, err)
	return tx, tx.Execute(context.Background())
}

func (f *fixture) actual(t *testing.T) *graph.Graph {
	t.Helper()
	g, err := f.env.StateManager().LoadResources(context.Background(), ActualResourcesDocument)
	require.NoError(t, err)
	return g
}

func (f *fixture) old(t *testing.T) *graph.Graph {
	t.Helper()
	g, err := f.env.StateManager().LoadResources(context.Background(), OldResourcesDocument)
	require.NoError(t, err)
	return g
}

// recorder is an in-memory stores.RunRecorder.
type recorder struct {
	mu     sync.Mutex
	runs   map[string]*stores.Run
	events []*stores.RunEvent
}

func newRecorder() *recorder {
	return &recorder{runs: make(map[string]*stores.Run)}
}

func (r *recorder) SaveRun(_ context.Context, run *stores.Run) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := *run
	r.runs[run.ID] = &c
	return nil
}

func (r *recorder) AppendRunEvent(_ context.Context, event *stores.RunEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *recorder) GetRun(_ context.Context, id string) (*stores.Run, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[id]
	if !ok {
		return nil, fmt.Errorf("run %s not found", id)
	}
	return run, nil
}

func (r *recorder) ListRuns(context.Context, int, int) ([]*stores.Run, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*stores.Run, 0, len(r.runs))
	for _, run := range r.runs {
		out = append(out, run)
	}
	return out, nil
}

func (r *recorder) ListRunEvents(_ context.Context, runID string) ([]*stores.RunEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*stores.RunEvent
	for _, e := range r.events {
		if e.RunID == runID {
			out = append(out, e)
		}
	}
	return out, nil
}
