package policy

import (
	"context"
	"testing"

	"github.com/quadnix/octo-sub002/pkg/engine"
	"github.com/quadnix/octo-sub002/pkg/errs"
	"github.com/quadnix/octo-sub002/pkg/graph"
	"github.com/quadnix/octo-sub002/pkg/model"
	"github.com/quadnix/octo-sub002/pkg/resource"
	"github.com/quadnix/octo-sub002/pkg/serialize"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var vpcDef = &resource.Definition{Type: "vpc"}

const protectPolicy = `package octo.policies.protect

import rego.v1

deny contains violation if {
	input.diff.action == "delete"
	input.resource.properties.protected == true
	violation := {
		"message": sprintf("%s is protected", [input.resource.id]),
		"details": {"type": input.resource.type},
	}
}
`

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	eng, err := NewEngine(zerolog.Nop())
	require.NoError(t, err)
	return eng
}

func TestNewEngineLoadsBuiltins(t *testing.T) {
	eng := newTestEngine(t)

	policies := eng.ListPolicies()
	require.Len(t, policies, 1)
	assert.Equal(t, "shared-resource-delete", policies[0].Name)
	assert.Equal(t, SeverityWarning, policies[0].Severity)
}

func TestEvaluateDiffs_DenyProtectedDelete(t *testing.T) {
	eng := newTestEngine(t)
	require.NoError(t, eng.AddPolicy(context.Background(), Policy{Name: "protect", Rego: protectPolicy, Enabled: true}))

	protected := resource.New(vpcDef, "v1", map[string]any{"protected": true})
	free := resource.New(vpcDef, "v2", map[string]any{"cidr": "10.0.0.0/16"})

	result, err := eng.EvaluateDiffs(context.Background(), "resource", []*graph.Diff{
		graph.IdentityDiff(free, graph.ActionDelete),
		graph.IdentityDiff(protected, graph.ActionDelete),
		graph.NewDiff(protected, graph.ActionUpdate, resource.PropertiesField, nil),
	})
	require.NoError(t, err)

	assert.False(t, result.Allowed)
	require.Len(t, result.Violations, 1)
	v := result.Violations[0]
	assert.Equal(t, "protect", v.Policy)
	assert.Equal(t, "vpc=v1", v.Node)
	assert.Equal(t, "delete vpc=v1.resourceId", v.Diff)
	assert.Equal(t, "v1 is protected", v.Message)
	assert.Equal(t, SeverityError, v.Severity)
	assert.Equal(t, map[string]any{"type": "vpc"}, v.Details)
	assert.Equal(t, []string{"protect", "shared-resource-delete"}, result.EvaluatedPolicies)

	err = result.Err()
	assert.True(t, errs.IsValidation(err))
	assert.Equal(t, errs.ErrCodePolicyDenied, errs.CodeOf(err))
	assert.Contains(t, err.Error(), "v1 is protected")
}

func TestEvaluateDiffs_SharedDeleteWarns(t *testing.T) {
	eng := newTestEngine(t)
	shared := resource.NewShared(vpcDef, "shared-vpc", map[string]any{"cidr": "10.0.0.0/8"})

	result, err := eng.EvaluateDiffs(context.Background(), "resource", []*graph.Diff{
		graph.IdentityDiff(shared, graph.ActionDelete),
	})
	require.NoError(t, err)

	assert.True(t, result.Allowed)
	assert.Empty(t, result.Violations)
	require.Len(t, result.Warnings, 1)
	assert.Equal(t, "shared resource shared-vpc is deleted", result.Warnings[0].Message)
	assert.NoError(t, result.Err())
}

func TestEvaluateDiffs_ModelDiffsHaveNoResource(t *testing.T) {
	eng := newTestEngine(t)
	require.NoError(t, eng.AddPolicy(context.Background(), Policy{
		Name:    "no-region-delete",
		Enabled: true,
		Rego: `package octo.policies.regions

import rego.v1

deny contains msg if {
	input.diff.tier == "model"
	input.diff.node.type == "region"
	input.diff.action == "delete"
	not input.resource
	msg := sprintf("region %s cannot be deleted", [input.diff.node.id])
}
`,
	}))

	m := model.New("region", "regionId", "eu")
	result, err := eng.EvaluateDiffs(context.Background(), "model", []*graph.Diff{graph.IdentityDiff(&m, graph.ActionDelete)})
	require.NoError(t, err)

	require.Len(t, result.Violations, 1)
	assert.Equal(t, "region eu cannot be deleted", result.Violations[0].Message)
	assert.Equal(t, "region=eu", result.Violations[0].Node)
}

func TestEnableDisablePolicy(t *testing.T) {
	eng := newTestEngine(t)
	require.NoError(t, eng.AddPolicy(context.Background(), Policy{Name: "protect", Rego: protectPolicy, Enabled: true}))
	diffs := []*graph.Diff{graph.IdentityDiff(resource.New(vpcDef, "v1", map[string]any{"protected": true}), graph.ActionDelete)}

	require.NoError(t, eng.DisablePolicy("protect"))
	result, err := eng.EvaluateDiffs(context.Background(), "resource", diffs)
	require.NoError(t, err)
	assert.True(t, result.Allowed)
	assert.Equal(t, []string{"shared-resource-delete"}, result.EvaluatedPolicies)

	require.NoError(t, eng.EnablePolicy("protect"))
	result, err = eng.EvaluateDiffs(context.Background(), "resource", diffs)
	require.NoError(t, err)
	assert.False(t, result.Allowed)

	assert.Equal(t, errs.ErrCodeNotFound, errs.CodeOf(eng.EnablePolicy("missing")))
	_, err = eng.GetPolicy("missing")
	assert.Equal(t, errs.ErrCodeNotFound, errs.CodeOf(err))
}

func TestAddPolicyRejectsInvalidRego(t *testing.T) {
	eng := newTestEngine(t)
	err := eng.AddPolicy(context.Background(), Policy{Name: "broken", Rego: "package broken\ndeny contains"})
	assert.Error(t, err)
}

func TestReloadPolicies(t *testing.T) {
	eng := newTestEngine(t)
	require.NoError(t, eng.AddPolicy(context.Background(), Policy{Name: "protect", Rego: protectPolicy, Enabled: true}))

	require.NoError(t, eng.ReloadPolicies(context.Background(), nil))
	_, err := eng.GetPolicy("protect")
	assert.Error(t, err)
	_, err = eng.GetPolicy("shared-resource-delete")
	assert.NoError(t, err)
}

func TestHookDeniesBatch(t *testing.T) {
	eng := newTestEngine(t)
	require.NoError(t, eng.AddPolicy(context.Background(), Policy{Name: "protect", Rego: protectPolicy, Enabled: true}))

	hooks := engine.NewHookRegistry()
	eng.Install(hooks)

	hook := eng.Hook()
	err := hook(context.Background(), &engine.Batch{
		TransactionID: "tx-1",
		Tier:          engine.TierResource,
		Diffs:         []*graph.Diff{graph.IdentityDiff(resource.New(vpcDef, "v1", map[string]any{"protected": true}), graph.ActionDelete)},
	})
	assert.Equal(t, errs.ErrCodePolicyDenied, errs.CodeOf(err))

	err = hook(context.Background(), &engine.Batch{
		TransactionID: "tx-1",
		Tier:          engine.TierResource,
		Diffs:         []*graph.Diff{graph.IdentityDiff(resource.New(vpcDef, "v2", nil), graph.ActionAdd)},
	})
	assert.NoError(t, err)
}

func TestInputsFromResourceState(t *testing.T) {
	state := &serialize.ResourceState{
		Resources: map[string]serialize.ResourceEntry{
			"v2": {ClassName: "vpc", Resource: map[string]any{"resourceId": "v2", "properties": map[string]any{"protected": true}}},
			"v1": {ClassName: "vpc", Resource: map[string]any{"resourceId": "v1"}},
		},
		SharedResources: map[string]serialize.SharedResourceEntry{
			"v2": {ClassName: serialize.SharedResourceClassName, ResourceClassName: "vpc"},
		},
	}

	inputs := InputsFromResourceState(state)
	require.Len(t, inputs, 2)
	assert.Equal(t, "vpc=v1", inputs[0].Diff.Node.Context)
	assert.Equal(t, "validate", inputs[0].Diff.Action)
	assert.Empty(t, inputs[0].Resource.Properties)
	assert.True(t, inputs[1].Resource.Shared)
	assert.Equal(t, "shared-resource", inputs[1].Diff.Node.Kind)

	eng := newTestEngine(t)
	require.NoError(t, eng.AddPolicy(context.Background(), Policy{
		Name:    "no-protected",
		Enabled: true,
		Rego: `package octo.policies.audit

import rego.v1

deny contains "protected resource" if input.resource.properties.protected
`,
	}))
	result, err := eng.Evaluate(context.Background(), inputs)
	require.NoError(t, err)
	require.Len(t, result.Violations, 1)
	assert.Equal(t, "vpc=v2", result.Violations[0].Node)
}
