// Package policy provides Open Policy Agent (OPA) and Starlark checks over diffs.
//
// Policies are Rego modules defining a `deny` set. Each diff of a batch is evaluated
// with the input document:
//
//	{
//	  "diff": {"action": "delete", "field": "resourceId", "tier": "resource", "value": "v1",
//	           "node": {"kind": "resource", "type": "vpc", "id": "v1", "context": "vpc=v1"}},
//	  "resource": {"id": "v1", "type": "vpc", "properties": {...}, "shared": false}
//	}
//
// `resource` is only present for resource diffs. A deny element is either a message or
// an object with `message`, `severity` and `details`:
//
//	package octo.policies.protect
//
//	import rego.v1
//
//	deny contains violation if {
//	    input.diff.action == "delete"
//	    input.resource.properties.protected == true
//	    violation := {"message": sprintf("%s is protected", [input.resource.id])}
//	}
//
// Error and critical violations deny the batch; info and warning violations are
// reported only. The built-in shared-resource-delete policy warns whenever a shared
// resource is deleted.
//
// # Guards
//
// A Guard is a single Starlark expression with `diff` and `resource` in scope. It
// denies the diff when it evaluates to False:
//
//	g, err := policy.NewGuard("keep-vpcs", `diff.action != "delete" or diff.node.type != "vpc"`, "")
//	eng.AddGuard(g)
//
// # Installing
//
// Install registers the engine as a pre-batch hook so that both the model and the
// resource batches are checked before any action runs:
//
//	eng, err := policy.NewEngine(logger)
//	if err := eng.LoadPolicies(ctx, []string{"policies/"}); err != nil { ... }
//	eng.Install(env.Hooks())
package policy
