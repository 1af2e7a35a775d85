package policy

import (
	"time"
)

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		sharedResourceDeletePolicy(),
	}
}

// sharedResourceDeletePolicy warns when a resource diff deletes a shared resource. Other
// model branches may still contribute to it.
func sharedResourceDeletePolicy() Policy {
	now := time.Now()
	return Policy{
		Name:        "shared-resource-delete",
		Description: "Warns when a shared resource is deleted",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"shared", "delete"},
		CreatedAt:   now,
		UpdatedAt:   now,
		Rego: `package octo.policies.shared

import rego.v1

deny contains violation if {
	input.diff.tier == "resource"
	input.diff.action == "delete"
	input.resource.shared
	violation := {
		"message": sprintf("shared resource %s is deleted", [input.resource.id]),
		"severity": "warning",
		"details": {"type": input.resource.type},
	}
}
`,
	}
}
