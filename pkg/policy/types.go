package policy

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/quadnix/octo-sub002/pkg/canonical"
	"github.com/quadnix/octo-sub002/pkg/errs"
	"github.com/quadnix/octo-sub002/pkg/graph"
	"github.com/quadnix/octo-sub002/pkg/resource"
	"github.com/quadnix/octo-sub002/pkg/serialize"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is for warnings that should be reviewed.
	SeverityWarning Severity = "warning"

	// SeverityError is for errors that should block operations.
	SeverityError Severity = "error"

	// SeverityCritical is for critical violations that must be addressed immediately.
	SeverityCritical Severity = "critical"
)

// Blocking reports whether violations of this severity abort a batch.
func (s Severity) Blocking() bool {
	return s == SeverityError || s == SeverityCritical
}

// ParseSeverity converts a configured severity. Empty means error.
func ParseSeverity(s string) (Severity, error) {
	switch Severity(strings.ToLower(s)) {
	case "":
		return SeverityError, nil
	case SeverityInfo, SeverityWarning, SeverityError, SeverityCritical:
		return Severity(strings.ToLower(s)), nil
	}
	return "", fmt.Errorf("unknown severity %q", s)
}

// Policy represents a policy rule with its Rego code.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code. Its package must define a deny set.
	Rego string `json:"rego"`

	// Severity is the default severity for violations.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Tags are labels for organizing policies.
	Tags []string `json:"tags,omitempty"`

	// Metadata contains additional policy metadata.
	Metadata map[string]any `json:"metadata,omitempty"`

	// CreatedAt is when the policy was created.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the policy was last updated.
	UpdatedAt time.Time `json:"updated_at"`
}

// Violation is one deny result.
type Violation struct {
	// Policy is the name of the policy or guard that was violated.
	Policy string `json:"policy"`

	// Node is the context of the node the violating diff targets.
	Node string `json:"node,omitempty"`

	// Diff is the string form of the violating diff.
	Diff string `json:"diff,omitempty"`

	Message  string         `json:"message"`
	Severity Severity       `json:"severity"`
	Details  map[string]any `json:"details,omitempty"`
}

func (v Violation) String() string {
	if v.Node == "" {
		return fmt.Sprintf("[%s] %s: %s", v.Severity, v.Policy, v.Message)
	}
	return fmt.Sprintf("[%s] %s: %s (%s)", v.Severity, v.Policy, v.Message, v.Node)
}

// Result is the outcome of evaluating a set of inputs.
type Result struct {
	// Allowed is false when at least one blocking violation was found.
	Allowed bool `json:"allowed"`

	// Violations are the blocking violations.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings are the non-blocking violations.
	Warnings []Violation `json:"warnings,omitempty"`

	EvaluatedPolicies []string      `json:"evaluated_policies"`
	EvaluatedAt       time.Time     `json:"evaluated_at"`
	Duration          time.Duration `json:"duration"`
}

func newResult() *Result {
	return &Result{Allowed: true, EvaluatedAt: time.Now()}
}

func (r *Result) add(v Violation) {
	if v.Severity.Blocking() {
		r.Allowed = false
		r.Violations = append(r.Violations, v)
		return
	}
	r.Warnings = append(r.Warnings, v)
}

func (r *Result) merge(o *Result) {
	for _, v := range o.Violations {
		r.add(v)
	}
	r.Warnings = append(r.Warnings, o.Warnings...)
	for _, name := range o.EvaluatedPolicies {
		if !containsString(r.EvaluatedPolicies, name) {
			r.EvaluatedPolicies = append(r.EvaluatedPolicies, name)
		}
	}
	sort.Strings(r.EvaluatedPolicies)
}

// Err returns a POLICY_DENIED validation error listing the blocking violations, or nil
// when the result is allowed.
func (r *Result) Err() error {
	if r == nil || r.Allowed {
		return nil
	}
	messages := make([]string, 0, len(r.Violations))
	for _, v := range r.Violations {
		messages = append(messages, v.String())
	}
	err := errs.NewValidationError("denied by policy: "+strings.Join(messages, "; "), nil).
		WithCode(errs.ErrCodePolicyDenied).
		WithDetail("violations", len(r.Violations))
	if first := r.Violations[0]; first.Node != "" {
		err = err.WithResource(first.Node)
	}
	return err
}

// Input is the document a policy sees as `input`.
type Input struct {
	Diff     DiffInput      `json:"diff"`
	Resource *ResourceInput `json:"resource,omitempty"`
}

// DiffInput describes the diff being evaluated.
type DiffInput struct {
	Action string    `json:"action"`
	Field  string    `json:"field"`
	Tier   string    `json:"tier"`
	Value  any       `json:"value,omitempty"`
	Node   NodeInput `json:"node"`
}

// NodeInput identifies the node a diff targets.
type NodeInput struct {
	Kind    string `json:"kind"`
	Type    string `json:"type"`
	ID      string `json:"id"`
	Context string `json:"context"`
}

// ResourceInput is set when the diff targets a resource.
type ResourceInput struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Properties map[string]any `json:"properties"`
	Shared     bool           `json:"shared"`
}

// NewInput builds the policy input of one diff of the given tier.
func NewInput(tier string, d *graph.Diff) Input {
	in := Input{
		Diff: DiffInput{
			Action: string(d.Action),
			Field:  d.Field,
			Tier:   tier,
			Node: NodeInput{
				Kind:    string(d.Node.Kind()),
				Type:    d.Node.Type(),
				ID:      d.Node.ID(),
				Context: d.Context(),
			},
		},
	}
	// values that do not render as JSON are left out
	if v, err := canonical.Normalize(d.Value); err == nil {
		in.Diff.Value = v
	}

	if r, ok := d.Node.(*resource.Resource); ok {
		properties, err := canonical.Normalize(r.Properties())
		m, _ := properties.(map[string]any)
		if err != nil || m == nil {
			m = make(map[string]any)
		}
		in.Resource = &ResourceInput{ID: r.ID(), Type: r.Type(), Properties: m, Shared: r.IsShared()}
	}
	return in
}

// InputsFromResourceState builds one validate input per persisted resource, in id order.
// It needs no registry, so any resource document can be checked.
func InputsFromResourceState(state *serialize.ResourceState) []Input {
	if state == nil {
		return nil
	}
	ids := make([]string, 0, len(state.Resources))
	for id := range state.Resources {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	inputs := make([]Input, 0, len(ids))
	for _, id := range ids {
		entry := state.Resources[id]
		_, shared := state.SharedResources[id]
		kind := graph.KindResource
		if shared {
			kind = graph.KindSharedResource
		}
		properties, _ := entry.Resource[resource.PropertiesField].(map[string]any)
		if properties == nil {
			properties = make(map[string]any)
		}
		inputs = append(inputs, Input{
			Diff: DiffInput{
				Action: string(graph.ActionValidate),
				Field:  resource.IDField,
				Tier:   "resource",
				Value:  id,
				Node: NodeInput{
					Kind:    string(kind),
					Type:    entry.ClassName,
					ID:      id,
					Context: entry.ClassName + "=" + id,
				},
			},
			Resource: &ResourceInput{ID: id, Type: entry.ClassName, Properties: properties, Shared: shared},
		})
	}
	return inputs
}

// PolicyBundle represents a collection of related policies.
type PolicyBundle struct {
	Name        string    `json:"name"`
	Version     string    `json:"version"`
	Description string    `json:"description"`
	Policies    []Policy  `json:"policies"`
	CreatedAt   time.Time `json:"created_at"`
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
