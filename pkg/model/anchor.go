package model

import (
	"fmt"
	"sort"
	"strings"

	"github.com/quadnix/octo-sub002/pkg/canonical"
	"github.com/quadnix/octo-sub002/pkg/errs"
)

// AnchorDefinition describes one anchor type.
type AnchorDefinition struct {
	// Type is the registered anchor type identifier.
	Type string

	// Rules are validator rules keyed by property name, as accepted by
	// validator.ValidateMap (e.g. "required,cidrv4").
	Rules map[string]any

	// Active reports whether the anchor carries configuration worth diffing.
	// Inactive anchors are treated as absent by overlay diffs. Nil means always active.
	Active func(properties map[string]any) bool
}

// Anchor is a typed, validated property bag attached to a model.
type Anchor struct {
	def        *AnchorDefinition
	id         string
	parent     string
	properties map[string]any
}

// NewAnchor creates an anchor scoped to the model with the given context.
func NewAnchor(def *AnchorDefinition, id, parentContext string, properties map[string]any) (*Anchor, error) {
	if def == nil || def.Type == "" {
		return nil, errs.NewValidationError("anchor definition is required", nil).WithResource(parentContext)
	}
	if id == "" {
		return nil, errs.NewValidationError("anchor id is required", nil).WithResource(parentContext)
	}

	a := &Anchor{
		def:        def,
		id:         id,
		parent:     parentContext,
		properties: canonical.CloneMap(properties),
	}
	if a.properties == nil {
		a.properties = make(map[string]any)
	}
	if err := a.validate(); err != nil {
		return nil, err
	}
	return a, nil
}

// ID returns the anchor id, unique within its model.
func (a *Anchor) ID() string { return a.id }

// Type returns the anchor type.
func (a *Anchor) Type() string { return a.def.Type }

// Definition returns the anchor definition.
func (a *Anchor) Definition() *AnchorDefinition { return a.def }

// Parent returns the context of the owning model.
func (a *Anchor) Parent() string { return a.parent }

// Ref returns the weak reference overlays use to point at this anchor.
func (a *Anchor) Ref() AnchorRef {
	return AnchorRef{Parent: a.parent, AnchorID: a.id}
}

// Properties returns a copy of the anchor properties.
func (a *Anchor) Properties() map[string]any {
	return canonical.CloneMap(a.properties)
}

// Property returns one property.
func (a *Anchor) Property(key string) (any, bool) {
	v, ok := a.properties[key]
	return v, ok
}

// SetProperty updates one property and revalidates the anchor.
// On validation failure the previous value is restored.
func (a *Anchor) SetProperty(key string, value any) error {
	previous, existed := a.properties[key]
	a.properties[key] = canonical.CloneValue(value)

	if err := a.validate(); err != nil {
		if existed {
			a.properties[key] = previous
		} else {
			delete(a.properties, key)
		}
		return err
	}
	return nil
}

// IsActive reports whether the anchor has configuration worth diffing.
func (a *Anchor) IsActive() bool {
	if a.def.Active == nil {
		return true
	}
	return a.def.Active(a.properties)
}

// Synth returns the persisted form of the anchor properties.
func (a *Anchor) Synth() map[string]any {
	return canonical.CloneMap(a.properties)
}

func (a *Anchor) validate() error {
	if len(a.def.Rules) == 0 {
		return nil
	}

	failures := validate.ValidateMap(a.properties, a.def.Rules)
	if len(failures) == 0 {
		return nil
	}

	fields := make([]string, 0, len(failures))
	for field, failure := range failures {
		fields = append(fields, fmt.Sprintf("%s: %v", field, failure))
	}
	sort.Strings(fields)

	return errs.NewValidationError(
		fmt.Sprintf("anchor %s of type %s is invalid: %s", a.id, a.def.Type, strings.Join(fields, "; ")), nil,
	).WithResource(a.parent).WithDetail("anchor", a.id)
}
