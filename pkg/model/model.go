// Package model provides the building blocks of the desired-state tree: the Model base
// embedded by concrete model types, anchors exposed by models, and overlays deriving
// cross-model infrastructure from anchors.
package model

import (
	"fmt"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/quadnix/octo-sub002/pkg/errs"
	"github.com/quadnix/octo-sub002/pkg/graph"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Model is the base of every model node. Concrete models embed it and override
// Synth and DiffProperties for their own fields.
type Model struct {
	graph.Vertex

	modelType string
	idField   string
	id        string
	anchors   []*Anchor
}

// New returns a model base for the given type, identity field and id.
func New(modelType, idField, id string) Model {
	return Model{modelType: modelType, idField: idField, id: id}
}

// Kind returns graph.KindModel.
func (m *Model) Kind() graph.NodeKind { return graph.KindModel }

// Type returns the model type.
func (m *Model) Type() string { return m.modelType }

// ID returns the model id.
func (m *Model) ID() string { return m.id }

// IDField returns the identity field name.
func (m *Model) IDField() string { return m.idField }

// Synth returns the identity field only. Concrete models add their own fields.
func (m *Model) Synth() (map[string]any, error) {
	return map[string]any{m.idField: m.id}, nil
}

// DiffProperties reports no property changes. Concrete models compare their own fields.
func (m *Model) DiffProperties(graph.Node) ([]*graph.Diff, error) {
	return nil, nil
}

// Anchors returns the anchors of the model in the order they were added.
func (m *Model) Anchors() []*Anchor {
	return append([]*Anchor{}, m.anchors...)
}

// Anchor returns the anchor with the given id.
func (m *Model) Anchor(id string) (*Anchor, bool) {
	for _, a := range m.anchors {
		if a.id == id {
			return a, true
		}
	}
	return nil, false
}

// AddAnchor creates, validates and attaches an anchor to the model.
// The model must already be part of a graph so the anchor can be scoped to its context.
func (m *Model) AddAnchor(def *AnchorDefinition, id string, properties map[string]any) (*Anchor, error) {
	if !m.Attached() {
		return nil, errs.NewValidationError(
			fmt.Sprintf("model %s must be part of a graph before anchors are added", graph.Context(m)), nil,
		)
	}
	if _, exists := m.Anchor(id); exists {
		return nil, errs.NewValidationError(fmt.Sprintf("anchor %s already exists", id), nil).
			WithCode(errs.ErrCodeAlreadyExists).WithResource(graph.Context(m))
	}

	anchor, err := NewAnchor(def, id, graph.Context(m), properties)
	if err != nil {
		return nil, err
	}

	m.anchors = append(m.anchors, anchor)
	return anchor, nil
}

// AnchorHolder is implemented by every node embedding Model.
type AnchorHolder interface {
	graph.Node
	Anchors() []*Anchor
	Anchor(id string) (*Anchor, bool)
	AddAnchor(def *AnchorDefinition, id string, properties map[string]any) (*Anchor, error)
}

// Validate checks the struct constraints declared on a concrete model.
func Validate(n graph.Node) error {
	if err := validate.Struct(n); err != nil {
		return validationError(graph.Context(n), err)
	}
	return nil
}

// AddRoot validates n and adds it to g as a root model.
func AddRoot(g *graph.Graph, n graph.Node) (graph.Node, error) {
	if err := Validate(n); err != nil {
		return nil, err
	}
	return g.Add(n)
}

// AddChild validates child and places it under parent.
func AddChild(g *graph.Graph, parent graph.Node, onField string, child graph.Node, toField string) (graph.Node, error) {
	if err := Validate(child); err != nil {
		return nil, err
	}
	return g.AddChild(parent, onField, child, toField)
}

func validationError(context string, err error) error {
	var invalid validator.ValidationErrors
	if ok := asValidationErrors(err, &invalid); !ok {
		return errs.NewValidationError(fmt.Sprintf("validation of %s failed", context), err).
			WithResource(context)
	}

	fields := make([]string, 0, len(invalid))
	for _, fe := range invalid {
		fields = append(fields, fmt.Sprintf("%s(%s)", fe.Field(), fe.Tag()))
	}
	sort.Strings(fields)

	return errs.NewValidationError(
		fmt.Sprintf("invalid fields: %s", strings.Join(fields, ", ")), err,
	).WithResource(context).WithDetail("fields", fields)
}

func asValidationErrors(err error, target *validator.ValidationErrors) bool {
	v, ok := err.(validator.ValidationErrors)
	if ok {
		*target = v
	}
	return ok
}
