package graph

import "fmt"

// Relationship describes what the target of an edge is to its source.
type Relationship string

const (
	// RelationshipParent marks the target as the parent of the source.
	RelationshipParent Relationship = "parent"

	// RelationshipChild marks the target as a child of the source.
	RelationshipChild Relationship = "child"

	// RelationshipSibling marks an edge between otherwise unrelated nodes.
	RelationshipSibling Relationship = "sibling"
)

// AnyField matches every field in a FieldDependency.
const AnyField = "*"

// FieldDependency is an ordering rule: a diff with (OnField, OnAction) on the source node
// must be applied after a diff with (ToField, ToAction) on the target node.
type FieldDependency struct {
	OnField  string `json:"onField"`
	OnAction Action `json:"onAction"`
	ToField  string `json:"toField"`
	ToAction Action `json:"toAction"`
}

// Matches reports whether diff on must follow diff to under this rule.
func (f FieldDependency) Matches(on, to *Diff) bool {
	return fieldMatches(f.OnField, on.Field) && f.OnAction == on.Action &&
		fieldMatches(f.ToField, to.Field) && f.ToAction == to.Action
}

func (f FieldDependency) String() string {
	return fmt.Sprintf("%s:%s after %s:%s", f.OnField, f.OnAction, f.ToField, f.ToAction)
}

func fieldMatches(pattern, field string) bool {
	return pattern == AnyField || pattern == field
}

// Dependency is a directed edge between two nodes, identified by context.
type Dependency struct {
	From         string            `json:"from"`
	To           string            `json:"to"`
	Relationship Relationship      `json:"relationship"`
	OnField      string            `json:"onField"`
	ToField      string            `json:"toField"`
	Behaviors    []FieldDependency `json:"behaviors"`
}

// sameEdge compares the identifying tuple of two edges. Behaviors are not part of it.
func (d *Dependency) sameEdge(o *Dependency) bool {
	return d.From == o.From && d.To == o.To && d.Relationship == o.Relationship &&
		d.OnField == o.OnField && d.ToField == o.ToField
}

func (d *Dependency) addBehavior(b FieldDependency) {
	for _, existing := range d.Behaviors {
		if existing == b {
			return
		}
	}
	d.Behaviors = append(d.Behaviors, b)
}

func (d *Dependency) clone() Dependency {
	c := *d
	c.Behaviors = append([]FieldDependency{}, d.Behaviors...)
	return c
}

func (d *Dependency) String() string {
	return fmt.Sprintf("%s -[%s %s:%s]-> %s", d.From, d.Relationship, d.OnField, d.ToField, d.To)
}
