package serialize

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/quadnix/octo-sub002/pkg/canonical"
	"github.com/quadnix/octo-sub002/pkg/errs"
	"github.com/quadnix/octo-sub002/pkg/graph"
)

// Document is the versioned envelope of every persisted state document.
// Version is a revision counter incremented on every save.
type Document[T any] struct {
	Version int `json:"version"`
	Data    T   `json:"data"`
}

// Encode renders doc as indented canonical JSON.
func Encode[T any](doc Document[T]) ([]byte, error) {
	data, err := canonical.MarshalIndent(doc)
	if err != nil {
		return nil, errs.NewStateError("failed to encode state document", err)
	}
	return data, nil
}

// Decode parses a state document. Empty input yields a zero document.
func Decode[T any](raw []byte) (Document[T], error) {
	var doc Document[T]
	if len(raw) == 0 {
		return doc, nil
	}
	if err := canonical.Unmarshal(raw, &doc); err != nil {
		return doc, errs.NewStateError("failed to decode state document", err)
	}
	return doc, nil
}

// ModelEntry is one persisted model.
type ModelEntry struct {
	ClassName string         `json:"className"`
	Model     map[string]any `json:"model"`
}

// OverlayEntry is one persisted overlay.
type OverlayEntry struct {
	ClassName string         `json:"className"`
	Overlay   map[string]any `json:"overlay"`
}

// AnchorEntry is one persisted anchor.
type AnchorEntry struct {
	AnchorID   string         `json:"anchorId"`
	ClassName  string         `json:"className"`
	Parent     string         `json:"parent"`
	Properties map[string]any `json:"properties"`
}

// ModelState is the data of the models document.
type ModelState struct {
	Anchors      []AnchorEntry                      `json:"anchors"`
	Dependencies []graph.Dependency                 `json:"dependencies"`
	FieldRules   map[string][]graph.FieldDependency `json:"fieldRules"`
	Models       map[string]ModelEntry              `json:"models"`
	Overlays     map[string]OverlayEntry            `json:"overlays"`
}

// ResourceEntry is one persisted resource.
type ResourceEntry struct {
	ClassName string         `json:"className"`
	Resource  map[string]any `json:"resource"`
}

// SharedResourceClassName is the class name of every shared resource entry.
const SharedResourceClassName = "SharedResource"

// SharedResourceEntry holds the part of a shared resource contributed by the current branch.
type SharedResourceEntry struct {
	ClassName         string         `json:"className"`
	ResourceClassName string         `json:"resourceClassName"`
	SharedResource    map[string]any `json:"sharedResource"`
}

// ResourceState is the data of the actual and old resource documents.
type ResourceState struct {
	Dependencies    []graph.Dependency                 `json:"dependencies"`
	FieldRules      map[string][]graph.FieldDependency `json:"fieldRules"`
	Resources       map[string]ResourceEntry           `json:"resources"`
	SharedResources map[string]SharedResourceEntry     `json:"sharedResources"`
}

// Contexts returns the contexts of every persisted model and overlay, sorted.
func (s *ModelState) Contexts() []string {
	out := make([]string, 0, len(s.Models)+len(s.Overlays))
	for ctx := range s.Models {
		out = append(out, ctx)
	}
	for ctx := range s.Overlays {
		out = append(out, ctx)
	}
	return sortedStrings(out)
}

// Contexts returns the contexts of every persisted resource, sorted.
func (s *ResourceState) Contexts() []string {
	out := make([]string, 0, len(s.Resources))
	for id, entry := range s.Resources {
		out = append(out, entry.ClassName+"="+id)
	}
	return sortedStrings(out)
}

// DirtyIDs compares a persisted old resource state against the actual one and returns the
// sorted ids of resources that are missing from actual or differ in properties or response.
// It needs no registry.
func DirtyIDs(actual, old *ResourceState) []string {
	out := make([]string, 0)
	for id, o := range old.Resources {
		a, ok := actual.Resources[id]
		if !ok || a.ClassName != o.ClassName ||
			!canonical.Equal(o.Resource["properties"], a.Resource["properties"]) ||
			!canonical.Equal(o.Resource["response"], a.Resource["response"]) {
			out = append(out, id)
		}
	}
	return sortedStrings(out)
}

func asMap(v any, what string) (map[string]any, error) {
	switch m := v.(type) {
	case nil:
		return map[string]any{}, nil
	case map[string]any:
		return m, nil
	default:
		return nil, errs.NewStateError(fmt.Sprintf("%s must be an object, got %T", what, v), nil)
	}
}

func normalizeMap(m map[string]any) (map[string]any, error) {
	if m == nil {
		return map[string]any{}, nil
	}
	out, err := canonical.Normalize(m)
	if err != nil {
		return nil, err
	}
	return asMap(out, "properties")
}

// stringField reads a string field from persisted data.
func stringField(data map[string]any, key string) (string, error) {
	switch v := data[key].(type) {
	case string:
		return v, nil
	case json.Number:
		return v.String(), nil
	default:
		return "", errs.NewStateError(fmt.Sprintf("field %s must be a string, got %T", key, data[key]), nil)
	}
}

func sortedStrings(s []string) []string {
	sort.Strings(s)
	return s
}
