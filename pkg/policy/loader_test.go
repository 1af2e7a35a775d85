package policy

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/quadnix/octo-sub002/pkg/graph"
	"github.com/quadnix/octo-sub002/pkg/resource"
	"github.com/rs/zerolog"
)

func writePolicyFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("Failed to create directory: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write test file: %v", err)
	}
}

func TestLoadFromFile_Rego(t *testing.T) {
	loader := NewLoader(zerolog.Nop())

	policyFile := filepath.Join(t.TempDir(), "no-deletes.rego")
	regoContent := `# Refuses every delete
# of a resource.
# severity: critical
package octo.policies.nodeletes

import rego.v1

deny contains "no deletes" if input.diff.action == "delete"
`
	writePolicyFile(t, policyFile, regoContent)

	policy, err := loader.loadFromFile(context.Background(), policyFile)
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}

	if policy.Name != "no-deletes" {
		t.Errorf("Expected name 'no-deletes', got '%s'", policy.Name)
	}
	if policy.Description != "Refuses every delete of a resource." {
		t.Errorf("Unexpected description '%s'", policy.Description)
	}
	if policy.Severity != SeverityCritical {
		t.Errorf("Expected critical severity, got '%s'", policy.Severity)
	}
	if policy.Rego != regoContent {
		t.Error("Rego content doesn't match")
	}
	if !policy.Enabled {
		t.Error("Policy should be enabled by default")
	}
}

func TestLoadFromFile_RegoInvalidSeverity(t *testing.T) {
	loader := NewLoader(zerolog.Nop())

	policyFile := filepath.Join(t.TempDir(), "bad.rego")
	writePolicyFile(t, policyFile, "# severity: fatal\npackage bad\n")

	if _, err := loader.loadFromFile(context.Background(), policyFile); err == nil {
		t.Error("Expected error for an unknown severity")
	}
}

func TestLoadFromFile_JSON(t *testing.T) {
	loader := NewLoader(zerolog.Nop())

	policyFile := filepath.Join(t.TempDir(), "policy.json")
	data, err := json.Marshal(Policy{
		Name:        "json-policy",
		Description: "A policy in JSON",
		Rego:        "package octo.policies.json\n\nimport rego.v1\n\ndeny contains \"never\" if false\n",
		Enabled:     true,
	})
	if err != nil {
		t.Fatalf("Failed to marshal policy: %v", err)
	}
	writePolicyFile(t, policyFile, string(data))

	loaded, err := loader.loadFromFile(context.Background(), policyFile)
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}

	if loaded.Name != "json-policy" {
		t.Errorf("Expected name 'json-policy', got '%s'", loaded.Name)
	}
	if loaded.Severity != SeverityError {
		t.Errorf("Expected default severity error, got '%s'", loaded.Severity)
	}
	if loaded.CreatedAt.IsZero() {
		t.Error("Expected created_at to be set")
	}
}

func TestLoadFromFile_JSONWithoutName(t *testing.T) {
	loader := NewLoader(zerolog.Nop())

	policyFile := filepath.Join(t.TempDir(), "anonymous.json")
	writePolicyFile(t, policyFile, `{"rego": "package x"}`)

	if _, err := loader.loadFromFile(context.Background(), policyFile); err == nil {
		t.Error("Expected error for a policy without a name")
	}
}

func TestLoadFromDirectory_RecursiveAndOrdered(t *testing.T) {
	loader := NewLoader(zerolog.Nop())

	dir := t.TempDir()
	writePolicyFile(t, filepath.Join(dir, "b.rego"), "package b\n")
	writePolicyFile(t, filepath.Join(dir, "nested", "c.rego"), "package c\n")
	writePolicyFile(t, filepath.Join(dir, "a.rego"), "package a\n")
	writePolicyFile(t, filepath.Join(dir, "README.md"), "# Policies")
	writePolicyFile(t, filepath.Join(dir, "broken.json"), "not json")

	loaded, err := loader.loadFromDirectory(context.Background(), dir)
	if err != nil {
		t.Fatalf("Failed to load directory: %v", err)
	}

	if len(loaded) != 3 {
		t.Fatalf("Expected 3 policies, got %d", len(loaded))
	}
	for i, name := range []string{"a", "b", "c"} {
		if loaded[i].Name != name {
			t.Errorf("Expected policy %d to be '%s', got '%s'", i, name, loaded[i].Name)
		}
	}
}

func TestLoadFromPaths(t *testing.T) {
	loader := NewLoader(zerolog.Nop())

	dir := t.TempDir()
	writePolicyFile(t, filepath.Join(dir, "dir1", "p1.rego"), "package p1\n")
	file := filepath.Join(dir, "p2.rego")
	writePolicyFile(t, file, "package p2\n")

	loaded, err := loader.LoadFromPaths(context.Background(), []string{filepath.Join(dir, "dir1"), file})
	if err != nil {
		t.Fatalf("Failed to load paths: %v", err)
	}
	if len(loaded) != 2 {
		t.Errorf("Expected 2 policies, got %d", len(loaded))
	}

	if _, err := loader.LoadFromPaths(context.Background(), []string{filepath.Join(dir, "missing")}); err == nil {
		t.Error("Expected error for non-existent path")
	}
}

func TestClearCache(t *testing.T) {
	loader := NewLoader(zerolog.Nop())

	policyFile := filepath.Join(t.TempDir(), "cached.rego")
	writePolicyFile(t, policyFile, "package cached\n")

	if _, err := loader.loadFromFile(context.Background(), policyFile); err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}
	if len(loader.cache) != 1 {
		t.Errorf("Expected 1 cache entry, got %d", len(loader.cache))
	}

	loader.ClearCache()
	if len(loader.cache) != 0 {
		t.Errorf("Expected 0 cache entries after clear, got %d", len(loader.cache))
	}
}

func TestLoadFromFile_UnsupportedType(t *testing.T) {
	loader := NewLoader(zerolog.Nop())

	policyFile := filepath.Join(t.TempDir(), "policy.txt")
	writePolicyFile(t, policyFile, "not a policy")

	if _, err := loader.loadFromFile(context.Background(), policyFile); err == nil {
		t.Error("Expected error for unsupported file type")
	}
}

func TestEngineLoadPoliciesAndBundle(t *testing.T) {
	eng, err := NewEngine(zerolog.Nop())
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}

	dir := t.TempDir()
	writePolicyFile(t, filepath.Join(dir, "no-deletes.rego"), `package octo.policies.nodeletes

import rego.v1

deny contains "no deletes" if input.diff.action == "delete"
`)
	if err := eng.LoadPolicies(context.Background(), []string{dir}); err != nil {
		t.Fatalf("Failed to load policies: %v", err)
	}

	bundleFile := filepath.Join(dir, "bundle.out")
	data, err := json.Marshal(PolicyBundle{
		Name:    "audit",
		Version: "1.0.0",
		Policies: []Policy{{
			Name:     "audit-adds",
			Rego:     "package octo.policies.audit\n\nimport rego.v1\n\ndeny contains \"added\" if input.diff.action == \"add\"\n",
			Severity: SeverityInfo,
			Enabled:  true,
		}},
		CreatedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("Failed to marshal bundle: %v", err)
	}
	writePolicyFile(t, bundleFile, string(data))

	bundle, err := eng.LoadBundle(context.Background(), bundleFile)
	if err != nil {
		t.Fatalf("Failed to load bundle: %v", err)
	}
	if bundle.Version != "1.0.0" {
		t.Errorf("Expected version 1.0.0, got %s", bundle.Version)
	}

	vpc := resource.New(vpcDef, "v1", nil)
	result, err := eng.EvaluateDiffs(context.Background(), "resource", []*graph.Diff{
		graph.IdentityDiff(vpc, graph.ActionAdd),
		graph.IdentityDiff(vpc, graph.ActionDelete),
	})
	if err != nil {
		t.Fatalf("Failed to evaluate: %v", err)
	}
	if result.Allowed {
		t.Error("Expected the delete to be denied")
	}
	if len(result.Violations) != 1 || result.Violations[0].Message != "no deletes" {
		t.Errorf("Unexpected violations: %v", result.Violations)
	}
	if len(result.Warnings) != 1 || result.Warnings[0].Severity != SeverityInfo {
		t.Errorf("Unexpected warnings: %v", result.Warnings)
	}
}
