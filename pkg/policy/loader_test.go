package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

const denyAllRego = `package peace.test.deny_all

# Denies every change.
# Used by loader tests.

import rego.v1

deny contains "no changes allowed" if {
	input.item.exec_required
}`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("MkdirAll failed: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write test file: %v", err)
	}
}

func TestLoadFromFile_Rego(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	path := filepath.Join(t.TempDir(), "deny-all.rego")
	writeFile(t, path, denyAllRego)

	policies, err := loader.loadFromFile(path)
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}
	if len(policies) != 1 {
		t.Fatalf("Expected 1 policy, got %d", len(policies))
	}
	p := policies[0]
	if p.Name != "deny-all" {
		t.Errorf("Expected name 'deny-all', got '%s'", p.Name)
	}
	if p.Description != "Denies every change. Used by loader tests." {
		t.Errorf("Unexpected description: %q", p.Description)
	}
	if p.Severity != SeverityWarning || !p.Enabled {
		t.Errorf("Expected enabled warning policy, got %s enabled=%v", p.Severity, p.Enabled)
	}
}

func TestLoadFromFile_JSONAndBundle(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	dir := t.TempDir()

	writeFile(t, filepath.Join(dir, "single.json"), `{"name": "single", "rego": "package a\n", "enabled": true}`)
	writeFile(t, filepath.Join(dir, "team.bundle.json"), `{
  "name": "team",
  "version": "1",
  "policies": [
    {"name": "one", "rego": "package b\n", "enabled": true, "severity": "error"},
    {"name": "two", "rego": "package c\n", "enabled": false}
  ]
}`)
	writeFile(t, filepath.Join(dir, "nameless.json"), `{"rego": "package d\n"}`)

	single, err := loader.loadFromFile(filepath.Join(dir, "single.json"))
	if err != nil {
		t.Fatalf("Failed to load JSON policy: %v", err)
	}
	if single[0].Severity != SeverityWarning {
		t.Errorf("Expected default severity warning, got %s", single[0].Severity)
	}

	bundle, err := loader.loadFromFile(filepath.Join(dir, "team.bundle.json"))
	if err != nil {
		t.Fatalf("Failed to load bundle: %v", err)
	}
	if len(bundle) != 2 || bundle[0].Severity != SeverityError || bundle[1].Severity != SeverityWarning {
		t.Errorf("Unexpected bundle policies: %+v", bundle)
	}

	if _, err := loader.loadFromFile(filepath.Join(dir, "nameless.json")); err == nil {
		t.Error("Expected error for JSON policy without a name")
	}
}

func TestLoadFromPaths_DirectorySkipsBadFiles(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	dir := t.TempDir()

	writeFile(t, filepath.Join(dir, "deny-all.rego"), denyAllRego)
	writeFile(t, filepath.Join(dir, "nested", "other.rego"), "package other\n")
	writeFile(t, filepath.Join(dir, "broken.json"), "{")
	writeFile(t, filepath.Join(dir, "README.md"), "# policies")

	policies, err := loader.LoadFromPaths(context.Background(), []string{dir})
	if err != nil {
		t.Fatalf("LoadFromPaths failed: %v", err)
	}
	if len(policies) != 2 {
		t.Errorf("Expected 2 policies, got %d", len(policies))
	}

	if _, err := loader.LoadFromPaths(context.Background(), []string{filepath.Join(dir, "missing")}); err == nil {
		t.Error("Expected error for missing path")
	}
}

func TestEngine_LoadPoliciesAndReload(t *testing.T) {
	eng := newTestEngine(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "deny-all.rego")
	writeFile(t, path, denyAllRego)

	if err := eng.LoadPolicies(context.Background(), []string{dir}); err != nil {
		t.Fatalf("LoadPolicies failed: %v", err)
	}
	if _, err := eng.GetPolicy("deny-all"); err != nil {
		t.Fatalf("Expected deny-all to be loaded: %v", err)
	}

	input := &PolicyInput{Item: ItemInput{ID: "a", ExecRequired: true, Current: 1}, Context: &PolicyContext{}}
	result, err := eng.EvaluateItem(context.Background(), input)
	if err != nil {
		t.Fatalf("EvaluateItem failed: %v", err)
	}
	if len(result.Warnings) != 1 || result.Warnings[0].Message != "no changes allowed" {
		t.Errorf("Expected one warning from deny-all, got %+v", result.Warnings)
	}

	if err := os.Remove(path); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	writeFile(t, filepath.Join(dir, "renamed.rego"), denyAllRego)
	if err := eng.ReloadPolicies(context.Background()); err != nil {
		t.Fatalf("ReloadPolicies failed: %v", err)
	}
	if _, err := eng.GetPolicy("deny-all"); err == nil {
		t.Error("Expected deny-all to be gone after reload")
	}
	if _, err := eng.GetPolicy("renamed"); err != nil {
		t.Errorf("Expected renamed policy after reload: %v", err)
	}
}

func TestLoader_Watch(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	dir := t.TempDir()
	single := filepath.Join(t.TempDir(), "single.rego")
	writeFile(t, filepath.Join(dir, "deny-all.rego"), denyAllRego)
	writeFile(t, single, denyAllRego)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changed := make(chan struct{}, 4)
	if err := loader.Watch(ctx, []string{dir, single}, func() { changed <- struct{}{} }); err != nil {
		t.Fatalf("Watch failed: %v", err)
	}

	expectChange := func(what string) {
		t.Helper()
		select {
		case <-changed:
		case <-time.After(10 * time.Second):
			t.Fatalf("Expected a change after %s", what)
		}
	}

	writeFile(t, filepath.Join(dir, "second.rego"), "package second\n")
	expectChange("writing a policy file")

	writeFile(t, single, "package single\n")
	expectChange("rewriting a watched file")

	writeFile(t, filepath.Join(dir, "notes.txt"), "ignored")
	select {
	case <-changed:
		t.Error("Expected non-policy files to be ignored")
	case <-time.After(2 * reloadDelay):
	}
}

func TestLoader_WatchMissingPath(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	err := loader.Watch(context.Background(), []string{filepath.Join(t.TempDir(), "missing")}, func() {})
	if err == nil {
		t.Error("Expected error for missing path, got nil")
	}
}

func TestEngine_Watch(t *testing.T) {
	eng := newTestEngine(t)
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "deny-all.rego"), denyAllRego)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := eng.Watch(ctx, func(int, error) {}); err == nil {
		t.Error("Expected error when no policies were loaded from paths")
	}
	if err := eng.LoadPolicies(ctx, []string{dir}); err != nil {
		t.Fatalf("LoadPolicies failed: %v", err)
	}
	builtins := len(GetBuiltinPolicies())

	type reload struct {
		count int
		err   error
	}
	reloads := make(chan reload, 4)
	if err := eng.Watch(ctx, func(count int, err error) { reloads <- reload{count, err} }); err != nil {
		t.Fatalf("Watch failed: %v", err)
	}
	next := func() reload {
		t.Helper()
		select {
		case r := <-reloads:
			return r
		case <-time.After(10 * time.Second):
			t.Fatal("Expected a reload")
			return reload{}
		}
	}

	writeFile(t, filepath.Join(dir, "renamed.rego"), denyAllRego)
	if r := next(); r.err != nil || r.count != builtins+2 {
		t.Errorf("Expected %d policies without error, got %d and %v", builtins+2, r.count, r.err)
	}
	if _, err := eng.GetPolicy("renamed"); err != nil {
		t.Errorf("Expected renamed policy after reload: %v", err)
	}

	writeFile(t, filepath.Join(dir, "broken.rego"), "package broken\n\ndeny contains if {")
	r := next()
	if r.err == nil {
		t.Error("Expected reload of a broken policy to fail")
	}
	if r.count != builtins+2 {
		t.Errorf("Expected previous %d policies kept, got %d", builtins+2, r.count)
	}
}
