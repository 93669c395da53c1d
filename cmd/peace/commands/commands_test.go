package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// run executes the root command with args and returns what it wrote.
func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	return runContext(t, context.Background(), args...)
}

func runContext(t *testing.T, ctx context.Context, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCommand("test", "none", "today")
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	return out.String(), err
}

func writeDefinition(t *testing.T, dir, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, "peace.cue"), []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
}

func TestInitCommand(t *testing.T) {
	dir := t.TempDir()

	out, err := run(t, "init", dir, "--flow", "demo", "--ssh-key")
	if err != nil {
		t.Fatalf("init failed: %v\n%s", err, out)
	}

	for _, p := range []string{
		"peace.cue",
		filepath.Join(".peace", "default", "demo"),
		filepath.Join(".peace", "default", "peace.db"),
		filepath.Join(".peace", "keys", "id_ed25519"),
		filepath.Join(".peace", "keys", "id_ed25519.pub"),
	} {
		if _, err := os.Stat(filepath.Join(dir, p)); err != nil {
			t.Errorf("Expected %s to exist: %v", p, err)
		}
	}
	if !strings.Contains(out, "Workspace initialized successfully") {
		t.Errorf("Expected success message, got %q", out)
	}

	// A second init keeps the existing definition.
	out, err = run(t, "init", dir, "--flow", "demo")
	if err != nil {
		t.Fatalf("second init failed: %v", err)
	}
	if !strings.Contains(out, "already exists") {
		t.Errorf("Expected existing definition to be kept, got %q", out)
	}
}

func TestInitCommand_InvalidFlowID(t *testing.T) {
	if _, err := run(t, "init", t.TempDir(), "--flow", "1-bad"); err == nil {
		t.Error("Expected error for invalid flow id, got nil")
	}
}

func TestValidateCommand(t *testing.T) {
	dir := t.TempDir()
	if _, err := run(t, "init", dir, "--flow", "demo"); err != nil {
		t.Fatalf("init failed: %v", err)
	}

	out, err := run(t, "validate", "--workspace", dir)
	if err != nil {
		t.Fatalf("validate failed: %v", err)
	}
	if !strings.Contains(out, "Flow demo is valid: 2 item(s), 1 mapping function(s)") {
		t.Errorf("Expected summary, got %q", out)
	}
}

func TestValidateCommand_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{
			name:    "unknown kind",
			content: `flow: id: "app", items: [{id: "a", kind: "database"}]`,
			want:    `unknown item kind "database"`,
		},
		{
			name:    "cycle",
			content: `flow: id: "app", items: [{id: "a", kind: "blank", after: ["b"]}, {id: "b", kind: "blank", after: ["a"]}]`,
			want:    "circular",
		},
		{
			name:    "unknown field",
			content: `flow: id: "app", items: [{id: "a", kind: "blank"}], extra: true`,
			want:    "extra",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			writeDefinition(t, dir, tt.content)

			_, err := run(t, "validate", "--workspace", dir)
			if err == nil {
				t.Fatal("Expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Expected error to mention %q, got %v", tt.want, err)
			}
		})
	}
}

func TestValidateCommand_Watch(t *testing.T) {
	dir := t.TempDir()
	writeDefinition(t, dir, `
flow: id: "app"
items: [{id: "a", kind: "blank"}]
policies: ["policies"]
`)
	if err := os.MkdirAll(filepath.Join(dir, "policies"), 0o755); err != nil {
		t.Fatalf("MkdirAll failed: %v", err)
	}
	rego := "package peace.test.none\n\nimport rego.v1\n\ndeny contains \"never\" if {\n\tfalse\n}\n"
	if err := os.WriteFile(filepath.Join(dir, "policies", "none.rego"), []byte(rego), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	// The watch runs until the context ends.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out, err := runContext(t, ctx, "validate", "--workspace", dir, "--watch")
	if err != nil {
		t.Fatalf("validate --watch failed: %v\n%s", err, out)
	}
	if !strings.Contains(out, "Flow app is valid") {
		t.Errorf("Expected summary before watching, got %q", out)
	}

	writeDefinition(t, dir, `flow: id: "app", items: [{id: "a", kind: "blank"}]`)
	if _, err := run(t, "validate", "--workspace", dir, "--watch"); err == nil || !strings.Contains(err.Error(), "no policy paths") {
		t.Errorf("Expected error without policy paths, got %v", err)
	}
}

func TestOutputFormatFlag(t *testing.T) {
	dir := t.TempDir()
	if _, err := run(t, "init", dir); err != nil {
		t.Fatalf("init failed: %v", err)
	}

	_, err := run(t, "validate", "--workspace", dir, "-o", "xml")
	if err == nil || !strings.Contains(err.Error(), "unknown output format") {
		t.Errorf("Expected unknown output format error, got %v", err)
	}
}

func TestTelemetryFlags(t *testing.T) {
	dir := t.TempDir()
	if _, err := run(t, "init", dir); err != nil {
		t.Fatalf("init failed: %v", err)
	}

	_, err := run(t, "discover", "--workspace", dir, "--trace", "jaeger")
	if err == nil || !strings.Contains(err.Error(), "telemetry") {
		t.Errorf("Expected telemetry config error, got %v", err)
	}

	if out, err := run(t, "discover", "--workspace", dir, "--metrics-addr", "127.0.0.1:0"); err != nil {
		t.Errorf("discover with metrics failed: %v\n%s", err, out)
	}
}

func TestEnsureWorkflow(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "motd")
	writeDefinition(t, dir, `
flow: id: "motd"
items: [{
	id:   "motd"
	kind: "file"
	params: {
		path:    "`+filepath.ToSlash(target)+`"
		content: "welcome"
	}
}]
`)

	// ensure refuses to run before anything was discovered.
	if _, err := run(t, "ensure", "--workspace", dir); err == nil {
		t.Fatal("Expected ensure before discover to fail")
	}

	if out, err := run(t, "discover", "--workspace", dir); err != nil {
		t.Fatalf("discover failed: %v\n%s", err, out)
	}

	out, err := run(t, "ensure", "--workspace", dir, "--dry")
	if err != nil {
		t.Fatalf("ensure --dry failed: %v\n%s", err, out)
	}
	if _, err := os.Stat(target); !os.IsNotExist(err) {
		t.Fatalf("Expected dry run to leave %s absent, got %v", target, err)
	}

	out, err = run(t, "ensure", "--workspace", dir)
	if err != nil {
		t.Fatalf("ensure failed: %v\n%s", err, out)
	}
	if !strings.Contains(out, "ensure complete") {
		t.Errorf("Expected completion message, got %q", out)
	}
	data, err := os.ReadFile(target)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if string(data) != "welcome" {
		t.Errorf("Expected content %q, got %q", "welcome", data)
	}

	out, err = run(t, "diff", "--workspace", dir)
	if err != nil {
		t.Fatalf("diff failed: %v\n%s", err, out)
	}
	if !strings.Contains(out, "motd") {
		t.Errorf("Expected diff for motd, got %q", out)
	}

	out, err = run(t, "history", "--workspace", dir, "--json")
	if err != nil {
		t.Fatalf("history failed: %v\n%s", err, out)
	}
	var execs []struct {
		ID      string `json:"id"`
		Command string `json:"command"`
		Status  string `json:"status"`
	}
	if err := json.Unmarshal([]byte(out), &execs); err != nil {
		t.Fatalf("Expected JSON history, got %q: %v", out, err)
	}
	commands := make(map[string]string)
	for _, e := range execs {
		commands[e.Command] = e.Status
	}
	if commands["ensure"] != "complete" {
		t.Errorf("Expected a complete ensure in history, got %v", commands)
	}

	out, err = run(t, "history", "--workspace", dir, execs[0].ID, "-o", "yaml")
	if err != nil {
		t.Fatalf("history show failed: %v", err)
	}
	if !strings.Contains(out, "id: "+execs[0].ID) {
		t.Errorf("Expected execution %s, got %q", execs[0].ID, out)
	}

	if out, err := run(t, "clean", "--workspace", dir); err != nil {
		t.Fatalf("clean failed: %v\n%s", err, out)
	}
	if _, err := os.Stat(target); !os.IsNotExist(err) {
		t.Errorf("Expected clean to remove %s, got %v", target, err)
	}
}

func TestEnsureCommand_Protected(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "motd")
	writeDefinition(t, dir, `
flow: id: "motd"
items: [{id: "motd", kind: "file", params: {path: "`+filepath.ToSlash(target)+`", content: "hi"}}]
`)
	if _, err := run(t, "discover", "--workspace", dir); err != nil {
		t.Fatalf("discover failed: %v", err)
	}

	if _, err := run(t, "ensure", "--workspace", dir, "--protect", "motd"); err == nil {
		t.Fatal("Expected ensure of a protected item to fail")
	}
	if _, err := os.Stat(target); !os.IsNotExist(err) {
		t.Errorf("Expected protected item to be left alone, got %v", err)
	}
}

func TestGenerateSSHKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "id_ed25519")

	created, err := generateSSHKey(path)
	if err != nil {
		t.Fatalf("generateSSHKey failed: %v", err)
	}
	if !created {
		t.Error("Expected key to be created")
	}
	pub, err := os.ReadFile(path + ".pub")
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if !strings.HasPrefix(string(pub), "ssh-ed25519 ") {
		t.Errorf("Expected authorized key line, got %q", pub)
	}

	created, err = generateSSHKey(path)
	if err != nil || created {
		t.Errorf("Expected existing key to be kept, got created=%v err=%v", created, err)
	}
}
