package workspace

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/openfroyo/peace/pkg/engine"
)

func TestDiscover_FirstDirWithFile(t *testing.T) {
	root := t.TempDir()
	nested := filepath.Join(root, "a", "b")
	if err := os.MkdirAll(nested, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, DefaultMarker), nil, 0o644); err != nil {
		t.Fatal(err)
	}
	t.Chdir(nested)

	ws, err := Discover(FirstDirWithFile(DefaultMarker), "dev")
	if err != nil {
		t.Fatalf("Discover failed: %v", err)
	}

	want, _ := filepath.EvalSymlinks(root)
	got, _ := filepath.EvalSymlinks(ws.Root())
	if got != want {
		t.Errorf("Expected root %s, got %s", want, got)
	}
}

func TestDiscover_NotFound(t *testing.T) {
	t.Chdir(t.TempDir())
	_, err := Discover(FirstDirWithFile("no-such-marker-file.cue"), "dev")
	if !engine.HasCode(err, engine.ErrCodeWorkspaceNotFound) {
		t.Errorf("Expected %s, got %v", engine.ErrCodeWorkspaceNotFound, err)
	}
}

func TestDiscover_InvalidProfile(t *testing.T) {
	_, err := Discover(WorkingDir(), "bad profile")
	if !engine.HasCode(err, engine.ErrCodeValidation) {
		t.Errorf("Expected %s, got %v", engine.ErrCodeValidation, err)
	}
}

func TestWorkspace_Paths(t *testing.T) {
	root := t.TempDir()
	ws, err := Discover(Path(root), "dev")
	if err != nil {
		t.Fatalf("Discover failed: %v", err)
	}

	paths := ws.FlowPaths("deploy")
	if paths.StatesCurrent != ".peace/dev/deploy/states_current.yaml" {
		t.Errorf("Expected relative current states path, got %s", paths.StatesCurrent)
	}
	if paths.ParamsSpecs != ".peace/dev/deploy/params_specs.yaml" {
		t.Errorf("Expected relative params specs path, got %s", paths.ParamsSpecs)
	}

	if err := ws.Init("deploy"); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	if info, err := os.Stat(ws.FlowDir("deploy")); err != nil || !info.IsDir() {
		t.Errorf("Expected flow dir to exist, got %v", err)
	}
}
