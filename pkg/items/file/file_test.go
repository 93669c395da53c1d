package file

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/openfroyo/peace/pkg/item"
	"github.com/openfroyo/peace/pkg/params"
	"github.com/openfroyo/peace/pkg/progress"
	"github.com/openfroyo/peace/pkg/resources"
)

func bind(t *testing.T, it item.ItemRt, path, content, mode string) {
	t.Helper()
	spec := params.FieldWise(map[string]params.ValueSpec{
		"path":    params.Value(path),
		"content": params.Value(content),
		"mode":    params.Value(mode),
	})
	if err := it.BindParams(spec, params.NewMappingFnReg()); err != nil {
		t.Fatalf("BindParams failed: %v", err)
	}
}

func setup(t *testing.T, it item.ItemRt) *resources.Resources {
	t.Helper()
	r := resources.New()
	if err := it.Setup(r); err != nil {
		t.Fatalf("Setup failed: %v", err)
	}
	return r
}

func TestParams_FileMode(t *testing.T) {
	tests := []struct {
		mode    string
		want    os.FileMode
		wantErr bool
	}{
		{mode: "", want: DefaultMode},
		{mode: "0600", want: 0o600},
		{mode: "755", want: 0o755},
		{mode: "rw", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.mode, func(t *testing.T) {
			got, err := Params{Mode: tt.mode}.FileMode()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Expected error %v, got %v", tt.wantErr, err)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("Expected %o, got %o", tt.want, got)
			}
		})
	}
}

func TestItem_StateDiff(t *testing.T) {
	present := State{Path: "/a", Exists: true, Size: 2, Checksum: "x", Mode: "0644"}
	tests := []struct {
		name     string
		from, to State
		want     DiffKind
	}{
		{name: "neither exists", from: State{Path: "/a"}, to: State{Path: "/a"}, want: DiffNotExists},
		{name: "create", from: State{Path: "/a"}, to: present, want: DiffCreate},
		{name: "delete", from: present, to: State{Path: "/a"}, want: DiffDelete},
		{name: "content", from: present, to: State{Path: "/a", Exists: true, Size: 3, Checksum: "y", Mode: "0644"}, want: DiffChange},
		{name: "mode", from: present, to: State{Path: "/a", Exists: true, Size: 2, Checksum: "x", Mode: "0600"}, want: DiffModeOnly},
		{name: "in sync", from: present, to: present, want: DiffInSync},
	}

	it := &Item{}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := it.StateDiff(params.Partial[Params]{}, Data{}, tt.from, tt.to)
			if err != nil {
				t.Fatalf("StateDiff failed: %v", err)
			}
			if got.Kind != tt.want {
				t.Errorf("Expected %s, got %s", tt.want, got.Kind)
			}
			if got.Path != "/a" {
				t.Errorf("Expected path /a, got %s", got.Path)
			}
		})
	}
}

func TestItem_EnsureWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "etc", "app.conf")
	content := strings.Repeat("x", chunkSize+10)

	it := New("app_conf")
	r := setup(t, it)
	bind(t, it, path, content, "0600")

	ch := progress.NewChannel(32)
	fc := item.NewFnCtx(context.Background(), "app_conf", progress.NewSender("app_conf", ch))

	ia, err := it.EnsurePrepare(fc, r)
	if err != nil {
		t.Fatalf("EnsurePrepare failed: %v", err)
	}
	if !ia.ExecRequired() {
		t.Fatal("Expected exec required for a missing file")
	}
	if total, _ := ia.ApplyCheck.ProgressLimit.UnitsTotal(); total != uint64(len(content)) {
		t.Errorf("Expected byte limit %d, got %d", len(content), total)
	}

	if err := it.ApplyExec(fc, r, ia); err != nil {
		t.Fatalf("ApplyExec failed: %v", err)
	}
	ch.Close()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if string(data) != content {
		t.Errorf("Expected %d bytes written, got %d", len(content), len(data))
	}
	info, _ := os.Stat(path)
	if info.Mode().Perm() != 0o600 {
		t.Errorf("Expected mode 0600, got %o", info.Mode().Perm())
	}

	var written uint64
	for u := range ch.Updates() {
		if u.Kind == progress.UpdateDelta && u.Delta.Kind == progress.DeltaInc {
			written += u.Delta.N
		}
	}
	if written != uint64(len(content)) {
		t.Errorf("Expected %d bytes of progress, got %d", len(content), written)
	}

	applied, ok := ia.StateApplied.(State)
	if !ok || !applied.Equal(ia.StateTarget.(State)) {
		t.Errorf("Expected applied state to match target, got %v", ia.StateApplied)
	}

	ia, err = it.EnsurePrepare(item.NewFnCtx(context.Background(), "app_conf", nil), r)
	if err != nil {
		t.Fatalf("EnsurePrepare failed: %v", err)
	}
	if ia.ExecRequired() {
		t.Error("Expected second ensure to be in sync")
	}
}

func TestItem_CleanRemovesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.conf")
	if err := os.WriteFile(path, []byte("hello"), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	it := New("app_conf")
	r := setup(t, it)
	bind(t, it, path, "hello", "")

	current, err := Read(path)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	ia, err := it.CleanPrepare(r, current)
	if err != nil {
		t.Fatalf("CleanPrepare failed: %v", err)
	}
	if !ia.ExecRequired() {
		t.Fatal("Expected clean to be required")
	}
	if err := it.ApplyExec(item.NewFnCtx(context.Background(), "app_conf", nil), r, ia); err != nil {
		t.Fatalf("ApplyExec failed: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("Expected file to be removed, got %v", err)
	}
}

func TestRead_Directory(t *testing.T) {
	if _, err := Read(t.TempDir()); err == nil {
		t.Error("Expected error reading a directory")
	}
}
