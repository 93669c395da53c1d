package remotefile

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"

	"github.com/openfroyo/peace/pkg/engine"
	"github.com/openfroyo/peace/pkg/item"
	"github.com/openfroyo/peace/pkg/items/file"
	"github.com/openfroyo/peace/pkg/params"
	"github.com/openfroyo/peace/pkg/resources"
	"github.com/openfroyo/peace/pkg/transports/ssh"
)

type fakeFile struct {
	data []byte
	mode uint32
}

// fakeFS is an in-memory RemoteFS that also acts as its own Connector.
type fakeFS struct {
	mu       sync.Mutex
	files    map[string]fakeFile
	connects []string
	failWith error
}

func newFakeFS() *fakeFS {
	return &fakeFS{files: make(map[string]fakeFile)}
}

func (f *fakeFS) Connect(ctx context.Context, cfg *ssh.Config) (RemoteFS, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects = append(f.connects, cfg.Key())
	if f.failWith != nil {
		return nil, f.failWith
	}
	return f, nil
}

func (f *fakeFS) Stat(ctx context.Context, path string) (ssh.FileInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ff, ok := f.files[path]
	if !ok {
		return ssh.FileInfo{Path: path}, nil
	}
	return ssh.FileInfo{Path: path, Exists: true, Size: int64(len(ff.data)), Mode: ff.mode}, nil
}

func (f *fakeFS) Checksum(ctx context.Context, path string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return fmt.Sprintf("%x", sha256.Sum256(f.files[path].data)), nil
}

func (f *fakeFS) WriteFile(ctx context.Context, path string, r io.Reader, mode uint32, onWrite func(n int)) (int64, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return 0, err
	}
	f.mu.Lock()
	f.files[path] = fakeFile{data: data, mode: mode}
	f.mu.Unlock()
	if onWrite != nil {
		onWrite(len(data))
	}
	return int64(len(data)), nil
}

func (f *fakeFS) Chmod(ctx context.Context, path string, mode uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	ff, ok := f.files[path]
	if !ok {
		return errors.New("no such file")
	}
	ff.mode = mode
	f.files[path] = ff
	return nil
}

func (f *fakeFS) Remove(ctx context.Context, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.files, path)
	return nil
}

func testParams(content string) Params {
	return Params{
		Host:        "web1",
		Port:        2222,
		User:        "deploy",
		PasswordEnv: "PEACE_TEST_SSH_PASSWORD",
		Path:        "/etc/app.conf",
		Content:     content,
		Mode:        "0600",
	}
}

func setup(t *testing.T, fsys *fakeFS, p Params) (item.ItemRt, *resources.Resources) {
	t.Helper()
	t.Setenv("PEACE_TEST_SSH_PASSWORD", "secret")

	it := New("app_conf")
	r := resources.New()
	resources.Insert(r, NewConnections(fsys))
	if err := it.Setup(r); err != nil {
		t.Fatalf("Setup failed: %v", err)
	}
	if err := it.BindParams(params.Whole(params.Value(p)), params.NewMappingFnReg()); err != nil {
		t.Fatalf("BindParams failed: %v", err)
	}
	return it, r
}

func TestParams_SSHConfig(t *testing.T) {
	t.Setenv("PEACE_TEST_SSH_PASSWORD", "secret")

	cfg := testParams("").SSHConfig()
	if cfg.AuthMethod != ssh.AuthMethodPassword {
		t.Errorf("Expected password auth, got %s", cfg.AuthMethod)
	}
	if cfg.Password != "secret" {
		t.Errorf("Expected password from environment, got %q", cfg.Password)
	}
	if cfg.StrictHostKeyChecking {
		t.Error("Expected host key checking off without known_hosts_path")
	}
	if cfg.Key() != "deploy@web1:2222" {
		t.Errorf("Expected key deploy@web1:2222, got %s", cfg.Key())
	}
}

func TestItem_EnsureUploadsFile(t *testing.T) {
	fsys := newFakeFS()
	it, r := setup(t, fsys, testParams("listen 80\n"))
	fc := item.NewFnCtx(context.Background(), "app_conf", nil)

	ia, err := it.EnsurePrepare(fc, r)
	if err != nil {
		t.Fatalf("EnsurePrepare failed: %v", err)
	}
	diff := ia.StateDiff.(Diff)
	if diff.Kind != file.DiffCreate || diff.Host != "web1" {
		t.Fatalf("Expected create on web1, got %s", diff)
	}

	if err := it.ApplyExec(fc, r, ia); err != nil {
		t.Fatalf("ApplyExec failed: %v", err)
	}
	got := fsys.files["/etc/app.conf"]
	if string(got.data) != "listen 80\n" {
		t.Errorf("Expected uploaded content, got %q", got.data)
	}
	if got.mode != 0o600 {
		t.Errorf("Expected mode 0600, got %o", got.mode)
	}

	applied := ia.StateApplied.(State)
	if !applied.Equal(ia.StateTarget.(State)) {
		t.Errorf("Expected applied %s to match target %s", applied, ia.StateTarget)
	}

	ia, err = it.EnsurePrepare(fc, r)
	if err != nil {
		t.Fatalf("EnsurePrepare failed: %v", err)
	}
	if ia.ExecRequired() {
		t.Error("Expected second ensure to be in sync")
	}
}

func TestItem_EnsureModeOnly(t *testing.T) {
	fsys := newFakeFS()
	fsys.files["/etc/app.conf"] = fakeFile{data: []byte("x"), mode: 0o644}
	it, r := setup(t, fsys, testParams("x"))
	fc := item.NewFnCtx(context.Background(), "app_conf", nil)

	ia, err := it.EnsurePrepare(fc, r)
	if err != nil {
		t.Fatalf("EnsurePrepare failed: %v", err)
	}
	if kind := ia.StateDiff.(Diff).Kind; kind != file.DiffModeOnly {
		t.Fatalf("Expected mode diff, got %s", kind)
	}
	if err := it.ApplyExec(fc, r, ia); err != nil {
		t.Fatalf("ApplyExec failed: %v", err)
	}
	if mode := fsys.files["/etc/app.conf"].mode; mode != 0o600 {
		t.Errorf("Expected mode 0600, got %o", mode)
	}
}

func TestItem_Clean(t *testing.T) {
	fsys := newFakeFS()
	fsys.files["/etc/app.conf"] = fakeFile{data: []byte("x"), mode: 0o600}
	it, r := setup(t, fsys, testParams("x"))
	fc := item.NewFnCtx(context.Background(), "app_conf", nil)

	current, err := it.StateCurrentExec(fc, r)
	if err != nil {
		t.Fatalf("StateCurrentExec failed: %v", err)
	}
	ia, err := it.CleanPrepare(r, current)
	if err != nil {
		t.Fatalf("CleanPrepare failed: %v", err)
	}
	if err := it.ApplyExec(fc, r, ia); err != nil {
		t.Fatalf("ApplyExec failed: %v", err)
	}
	if _, ok := fsys.files["/etc/app.conf"]; ok {
		t.Error("Expected remote file to be removed")
	}
}

func TestItem_ConnectError(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		class engine.ErrorClass
	}{
		{
			name:  "temporary",
			err:   &ssh.TransportError{Op: "connect", Err: errors.New("timeout"), IsTemporary: true},
			class: engine.ErrorClassTransient,
		},
		{
			name:  "auth",
			err:   &ssh.TransportError{Op: "connect", Err: errors.New("denied"), IsAuthError: true},
			class: engine.ErrorClassPermanent,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fsys := newFakeFS()
			fsys.failWith = tt.err
			it, r := setup(t, fsys, testParams("x"))

			_, err := it.StateCurrentExec(item.NewFnCtx(context.Background(), "app_conf", nil), r)
			var engErr *engine.EngineError
			if !errors.As(err, &engErr) {
				t.Fatalf("Expected engine error, got %v", err)
			}
			if engErr.Class != tt.class {
				t.Errorf("Expected class %s, got %s", tt.class, engErr.Class)
			}
			if !engine.HasCode(err, engine.ErrCodeTransport) {
				t.Errorf("Expected code %s in %v", engine.ErrCodeTransport, err)
			}
		})
	}
}
