// Package file provides an item that manages the content of a local file.
package file

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"

	"github.com/openfroyo/peace/pkg/item"
	"github.com/openfroyo/peace/pkg/params"
	"github.com/openfroyo/peace/pkg/progress"
	"github.com/openfroyo/peace/pkg/resources"
)

// Kind is the item kind used in flow definitions.
const Kind = "file"

// DefaultMode is used when Params.Mode is empty.
const DefaultMode fs.FileMode = 0o644

const chunkSize = 32 * 1024

// Params of a file item.
type Params struct {
	Path    string `yaml:"path" json:"path"`
	Content string `yaml:"content" json:"content"`
	// Mode is an octal permission string such as "0600".
	Mode string `yaml:"mode,omitempty" json:"mode,omitempty"`
}

// FileMode parses Mode, falling back to DefaultMode.
func (p Params) FileMode() (fs.FileMode, error) {
	if p.Mode == "" {
		return DefaultMode, nil
	}
	m, err := strconv.ParseUint(p.Mode, 8, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid mode %q: %w", p.Mode, err)
	}
	return fs.FileMode(m).Perm(), nil
}

// State describes a file on disk.
type State struct {
	Path     string `yaml:"path" json:"path"`
	Exists   bool   `yaml:"exists" json:"exists"`
	Size     int64  `yaml:"size,omitempty" json:"size,omitempty"`
	Checksum string `yaml:"checksum,omitempty" json:"checksum,omitempty"`
	Mode     string `yaml:"mode,omitempty" json:"mode,omitempty"`
}

// Equal compares existence, content and mode.
func (s State) Equal(o State) bool {
	if s.Path != o.Path || s.Exists != o.Exists {
		return false
	}
	return !s.Exists || (s.Checksum == o.Checksum && s.Mode == o.Mode)
}

func (s State) String() string {
	if !s.Exists {
		return fmt.Sprintf("`%s` non-existent", s.Path)
	}
	return fmt.Sprintf("`%s` %d bytes, mode %s", s.Path, s.Size, s.Mode)
}

// DiffKind classifies a Diff.
type DiffKind string

const (
	DiffInSync    DiffKind = "in_sync"
	DiffNotExists DiffKind = "not_exists"
	DiffCreate    DiffKind = "create"
	DiffChange    DiffKind = "change"
	DiffModeOnly  DiffKind = "mode"
	DiffDelete    DiffKind = "delete"
)

// Diff between two file states.
type Diff struct {
	Kind     DiffKind `yaml:"kind" json:"kind"`
	Path     string   `yaml:"path" json:"path"`
	FromSize int64    `yaml:"from_size,omitempty" json:"from_size,omitempty"`
	ToSize   int64    `yaml:"to_size,omitempty" json:"to_size,omitempty"`
}

func (d Diff) String() string {
	switch d.Kind {
	case DiffCreate:
		return fmt.Sprintf("create `%s` (%d bytes)", d.Path, d.ToSize)
	case DiffChange:
		return fmt.Sprintf("change `%s` (%d -> %d bytes)", d.Path, d.FromSize, d.ToSize)
	case DiffModeOnly:
		return fmt.Sprintf("change mode of `%s`", d.Path)
	case DiffDelete:
		return fmt.Sprintf("delete `%s`", d.Path)
	case DiffNotExists:
		return fmt.Sprintf("`%s` does not exist", d.Path)
	default:
		return fmt.Sprintf("`%s` in sync", d.Path)
	}
}

// Data is empty: the file item talks to the local filesystem directly.
type Data struct{}

// Item writes Params.Content to Params.Path.
type Item struct {
	id resources.ItemID
}

// New returns a file item ready to be added to a flow.
func New(id resources.ItemID) *item.Wrapper[Params, State, Diff, Data] {
	return item.Wrap[Params, State, Diff, Data](&Item{id: id})
}

func (f *Item) ID() resources.ItemID { return f.id }

func (f *Item) Setup(r *resources.Resources) error { return nil }

func checksum(data []byte) string {
	return fmt.Sprintf("%x", sha256.Sum256(data))
}

// Read returns the state of the file at path.
func Read(path string) (State, error) {
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return State{Path: path}, nil
	}
	if err != nil {
		return State{}, fmt.Errorf("failed to stat file: %w", err)
	}
	if info.IsDir() {
		return State{}, fmt.Errorf("%s is a directory", path)
	}

	file, err := os.Open(path)
	if err != nil {
		return State{}, fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	h := sha256.New()
	n, err := io.Copy(h, file)
	if err != nil {
		return State{}, fmt.Errorf("failed to read file: %w", err)
	}

	return State{
		Path:     path,
		Exists:   true,
		Size:     n,
		Checksum: fmt.Sprintf("%x", h.Sum(nil)),
		Mode:     fmt.Sprintf("%04o", info.Mode().Perm()),
	}, nil
}

func (f *Item) TryStateCurrent(fc item.FnCtx, p params.Partial[Params], d Data) (State, bool, error) {
	if p.Value.Path == "" {
		return State{}, false, nil
	}
	s, err := Read(p.Value.Path)
	return s, err == nil, err
}

func (f *Item) StateCurrent(fc item.FnCtx, p Params, d Data) (State, error) {
	return Read(p.Path)
}

// Goal is the state of a file holding p.Content with p.Mode.
func Goal(p Params) (State, error) {
	mode, err := p.FileMode()
	if err != nil {
		return State{}, err
	}
	return State{
		Path:     p.Path,
		Exists:   true,
		Size:     int64(len(p.Content)),
		Checksum: checksum([]byte(p.Content)),
		Mode:     fmt.Sprintf("%04o", mode),
	}, nil
}

func (f *Item) TryStateGoal(fc item.FnCtx, p params.Partial[Params], d Data) (State, bool, error) {
	if !p.IsComplete() {
		return State{}, false, nil
	}
	s, err := Goal(p.Value)
	return s, err == nil, err
}

func (f *Item) StateGoal(fc item.FnCtx, p Params, d Data) (State, error) {
	return Goal(p)
}

func (f *Item) StateDiff(p params.Partial[Params], d Data, from, to State) (Diff, error) {
	return Compare(from, to), nil
}

// Compare classifies the change needed to go from one file state to another.
func Compare(from, to State) Diff {
	diff := Diff{Path: to.Path, FromSize: from.Size, ToSize: to.Size}
	if diff.Path == "" {
		diff.Path = from.Path
	}
	switch {
	case !from.Exists && !to.Exists:
		diff.Kind = DiffNotExists
	case !from.Exists:
		diff.Kind = DiffCreate
	case !to.Exists:
		diff.Kind = DiffDelete
	case from.Checksum != to.Checksum:
		diff.Kind = DiffChange
	case from.Mode != to.Mode:
		diff.Kind = DiffModeOnly
	default:
		diff.Kind = DiffInSync
	}
	return diff
}

func (f *Item) StateClean(p params.Partial[Params], d Data) (State, error) {
	return State{Path: p.Value.Path}, nil
}

func (f *Item) ApplyCheck(p Params, d Data, current, target State, diff Diff) (item.ApplyCheck, error) {
	switch diff.Kind {
	case DiffCreate, DiffChange:
		return item.ExecRequired(progress.Bytes(uint64(len(p.Content)))), nil
	case DiffModeOnly, DiffDelete:
		return item.ExecRequired(progress.Steps(1)), nil
	default:
		return item.ExecNotRequired(), nil
	}
}

func (f *Item) ApplyDry(fc item.FnCtx, p Params, d Data, current, target State, diff Diff) (State, error) {
	return target, nil
}

func (f *Item) Apply(fc item.FnCtx, p Params, d Data, current, target State, diff Diff) (State, error) {
	switch diff.Kind {
	case DiffDelete:
		if err := os.Remove(current.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return current, fmt.Errorf("failed to remove file: %w", err)
		}
		fc.Progress.Inc(1, "removed")
	case DiffModeOnly:
		mode, err := p.FileMode()
		if err != nil {
			return current, err
		}
		if err := os.Chmod(p.Path, mode); err != nil {
			return current, fmt.Errorf("failed to set mode: %w", err)
		}
		fc.Progress.Inc(1, "mode set")
	case DiffCreate, DiffChange:
		if err := write(fc, p); err != nil {
			return current, err
		}
	}
	return Read(target.Path)
}

// write replaces the file through a temporary file in the same directory,
// reporting progress per chunk.
func write(fc item.FnCtx, p Params) error {
	mode, err := p.FileMode()
	if err != nil {
		return err
	}

	dir := filepath.Dir(p.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(p.Path)+".*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	content := []byte(p.Content)
	for off := 0; off < len(content); off += chunkSize {
		if fc.Context != nil && fc.Context.Err() != nil {
			tmp.Close()
			return fc.Context.Err()
		}
		end := min(off+chunkSize, len(content))
		if _, err := tmp.Write(content[off:end]); err != nil {
			tmp.Close()
			return fmt.Errorf("failed to write file: %w", err)
		}
		fc.Progress.Inc(uint64(end-off), "writing")
	}
	if err := tmp.Chmod(mode); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to set mode: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close file: %w", err)
	}
	if err := os.Rename(tmp.Name(), p.Path); err != nil {
		return fmt.Errorf("failed to replace file: %w", err)
	}
	return nil
}
