// Package workspace locates the workspace directory and lays out the
// directories state files are stored in.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/openfroyo/peace/pkg/engine"
	"github.com/openfroyo/peace/pkg/flow"
	"github.com/openfroyo/peace/pkg/resources"
)

// DefaultMarker is the file whose presence marks a workspace root.
const DefaultMarker = "peace.cue"

// AppDirName is the directory under the workspace root that holds state.
const AppDirName = ".peace"

// File names within a flow directory.
const (
	StatesCurrentFile = "states_current.yaml"
	StatesGoalFile    = "states_goal.yaml"
	StateDiffsFile    = "state_diffs.yaml"
	ParamsSpecsFile   = "params_specs.yaml"
)

// SpecKind selects how the workspace root is found.
type SpecKind string

const (
	SpecWorkingDir       SpecKind = "working_dir"
	SpecPath             SpecKind = "path"
	SpecFirstDirWithFile SpecKind = "first_dir_with_file"
)

// Spec describes how to find the workspace root.
type Spec struct {
	Kind SpecKind
	// Path is the root for SpecPath, or the marker file name for
	// SpecFirstDirWithFile.
	Path string
}

// WorkingDir uses the current working directory as the root.
func WorkingDir() Spec { return Spec{Kind: SpecWorkingDir} }

// Path uses the given directory as the root.
func Path(p string) Spec { return Spec{Kind: SpecPath, Path: p} }

// FirstDirWithFile walks up from the working directory to the first
// directory containing the marker file.
func FirstDirWithFile(marker string) Spec { return Spec{Kind: SpecFirstDirWithFile, Path: marker} }

// Workspace is a located workspace for one profile.
type Workspace struct {
	root    string
	profile string
}

// Discover locates the workspace for the given profile.
func Discover(spec Spec, profile string) (*Workspace, error) {
	if err := resources.ItemID(profile).Validate(); err != nil {
		return nil, engine.NewPermanentError(fmt.Sprintf("invalid profile %q", profile), err).
			WithCode(engine.ErrCodeValidation)
	}

	wd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("failed to get working directory: %w", err)
	}

	var root string
	switch spec.Kind {
	case SpecWorkingDir:
		root = wd
	case SpecPath:
		root, err = filepath.Abs(spec.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve workspace path: %w", err)
		}
	case SpecFirstDirWithFile:
		root, err = findUp(wd, spec.Path)
		if err != nil {
			return nil, err
		}
	default:
		return nil, engine.NewPermanentError(fmt.Sprintf("invalid workspace spec kind %q", spec.Kind), nil).
			WithCode(engine.ErrCodeValidation)
	}

	return &Workspace{root: root, profile: profile}, nil
}

// findUp walks from dir towards the filesystem root looking for marker.
func findUp(dir, marker string) (string, error) {
	for current := dir; ; {
		if _, err := os.Stat(filepath.Join(current, marker)); err == nil {
			return current, nil
		}
		parent := filepath.Dir(current)
		if parent == current {
			return "", engine.NewPermanentError(
				fmt.Sprintf("no %s found in %s or any parent directory", marker, dir), nil).
				WithCode(engine.ErrCodeWorkspaceNotFound)
		}
		current = parent
	}
}

// Root returns the workspace root directory.
func (w *Workspace) Root() string { return w.root }

// Profile returns the profile name.
func (w *Workspace) Profile() string { return w.profile }

// AppDir returns <root>/.peace.
func (w *Workspace) AppDir() string { return filepath.Join(w.root, AppDirName) }

// ProfileDir returns <root>/.peace/<profile>.
func (w *Workspace) ProfileDir() string { return filepath.Join(w.AppDir(), w.profile) }

// FlowDir returns <root>/.peace/<profile>/<flow>.
func (w *Workspace) FlowDir(id flow.FlowID) string {
	return filepath.Join(w.ProfileDir(), id.String())
}

// Paths holds the state file paths of one flow.
type Paths struct {
	StatesCurrent string
	StatesGoal    string
	StateDiffs    string
	ParamsSpecs   string
}

// FlowPaths returns the state file paths for a flow, relative to the
// workspace root so that they can be used as storage keys.
func (w *Workspace) FlowPaths(id flow.FlowID) Paths {
	dir := filepath.Join(AppDirName, w.profile, id.String())
	return Paths{
		StatesCurrent: filepath.ToSlash(filepath.Join(dir, StatesCurrentFile)),
		StatesGoal:    filepath.ToSlash(filepath.Join(dir, StatesGoalFile)),
		StateDiffs:    filepath.ToSlash(filepath.Join(dir, StateDiffsFile)),
		ParamsSpecs:   filepath.ToSlash(filepath.Join(dir, ParamsSpecsFile)),
	}
}

// Init creates the flow directory.
func (w *Workspace) Init(id flow.FlowID) error {
	if err := os.MkdirAll(w.FlowDir(id), 0o755); err != nil {
		return fmt.Errorf("failed to create flow directory: %w", err)
	}
	return nil
}
