package config

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/openfroyo/peace/pkg/params"
)

// Config is a decoded peace.cue flow definition.
type Config struct {
	// Workspace holds workspace-wide settings.
	Workspace WorkspaceConfig `json:"workspace"`

	// Flow names the flow the items belong to.
	Flow FlowConfig `json:"flow" validate:"required"`

	// Items are listed in the order they are added to the flow.
	Items []ItemConfig `json:"items" validate:"required,min=1,dive"`

	// MappingFns are Starlark expressions, keyed by the name params refer to.
	MappingFns map[string]MappingFnConfig `json:"mapping_fns,omitempty" validate:"dive"`

	// Policies lists rego files or directories, relative to the workspace root.
	Policies []string `json:"policies,omitempty"`

	// Storage selects where state files are kept.
	Storage StorageConfig `json:"storage"`
}

// WorkspaceConfig holds workspace-wide settings.
type WorkspaceConfig struct {
	Name string `json:"name,omitempty"`

	// Profile is used when no profile is given on the command line.
	Profile string `json:"profile,omitempty"`

	// Parallelism bounds how many items run at once. Zero uses the default.
	Parallelism int `json:"parallelism,omitempty" validate:"gte=0"`
}

// FlowConfig names a flow.
type FlowConfig struct {
	ID string `json:"id" validate:"required"`
}

// ItemConfig declares one item.
type ItemConfig struct {
	ID   string `json:"id" validate:"required"`
	Kind string `json:"kind" validate:"required"`

	// Params maps each params field to its value spec.
	Params map[string]ValueConfig `json:"params,omitempty"`

	// After lists items this item runs after.
	After []string `json:"after,omitempty"`
}

// ValueConfig is how one params field is obtained. Exactly one of the
// fields is set; a bare value in the flow definition decodes into Value.
type ValueConfig struct {
	Value     any    `json:"value,omitempty"`
	MappingFn string `json:"mapping_fn,omitempty"`
	Stored    bool   `json:"stored,omitempty"`
	InMemory  bool   `json:"in_memory,omitempty"`
}

// UnmarshalJSON accepts a value spec object or a bare literal.
func (v *ValueConfig) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	vc, err := valueConfigOf(raw)
	if err != nil {
		return err
	}
	*v = vc
	return nil
}

var valueConfigKeys = map[string]bool{"value": true, "mapping_fn": true, "stored": true, "in_memory": true}

// valueConfigOf interprets a decoded params field. Objects whose keys are
// all value spec keys are specs; anything else is a literal.
func valueConfigOf(raw any) (ValueConfig, error) {
	m, ok := raw.(map[string]any)
	if !ok || len(m) == 0 {
		return ValueConfig{Value: raw}, nil
	}
	for k := range m {
		if !valueConfigKeys[k] {
			return ValueConfig{Value: raw}, nil
		}
	}
	if len(m) != 1 {
		keys := make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		return ValueConfig{}, fmt.Errorf("value spec has more than one of %v", keys)
	}

	var vc ValueConfig
	for k, v := range m {
		switch k {
		case "value":
			vc.Value = v
		case "mapping_fn":
			s, ok := v.(string)
			if !ok || s == "" {
				return ValueConfig{}, fmt.Errorf("mapping_fn must be a non-empty string")
			}
			vc.MappingFn = s
		case "stored":
			vc.Stored = v == true
		case "in_memory":
			vc.InMemory = v == true
		}
	}
	return vc, nil
}

// ValueSpec converts the config into a value spec for field.
func (v ValueConfig) ValueSpec(field string) params.ValueSpec {
	switch {
	case v.MappingFn != "":
		return params.FromMappingFn(field, params.MappingFnID(v.MappingFn))
	case v.Stored:
		return params.Stored()
	case v.InMemory:
		return params.InMemory()
	default:
		return params.Value(v.Value)
	}
}

// MappingFnConfig is a Starlark expression over another item's state.
type MappingFnConfig struct {
	// From is the item whose state the expression reads as `state`.
	From string `json:"from" validate:"required"`

	// Expr evaluates to the params field value.
	Expr string `json:"expr" validate:"required"`

	// Phase pins the state phase read. Empty follows the command.
	Phase string `json:"phase,omitempty" validate:"omitempty,oneof=current goal"`
}

// StorageConfig selects the state file backend.
type StorageConfig struct {
	// Backend is file, sqlite or s3. Empty means file.
	Backend string `json:"backend,omitempty" validate:"omitempty,oneof=file sqlite s3"`

	// Path is the database file for sqlite, relative to the workspace app dir.
	Path string `json:"path,omitempty"`

	S3 *S3Config `json:"s3,omitempty" validate:"required_if=Backend s3"`
}

// S3Config configures the s3 backend.
type S3Config struct {
	Bucket  string `json:"bucket" validate:"required"`
	Prefix  string `json:"prefix,omitempty"`
	Region  string `json:"region,omitempty"`
	Profile string `json:"profile,omitempty"`
	Encrypt bool   `json:"encrypt,omitempty"`
}

// ValidationError is a problem found in a flow definition, with its
// position when CUE reports one.
type ValidationError struct {
	File    string `json:"file,omitempty"`
	Line    int    `json:"line,omitempty"`
	Column  int    `json:"column,omitempty"`
	Path    string `json:"path,omitempty"`
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	loc := e.Path
	if e.File != "" {
		loc = fmt.Sprintf("%s:%d:%d", e.File, e.Line, e.Column)
	}
	if loc == "" {
		return e.Message
	}
	return loc + ": " + e.Message
}
