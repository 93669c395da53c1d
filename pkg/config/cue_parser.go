package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"github.com/go-playground/validator/v10"

	"github.com/openfroyo/peace/pkg/engine"
	"github.com/openfroyo/peace/pkg/resources"
	"github.com/openfroyo/peace/pkg/workspace"
)

// ParseError lists every problem found in a flow definition.
type ParseError struct {
	Errors []ValidationError
}

func (e *ParseError) Error() string {
	msgs := make([]string, len(e.Errors))
	for i, ve := range e.Errors {
		msgs[i] = ve.Error()
	}
	return strings.Join(msgs, "; ")
}

// CUEParser parses and validates peace.cue flow definitions.
type CUEParser struct {
	ctx       *cue.Context
	schemas   *SchemaRegistry
	validator *validator.Validate
}

// NewCUEParser creates a new parser.
func NewCUEParser() *CUEParser {
	ctx := cuecontext.New()
	return &CUEParser{
		ctx:       ctx,
		schemas:   NewSchemaRegistry(ctx),
		validator: validator.New(),
	}
}

// Schemas returns the schema registry definitions are checked against.
func (cp *CUEParser) Schemas() *SchemaRegistry {
	return cp.schemas
}

// LoadWorkspace parses the flow definition at the root of ws.
func (cp *CUEParser) LoadWorkspace(ws *workspace.Workspace) (*Config, error) {
	return cp.ParseFile(filepath.Join(ws.Root(), workspace.DefaultMarker))
}

// ParseFile parses a flow definition file.
func (cp *CUEParser) ParseFile(path string) (*Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, engine.NewPermanentError("failed to read flow definition", err).
			WithCode(engine.ErrCodeNotFound).
			WithDetail("path", path)
	}
	return cp.Parse(path, content)
}

// Parse parses a flow definition. filename is only used in error positions.
func (cp *CUEParser) Parse(filename string, src []byte) (*Config, error) {
	val := cp.ctx.CompileBytes(src, cue.Filename(filename))
	if err := val.Err(); err != nil {
		return nil, invalid(convertCUEErrors(err))
	}

	val, err := cp.schemas.Unify(SchemaPeace, val)
	if err != nil {
		return nil, err
	}
	if err := val.Validate(cue.Concrete(true)); err != nil {
		return nil, invalid(convertCUEErrors(err))
	}

	var cfg Config
	if err := val.Decode(&cfg); err != nil {
		return nil, invalid([]ValidationError{{Message: fmt.Sprintf("failed to decode: %v", err)}})
	}

	if err := cp.validator.Struct(cfg); err != nil {
		return nil, invalid(convertValidatorErrors(err))
	}
	if errs := check(&cfg); len(errs) > 0 {
		return nil, invalid(errs)
	}
	return &cfg, nil
}

func invalid(errs []ValidationError) error {
	return engine.NewPermanentError("invalid flow definition", &ParseError{Errors: errs}).
		WithCode(engine.ErrCodeValidation)
}

// check finds the problems the schema cannot express: duplicate IDs and
// references to undeclared items or mapping functions.
func check(cfg *Config) []ValidationError {
	var errs []ValidationError
	add := func(path, format string, args ...any) {
		errs = append(errs, ValidationError{Path: path, Message: fmt.Sprintf(format, args...)})
	}

	if _, err := resources.NewItemID(cfg.Flow.ID); err != nil {
		add("flow.id", "%v", err)
	}

	seen := make(map[string]bool, len(cfg.Items))
	for i, it := range cfg.Items {
		path := fmt.Sprintf("items[%d]", i)
		if _, err := resources.NewItemID(it.ID); err != nil {
			add(path+".id", "%v", err)
		}
		if seen[it.ID] {
			add(path+".id", "duplicate item id %q", it.ID)
		}
		seen[it.ID] = true
	}

	for i, it := range cfg.Items {
		path := fmt.Sprintf("items[%d]", i)
		for _, after := range it.After {
			if after == it.ID {
				add(path+".after", "item %q cannot run after itself", it.ID)
			} else if !seen[after] {
				add(path+".after", "unknown item %q", after)
			}
		}
		for _, field := range sortedKeys(it.Params) {
			fn := it.Params[field].MappingFn
			if fn == "" {
				continue
			}
			if _, ok := cfg.MappingFns[fn]; !ok {
				add(fmt.Sprintf("%s.params.%s", path, field), "unknown mapping function %q", fn)
			}
		}
	}

	for _, name := range sortedKeys(cfg.MappingFns) {
		if from := cfg.MappingFns[name].From; !seen[from] {
			add("mapping_fns."+name+".from", "unknown item %q", from)
		}
	}
	return errs
}

// convertCUEErrors converts CUE errors to ValidationErrors with positions.
func convertCUEErrors(err error) []ValidationError {
	var out []ValidationError
	for _, e := range cueerrors.Errors(err) {
		ve := ValidationError{
			Path:    strings.Join(e.Path(), "."),
			Message: cueerrors.Details(e, nil),
		}
		if pos := cueerrors.Positions(e); len(pos) > 0 {
			ve.File = pos[0].Filename()
			ve.Line = pos[0].Line()
			ve.Column = pos[0].Column()
		}
		out = append(out, ve)
	}
	return out
}

func convertValidatorErrors(err error) []ValidationError {
	var fieldErrs validator.ValidationErrors
	if !asValidationErrors(err, &fieldErrs) {
		return []ValidationError{{Message: err.Error()}}
	}
	out := make([]ValidationError, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		out = append(out, ValidationError{
			Path:    fe.Namespace(),
			Message: fmt.Sprintf("failed on %q", fe.Tag()),
		})
	}
	return out
}

func asValidationErrors(err error, target *validator.ValidationErrors) bool {
	ve, ok := err.(validator.ValidationErrors)
	if ok {
		*target = ve
	}
	return ok
}
