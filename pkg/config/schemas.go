package config

import (
	"fmt"
	"sort"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// SchemaRegistry holds named CUE schemas flow definitions are checked
// against.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a registry with the built-in schemas.
func NewSchemaRegistry(ctx *cue.Context) *SchemaRegistry {
	if ctx == nil {
		ctx = cuecontext.New()
	}
	sr := &SchemaRegistry{
		ctx:     ctx,
		schemas: make(map[string]cue.Value),
	}
	if err := sr.RegisterSchema(SchemaPeace, builtinPeaceSchema, "#Peace"); err != nil {
		panic(err)
	}
	return sr
}

// SchemaPeace is the name of the flow definition schema.
const SchemaPeace = "peace"

// RegisterSchema compiles src and registers the definition def under name.
func (sr *SchemaRegistry) RegisterSchema(name, src, def string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(src, cue.Filename(name+".cue"))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}
	schema := val.LookupPath(cue.ParsePath(def))
	if !schema.Exists() {
		return fmt.Errorf("schema %s has no definition %s", name, def)
	}
	sr.schemas[name] = schema
	return nil
}

// GetSchema retrieves a schema by name.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	val, ok := sr.schemas[name]
	return val, ok
}

// Unify applies the named schema to v. Errors are reported when the result
// is validated.
func (sr *SchemaRegistry) Unify(name string, v cue.Value) (cue.Value, error) {
	schema, ok := sr.GetSchema(name)
	if !ok {
		return cue.Value{}, fmt.Errorf("schema %s not found", name)
	}
	return schema.Unify(v), nil
}

// ListSchemas returns the registered schema names, sorted.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

const builtinPeaceSchema = `
#Identifier: =~"^[A-Za-z_][A-Za-z0-9_]*$"

#Item: {
	id:   #Identifier
	kind: string & !=""

	// Each field is a literal or one of the value spec forms.
	params?: {[string]: _}

	after?: [...#Identifier]
}

#MappingFn: {
	from:   #Identifier
	expr:   string & !=""
	phase?: "current" | "goal"
}

#Storage: {
	backend?: "file" | "sqlite" | "s3"
	path?:    string
	s3?: {
		bucket:   string & !=""
		prefix?:  string
		region?:  string
		profile?: string
		encrypt?: bool
	}
}

#Peace: {
	workspace?: {
		name?:        string
		profile?:     #Identifier
		parallelism?: int & >=0
	}
	flow: id: #Identifier
	items: [...#Item]
	mapping_fns?: {[#Identifier]: #MappingFn}
	policies?: [...string]
	storage?: #Storage
}
`
