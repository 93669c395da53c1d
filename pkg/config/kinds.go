package config

import (
	"fmt"
	"sort"
	"sync"

	"github.com/openfroyo/peace/pkg/item"
	"github.com/openfroyo/peace/pkg/items/blank"
	"github.com/openfroyo/peace/pkg/items/file"
	"github.com/openfroyo/peace/pkg/items/remotefile"
	"github.com/openfroyo/peace/pkg/params"
	"github.com/openfroyo/peace/pkg/resources"
)

// Kind creates items of one kind from a flow definition.
type Kind struct {
	Name string

	// New creates an item.
	New func(id resources.ItemID) item.ItemRt

	// StateSource reads the state of an item of this kind, for mapping
	// functions that take it as input.
	StateSource func(id resources.ItemID) params.StateSource
}

// KindOf describes items created by newItem, whose state type is S.
func KindOf[S any](name string, newItem func(id resources.ItemID) item.ItemRt) Kind {
	return Kind{
		Name:        name,
		New:         newItem,
		StateSource: params.MarkerSource[S],
	}
}

// Kinds maps kind names used in flow definitions to item constructors.
type Kinds struct {
	mu    sync.RWMutex
	kinds map[string]Kind
}

// NewKinds creates a registry holding ks.
func NewKinds(ks ...Kind) *Kinds {
	r := &Kinds{kinds: make(map[string]Kind, len(ks))}
	for _, k := range ks {
		r.kinds[k.Name] = k
	}
	return r
}

// DefaultKinds returns the kinds shipped with peace.
func DefaultKinds() *Kinds {
	return NewKinds(
		KindOf[blank.State](blank.Kind, func(id resources.ItemID) item.ItemRt { return blank.New(id) }),
		KindOf[file.State](file.Kind, func(id resources.ItemID) item.ItemRt { return file.New(id) }),
		KindOf[remotefile.State](remotefile.Kind, func(id resources.ItemID) item.ItemRt { return remotefile.New(id) }),
	)
}

// Register adds a kind. Names must be unique.
func (k *Kinds) Register(kind Kind) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if kind.Name == "" || kind.New == nil || kind.StateSource == nil {
		return fmt.Errorf("kind %q is incomplete", kind.Name)
	}
	if _, exists := k.kinds[kind.Name]; exists {
		return fmt.Errorf("kind %q is already registered", kind.Name)
	}
	k.kinds[kind.Name] = kind
	return nil
}

// Get returns a registered kind.
func (k *Kinds) Get(name string) (Kind, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	kind, ok := k.kinds[name]
	return kind, ok
}

// Names returns the registered kind names, sorted.
func (k *Kinds) Names() []string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	names := make([]string, 0, len(k.kinds))
	for name := range k.kinds {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
