// Package marker holds per-state-type resources that items write as soon as
// a phase function returns, so that mapping functions of dependent items can
// read them within the same command block.
package marker

import (
	"sync"

	"github.com/openfroyo/peace/pkg/resources"
)

type values[S any] struct {
	mu   sync.RWMutex
	byID map[resources.ItemID]S
}

func (v *values[S]) get(id resources.ItemID) (S, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	s, ok := v.byID[id]
	return s, ok
}

func (v *values[S]) set(id resources.ItemID, s S) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.byID == nil {
		v.byID = make(map[resources.ItemID]S)
	}
	v.byID[id] = s
}

// Current holds discovered current states of items whose state type is S.
type Current[S any] struct{ values[S] }

// Get returns the state recorded for an item.
func (c *Current[S]) Get(id resources.ItemID) (S, bool) { return c.get(id) }

// Set records the state for an item.
func (c *Current[S]) Set(id resources.ItemID, s S) { c.set(id, s) }

// Goal holds computed goal states of items whose state type is S.
type Goal[S any] struct{ values[S] }

// Get returns the state recorded for an item.
func (g *Goal[S]) Get(id resources.ItemID) (S, bool) { return g.get(id) }

// Set records the state for an item.
func (g *Goal[S]) Set(id resources.ItemID, s S) { g.set(id, s) }

// ApplyDry holds simulated states from dry-run applies.
type ApplyDry[S any] struct{ values[S] }

// Get returns the state recorded for an item.
func (a *ApplyDry[S]) Get(id resources.ItemID) (S, bool) { return a.get(id) }

// Set records the state for an item.
func (a *ApplyDry[S]) Set(id resources.ItemID, s S) { a.set(id, s) }

// Clean holds clean states of items whose state type is S.
type Clean[S any] struct{ values[S] }

// Get returns the state recorded for an item.
func (c *Clean[S]) Get(id resources.ItemID) (S, bool) { return c.get(id) }

// Set records the state for an item.
func (c *Clean[S]) Set(id resources.ItemID, s S) { c.set(id, s) }

// InsertAll inserts empty markers of every kind for S, unless present.
func InsertAll[S any](r *resources.Resources) {
	if !resources.Contains[*Current[S]](r) {
		resources.Insert(r, &Current[S]{})
	}
	if !resources.Contains[*Goal[S]](r) {
		resources.Insert(r, &Goal[S]{})
	}
	if !resources.Contains[*ApplyDry[S]](r) {
		resources.Insert(r, &ApplyDry[S]{})
	}
	if !resources.Contains[*Clean[S]](r) {
		resources.Insert(r, &Clean[S]{})
	}
}
