package progress

import (
	"sync"
	"time"

	"github.com/openfroyo/peace/pkg/resources"
)

// ItemProgress is the accumulated progress of one item.
type ItemProgress struct {
	Status       Status    `json:"status"`
	Limit        *Limit    `json:"limit,omitempty"`
	UnitsCurrent uint64    `json:"units_current"`
	Ticks        uint64    `json:"ticks"`
	Message      string    `json:"message,omitempty"`
	LastUpdate   time.Time `json:"last_update"`
}

// Tracker folds updates into per-item progress.
type Tracker struct {
	mu    sync.RWMutex
	order []resources.ItemID
	items map[resources.ItemID]*ItemProgress
	now   func() time.Time
}

// NewTracker creates a tracker with an entry for each item.
func NewTracker(itemIDs []resources.ItemID) *Tracker {
	t := &Tracker{
		items: make(map[resources.ItemID]*ItemProgress, len(itemIDs)),
		now:   time.Now,
	}
	for _, id := range itemIDs {
		t.entry(id)
	}
	return t
}

func (t *Tracker) entry(id resources.ItemID) *ItemProgress {
	p, ok := t.items[id]
	if !ok {
		p = &ItemProgress{Status: StatusInitialized, LastUpdate: t.now()}
		t.items[id] = p
		t.order = append(t.order, id)
	}
	return p
}

// Apply folds one update into the tracker.
func (t *Tracker) Apply(u Update) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p := t.entry(u.ItemID)
	p.LastUpdate = t.now()

	switch u.Kind {
	case UpdateQueued:
		p.Status = StatusQueued
	case UpdateLimit:
		p.Status = StatusRunning
		if u.Limit != nil {
			l := *u.Limit
			p.Limit = &l
		}
	case UpdateDelta:
		p.Status = StatusRunning
		if u.Delta != nil {
			switch u.Delta.Kind {
			case DeltaTick:
				p.Ticks++
			case DeltaInc:
				p.UnitsCurrent += u.Delta.N
			}
		}
	case UpdateComplete:
		if u.Complete == CompleteFail {
			p.Status = StatusFail
		} else {
			p.Status = StatusSuccess
			if p.Limit != nil {
				if total, ok := p.Limit.UnitsTotal(); ok {
					p.UnitsCurrent = total
				}
			}
		}
	case UpdateReset:
		*p = ItemProgress{Status: StatusInitialized, LastUpdate: t.now()}
		return
	}

	if u.Message != "" {
		p.Message = u.Message
	}
}

// Interrupt marks every item that has not started as interrupted.
func (t *Tracker) Interrupt() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, p := range t.items {
		if p.Status == StatusInitialized || p.Status == StatusQueued {
			p.Status = StatusInterrupted
			p.Message = "interrupted"
			p.LastUpdate = t.now()
		}
	}
}

// Get returns a copy of an item's progress.
func (t *Tracker) Get(id resources.ItemID) (ItemProgress, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.items[id]
	if !ok {
		return ItemProgress{}, false
	}
	return *p, true
}

// ItemIDs returns tracked items in the order first seen.
func (t *Tracker) ItemIDs() []resources.ItemID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]resources.ItemID(nil), t.order...)
}

// Consume applies updates from the channel until it is closed, calling
// onUpdate after each one if it is not nil.
func (t *Tracker) Consume(ch *Channel, onUpdate func(Update, ItemProgress)) {
	for u := range ch.Updates() {
		t.Apply(u)
		if onUpdate != nil {
			p, _ := t.Get(u.ItemID)
			onUpdate(u, p)
		}
	}
}
