package progress

import (
	"sync"
	"sync/atomic"

	"github.com/openfroyo/peace/pkg/resources"
)

// DefaultBufferSize is the capacity of channels created by NewChannel.
const DefaultBufferSize = 256

// Channel is a bounded progress channel shared by all items of a command.
type Channel struct {
	updates chan Update
	dropped atomic.Uint64
	closed  atomic.Bool
	mu      sync.RWMutex
}

// NewChannel creates a progress channel with the given capacity.
func NewChannel(capacity int) *Channel {
	if capacity <= 0 {
		capacity = DefaultBufferSize
	}
	return &Channel{updates: make(chan Update, capacity)}
}

// Updates returns the receive side of the channel.
func (c *Channel) Updates() <-chan Update {
	return c.updates
}

// Dropped returns the number of updates dropped because the channel was full.
func (c *Channel) Dropped() uint64 {
	return c.dropped.Load()
}

// Close closes the channel. Later sends are dropped.
func (c *Channel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed.CompareAndSwap(false, true) {
		close(c.updates)
	}
}

func (c *Channel) trySend(u Update) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed.Load() {
		c.dropped.Add(1)
		return false
	}
	select {
	case c.updates <- u:
		return true
	default:
		c.dropped.Add(1)
		return false
	}
}

// Sender sends updates for a single item.
// A nil *Sender is valid and discards everything.
type Sender struct {
	itemID resources.ItemID
	ch     *Channel
}

// NewSender creates a sender for an item.
func NewSender(itemID resources.ItemID, ch *Channel) *Sender {
	return &Sender{itemID: itemID, ch: ch}
}

// ItemID returns the item the sender reports for.
func (s *Sender) ItemID() resources.ItemID {
	if s == nil {
		return ""
	}
	return s.itemID
}

func (s *Sender) send(u Update) bool {
	if s == nil || s.ch == nil {
		return false
	}
	u.ItemID = s.itemID
	return s.ch.trySend(u)
}

// Queued reports the item is waiting to run.
func (s *Sender) Queued() bool {
	return s.send(Update{Kind: UpdateQueued})
}

// SetLimit reports the amount of work the item will do.
func (s *Sender) SetLimit(l Limit, msg string) bool {
	return s.send(Update{Kind: UpdateLimit, Limit: &l, Message: msg})
}

// Tick reports progress without a measurable amount.
func (s *Sender) Tick(msg string) bool {
	return s.send(Update{Kind: UpdateDelta, Delta: &Delta{Kind: DeltaTick}, Message: msg})
}

// Inc reports n units of progress.
func (s *Sender) Inc(n uint64, msg string) bool {
	return s.send(Update{Kind: UpdateDelta, Delta: &Delta{Kind: DeltaInc, N: n}, Message: msg})
}

// Message updates the displayed message only.
func (s *Sender) Message(msg string) bool {
	return s.send(Update{Kind: UpdateMessage, Message: msg})
}

// Complete reports the item finished.
func (s *Sender) Complete(c Completion, msg string) bool {
	return s.send(Update{Kind: UpdateComplete, Complete: c, Message: msg})
}

// Reset clears progress, e.g. before retrying.
func (s *Sender) Reset() bool {
	return s.send(Update{Kind: UpdateReset})
}
