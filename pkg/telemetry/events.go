package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is a notable occurrence during a command execution.
type Event struct {
	ID          string                 `json:"id"`
	Timestamp   time.Time              `json:"timestamp"`
	Type        string                 `json:"type"`
	Source      string                 `json:"source"`
	ExecutionID string                 `json:"execution_id,omitempty"`
	Block       string                 `json:"block,omitempty"`
	ItemID      string                 `json:"item_id,omitempty"`
	Message     string                 `json:"message"`
	Level       string                 `json:"level"`
	Data        map[string]interface{} `json:"data,omitempty"`
}

const (
	EventTypeExecutionStarted   = "execution.started"
	EventTypeExecutionCompleted = "execution.completed"
	EventTypeExecutionFailed    = "execution.failed"
	EventTypeBlockStarted       = "block.started"
	EventTypeBlockCompleted     = "block.completed"
	EventTypeItemApplied        = "item.applied"
	EventTypeItemFailed         = "item.failed"
	EventTypeStateStale         = "state.stale"
	EventTypePolicyViolation    = "policy.violation"
)

const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// EventSubscriber receives published events.
type EventSubscriber func(event Event)

// EventFilter reports whether a subscriber wants an event.
type EventFilter func(event Event) bool

// EventPublisher fans events out to subscribers. Synchronous publishers call
// subscribers on the publishing goroutine; async ones buffer events and
// deliver them in batches.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan Event
	subscribers []subscriberEntry
	wg          sync.WaitGroup
	mu          sync.RWMutex
	stop        chan struct{}
	stopOnce    sync.Once
}

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

// NewEventPublisher creates a publisher. A disabled publisher drops every
// event.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	ep := &EventPublisher{config: cfg}
	if !cfg.Enabled {
		return ep, nil
	}
	if cfg.MaxBatchSize <= 0 {
		ep.config.MaxBatchSize = 1
	}
	ep.buffer = make(chan Event, cfg.BufferSize)
	ep.stop = make(chan struct{})

	if cfg.EnableAsync {
		ep.wg.Add(1)
		go ep.processEvents()
	}
	return ep, nil
}

// Publish stamps the event with an ID and timestamp when missing and
// delivers it. An async publisher returns an error when its buffer is full.
func (ep *EventPublisher) Publish(event Event) error {
	if !ep.config.Enabled {
		return nil
	}
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if !ep.config.EnableAsync {
		ep.deliver(event, false)
		return nil
	}
	select {
	case <-ep.stop:
		return fmt.Errorf("event publisher stopped")
	default:
	}
	select {
	case ep.buffer <- event:
		return nil
	default:
		return fmt.Errorf("event buffer full, event %s dropped", event.Type)
	}
}

func (ep *EventPublisher) PublishExecutionStarted(executionID, command string) error {
	return ep.Publish(Event{
		Type:        EventTypeExecutionStarted,
		Source:      "cmd",
		ExecutionID: executionID,
		Message:     fmt.Sprintf("Execution %s of %s started", executionID, command),
		Level:       EventLevelInfo,
		Data:        map[string]interface{}{"command": command},
	})
}

// PublishExecutionCompleted publishes the end of an execution. Outcomes
// other than complete are warnings.
func (ep *EventPublisher) PublishExecutionCompleted(executionID, outcome string, duration time.Duration) error {
	level := EventLevelInfo
	if outcome != "complete" {
		level = EventLevelWarning
	}
	return ep.Publish(Event{
		Type:        EventTypeExecutionCompleted,
		Source:      "cmd",
		ExecutionID: executionID,
		Message:     fmt.Sprintf("Execution %s completed: %s", executionID, outcome),
		Level:       level,
		Data:        map[string]interface{}{"outcome": outcome, "duration": duration.Seconds()},
	})
}

func (ep *EventPublisher) PublishExecutionFailed(executionID, reason string) error {
	return ep.Publish(Event{
		Type:        EventTypeExecutionFailed,
		Source:      "cmd",
		ExecutionID: executionID,
		Message:     fmt.Sprintf("Execution %s failed: %s", executionID, reason),
		Level:       EventLevelError,
		Data:        map[string]interface{}{"reason": reason},
	})
}

func (ep *EventPublisher) PublishBlockStarted(executionID, block string) error {
	return ep.Publish(Event{
		Type:        EventTypeBlockStarted,
		Source:      "cmd",
		ExecutionID: executionID,
		Block:       block,
		Message:     fmt.Sprintf("Block %s started", block),
		Level:       EventLevelInfo,
	})
}

func (ep *EventPublisher) PublishBlockCompleted(executionID, block string, duration time.Duration) error {
	return ep.Publish(Event{
		Type:        EventTypeBlockCompleted,
		Source:      "cmd",
		ExecutionID: executionID,
		Block:       block,
		Message:     fmt.Sprintf("Block %s completed", block),
		Level:       EventLevelInfo,
		Data:        map[string]interface{}{"duration": duration.Seconds()},
	})
}

// PublishItemApplied publishes an event for an item whose apply ran.
func (ep *EventPublisher) PublishItemApplied(executionID, itemID string, dryRun bool) error {
	return ep.Publish(Event{
		Type:        EventTypeItemApplied,
		Source:      "apply",
		ExecutionID: executionID,
		ItemID:      itemID,
		Message:     fmt.Sprintf("Item %s applied", itemID),
		Level:       EventLevelInfo,
		Data:        map[string]interface{}{"dry_run": dryRun},
	})
}

func (ep *EventPublisher) PublishItemFailed(executionID, block, itemID, reason string) error {
	return ep.Publish(Event{
		Type:        EventTypeItemFailed,
		Source:      "cmd",
		ExecutionID: executionID,
		Block:       block,
		ItemID:      itemID,
		Message:     fmt.Sprintf("Item %s failed: %s", itemID, reason),
		Level:       EventLevelError,
		Data:        map[string]interface{}{"reason": reason},
	})
}

// PublishStateStale publishes an event for an item whose stored state no
// longer matches the discovered state.
func (ep *EventPublisher) PublishStateStale(executionID, itemID, phase string) error {
	return ep.Publish(Event{
		Type:        EventTypeStateStale,
		Source:      "sync_check",
		ExecutionID: executionID,
		ItemID:      itemID,
		Message:     fmt.Sprintf("Stored %s state of %s is out of sync", phase, itemID),
		Level:       EventLevelWarning,
		Data:        map[string]interface{}{"phase": phase},
	})
}

func (ep *EventPublisher) PublishPolicyViolation(itemID, policyName, reason string) error {
	return ep.Publish(Event{
		Type:    EventTypePolicyViolation,
		Source:  "policy",
		ItemID:  itemID,
		Message: fmt.Sprintf("Policy %s denied item %s: %s", policyName, itemID, reason),
		Level:   EventLevelError,
		Data:    map[string]interface{}{"policy": policyName, "reason": reason},
	})
}

// Subscribe registers a subscriber. A nil filter receives every event.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	ep.subscribers = append(ep.subscribers, subscriberEntry{subscriber: subscriber, filter: filter})
}

// processEvents flushes the batch when it is full, on every flush interval
// and on shutdown.
func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()

	batch := make([]Event, 0, ep.config.MaxBatchSize)
	flush := func() {
		for _, e := range batch {
			ep.deliver(e, true)
		}
		batch = batch[:0]
	}

	var tick <-chan time.Time
	if ep.config.FlushInterval > 0 {
		ticker := time.NewTicker(ep.config.FlushInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case e := <-ep.buffer:
			batch = append(batch, e)
			if len(batch) >= ep.config.MaxBatchSize {
				flush()
			}
		case <-tick:
			flush()
		case <-ep.stop:
			for {
				select {
				case e := <-ep.buffer:
					batch = append(batch, e)
				default:
					flush()
					return
				}
			}
		}
	}
}

func (ep *EventPublisher) deliver(event Event, async bool) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()

	for _, entry := range ep.subscribers {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		if async {
			go entry.subscriber(event)
		} else {
			entry.subscriber(event)
		}
	}
}

// Shutdown flushes buffered events and stops the publisher.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if !ep.config.Enabled {
		return nil
	}
	ep.stopOnce.Do(func() { close(ep.stop) })

	done := make(chan struct{})
	go func() {
		ep.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown: %w", ctx.Err())
	}
}

// FilterByType accepts events of the given types.
func FilterByType(types ...string) EventFilter {
	set := make(map[string]bool, len(types))
	for _, t := range types {
		set[t] = true
	}
	return func(event Event) bool { return set[event.Type] }
}

// FilterByExecutionID accepts events of one execution.
func FilterByExecutionID(executionID string) EventFilter {
	return func(event Event) bool { return event.ExecutionID == executionID }
}

// FilterByItemID accepts events about one item.
func FilterByItemID(itemID string) EventFilter {
	return func(event Event) bool { return event.ItemID == itemID }
}
