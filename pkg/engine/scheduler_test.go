package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/openfroyo/peace/pkg/access"
	"github.com/openfroyo/peace/pkg/resources"
)

type sharedA struct{}
type sharedB struct{}

// recordingRunner tracks execution order and peak concurrency.
type recordingRunner struct {
	mu       sync.Mutex
	delay    time.Duration
	fail     map[resources.ItemID]bool
	executed []resources.ItemID
	active   map[resources.ItemID]bool
	peak     int
	overlaps [][2]resources.ItemID
}

func newRecordingRunner(delay time.Duration) *recordingRunner {
	return &recordingRunner{
		delay:    delay,
		fail:     make(map[resources.ItemID]bool),
		executed: make([]resources.ItemID, 0),
		active:   make(map[resources.ItemID]bool),
	}
}

func (r *recordingRunner) run(ctx context.Context, n *mockNode) error {
	r.mu.Lock()
	for other := range r.active {
		r.overlaps = append(r.overlaps, [2]resources.ItemID{other, n.ID()})
	}
	r.active[n.ID()] = true
	if len(r.active) > r.peak {
		r.peak = len(r.active)
	}
	r.executed = append(r.executed, n.ID())
	shouldFail := r.fail[n.ID()]
	r.mu.Unlock()

	select {
	case <-time.After(r.delay):
	case <-ctx.Done():
	}

	r.mu.Lock()
	delete(r.active, n.ID())
	r.mu.Unlock()

	if shouldFail {
		return NewTransientError("mock failure", nil).WithItem(string(n.ID()))
	}
	return nil
}

// mockObserver records observer notifications.
type mockObserver struct {
	mu           sync.Mutex
	started      []resources.ItemID
	completed    []resources.ItemID
	notProcessed []resources.ItemID
}

func (o *mockObserver) ItemStarted(id resources.ItemID) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.started = append(o.started, id)
}

func (o *mockObserver) ItemCompleted(id resources.ItemID, err error, d time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.completed = append(o.completed, id)
}

func (o *mockObserver) ItemNotProcessed(id resources.ItemID, reason error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.notProcessed = append(o.notProcessed, id)
}

func TestForEachConcurrent_Empty(t *testing.T) {
	g := NewGraph[*mockNode]()
	res := ForEachConcurrent(context.Background(), g, StreamOptions{}, func(ctx context.Context, n *mockNode) error {
		t.Error("Expected no calls for empty graph")
		return nil
	})

	if res.Outcome.State != StreamFinished {
		t.Errorf("Expected %s, got %s", StreamFinished, res.Outcome.State)
	}
}

func TestForEachConcurrent_DisjointRunInParallel(t *testing.T) {
	g := buildGraph(t, []string{"a", "b", "c"}, nil)
	runner := newRecordingRunner(30 * time.Millisecond)

	res := ForEachConcurrent(context.Background(), g, StreamOptions{Limit: 3}, runner.run)

	if res.HasErrors() {
		t.Fatalf("Expected no errors, got %v", res.Errors)
	}
	if res.Outcome.State != StreamFinished {
		t.Errorf("Expected %s, got %s", StreamFinished, res.Outcome.State)
	}
	if len(res.Outcome.ItemIDsProcessed) != 3 {
		t.Errorf("Expected 3 processed, got %d", len(res.Outcome.ItemIDsProcessed))
	}
	if runner.peak < 2 {
		t.Errorf("Expected disjoint items to overlap, peak concurrency was %d", runner.peak)
	}
}

func TestForEachConcurrent_LimitRespected(t *testing.T) {
	g := buildGraph(t, []string{"a", "b", "c", "d", "e"}, nil)
	runner := newRecordingRunner(20 * time.Millisecond)

	ForEachConcurrent(context.Background(), g, StreamOptions{Limit: 2}, runner.run)

	if runner.peak > 2 {
		t.Errorf("Expected at most 2 concurrent items, got %d", runner.peak)
	}
}

func TestForEachConcurrent_EdgesHonored(t *testing.T) {
	g := buildGraph(t, []string{"a", "b", "c"}, [][2]string{{"a", "b"}, {"b", "c"}})
	runner := newRecordingRunner(5 * time.Millisecond)

	ForEachConcurrent(context.Background(), g, StreamOptions{Limit: 4}, runner.run)

	want := []resources.ItemID{"a", "b", "c"}
	for i, id := range want {
		if runner.executed[i] != id {
			t.Errorf("Expected %s at position %d, got %s", id, i, runner.executed[i])
		}
	}
	if runner.peak != 1 {
		t.Errorf("Expected chain to run one at a time, peak was %d", runner.peak)
	}
}

func TestForEachConcurrent_AccessConflictSerializes(t *testing.T) {
	g := NewGraph[*mockNode]()

	writerA := newMockNode("writer_a")
	writerA.writes = access.NewTypeIDs(access.TypeIDOf[sharedA]())
	readerA := newMockNode("reader_a")
	readerA.reads = access.NewTypeIDs(access.TypeIDOf[sharedA]())
	readerB := newMockNode("reader_b")
	readerB.reads = access.NewTypeIDs(access.TypeIDOf[sharedB]())

	for _, n := range []*mockNode{writerA, readerA, readerB} {
		if err := g.AddItem(n); err != nil {
			t.Fatalf("AddItem failed: %v", err)
		}
	}

	runner := newRecordingRunner(30 * time.Millisecond)
	obs := &mockObserver{}
	res := ForEachConcurrent(context.Background(), g, StreamOptions{Limit: 3, Observer: obs}, runner.run)
	if res.HasErrors() {
		t.Fatalf("Expected no errors, got %v", res.Errors)
	}

	for _, pair := range runner.overlaps {
		if (pair[0] == "writer_a" && pair[1] == "reader_a") || (pair[0] == "reader_a" && pair[1] == "writer_a") {
			t.Errorf("Expected writer_a and reader_a never to overlap, got %v", pair)
		}
	}

	overlappedB := false
	for _, pair := range runner.overlaps {
		if (pair[0] == "writer_a" && pair[1] == "reader_b") || (pair[0] == "reader_b" && pair[1] == "writer_a") {
			overlappedB = true
		}
	}
	if !overlappedB {
		t.Error("Expected reader_b to run alongside writer_a")
	}

	// Insertion order tie-break: writer_a is admitted before reader_a
	obs.mu.Lock()
	defer obs.mu.Unlock()
	if len(obs.started) != 3 || obs.started[0] != "writer_a" || obs.started[1] != "reader_b" {
		t.Errorf("Expected start order [writer_a reader_b reader_a], got %v", obs.started)
	}
}

func TestForEachConcurrent_FailureMarksDescendantsNotProcessed(t *testing.T) {
	// item_1 and item_2 are independent, item_3 runs after item_2.
	g := buildGraph(t,
		[]string{"item_1", "item_2", "item_3"},
		[][2]string{{"item_2", "item_3"}},
	)
	runner := newRecordingRunner(5 * time.Millisecond)
	runner.fail["item_2"] = true
	obs := &mockObserver{}

	res := ForEachConcurrent(context.Background(), g, StreamOptions{Limit: 2, Observer: obs}, runner.run)

	if len(res.Errors) != 1 {
		t.Fatalf("Expected exactly 1 error, got %d: %v", len(res.Errors), res.Errors)
	}
	if _, ok := res.Errors["item_2"]; !ok {
		t.Errorf("Expected error for item_2, got %v", res.Errors)
	}
	if len(res.Outcome.ItemIDsNotProcessed) != 1 || res.Outcome.ItemIDsNotProcessed[0] != "item_3" {
		t.Errorf("Expected item_3 not processed, got %v", res.Outcome.ItemIDsNotProcessed)
	}
	if res.Outcome.State != StreamFinished {
		t.Errorf("Expected %s, got %s", StreamFinished, res.Outcome.State)
	}

	obs.mu.Lock()
	defer obs.mu.Unlock()
	if len(obs.notProcessed) != 1 || obs.notProcessed[0] != "item_3" {
		t.Errorf("Expected observer to see item_3 not processed, got %v", obs.notProcessed)
	}
	if len(obs.started) != 2 {
		t.Errorf("Expected 2 started, got %d", len(obs.started))
	}
}

func TestForEachConcurrent_Interrupt(t *testing.T) {
	g := buildGraph(t, []string{"a", "b", "c"}, [][2]string{{"a", "b"}, {"b", "c"}})
	interrupt := make(chan struct{})

	var once sync.Once
	res := ForEachConcurrent(context.Background(), g, StreamOptions{Interrupt: interrupt},
		func(ctx context.Context, n *mockNode) error {
			once.Do(func() { close(interrupt) })
			time.Sleep(10 * time.Millisecond)
			return nil
		})

	if res.Outcome.State != StreamInterrupted {
		t.Errorf("Expected %s, got %s", StreamInterrupted, res.Outcome.State)
	}
	if len(res.Outcome.ItemIDsProcessed) != 1 || res.Outcome.ItemIDsProcessed[0] != "a" {
		t.Errorf("Expected only a processed, got %v", res.Outcome.ItemIDsProcessed)
	}
	if len(res.Outcome.ItemIDsNotProcessed) != 2 {
		t.Errorf("Expected 2 not processed, got %v", res.Outcome.ItemIDsNotProcessed)
	}
}

func TestForEachConcurrent_InterruptBeforeStart(t *testing.T) {
	g := buildGraph(t, []string{"a"}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := ForEachConcurrent(ctx, g, StreamOptions{}, func(ctx context.Context, n *mockNode) error {
		t.Error("Expected no item to run after cancellation")
		return nil
	})

	if res.Outcome.State != StreamNotStarted {
		t.Errorf("Expected %s, got %s", StreamNotStarted, res.Outcome.State)
	}
}

func TestForEachConcurrent_PanicPropagates(t *testing.T) {
	g := buildGraph(t, []string{"a"}, nil)

	defer func() {
		rec := recover()
		if rec == nil {
			t.Fatal("Expected panic to propagate")
		}
		fail, ok := rec.(*resources.BorrowFail)
		if !ok || fail.Kind != resources.BorrowConflictMut {
			t.Errorf("Expected BorrowConflictMut, got %v", rec)
		}
	}()

	ForEachConcurrent(context.Background(), g, StreamOptions{}, func(ctx context.Context, n *mockNode) error {
		panic(&resources.BorrowFail{Kind: resources.BorrowConflictMut, Type: resources.TypeOf[int]()})
	})
}

func TestForEachConcurrent_ResultsMatchSequential(t *testing.T) {
	ids := []string{"a", "b", "c", "d", "e", "f"}
	g := buildGraph(t, ids, [][2]string{{"a", "d"}, {"b", "e"}})

	run := func(limit int) map[resources.ItemID]int {
		var mu sync.Mutex
		out := make(map[resources.ItemID]int)
		ForEachConcurrent(context.Background(), g, StreamOptions{Limit: limit}, func(ctx context.Context, n *mockNode) error {
			mu.Lock()
			defer mu.Unlock()
			out[n.ID()] = len(n.ID()) * 7
			return nil
		})
		return out
	}

	seq := run(1)
	par := run(6)
	if len(seq) != len(par) {
		t.Fatalf("Expected equal result sizes, got %d and %d", len(seq), len(par))
	}
	for id, v := range seq {
		if par[id] != v {
			t.Errorf("Expected %d for %s, got %d", v, id, par[id])
		}
	}
}

func TestItemStatus_Transitions(t *testing.T) {
	tests := []struct {
		from, to ItemStatus
		want     bool
	}{
		{ItemStatusNotDiscovered, ItemStatusCurrentKnown, true},
		{ItemStatusCurrentKnown, ItemStatusGoalKnown, true},
		{ItemStatusGoalKnown, ItemStatusDiffKnown, true},
		{ItemStatusDiffKnown, ItemStatusChecked, true},
		{ItemStatusChecked, ItemStatusApplied, true},
		{ItemStatusChecked, ItemStatusExecNotRequired, true},
		{ItemStatusCurrentKnown, ItemStatusFailed, true},
		{ItemStatusNotDiscovered, ItemStatusApplied, false},
		{ItemStatusApplied, ItemStatusFailed, false},
	}

	for _, tt := range tests {
		if got := tt.from.CanTransition(tt.to); got != tt.want {
			t.Errorf("Expected %s -> %s allowed=%v, got %v", tt.from, tt.to, tt.want, got)
		}
	}
}

func TestHasCode_Wrapped(t *testing.T) {
	inner := NewPermanentError("inner", nil).WithCode(ErrCodeParamsResolve)
	outer := NewPermanentError("outer", inner).WithCode(ErrCodeItemFn)

	if !HasCode(outer, ErrCodeParamsResolve) {
		t.Error("Expected nested code to be found")
	}
	if HasCode(errors.New("plain"), ErrCodeParamsResolve) {
		t.Error("Expected plain error to have no code")
	}
}
