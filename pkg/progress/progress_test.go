package progress

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/openfroyo/peace/pkg/resources"
)

func TestSender_DropsWhenFull(t *testing.T) {
	ch := NewChannel(2)
	s := NewSender("item_a", ch)

	if !s.Tick("one") || !s.Tick("two") {
		t.Fatal("Expected first two sends to succeed")
	}
	if s.Tick("three") {
		t.Error("Expected send on full channel to be dropped")
	}
	if ch.Dropped() != 1 {
		t.Errorf("Expected 1 dropped update, got %d", ch.Dropped())
	}

	u := <-ch.Updates()
	if u.ItemID != "item_a" || u.Message != "one" {
		t.Errorf("Expected item_a/one, got %s/%s", u.ItemID, u.Message)
	}
}

func TestSender_NilIsNoop(t *testing.T) {
	var s *Sender
	if s.Inc(1, "x") {
		t.Error("Expected nil sender to discard updates")
	}
	if s.ItemID() != "" {
		t.Errorf("Expected empty item id, got %s", s.ItemID())
	}
}

func TestSender_AfterClose(t *testing.T) {
	ch := NewChannel(4)
	ch.Close()
	ch.Close()

	if NewSender("a", ch).Queued() {
		t.Error("Expected send after close to be dropped")
	}
}

func TestTracker_Apply(t *testing.T) {
	tr := NewTracker([]resources.ItemID{"a", "b"})

	tr.Apply(Update{ItemID: "a", Kind: UpdateQueued})
	tr.Apply(Update{ItemID: "a", Kind: UpdateLimit, Limit: ptr(Steps(4)), Message: "in progress"})
	tr.Apply(Update{ItemID: "a", Kind: UpdateDelta, Delta: &Delta{Kind: DeltaInc, N: 3}})
	tr.Apply(Update{ItemID: "a", Kind: UpdateDelta, Delta: &Delta{Kind: DeltaTick}})

	p, ok := tr.Get("a")
	if !ok {
		t.Fatal("Expected progress for a")
	}
	if p.Status != StatusRunning {
		t.Errorf("Expected %s, got %s", StatusRunning, p.Status)
	}
	if p.UnitsCurrent != 3 || p.Ticks != 1 {
		t.Errorf("Expected 3 units and 1 tick, got %d and %d", p.UnitsCurrent, p.Ticks)
	}
	if p.Message != "in progress" {
		t.Errorf("Expected message kept, got %q", p.Message)
	}

	tr.Apply(Update{ItemID: "a", Kind: UpdateComplete, Complete: CompleteSuccess, Message: "done!"})
	p, _ = tr.Get("a")
	if p.Status != StatusSuccess || p.UnitsCurrent != 4 {
		t.Errorf("Expected success with 4 units, got %s with %d", p.Status, p.UnitsCurrent)
	}

	tr.Interrupt()
	if b, _ := tr.Get("b"); b.Status != StatusInterrupted {
		t.Errorf("Expected b interrupted, got %s", b.Status)
	}
	if a, _ := tr.Get("a"); a.Status != StatusSuccess {
		t.Errorf("Expected a to stay successful, got %s", a.Status)
	}

	tr.Apply(Update{ItemID: "a", Kind: UpdateReset})
	if a, _ := tr.Get("a"); a.Status != StatusInitialized || a.UnitsCurrent != 0 {
		t.Errorf("Expected reset progress, got %+v", a)
	}
}

func TestTracker_Consume(t *testing.T) {
	ch := NewChannel(8)
	s := NewSender("a", ch)
	s.SetLimit(Unknown(), "")
	s.Complete(CompleteFail, "boom")
	ch.Close()

	tr := NewTracker(nil)
	var seen int
	tr.Consume(ch, func(u Update, p ItemProgress) { seen++ })

	if seen != 2 {
		t.Errorf("Expected 2 callbacks, got %d", seen)
	}
	if p, _ := tr.Get("a"); p.Status != StatusFail || p.Message != "boom" {
		t.Errorf("Expected fail/boom, got %s/%s", p.Status, p.Message)
	}
}

func TestCodec(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)

	updates := []Update{
		{ItemID: "a", Kind: UpdateLimit, Limit: ptr(Bytes(1024))},
		{ItemID: "a", Kind: UpdateDelta, Delta: &Delta{Kind: DeltaInc, N: 512}},
		{ItemID: "a", Kind: UpdateComplete, Complete: CompleteSuccess, Message: "done!"},
	}
	for _, u := range updates {
		if err := enc.Encode(u); err != nil {
			t.Fatalf("Encode failed: %v", err)
		}
	}

	dec := NewDecoder(&buf)
	for i := range updates {
		f, err := dec.Decode()
		if err != nil {
			t.Fatalf("Decode %d failed: %v", i, err)
		}
		if f.Update.Kind != updates[i].Kind {
			t.Errorf("Expected kind %s, got %s", updates[i].Kind, f.Update.Kind)
		}
	}
	if _, err := dec.Decode(); !errors.Is(err, io.EOF) {
		t.Errorf("Expected io.EOF, got %v", err)
	}
}

func TestEncoder_RejectsInvalid(t *testing.T) {
	enc := NewEncoder(io.Discard)
	tests := []Update{
		{ItemID: "a", Kind: "bogus"},
		{ItemID: "a", Kind: UpdateLimit},
		{ItemID: "a", Kind: UpdateComplete, Complete: "maybe"},
	}
	for _, u := range tests {
		if err := enc.Encode(u); err == nil {
			t.Errorf("Expected error for %+v", u)
		}
	}
}

func ptr[T any](v T) *T { return &v }
