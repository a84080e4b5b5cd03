package eventbus

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	b := New()
	defer b.Close()

	all := b.Subscribe()
	filtered := b.Subscribe(AgentEvent)

	b.PublishType(SessionCreated, "s1", nil)
	b.PublishType(AgentEvent, "s1", map[string]string{"type": "result"})

	e := <-all
	if e.Type != SessionCreated || e.SessionID != "s1" {
		t.Errorf("got %q/%q, want session.created/s1", e.Type, e.SessionID)
	}
	e = <-all
	if e.Type != AgentEvent {
		t.Errorf("got %q, want agent.event", e.Type)
	}

	e = <-filtered
	if e.Type != AgentEvent {
		t.Errorf("filtered subscriber got %q, want agent.event", e.Type)
	}
	select {
	case e := <-filtered:
		t.Errorf("filtered subscriber got unexpected %q", e.Type)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestSlowSubscriberDropped(t *testing.T) {
	b := New()
	defer b.Close()

	ch := b.Subscribe(AgentEvent)
	for i := 0; i < 300; i++ {
		b.PublishType(AgentEvent, "s1", nil)
	}
	// Buffer is 256; the rest must have been dropped without blocking.
	if n := len(ch); n != 256 {
		t.Errorf("buffered = %d, want 256", n)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New()
	ch := b.Subscribe()
	b.Unsubscribe(ch)
	if _, ok := <-ch; ok {
		t.Error("channel should be closed after Unsubscribe")
	}
	// Unsubscribing twice must not panic.
	b.Unsubscribe(ch)
}
