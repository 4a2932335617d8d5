package history

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/loykin/appvisor/internal/store"
)

type memSink struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (m *memSink) Send(_ context.Context, e Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return m.err
}

func TestMultiFansOut(t *testing.T) {
	a, b := &memSink{}, &memSink{}
	ev := Event{Type: EventStart, OccurredAt: time.Now(), Run: store.Run{ID: "1", App: "web"}}
	if err := (Multi{a, nil, b}).Send(context.Background(), ev); err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(a.events) != 1 || len(b.events) != 1 {
		t.Fatalf("expected both sinks to receive the event: a=%d b=%d", len(a.events), len(b.events))
	}
	if b.events[0].Run.App != "web" {
		t.Fatalf("unexpected event: %+v", b.events[0])
	}
}

func TestMultiJoinsErrors(t *testing.T) {
	errA := errors.New("a down")
	a, b := &memSink{err: errA}, &memSink{}
	err := (Multi{a, b}).Send(context.Background(), Event{Type: EventStop})
	if !errors.Is(err, errA) {
		t.Fatalf("expected joined error, got %v", err)
	}
	if len(b.events) != 1 {
		t.Fatal("failing sink must not short-circuit the rest")
	}
}
