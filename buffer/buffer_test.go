package buffer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/costlens/meter-sdk-go/collector"
	"github.com/costlens/meter-sdk-go/event"
)

type fakeSender struct {
	mu      sync.Mutex
	batches [][]event.Event
	fail    error
}

func (f *fakeSender) SendBatch(ctx context.Context, events []event.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	cp := make([]event.Event, len(events))
	copy(cp, events)
	f.batches = append(f.batches, cp)
	return nil
}

func (f *fakeSender) batchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.batches)
}

func (f *fakeSender) allEvents() []event.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []event.Event
	for _, b := range f.batches {
		out = append(out, b...)
	}
	return out
}

func (f *fakeSender) setFail(err error) {
	f.mu.Lock()
	f.fail = err
	f.mu.Unlock()
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met in time")
}

func TestFlushOnSizeThreshold(t *testing.T) {
	sender := &fakeSender{}
	b, err := New(sender, Options{FlushSize: 3, FlushInterval: time.Hour})
	if err != nil {
		t.Fatalf("new buffer: %v", err)
	}
	defer b.Close()

	for i := 0; i < 3; i++ {
		b.Append(event.Event{ID: fmt.Sprintf("e%d", i)})
	}
	// Size threshold alone must trigger the flush; the time threshold is
	// an hour away.
	waitFor(t, func() bool { return sender.batchCount() == 1 })
	if got := len(sender.allEvents()); got != 3 {
		t.Fatalf("expected 3 events delivered, got %d", got)
	}
}

func TestFlushOnInterval(t *testing.T) {
	sender := &fakeSender{}
	b, err := New(sender, Options{FlushSize: 100, FlushInterval: 20 * time.Millisecond})
	if err != nil {
		t.Fatalf("new buffer: %v", err)
	}
	defer b.Close()

	b.Append(event.Event{ID: "solo"})
	waitFor(t, func() bool { return sender.batchCount() >= 1 })
}

func TestManualFlushDrains(t *testing.T) {
	sender := &fakeSender{}
	b, err := New(sender, Options{FlushSize: 100, FlushInterval: time.Hour})
	if err != nil {
		t.Fatalf("new buffer: %v", err)
	}
	defer b.Close()

	b.Append(event.Event{ID: "a"})
	b.Append(event.Event{ID: "b"})
	b.Flush(context.Background())
	if got := len(sender.allEvents()); got != 2 {
		t.Fatalf("expected 2 events after manual flush, got %d", got)
	}
}

func TestCloseDeliversPending(t *testing.T) {
	sender := &fakeSender{}
	b, err := New(sender, Options{FlushSize: 100, FlushInterval: time.Hour})
	if err != nil {
		t.Fatalf("new buffer: %v", err)
	}
	b.Append(event.Event{ID: "draining"})
	b.Close()
	if got := len(sender.allEvents()); got != 1 {
		t.Fatalf("expected event delivered on close, got %d", got)
	}
}

func TestDedupeByFingerprint(t *testing.T) {
	sender := &fakeSender{}
	b, err := New(sender, Options{FlushSize: 100, FlushInterval: time.Hour})
	if err != nil {
		t.Fatalf("new buffer: %v", err)
	}
	defer b.Close()

	// Two captures of the same logical call (client retry): the later one
	// wins on status and cost.
	b.Append(event.Event{ID: "try1", Fingerprint: "fp-1", Status: event.StatusError})
	b.Append(event.Event{ID: "try2", Fingerprint: "fp-1", Status: event.StatusOK, CostUSD: 0.01})
	b.Append(event.Event{ID: "other", Fingerprint: "fp-2"})
	b.Flush(context.Background())

	events := sender.allEvents()
	if len(events) != 2 {
		t.Fatalf("expected 2 deduped events, got %d", len(events))
	}
	var winner *event.Event
	for i := range events {
		if events[i].Fingerprint == "fp-1" {
			winner = &events[i]
		}
	}
	if winner == nil || winner.ID != "try2" || winner.Status != event.StatusOK {
		t.Fatalf("expected last write to win, got %+v", winner)
	}
}

func TestTotalOutageIsFailOpen(t *testing.T) {
	sender := &fakeSender{}
	sender.setFail(collector.Retryable(errors.New("collector down")))
	b, err := New(sender, Options{
		FlushSize:     1,
		FlushInterval: time.Hour,
		MaxAttempts:   3,
		BaseBackoff:   time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new buffer: %v", err)
	}

	// Simulated total collector unavailability: appends and flushes must
	// complete without panicking or blocking the caller.
	for i := 0; i < 10; i++ {
		b.Append(event.Event{ID: fmt.Sprintf("e%d", i)})
	}
	done := make(chan struct{})
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		b.Flush(ctx)
		b.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("buffer blocked under collector outage")
	}
	if sender.batchCount() != 0 {
		t.Fatalf("no batch should have been stored")
	}
}

func TestAppendNeverBlocksWhenQueueFull(t *testing.T) {
	sender := &fakeSender{}
	sender.setFail(collector.Retryable(errors.New("collector down")))
	b, err := New(sender, Options{
		QueueSize:     4,
		FlushSize:     100,
		FlushInterval: time.Hour,
		MaxAttempts:   1,
		BaseBackoff:   time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new buffer: %v", err)
	}
	defer b.Close()

	start := time.Now()
	for i := 0; i < 5000; i++ {
		b.Append(event.Event{ID: fmt.Sprintf("e%d", i)})
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("append path too slow under pressure: %v", elapsed)
	}
	if b.Dropped() == 0 {
		t.Fatalf("expected drops under pressure")
	}
}

type memSpool struct {
	mu     sync.Mutex
	events []event.Event
	closed bool
}

func (m *memSpool) Save(ctx context.Context, events []event.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, events...)
	return nil
}

func (m *memSpool) Drain(ctx context.Context, max int) ([]event.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.events) == 0 {
		return nil, nil
	}
	if max > len(m.events) || max <= 0 {
		max = len(m.events)
	}
	out := m.events[:max]
	m.events = m.events[max:]
	return out, nil
}

func (m *memSpool) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *memSpool) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}

func TestFailedBatchGoesToSpool(t *testing.T) {
	sender := &fakeSender{}
	sender.setFail(collector.Retryable(errors.New("collector down")))
	spool := &memSpool{}
	b, err := New(sender, Options{
		FlushSize:     1,
		FlushInterval: time.Hour,
		MaxAttempts:   2,
		BaseBackoff:   time.Millisecond,
		Spool:         spool,
	})
	if err != nil {
		t.Fatalf("new buffer: %v", err)
	}

	b.Append(event.Event{ID: "spill"})
	waitFor(t, func() bool { return spool.len() == 1 })

	// Collector recovers: the next successful flush re-drives the spool.
	sender.setFail(nil)
	b.Append(event.Event{ID: "fresh"})
	waitFor(t, func() bool {
		for _, ev := range sender.allEvents() {
			if ev.ID == "spill" {
				return true
			}
		}
		return false
	})
	b.Close()
	if !spool.closed {
		t.Fatalf("spool must be closed with the buffer")
	}
}

func TestExporterSeesEvents(t *testing.T) {
	sender := &fakeSender{}
	var mu sync.Mutex
	var seen []string
	exp := exporterFunc(func(ev event.Event) {
		mu.Lock()
		seen = append(seen, ev.ID)
		mu.Unlock()
	})
	b, err := New(sender, Options{FlushSize: 100, FlushInterval: time.Hour, Exporter: exp})
	if err != nil {
		t.Fatalf("new buffer: %v", err)
	}
	defer b.Close()

	b.Append(event.Event{ID: "mirrored"})
	b.Flush(context.Background())
	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 1 || seen[0] != "mirrored" {
		t.Fatalf("exporter missed event: %v", seen)
	}
}

type exporterFunc func(event.Event)

func (f exporterFunc) Export(ev event.Event) { f(ev) }
