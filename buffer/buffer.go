// Package buffer accumulates captured events and delivers them to the
// collector in batches. It is the only process-wide shared mutable resource
// in the pipeline: producers append through a bounded channel and a single
// background flusher consumes it. Every method is fail-open; nothing here
// ever raises into host code or blocks the host's call path on network I/O.
package buffer

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/costlens/meter-sdk-go/collector"
	"github.com/costlens/meter-sdk-go/event"
)

const (
	defaultQueueSize     = 1024
	defaultFlushSize     = 64
	defaultFlushInterval = 5 * time.Second
	defaultMaxAttempts   = 4
	defaultBaseBackoff   = 250 * time.Millisecond
)

// Sender delivers one batch to the ingestion boundary. collector.Client is
// the production implementation.
type Sender interface {
	SendBatch(ctx context.Context, events []event.Event) error
}

// Spool persists batches that exhausted their delivery attempts so they can
// be re-driven later instead of being lost.
type Spool interface {
	Save(ctx context.Context, events []event.Event) error
	Drain(ctx context.Context, max int) ([]event.Event, error)
	Close() error
}

// Exporter observes every event the flusher picks up, e.g. to mirror it
// into OpenTelemetry. Export runs on the flusher goroutine, never on the
// host call path.
type Exporter interface {
	Export(ev event.Event)
}

// Options tune the buffer. Zero values take the documented defaults.
type Options struct {
	QueueSize     int
	FlushSize     int
	FlushInterval time.Duration
	MaxAttempts   int
	BaseBackoff   time.Duration
	Logger        *zap.Logger
	Spool         Spool
	Exporter      Exporter
}

// Buffer is the event buffer and flush scheduler.
type Buffer struct {
	sender   Sender
	opts     Options
	queue    chan event.Event
	flushReq chan chan struct{}
	stop     chan struct{}
	wg       sync.WaitGroup
	once     sync.Once
	logger   *zap.Logger

	dropped atomic.Int64
}

// New creates and starts a buffer flushing to the given sender.
func New(sender Sender, opts Options) (*Buffer, error) {
	if sender == nil {
		return nil, fmt.Errorf("buffer sender is required")
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.FlushSize <= 0 {
		opts.FlushSize = defaultFlushSize
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = defaultFlushInterval
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = defaultBaseBackoff
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	b := &Buffer{
		sender:   sender,
		opts:     opts,
		queue:    make(chan event.Event, opts.QueueSize),
		flushReq: make(chan chan struct{}, 1),
		stop:     make(chan struct{}),
		logger:   opts.Logger,
	}
	b.wg.Add(1)
	go b.loop()
	return b, nil
}

// Append hands one event to the buffer. Amortized O(1), safe for
// concurrent use, and never blocks: under sustained pressure events are
// dropped and counted rather than slowing the host.
func (b *Buffer) Append(ev event.Event) {
	if b == nil {
		return
	}
	ev.Normalize()
	select {
	case b.queue <- ev:
	default:
		n := b.dropped.Add(1)
		if n == 1 || n%1000 == 0 {
			b.logger.Warn("event queue full, dropping telemetry",
				zap.Int64("dropped", n))
		}
	}
}

// Dropped reports how many events were discarded because the queue was full.
func (b *Buffer) Dropped() int64 {
	if b == nil {
		return 0
	}
	return b.dropped.Load()
}

// Flush drains everything currently buffered and sends it immediately.
// Used at process shutdown or request boundaries. Waits for the flusher to
// acknowledge, or for ctx to expire.
func (b *Buffer) Flush(ctx context.Context) {
	if b == nil {
		return
	}
	done := make(chan struct{})
	select {
	case b.flushReq <- done:
	case <-b.stop:
		return
	case <-ctx.Done():
		return
	}
	select {
	case <-done:
	case <-ctx.Done():
	}
}

// Close stops the flusher after draining whatever is buffered. Idempotent.
func (b *Buffer) Close() {
	if b == nil {
		return
	}
	b.once.Do(func() { close(b.stop) })
	b.wg.Wait()
}

func (b *Buffer) loop() {
	defer b.wg.Done()
	ticker := time.NewTicker(b.opts.FlushInterval)
	defer ticker.Stop()

	var pending []event.Event
	b.redrainSpool()

	for {
		select {
		case ev := <-b.queue:
			if b.opts.Exporter != nil {
				b.opts.Exporter.Export(ev)
			}
			pending = append(pending, ev)
			if len(pending) >= b.opts.FlushSize {
				pending = b.deliver(pending)
			}
		case <-ticker.C:
			if len(pending) > 0 {
				pending = b.deliver(pending)
			}
		case done := <-b.flushReq:
			pending = append(pending, b.drainQueue()...)
			if len(pending) > 0 {
				pending = b.deliver(pending)
			}
			close(done)
		case <-b.stop:
			pending = append(pending, b.drainQueue()...)
			if len(pending) > 0 {
				b.deliver(pending)
			}
			if b.opts.Spool != nil {
				if err := b.opts.Spool.Close(); err != nil {
					b.logger.Warn("failed to close spool", zap.Error(err))
				}
			}
			return
		}
	}
}

func (b *Buffer) drainQueue() []event.Event {
	var out []event.Event
	for {
		select {
		case ev := <-b.queue:
			if b.opts.Exporter != nil {
				b.opts.Exporter.Export(ev)
			}
			out = append(out, ev)
		default:
			return out
		}
	}
}

// deliver sends a batch with bounded retries. It always returns an empty
// slice: a batch either reached the collector, went to the spool, or was
// dropped with a log line. Telemetry loss is preferred over unbounded
// memory growth.
func (b *Buffer) deliver(batch []event.Event) []event.Event {
	batch = dedupe(batch)
	if len(batch) == 0 {
		return nil
	}

	var lastErr error
	for attempt := 1; attempt <= b.opts.MaxAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), b.opts.FlushInterval)
		err := b.sender.SendBatch(ctx, batch)
		cancel()
		if err == nil {
			b.redrainSpool()
			return nil
		}
		lastErr = err
		if !collector.IsRetryable(err) {
			b.logger.Warn("collector rejected batch, dropping",
				zap.Int("events", len(batch)), zap.Error(err))
			return nil
		}
		if attempt < b.opts.MaxAttempts && !b.sleep(backoff(b.opts.BaseBackoff, attempt)) {
			break
		}
	}

	if b.opts.Spool != nil {
		ctx, cancel := context.WithTimeout(context.Background(), b.opts.FlushInterval)
		err := b.opts.Spool.Save(ctx, batch)
		cancel()
		if err == nil {
			b.logger.Warn("delivery failed, batch spooled",
				zap.Int("events", len(batch)), zap.Error(lastErr))
			return nil
		}
		b.logger.Warn("failed to spool batch", zap.Error(err))
	}
	b.logger.Warn("delivery failed, dropping batch",
		zap.Int("events", len(batch)), zap.Error(lastErr))
	return nil
}

// redrainSpool re-drives previously spooled batches after a healthy flush
// or at startup. One batch at a time; it stops as soon as delivery fails
// again so a down collector does not spin.
func (b *Buffer) redrainSpool() {
	if b.opts.Spool == nil {
		return
	}
	for {
		ctx, cancel := context.WithTimeout(context.Background(), b.opts.FlushInterval)
		batch, err := b.opts.Spool.Drain(ctx, b.opts.FlushSize)
		cancel()
		if err != nil {
			b.logger.Warn("failed to drain spool", zap.Error(err))
			return
		}
		if len(batch) == 0 {
			return
		}
		ctx, cancel = context.WithTimeout(context.Background(), b.opts.FlushInterval)
		err = b.sender.SendBatch(ctx, batch)
		cancel()
		if err != nil {
			ctx, cancel = context.WithTimeout(context.Background(), b.opts.FlushInterval)
			if saveErr := b.opts.Spool.Save(ctx, batch); saveErr != nil {
				b.logger.Warn("failed to re-spool batch", zap.Error(saveErr))
			}
			cancel()
			return
		}
	}
}

func (b *Buffer) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-b.stop:
		return false
	}
}

func backoff(base time.Duration, attempt int) time.Duration {
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
	}
	return d
}

// dedupe coalesces events sharing a request fingerprint to one, keeping the
// most recent capture. Fingerprint collisions indicate retried variants of
// the same logical call, so last-write-wins on status and cost.
func dedupe(batch []event.Event) []event.Event {
	if len(batch) < 2 {
		return batch
	}
	latest := make(map[string]int, len(batch))
	out := batch[:0]
	for _, ev := range batch {
		if ev.Fingerprint == "" {
			out = append(out, ev)
			continue
		}
		if i, ok := latest[ev.Fingerprint]; ok {
			out[i] = ev
			continue
		}
		latest[ev.Fingerprint] = len(out)
		out = append(out, ev)
	}
	return out
}
