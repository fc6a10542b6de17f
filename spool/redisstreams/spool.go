// Package redisstreams spools undeliverable event batches to a Redis
// stream, for hosts that run many processes and want one shared overflow
// path instead of per-process files.
package redisstreams

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	goredis "github.com/redis/go-redis/v9"

	"github.com/costlens/meter-sdk-go/event"
	"github.com/costlens/meter-sdk-go/spool"
)

const defaultPrefix = "meter:spool"

type Spool struct {
	client *goredis.Client
	addr   string
	prefix string
	stream string
	// maxLen caps the stream; Redis trims oldest entries past it so a
	// long outage cannot grow memory without bound.
	maxLen int64
}

type Option func(*Spool)

func WithClient(client *goredis.Client) Option {
	return func(s *Spool) {
		if client != nil {
			s.client = client
		}
	}
}

func WithPrefix(prefix string) Option {
	return func(s *Spool) {
		prefix = strings.TrimSpace(prefix)
		if prefix != "" {
			s.prefix = prefix
		}
	}
}

func WithMaxLen(n int64) Option {
	return func(s *Spool) {
		if n > 0 {
			s.maxLen = n
		}
	}
}

func New(addr string, opts ...Option) (*Spool, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, fmt.Errorf("redis addr is required")
	}
	s := &Spool{
		addr:   addr,
		prefix: defaultPrefix,
		maxLen: 100000,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.client == nil {
		s.client = goredis.NewClient(&goredis.Options{Addr: s.addr})
	}
	if err := s.client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	s.stream = s.prefix + ":events"
	return s, nil
}

func (s *Spool) Save(ctx context.Context, events []event.Event) error {
	if s == nil || len(events) == 0 {
		return nil
	}
	pipe := s.client.Pipeline()
	for _, ev := range events {
		ev.Normalize()
		payload, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("failed to marshal spooled event: %w", err)
		}
		pipe.XAdd(ctx, &goredis.XAddArgs{
			Stream: s.stream,
			MaxLen: s.maxLen,
			Approx: true,
			Values: map[string]any{"eventId": ev.ID, "payload": string(payload)},
		})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to spool events: %w", err)
	}
	return nil
}

func (s *Spool) Drain(ctx context.Context, max int) ([]event.Event, error) {
	if s == nil {
		return nil, nil
	}
	if max <= 0 {
		max = 64
	}
	msgs, err := s.client.XRangeN(ctx, s.stream, "-", "+", int64(max)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read spool stream: %w", err)
	}
	if len(msgs) == 0 {
		return nil, nil
	}

	events := make([]event.Event, 0, len(msgs))
	seen := make(map[string]bool, len(msgs))
	ids := make([]string, 0, len(msgs))
	for _, msg := range msgs {
		ids = append(ids, msg.ID)
		raw, _ := msg.Values["payload"].(string)
		var ev event.Event
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			// Corrupt entries are removed with the batch, not retried.
			continue
		}
		// Re-spooled duplicates collapse on event id.
		if ev.ID != "" && seen[ev.ID] {
			continue
		}
		seen[ev.ID] = true
		events = append(events, ev)
	}
	if err := s.client.XDel(ctx, s.stream, ids...).Err(); err != nil {
		return nil, fmt.Errorf("failed to remove drained events: %w", err)
	}
	return events, nil
}

func (s *Spool) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

var _ spool.Spool = (*Spool)(nil)
