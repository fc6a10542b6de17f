// Package meter captures LLM usage and cost telemetry from an
// application's provider calls and delivers it to a collector.
//
// Typical wiring:
//
//	m, err := meter.Init(cfg)
//	if err != nil { ... }
//	defer m.Close()
//	httpClient := &http.Client{Transport: m.Transport(nil)}
//
// Capture never blocks or fails the host's calls: when the collector is
// unreachable events spill to the configured spool or are dropped with a
// logged warning.
package meter

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"go.uber.org/zap"

	"github.com/costlens/meter-sdk-go/buffer"
	"github.com/costlens/meter-sdk-go/collector"
	"github.com/costlens/meter-sdk-go/config"
	"github.com/costlens/meter-sdk-go/event"
	"github.com/costlens/meter-sdk-go/intercept"
	"github.com/costlens/meter-sdk-go/pricing"
	"github.com/costlens/meter-sdk-go/scope"
	"github.com/costlens/meter-sdk-go/spool"
	redisspool "github.com/costlens/meter-sdk-go/spool/redisstreams"
	sqlitespool "github.com/costlens/meter-sdk-go/spool/sqlite"
	"github.com/costlens/meter-sdk-go/usage"
)

// Meter owns the capture pipeline: interception layer, buffer, and the
// delivery client.
type Meter struct {
	cfg    config.Config
	logger *zap.Logger
	layer  *intercept.Layer
	buf    *buffer.Buffer
}

type Option func(*settings)

type settings struct {
	logger    *zap.Logger
	spool     spool.Spool
	estimator usage.Estimator
	table     *pricing.Table
	exporter  buffer.Exporter
	sender    buffer.Sender
	transport http.RoundTripper
}

// WithLogger sets the logger for the whole pipeline. Default is zap.NewNop.
func WithLogger(l *zap.Logger) Option {
	return func(s *settings) { s.logger = l }
}

// WithSpool overrides the spool chosen by the config.
func WithSpool(sp spool.Spool) Option {
	return func(s *settings) { s.spool = sp }
}

// WithEstimator replaces the default character-ratio token estimator.
func WithEstimator(e usage.Estimator) Option {
	return func(s *settings) { s.estimator = e }
}

// WithPricing replaces the embedded pricing registry.
func WithPricing(t *pricing.Table) Option {
	return func(s *settings) { s.table = t }
}

// WithExporter mirrors every flushed event to a local exporter, e.g. the
// OpenTelemetry bridge.
func WithExporter(e buffer.Exporter) Option {
	return func(s *settings) { s.exporter = e }
}

// WithSender replaces the collector client, mainly for tests.
func WithSender(sender buffer.Sender) Option {
	return func(s *settings) { s.sender = sender }
}

// Init builds and starts the pipeline from a validated config.
func Init(cfg config.Config, opts ...Option) (*Meter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var s settings
	for _, opt := range opts {
		opt(&s)
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}

	if s.sender == nil {
		if cfg.Endpoint == "" {
			return nil, fmt.Errorf("collector endpoint is required")
		}
		client, err := collector.New(cfg.Endpoint, cfg.ResolveAPIKey())
		if err != nil {
			return nil, err
		}
		s.sender = client
	}

	if s.spool == nil {
		switch {
		case cfg.SpoolPath != "":
			sp, err := sqlitespool.New(cfg.SpoolPath)
			if err != nil {
				return nil, fmt.Errorf("failed to open spool: %w", err)
			}
			s.spool = sp
		case cfg.RedisAddr != "":
			sp, err := redisspool.New(cfg.RedisAddr)
			if err != nil {
				return nil, fmt.Errorf("failed to open spool: %w", err)
			}
			s.spool = sp
		}
	}

	buf, err := buffer.New(s.sender, buffer.Options{
		QueueSize:     cfg.QueueSize,
		FlushSize:     cfg.FlushSize,
		FlushInterval: cfg.FlushInterval,
		MaxAttempts:   cfg.MaxAttempts,
		Logger:        s.logger,
		Spool:         s.spool,
		Exporter:      s.exporter,
	})
	if err != nil {
		return nil, err
	}

	if s.estimator == nil {
		s.estimator = usage.NewCharRatio(cfg.EstimateCharsPerToken)
	}
	var classifier *scope.Classifier
	if cfg.AutoClassify {
		classifier = scope.NewClassifier(cfg.ClassifyPatterns)
	}
	layer := intercept.NewLayer(buf, s.table, intercept.Options{
		Providers:      cfg.ProviderList(),
		CaptureUnknown: cfg.CaptureUnknown,
		CaptureContent: cfg.CaptureContent,
		Classifier:     classifier,
		Estimator:      s.estimator,
		Logger:         s.logger,
	})

	return &Meter{cfg: cfg, logger: s.logger, layer: layer, buf: buf}, nil
}

// Transport wraps an http.RoundTripper so provider calls made through it
// are captured. A nil inner transport uses http.DefaultTransport.
func (m *Meter) Transport(inner http.RoundTripper) http.RoundTripper {
	return m.layer.Transport(inner)
}

// WrapClient returns a copy of client whose transport is instrumented.
func (m *Meter) WrapClient(client *http.Client) (*http.Client, error) {
	wrapped, err := intercept.Wrap(intercept.KindHTTPClient, m.layer, client)
	if err != nil {
		return nil, err
	}
	return wrapped.(*http.Client), nil
}

// Do wraps an SDK-level call site that does not go through an
// instrumented HTTP transport.
func (m *Meter) Do(ctx context.Context, call intercept.Call, fn func(context.Context) ([]byte, error)) ([]byte, error) {
	return m.layer.DoRaw(ctx, call, fn)
}

// Layer exposes the interception layer for the generic intercept.Do and
// the adapter registry.
func (m *Meter) Layer() *intercept.Layer {
	return m.layer
}

// Append hands an already-built event to the buffer. Hosts with their own
// capture path can use this directly.
func (m *Meter) Append(ev event.Event) {
	m.buf.Append(ev)
}

// Flush forces delivery of everything currently buffered and waits for
// the attempt to finish.
func (m *Meter) Flush(ctx context.Context) {
	m.buf.Flush(ctx)
}

// Dropped reports how many events have been shed under queue pressure.
func (m *Meter) Dropped() int64 {
	return m.buf.Dropped()
}

// Close flushes remaining events and stops the pipeline. Safe to call
// more than once.
func (m *Meter) Close() {
	m.buf.Close()
}

// NewRun starts an attribution-scoped run. See scope.NewRun.
func NewRun(ctx context.Context, opts ...scope.RunOption) (context.Context, *scope.Run) {
	return scope.NewRun(ctx, opts...)
}

// Begin opens a named section frame. See scope.Begin.
func Begin(ctx context.Context, name string) (context.Context, scope.EndFunc) {
	return scope.Begin(ctx, name)
}

// WithRunID, WithTenant and WithCustomer mirror the scope package's run
// options so simple hosts only import this package.
func WithRunID(id string) scope.RunOption { return scope.WithRunID(id) }

func WithTenant(tenantID string) scope.RunOption { return scope.WithTenant(tenantID) }

func WithCustomer(customerID string) scope.RunOption { return scope.WithCustomer(customerID) }

var (
	defaultMu sync.RWMutex
	defaultM  *Meter
)

// SetDefault installs a process-wide instance for hosts that prefer not
// to thread a *Meter through their own wiring.
func SetDefault(m *Meter) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultM = m
}

// Default returns the process-wide instance, or nil before SetDefault.
func Default() *Meter {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultM
}
