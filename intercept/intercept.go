// Package intercept wraps monitored call sites so that each outbound API
// call produces a captured event. The wrapped call's behavior and return
// value are bit-for-bit unchanged from the caller's perspective; any
// internal fault degrades the capture, never the call.
package intercept

import (
	"time"

	"go.uber.org/zap"

	"github.com/costlens/meter-sdk-go/event"
	"github.com/costlens/meter-sdk-go/pricing"
	"github.com/costlens/meter-sdk-go/provider"
	"github.com/costlens/meter-sdk-go/scope"
	"github.com/costlens/meter-sdk-go/usage"
)

// Appender receives finished events. buffer.Buffer is the production
// implementation.
type Appender interface {
	Append(ev event.Event)
}

// Options configure a Layer.
type Options struct {
	// Providers restricts capture to the listed providers. Empty means
	// every known provider.
	Providers []provider.Provider
	// CaptureUnknown captures latency/status-only events for targets that
	// classify as Unknown instead of skipping them.
	CaptureUnknown bool
	// CaptureContent retains raw request/response bodies on events. Off by
	// default for privacy.
	CaptureContent bool
	// Classifier synthesizes an implicit frame from a declared call name
	// when no explicit frame is open. Nil disables auto-classification.
	Classifier *scope.Classifier
	// Estimator approximates usage for responses without a usage block.
	Estimator usage.Estimator
	Logger    *zap.Logger
}

// Layer produces captured events for registered call sites.
type Layer struct {
	sink    Appender
	table   *pricing.Table
	allowed map[provider.Provider]bool
	opts    Options
	logger  *zap.Logger
}

// NewLayer builds the interception layer. A nil pricing table uses the
// embedded registry.
func NewLayer(sink Appender, table *pricing.Table, opts Options) *Layer {
	if table == nil {
		table = pricing.Default()
	}
	if opts.Estimator == nil {
		opts.Estimator = usage.NewCharRatio(0)
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	var allowed map[provider.Provider]bool
	if len(opts.Providers) > 0 {
		allowed = make(map[provider.Provider]bool, len(opts.Providers))
		for _, p := range opts.Providers {
			allowed[p] = true
		}
	}
	return &Layer{
		sink:    sink,
		table:   table,
		allowed: allowed,
		opts:    opts,
		logger:  opts.Logger,
	}
}

// captures reports whether calls to p should be observed at all.
func (l *Layer) captures(p provider.Provider) bool {
	if p == provider.Unknown {
		return l.opts.CaptureUnknown
	}
	if l.allowed == nil {
		return true
	}
	return l.allowed[p]
}

// draft carries everything known about one call between issue and emit.
type draft struct {
	snap         scope.Snapshot
	provider     provider.Provider
	model        string
	endpoint     string
	fingerprint  string
	start        time.Time
	status       event.Status
	requestBody  []byte
	requestSize  int
	responseBody []byte
	responseSize int
	// complete is false when the response was abandoned before EOF. The
	// estimator applies whenever no usage block was found in the body,
	// complete or not.
	complete bool
}

// emit finishes a draft into an event and hands it to the buffer. It never
// panics into the host: a fault inside extraction or pricing degrades to a
// latency/status-only event.
func (l *Layer) emit(d draft) {
	ev := event.Event{
		RunID:        d.snap.RunID,
		ParentSpanID: d.snap.ParentSpanID,
		SectionPath:  d.snap.SectionPath,
		TenantID:     d.snap.TenantID,
		CustomerID:   d.snap.CustomerID,
		Provider:     string(d.provider),
		Model:        d.model,
		Endpoint:     d.endpoint,
		Fingerprint:  d.fingerprint,
		Status:       d.status,
		LatencyMS:    time.Since(d.start).Milliseconds(),
		CreatedAt:    d.start.UTC(),
	}

	func() {
		defer func() {
			if r := recover(); r != nil {
				l.logger.Error("usage extraction panicked, emitting degraded event",
					zap.Any("panic", r))
				ev.PricingUnknown = true
			}
		}()
		u := usage.Extract(d.provider, d.responseBody)
		// No usage block anywhere in the body means the estimator takes
		// over, whether the stream was cancelled or just never reported
		// usage. Unknown targets stay latency/status-only.
		if !u.HasUsage() && d.responseSize > 0 && d.provider != provider.Unknown {
			u = l.opts.Estimator.Estimate(d.requestSize, d.responseSize)
		}
		ev.InputTokens = u.InputTokens
		ev.OutputTokens = u.OutputTokens
		ev.CachedTokens = u.CachedTokens
		ev.Estimated = u.Estimated
		cost, priced := usage.Cost(l.table, d.provider, d.model, u)
		ev.CostUSD = cost
		ev.PricingUnknown = !priced
	}()

	if l.opts.CaptureContent {
		ev.RequestBody = d.requestBody
		ev.ResponseBody = d.responseBody
	}
	ev.Normalize()
	l.sink.Append(ev)
}

// statusFor maps a call outcome onto the event status enumeration.
func statusFor(err error, httpStatus int, timedOut bool) event.Status {
	switch {
	case timedOut:
		return event.StatusTimeout
	case err != nil:
		return event.StatusError
	case httpStatus >= 400:
		return event.StatusError
	default:
		return event.StatusOK
	}
}
