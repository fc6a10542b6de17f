package intercept

import (
	"context"
	"time"

	"github.com/costlens/meter-sdk-go/provider"
	"github.com/costlens/meter-sdk-go/scope"
)

// Call identifies an SDK-level call site registered with the layer.
type Call struct {
	Provider provider.Provider
	Model    string
	Endpoint string
	// Name is the host-declared name of the calling unit (e.g. a function
	// the host tagged "research_agent"). When auto-classification is
	// enabled and no explicit frame is open, the classifier may synthesize
	// an implicit frame from it. Explicit frames always take priority.
	Name string
	// Fingerprint overrides the derived dedup key, e.g. with a provider
	// request id.
	Fingerprint string
}

// DoRaw wraps a blocking or awaited SDK call. fn's error and payload are
// returned unchanged; the payload is additionally fed to the extractor. The
// capture itself can never fail the call.
func (l *Layer) DoRaw(ctx context.Context, call Call, fn func(context.Context) ([]byte, error)) ([]byte, error) {
	if !l.captures(call.Provider) {
		return fn(ctx)
	}

	// Implicit frame from the declared name, only when nothing explicit is
	// already open.
	if l.opts.Classifier != nil && scope.SpanID(ctx) == "" {
		if name, ok := l.opts.Classifier.Classify(call.Name); ok {
			var end scope.EndFunc
			ctx, end = scope.Begin(ctx, name)
			defer end()
		}
	}

	d := draft{
		snap:        scope.Take(ctx),
		provider:    call.Provider,
		model:       call.Model,
		endpoint:    call.Endpoint,
		fingerprint: call.Fingerprint,
		start:       time.Now(),
		complete:    true,
	}

	payload, err := fn(ctx)

	d.status = statusFor(err, 0, isTimeout(ctx, err))
	d.responseBody = payload
	d.responseSize = len(payload)
	l.emit(d)
	return payload, err
}

// Do is DoRaw for call sites returning a typed result alongside the raw
// provider payload.
func Do[T any](l *Layer, ctx context.Context, call Call, fn func(context.Context) (T, []byte, error)) (T, error) {
	var result T
	var innerErr error
	_, err := l.DoRaw(ctx, call, func(ctx context.Context) ([]byte, error) {
		var payload []byte
		result, payload, innerErr = fn(ctx)
		return payload, innerErr
	})
	return result, err
}
