package intercept

import (
	"fmt"
	"net/http"
	"strings"
	"sync"
)

// Adapter installs interception for one call-site kind: given the layer and
// the host's target (an *http.Client, an SDK client, ...), it returns the
// wrapped replacement. No hidden mutation of library internals takes place;
// the host swaps in the returned value itself.
type Adapter func(l *Layer, target any) (any, error)

var (
	regMu    sync.RWMutex
	adapters = map[string]Adapter{}
)

// Register adds an adapter for a call-site kind at startup. Registering a
// kind twice is an error.
func Register(kind string, adapter Adapter) error {
	kind = strings.TrimSpace(kind)
	if kind == "" {
		return fmt.Errorf("call-site kind is required")
	}
	if adapter == nil {
		return fmt.Errorf("adapter is required")
	}
	regMu.Lock()
	defer regMu.Unlock()
	if _, exists := adapters[kind]; exists {
		return fmt.Errorf("call-site kind %q already registered", kind)
	}
	adapters[kind] = adapter
	return nil
}

// MustRegister is Register that panics, for package init of adapters.
func MustRegister(kind string, adapter Adapter) {
	if err := Register(kind, adapter); err != nil {
		panic(err)
	}
}

// Wrap applies the adapter registered for kind to the host's target.
func Wrap(kind string, l *Layer, target any) (any, error) {
	regMu.RLock()
	adapter, ok := adapters[strings.TrimSpace(kind)]
	regMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no adapter registered for call-site kind %q", kind)
	}
	return adapter(l, target)
}

// Kinds lists the registered call-site kinds.
func Kinds() []string {
	regMu.RLock()
	defer regMu.RUnlock()
	out := make([]string, 0, len(adapters))
	for k := range adapters {
		out = append(out, k)
	}
	return out
}

// KindHTTPClient wraps an *http.Client so its transport captures provider
// traffic. The client value is copied; the host's original is untouched.
const KindHTTPClient = "http.client"

func init() {
	MustRegister(KindHTTPClient, func(l *Layer, target any) (any, error) {
		client, ok := target.(*http.Client)
		if !ok {
			return nil, fmt.Errorf("%s adapter expects *http.Client, got %T", KindHTTPClient, target)
		}
		wrapped := *client
		wrapped.Transport = l.Transport(client.Transport)
		return &wrapped, nil
	})
}
