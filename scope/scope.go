// Package scope tracks the hierarchical caller context that captured calls
// are attributed to. Frames are carried in the context chain, so each
// logical run and each goroutine within it sees its own stack; there is no
// process-global mutable state to conflate concurrent runs.
package scope

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// RootPath is the rendered path when no frame is open.
const RootPath = "/"

type runKey struct{}
type frameKey struct{}

// Run groups captured events under one run_id. Tenant and customer
// attribution set here is valid only for the duration of this run.
type Run struct {
	id     string
	logger *zap.Logger

	mu         sync.RWMutex
	tenantID   string
	customerID string
}

// RunOption configures NewRun.
type RunOption func(*Run)

// WithRunID supplies the host's own run identifier.
func WithRunID(id string) RunOption {
	return func(r *Run) {
		if strings.TrimSpace(id) != "" {
			r.id = id
		}
	}
}

// WithTenant sets the tenant attribution for the run.
func WithTenant(tenantID string) RunOption {
	return func(r *Run) { r.tenantID = tenantID }
}

// WithCustomer sets the customer attribution for the run.
func WithCustomer(customerID string) RunOption {
	return func(r *Run) { r.customerID = customerID }
}

// WithLogger sets the logger used for host-misuse diagnostics.
func WithLogger(l *zap.Logger) RunOption {
	return func(r *Run) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewRun attaches a fresh run to the context. Calls captured under the
// returned context share the run's id and attribution.
func NewRun(ctx context.Context, opts ...RunOption) (context.Context, *Run) {
	r := &Run{
		id:     uuid.NewString(),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return context.WithValue(ctx, runKey{}, r), r
}

// RunFrom returns the run attached to ctx, or nil.
func RunFrom(ctx context.Context) *Run {
	if ctx == nil {
		return nil
	}
	r, _ := ctx.Value(runKey{}).(*Run)
	return r
}

// ID returns the run identifier.
func (r *Run) ID() string {
	if r == nil {
		return ""
	}
	return r.id
}

// SetTenant updates tenant attribution for subsequent captures in this run.
func (r *Run) SetTenant(tenantID string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.tenantID = tenantID
	r.mu.Unlock()
}

// SetCustomer updates customer attribution for subsequent captures.
func (r *Run) SetCustomer(customerID string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.customerID = customerID
	r.mu.Unlock()
}

// ClearAttribution drops tenant and customer attribution.
func (r *Run) ClearAttribution() {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.tenantID = ""
	r.customerID = ""
	r.mu.Unlock()
}

func (r *Run) attribution() (tenant, customer string) {
	if r == nil {
		return "", ""
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tenantID, r.customerID
}

// Frame is one named, scoped marker on the current stack.
type Frame struct {
	id       string
	name     string
	parent   *Frame
	pushTime time.Time
	logger   *zap.Logger

	ended        atomic.Bool
	openChildren atomic.Int64
}

// ID returns the frame's span id.
func (f *Frame) ID() string {
	if f == nil {
		return ""
	}
	return f.id
}

// Name returns the frame name as supplied to Begin.
func (f *Frame) Name() string {
	if f == nil {
		return ""
	}
	return f.name
}

// PushTime returns when the frame was opened.
func (f *Frame) PushTime() time.Time {
	if f == nil {
		return time.Time{}
	}
	return f.pushTime
}

// EndFunc closes a frame. It must run on every exit path of the scope that
// opened the frame, including error returns and panics (use defer).
type EndFunc func()

// Begin opens a named frame on the current stack and returns the derived
// context plus the function that closes the frame. Constant time; never
// fails. Pops are strictly LIFO: closing a frame that still has open
// children, or closing one twice, indicates broken scoping discipline in
// the host and is reported at error level rather than silently ignored,
// because it would corrupt parent attribution for subsequent events.
func Begin(ctx context.Context, name string) (context.Context, EndFunc) {
	parent := FrameFrom(ctx)
	logger := zap.L()
	if r := RunFrom(ctx); r != nil {
		logger = r.logger
	}
	f := &Frame{
		id:       uuid.NewString(),
		name:     name,
		parent:   parent,
		pushTime: time.Now().UTC(),
		logger:   logger,
	}
	if parent != nil {
		parent.openChildren.Add(1)
	}
	end := func() {
		if f.ended.Swap(true) {
			f.logger.Error("context frame ended twice",
				zap.String("frame", f.name),
				zap.String("frameId", f.id))
			return
		}
		if n := f.openChildren.Load(); n > 0 {
			f.logger.Error("context frame ended before its children; span attribution may be corrupt",
				zap.String("frame", f.name),
				zap.String("frameId", f.id),
				zap.Int64("openChildren", n))
		}
		if f.parent != nil {
			f.parent.openChildren.Add(-1)
		}
	}
	return context.WithValue(ctx, frameKey{}, f), end
}

// FrameFrom returns the innermost open frame in ctx, or nil. Frames that
// were already ended are skipped so a context captured before a defer end()
// still resolves to a live ancestor.
func FrameFrom(ctx context.Context) *Frame {
	if ctx == nil {
		return nil
	}
	f, _ := ctx.Value(frameKey{}).(*Frame)
	for f != nil && f.ended.Load() {
		f = f.parent
	}
	return f
}

// Path renders the open frame names outermost first, joined by "/".
// An empty stack yields RootPath.
func Path(ctx context.Context) string {
	f := FrameFrom(ctx)
	if f == nil {
		return RootPath
	}
	var names []string
	for ; f != nil; f = f.parent {
		if f.ended.Load() {
			continue
		}
		names = append(names, f.name)
	}
	for i, j := 0, len(names)-1; i < j; i, j = i+1, j-1 {
		names[i], names[j] = names[j], names[i]
	}
	return strings.Join(names, "/")
}

// SpanID returns the innermost open frame's id, used as the parent span of
// new captures. Empty when the stack is empty (the capture becomes a root
// span).
func SpanID(ctx context.Context) string {
	return FrameFrom(ctx).ID()
}

var (
	processRunOnce sync.Once
	processRunID   string
)

// ProcessRunID is the fallback run id for captures issued outside any
// explicit run: one id per process lifetime.
func ProcessRunID() string {
	processRunOnce.Do(func() {
		processRunID = uuid.NewString()
	})
	return processRunID
}

// Snapshot is the stack state at call-issue time. The interception layer
// takes it synchronously before the wrapped call can suspend, so a
// concurrently executing sibling's push or pop cannot affect it.
type Snapshot struct {
	RunID        string
	TenantID     string
	CustomerID   string
	SectionPath  string
	ParentSpanID string
}

// Take captures the current stack state for a pending capture.
func Take(ctx context.Context) Snapshot {
	s := Snapshot{
		RunID:        ProcessRunID(),
		SectionPath:  Path(ctx),
		ParentSpanID: SpanID(ctx),
	}
	if r := RunFrom(ctx); r != nil {
		s.RunID = r.ID()
		s.TenantID, s.CustomerID = r.attribution()
	}
	return s
}
