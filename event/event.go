package event

import (
	"time"

	"github.com/google/uuid"
)

// Status classifies how an intercepted call finished.
type Status string

const (
	StatusOK      Status = "ok"
	StatusError   Status = "error"
	StatusTimeout Status = "timeout"
)

// Event is the immutable record of one intercepted call. Once handed to the
// buffer it is never mutated; Normalize must happen before the handoff.
type Event struct {
	ID           string    `json:"id"`
	RunID        string    `json:"runId,omitempty"`
	SpanID       string    `json:"spanId,omitempty"`
	ParentSpanID string    `json:"parentSpanId,omitempty"`
	SectionPath  string    `json:"sectionPath"`
	Provider     string    `json:"provider"`
	Model        string    `json:"model,omitempty"`
	Endpoint     string    `json:"endpoint,omitempty"`
	InputTokens  int64     `json:"inputTokens"`
	OutputTokens int64     `json:"outputTokens"`
	CachedTokens *int64    `json:"cachedTokens,omitempty"`
	CostUSD      float64   `json:"costUsd"`
	// Estimated marks usage derived from payload length rather than a
	// provider usage block (e.g. client-cancelled streams).
	Estimated      bool   `json:"estimated,omitempty"`
	PricingUnknown bool   `json:"pricingUnknown,omitempty"`
	LatencyMS      int64  `json:"latencyMs"`
	Status         Status `json:"status"`
	Fingerprint    string `json:"fingerprint,omitempty"`
	TenantID       string `json:"tenantId,omitempty"`
	CustomerID     string `json:"customerId,omitempty"`
	// RequestBody and ResponseBody are only populated when content capture
	// is enabled in configuration. They never round-trip to the collector
	// unless the host opted in.
	RequestBody  []byte    `json:"requestBody,omitempty"`
	ResponseBody []byte    `json:"responseBody,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Normalize fills generated and defaulted fields in place.
func (e *Event) Normalize() {
	if e == nil {
		return
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.SpanID == "" {
		e.SpanID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	if e.SectionPath == "" {
		e.SectionPath = "/"
	}
	if e.Status == "" {
		e.Status = StatusOK
	}
	if e.Provider == "" {
		e.Provider = "unknown"
	}
	if e.CostUSD < 0 {
		e.CostUSD = 0
	}
	if e.LatencyMS < 0 {
		e.LatencyMS = 0
	}
	if e.InputTokens < 0 {
		e.InputTokens = 0
	}
	if e.OutputTokens < 0 {
		e.OutputTokens = 0
	}
	if e.CachedTokens != nil && *e.CachedTokens < 0 {
		zero := int64(0)
		e.CachedTokens = &zero
	}
}
