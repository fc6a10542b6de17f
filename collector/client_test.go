package collector

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/costlens/meter-sdk-go/event"
)

func TestSendBatchPostsJSON(t *testing.T) {
	var gotKey string
	var gotEvents []event.Event
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/events/batch" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		gotKey = r.Header.Get(APIKeyHeader)
		if err := json.NewDecoder(r.Body).Decode(&gotEvents); err != nil {
			t.Errorf("decode batch: %v", err)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	c, err := New(srv.URL+"/", "secret-key")
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	batch := []event.Event{{ID: "e1", Provider: "openai", Status: event.StatusOK}}
	if err := c.SendBatch(context.Background(), batch); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if gotKey != "secret-key" {
		t.Fatalf("expected api key header, got %q", gotKey)
	}
	if len(gotEvents) != 1 || gotEvents[0].ID != "e1" {
		t.Fatalf("unexpected batch: %+v", gotEvents)
	}
}

func TestSendBatchEmptyIsNoop(t *testing.T) {
	c, err := New("http://127.0.0.1:1", "k")
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if err := c.SendBatch(context.Background(), nil); err != nil {
		t.Fatalf("empty batch must not send: %v", err)
	}
}

func TestSendBatchErrorClasses(t *testing.T) {
	status := http.StatusInternalServerError
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}))
	defer srv.Close()

	c, err := New(srv.URL, "k")
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	batch := []event.Event{{ID: "e1"}}

	if err := c.SendBatch(context.Background(), batch); !IsRetryable(err) {
		t.Fatalf("expected 5xx to be retryable, got %v", err)
	}

	status = http.StatusUnauthorized
	if err := c.SendBatch(context.Background(), batch); err == nil || IsRetryable(err) {
		t.Fatalf("expected 4xx to be terminal, got %v", err)
	}

	// Transport failure (closed server) is retryable.
	srv.Close()
	if err := c.SendBatch(context.Background(), batch); !IsRetryable(err) {
		t.Fatalf("expected transport error to be retryable, got %v", err)
	}
}

func TestNewRequiresEndpoint(t *testing.T) {
	if _, err := New("   ", "k"); err == nil {
		t.Fatalf("expected error for empty endpoint")
	}
}
