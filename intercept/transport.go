package intercept

import (
	"bytes"
	"compress/gzip"
	"context"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/buger/jsonparser"
	"github.com/cespare/xxhash/v2"

	"github.com/costlens/meter-sdk-go/event"
	"github.com/costlens/meter-sdk-go/provider"
	"github.com/costlens/meter-sdk-go/scope"
)

// maxCapturedBody bounds how much of a body is retained for extraction.
// Usage blocks sit well inside this; the host still receives every byte.
const maxCapturedBody = 4 << 20

type transport struct {
	layer *Layer
	inner http.RoundTripper
}

// Transport wraps an http.RoundTripper so that requests to known provider
// hosts are captured. Install it on the http.Client the host's SDKs use.
// Unmatched targets pass through untouched unless CaptureUnknown is set.
func (l *Layer) Transport(inner http.RoundTripper) http.RoundTripper {
	if inner == nil {
		inner = http.DefaultTransport
	}
	return &transport{layer: l, inner: inner}
}

func (t *transport) RoundTrip(req *http.Request) (*http.Response, error) {
	// req.Host overrides the URL host when set, same as the HTTP client.
	host := req.Host
	if host == "" {
		host = req.URL.Host
	}
	p := provider.FromHost(host)
	if !t.layer.captures(p) {
		return t.inner.RoundTrip(req)
	}

	// Stack snapshot is taken synchronously at issue time, before the call
	// can suspend, so sibling pushes and pops cannot affect it.
	d := draft{
		snap:     scope.Take(req.Context()),
		provider: p,
		endpoint: req.URL.Path,
		start:    time.Now(),
	}

	var reqBody []byte
	if req.Body != nil && req.Body != http.NoBody {
		inner := req.Body
		read, err := io.ReadAll(io.LimitReader(inner, maxCapturedBody+1))
		switch {
		case err != nil:
			_ = inner.Close()
			// Surface the host's own read error through the real call.
			req.Body = &errReader{err: err}
		case len(read) > maxCapturedBody:
			// Oversized upload: retain a bounded prefix for fingerprint and
			// model sniff, stream the remainder through without buffering.
			reqBody = read[:maxCapturedBody]
			req.Body = &readCloser{
				Reader: io.MultiReader(bytes.NewReader(read), inner),
				Closer: inner,
			}
		default:
			_ = inner.Close()
			reqBody = read
			req.Body = io.NopCloser(bytes.NewReader(read))
			req.GetBody = func() (io.ReadCloser, error) {
				return io.NopCloser(bytes.NewReader(read)), nil
			}
		}
	}
	d.requestBody = reqBody
	d.requestSize = len(reqBody)
	d.fingerprint = fingerprint(req, reqBody)
	if m, err := jsonparser.GetString(reqBody, "model"); err == nil {
		d.model = m
	}

	resp, err := t.inner.RoundTrip(req)
	if err != nil {
		d.status = statusFor(err, 0, isTimeout(req.Context(), err))
		d.complete = true
		t.layer.emit(d)
		return resp, err
	}

	d.status = statusFor(nil, resp.StatusCode, false)
	gzipped := resp.Header.Get("Content-Encoding") == "gzip"
	ctx := req.Context()
	resp.Body = &captureBody{
		inner: resp.Body,
		done: func(body []byte, size int, complete bool) {
			d.complete = complete
			d.responseSize = size
			d.responseBody = body
			if gzipped {
				d.responseBody = gunzip(body)
			}
			if !complete {
				d.status = statusFor(nil, resp.StatusCode, isTimeout(ctx, ctx.Err()))
				if ctx.Err() == context.Canceled {
					d.status = event.StatusError
				}
			}
			if d.model == "" {
				if m, err := jsonparser.GetString(d.responseBody, "model"); err == nil {
					d.model = m
				}
			}
			t.layer.emit(d)
		},
	}
	return resp, nil
}

// fingerprint derives the dedup key: a provider request id when the client
// set one, else a hash of method, target, and payload, so an underlying
// client's automatic retries collapse to one cost-bearing event.
func fingerprint(req *http.Request, body []byte) string {
	for _, h := range []string{"Idempotency-Key", "X-Request-Id"} {
		if v := req.Header.Get(h); v != "" {
			return v
		}
	}
	h := xxhash.New()
	_, _ = h.WriteString(req.Method)
	_, _ = h.WriteString(req.URL.String())
	_, _ = h.Write(body)
	return strconv.FormatUint(h.Sum64(), 16)
}

func isTimeout(ctx context.Context, err error) bool {
	if ctx != nil && ctx.Err() == context.DeadlineExceeded {
		return true
	}
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return true
	}
	return false
}

func gunzip(body []byte) []byte {
	gr, err := gzip.NewReader(bytes.NewReader(body))
	if err != nil {
		return body
	}
	defer gr.Close()
	out, err := io.ReadAll(io.LimitReader(gr, maxCapturedBody))
	if err != nil {
		return body
	}
	return out
}

// captureBody tees a response body into a bounded buffer and fires done
// exactly once, either at EOF (complete) or at Close before EOF (the host
// abandoned the stream). The host sees every byte and every error exactly
// as the real body produced them.
type captureBody struct {
	inner    io.ReadCloser
	buf      bytes.Buffer
	size     int
	sawEOF   bool
	mu       sync.Mutex
	doneOnce sync.Once
	done     func(body []byte, size int, complete bool)
}

func (c *captureBody) Read(p []byte) (int, error) {
	n, err := c.inner.Read(p)
	if n > 0 {
		c.mu.Lock()
		c.size += n
		if c.buf.Len() < maxCapturedBody {
			c.buf.Write(p[:n])
		}
		c.mu.Unlock()
	}
	if err == io.EOF {
		c.mu.Lock()
		c.sawEOF = true
		c.mu.Unlock()
		c.finish(true)
	}
	return n, err
}

func (c *captureBody) Close() error {
	err := c.inner.Close()
	c.mu.Lock()
	complete := c.sawEOF
	c.mu.Unlock()
	c.finish(complete)
	return err
}

func (c *captureBody) finish(complete bool) {
	c.doneOnce.Do(func() {
		c.mu.Lock()
		body := make([]byte, c.buf.Len())
		copy(body, c.buf.Bytes())
		size := c.size
		c.mu.Unlock()
		if c.done != nil {
			c.done(body, size, complete)
		}
	})
}

type readCloser struct {
	io.Reader
	io.Closer
}

type errReader struct{ err error }

func (e *errReader) Read([]byte) (int, error) { return 0, e.err }
func (e *errReader) Close() error             { return nil }
