package resiliency

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/big"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

// maxResponseBytes caps how much of a remote body is read.
const maxResponseBytes = 1 << 20

// EnhancedClient wraps http.Client with resilience patterns:
// - Exponential Backoff & Jitter
// - Circuit Breaking
// - Distributed Tracing Injection
// - Outbound throttling
type EnhancedClient struct {
	service    string
	baseURL    string
	apiKey     string
	client     *http.Client
	maxRetries int
	baseDelay  time.Duration
	breaker    *CircuitBreaker
	limiter    *rate.Limiter
}

// ClientOption configures an EnhancedClient.
type ClientOption func(*EnhancedClient)

// WithTimeout bounds each attempt.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *EnhancedClient) { c.client.Timeout = d }
}

// WithRetries sets the number of retries after the first attempt.
func WithRetries(n int) ClientOption {
	return func(c *EnhancedClient) { c.maxRetries = n }
}

// WithBaseDelay sets the first backoff step.
func WithBaseDelay(d time.Duration) ClientOption {
	return func(c *EnhancedClient) { c.baseDelay = d }
}

// WithAPIKey sends the key as a bearer token.
func WithAPIKey(key string) ClientOption {
	return func(c *EnhancedClient) { c.apiKey = key }
}

// WithRateLimit throttles outbound requests to rps with the given burst.
func WithRateLimit(rps float64, burst int) ClientOption {
	return func(c *EnhancedClient) { c.limiter = rate.NewLimiter(rate.Limit(rps), burst) }
}

// WithBreaker replaces the default circuit breaker.
func WithBreaker(cb *CircuitBreaker) ClientOption {
	return func(c *EnhancedClient) { c.breaker = cb }
}

// WithHTTPClient replaces the underlying transport client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *EnhancedClient) { c.client = hc }
}

// NewEnhancedClient returns a client for the service rooted at baseURL.
// An empty baseURL yields a client whose calls fail with ErrNotConfigured.
func NewEnhancedClient(service, baseURL string, opts ...ClientOption) *EnhancedClient {
	c := &EnhancedClient{
		service:    service,
		baseURL:    strings.TrimRight(baseURL, "/"),
		client:     &http.Client{Timeout: 30 * time.Second},
		maxRetries: 3,
		baseDelay:  100 * time.Millisecond,
		breaker:    NewCircuitBreaker(service, 5, 10*time.Second),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Configured reports whether the client has a remote to talk to.
func (c *EnhancedClient) Configured() bool { return c != nil && c.baseURL != "" }

// Service returns the service name used in errors and logs.
func (c *EnhancedClient) Service() string { return c.service }

// ErrNotConfigured is returned when no base URL was supplied.
var ErrNotConfigured = errors.New("remote service not configured")

// Do executes an HTTP request with resiliency patterns. newReq is called
// once per attempt so request bodies are never reused.
func (c *EnhancedClient) Do(ctx context.Context, newReq func(context.Context) (*http.Request, error)) (*http.Response, error) {
	// 1. Circuit Breaker Check
	if !c.breaker.Allow() {
		return nil, fmt.Errorf("%w for %s", ErrCircuitOpen, c.breaker.name)
	}

	var resp *http.Response
	var err error

	// 2. Retry Loop with Exponential Backoff + Jitter
	for i := 0; i <= c.maxRetries; i++ {
		if c.limiter != nil {
			if werr := c.limiter.Wait(ctx); werr != nil {
				return nil, werr
			}
		}

		var req *http.Request
		req, err = newReq(ctx)
		if err != nil {
			return nil, err
		}
		injectTraceContext(ctx, req)
		if c.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.apiKey)
		}

		resp, err = c.client.Do(req)

		// Success
		if err == nil && resp.StatusCode < 500 {
			c.breaker.Success()
			return resp, nil
		}

		// Failure - Check if we should retry
		if i == c.maxRetries || ctx.Err() != nil {
			break
		}
		if resp != nil {
			drain(resp)
		}

		// Calculate backoff: base * 2^i + jitter
		backoff := time.Duration(math.Pow(2, float64(i))) * c.baseDelay
		jitter := time.Duration(0)
		if n, jerr := rand.Int(rand.Reader, big.NewInt(50)); jerr == nil {
			jitter = time.Duration(n.Int64()) * time.Millisecond
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff + jitter):
		}
	}

	// 3. Record Failure
	c.breaker.Failure()
	return resp, err
}

// PostJSON posts body to path and decodes the response into out (if non-nil).
func (c *EnhancedClient) PostJSON(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("%s: encode request: %w", c.service, err)
	}
	return c.doJSON(ctx, http.MethodPost, path, payload, out)
}

// GetJSON fetches path and decodes the response into out.
func (c *EnhancedClient) GetJSON(ctx context.Context, path string, out any) error {
	return c.doJSON(ctx, http.MethodGet, path, nil, out)
}

func (c *EnhancedClient) doJSON(ctx context.Context, method, path string, payload []byte, out any) error {
	if !c.Configured() {
		return &ExternalServiceError{Service: c.service, Message: ErrNotConfigured.Error(), Err: ErrNotConfigured}
	}
	url := c.baseURL + "/" + strings.TrimLeft(path, "/")

	resp, err := c.Do(ctx, func(ctx context.Context) (*http.Request, error) {
		var body io.Reader
		if payload != nil {
			body = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, body)
		if err != nil {
			return nil, err
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		req.Header.Set("Accept", "application/json")
		return req, nil
	})
	if err != nil {
		return &ExternalServiceError{Service: c.service, Message: err.Error(), Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return &ExternalServiceError{Service: c.service, Status: resp.StatusCode, Message: err.Error(), Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &ExternalServiceError{Service: c.service, Status: resp.StatusCode, Message: upstreamMessage(raw, resp.Status)}
	}
	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &ExternalServiceError{Service: c.service, Status: resp.StatusCode, Message: "decode response: " + err.Error(), Err: err}
	}
	return nil
}

// upstreamMessage prefers an "error" or "message" member from a JSON body.
func upstreamMessage(raw []byte, fallback string) string {
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(raw, &body) == nil {
		if body.Error != "" {
			return body.Error
		}
		if body.Message != "" {
			return body.Message
		}
	}
	if s := strings.TrimSpace(string(raw)); s != "" && len(s) <= 200 {
		return s
	}
	return fallback
}

// injectTraceContext propagates the active span, or a fresh W3C trace id
// when the caller is not traced.
func injectTraceContext(ctx context.Context, req *http.Request) {
	if trace.SpanContextFromContext(ctx).IsValid() {
		propagation.TraceContext{}.Inject(ctx, propagation.HeaderCarrier(req.Header))
		return
	}
	var traceBytes [16]byte
	traceID := ""
	if _, err := rand.Read(traceBytes[:]); err == nil {
		traceID = hex.EncodeToString(traceBytes[:])
	} else {
		// Best-effort fallback if the system RNG fails.
		traceID = fmt.Sprintf("%032x", time.Now().UnixNano())
	}
	req.Header.Set("traceparent", fmt.Sprintf("00-%s-0000000000000001-01", traceID))
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
	_ = resp.Body.Close()
}
