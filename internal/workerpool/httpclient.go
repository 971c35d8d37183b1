package workerpool

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/aiperf/aiperf/internal/otel"
	"github.com/cenkalti/backoff/v4"
)

const maxResponseBodyBytes = 64 * 1024

// RetryConfig parameterizes the exponential backoff wrapped around every
// non-streaming request; the streaming path (internal/extractors) owns its
// own connection lifecycle and does not retry mid-stream.
type RetryConfig struct {
	MaxRetries int
	Backoff    time.Duration
	MaxBackoff time.Duration
}

// RetryHTTPClient posts JSON bodies to an inference endpoint with retry on
// transport errors and 5xx responses, built on cenkalti/backoff/v4 instead
// of a hand-rolled doubling loop, so jitter comes from a maintained policy
// rather than a bespoke one. The policy's max elapsed time is disabled; the
// number of retries is bounded by MaxRetries.
type RetryHTTPClient struct {
	baseURL    string
	httpClient *http.Client
	config     RetryConfig
	authHeader string
	tracer     *otel.Tracer
}

// NewRetryHTTPClient constructs a client posting against baseURL.
func NewRetryHTTPClient(baseURL string, httpClient *http.Client, config RetryConfig) *RetryHTTPClient {
	return &RetryHTTPClient{baseURL: baseURL, httpClient: httpClient, config: config}
}

// SetAuthHeader sets the value sent as the Authorization header on every
// request, e.g. "Bearer sk-...".
func (c *RetryHTTPClient) SetAuthHeader(value string) { c.authHeader = value }

// SetTracer wires a tracer into the client so every outbound request
// carries the caller's W3C traceparent header; a nil or disabled tracer
// makes this a no-op.
func (c *RetryHTTPClient) SetTracer(tracer *otel.Tracer) { c.tracer = tracer }

func (c *RetryHTTPClient) policy(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = c.config.Backoff
	eb.MaxInterval = c.config.MaxBackoff
	eb.MaxElapsedTime = 0 // bounded by MaxRetries via WithMaxRetries below
	return backoff.WithContext(backoff.WithMaxRetries(eb, uint64(c.config.MaxRetries)), ctx)
}

// retryableError marks a response that should be retried (5xx); any other
// non-nil error from httpClient.Do is retried unconditionally since it's a
// transport failure, not an application response.
type retryableError struct {
	StatusCode int
}

func (e *retryableError) Error() string { return "workerpool: retryable HTTP status" }

// Post JSON-encodes body (if non-nil) and POSTs it to path under baseURL,
// retrying per RetryConfig. The returned response's body must be closed by
// the caller unless it is consumed by extractors.NewSSEReader, which takes
// ownership of it.
func (c *RetryHTTPClient) Post(ctx context.Context, path string, body any, headers map[string]string) (*http.Response, error) {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, err
		}
	}

	var resp *http.Response
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		for k, v := range headers {
			req.Header.Set(k, v)
		}
		if c.authHeader != "" {
			req.Header.Set("Authorization", c.authHeader)
		}
		otel.InjectHeaders(ctx, req.Header, c.tracer)

		r, err := c.httpClient.Do(req)
		if err != nil {
			return err
		}
		if r.StatusCode >= 500 {
			r.Body.Close()
			return &retryableError{StatusCode: r.StatusCode}
		}
		resp = r
		return nil
	}

	if err := backoff.Retry(op, c.policy(ctx)); err != nil {
		var re *retryableError
		if errors.As(err, &re) {
			return nil, err
		}
		return nil, err
	}
	return resp, nil
}

// ReadResponseBody drains and closes resp.Body, truncating to
// maxResponseBodyBytes so a misbehaving endpoint can't exhaust memory.
func ReadResponseBody(resp *http.Response) ([]byte, error) {
	if resp == nil || resp.Body == nil {
		return nil, nil
	}
	defer resp.Body.Close()
	limited := io.LimitReader(resp.Body, maxResponseBodyBytes+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return nil, err
	}
	if len(body) > maxResponseBodyBytes {
		body = body[:maxResponseBodyBytes]
	}
	return body, nil
}
