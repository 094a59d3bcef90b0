package resiliency

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/propagation"
	"golang.org/x/time/rate"
)

// ErrBreakerOpen is returned when the circuit breaker refuses a call.
var ErrBreakerOpen = errors.New("circuit breaker open")

// StatusError reports a non-2xx response that exhausted retries.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream returned %d: %s", e.StatusCode, e.Body)
}

// Retryable reports whether the status code is worth retrying.
func (e *StatusError) Retryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// EnhancedClient wraps http.Client with resilience patterns:
// exponential backoff with jitter, circuit breaking, client-side rate
// limiting and W3C trace context propagation.
type EnhancedClient struct {
	client  *http.Client
	policy  RetryPolicy
	breaker *CircuitBreaker
	limiter *rate.Limiter
}

// ClientOption configures an EnhancedClient.
type ClientOption func(*EnhancedClient)

// WithRetryPolicy overrides the default retry policy.
func WithRetryPolicy(p RetryPolicy) ClientOption {
	return func(c *EnhancedClient) { c.policy = p }
}

// WithBreaker replaces the default circuit breaker.
func WithBreaker(cb *CircuitBreaker) ClientOption {
	return func(c *EnhancedClient) { c.breaker = cb }
}

// WithRateLimit caps outbound requests per second. Zero disables limiting.
func WithRateLimit(rps float64, burst int) ClientOption {
	return func(c *EnhancedClient) {
		if rps <= 0 {
			c.limiter = nil
			return
		}
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithHTTPClient swaps the underlying transport client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *EnhancedClient) { c.client = hc }
}

func NewEnhancedClient(name string, opts ...ClientOption) *EnhancedClient {
	c := &EnhancedClient{
		client:  &http.Client{Timeout: 30 * time.Second},
		policy:  DefaultRetryPolicy(),
		breaker: NewCircuitBreaker(name, 5, 10*time.Second),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Breaker exposes the circuit breaker for health reporting.
func (c *EnhancedClient) Breaker() *CircuitBreaker { return c.breaker }

// Do executes a request built by newReq with resiliency patterns. newReq is
// invoked once per attempt so request bodies can be replayed. On success the
// full response body is returned.
func (c *EnhancedClient) Do(ctx context.Context, newReq func(ctx context.Context) (*http.Request, error)) ([]byte, error) {
	if !c.breaker.Allow() {
		return nil, fmt.Errorf("%w for %s", ErrBreakerOpen, c.breaker.Name())
	}

	var body []byte
	err := Retry(ctx, c.breaker.Name(), c.policy, retryableHTTP, func(ctx context.Context) error {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return err
			}
		}
		req, err := newReq(ctx)
		if err != nil {
			return err
		}
		propagation.TraceContext{}.Inject(ctx, propagation.HeaderCarrier(req.Header))

		resp, err := c.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
		if err != nil {
			return err
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return &StatusError{StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(truncate(data, 256)))}
		}
		body = data
		return nil
	})
	if err != nil {
		var se *StatusError
		if !errors.As(err, &se) || se.Retryable() {
			c.breaker.Failure()
		}
		return nil, err
	}
	c.breaker.Success()
	return body, nil
}

// retryableHTTP treats transport errors and 5xx/429 responses as transient.
func retryableHTTP(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Retryable()
	}
	return !errors.Is(err, context.Canceled)
}

func truncate(b []byte, n int) []byte {
	if len(b) > n {
		return b[:n]
	}
	return b
}
