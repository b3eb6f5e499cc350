package balancer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrUnreachable wraps the reason a probe failed.
var ErrUnreachable = errors.New("server unreachable")

// Result is the outcome of one probe.
type Result struct {
	Address string
	Err     error
}

// Reachable reports whether the probe succeeded.
func (r Result) Reachable() bool {
	return r.Err == nil
}

// Prober checks whether a server can take a new client. Implementations
// do not retry; repeated failures are tracked by the registry.
type Prober interface {
	Probe(ctx context.Context, url string) error
}

// ProberFunc adapts a function to the Prober interface.
type ProberFunc func(ctx context.Context, url string) error

// Probe calls f.
func (f ProberFunc) Probe(ctx context.Context, url string) error {
	return f(ctx, url)
}

// HTTPProber sends a HEAD request and expects a 2xx answer.
type HTTPProber struct {
	client *http.Client
}

// NewHTTPProber returns a prober whose requests give up after timeout.
func NewHTTPProber(timeout time.Duration) *HTTPProber {
	return &HTTPProber{
		client: &http.Client{
			Timeout: timeout,
			// A redirect is an answer; do not follow it.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// Probe implements Prober.
func (p *HTTPProber) Probe(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, http.NoBody)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: status %d", ErrUnreachable, resp.StatusCode)
	}
	return nil
}

// probeAsync runs prober in its own goroutine and delivers the result on the
// returned channel, bounded by timeout. The channel is buffered so an
// abandoned probe never leaks its goroutine.
func probeAsync(ctx context.Context, prober Prober, address, url string, timeout time.Duration) <-chan Result {
	results := make(chan Result, 1)
	go func() {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		results <- Result{Address: address, Err: prober.Probe(ctx, url)}
	}()
	return results
}
