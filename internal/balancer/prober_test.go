package balancer

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestHTTPProberReachable(t *testing.T) {
	methods := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		methods <- r.Method
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	err := NewHTTPProber(time.Second).Probe(context.Background(), srv.URL)
	assert.NoError(t, err)
	assert.Equal(t, http.MethodHead, <-methods)
}

func TestHTTPProberErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	err := NewHTTPProber(time.Second).Probe(context.Background(), srv.URL)
	assert.ErrorIs(t, err, ErrUnreachable)
}

func TestHTTPProberDoesNotFollowRedirects(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/elsewhere", http.StatusTemporaryRedirect)
	}))
	defer srv.Close()

	err := NewHTTPProber(time.Second).Probe(context.Background(), srv.URL)
	assert.ErrorIs(t, err, ErrUnreachable)
}

func TestHTTPProberConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	err := NewHTTPProber(time.Second).Probe(context.Background(), url)
	assert.ErrorIs(t, err, ErrUnreachable)
}

func TestHTTPProberTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	start := time.Now()
	err := NewHTTPProber(100*time.Millisecond).Probe(context.Background(), srv.URL)
	assert.ErrorIs(t, err, ErrUnreachable)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestProbeAsyncDeliversResult(t *testing.T) {
	prober := ProberFunc(func(ctx context.Context, url string) error {
		assert.Equal(t, "http://a:1", url)
		_, hasDeadline := ctx.Deadline()
		assert.True(t, hasDeadline)
		return nil
	})

	select {
	case result := <-probeAsync(context.Background(), prober, "a:1", "http://a:1", time.Second):
		assert.True(t, result.Reachable())
		assert.Equal(t, "a:1", result.Address)
	case <-time.After(time.Second):
		t.Fatal("probe result not delivered")
	}
}
