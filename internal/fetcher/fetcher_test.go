package fetcher

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/chromedp/cdproto/page"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPClientGetDecodesBodies(t *testing.T) {
	payload := []byte(`{"items":[]}`)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "secret", r.Header.Get("X-Test"))
		assert.Equal(t, "shoprank-test", r.Header.Get("User-Agent"))
		var buf bytes.Buffer
		switch r.URL.Path {
		case "/gzip":
			gz := gzip.NewWriter(&buf)
			_, _ = gz.Write(payload)
			_ = gz.Close()
			w.Header().Set("Content-Encoding", "gzip")
		case "/br":
			br := brotli.NewWriter(&buf)
			_, _ = br.Write(payload)
			_ = br.Close()
			w.Header().Set("Content-Encoding", "br")
		default:
			buf.Write(payload)
		}
		_, _ = w.Write(buf.Bytes())
	}))
	defer srv.Close()

	client, err := NewHTTPClient(Options{UserAgent: "shoprank-test"})
	require.NoError(t, err)

	for _, path := range []string{"/plain", "/gzip", "/br"} {
		t.Run(path, func(t *testing.T) {
			resp, err := client.Get(context.Background(), srv.URL+path, map[string]string{"X-Test": "secret"})
			require.NoError(t, err)
			assert.Equal(t, http.StatusOK, resp.StatusCode)
			assert.Equal(t, payload, resp.Body)
		})
	}
}

func TestHTTPClientGetEnforcesBodyLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(bytes.Repeat([]byte("x"), 128))
	}))
	defer srv.Close()

	client, err := NewHTTPClient(Options{MaxBodyBytes: 64})
	require.NoError(t, err)
	_, err = client.Get(context.Background(), srv.URL, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds limit")
}

func TestHTTPClientResolveFollowsRedirects(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/adcr", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/hop", http.StatusFound)
	})
	mux.HandleFunc("/hop", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/shop/products/7558362412?src=ad", http.StatusMovedPermanently)
	})
	mux.HandleFunc("/shop/products/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client, err := NewHTTPClient(Options{})
	require.NoError(t, err)

	final, err := client.Resolve(context.Background(), srv.URL+"/adcr")
	require.NoError(t, err)
	assert.Equal(t, srv.URL+"/shop/products/7558362412?src=ad", final)
}

func TestHTTPClientResolveStopsAfterMaxRedirects(t *testing.T) {
	hits := 0
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		http.Redirect(w, r, fmt.Sprintf("%s/loop/%d", srv.URL, hits), http.StatusFound)
	}))
	defer srv.Close()

	client, err := NewHTTPClient(Options{})
	require.NoError(t, err)

	final, err := client.Resolve(context.Background(), srv.URL+"/loop/0")
	require.NoError(t, err)
	assert.Equal(t, MaxRedirects+1, hits)
	assert.Equal(t, fmt.Sprintf("%s/loop/%d", srv.URL, MaxRedirects), final)
}

func TestHTTPClientRejectsEmptyURL(t *testing.T) {
	client, err := NewHTTPClient(Options{})
	require.NoError(t, err)
	_, err = client.Resolve(context.Background(), "  ")
	assert.Error(t, err)
}

func TestHostLimiter(t *testing.T) {
	assert.Nil(t, NewHostLimiter(RateLimit{}))

	var nilLimiter *HostLimiter
	require.NoError(t, nilLimiter.Wait(context.Background(), "example.com"))

	limiter := NewHostLimiter(RateLimit{Requests: 1, Window: time.Hour})
	require.NotNil(t, limiter)
	require.NoError(t, limiter.Wait(context.Background(), "Example.com"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.Error(t, limiter.Wait(ctx, "example.com"), "second request within the window must block")
	assert.NoError(t, limiter.Wait(context.Background(), "other.example"), "hosts are limited independently")
}

func TestIdleWatcherWaitsForFreshDocument(t *testing.T) {
	w := newIdleWatcher()
	w.observe(&page.EventLifecycleEvent{Name: "networkIdle"})
	assert.False(t, w.wait(context.Background(), 5*time.Millisecond), "idle from the previous document is ignored")

	w.observe(&page.EventLifecycleEvent{Name: "init"})
	w.observe(&page.EventLifecycleEvent{Name: "load"})
	assert.False(t, w.wait(context.Background(), 5*time.Millisecond), "load alone is not quiescence")

	w.observe("unrelated event")
	w.observe(&page.EventLifecycleEvent{Name: "networkIdle"})
	w.observe(&page.EventLifecycleEvent{Name: "networkIdle"})
	assert.True(t, w.wait(context.Background(), time.Second))
}

func TestIdleWatcherStopsOnContext(t *testing.T) {
	w := newIdleWatcher()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, w.wait(ctx, 0))
}

func TestRemainingNavigationBudget(t *testing.T) {
	assert.Equal(t, defaultIdleWait, remaining(time.Now(), 0))
	assert.Equal(t, time.Nanosecond, remaining(time.Now().Add(-time.Minute), time.Second))
	left := remaining(time.Now(), time.Hour)
	assert.True(t, left > 59*time.Minute && left <= time.Hour)
}
