package fetcher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/sells-group/pagestream/internal/model"
	"github.com/sells-group/pagestream/internal/resilience"
)

func TestHTTPFetcher_Fetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, DefaultUserAgent, r.Header.Get("User-Agent"))
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(`<html><body><p>We build great products.</p></body></html>`))
	}))
	defer srv.Close()

	f := NewHTTPFetcher(HTTPOptions{})
	page, err := f.Fetch(context.Background(), srv.URL)

	require.NoError(t, err)
	assert.Equal(t, srv.URL, page.URL)
	assert.Equal(t, 200, page.StatusCode)
	assert.Contains(t, page.HTML, "great products")
}

func TestHTTPFetcher_FollowsRedirect(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/start", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/landing", http.StatusFound)
	})
	mux.HandleFunc("/landing", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<p>landed</p>`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	f := NewHTTPFetcher(HTTPOptions{})
	page, err := f.Fetch(context.Background(), srv.URL+"/start")

	require.NoError(t, err)
	assert.Equal(t, srv.URL+"/landing", page.FinalURL)
	assert.Equal(t, srv.URL+"/landing", page.Link())
}

func TestHTTPFetcher_DecodesCharset(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=iso-8859-1")
		// "café" in Latin-1.
		_, _ = w.Write([]byte{'<', 'p', '>', 'c', 'a', 'f', 0xe9, '<', '/', 'p', '>'})
	}))
	defer srv.Close()

	f := NewHTTPFetcher(HTTPOptions{})
	page, err := f.Fetch(context.Background(), srv.URL)

	require.NoError(t, err)
	assert.Equal(t, "<p>café</p>", page.HTML)
}

func TestHTTPFetcher_Blocked(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cf-Ray", "abc123")
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	f := NewHTTPFetcher(HTTPOptions{})
	_, err := f.Fetch(context.Background(), srv.URL)

	require.Error(t, err)
	var fe *model.FetchError
	require.ErrorAs(t, err, &fe)
	assert.False(t, fe.Timeout)
	assert.Contains(t, err.Error(), "blocked")
}

func TestHTTPFetcher_StatusErrors(t *testing.T) {
	tests := []struct {
		status    int
		transient bool
	}{
		{http.StatusNotFound, false},
		{http.StatusBadGateway, true},
	}
	for _, tt := range tests {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tt.status)
		}))

		f := NewHTTPFetcher(HTTPOptions{})
		_, err := f.Fetch(context.Background(), srv.URL)
		srv.Close()

		require.Error(t, err)
		assert.Equal(t, tt.transient, resilience.IsTransient(err), "status %d", tt.status)
		assert.False(t, model.IsFetchTimeout(err))
	}
}

func TestHTTPFetcher_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	f := NewHTTPFetcher(HTTPOptions{})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := f.Fetch(ctx, srv.URL)

	require.Error(t, err)
	assert.True(t, model.IsFetchTimeout(err))
}

func TestHTTPFetcher_RateLimitFeedback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "1")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	limiter := NewHostLimiter(100, 10)
	f := NewHTTPFetcher(HTTPOptions{Limiter: limiter})
	_, err := f.Fetch(context.Background(), srv.URL)
	require.Error(t, err)

	pacer := limiter.For(srv.URL)
	assert.Equal(t, rate.Limit(50), pacer.Limit())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.Error(t, pacer.Wait(ctx), "host is paused for the Retry-After window")
}

func TestHTTPFetcher_ResolveFinalUsesPacedHead(t *testing.T) {
	var mu sync.Mutex
	var methods []string
	mux := http.NewServeMux()
	mux.HandleFunc("/track", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		methods = append(methods, r.Method)
		mu.Unlock()
		http.Redirect(w, r, "/article", http.StatusFound)
	})
	mux.HandleFunc("/article", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		methods = append(methods, r.Method)
		mu.Unlock()
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	limiter := NewHostLimiter(100, 10)
	f := NewHTTPFetcher(HTTPOptions{Limiter: limiter})
	out := f.ResolveFinal(context.Background(), []model.Candidate{{Index: 0, URL: srv.URL + "/track"}}, time.Second)

	require.Len(t, out, 1)
	assert.Equal(t, srv.URL+"/article", out[0].URL)
	mu.Lock()
	assert.Equal(t, []string{http.MethodHead, http.MethodHead}, methods, "no page body is downloaded")
	mu.Unlock()
	assert.Greater(t, float64(limiter.For(srv.URL).Limit()), 100.0, "success feeds the host pacer")
}

func TestHTTPFetcher_ResolveFinalWaitsOnPausedHost(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	limiter := NewHostLimiter(100, 10)
	limiter.For(srv.URL).Throttled(time.Minute)

	f := NewHTTPFetcher(HTTPOptions{Limiter: limiter})
	in := []model.Candidate{{Index: 0, URL: srv.URL + "/x"}}
	out := f.ResolveFinal(context.Background(), in, 50*time.Millisecond)

	assert.Equal(t, in, out)
	assert.Zero(t, hits.Load(), "a paused host is not contacted")
}

func TestHTTPFetcher_ResolveFinal(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/track", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/article", http.StatusMovedPermanently)
	})
	mux.HandleFunc("/article", func(w http.ResponseWriter, r *http.Request) {})
	mux.HandleFunc("/slow", func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	in := []model.Candidate{
		{Index: 0, URL: srv.URL + "/track"},
		{Index: 1, URL: srv.URL + "/slow"},
		{Index: 2, URL: "http://127.0.0.1:1/unreachable"},
	}

	f := NewHTTPFetcher(HTTPOptions{})
	start := time.Now()
	out := f.ResolveFinal(context.Background(), in, 100*time.Millisecond)

	assert.Less(t, time.Since(start), 2*time.Second)
	require.Len(t, out, 3)
	assert.Equal(t, model.Candidate{Index: 0, URL: srv.URL + "/article"}, out[0])
	assert.Equal(t, in[1], out[1])
	assert.Equal(t, in[2], out[2])
	// Input is not mutated.
	assert.Equal(t, srv.URL+"/track", in[0].URL)
}

func TestDecodeBody(t *testing.T) {
	assert.Equal(t, "plain", decodeBody("", []byte("plain")))
	assert.Equal(t, "plain", decodeBody("text/html; charset=bogus-charset", []byte("plain")))
	assert.Equal(t, "plain", decodeBody("text/html; charset=UTF-8", []byte("plain")))
}
