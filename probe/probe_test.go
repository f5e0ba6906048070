package probe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestProbe_SupportedViaHead(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Accept-Ranges", "bytes")
		w.Header().Set("Content-Length", "1000")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := New(srv.Client(), time.Second, 0)
	result, err := p.Probe(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("Probe() error: %v", err)
	}
	if !result.Supported {
		t.Error("expected Supported = true when Accept-Ranges: bytes is present")
	}
	if result.ContentLength != 1000 {
		t.Errorf("ContentLength = %d, want 1000", result.ContentLength)
	}
}

func TestProbe_HeadRejectedFallsBackToRangedGet(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		w.Header().Set("Content-Range", "bytes 0-0/500")
		w.Header().Set("Content-Length", "1")
		w.WriteHeader(http.StatusPartialContent)
		_, _ = w.Write([]byte("x"))
	}))
	defer srv.Close()

	p := New(srv.Client(), time.Second, 0)
	result, err := p.Probe(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("Probe() error: %v", err)
	}
	if !result.Supported {
		t.Error("expected Supported = true via ranged-GET fallback")
	}
	if result.ContentLength != 500 {
		t.Errorf("ContentLength = %d, want 500 (parsed from Content-Range)", result.ContentLength)
	}
}

func TestProbe_Unsupported(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := New(srv.Client(), time.Second, 0)
	result, err := p.Probe(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("Probe() error: %v", err)
	}
	if result.Supported {
		t.Error("expected Supported = false with no Accept-Ranges/Content-Range and plain 200")
	}
}

func TestProbe_TimeoutReported(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer srv.Close()
	defer close(block)

	p := New(srv.Client(), 10*time.Millisecond, 0)
	result, err := p.Probe(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("Probe() should not itself error, got %v", err)
	}
	if result.Supported || result.Err != "timeout" {
		t.Errorf("result = %+v, want Supported=false Err=timeout", result)
	}
}

func TestProbe_CachesPerHost(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Accept-Ranges", "bytes")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := New(srv.Client(), time.Second, 8)
	_, _ = p.Probe(context.Background(), srv.URL)
	_, _ = p.Probe(context.Background(), srv.URL)

	if calls != 1 {
		t.Errorf("expected 1 HTTP call due to caching, got %d", calls)
	}
}
