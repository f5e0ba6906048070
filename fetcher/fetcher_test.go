package fetcher

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"segfetch/internal"
)

func testConfig() Config {
	return Config{MinWriteBuffer: 1024, MaxWriteBuffer: 1024 * 1024, DefaultWriteBuffer: 4096}
}

func TestFetcher_CompletesOnPartialContent(t *testing.T) {
	payload := make([]byte, 2000)
	for i := range payload {
		payload[i] = byte(i % 251)
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Range") != "bytes=0-1999" {
			t.Errorf("unexpected Range header: %q", r.Header.Get("Range"))
		}
		w.Header().Set("Content-Range", "bytes 0-1999/2000")
		w.WriteHeader(http.StatusPartialContent)
		_, _ = w.Write(payload)
	}))
	defer srv.Close()

	dir := t.TempDir()
	seg := &internal.Segment{DownloadID: "dl-1", Index: 0, StartByte: 0, EndByte: 1999, TempPath: filepath.Join(dir, ".out.chunk0")}
	f := New(srv.Client(), testConfig(), nil, nil, nil)

	events := make(chan internal.SegmentEvent, 64)
	done := make(chan struct{})
	go func() {
		for range events {
		}
		close(done)
	}()

	if err := f.Fetch(context.Background(), seg, srv.URL, events, false); err != nil {
		t.Fatalf("Fetch() error: %v", err)
	}
	close(events)
	<-done

	if seg.State != internal.SegmentCompleted {
		t.Fatalf("State = %v, want completed", seg.State)
	}
	if seg.BytesWritten != 2000 {
		t.Fatalf("BytesWritten = %d, want 2000", seg.BytesWritten)
	}

	got, err := os.ReadFile(seg.TempPath)
	if err != nil {
		t.Fatalf("read scratch file: %v", err)
	}
	if len(got) != len(payload) {
		t.Fatalf("scratch file has %d bytes, want %d", len(got), len(payload))
	}
}

func TestFetcher_RestartsFromZeroOn200(t *testing.T) {
	payload := []byte("the-entire-body-because-range-was-ignored")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(payload)
	}))
	defer srv.Close()

	dir := t.TempDir()
	tempPath := filepath.Join(dir, ".out.chunk0")
	if err := os.WriteFile(tempPath, []byte("stale-partial-data"), 0o644); err != nil {
		t.Fatalf("seed scratch file: %v", err)
	}
	seg := &internal.Segment{DownloadID: "dl-1", Index: 0, StartByte: 0, EndByte: int64(len(payload) - 1), BytesWritten: 18, TempPath: tempPath}
	f := New(srv.Client(), testConfig(), nil, nil, nil)

	events := make(chan internal.SegmentEvent, 64)
	go func() {
		for range events {
		}
	}()

	if err := f.Fetch(context.Background(), seg, srv.URL, events, false); err != nil {
		t.Fatalf("Fetch() error: %v", err)
	}
	close(events)

	if seg.State != internal.SegmentCompleted {
		t.Fatalf("State = %v, want completed", seg.State)
	}
	got, err := os.ReadFile(tempPath)
	if err != nil {
		t.Fatalf("read scratch file: %v", err)
	}
	if string(got) != string(payload) {
		t.Fatalf("scratch file = %q, want %q (should have truncated stale data)", got, payload)
	}
}

func TestFetcher_HttpStatusFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	dir := t.TempDir()
	seg := &internal.Segment{DownloadID: "dl-1", Index: 0, StartByte: 0, EndByte: 99, TempPath: filepath.Join(dir, ".out.chunk0")}
	f := New(srv.Client(), testConfig(), nil, nil, nil)

	events := make(chan internal.SegmentEvent, 8)
	go func() {
		for range events {
		}
	}()

	err := f.Fetch(context.Background(), seg, srv.URL, events, false)
	close(events)

	var dlErr *internal.DownloadError
	if !errors.As(err, &dlErr) || dlErr.Code != internal.ErrHttpStatus {
		t.Fatalf("expected HttpStatus error, got %v", err)
	}
	if seg.State != internal.SegmentFailed {
		t.Fatalf("State = %v, want failed", seg.State)
	}
}

func TestFetcher_BreakerOpenRejectsWithoutRequest(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	breaker := rejectingBreaker{}
	dir := t.TempDir()
	seg := &internal.Segment{DownloadID: "dl-1", Index: 0, StartByte: 0, EndByte: 9, TempPath: filepath.Join(dir, ".out.chunk0")}
	f := New(srv.Client(), testConfig(), breaker, nil, nil)

	events := make(chan internal.SegmentEvent, 8)
	go func() {
		for range events {
		}
	}()
	err := f.Fetch(context.Background(), seg, srv.URL, events, false)
	close(events)

	var dlErr *internal.DownloadError
	if !errors.As(err, &dlErr) || dlErr.Code != internal.ErrBreakerOpen {
		t.Fatalf("expected BreakerOpen error, got %v", err)
	}
	if called {
		t.Error("breaker should have rejected the call before it reached the server")
	}
}

func TestFetcher_PrematureCloseYieldsPaused(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Range", "bytes 0-999/1000")
		w.WriteHeader(http.StatusPartialContent)
		_, _ = w.Write(make([]byte, 200))
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
	}))
	defer srv.Close()

	dir := t.TempDir()
	seg := &internal.Segment{DownloadID: "dl-1", Index: 0, StartByte: 0, EndByte: 999, TempPath: filepath.Join(dir, ".out.chunk0")}
	f := New(srv.Client(), testConfig(), nil, nil, nil)

	events := make(chan internal.SegmentEvent, 64)
	go func() {
		for range events {
		}
	}()

	if err := f.Fetch(context.Background(), seg, srv.URL, events, false); err != nil {
		t.Fatalf("premature close should not return an error, got %v", err)
	}
	close(events)

	if seg.State != internal.SegmentPaused {
		t.Fatalf("State = %v, want paused", seg.State)
	}
	if seg.BytesWritten != 200 {
		t.Fatalf("BytesWritten = %d, want 200", seg.BytesWritten)
	}
}

func TestFetcher_AbortDeletesScratchFileWhenRequested(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPartialContent)
		_, _ = w.Write(make([]byte, 10))
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		<-block
	}))
	defer srv.Close()
	defer close(block)

	dir := t.TempDir()
	seg := &internal.Segment{DownloadID: "dl-1", Index: 0, StartByte: 0, EndByte: 999, TempPath: filepath.Join(dir, ".out.chunk0")}
	f := New(srv.Client(), testConfig(), nil, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	events := make(chan internal.SegmentEvent, 64)
	go func() {
		for range events {
		}
	}()

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	err := f.Fetch(ctx, seg, srv.URL, events, true)
	close(events)

	var dlErr *internal.DownloadError
	if !errors.As(err, &dlErr) || dlErr.Code != internal.ErrAborted {
		t.Fatalf("expected Aborted error, got %v", err)
	}
	if _, statErr := os.Stat(seg.TempPath); !os.IsNotExist(statErr) {
		t.Fatalf("scratch file should have been deleted on abort, stat err = %v", statErr)
	}
}

func TestFetcher_RotatesUserAgentOn403(t *testing.T) {
	var gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	ua := &countingUserAgent{current: "agent-a"}
	dir := t.TempDir()
	seg := &internal.Segment{DownloadID: "dl-1", Index: 0, StartByte: 0, EndByte: 99, TempPath: filepath.Join(dir, ".out.chunk0")}
	f := New(srv.Client(), testConfig(), nil, nil, ua)

	events := make(chan internal.SegmentEvent, 8)
	go func() {
		for range events {
		}
	}()

	err := f.Fetch(context.Background(), seg, srv.URL, events, false)
	close(events)

	var dlErr *internal.DownloadError
	if !errors.As(err, &dlErr) || dlErr.Code != internal.ErrHttpStatus {
		t.Fatalf("expected HttpStatus error, got %v", err)
	}
	if gotUA != "agent-a" {
		t.Fatalf("request User-Agent = %q, want agent-a", gotUA)
	}
	if ua.rotated != 1 {
		t.Fatalf("Rotate() called %d times, want 1", ua.rotated)
	}
}

// countingUserAgent is a fetcher.UserAgentSource that counts Rotate calls.
type countingUserAgent struct {
	current string
	rotated int
}

func (u *countingUserAgent) Current() string { return u.current }
func (u *countingUserAgent) Rotate()         { u.rotated++ }

// rejectingBreaker never admits a call, as if permanently open.
type rejectingBreaker struct{}

func (rejectingBreaker) Guard(ctx context.Context, fn func() error) error {
	return internal.NewBreakerOpenError("example.com")
}

func (rejectingBreaker) State() internal.BreakerState { return internal.BreakerOpen }
