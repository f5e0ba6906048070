// Package fetcher implements the Segment Fetcher (§4.D): a single HTTP
// Range GET that drives one Segment to completed, paused, or failed,
// reporting flow-control and progress back to its caller over a channel
// instead of the teacher's callback fan-out.
package fetcher

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"segfetch/internal"
)

const backpressureThreshold = 100 * time.Millisecond

// Config sizes the per-segment write buffer, mirroring the
// min/max/default_write_buffer group of §6.
type Config struct {
	MinWriteBuffer     int
	MaxWriteBuffer     int
	DefaultWriteBuffer int
}

// UserAgentSource supplies the current browser-class User-Agent string
// and rotates to the next one in its pool. The Fetcher calls Rotate on a
// 403/429 response so the next retry attempt presents a different UA,
// the way the teacher's HTTPClient rotated on the same statuses.
type UserAgentSource interface {
	Current() string
	Rotate()
}

// staticUserAgent is the fallback UserAgentSource when the host supplies
// none: a fixed string that never rotates.
type staticUserAgent string

func (s staticUserAgent) Current() string { return string(s) }
func (s staticUserAgent) Rotate()         {}

const defaultUserAgent staticUserAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

// Fetcher issues one Range GET per Fetch call; retrying a failed
// segment is the Coordinator's responsibility.
type Fetcher struct {
	client      *http.Client
	cfg         Config
	breaker     internal.Breaker
	rateLimiter internal.RateLimiter
	userAgent   UserAgentSource
}

// New builds a Fetcher. breaker and rateLimiter may be nil.
func New(client *http.Client, cfg Config, breaker internal.Breaker, rateLimiter internal.RateLimiter, userAgent UserAgentSource) *Fetcher {
	if client == nil {
		client = http.DefaultClient
	}
	if userAgent == nil {
		userAgent = defaultUserAgent
	}
	return &Fetcher{client: client, cfg: cfg, breaker: breaker, rateLimiter: rateLimiter, userAgent: userAgent}
}

// Fetch drives seg to completed/paused/failed, mutating it in place and
// emitting SegmentEvents on events. deleteOnAbort controls whether the
// scratch file is removed if ctx is cancelled mid-stream (cancel
// semantics) as opposed to preserved (pause semantics).
func (f *Fetcher) Fetch(ctx context.Context, seg *internal.Segment, sourceURL string, events chan<- internal.SegmentEvent, deleteOnAbort bool) error {
	expected := seg.Length()

	if err := os.MkdirAll(filepath.Dir(seg.TempPath), 0o755); err != nil {
		return internal.NewFileIOError("mkdir", filepath.Dir(seg.TempPath), err)
	}

	fresh := seg.BytesWritten == 0
	flags := os.O_WRONLY | os.O_CREATE
	if fresh {
		flags |= os.O_TRUNC
	} else {
		flags |= os.O_APPEND
	}
	file, err := os.OpenFile(seg.TempPath, flags, 0o644)
	if err != nil {
		return internal.NewFileIOError("open", seg.TempPath, err)
	}
	defer file.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return internal.WrapDownloadError(internal.ErrNetwork, "failed to build request", err)
	}
	req.Header.Set("User-Agent", f.userAgent.Current())
	req.Header.Set("Accept", "*/*")
	req.Header.Set("Connection", "keep-alive")
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", seg.StartByte+seg.BytesWritten, seg.EndByte))

	var resp *http.Response
	guard := func() error {
		var doErr error
		resp, doErr = f.client.Do(req)
		if doErr != nil {
			return internal.WrapDownloadError(internal.ErrNetwork, "range request failed", doErr)
		}
		if resp.StatusCode != http.StatusPartialContent && resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			if resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusTooManyRequests {
				internal.ForDownload(seg.DownloadID).WithSegment(seg.Index).Debug("status %d, rotating user agent", resp.StatusCode)
				f.userAgent.Rotate()
			}
			return internal.NewHttpStatusError(resp.StatusCode)
		}
		return nil
	}
	if f.breaker != nil {
		err = f.breaker.Guard(ctx, guard)
	} else {
		err = guard()
	}
	if err != nil {
		seg.State = internal.SegmentFailed
		emit(events, internal.SegmentEvent{Kind: internal.EventError, DownloadID: seg.DownloadID, SegmentIndex: seg.Index, Err: err, At: now()})
		return err
	}
	defer resp.Body.Close()
	seg.State = internal.SegmentFetching

	if resp.StatusCode == http.StatusOK {
		if err := file.Truncate(0); err != nil {
			return internal.NewFileIOError("truncate", seg.TempPath, err)
		}
		if _, err := file.Seek(0, io.SeekStart); err != nil {
			return internal.NewFileIOError("seek", seg.TempPath, err)
		}
		seg.BytesWritten = 0
	}

	buf := make([]byte, f.bufferSize(expected))
	var speedBytes int64
	speedStart := time.Now()

	for {
		select {
		case <-ctx.Done():
			if deleteOnAbort {
				_ = os.Remove(seg.TempPath)
			}
			return internal.NewAbortedError()
		default:
		}

		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			writeStart := time.Now()
			wn, werr := file.Write(buf[:n])
			writeDur := time.Since(writeStart)
			if werr != nil {
				return internal.NewFileIOError("write", seg.TempPath, werr)
			}

			seg.BytesWritten += int64(wn)
			speedBytes += int64(wn)

			if writeDur >= backpressureThreshold {
				emit(events, internal.SegmentEvent{Kind: internal.EventBackpressure, DownloadID: seg.DownloadID, SegmentIndex: seg.Index, At: now()})
			}

			if f.rateLimiter != nil {
				if err := f.rateLimiter.Wait(ctx, wn); err != nil {
					return internal.WrapDownloadError(internal.ErrAborted, "rate limiter wait interrupted", err)
				}
			}

			if elapsed := time.Since(speedStart); elapsed >= time.Second {
				seg.LastSpeed = float64(speedBytes) / elapsed.Seconds()
				speedBytes = 0
				speedStart = time.Now()
			}

			emit(events, internal.SegmentEvent{
				Kind:         internal.EventProgress,
				DownloadID:   seg.DownloadID,
				SegmentIndex: seg.Index,
				BytesWritten: seg.BytesWritten,
				Speed:        seg.LastSpeed,
				At:           now(),
			})
		}

		if rerr != nil {
			if rerr == io.EOF {
				break
			}
			if ctx.Err() != nil {
				if deleteOnAbort {
					_ = os.Remove(seg.TempPath)
				}
				return internal.NewAbortedError()
			}
			seg.State = internal.SegmentFailed
			wrapped := internal.WrapDownloadError(internal.ErrIncompleteSegment, "stream read failed before segment completed", rerr).
				WithContext("segment_index", seg.Index)
			emit(events, internal.SegmentEvent{Kind: internal.EventError, DownloadID: seg.DownloadID, SegmentIndex: seg.Index, Err: wrapped, At: now()})
			return wrapped
		}
	}

	if seg.BytesWritten >= expected {
		seg.BytesWritten = expected
		seg.State = internal.SegmentCompleted
		emit(events, internal.SegmentEvent{
			Kind:         internal.EventProgress,
			DownloadID:   seg.DownloadID,
			SegmentIndex: seg.Index,
			BytesWritten: seg.BytesWritten,
			Speed:        seg.LastSpeed,
			At:           now(),
		})
		emit(events, internal.SegmentEvent{Kind: internal.EventComplete, DownloadID: seg.DownloadID, SegmentIndex: seg.Index, BytesWritten: seg.BytesWritten, At: now()})
		return nil
	}

	seg.State = internal.SegmentPaused
	emit(events, internal.SegmentEvent{Kind: internal.EventPaused, DownloadID: seg.DownloadID, SegmentIndex: seg.Index, BytesWritten: seg.BytesWritten, At: now()})
	return nil
}

// bufferSize picks the write-buffer size by segment length, per §4.D:
// small segments use the default, large ones double it, clamped to the
// configured min/max.
func (f *Fetcher) bufferSize(segmentLength int64) int {
	size := f.cfg.DefaultWriteBuffer
	if segmentLength > 50*1024*1024 {
		size *= 2
	}
	if size < f.cfg.MinWriteBuffer {
		size = f.cfg.MinWriteBuffer
	}
	if size > f.cfg.MaxWriteBuffer {
		size = f.cfg.MaxWriteBuffer
	}
	return size
}

// emit delivers evt to the Coordinator's event channel. The send blocks
// deliberately: completion and error events must never be dropped, and
// the Coordinator is always draining this channel while a fetch is in
// flight.
func emit(events chan<- internal.SegmentEvent, evt internal.SegmentEvent) {
	if events == nil {
		return
	}
	events <- evt
}

func now() time.Time { return time.Now() }
