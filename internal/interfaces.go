package internal

import "context"

// SegmentRecord is the persisted view of a Segment exchanged with the
// Segment State Store.
type SegmentRecord = Segment

// Store is the durable per-segment/per-download persistence contract
// (§4.B). Implementations must make create() atomic over the full
// segment set and allow independent concurrent updates to distinct
// (download_id, index) pairs.
type Store interface {
	List(ctx context.Context, downloadID string) ([]SegmentRecord, error)
	Create(ctx context.Context, downloadID string, totalSize int64, count int, records []SegmentRecord) error
	Update(ctx context.Context, downloadID string, index int, fields SegmentUpdate) error
	UpdateProgress(ctx context.Context, downloadID string, percent float64, bytes int64) error
	BatchUpdate(ctx context.Context, segments []SegmentUpdateEntry, progress []DownloadProgressEntry) error
	Close() error
}

// SegmentUpdate carries the optional fields an Update call may set; a
// nil pointer means "leave unchanged".
type SegmentUpdate struct {
	BytesWritten *int64
	State        *SegmentState
	TempPath     *string
	RetryCount   *int
}

// SegmentUpdateEntry pairs a segment key with the fields to apply. The
// Update Batcher (§4.F) builds a slice of these per flush so BatchUpdate
// can commit every buffered segment write in one transaction.
type SegmentUpdateEntry struct {
	DownloadID string
	Index      int
	Fields     SegmentUpdate
}

// DownloadProgressEntry pairs a download_id with a progress write,
// the download-level counterpart to SegmentUpdateEntry.
type DownloadProgressEntry struct {
	DownloadID string
	Percent    float64
	Bytes      int64
}

// Breaker is the three-state gate described in §4.C. Guard is
// synchronous: fn is invoked only if the breaker currently admits the
// call; otherwise Guard returns a BreakerOpen error without invoking fn.
type Breaker interface {
	Guard(ctx context.Context, fn func() error) error
	State() BreakerState
}

// RangeProbe is the one-shot capability check described in §4.I.
type RangeProbe interface {
	Probe(ctx context.Context, url string) (ProbeResult, error)
}

// ProbeResult is the outcome of a Range-Support Probe call.
type ProbeResult struct {
	Supported     bool
	Status        int
	AcceptRanges  bool
	ContentRange  string
	ContentLength int64
	Err           string
}

// RateLimiter controls bandwidth usage, shared across active Fetchers.
type RateLimiter interface {
	Wait(ctx context.Context, n int) error
	SetRate(bytesPerSecond int64)
}
