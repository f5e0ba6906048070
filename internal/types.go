package internal

import "time"

// DownloadState is the lifecycle state of a Download.
type DownloadState string

const (
	DownloadIdle       DownloadState = "idle"
	DownloadingState   DownloadState = "downloading"
	DownloadPaused     DownloadState = "paused"
	DownloadMerging    DownloadState = "merging"
	DownloadCompleted  DownloadState = "completed"
	DownloadFailed     DownloadState = "failed"
	DownloadCancelled  DownloadState = "cancelled"
)

// SegmentState is the lifecycle state of one Segment.
type SegmentState string

const (
	SegmentPending   SegmentState = "pending"
	SegmentFetching  SegmentState = "fetching"
	SegmentPaused    SegmentState = "paused"
	SegmentCompleted SegmentState = "completed"
	SegmentFailed    SegmentState = "failed"
)

// BreakerState is one of the three states of the Failure Breaker.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// SegmentActivity tags a segment's role in a progress snapshot.
type SegmentActivity string

const (
	ActivityCompleted SegmentActivity = "completed"
	ActivityActive    SegmentActivity = "active"
	ActivityResumed   SegmentActivity = "resumed"
	ActivityPending   SegmentActivity = "pending"
)

// Download is one remote-file acquisition: the aggregate root that owns
// its Segments exclusively.
type Download struct {
	ID            string        `json:"download_id"`
	SourceURL     string        `json:"source_url"`
	FinalPath     string        `json:"final_path"`
	TotalSize     int64         `json:"total_size"`
	SegmentCount  int           `json:"segment_count"`
	State         DownloadState `json:"state"`
	CreatedAt     time.Time     `json:"created_at"`
	LastUpdate    time.Time     `json:"last_update"`
}

// Segment is one contiguous byte range of a Download.
type Segment struct {
	DownloadID   string       `json:"download_id"`
	Index        int          `json:"segment_index"`
	StartByte    int64        `json:"start_byte"`
	EndByte      int64        `json:"end_byte"` // inclusive
	BytesWritten int64        `json:"bytes_written"`
	State        SegmentState `json:"state"`
	TempPath     string       `json:"temp_path"`
	RetryCount   int          `json:"retry_count"`
	LastSpeed    float64      `json:"last_speed"` // bytes/sec
}

// Length returns the number of bytes this segment's range spans.
func (s *Segment) Length() int64 {
	return s.EndByte - s.StartByte + 1
}

// Remaining returns how many bytes are still owed for this segment.
func (s *Segment) Remaining() int64 {
	return s.Length() - s.BytesWritten
}

// BreakerSnapshot is a point-in-time view of one Breaker's counters,
// used for persistence and diagnostics; the live Breaker (package
// breaker) is the authoritative mutator.
type BreakerSnapshot struct {
	Endpoint           string       `json:"endpoint"`
	State              BreakerState `json:"state"`
	ConsecutiveFailures int         `json:"consecutive_failures"`
	ConsecutiveSuccesses int        `json:"consecutive_successes"`
	NextAttempt        time.Time    `json:"next_attempt"`
}

// SegmentView is one entry of a progress snapshot's per_segment list.
type SegmentView struct {
	Index        int             `json:"segment_index"`
	StartByte    int64           `json:"start_byte"`
	EndByte      int64           `json:"end_byte"`
	BytesWritten int64           `json:"bytes_written"`
	Activity     SegmentActivity `json:"activity"`
	Progress     float64         `json:"progress"`
}

// ProgressSnapshot is the Download-level view folded by the Progress
// Aggregator from per-segment state.
type ProgressSnapshot struct {
	DownloadID        string        `json:"download_id"`
	Event             string        `json:"event"` // starting|progressing|merging|completed|failed
	Percent           float64       `json:"percent"`
	DownloadedBytes   int64         `json:"downloaded_bytes"`
	TotalBytes        int64         `json:"total_bytes"`
	Speed             float64       `json:"speed"`
	RemainingTime     time.Duration `json:"remaining_time"`
	RemainingUnknown  bool          `json:"remaining_unknown"`
	ActiveSegments    int           `json:"active_segments"`
	CompletedSegments int           `json:"completed_segments"`
	TotalSegments     int           `json:"total_segments"`
	PerSegment        []SegmentView `json:"per_segment"`
	ForceImmediate    bool          `json:"force_immediate"`
}

// FileMetadata describes the remote file a Download is fetching, as
// reported by the Range-Support Probe.
type FileMetadata struct {
	SourceURL     string `json:"source_url"`
	Size          int64  `json:"size"`
	AcceptRanges  bool   `json:"accept_ranges"`
	ContentRange  string `json:"content_range,omitempty"`
}
