package internal

import "time"

// EventKind tags an Event's payload. A single tagged envelope replaces
// the callback fan-out (on_progress/on_complete/on_error/on_backpressure)
// the source used; Fetchers and the Merge Worker emit these on a channel
// and the Coordinator is the sole consumer that folds them into state.
type EventKind string

const (
	EventProgress     EventKind = "progress"
	EventComplete     EventKind = "complete"
	EventError        EventKind = "error"
	EventBackpressure EventKind = "backpressure"
	EventPaused       EventKind = "paused"
)

// SegmentEvent is emitted by a Segment Fetcher up to the Coordinator.
type SegmentEvent struct {
	Kind         EventKind
	DownloadID   string
	SegmentIndex int
	BytesWritten int64
	Speed        float64
	Err          error
	At           time.Time
}

// MergeEventKind tags a message from the Merge Worker to its caller.
type MergeEventKind string

const (
	MergeProgress  MergeEventKind = "progress"
	MergeComplete  MergeEventKind = "complete"
	MergeError     MergeEventKind = "error"
	MergeWarning   MergeEventKind = "warning"
	MergeCancelled MergeEventKind = "cancelled"
)

// MergeEvent is one message in the Merge Worker's outbound protocol
// (§4.H table): progress, complete, error, warning, or cancelled.
type MergeEvent struct {
	Kind           MergeEventKind
	Fraction       float64
	CurrentIndex   int
	TotalCount     int
	BytesProcessed int64
	Speed          float64
	FinalPath      string
	TotalSize      int64
	Duration       time.Duration
	Message        string
	Code           ErrorCode
}

// ProgressListener is the single outbound interface a host implements to
// observe Download-level state; one method suffices because the payload
// is itself a tagged ProgressSnapshot.
type ProgressListener interface {
	OnEvent(snapshot ProgressSnapshot)
}

// ProgressListenerFunc adapts a plain function to ProgressListener.
type ProgressListenerFunc func(ProgressSnapshot)

func (f ProgressListenerFunc) OnEvent(snapshot ProgressSnapshot) { f(snapshot) }
