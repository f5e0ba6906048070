// Package aggregator implements the Progress Aggregator (§4.E): a
// throttled fold of per-segment state into one Download-level view,
// delivered to a single external listener.
package aggregator

import (
	"sync"
	"time"

	"segfetch/internal"
)

// Aggregator folds live Segment records into a ProgressSnapshot and
// forwards it to a listener, subject to a minimum emission interval.
type Aggregator struct {
	mu          sync.Mutex
	listener    internal.ProgressListener
	minInterval time.Duration
	lastEmit    time.Time
	emitted     bool
}

// New builds an Aggregator. minInterval is the emission throttle
// (progress_min_interval_ms); listener may be nil, in which case Report
// still computes and returns the snapshot but delivers nothing.
func New(listener internal.ProgressListener, minInterval time.Duration) *Aggregator {
	return &Aggregator{listener: listener, minInterval: minInterval}
}

// Report computes the Download-level view from the live segment set and
// delivers it to the listener if the throttle allows, or if
// forceImmediate is set (the initial view, or any segment-completion
// transition — the Coordinator determines both and passes the flag in).
// It always returns the computed snapshot so the caller may use it for
// purposes other than listener delivery (e.g. deciding whether to
// trigger the Merge Worker).
func (a *Aggregator) Report(dl *internal.Download, segments []*internal.Segment, resumed map[int]bool, event string, forceImmediate bool) internal.ProgressSnapshot {
	snapshot := a.build(dl, segments, resumed, event)

	a.mu.Lock()
	defer a.mu.Unlock()

	bypass := forceImmediate || !a.emitted
	elapsed := time.Since(a.lastEmit)
	if !bypass && elapsed < a.minInterval {
		return snapshot
	}

	snapshot.ForceImmediate = bypass
	a.emitted = true
	a.lastEmit = time.Now()

	if a.listener != nil {
		a.listener.OnEvent(snapshot)
	}
	return snapshot
}

func (a *Aggregator) build(dl *internal.Download, segments []*internal.Segment, resumed map[int]bool, event string) internal.ProgressSnapshot {
	var downloaded int64
	var speed float64
	var active, completed int
	views := make([]internal.SegmentView, 0, len(segments))

	for _, seg := range segments {
		downloaded += seg.BytesWritten

		activity := internal.ActivityPending
		progress := 0.0
		length := seg.Length()
		if length > 0 {
			progress = float64(seg.BytesWritten) / float64(length)
		}

		switch seg.State {
		case internal.SegmentCompleted:
			activity = internal.ActivityCompleted
			progress = 1.0
			completed++
		case internal.SegmentFetching:
			activity = internal.ActivityActive
			if resumed != nil && resumed[seg.Index] {
				activity = internal.ActivityResumed
			}
			active++
			speed += seg.LastSpeed
		case internal.SegmentPaused:
			if resumed != nil && resumed[seg.Index] {
				activity = internal.ActivityResumed
			}
		}

		views = append(views, internal.SegmentView{
			Index:        seg.Index,
			StartByte:    seg.StartByte,
			EndByte:      seg.EndByte,
			BytesWritten: seg.BytesWritten,
			Activity:     activity,
			Progress:     progress,
		})
	}

	var percent float64
	if dl.TotalSize > 0 {
		percent = float64(downloaded) / float64(dl.TotalSize)
	}

	var remaining time.Duration
	remainingUnknown := speed <= 0
	if !remainingUnknown {
		seconds := float64(dl.TotalSize-downloaded) / speed
		remaining = time.Duration(seconds * float64(time.Second))
	}

	return internal.ProgressSnapshot{
		DownloadID:        dl.ID,
		Event:             event,
		Percent:           percent,
		DownloadedBytes:   downloaded,
		TotalBytes:        dl.TotalSize,
		Speed:             speed,
		RemainingTime:     remaining,
		RemainingUnknown:  remainingUnknown,
		ActiveSegments:    active,
		CompletedSegments: completed,
		TotalSegments:     len(segments),
		PerSegment:        views,
	}
}
