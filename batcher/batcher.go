// Package batcher implements the Update Batcher (§4.F): it coalesces
// repeated per-segment and per-download state writes into periodic
// single-transaction flushes against the Segment State Store, so a
// fast-progressing download does not turn into a write storm.
package batcher

import (
	"context"
	"sync"
	"time"

	"segfetch/internal"
)

type segmentKey struct {
	downloadID string
	index      int
}

type downloadProgress struct {
	percent float64
	bytes   int64
}

// Stats reports the queued-vs-saved write counters for diagnostics
// (§4.F): "saved writes" are overwrites absorbed by merging rather than
// reaching the store as a separate write.
type Stats struct {
	Queued int64
	Saved  int64
}

// Batcher buffers writes keyed by (download_id, segment_index) and by
// download_id, merging later-wins per field, and drains both buffers in
// one transaction on a periodic tick or on explicit flush.
type Batcher struct {
	store    internal.Store
	interval time.Duration

	mu         sync.Mutex
	segments   map[segmentKey]internal.SegmentUpdate
	downloads  map[string]downloadProgress
	queued     int64
	saved      int64
	stopCh     chan struct{}
	stoppedWg  sync.WaitGroup
}

// New builds a Batcher. It does not start its background flush loop
// until Start is called.
func New(store internal.Store, interval time.Duration) *Batcher {
	return &Batcher{
		store:     store,
		interval:  interval,
		segments:  make(map[segmentKey]internal.SegmentUpdate),
		downloads: make(map[string]downloadProgress),
	}
}

// Start launches the periodic flush loop; Stop must be called to end it.
func (b *Batcher) Start(ctx context.Context) {
	b.stopCh = make(chan struct{})
	b.stoppedWg.Add(1)
	go func() {
		defer b.stoppedWg.Done()
		ticker := time.NewTicker(b.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				_ = b.ForceFlushAll(ctx)
			case <-b.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop ends the periodic flush loop and drains any buffered writes.
func (b *Batcher) Stop(ctx context.Context) error {
	if b.stopCh != nil {
		close(b.stopCh)
		b.stoppedWg.Wait()
	}
	return b.ForceFlushAll(ctx)
}

// QueueSegmentUpdate buffers a segment field update, merging it with any
// pending update for the same segment (later wins per field).
func (b *Batcher) QueueSegmentUpdate(downloadID string, index int, fields internal.SegmentUpdate) {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := segmentKey{downloadID: downloadID, index: index}
	b.queued++
	existing, ok := b.segments[key]
	if !ok {
		b.segments[key] = fields
		return
	}
	b.saved++
	mergeSegmentUpdate(&existing, fields)
	b.segments[key] = existing
}

// QueueDownloadProgress buffers a download-level progress write,
// overwriting any pending one for the same download.
func (b *Batcher) QueueDownloadProgress(downloadID string, percent float64, bytes int64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.queued++
	if _, ok := b.downloads[downloadID]; ok {
		b.saved++
	}
	b.downloads[downloadID] = downloadProgress{percent: percent, bytes: bytes}
}

// FlushDownload drains only the buffered writes belonging to one
// download, used when a segment completes so durable state matches the
// observed progress without waiting for the next periodic tick. Every
// drained write commits in one transaction via Store.BatchUpdate.
func (b *Batcher) FlushDownload(ctx context.Context, downloadID string) error {
	b.mu.Lock()
	var segEntries []internal.SegmentUpdateEntry
	for k, v := range b.segments {
		if k.downloadID == downloadID {
			segEntries = append(segEntries, internal.SegmentUpdateEntry{DownloadID: k.downloadID, Index: k.index, Fields: v})
			delete(b.segments, k)
		}
	}
	var progressEntries []internal.DownloadProgressEntry
	if progress, ok := b.downloads[downloadID]; ok {
		progressEntries = append(progressEntries, internal.DownloadProgressEntry{DownloadID: downloadID, Percent: progress.percent, Bytes: progress.bytes})
		delete(b.downloads, downloadID)
	}
	b.mu.Unlock()

	return b.store.BatchUpdate(ctx, segEntries, progressEntries)
}

// ForceFlushAll drains every buffered write across every download inside
// one transaction, used on pause/complete/shutdown and by the periodic
// ticker.
func (b *Batcher) ForceFlushAll(ctx context.Context) error {
	b.mu.Lock()
	segUpdates := b.segments
	downloadUpdates := b.downloads
	b.segments = make(map[segmentKey]internal.SegmentUpdate)
	b.downloads = make(map[string]downloadProgress)
	b.mu.Unlock()

	segEntries := make([]internal.SegmentUpdateEntry, 0, len(segUpdates))
	for key, fields := range segUpdates {
		segEntries = append(segEntries, internal.SegmentUpdateEntry{DownloadID: key.downloadID, Index: key.index, Fields: fields})
	}
	progressEntries := make([]internal.DownloadProgressEntry, 0, len(downloadUpdates))
	for downloadID, progress := range downloadUpdates {
		progressEntries = append(progressEntries, internal.DownloadProgressEntry{DownloadID: downloadID, Percent: progress.percent, Bytes: progress.bytes})
	}

	return b.store.BatchUpdate(ctx, segEntries, progressEntries)
}

// Stats returns the running queued/saved counters and resets them.
func (b *Batcher) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := Stats{Queued: b.queued, Saved: b.saved}
	b.queued, b.saved = 0, 0
	return s
}

func mergeSegmentUpdate(dst *internal.SegmentUpdate, src internal.SegmentUpdate) {
	if src.BytesWritten != nil {
		dst.BytesWritten = src.BytesWritten
	}
	if src.State != nil {
		dst.State = src.State
	}
	if src.TempPath != nil {
		dst.TempPath = src.TempPath
	}
	if src.RetryCount != nil {
		dst.RetryCount = src.RetryCount
	}
}
