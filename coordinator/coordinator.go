// Package coordinator implements the Download Coordinator (§4.G): the
// component that owns a Download's lifecycle end to end, orchestrating
// the Planner, Segment State Store, Failure Breaker, Segment Fetcher,
// Progress Aggregator, Update Batcher, Merge Worker, Range-Support Probe
// and Preallocator named throughout §4.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"segfetch/aggregator"
	"segfetch/batcher"
	"segfetch/breaker"
	"segfetch/fetcher"
	"segfetch/internal"
	"segfetch/merge"
	"segfetch/planner"
	"segfetch/prealloc"
	"segfetch/utils"
)

// errAlreadyRunning is returned by Start when the Download is already
// in the downloading state, per §4.G's idempotence requirement.
var errAlreadyRunning = errors.New("download already running")

// Coordinator drives any number of concurrent Downloads.
type Coordinator struct {
	cfg         *internal.Config
	store       internal.Store
	planner     *planner.Planner
	probe       internal.RangeProbe
	client      *http.Client
	rateLimiter internal.RateLimiter
	listener    internal.ProgressListener

	mu        sync.Mutex
	handles   map[string]*handle
	userAgent fetcher.UserAgentSource
	fileOps   *utils.FileOperations
}

// New builds a Coordinator. rateLimiter and listener may be nil.
func New(cfg *internal.Config, store internal.Store, pl *planner.Planner, probe internal.RangeProbe, client *http.Client, rateLimiter internal.RateLimiter, listener internal.ProgressListener) *Coordinator {
	if client == nil {
		client = http.DefaultClient
	}
	return &Coordinator{
		cfg:         cfg,
		store:       store,
		planner:     pl,
		probe:       probe,
		client:      client,
		rateLimiter: rateLimiter,
		listener:    listener,
		handles:     make(map[string]*handle),
		fileOps:     utils.NewFileOperations(),
	}
}

// SetUserAgentSource overrides the User-Agent every subsequent Segment
// Fetcher sends its Range requests with. Downloads already started
// keep whatever source was in effect at newHandle time.
func (c *Coordinator) SetUserAgentSource(source fetcher.UserAgentSource) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.userAgent = source
}

// handle is one Download's live, in-memory state.
type handle struct {
	mu       sync.Mutex
	download *internal.Download
	segments []*internal.Segment
	resumed  map[int]bool

	breaker    *breaker.Breaker
	fetcher    *fetcher.Fetcher
	aggregator *aggregator.Aggregator
	batcher    *batcher.Batcher
	gate       *gate

	events chan internal.SegmentEvent

	fetchCtx    context.Context
	fetchCancel context.CancelFunc

	backpressureMu sync.Mutex
	backpressure   map[int]time.Time

	keepFilesOnCancel bool
	mergeCancel       chan struct{}
	mergeCancelOnce   sync.Once
	doneCh            chan struct{}
	doneErr           error
	doneOnce          sync.Once
}

// downloadIDFor derives a stable download_id from the final path, so a
// repeated Start call for the same output file resumes the same
// persisted record instead of minting a fresh one.
func downloadIDFor(finalPath string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(finalPath)).String()
}

// Start begins or resumes a Download for sourceURL into finalPath. It
// is idempotent: calling it again while the same download_id is already
// downloading returns an error without side effects.
func (c *Coordinator) Start(ctx context.Context, sourceURL, finalPath string) (string, error) {
	downloadID := downloadIDFor(finalPath)

	c.mu.Lock()
	if existing, ok := c.handles[downloadID]; ok {
		existing.mu.Lock()
		running := existing.download.State == internal.DownloadingState
		existing.mu.Unlock()
		c.mu.Unlock()
		if running {
			return downloadID, errAlreadyRunning
		}
	} else {
		c.mu.Unlock()
	}

	existingRecords, err := c.store.List(ctx, downloadID)
	if err != nil {
		return "", err
	}

	var segs []*internal.Segment
	var totalSize int64
	resumed := make(map[int]bool)

	if len(existingRecords) == 0 {
		result, err := c.probe.Probe(ctx, sourceURL)
		if err != nil {
			return "", err
		}
		if result.Err != "" || !result.Supported {
			return "", internal.NewRangeNotSupportedError(sourceURL)
		}
		totalSize = result.ContentLength
		if totalSize <= 0 {
			return "", internal.NewInvalidSizeError(totalSize)
		}

		planned, err := c.planner.Plan(downloadID, finalPath, totalSize)
		if err != nil {
			return "", err
		}
		records := make([]internal.Segment, len(planned))
		copy(records, planned)
		if err := c.store.Create(ctx, downloadID, totalSize, len(planned), records); err != nil {
			return "", err
		}
		segs = make([]*internal.Segment, len(planned))
		for i := range planned {
			s := planned[i]
			segs[i] = &s
		}
	} else {
		segs = make([]*internal.Segment, len(existingRecords))
		for i := range existingRecords {
			s := existingRecords[i]
			segs[i] = &s
		}
		totalSize = segs[len(segs)-1].EndByte + 1
		for _, seg := range segs {
			if reconcileSegment(c.fileOps, seg) {
				resumed[seg.Index] = true
			}
		}
	}

	dl := &internal.Download{
		ID:           downloadID,
		SourceURL:    sourceURL,
		FinalPath:    finalPath,
		TotalSize:    totalSize,
		SegmentCount: len(segs),
		State:        internal.DownloadingState,
		CreatedAt:    time.Now(),
		LastUpdate:   time.Now(),
	}

	if c.cfg.Preallocate {
		if err := prealloc.Preallocate(c.fileOps, finalPath, totalSize); err != nil {
			internal.ForDownload(downloadID).Warn("preallocate %s: %v", finalPath, err)
		}
	}

	h := c.newHandle(dl, segs, resumed)

	c.mu.Lock()
	c.handles[downloadID] = h
	c.mu.Unlock()

	h.aggregator.Report(h.download, h.segments, h.resumed, "starting", true)

	go c.run(h)

	return downloadID, nil
}

func (c *Coordinator) newHandle(dl *internal.Download, segs []*internal.Segment, resumed map[int]bool) *handle {
	endpoint := endpointOf(dl.SourceURL)
	br := breaker.New(endpoint, breaker.Config{
		Enabled:          c.cfg.Breaker.Enabled,
		FailureThreshold: c.cfg.Breaker.FailureThreshold,
		SuccessThreshold: c.cfg.Breaker.SuccessThreshold,
		ResetTimeoutMs:   c.cfg.Breaker.ResetTimeoutMs,
	})
	ft := fetcher.New(c.client, fetcher.Config{
		MinWriteBuffer:     c.cfg.MinWriteBuffer,
		MaxWriteBuffer:     c.cfg.MaxWriteBuffer,
		DefaultWriteBuffer: c.cfg.DefaultWriteBuffer,
	}, br, c.rateLimiter, c.userAgent)

	fetchCtx, fetchCancel := context.WithCancel(context.Background())

	return &handle{
		download:          dl,
		segments:          segs,
		resumed:           resumed,
		breaker:           br,
		fetcher:           ft,
		aggregator:        aggregator.New(c.listener, time.Duration(c.cfg.ProgressMinIntervalMs)*time.Millisecond),
		batcher:           batcher.New(c.store, time.Duration(c.cfg.UpdateBatchFlushMs)*time.Millisecond),
		gate:              newGate(c.cfg.MaxConcurrentSegments),
		events:            make(chan internal.SegmentEvent, 64),
		fetchCtx:          fetchCtx,
		fetchCancel:       fetchCancel,
		backpressure:      make(map[int]time.Time),
		keepFilesOnCancel: false,
		mergeCancel:       make(chan struct{}),
		doneCh:            make(chan struct{}),
	}
}

func (h *handle) cancelMerge() {
	h.mergeCancelOnce.Do(func() { close(h.mergeCancel) })
}

// setState and state serialize every read/write of the Download's
// lifecycle state: run()/beginMerge() on the dispatcher goroutine race
// against Pause/Cancel called from whatever goroutine the host invokes
// them from.
func (h *handle) setState(s internal.DownloadState) {
	h.mu.Lock()
	h.download.State = s
	h.mu.Unlock()
}

func (h *handle) state() internal.DownloadState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.download.State
}

func endpointOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	return u.Host
}

// reconcileSegment adjusts a freshly loaded segment record against its
// on-disk scratch file (§4.G step 2), returning true if the segment was
// mid-flight and is being picked back up.
func reconcileSegment(fo *utils.FileOperations, seg *internal.Segment) bool {
	size, statErr := fo.GetFileSize(seg.TempPath)

	switch seg.State {
	case internal.SegmentFetching:
		seg.State = internal.SegmentPending
		if statErr == nil {
			seg.BytesWritten = size
		} else {
			seg.BytesWritten = 0
		}
		return true
	case internal.SegmentFailed:
		seg.State = internal.SegmentPending
		return true
	case internal.SegmentCompleted:
		if statErr != nil || size < seg.Length() {
			seg.State = internal.SegmentPending
			seg.BytesWritten = 0
			return true
		}
		return false
	case internal.SegmentPending, internal.SegmentPaused:
		if statErr == nil && size != seg.BytesWritten {
			seg.BytesWritten = size
		}
		return seg.BytesWritten > 0
	default:
		return false
	}
}

// run drives one Download from its dispatcher through to completion,
// failure, or cancellation. It owns the handle's goroutines.
func (c *Coordinator) run(h *handle) {
	var eg errgroup.Group
	var remaining int32

	h.mu.Lock()
	for _, seg := range h.segments {
		if seg.State != internal.SegmentCompleted {
			remaining++
		}
	}
	h.mu.Unlock()

	if remaining == 0 {
		c.beginMerge(h)
		return
	}

	adaptiveDone := make(chan struct{})
	go c.adaptiveLoop(h, adaptiveDone)
	defer close(adaptiveDone)

	pending := make(chan *internal.Segment, len(h.segments))
	for _, seg := range h.segments {
		if seg.State == internal.SegmentPending || seg.State == internal.SegmentPaused {
			pending <- seg
		}
	}

	results := make(chan segmentOutcome, len(h.segments))

	dispatchDone := make(chan struct{})
	go func() {
		defer close(dispatchDone)
		for {
			select {
			case seg, ok := <-pending:
				if !ok {
					return
				}
				if err := h.gate.acquire(h.fetchCtx); err != nil {
					return
				}
				eg.Go(func() error {
					defer h.gate.release()
					c.runSegment(h, seg, results)
					return nil
				})
			case <-h.fetchCtx.Done():
				return
			}
		}
	}()

	var failed bool
	var failErr error
	completedCount := 0

	for completedCount < len(h.segments) && !failed {
		select {
		case outcome := <-results:
			switch outcome.kind {
			case outcomeCompleted:
				completedCount++
				if err := h.batcher.FlushDownload(context.Background(), h.download.ID); err != nil {
					internal.ForDownload(h.download.ID).Warn("flush segment state: %v", err)
				}
				h.aggregator.Report(h.download, h.segments, h.resumed, "progressing", true)
			case outcomePaused:
				pending <- outcome.seg
			case outcomeFailed:
				failed = true
				failErr = outcome.err
			}
		case <-h.fetchCtx.Done():
			failed = true
			failErr = h.fetchCtx.Err()
		}
	}

	close(pending)
	_ = eg.Wait()
	if err := h.batcher.ForceFlushAll(context.Background()); err != nil {
		internal.ForDownload(h.download.ID).Warn("flush segment state: %v", err)
	}

	switch h.state() {
	case internal.DownloadPaused:
		h.finish(nil)
		return
	case internal.DownloadCancelled:
		h.finish(internal.NewAbortedError())
		return
	}

	if failed {
		h.setState(internal.DownloadFailed)
		h.aggregator.Report(h.download, h.segments, h.resumed, "failed", true)
		h.finish(failErr)
		return
	}

	c.beginMerge(h)
}

type outcomeKind int

const (
	outcomeCompleted outcomeKind = iota
	outcomePaused
	outcomeFailed
)

type segmentOutcome struct {
	kind outcomeKind
	seg  *internal.Segment
	err  error
}

// segmentRegistry is implemented by rate limiters that divide their
// budget across the Coordinator's live concurrency window (see
// utils.TokenBucketLimiter/NewDistributedRateLimiter); a plain limiter
// that doesn't track concurrency simply doesn't implement it.
type segmentRegistry interface {
	RegisterSegment()
	UnregisterSegment()
}

// runSegment drives one segment through the Fetcher, retrying transport
// failures with exponential backoff via retry-go; a paused outcome
// (premature close) is reported back to the dispatcher for immediate
// resubmission without counting against retry_count.
func (c *Coordinator) runSegment(h *handle, seg *internal.Segment, results chan<- segmentOutcome) {
	if reg, ok := c.rateLimiter.(segmentRegistry); ok {
		reg.RegisterSegment()
		defer reg.UnregisterSegment()
	}

	err := retry.Do(
		func() error {
			fetchErr := h.fetcher.Fetch(h.fetchCtx, seg, h.download.SourceURL, h.events, false)
			bytesWritten, state := seg.BytesWritten, seg.State
			h.batcher.QueueSegmentUpdate(h.download.ID, seg.Index, internal.SegmentUpdate{
				BytesWritten: &bytesWritten,
				State:        &state,
			})
			return fetchErr
		},
		retry.Context(h.fetchCtx),
		retry.Attempts(uint(c.cfg.RetryMax)),
		retry.LastErrorOnly(true),
		retry.DelayType(func(n uint, err error, rc *retry.Config) time.Duration {
			d := time.Second * time.Duration(uint64(1)<<n)
			if d > 10*time.Second {
				d = 10 * time.Second
			}
			return d
		}),
		retry.RetryIf(func(err error) bool {
			var dlErr *internal.DownloadError
			if errors.As(err, &dlErr) {
				return dlErr.IsRetryable()
			}
			return false
		}),
		retry.OnRetry(func(n uint, err error) {
			seg.RetryCount++
			if size, statErr := c.fileOps.GetFileSize(seg.TempPath); statErr == nil {
				seg.BytesWritten = size
			}
		}),
	)

	if err != nil {
		var dlErr *internal.DownloadError
		if errors.As(err, &dlErr) && dlErr.Code == internal.ErrBreakerOpen {
			results <- segmentOutcome{kind: outcomeFailed, seg: seg, err: err}
			return
		}
		results <- segmentOutcome{kind: outcomeFailed, seg: seg, err: fmt.Errorf("segment %d: %w", seg.Index, err)}
		return
	}

	switch seg.State {
	case internal.SegmentCompleted:
		results <- segmentOutcome{kind: outcomeCompleted, seg: seg}
	case internal.SegmentPaused:
		results <- segmentOutcome{kind: outcomePaused, seg: seg}
	default:
		results <- segmentOutcome{kind: outcomeCompleted, seg: seg}
	}
}

// adaptiveLoop implements the concurrency feedback loop of §4.G,
// consuming backpressure signals off the handle's event channel and
// periodically resizing the gate.
func (c *Coordinator) adaptiveLoop(h *handle, done <-chan struct{}) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	concurrency := c.cfg.MaxConcurrentSegments

	for {
		select {
		case evt := <-h.events:
			if evt.Kind == internal.EventBackpressure {
				h.backpressureMu.Lock()
				h.backpressure[evt.SegmentIndex] = time.Now()
				h.backpressureMu.Unlock()
			}
			if evt.Kind == internal.EventProgress || evt.Kind == internal.EventComplete {
				h.aggregator.Report(h.download, h.segments, h.resumed, "progressing", evt.Kind == internal.EventComplete)
			}
		case <-ticker.C:
			if !c.cfg.AdaptiveParallelism.Enabled {
				continue
			}
			active, inBackpressure := h.activeBackpressureRatio()
			if active == 0 {
				continue
			}
			ratio := float64(inBackpressure) / float64(active)
			switch {
			case ratio > 0.5:
				concurrency = clampInt(concurrency-1, 2, c.cfg.MaxConcurrentSegments)
			case ratio < 0.3 && h.averageActiveSpeed() < c.cfg.AdaptiveParallelism.TargetSpeedPerSegment:
				concurrency = clampInt(concurrency+1, 2, c.cfg.MaxConcurrentSegments)
			case ratio >= 0.3:
				concurrency = clampInt(concurrency-1, 2, c.cfg.MaxConcurrentSegments)
			}
			h.gate.setLimit(concurrency)
		case <-done:
			return
		}
	}
}

func (h *handle) activeBackpressureRatio() (active, inBackpressure int) {
	h.mu.Lock()
	for _, seg := range h.segments {
		if seg.State == internal.SegmentFetching {
			active++
		}
	}
	h.mu.Unlock()

	h.backpressureMu.Lock()
	defer h.backpressureMu.Unlock()
	now := time.Now()
	for idx, at := range h.backpressure {
		if now.Sub(at) > 2*time.Second {
			delete(h.backpressure, idx)
			continue
		}
		inBackpressure++
	}
	return active, inBackpressure
}

func (h *handle) averageActiveSpeed() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	var total float64
	var n int
	for _, seg := range h.segments {
		if seg.State == internal.SegmentFetching {
			total += seg.LastSpeed
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return total / float64(n)
}

func clampInt(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

// beginMerge runs the Merge Worker over the Download's completed
// segments and finalizes the Download on its terminal message.
func (c *Coordinator) beginMerge(h *handle) {
	h.setState(internal.DownloadMerging)
	h.aggregator.Report(h.download, h.segments, h.resumed, "merging", true)

	descriptors := make([]merge.Descriptor, len(h.segments))
	for i, seg := range h.segments {
		descriptors[i] = merge.Descriptor{Index: seg.Index, TempPath: seg.TempPath, Length: seg.Length()}
	}

	worker := merge.New(merge.Config{
		BufferBytes:        c.cfg.Merge.BufferBytes,
		BatchBytes:         c.cfg.Merge.BatchBytes,
		YieldEveryNBatches: c.cfg.Merge.YieldEveryNBatches,
	}, c.cfg.UseWorkerThread)

	req := merge.Request{
		DownloadID: h.download.ID,
		FinalPath:  h.download.FinalPath,
		TotalSize:  h.download.TotalSize,
		Segments:   descriptors,
	}

	out := make(chan internal.MergeEvent, 256)
	go worker.Run(req, out, h.mergeCancel)

	for evt := range out {
		switch evt.Kind {
		case internal.MergeComplete:
			h.setState(internal.DownloadCompleted)
			h.aggregator.Report(h.download, h.segments, h.resumed, "completed", true)
			h.finish(nil)
			return
		case internal.MergeError:
			h.setState(internal.DownloadFailed)
			h.aggregator.Report(h.download, h.segments, h.resumed, "failed", true)
			h.finish(fmt.Errorf("merge failed: %s", evt.Message))
			return
		case internal.MergeCancelled:
			h.finish(internal.NewAbortedError())
			return
		}
	}
}

// Pause aborts every active fetch for a Download, preserving temp
// files, and persists each segment as paused.
func (c *Coordinator) Pause(ctx context.Context, downloadID string) error {
	c.mu.Lock()
	h, ok := c.handles[downloadID]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown download %s", downloadID)
	}

	h.setState(internal.DownloadPaused)

	h.fetchCancel()

	for _, seg := range h.segments {
		if seg.State != internal.SegmentCompleted {
			paused := internal.SegmentPaused
			h.batcher.QueueSegmentUpdate(downloadID, seg.Index, internal.SegmentUpdate{State: &paused})
		}
	}
	if err := h.batcher.ForceFlushAll(ctx); err != nil {
		internal.ForDownload(downloadID).Warn("flush segment state on pause: %v", err)
		return err
	}
	return nil
}

// Cancel aborts any in-flight fetch or merge, optionally deletes scratch
// files, and marks the Download cancelled.
func (c *Coordinator) Cancel(ctx context.Context, downloadID string, keepFiles bool) error {
	c.mu.Lock()
	h, ok := c.handles[downloadID]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown download %s", downloadID)
	}

	h.setState(internal.DownloadCancelled)
	h.mu.Lock()
	h.keepFilesOnCancel = keepFiles
	h.mu.Unlock()

	h.fetchCancel()
	h.cancelMerge()

	if !keepFiles {
		for _, seg := range h.segments {
			if err := c.fileOps.Remove(seg.TempPath); err != nil && !os.IsNotExist(err) {
				internal.ForDownload(downloadID).Warn("remove scratch file %s: %v", seg.TempPath, err)
			}
		}
	}
	h.finish(internal.NewAbortedError())
	return nil
}

// Wait blocks until the Download referenced by downloadID reaches a
// terminal state (completed, failed, or cancelled/paused return early),
// returning the error that ended it, or nil on success.
func (c *Coordinator) Wait(ctx context.Context, downloadID string) error {
	c.mu.Lock()
	h, ok := c.handles[downloadID]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown download %s", downloadID)
	}
	select {
	case <-h.doneCh:
		return h.doneErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *handle) finish(err error) {
	h.doneOnce.Do(func() {
		h.doneErr = err
		close(h.doneCh)
	})
}
