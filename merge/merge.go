// Package merge implements the Merge Worker (§4.H): a sequential
// concatenation of a Download's completed segment scratch files into
// its final path, isolated from the host via a panic-safe goroutine
// boundary (sourcegraph/conc) with an in-process fallback, and driven
// entirely by message passing rather than shared state.
package merge

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"time"

	"github.com/sourcegraph/conc"
	"github.com/spf13/afero"

	"segfetch/internal"
)

// Descriptor is one ordered segment handed to the Merge Worker.
type Descriptor struct {
	Index    int
	TempPath string
	Length   int64
}

// Request is the inbound "merge" message of §4.H's protocol table.
type Request struct {
	DownloadID string
	FinalPath  string
	TotalSize  int64
	Segments   []Descriptor
}

// Config tunes batch/buffer sizing, the merge.* group of §6.
type Config struct {
	BufferBytes        int64
	BatchBytes         int64
	YieldEveryNBatches int
}

const completionGrace = 150 * time.Millisecond

// Worker runs the merge algorithm, publishing MergeEvents and accepting
// a cancel signal, both over channels — no field of Worker is touched
// by more than one goroutine at a time.
type Worker struct {
	cfg          Config
	useGoroutine bool
	fs           afero.Fs
}

// New builds a Worker backed by the real OS filesystem. useWorkerThread
// selects conc's isolated goroutine boundary; when false the merge runs
// in the caller's own goroutine via runMerge's algorithm.
func New(cfg Config, useWorkerThread bool) *Worker {
	return NewWithFs(cfg, useWorkerThread, afero.NewOsFs())
}

// NewWithFs builds a Worker against an arbitrary afero.Fs, e.g.
// afero.NewMemMapFs() in tests that want to avoid touching disk.
func NewWithFs(cfg Config, useWorkerThread bool, fs afero.Fs) *Worker {
	return &Worker{cfg: cfg, useGoroutine: useWorkerThread, fs: fs}
}

// Run executes req, emitting events on out, until completion or until
// cancel is closed. It returns once a terminal event (complete, error,
// or cancelled) has been sent.
func (w *Worker) Run(req Request, out chan<- internal.MergeEvent, cancel <-chan struct{}) {
	if w.useGoroutine {
		w.runIsolated(req, out, cancel)
		return
	}
	runMerge(w.fs, w.cfg, req, out, cancel)
}

// runIsolated executes the merge on a conc-managed goroutine. A panic
// inside the copy loop is recovered there and re-raised, with its
// original stack, by conc.WaitGroup.Wait in the goroutine that called
// Run, so the caller observes it through the normal Go panic/recover
// path rather than silently losing it.
func (w *Worker) runIsolated(req Request, out chan<- internal.MergeEvent, cancel <-chan struct{}) {
	wg := conc.NewWaitGroup()
	wg.Go(func() {
		runMerge(w.fs, w.cfg, req, out, cancel)
	})
	wg.Wait()
}

func runMerge(fs afero.Fs, cfg Config, req Request, out chan<- internal.MergeEvent, cancel <-chan struct{}) {
	start := time.Now()

	final, err := fs.OpenFile(req.FinalPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		out <- internal.MergeEvent{Kind: internal.MergeError, Message: err.Error(), Code: internal.ErrFileIO}
		return
	}
	defer final.Close()

	buffer := make([]byte, cfg.BatchBytes)
	var processed int64
	var lastReportedFraction float64
	batchesSinceYield := 0

	for i, seg := range req.Segments {
		select {
		case <-cancel:
			out <- internal.MergeEvent{Kind: internal.MergeCancelled}
			return
		default:
		}

		if err := copySegment(fs, final, seg, buffer, &processed, req.TotalSize, &lastReportedFraction, &batchesSinceYield, cfg, i, len(req.Segments), out, cancel); err != nil {
			if err == errCancelled {
				out <- internal.MergeEvent{Kind: internal.MergeCancelled}
				return
			}
			out <- internal.MergeEvent{Kind: internal.MergeError, Message: err.Error(), Code: internal.ErrFileIO}
			return
		}

		if rmErr := fs.Remove(seg.TempPath); rmErr != nil && !os.IsNotExist(rmErr) {
			out <- internal.MergeEvent{Kind: internal.MergeWarning, Message: fmt.Sprintf("failed to remove scratch file %s: %v", seg.TempPath, rmErr)}
		}
	}

	info, err := fs.Stat(req.FinalPath)
	if err != nil {
		out <- internal.MergeEvent{Kind: internal.MergeError, Message: err.Error(), Code: internal.ErrFileIO}
		return
	}
	if info.Size() != req.TotalSize {
		mismatch := internal.NewSizeMismatchError(info.Size(), req.TotalSize)
		out <- internal.MergeEvent{Kind: internal.MergeError, Message: mismatch.Error(), Code: internal.ErrSizeMismatch}
		return
	}

	out <- internal.MergeEvent{Kind: internal.MergeProgress, Fraction: 1.0, CurrentIndex: len(req.Segments), TotalCount: len(req.Segments), BytesProcessed: processed}
	time.Sleep(completionGrace)

	duration := time.Since(start)
	speed := 0.0
	if duration > 0 {
		speed = float64(req.TotalSize) / duration.Seconds()
	}
	out <- internal.MergeEvent{
		Kind:      internal.MergeComplete,
		FinalPath: req.FinalPath,
		TotalSize: req.TotalSize,
		Duration:  duration,
		Speed:     speed,
	}
}

var errCancelled = fmt.Errorf("merge cancelled")

func copySegment(fs afero.Fs, final afero.File, seg Descriptor, buffer []byte, processed *int64, totalSize int64, lastFraction *float64, batchesSinceYield *int, cfg Config, segIdx, segCount int, out chan<- internal.MergeEvent, cancel <-chan struct{}) error {
	src, err := fs.Open(seg.TempPath)
	if err != nil {
		return err
	}
	defer src.Close()

	for {
		select {
		case <-cancel:
			return errCancelled
		default:
		}

		n, rerr := src.Read(buffer)
		if n > 0 {
			if _, werr := final.Write(buffer[:n]); werr != nil {
				return werr
			}
			*processed += int64(n)

			fraction := float64(*processed) / float64(totalSize)
			if fraction-*lastFraction >= 0.05 || fraction >= 1.0 {
				*lastFraction = fraction
				out <- internal.MergeEvent{
					Kind:           internal.MergeProgress,
					Fraction:       fraction,
					CurrentIndex:   segIdx,
					TotalCount:     segCount,
					BytesProcessed: *processed,
				}
			}

			*batchesSinceYield++
			if cfg.YieldEveryNBatches > 0 && *batchesSinceYield >= cfg.YieldEveryNBatches {
				*batchesSinceYield = 0
				runtime.Gosched()
			}
		}
		if rerr != nil {
			if rerr == io.EOF {
				return nil
			}
			return rerr
		}
	}
}
