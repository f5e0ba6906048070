package utils

import (
	"fmt"
	"sync"
	"time"

	"github.com/cheggaaa/pb/v3"

	"segfetch/internal"
)

// ProgressTracker renders a Progress Aggregator's snapshots onto a
// terminal bar and keeps the statistics needed for a final summary. It
// implements internal.ProgressListener, so it can be handed to a
// Coordinator directly as its listener.
type ProgressTracker struct {
	bar       *pb.ProgressBar
	quiet     bool
	startTime time.Time
	filename  string
	mutex     sync.RWMutex

	current      int64
	total        int64
	peakSpeed    float64
	lastSnapshot internal.ProgressSnapshot
	finished     bool
}

// DownloadSummary contains final download statistics.
type DownloadSummary struct {
	TotalBytes   int64
	TotalTime    time.Duration
	AverageSpeed float64 // bytes per second
	PeakSpeed    float64 // bytes per second
	Filename     string
}

// NewProgressTracker creates a progress listener. total may be zero if
// the file size isn't known yet; it is refreshed from the first
// snapshot that carries a non-zero TotalBytes.
func NewProgressTracker(total int64, quiet bool) *ProgressTracker {
	tracker := &ProgressTracker{
		quiet:     quiet,
		startTime: time.Now(),
		total:     total,
	}

	if !quiet {
		tmpl := `{{string . "prefix"}}{{counters . }} {{bar . }} {{percent . }} {{speed . }} {{rtime . "ETA %s"}}`
		bar := pb.ProgressBarTemplate(tmpl).Start64(total)
		bar.Set(pb.Bytes, true)
		bar.Set(pb.SIBytesPrefix, true)
		bar.Set("prefix", "Downloading: ")
		tracker.bar = bar
	}

	return tracker
}

// SetFilename records the output path shown in the final summary.
func (p *ProgressTracker) SetFilename(filename string) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.filename = filename
}

// OnEvent implements internal.ProgressListener. It is called by the
// Progress Aggregator on every emitted snapshot.
func (p *ProgressTracker) OnEvent(snapshot internal.ProgressSnapshot) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.finished {
		return
	}

	if snapshot.TotalBytes > 0 {
		p.total = snapshot.TotalBytes
	}
	p.current = snapshot.DownloadedBytes
	if snapshot.Speed > p.peakSpeed {
		p.peakSpeed = snapshot.Speed
	}
	p.lastSnapshot = snapshot

	if p.bar != nil {
		p.bar.SetTotal(p.total)
		p.bar.SetCurrent(p.current)
		p.bar.Set(pb.Static, fmt.Sprintf("%.2f MB/s", snapshot.Speed/(1024*1024)))
	}

	switch snapshot.Event {
	case "completed", "failed":
		p.finishLocked()
	}
}

// Finish completes the progress bar and returns the download summary.
// It is idempotent: a terminal OnEvent already triggers it, so callers
// that want the summary after Wait() returns can call it again safely.
func (p *ProgressTracker) Finish() *DownloadSummary {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.finishLocked()
}

func (p *ProgressTracker) finishLocked() *DownloadSummary {
	totalTime := time.Since(p.startTime)
	alreadyFinished := p.finished
	if !p.finished && p.bar != nil {
		p.bar.Finish()
	}
	p.finished = true

	var averageSpeed float64
	if totalTime.Seconds() > 0 {
		averageSpeed = float64(p.current) / totalTime.Seconds()
	}

	summary := &DownloadSummary{
		TotalBytes:   p.current,
		TotalTime:    totalTime,
		AverageSpeed: averageSpeed,
		PeakSpeed:    p.peakSpeed,
		Filename:     p.filename,
	}

	if !p.quiet && !alreadyFinished {
		p.displaySummary(summary)
	}

	return summary
}

func (p *ProgressTracker) displaySummary(summary *DownloadSummary) {
	fmt.Printf("\n")
	if p.lastSnapshot.Event == "failed" {
		fmt.Printf("Download failed after %v\n", summary.TotalTime.Round(time.Millisecond))
		return
	}
	fmt.Printf("Download completed successfully!\n")
	fmt.Printf("Total size: %s\n", formatBytes(summary.TotalBytes))
	fmt.Printf("Total time: %v\n", summary.TotalTime.Round(time.Millisecond))
	fmt.Printf("Average speed: %s/s\n", formatBytes(int64(summary.AverageSpeed)))
	if summary.PeakSpeed > 0 {
		fmt.Printf("Peak speed: %s/s\n", formatBytes(int64(summary.PeakSpeed)))
	}
	if summary.Filename != "" {
		fmt.Printf("Saved to: %s\n", summary.Filename)
	}
}

// GetCurrentStats returns the most recently observed speed, ETA and
// completion percentage.
func (p *ProgressTracker) GetCurrentStats() (speed float64, eta time.Duration, percentage float64) {
	p.mutex.RLock()
	defer p.mutex.RUnlock()
	return p.lastSnapshot.Speed, p.lastSnapshot.RemainingTime, p.lastSnapshot.Percent * 100
}

// IsQuiet returns whether the tracker is in quiet mode.
func (p *ProgressTracker) IsQuiet() bool {
	return p.quiet
}

func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
