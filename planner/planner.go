// Package planner divides a download's total size into contiguous,
// non-overlapping byte ranges (§4.A of the segmented-download design).
package planner

import (
	"fmt"
	"path/filepath"

	"segfetch/internal"
)

// Config is the subset of the engine configuration the Planner reads.
type Config struct {
	MinSegmentBytes int64
	MaxSegments     int
	SmallFileCutoff int64
}

// Planner is a pure function object: identical inputs always produce
// identical segment plans.
type Planner struct {
	cfg Config
}

// New builds a Planner bound to the given configuration.
func New(cfg Config) *Planner {
	return &Planner{cfg: cfg}
}

// Plan divides totalSize into segments per the rule: files smaller than
// small_file_cutoff get exactly two segments; otherwise
// k = clamp(floor(total_size/min_segment_bytes), 2, max_segments).
// Segments are equal-width except the last, which absorbs the remainder.
// finalPath is used only to derive each segment's sibling scratch-file
// path; downloadID labels the segments for the caller's own bookkeeping.
func (p *Planner) Plan(downloadID, finalPath string, totalSize int64) ([]internal.Segment, error) {
	if totalSize <= 0 {
		return nil, internal.NewInvalidSizeError(totalSize)
	}

	count := p.segmentCount(totalSize)
	return buildRanges(downloadID, finalPath, totalSize, count), nil
}

func (p *Planner) segmentCount(totalSize int64) int {
	if totalSize < p.cfg.SmallFileCutoff {
		return 2
	}

	min := p.cfg.MinSegmentBytes
	if min <= 0 {
		min = 1
	}
	k := int(totalSize / min)
	return clamp(k, 2, p.cfg.MaxSegments)
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if hi > 0 && v > hi {
		return hi
	}
	return v
}

func buildRanges(downloadID, finalPath string, totalSize int64, count int) []internal.Segment {
	segmentSize := totalSize / int64(count)
	segments := make([]internal.Segment, 0, count)

	for i := 0; i < count; i++ {
		start := int64(i) * segmentSize
		end := start + segmentSize - 1
		if i == count-1 {
			end = totalSize - 1
		}
		segments = append(segments, internal.Segment{
			DownloadID: downloadID,
			Index:      i,
			StartByte:  start,
			EndByte:    end,
			State:      internal.SegmentPending,
			TempPath:   ScratchPath(finalPath, i),
		})
	}
	return segments
}

// ScratchPath returns the sibling scratch-file path for a segment,
// following the on-disk layout contract in §6: a dot-prefixed file named
// after the final path's basename with an unpadded decimal chunk index,
// living beside the final path.
func ScratchPath(finalPath string, index int) string {
	dir := filepath.Dir(finalPath)
	base := filepath.Base(finalPath)
	return filepath.Join(dir, fmt.Sprintf(".%s.chunk%d", base, index))
}
