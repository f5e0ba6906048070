package planner

import (
	"testing"

	"segfetch/internal"
)

func testConfig() Config {
	return Config{
		MinSegmentBytes: 5_000_000,
		MaxSegments:     8,
		SmallFileCutoff: 5_000_000,
	}
}

func TestPlanner_Plan(t *testing.T) {
	tests := []struct {
		name         string
		totalSize    int64
		cfg          Config
		expectedSegs int
		description  string
	}{
		{
			name:         "happy_path_four_segments",
			totalSize:    40_000_000,
			cfg:          testConfig(),
			expectedSegs: 4,
			description:  "40MB at 5MB min segments and max 8 yields 4 segments",
		},
		{
			name:         "small_file_gets_two_segments",
			totalSize:    1024,
			cfg:          testConfig(),
			expectedSegs: 2,
			description:  "files under small_file_cutoff always get exactly two segments",
		},
		{
			name:         "boundary_equals_min_segment_bytes",
			totalSize:    5_000_000,
			cfg:          testConfig(),
			expectedSegs: 2,
			description:  "total_size == min_segment_bytes must yield exactly 2 segments",
		},
		{
			name: "clamped_to_max_segments",
			totalSize: 200_000_000,
			cfg: Config{
				MinSegmentBytes: 1_000_000,
				MaxSegments:     8,
				SmallFileCutoff: 1_000_000,
			},
			expectedSegs: 8,
			description:  "segment count is clamped at max_segments even if more would fit",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := New(tt.cfg)
			segments, err := p.Plan("dl-1", "/tmp/out/file.bin", tt.totalSize)
			if err != nil {
				t.Fatalf("%s: unexpected error: %v", tt.description, err)
			}
			if len(segments) != tt.expectedSegs {
				t.Fatalf("%s: got %d segments, want %d", tt.description, len(segments), tt.expectedSegs)
			}
			assertPartition(t, segments, tt.totalSize)
		})
	}
}

func TestPlanner_InvalidSize(t *testing.T) {
	p := New(testConfig())

	for _, size := range []int64{0, -1} {
		_, err := p.Plan("dl-1", "/tmp/out/file.bin", size)
		if err == nil {
			t.Fatalf("expected error for total_size=%d", size)
		}
		var dlErr *internal.DownloadError
		if de, ok := err.(*internal.DownloadError); ok {
			dlErr = de
		}
		if dlErr == nil || dlErr.Code != internal.ErrInvalidSize {
			t.Fatalf("expected InvalidSize error, got %v", err)
		}
	}
}

func TestPlanner_Deterministic(t *testing.T) {
	p := New(testConfig())

	a, err := p.Plan("dl-1", "/tmp/out/file.bin", 40_000_000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, err := p.Plan("dl-1", "/tmp/out/file.bin", 40_000_000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(a) != len(b) {
		t.Fatalf("plan output is not deterministic: len(a)=%d len(b)=%d", len(a), len(b))
	}
	for i := range a {
		if a[i].StartByte != b[i].StartByte || a[i].EndByte != b[i].EndByte {
			t.Fatalf("plan output differs at segment %d", i)
		}
	}
}

func TestPlanner_ScenarioOneLiteralRanges(t *testing.T) {
	cfg := Config{MinSegmentBytes: 5_000_000, MaxSegments: 8, SmallFileCutoff: 5_000_000}
	p := New(cfg)

	segments, err := p.Plan("dl-1", "/tmp/out/file.bin", 40_000_000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := [][2]int64{
		{0, 9_999_999},
		{10_000_000, 19_999_999},
		{20_000_000, 29_999_999},
		{30_000_000, 39_999_999},
	}
	if len(segments) != len(want) {
		t.Fatalf("got %d segments, want %d", len(segments), len(want))
	}
	for i, w := range want {
		if segments[i].StartByte != w[0] || segments[i].EndByte != w[1] {
			t.Errorf("segment %d = [%d,%d], want [%d,%d]", i, segments[i].StartByte, segments[i].EndByte, w[0], w[1])
		}
	}
}

func TestScratchPath(t *testing.T) {
	got := ScratchPath("/data/downloads/movie.mp4", 3)
	want := "/data/downloads/.movie.mp4.chunk3"
	if got != want {
		t.Errorf("ScratchPath() = %q, want %q", got, want)
	}
}

// assertPartition verifies invariant 2: segment ranges partition
// [0, total_size) exactly, with no gaps or overlaps.
func assertPartition(t *testing.T, segments []internal.Segment, totalSize int64) {
	t.Helper()
	var sum int64
	for i, s := range segments {
		if s.Index != i {
			t.Errorf("segment %d has index %d", i, s.Index)
		}
		if i > 0 && s.StartByte != segments[i-1].EndByte+1 {
			t.Errorf("gap/overlap between segment %d and %d", i-1, i)
		}
		sum += s.Length()
	}
	if sum != totalSize {
		t.Errorf("sum of segment lengths = %d, want %d", sum, totalSize)
	}
	if segments[len(segments)-1].EndByte != totalSize-1 {
		t.Errorf("last segment end = %d, want %d", segments[len(segments)-1].EndByte, totalSize-1)
	}
}
