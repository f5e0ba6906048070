package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"segfetch/coordinator"
	"segfetch/internal"
	"segfetch/planner"
	"segfetch/probe"
	"segfetch/store"
	"segfetch/utils"
)

var (
	outputPath  string
	concurrency int
	rateLimit   string
	quiet       bool
	proxyURL    string
	debug       bool
	logLevel    string
	logFile     string
	storePath   string
)

var rootCmd = &cobra.Command{
	Use:     "segfetch [OPTIONS] <URL>",
	Short:   "Download a file over multiple concurrent HTTP Range requests",
	Version: "v1.0.0",
	Long: `segfetch partitions a remote file into byte-range segments and fetches
them concurrently, persisting progress so an interrupted download can
resume exactly where it left off.

Examples:
  segfetch https://example.com/archive.iso
  segfetch -o ./archive.iso -t 16 https://example.com/archive.iso
  segfetch -r 5M --proxy socks5://127.0.0.1:1080 https://example.com/archive.iso

Environment Variables (SEGFETCH_ prefix, see internal.LoadConfig):
  SEGFETCH_MAX_CONCURRENT_SEGMENTS
  SEGFETCH_RATE_LIMIT
  SEGFETCH_PROXY_URL
  SEGFETCH_LOG_LEVEL`,
	Args: cobra.ExactArgs(1),
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return loadConfiguration()
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return runGet(args[0])
	},
}

var cfg *internal.Config

func loadConfiguration() error {
	loaded, err := internal.LoadConfig("")
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}
	cfg = loaded

	if concurrency > 0 {
		cfg.MaxConcurrentSegments = concurrency
		if cfg.MaxSegments < concurrency {
			cfg.MaxSegments = concurrency
		}
	}
	if rateLimit != "" {
		bytesPerSec, err := utils.ParseRateLimit(rateLimit)
		if err != nil {
			return fmt.Errorf("invalid rate limit %q: %w", rateLimit, err)
		}
		cfg.RateLimit = bytesPerSec
	}
	if proxyURL != "" {
		cfg.ProxyURL = proxyURL
	}
	if quiet {
		cfg.Quiet = true
	}
	if debug {
		cfg.LogLevel = "debug"
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if logFile != "" {
		cfg.LogFile = logFile
	}
	if storePath != "" {
		cfg.StorePath = storePath
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := internal.InitLogger(cfg); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	return nil
}

func runGet(sourceURL string) error {
	if outputPath == "" {
		outputPath = filepath.Base(sourceURL)
		if outputPath == "" || outputPath == "." || outputPath == "/" {
			outputPath = "segfetch-download"
		}
	}
	finalPath, err := filepath.Abs(outputPath)
	if err != nil {
		return fmt.Errorf("resolve output path: %w", err)
	}

	internal.LogInfo("starting download: url=%s output=%s", sourceURL, finalPath)

	st, err := store.Open(cfg.StorePath)
	if err != nil {
		return fmt.Errorf("open state store: %w", err)
	}
	defer st.Close()

	client, err := utils.NewClient(utils.ClientConfig{ProxyURL: cfg.ProxyURL})
	if err != nil {
		return fmt.Errorf("build HTTP client: %w", err)
	}

	uaRotator := utils.NewUserAgentRotator()

	var rateLimiter internal.RateLimiter
	if cfg.RateLimit > 0 {
		rateLimiter = utils.NewDistributedRateLimiter(cfg.RateLimit, cfg.MaxConcurrentSegments)
	}

	pl := planner.New(planner.Config{
		MinSegmentBytes: cfg.MinSegmentBytes,
		MaxSegments:     cfg.MaxSegments,
		SmallFileCutoff: cfg.SmallFileCutoff,
	})
	pr := probe.New(client, 15*time.Second, 64)

	listener := utils.NewProgressTracker(0, cfg.Quiet)
	listener.SetFilename(finalPath)

	co := coordinator.New(cfg, st, pl, pr, client, rateLimiter, listener)
	co.SetUserAgentSource(uaRotator)

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	downloadID, err := co.Start(ctx, sourceURL, finalPath)
	if err != nil {
		return fmt.Errorf("start download: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	go func() {
		select {
		case <-sigCh:
		case <-ctx.Done():
			return
		}
		internal.LogInfo("signal received, pausing download %s", downloadID)
		if !cfg.Quiet {
			fmt.Fprintln(os.Stderr, "\npausing... press Ctrl-C again to cancel")
		}
		pauseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = co.Pause(pauseCtx, downloadID)
		cancel()

		select {
		case <-sigCh:
			internal.LogInfo("second signal received, cancelling download %s", downloadID)
			cancelCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = co.Cancel(cancelCtx, downloadID, true)
			cancel()
		case <-time.After(2 * time.Second):
		}
	}()

	waitErr := co.Wait(ctx, downloadID)
	if waitErr != nil {
		internal.LogError("download %s did not complete: %v", downloadID, waitErr)
		return waitErr
	}

	internal.LogInfo("download %s completed: %s", downloadID, finalPath)
	return nil
}

func init() {
	cfg = internal.DefaultConfig()

	rootCmd.Flags().StringVarP(&outputPath, "output", "o", "", "Output file path (default: derived from the URL)")
	rootCmd.Flags().IntVarP(&concurrency, "threads", "t", 0, "Max concurrent segments (default: config/engine default)")
	rootCmd.Flags().StringVarP(&rateLimit, "limit-rate", "r", "", "Bandwidth limit, e.g. 5M for 5MB/s")
	rootCmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "Suppress progress output")
	rootCmd.Flags().StringVar(&proxyURL, "proxy", "", "HTTP/SOCKS5 proxy URL")
	rootCmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.Flags().StringVar(&logFile, "log-file", "", "Write logs to file instead of stderr")
	rootCmd.Flags().StringVar(&storePath, "store", "", "Path to the segment-state database")
}

func Execute() error {
	return rootCmd.Execute()
}
