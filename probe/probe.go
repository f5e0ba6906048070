// Package probe implements the Range-Support Probe (§4.I): a one-shot,
// time-bounded capability check of a remote endpoint, grounded on the
// HEAD-with-GET-Range-fallback idiom used by byte-range downloaders
// throughout the retrieved pack.
package probe

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"segfetch/internal"
)

const defaultTimeout = 10 * time.Second

// Probe issues a HEAD (falling back to a small ranged GET for servers
// that reject HEAD) against the source URL and reports capability only;
// the decision to use segmented mode is the host's.
type Probe struct {
	client  *http.Client
	timeout time.Duration
	cache   *lru.Cache[string, internal.ProbeResult]
}

// New builds a Probe. cacheSize bounds the per-host result cache that
// lets repeated downloads from the same endpoint skip a redundant HEAD;
// 0 disables caching.
func New(client *http.Client, timeout time.Duration, cacheSize int) *Probe {
	if client == nil {
		client = http.DefaultClient
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	var cache *lru.Cache[string, internal.ProbeResult]
	if cacheSize > 0 {
		cache, _ = lru.New[string, internal.ProbeResult](cacheSize)
	}

	return &Probe{client: client, timeout: timeout, cache: cache}
}

// Probe performs the capability check, consulting the per-host cache
// first.
func (p *Probe) Probe(ctx context.Context, rawURL string) (internal.ProbeResult, error) {
	host := hostOf(rawURL)
	if p.cache != nil && host != "" {
		if cached, ok := p.cache.Get(host); ok {
			return cached, nil
		}
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	result := p.doProbe(ctx, rawURL)

	if p.cache != nil && host != "" && result.Err == "" {
		p.cache.Add(host, result)
	}
	return result, nil
}

func (p *Probe) doProbe(ctx context.Context, rawURL string) internal.ProbeResult {
	res, err := p.head(ctx, rawURL)
	if err != nil || res.StatusCode >= 400 {
		res, err = p.rangedGet(ctx, rawURL)
	}
	if err != nil {
		if ctx.Err() != nil {
			return internal.ProbeResult{Supported: false, Err: "timeout"}
		}
		return internal.ProbeResult{Supported: false, Err: err.Error()}
	}
	defer res.Body.Close()

	acceptRanges := res.Header.Get("Accept-Ranges") == "bytes"
	contentRange := res.Header.Get("Content-Range")
	supported := res.StatusCode == http.StatusPartialContent || acceptRanges || contentRange != ""

	length, _ := strconv.ParseInt(res.Header.Get("Content-Length"), 10, 64)
	if contentRange != "" {
		if total := totalFromContentRange(contentRange); total > 0 {
			length = total
		}
	}

	return internal.ProbeResult{
		Supported:     supported,
		Status:        res.StatusCode,
		AcceptRanges:  acceptRanges,
		ContentRange:  contentRange,
		ContentLength: length,
	}
}

func (p *Probe) head(ctx context.Context, rawURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, rawURL, nil)
	if err != nil {
		return nil, err
	}
	setBrowserHeaders(req)
	return p.client.Do(req)
}

// rangedGet falls back to a GET with a one-byte range for servers that
// reject HEAD (e.g. return 403/405 for it).
func (p *Probe) rangedGet(ctx context.Context, rawURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	setBrowserHeaders(req)
	req.Header.Set("Range", "bytes=0-0")
	return p.client.Do(req)
}

func setBrowserHeaders(req *http.Request) {
	req.Header.Set("User-Agent", "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36")
	req.Header.Set("Accept", "*/*")
	req.Header.Set("Connection", "keep-alive")
}

func totalFromContentRange(headerValue string) int64 {
	parts := strings.Split(headerValue, "/")
	if len(parts) != 2 {
		return 0
	}
	total, err := strconv.ParseInt(strings.TrimSpace(parts[1]), 10, 64)
	if err != nil {
		return 0
	}
	return total
}

func hostOf(rawURL string) string {
	idx := strings.Index(rawURL, "://")
	if idx < 0 {
		return ""
	}
	rest := rawURL[idx+3:]
	end := strings.IndexAny(rest, "/?#")
	if end < 0 {
		return rest
	}
	return rest[:end]
}

var _ internal.RangeProbe = (*Probe)(nil)
