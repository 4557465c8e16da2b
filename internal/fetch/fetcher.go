// Package fetch retrieves and dissects web pages: a colly-based static
// fetcher, a chromedp renderer for JS-heavy pages, the promotion heuristic
// that decides between the two, and goquery helpers for link, pagination,
// image and text extraction.
package fetch

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/creeklabs/loreforge/internal/lore"
)

// StaticConfig controls the colly collector.
type StaticConfig struct {
	UserAgent string
	Timeout   time.Duration
}

// StaticFetcher performs plain HTTP fetches through a colly collector.
type StaticFetcher struct {
	cfg           StaticConfig
	baseCollector *colly.Collector
}

// NewStaticFetcher builds a StaticFetcher.
func NewStaticFetcher(cfg StaticConfig) *StaticFetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	c := colly.NewCollector(colly.Async(false))
	c.IgnoreRobotsTxt = true
	c.WithTransport(newHTTPTransport())
	return &StaticFetcher{cfg: cfg, baseCollector: c}
}

// Fetch executes a single HTTP GET. Non-2xx statuses return a FetchError;
// 429 and 5xx are marked transient.
func (f *StaticFetcher) Fetch(ctx context.Context, url string) (lore.Page, error) {
	collector := f.baseCollector.Clone()
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	collector.SetRequestTimeout(f.cfg.Timeout)

	var (
		page     lore.Page
		fetchErr error
	)
	start := time.Now()

	collector.OnResponse(func(r *colly.Response) {
		contentType := r.Headers.Get("Content-Type")
		if contentType != "" && !strings.Contains(contentType, "text/html") {
			fetchErr = &lore.FetchError{
				URL:        url,
				StatusCode: r.StatusCode,
				Err:        fmt.Errorf("unsupported content type %q", contentType),
			}
			return
		}
		page = lore.Page{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			HTML:       string(r.Body),
			Duration:   time.Since(start),
		}
	})
	collector.OnError(func(r *colly.Response, err error) {
		status := 0
		if r != nil {
			status = r.StatusCode
		}
		fetchErr = &lore.FetchError{
			URL:        url,
			StatusCode: status,
			Transient:  status == http.StatusTooManyRequests || status >= 500 || status == 0,
			Err:        err,
		}
	})

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return lore.Page{}, fmt.Errorf("fetch canceled: %w", ctx.Err())
	case err := <-done:
		if fetchErr != nil {
			return lore.Page{}, fetchErr
		}
		if err != nil {
			return lore.Page{}, &lore.FetchError{URL: url, Err: err}
		}
		return page, nil
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}

var _ lore.Fetcher = (*StaticFetcher)(nil)
