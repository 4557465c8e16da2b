package fetch

import (
	"context"

	"go.uber.org/zap"

	"github.com/creeklabs/loreforge/internal/lore"
	"github.com/creeklabs/loreforge/internal/metrics"
)

// Renderer is the headless fallback used when the detector promotes a page.
type Renderer interface {
	Render(ctx context.Context, url string) (lore.Page, error)
}

// Client is the Fetcher the engines use: static fetch first, then a
// headless pass when the page looks JS-rendered and a renderer is
// available. A failed render falls back to the static result.
type Client struct {
	static   lore.Fetcher
	detector *Heuristic
	renderer Renderer
	logger   *zap.Logger
}

// NewClient composes a Client. renderer may be nil, which disables
// promotion.
func NewClient(static lore.Fetcher, detector *Heuristic, renderer Renderer, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if detector == nil {
		detector = NewHeuristic(0)
	}
	return &Client{
		static:   static,
		detector: detector,
		renderer: renderer,
		logger:   logger.Named("fetch"),
	}
}

// Fetch implements lore.Fetcher.
func (c *Client) Fetch(ctx context.Context, url string) (lore.Page, error) {
	page, err := c.static.Fetch(ctx, url)
	metrics.ObservePageFetch(false, err)
	if err != nil {
		return lore.Page{}, err
	}

	if c.renderer == nil || !c.detector.ShouldRender(page.HTML, page.StatusCode) {
		return page, nil
	}

	rendered, err := c.renderer.Render(ctx, url)
	metrics.ObservePageFetch(true, err)
	if err != nil {
		c.logger.Warn("headless render failed, using static page",
			zap.String("url", url), zap.Error(err))
		return page, nil
	}
	return rendered, nil
}

var _ lore.Fetcher = (*Client)(nil)
