package resolver

import (
	"context"
	"errors"
	"fmt"
	"path"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/media-harvester/internal/harvest"
	"github.com/JakeFAU/media-harvester/internal/policy/ratelimit"
)

// PageConfig configures the HTML index page resolver.
type PageConfig struct {
	// HostPatterns are path.Match globs matched against the locator host
	// (lowercase, without "www."), e.g. "*.example.org".
	HostPatterns []string
	// LinkPattern selects which anchors on the page are item locators.
	LinkPattern string
	UserAgent   string
	Timeout     time.Duration
	Limiter     *ratelimit.Limiter
	Logger      *zap.Logger
}

// Page scrapes an index page for links and resolves each one through next.
type Page struct {
	next     harvest.Resolver
	patterns []string
	link     *regexp.Regexp
	base     *colly.Collector
	limiter  *ratelimit.Limiter
	logger   *zap.Logger
}

// NewPage builds a Page resolver. next resolves every collected link.
func NewPage(next harvest.Resolver, cfg PageConfig) (*Page, error) {
	if next == nil {
		return nil, errors.New("page resolver requires a link resolver")
	}
	expr := strings.TrimSpace(cfg.LinkPattern)
	if expr == "" {
		expr = `.`
	}
	link, err := regexp.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("compile link pattern: %w", err)
	}
	patterns := make([]string, 0, len(cfg.HostPatterns))
	for _, p := range cfg.HostPatterns {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == "" {
			continue
		}
		if _, err := path.Match(p, ""); err != nil {
			return nil, fmt.Errorf("invalid host pattern %q: %w", p, err)
		}
		patterns = append(patterns, p)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	base := colly.NewCollector(colly.Async(false))
	base.SetRequestTimeout(timeout)
	// Clones share the visited store; index pages are re-read every run.
	base.AllowURLRevisit = true
	if cfg.UserAgent != "" {
		base.UserAgent = cfg.UserAgent
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Page{
		next:     next,
		patterns: patterns,
		link:     link,
		base:     base,
		limiter:  cfg.Limiter,
		logger:   logger,
	}, nil
}

// Matches reports whether locator points at a configured index host.
func (p *Page) Matches(locator string) bool {
	host := ratelimit.Host(locator)
	for _, pattern := range p.patterns {
		if ok, _ := path.Match(pattern, host); ok {
			return true
		}
	}
	return false
}

// Resolve fetches the page, collects matching links in document order and
// resolves each. Links that fail to resolve are logged and dropped.
func (p *Page) Resolve(ctx context.Context, locator string) ([]harvest.Item, error) {
	links, err := p.Links(ctx, locator)
	if err != nil {
		return nil, err
	}
	var items []harvest.Item
	for _, l := range links {
		resolved, err := p.next.Resolve(ctx, l)
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("resolve page %s: %w", locator, ctx.Err())
			}
			p.logger.Warn("page link failed, dropped", zap.String("locator", l), zap.Error(err))
			continue
		}
		for _, item := range resolved {
			item.Source = locator
			items = append(items, item)
		}
	}
	p.logger.Info("resolved page",
		zap.String("locator", locator), zap.Int("links", len(links)), zap.Int("items", len(items)))
	return items, nil
}

// Links returns the distinct absolute links on the page that match the link pattern.
func (p *Page) Links(ctx context.Context, locator string) ([]string, error) {
	if err := p.limiter.Wait(ctx, locator); err != nil {
		return nil, err
	}
	var (
		mu       sync.Mutex
		links    []string
		seen     = map[string]struct{}{}
		visitErr error
	)
	c := p.base.Clone()
	c.OnHTML("a[href]", func(e *colly.HTMLElement) {
		abs := e.Request.AbsoluteURL(e.Attr("href"))
		if abs == "" || !p.link.MatchString(abs) {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		if _, ok := seen[abs]; ok {
			return
		}
		seen[abs] = struct{}{}
		links = append(links, abs)
	})
	c.OnError(func(_ *colly.Response, err error) {
		mu.Lock()
		visitErr = err
		mu.Unlock()
	})

	done := make(chan error, 1)
	go func() {
		done <- c.Visit(locator)
	}()
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("fetch page canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return nil, fmt.Errorf("fetch page %s: %w", locator, err)
		}
	}
	mu.Lock()
	defer mu.Unlock()
	if visitErr != nil {
		return nil, fmt.Errorf("fetch page %s: %w", locator, visitErr)
	}
	return links, nil
}
