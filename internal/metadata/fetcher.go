// Package metadata fills in item titles and canonical URLs before filtering.
package metadata

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/media-harvester/internal/harvest"
	"github.com/JakeFAU/media-harvester/internal/policy/ratelimit"
	"github.com/JakeFAU/media-harvester/internal/ytdlp"
)

// ErrUnavailable marks items the tool reports as private, removed or otherwise unreachable.
var ErrUnavailable = errors.New("item unavailable")

// Config configures the Fetcher.
type Config struct {
	CookiesFile string
	Limiter     *ratelimit.Limiter
	Logger      *zap.Logger
}

// Fetcher runs `yt-dlp --skip-download --dump-json` for one item.
type Fetcher struct {
	runner  ytdlp.Runner
	cookies string
	limiter *ratelimit.Limiter
	logger  *zap.Logger
}

// New builds a Fetcher.
func New(runner ytdlp.Runner, cfg Config) *Fetcher {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{runner: runner, cookies: cfg.CookiesFile, limiter: cfg.Limiter, logger: logger}
}

// Fetch returns item with its title and URL refreshed from the source. The
// item ID never changes; a response for a different ID is an error.
func (f *Fetcher) Fetch(ctx context.Context, item harvest.Item) (harvest.Item, error) {
	locator := item.RawLocator
	if locator == "" {
		locator = item.URL
	}
	if locator == "" {
		return item, fmt.Errorf("item %s has no locator", item.ID)
	}
	if err := f.limiter.Wait(ctx, locator); err != nil {
		return item, err
	}

	args := []string{ytdlp.FlagSkipDownload, ytdlp.FlagDumpJSON, ytdlp.FlagNoPlaylist}
	args = append(args, ytdlp.CookieArgs(f.cookies)...)
	args = append(args, locator)

	res, err := f.runner.Run(ctx, args)
	if err != nil {
		var exitErr *ytdlp.ExitError
		if errors.As(err, &exitErr) && unavailable(exitErr.Stderr) {
			return item, fmt.Errorf("fetch metadata %s: %w: %w", item.ID, ErrUnavailable, err)
		}
		return item, fmt.Errorf("fetch metadata %s: %w", item.ID, err)
	}
	entry, err := ytdlp.DecodeEntry(res.Stdout)
	if err != nil {
		return item, fmt.Errorf("fetch metadata %s: %w", item.ID, err)
	}
	if got := harvest.ItemID(entry.Extractor(), entry.ID); got != "" && got != item.ID {
		return item, fmt.Errorf("fetch metadata %s: tool returned id %s", item.ID, got)
	}

	out := item
	if title := strings.TrimSpace(entry.Title); title != "" {
		out.Title = title
	}
	if loc := entry.Locator(); loc != "" {
		out.URL = loc
	}
	f.logger.Debug("metadata fetched", zap.String("item_id", out.ID), zap.String("title", out.Title))
	return out, nil
}

func unavailable(stderr string) bool {
	low := strings.ToLower(stderr)
	for _, marker := range []string{"private video", "video unavailable", "has been removed", "members-only", "account associated with this video has been terminated"} {
		if strings.Contains(low, marker) {
			return true
		}
	}
	return false
}
