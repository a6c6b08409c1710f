// Package resolver expands locators into flat lists of downloadable items.
package resolver

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

// DefaultMaxDepth bounds nested collection expansion.
const DefaultMaxDepth = 3

const watchURLPrefix = "https://www.youtube.com/watch?v="

// YTDLPConfig configures the yt-dlp backed resolver.
type YTDLPConfig struct {
	MaxDepth int
	// CookiesFile is passed through when the file exists.
	CookiesFile string
	Limiter     *ratelimit.Limiter
	Logger      *zap.Logger
}

// YTDLP resolves locators with `yt-dlp --flat-playlist --dump-json`.
type YTDLP struct {
	runner   ytdlp.Runner
	maxDepth int
	cookies  string
	limiter  *ratelimit.Limiter
	logger   *zap.Logger
}

// NewYTDLP builds a resolver around runner.
func NewYTDLP(runner ytdlp.Runner, cfg YTDLPConfig) *YTDLP {
	depth := cfg.MaxDepth
	if depth <= 0 {
		depth = DefaultMaxDepth
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &YTDLP{
		runner:   runner,
		maxDepth: depth,
		cookies:  cfg.CookiesFile,
		limiter:  cfg.Limiter,
		logger:   logger,
	}
}

// Resolve returns one item for a single video and one item per member for a
// collection. Nested collections are flattened; members that fail to expand
// are logged and dropped. An error is returned only when the top-level
// locator itself cannot be listed.
func (r *YTDLP) Resolve(ctx context.Context, locator string) ([]harvest.Item, error) {
	locator = strings.TrimSpace(locator)
	if locator == "" {
		return nil, errors.New("empty locator")
	}
	visited := map[string]struct{}{locator: {}}
	var items []harvest.Item
	if err := r.expand(ctx, locator, locator, 0, visited, &items); err != nil {
		return nil, err
	}
	r.logger.Info("resolved locator", zap.String("locator", locator), zap.Int("items", len(items)))
	return items, nil
}

func (r *YTDLP) expand(
	ctx context.Context,
	source, locator string,
	depth int,
	visited map[string]struct{},
	items *[]harvest.Item,
) error {
	entries, err := r.list(ctx, locator)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.IsCollection() {
			child := entry.Locator()
			if child == "" || child == locator {
				continue
			}
			if _, seen := visited[child]; seen {
				continue
			}
			visited[child] = struct{}{}
			if depth+1 > r.maxDepth {
				r.logger.Warn("collection nested too deep, dropped",
					zap.String("locator", child), zap.Int("max_depth", r.maxDepth))
				continue
			}
			if err := r.expand(ctx, source, child, depth+1, visited, items); err != nil {
				if ctx.Err() != nil {
					return fmt.Errorf("resolve %s: %w", source, ctx.Err())
				}
				r.logger.Warn("nested collection failed, dropped",
					zap.String("locator", child), zap.Error(err))
			}
			continue
		}
		item, ok := itemFromEntry(entry, source)
		if !ok {
			r.logger.Warn("entry without id, dropped",
				zap.String("locator", locator), zap.String("title", entry.Title))
			continue
		}
		*items = append(*items, item)
	}
	return nil
}

func (r *YTDLP) list(ctx context.Context, locator string) ([]ytdlp.Entry, error) {
	if err := r.limiter.Wait(ctx, locator); err != nil {
		return nil, err
	}
	args := []string{ytdlp.FlagFlatPlaylist, ytdlp.FlagDumpJSON, ytdlp.FlagIgnoreErrors}
	args = append(args, ytdlp.CookieArgs(r.cookies)...)
	args = append(args, locator)

	res, runErr := r.runner.Run(ctx, args)
	entries, decodeErr := ytdlp.DecodeEntries(res.Stdout)
	switch {
	case len(entries) > 0:
		if runErr != nil {
			// --ignore-errors exits non-zero when some members were unavailable.
			r.logger.Warn("partial listing", zap.String("locator", locator), zap.Error(runErr))
		}
		return entries, nil
	case runErr != nil:
		return nil, fmt.Errorf("list %s: %w", locator, runErr)
	case decodeErr != nil:
		return nil, fmt.Errorf("list %s: %w", locator, decodeErr)
	default:
		return nil, nil
	}
}

func itemFromEntry(entry ytdlp.Entry, source string) (harvest.Item, bool) {
	loc := entry.Locator()
	id := harvest.ItemID(entry.Extractor(), entry.ID)
	if id == "" {
		canonical, ok := harvest.CanonicalID(loc)
		if !ok {
			return harvest.Item{}, false
		}
		id = canonical
	}
	if loc == "" {
		if _, ok := harvest.CanonicalID(id); !ok {
			return harvest.Item{}, false
		}
		loc = watchURLPrefix + id
	}
	return harvest.Item{
		ID:         id,
		Title:      entry.Title,
		URL:        loc,
		RawLocator: loc,
		Source:     source,
	}, true
}
