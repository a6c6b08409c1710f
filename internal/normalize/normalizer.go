package normalize

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/media-harvester/internal/harvest"
)

// ErrNoFreeName is reported for a file when every suffix up to MaxSuffix is taken.
var ErrNoFreeName = errors.New("no free name")

// DefaultMaxSuffix bounds the collision search.
const DefaultMaxSuffix = 1000

// Matcher reports the first exclusion keyword found in a name.
type Matcher interface {
	Match(text string) (string, bool)
}

// Config configures a Normalizer.
type Config struct {
	// Extension is the managed extension, matched case-insensitively (e.g. ".mp3").
	Extension string
	MaxSuffix int
	// MinAge skips files modified more recently than this (used while watching).
	MinAge time.Duration
	Logger *zap.Logger
}

// Result lists what one pass did.
type Result struct {
	Renames   []harvest.Rename
	Deletions []harvest.Deletion
	Errors    []harvest.ItemError
}

// Normalizer runs the rename/delete pass over a directory.
type Normalizer struct {
	namer     *Namer
	excluder  Matcher
	ext       string
	maxSuffix int
	minAge    time.Duration
	now       func() time.Time
	logger    *zap.Logger
}

// New builds a Normalizer. excluder may be nil.
func New(namer *Namer, excluder Matcher, cfg Config) (*Normalizer, error) {
	if namer == nil {
		return nil, fmt.Errorf("namer is required")
	}
	ext := strings.TrimSpace(cfg.Extension)
	if ext == "" {
		return nil, fmt.Errorf("managed extension is required")
	}
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	maxSuffix := cfg.MaxSuffix
	if maxSuffix <= 0 {
		maxSuffix = DefaultMaxSuffix
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Normalizer{
		namer:     namer,
		excluder:  excluder,
		ext:       ext,
		maxSuffix: maxSuffix,
		minAge:    cfg.MinAge,
		now:       time.Now,
		logger:    logger,
	}, nil
}

// Namer returns the namer used for canonical names.
func (n *Normalizer) Namer() *Namer {
	return n.namer
}

// Normalize scans dir non-recursively. Files with the managed extension that
// contain an exclusion keyword are deleted; the rest are renamed to their
// canonical name when it differs. Per-file failures land in Result.Errors;
// only an unreadable directory returns an error.
func (n *Normalizer) Normalize(ctx context.Context, dir string) (Result, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return Result{}, fmt.Errorf("read directory %s: %w", dir, err)
	}
	var res Result
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return res, fmt.Errorf("normalize %s: %w", dir, err)
		}
		if !entry.Type().IsRegular() || !n.manages(entry.Name()) {
			continue
		}
		if n.minAge > 0 && n.tooFresh(entry) {
			continue
		}
		n.handle(dir, entry.Name(), &res)
	}
	return res, nil
}

func (n *Normalizer) manages(name string) bool {
	if !strings.EqualFold(filepath.Ext(name), n.ext) {
		return false
	}
	// yt-dlp intermediates such as "x.temp.mp3" or "x.mp3.part".
	base := strings.ToLower(strings.TrimSuffix(name, filepath.Ext(name)))
	return !strings.HasSuffix(base, ".temp") && !strings.HasSuffix(base, ".part")
}

func (n *Normalizer) tooFresh(entry fs.DirEntry) bool {
	info, err := entry.Info()
	if err != nil {
		return true
	}
	return n.now().Sub(info.ModTime()) < n.minAge
}

func (n *Normalizer) handle(dir, name string, res *Result) {
	oldPath := filepath.Join(dir, name)
	if n.excluder != nil {
		if kw, ok := n.excluder.Match(name); ok {
			if err := os.Remove(oldPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
				n.logger.Warn("delete failed", zap.String("path", oldPath), zap.Error(err))
				res.Errors = append(res.Errors, harvest.ItemError{
					Path: oldPath, Stage: harvest.StageNormalize, Reason: err.Error(), Err: err,
				})
				return
			}
			n.logger.Info(fmt.Sprintf("deleted: %s, reason: %s", name, kw),
				zap.String("path", oldPath), zap.String("keyword", kw))
			res.Deletions = append(res.Deletions, harvest.Deletion{Path: oldPath, Keyword: kw})
			return
		}
	}

	target := n.namer.Canonical(name)
	if target == name {
		return
	}
	newName, err := n.freeName(dir, name, target)
	if err != nil {
		n.logger.Warn("rename skipped", zap.String("path", oldPath), zap.Error(err))
		res.Errors = append(res.Errors, harvest.ItemError{
			Path: oldPath, Stage: harvest.StageNormalize, Reason: err.Error(), Err: err,
		})
		return
	}
	if newName == name {
		return
	}
	newPath := filepath.Join(dir, newName)
	if err := os.Rename(oldPath, newPath); err != nil {
		n.logger.Warn("rename failed", zap.String("path", oldPath), zap.Error(err))
		res.Errors = append(res.Errors, harvest.ItemError{
			Path: oldPath, Stage: harvest.StageNormalize, Reason: err.Error(), Err: err,
		})
		return
	}
	n.logger.Info(fmt.Sprintf("%s -> %s", name, newName), zap.String("old", oldPath), zap.String("new", newPath))
	res.Renames = append(res.Renames, harvest.Rename{Old: oldPath, New: newPath})
}

// freeName returns target, or target with the smallest free numeric suffix.
func (n *Normalizer) freeName(dir, current, target string) (string, error) {
	src, err := os.Lstat(filepath.Join(dir, current))
	if err != nil {
		return "", fmt.Errorf("stat source: %w", err)
	}
	ext := filepath.Ext(target)
	base := strings.TrimSuffix(target, ext)
	candidate := target
	for i := 0; i <= n.maxSuffix; i++ {
		if i > 0 {
			candidate = base + strconv.Itoa(i) + ext
		}
		info, err := os.Lstat(filepath.Join(dir, candidate))
		if errors.Is(err, fs.ErrNotExist) {
			return candidate, nil
		}
		if err != nil {
			return "", fmt.Errorf("stat candidate %s: %w", candidate, err)
		}
		// The source itself: a case-only rename on a case-insensitive
		// filesystem, or a suffixed name the file already holds.
		if os.SameFile(src, info) {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("%w for %q after %d attempts", ErrNoFreeName, target, n.maxSuffix)
}
