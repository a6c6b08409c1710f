package pipeline

import (
	"context"
	"fmt"
	"mime"
	"os"
	"path"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/media-harvester/internal/harvest"
	"github.com/JakeFAU/media-harvester/internal/progress"
)

const fallbackContentType = "application/octet-stream"

// normalize runs the rename/delete pass and relocates completion markers.
// It returns old->new for every rename.
func (r *run) normalize(ctx context.Context) map[string]string {
	n := r.o.deps.Normalizer
	if n == nil {
		return nil
	}
	res, err := n.Normalize(ctx, r.o.cfg.OutputDir)
	if err != nil {
		r.logger.Warn("normalize pass failed", zap.String("path", r.o.cfg.OutputDir), zap.Error(err))
		r.fail(harvest.ItemError{Path: r.o.cfg.OutputDir, Stage: harvest.StageNormalize, Reason: err.Error(), Err: err})
	}
	renames := make(map[string]string, len(res.Renames))
	for _, rn := range res.Renames {
		renames[rn.Old] = rn.New
		r.emit(progress.Event{Stage: progress.StageRenamed, Path: rn.Old, NewPath: rn.New})
	}
	for _, d := range res.Deletions {
		renames[d.Path] = ""
		r.emit(progress.Event{Stage: progress.StageDeleted, Path: d.Path, Keyword: d.Keyword})
	}

	r.mu.Lock()
	r.report.Renamed += len(res.Renames)
	r.report.Deleted += len(res.Deletions)
	r.report.Failures = append(r.report.Failures, res.Errors...)
	r.mu.Unlock()

	if r.o.deps.Markers != nil && len(res.Renames) > 0 {
		if _, err := r.o.deps.Markers.Relocate(res.Renames); err != nil {
			r.logger.Warn("relocate completion markers", zap.Error(err))
		}
	}
	return renames
}

// mirror uploads every artifact downloaded in this run under its final name.
// Failures are per file and never fail the run.
func (r *run) mirror(ctx context.Context, renames map[string]string) {
	store := r.o.deps.Mirror
	if store == nil {
		return
	}
	r.mu.Lock()
	paths := append([]string(nil), r.downloaded...)
	r.mu.Unlock()

	for _, p := range paths {
		if ctx.Err() != nil {
			return
		}
		final := p
		if next, ok := renames[p]; ok {
			if next == "" {
				continue
			}
			final = next
		}
		uri, err := r.upload(ctx, store, final)
		if err != nil {
			r.logger.Warn("mirror failed", zap.String("path", final), zap.Error(err))
			r.fail(harvest.ItemError{Path: final, Stage: harvest.StageMirror, Reason: err.Error(), Err: err})
			continue
		}
		r.mu.Lock()
		r.report.Mirrored++
		r.mu.Unlock()
		r.logger.Info("mirrored", zap.String("path", final), zap.String("uri", uri))
	}
}

func (r *run) upload(ctx context.Context, store harvest.BlobStore, local string) (string, error) {
	f, err := os.Open(local)
	if err != nil {
		return "", fmt.Errorf("open artifact: %w", err)
	}
	defer f.Close() //nolint:errcheck // read-only

	uri, err := store.PutObject(ctx, r.objectPath(local), contentType(local), f)
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return uri, nil
}

func (r *run) objectPath(local string) string {
	name := filepath.Base(local)
	prefix := strings.Trim(r.o.cfg.MirrorPrefix, "/")
	if prefix == "" {
		return name
	}
	return path.Join(prefix, name)
}

func contentType(p string) string {
	if ct := mime.TypeByExtension(strings.ToLower(filepath.Ext(p))); ct != "" {
		return ct
	}
	return fallbackContentType
}
