// Package download turns eligible items into audio artifacts by invoking the
// extraction tool, one invocation per item.
package download

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/media-harvester/internal/harvest"
	"github.com/JakeFAU/media-harvester/internal/normalize"
	"github.com/JakeFAU/media-harvester/internal/ytdlp"
)

// Config configures the Executor.
type Config struct {
	OutputDir    string
	Format       string
	AudioFormat  string
	AudioQuality string
	CookiesFile  string
	// ExtraArgs are appended verbatim before the locator.
	ExtraArgs []string
	// Markers enables the verified-artifact short-circuit. Optional.
	Markers *Markers
	// Namer predicts the post-normalization name for the short-circuit. Optional.
	Namer  *normalize.Namer
	Logger *zap.Logger
}

// Executor implements harvest.Acquirer on top of yt-dlp. It never touches the
// ledger; callers record Done for successful outcomes.
type Executor struct {
	runner  ytdlp.Runner
	outDir  string
	format  string
	audio   string
	quality string
	cookies string
	extra   []string
	markers *Markers
	namer   *normalize.Namer
	logger  *zap.Logger
}

// New builds an Executor writing into cfg.OutputDir, which is created if missing.
func New(runner ytdlp.Runner, cfg Config) (*Executor, error) {
	if runner == nil {
		return nil, errors.New("runner is required")
	}
	outDir := strings.TrimSpace(cfg.OutputDir)
	if outDir == "" {
		return nil, errors.New("output directory is required")
	}
	if err := os.MkdirAll(outDir, 0o750); err != nil {
		return nil, fmt.Errorf("create output directory: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		runner:  runner,
		outDir:  outDir,
		format:  orDefault(cfg.Format, ytdlp.DefaultFormat),
		audio:   orDefault(cfg.AudioFormat, ytdlp.DefaultAudioFormat),
		quality: orDefault(cfg.AudioQuality, ytdlp.DefaultAudioQuality),
		cookies: cfg.CookiesFile,
		extra:   append([]string(nil), cfg.ExtraArgs...),
		markers: cfg.Markers,
		namer:   cfg.Namer,
		logger:  logger,
	}, nil
}

// OutputDir returns the artifact directory.
func (e *Executor) OutputDir() string {
	return e.outDir
}

// Acquire downloads one item. Failures are returned in the outcome and never
// panic or abort sibling acquisitions.
func (e *Executor) Acquire(ctx context.Context, item harvest.Item) harvest.Outcome {
	log := e.logger.With(zap.String("item_id", item.ID), zap.String("title", item.Title))

	if path, ok := e.reusable(item); ok {
		log.Info("artifact already complete", zap.String("path", path))
		return harvest.Outcome{Item: item, Path: path, Reused: true}
	}

	locator := item.URL
	if locator == "" {
		locator = item.RawLocator
	}
	if locator == "" {
		return e.fail(log, item, errors.New("no locator"))
	}

	res, err := e.runner.Run(ctx, e.Args(locator))
	if err != nil {
		var exitErr *ytdlp.ExitError
		if errors.As(err, &exitErr) {
			log.Warn("download failed",
				zap.Int("exit_code", exitErr.Code),
				zap.String("stderr", ytdlp.StderrTail(exitErr.Stderr, 5)),
			)
		}
		return e.fail(log, item, fmt.Errorf("%w: %w", harvest.ErrToolFailed, err))
	}

	path := ytdlp.LastPrintedPath(res.Stdout)
	if path == "" {
		return e.fail(log, item, fmt.Errorf("%w: no output path reported", harvest.ErrToolFailed))
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(e.outDir, path)
	}
	if info, err := os.Stat(path); err != nil || !info.Mode().IsRegular() {
		return e.fail(log, item, fmt.Errorf("%w: reported file %s missing", harvest.ErrToolFailed, path))
	}

	if e.markers != nil {
		if _, err := e.markers.Write(item.ID, path); err != nil {
			log.Warn("completion marker not written", zap.String("path", path), zap.Error(err))
		}
	}
	log.Info("downloaded", zap.String("path", path))
	return harvest.Outcome{Item: item, Path: path}
}

// Args returns the full argument list for one download.
func (e *Executor) Args(locator string) []string {
	args := []string{
		ytdlp.FlagFormat, e.format,
		ytdlp.FlagExtractAudio,
		ytdlp.FlagAudioFormat, e.audio,
		ytdlp.FlagAudioQuality, e.quality,
		ytdlp.FlagEmbedThumbnail,
		ytdlp.FlagNoPlaylist,
		ytdlp.FlagIgnoreErrors,
		ytdlp.FlagNoProgress,
		ytdlp.FlagOutput, filepath.Join(e.outDir, ytdlp.TitleTemplate),
		ytdlp.FlagPrint, ytdlp.AfterMoveFilepath,
		ytdlp.FlagNoSimulate,
	}
	args = append(args, ytdlp.CookieArgs(e.cookies)...)
	args = append(args, e.extra...)
	return append(args, locator)
}

func (e *Executor) reusable(item harvest.Item) (string, bool) {
	if e.markers == nil {
		return "", false
	}
	var candidates []string
	if e.namer != nil && strings.TrimSpace(item.Title) != "" {
		name := e.namer.CanonicalBase(item.Title) + "." + e.audio
		candidates = append(candidates, filepath.Join(e.outDir, name))
	}
	return e.markers.Verify(item.ID, candidates...)
}

func (e *Executor) fail(log *zap.Logger, item harvest.Item, err error) harvest.Outcome {
	log.Warn("item failed", zap.Error(err))
	return harvest.Outcome{Item: item, Err: harvest.NewItemError(harvest.StageDownload, item.ID, err)}
}

func orDefault(v, fallback string) string {
	if v = strings.TrimSpace(v); v != "" {
		return v
	}
	return fallback
}

// ExitCode extracts the tool exit code from an outcome error, or -1.
func ExitCode(err error) int {
	var exitErr *ytdlp.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return -1
}

var _ harvest.Acquirer = (*Executor)(nil)

