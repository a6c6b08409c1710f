package pipeline

import (
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/media-harvester/internal/download"
	"github.com/JakeFAU/media-harvester/internal/harvest"
	"github.com/JakeFAU/media-harvester/internal/progress"
)

func (r *run) emit(evt progress.Event) {
	if r.o.deps.Events == nil {
		return
	}
	evt.RunID = r.id
	if evt.TS.IsZero() {
		evt.TS = r.o.now()
	}
	r.o.deps.Events.Emit(evt)
}

// fail appends a failure to the report. Counters are the caller's job.
func (r *run) fail(e harvest.ItemError) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.report.Failures = append(r.report.Failures, e)
}

func (r *run) alreadyDone(item harvest.Item, why string) {
	r.mu.Lock()
	r.report.AlreadyDone++
	r.mu.Unlock()
	r.logger.Info("already done", zap.String("item_id", item.ID), zap.String("title", item.Title), zap.String("reason", why))
	r.emit(progress.Event{Stage: progress.StageAlreadyDone, ItemID: item.ID, Title: item.Title, Note: why})
}

func (r *run) excluded(item harvest.Item, keyword string) {
	r.mu.Lock()
	r.report.Excluded++
	r.mu.Unlock()
	r.logger.Info("excluded",
		zap.String("item_id", item.ID),
		zap.String("title", item.Title),
		zap.String("keyword", keyword),
	)
	r.emit(progress.Event{Stage: progress.StageExcluded, ItemID: item.ID, Title: item.Title, Keyword: keyword})
}

func (r *run) metadataFailed(item harvest.Item, err error) {
	itemErr := harvest.NewItemError(harvest.StageMetadata, item.ID, err)
	r.mu.Lock()
	r.report.Failed++
	r.report.Failures = append(r.report.Failures, *itemErr)
	r.mu.Unlock()
	r.logger.Warn("metadata failed", zap.String("item_id", item.ID), zap.String("locator", item.RawLocator), zap.Error(err))
	r.emit(progress.Event{Stage: progress.StageMetadataFailed, ItemID: item.ID, Locator: item.RawLocator, Note: err.Error()})
}

func (r *run) downloadFailed(item harvest.Item, itemErr *harvest.ItemError) {
	r.mu.Lock()
	r.report.Failed++
	r.report.Failures = append(r.report.Failures, *itemErr)
	r.mu.Unlock()
	r.emit(progress.Event{
		Stage:    progress.StageDownloadFailed,
		ItemID:   item.ID,
		Title:    item.Title,
		ExitCode: download.ExitCode(itemErr),
		Note:     itemErr.Reason,
	})
}

func (r *run) downloadDone(out harvest.Outcome, dur time.Duration) {
	r.mu.Lock()
	if out.Reused {
		r.report.Reused++
	} else {
		r.report.Downloaded++
		r.downloaded = append(r.downloaded, out.Path)
	}
	r.mu.Unlock()
	r.emit(progress.Event{
		Stage:  progress.StageDownloadDone,
		ItemID: out.Item.ID,
		Title:  out.Item.Title,
		Path:   out.Path,
		Reused: out.Reused,
		Dur:    dur,
	})
}
