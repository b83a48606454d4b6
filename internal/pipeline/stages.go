package pipeline

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/lherron/ingest/internal/batch"
	"github.com/lherron/ingest/internal/dedupe"
	"github.com/lherron/ingest/internal/domain"
	"github.com/lherron/ingest/internal/preparer"
	"github.com/lherron/ingest/internal/resolver"
	"github.com/lherron/ingest/internal/store"
	"github.com/lherron/ingest/internal/walker"
)

// scan walks the source tree and stores its items. Scanner directories are
// handed to their registered scanner once the walk is done.
func (r *Runner) scan(ctx context.Context, ing *domain.Ingest, task *domain.Task, log logrus.FieldLogger) error {
	stats, err := r.store.Items.Stats(ing.ID)
	if err != nil {
		return err
	}
	if stats.Items > 0 {
		queued, err := r.store.Tasks.CountOpen(ing.ID, domain.TaskTypeResolve)
		if err != nil {
			return err
		}
		if queued > 0 {
			log.Info("scan already finished")
			return nil
		}
		return fmt.Errorf("an earlier scan already stored %d items; start a new ingest", stats.Items)
	}

	tmpl, err := walker.ParseTemplate([]byte(ing.Template))
	if err != nil {
		return err
	}

	items := batch.NewWriter("items", r.opts.BatchSize, func(_ context.Context, its []*domain.Item) error {
		return r.store.Items.InsertBatch(its)
	})
	errs := batch.NewWriter("errors", r.opts.BatchSize, func(_ context.Context, es []*domain.Error) error {
		return r.store.Errors.InsertBatch(es)
	}).After(items)

	check := r.check(ctx, ing.ID)
	count := 0
	emit := func(it *domain.Item) error {
		if err := check(); err != nil {
			return err
		}
		count++
		r.progress(domain.TaskTypeScan, count, 0)
		return items.Push(ctx, it)
	}

	var subs []walker.SubScan
	w := walker.New(tmpl, ing.Config, ing.ID, log)
	err = w.Walk(ctx, walker.FSSource(r.opts.FS, ing.Src), walker.Handler{
		Item: emit,
		SubScan: func(s walker.SubScan) error {
			subs = append(subs, s)
			return nil
		},
	})
	if err != nil {
		return err
	}

	for _, s := range subs {
		dlog := log.WithField("dir", s.Dir).WithField("scanner", s.Scanner)
		sc, err := walker.Lookup(s.Scanner)
		if err != nil {
			dlog.WithError(err).Warn("skipping directory")
			taskID := task.ID
			e := &domain.Error{
				IngestID: ing.ID, TaskID: &taskID, Code: domain.ErrCodeUnknownScanner,
				Message: fmt.Sprintf("%s: %s", displayDir(s.Dir), err),
			}
			if err := errs.Push(ctx, e); err != nil {
				return err
			}
			continue
		}
		dlog.Debug("running scanner")
		job := walker.ScanJob{IngestID: ing.ID, Dir: s.Dir, Context: s.Context}
		if err := sc.Scan(ctx, job, walker.SubtreeSource(r.opts.FS, ing.Src, s.Dir), emit); err != nil {
			return fmt.Errorf("scanner %s on %s: %w", s.Scanner, displayDir(s.Dir), err)
		}
	}

	if err := batch.FlushAll(ctx, items, errs); err != nil {
		return err
	}
	log.WithField("items", count).WithField("scanned_dirs", len(subs)).Info("scan finished")
	return r.enqueue(ing.ID, domain.TaskTypeResolve)
}

func displayDir(dir string) string {
	if dir == "" {
		return "."
	}
	return dir
}

// resolve links every item to its container chain and moves the ingest on
// to duplicate detection or review
func (r *Runner) resolve(ctx context.Context, ing *domain.Ingest, task *domain.Task, log logrus.FieldLogger) error {
	res, err := resolver.New(r.store, r.opts.Remote, resolver.Options{
		IngestID:  ing.ID,
		TaskID:    task.ID,
		Config:    ing.Config,
		Log:       log,
		BatchSize: r.opts.BatchSize,
		Check:     r.check(ctx, ing.ID),
		Progress:  func(done int) { r.progress(domain.TaskTypeResolve, done, 0) },
	})
	if err != nil {
		return err
	}
	if err := res.Run(ctx); err != nil {
		return err
	}

	s := res.Stats()
	log.WithFields(logrus.Fields{
		"items":      s.Items,
		"linked":     s.Linked,
		"unmatched":  s.Unmatched,
		"containers": s.Containers,
		"existing":   s.Existing,
		"lookups":    s.Lookups,
	}).Info("resolve finished")

	if ing.Config.DetectDuplicates {
		if err := r.enqueue(ing.ID, domain.TaskTypeDetectDuplicates); err != nil {
			return err
		}
		return r.setStatus(ctx, ing, domain.IngestDetectingDuplicates)
	}
	return r.review(ctx, ing)
}

func (r *Runner) detectDuplicates(ctx context.Context, ing *domain.Ingest, task *domain.Task, log logrus.FieldLogger) error {
	res, err := dedupe.Detect(ctx, r.store, dedupe.Options{
		IngestID: ing.ID,
		TaskID:   task.ID,
		Log:      log,
		Check:    r.check(ctx, ing.ID),
	})
	if err != nil {
		return err
	}
	log.WithField("duplicate_uids", res.DuplicateUIDs).
		WithField("duplicate_filenames", res.DuplicateFilenames).
		Info("duplicate detection finished")
	return r.review(ctx, ing)
}

// prepare creates the missing remote containers and queues one upload per
// surviving item
func (r *Runner) prepare(ctx context.Context, ing *domain.Ingest, task *domain.Task, log logrus.FieldLogger) error {
	p, err := preparer.New(r.store, r.opts.Remote, preparer.Options{
		IngestID:  ing.ID,
		Config:    ing.Config,
		Log:       log,
		BatchSize: r.opts.BatchSize,
		Check:     r.check(ctx, ing.ID),
		Progress:  func(done, total int) { r.progress(domain.TaskTypePrepare, done, total) },
	})
	if err != nil {
		return err
	}
	res, err := p.Run(ctx)
	if err != nil {
		return err
	}
	log.WithFields(logrus.Fields{
		"visited":  res.Visited,
		"relevant": res.Relevant,
		"created":  res.Created,
		"skipped":  res.Skipped,
		"uploads":  len(res.Upload),
	}).Info("prepare finished")

	queued, err := r.queueUploads(ing.ID, res.Upload)
	if err != nil {
		return err
	}
	log.WithField("queued", queued).Debug("upload tasks queued")

	if ing.Config.CopyDuplicates {
		if err := r.enqueue(ing.ID, domain.TaskTypePrepareSidecar); err != nil {
			return err
		}
		return r.setStatus(ctx, ing, domain.IngestPreparingSidecar)
	}
	return r.startUploading(ctx, ing)
}

// queueUploads creates upload tasks for items that have none yet
func (r *Runner) queueUploads(ingestID string, itemIDs []string) (int, error) {
	existing, err := r.store.Tasks.List(ingestID, domain.TaskTypeUpload)
	if err != nil {
		return 0, err
	}
	have := make(map[string]bool, len(existing))
	for _, t := range existing {
		if t.ItemID != nil {
			have[*t.ItemID] = true
		}
	}

	size := r.opts.BatchSize
	if size <= 0 {
		size = batch.DefaultSize
	}
	var params []store.TaskCreateParams
	queued := 0
	for _, id := range itemIDs {
		if have[id] {
			continue
		}
		params = append(params, store.TaskCreateParams{IngestID: ingestID, Type: domain.TaskTypeUpload, ItemID: &id})
		if len(params) == size {
			if _, err := r.store.Tasks.CreateBatch(params); err != nil {
				return queued, err
			}
			queued += len(params)
			params = params[:0]
		}
	}
	if _, err := r.store.Tasks.CreateBatch(params); err != nil {
		return queued, err
	}
	return queued + len(params), nil
}

func (r *Runner) prepareSidecar(ctx context.Context, ing *domain.Ingest, log logrus.FieldLogger) error {
	if r.opts.Sidecar == nil {
		log.Warn("no sidecar preparer configured; duplicates stay in place")
	} else if err := r.opts.Sidecar.PrepareSidecar(ctx, ing.ID); err != nil {
		return err
	}
	return r.startUploading(ctx, ing)
}

// startUploading moves the ingest to uploading, or straight on to
// finalizing when nothing is left to upload
func (r *Runner) startUploading(ctx context.Context, ing *domain.Ingest) error {
	if err := r.setStatus(ctx, ing, domain.IngestUploading); err != nil {
		return err
	}
	open, err := r.store.Tasks.CountOpen(ing.ID, domain.TaskTypeUpload)
	if err != nil {
		return err
	}
	if open == 0 {
		return r.startFinalizing(ctx, ing)
	}
	return nil
}

func (r *Runner) startFinalizing(ctx context.Context, ing *domain.Ingest) error {
	if err := r.enqueue(ing.ID, domain.TaskTypeFinalize); err != nil {
		return err
	}
	return r.setStatus(ctx, ing, domain.IngestFinalizing)
}

func (r *Runner) finalize(ctx context.Context, ing *domain.Ingest, log logrus.FieldLogger) error {
	stats, err := r.store.Items.Stats(ing.ID)
	if err != nil {
		return err
	}
	counts, err := r.store.Tasks.Counts(ing.ID)
	if err != nil {
		return err
	}
	uploads := counts[domain.TaskTypeUpload]
	log.WithFields(logrus.Fields{
		"items":    stats.Items,
		"skipped":  stats.Skipped,
		"uploaded": uploads[domain.TaskCompleted],
		"failed":   uploads[domain.TaskFailed],
	}).Info("ingest finished")
	return r.setStatus(ctx, ing, domain.IngestFinished)
}
