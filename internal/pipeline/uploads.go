package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/lherron/ingest/internal/bulk"
	"github.com/lherron/ingest/internal/domain"
)

// runUploads works through the pending upload tasks with a worker pool.
// Failed uploads go back to pending until max_retries is used up. Once no
// upload is open the ingest moves on to finalizing.
func (r *Runner) runUploads(ctx context.Context, ing *domain.Ingest) error {
	log := r.log.WithFields(logrus.Fields{"ingest": ing.ID, "stage": domain.TaskTypeUpload})
	check := r.check(ctx, ing.ID)

	for {
		if err := check(); err != nil {
			return err
		}

		tasks, err := r.store.Tasks.List(ing.ID, domain.TaskTypeUpload)
		if err != nil {
			return err
		}
		var pending []string
		for _, t := range tasks {
			if t.Status == domain.TaskPending {
				pending = append(pending, t.ID)
			}
		}

		if len(pending) == 0 {
			open, err := r.store.Tasks.CountOpen(ing.ID, domain.TaskTypeUpload)
			if err != nil {
				return err
			}
			if open > 0 {
				return fmt.Errorf("%d uploads are running in another process", open)
			}
			return r.startFinalizing(ctx, ing)
		}

		op := &bulk.Operation{
			Jobs:            r.opts.Jobs,
			ContinueOnError: true,
			Log:             log,
			Progress: func(done, total int) {
				r.progress(domain.TaskTypeUpload, done, total)
			},
		}
		res := op.Execute(ctx, pending, func(ctx context.Context, id string) error {
			if err := check(); err != nil {
				return err
			}
			return r.uploadTask(ctx, ing, id, log)
		})
		log.WithField("succeeded", res.Succeeded).WithField("failed", res.Failed).Info("upload round finished")

		for _, e := range res.Errors {
			if errors.Is(e.Error, ErrAborted) {
				return ErrAborted
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}

// uploadTask runs one upload task. The returned error only feeds the pool
// summary; the outcome is recorded on the task.
func (r *Runner) uploadTask(ctx context.Context, ing *domain.Ingest, id string, log logrus.FieldLogger) error {
	started, err := r.store.Tasks.Start(id, r.opts.Worker)
	if err != nil || !started {
		return err
	}
	task, err := r.store.Tasks.Get(id)
	if err != nil {
		return err
	}
	log = log.WithField("task", id)

	err = r.upload(ctx, task)
	if err == nil {
		return r.store.Tasks.SetStatus(id, domain.TaskCompleted, nil)
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		if rerr := r.store.Tasks.Requeue(id, "interrupted"); rerr != nil {
			log.WithError(rerr).Warn("failed to requeue interrupted upload")
		}
		return err
	}

	if task.Retries < ing.Config.MaxRetries {
		log.WithError(err).WithField("retries", task.Retries+1).Warn("upload failed, retrying")
		if rerr := r.store.Tasks.Requeue(id, err.Error()); rerr != nil {
			return errors.Join(err, rerr)
		}
		return err
	}

	log.WithError(err).Error("upload failed")
	msg := err.Error()
	if serr := r.store.Tasks.SetStatus(id, domain.TaskFailed, &msg); serr != nil {
		return errors.Join(err, serr)
	}
	e := &domain.Error{IngestID: ing.ID, TaskID: &task.ID, ItemID: task.ItemID, Code: domain.ErrCodeUploadFailed, Message: msg}
	if aerr := r.store.Errors.Add(e); aerr != nil {
		return errors.Join(err, aerr)
	}
	return err
}

func (r *Runner) upload(ctx context.Context, task *domain.Task) error {
	if r.opts.Uploader == nil {
		return errors.New("no uploader configured")
	}
	if task.ItemID == nil {
		return fmt.Errorf("upload task %s has no item", task.ID)
	}
	item, err := r.store.Items.Get(*task.ItemID)
	if err != nil {
		return err
	}
	if item.ContainerID == nil {
		return fmt.Errorf("item %s is not resolved", item.ID)
	}
	c, err := r.store.Containers.Get(*item.ContainerID)
	if err != nil {
		return err
	}
	return r.opts.Uploader.Upload(ctx, item, c)
}
