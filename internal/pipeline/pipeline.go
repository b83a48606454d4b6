// Package pipeline runs the stages of an ingest as persisted tasks. Each
// stage is a task owned by one worker; the ingest status mirrors the
// furthest stage reached and every change goes through the status machine.
package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/lherron/ingest/internal/domain"
	"github.com/lherron/ingest/internal/remote"
	"github.com/lherron/ingest/internal/store"
	"github.com/lherron/ingest/internal/walker"
	"github.com/lherron/ingest/internal/webhooks"
)

// ErrAborted is returned when an operator aborted the ingest while a stage
// was running
var ErrAborted = errors.New("ingest aborted")

// Uploader sends the bytes of one item into its container
type Uploader interface {
	Upload(ctx context.Context, item *domain.Item, c *domain.Container) error
}

// SidecarPreparer copies duplicate items into a sidecar project
type SidecarPreparer interface {
	PrepareSidecar(ctx context.Context, ingestID string) error
}

// Options configure a Runner
type Options struct {
	// FS is the source filesystem. Defaults to the OS filesystem.
	FS       afero.Fs
	Remote   remote.Client
	Uploader Uploader
	Sidecar  SidecarPreparer
	Webhooks *webhooks.Dispatcher
	Clock    clockwork.Clock
	Log      logrus.FieldLogger
	// Worker names this runner in task records
	Worker string
	// Jobs bounds concurrent uploads
	Jobs      int
	BatchSize int
	// Progress reports per-unit progress of a stage; total is 0 when
	// unknown. Upload progress is reported from several goroutines.
	Progress func(stage domain.TaskType, done, total int)
}

// Runner drives ingests through their stages
type Runner struct {
	store *store.Store
	opts  Options
	log   logrus.FieldLogger
}

// stageTypes are claimed one at a time; uploads go through the pool
var stageTypes = []domain.TaskType{
	domain.TaskTypeScan,
	domain.TaskTypeResolve,
	domain.TaskTypeDetectDuplicates,
	domain.TaskTypePrepare,
	domain.TaskTypePrepareSidecar,
	domain.TaskTypeFinalize,
}

// New creates a runner
func New(st *store.Store, opts Options) *Runner {
	if opts.FS == nil {
		opts.FS = afero.NewOsFs()
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Log == nil {
		opts.Log = logrus.StandardLogger()
	}
	if opts.Worker == "" {
		opts.Worker = "local"
	}
	return &Runner{store: st, opts: opts, log: opts.Log}
}

// Start validates the template, creates an ingest and queues its scan
func (r *Runner) Start(params store.IngestCreateParams) (*domain.Ingest, error) {
	if _, err := walker.ParseTemplate([]byte(params.Template)); err != nil {
		return nil, err
	}
	ing, err := r.store.Ingests.Create(params)
	if err != nil {
		return nil, err
	}
	if err := r.enqueue(ing.ID, domain.TaskTypeScan); err != nil {
		return nil, err
	}
	r.log.WithField("ingest", ing.ID).WithField("src", ing.Src).Info("ingest created")
	return ing, nil
}

// Run executes queued tasks until the ingest waits for review or reaches a
// terminal status, and returns that status. Tasks left running by a
// previous process are requeued first.
func (r *Runner) Run(ctx context.Context, ingestID string) (domain.IngestStatus, error) {
	if n, err := r.store.Tasks.Recover(ingestID); err != nil {
		return "", err
	} else if n > 0 {
		r.log.WithField("ingest", ingestID).WithField("tasks", n).Info("requeued interrupted tasks")
	}

	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		ing, err := r.store.Ingests.Get(ingestID)
		if err != nil {
			return "", err
		}
		if ing.Status.IsTerminal() || ing.Status == domain.IngestInReview {
			return ing.Status, nil
		}

		if ing.Status == domain.IngestUploading {
			if err := r.runUploads(ctx, ing); err != nil {
				return r.stopped(ingestID, err)
			}
			continue
		}

		task, err := r.store.Tasks.Claim(r.opts.Worker, store.TaskFilter{IngestID: ingestID, Types: stageTypes})
		if err != nil {
			return ing.Status, err
		}
		if task == nil {
			return ing.Status, fmt.Errorf("ingest %s is %s but has no queued work", ingestID, ing.Status)
		}
		if err := r.execute(ctx, ing, task); err != nil {
			return r.stopped(ingestID, err)
		}
	}
}

// stopped returns the status an ingest settled in after err
func (r *Runner) stopped(ingestID string, err error) (domain.IngestStatus, error) {
	status, serr := r.store.Ingests.Status(ingestID)
	if serr != nil {
		return "", errors.Join(err, serr)
	}
	return status, err
}

// execute runs one claimed stage task
func (r *Runner) execute(ctx context.Context, ing *domain.Ingest, task *domain.Task) error {
	log := r.log.WithFields(logrus.Fields{"ingest": ing.ID, "task": task.ID, "stage": task.Type})

	want := task.Type.IngestStatus()
	switch {
	case ing.Status == want:
	case domain.IngestMachine.ValidateTransition(ing.Status, want) == nil:
		if err := r.setStatus(ctx, ing, want); err != nil {
			return r.fail(ctx, ing, task, err)
		}
	default:
		// the stage moved the ingest on before its task was interrupted
		log.WithField("status", ing.Status).Info("stage already applied")
		return r.store.Tasks.SetStatus(task.ID, domain.TaskCompleted, nil)
	}

	log.Info("stage started")
	err := r.stage(ctx, ing, task, log)
	if err != nil {
		return r.fail(ctx, ing, task, err)
	}
	if err := r.store.Tasks.SetStatus(task.ID, domain.TaskCompleted, nil); err != nil {
		return err
	}
	log.Info("stage completed")
	return nil
}

func (r *Runner) stage(ctx context.Context, ing *domain.Ingest, task *domain.Task, log logrus.FieldLogger) error {
	switch task.Type {
	case domain.TaskTypeScan:
		return r.scan(ctx, ing, task, log)
	case domain.TaskTypeResolve:
		return r.resolve(ctx, ing, task, log)
	case domain.TaskTypeDetectDuplicates:
		return r.detectDuplicates(ctx, ing, task, log)
	case domain.TaskTypePrepare:
		return r.prepare(ctx, ing, task, log)
	case domain.TaskTypePrepareSidecar:
		return r.prepareSidecar(ctx, ing, log)
	case domain.TaskTypeFinalize:
		return r.finalize(ctx, ing, log)
	}
	return fmt.Errorf("no stage for task type %q", task.Type)
}

// fail records a stage failure on the task and the ingest. An abort leaves
// the ingest status alone.
func (r *Runner) fail(ctx context.Context, ing *domain.Ingest, task *domain.Task, cause error) error {
	log := r.log.WithFields(logrus.Fields{"ingest": ing.ID, "task": task.ID, "stage": task.Type})

	// an interrupted process resumes the stage later
	if errors.Is(cause, context.Canceled) || errors.Is(cause, context.DeadlineExceeded) {
		if err := r.store.Tasks.Requeue(task.ID, "interrupted"); err != nil {
			log.WithError(err).Warn("failed to requeue interrupted task")
		}
		return cause
	}

	msg := cause.Error()
	if errors.Is(cause, ErrAborted) {
		msg = "aborted"
	}
	if err := r.store.Tasks.SetStatus(task.ID, domain.TaskFailed, &msg); err != nil {
		log.WithError(err).Warn("failed to mark task failed")
	}
	if errors.Is(cause, ErrAborted) {
		log.Warn("stage stopped by abort")
		return cause
	}

	log.WithError(cause).Error("stage failed")
	taskID := task.ID
	if err := r.store.Errors.Add(&domain.Error{
		IngestID: ing.ID, TaskID: &taskID, Code: domain.ErrCodeStageFailed,
		Message: fmt.Sprintf("%s: %s", task.Type, msg),
	}); err != nil {
		log.WithError(err).Warn("failed to record stage error")
	}

	status, err := r.store.Ingests.Status(ing.ID)
	if err != nil {
		return errors.Join(cause, err)
	}
	ing.Status = status
	if domain.IngestMachine.ValidateTransition(status, domain.IngestFailed) == nil {
		if err := r.setStatus(ctx, ing, domain.IngestFailed); err != nil {
			return errors.Join(cause, err)
		}
	}
	return fmt.Errorf("%s stage: %w", task.Type, cause)
}

// setStatus moves the ingest to status and announces notable changes. An
// abort that landed after the stage's last check yields ErrAborted.
func (r *Runner) setStatus(ctx context.Context, ing *domain.Ingest, status domain.IngestStatus) error {
	prev, err := r.store.Ingests.SetStatus(ing.ID, status)
	if err != nil {
		var terr *domain.InvalidTransitionError
		if status != domain.IngestAborted && errors.As(err, &terr) {
			if cur, serr := r.store.Ingests.Status(ing.ID); serr == nil && cur == domain.IngestAborted {
				ing.Status = cur
				return ErrAborted
			}
		}
		return err
	}
	ing.Status = status
	r.log.WithFields(logrus.Fields{"ingest": ing.ID, "from": prev, "to": status}).Debug("ingest status changed")

	if r.opts.Webhooks != nil && len(ing.Config.WebhookURLs) > 0 && webhooks.Notable(status) {
		r.opts.Webhooks.Dispatch(ctx, ing.Config.WebhookURLs, webhooks.Payload{
			IngestID: ing.ID,
			Status:   string(status),
			Previous: string(prev),
			At:       r.opts.Clock.Now().UTC(),
		})
	}
	return nil
}

// enqueue creates a task of typ unless one is already open
func (r *Runner) enqueue(ingestID string, typ domain.TaskType) error {
	open, err := r.store.Tasks.CountOpen(ingestID, typ)
	if err != nil {
		return err
	}
	if open > 0 {
		return nil
	}
	_, err = r.store.Tasks.Create(store.TaskCreateParams{IngestID: ingestID, Type: typ})
	return err
}

// check returns a function stages call before every unit of work
func (r *Runner) check(ctx context.Context, ingestID string) func() error {
	return func() error {
		if err := ctx.Err(); err != nil {
			return err
		}
		status, err := r.store.Ingests.Status(ingestID)
		if err != nil {
			return err
		}
		if status == domain.IngestAborted {
			return ErrAborted
		}
		return nil
	}
}

func (r *Runner) progress(stage domain.TaskType, done, total int) {
	if r.opts.Progress != nil {
		r.opts.Progress(stage, done, total)
	}
}

// Abort stops an ingest: its status becomes aborted and pending tasks are
// canceled. A running stage notices before its next unit of work.
func (r *Runner) Abort(ctx context.Context, ingestID string) error {
	ing, err := r.store.Ingests.Get(ingestID)
	if err != nil {
		return err
	}
	if err := r.setStatus(ctx, ing, domain.IngestAborted); err != nil {
		return err
	}
	n, err := r.store.Tasks.CancelPending(ingestID)
	if err != nil {
		return err
	}
	r.log.WithField("ingest", ingestID).WithField("canceled", n).Info("ingest aborted")
	return nil
}

// Review settles an ingest waiting in review. Accepting queues the
// prepare stage; rejecting aborts the ingest.
func (r *Runner) Review(ctx context.Context, ingestID string, accept bool) error {
	ing, err := r.store.Ingests.Get(ingestID)
	if err != nil {
		return err
	}
	if ing.Status != domain.IngestInReview {
		return fmt.Errorf("ingest %s is %s, not %s", ingestID, ing.Status, domain.IngestInReview)
	}
	if !accept {
		return r.Abort(ctx, ingestID)
	}
	return r.accept(ctx, ing)
}

func (r *Runner) accept(ctx context.Context, ing *domain.Ingest) error {
	if err := r.enqueue(ing.ID, domain.TaskTypePrepare); err != nil {
		return err
	}
	return r.setStatus(ctx, ing, domain.IngestPreparing)
}

// review moves a resolved ingest into review, accepting it right away when
// the ingest was configured to assume yes
func (r *Runner) review(ctx context.Context, ing *domain.Ingest) error {
	if err := r.setStatus(ctx, ing, domain.IngestInReview); err != nil {
		return err
	}
	if ing.Config.AssumeYes {
		return r.accept(ctx, ing)
	}
	return nil
}
