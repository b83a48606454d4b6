package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/lherron/ingest/internal/cli/appctx"
	"github.com/lherron/ingest/internal/domain"
	"github.com/lherron/ingest/internal/pipeline"
	"github.com/lherron/ingest/internal/remote"
	"github.com/lherron/ingest/internal/remote/httpremote"
	"github.com/lherron/ingest/internal/remote/memremote"
	"github.com/lherron/ingest/internal/report"
	"github.com/lherron/ingest/internal/upload"
	"github.com/lherron/ingest/internal/webhooks"
)

// remoteStore is a destination that holds both containers and files
type remoteStore interface {
	remote.Client
	remote.FileSink
}

// newRemote is swapped in tests
var newRemote = func(app *appctx.App, dryRun bool) (remoteStore, error) {
	if dryRun {
		return memremote.New(), nil
	}
	if app.Config.RemoteURL == "" {
		return nil, usageError("no remote store configured (set INGEST_REMOTE_URL or use --dry-run)")
	}
	return httpremote.New(app.Config.RemoteURL, app.Config.APIKey)
}

// runOptions are the execution flags shared by run, resume and review
type runOptions struct {
	dryRun    bool
	jobs      int
	batchSize int
}

func (o *runOptions) register(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&o.dryRun, "dry-run", false, "Use an in-memory remote store instead of INGEST_REMOTE_URL")
	cmd.Flags().IntVarP(&o.jobs, "jobs", "j", 0, "Concurrent uploads (overrides INGEST_JOBS)")
	cmd.Flags().IntVar(&o.batchSize, "batch-size", 0, "Records per database write batch")
}

// newRunner wires a pipeline runner for an ingest reading from src
func newRunner(app *appctx.App, src string, o runOptions) (*pipeline.Runner, error) {
	client, err := newRemote(app, o.dryRun)
	if err != nil {
		return nil, err
	}
	jobs := app.Config.Jobs
	if o.jobs > 0 {
		jobs = o.jobs
	}
	fs := afero.NewOsFs()
	log := app.Log
	return pipeline.New(app.Store, pipeline.Options{
		FS:        fs,
		Remote:    client,
		Uploader:  upload.New(fs, src, client, log),
		Webhooks:  webhooks.New(log),
		Log:       log,
		Worker:    app.Config.Worker,
		Jobs:      jobs,
		BatchSize: o.batchSize,
		Progress:  progressLogger(log),
	}), nil
}

// progressLogger reports stage progress at debug level every 1000 units
func progressLogger(log logrus.FieldLogger) func(domain.TaskType, int, int) {
	return func(stage domain.TaskType, done, total int) {
		if done%1000 != 0 && done != total {
			return
		}
		entry := log.WithField("stage", stage).WithField("done", done)
		if total > 0 {
			entry = entry.WithField("total", total)
		}
		entry.Debug("progress")
	}
}

// signalContext is canceled on SIGINT or SIGTERM
func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
}

// drive runs an ingest and reports where it stopped
func drive(app *appctx.App, cmd *cobra.Command, runner *pipeline.Runner, ingestID string) error {
	ctx, stop := signalContext(cmd)
	defer stop()

	status, runErr := runner.Run(ctx, ingestID)
	if ctx.Err() != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "Interrupted. Continue with 'ingest resume %s'.\n", ingestID)
		return exitError(ExitError, runErr)
	}
	return outcome(app, cmd, ingestID, status, runErr)
}

// outcome prints the state an ingest settled in and picks the exit code
func outcome(app *appctx.App, cmd *cobra.Command, ingestID string, status domain.IngestStatus, runErr error) error {
	r, err := app.Renderer(cmd)
	if err != nil {
		return err
	}
	s, err := report.BuildStatus(app.Store, ingestID)
	if err != nil {
		return err
	}
	if r.Structured() {
		if err := report.WriteStatus(r, s); err != nil {
			return err
		}
	} else {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Ingest %s: %s\n", ingestID, status)
		switch status {
		case domain.IngestInReview:
			fmt.Fprintf(out, "Inspect the changes with 'ingest review %s', then accept or reject them.\n", ingestID)
		case domain.IngestFinished, domain.IngestFailed:
			if s.Errors > 0 {
				fmt.Fprintf(out, "%d error(s) recorded. See 'ingest report %s'.\n", s.Errors, ingestID)
			}
		}
	}

	switch {
	case runErr != nil && status == domain.IngestAborted:
		return nil
	case runErr != nil:
		return exitError(ExitFailed, runErr)
	case status == domain.IngestFailed:
		return exitError(ExitFailed, fmt.Errorf("ingest %s failed", ingestID))
	case status == domain.IngestFinished && uploadFailures(s) > 0:
		return exitError(ExitPartial, fmt.Errorf("%d upload(s) failed", uploadFailures(s)))
	}
	return nil
}

func uploadFailures(s *report.Status) int {
	for _, tc := range s.Tasks {
		if tc.Type == domain.TaskTypeUpload {
			return tc.Failed
		}
	}
	return 0
}
