package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lherron/ingest/internal/cli/appctx"
	"github.com/lherron/ingest/internal/domain"
	"github.com/lherron/ingest/internal/pipeline"
	"github.com/lherron/ingest/internal/report"
	"github.com/lherron/ingest/internal/webhooks"
)

func newResumeCmd() *cobra.Command {
	var o runOptions
	cmd := &cobra.Command{
		Use:   "resume <id>",
		Short: "Continue an interrupted ingest",
		Long: `Resume requeues tasks a crashed or interrupted process left running and
continues the ingest from the stage it reached.`,
		Args: cobra.ExactArgs(1),
		RunE: appctx.WithApp(appctx.DefaultOptions(), func(app *appctx.App, cmd *cobra.Command, args []string) error {
			ing, err := app.Store.Ingests.Get(args[0])
			if err != nil {
				return err
			}
			if ing.Status.IsTerminal() {
				return usageError("ingest %s is %s and cannot be resumed", ing.ID, ing.Status)
			}
			runner, err := newRunner(app, ing.Src, o)
			if err != nil {
				return err
			}
			return drive(app, cmd, runner, ing.ID)
		}),
	}
	o.register(cmd)
	return cmd
}

type reviewOptions struct {
	runOptions
	accept bool
	reject bool
}

func newReviewCmd() *cobra.Command {
	var o reviewOptions
	cmd := &cobra.Command{
		Use:   "review <id>",
		Short: "Show the pending changes of an ingest and accept or reject them",
		Long: `Review prints a diff between the destination tree already present
remotely and the tree after the import, followed by the errors recorded so
far. With --accept the ingest continues through prepare and upload; with
--reject it is aborted.`,
		Args: cobra.ExactArgs(1),
		RunE: appctx.WithApp(appctx.DefaultOptions(), func(app *appctx.App, cmd *cobra.Command, args []string) error {
			return runReview(app, cmd, args[0], o)
		}),
	}
	cmd.Flags().BoolVar(&o.accept, "accept", false, "Accept the changes and continue the ingest")
	cmd.Flags().BoolVar(&o.reject, "reject", false, "Reject the changes and abort the ingest")
	cmd.MarkFlagsMutuallyExclusive("accept", "reject")
	o.register(cmd)
	return cmd
}

type reviewView struct {
	Diff   string              `json:"diff" yaml:"diff"`
	Errors *report.ErrorReport `json:"errors" yaml:"errors"`
}

func runReview(app *appctx.App, cmd *cobra.Command, ingestID string, o reviewOptions) error {
	ing, err := app.Store.Ingests.Get(ingestID)
	if err != nil {
		return err
	}
	if ing.Status != domain.IngestInReview {
		return usageError("ingest %s is %s, not %s", ingestID, ing.Status, domain.IngestInReview)
	}

	if !o.accept && !o.reject {
		diff, err := report.ReviewDiff(app.Store, ingestID)
		if err != nil {
			return err
		}
		errs, err := report.BuildErrors(app.Store, ingestID, 3)
		if err != nil {
			return err
		}
		r, err := app.Renderer(cmd)
		if err != nil {
			return err
		}
		if r.Structured() {
			return r.Render(reviewView{Diff: diff, Errors: errs})
		}
		out := cmd.OutOrStdout()
		if diff == "" {
			fmt.Fprintln(out, "No changes to the destination tree.")
		} else {
			fmt.Fprint(out, diff)
		}
		if errs.Total > 0 {
			fmt.Fprintln(out)
			if err := report.WriteErrors(r, errs); err != nil {
				return err
			}
		}
		fmt.Fprintf(out, "\nAccept with 'ingest review %s --accept' or reject with --reject.\n", ingestID)
		return nil
	}

	runner, err := newRunner(app, ing.Src, o.runOptions)
	if err != nil {
		return err
	}
	ctx, stop := signalContext(cmd)
	defer stop()
	if err := runner.Review(ctx, ingestID, o.accept); err != nil {
		return err
	}
	if o.reject {
		fmt.Fprintf(cmd.OutOrStdout(), "Ingest %s: %s\n", ingestID, domain.IngestAborted)
		return nil
	}
	return drive(app, cmd, runner, ingestID)
}

func newAbortCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "abort <id>",
		Short: "Abort an ingest",
		Long: `Abort marks the ingest aborted and cancels its pending tasks. A process
still running the ingest stops before its next unit of work. Data already
written remotely is left in place.`,
		Args: cobra.ExactArgs(1),
		RunE: appctx.WithApp(appctx.DefaultOptions(), func(app *appctx.App, cmd *cobra.Command, args []string) error {
			runner := pipeline.New(app.Store, pipeline.Options{
				Webhooks: webhooks.New(app.Log),
				Log:      app.Log,
				Worker:   app.Config.Worker,
			})
			ctx, stop := signalContext(cmd)
			defer stop()
			if err := runner.Abort(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Ingest %s: %s\n", args[0], domain.IngestAborted)
			return nil
		}),
	}
}
