package cli

import (
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/lherron/ingest/internal/cli/appctx"
	"github.com/lherron/ingest/internal/domain"
	"github.com/lherron/ingest/internal/render"
	"github.com/lherron/ingest/internal/report"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <id>",
		Short: "Show the status, history and task counts of an ingest",
		Args:  cobra.ExactArgs(1),
		RunE: appctx.WithApp(appctx.DefaultOptions(), func(app *appctx.App, cmd *cobra.Command, args []string) error {
			s, err := report.BuildStatus(app.Store, args[0])
			if err != nil {
				return err
			}
			r, err := app.Renderer(cmd)
			if err != nil {
				return err
			}
			return report.WriteStatus(r, s)
		}),
	}
}

func newReportCmd() *cobra.Command {
	var samples int
	cmd := &cobra.Command{
		Use:   "report <id>",
		Short: "Summarize the errors recorded for an ingest",
		Args:  cobra.ExactArgs(1),
		RunE: appctx.WithApp(appctx.DefaultOptions(), func(app *appctx.App, cmd *cobra.Command, args []string) error {
			if samples < 0 {
				return usageError("--samples must not be negative")
			}
			rep, err := report.BuildErrors(app.Store, args[0], samples)
			if err != nil {
				return err
			}
			r, err := app.Renderer(cmd)
			if err != nil {
				return err
			}
			return report.WriteErrors(r, rep)
		}),
	}
	cmd.Flags().IntVar(&samples, "samples", 5, "Messages shown per error code")
	return cmd
}

type lsRow struct {
	ID        string              `json:"id" yaml:"id"`
	Status    domain.IngestStatus `json:"status" yaml:"status"`
	Src       string              `json:"src" yaml:"src"`
	CreatedAt time.Time           `json:"created_at" yaml:"created_at"`
	UpdatedAt time.Time           `json:"updated_at" yaml:"updated_at"`
}

func newLsCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "ls",
		Short: "List ingests, newest first",
		Long:  `List shows ingests that are still in progress. Use --all to include finished, failed and aborted ones.`,
		Args:  cobra.NoArgs,
		RunE: appctx.WithApp(appctx.DefaultOptions(), func(app *appctx.App, cmd *cobra.Command, args []string) error {
			ingests, err := app.Store.Ingests.List()
			if err != nil {
				return err
			}
			var rows []lsRow
			t := render.Table{Headers: []string{"ID", "STATUS", "SRC", "UPDATED"}}
			for _, ing := range ingests {
				if !all && ing.Status.IsTerminal() {
					continue
				}
				rows = append(rows, lsRow{ing.ID, ing.Status, ing.Src, ing.CreatedAt, ing.UpdatedAt})
				t.Rows = append(t.Rows, []string{ing.ID, string(ing.Status), ing.Src, humanize.Time(ing.UpdatedAt)})
			}
			r, err := app.Renderer(cmd)
			if err != nil {
				return err
			}
			return render.RenderRows(r, rows, t)
		}),
	}
	cmd.Flags().BoolVarP(&all, "all", "a", false, "Include ingests in a terminal status")
	return cmd
}
