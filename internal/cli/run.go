package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/lherron/ingest/internal/cli/appctx"
	"github.com/lherron/ingest/internal/config"
	"github.com/lherron/ingest/internal/domain"
	"github.com/lherron/ingest/internal/store"
	"github.com/lherron/ingest/internal/walker"
)

type runCmdOptions struct {
	runOptions
	template   string
	configFile string
	ingest     domain.IngestConfig
}

func newRunCmd() *cobra.Command {
	var o runCmdOptions
	cmd := &cobra.Command{
		Use:   "run <src>",
		Short: "Start a new ingest of a source directory",
		Long: `Run creates an ingest for <src> and drives it through scan, resolve
and duplicate detection. The ingest then waits in review unless --yes is
given, in which case it continues through prepare, upload and finalize.

Options from --config are applied first; flags given on the command line
override them.`,
		Example: `  ingest run /data/study --template template.yaml
  ingest run /data/study --template template.yaml --config ingest.yaml --yes
  ingest run /data/study --template template.yaml --dry-run`,
		Args: cobra.ExactArgs(1),
		RunE: appctx.WithApp(appctx.DefaultOptions(), func(app *appctx.App, cmd *cobra.Command, args []string) error {
			return runRun(app, cmd, args[0], &o)
		}),
	}

	f := cmd.Flags()
	f.StringVarP(&o.template, "template", "t", "", "Template file describing the source hierarchy (required)")
	f.StringVarP(&o.configFile, "config", "c", "", "YAML file with ingest options")
	f.BoolVar(&o.ingest.SkipExisting, "skip-existing", false, "Skip files already present remotely")
	f.BoolVar(&o.ingest.DetectDuplicates, "detect-duplicates", false, "Detect duplicate UIDs and filenames before review")
	f.BoolVar(&o.ingest.CopyDuplicates, "copy-duplicates", false, "Copy duplicates into a sidecar project")
	f.BoolVar(&o.ingest.RequireProject, "require-project", false, "Fail when the group or project does not exist remotely")
	f.BoolVarP(&o.ingest.AssumeYes, "yes", "y", false, "Accept the review automatically")
	f.BoolVar(&o.ingest.NoSubjects, "no-subjects", false, "Use the session label as subject")
	f.BoolVar(&o.ingest.NoSessions, "no-sessions", false, "Use the subject label as session")
	f.StringVar(&o.ingest.Group, "group", "", "Override the group label")
	f.StringVar(&o.ingest.Project, "project", "", "Override the project label")
	f.IntVar(&o.ingest.MaxRetries, "max-retries", 0, "Retries per failed upload")
	f.StringSliceVar(&o.ingest.WebhookURLs, "webhook", nil, "URL notified on review and completion (repeatable)")
	o.register(cmd)
	_ = cmd.MarkFlagRequired("template")
	return cmd
}

func runRun(app *appctx.App, cmd *cobra.Command, src string, o *runCmdOptions) error {
	src, err := filepath.Abs(src)
	if err != nil {
		return err
	}
	if fi, err := os.Stat(src); err != nil {
		return usageError("source %s: %v", src, err)
	} else if !fi.IsDir() {
		return usageError("source %s is not a directory", src)
	}

	fs := afero.NewOsFs()
	_, tmpl, err := walker.LoadTemplate(fs, o.template)
	if err != nil {
		return usageError("%v", err)
	}

	cfg, err := ingestConfig(fs, cmd, o)
	if err != nil {
		return err
	}
	if cfg.MaxRetries < 0 {
		return usageError("--max-retries must not be negative")
	}
	if o.dryRun && !cfg.AssumeYes {
		// the in-memory remote store does not outlive this process
		app.Log.Info("dry run: accepting review automatically")
		cfg.AssumeYes = true
	}

	runner, err := newRunner(app, src, o.runOptions)
	if err != nil {
		return err
	}
	ing, err := runner.Start(store.IngestCreateParams{Src: src, Template: string(tmpl), Config: cfg})
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "Created ingest %s\n", ing.ID)
	return drive(app, cmd, runner, ing.ID)
}

// ingestConfig merges the --config file with explicitly given flags
func ingestConfig(fs afero.Fs, cmd *cobra.Command, o *runCmdOptions) (domain.IngestConfig, error) {
	if o.configFile == "" {
		return o.ingest, nil
	}
	cfg, err := config.LoadIngestConfig(fs, o.configFile)
	if err != nil {
		return cfg, usageError("%v", err)
	}

	flags := cmd.Flags()
	set := func(name string, apply func()) {
		if flags.Changed(name) {
			apply()
		}
	}
	set("skip-existing", func() { cfg.SkipExisting = o.ingest.SkipExisting })
	set("detect-duplicates", func() { cfg.DetectDuplicates = o.ingest.DetectDuplicates })
	set("copy-duplicates", func() { cfg.CopyDuplicates = o.ingest.CopyDuplicates })
	set("require-project", func() { cfg.RequireProject = o.ingest.RequireProject })
	set("yes", func() { cfg.AssumeYes = o.ingest.AssumeYes })
	set("no-subjects", func() { cfg.NoSubjects = o.ingest.NoSubjects })
	set("no-sessions", func() { cfg.NoSessions = o.ingest.NoSessions })
	set("group", func() { cfg.Group = o.ingest.Group })
	set("project", func() { cfg.Project = o.ingest.Project })
	set("max-retries", func() { cfg.MaxRetries = o.ingest.MaxRetries })
	set("webhook", func() { cfg.WebhookURLs = o.ingest.WebhookURLs })
	return cfg, nil
}
