package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Version information (set by build flags)
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// Exit codes
const (
	ExitOK      = 0
	ExitError   = 1
	ExitUsage   = 2
	ExitFailed  = 3
	ExitPartial = 5
)

// exitErr carries the process exit code of a failed command
type exitErr struct {
	code int
	err  error
}

func (e *exitErr) Error() string { return e.err.Error() }
func (e *exitErr) Unwrap() error { return e.err }

// exitError returns an error that will cause the CLI to exit with the given code
func exitError(code int, err error) error {
	return &exitErr{code: code, err: err}
}

// ExitCode maps an error returned by Execute to a process exit code
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var ee *exitErr
	if errors.As(err, &ee) {
		return ee.code
	}
	return ExitError
}

// NewRootCmd builds the ingest command tree
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Import file trees into a hierarchical remote store",
		Long: `ingest walks a source directory, maps it onto the
group/project/subject/session/acquisition hierarchy described by a
template, creates the missing remote containers and uploads the files.

Every stage is recorded in a local SQLite database so an interrupted
ingest can be resumed.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().String("db", "", "Path to database file (overrides INGEST_DB_PATH)")
	cmd.PersistentFlags().String("log-level", "", "Log level: debug, info, warn, error (overrides INGEST_LOG_LEVEL)")
	cmd.PersistentFlags().StringP("output", "o", "", "Output format: table, json, ndjson, yaml, tsv")
	cmd.PersistentFlags().Bool("porcelain", false, "Stable machine-readable output")

	cmd.AddCommand(
		newRunCmd(),
		newResumeCmd(),
		newReviewCmd(),
		newStatusCmd(),
		newReportCmd(),
		newAbortCmd(),
		newLsCmd(),
		newVersionCmd("ingest"),
	)
	return cmd
}

// Execute runs the root command
func Execute() error {
	return NewRootCmd().Execute()
}

func usageError(format string, args ...interface{}) error {
	return exitError(ExitUsage, fmt.Errorf(format, args...))
}
