package appctx

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"

	"github.com/lherron/ingest/internal/db"
	"github.com/lherron/ingest/internal/render"
)

func testCmd() *cobra.Command {
	cmd := &cobra.Command{}
	cmd.Flags().String("db", "", "Database path")
	cmd.Flags().String("log-level", "", "Log level")
	cmd.Flags().StringP("output", "o", "", "Output format")
	cmd.Flags().Bool("porcelain", false, "Porcelain")
	return cmd
}

func migratedDB(t *testing.T, name string) string {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), name)
	database, err := db.Open(dbPath)
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	if err := database.Migrate(); err != nil {
		t.Fatalf("Failed to run migrations: %v", err)
	}
	database.Close()
	return dbPath
}

func isolate(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("INGEST_OUTPUT", "")
	t.Setenv("INGEST_LOG_LEVEL", "")
	t.Setenv("INGEST_LOG_FORMAT", "")
}

func TestBootstrap_ConfigOnly(t *testing.T) {
	isolate(t)
	t.Setenv("INGEST_DB_PATH", filepath.Join(t.TempDir(), "absent.db"))

	app, err := Bootstrap(testCmd(), Options{NeedsDB: false})
	if err != nil {
		t.Fatalf("Bootstrap failed: %v", err)
	}
	defer app.Close()

	if app.Config == nil {
		t.Error("Config should not be nil")
	}
	if app.DB != nil || app.Store != nil {
		t.Error("DB should be nil when NeedsDB is false")
	}
	if app.Log == nil {
		t.Error("Log should be set")
	}
}

func TestBootstrap_WithDB(t *testing.T) {
	isolate(t)
	t.Setenv("INGEST_DB_PATH", migratedDB(t, "test.db"))

	app, err := Bootstrap(testCmd(), DefaultOptions())
	if err != nil {
		t.Fatalf("Bootstrap failed: %v", err)
	}
	defer app.Close()

	if app.DB == nil || app.Store == nil {
		t.Fatal("DB and Store should be set when NeedsDB is true")
	}
	if _, err := app.Store.Ingests.List(); err != nil {
		t.Errorf("store should be usable: %v", err)
	}
}

func TestBootstrap_DBFlagOverride(t *testing.T) {
	isolate(t)
	t.Setenv("INGEST_DB_PATH", migratedDB(t, "test.db"))
	overridePath := migratedDB(t, "override.db")

	cmd := testCmd()
	if err := cmd.ParseFlags([]string{"--db", overridePath, "--log-level", "debug"}); err != nil {
		t.Fatal(err)
	}

	app, err := Bootstrap(cmd, DefaultOptions())
	if err != nil {
		t.Fatalf("Bootstrap failed: %v", err)
	}
	defer app.Close()

	if app.Config.DBPath != overridePath {
		t.Errorf("DBPath should be override path %q, got %q", overridePath, app.Config.DBPath)
	}
	if app.Config.LogLevel != "debug" {
		t.Errorf("LogLevel should come from the flag, got %q", app.Config.LogLevel)
	}
}

func TestBootstrap_MissingDB(t *testing.T) {
	isolate(t)
	t.Setenv("INGEST_DB_PATH", filepath.Join(t.TempDir(), "absent.db"))

	_, err := Bootstrap(testCmd(), DefaultOptions())
	if err == nil {
		t.Fatal("expected error for a missing database")
	}
	if !strings.Contains(err.Error(), "ingestadm init") {
		t.Errorf("error should point at ingestadm init, got %q", err)
	}
}

func TestBootstrap_BadLogLevel(t *testing.T) {
	isolate(t)
	t.Setenv("INGEST_LOG_LEVEL", "chatty")

	if _, err := Bootstrap(testCmd(), Options{}); err == nil {
		t.Fatal("expected error for an invalid log level")
	}
}

func TestApp_Renderer(t *testing.T) {
	isolate(t)
	t.Setenv("INGEST_OUTPUT", "yaml")

	cmd := testCmd()
	app, err := Bootstrap(cmd, Options{})
	if err != nil {
		t.Fatal(err)
	}

	r, err := app.Renderer(cmd)
	if err != nil {
		t.Fatal(err)
	}
	if r.Format() != render.FormatYAML {
		t.Errorf("configured format should apply, got %s", r.Format())
	}

	if err := cmd.ParseFlags([]string{"-o", "json"}); err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	cmd.SetOut(&buf)
	r, err = app.Renderer(cmd)
	if err != nil {
		t.Fatal(err)
	}
	if r.Format() != render.FormatJSON {
		t.Errorf("flag should override config, got %s", r.Format())
	}

	if err := cmd.ParseFlags([]string{"-o", "xml"}); err != nil {
		t.Fatal(err)
	}
	if _, err := app.Renderer(cmd); err == nil {
		t.Error("expected error for unknown format")
	}
}

func TestDefaultOptions(t *testing.T) {
	if !DefaultOptions().NeedsDB {
		t.Error("DefaultOptions should have NeedsDB=true")
	}
}

func TestApp_Close_Multiple(t *testing.T) {
	// Close should be safe to call multiple times
	app := &App{}
	app.Close()
	app.Close()
}
