package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/lherron/ingest/internal/domain"
)

// Config represents the application configuration
type Config struct {
	DBPath    string `yaml:"db_path"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	Output    string `yaml:"output"`
	RemoteURL string `yaml:"remote_url"`
	APIKey    string `yaml:"api_key"`
	Worker    string `yaml:"worker"`
	Jobs      int    `yaml:"jobs"`
}

// Load loads configuration from multiple sources with precedence:
// 1. Environment variables
// 2. ./.env.local (dotenv) - walks up parent directories to find it
// 3. ~/.config/ingest/config.yaml (YAML)
func Load() (*Config, error) {
	cfg := &Config{
		LogLevel:  "info",
		LogFormat: "text",
		Output:    "table",
		Jobs:      4,
	}

	// Load .env.local if it exists (walking up parent directories)
	if envPath := findEnvLocal(); envPath != "" {
		_ = godotenv.Load(envPath)
	}

	// YAML config is optional
	_ = loadYAMLConfig(cfg)

	if dbPath := getEnvOrFile("INGEST_DB_PATH", "INGEST_DB_PATH_FILE"); dbPath != "" {
		cfg.DBPath = dbPath
	}
	if apiKey := getEnvOrFile("INGEST_API_KEY", "INGEST_API_KEY_FILE"); apiKey != "" {
		cfg.APIKey = apiKey
	}
	if logLevel := os.Getenv("INGEST_LOG_LEVEL"); logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if logFormat := os.Getenv("INGEST_LOG_FORMAT"); logFormat != "" {
		cfg.LogFormat = logFormat
	}
	if output := os.Getenv("INGEST_OUTPUT"); output != "" {
		cfg.Output = output
	}
	if remoteURL := os.Getenv("INGEST_REMOTE_URL"); remoteURL != "" {
		cfg.RemoteURL = remoteURL
	}
	if worker := os.Getenv("INGEST_WORKER"); worker != "" {
		cfg.Worker = worker
	}
	if jobs := os.Getenv("INGEST_JOBS"); jobs != "" {
		n, err := strconv.Atoi(jobs)
		if err != nil || n < 1 {
			return nil, fmt.Errorf("INGEST_JOBS must be a positive integer, got %q", jobs)
		}
		cfg.Jobs = n
	}

	if cfg.DBPath == "" {
		// Check for project-local database first
		if _, err := os.Stat(".ingest/ingest.db"); err == nil {
			cfg.DBPath = ".ingest/ingest.db"
		} else {
			homeDir, err := os.UserHomeDir()
			if err != nil {
				return nil, fmt.Errorf("failed to get home directory: %w", err)
			}
			cfg.DBPath = filepath.Join(homeDir, ".local", "share", "ingest", "ingest.db")
		}
	}

	if cfg.Worker == "" {
		host, err := os.Hostname()
		if err != nil {
			host = "local"
		}
		cfg.Worker = fmt.Sprintf("%s-%d", host, os.Getpid())
	}

	return cfg, nil
}

// loadYAMLConfig loads configuration from ~/.config/ingest/config.yaml
func loadYAMLConfig(cfg *Config) error {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return err
	}

	configPath := filepath.Join(homeDir, ".config", "ingest", "config.yaml")
	data, err := os.ReadFile(configPath)
	if err != nil {
		return err
	}

	return yaml.Unmarshal(data, cfg)
}

// getEnvOrFile gets an environment variable value, or reads it from a file
// if the _FILE variant is set
func getEnvOrFile(envVar, fileVar string) string {
	if val := os.Getenv(envVar); val != "" {
		return val
	}

	if filePath := os.Getenv(fileVar); filePath != "" {
		data, err := os.ReadFile(filePath)
		if err == nil {
			return strings.TrimSpace(string(data))
		}
	}

	return ""
}

// findEnvLocal searches for .env.local starting from cwd and walking up
// parent directories. Stops at the user's home directory.
// Returns the path to .env.local if found, empty string otherwise.
func findEnvLocal() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		if _, err := os.Stat(".env.local"); err == nil {
			return ".env.local"
		}
		return ""
	}

	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	homeDir = filepath.Clean(homeDir)
	dir := filepath.Clean(cwd)

	for {
		envPath := filepath.Join(dir, ".env.local")
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
		if dir == homeDir {
			break
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return ""
}

// LoadIngestConfig reads per-ingest options from a YAML file. Unknown keys
// are rejected so a typo does not silently disable a policy.
func LoadIngestConfig(fs afero.Fs, path string) (domain.IngestConfig, error) {
	var cfg domain.IngestConfig
	f, err := fs.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to open ingest config: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if cfg.MaxRetries < 0 {
		return cfg, fmt.Errorf("%s: max_retries must not be negative", path)
	}
	return cfg, nil
}
