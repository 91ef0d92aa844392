package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	projectConfigName = "flowforge.yaml"
	homeConfigName    = "config.yaml"
)

// Duration decodes "30s"-style strings from YAML into a time.Duration.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the declarative daemon configuration shape for flowforge.yaml.
// Zero values fall back to built-in defaults; string values support
// ${ENV_VAR} expansion.
type Config struct {
	HTTP      HTTPConfig      `yaml:"http"`
	SQLite    SQLiteConfig    `yaml:"sqlite"`
	Engine    EngineConfig    `yaml:"engine"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Events    EventsConfig    `yaml:"events"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// HTTPConfig configures the API listener.
type HTTPConfig struct {
	Host         string   `yaml:"host"`
	Port         int      `yaml:"port"`
	CORSOrigin   string   `yaml:"cors_origin"`
	MaxBody      int64    `yaml:"max_body"`
	ReadTimeout  Duration `yaml:"read_timeout"`
	WriteTimeout Duration `yaml:"write_timeout"`
	TLSCert      string   `yaml:"tls_cert"`
	TLSKey       string   `yaml:"tls_key"`
}

// SQLiteConfig locates the engine database.
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// EngineConfig tunes the step dispatch workers.
type EngineConfig struct {
	Workers        int      `yaml:"workers"`
	DefaultTimeout Duration `yaml:"default_timeout"`
	BackoffBase    Duration `yaml:"backoff_base"`
	BackoffCap     Duration `yaml:"backoff_cap"`
}

// SchedulerConfig tunes the cron schedule poller.
type SchedulerConfig struct {
	PollInterval Duration `yaml:"poll_interval"`
	BatchLimit   int      `yaml:"batch_limit"`
}

// EventsConfig tunes the event bus and persisted event retention.
type EventsConfig struct {
	BufferSize     int      `yaml:"buffer_size"`
	RetentionAge   Duration `yaml:"retention_age"`
	RetentionCount int      `yaml:"retention_count"`
	PruneInterval  Duration `yaml:"prune_interval"`
}

// TelemetryConfig configures the optional OTLP trace exporter. Tracing is
// enabled only when Endpoint is non-empty.
type TelemetryConfig struct {
	Endpoint    string `yaml:"endpoint"`
	ServiceName string `yaml:"service_name"`
	Insecure    bool   `yaml:"insecure"`
}

// DiscoverConfigPath resolves the daemon config location with first-match
// semantics: explicit flag, ./flowforge.yaml, ~/.flowforge/config.yaml.
func DiscoverConfigPath(explicitPath string) (string, bool, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", false, fmt.Errorf("resolve working directory: %w", err)
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", false, fmt.Errorf("resolve user home: %w", err)
	}
	return DiscoverConfigPathFrom(explicitPath, cwd, homeDir)
}

// DiscoverConfigPathFrom is a testable variant of DiscoverConfigPath.
func DiscoverConfigPathFrom(explicitPath, cwd, homeDir string) (string, bool, error) {
	candidates := make([]string, 0, 3)
	if clean := strings.TrimSpace(explicitPath); clean != "" {
		candidates = append(candidates, filepath.Clean(clean))
	} else {
		candidates = append(candidates, filepath.Join(cwd, projectConfigName))
		candidates = append(candidates, filepath.Join(homeDir, ".flowforge", homeConfigName))
	}

	for i, candidate := range candidates {
		info, err := os.Stat(candidate)
		if err == nil && !info.IsDir() {
			return candidate, true, nil
		}
		if errors.Is(err, os.ErrNotExist) {
			// If explicit path is set, not found is an error.
			if i == 0 && strings.TrimSpace(explicitPath) != "" {
				return "", false, fmt.Errorf("config file %q not found", candidate)
			}
			continue
		}
		if err != nil {
			return "", false, fmt.Errorf("checking config path %q: %w", candidate, err)
		}
	}
	return "", false, nil
}

// LoadConfig reads and parses a flowforge.yaml file, expanding ${ENV_VAR}
// references before decoding.
func LoadConfig(path string) (Config, error) {
	// #nosec G304 -- path resolved from explicit local config discovery.
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config %q: %w", path, err)
	}
	return cfg, nil
}

// resolveSQLitePath picks the database location: flag, config file,
// FLOWFORGE_SQLITE_PATH, then ~/.flowforge/flowforge.db.
func resolveSQLitePath(flagValue, configValue string) (string, error) {
	dsn := strings.TrimSpace(flagValue)
	if dsn == "" {
		dsn = strings.TrimSpace(configValue)
	}
	if dsn == "" {
		dsn = strings.TrimSpace(os.Getenv("FLOWFORGE_SQLITE_PATH"))
	}
	if dsn == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolving default sqlite path: %w", err)
		}
		dir := filepath.Join(homeDir, ".flowforge")
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return "", fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dir, "flowforge.db")
	}
	if !strings.HasPrefix(strings.ToLower(dsn), "file:") {
		dsn = filepath.Clean(dsn)
	}
	return dsn, nil
}
