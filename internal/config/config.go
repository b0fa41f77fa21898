package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/basket/hookrouter/internal/hook"
	"github.com/basket/hookrouter/internal/policy"
)

type FeedbackConfig struct {
	TTLSeconds      int `yaml:"ttl_seconds"`
	MaxContextLines int `yaml:"max_context_lines"`
}

type BackgroundConfig struct {
	MaxConcurrent  int `yaml:"max_concurrent"`
	DefaultTimeout int `yaml:"default_timeout"`
	HarvestLimit   int `yaml:"harvest_limit"`
}

// PluginsConfig locates WASI task plugins. Entries map a plugin name to a
// module path; anything else is looked up as <dir>/<name>.wasm.
type PluginsConfig struct {
	Dir              string            `yaml:"dir"`
	Entries          map[string]string `yaml:"entries"`
	MemoryLimitPages uint32            `yaml:"memory_limit_pages"`
}

type TelemetryConfig struct {
	Enabled        bool    `yaml:"enabled"`
	Exporter       string  `yaml:"exporter"`
	Endpoint       string  `yaml:"endpoint"`
	ServiceName    string  `yaml:"service_name"`
	SampleRate     float64 `yaml:"sample_rate"`
	MetricsEnabled bool    `yaml:"metrics_enabled"`
}

type Config struct {
	Concurrency    int                `yaml:"concurrency"`
	DefaultTimeout float64            `yaml:"default_timeout"`
	Timeouts       map[string]float64 `yaml:"timeouts"`
	Policy         policy.Policy      `yaml:"policy"`
	PolicyFile     string             `yaml:"policy_file"`
	Feedback       FeedbackConfig     `yaml:"feedback"`
	Background     BackgroundConfig   `yaml:"background"`
	Plugins        PluginsConfig      `yaml:"plugins"`
	StateDir       string             `yaml:"state_dir"`
	LogLevel       string             `yaml:"log_level"`
	Telemetry      TelemetryConfig    `yaml:"telemetry"`

	// Sections holds the merged task list per event.
	Sections map[hook.Event][]TaskRef `yaml:"-"`
	// Resolved lists the files that contributed to this config, in load order.
	Resolved []string `yaml:"-"`
	// Raw is the merged document before typing, kept for tasks that read
	// their own top-level keys.
	Raw map[string]any `yaml:"-"`
}

// Tasks returns the merged task entries for event.
func (c *Config) Tasks(event hook.Event) []TaskRef {
	if c == nil {
		return nil
	}
	return c.Sections[event]
}

// TimeoutFor returns the configured per-id timeout, or 0.
func (c *Config) TimeoutFor(id string) time.Duration {
	if c == nil {
		return 0
	}
	return seconds(c.Timeouts[id])
}

func (c *Config) DefaultTaskTimeout() time.Duration {
	return seconds(c.DefaultTimeout)
}

func (c *Config) FeedbackTTL() time.Duration {
	return time.Duration(c.Feedback.TTLSeconds) * time.Second
}

// SessionDir returns the per-session state directory. Session ids are
// sanitized to a safe path component; an empty id maps to "default".
func (c *Config) SessionDir(sessionID string) string {
	return filepath.Join(c.StateDir, "sessions", SanitizeSessionID(sessionID))
}

func (c *Config) LogDir() string {
	return filepath.Join(c.StateDir, "logs")
}

// Fingerprint returns a stable hash of the settings that shape a run.
func (c *Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "concurrency=%d|timeout=%g|policy=%s|files=%s",
		c.Concurrency, c.DefaultTimeout, c.Policy.PolicyVersion(), strings.Join(c.Resolved, ","))
	for _, ev := range hook.Events {
		for _, t := range c.Sections[ev] {
			fmt.Fprintf(h, "|%s=%s", ev, t.Key())
		}
	}
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

const maxSessionDirLen = 64

// SanitizeSessionID maps id to a path component. Ids that are already safe
// are kept as is; any id that had to be rewritten or shortened gets a short
// hash of the raw id appended so distinct sessions never share a directory.
func SanitizeSessionID(id string) string {
	if strings.TrimSpace(id) == "" {
		return "default"
	}
	var b strings.Builder
	for _, r := range strings.TrimSpace(id) {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	out := b.String()
	if out == id && len(out) <= maxSessionDirLen && strings.Trim(out, ".") != "" {
		return out
	}
	sum := sha256.Sum256([]byte(id))
	suffix := "-" + hex.EncodeToString(sum[:4])
	if limit := maxSessionDirLen - len(suffix); len(out) > limit {
		out = out[:limit]
	}
	return out + suffix
}

func defaultConfig() Config {
	return Config{
		Concurrency:    6,
		DefaultTimeout: 12,
		Timeouts:       map[string]float64{},
		Policy:         policy.Default(),
		Feedback: FeedbackConfig{
			TTLSeconds:      300,
			MaxContextLines: 50,
		},
		Background: BackgroundConfig{
			MaxConcurrent:  2,
			DefaultTimeout: 120,
			HarvestLimit:   10,
		},
		Plugins: PluginsConfig{
			MemoryLimitPages: 256,
		},
		StateDir: DefaultStateDir(),
		LogLevel: "info",
		Telemetry: TelemetryConfig{
			Exporter:    "none",
			ServiceName: "hookrouter",
			SampleRate:  1.0,
		},
	}
}

// DefaultStateDir is $HOOKROUTER_STATE_DIR, else <user cache dir>/hookrouter.
func DefaultStateDir() string {
	if override := os.Getenv("HOOKROUTER_STATE_DIR"); override != "" {
		return override
	}
	base, err := os.UserCacheDir()
	if err != nil || base == "" {
		home, herr := os.UserHomeDir()
		if herr != nil || home == "" {
			return ".hookrouter"
		}
		base = filepath.Join(home, ".cache")
	}
	return filepath.Join(base, "hookrouter")
}

func normalize(cfg *Config) {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 6
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 12
	}
	if cfg.Timeouts == nil {
		cfg.Timeouts = map[string]float64{}
	}
	if cfg.Feedback.TTLSeconds <= 0 {
		cfg.Feedback.TTLSeconds = 300
	}
	if cfg.Feedback.MaxContextLines <= 0 {
		cfg.Feedback.MaxContextLines = 50
	}
	if cfg.Background.MaxConcurrent <= 0 {
		cfg.Background.MaxConcurrent = 2
	}
	if cfg.Background.DefaultTimeout <= 0 {
		cfg.Background.DefaultTimeout = 120
	}
	if cfg.Background.HarvestLimit <= 0 {
		cfg.Background.HarvestLimit = 10
	}
	if cfg.Plugins.MemoryLimitPages == 0 {
		cfg.Plugins.MemoryLimitPages = 256
	}
	if strings.TrimSpace(cfg.StateDir) == "" {
		cfg.StateDir = DefaultStateDir()
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Telemetry.Exporter == "" {
		cfg.Telemetry.Exporter = "none"
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "hookrouter"
	}
	if cfg.Sections == nil {
		cfg.Sections = map[hook.Event][]TaskRef{}
	}
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("HOOKROUTER_CONCURRENCY"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Concurrency = v
		}
	}
	if raw := os.Getenv("HOOKROUTER_DEFAULT_TIMEOUT"); raw != "" {
		if v, err := strconv.ParseFloat(raw, 64); err == nil {
			cfg.DefaultTimeout = v
		}
	}
	if raw := os.Getenv("HOOKROUTER_STATE_DIR"); raw != "" {
		cfg.StateDir = raw
	}
	if raw := os.Getenv("HOOKROUTER_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("HOOKROUTER_POLICY_FILE"); raw != "" {
		cfg.PolicyFile = raw
	}
}

func seconds(v float64) time.Duration {
	if v <= 0 {
		return 0
	}
	return time.Duration(v * float64(time.Second))
}
