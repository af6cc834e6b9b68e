// Package config loads and validates the PulZ TOML configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration is a time.Duration that unmarshals from TOML strings like "60s" or "2m".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

type Config struct {
	General General           `toml:"general"`
	Sources map[string]Source `toml:"sources"`
	Ollama  Ollama            `toml:"ollama"`
	API     API               `toml:"api"`
	Mission Mission           `toml:"mission"`

	// CostPer1MTokensUSD maps provider tag to USD per million tokens.
	// Telemetry cost aggregates use the "default" entry for unknown providers.
	CostPer1MTokensUSD map[string]float64 `toml:"cost_per_1m_tokens_usd"`
}

type General struct {
	DataDir  string `toml:"data_dir"`
	LogLevel string `toml:"log_level"`
}

// Source is one entry in the static source catalogue. Kind selects the
// connector ("reddit" or "rss"); the remaining fields parameterize it.
type Source struct {
	Kind      string `toml:"kind"`
	Subreddit string `toml:"subreddit"`
	URL       string `toml:"url"`
	Limit     int    `toml:"limit"`
}

type Ollama struct {
	Model   string   `toml:"model"`
	URL     string   `toml:"url"`
	Timeout Duration `toml:"timeout"`
}

type API struct {
	Bind string `toml:"bind"`
	// Auth gates all /api/pulz routes behind verified-user checks.
	Auth          bool     `toml:"auth"`
	AllowedTokens []string `toml:"allowed_tokens"`
}

// Mission holds defaults applied when mission/start omits a field.
type Mission struct {
	Sources                []string `toml:"sources"`
	RatePerSourcePerMinute float64  `toml:"rate_per_source_per_minute"`
	MaxItems               int      `toml:"max_items"`
	DurationMinutes        int      `toml:"duration_minutes"`
	AuthorityMode          string   `toml:"authority_mode"`
}

// Default returns the built-in configuration used when no file is present.
func Default() *Config {
	return &Config{
		General: General{
			DataDir:  defaultDataDir(),
			LogLevel: "info",
		},
		Sources: map[string]Source{
			"reddit_smallbusiness": {Kind: "reddit", Subreddit: "smallbusiness"},
			"reddit_entrepreneur":  {Kind: "reddit", Subreddit: "entrepreneur"},
			"rss_forhire":          {Kind: "rss", URL: "https://www.reddit.com/r/forhire/.rss"},
		},
		Ollama: Ollama{
			Model:   "llama3.1",
			URL:     "http://127.0.0.1:11434/api/generate",
			Timeout: Duration{20 * time.Second},
		},
		API: API{
			Bind: "127.0.0.1:8788",
		},
		Mission: Mission{
			Sources:                []string{"reddit_smallbusiness"},
			RatePerSourcePerMinute: 1,
			MaxItems:               100,
			DurationMinutes:        60,
			AuthorityMode:          "auto_draft_queue",
		},
		CostPer1MTokensUSD: map[string]float64{"default": 2.0},
	}
}

// Load reads the TOML file at path, falling back to defaults when the file
// does not exist, then applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if _, err := toml.DecodeFile(path, cfg); err != nil {
				return nil, fmt.Errorf("config: decode %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("config: stat %s: %w", path, err)
		}
	}
	applyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.General.DataDir = v
	}
	if v := os.Getenv("OLLAMA_MODEL"); v != "" {
		cfg.Ollama.Model = v
	}
	if v := os.Getenv("OLLAMA_URL"); v != "" {
		cfg.Ollama.URL = v
	}
	if v := os.Getenv("AUTH"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.API.Auth = b
		}
	}
	if v := os.Getenv("PULZ_BIND"); v != "" {
		cfg.API.Bind = v
	}
	if v := os.Getenv("PULZ_API_TOKENS"); v != "" {
		cfg.API.AllowedTokens = strings.Split(v, ",")
	}
	if v := os.Getenv("COST_PER_1M_TOKENS_USD"); v != "" {
		cfg.CostPer1MTokensUSD = ParseCostMap(v)
	}
}

// ParseCostMap parses the COST_PER_1M_TOKENS_USD value: either a JSON object
// of provider -> rate, or a single number applied as the default rate.
// Malformed input yields the built-in default map.
func ParseCostMap(raw string) map[string]float64 {
	fallback := map[string]float64{"default": 2.0}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback
	}
	if strings.HasPrefix(raw, "{") {
		parsed := map[string]float64{}
		if err := json.Unmarshal([]byte(raw), &parsed); err != nil || len(parsed) == 0 {
			return fallback
		}
		return parsed
	}
	rate, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fallback
	}
	return map[string]float64{"default": rate}
}

// Validate checks invariants that would otherwise surface as runtime faults.
func (cfg *Config) Validate() error {
	if strings.TrimSpace(cfg.General.DataDir) == "" {
		return fmt.Errorf("config: general.data_dir is required")
	}
	for name, src := range cfg.Sources {
		switch src.Kind {
		case "reddit":
			if src.Subreddit == "" {
				return fmt.Errorf("config: source %s: subreddit is required", name)
			}
		case "rss":
			if src.URL == "" {
				return fmt.Errorf("config: source %s: url is required", name)
			}
		default:
			return fmt.Errorf("config: source %s: unknown kind %q", name, src.Kind)
		}
	}
	if mode := cfg.Mission.AuthorityMode; !ValidAuthorityMode(mode) {
		return fmt.Errorf("config: mission.authority_mode %q is invalid", mode)
	}
	return nil
}

// ValidAuthorityMode reports whether mode is one of the recognised
// authority levels.
func ValidAuthorityMode(mode string) bool {
	switch mode {
	case "scan_only", "draft_only", "auto_draft_queue", "execute_after_approval":
		return true
	default:
		return false
	}
}

// DBPath returns the SQLite database location under the data dir.
func (cfg *Config) DBPath() string {
	return filepath.Join(ExpandHome(cfg.General.DataDir), "pulz.sqlite3")
}

// ArtifactsDir returns the root directory for artifact files.
func (cfg *Config) ArtifactsDir() string {
	return filepath.Join(ExpandHome(cfg.General.DataDir), "artifacts")
}

// ExecutionOutputDir returns the root for per-execution artifact trees.
func (cfg *Config) ExecutionOutputDir() string {
	return filepath.Join(cfg.ArtifactsDir(), "executions")
}

// ExpandHome expands a leading ~ to the current user's home directory.
func ExpandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, strings.TrimPrefix(strings.TrimPrefix(path, "~"), "/"))
	}
	return path
}

func defaultDataDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "pulz")
	}
	return filepath.Join(os.TempDir(), "pulz")
}
