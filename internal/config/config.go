// Package config loads daemon configuration from defaults, an optional YAML
// file and PORTALGATE_* environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

const envPrefix = "PORTALGATE"

type Config struct {
	DBPath  string `yaml:"db" envconfig:"DB"`
	APIAddr string `yaml:"api_addr" envconfig:"API_ADDR"`

	Browser BrowserConfig `yaml:"browser" envconfig:"BROWSER"`
	Portal  PortalConfig  `yaml:"portal" envconfig:"PORTAL"`
	Fetch   FetchConfig   `yaml:"fetch" envconfig:"FETCH"`
	DNS     DNSConfig     `yaml:"dns" envconfig:"DNS"`
}

// BrowserConfig controls the Chrome instance that hosts hidden tabs.
type BrowserConfig struct {
	DebuggerURL string `yaml:"debugger_url" envconfig:"DEBUGGER_URL"`
	Bin         string `yaml:"bin" envconfig:"BIN"`
	Headless    bool   `yaml:"headless" envconfig:"HEADLESS"`
	UserDataDir string `yaml:"user_data_dir" envconfig:"USER_DATA_DIR"`
}

// PortalConfig names the portal endpoints and the timing of the tab flows.
type PortalConfig struct {
	TokenSourceURL   string        `yaml:"token_source_url" envconfig:"TOKEN_SOURCE_URL"`
	TokenHost        string        `yaml:"token_host" envconfig:"TOKEN_HOST"`
	TokenMaxAge      time.Duration `yaml:"token_max_age" envconfig:"TOKEN_MAX_AGE"`
	HarvestTimeout   time.Duration `yaml:"harvest_timeout" envconfig:"HARVEST_TIMEOUT"`
	ActivateTimeout  time.Duration `yaml:"activate_timeout" envconfig:"ACTIVATE_TIMEOUT"`
	Cooldown         time.Duration `yaml:"cooldown" envconfig:"COOLDOWN"`
	SessionMaxAge    time.Duration `yaml:"session_max_age" envconfig:"SESSION_MAX_AGE"`
	SSOBaseURL       string        `yaml:"sso_base_url" envconfig:"SSO_BASE_URL"`
	AcademicAppName  string        `yaml:"academic_app_name" envconfig:"ACADEMIC_APP_NAME"`
	SessionPattern   string        `yaml:"session_pattern" envconfig:"SESSION_PATTERN"`
	LegacyOrigin     string        `yaml:"legacy_origin" envconfig:"LEGACY_ORIGIN"`
	RelayInterval    time.Duration `yaml:"relay_interval" envconfig:"RELAY_INTERVAL"`
	RelayMaxAttempts int           `yaml:"relay_max_attempts" envconfig:"RELAY_MAX_ATTEMPTS"`
}

// FetchConfig tunes the outbound HTTP executor.
type FetchConfig struct {
	RuleDelay       time.Duration `yaml:"rule_delay" envconfig:"RULE_DELAY"`
	Timeout         time.Duration `yaml:"timeout" envconfig:"TIMEOUT"`
	RetryCount      int           `yaml:"retry_count" envconfig:"RETRY_COUNT"`
	RateLimit       float64       `yaml:"rate_limit" envconfig:"RATE_LIMIT"` // requests per second, 0 = unlimited
	DefaultEncoding string        `yaml:"default_encoding" envconfig:"DEFAULT_ENCODING"`
	UserAgent       string        `yaml:"user_agent" envconfig:"USER_AGENT"`
}

// DNSConfig enables split-horizon resolution for campus-only hosts.
type DNSConfig struct {
	Server   string        `yaml:"server" envconfig:"SERVER"`
	Suffixes []string      `yaml:"suffixes" envconfig:"SUFFIXES"`
	Timeout  time.Duration `yaml:"timeout" envconfig:"TIMEOUT"`
}

func Default() *Config {
	return &Config{
		DBPath:  "portalgate.db",
		APIAddr: "127.0.0.1:8765",
		Browser: BrowserConfig{
			Headless: true,
		},
		Portal: PortalConfig{
			TokenSourceURL:   "https://ot.xju.edu.cn/",
			TokenHost:        "ot.xju.edu.cn",
			TokenMaxAge:      72 * time.Hour,
			HarvestTimeout:   10 * time.Second,
			ActivateTimeout:  15 * time.Second,
			Cooldown:         60 * time.Second,
			SessionMaxAge:    4 * time.Hour,
			SSOBaseURL:       "https://ehall.xju.edu.cn",
			AcademicAppName:  "教务系统",
			SessionPattern:   `jwxt\.xju\.edu\.cn.*homes\.action|jwxt\.xju\.edu\.cn.*student`,
			LegacyOrigin:     "https://jwxt.xju.edu.cn",
			RelayInterval:    500 * time.Millisecond,
			RelayMaxAttempts: 60,
		},
		Fetch: FetchConfig{
			RuleDelay:       50 * time.Millisecond,
			Timeout:         30 * time.Second,
			DefaultEncoding: "gbk",
			UserAgent:       "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0 Safari/537.36",
		},
		DNS: DNSConfig{
			Suffixes: []string{"xju.edu.cn"},
			Timeout:  3 * time.Second,
		},
	}
}

// Load returns the defaults overlaid with the YAML file at path (if any) and
// then the environment. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	if err := envconfig.Process(envPrefix, cfg); err != nil {
		return nil, fmt.Errorf("load env config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the flows cannot run with.
func (c *Config) Validate() error {
	if c.DBPath == "" {
		return errors.New("config: db path is required")
	}
	if c.Portal.HarvestTimeout <= 0 || c.Portal.ActivateTimeout <= 0 {
		return errors.New("config: tab flow timeouts must be positive")
	}
	if c.Portal.Cooldown < 0 {
		return errors.New("config: cooldown must not be negative")
	}
	if c.Fetch.RuleDelay < 0 {
		return errors.New("config: rule delay must not be negative")
	}
	if c.Fetch.RateLimit < 0 {
		return errors.New("config: rate limit must not be negative")
	}
	return nil
}
