// File: internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// Browser drivers understood by the browser package.
const (
	DriverChromedp = "chromedp"
	DriverRod      = "rod"
)

// Config holds the entire application configuration.
type Config struct {
	Logger      LoggerConfig      `mapstructure:"logger" yaml:"logger"`
	Browser     BrowserConfig     `mapstructure:"browser" yaml:"browser"`
	Site        SiteConfig        `mapstructure:"site" yaml:"site"`
	Search      SearchConfig      `mapstructure:"search" yaml:"search"`
	Credentials CredentialsConfig `mapstructure:"credentials" yaml:"credentials"`
	Screenshots ScreenshotsConfig `mapstructure:"screenshots" yaml:"screenshots"`
	Session     SessionConfig     `mapstructure:"session" yaml:"session"`
	Relay       RelayConfig       `mapstructure:"relay" yaml:"relay"`
}

// LoggerConfig controls the zap logger. Console output always goes to stderr;
// stdout belongs to the relay protocol.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig maps log levels to friendly color names for the console encoder.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// BrowserConfig controls how the headless browser is launched.
type BrowserConfig struct {
	Driver          string         `mapstructure:"driver" yaml:"driver"`
	Headless        bool           `mapstructure:"headless" yaml:"headless"`
	IgnoreTLSErrors bool           `mapstructure:"ignore_tls_errors" yaml:"ignore_tls_errors"`
	Stealth         bool           `mapstructure:"stealth" yaml:"stealth"`
	UserAgent       string         `mapstructure:"user_agent" yaml:"user_agent"`
	Locale          string         `mapstructure:"locale" yaml:"locale"`
	Timezone        string         `mapstructure:"timezone" yaml:"timezone"`
	ExecPath        string         `mapstructure:"exec_path" yaml:"exec_path"`
	Args            []string       `mapstructure:"args" yaml:"args"`
	Viewport        map[string]int `mapstructure:"viewport" yaml:"viewport"`
	LaunchTimeout   time.Duration  `mapstructure:"launch_timeout" yaml:"launch_timeout"`
}

// SiteConfig describes the catalog website and the DOM hooks used to sign in.
type SiteConfig struct {
	BaseURL           string          `mapstructure:"base_url" yaml:"base_url"`
	CatalogPath       string          `mapstructure:"catalog_path" yaml:"catalog_path"`
	SearchPath        string          `mapstructure:"search_path" yaml:"search_path"`
	Timeout           time.Duration   `mapstructure:"timeout" yaml:"timeout"`
	NavigationTimeout time.Duration   `mapstructure:"navigation_timeout" yaml:"navigation_timeout"`
	Selectors         SelectorsConfig `mapstructure:"selectors" yaml:"selectors"`
}

// SelectorsConfig holds CSS selectors for the sign-in form and the results list.
type SelectorsConfig struct {
	Username    string `mapstructure:"username" yaml:"username"`
	Password    string `mapstructure:"password" yaml:"password"`
	Submit      string `mapstructure:"submit" yaml:"submit"`
	ResultsList string `mapstructure:"results_list" yaml:"results_list"`
}

// SearchConfig holds the static part of the search query and request pacing.
type SearchConfig struct {
	MediaType         string        `mapstructure:"media_type" yaml:"media_type"`
	Sort              string        `mapstructure:"sort" yaml:"sort"`
	View              string        `mapstructure:"view" yaml:"view"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second" yaml:"requests_per_second"`
	Burst             int           `mapstructure:"burst" yaml:"burst"`
}

// CredentialsConfig carries the catalog account. Never written back out.
type CredentialsConfig struct {
	Username string `mapstructure:"username" yaml:"-"`
	Password string `mapstructure:"password" yaml:"-"`
}

// ScreenshotsConfig controls step screenshots.
type ScreenshotsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Dir     string `mapstructure:"dir" yaml:"dir"`
}

// SessionConfig points at an optional storage-state file holding cookies.
type SessionConfig struct {
	StorageState     string `mapstructure:"storage_state" yaml:"storage_state"`
	SaveStorageState bool   `mapstructure:"save_storage_state" yaml:"save_storage_state"`
}

// RelayConfig controls the command loop.
type RelayConfig struct {
	ExitOnError bool `mapstructure:"exit_on_error" yaml:"exit_on_error"`
}

// HasCredentials reports whether both username and password are set.
func (c CredentialsConfig) HasCredentials() bool {
	return c.Username != "" && c.Password != ""
}

// CatalogURL is the page that hosts the results list.
func (s SiteConfig) CatalogURL() string {
	return strings.TrimRight(s.BaseURL, "/") + s.CatalogPath
}

// SearchURL is the JSON search endpoint.
func (s SiteConfig) SearchURL() string {
	return strings.TrimRight(s.BaseURL, "/") + s.SearchPath
}

// NewDefaultConfig returns a Config populated only from SetDefaults.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// NewConfigFromViper unmarshals, normalizes and validates the configuration held by v.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	cfg, err := Load(v)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load unmarshals and normalizes v without validating it.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if envFlagEnabled(v.GetString(screenshotsEnvKey)) {
		cfg.Screenshots.Enabled = true
	}
	if err := cfg.expandPaths(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// SetDefaults registers every default value and the legacy environment variable names.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "catalog-relay")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 20)
	v.SetDefault("logger.max_backups", 3)
	v.SetDefault("logger.max_age", 14)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")
	v.SetDefault("logger.colors.dpanic", "magenta")
	v.SetDefault("logger.colors.panic", "magenta")
	v.SetDefault("logger.colors.fatal", "magenta")

	v.SetDefault("browser.driver", DriverChromedp)
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.ignore_tls_errors", false)
	v.SetDefault("browser.stealth", true)
	v.SetDefault("browser.locale", "en-US")
	v.SetDefault("browser.timezone", "")
	v.SetDefault("browser.launch_timeout", "30s")
	v.SetDefault("browser.viewport", map[string]int{"width": 1280, "height": 800})

	v.SetDefault("site.catalog_path", "/catalog?view=list")
	v.SetDefault("site.search_path", "/api/v2/search")
	v.SetDefault("site.timeout", "3s")
	v.SetDefault("site.navigation_timeout", "30s")
	v.SetDefault("site.selectors.username", "#input-user-name")
	v.SetDefault("site.selectors.password", "#input-password")
	v.SetDefault("site.selectors.submit", "#form-submit")
	v.SetDefault("site.selectors.results_list", ".ResultsList")

	v.SetDefault("search.media_type", "audio")
	v.SetDefault("search.sort", "rating_rank_desc")
	v.SetDefault("search.view", "list")
	v.SetDefault("search.request_timeout", "30s")
	v.SetDefault("search.requests_per_second", 0.0)
	v.SetDefault("search.burst", 1)

	v.SetDefault("screenshots.enabled", false)
	v.SetDefault("screenshots.dir", "screenshots")

	v.SetDefault("session.storage_state", "")
	v.SetDefault("session.save_storage_state", false)

	v.SetDefault("relay.exit_on_error", true)

	// The parent process predates the config file and speaks these names.
	_ = v.BindEnv("credentials.username", "EBIRD_USERNAME")
	_ = v.BindEnv("credentials.password", "EBIRD_PASSWORD")
	_ = v.BindEnv(screenshotsEnvKey, "PLAYWRIGHT_TAKE_SCREENSHOTS")
}

// screenshotsEnvKey holds the raw legacy toggle. Anything but an empty or falsy value enables screenshots.
const screenshotsEnvKey = "screenshots_env"

func envFlagEnabled(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "0", "false", "no", "off":
		return false
	}
	return true
}

// Validate checks the invariants the relay depends on.
func (c *Config) Validate() error {
	var errs []error

	if c.Site.BaseURL == "" {
		errs = append(errs, errors.New("site.base_url is required"))
	} else if !strings.HasPrefix(c.Site.BaseURL, "http://") && !strings.HasPrefix(c.Site.BaseURL, "https://") {
		errs = append(errs, fmt.Errorf("site.base_url must be an http(s) URL, got %q", c.Site.BaseURL))
	}
	if c.Site.Timeout <= 0 {
		errs = append(errs, errors.New("site.timeout must be a positive duration"))
	}
	if c.Site.NavigationTimeout <= 0 {
		errs = append(errs, errors.New("site.navigation_timeout must be a positive duration"))
	}
	switch c.Browser.Driver {
	case DriverChromedp, DriverRod:
	default:
		errs = append(errs, fmt.Errorf("browser.driver must be %q or %q, got %q", DriverChromedp, DriverRod, c.Browser.Driver))
	}
	if c.Search.RequestsPerSecond < 0 {
		errs = append(errs, errors.New("search.requests_per_second must not be negative"))
	}
	if c.Search.RequestsPerSecond > 0 && c.Search.Burst < 1 {
		errs = append(errs, errors.New("search.burst must be at least 1 when rate limiting is enabled"))
	}
	if c.Screenshots.Enabled && c.Screenshots.Dir == "" {
		errs = append(errs, errors.New("screenshots.dir is required when screenshots are enabled"))
	}
	if c.Session.SaveStorageState && c.Session.StorageState == "" {
		errs = append(errs, errors.New("session.storage_state is required when save_storage_state is set"))
	}

	return errors.Join(errs...)
}

// expandPaths resolves a leading ~ in every file path setting.
func (c *Config) expandPaths() error {
	for _, p := range []*string{&c.Logger.LogFile, &c.Screenshots.Dir, &c.Session.StorageState, &c.Browser.ExecPath} {
		if *p == "" {
			continue
		}
		expanded, err := homedir.Expand(*p)
		if err != nil {
			return fmt.Errorf("failed to expand path %q: %w", *p, err)
		}
		*p = expanded
	}
	return nil
}
