package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration options for the roster monitor
type Config struct {
	// Account whose follower roster is watched
	Target TargetConfig `yaml:"target" json:"target"`

	// Browser session used to render the roster page
	Browser BrowserConfig `yaml:"browser" json:"browser"`

	// Scroll crawl tuning
	Crawl CrawlConfig `yaml:"crawl" json:"crawl"`

	// Notification endpoint and sync worker tuning
	Sync SyncConfig `yaml:"sync" json:"sync"`

	// Follower ledger location
	Store StoreConfig `yaml:"store" json:"store"`

	// Dashboard HTTP server
	Dashboard DashboardConfig `yaml:"dashboard" json:"dashboard"`

	// Desktop notification preferences
	Notifications NotificationConfig `yaml:"notifications" json:"notifications"`

	// Logging configuration
	Logging LoggingConfig `yaml:"logging" json:"logging"`
}

// TargetConfig identifies the monitored account
type TargetConfig struct {
	Username string `yaml:"username" json:"username"`
	// FollowersURL is a format string receiving the username.
	FollowersURL string `yaml:"followers_url" json:"followers_url"`
}

// BrowserConfig holds the page-driver settings
type BrowserConfig struct {
	ProfileDir          string        `yaml:"profile_dir" json:"profile_dir"`
	ExecPath            string        `yaml:"exec_path" json:"exec_path"`
	Headless            bool          `yaml:"headless" json:"headless"`
	NavigationTimeout   time.Duration `yaml:"navigation_timeout" json:"navigation_timeout"`
	RowSelector         string        `yaml:"row_selector" json:"row_selector"`
	DisplayNameSelector string        `yaml:"display_name_selector" json:"display_name_selector"`
	UsernameSelector    string        `yaml:"username_selector" json:"username_selector"`
	LoginSelector       string        `yaml:"login_selector" json:"login_selector"`
	LoginURL            string        `yaml:"login_url" json:"login_url"`
}

// CrawlConfig holds the scroll crawler tuning knobs
type CrawlConfig struct {
	ScrollStep          int           `yaml:"scroll_step" json:"scroll_step"`
	BackStep            int           `yaml:"back_step" json:"back_step"`
	SettleDelay         time.Duration `yaml:"settle_delay" json:"settle_delay"`
	BatchSize           int           `yaml:"batch_size" json:"batch_size"`
	MaxConsecutiveKnown int           `yaml:"max_consecutive_known" json:"max_consecutive_known"`
	MaxIdleSteps        int           `yaml:"max_idle_steps" json:"max_idle_steps"`
	MaxStepErrors       int           `yaml:"max_step_errors" json:"max_step_errors"`
	LoginPollInterval   time.Duration `yaml:"login_poll_interval" json:"login_poll_interval"`
	ScanInterval        time.Duration `yaml:"scan_interval" json:"scan_interval"`
}

// SyncConfig holds the notification endpoint and sync worker settings
type SyncConfig struct {
	Endpoint          string        `yaml:"endpoint" json:"endpoint"`
	Token             string        `yaml:"-" json:"-"`
	RequestTimeout    time.Duration `yaml:"request_timeout" json:"request_timeout"`
	RecordDelay       time.Duration `yaml:"record_delay" json:"record_delay"`
	Interval          time.Duration `yaml:"interval" json:"interval"`
	MaxCycleFailures  int           `yaml:"max_cycle_failures" json:"max_cycle_failures"`
	CoolDown          time.Duration `yaml:"cool_down" json:"cool_down"`
	RequestsPerMinute int           `yaml:"requests_per_minute" json:"requests_per_minute"`
}

// StoreConfig holds the ledger database location
type StoreConfig struct {
	Path        string        `yaml:"path" json:"path"`
	BusyTimeout time.Duration `yaml:"busy_timeout" json:"busy_timeout"`
}

// DashboardConfig holds the HTTP dashboard settings
type DashboardConfig struct {
	Host     string `yaml:"host" json:"host"`
	Port     int    `yaml:"port" json:"port"`
	PageSize int    `yaml:"page_size" json:"page_size"`
}

// NotificationConfig holds desktop notification preferences
type NotificationConfig struct {
	Enabled         bool `yaml:"enabled" json:"enabled"`
	OnNewFollowers  bool `yaml:"on_new_followers" json:"on_new_followers"`
	OnLoginRequired bool `yaml:"on_login_required" json:"on_login_required"`
	OnSyncSuspended bool `yaml:"on_sync_suspended" json:"on_sync_suspended"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level string `yaml:"level" json:"level"`
	File  string `yaml:"file" json:"file"`
	// JSON switches console output to raw zerolog JSON lines.
	JSON bool `yaml:"json" json:"json"`
}

// DefaultConfig returns a Config instance with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Target: TargetConfig{
			FollowersURL: "https://x.com/%s/followers",
		},
		Browser: BrowserConfig{
			ProfileDir:          filepath.Join(homeDir(), ".config", "rosterwatch", "browser-profile"),
			Headless:            false,
			NavigationTimeout:   60 * time.Second,
			RowSelector:         `[data-testid="UserCell"]`,
			DisplayNameSelector: `a[role="link"] span`,
			UsernameSelector:    `a[role="link"][tabindex="-1"] span`,
			LoginSelector:       `[data-testid="loginButton"]`,
			LoginURL:            "https://x.com/login",
		},
		Crawl: CrawlConfig{
			ScrollStep:          300,
			BackStep:            200,
			SettleDelay:         2 * time.Second,
			BatchSize:           100,
			MaxConsecutiveKnown: 10,
			MaxIdleSteps:        5,
			MaxStepErrors:       10,
			LoginPollInterval:   5 * time.Second,
			ScanInterval:        60 * time.Second,
		},
		Sync: SyncConfig{
			RequestTimeout:    10 * time.Second,
			RecordDelay:       2 * time.Second,
			Interval:          60 * time.Second,
			MaxCycleFailures:  3,
			CoolDown:          300 * time.Second,
			RequestsPerMinute: 0, // 0 disables pacing
		},
		Store: StoreConfig{
			Path:        "followers.db",
			BusyTimeout: 5 * time.Second,
		},
		Dashboard: DashboardConfig{
			Host:     "127.0.0.1",
			Port:     3000,
			PageSize: 25,
		},
		Notifications: NotificationConfig{
			Enabled:         true,
			OnNewFollowers:  true,
			OnLoginRequired: true,
			OnSyncSuspended: true,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

func homeDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return home
	}
	return "."
}

// envLookup returns the first non-empty value among the given variable names.
func envLookup(names ...string) (string, bool) {
	for _, name := range names {
		if v := os.Getenv(name); v != "" {
			return v, true
		}
	}
	return "", false
}

// LoadFromEnv loads configuration from environment variables.
// The unprefixed names are accepted for compatibility with existing deployments.
func (c *Config) LoadFromEnv() error {
	var errs []error

	if v, ok := envLookup("ROSTERWATCH_TARGET", "TARGET_USERNAME"); ok {
		c.Target.Username = strings.TrimPrefix(v, "@")
	}
	if v, ok := envLookup("ROSTERWATCH_FOLLOWERS_URL"); ok {
		c.Target.FollowersURL = v
	}
	if v, ok := envLookup("ROSTERWATCH_PROFILE_DIR"); ok {
		c.Browser.ProfileDir = v
	}
	if v, ok := envLookup("ROSTERWATCH_CHROME_PATH"); ok {
		c.Browser.ExecPath = v
	}
	if v, ok := envLookup("ROSTERWATCH_HEADLESS"); ok {
		c.Browser.Headless = strings.EqualFold(v, "true")
	}

	if v, ok := envLookup("ROSTERWATCH_API_ENDPOINT", "API_ENDPOINT"); ok {
		c.Sync.Endpoint = v
	}
	if v, ok := envLookup("ROSTERWATCH_API_TOKEN", "API_TOKEN"); ok {
		c.Sync.Token = v
	}
	if v, ok := envLookup("ROSTERWATCH_SYNC_INTERVAL"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("ROSTERWATCH_SYNC_INTERVAL: %w", err))
		} else {
			c.Sync.Interval = d
		}
	}
	if v, ok := envLookup("ROSTERWATCH_SCAN_INTERVAL"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("ROSTERWATCH_SCAN_INTERVAL: %w", err))
		} else {
			c.Crawl.ScanInterval = d
		}
	}

	if v, ok := envLookup("ROSTERWATCH_DB", "DATABASE_PATH"); ok {
		c.Store.Path = v
	}

	if v, ok := envLookup("ROSTERWATCH_PORT", "WEB_PORT"); ok {
		port, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("dashboard port %q: %w", v, err))
		} else {
			c.Dashboard.Port = port
		}
	}

	if v, ok := envLookup("ROSTERWATCH_NOTIFICATIONS_ENABLED"); ok {
		c.Notifications.Enabled = strings.EqualFold(v, "true")
	}

	if v, ok := envLookup("ROSTERWATCH_LOG_LEVEL"); ok {
		c.Logging.Level = v
	}
	if v, ok := envLookup("ROSTERWATCH_LOG_FILE"); ok {
		c.Logging.File = v
	}

	return errors.Join(errs...)
}

// LoadFromFile loads configuration from a YAML file
func (c *Config) LoadFromFile(path string) error {
	// If path is empty, try default locations
	if path == "" {
		path = c.findConfigFile()
		if path == "" {
			return nil // No config file found, not an error
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// findConfigFile searches for config file in standard locations
func (c *Config) findConfigFile() string {
	home := homeDir()
	locations := []string{
		".rosterwatch.yaml",
		".rosterwatch.yml",
		filepath.Join(home, ".config", "rosterwatch", "config.yaml"),
		filepath.Join(home, ".config", "rosterwatch", "config.yml"),
		filepath.Join(home, ".rosterwatch.yaml"),
	}

	for _, loc := range locations {
		if _, err := os.Stat(loc); err == nil {
			return loc
		}
	}

	return ""
}

// FollowersPage returns the roster URL of the configured target.
func (c *Config) FollowersPage() string {
	return fmt.Sprintf(c.Target.FollowersURL, c.Target.Username)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	var errs []error

	if c.Target.Username == "" {
		errs = append(errs, errors.New("target username is required"))
	}
	if !strings.Contains(c.Target.FollowersURL, "%s") {
		errs = append(errs, errors.New("followers URL must contain a %s placeholder for the username"))
	}

	if c.Crawl.ScrollStep <= 0 {
		errs = append(errs, errors.New("scroll step must be positive"))
	}
	if c.Crawl.BackStep < 0 {
		errs = append(errs, errors.New("back step cannot be negative"))
	}
	if c.Crawl.BatchSize <= 0 {
		errs = append(errs, errors.New("batch size must be positive"))
	}
	if c.Crawl.MaxConsecutiveKnown <= 0 {
		errs = append(errs, errors.New("max consecutive known must be positive"))
	}
	if c.Crawl.MaxIdleSteps <= 0 {
		errs = append(errs, errors.New("max idle steps must be positive"))
	}
	if c.Crawl.SettleDelay < 0 {
		errs = append(errs, errors.New("settle delay cannot be negative"))
	}

	if c.Sync.Endpoint != "" {
		if u, err := url.Parse(c.Sync.Endpoint); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("invalid sync endpoint %q", c.Sync.Endpoint))
		}
	}
	if c.Sync.RequestTimeout <= 0 {
		errs = append(errs, errors.New("sync request timeout must be positive"))
	}
	if c.Sync.MaxCycleFailures <= 0 {
		errs = append(errs, errors.New("max cycle failures must be positive"))
	}
	if c.Sync.RequestsPerMinute < 0 {
		errs = append(errs, errors.New("requests per minute cannot be negative"))
	}

	if c.Store.Path == "" {
		errs = append(errs, errors.New("store path is required"))
	}

	if c.Dashboard.Port <= 0 || c.Dashboard.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid dashboard port %d", c.Dashboard.Port))
	}
	if c.Dashboard.PageSize <= 0 {
		errs = append(errs, errors.New("dashboard page size must be positive"))
	}

	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLogLevels[strings.ToLower(c.Logging.Level)] {
		errs = append(errs, errors.New("invalid log level"))
	}

	return errors.Join(errs...)
}

// Save saves the configuration to a file
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// MergeCommandLineFlags merges command line flags into the configuration.
// Only flags the user actually set should be present in the map.
func (c *Config) MergeCommandLineFlags(flags map[string]interface{}) {
	if target, ok := flags["target"].(string); ok && target != "" {
		c.Target.Username = strings.TrimPrefix(target, "@")
	}
	if db, ok := flags["db"].(string); ok && db != "" {
		c.Store.Path = db
	}
	if endpoint, ok := flags["endpoint"].(string); ok && endpoint != "" {
		c.Sync.Endpoint = endpoint
	}
	if port, ok := flags["port"].(int); ok && port > 0 {
		c.Dashboard.Port = port
	}
	if headless, ok := flags["headless"].(bool); ok {
		c.Browser.Headless = headless
	}
	if profile, ok := flags["profile-dir"].(string); ok && profile != "" {
		c.Browser.ProfileDir = profile
	}
	if logLevel, ok := flags["log-level"].(string); ok && logLevel != "" {
		c.Logging.Level = logLevel
	}
	if logFile, ok := flags["log-file"].(string); ok && logFile != "" {
		c.Logging.File = logFile
	}
}

// Load loads configuration from all sources with proper precedence
// Precedence order: Command line flags > Environment variables > .env file > Config file > Defaults
func Load(configPath string, flags map[string]interface{}) (*Config, error) {
	// Missing .env files are fine
	_ = godotenv.Load(".env")
	_ = godotenv.Load(filepath.Join(homeDir(), ".rosterwatch.env"))

	config := DefaultConfig()

	if err := config.LoadFromFile(configPath); err != nil {
		return nil, fmt.Errorf("failed to load config file: %w", err)
	}

	if err := config.LoadFromEnv(); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	config.MergeCommandLineFlags(flags)

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}
