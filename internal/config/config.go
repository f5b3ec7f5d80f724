package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the main application configuration structure
// containing all configuration sections
type Config struct {
	Server    ServerConfig    `toml:"server"`    // HTTP control surface settings
	Logging   LoggingConfig   `toml:"logging"`   // Application logging settings
	LiveAPI   LiveAPIConfig   `toml:"live_api"`  // External flight network API settings
	Tracking  TrackingConfig  `toml:"tracking"`  // Polling scheduler settings
	Landing   LandingConfig   `toml:"landing"`   // Landing heuristic thresholds
	Airports  AirportsConfig  `toml:"airports"`  // Airport dataset settings
	Callbacks CallbacksConfig `toml:"callbacks"` // Webhook delivery settings
	Storage   StorageConfig   `toml:"storage"`   // Tracker journal settings
	WebSocket WebSocketConfig `toml:"websocket"` // Live event stream settings
}

// ServerConfig contains HTTP server configuration settings
type ServerConfig struct {
	Port               int      `toml:"port"`                  // HTTP port for the control surface
	Host               string   `toml:"host"`                  // Host address to bind to
	CORSAllowedOrigins []string `toml:"cors_allowed_origins"`  // Origins allowed for CORS requests (use ["*"] for all origins)
	ReadTimeoutSecs    int      `toml:"read_timeout_seconds"`  // Maximum duration for reading the entire request
	WriteTimeoutSecs   int      `toml:"write_timeout_seconds"` // Maximum duration for writing the response (0 = no timeout, needed for /ws)
	IdleTimeoutSecs    int      `toml:"idle_timeout_seconds"`  // Keep-alive idle timeout
}

// LoggingConfig contains application logging configuration
type LoggingConfig struct {
	Level      string `toml:"level"`        // Log level: "debug", "info", "warn", or "error"
	Format     string `toml:"format"`       // Log format: "json" (structured) or "console" (human-readable)
	File       string `toml:"file"`         // Optional rotating log file path
	MaxSizeMB  int    `toml:"max_size_mb"`  // Rotate after this many megabytes
	MaxBackups int    `toml:"max_backups"`  // Rotated files to keep
	MaxAgeDays int    `toml:"max_age_days"` // Days to keep rotated files
}

// LiveAPIConfig contains settings for the external flight network API
type LiveAPIConfig struct {
	BaseURL               string  `toml:"base_url"`                // API base URL (e.g., https://api.infiniteflight.com/public/v2)
	APIKey                string  `toml:"api_key"`                 // API key, sent as bearer header or apikey query param
	RequestTimeoutSeconds int     `toml:"request_timeout_seconds"` // Per-request timeout
	RequestsPerSecond     float64 `toml:"requests_per_second"`     // Client-side rate limit (0 = unlimited)
	Burst                 int     `toml:"burst"`                   // Rate limiter burst size
}

// TrackingConfig contains polling scheduler and backoff settings
type TrackingConfig struct {
	TickIntervalSecs       int               `toml:"tick_interval_seconds"`       // How often the scheduler wakes up
	DefaultServer          string            `toml:"default_server"`              // Server used when a start request names none
	SearchTimeoutMinutes   int               `toml:"search_timeout_minutes"`      // Absolute deadline after creation before a tracker gives up
	ActiveIntervalSecs     int               `toml:"active_interval_seconds"`     // Poll interval while the pilot is live and foregrounded
	BackgroundIntervalSecs int               `toml:"background_interval_seconds"` // Poll interval while the pilot app is backgrounded
	RecentBackoffSecs      int               `toml:"recent_backoff_seconds"`      // Poll interval when last sighting is recent
	MediumBackoffSecs      int               `toml:"medium_backoff_seconds"`      // Poll interval when last sighting is within the medium window
	LongBackoffSecs        int               `toml:"long_backoff_seconds"`        // Poll interval otherwise
	RecentWindowMinutes    int               `toml:"recent_window_minutes"`       // What counts as a recent sighting
	MediumWindowHours      int               `toml:"medium_window_hours"`         // What counts as a medium-age sighting
	TestDelaySecs          int               `toml:"test_delay_seconds"`          // Default push-back for the delay control action
	MaxConcurrentServers   int               `toml:"max_concurrent_servers"`      // Server groups processed in parallel per tick
	ServerAliases          map[string]string `toml:"server_aliases"`              // Short name -> session name fragment
}

// LandingConfig contains the landing heuristic thresholds
type LandingConfig struct {
	MaxAltitudeAGLFt  float64 `toml:"max_altitude_agl_ft"`  // Max altitude above nearest airport elevation
	MaxGroundSpeedKts float64 `toml:"max_ground_speed_kts"` // Max ground speed (taxi speed)
	MaxDistanceKm     float64 `toml:"max_distance_km"`      // Max distance from nearest airport
}

// AirportsConfig contains airport dataset settings
type AirportsConfig struct {
	DBPath        string `toml:"db_path"`        // Path to airport database CSV file (OurAirports format)
	IncludeClosed bool   `toml:"include_closed"` // Keep airports of type "closed" in the index
}

// CallbacksConfig contains webhook delivery settings
type CallbacksConfig struct {
	DefaultURL     string `toml:"default_url"`     // Used when a tracker has no callback URL of its own
	TimeoutSeconds int    `toml:"timeout_seconds"` // Per-delivery HTTP timeout
	Workers        int    `toml:"workers"`         // Concurrent delivery workers
	QueueSize      int    `toml:"queue_size"`      // Pending deliveries before new ones are dropped
}

// StorageConfig contains tracker journal configuration
type StorageConfig struct {
	Type           string `toml:"type"`             // "memory" (default) or "sqlite"
	SQLitePath     string `toml:"sqlite_path"`      // Database file used when type is sqlite
	RestoreOnStart bool   `toml:"restore_on_start"` // Reload non-terminal trackers from the journal at startup
}

// WebSocketConfig contains live event stream settings
type WebSocketConfig struct {
	Enabled bool `toml:"enabled"` // Expose /ws and broadcast tracker events
}

// Load loads the configuration from the specified file path
func Load(path string) (*Config, error) {
	var config Config

	// Check if the file exists
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file not found: %s", path)
	}

	if _, err := toml.DecodeFile(path, &config); err != nil {
		return nil, fmt.Errorf("failed to decode config file: %w", err)
	}

	config.ApplyDefaults()

	// Allow the API key to stay out of the config file
	if key := os.Getenv("LIVE_API_KEY"); key != "" {
		config.LiveAPI.APIKey = key
	}

	return &config, nil
}

// LoadWithFallback loads the configuration by checking multiple locations in order of preference
func LoadWithFallback(preferredPath string) (*Config, error) {
	searchPaths := []string{
		preferredPath,
		"configs/config.toml",
		"config.toml",
	}

	// Remove duplicates while preserving order
	uniquePaths := make([]string, 0, len(searchPaths))
	seen := make(map[string]bool)
	for _, path := range searchPaths {
		if path != "" && !seen[path] {
			uniquePaths = append(uniquePaths, path)
			seen[path] = true
		}
	}

	var lastErr error
	for _, path := range uniquePaths {
		if _, err := os.Stat(path); err == nil {
			config, err := Load(path)
			if err != nil {
				lastErr = fmt.Errorf("failed to load config from %s: %w", path, err)
				continue
			}
			return config, nil
		}
		lastErr = fmt.Errorf("config file not found: %s", path)
	}

	return nil, fmt.Errorf("config file not found in any of the expected locations: %v. Last error: %w", uniquePaths, lastErr)
}

// ApplyDefaults fills every unset field with its default value
func (c *Config) ApplyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.ReadTimeoutSecs == 0 {
		c.Server.ReadTimeoutSecs = 15
	}
	if c.Server.IdleTimeoutSecs == 0 {
		c.Server.IdleTimeoutSecs = 60
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "console"
	}
	if c.Logging.MaxSizeMB == 0 {
		c.Logging.MaxSizeMB = 64
	}
	if c.Logging.MaxAgeDays == 0 {
		c.Logging.MaxAgeDays = 14
	}

	if c.LiveAPI.BaseURL == "" {
		c.LiveAPI.BaseURL = "https://api.infiniteflight.com/public/v2"
	}
	if c.LiveAPI.RequestTimeoutSeconds == 0 {
		c.LiveAPI.RequestTimeoutSeconds = 10
	}
	if c.LiveAPI.Burst == 0 {
		c.LiveAPI.Burst = 1
	}

	t := &c.Tracking
	if t.TickIntervalSecs == 0 {
		t.TickIntervalSecs = 20
	}
	if t.DefaultServer == "" {
		t.DefaultServer = "Expert Server"
	}
	if t.SearchTimeoutMinutes == 0 {
		t.SearchTimeoutMinutes = 24 * 60
	}
	if t.ActiveIntervalSecs == 0 {
		t.ActiveIntervalSecs = 30
	}
	if t.BackgroundIntervalSecs == 0 {
		t.BackgroundIntervalSecs = 300
	}
	if t.RecentBackoffSecs == 0 {
		t.RecentBackoffSecs = 60
	}
	if t.MediumBackoffSecs == 0 {
		t.MediumBackoffSecs = 300
	}
	if t.LongBackoffSecs == 0 {
		t.LongBackoffSecs = 900
	}
	if t.RecentWindowMinutes == 0 {
		t.RecentWindowMinutes = 15
	}
	if t.MediumWindowHours == 0 {
		t.MediumWindowHours = 6
	}
	if t.TestDelaySecs == 0 {
		t.TestDelaySecs = 120
	}
	if t.MaxConcurrentServers == 0 {
		t.MaxConcurrentServers = 4
	}
	if t.ServerAliases == nil {
		t.ServerAliases = map[string]string{
			"expert":   "expert server",
			"training": "training server",
			"casual":   "casual server",
		}
	}

	if c.Landing.MaxAltitudeAGLFt == 0 {
		c.Landing.MaxAltitudeAGLFt = 1000
	}
	if c.Landing.MaxGroundSpeedKts == 0 {
		c.Landing.MaxGroundSpeedKts = 40
	}
	if c.Landing.MaxDistanceKm == 0 {
		c.Landing.MaxDistanceKm = 10
	}

	if c.Airports.DBPath == "" {
		c.Airports.DBPath = "assets/airports.csv"
	}

	if c.Callbacks.TimeoutSeconds == 0 {
		c.Callbacks.TimeoutSeconds = 10
	}
	if c.Callbacks.Workers == 0 {
		c.Callbacks.Workers = 4
	}
	if c.Callbacks.QueueSize == 0 {
		c.Callbacks.QueueSize = 256
	}

	if c.Storage.Type == "" {
		c.Storage.Type = "memory"
	}
	if c.Storage.Type == "sqlite" && c.Storage.SQLitePath == "" {
		c.Storage.SQLitePath = "data/trackers.db"
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}
	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}

	if err := c.ValidateLiveAPI(); err != nil {
		return err
	}
	if err := c.ValidateTracking(); err != nil {
		return err
	}
	if err := c.ValidateLanding(); err != nil {
		return err
	}

	if c.Callbacks.DefaultURL != "" {
		if _, err := url.ParseRequestURI(c.Callbacks.DefaultURL); err != nil {
			return fmt.Errorf("invalid callbacks default_url: %w", err)
		}
	}
	if c.Callbacks.Workers <= 0 {
		return fmt.Errorf("callbacks workers must be positive: %d", c.Callbacks.Workers)
	}
	if c.Callbacks.QueueSize <= 0 {
		return fmt.Errorf("callbacks queue_size must be positive: %d", c.Callbacks.QueueSize)
	}

	switch c.Storage.Type {
	case "memory":
	case "sqlite":
		if c.Storage.SQLitePath == "" {
			return fmt.Errorf("sqlite_path is required when storage type is sqlite")
		}
	default:
		return fmt.Errorf("invalid storage type: %s (must be 'memory' or 'sqlite')", c.Storage.Type)
	}

	return nil
}

// ValidateLiveAPI validates the external API configuration
func (c *Config) ValidateLiveAPI() error {
	if c.LiveAPI.BaseURL == "" {
		return fmt.Errorf("live_api base_url cannot be empty")
	}
	if _, err := url.ParseRequestURI(c.LiveAPI.BaseURL); err != nil {
		return fmt.Errorf("invalid live_api base_url: %w", err)
	}
	if c.LiveAPI.RequestTimeoutSeconds <= 0 {
		return fmt.Errorf("live_api request_timeout_seconds must be greater than 0: %d", c.LiveAPI.RequestTimeoutSeconds)
	}
	if c.LiveAPI.RequestsPerSecond < 0 {
		return fmt.Errorf("live_api requests_per_second must be 0 or greater: %f", c.LiveAPI.RequestsPerSecond)
	}
	if c.LiveAPI.APIKey == "" {
		fmt.Printf("WARN: No live_api api_key provided - requests will likely be rejected\n")
	}
	return nil
}

// ValidateTracking validates scheduler intervals
func (c *Config) ValidateTracking() error {
	t := c.Tracking
	if strings.TrimSpace(t.DefaultServer) == "" {
		return fmt.Errorf("tracking default_server cannot be empty")
	}

	positive := []struct {
		name  string
		value int
	}{
		{"tick_interval_seconds", t.TickIntervalSecs},
		{"search_timeout_minutes", t.SearchTimeoutMinutes},
		{"active_interval_seconds", t.ActiveIntervalSecs},
		{"background_interval_seconds", t.BackgroundIntervalSecs},
		{"recent_backoff_seconds", t.RecentBackoffSecs},
		{"medium_backoff_seconds", t.MediumBackoffSecs},
		{"long_backoff_seconds", t.LongBackoffSecs},
		{"recent_window_minutes", t.RecentWindowMinutes},
		{"medium_window_hours", t.MediumWindowHours},
		{"test_delay_seconds", t.TestDelaySecs},
		{"max_concurrent_servers", t.MaxConcurrentServers},
	}
	for _, p := range positive {
		if p.value <= 0 {
			return fmt.Errorf("tracking %s must be positive: %d", p.name, p.value)
		}
	}

	if time.Duration(t.RecentWindowMinutes)*time.Minute >= time.Duration(t.MediumWindowHours)*time.Hour {
		return fmt.Errorf("tracking recent_window_minutes (%d) must be shorter than medium_window_hours (%d)",
			t.RecentWindowMinutes, t.MediumWindowHours)
	}
	return nil
}

// ValidateLanding validates the landing heuristic thresholds
func (c *Config) ValidateLanding() error {
	if c.Landing.MaxAltitudeAGLFt <= 0 {
		return fmt.Errorf("max_altitude_agl_ft must be positive: %f", c.Landing.MaxAltitudeAGLFt)
	}
	if c.Landing.MaxGroundSpeedKts <= 0 {
		return fmt.Errorf("max_ground_speed_kts must be positive: %f", c.Landing.MaxGroundSpeedKts)
	}
	if c.Landing.MaxDistanceKm <= 0 {
		return fmt.Errorf("max_distance_km must be positive: %f", c.Landing.MaxDistanceKm)
	}
	return nil
}

// TickInterval returns the scheduler tick period
func (c *Config) TickInterval() time.Duration {
	return time.Duration(c.Tracking.TickIntervalSecs) * time.Second
}

// SearchTimeout returns the absolute search deadline applied at creation
func (c *Config) SearchTimeout() time.Duration {
	return time.Duration(c.Tracking.SearchTimeoutMinutes) * time.Minute
}
