package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"mtcsync/pkg/timecode"
)

// Config holds all application configuration
type Config struct {
	// HTTP Server
	HTTPAddr string `yaml:"http_addr"`

	// Logging: debug, info, warn, error
	LogLevel string `yaml:"log_level"`

	// Sessions
	DefaultFrameRate string        `yaml:"default_frame_rate"`
	MaxSessions      int           `yaml:"max_sessions"`
	SubscriberBuffer int           `yaml:"subscriber_buffer"`
	ControlTokens    bool          `yaml:"control_tokens"` // Require a token to change a session
	ControlTokenTTL  time.Duration `yaml:"control_token_ttl"`

	// MIDI
	MIDIOutPort      string `yaml:"midi_out_port"`      // Default output for new sessions
	MIDIInPort       string `yaml:"midi_in_port"`       // Input monitored by the decoder
	MonitorFrameRate string `yaml:"monitor_frame_rate"` // Empty follows the incoming stream

	// Storage
	StorageType   string `yaml:"storage_type"` // local or gcs
	StorageDir    string `yaml:"storage_dir"`
	GCSProjectID  string `yaml:"gcs_project_id"`
	GCSBucketName string `yaml:"gcs_bucket_name"`
	GCSBaseDir    string `yaml:"gcs_base_dir"`

	// Captures
	CaptureSegmentDuration time.Duration `yaml:"capture_segment_duration"`
	CaptureMaxSegments     int           `yaml:"capture_max_segments"`
	SignedURLExpiration    time.Duration `yaml:"signed_url_expiration"` // 0 serves captures directly
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		HTTPAddr:               ":8080",
		LogLevel:               "info",
		DefaultFrameRate:       "30",
		MaxSessions:            32,
		SubscriberBuffer:       1024,
		ControlTokenTTL:        12 * time.Hour,
		StorageType:            "local",
		StorageDir:             "./data/captures",
		CaptureSegmentDuration: 10 * time.Second,
		CaptureMaxSegments:     30,
	}
}

// Load builds the configuration from defaults, the YAML file named by
// MTCD_CONFIG (if set) and environment variables, in that order.
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("MTCD_CONFIG"); path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// LoadFile overlays the fields present in a YAML file
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.HTTPAddr = getEnv("HTTP_ADDR", c.HTTPAddr)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.DefaultFrameRate = getEnv("DEFAULT_FRAME_RATE", c.DefaultFrameRate)
	c.MaxSessions = getIntEnv("MAX_SESSIONS", c.MaxSessions)
	c.SubscriberBuffer = getIntEnv("SUBSCRIBER_BUFFER", c.SubscriberBuffer)
	c.ControlTokens = getBoolEnv("CONTROL_TOKENS", c.ControlTokens)
	c.ControlTokenTTL = getDurationEnv("CONTROL_TOKEN_TTL", c.ControlTokenTTL)
	c.MIDIOutPort = getEnv("MIDI_OUT_PORT", c.MIDIOutPort)
	c.MIDIInPort = getEnv("MIDI_IN_PORT", c.MIDIInPort)
	c.MonitorFrameRate = getEnv("MONITOR_FRAME_RATE", c.MonitorFrameRate)
	c.StorageType = getEnv("STORAGE_TYPE", c.StorageType)
	c.StorageDir = getEnv("STORAGE_DIR", c.StorageDir)
	c.GCSProjectID = getEnv("GCS_PROJECT_ID", c.GCSProjectID)
	c.GCSBucketName = getEnv("GCS_BUCKET_NAME", c.GCSBucketName)
	c.GCSBaseDir = getEnv("GCS_BASE_DIR", c.GCSBaseDir)
	c.CaptureSegmentDuration = getDurationEnv("CAPTURE_SEGMENT_DURATION", c.CaptureSegmentDuration)
	c.CaptureMaxSegments = getIntEnv("CAPTURE_MAX_SEGMENTS", c.CaptureMaxSegments)
	c.SignedURLExpiration = getDurationEnv("SIGNED_URL_EXPIRATION", c.SignedURLExpiration)
}

// Validate checks the configuration is usable
func (c *Config) Validate() error {
	var errs []error

	if c.HTTPAddr == "" {
		errs = append(errs, errors.New("http_addr is required"))
	}
	if _, err := c.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	if _, err := timecode.ParseFrameRate(c.DefaultFrameRate); err != nil {
		errs = append(errs, fmt.Errorf("default_frame_rate: %w", err))
	}
	if c.MonitorFrameRate != "" {
		if _, err := timecode.ParseFrameRate(c.MonitorFrameRate); err != nil {
			errs = append(errs, fmt.Errorf("monitor_frame_rate: %w", err))
		}
	}
	if c.MaxSessions <= 0 {
		errs = append(errs, fmt.Errorf("max_sessions must be positive, got %d", c.MaxSessions))
	}
	if c.ControlTokens && c.ControlTokenTTL <= 0 {
		errs = append(errs, fmt.Errorf("control_token_ttl must be positive, got %v", c.ControlTokenTTL))
	}
	if c.SubscriberBuffer <= 0 {
		errs = append(errs, fmt.Errorf("subscriber_buffer must be positive, got %d", c.SubscriberBuffer))
	}

	switch c.StorageType {
	case "local":
		if c.StorageDir == "" {
			errs = append(errs, errors.New("storage_dir is required for local storage"))
		}
	case "gcs":
		if c.GCSProjectID == "" || c.GCSBucketName == "" {
			errs = append(errs, errors.New("gcs_project_id and gcs_bucket_name are required for gcs storage"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage_type %q", c.StorageType))
	}

	if c.CaptureSegmentDuration < 100*time.Millisecond {
		errs = append(errs, fmt.Errorf("capture_segment_duration too short: %v", c.CaptureSegmentDuration))
	}
	if c.CaptureMaxSegments <= 0 {
		errs = append(errs, fmt.Errorf("capture_max_segments must be positive, got %d", c.CaptureMaxSegments))
	}
	if c.SignedURLExpiration < 0 {
		errs = append(errs, fmt.Errorf("signed_url_expiration must not be negative"))
	}

	return errors.Join(errs...)
}

// FrameRate returns the parsed default frame rate
func (c *Config) FrameRate() timecode.FrameRate {
	rate, err := timecode.ParseFrameRate(c.DefaultFrameRate)
	if err != nil {
		return timecode.FPS30
	}
	return rate
}

// MonitorRate returns the parsed monitor rate, zero to follow the stream
func (c *Config) MonitorRate() timecode.FrameRate {
	if c.MonitorFrameRate == "" {
		return 0
	}
	rate, _ := timecode.ParseFrameRate(c.MonitorFrameRate)
	return rate
}

// SlogLevel maps LogLevel to a slog level
func (c *Config) SlogLevel() (slog.Level, error) {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log_level %q", c.LogLevel)
	}
}

// Helper functions to get environment variables with defaults

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}
