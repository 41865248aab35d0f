// Package config provides configuration management for the Heimdex trim agent.
// Configuration is loaded from environment variables with sensible defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	// Default values
	DefaultPort      = 8787
	DefaultLogLevel  = "info"
	DefaultDataDir   = ".heimdex"
	DefaultFFmpeg    = "ffmpeg"
	DefaultFFprobe   = "ffprobe"
	DefaultFPS       = 30
	DefaultBitrate   = 2_500_000
	DefaultContainer = "mp4"
	DefaultDisplayHz = 60

	// Environment variable names
	EnvPort      = "HEIMDEX_PORT"
	EnvLogLevel  = "HEIMDEX_LOG_LEVEL"
	EnvDataDir   = "HEIMDEX_DATA_DIR"
	EnvHeadless  = "HEIMDEX_HEADLESS"
	EnvFFmpeg    = "HEIMDEX_FFMPEG"
	EnvFFprobe   = "HEIMDEX_FFPROBE"
	EnvFPS       = "HEIMDEX_EXPORT_FPS"
	EnvBitrate   = "HEIMDEX_EXPORT_BITRATE"
	EnvContainer = "HEIMDEX_EXPORT_CONTAINER"
	EnvDisplayHz = "HEIMDEX_DISPLAY_HZ"
	EnvExportDir = "HEIMDEX_EXPORT_DIR"

	// Database filename
	DBFilename = "heimdex.db"

	DefaultDoctorTimeout = 15 * time.Second
)

// Config defines the application configuration interface
type Config interface {
	Port() int
	LogLevel() string
	DataDir() string
	DBPath() string
	ExportDir() string
	Headless() bool
	FFmpegPath() string
	FFprobePath() string
	ExportFPS() int
	ExportBitrate() int
	ExportContainer() string
	DisplayHz() int
	DoctorTimeout() time.Duration
}

// EnvConfig reads configuration from environment variables
type EnvConfig struct {
	port      int
	logLevel  string
	dataDir   string
	exportDir string
	headless  bool

	ffmpeg  string
	ffprobe string

	fps       int
	bitrate   int
	container string
	displayHz int
}

// New creates a new EnvConfig with defaults and environment variable overrides
func New() (*EnvConfig, error) {
	cfg := &EnvConfig{
		port:      DefaultPort,
		logLevel:  DefaultLogLevel,
		dataDir:   defaultDataDir(),
		ffmpeg:    DefaultFFmpeg,
		ffprobe:   DefaultFFprobe,
		fps:       DefaultFPS,
		bitrate:   DefaultBitrate,
		container: DefaultContainer,
		displayHz: DefaultDisplayHz,
	}

	if p := os.Getenv(EnvPort); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", EnvPort, err)
		}
		if port < 1 || port > 65535 {
			return nil, fmt.Errorf("invalid %s: port must be between 1 and 65535", EnvPort)
		}
		cfg.port = port
	}

	if ll := os.Getenv(EnvLogLevel); ll != "" {
		cfg.logLevel = ll
	}

	if dd := os.Getenv(EnvDataDir); dd != "" {
		cfg.dataDir = dd
	}
	cfg.exportDir = filepath.Join(cfg.dataDir, "exports")
	if ed := os.Getenv(EnvExportDir); ed != "" {
		cfg.exportDir = filepath.Clean(ed)
	}

	if h := os.Getenv(EnvHeadless); h != "" {
		headless, err := strconv.ParseBool(h)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", EnvHeadless, err)
		}
		cfg.headless = headless
	}

	if v := os.Getenv(EnvFFmpeg); v != "" {
		cfg.ffmpeg = v
	}
	if v := os.Getenv(EnvFFprobe); v != "" {
		cfg.ffprobe = v
	}

	var err error
	if cfg.fps, err = positiveInt(EnvFPS, cfg.fps, 120); err != nil {
		return nil, err
	}
	if cfg.bitrate, err = positiveInt(EnvBitrate, cfg.bitrate, 0); err != nil {
		return nil, err
	}
	if cfg.displayHz, err = positiveInt(EnvDisplayHz, cfg.displayHz, 480); err != nil {
		return nil, err
	}

	if c := os.Getenv(EnvContainer); c != "" {
		c = strings.ToLower(strings.TrimSpace(c))
		if c != "mp4" && c != "webm" {
			return nil, fmt.Errorf("invalid %s: %q is not mp4 or webm", EnvContainer, c)
		}
		cfg.container = c
	}

	return cfg, nil
}

// positiveInt reads a positive integer from env, bounded by maxVal when
// maxVal is non-zero.
func positiveInt(env string, def, maxVal int) (int, error) {
	v := os.Getenv(env)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", env, err)
	}
	if n <= 0 || (maxVal > 0 && n > maxVal) {
		return 0, fmt.Errorf("invalid %s: %d out of range", env, n)
	}
	return n, nil
}

// Port returns the HTTP server port
func (c *EnvConfig) Port() int {
	return c.port
}

// LogLevel returns the log level (debug, info, warn, error)
func (c *EnvConfig) LogLevel() string {
	return c.logLevel
}

// DataDir returns the data directory path
func (c *EnvConfig) DataDir() string {
	return c.dataDir
}

// DBPath returns the full path to the SQLite database file
func (c *EnvConfig) DBPath() string {
	return filepath.Join(c.dataDir, DBFilename)
}

// ExportDir is where completed exports are archived.
func (c *EnvConfig) ExportDir() string {
	return c.exportDir
}

func (c *EnvConfig) Headless() bool {
	return c.headless
}

func (c *EnvConfig) FFmpegPath() string {
	return c.ffmpeg
}

func (c *EnvConfig) FFprobePath() string {
	return c.ffprobe
}

func (c *EnvConfig) ExportFPS() int {
	return c.fps
}

func (c *EnvConfig) ExportBitrate() int {
	return c.bitrate
}

func (c *EnvConfig) ExportContainer() string {
	return c.container
}

// DisplayHz is the rate of the frame clock driving sampling.
func (c *EnvConfig) DisplayHz() int {
	return c.displayHz
}

func (c *EnvConfig) DoctorTimeout() time.Duration {
	return DefaultDoctorTimeout
}

// defaultDataDir returns the default data directory path
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return DefaultDataDir
	}
	return filepath.Join(home, DefaultDataDir)
}

// Version information (set at build time via ldflags)
var (
	Version   = "0.1.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)
