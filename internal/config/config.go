package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

// javaMemoryPattern matches JVM heap sizes like "512m" or "1g".
var javaMemoryPattern = regexp.MustCompile(`^\d+[mMgG]$`)

type Config struct {
	Server struct {
		Address string `mapstructure:"address"`
		Port    int    `mapstructure:"port"`
	} `mapstructure:"server"`
	Metrics struct {
		Enabled bool `mapstructure:"enabled"`
		Port    int  `mapstructure:"port"`
	} `mapstructure:"metrics"`
	LogLevel string `mapstructure:"log_level"`
	Sentry   struct {
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"sentry"`
	PlantUML struct {
		JavaPath   string `mapstructure:"java_path"`
		JarPath    string `mapstructure:"jar_path"`
		JavaMemory string `mapstructure:"java_memory"` // JVM heap, e.g. "512m" or "1g"
		PreviewURL string `mapstructure:"preview_url"`
	} `mapstructure:"plantuml"`
	Render struct {
		Timeout           time.Duration `mapstructure:"timeout"`
		GracePeriod       time.Duration `mapstructure:"grace_period"` // wait after SIGTERM before SIGKILL
		MaxConcurrent     int           `mapstructure:"max_concurrent"`
		MaxPending        int           `mapstructure:"max_pending"` // 0 means unbounded waiting
		MaxInputSize      int           `mapstructure:"max_input_size"`
		MaxComplexity     int           `mapstructure:"max_complexity"`
		AllowedFormats    []string      `mapstructure:"allowed_formats"`
		CoalesceIdentical bool          `mapstructure:"coalesce_identical"`
	} `mapstructure:"render"`
	Cache struct {
		Enabled       bool          `mapstructure:"enabled"`
		Dir           string        `mapstructure:"dir"`
		TTL           time.Duration `mapstructure:"ttl"`
		MaxEntries    int           `mapstructure:"max_entries"`
		SweepInterval time.Duration `mapstructure:"sweep_interval"` // 0 disables the background sweep
	} `mapstructure:"cache"`
	TempDir   string `mapstructure:"temp_dir"`
	OutputDir string `mapstructure:"output_dir"`
}

// Load reads the configuration from config.yaml (searched in "." and
// "./config") with UMLFORGE_-prefixed environment variable overrides, applies
// defaults, and validates the result.
func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	// Environment variable support
	viper.AutomaticEnv()
	viper.SetEnvPrefix("UMLFORGE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Add specific environment variable for log level
	_ = viper.BindEnv("log_level", "LOG_LEVEL")

	setDefaults()

	// Read config file
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, err
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

func setDefaults() {
	viper.SetDefault("server.address", "localhost")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("metrics.enabled", false)
	viper.SetDefault("metrics.port", 9090)
	viper.SetDefault("log_level", "info")
	viper.SetDefault("plantuml.java_path", "java")
	viper.SetDefault("plantuml.jar_path", filepath.Join(mustGetwd(), "plantuml.jar"))
	viper.SetDefault("plantuml.java_memory", "512m")
	viper.SetDefault("plantuml.preview_url", "https://www.plantuml.com/plantuml")
	viper.SetDefault("render.timeout", "30s")
	viper.SetDefault("render.grace_period", "5s")
	viper.SetDefault("render.max_concurrent", 10)
	viper.SetDefault("render.max_pending", 0)
	viper.SetDefault("render.max_input_size", 10240)
	viper.SetDefault("render.max_complexity", 1000)
	viper.SetDefault("render.allowed_formats", []string{"png", "svg"})
	viper.SetDefault("render.coalesce_identical", false)
	viper.SetDefault("cache.enabled", true)
	viper.SetDefault("cache.dir", filepath.Join(mustGetwd(), "cache"))
	viper.SetDefault("cache.ttl", "1h")
	viper.SetDefault("cache.max_entries", 100)
	viper.SetDefault("cache.sweep_interval", "0s")
	viper.SetDefault("temp_dir", filepath.Join(mustGetwd(), "temp"))
	viper.SetDefault("output_dir", "")
}

func mustGetwd() string {
	wd, err := os.Getwd()
	if err != nil {
		return "."
	}
	return wd
}

// Validate checks all configuration values for consistency. It is called by
// Load and may be called again after programmatic mutation (e.g. in tests).
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d: must be between 1 and 65535", c.Server.Port)
	}
	if c.Metrics.Port < 1 || c.Metrics.Port > 65535 {
		return fmt.Errorf("invalid metrics port %d: must be between 1 and 65535", c.Metrics.Port)
	}
	if c.Render.Timeout <= 0 {
		return fmt.Errorf("invalid render timeout %s: must be positive", c.Render.Timeout)
	}
	if c.Render.GracePeriod <= 0 {
		return fmt.Errorf("invalid grace period %s: must be positive", c.Render.GracePeriod)
	}
	if c.Render.MaxConcurrent <= 0 {
		return fmt.Errorf("invalid max concurrent renders %d: must be positive", c.Render.MaxConcurrent)
	}
	if c.Render.MaxPending < 0 {
		return fmt.Errorf("invalid max pending renders %d: must not be negative", c.Render.MaxPending)
	}
	if c.Render.MaxInputSize <= 0 {
		return fmt.Errorf("invalid max input size %d: must be positive", c.Render.MaxInputSize)
	}
	if c.Render.MaxComplexity <= 0 {
		return fmt.Errorf("invalid max diagram complexity %d: must be positive", c.Render.MaxComplexity)
	}
	if len(c.Render.AllowedFormats) == 0 {
		return fmt.Errorf("allowed formats must not be empty")
	}
	for _, f := range c.Render.AllowedFormats {
		if f != "png" && f != "svg" {
			return fmt.Errorf("unsupported output format %q: must be png or svg", f)
		}
	}
	if strings.TrimSpace(c.PlantUML.JarPath) == "" {
		return fmt.Errorf("plantuml jar path must not be empty")
	}
	if strings.TrimSpace(c.PlantUML.JavaPath) == "" {
		return fmt.Errorf("java path must not be empty")
	}
	if !javaMemoryPattern.MatchString(c.PlantUML.JavaMemory) {
		return fmt.Errorf("invalid java memory %q: expected a value like 512m or 1g", c.PlantUML.JavaMemory)
	}
	if c.Cache.TTL < 0 {
		return fmt.Errorf("invalid cache ttl %s: must not be negative", c.Cache.TTL)
	}
	if c.Cache.MaxEntries <= 0 {
		return fmt.Errorf("invalid cache max entries %d: must be positive", c.Cache.MaxEntries)
	}
	return nil
}

// PlantUMLCommand builds the engine argv for the given output format. The
// engine reads the diagram from stdin (-pipe) and writes the image to stdout.
func (c *Config) PlantUMLCommand(format string) []string {
	formatFlag := "-tpng"
	if format == "svg" {
		formatFlag = "-tsvg"
	}
	return []string{
		c.PlantUML.JavaPath,
		"-Xmx" + c.PlantUML.JavaMemory,
		"-jar",
		c.PlantUML.JarPath,
		formatFlag,
		"-pipe",
		"-charset",
		"UTF-8",
	}
}

// CreateDirectories creates the temp, cache, and output directories. Existing
// directories are left alone.
func (c *Config) CreateDirectories() error {
	dirs := []string{c.TempDir}
	if c.Cache.Enabled {
		dirs = append(dirs, c.Cache.Dir)
	}
	if c.OutputDir != "" {
		dirs = append(dirs, c.OutputDir)
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating directory %s: %w", dir, err)
		}
	}
	return nil
}

// NewLogger builds the service logger from the configured log level. An
// unparseable level falls back to info with a warning.
func NewLogger(c *Config) zerolog.Logger {
	logger := zerolog.New(zerolog.ConsoleWriter{
		Out:     os.Stdout,
		NoColor: false,
	}).With().Timestamp().Logger()

	level := zerolog.InfoLevel
	if c.LogLevel != "" {
		if parsedLevel, err := zerolog.ParseLevel(c.LogLevel); err == nil {
			level = parsedLevel
		} else {
			logger.Warn().Str("invalid_level", c.LogLevel).Msg("Invalid log level, using default 'info'")
		}
	}

	return logger.Level(level)
}
