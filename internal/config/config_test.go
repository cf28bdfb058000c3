package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Port != 8080 {
		t.Errorf("Expected default server port 8080, got %d", cfg.Server.Port)
	}
	if cfg.Render.Timeout != 30*time.Second {
		t.Errorf("Expected default render timeout 30s, got %s", cfg.Render.Timeout)
	}
	if cfg.Render.GracePeriod != 5*time.Second {
		t.Errorf("Expected default grace period 5s, got %s", cfg.Render.GracePeriod)
	}
	if cfg.Render.MaxConcurrent != 10 {
		t.Errorf("Expected default max concurrent 10, got %d", cfg.Render.MaxConcurrent)
	}
	if cfg.Render.MaxInputSize != 10240 {
		t.Errorf("Expected default max input size 10240, got %d", cfg.Render.MaxInputSize)
	}
	if cfg.Cache.TTL != time.Hour {
		t.Errorf("Expected default cache TTL 1h, got %s", cfg.Cache.TTL)
	}
	if cfg.Cache.MaxEntries != 100 {
		t.Errorf("Expected default cache max entries 100, got %d", cfg.Cache.MaxEntries)
	}
	if len(cfg.Render.AllowedFormats) != 2 {
		t.Errorf("Expected png and svg allowed by default, got %v", cfg.Render.AllowedFormats)
	}
	if cfg.PlantUML.JavaMemory != "512m" {
		t.Errorf("Expected default java memory 512m, got %q", cfg.PlantUML.JavaMemory)
	}
}

func TestValidate_Rejections(t *testing.T) {
	base, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero server port", func(c *Config) { c.Server.Port = 0 }},
		{"huge metrics port", func(c *Config) { c.Metrics.Port = 70000 }},
		{"zero timeout", func(c *Config) { c.Render.Timeout = 0 }},
		{"negative grace period", func(c *Config) { c.Render.GracePeriod = -time.Second }},
		{"zero concurrency", func(c *Config) { c.Render.MaxConcurrent = 0 }},
		{"negative pending", func(c *Config) { c.Render.MaxPending = -1 }},
		{"zero input size", func(c *Config) { c.Render.MaxInputSize = 0 }},
		{"no formats", func(c *Config) { c.Render.AllowedFormats = nil }},
		{"bogus format", func(c *Config) { c.Render.AllowedFormats = []string{"pdf"} }},
		{"empty jar path", func(c *Config) { c.PlantUML.JarPath = "  " }},
		{"bad java memory", func(c *Config) { c.PlantUML.JavaMemory = "lots" }},
		{"negative ttl", func(c *Config) { c.Cache.TTL = -time.Minute }},
		{"zero cache entries", func(c *Config) { c.Cache.MaxEntries = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := *base
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Errorf("Expected validation error for %s", tt.name)
			}
		})
	}
}

func TestPlantUMLCommand(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	cfg.PlantUML.JavaPath = "/usr/bin/java"
	cfg.PlantUML.JarPath = "/opt/plantuml.jar"
	cfg.PlantUML.JavaMemory = "1g"

	cmd := cfg.PlantUMLCommand("png")
	want := "/usr/bin/java -Xmx1g -jar /opt/plantuml.jar -tpng -pipe -charset UTF-8"
	if got := strings.Join(cmd, " "); got != want {
		t.Errorf("PNG command mismatch:\n got  %s\n want %s", got, want)
	}

	cmd = cfg.PlantUMLCommand("svg")
	if cmd[4] != "-tsvg" {
		t.Errorf("Expected -tsvg flag for svg, got %q", cmd[4])
	}
}

func TestNewLogger_InvalidLevelFallsBack(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	cfg.LogLevel = "extremely-verbose"

	logger := NewLogger(cfg)
	if logger.GetLevel().String() != "info" {
		t.Errorf("Expected fallback to info level, got %s", logger.GetLevel())
	}
}
