// Package config loads the JSON configuration for the vehicle and arbiter
// binaries. Every field is optional: the Get* accessors supply defaults, and
// AUTOINT_* environment variables override whatever the file sets.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
)

const maxFileSize = 1 * 1024 * 1024 // 1MB

// Defaults shared by both binaries.
const (
	DefaultCycleTime          = 100 * time.Millisecond
	DefaultMinSafeDuration    = 2100 * time.Millisecond
	DefaultBeaconMinPeriod    = 100 * time.Millisecond
	DefaultBeaconMaxPeriod    = 1 * time.Second
	DefaultMaxConsecutiveLost = 5
	DefaultTimeToCross        = 4 * time.Second
	DefaultRequestTimeout     = 2 * time.Second
	DefaultExitGrace          = 1 * time.Second
	DefaultBeaconPort         = 6000
	DefaultArbiterAddress     = ":6001"
	DefaultDistanceToEntrance = 0.36
	DefaultArbitration        = "lower-id"
	DefaultIntersection       = "two-lane-four-way"
	DefaultDebugListen        = "localhost:8080"
	DefaultOccupancyTimeout   = 30 * time.Second
)

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// load reads path into cfg, then applies environment overrides. The file is
// validated to have a .json extension and be under 1MB.
func load(path string, cfg any) error {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxFileSize {
		return fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config JSON: %w", err)
	}
	return ApplyEnv(cfg)
}

// ApplyEnv overrides fields of cfg from AUTOINT_* environment variables.
// Unset variables leave the field untouched.
func ApplyEnv(cfg any) error {
	if err := env.Parse(cfg); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

func duration(s *string, def time.Duration) time.Duration {
	if s == nil || *s == "" {
		return def
	}
	d, err := time.ParseDuration(*s)
	if err != nil {
		return def // default on parse error
	}
	return d
}

func validateDuration(name string, s *string) error {
	if s == nil || *s == "" {
		return nil
	}
	d, err := time.ParseDuration(*s)
	if err != nil {
		return fmt.Errorf("invalid %s '%s': %w", name, *s, err)
	}
	if d < 0 {
		return fmt.Errorf("%s must be non-negative, got %s", name, *s)
	}
	return nil
}

func str(s *string, def string) string {
	if s == nil || *s == "" {
		return def
	}
	return *s
}
