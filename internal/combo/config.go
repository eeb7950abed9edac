// Package combo partitions raw option legs into named multi-leg strategies,
// leaving unmatched legs as orphans.
package combo

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// DetectConfig holds detection policy knobs.
type DetectConfig struct {
	// CalendarWindowDays bounds the expiry gap for calendar/diagonal pairing.
	CalendarWindowDays int `yaml:"calendar_window_days"` // default 90
}

// DefaultDetectConfig returns production detection policy.
func DefaultDetectConfig() DetectConfig {
	return DetectConfig{
		CalendarWindowDays: 90,
	}
}

// LoadDetectConfig reads detection policy from a YAML file.
func LoadDetectConfig(path string) (DetectConfig, error) {
	cfg := DefaultDetectConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read detect config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse detect config: %w", err)
	}
	if cfg.CalendarWindowDays <= 0 {
		return cfg, fmt.Errorf("calendar window must be positive, got %d", cfg.CalendarWindowDays)
	}
	return cfg, nil
}
