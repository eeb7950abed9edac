package marks

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Staleness tiers reported on every resolved mark.
const (
	TierFresh = "fresh"
	TierAmber = "amber"
	TierRed   = "red"
)

// StalenessConfig holds the quote-age policy thresholds. These are policy
// constants surfaced as configuration, not hardcoded in the resolver.
type StalenessConfig struct {
	AmberSeconds float64 `yaml:"amber_seconds"` // default 300s
	RedSeconds   float64 `yaml:"red_seconds"`   // default 900s
}

// DefaultStalenessConfig returns the production staleness tiers.
func DefaultStalenessConfig() StalenessConfig {
	return StalenessConfig{
		AmberSeconds: 300,
		RedSeconds:   900,
	}
}

// LoadStalenessConfig reads tiers from a YAML file.
func LoadStalenessConfig(path string) (StalenessConfig, error) {
	cfg := DefaultStalenessConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read staleness config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse staleness config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects inverted or non-positive tiers.
func (c StalenessConfig) Validate() error {
	if c.AmberSeconds <= 0 || c.RedSeconds <= 0 {
		return fmt.Errorf("staleness tiers must be positive: amber=%.0f red=%.0f", c.AmberSeconds, c.RedSeconds)
	}
	if c.RedSeconds < c.AmberSeconds {
		return fmt.Errorf("red tier %.0fs must not be below amber tier %.0fs", c.RedSeconds, c.AmberSeconds)
	}
	return nil
}

// Tier classifies a staleness age in seconds. Red always wins at or above the
// red threshold regardless of mark source.
func (c StalenessConfig) Tier(seconds float64) string {
	switch {
	case seconds >= c.RedSeconds:
		return TierRed
	case seconds >= c.AmberSeconds:
		return TierAmber
	default:
		return TierFresh
	}
}
