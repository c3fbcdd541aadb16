package ingest

import (
	"errors"

	"github.com/telarc/telarc"
	"github.com/telarc/telarc/toml"
)

const (
	// DefaultMaxGap is the inter-file gap accepted silently when a content
	// type does not declare its own limit.
	DefaultMaxGap = 600.0
)

// Config represents the configuration for the ingest pipeline.
type Config struct {
	// MaxGap is the default soft gap limit in mission seconds.
	MaxGap toml.Seconds `toml:"max-gap"`

	// AllowGaps accepts gaps between MaxGap and the hard limit with a
	// warning instead of rejecting the file.
	AllowGaps bool `toml:"allow-gaps"`
}

// NewConfig returns a new Config with defaults.
func NewConfig() Config {
	return Config{
		MaxGap: toml.Seconds(DefaultMaxGap),
	}
}

// Validate returns an error if the Config is invalid.
func (c Config) Validate() error {
	if c.MaxGap <= 0 {
		return errors.New("max-gap must be positive")
	}
	if float64(c.MaxGap) > telarc.HardGapLimit {
		return errors.New("max-gap must not exceed the hard gap limit")
	}
	return nil
}
