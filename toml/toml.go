// Package toml adds support to marshal and unmarshal types not in the
// official TOML spec.
package toml // import "github.com/telarc/telarc/toml"

import (
	"fmt"
	"time"
)

// Duration is a TOML wrapper type for time.Duration.
type Duration time.Duration

// String returns the string representation of the duration.
func (d Duration) String() string {
	return time.Duration(d).String()
}

// UnmarshalText parses a TOML value into a duration value.
func (d *Duration) UnmarshalText(text []byte) error {
	// Ignore if there is no value set.
	if len(text) == 0 {
		return nil
	}

	// Otherwise parse as a duration formatted string.
	duration, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}

	// Set duration and return.
	*d = Duration(duration)
	return nil
}

// MarshalText converts a duration to a string for decoding toml
func (d Duration) MarshalText() (text []byte, err error) {
	return []byte(d.String()), nil
}

// Seconds is a TOML wrapper for a float64 count of seconds, used where the
// archive expresses spans on the mission time scale rather than wall clock.
type Seconds float64

// UnmarshalTOML parses either a bare number or a duration-formatted string.
func (s *Seconds) UnmarshalTOML(v interface{}) error {
	switch v := v.(type) {
	case int64:
		*s = Seconds(v)
	case float64:
		*s = Seconds(v)
	case string:
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*s = Seconds(d.Seconds())
	default:
		return fmt.Errorf("cannot parse %v as seconds", v)
	}
	return nil
}
