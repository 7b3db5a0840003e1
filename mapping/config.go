package mapping

import (
	"errors"
	"fmt"
	"time"
)

// StrategyType names the algorithm that keeps a tree consistent.
type StrategyType string

const (
	NestedSet        StrategyType = "nested"
	Closure          StrategyType = "closure"
	MaterializedPath StrategyType = "materializedPath"
)

// ErrInvalidMapping is wrapped by every configuration validation failure.
var ErrInvalidMapping = errors.New("invalid mapping")

// MappingError reports why a class cannot be managed as a tree.
type MappingError struct {
	Class   string
	Field   string
	Message string
}

func (e *MappingError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("invalid tree mapping for %s.%s: %s", e.Class, e.Field, e.Message)
	}
	return fmt.Sprintf("invalid tree mapping for %s: %s", e.Class, e.Message)
}

func (e *MappingError) Unwrap() error {
	return ErrInvalidMapping
}

// Extension is the raw tree mapping of a class as read by a metadata driver,
// before defaults are applied and the result is validated.
type Extension struct {
	Strategy        StrategyType  `yaml:"strategy"`
	Parent          string        `yaml:"parent"`
	Level           string        `yaml:"level"`
	Left            string        `yaml:"left"`
	Right           string        `yaml:"right"`
	Path            string        `yaml:"path"`
	PathSource      string        `yaml:"path_source"`
	PathSeparator   string        `yaml:"path_separator"`
	PathAppendID    *bool         `yaml:"path_append_id"`
	Closure         string        `yaml:"closure"`
	ActivateLocking bool          `yaml:"activate_locking"`
	LockingTimeout  time.Duration `yaml:"locking_timeout"`
}

// Config is the validated tree configuration of one class. It is read-only
// once built.
type Config struct {
	Class           string
	RootClass       string
	Strategy        StrategyType
	Identifier      string
	Parent          string
	Level           string
	Left            string
	Right           string
	Path            string
	PathSource      string
	PathSeparator   string
	PathAppendID    bool
	Closure         string
	ActivateLocking bool
	LockingTimeout  time.Duration
}

// HasLevel reports whether the class maps a level field.
func (c *Config) HasLevel() bool {
	return c.Level != ""
}

// Defaults are the fallbacks the builder applies to unset options.
type Defaults struct {
	PathSeparator  string
	ClosureSuffix  string
	LockingTimeout time.Duration
}

// DefaultDefaults returns the stock fallback values.
func DefaultDefaults() Defaults {
	return Defaults{
		PathSeparator:  ",",
		ClosureSuffix:  "Closure",
		LockingTimeout: 3 * time.Second,
	}
}
