package models

import (
	"errors"
	"fmt"
)

var (
	ErrNavigation        = errors.New("navigation failed")
	ErrExtraction        = errors.New("extraction failed")
	ErrClassification    = errors.New("classification failed")
	ErrRateLimited       = errors.New("rate limit exceeded")
	ErrChannelSend       = errors.New("channel send failed")
	ErrConfig            = errors.New("invalid configuration")
	ErrNoAdapter         = errors.New("no adapter registered")
	ErrOracleUnavailable = errors.New("scoring oracle unavailable")
)

// ConfigError names the configuration field that failed validation.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
}

func (e *ConfigError) Unwrap() error { return ErrConfig }
