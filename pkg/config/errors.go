package config

import (
	"fmt"

	herrors "mbe-recipe-host/pkg/errors"
)

// NewConfigError creates a configuration error with section/option context.
func NewConfigError(section, option, message string) *herrors.HostError {
	code := herrors.ErrConfigValidation
	if option == "" && section == "" {
		code = herrors.ErrConfigSection
	}
	return herrors.New(code, message).SetSection(section).SetOption(option)
}

// WrapError wraps an existing error with config context.
func WrapError(section, option string, err error) *herrors.HostError {
	return herrors.Wrap(err, herrors.ErrConfigValidation, "configuration error").
		SetSection(section).
		SetOption(option)
}

// ErrMissingOption returns an error for a required but missing option.
func ErrMissingOption(section, option string) *herrors.HostError {
	return herrors.New(herrors.ErrConfigOption, "must be specified").
		SetSection(section).
		SetOption(option)
}

// ErrMissingSection returns an error for a missing section.
func ErrMissingSection(section string) *herrors.HostError {
	return herrors.ConfigSectionError(section)
}

// ErrInvalidValue returns an error for a value that does not parse.
func ErrInvalidValue(section, option, value, expected string) *herrors.HostError {
	return herrors.New(herrors.ErrConfigType, fmt.Sprintf("invalid value '%s', expected %s", value, expected)).
		SetSection(section).
		SetOption(option)
}

// ErrOutOfRange returns an error for a value outside the allowed range.
func ErrOutOfRange(section, option string, value float64, constraint string) *herrors.HostError {
	return herrors.ConfigValidationError(section, option, fmt.Sprintf("value %v %s", value, constraint))
}

// ErrInvalidChoice returns an error for an invalid choice value.
func ErrInvalidChoice(section, option, value string, choices []string) *herrors.HostError {
	return herrors.ConfigValidationError(section, option, fmt.Sprintf("'%s' is not a valid choice (valid: %v)", value, choices))
}
