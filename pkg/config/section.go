package config

import (
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Section provides access to a config section with access tracking.
type Section struct {
	name    string
	options map[string]string

	mu       sync.RWMutex
	accessed map[string]struct{}
}

// newSection creates a new Section.
func newSection(name string, options map[string]string) *Section {
	opts := make(map[string]string, len(options))
	for k, v := range options {
		opts[strings.ToLower(k)] = v
	}
	return &Section{
		name:     name,
		options:  opts,
		accessed: make(map[string]struct{}),
	}
}

// GetName returns the section name.
func (s *Section) GetName() string {
	return s.name
}

func (s *Section) markAccessed(option string) {
	s.mu.Lock()
	s.accessed[strings.ToLower(option)] = struct{}{}
	s.mu.Unlock()
}

// GetUnusedOptions returns the sorted options that were never read.
func (s *Section) GetUnusedOptions() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []string
	for opt := range s.options {
		if _, ok := s.accessed[opt]; !ok {
			result = append(result, opt)
		}
	}
	sort.Strings(result)
	return result
}

// HasOption checks if an option exists in this section.
func (s *Section) HasOption(option string) bool {
	_, ok := s.options[strings.ToLower(option)]
	return ok
}

// lookup returns the raw value and marks the option as read.
func (s *Section) lookup(option string) (string, bool) {
	v, ok := s.options[strings.ToLower(option)]
	s.markAccessed(option)
	return strings.TrimSpace(v), ok
}

// Get returns a string option value, or the fallback when given.
func (s *Section) Get(option string, fallback ...string) (string, error) {
	if v, ok := s.lookup(option); ok {
		return v, nil
	}
	if len(fallback) > 0 {
		return fallback[0], nil
	}
	return "", ErrMissingOption(s.name, option)
}

// GetInt returns an integer option value. Hex values (0x...) are accepted.
func (s *Section) GetInt(option string, fallback ...int) (int, error) {
	if v, ok := s.lookup(option); ok {
		i, err := strconv.ParseInt(v, 0, 64)
		if err != nil {
			return 0, ErrInvalidValue(s.name, option, v, "integer")
		}
		return int(i), nil
	}
	if len(fallback) > 0 {
		return fallback[0], nil
	}
	return 0, ErrMissingOption(s.name, option)
}

// GetIntInRange returns an integer option value within [minVal, maxVal].
func (s *Section) GetIntInRange(option string, minVal, maxVal int, fallback ...int) (int, error) {
	v, err := s.GetInt(option, fallback...)
	if err != nil {
		return 0, err
	}
	if v < minVal {
		return 0, ErrOutOfRange(s.name, option, float64(v), "must have minimum of "+strconv.Itoa(minVal))
	}
	if v > maxVal {
		return 0, ErrOutOfRange(s.name, option, float64(v), "must have maximum of "+strconv.Itoa(maxVal))
	}
	return v, nil
}

// GetFloat returns a float64 option value.
func (s *Section) GetFloat(option string, fallback ...float64) (float64, error) {
	if v, ok := s.lookup(option); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return 0, ErrInvalidValue(s.name, option, v, "float")
		}
		return f, nil
	}
	if len(fallback) > 0 {
		return fallback[0], nil
	}
	return 0, ErrMissingOption(s.name, option)
}

// GetDuration reads an option expressed in seconds. Negative values are rejected.
func (s *Section) GetDuration(option string, fallback ...time.Duration) (time.Duration, error) {
	var fb []float64
	if len(fallback) > 0 {
		fb = append(fb, fallback[0].Seconds())
	}
	v, err := s.GetFloat(option, fb...)
	if err != nil {
		return 0, err
	}
	if v < 0 {
		return 0, ErrOutOfRange(s.name, option, v, "must not be negative")
	}
	return time.Duration(v * float64(time.Second)), nil
}

// GetBool returns a boolean option value.
// Accepts: 1, true, yes, on (true) and 0, false, no, off (false).
func (s *Section) GetBool(option string, fallback ...bool) (bool, error) {
	if v, ok := s.lookup(option); ok {
		switch strings.ToLower(v) {
		case "1", "true", "yes", "on":
			return true, nil
		case "0", "false", "no", "off":
			return false, nil
		default:
			return false, ErrInvalidValue(s.name, option, v, "boolean (true/false/yes/no/on/off/1/0)")
		}
	}
	if len(fallback) > 0 {
		return fallback[0], nil
	}
	return false, ErrMissingOption(s.name, option)
}

// GetChoice returns a string option that must be one of the valid choices.
func (s *Section) GetChoice(option string, choices []string, fallback ...string) (string, error) {
	v, err := s.Get(option, fallback...)
	if err != nil {
		return "", err
	}
	for _, c := range choices {
		if strings.EqualFold(v, c) {
			return c, nil
		}
	}
	return "", ErrInvalidChoice(s.name, option, v, choices)
}
