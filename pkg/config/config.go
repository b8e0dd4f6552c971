// Package config parses the host configuration file: an INI-style file of
// [section] blocks with "key: value" options, [include glob] directives and
// access tracking so that misspelled options are reported instead of ignored.
package config

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// Config provides access to a configuration file with access tracking.
type Config struct {
	mu       sync.RWMutex
	sections map[string]*Section
	order    []string

	accessedSections map[string]struct{}
}

// New creates a new empty Config.
func New() *Config {
	return &Config{
		sections:         make(map[string]*Section),
		accessedSections: make(map[string]struct{}),
	}
}

// Load reads a configuration file and returns a Config.
// Supports [include path] directives for including other config files.
func Load(path string) (*Config, error) {
	c := New()
	visited := make(map[string]bool)
	if err := c.parseFile(path, visited); err != nil {
		return nil, err
	}
	return c, nil
}

// LoadString parses a configuration from a string. Include directives are
// resolved relative to the working directory.
func LoadString(data string) (*Config, error) {
	c := New()
	if err := c.parse(strings.NewReader(data), "<string>", ".", make(map[string]bool)); err != nil {
		return nil, err
	}
	return c, nil
}

// parseFile parses a config file and handles include directives.
func (c *Config) parseFile(path string, visited map[string]bool) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return NewConfigError("", "", fmt.Sprintf("invalid path %s: %v", path, err))
	}

	if visited[abs] {
		return NewConfigError("", "", fmt.Sprintf("recursive include: %s", path))
	}
	visited[abs] = true
	defer func() { visited[abs] = false }()

	f, err := os.Open(abs)
	if err != nil {
		return WrapError("", "", fmt.Errorf("unable to open %s: %w", path, err))
	}
	defer f.Close()

	return c.parse(f, path, filepath.Dir(abs), visited)
}

// parse reads sections from r. name is used in error messages, dir anchors includes.
func (c *Config) parse(r io.Reader, name, dir string, visited map[string]bool) error {
	var currentSection string
	var currentOptions map[string]string

	flush := func() {
		if currentSection != "" {
			c.addSection(currentSection, currentOptions)
		}
	}

	scanner := bufio.NewScanner(r)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Text()
		if idx := strings.IndexAny(line, "#;"); idx >= 0 {
			line = line[:idx]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			flush()

			header := strings.TrimSpace(line[1 : len(line)-1])
			if header == "" {
				return NewConfigError("", "", fmt.Sprintf("empty section header at line %d in %s", lineNum, name))
			}

			if strings.HasPrefix(header, "include ") {
				if err := c.include(strings.TrimSpace(header[8:]), dir, name, lineNum, visited); err != nil {
					return err
				}
				currentSection = ""
				currentOptions = nil
				continue
			}

			currentSection = header
			currentOptions = make(map[string]string)
			continue
		}

		if currentSection == "" {
			return NewConfigError("", "", fmt.Sprintf("option outside of a section at line %d in %s", lineNum, name))
		}

		kv := strings.SplitN(line, ":", 2)
		if len(kv) != 2 {
			kv = strings.SplitN(line, "=", 2)
		}
		if len(kv) != 2 {
			return NewConfigError(currentSection, "", fmt.Sprintf("malformed line %d in %s: %q", lineNum, name, line))
		}

		key := strings.TrimSpace(kv[0])
		if key == "" {
			return NewConfigError(currentSection, "", fmt.Sprintf("empty option name at line %d in %s", lineNum, name))
		}
		currentOptions[key] = strings.TrimSpace(kv[1])
	}
	flush()

	if err := scanner.Err(); err != nil {
		return WrapError("", "", fmt.Errorf("error reading %s: %w", name, err))
	}
	return nil
}

// include parses every file matched by pattern, in lexical order.
func (c *Config) include(pattern, dir, name string, lineNum int, visited map[string]bool) error {
	if pattern == "" {
		return NewConfigError("", "", fmt.Sprintf("empty include at line %d in %s", lineNum, name))
	}
	glob := filepath.Join(dir, pattern)
	matches, err := filepath.Glob(glob)
	if err != nil {
		return NewConfigError("", "", fmt.Sprintf("invalid include pattern %q: %v", pattern, err))
	}
	sort.Strings(matches)
	if len(matches) == 0 && !strings.ContainsAny(glob, "*?[") {
		return NewConfigError("", "", fmt.Sprintf("include file does not exist: %s", glob))
	}
	for _, m := range matches {
		if err := c.parseFile(m, visited); err != nil {
			return err
		}
	}
	return nil
}

// addSection adds a section, merging options into an existing one of the same name.
func (c *Config) addSection(name string, options map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.sections[name]; ok {
		for k, v := range options {
			existing.options[strings.ToLower(k)] = v
		}
		return
	}

	c.sections[name] = newSection(name, options)
	c.order = append(c.order, name)
}

// GetSection returns a Section by name, or error if not found.
func (c *Config) GetSection(name string) (*Section, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	sec, ok := c.sections[name]
	if !ok {
		return nil, ErrMissingSection(name)
	}
	c.accessedSections[name] = struct{}{}
	return sec, nil
}

// GetSectionOptional returns a Section if it exists, or nil if not.
func (c *Config) GetSectionOptional(name string) *Section {
	c.mu.Lock()
	defer c.mu.Unlock()

	sec, ok := c.sections[name]
	if ok {
		c.accessedSections[name] = struct{}{}
	}
	return sec
}

// HasSection checks if a section exists.
func (c *Config) HasSection(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.sections[name]
	return ok
}

// GetSectionNames returns all section names in order.
func (c *Config) GetSectionNames() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	result := make([]string, len(c.order))
	copy(result, c.order)
	return result
}

// GetUnusedSections returns a list of sections that were not accessed.
func (c *Config) GetUnusedSections() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var result []string
	for name := range c.sections {
		if _, ok := c.accessedSections[name]; !ok {
			result = append(result, name)
		}
	}
	sort.Strings(result)
	return result
}

// CheckUnused returns an error naming every section and option nobody read.
func (c *Config) CheckUnused() error {
	var problems []string
	if unused := c.GetUnusedSections(); len(unused) > 0 {
		problems = append(problems, fmt.Sprintf("unused sections %v", unused))
	}

	c.mu.RLock()
	for _, name := range c.order {
		if _, ok := c.accessedSections[name]; !ok {
			continue
		}
		if unused := c.sections[name].GetUnusedOptions(); len(unused) > 0 {
			problems = append(problems, fmt.Sprintf("[%s]: unused options %v", name, unused))
		}
	}
	c.mu.RUnlock()

	if len(problems) > 0 {
		return NewConfigError("", "", strings.Join(problems, "; "))
	}
	return nil
}
