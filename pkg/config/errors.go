package config

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidYAML marks a file that failed to parse.
	ErrInvalidYAML = errors.New("invalid YAML")
	// ErrInvalidConfig marks a configuration that parsed but does not make
	// sense as a whole.
	ErrInvalidConfig = errors.New("invalid configuration")
)

// LoadError wraps a failure to load one configuration file.
type LoadError struct {
	File string
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("failed to load %s: %v", e.File, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// NewLoadError creates a LoadError for the given file.
func NewLoadError(file string, err error) *LoadError {
	return &LoadError{File: file, Err: err}
}
