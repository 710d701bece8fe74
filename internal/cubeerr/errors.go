// Package cubeerr defines the error taxonomy shared by every layer of the
// engine. Each named contract error wraps one taxonomy kind, so callers can
// match either the precise failure or its broad class with errors.Is.
package cubeerr

import (
	"errors"
	"fmt"
)

// Taxonomy kinds.
var (
	// ErrConfiguration marks malformed view, grid or operator parameters. It
	// is only ever raised while a graph is being built.
	ErrConfiguration = errors.New("configuration error")
	// ErrCatalog marks a missing or corrupt collection store or an unknown format.
	ErrCatalog = errors.New("catalog error")
	// ErrIO marks unreadable source files and driver failures.
	ErrIO = errors.New("io error")
	// ErrShapeMismatch marks incompatible cubes or wrongly shaped outputs.
	ErrShapeMismatch = errors.New("shape mismatch")
	// ErrExternalProcess marks streaming commands that exit non-zero or
	// produce a malformed byte stream.
	ErrExternalProcess = errors.New("external process error")
)

// Named contract errors.
var (
	ErrFormatMismatch           = kind("no file matches the collection format", ErrCatalog)
	ErrUnknownFormat            = kind("unknown collection format", ErrCatalog)
	ErrUnsupportedDriver        = kind("unsupported raster driver", ErrIO)
	ErrDuplicateImage           = kind("image already exists in collection", ErrCatalog)
	ErrOverspecifiedResolution  = kind("overspecified resolution", ErrConfiguration)
	ErrUnderspecifiedResolution = kind("underspecified resolution", ErrConfiguration)
	ErrUnknownBandReference     = kind("unknown band reference", ErrConfiguration)
	ErrIncompatibleCubes        = kind("incompatible cubes", ErrShapeMismatch)
)

// kindError is a sentinel that also reports its taxonomy parent.
type kindError struct {
	msg    string
	parent error
}

func (e *kindError) Error() string { return e.msg }
func (e *kindError) Unwrap() error { return e.parent }

func kind(msg string, parent error) error {
	return &kindError{msg: msg, parent: parent}
}

// Configf returns a configuration error with a formatted message.
func Configf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfiguration, fmt.Sprintf(format, args...))
}

// Wrapf attaches a formatted message to a sentinel, keeping it matchable.
func Wrapf(sentinel error, format string, args ...any) error {
	return fmt.Errorf("%w: %s", sentinel, fmt.Sprintf(format, args...))
}
