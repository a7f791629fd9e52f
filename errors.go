package archiver

import (
	"fmt"

	"github.com/hashicorp/go-multierror"
)

// ErrorKind classifies every defect the engine or a backend can report.
type ErrorKind int

const (
	ErrTypeNotSerializable ErrorKind = iota
	ErrUnregisteredRuntimeType
	ErrMalformedArchive
	ErrAPIMisuse
)

func (k ErrorKind) String() string {
	switch k {
	case ErrTypeNotSerializable:
		return "type-not-serializable"
	case ErrUnregisteredRuntimeType:
		return "unregistered-runtime-type"
	case ErrMalformedArchive:
		return "malformed-archive"
	case ErrAPIMisuse:
		return "api-misuse"
	default:
		return "unknown"
	}
}

// ArchiveError is the single error type every defect is reported as:
// message, source location, and kind.
type ArchiveError struct {
	Kind    ErrorKind
	Source  string // type name, key path, or similar "where"
	Message string
}

func (e *ArchiveError) Error() string {
	if e.Source != "" {
		return fmt.Sprintf("archiver: %s (%s): %s", e.Kind, e.Source, e.Message)
	}
	return fmt.Sprintf("archiver: %s: %s", e.Kind, e.Message)
}

func newArchiveError(kind ErrorKind, source, format string, args ...any) *ArchiveError {
	return &ArchiveError{Kind: kind, Source: source, Message: fmt.Sprintf(format, args...)}
}

// ErrorCallback is installed on a Serializer and invoked once per defect
// encountered. The default callback raises (panics with
// the error, which Serialize/Deserialize recover and return); the no-op
// callback lets the run continue and produce kind-specific defaults.
type ErrorCallback func(err *ArchiveError)

// raisingErrorCallback is the default installed on every new Serializer.
func raisingErrorCallback(err *ArchiveError) {
	panic(err)
}

// doNothingErrorCallback silently swallows the defect: during the main
// walk the caller gets a partially reconstructed, kind-default value
// instead of a hard failure. Defects found by the post-processing passes
// are still collected and returned as one aggregate error.
func doNothingErrorCallback(*ArchiveError) {}

// errorCollector accumulates every ArchiveError raised by a no-op callback
// during a single post-processing pass so they can be surfaced together as
// one aggregate. It is only
// consulted when the installed callback is the no-op one; the raising
// callback unwinds immediately and never reaches here.
type errorCollector struct {
	err *multierror.Error
}

func (c *errorCollector) add(err *ArchiveError) {
	c.err = multierror.Append(c.err, err)
}

func (c *errorCollector) errorOrNil() error {
	if c.err == nil {
		return nil
	}
	return c.err.ErrorOrNil()
}
