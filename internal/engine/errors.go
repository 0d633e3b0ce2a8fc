package engine

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind discriminates failure causes so callers can tell "not found" from
// "format mismatch" from "resource exhaustion".
type Kind int

const (
	KindUnknown Kind = iota
	KindInvalidConfig
	KindNotFound
	KindBuilderInitFailed
	KindParseFailed
	KindBuildFailed
	KindSerializeFailed
	KindIOFailed
	KindRuntimeInitFailed
	KindDeserializeFailed
	KindContextInitFailed
	KindUnknownBinding
	KindInvalidArgument
	KindDeviceOutOfMemory
	KindExecutionFailed
	KindContractViolation
	KindReleased
)

var kindNames = map[Kind]string{
	KindUnknown:           "unknown",
	KindInvalidConfig:     "invalid config",
	KindNotFound:          "not found",
	KindBuilderInitFailed: "builder init failed",
	KindParseFailed:       "parse failed",
	KindBuildFailed:       "build failed",
	KindSerializeFailed:   "serialize failed",
	KindIOFailed:          "i/o failed",
	KindRuntimeInitFailed: "runtime init failed",
	KindDeserializeFailed: "deserialize failed",
	KindContextInitFailed: "context init failed",
	KindUnknownBinding:    "unknown binding",
	KindInvalidArgument:   "invalid argument",
	KindDeviceOutOfMemory: "device out of memory",
	KindExecutionFailed:   "execution failed",
	KindContractViolation: "contract violation",
	KindReleased:          "handle released",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Label is the metric label form of a kind.
func (k Kind) Label() string {
	switch k {
	case KindUnknown:
		return "ok"
	}
	b := []byte(k.String())
	for i, c := range b {
		if c == ' ' || c == '/' {
			b[i] = '_'
		}
	}
	return string(b)
}

// Error is returned by every operation of this package.
type Error struct {
	Op   string
	Kind Kind
	// Path is the model or engine file involved, if any.
	Path string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Op
	if e.Path != "" {
		msg += " " + e.Path
	}
	msg += ": " + e.Kind.String()
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Format prints the cause's stack trace with %+v.
func (e *Error) Format(s fmt.State, verb rune) {
	if verb == 'v' && s.Flag('+') && e.Err != nil {
		fmt.Fprintf(s, "%s %s: %s: %+v", e.Op, e.Path, e.Kind, e.Err)
		return
	}
	fmt.Fprint(s, e.Error())
}

func newError(op string, kind Kind, path string, cause error) *Error {
	if cause == nil {
		cause = errors.New(kind.String())
	} else {
		cause = errors.WithStack(cause)
	}
	return &Error{Op: op, Kind: kind, Path: path, Err: cause}
}

func newErrorf(op string, kind Kind, path string, format string, args ...any) *Error {
	return &Error{Op: op, Kind: kind, Path: path, Err: errors.Errorf(format, args...)}
}

// KindOf returns the kind of err, or KindUnknown when err did not come from this package.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsKind reports whether err carries kind k.
func IsKind(err error, k Kind) bool { return err != nil && KindOf(err) == k }

// IsNotFound reports whether a model or engine file was missing or unreadable.
func IsNotFound(err error) bool { return IsKind(err, KindNotFound) }

// IsIncompatible reports whether an engine file could not be deserialized by
// this runtime. The engine must be recompiled.
func IsIncompatible(err error) bool { return IsKind(err, KindDeserializeFailed) }

// IsResourceExhausted reports device memory or workspace exhaustion; a retry
// with a smaller batch or workspace may succeed.
func IsResourceExhausted(err error) bool {
	return IsKind(err, KindDeviceOutOfMemory) || IsKind(err, KindContextInitFailed)
}
