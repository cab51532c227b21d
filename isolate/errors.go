package isolate

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a SandboxError. Kinds are stable: callers decide
// between retrying (sandbox machinery broke) and judging (the RunReport
// carries the verdict) based on them.
type ErrorKind string

const (
	// ErrConfig is caller-side misuse caught before anything executes.
	ErrConfig ErrorKind = "config"
	// ErrInvalidSlotID is an AcquireID call outside [0, N).
	ErrInvalidSlotID ErrorKind = "invalid-slot-id"
	// ErrSpawnFailed means the isolate binary could not be started at all.
	ErrSpawnFailed ErrorKind = "spawn-failed"
	// ErrInitFailed means `isolate --init` ran and exited nonzero.
	ErrInitFailed ErrorKind = "init-failed"
	// ErrCleanupFailed means `isolate --cleanup` exited nonzero. The slot
	// has been released regardless.
	ErrCleanupFailed ErrorKind = "cleanup-failed"
	// ErrMetadataMissing means a run finished but the meta file is gone.
	ErrMetadataMissing ErrorKind = "metadata-missing"
	// ErrMetadataMalformed means the meta file exists but does not parse.
	ErrMetadataMalformed ErrorKind = "metadata-malformed"
	// ErrIO covers reads and writes of files inside the box directory.
	ErrIO ErrorKind = "io"
	// ErrSessionState is an operation in the wrong lifecycle state.
	ErrSessionState ErrorKind = "session-state"
	// ErrConcurrentUse is two simultaneous operations on one session.
	ErrConcurrentUse ErrorKind = "concurrent-use"
	// ErrCanceled means the operation's context was canceled before the
	// sandbox finished.
	ErrCanceled ErrorKind = "canceled"
)

// ConfigReason narrows ErrConfig.
type ConfigReason string

const (
	// CgroupsRequired: a cgroup-only knob is set but UseCgroups is false.
	CgroupsRequired ConfigReason = "cgroups-required"
	// NegativeLimit: a time limit below zero.
	NegativeLimit ConfigReason = "negative-limit"
	// EmptyArgv: run invoked without a program.
	EmptyArgv ConfigReason = "empty-argv"
	// InvalidPath: an empty or escaping path in a rule or redirection.
	InvalidPath ConfigReason = "invalid-path"
)

// SandboxError is the error type everything in this package returns.
type SandboxError struct {
	Kind   ErrorKind
	Reason ConfigReason // set for ErrConfig only

	// ExitCode and Stderr are populated for ErrInitFailed and
	// ErrCleanupFailed from the failed isolate invocation.
	ExitCode int
	Stderr   string

	// Path is set for ErrIO.
	Path string

	msg string
	err error
}

func (e *SandboxError) Error() string {
	s := fmt.Sprintf("isolate: %s", e.Kind)
	if e.Reason != "" {
		s += fmt.Sprintf(" (%s)", e.Reason)
	}
	if e.msg != "" {
		s += ": " + e.msg
	}
	if e.err != nil {
		s += ": " + e.err.Error()
	}
	return s
}

func (e *SandboxError) Unwrap() error { return e.err }

// Is lets errors.Is match on a kind-only template, e.g.
// errors.Is(err, &SandboxError{Kind: ErrCanceled}).
func (e *SandboxError) Is(target error) bool {
	var t *SandboxError
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind && (t.Reason == "" || t.Reason == e.Reason)
}

// IsKind reports whether err is a SandboxError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var se *SandboxError
	return errors.As(err, &se) && se.Kind == kind
}

func configErr(reason ConfigReason, format string, args ...any) *SandboxError {
	return &SandboxError{Kind: ErrConfig, Reason: reason, msg: fmt.Sprintf(format, args...)}
}

func wrapErr(kind ErrorKind, err error, format string, args ...any) *SandboxError {
	return &SandboxError{Kind: kind, msg: fmt.Sprintf(format, args...), err: err}
}

func stateErr(expected, actual sessionState) *SandboxError {
	return &SandboxError{
		Kind: ErrSessionState,
		msg:  fmt.Sprintf("expected session state %s, got %s", expected, actual),
	}
}

func ioErr(path string, err error) *SandboxError {
	return &SandboxError{Kind: ErrIO, Path: path, err: err}
}
