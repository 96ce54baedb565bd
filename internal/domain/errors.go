package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrNotFound is matched by every NotFoundError and returned by repositories for missing rows.
var ErrNotFound = errors.New("not found")

// ValidationError reports malformed input or options.
type ValidationError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	msg := "invalid " + e.Field + ": " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ValidationError) Unwrap() error { return e.Err }

// NotFoundError reports a missing dependency, image, scope or service.
// Remedy tells the operator what to run first.
type NotFoundError struct {
	Kind   string
	Name   string
	Remedy string
}

func (e *NotFoundError) Error() string {
	msg := fmt.Sprintf("%s %q not found", e.Kind, e.Name)
	if e.Remedy != "" {
		msg += " (" + e.Remedy + ")"
	}
	return msg
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// RemoteProtocolError is a discovery or transport failure.
type RemoteProtocolError struct {
	Op  string
	Err error
}

func (e *RemoteProtocolError) Error() string {
	return fmt.Sprintf("remote %s: %v", e.Op, e.Err)
}

func (e *RemoteProtocolError) Unwrap() error { return e.Err }

// TaskFailure is a remote command or job that completed with a failure status.
type TaskFailure struct {
	Target     string
	ExitStatus int
	Message    string
}

func (e *TaskFailure) Error() string {
	if e.ExitStatus != 0 {
		return fmt.Sprintf("%s: exit status %d: %s", e.Target, e.ExitStatus, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Target, e.Message)
}

// TimeoutError is a discovery, dispatch or task poll that exceeded its bound.
type TimeoutError struct {
	Op     string
	Target string
	After  time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s: %s timed out after %s", e.Target, e.Op, e.After)
}

// TargetError ties a fan-out failure to the target it happened on.
type TargetError struct {
	Target string
	Err    error
}

func (e *TargetError) Error() string {
	return e.Target + ": " + e.Err.Error()
}

func (e *TargetError) Unwrap() error { return e.Err }

// AggregateError wraps two or more failures from one fan-out batch.
type AggregateError struct {
	Op     string
	Total  int
	Errors []*TargetError
}

func (e *AggregateError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %d/%d targets failed", e.Op, len(e.Errors), e.Total)
	for _, te := range e.Errors {
		b.WriteString("\n  - ")
		b.WriteString(te.Err.Error())
	}
	return b.String()
}

func (e *AggregateError) Unwrap() []error {
	out := make([]error, len(e.Errors))
	for i, te := range e.Errors {
		out[i] = te
	}
	return out
}

// Targets returns the identity of every failed target.
func (e *AggregateError) Targets() []string {
	out := make([]string, len(e.Errors))
	for i, te := range e.Errors {
		out[i] = te.Target
	}
	return out
}
