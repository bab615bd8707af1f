// Package shardmgrerr defines the tagged error variant the shard manager
// core uses to distinguish failure handling policy: what gets retried, what
// gets logged and ignored, and what is fatal.
package shardmgrerr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure by the handling policy it requires.
type Kind string

const (
	// Transient marks a failure against an external collaborator (ping,
	// notifier send) that is retried per policy and never terminates the
	// control loop.
	Transient Kind = "transient"

	// Persistence marks a storage-contract failure. Commits continue to
	// apply in memory; rebalance pauses while the unpersisted backlog
	// exceeds its configured bound.
	Persistence Kind = "persistence"

	// Invariant marks a violation of a core data-model invariant (assignment
	// to an unknown runner, a duplicate commit version). Fatal: the caller
	// is expected to stop accepting events and exit.
	Invariant Kind = "invariant"

	// ClientMisuse marks a rejected command (heartbeat from an unknown
	// address, unregistering a runner that was never registered). State is
	// left unchanged.
	ClientMisuse Kind = "client_misuse"
)

// Error wraps a cause with the Kind that determines how callers should react
// to it.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New builds an *Error of the given kind, formatting like fmt.Errorf.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// Wrap tags an existing error with a kind.
func Wrap(kind Kind, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

// Is reports whether err is a *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == kind
}
