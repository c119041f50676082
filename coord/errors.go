// Package coord coordinates workflow execution state across three
// independent stores: the primary relational store (package store), the
// external checkpoint store (package checkpoint) and the
// content-addressed file store (package track). Because the three
// cannot share a transaction, cross-store effects ride the outbox: they
// are written durably with the primary-store change that implies them
// and drained asynchronously by the processor.
package coord

import (
	"errors"

	"github.com/dshills/flowtx-go/coord/checkpoint"
	"github.com/dshills/flowtx-go/coord/store"
)

// ErrValidation indicates malformed or missing input. Never retried.
var ErrValidation = errors.New("validation failed")

// ErrTransient indicates an I/O, network or timeout failure against the
// checkpoint or file store. The processor retries these up to the
// configured cap.
var ErrTransient = errors.New("transient external failure")

// ErrCorruptState indicates an invariant violation detected at runtime.
// Surfaced loudly; never auto-repaired outside the integrity checker.
var ErrCorruptState = errors.New("corrupt state")

// ErrNoHandler indicates an outbox event type with no registered
// handler. The event is failed, not retried.
var ErrNoHandler = errors.New("no handler for event type")

// ErrGraphRequired indicates a combined operation (rollback_and_run,
// fork_and_run) was requested without a graph.
var ErrGraphRequired = errors.New("graph required for combined operation")

// ErrInvalidTransition indicates an execution status transition the
// state machine does not permit.
var ErrInvalidTransition = errors.New("invalid execution status transition")

func isCheckpointNotFound(err error) bool {
	return errors.Is(err, checkpoint.ErrNotFound)
}

func isStoreNotFound(err error) bool {
	return errors.Is(err, store.ErrNotFound)
}
