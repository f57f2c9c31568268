// Package txlog records the destructive steps of a workflow together with
// their inverses so that a failed workflow can restore the repository to
// its prior state.
//
// Rollback runs in LIFO order: later steps typically depend on state
// created by earlier ones, so undoing forward would corrupt intermediate
// state. Every recorded operation gets an undo attempt even when earlier
// rollbacks fail, maximizing partial recovery.
package txlog

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"gitlab.com/treeops/treeops/internal/dontpanic"
)

// Kind tags a recorded operation with the category of its undo action. The
// tag plus the details payload carry enough information to reconstruct the
// action, which leaves the door open for persisting checkpoints across
// restarts.
type Kind string

// Operation kinds used by the treeops workflows.
const (
	KindFileRestore  Kind = "file_restore"
	KindCommandUndo  Kind = "command_undo"
	KindBranchDelete Kind = "branch_delete"
	KindTagDelete    Kind = "tag_delete"
	KindCustom       Kind = "custom"
)

// RollbackFunc undoes the forward action it was recorded with.
type RollbackFunc func(ctx context.Context) error

// Operation is one recorded reversible step.
type Operation struct {
	// ID identifies the operation in logs.
	ID string
	// Kind tags the category of the undo action.
	Kind Kind
	// Timestamp is when the operation was recorded.
	Timestamp time.Time
	// Details carries the payload describing the undo action.
	Details map[string]string
	// Rollback undoes the forward action.
	Rollback RollbackFunc
}

// Log is an append-only sequence of reversible operations. It is owned by
// a single workflow invocation and never persisted.
type Log struct {
	logger logrus.FieldLogger

	mu  sync.Mutex
	ops []Operation
}

// New returns an empty Log.
func New(logger logrus.FieldLogger) *Log {
	return &Log{logger: logger}
}

// Record appends an operation. Record order determines rollback order.
func (l *Log) Record(kind Kind, details map[string]string, rollback RollbackFunc) Operation {
	op := Operation{
		ID:        uuid.New().String(),
		Kind:      kind,
		Timestamp: time.Now(),
		Details:   details,
		Rollback:  rollback,
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.ops = append(l.ops, op)

	return op
}

// RollbackAll undoes every recorded operation, most recent first. Each
// rollback is attempted regardless of earlier failures; failures are
// logged individually and reported once as an aggregate RollbackError. On
// full success the log is cleared. On partial failure it is left intact,
// preserving the trail of what was and was not undone.
func (l *Log) RollbackAll(ctx context.Context) error {
	ops := l.Operations()

	var failed int
	for i := len(ops) - 1; i >= 0; i-- {
		op := ops[i]

		if err := l.rollbackOne(ctx, op); err != nil {
			failed++
			rollbackFailuresTotal.WithLabelValues(string(op.Kind)).Inc()
			l.logger.WithError(err).WithFields(logrus.Fields{
				"operation_id":   op.ID,
				"operation_kind": op.Kind,
			}).Error("rollback operation failed")
		}
	}

	if failed > 0 {
		return &RollbackError{Failed: failed, Total: len(ops)}
	}

	l.Clear()

	return nil
}

// rollbackOne invokes a single rollback closure. The closure is arbitrary
// caller code, so panics are contained and count as a failed rollback
// instead of aborting the pass.
func (l *Log) rollbackOne(ctx context.Context, op Operation) error {
	var err error

	if panicErr := dontpanic.Try(func() { err = op.Rollback(ctx) }); panicErr != nil {
		return panicErr
	}

	return err
}

// Clear discards all operations without invoking any rollback. Used when a
// workflow completes successfully and its undo trail is no longer needed.
func (l *Log) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.ops = nil
}

// Len returns the number of recorded operations.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return len(l.ops)
}

// HasOperations reports whether any operation is recorded.
func (l *Log) HasOperations() bool { return l.Len() > 0 }

// Operations returns a snapshot of the recorded operations. Mutating the
// log after the call does not affect the returned slice.
func (l *Log) Operations() []Operation {
	l.mu.Lock()
	defer l.mu.Unlock()

	ops := make([]Operation, len(l.ops))
	copy(ops, l.ops)

	return ops
}
