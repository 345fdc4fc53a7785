package tx

import "context"

// CompletionStatus tells an AfterCompletion callback how the transaction
// that spawned it actually ended.
type CompletionStatus int

const (
	// StatusCommitted means the transaction committed successfully.
	StatusCommitted CompletionStatus = iota
	// StatusRolledBack means the transaction rolled back.
	StatusRolledBack
	// StatusUnknown means completion could not be determined (a resource
	// manager failure during commit or rollback itself).
	StatusUnknown
)

func (s CompletionStatus) String() string {
	switch s {
	case StatusCommitted:
		return "COMMITTED"
	case StatusRolledBack:
		return "ROLLED_BACK"
	default:
		return "UNKNOWN"
	}
}

// Synchronization is the callback contract arbitrary participants
// (connection pools, ORMs, caches, message sessions) implement to be
// notified of suspension, resumption, and commit/rollback completion. The
// engine invokes these in registration order (see dispatcher).
type Synchronization interface {
	// Suspend is called when the transaction owning this synchronization is
	// about to be displaced by an inner transaction.
	Suspend(ctx context.Context) error

	// Resume is called when a previously suspended transaction is reinstated.
	Resume(ctx context.Context) error

	// Flush lets a participant force pending writes out before commit. The
	// engine itself never calls it: Status.Flush forwards only to a resource
	// manager that implements Flush, not to registered synchronizations.
	Flush(ctx context.Context) error

	// BeforeCommit runs before the physical commit. An error here aborts
	// the commit and diverts to rollback-on-commit-failure handling.
	BeforeCommit(ctx context.Context, readOnly bool) error

	// BeforeCompletion runs immediately before commit or rollback,
	// regardless of outcome. Errors are logged, never abort completion.
	BeforeCompletion(ctx context.Context) error

	// AfterCommit runs after a successful physical commit. An error here
	// propagates to the caller of Engine.Commit, but the transaction is
	// still considered committed and remaining synchronizations' AfterCommit
	// are not invoked (mirrors the upstream contract this engine is ported from).
	AfterCommit(ctx context.Context) error

	// AfterCompletion runs after commit or rollback has fully finished,
	// in either order of outcome. Errors are logged per-synchronization and
	// never prevent the next synchronization's AfterCompletion from running.
	AfterCompletion(ctx context.Context, status CompletionStatus) error
}

// NoopSynchronization implements Synchronization with no-op defaults.
// Embed it to implement only the callbacks a participant actually cares about.
type NoopSynchronization struct{}

func (NoopSynchronization) Suspend(context.Context) error                        { return nil }
func (NoopSynchronization) Resume(context.Context) error                         { return nil }
func (NoopSynchronization) Flush(context.Context) error                          { return nil }
func (NoopSynchronization) BeforeCommit(context.Context, bool) error             { return nil }
func (NoopSynchronization) BeforeCompletion(context.Context) error               { return nil }
func (NoopSynchronization) AfterCommit(context.Context) error                    { return nil }
func (NoopSynchronization) AfterCompletion(context.Context, CompletionStatus) error {
	return nil
}

var _ Synchronization = NoopSynchronization{}
