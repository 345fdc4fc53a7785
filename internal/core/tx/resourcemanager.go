package tx

import "context"

// ResourceManager is the contract the engine requires of any concrete
// transactional resource (a relational connection pool, a distributed
// transaction coordinator, a message broker session, ...). Implementations
// live outside this package, under internal/infrastructure/txmanager/.
//
// The engine never inspects the transaction object it receives back from
// AcquireTransactionObject/Begin/Suspend/Resume; it is opaque and passed
// back verbatim on every subsequent call.
type ResourceManager interface {
	// AcquireTransactionObject returns a transaction object representing
	// either a fresh, not-yet-begun transaction or a handle onto an
	// already-active one (IsExistingTransaction distinguishes the two).
	AcquireTransactionObject(ctx context.Context) (any, error)

	// IsExistingTransaction reports whether tx already represents an active
	// physical transaction.
	IsExistingTransaction(tx any) bool

	// Begin starts a new physical transaction on tx per def's isolation,
	// read-only, and timeout hints.
	Begin(ctx context.Context, tx any, def Definition) error

	// Suspend detaches tx from the calling flow so a different transaction
	// can run in its place, and returns an opaque handle used to resume it.
	// Suspend must fail with a TransactionSuspensionNotSupported-flavored
	// error if the manager cannot suspend the given transaction.
	Suspend(ctx context.Context, tx any) (any, error)

	// Resume reattaches a transaction previously detached by Suspend.
	Resume(ctx context.Context, tx any, suspended any) error

	// Commit performs the physical commit.
	Commit(ctx context.Context, tx any) error

	// Rollback performs the physical rollback.
	Rollback(ctx context.Context, tx any) error

	// SetRollbackOnly marks tx so that any eventual commit is diverted to a
	// rollback, without actually rolling back yet (used when participating
	// in an outer transaction whose fate is decided by its originator).
	SetRollbackOnly(ctx context.Context, tx any) error

	// IsGlobalRollbackOnly reports whether some participant has already
	// marked tx as globally rollback-only.
	IsGlobalRollbackOnly(tx any) bool

	// Cleanup releases any resources held for tx (connections, timers) once
	// the transaction has fully completed. Called exactly once, only for
	// transactions this call to GetTransaction physically began.
	Cleanup(ctx context.Context, tx any)

	// UseSavepointForNested reports whether NESTED propagation should be
	// realized as a savepoint on the existing transaction (true) or as a
	// genuinely new physical nested transaction via Begin (false).
	UseSavepointForNested() bool

	// CommitOnGlobalRollbackOnly reports whether Commit should still be
	// attempted physically even though the transaction is globally marked
	// rollback-only (some coordinators want the attempt to observe the
	// resulting error themselves).
	CommitOnGlobalRollbackOnly() bool
}

// SavepointCapable is an optional capability a ResourceManager implements
// when its transactions support savepoints. Checked with a type assertion
// rather than being part of the base contract, so managers that can never
// support savepoints (message broker sessions, for instance) are not forced
// to carry dead methods.
type SavepointCapable interface {
	CreateSavepoint(ctx context.Context, tx any) (any, error)
	RollbackToSavepoint(ctx context.Context, tx any, savepoint any) error
	ReleaseSavepoint(ctx context.Context, tx any, savepoint any) error
}

// PreCommitHook is an optional capability invoked immediately before the
// before-commit synchronization callbacks fire, giving a resource manager a
// chance to reject the commit early (e.g. flush a write-behind buffer that
// might itself fail).
type PreCommitHook interface {
	PrepareForCommit(ctx context.Context, tx any) error
}

// SuspendedResourcesHolder is the snapshot captured by Engine.suspend and
// consumed exactly once by Engine.resume. It is never shared across flows.
type SuspendedResourcesHolder struct {
	transaction      any
	synchronizations []Synchronization
	name             string
	readOnly         bool
	isolation        Isolation
	wasActive        bool

	// registry is the outer flow's own Registry, captured at suspend time.
	// resume restores ambient state and synchronizations directly into this
	// object rather than into whatever registry happens to be attached to
	// the context it is called with — startTransaction attaches a fresh
	// Registry to the inner flow's context, so resume is always invoked
	// (via cleanup) on a context whose registry is not the outer one.
	registry *Registry
}
