package tx

import (
	"context"

	"metapus/internal/core/apperror"
)

// Status is the handle returned to callers of Engine.GetTransaction. It
// carries the opaque resource-manager transaction object, the flags that
// describe how this call relates to that transaction, and (for
// savepoint-based NESTED transactions) the held savepoint token.
type Status struct {
	manager ResourceManager

	transaction        any
	newTransaction     bool
	newSynchronization bool
	readOnly           bool
	debug              bool

	suspendedResources *SuspendedResourcesHolder
	savepoint          any

	localRollbackOnly bool
	completed         bool
}

// Transaction returns the opaque resource-manager transaction object, or
// nil for an "empty" status (no physical transaction is active).
func (s *Status) Transaction() any { return s.transaction }

// IsNewTransaction reports whether this call caused a physical begin.
func (s *Status) IsNewTransaction() bool { return s.newTransaction }

// IsNewSynchronization reports whether this call initialized the registry's
// synchronization list.
func (s *Status) IsNewSynchronization() bool { return s.newSynchronization }

// IsReadOnly reports the read-only flag requested for this transaction.
func (s *Status) IsReadOnly() bool { return s.readOnly }

// IsCompleted reports whether Commit or Rollback has returned for this status.
func (s *Status) IsCompleted() bool { return s.completed }

// HasSavepoint reports whether this is a savepoint-backed NESTED transaction.
func (s *Status) HasSavepoint() bool { return s.savepoint != nil }

// SetRollbackOnly marks this transaction so that Commit is diverted to Rollback.
func (s *Status) SetRollbackOnly() { s.localRollbackOnly = true }

// IsLocalRollbackOnly reports the local (caller-set) rollback-only marker,
// ignoring any global marker the resource manager itself may carry.
func (s *Status) IsLocalRollbackOnly() bool { return s.localRollbackOnly }

// IsRollbackOnly reports whether this transaction is marked rollback-only,
// either locally (by the caller) or globally (by the resource manager, on
// behalf of any participant).
func (s *Status) IsRollbackOnly() bool {
	if s.localRollbackOnly {
		return true
	}
	if s.transaction == nil || s.manager == nil {
		return false
	}
	return s.manager.IsGlobalRollbackOnly(s.transaction)
}

// globalRollbackOnly reports the resource-manager-tracked marker only,
// ignoring the local caller-set flag. Used by the engine to decide whether a
// commit that appears to succeed should still surface UnexpectedRollback.
func (s *Status) globalRollbackOnly() bool {
	if s.transaction == nil || s.manager == nil {
		return false
	}
	return s.manager.IsGlobalRollbackOnly(s.transaction)
}

// Flush asks the resource manager (if it supports flushing pending writes)
// to do so now, ahead of commit.
func (s *Status) Flush(ctx context.Context) error {
	if f, ok := s.manager.(interface {
		Flush(ctx context.Context, tx any) error
	}); ok {
		return f.Flush(ctx, s.transaction)
	}
	return nil
}

// --- savepoint operations (SavepointManager surface, spec §4.4) ---

func (s *Status) savepointCapable() (SavepointCapable, error) {
	sc, ok := s.manager.(SavepointCapable)
	if !ok {
		return nil, apperror.NewNestedTransactionNotSupported(
			"this resource manager does not support savepoints")
	}
	return sc, nil
}

// CreateSavepoint creates a new savepoint on this transaction and returns
// its opaque token, without recording it on the status.
func (s *Status) CreateSavepoint(ctx context.Context) (any, error) {
	sc, err := s.savepointCapable()
	if err != nil {
		return nil, err
	}
	return sc.CreateSavepoint(ctx, s.transaction)
}

// RollbackToSavepoint rolls this transaction back to a previously created savepoint.
func (s *Status) RollbackToSavepoint(ctx context.Context, savepoint any) error {
	sc, err := s.savepointCapable()
	if err != nil {
		return err
	}
	return sc.RollbackToSavepoint(ctx, s.transaction, savepoint)
}

// ReleaseSavepoint releases a previously created savepoint.
func (s *Status) ReleaseSavepoint(ctx context.Context, savepoint any) error {
	sc, err := s.savepointCapable()
	if err != nil {
		return err
	}
	return sc.ReleaseSavepoint(ctx, s.transaction, savepoint)
}

// CreateAndHoldSavepoint creates a savepoint and records it on the status
// for later use by RollbackToHeldSavepoint/ReleaseHeldSavepoint.
func (s *Status) CreateAndHoldSavepoint(ctx context.Context) error {
	sp, err := s.CreateSavepoint(ctx)
	if err != nil {
		return err
	}
	s.savepoint = sp
	return nil
}

// RollbackToHeldSavepoint rolls back to, then releases, the savepoint held
// on this status. Fails with TransactionUsage if none is held.
func (s *Status) RollbackToHeldSavepoint(ctx context.Context) error {
	if s.savepoint == nil {
		return apperror.NewTransactionUsage("no savepoint is held by this transaction status")
	}
	sp := s.savepoint
	if err := s.RollbackToSavepoint(ctx, sp); err != nil {
		return err
	}
	if err := s.ReleaseSavepoint(ctx, sp); err != nil {
		return err
	}
	s.savepoint = nil
	return nil
}

// ReleaseHeldSavepoint releases the savepoint held on this status. Fails
// with TransactionUsage if none is held.
func (s *Status) ReleaseHeldSavepoint(ctx context.Context) error {
	if s.savepoint == nil {
		return apperror.NewTransactionUsage("no savepoint is held by this transaction status")
	}
	sp := s.savepoint
	if err := s.ReleaseSavepoint(ctx, sp); err != nil {
		return err
	}
	s.savepoint = nil
	return nil
}
