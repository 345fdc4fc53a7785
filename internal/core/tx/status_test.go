package tx

import (
	"context"
	"testing"

	"metapus/internal/core/apperror"
)

func TestStatus_IsRollbackOnly_LocalAndGlobal(t *testing.T) {
	mgr := newFakeManager()
	txObj := &fakeTransaction{state: &fakeTxState{}}
	status := &Status{manager: mgr, transaction: txObj}

	if status.IsRollbackOnly() {
		t.Fatal("fresh status must not be rollback-only")
	}

	status.SetRollbackOnly()
	if !status.IsLocalRollbackOnly() || !status.IsRollbackOnly() {
		t.Fatal("expected local rollback-only marker to be visible")
	}

	fresh := &Status{manager: mgr, transaction: txObj}
	txObj.state.rollbackOnly = true
	if !fresh.IsRollbackOnly() {
		t.Fatal("expected global rollback-only marker (resource-manager-tracked) to be visible")
	}
	if fresh.IsLocalRollbackOnly() {
		t.Fatal("global marker must not be reported as local")
	}
}

func TestStatus_SavepointSurfaceRequiresCapableManager(t *testing.T) {
	status := &Status{manager: &noSavepointManager{}, transaction: &fakeTransaction{state: &fakeTxState{}}}
	_, err := status.CreateSavepoint(context.Background())
	if !apperror.HasCode(err, apperror.CodeNestedTransactionNotSupported) {
		t.Fatalf("expected NestedTransactionNotSupported, got %v", err)
	}
}

func TestStatus_RollbackToHeldSavepoint_FailsWithoutOne(t *testing.T) {
	status := &Status{manager: newFakeManager(), transaction: &fakeTransaction{state: &fakeTxState{}}}
	err := status.RollbackToHeldSavepoint(context.Background())
	if !apperror.HasCode(err, apperror.CodeTransactionUsage) {
		t.Fatalf("expected TransactionUsage, got %v", err)
	}
}

func TestStatus_CreateAndHoldThenReleaseSavepoint(t *testing.T) {
	mgr := newFakeManager()
	txObj := &fakeTransaction{state: &fakeTxState{}}
	status := &Status{manager: mgr, transaction: txObj}

	if err := status.CreateAndHoldSavepoint(context.Background()); err != nil {
		t.Fatalf("CreateAndHoldSavepoint: %v", err)
	}
	if !status.HasSavepoint() {
		t.Fatal("expected a held savepoint")
	}
	if err := status.ReleaseHeldSavepoint(context.Background()); err != nil {
		t.Fatalf("ReleaseHeldSavepoint: %v", err)
	}
	if status.HasSavepoint() {
		t.Fatal("expected savepoint to be cleared after release")
	}
}

// noSavepointManager is a minimal ResourceManager that does not implement
// SavepointCapable, used to exercise Status's capability check.
type noSavepointManager struct{}

func (noSavepointManager) AcquireTransactionObject(ctx context.Context) (any, error) {
	return &fakeTransaction{}, nil
}
func (noSavepointManager) IsExistingTransaction(any) bool                { return false }
func (noSavepointManager) Begin(context.Context, any, Definition) error  { return nil }
func (noSavepointManager) Suspend(context.Context, any) (any, error)     { return nil, nil }
func (noSavepointManager) Resume(context.Context, any, any) error        { return nil }
func (noSavepointManager) Commit(context.Context, any) error             { return nil }
func (noSavepointManager) Rollback(context.Context, any) error           { return nil }
func (noSavepointManager) SetRollbackOnly(context.Context, any) error    { return nil }
func (noSavepointManager) IsGlobalRollbackOnly(any) bool                 { return false }
func (noSavepointManager) Cleanup(context.Context, any)                  {}
func (noSavepointManager) UseSavepointForNested() bool                   { return true }
func (noSavepointManager) CommitOnGlobalRollbackOnly() bool              { return false }

var _ ResourceManager = (*noSavepointManager)(nil)
