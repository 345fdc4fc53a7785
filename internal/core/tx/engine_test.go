package tx

import (
	"context"
	"errors"
	"testing"

	"metapus/internal/core/apperror"
)

var errBoom = errors.New("boom")

func TestGetTransaction_RequiredBeginsNewWhenNoneExists(t *testing.T) {
	mgr := newFakeManager()
	engine := NewEngine(mgr)

	ctx, status, err := engine.GetTransaction(context.Background(), DefaultDefinition())
	if err != nil {
		t.Fatalf("GetTransaction: %v", err)
	}
	if !status.IsNewTransaction() {
		t.Error("expected a new physical transaction")
	}
	if !status.IsNewSynchronization() {
		t.Error("expected a new synchronization scope")
	}
	if !IsActualTransactionActive(ctx) {
		t.Error("expected actual transaction active on returned context")
	}

	if err := engine.Commit(ctx, status); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if len(mgr.committed) != 1 {
		t.Fatalf("expected exactly one physical commit, got %d", len(mgr.committed))
	}
	if len(mgr.cleaned) != 1 {
		t.Fatalf("expected exactly one cleanup, got %d", len(mgr.cleaned))
	}
}

func TestGetTransaction_MandatoryFailsWithoutExisting(t *testing.T) {
	engine := NewEngine(newFakeManager())
	_, _, err := engine.GetTransaction(context.Background(), DefaultDefinition().WithPropagation(Mandatory))
	if !isIllegalTransactionState(err) {
		t.Fatalf("expected IllegalTransactionState, got %v", err)
	}
}

func TestGetTransaction_NeverFailsWithExisting(t *testing.T) {
	mgr := newFakeManager()
	engine := NewEngine(mgr)

	ctx, outer, err := engine.GetTransaction(context.Background(), DefaultDefinition())
	if err != nil {
		t.Fatalf("begin outer: %v", err)
	}
	defer engine.Rollback(ctx, outer)

	_, _, err = engine.GetTransaction(ctx, DefaultDefinition().WithPropagation(Never))
	if !isIllegalTransactionState(err) {
		t.Fatalf("expected IllegalTransactionState, got %v", err)
	}
}

func TestGetTransaction_RequiresNewSuspendsOuter(t *testing.T) {
	mgr := newFakeManager()
	engine := NewEngine(mgr)

	outerCtx, outer, err := engine.GetTransaction(context.Background(), DefaultDefinition())
	if err != nil {
		t.Fatalf("begin outer: %v", err)
	}

	innerCtx, inner, err := engine.GetTransaction(outerCtx, DefaultDefinition().WithPropagation(RequiresNew))
	if err != nil {
		t.Fatalf("begin inner: %v", err)
	}
	if inner.Transaction() == outer.Transaction() {
		t.Fatal("expected REQUIRES_NEW to acquire a distinct physical transaction")
	}
	if len(mgr.suspended) != 1 {
		t.Fatalf("expected outer transaction to be suspended, got %d suspensions", len(mgr.suspended))
	}

	if err := engine.Commit(innerCtx, inner); err != nil {
		t.Fatalf("commit inner: %v", err)
	}
	if len(mgr.resumed) != 1 {
		t.Fatalf("expected outer transaction to be resumed after inner completed, got %d", len(mgr.resumed))
	}

	if err := engine.Commit(outerCtx, outer); err != nil {
		t.Fatalf("commit outer: %v", err)
	}
	if len(mgr.committed) != 2 {
		t.Fatalf("expected two physical commits, got %d", len(mgr.committed))
	}
}

func TestGetTransaction_NestedUsesSavepoint(t *testing.T) {
	mgr := newFakeManager()
	engine := NewEngine(mgr, WithNestedTransactionAllowed(true))

	outerCtx, outer, err := engine.GetTransaction(context.Background(), DefaultDefinition())
	if err != nil {
		t.Fatalf("begin outer: %v", err)
	}

	nestedCtx, nested, err := engine.GetTransaction(outerCtx, DefaultDefinition().WithPropagation(Nested))
	if err != nil {
		t.Fatalf("begin nested: %v", err)
	}
	if !nested.HasSavepoint() {
		t.Fatal("expected NESTED to hold a savepoint")
	}
	if nested.IsNewTransaction() {
		t.Error("savepoint-backed NESTED must not be a new physical transaction")
	}
	if nested.IsNewSynchronization() {
		t.Error("savepoint-backed NESTED must never activate a new synchronization scope")
	}

	if err := engine.Rollback(nestedCtx, nested); err != nil {
		t.Fatalf("rollback nested: %v", err)
	}
	if len(mgr.rolled) != 0 {
		t.Fatalf("rolling back a savepoint must not physically roll back the outer transaction, got %d rollbacks", len(mgr.rolled))
	}

	if err := engine.Commit(outerCtx, outer); err != nil {
		t.Fatalf("commit outer: %v", err)
	}
	if len(mgr.committed) != 1 {
		t.Fatalf("expected exactly one physical commit, got %d", len(mgr.committed))
	}
}

func TestGetTransaction_NestedRejectedWhenDisallowed(t *testing.T) {
	mgr := newFakeManager()
	engine := NewEngine(mgr) // NestedTransactionAllowed defaults to false

	outerCtx, outer, err := engine.GetTransaction(context.Background(), DefaultDefinition())
	if err != nil {
		t.Fatalf("begin outer: %v", err)
	}
	defer engine.Rollback(outerCtx, outer)

	_, _, err = engine.GetTransaction(outerCtx, DefaultDefinition().WithPropagation(Nested))
	if !isNestedNotSupported(err) {
		t.Fatalf("expected NestedTransactionNotSupported, got %v", err)
	}
}

func TestCommit_GlobalRollbackOnlyDivertsToRollback(t *testing.T) {
	mgr := newFakeManager()
	engine := NewEngine(mgr)

	ctx, status, err := engine.GetTransaction(context.Background(), DefaultDefinition())
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := mgr.SetRollbackOnly(ctx, status.Transaction()); err != nil {
		t.Fatalf("SetRollbackOnly: %v", err)
	}

	err = engine.Commit(ctx, status)
	if !isUnexpectedRollback(err) {
		t.Fatalf("expected UnexpectedRollback, got %v", err)
	}
	if len(mgr.committed) != 0 {
		t.Fatalf("expected no physical commit, got %d", len(mgr.committed))
	}
	if len(mgr.rolled) != 1 {
		t.Fatalf("expected one physical rollback, got %d", len(mgr.rolled))
	}
}

func TestRollback_ParticipatingCallerMarksOuterInsteadOfRollingBackPhysically(t *testing.T) {
	mgr := newFakeManager()
	engine := NewEngine(mgr)

	outerCtx, outer, err := engine.GetTransaction(context.Background(), DefaultDefinition())
	if err != nil {
		t.Fatalf("begin outer: %v", err)
	}

	innerCtx, inner, err := engine.GetTransaction(outerCtx, DefaultDefinition())
	if err != nil {
		t.Fatalf("begin inner (participating): %v", err)
	}
	if inner.IsNewTransaction() {
		t.Fatal("REQUIRED joining an existing transaction must not be a new physical transaction")
	}

	if err := engine.Rollback(innerCtx, inner); err != nil {
		t.Fatalf("rollback participating: %v", err)
	}
	if len(mgr.rolled) != 0 {
		t.Fatalf("participating rollback must not physically roll back, got %d", len(mgr.rolled))
	}
	if !outer.IsRollbackOnly() {
		t.Fatal("expected outer transaction marked rollback-only after participant failure")
	}

	err = engine.Commit(outerCtx, outer)
	if !isUnexpectedRollback(err) {
		t.Fatalf("expected UnexpectedRollback on owner's commit, got %v", err)
	}
	if len(mgr.rolled) != 1 {
		t.Fatalf("expected owner's commit to divert into exactly one physical rollback, got %d", len(mgr.rolled))
	}
}

func TestDoubleCompletionRejected(t *testing.T) {
	mgr := newFakeManager()
	engine := NewEngine(mgr)

	ctx, status, err := engine.GetTransaction(context.Background(), DefaultDefinition())
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := engine.Commit(ctx, status); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := engine.Commit(ctx, status); !isIllegalTransactionState(err) {
		t.Fatalf("expected IllegalTransactionState on double commit, got %v", err)
	}
}

func TestSynchronizationDispatchOrderAndErrorIsolation(t *testing.T) {
	mgr := newFakeManager()
	engine := NewEngine(mgr)

	ctx, status, err := engine.GetTransaction(context.Background(), DefaultDefinition())
	if err != nil {
		t.Fatalf("begin: %v", err)
	}

	var log []string
	first := &fakeSync{name: "first", log: &log, fail: map[string]error{"beforeCompletion": errBoom}}
	second := &fakeSync{name: "second", log: &log}
	if err := RegisterSynchronization(ctx, first); err != nil {
		t.Fatalf("register first: %v", err)
	}
	if err := RegisterSynchronization(ctx, second); err != nil {
		t.Fatalf("register second: %v", err)
	}

	if err := engine.Commit(ctx, status); err != nil {
		t.Fatalf("commit: %v", err)
	}

	want := []string{
		"first:beforeCommit", "second:beforeCommit",
		"first:beforeCompletion", "second:beforeCompletion",
		"first:afterCommit", "second:afterCommit",
		"first:afterCompletion:COMMITTED", "second:afterCompletion:COMMITTED",
	}
	if len(log) != len(want) {
		t.Fatalf("dispatch log length mismatch\nwant: %v\ngot:  %v", want, log)
	}
	for i := range want {
		if log[i] != want[i] {
			t.Fatalf("dispatch order mismatch at %d\nwant: %v\ngot:  %v", i, want, log)
		}
	}
}

func TestCommit_EmptyTransactionCommitsCleanly(t *testing.T) {
	mgr := newFakeManager()
	engine := NewEngine(mgr)

	ctx, status, err := engine.GetTransaction(context.Background(), DefaultDefinition().WithPropagation(Supports))
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if status.IsNewTransaction() {
		t.Error("an empty SUPPORTS status with no existing transaction must not report as new")
	}
	if status.Transaction() != nil {
		t.Fatalf("expected no physical transaction bound, got %v", status.Transaction())
	}

	if err := engine.Commit(ctx, status); err != nil {
		t.Fatalf("commit empty transaction: %v", err)
	}
	if len(mgr.committed) != 0 {
		t.Fatalf("expected no physical commit for an empty transaction, got %d", len(mgr.committed))
	}
	if len(mgr.cleaned) != 0 {
		t.Fatalf("expected no cleanup for an empty transaction, got %d", len(mgr.cleaned))
	}
}

func TestGetTransaction_OuterSynchronizationSurvivesRequiresNewSuspension(t *testing.T) {
	mgr := newFakeManager()
	engine := NewEngine(mgr)

	outerCtx, outer, err := engine.GetTransaction(context.Background(), DefaultDefinition())
	if err != nil {
		t.Fatalf("begin outer: %v", err)
	}

	var log []string
	outerSync := &fakeSync{name: "outer", log: &log}
	if err := RegisterSynchronization(outerCtx, outerSync); err != nil {
		t.Fatalf("register outer sync: %v", err)
	}

	innerCtx, inner, err := engine.GetTransaction(outerCtx, DefaultDefinition().WithPropagation(RequiresNew))
	if err != nil {
		t.Fatalf("begin inner: %v", err)
	}
	if err := engine.Commit(innerCtx, inner); err != nil {
		t.Fatalf("commit inner: %v", err)
	}

	if err := engine.Commit(outerCtx, outer); err != nil {
		t.Fatalf("commit outer: %v", err)
	}

	want := []string{
		"outer:suspend",
		"outer:resume",
		"outer:beforeCommit",
		"outer:beforeCompletion",
		"outer:afterCommit",
		"outer:afterCompletion:COMMITTED",
	}
	if len(log) != len(want) {
		t.Fatalf("expected outer synchronization to receive its callbacks after resume\nwant: %v\ngot:  %v", want, log)
	}
	for i := range want {
		if log[i] != want[i] {
			t.Fatalf("dispatch order mismatch at %d\nwant: %v\ngot:  %v", i, want, log)
		}
	}
}

func TestGetTransaction_ParticipatingCallDoesNotStealOuterSynchronization(t *testing.T) {
	mgr := newFakeManager()
	engine := NewEngine(mgr)

	outerCtx, outer, err := engine.GetTransaction(context.Background(), DefaultDefinition())
	if err != nil {
		t.Fatalf("begin outer: %v", err)
	}

	var log []string
	outerSync := &fakeSync{name: "outer", log: &log}
	if err := RegisterSynchronization(outerCtx, outerSync); err != nil {
		t.Fatalf("register outer sync: %v", err)
	}

	innerCtx, inner, err := engine.GetTransaction(outerCtx, DefaultDefinition())
	if err != nil {
		t.Fatalf("begin inner (participating): %v", err)
	}
	if inner.IsNewSynchronization() {
		t.Fatal("a participating call joining an already-active synchronization scope must not report a new one")
	}

	if err := engine.Commit(innerCtx, inner); err != nil {
		t.Fatalf("commit inner (participating): %v", err)
	}
	if len(log) != 0 {
		t.Fatalf("participating commit must not dispatch to the outer's synchronizations, got %v", log)
	}
	if !IsSynchronizationActive(outerCtx) {
		t.Fatal("outer synchronization scope must still be active after the participating call completes")
	}

	if err := engine.Commit(outerCtx, outer); err != nil {
		t.Fatalf("commit outer: %v", err)
	}
	want := []string{
		"outer:beforeCommit",
		"outer:beforeCompletion",
		"outer:afterCommit",
		"outer:afterCompletion:COMMITTED",
	}
	if len(log) != len(want) {
		t.Fatalf("expected outer synchronization to receive its callbacks exactly once, after the outer commits\nwant: %v\ngot:  %v", want, log)
	}
	for i := range want {
		if log[i] != want[i] {
			t.Fatalf("dispatch order mismatch at %d\nwant: %v\ngot:  %v", i, want, log)
		}
	}
}

func TestGetTransaction_NestedSavepointDoesNotTriggerOuterSynchronization(t *testing.T) {
	mgr := newFakeManager()
	engine := NewEngine(mgr, WithNestedTransactionAllowed(true))

	outerCtx, outer, err := engine.GetTransaction(context.Background(), DefaultDefinition())
	if err != nil {
		t.Fatalf("begin outer: %v", err)
	}

	var log []string
	outerSync := &fakeSync{name: "outer", log: &log}
	if err := RegisterSynchronization(outerCtx, outerSync); err != nil {
		t.Fatalf("register outer sync: %v", err)
	}

	nestedCtx, nested, err := engine.GetTransaction(outerCtx, DefaultDefinition().WithPropagation(Nested))
	if err != nil {
		t.Fatalf("begin nested: %v", err)
	}
	if nested.IsNewSynchronization() {
		t.Fatal("a savepoint-backed NESTED status must never report a new synchronization scope")
	}

	if err := engine.Rollback(nestedCtx, nested); err != nil {
		t.Fatalf("rollback nested: %v", err)
	}
	if len(log) != 0 {
		t.Fatalf("rolling back a savepoint must not fire the outer's synchronization callbacks, got %v", log)
	}
	if !IsSynchronizationActive(outerCtx) {
		t.Fatal("outer synchronization scope must still be active after the nested savepoint rolls back")
	}

	if err := engine.Commit(outerCtx, outer); err != nil {
		t.Fatalf("commit outer: %v", err)
	}
	want := []string{
		"outer:beforeCommit",
		"outer:beforeCompletion",
		"outer:afterCommit",
		"outer:afterCompletion:COMMITTED",
	}
	if len(log) != len(want) {
		t.Fatalf("expected outer synchronization to receive its callbacks exactly once, after the outer commits\nwant: %v\ngot:  %v", want, log)
	}
	for i := range want {
		if log[i] != want[i] {
			t.Fatalf("dispatch order mismatch at %d\nwant: %v\ngot:  %v", i, want, log)
		}
	}
}

func isIllegalTransactionState(err error) bool {
	return apperror.HasCode(err, apperror.CodeIllegalTransactionState)
}

func isUnexpectedRollback(err error) bool {
	return apperror.HasCode(err, apperror.CodeUnexpectedRollback)
}

func isNestedNotSupported(err error) bool {
	return apperror.HasCode(err, apperror.CodeNestedTransactionNotSupported)
}
