package tx

import (
	"context"
	"fmt"
)

// fakeTxState is the physical transaction record bound into the registry:
// a unique id, whether it has been begun, and its rollback-only marker. It
// outlives any single fakeTransaction handle across suspend/resume.
type fakeTxState struct {
	id           int
	begun        bool
	committed    bool
	rolledBack   bool
	rollbackOnly bool
	savepoints   []string
}

// fakeTransaction is the opaque handle fakeManager hands the engine. Like
// the postgres/redis resource managers' own transactionObject/session
// wrappers, AcquireTransactionObject always returns a freshly allocated
// handle; state points at whichever fakeTxState (if any) is currently bound
// to the flow, so a REQUIRES_NEW that suspends and rebegins ends up with a
// handle distinct from the one it suspended, even though both may be
// acquired against the same underlying manager call.
type fakeTransaction struct {
	state *fakeTxState
}

// fakeManager is an in-memory ResourceManager double for exercising the
// engine's propagation, suspension, and completion logic without a real
// database. It supports savepoint-backed NESTED transactions by default.
type fakeManager struct {
	nextID int

	begun     []*fakeTxState
	suspended []*fakeTxState
	resumed   []*fakeTxState
	committed []*fakeTxState
	rolled    []*fakeTxState
	cleaned   []*fakeTxState

	beginErr    error
	commitErr   error
	rollbackErr error

	useSavepoint     bool
	commitOnGlobalRO bool
}

func newFakeManager() *fakeManager {
	return &fakeManager{useSavepoint: true}
}

func (m *fakeManager) AcquireTransactionObject(ctx context.Context) (any, error) {
	obj := &fakeTransaction{}
	if bound, ok := GetResource(ctx, m); ok {
		obj.state = bound.(*fakeTxState)
	}
	return obj, nil
}

func (m *fakeManager) IsExistingTransaction(txObj any) bool {
	return txObj.(*fakeTransaction).state != nil
}

func (m *fakeManager) Begin(ctx context.Context, txObj any, def Definition) error {
	if m.beginErr != nil {
		return m.beginErr
	}
	obj := txObj.(*fakeTransaction)
	m.nextID++
	state := &fakeTxState{id: m.nextID, begun: true}
	obj.state = state
	m.begun = append(m.begun, state)
	BindResource(ctx, m, state)
	return nil
}

func (m *fakeManager) Suspend(ctx context.Context, txObj any) (any, error) {
	obj := txObj.(*fakeTransaction)
	state := obj.state
	UnbindResource(ctx, m)
	obj.state = nil
	m.suspended = append(m.suspended, state)
	return state, nil
}

func (m *fakeManager) Resume(ctx context.Context, txObj any, suspended any) error {
	state := suspended.(*fakeTxState)
	BindResource(ctx, m, state)
	if obj, ok := txObj.(*fakeTransaction); ok {
		obj.state = state
	}
	m.resumed = append(m.resumed, state)
	return nil
}

func (m *fakeManager) Commit(ctx context.Context, txObj any) error {
	if m.commitErr != nil {
		return m.commitErr
	}
	state := txObj.(*fakeTransaction).state
	state.committed = true
	m.committed = append(m.committed, state)
	return nil
}

func (m *fakeManager) Rollback(ctx context.Context, txObj any) error {
	if m.rollbackErr != nil {
		return m.rollbackErr
	}
	state := txObj.(*fakeTransaction).state
	state.rolledBack = true
	m.rolled = append(m.rolled, state)
	return nil
}

func (m *fakeManager) SetRollbackOnly(ctx context.Context, txObj any) error {
	txObj.(*fakeTransaction).state.rollbackOnly = true
	return nil
}

func (m *fakeManager) IsGlobalRollbackOnly(txObj any) bool {
	t, ok := txObj.(*fakeTransaction)
	return ok && t.state != nil && t.state.rollbackOnly
}

func (m *fakeManager) Cleanup(ctx context.Context, txObj any) {
	state := txObj.(*fakeTransaction).state
	m.cleaned = append(m.cleaned, state)
}

func (m *fakeManager) UseSavepointForNested() bool      { return m.useSavepoint }
func (m *fakeManager) CommitOnGlobalRollbackOnly() bool { return m.commitOnGlobalRO }

func (m *fakeManager) CreateSavepoint(ctx context.Context, txObj any) (any, error) {
	state := txObj.(*fakeTransaction).state
	name := fmt.Sprintf("sp%d", len(state.savepoints)+1)
	state.savepoints = append(state.savepoints, name)
	return name, nil
}

func (m *fakeManager) RollbackToSavepoint(ctx context.Context, txObj any, savepoint any) error {
	return nil
}

func (m *fakeManager) ReleaseSavepoint(ctx context.Context, txObj any, savepoint any) error {
	return nil
}

var _ ResourceManager = (*fakeManager)(nil)
var _ SavepointCapable = (*fakeManager)(nil)

// fakeSync records every callback invocation in order, for assertions on
// dispatch ordering and error isolation.
type fakeSync struct {
	NoopSynchronization
	name string
	log  *[]string
	fail map[string]error
}

func (s *fakeSync) record(event string) {
	*s.log = append(*s.log, s.name+":"+event)
}

func (s *fakeSync) BeforeCommit(ctx context.Context, readOnly bool) error {
	s.record("beforeCommit")
	return s.fail["beforeCommit"]
}

func (s *fakeSync) BeforeCompletion(ctx context.Context) error {
	s.record("beforeCompletion")
	return s.fail["beforeCompletion"]
}

func (s *fakeSync) AfterCommit(ctx context.Context) error {
	s.record("afterCommit")
	return s.fail["afterCommit"]
}

func (s *fakeSync) AfterCompletion(ctx context.Context, status CompletionStatus) error {
	s.record("afterCompletion:" + status.String())
	return s.fail["afterCompletion"]
}

func (s *fakeSync) Suspend(ctx context.Context) error {
	s.record("suspend")
	return nil
}

func (s *fakeSync) Resume(ctx context.Context) error {
	s.record("resume")
	return nil
}
