package tx

import (
	"context"
	"fmt"

	"metapus/internal/core/apperror"
	"metapus/pkg/logger"
)

// SynchronizationMode controls when Engine.GetTransaction activates a
// synchronization scope on the registry.
type SynchronizationMode int

const (
	// SyncAlways activates synchronization for every call, including "empty"
	// transactions (NOT_SUPPORTED, SUPPORTS/NEVER with no actual transaction).
	SyncAlways SynchronizationMode = iota
	// SyncOnActualTransaction activates synchronization only when a physical
	// transaction backs the call.
	SyncOnActualTransaction
	// SyncNever disables synchronization entirely; participants relying on
	// RegisterSynchronization will fail.
	SyncNever
)

// EngineConfig tunes the propagation and completion policy of an Engine. The
// zero value is not meaningful; use DefaultEngineConfig.
type EngineConfig struct {
	// NestedTransactionAllowed gates PROPAGATION_NESTED. Off by default:
	// callers must opt in, since not every resource manager can honor it.
	NestedTransactionAllowed bool

	// ValidateExistingTransaction checks that a participating call's isolation
	// and read-only hints are compatible with the transaction it joins.
	ValidateExistingTransaction bool

	// GlobalRollbackOnParticipationFailure marks the outer transaction
	// globally rollback-only when a participating (non-owning) caller rolls
	// back or fails to commit.
	GlobalRollbackOnParticipationFailure bool

	// FailEarlyOnGlobalRollbackOnly surfaces UnexpectedRollback to a
	// participating caller as soon as the outer transaction is marked
	// globally rollback-only, rather than waiting for the owner's commit.
	FailEarlyOnGlobalRollbackOnly bool

	// RollbackOnCommitFailure attempts a physical rollback when the physical
	// commit itself fails, instead of leaving the transaction's fate to the
	// resource manager.
	RollbackOnCommitFailure bool

	// Synchronization controls when a synchronization scope is activated.
	Synchronization SynchronizationMode

	// DefaultTimeoutSeconds is used when a Definition specifies
	// DefaultTimeoutSeconds itself, i.e. leaves the choice to the engine.
	DefaultTimeoutSeconds int
}

// DefaultEngineConfig returns the conservative defaults: nesting disabled,
// no existing-transaction validation, failed participants poison the whole
// transaction, no early failure, no rollback-on-commit-failure, and
// synchronization always active.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		NestedTransactionAllowed:             false,
		ValidateExistingTransaction:          false,
		GlobalRollbackOnParticipationFailure: true,
		FailEarlyOnGlobalRollbackOnly:        false,
		RollbackOnCommitFailure:              false,
		Synchronization:                      SyncAlways,
		DefaultTimeoutSeconds:                DefaultTimeoutSeconds,
	}
}

// EngineOption mutates an EngineConfig under construction.
type EngineOption func(*EngineConfig)

// WithNestedTransactionAllowed toggles NESTED propagation support.
func WithNestedTransactionAllowed(allowed bool) EngineOption {
	return func(c *EngineConfig) { c.NestedTransactionAllowed = allowed }
}

// WithValidateExistingTransaction toggles isolation/read-only validation on join.
func WithValidateExistingTransaction(validate bool) EngineOption {
	return func(c *EngineConfig) { c.ValidateExistingTransaction = validate }
}

// WithGlobalRollbackOnParticipationFailure toggles whether a failed
// participant poisons the transaction it joined.
func WithGlobalRollbackOnParticipationFailure(v bool) EngineOption {
	return func(c *EngineConfig) { c.GlobalRollbackOnParticipationFailure = v }
}

// WithFailEarlyOnGlobalRollbackOnly toggles early UnexpectedRollback surfacing.
func WithFailEarlyOnGlobalRollbackOnly(v bool) EngineOption {
	return func(c *EngineConfig) { c.FailEarlyOnGlobalRollbackOnly = v }
}

// WithRollbackOnCommitFailure toggles rollback-after-failed-commit.
func WithRollbackOnCommitFailure(v bool) EngineOption {
	return func(c *EngineConfig) { c.RollbackOnCommitFailure = v }
}

// WithSynchronization sets the synchronization activation mode.
func WithSynchronization(mode SynchronizationMode) EngineOption {
	return func(c *EngineConfig) { c.Synchronization = mode }
}

// WithDefaultTimeout sets the engine-wide default timeout in seconds.
func WithDefaultTimeout(seconds int) EngineOption {
	return func(c *EngineConfig) { c.DefaultTimeoutSeconds = seconds }
}

// Engine drives propagation, suspension, and completion against a single
// ResourceManager, per the policy in its EngineConfig. An Engine is safe for
// concurrent use across goroutines; all per-flow mutable state lives on the
// Registry attached to the context passed to each call, not on the Engine.
type Engine struct {
	manager  ResourceManager
	config   EngineConfig
	dispatch dispatcher
}

// NewEngine wires a ResourceManager into an Engine, applying opts over
// DefaultEngineConfig.
func NewEngine(manager ResourceManager, opts ...EngineOption) *Engine {
	cfg := DefaultEngineConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Engine{manager: manager, config: cfg}
}

// shouldSynchronize collapses the engine's synchronization mode against
// whether a physical transaction is (or is about to become) active.
func (e *Engine) shouldSynchronize(actualTransactionActive bool) bool {
	switch e.config.Synchronization {
	case SyncNever:
		return false
	case SyncOnActualTransaction:
		return actualTransactionActive
	default:
		return true
	}
}

func (e *Engine) resolveTimeout(seconds int) int {
	if seconds == DefaultTimeoutSeconds {
		return e.config.DefaultTimeoutSeconds
	}
	return seconds
}

// GetTransaction begins, joins, or brackets a transaction per def's
// propagation, returning the context to use for the rest of the flow (which
// may carry a freshly attached Registry) and the Status handle to later pass
// to Commit or Rollback.
func (e *Engine) GetTransaction(ctx context.Context, def Definition) (context.Context, *Status, error) {
	if def.TimeoutSeconds < DefaultTimeoutSeconds {
		return ctx, nil, apperror.NewInvalidTimeout(def.TimeoutSeconds)
	}
	def.TimeoutSeconds = e.resolveTimeout(def.TimeoutSeconds)

	txObj, err := e.manager.AcquireTransactionObject(ctx)
	if err != nil {
		return ctx, nil, apperror.NewTransactionSystem("acquire transaction object", err)
	}

	if e.manager.IsExistingTransaction(txObj) {
		return e.handleExistingTransaction(ctx, txObj, def)
	}

	switch def.Propagation {
	case Mandatory:
		return ctx, nil, apperror.NewIllegalTransactionState(
			"no existing transaction found for propagation MANDATORY")

	case Required, RequiresNew, Nested:
		holder, err := e.suspend(ctx, nil)
		if err != nil {
			return ctx, nil, err
		}
		newCtx, status, err := e.startTransaction(ctx, def, txObj, holder)
		if err != nil {
			if rerr := e.resume(ctx, holder); rerr != nil {
				logger.Error(ctx, "failed to resume suspended resources after begin failure", "error", rerr)
			}
			return ctx, nil, err
		}
		return newCtx, status, nil

	default:
		// Supports, NotSupported, Never with nothing currently active: an
		// "empty" transaction, no physical resource, possibly synchronized.
		if def.Isolation != IsolationDefault {
			logger.Warn(ctx, "custom isolation level requested for a transaction that will not be actually started",
				"propagation", def.Propagation.String(), "isolation", def.Isolation.String())
		}
		newSync := e.config.Synchronization == SyncAlways
		newCtx := ctx
		if newSync {
			reg := NewRegistry()
			reg.setAmbient(def.Name, def.ReadOnly, def.Isolation, false)
			reg.initSynchronization()
			newCtx = WithRegistry(ctx, reg)
		}
		status := &Status{
			manager: e.manager,
			// No physical transaction backs this call, so it is not "new" in
			// Spring's sense either: DefaultTransactionStatus.isNewTransaction()
			// is hasTransaction() && newTransaction, and there is no transaction
			// here. Commit/Rollback/cleanup must not attempt a physical
			// operation against a nil transaction object.
			newTransaction:     false,
			newSynchronization: newSync,
			readOnly:           def.ReadOnly,
		}
		return newCtx, status, nil
	}
}

// handleExistingTransaction implements the seven propagation rules that
// apply when AcquireTransactionObject already returned a live transaction.
func (e *Engine) handleExistingTransaction(ctx context.Context, txObj any, def Definition) (context.Context, *Status, error) {
	switch def.Propagation {
	case Never:
		return ctx, nil, apperror.NewIllegalTransactionState(
			"existing transaction found for propagation NEVER")

	case NotSupported:
		holder, err := e.suspend(ctx, txObj)
		if err != nil {
			return ctx, nil, err
		}
		newSync := e.shouldSynchronize(false)
		newCtx := ctx
		if newSync {
			reg := NewRegistry()
			reg.setAmbient(def.Name, def.ReadOnly, def.Isolation, false)
			reg.initSynchronization()
			newCtx = WithRegistry(ctx, reg)
		}
		status := &Status{
			manager:            e.manager,
			newTransaction:     false,
			newSynchronization: newSync,
			readOnly:           def.ReadOnly,
			suspendedResources: holder,
		}
		return newCtx, status, nil

	case RequiresNew:
		holder, err := e.suspend(ctx, txObj)
		if err != nil {
			return ctx, nil, err
		}
		newCtx, status, err := e.startTransaction(ctx, def, txObj, holder)
		if err != nil {
			if rerr := e.resume(ctx, holder); rerr != nil {
				logger.Error(ctx, "failed to resume suspended transaction after begin failure", "error", rerr)
			}
			return ctx, nil, err
		}
		return newCtx, status, nil

	case Nested:
		if !e.config.NestedTransactionAllowed {
			return ctx, nil, apperror.NewNestedTransactionNotSupported(
				"nested transactions are disabled; enable with WithNestedTransactionAllowed")
		}
		if e.manager.UseSavepointForNested() {
			sc, ok := e.manager.(SavepointCapable)
			if !ok {
				return ctx, nil, apperror.NewNestedTransactionNotSupported(
					"resource manager reports savepoint-backed nesting but does not implement SavepointCapable")
			}
			status := &Status{
				manager:            e.manager,
				transaction:        txObj,
				newTransaction:     false,
				newSynchronization: false,
				readOnly:           def.ReadOnly,
			}
			sp, err := sc.CreateSavepoint(ctx, txObj)
			if err != nil {
				return ctx, nil, apperror.NewTransactionSystem("create savepoint", err)
			}
			status.savepoint = sp
			return ctx, status, nil
		}
		// Native nesting: a genuinely new physical transaction, begun and
		// completed independently of the one it is nested within.
		return e.startTransaction(ctx, def, txObj, nil)

	default:
		// Required or Supports, joining the existing transaction.
		if e.config.ValidateExistingTransaction {
			if def.Isolation != IsolationDefault {
				if cur := CurrentTransactionIsolation(ctx); cur != def.Isolation {
					return ctx, nil, apperror.NewIllegalTransactionState(fmt.Sprintf(
						"participating transaction requested isolation %s, incompatible with existing transaction isolation %s",
						def.Isolation, cur))
				}
			}
			if !def.ReadOnly && IsCurrentTransactionReadOnly(ctx) {
				return ctx, nil, apperror.NewIllegalTransactionState(
					"participating transaction is not marked read-only but existing transaction is")
			}
		}

		newCtx := ctx
		wasActive := IsSynchronizationActive(ctx)
		newSync := e.shouldSynchronize(true)
		if newSync && !wasActive {
			reg := NewRegistry()
			reg.setAmbient(def.Name, def.ReadOnly, def.Isolation, true)
			reg.initSynchronization()
			newCtx = WithRegistry(ctx, reg)
		}
		status := &Status{
			manager:            e.manager,
			transaction:        txObj,
			newTransaction:     false,
			newSynchronization: newSync && !wasActive,
			readOnly:           def.ReadOnly,
		}
		return newCtx, status, nil
	}
}

// startTransaction performs a genuinely new physical begin, shared by the
// no-existing-transaction path, REQUIRES_NEW, and native (non-savepoint) NESTED.
//
// The Registry is created and attached before calling manager.Begin, not
// after: Begin binds the physical resource (connection, pipeline, ...) into
// whatever registry is attached to the context it receives, and that
// binding must be visible to later calls on the context this function
// returns — regardless of whether synchronization is enabled. Ambient
// scalars and the synchronization scope itself remain conditional on
// newSync, matching prepareSynchronization's own guard.
func (e *Engine) startTransaction(ctx context.Context, def Definition, txObj any, suspended *SuspendedResourcesHolder) (context.Context, *Status, error) {
	newSync := e.shouldSynchronize(true)

	reg := NewRegistry()
	if newSync {
		reg.setAmbient(def.Name, def.ReadOnly, def.Isolation, true)
		reg.initSynchronization()
	}
	newCtx := WithRegistry(ctx, reg)

	if err := e.manager.Begin(newCtx, txObj, def); err != nil {
		return ctx, nil, apperror.NewTransactionSystem("begin", err)
	}

	status := &Status{
		manager:            e.manager,
		transaction:        txObj,
		newTransaction:     true,
		newSynchronization: newSync,
		readOnly:           def.ReadOnly,
		suspendedResources: suspended,
	}
	return newCtx, status, nil
}

// suspend detaches whatever is currently active on ctx's flow — a physical
// transaction (tx != nil) and/or a synchronization scope — and returns an
// opaque holder for a later resume. tx may be nil, meaning "nothing physical
// to suspend, only possibly a synchronization scope"; suspend(ctx, nil)
// returns (nil, nil) when there is nothing at all to capture.
func (e *Engine) suspend(ctx context.Context, txObj any) (*SuspendedResourcesHolder, error) {
	if txObj == nil && !IsSynchronizationActive(ctx) {
		return nil, nil
	}

	var suspendedTx any
	if txObj != nil {
		var err error
		suspendedTx, err = e.manager.Suspend(ctx, txObj)
		if err != nil {
			return nil, apperror.NewTransactionSuspensionNotSupported(
				fmt.Sprintf("resource manager could not suspend current transaction: %v", err))
		}
	}

	reg := registryFromOrEmpty(ctx)
	name, readOnly, isolation, wasActive := reg.snapshotAmbient()
	syncs := reg.takeSynchronizations()
	e.dispatch.suspend(ctx, syncs)
	reg.clearAmbient()

	return &SuspendedResourcesHolder{
		transaction:      suspendedTx,
		synchronizations: syncs,
		name:             name,
		readOnly:         readOnly,
		isolation:        isolation,
		wasActive:        wasActive,
		registry:         reg,
	}, nil
}

// resume reinstates resources previously captured by suspend. A nil holder
// is a no-op, matching suspend's own "nothing to capture" result.
//
// Restoration targets holder.registry directly, never registryFromOrEmpty(ctx):
// resume is invoked from cleanup on the completing call's own context, which
// may carry a different (inner) Registry than the one suspend captured from.
func (e *Engine) resume(ctx context.Context, holder *SuspendedResourcesHolder) error {
	if holder == nil {
		return nil
	}

	regCtx := ctx
	if holder.registry != nil {
		regCtx = WithRegistry(ctx, holder.registry)
	}

	if holder.transaction != nil {
		txObj, err := e.manager.AcquireTransactionObject(regCtx)
		if err != nil {
			return apperror.NewTransactionSystem("resume", err)
		}
		if err := e.manager.Resume(regCtx, txObj, holder.transaction); err != nil {
			return apperror.NewTransactionSystem("resume", err)
		}
	}

	reg := holder.registry
	if reg == nil {
		reg = registryFromOrEmpty(ctx)
	}
	reg.setAmbient(holder.name, holder.readOnly, holder.isolation, holder.wasActive)
	e.dispatch.resume(regCtx, holder.synchronizations)
	reg.restoreSynchronizations(holder.synchronizations)
	return nil
}

// Commit finalizes status, diverting to rollback if it is marked
// rollback-only (locally, or globally when the resource manager does not
// want commit attempted anyway). See spec §4.5.
func (e *Engine) Commit(ctx context.Context, status *Status) error {
	if status.completed {
		return apperror.NewIllegalTransactionState(
			"transaction is already completed - do not call Commit or Rollback more than once")
	}
	if status.localRollbackOnly {
		return e.processRollback(ctx, status, false)
	}
	if !e.manager.CommitOnGlobalRollbackOnly() && status.globalRollbackOnly() {
		return e.processRollback(ctx, status, true)
	}
	return e.processCommit(ctx, status)
}

func (e *Engine) processCommit(ctx context.Context, status *Status) error {
	defer e.cleanup(ctx, status)

	beforeCompletionInvoked := false
	unexpectedRollback := false

	if hook, ok := e.manager.(PreCommitHook); ok {
		if err := hook.PrepareForCommit(ctx, status.transaction); err != nil {
			return e.abortCommit(ctx, status, apperror.NewTransactionSystem("prepare for commit", err), beforeCompletionInvoked, false)
		}
	}

	if status.newSynchronization {
		syncs := GetSynchronizations(ctx)
		if err := e.dispatch.beforeCommit(ctx, syncs, status.readOnly); err != nil {
			return e.abortCommit(ctx, status, err, beforeCompletionInvoked, false)
		}
		e.dispatch.beforeCompletion(ctx, syncs)
		beforeCompletionInvoked = true
	}

	switch {
	case status.HasSavepoint():
		unexpectedRollback = status.globalRollbackOnly()
		if err := status.ReleaseHeldSavepoint(ctx); err != nil {
			return e.abortCommit(ctx, status, err, beforeCompletionInvoked, false)
		}
	case status.newTransaction:
		unexpectedRollback = status.globalRollbackOnly()
		if err := e.manager.Commit(ctx, status.transaction); err != nil {
			return e.abortCommit(ctx, status, apperror.NewTransactionSystem("commit", err), beforeCompletionInvoked, true)
		}
	case e.config.FailEarlyOnGlobalRollbackOnly:
		unexpectedRollback = status.globalRollbackOnly()
	}

	if unexpectedRollback {
		if status.newSynchronization {
			e.dispatch.afterCompletion(ctx, GetSynchronizations(ctx), StatusRolledBack)
		}
		return apperror.NewUnexpectedRollback(
			"transaction silently rolled back because it has been marked as rollback-only")
	}

	if !status.newSynchronization {
		return nil
	}
	syncs := GetSynchronizations(ctx)
	afterCommitErr := e.dispatch.afterCommit(ctx, syncs)
	e.dispatch.afterCompletion(ctx, syncs, StatusCommitted)
	return afterCommitErr
}

// abortCommit runs the shared error path for every way processCommit can
// fail before (or during) the physical commit: ensure beforeCompletion has
// fired, decide whether to attempt a rollback, and fire afterCompletion
// exactly once. fromPhysicalCommit distinguishes a failed manager.Commit
// call, which is subject to the RollbackOnCommitFailure switch, from every
// other failure (prepare hook, beforeCommit, savepoint release), which
// always attempts a rollback.
func (e *Engine) abortCommit(ctx context.Context, status *Status, cause error, beforeCompletionInvoked, fromPhysicalCommit bool) error {
	if fromPhysicalCommit {
		if e.config.RollbackOnCommitFailure {
			e.rollbackAfterFailedCommit(ctx, status, cause)
		} else if status.newSynchronization {
			e.dispatch.afterCompletion(ctx, GetSynchronizations(ctx), StatusUnknown)
		}
		return cause
	}
	if !beforeCompletionInvoked && status.newSynchronization {
		e.dispatch.beforeCompletion(ctx, GetSynchronizations(ctx))
	}
	e.rollbackAfterFailedCommit(ctx, status, cause)
	return cause
}

func (e *Engine) rollbackAfterFailedCommit(ctx context.Context, status *Status, cause error) {
	var err error
	switch {
	case status.newTransaction:
		err = e.manager.Rollback(ctx, status.transaction)
	case status.transaction != nil && e.config.GlobalRollbackOnParticipationFailure:
		err = e.manager.SetRollbackOnly(ctx, status.transaction)
	}
	if err != nil {
		logger.Error(ctx, "commit exception overridden by rollback exception",
			"commitError", cause, "rollbackError", err)
		if status.newSynchronization {
			e.dispatch.afterCompletion(ctx, GetSynchronizations(ctx), StatusUnknown)
		}
		return
	}
	if status.newSynchronization {
		e.dispatch.afterCompletion(ctx, GetSynchronizations(ctx), StatusRolledBack)
	}
}

// Rollback unwinds status. Participating (non-owning) callers do not roll
// back the physical transaction themselves; they mark it rollback-only and
// leave the actual rollback to whoever owns it. See spec §4.6.
func (e *Engine) Rollback(ctx context.Context, status *Status) error {
	if status.completed {
		return apperror.NewIllegalTransactionState(
			"transaction is already completed - do not call Commit or Rollback more than once")
	}
	return e.processRollback(ctx, status, false)
}

func (e *Engine) processRollback(ctx context.Context, status *Status, unexpected bool) error {
	defer e.cleanup(ctx, status)

	unexpectedRollback := unexpected

	if status.newSynchronization {
		e.dispatch.beforeCompletion(ctx, GetSynchronizations(ctx))
	}

	var rollbackErr error
	switch {
	case status.HasSavepoint():
		rollbackErr = status.RollbackToHeldSavepoint(ctx)
	case status.newTransaction:
		if err := e.manager.Rollback(ctx, status.transaction); err != nil {
			rollbackErr = apperror.NewTransactionSystem("rollback", err)
		}
	default:
		if status.transaction != nil && (status.localRollbackOnly || e.config.GlobalRollbackOnParticipationFailure) {
			if err := e.manager.SetRollbackOnly(ctx, status.transaction); err != nil {
				rollbackErr = apperror.NewTransactionSystem("mark rollback-only", err)
			}
		}
		if !e.config.FailEarlyOnGlobalRollbackOnly {
			unexpectedRollback = false
		}
	}

	if rollbackErr != nil {
		if status.newSynchronization {
			e.dispatch.afterCompletion(ctx, GetSynchronizations(ctx), StatusUnknown)
		}
		return rollbackErr
	}

	if status.newSynchronization {
		e.dispatch.afterCompletion(ctx, GetSynchronizations(ctx), StatusRolledBack)
	}

	if unexpectedRollback {
		return apperror.NewUnexpectedRollback(
			"transaction rolled back because it has been marked as rollback-only")
	}
	return nil
}

// cleanup runs unconditionally after Commit or Rollback: mark status
// completed, tear down the synchronization scope this call owned, release
// resource-manager resources for a transaction this call physically began,
// and resume whatever this call had suspended. Resume failures are logged,
// never allowed to shadow the commit/rollback outcome already decided.
func (e *Engine) cleanup(ctx context.Context, status *Status) {
	status.completed = true

	if status.newSynchronization {
		if reg := registryFrom(ctx); reg != nil {
			reg.clearAmbient()
		}
		ClearSynchronization(ctx)
	}
	if status.newTransaction {
		e.manager.Cleanup(ctx, status.transaction)
	}
	if status.suspendedResources != nil {
		if err := e.resume(ctx, status.suspendedResources); err != nil {
			logger.Error(ctx, "failed to resume suspended transaction after completion", "error", err)
		}
	}
}
