// Package redisqueue adapts a Redis client to the tx.ResourceManager
// contract, modeling a physical transaction as a MULTI/EXEC pipeline over a
// dedicated connection. Redis has no server-side savepoint concept, so this
// manager cannot realize NESTED propagation: UseSavepointForNested reports
// true (there is no native-nesting alternative either) but the manager does
// not implement tx.SavepointCapable, so the engine rejects NESTED against it
// with NestedTransactionNotSupported.
package redisqueue

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"

	"metapus/internal/core/tx"
)

var _ tx.ResourceManager = (*ResourceManager)(nil)

// session is the resource bound into the tx.Registry for the lifetime of one
// MULTI/EXEC block.
type session struct {
	pipe         redis.Pipeliner
	rollbackOnly bool
}

// transactionObject is the opaque handle returned to the engine.
type transactionObject struct {
	session *session
}

// ResourceManager runs transactions against a Redis client by opening a
// transactional pipeline (MULTI ... EXEC) for the duration of the flow.
type ResourceManager struct {
	client *redis.Client
}

// New wraps client as a tx.ResourceManager.
func New(client *redis.Client) *ResourceManager {
	return &ResourceManager{client: client}
}

func (m *ResourceManager) AcquireTransactionObject(ctx context.Context) (any, error) {
	obj := &transactionObject{}
	if bound, ok := tx.GetResource(ctx, m.client); ok {
		obj.session = bound.(*session)
	}
	return obj, nil
}

func (m *ResourceManager) IsExistingTransaction(txObj any) bool {
	obj, ok := txObj.(*transactionObject)
	return ok && obj.session != nil
}

func (m *ResourceManager) Begin(ctx context.Context, txObj any, def tx.Definition) error {
	obj := txObj.(*transactionObject)
	sess := &session{pipe: m.client.TxPipeline()}
	obj.session = sess
	tx.BindResource(ctx, m.client, sess)
	return nil
}

func (m *ResourceManager) Suspend(ctx context.Context, txObj any) (any, error) {
	obj := txObj.(*transactionObject)
	sess, ok := tx.UnbindResource(ctx, m.client)
	if !ok {
		return nil, fmt.Errorf("no pipeline bound to this flow")
	}
	obj.session = nil
	return sess, nil
}

func (m *ResourceManager) Resume(ctx context.Context, txObj any, suspended any) error {
	sess, ok := suspended.(*session)
	if !ok {
		return fmt.Errorf("resume: unexpected suspended resource type %T", suspended)
	}
	tx.BindResource(ctx, m.client, sess)
	if obj, ok := txObj.(*transactionObject); ok {
		obj.session = sess
	}
	return nil
}

func (m *ResourceManager) Commit(ctx context.Context, txObj any) error {
	sess, err := m.sessionOf(txObj)
	if err != nil {
		return err
	}
	_, err = sess.pipe.Exec(ctx)
	return err
}

func (m *ResourceManager) Rollback(ctx context.Context, txObj any) error {
	sess, err := m.sessionOf(txObj)
	if err != nil {
		return err
	}
	sess.pipe.Discard()
	return nil
}

func (m *ResourceManager) SetRollbackOnly(ctx context.Context, txObj any) error {
	sess, err := m.sessionOf(txObj)
	if err != nil {
		return err
	}
	sess.rollbackOnly = true
	return nil
}

func (m *ResourceManager) IsGlobalRollbackOnly(txObj any) bool {
	obj, ok := txObj.(*transactionObject)
	if !ok || obj.session == nil {
		return false
	}
	return obj.session.rollbackOnly
}

func (m *ResourceManager) Cleanup(ctx context.Context, txObj any) {
	obj, ok := txObj.(*transactionObject)
	if !ok || obj.session == nil {
		return
	}
	tx.UnbindResource(ctx, m.client)
	obj.session = nil
}

// UseSavepointForNested reports true because this manager has no distinct
// "native nested begin" story either. On a true result the engine next
// checks for tx.SavepointCapable, which this manager does not implement, so
// NESTED is rejected with NestedTransactionNotSupported instead of being
// routed to a native nested Begin.
func (m *ResourceManager) UseSavepointForNested() bool     { return true }
func (m *ResourceManager) CommitOnGlobalRollbackOnly() bool { return false }

func (m *ResourceManager) sessionOf(txObj any) (*session, error) {
	obj, ok := txObj.(*transactionObject)
	if !ok || obj.session == nil {
		return nil, fmt.Errorf("no active pipeline bound to this flow")
	}
	return obj.session, nil
}
