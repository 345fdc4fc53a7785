// Package postgres adapts a pgxpool connection pool to the tx.ResourceManager
// contract: acquiring and releasing pooled connections, running BEGIN/COMMIT
// /ROLLBACK, and realizing NESTED propagation with SQL savepoints.
package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"metapus/internal/core/id"
	"metapus/internal/core/tx"
	"metapus/internal/infrastructure/storage/postgres"
)

var tracer = otel.Tracer("metapus/tx")

var _ tx.ResourceManager = (*ResourceManager)(nil)
var _ tx.SavepointCapable = (*ResourceManager)(nil)

// connectionHolder is the resource bound into the tx.Registry under the pool
// as its key, for the lifetime of one physical transaction: the pooled
// connection, the pgx transaction handle running on it, and the global
// rollback-only marker any participant may have set.
type connectionHolder struct {
	conn         *pgx.Conn
	release      func()
	pgxTx        pgx.Tx
	rollbackOnly bool
}

// transactionObject is the opaque handle the engine passes back on every
// call; it is a thin pointer to whichever connectionHolder (if any) is
// currently bound to this flow.
type transactionObject struct {
	holder *connectionHolder
}

// ResourceManager runs transactions against a pgxpool.Pool. NESTED
// propagation is realized as a SQL savepoint on the existing connection,
// never a second physical transaction.
type ResourceManager struct {
	pool *postgres.Pool
}

// New wraps pool as a tx.ResourceManager.
func New(pool *postgres.Pool) *ResourceManager {
	return &ResourceManager{pool: pool}
}

func (m *ResourceManager) AcquireTransactionObject(ctx context.Context) (any, error) {
	obj := &transactionObject{}
	if bound, ok := tx.GetResource(ctx, m.pool); ok {
		obj.holder = bound.(*connectionHolder)
	}
	return obj, nil
}

func (m *ResourceManager) IsExistingTransaction(txObj any) bool {
	obj, ok := txObj.(*transactionObject)
	return ok && obj.holder != nil
}

func (m *ResourceManager) Begin(ctx context.Context, txObj any, def tx.Definition) error {
	obj := txObj.(*transactionObject)

	ctx, span := tracer.Start(ctx, "tx.begin", trace.WithAttributes(
		attribute.String("tx.isolation", def.Isolation.String()),
		attribute.Bool("tx.read_only", def.ReadOnly),
		attribute.String("tx.name", def.Name),
	))
	defer span.End()

	conn, err := m.pool.Unwrap().Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}

	pgxTx, err := conn.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   isoLevel(def.Isolation),
		AccessMode: accessMode(def.ReadOnly),
	})
	if err != nil {
		conn.Release()
		return fmt.Errorf("begin transaction: %w", err)
	}

	if def.TimeoutSeconds > 0 {
		stmt := fmt.Sprintf("SET LOCAL statement_timeout = '%dms'", def.TimeoutSeconds*1000)
		if _, err := pgxTx.Exec(ctx, stmt); err != nil {
			_ = pgxTx.Rollback(ctx)
			conn.Release()
			return fmt.Errorf("set statement_timeout: %w", err)
		}
	}

	holder := &connectionHolder{conn: conn.Conn(), release: conn.Release, pgxTx: pgxTx}
	obj.holder = holder
	tx.BindResource(ctx, m.pool, holder)
	return nil
}

func (m *ResourceManager) Suspend(ctx context.Context, txObj any) (any, error) {
	obj := txObj.(*transactionObject)
	holder, ok := tx.UnbindResource(ctx, m.pool)
	if !ok {
		return nil, fmt.Errorf("no connection bound to this flow")
	}
	obj.holder = nil
	return holder, nil
}

func (m *ResourceManager) Resume(ctx context.Context, txObj any, suspended any) error {
	holder, ok := suspended.(*connectionHolder)
	if !ok {
		return fmt.Errorf("resume: unexpected suspended resource type %T", suspended)
	}
	tx.BindResource(ctx, m.pool, holder)
	if obj, ok := txObj.(*transactionObject); ok {
		obj.holder = holder
	}
	return nil
}

func (m *ResourceManager) Commit(ctx context.Context, txObj any) error {
	holder, err := m.holderOf(txObj)
	if err != nil {
		return err
	}
	return holder.pgxTx.Commit(ctx)
}

func (m *ResourceManager) Rollback(ctx context.Context, txObj any) error {
	holder, err := m.holderOf(txObj)
	if err != nil {
		return err
	}
	return holder.pgxTx.Rollback(ctx)
}

func (m *ResourceManager) SetRollbackOnly(ctx context.Context, txObj any) error {
	holder, err := m.holderOf(txObj)
	if err != nil {
		return err
	}
	holder.rollbackOnly = true
	return nil
}

func (m *ResourceManager) IsGlobalRollbackOnly(txObj any) bool {
	obj, ok := txObj.(*transactionObject)
	if !ok || obj.holder == nil {
		return false
	}
	return obj.holder.rollbackOnly
}

func (m *ResourceManager) Cleanup(ctx context.Context, txObj any) {
	obj, ok := txObj.(*transactionObject)
	if !ok || obj.holder == nil {
		return
	}
	tx.UnbindResource(ctx, m.pool)
	obj.holder.release()
	obj.holder = nil
}

func (m *ResourceManager) UseSavepointForNested() bool     { return true }
func (m *ResourceManager) CommitOnGlobalRollbackOnly() bool { return false }

func (m *ResourceManager) CreateSavepoint(ctx context.Context, txObj any) (any, error) {
	holder, err := m.holderOf(txObj)
	if err != nil {
		return nil, err
	}
	name := savepointName()
	if _, err := holder.pgxTx.Exec(ctx, "SAVEPOINT "+name); err != nil {
		return nil, fmt.Errorf("create savepoint: %w", err)
	}
	return name, nil
}

func (m *ResourceManager) RollbackToSavepoint(ctx context.Context, txObj any, savepoint any) error {
	holder, err := m.holderOf(txObj)
	if err != nil {
		return err
	}
	if _, err := holder.pgxTx.Exec(ctx, "ROLLBACK TO SAVEPOINT "+savepoint.(string)); err != nil {
		return fmt.Errorf("rollback to savepoint: %w", err)
	}
	return nil
}

func (m *ResourceManager) ReleaseSavepoint(ctx context.Context, txObj any, savepoint any) error {
	holder, err := m.holderOf(txObj)
	if err != nil {
		return err
	}
	if _, err := holder.pgxTx.Exec(ctx, "RELEASE SAVEPOINT "+savepoint.(string)); err != nil {
		return fmt.Errorf("release savepoint: %w", err)
	}
	return nil
}

// Querier is the minimal SQL surface shared by *pgxpool.Pool and pgx.Tx,
// letting repository code run unchanged whether or not it is inside a
// transaction managed by this package.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// QuerierFor returns the transaction bound to ctx's flow by pool's
// resource manager, or pool itself if no transaction is currently active.
func QuerierFor(ctx context.Context, pool *postgres.Pool) Querier {
	if bound, ok := tx.GetResource(ctx, pool); ok {
		return bound.(*connectionHolder).pgxTx
	}
	return pool.Unwrap()
}

func (m *ResourceManager) holderOf(txObj any) (*connectionHolder, error) {
	obj, ok := txObj.(*transactionObject)
	if !ok || obj.holder == nil {
		return nil, fmt.Errorf("no active transaction bound to this flow")
	}
	return obj.holder, nil
}

// savepointName generates a PostgreSQL-safe savepoint identifier. Hyphens
// are replaced with underscores since UUIDs contain them and bare
// identifiers may not.
func savepointName() string {
	return "sp_" + strings.ReplaceAll(id.New().String(), "-", "_")
}

func isoLevel(i tx.Isolation) pgx.TxIsoLevel {
	switch i {
	case tx.IsolationReadUncommitted:
		return pgx.ReadUncommitted
	case tx.IsolationReadCommitted:
		return pgx.ReadCommitted
	case tx.IsolationRepeatableRead:
		return pgx.RepeatableRead
	case tx.IsolationSerializable:
		return pgx.Serializable
	default:
		return pgx.ReadCommitted
	}
}

func accessMode(readOnly bool) pgx.TxAccessMode {
	if readOnly {
		return pgx.ReadOnly
	}
	return pgx.ReadWrite
}
