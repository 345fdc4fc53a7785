// Package main demonstrates the transaction engine end to end: REQUIRED
// transactions, REQUIRES_NEW suspension, and NESTED savepoints, run against
// a real Postgres pool.
package main

import (
	"context"
	"fmt"
	"os"

	"metapus/internal/core/tx"
	"metapus/internal/infrastructure/storage/postgres"
	txpostgres "metapus/internal/infrastructure/txmanager/postgres"
	"metapus/pkg/logger"
)

func main() {
	log, err := logger.New(logger.Config{
		Level:       getEnv("LOG_LEVEL", "info"),
		Development: getEnv("APP_ENV", "development") == "development",
	})
	if err != nil {
		fmt.Printf("failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	ctx := context.Background()
	log.Info("starting txdemo")

	pool, err := postgres.NewPool(ctx, postgres.DefaultPoolConfig(mustEnv("DATABASE_URL")))
	if err != nil {
		log.Fatalw("failed to connect to database", "error", err)
	}
	defer pool.Close()

	engine := tx.NewEngine(txpostgres.New(pool), tx.WithNestedTransactionAllowed(true))

	if err := createDemoTable(ctx, engine, pool); err != nil {
		log.Fatalw("failed to create demo table", "error", err)
	}
	if err := runRequiresNewDemo(ctx, engine, pool); err != nil {
		log.Fatalw("REQUIRES_NEW demo failed", "error", err)
	}
	if err := runNestedDemo(ctx, engine, pool); err != nil {
		log.Fatalw("NESTED demo failed", "error", err)
	}

	log.Info("txdemo completed successfully")
}

func createDemoTable(ctx context.Context, engine *tx.Engine, pool *postgres.Pool) error {
	ctx, status, err := engine.GetTransaction(ctx, tx.DefaultDefinition().WithName("create-table"))
	if err != nil {
		return err
	}
	if err := exec(ctx, pool, `CREATE TABLE IF NOT EXISTS txdemo_events (id bigserial PRIMARY KEY, note text NOT NULL)`); err != nil {
		_ = engine.Rollback(ctx, status)
		return err
	}
	return engine.Commit(ctx, status)
}

// runRequiresNewDemo writes an "audit" row in a REQUIRES_NEW transaction
// nested inside a REQUIRED transaction that itself rolls back, showing that
// the audit row survives independently of its parent's outcome.
func runRequiresNewDemo(ctx context.Context, engine *tx.Engine, pool *postgres.Pool) error {
	outerCtx, outer, err := engine.GetTransaction(ctx, tx.DefaultDefinition().WithName("outer-required"))
	if err != nil {
		return err
	}

	if err := exec(outerCtx, pool, `INSERT INTO txdemo_events (note) VALUES ('outer work, will be rolled back')`); err != nil {
		_ = engine.Rollback(outerCtx, outer)
		return err
	}

	innerCtx, inner, err := engine.GetTransaction(outerCtx, tx.DefaultDefinition().
		WithPropagation(tx.RequiresNew).WithName("audit-requires-new"))
	if err != nil {
		_ = engine.Rollback(outerCtx, outer)
		return err
	}
	if err := exec(innerCtx, pool, `INSERT INTO txdemo_events (note) VALUES ('audit row, survives outer rollback')`); err != nil {
		_ = engine.Rollback(innerCtx, inner)
		_ = engine.Rollback(outerCtx, outer)
		return err
	}
	if err := engine.Commit(innerCtx, inner); err != nil {
		_ = engine.Rollback(outerCtx, outer)
		return err
	}

	// Roll the outer transaction back on purpose; the audit row committed
	// above is unaffected because REQUIRES_NEW ran in its own physical
	// transaction, suspended from and independent of the outer one.
	return engine.Rollback(outerCtx, outer)
}

// runNestedDemo shows a NESTED savepoint rolling back independently while
// the surrounding transaction still commits.
func runNestedDemo(ctx context.Context, engine *tx.Engine, pool *postgres.Pool) error {
	outerCtx, outer, err := engine.GetTransaction(ctx, tx.DefaultDefinition().WithName("outer-with-nested"))
	if err != nil {
		return err
	}

	if err := exec(outerCtx, pool, `INSERT INTO txdemo_events (note) VALUES ('outer, kept')`); err != nil {
		_ = engine.Rollback(outerCtx, outer)
		return err
	}

	nestedCtx, nested, err := engine.GetTransaction(outerCtx, tx.DefaultDefinition().
		WithPropagation(tx.Nested).WithName("risky-nested-step"))
	if err != nil {
		_ = engine.Rollback(outerCtx, outer)
		return err
	}
	if err := exec(nestedCtx, pool, `INSERT INTO txdemo_events (note) VALUES ('nested, discarded')`); err != nil {
		_ = engine.Rollback(outerCtx, outer)
		return err
	}
	// Discard just the nested step; the outer transaction is unaffected.
	if err := engine.Rollback(nestedCtx, nested); err != nil {
		_ = engine.Rollback(outerCtx, outer)
		return err
	}

	return engine.Commit(outerCtx, outer)
}

// exec runs a write against whichever connection is currently bound to
// ctx's flow (a transaction if one is active, the pool itself otherwise). In
// a real service this would live behind a repository; txdemo talks to the
// pool directly to keep the walkthrough self-contained.
func exec(ctx context.Context, pool *postgres.Pool, sql string) error {
	_, err := txpostgres.QuerierFor(ctx, pool).Exec(ctx, sql)
	return err
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func mustEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		fmt.Printf("required environment variable %s not set\n", key)
		os.Exit(1)
	}
	return v
}
