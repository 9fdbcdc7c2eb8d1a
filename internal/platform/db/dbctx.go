package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type contextKey string

const (
	dbConnKey contextKey = "db_conn"
	dbTxKey   contextKey = "db_tx"
)

// WithConn attaches a pooled connection to ctx for the lifetime of a
// request. This deployment is single-schema, so unlike a schema-per-tenant
// setup there is no search_path switch to perform here.
func WithConn(ctx context.Context, conn *pgxpool.Conn) context.Context {
	return context.WithValue(ctx, dbConnKey, conn)
}

// ConnFromContext retrieves the request-scoped connection, if any.
func ConnFromContext(ctx context.Context) *pgxpool.Conn {
	conn, _ := ctx.Value(dbConnKey).(*pgxpool.Conn)
	return conn
}

// WithTx starts a transaction on the context's connection and returns a new
// context carrying it. The caller must commit or rollback the returned
// pgx.Tx; nested calls reuse the outermost transaction rather than opening
// a new one, so store/indexing/txn services can compose freely inside one
// request without caring who already opened the transaction.
func WithTx(ctx context.Context) (context.Context, pgx.Tx, error) {
	if tx := TxFromContext(ctx); tx != nil {
		return ctx, tx, nil
	}
	conn := ConnFromContext(ctx)
	if conn == nil {
		return ctx, nil, fmt.Errorf("no database connection in context")
	}
	tx, err := conn.Begin(ctx)
	if err != nil {
		return ctx, nil, fmt.Errorf("begin transaction: %w", err)
	}
	return context.WithValue(ctx, dbTxKey, tx), tx, nil
}

// TxFromContext retrieves the active transaction from context, if any.
func TxFromContext(ctx context.Context) pgx.Tx {
	tx, _ := ctx.Value(dbTxKey).(pgx.Tx)
	return tx
}
