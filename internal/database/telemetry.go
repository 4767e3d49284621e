package database

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/irfndi/polycorr/internal/database"

// TracedPool wraps a DatabasePool and records a client span per statement
type TracedPool struct {
	pool   DatabasePool
	tracer trace.Tracer
}

// NewTracedPool wraps pool using the global tracer provider.
func NewTracedPool(pool DatabasePool) *TracedPool {
	return NewTracedPoolWithProvider(pool, otel.GetTracerProvider())
}

// NewTracedPoolWithProvider wraps pool using the given tracer provider.
func NewTracedPoolWithProvider(pool DatabasePool, provider trace.TracerProvider) *TracedPool {
	return &TracedPool{pool: pool, tracer: provider.Tracer(tracerName)}
}

func (p *TracedPool) start(ctx context.Context, operation, sql string) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, "db."+operation,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("db.system", "postgresql"),
			attribute.String("db.statement", sql),
		))
}

// Query executes a query that returns rows.
func (p *TracedPool) Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error) {
	ctx, span := p.start(ctx, "query", sql)
	defer span.End()
	rows, err := p.pool.Query(ctx, sql, args...)
	RecordDatabaseError(span, err)
	return rows, err
}

// QueryRow executes a query that is expected to return at most one row.
func (p *TracedPool) QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row {
	ctx, span := p.start(ctx, "query_row", sql)
	defer span.End()
	return p.pool.QueryRow(ctx, sql, args...)
}

// Exec executes a statement without returning rows.
func (p *TracedPool) Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error) {
	ctx, span := p.start(ctx, "exec", sql)
	defer span.End()
	tag, err := p.pool.Exec(ctx, sql, args...)
	if err == nil {
		span.SetAttributes(attribute.Int64("db.rows_affected", tag.RowsAffected()))
	}
	RecordDatabaseError(span, err)
	return tag, err
}

// Begin starts a transaction.
func (p *TracedPool) Begin(ctx context.Context) (pgx.Tx, error) {
	ctx, span := p.start(ctx, "begin", "BEGIN")
	defer span.End()
	tx, err := p.pool.Begin(ctx)
	RecordDatabaseError(span, err)
	return tx, err
}

// RecordDatabaseError marks span as failed when err is set.
func RecordDatabaseError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
