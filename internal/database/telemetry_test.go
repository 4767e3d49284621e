package database

import (
	"context"
	"errors"
	"testing"

	"github.com/irfndi/polycorr/internal/models"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newTracedMock(t *testing.T) (*TracedPool, pgxmock.PgxPoolIface, *tracetest.SpanRecorder) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	return NewTracedPoolWithProvider(mock, provider), mock, recorder
}

func spanAttr(span sdktrace.ReadOnlySpan, key attribute.Key) (attribute.Value, bool) {
	for _, kv := range span.Attributes() {
		if kv.Key == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

func TestTracedPool_Exec(t *testing.T) {
	pool, mock, recorder := newTracedMock(t)
	mock.ExpectExec("DELETE FROM price_history").WillReturnResult(pgxmock.NewResult("DELETE", 3))

	_, err := pool.Exec(context.Background(), "DELETE FROM price_history WHERE ts < $1", int64(10))
	require.NoError(t, err)

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "db.exec", spans[0].Name())
	affected, ok := spanAttr(spans[0], "db.rows_affected")
	require.True(t, ok)
	assert.Equal(t, int64(3), affected.AsInt64())
	statement, _ := spanAttr(spans[0], "db.statement")
	assert.Contains(t, statement.AsString(), "price_history")
}

func TestTracedPool_QueryError(t *testing.T) {
	pool, mock, recorder := newTracedMock(t)
	mock.ExpectQuery("SELECT").WillReturnError(errors.New("connection reset"))

	_, err := pool.Query(context.Background(), "SELECT 1")
	require.Error(t, err)

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	assert.Equal(t, "connection reset", spans[0].Status().Description)
}

func TestTracedPool_QueryRowAndBegin(t *testing.T) {
	pool, mock, recorder := newTracedMock(t)
	mock.ExpectQuery("SELECT value FROM metadata").
		WillReturnRows(pgxmock.NewRows([]string{"value"}).AddRow("ok"))
	mock.ExpectBegin()
	mock.ExpectCommit()

	var value string
	require.NoError(t, pool.QueryRow(context.Background(), "SELECT value FROM metadata WHERE key = $1", "k").Scan(&value))
	assert.Equal(t, "ok", value)

	tx, err := pool.Begin(context.Background())
	require.NoError(t, err)
	require.NoError(t, tx.Commit(context.Background()))

	spans := recorder.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, "db.query_row", spans[0].Name())
	assert.Equal(t, "db.begin", spans[1].Name())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTracedPool_RepositoryIntegration(t *testing.T) {
	pool, mock, recorder := newTracedMock(t)
	repo := NewMarketRepository(pool)
	mock.ExpectExec("INSERT INTO metadata").WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, repo.SetMetadata(context.Background(), models.MetaLastRefresh, "2025-01-01T00:00:00Z"))
	assert.Len(t, recorder.Ended(), 1)
}

func TestRecordDatabaseError_NilError(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	_, span := provider.Tracer("test").Start(context.Background(), "op")

	RecordDatabaseError(span, nil)
	span.End()

	assert.Equal(t, codes.Unset, recorder.Ended()[0].Status().Code)
}
