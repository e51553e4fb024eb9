package db

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/migadu/autocrypt/logger"
)

type traceStartKey struct{}

type traceStart struct {
	sql   string
	start time.Time
}

// CustomTracer logs every query with its duration. Enabled by
// store.postgres.log_queries.
type CustomTracer struct{}

func (t *CustomTracer) TraceQueryStart(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	return context.WithValue(ctx, traceStartKey{}, traceStart{sql: data.SQL, start: time.Now()})
}

func (t *CustomTracer) TraceQueryEnd(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryEndData) {
	ts, ok := ctx.Value(traceStartKey{}).(traceStart)
	if !ok {
		return
	}
	if data.Err != nil {
		logger.Debug("SQL query failed", "sql", ts.sql, "duration", time.Since(ts.start), "error", data.Err)
		return
	}
	logger.Debug("SQL query", "sql", ts.sql, "duration", time.Since(ts.start), "tag", data.CommandTag.String())
}
