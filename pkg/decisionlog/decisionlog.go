// Package decisionlog records evaluation verdicts in Postgres. It is
// a plain query log for operators; the hash-chained audit trail with
// Merkle proofs is produced by the external enforcement monitor, not
// here.
package decisionlog

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type logDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Writer struct {
	DB logDB
}

func NewWriter(db logDB) *Writer { return &Writer{DB: db} }

// Record is one evaluated query and its verdict.
//
//	CREATE TABLE decision_records (
//	    decision_id TEXT PRIMARY KEY,
//	    covenant_id TEXT NOT NULL,
//	    action      TEXT NOT NULL,
//	    resource    TEXT NOT NULL,
//	    query_ctx   JSONB,
//	    permitted   BOOLEAN NOT NULL,
//	    severity    TEXT NOT NULL DEFAULT '',
//	    reason      TEXT NOT NULL DEFAULT '',
//	    created_at  TIMESTAMPTZ NOT NULL
//	);
type Record struct {
	DecisionID string
	CovenantID string
	Action     string
	Resource   string
	Context    json.RawMessage
	Permitted  bool
	Severity   string
	Reason     string
	CreatedAt  time.Time
}

func (w *Writer) Append(ctx context.Context, rec Record) error {
	_, err := w.DB.Exec(ctx, `
		INSERT INTO decision_records
		(decision_id, covenant_id, action, resource, query_ctx, permitted, severity, reason, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, rec.DecisionID, rec.CovenantID, rec.Action, rec.Resource, rec.Context,
		rec.Permitted, rec.Severity, rec.Reason, rec.CreatedAt)
	return err
}

func (w *Writer) Get(ctx context.Context, decisionID string) (Record, error) {
	var rec Record
	row := w.DB.QueryRow(ctx, `
		SELECT decision_id, covenant_id, action, resource, query_ctx, permitted, severity, reason, created_at
		FROM decision_records WHERE decision_id=$1
	`, decisionID)
	err := row.Scan(&rec.DecisionID, &rec.CovenantID, &rec.Action, &rec.Resource,
		&rec.Context, &rec.Permitted, &rec.Severity, &rec.Reason, &rec.CreatedAt)
	return rec, err
}
