package decisionlog

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type fakeDB struct {
	execSQL  string
	execArgs []any
	execErr  error
	row      pgx.Row
}

func (db *fakeDB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	db.execSQL = sql
	db.execArgs = args
	return pgconn.CommandTag{}, db.execErr
}

func (db *fakeDB) QueryRow(_ context.Context, _ string, _ ...any) pgx.Row {
	return db.row
}

type fakeRow struct {
	rec Record
	err error
}

func (r *fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	*dest[0].(*string) = r.rec.DecisionID
	*dest[1].(*string) = r.rec.CovenantID
	*dest[2].(*string) = r.rec.Action
	*dest[3].(*string) = r.rec.Resource
	*dest[4].(*json.RawMessage) = r.rec.Context
	*dest[5].(*bool) = r.rec.Permitted
	*dest[6].(*string) = r.rec.Severity
	*dest[7].(*string) = r.rec.Reason
	*dest[8].(*time.Time) = r.rec.CreatedAt
	return nil
}

func TestAppend(t *testing.T) {
	db := &fakeDB{}
	w := NewWriter(db)
	rec := Record{
		DecisionID: "d1",
		CovenantID: "c1",
		Action:     "file.read",
		Resource:   "/data/x",
		Context:    json.RawMessage(`{"env":"prod"}`),
		Permitted:  true,
		CreatedAt:  time.Now().UTC(),
	}
	if err := w.Append(context.Background(), rec); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if len(db.execArgs) != 9 || db.execArgs[0] != "d1" || db.execArgs[1] != "c1" {
		t.Fatalf("unexpected insert args: %v", db.execArgs)
	}
}

func TestAppendError(t *testing.T) {
	db := &fakeDB{execErr: fmt.Errorf("connection reset")}
	if err := NewWriter(db).Append(context.Background(), Record{}); err == nil {
		t.Fatalf("expected exec error")
	}
}

func TestGet(t *testing.T) {
	want := Record{
		DecisionID: "d1",
		CovenantID: "c1",
		Action:     "file.read",
		Resource:   "/data/x",
		Permitted:  false,
		Severity:   "high",
		Reason:     "denied by rule",
		CreatedAt:  time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	db := &fakeDB{row: &fakeRow{rec: want}}
	got, err := NewWriter(db).Get(context.Background(), "d1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.DecisionID != "d1" || got.Severity != "high" || !got.CreatedAt.Equal(want.CreatedAt) {
		t.Fatalf("unexpected record: %+v", got)
	}
}

func TestGetMiss(t *testing.T) {
	db := &fakeDB{row: &fakeRow{err: pgx.ErrNoRows}}
	if _, err := NewWriter(db).Get(context.Background(), "nope"); err != pgx.ErrNoRows {
		t.Fatalf("err = %v, want pgx.ErrNoRows", err)
	}
}
