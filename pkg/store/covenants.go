package store

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"covenant/pkg/chain"
)

// DB is the slice of pgx covenantd actually uses; both *pgxpool.Pool
// and test fakes satisfy it.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Postgres stores covenants in a covenants table:
//
//	CREATE TABLE covenants (
//	    id          TEXT PRIMARY KEY,
//	    constraints TEXT NOT NULL,
//	    parent_id   TEXT,
//	    relation    TEXT NOT NULL DEFAULT '',
//	    depth       INT  NOT NULL DEFAULT 0,
//	    created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
//	);
type Postgres struct {
	DB DB
}

func NewPostgres(db DB) *Postgres { return &Postgres{DB: db} }

func (s *Postgres) Put(ctx context.Context, cov *chain.Covenant) error {
	if cov == nil || cov.ID == "" {
		return errors.New("covenant id required")
	}
	var parentID *string
	relation := ""
	depth := 0
	if cov.Chain != nil {
		parentID = &cov.Chain.ParentID
		relation = cov.Chain.Relation
		depth = cov.Chain.Depth
	}
	_, err := s.DB.Exec(ctx, `
		INSERT INTO covenants (id, constraints, parent_id, relation, depth)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (id) DO UPDATE
		SET constraints=EXCLUDED.constraints, parent_id=EXCLUDED.parent_id,
		    relation=EXCLUDED.relation, depth=EXCLUDED.depth
	`, cov.ID, cov.Constraints, parentID, relation, depth)
	return err
}

func (s *Postgres) Get(ctx context.Context, id string) (*chain.Covenant, error) {
	row := s.DB.QueryRow(ctx, `
		SELECT id, constraints, parent_id, relation, depth
		FROM covenants WHERE id=$1
	`, id)
	cov, err := scanCovenant(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return cov, err
}

func (s *Postgres) Delete(ctx context.Context, id string) error {
	cmd, err := s.DB.Exec(ctx, `DELETE FROM covenants WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Postgres) List(ctx context.Context, limit int) ([]*chain.Covenant, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.DB.Query(ctx, `
		SELECT id, constraints, parent_id, relation, depth
		FROM covenants ORDER BY created_at DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*chain.Covenant
	for rows.Next() {
		cov, err := scanCovenant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cov)
	}
	return out, rows.Err()
}

func (s *Postgres) Children(ctx context.Context, parentID string) ([]string, error) {
	rows, err := s.DB.Query(ctx, `SELECT id FROM covenants WHERE parent_id=$1`, parentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func scanCovenant(row pgx.Row) (*chain.Covenant, error) {
	var (
		cov      chain.Covenant
		parentID *string
		relation string
		depth    int
	)
	if err := row.Scan(&cov.ID, &cov.Constraints, &parentID, &relation, &depth); err != nil {
		return nil, err
	}
	if parentID != nil && *parentID != "" {
		cov.Chain = &chain.Reference{ParentID: *parentID, Relation: relation, Depth: depth}
	}
	return &cov, nil
}
