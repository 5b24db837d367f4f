// Package store persists covenants. Both implementations satisfy
// chain.Lookup, so either can back chain resolution directly.
package store

import (
	"context"
	"errors"

	"covenant/pkg/chain"
)

// ErrNotFound is returned by mutating operations on missing
// covenants. Read lookups report absence as (nil, nil) instead, per
// the chain.Lookup contract.
var ErrNotFound = errors.New("covenant not found")

// CovenantStore is the persistence surface covenantd works against.
// Children supports cache invalidation down the delegation tree: a
// rewritten covenant changes what every descendant resolves to.
type CovenantStore interface {
	Put(ctx context.Context, cov *chain.Covenant) error
	Get(ctx context.Context, id string) (*chain.Covenant, error)
	Delete(ctx context.Context, id string) error
	List(ctx context.Context, limit int) ([]*chain.Covenant, error)
	Children(ctx context.Context, parentID string) ([]string, error)
}
