// Package repo defines a small generic repository over Neo4j nodes.
package repo

import (
	"context"
	"errors"
)

// ErrNotFound is returned when no node matches the id.
var ErrNotFound = errors.New("repo: not found")

// Repository is the persistence surface used for reference data.
type Repository[T any, ID comparable] interface {
	Get(ctx context.Context, id ID) (T, error)
	List(ctx context.Context, opts ListOpts) ([]T, error)
	Upsert(ctx context.Context, entity T) error
	Delete(ctx context.Context, id ID) error
}

// ListOpts controls pagination for List.
type ListOpts struct {
	Offset int
	Limit  int
}
