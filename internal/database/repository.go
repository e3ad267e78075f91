// Package database holds the durable side of the job store: a repository
// contract for write-through persistence and cold-start hydration, with a
// Postgres implementation for production and an in-memory one for tests.
package database

import (
	"context"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/mattj23/gridlike/internal/domain"
)

// ErrNotFound is returned when a job id has no durable record.
var ErrNotFound = errors.New("job not found")

// JobRepository is the durable store collaborator used by the job store for
// write-through and cold-start hydration. Implementations must be safe for
// concurrent use.
type JobRepository interface {
	Insert(ctx context.Context, job *domain.Job) error
	Find(ctx context.Context, id uuid.UUID) (*domain.Job, error)
	Update(ctx context.Context, job *domain.Job) error
	Delete(ctx context.Context, id uuid.UUID) error
	ListAll(ctx context.Context) ([]*domain.Job, error)
}
