// Package blob abstracts the storage backend holding job input and result
// payloads. Inputs are stored under "{jobId}.job" and results under
// "{jobId}.result".
package blob

import (
	"context"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// ErrNotFound is returned when a named payload does not exist.
var ErrNotFound = errors.New("blob not found")

// Provider stores and retrieves opaque binary payloads by name.
type Provider interface {
	PutFile(ctx context.Context, name string, data []byte) error
	GetFile(ctx context.Context, name string) ([]byte, error)
	DeleteFile(ctx context.Context, name string) error
}

// JobFile is the storage name for a job's input payload.
func JobFile(id uuid.UUID) string { return id.String() + ".job" }

// ResultFile is the storage name for a job's result payload.
func ResultFile(id uuid.UUID) string { return id.String() + ".result" }
