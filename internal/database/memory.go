package database

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/mattj23/gridlike/internal/domain"
)

// Memory is an in-process JobRepository used by tests and for running the
// server without a database.
type Memory struct {
	mu   sync.Mutex
	jobs map[uuid.UUID]domain.Job

	// FailWrites makes every mutating call return an error, letting tests
	// exercise the store's rollback paths.
	FailWrites error
}

func NewMemory() *Memory {
	return &Memory{jobs: make(map[uuid.UUID]domain.Job)}
}

func (m *Memory) Insert(_ context.Context, j *domain.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWrites != nil {
		return m.FailWrites
	}
	m.jobs[j.ID] = *j
	return nil
}

func (m *Memory) Find(_ context.Context, id uuid.UUID) (*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &j, nil
}

func (m *Memory) Update(_ context.Context, j *domain.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWrites != nil {
		return m.FailWrites
	}
	if _, ok := m.jobs[j.ID]; !ok {
		return ErrNotFound
	}
	m.jobs[j.ID] = *j
	return nil
}

func (m *Memory) Delete(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWrites != nil {
		return m.FailWrites
	}
	delete(m.jobs, id)
	return nil
}

func (m *Memory) ListAll(_ context.Context) ([]*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*domain.Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		job := j
		out = append(out, &job)
	}
	return out, nil
}
