package database

import (
	"context"
	"database/sql"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	"github.com/pressly/goose"

	"github.com/mattj23/gridlike/internal/domain"
)

// Postgres persists job metadata (source of truth).
type Postgres struct {
	db *pgxpool.Pool
}

func NewPostgres(db *pgxpool.Pool) *Postgres { return &Postgres{db: db} }

// Migrate brings the schema up to date using the goose migrations in dir.
// It takes a database/sql handle because goose drives one; the pool used at
// runtime is opened separately.
func Migrate(db *sql.DB, dir string) error {
	return errors.Wrap(goose.Up(db, dir), "running migrations")
}

func (s *Postgres) Insert(ctx context.Context, j *domain.Job) error {
	_, err := s.db.Exec(ctx, `insert into jobs(
id, key, type, display, status, priority, submitted, started, ended, failure_count, worker_id
) values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		j.ID, j.Key, j.Type, j.Display, j.Status, j.Priority,
		j.Submitted, j.Started, j.Ended, j.FailureCount, j.WorkerID,
	)
	return errors.Wrap(err, "inserting job")
}

func (s *Postgres) Find(ctx context.Context, id uuid.UUID) (*domain.Job, error) {
	row := s.db.QueryRow(ctx, `select
id, key, type, display, status, priority, submitted, started, ended, failure_count, worker_id
from jobs where id = $1`, id)
	j, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return j, errors.Wrap(err, "finding job")
}

func (s *Postgres) Update(ctx context.Context, j *domain.Job) error {
	tag, err := s.db.Exec(ctx, `update jobs set
key = $2, type = $3, display = $4, status = $5, priority = $6,
submitted = $7, started = $8, ended = $9, failure_count = $10, worker_id = $11
where id = $1`,
		j.ID, j.Key, j.Type, j.Display, j.Status, j.Priority,
		j.Submitted, j.Started, j.Ended, j.FailureCount, j.WorkerID,
	)
	if err != nil {
		return errors.Wrap(err, "updating job")
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Postgres) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.Exec(ctx, `delete from jobs where id = $1`, id)
	return errors.Wrap(err, "deleting job")
}

func (s *Postgres) ListAll(ctx context.Context) ([]*domain.Job, error) {
	rows, err := s.db.Query(ctx, `select
id, key, type, display, status, priority, submitted, started, ended, failure_count, worker_id
from jobs`)
	if err != nil {
		return nil, errors.Wrap(err, "listing jobs")
	}
	defer rows.Close()

	var out []*domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scanning job row")
		}
		out = append(out, j)
	}
	return out, errors.Wrap(rows.Err(), "listing jobs")
}

func scanJob(row pgx.Row) (*domain.Job, error) {
	var j domain.Job
	err := row.Scan(&j.ID, &j.Key, &j.Type, &j.Display, &j.Status, &j.Priority,
		&j.Submitted, &j.Started, &j.Ended, &j.FailureCount, &j.WorkerID)
	if err != nil {
		return nil, err
	}
	return &j, nil
}
