// Package store owns the authoritative in-memory set of jobs. Every
// mutation is serialized through a single command loop, mirrored to the
// durable repository, and announced on the update feed. The reservation in
// PickAndReserveNext is the single synchronization point that keeps a job
// from ever being handed to two workers.
package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/mattj23/gridlike/internal/database"
	"github.com/mattj23/gridlike/internal/domain"
)

// ErrDuplicateKey is returned by AddJob when the job's key is already in use.
var ErrDuplicateKey = errors.New("job key already exists")

type JobStore struct {
	log  *zap.Logger
	repo database.JobRepository

	jobs   map[uuid.UUID]*domain.Job
	keys   map[string]uuid.UUID
	loaded bool

	totalJobs     int
	completedJobs int

	updates *domain.Feed[domain.JobUpdate]
	cmds    chan func()
}

func New(repo database.JobRepository, log *zap.Logger) *JobStore {
	return &JobStore{
		log:     log,
		repo:    repo,
		jobs:    make(map[uuid.UUID]*domain.Job),
		keys:    make(map[string]uuid.UUID),
		updates: domain.NewFeed[domain.JobUpdate](),
		cmds:    make(chan func()),
	}
}

// Updates is the store's change-notification feed. One notification is
// emitted per successful mutation, in execution order.
func (s *JobStore) Updates() *domain.Feed[domain.JobUpdate] { return s.updates }

// Run drains the command loop until ctx is cancelled. All state access goes
// through this single goroutine; public methods are safe from any caller.
func (s *JobStore) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case fn := <-s.cmds:
			fn()
		}
	}
}

func (s *JobStore) exec(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	select {
	case s.cmds <- func() { fn(); close(done) }:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AddJob validates the key, persists the job durably and inserts it into the
// in-memory index. On a durable write failure the in-memory insertion is
// rolled back and no notification is emitted.
func (s *JobStore) AddJob(ctx context.Context, job *domain.Job) error {
	var err error
	if execErr := s.exec(ctx, func() { err = s.addJob(ctx, job) }); execErr != nil {
		return execErr
	}
	return err
}

func (s *JobStore) addJob(ctx context.Context, job *domain.Job) error {
	if err := s.ensureLoaded(ctx); err != nil {
		return err
	}
	if job.Key == "" {
		job.Key = job.ID.String()
	}
	if _, exists := s.keys[job.Key]; exists {
		return errors.Wrapf(ErrDuplicateKey, "key %q", job.Key)
	}

	stored := *job
	s.keys[stored.Key] = stored.ID
	s.jobs[stored.ID] = &stored

	if err := s.repo.Insert(ctx, &stored); err != nil {
		delete(s.keys, stored.Key)
		delete(s.jobs, stored.ID)
		return errors.Wrap(err, "persisting new job")
	}

	s.totalJobs++
	s.publish(domain.UpdateAdd, &stored)
	return nil
}

// GetJob looks a job up by its client-facing key. Returns nil when no such
// job exists.
func (s *JobStore) GetJob(ctx context.Context, key string) (*domain.Job, error) {
	var (
		job *domain.Job
		err error
	)
	if execErr := s.exec(ctx, func() {
		if err = s.ensureLoaded(ctx); err != nil {
			return
		}
		if id, ok := s.keys[key]; ok {
			if j, ok := s.jobs[id]; ok {
				copied := *j
				job = &copied
			}
		}
	}); execErr != nil {
		return nil, execErr
	}
	return job, err
}

// GetAllViews returns a snapshot of every job in the store, hydrating the
// index from durable storage on first access.
func (s *JobStore) GetAllViews(ctx context.Context) ([]domain.JobView, error) {
	var (
		views []domain.JobView
		err   error
	)
	if execErr := s.exec(ctx, func() {
		if err = s.ensureLoaded(ctx); err != nil {
			return
		}
		views = make([]domain.JobView, 0, len(s.jobs))
		for _, j := range s.jobs {
			views = append(views, j.View())
		}
	}); execErr != nil {
		return nil, execErr
	}
	return views, err
}

// Counts reports the total and completed job counters.
func (s *JobStore) Counts(ctx context.Context) (total, completed int, err error) {
	err = s.exec(ctx, func() {
		total = s.totalJobs
		completed = s.completedJobs
	})
	return total, completed, err
}

// PickAndReserveNext atomically selects one pending job, marks it running
// and stamps its start time. Immediate jobs strictly preempt batch jobs;
// within a tier the oldest submission wins. Returns nil when nothing is
// pending.
func (s *JobStore) PickAndReserveNext(ctx context.Context) (*domain.Job, error) {
	var (
		job *domain.Job
		err error
	)
	if execErr := s.exec(ctx, func() {
		if err = s.ensureLoaded(ctx); err != nil {
			return
		}
		target := s.nextPending()
		if target == nil {
			return
		}
		target.Status = domain.StatusRunning
		target.Started = time.Now().UTC()
		s.log.Debug("job reserved and set as running", zap.String("key", target.Key))
		s.publish(domain.UpdateChange, target)
		copied := *target
		job = &copied
	}); execErr != nil {
		return nil, execErr
	}
	return job, err
}

func (s *JobStore) nextPending() *domain.Job {
	var best *domain.Job
	for _, j := range s.jobs {
		if j.Status != domain.StatusPending {
			continue
		}
		if best == nil {
			best = j
			continue
		}
		if j.Priority != best.Priority {
			if j.Priority == domain.PriorityImmediate {
				best = j
			}
			continue
		}
		if j.Submitted.Before(best.Submitted) {
			best = j
		}
	}
	return best
}

// AssignWorker records the worker a job was handed to.
func (s *JobStore) AssignWorker(ctx context.Context, jobID, workerID uuid.UUID) error {
	return s.exec(ctx, func() {
		job, ok := s.jobs[jobID]
		if !ok {
			return
		}
		id := workerID
		job.WorkerID = &id
		s.publish(domain.UpdateChange, job)
	})
}

// SetPending reverts a running job to pending so another worker may pick it
// up. Unknown job ids are a no-op.
func (s *JobStore) SetPending(ctx context.Context, jobID uuid.UUID) error {
	var err error
	if execErr := s.exec(ctx, func() {
		job, ok := s.jobs[jobID]
		if !ok {
			return
		}
		prev := job.Status
		job.Status = domain.StatusPending
		if err = s.repo.Update(ctx, job); err != nil {
			job.Status = prev
			err = errors.Wrap(err, "persisting pending status")
			return
		}
		s.publish(domain.UpdateChange, job)
	}); execErr != nil {
		return execErr
	}
	return err
}

// SetDone marks a job complete, stamps its end time and bumps the completed
// counter.
func (s *JobStore) SetDone(ctx context.Context, jobID uuid.UUID) error {
	var err error
	if execErr := s.exec(ctx, func() {
		job, ok := s.jobs[jobID]
		if !ok {
			return
		}
		prev := *job
		job.Status = domain.StatusDone
		job.Ended = time.Now().UTC()
		if err = s.repo.Update(ctx, job); err != nil {
			*job = prev
			err = errors.Wrap(err, "persisting done status")
			return
		}
		s.completedJobs++
		s.publish(domain.UpdateChange, job)
	}); execErr != nil {
		return execErr
	}
	return err
}

// ReportFailure bumps a job's failure count. Advisory only: the status and
// the dispatch state are untouched.
func (s *JobStore) ReportFailure(ctx context.Context, jobID uuid.UUID) error {
	var err error
	if execErr := s.exec(ctx, func() {
		job, ok := s.jobs[jobID]
		if !ok {
			return
		}
		job.FailureCount++
		if err = s.repo.Update(ctx, job); err != nil {
			job.FailureCount--
			err = errors.Wrap(err, "persisting failure count")
			return
		}
		s.publish(domain.UpdateChange, job)
	}); execErr != nil {
		return execErr
	}
	return err
}

// RemoveJob deletes a job from the index and from durable storage. Cleanup
// of the job's blob payloads is the caller's responsibility.
func (s *JobStore) RemoveJob(ctx context.Context, job *domain.Job) error {
	var err error
	if execErr := s.exec(ctx, func() {
		stored, ok := s.jobs[job.ID]
		if !ok {
			return
		}
		delete(s.keys, stored.Key)
		delete(s.jobs, stored.ID)
		if err = s.repo.Delete(ctx, stored.ID); err != nil {
			s.keys[stored.Key] = stored.ID
			s.jobs[stored.ID] = stored
			err = errors.Wrap(err, "deleting job durably")
			return
		}
		s.recount()
		s.publish(domain.UpdateDelete, stored)
	}); execErr != nil {
		return execErr
	}
	return err
}

func (s *JobStore) recount() {
	s.totalJobs = len(s.jobs)
	completed := 0
	for _, j := range s.jobs {
		if j.Status == domain.StatusDone {
			completed++
		}
	}
	s.completedJobs = completed
}

// ensureLoaded hydrates the index from durable storage exactly once, on the
// first access after a cold start.
func (s *JobStore) ensureLoaded(ctx context.Context) error {
	if s.loaded {
		return nil
	}
	jobs, err := s.repo.ListAll(ctx)
	if err != nil {
		return errors.Wrap(err, "hydrating job index")
	}
	for _, j := range jobs {
		s.jobs[j.ID] = j
		s.keys[j.Key] = j.ID
	}
	s.recount()
	s.loaded = true
	s.log.Info("job index hydrated", zap.Int("jobs", len(jobs)))
	return nil
}

func (s *JobStore) publish(kind domain.UpdateKind, job *domain.Job) {
	s.updates.Publish(domain.JobUpdate{Kind: kind, Job: job.View()})
}
