// Package dispatch contains the matching engine that binds idle workers to
// eligible jobs, streams payloads between blob storage and the worker
// socket, and requeues work lost to worker disconnects.
package dispatch

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mattj23/gridlike/internal/blob"
	"github.com/mattj23/gridlike/internal/domain"
	"github.com/mattj23/gridlike/internal/protocol"
	"github.com/mattj23/gridlike/internal/store"
	"github.com/mattj23/gridlike/internal/worker"
)

// DefaultTick is the period of the self-healing dispatch sweep that catches
// any trigger lost between job-added and worker-ready notifications.
const DefaultTick = 5 * time.Second

// binding is the ephemeral association between a job in flight and the
// worker processing it. At most one exists per worker id and per job id.
type binding struct {
	jobID  uuid.UUID
	cancel chan struct{}
}

type Dispatcher struct {
	log   *zap.Logger
	jobs  *store.JobStore
	blobs blob.Provider
	tick  time.Duration

	waiting map[uuid.UUID]*worker.Session
	active  map[uuid.UUID]*binding

	resultReceived chan uuid.UUID

	cmds    chan func()
	stopped chan struct{}
	runCtx  context.Context
}

func New(jobs *store.JobStore, blobs blob.Provider, tick time.Duration, log *zap.Logger) *Dispatcher {
	if tick <= 0 {
		tick = DefaultTick
	}
	return &Dispatcher{
		log:            log,
		jobs:           jobs,
		blobs:          blobs,
		tick:           tick,
		waiting:        make(map[uuid.UUID]*worker.Session),
		active:         make(map[uuid.UUID]*binding),
		resultReceived: make(chan uuid.UUID, 32),
		cmds:           make(chan func()),
		stopped:        make(chan struct{}),
	}
}

// ResultReceived announces the worker id each time a result payload has been
// stored, so the registry can prompt the worker for its next status.
func (d *Dispatcher) ResultReceived() <-chan uuid.UUID { return d.resultReceived }

// Run drives the matching engine until ctx is cancelled. Dispatch attempts
// fire on job-added notifications, on workers entering Ready, and on a
// periodic tick.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.runCtx = ctx
	defer close(d.stopped)

	updates, cancel := d.jobs.Updates().Subscribe()
	defer cancel()
	ticker := time.NewTicker(d.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case fn := <-d.cmds:
			fn()
		case u := <-updates:
			if u.Kind == domain.UpdateAdd {
				d.dispatchAll()
			}
		case <-ticker.C:
			d.dispatchAll()
		}
	}
}

func (d *Dispatcher) enqueue(fn func()) {
	select {
	case d.cmds <- fn:
	case <-d.stopped:
	}
}

// AddReadyWorker offers an idle worker to the matching engine. Safe from any
// caller.
func (d *Dispatcher) AddReadyWorker(w *worker.Session) {
	d.enqueue(func() {
		if w.State() != worker.StateReady {
			return
		}
		// A worker reporting ready while a binding still exists means its
		// previous job never produced a result; requeue it.
		d.releaseBinding(w.ID())
		d.waiting[w.ID()] = w
		d.dispatchAll()
	})
}

// NotifyWorkerDisconnect requeues whatever job the lost worker was bound to.
// This is the sole retry mechanism: the job re-enters the pending pool with
// no cap on attempts.
func (d *Dispatcher) NotifyWorkerDisconnect(id uuid.UUID) {
	d.enqueue(func() {
		delete(d.waiting, id)
		d.releaseBinding(id)
	})
}

// releaseBinding drops a worker's active binding, if any, and reverts its
// job to pending. Runs on the command loop.
func (d *Dispatcher) releaseBinding(workerID uuid.UUID) {
	b, ok := d.active[workerID]
	if !ok {
		return
	}
	delete(d.active, workerID)
	close(b.cancel)
	if err := d.jobs.SetPending(d.runCtx, b.jobID); err != nil {
		d.log.Error("failed requeueing job after worker loss",
			zap.String("job", b.jobID.String()), zap.Error(err))
	}
}

// dispatchAll pairs workers with jobs until either no idle worker or no
// pickable job remains. Runs on the command loop.
func (d *Dispatcher) dispatchAll() {
	for d.dispatchOne() {
	}
}

func (d *Dispatcher) dispatchOne() bool {
	if len(d.waiting) == 0 {
		return false
	}

	reserved, err := d.jobs.PickAndReserveNext(d.runCtx)
	if err != nil {
		d.log.Error("job reservation failed", zap.Error(err))
		return false
	}
	if reserved == nil {
		return false
	}

	// Selection among idle workers is unordered; any one qualifies.
	var w *worker.Session
	for id, sess := range d.waiting {
		w = sess
		delete(d.waiting, id)
		break
	}

	w.SetBusy()
	b := &binding{jobID: reserved.ID, cancel: make(chan struct{})}
	d.active[w.ID()] = b

	if err := d.jobs.AssignWorker(d.runCtx, reserved.ID, w.ID()); err != nil {
		d.log.Warn("failed recording job assignment", zap.Error(err))
	}

	d.log.Debug("dispatching job to worker",
		zap.String("job", reserved.Key), zap.String("worker", w.Name()))

	go d.watch(w, b)
	go d.transfer(reserved, w)
	return true
}

// watch consumes one worker's result stream for the lifetime of a binding.
func (d *Dispatcher) watch(w *worker.Session, b *binding) {
	for {
		select {
		case payload, ok := <-w.Results():
			if !ok {
				return
			}
			d.enqueue(func() { d.handleResult(w.ID(), payload) })
			return
		case f, ok := <-w.Failures():
			if !ok {
				return
			}
			d.enqueue(func() { d.handleFailure(w.ID(), f) })
		case <-b.cancel:
			return
		}
	}
}

// transfer fetches the job's input payload and sends it to the worker. Runs
// off the command loop so a slow transfer never blocks dispatch decisions.
// Send failures are not retried; the job stays Running until the worker
// completes it or disconnects.
func (d *Dispatcher) transfer(job *domain.Job, w *worker.Session) {
	data, err := d.blobs.GetFile(d.runCtx, blob.JobFile(job.ID))
	if err != nil {
		d.log.Error("failed fetching job payload",
			zap.String("job", job.Key), zap.Error(err))
		return
	}
	w.SendPayload(data)
}

// handleResult stores a returned result payload, marks the job done and
// announces the completion. Runs on the command loop; the storage and
// persistence I/O runs off it.
func (d *Dispatcher) handleResult(workerID uuid.UUID, payload []byte) {
	b, ok := d.active[workerID]
	if !ok {
		return
	}
	delete(d.active, workerID)
	d.log.Debug("received result from worker", zap.String("worker", workerID.String()))

	go func() {
		if err := d.blobs.PutFile(d.runCtx, blob.ResultFile(b.jobID), payload); err != nil {
			d.log.Error("failed storing result payload",
				zap.String("job", b.jobID.String()), zap.Error(err))
			return
		}
		if err := d.jobs.SetDone(d.runCtx, b.jobID); err != nil {
			d.log.Error("failed marking job done",
				zap.String("job", b.jobID.String()), zap.Error(err))
			return
		}
		select {
		case d.resultReceived <- workerID:
		default:
		}
	}()
}

// handleFailure feeds an advisory failure report into the job's failure
// count. No status transition and no requeue happen here.
func (d *Dispatcher) handleFailure(workerID uuid.UUID, f *protocol.JobFailed) {
	b, ok := d.active[workerID]
	if !ok {
		return
	}
	d.log.Info("job reported failed by worker",
		zap.String("job", b.jobID.String()),
		zap.String("worker", workerID.String()),
		zap.Stringp("info", f.Info))
	if err := d.jobs.ReportFailure(d.runCtx, b.jobID); err != nil {
		d.log.Error("failed recording failure report", zap.Error(err))
	}
}
