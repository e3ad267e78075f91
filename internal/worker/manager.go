package worker

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/mattj23/gridlike/internal/domain"
)

// JobDispatcher is the matching engine the manager feeds with idle workers
// and disconnect notifications.
type JobDispatcher interface {
	AddReadyWorker(w *Session)
	NotifyWorkerDisconnect(id uuid.UUID)

	// ResultReceived announces workers that just returned a result, so the
	// manager can prompt them for their next status report.
	ResultReceived() <-chan uuid.UUID
}

// ManagerConfig holds the liveness policy timers.
type ManagerConfig struct {
	// RegistrationDeadline bounds how long an admitted connection may stay
	// unregistered before it is kicked.
	RegistrationDeadline time.Duration

	// RemovalDelay is how long a disconnected session lingers in the
	// registry so late-arriving notifications still resolve it.
	RemovalDelay time.Duration

	// SweepInterval is the period of the re-request sweep over sessions
	// stuck in the Registered state.
	SweepInterval time.Duration
}

// DefaultManagerConfig mirrors the server's standard liveness timers.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		RegistrationDeadline: 500 * time.Millisecond,
		RemovalDelay:         10 * time.Second,
		SweepInterval:        5 * time.Second,
	}
}

// Manager owns the set of live worker sessions for their whole lifetime. It
// serializes all registry mutations through a single command loop and
// republishes per-session state changes to the dispatcher and to external
// listeners.
type Manager struct {
	log        *zap.Logger
	auth       Authenticator
	dispatcher JobDispatcher
	cfg        ManagerConfig

	sessions map[uuid.UUID]*Session
	updates  *domain.Feed[domain.WorkerUpdate]

	cmds    chan func()
	stopped chan struct{}
}

func NewManager(dispatcher JobDispatcher, auth Authenticator, cfg ManagerConfig, log *zap.Logger) *Manager {
	return &Manager{
		log:        log,
		auth:       auth,
		dispatcher: dispatcher,
		cfg:        cfg,
		sessions:   make(map[uuid.UUID]*Session),
		updates:    domain.NewFeed[domain.WorkerUpdate](),
		cmds:       make(chan func()),
		stopped:    make(chan struct{}),
	}
}

// Updates is the registry's change-notification feed for external listeners.
func (m *Manager) Updates() *domain.Feed[domain.WorkerUpdate] { return m.updates }

// Run drains the command loop, runs the periodic status sweep and consumes
// the dispatcher's result announcements until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	defer close(m.stopped)
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case fn := <-m.cmds:
			fn()
		case <-ticker.C:
			m.sweep()
		case id := <-m.dispatcher.ResultReceived():
			m.promptStatus(id)
		}
	}
}

func (m *Manager) enqueue(fn func()) {
	select {
	case m.cmds <- fn:
	case <-m.stopped:
	}
}

// Admit takes ownership of a fresh connection: it constructs a session,
// starts its receive loop, arms the registration deadline, and returns a
// channel that closes when the session terminates.
func (m *Manager) Admit(ctx context.Context, conn *websocket.Conn) <-chan struct{} {
	m.log.Debug("new worker connecting")
	sess := NewSession(conn, m.auth, m.log)

	m.enqueue(func() {
		m.sessions[sess.ID()] = sess
		m.publish(domain.UpdateAdd, sess)
	})

	go sess.Run(ctx)
	go func() {
		for id := range sess.Updates() {
			m.enqueue(func() { m.handleSessionUpdate(id) })
		}
	}()
	go m.forwardProgress(sess)

	time.AfterFunc(m.cfg.RegistrationDeadline, func() {
		m.enqueue(func() { m.kickIfUnregistered(sess.ID()) })
	})

	return sess.Done()
}

// GetAllViews snapshots every tracked session.
func (m *Manager) GetAllViews(ctx context.Context) ([]domain.WorkerView, error) {
	var views []domain.WorkerView
	done := make(chan struct{})
	m.enqueue(func() {
		views = make([]domain.WorkerView, 0, len(m.sessions))
		for _, sess := range m.sessions {
			views = append(views, sess.View())
		}
		close(done)
	})
	select {
	case <-done:
		return views, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// handleSessionUpdate reacts to a session's state transition. Runs on the
// command loop.
func (m *Manager) handleSessionUpdate(id uuid.UUID) {
	sess, ok := m.sessions[id]
	if !ok {
		return
	}

	switch sess.State() {
	case StateDisconnected:
		// Leave the entry in place for a while so anything still holding a
		// reference can observe the disconnect, then try to drop it.
		time.AfterFunc(m.cfg.RemovalDelay, func() {
			m.enqueue(func() { m.remove(id) })
		})
		m.dispatcher.NotifyWorkerDisconnect(id)
	case StateRegistered:
		// Freshly registered, prompt it for its first status report.
		if err := sess.RequestStatus(); err != nil {
			m.log.Warn("status request failed", zap.String("worker", id.String()), zap.Error(err))
		}
	case StateReady:
		m.dispatcher.AddReadyWorker(sess)
	}

	m.publish(domain.UpdateChange, sess)
}

func (m *Manager) remove(id uuid.UUID) {
	sess, ok := m.sessions[id]
	if !ok || sess.State() != StateDisconnected {
		return
	}
	delete(m.sessions, id)
	m.publish(domain.UpdateDelete, sess)
}

// kickIfUnregistered disposes a session that never completed the handshake,
// bounding the resources a silent connection can hold.
func (m *Manager) kickIfUnregistered(id uuid.UUID) {
	sess, ok := m.sessions[id]
	if !ok {
		return
	}
	state := sess.State()
	if state == StateWaitingForRegistration || state == StateFailedRegistration {
		m.log.Info("kicking worker for lack of registration",
			zap.String("worker", id.String()), zap.Stringer("state", state))
		delete(m.sessions, id)
		sess.Close()
		m.publish(domain.UpdateDelete, sess)
	}
}

// sweep re-requests status from sessions stuck in Registered: workers that
// registered but never reported readiness.
func (m *Manager) sweep() {
	for _, sess := range m.sessions {
		if sess.State() == StateRegistered {
			if err := sess.RequestStatus(); err != nil {
				m.log.Warn("status request failed",
					zap.String("worker", sess.ID().String()), zap.Error(err))
			}
		}
	}
}

// promptStatus asks a worker that just returned a result what it wants next.
func (m *Manager) promptStatus(id uuid.UUID) {
	sess, ok := m.sessions[id]
	if !ok {
		return
	}
	if err := sess.RequestStatus(); err != nil {
		m.log.Warn("status request failed", zap.String("worker", id.String()), zap.Error(err))
	}
}

func (m *Manager) forwardProgress(sess *Session) {
	for p := range sess.Progress() {
		m.log.Debug("worker progress",
			zap.String("worker", sess.ID().String()),
			zap.Float64p("percent", p.Percent),
			zap.Stringp("info", p.Info))
	}
}

func (m *Manager) publish(kind domain.UpdateKind, sess *Session) {
	m.updates.Publish(domain.WorkerUpdate{Kind: kind, Worker: sess.View()})
}
