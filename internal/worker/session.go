// Package worker owns the server side of every remote worker connection:
// the per-connection Session state machine and the Manager that tracks the
// live set of sessions and their liveness.
package worker

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/mattj23/gridlike/internal/domain"
	"github.com/mattj23/gridlike/internal/protocol"
)

// State is the server's knowledge of a worker's condition. Only Ready and
// Busy come from information the worker self-reports; the rest track the
// connection flow between worker and server.
type State int

const (
	StateWaitingForRegistration State = iota
	StateRegistered
	StateFailedRegistration
	StateReady
	StateBusy
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateWaitingForRegistration:
		return "waiting_for_registration"
	case StateRegistered:
		return "registered"
	case StateFailedRegistration:
		return "failed_registration"
	case StateReady:
		return "ready"
	case StateBusy:
		return "busy"
	case StateDisconnected:
		return "disconnected"
	}
	return "unknown"
}

// registered reports whether the session has completed a successful
// registration; status reports are only accepted in these states.
func (s State) registered() bool {
	return s == StateRegistered || s == StateReady || s == StateBusy
}

// Authenticator checks a worker's registration handshake.
type Authenticator interface {
	Authenticate(m *protocol.Register) bool
}

// Session is the self-contained handle to one remote worker connection. All
// communication with the remote worker goes through it. The session id is
// assigned at connect time and is not stable across reconnects.
type Session struct {
	id          uuid.UUID
	conn        *websocket.Conn
	auth        Authenticator
	log         *zap.Logger
	connectedAt time.Time

	mu             sync.Mutex
	name           string
	state          State
	disconnectedAt *time.Time
	closed         bool

	writeMu sync.Mutex

	updates  chan uuid.UUID
	results  chan []byte
	failures chan *protocol.JobFailed
	progress chan *protocol.Progress
	done     chan struct{}
}

func NewSession(conn *websocket.Conn, auth Authenticator, log *zap.Logger) *Session {
	id := uuid.New()
	return &Session{
		id:          id,
		conn:        conn,
		auth:        auth,
		log:         log.With(zap.String("worker", id.String())),
		connectedAt: time.Now().UTC(),
		state:       StateWaitingForRegistration,
		updates:     make(chan uuid.UUID, 16),
		results:     make(chan []byte, 4),
		failures:    make(chan *protocol.JobFailed, 4),
		progress:    make(chan *protocol.Progress, 16),
		done:        make(chan struct{}),
	}
}

func (s *Session) ID() uuid.UUID          { return s.id }
func (s *Session) ConnectedAt() time.Time { return s.connectedAt }

func (s *Session) Name() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.name
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Updates emits the session id after every state transition. Closed when the
// session ends.
func (s *Session) Updates() <-chan uuid.UUID { return s.updates }

// Results carries binary result payloads received from the worker. Closed
// when the session ends.
func (s *Session) Results() <-chan []byte { return s.results }

// Failures carries advisory job-failure reports from the worker.
func (s *Session) Failures() <-chan *protocol.JobFailed { return s.failures }

// Progress carries advisory progress reports; the dispatch core does not
// consume them.
func (s *Session) Progress() <-chan *protocol.Progress { return s.progress }

// Done is closed when the receive loop has ended and the session has entered
// the Disconnected state.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) View() domain.WorkerView {
	s.mu.Lock()
	defer s.mu.Unlock()
	return domain.WorkerView{
		ID:             s.id,
		Name:           s.name,
		State:          s.state.String(),
		ConnectedAt:    s.connectedAt,
		DisconnectedAt: s.disconnectedAt,
	}
}

// Run executes the receive loop until the transport errors, closes, or ctx
// is cancelled. It always leaves the session Disconnected.
func (s *Session) Run(ctx context.Context) {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			s.conn.Close()
		case <-stop:
		}
	}()
	defer s.finish()

	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			s.log.Debug("receive loop ended", zap.Error(err))
			return
		}
		switch msgType {
		case websocket.TextMessage:
			s.handleText(data)
		case websocket.BinaryMessage:
			select {
			case s.results <- data:
			default:
				s.log.Warn("dropping binary payload, result buffer full")
			}
		}
	}
}

func (s *Session) finish() {
	now := time.Now().UTC()
	s.mu.Lock()
	s.state = StateDisconnected
	s.disconnectedAt = &now
	s.mu.Unlock()
	s.conn.Close()
	s.emitUpdate()

	// Marking the session closed under the lock keeps late emitUpdate
	// callers off the channels once they are closed.
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	close(s.updates)
	close(s.results)
	close(s.failures)
	close(s.progress)
	close(s.done)
}

func (s *Session) handleText(data []byte) {
	msg, err := protocol.Decode(data)
	if err != nil {
		s.log.Warn("discarding undecodable control frame", zap.Error(err))
		return
	}

	switch m := msg.(type) {
	case *protocol.Register:
		s.handleRegister(m)
	case *protocol.Status:
		s.handleStatus(m)
	case *protocol.Progress:
		select {
		case s.progress <- m:
		default:
		}
	case *protocol.JobFailed:
		s.log.Info("worker reported job failure",
			zap.Stringp("info", m.Info))
		select {
		case s.failures <- m:
		default:
		}
	}
}

func (s *Session) handleRegister(m *protocol.Register) {
	s.mu.Lock()
	if s.state != StateWaitingForRegistration {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	next := StateFailedRegistration
	if s.auth.Authenticate(m) {
		next = StateRegistered
	}

	s.mu.Lock()
	s.name = m.Name
	s.state = next
	s.mu.Unlock()
	s.log.Debug("registration handled",
		zap.String("name", m.Name), zap.Stringer("state", next))
	s.emitUpdate()
}

func (s *Session) handleStatus(m *protocol.Status) {
	s.mu.Lock()
	if !s.state.registered() {
		// Status reports are ignored before registration completes.
		s.mu.Unlock()
		return
	}
	switch m.Status {
	case protocol.StatusBusy:
		s.state = StateBusy
	case protocol.StatusReady:
		s.state = StateReady
	default:
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.emitUpdate()
}

// SetBusy marks the session busy on the server's initiative, when a job is
// handed to it ahead of the worker's own status report.
func (s *Session) SetBusy() {
	s.mu.Lock()
	s.state = StateBusy
	s.mu.Unlock()
	s.emitUpdate()
}

// SendPayload transfers a job input payload to the worker. Best effort:
// transport failures are logged and swallowed, and the disconnect path is
// left to resolve the consequences.
func (s *Session) SendPayload(data []byte) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		s.log.Error("failed sending payload to worker", zap.Error(err))
	}
}

// RequestStatus prompts the worker for an immediate Status reply.
func (s *Session) RequestStatus() error {
	data, err := protocol.Encode(protocol.NewStatusRequest())
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// Close tears down the transport, which ends the receive loop.
func (s *Session) Close() {
	s.conn.Close()
}

func (s *Session) emitUpdate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.updates <- s.id:
	default:
		s.log.Warn("dropping session update, buffer full")
	}
}
