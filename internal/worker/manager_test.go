package worker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap/zaptest"

	"github.com/mattj23/gridlike/internal/protocol"
)

type fakeDispatcher struct {
	mu           sync.Mutex
	ready        []uuid.UUID
	disconnected []uuid.UUID
	results      chan uuid.UUID
}

func newFakeDispatcher() *fakeDispatcher {
	return &fakeDispatcher{results: make(chan uuid.UUID, 8)}
}

func (f *fakeDispatcher) AddReadyWorker(w *Session) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ready = append(f.ready, w.ID())
}

func (f *fakeDispatcher) NotifyWorkerDisconnect(id uuid.UUID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnected = append(f.disconnected, id)
}

func (f *fakeDispatcher) ResultReceived() <-chan uuid.UUID { return f.results }

func (f *fakeDispatcher) readyCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.ready)
}

func (f *fakeDispatcher) disconnectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.disconnected)
}

func startManager(t *testing.T) (*Manager, *fakeDispatcher, string) {
	t.Helper()
	dispatcher := newFakeDispatcher()
	cfg := ManagerConfig{
		RegistrationDeadline: 100 * time.Millisecond,
		RemovalDelay:         200 * time.Millisecond,
		SweepInterval:        50 * time.Millisecond,
	}
	m := NewManager(dispatcher, tokenAuth{token: "secret"}, cfg, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go m.Run(ctx)

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		<-m.Admit(r.Context(), conn)
	}))
	t.Cleanup(srv.Close)

	return m, dispatcher, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dialing: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestAdmitTracksSession(t *testing.T) {
	m, _, url := startManager(t)
	client := dial(t, url)
	sendText(t, client, protocol.NewRegister("w1", "secret"))

	eventually(t, "session to appear", func() bool {
		views, err := m.GetAllViews(context.Background())
		return err == nil && len(views) == 1 && views[0].Name == "w1"
	})
}

func TestUnregisteredSessionKicked(t *testing.T) {
	m, _, url := startManager(t)
	client := dial(t, url)

	// Never registers; the deadline sweep must dispose of it.
	eventually(t, "session to be kicked", func() bool {
		views, err := m.GetAllViews(context.Background())
		return err == nil && len(views) == 0
	})

	// The connection itself was torn down.
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := client.ReadMessage(); err == nil {
		t.Error("expected read on kicked connection to fail")
	}
}

func TestFailedRegistrationKicked(t *testing.T) {
	m, _, url := startManager(t)
	client := dial(t, url)
	sendText(t, client, protocol.NewRegister("imposter", "wrong"))

	eventually(t, "failed registration to be kicked", func() bool {
		views, err := m.GetAllViews(context.Background())
		return err == nil && len(views) == 0
	})
}

func TestRegisteredWorkerIsPromptedForStatus(t *testing.T) {
	_, _, url := startManager(t)
	client := dial(t, url)
	sendText(t, client, protocol.NewRegister("w1", "secret"))

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := client.ReadMessage()
	if err != nil {
		t.Fatalf("reading prompt: %v", err)
	}
	msg, err := protocol.Decode(data)
	if err != nil {
		t.Fatalf("decoding prompt: %v", err)
	}
	if msg.MessageCode() != protocol.CodeStatusRequest {
		t.Errorf("expected status request after registration, got %v", msg.MessageCode())
	}
}

func TestReadyWorkerHandedToDispatcher(t *testing.T) {
	_, dispatcher, url := startManager(t)
	client := dial(t, url)
	sendText(t, client, protocol.NewRegister("w1", "secret"))
	sendText(t, client, protocol.NewStatus(protocol.StatusReady))

	eventually(t, "dispatcher to receive ready worker", func() bool {
		return dispatcher.readyCount() >= 1
	})
}

func TestDisconnectNotifiesDispatcherAndRemoves(t *testing.T) {
	m, dispatcher, url := startManager(t)
	client := dial(t, url)
	sendText(t, client, protocol.NewRegister("w1", "secret"))

	eventually(t, "session to appear", func() bool {
		views, err := m.GetAllViews(context.Background())
		return err == nil && len(views) == 1
	})

	client.Close()

	eventually(t, "dispatcher disconnect notification", func() bool {
		return dispatcher.disconnectCount() >= 1
	})
	// After the removal delay the registry entry is dropped.
	eventually(t, "session removal", func() bool {
		views, err := m.GetAllViews(context.Background())
		return err == nil && len(views) == 0
	})
}

func TestResultReceivedPromptsWorker(t *testing.T) {
	m, dispatcher, url := startManager(t)
	client := dial(t, url)
	sendText(t, client, protocol.NewRegister("w1", "secret"))

	var workerID uuid.UUID
	eventually(t, "session to appear", func() bool {
		views, err := m.GetAllViews(context.Background())
		if err != nil || len(views) != 1 {
			return false
		}
		workerID = views[0].ID
		return true
	})

	// Drain the registration-time status request first.
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := client.ReadMessage(); err != nil {
		t.Fatalf("reading registration prompt: %v", err)
	}

	dispatcher.results <- workerID

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := client.ReadMessage()
	if err != nil {
		t.Fatalf("reading prompt: %v", err)
	}
	msg, err := protocol.Decode(data)
	if err != nil {
		t.Fatalf("decoding prompt: %v", err)
	}
	if msg.MessageCode() != protocol.CodeStatusRequest {
		t.Errorf("expected status request after result, got %v", msg.MessageCode())
	}
}
