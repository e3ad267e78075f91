package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/mattj23/gridlike/internal/blob"
	"github.com/mattj23/gridlike/internal/database"
	"github.com/mattj23/gridlike/internal/dispatch"
	"github.com/mattj23/gridlike/internal/domain"
	"github.com/mattj23/gridlike/internal/protocol"
	"github.com/mattj23/gridlike/internal/store"
	"github.com/mattj23/gridlike/internal/worker"
)

type tokenAuth struct {
	token string
}

func (a tokenAuth) Authenticate(m *protocol.Register) bool {
	return m.Token == a.token
}

type env struct {
	srv   *httptest.Server
	jobs  *store.JobStore
	blobs blob.Provider
}

func startServer(t *testing.T, apiKey string) *env {
	t.Helper()
	log := zaptest.NewLogger(t)

	jobs := store.New(database.NewMemory(), log)
	blobs := blob.NewFilesystem(t.TempDir())
	dispatcher := dispatch.New(jobs, blobs, time.Second, log)
	workers := worker.NewManager(dispatcher, tokenAuth{token: "secret"}, worker.DefaultManagerConfig(), log)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go jobs.Run(ctx)
	go workers.Run(ctx)
	go dispatcher.Run(ctx)

	server := New(jobs, workers, blobs, apiKey, log)
	srv := httptest.NewServer(server.Router())
	t.Cleanup(srv.Close)

	return &env{srv: srv, jobs: jobs, blobs: blobs}
}

// submitForm builds the multipart body the submission endpoint expects.
func submitForm(t *testing.T, fields map[string]string, payload []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatalf("writing field %s: %v", k, err)
		}
	}
	if payload != nil {
		fw, err := mw.CreateFormFile("payload", "payload.bin")
		if err != nil {
			t.Fatalf("creating payload part: %v", err)
		}
		if _, err := fw.Write(payload); err != nil {
			t.Fatalf("writing payload: %v", err)
		}
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("closing form: %v", err)
	}
	return &buf, mw.FormDataContentType()
}

func (e *env) submit(t *testing.T, fields map[string]string, payload []byte) *http.Response {
	t.Helper()
	body, contentType := submitForm(t, fields, payload)
	resp, err := http.Post(e.srv.URL+"/api/jobs/submit", contentType, body)
	if err != nil {
		t.Fatalf("posting job: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
}

func TestSubmitAndList(t *testing.T) {
	e := startServer(t, "")

	resp := e.submit(t, map[string]string{
		"priority":    "immediate",
		"key":         "render-42",
		"type":        "render",
		"description": "frame 42",
	}, []byte("scene data"))
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("submit status = %d", resp.StatusCode)
	}

	var created struct {
		Created string `json:"created"`
		ID      string `json:"id"`
	}
	decodeBody(t, resp, &created)
	if created.Created != "render-42" {
		t.Errorf("created key = %q", created.Created)
	}

	listResp, err := http.Get(e.srv.URL + "/api/jobs")
	if err != nil {
		t.Fatalf("listing jobs: %v", err)
	}
	defer listResp.Body.Close()
	if listResp.StatusCode != http.StatusOK {
		t.Fatalf("list status = %d", listResp.StatusCode)
	}

	var views []domain.JobView
	decodeBody(t, listResp, &views)
	if len(views) != 1 {
		t.Fatalf("got %d jobs, want 1", len(views))
	}
	if views[0].Key != "render-42" || views[0].Type != "render" {
		t.Errorf("listed job = %+v", views[0])
	}
	if views[0].Status != domain.StatusPending {
		t.Errorf("status = %s, want pending", views[0].Status)
	}

	// The payload landed in blob storage under the job's id.
	job, err := e.jobs.GetJob(context.Background(), "render-42")
	if err != nil || job == nil {
		t.Fatalf("job lookup: %v, %v", job, err)
	}
	data, err := e.blobs.GetFile(context.Background(), blob.JobFile(job.ID))
	if err != nil {
		t.Fatalf("payload lookup: %v", err)
	}
	if !bytes.Equal(data, []byte("scene data")) {
		t.Errorf("stored payload = %q", data)
	}
}

func TestSubmitWithoutKeyUsesJobID(t *testing.T) {
	e := startServer(t, "")

	resp := e.submit(t, map[string]string{"priority": "batch"}, []byte("x"))
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("submit status = %d", resp.StatusCode)
	}

	var created struct {
		Created string `json:"created"`
		ID      string `json:"id"`
	}
	decodeBody(t, resp, &created)
	if created.Created != created.ID {
		t.Errorf("key %q should default to id %q", created.Created, created.ID)
	}
}

func TestSubmitRejectsBadPriority(t *testing.T) {
	e := startServer(t, "")

	resp := e.submit(t, map[string]string{"priority": "urgent"}, []byte("x"))
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestSubmitRejectsMissingPayload(t *testing.T) {
	e := startServer(t, "")

	resp := e.submit(t, map[string]string{"priority": "batch"}, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestSubmitDuplicateKeyCleansUpBlob(t *testing.T) {
	e := startServer(t, "")

	first := e.submit(t, map[string]string{"priority": "batch", "key": "dup"}, []byte("a"))
	if first.StatusCode != http.StatusAccepted {
		t.Fatalf("first submit status = %d", first.StatusCode)
	}

	second := e.submit(t, map[string]string{"priority": "batch", "key": "dup"}, []byte("b"))
	if second.StatusCode != http.StatusBadRequest {
		t.Fatalf("duplicate submit status = %d", second.StatusCode)
	}

	var problem struct {
		Problem string `json:"problem"`
	}
	decodeBody(t, second, &problem)
	if problem.Problem == "" {
		t.Error("duplicate rejection carries no problem text")
	}

	// The rejected submission left no job behind.
	views, err := e.jobs.GetAllViews(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(views) != 1 {
		t.Fatalf("got %d jobs after duplicate, want 1", len(views))
	}
}

func TestDeleteJobRemovesJobAndPayloads(t *testing.T) {
	e := startServer(t, "")

	resp := e.submit(t, map[string]string{"priority": "batch", "key": "doomed"}, []byte("x"))
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("submit status = %d", resp.StatusCode)
	}
	job, err := e.jobs.GetJob(context.Background(), "doomed")
	if err != nil || job == nil {
		t.Fatalf("job lookup: %v, %v", job, err)
	}

	delResp, err := http.Post(e.srv.URL+"/api/jobs/doomed/delete", "", nil)
	if err != nil {
		t.Fatalf("deleting: %v", err)
	}
	defer delResp.Body.Close()
	if delResp.StatusCode != http.StatusAccepted {
		t.Fatalf("delete status = %d", delResp.StatusCode)
	}

	if found, err := e.jobs.GetJob(context.Background(), "doomed"); err != nil || found != nil {
		t.Errorf("job survived delete: %v, %v", found, err)
	}
	if _, err := e.blobs.GetFile(context.Background(), blob.JobFile(job.ID)); err == nil {
		t.Error("payload survived delete")
	}
}

func TestDeleteUnknownJobIs404(t *testing.T) {
	e := startServer(t, "")

	resp, err := http.Post(e.srv.URL+"/api/jobs/ghost/delete", "", nil)
	if err != nil {
		t.Fatalf("deleting: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestListWorkersEmpty(t *testing.T) {
	e := startServer(t, "")

	resp, err := http.Get(e.srv.URL + "/api/workers")
	if err != nil {
		t.Fatalf("listing workers: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var views []domain.WorkerView
	decodeBody(t, resp, &views)
	if len(views) != 0 {
		t.Errorf("got %d workers, want 0", len(views))
	}
}

func TestAPIKeyGuardsJobRoutes(t *testing.T) {
	e := startServer(t, "letmein")

	resp, err := http.Get(e.srv.URL + "/api/jobs")
	if err != nil {
		t.Fatalf("listing without key: %v", err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status without key = %d, want 401", resp.StatusCode)
	}

	req, err := http.NewRequest(http.MethodGet, e.srv.URL+"/api/jobs", nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("X-Api-Key", "letmein")
	keyed, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("listing with key: %v", err)
	}
	defer keyed.Body.Close()
	if keyed.StatusCode != http.StatusOK {
		t.Errorf("status with key = %d, want 200", keyed.StatusCode)
	}
}

func TestEventStreamCarriesJobUpdates(t *testing.T) {
	e := startServer(t, "")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.srv.URL+"/api/events", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("opening event stream: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	e.submit(t, map[string]string{"priority": "batch", "key": "streamed"}, []byte("x"))

	buf := make([]byte, 4096)
	var received bytes.Buffer
	for {
		n, err := resp.Body.Read(buf)
		received.Write(buf[:n])
		if bytes.Contains(received.Bytes(), []byte("event: job")) &&
			bytes.Contains(received.Bytes(), []byte("streamed")) {
			return
		}
		if err != nil {
			t.Fatalf("stream ended early: %v (got %q)", err, received.String())
		}
	}
}
