// Package api is the HTTP boundary: job submission and listing, worker
// views, the update event stream, and the websocket endpoint remote workers
// connect through.
package api

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/mattj23/gridlike/internal/auth"
	"github.com/mattj23/gridlike/internal/blob"
	"github.com/mattj23/gridlike/internal/domain"
	"github.com/mattj23/gridlike/internal/store"
	"github.com/mattj23/gridlike/internal/worker"
)

const maxSubmitMemory = 32 << 20

type Server struct {
	log      *zap.Logger
	jobs     *store.JobStore
	workers  *worker.Manager
	blobs    blob.Provider
	apiKey   string
	upgrader websocket.Upgrader
}

func New(jobs *store.JobStore, workers *worker.Manager, blobs blob.Provider, apiKey string, log *zap.Logger) *Server {
	return &Server{
		log:     log,
		jobs:    jobs,
		workers: workers,
		blobs:   blobs,
		apiKey:  apiKey,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1 << 20,
			WriteBufferSize: 1 << 20,
		},
	}
}

func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Route("/api", func(r chi.Router) {
		r.Get("/worker", s.workerSocket)
		r.Get("/events", s.events)

		r.Group(func(r chi.Router) {
			r.Use(auth.RequireAPIKey(s.apiKey))
			r.Get("/jobs", s.listJobs)
			r.Post("/jobs/submit", s.submitJob)
			r.Post("/jobs/{jobKey}/delete", s.deleteJob)
			r.Get("/workers", s.listWorkers)
		})
	})
	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.log.Debug("http request", zap.String("method", r.Method), zap.String("path", r.URL.Path))
		next.ServeHTTP(w, r)
	})
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	views, err := s.jobs.GetAllViews(r.Context())
	if err != nil {
		s.fail(w, err, "listing jobs")
		return
	}
	s.respond(w, http.StatusOK, views)
}

func (s *Server) submitJob(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxSubmitMemory); err != nil {
		s.problem(w, http.StatusBadRequest, "malformed multipart form")
		return
	}

	priority, err := domain.ParsePriority(r.FormValue("priority"))
	if err != nil {
		s.problem(w, http.StatusBadRequest, err.Error())
		return
	}

	file, _, err := r.FormFile("payload")
	if err != nil {
		s.problem(w, http.StatusBadRequest, "missing payload file")
		return
	}
	defer file.Close()
	payload, err := io.ReadAll(file)
	if err != nil {
		s.fail(w, err, "reading payload")
		return
	}

	jobID := uuid.New()
	key := r.FormValue("key")
	if key == "" {
		key = jobID.String()
	}

	if err := s.blobs.PutFile(r.Context(), blob.JobFile(jobID), payload); err != nil {
		s.fail(w, err, "writing job payload to storage backend")
		return
	}

	job := &domain.Job{
		ID:        jobID,
		Key:       key,
		Type:      r.FormValue("type"),
		Display:   r.FormValue("description"),
		Status:    domain.StatusPending,
		Priority:  priority,
		Submitted: time.Now().UTC(),
	}
	if err := s.jobs.AddJob(r.Context(), job); err != nil {
		// The payload blob has no owner if the add was rejected.
		if delErr := s.blobs.DeleteFile(r.Context(), blob.JobFile(jobID)); delErr != nil {
			s.log.Warn("failed removing orphaned payload", zap.Error(delErr))
		}
		if errors.Is(err, store.ErrDuplicateKey) {
			s.problem(w, http.StatusBadRequest, "a job with the key "+key+" already exists")
			return
		}
		s.fail(w, err, "adding job")
		return
	}

	s.respond(w, http.StatusAccepted, map[string]any{"created": key, "id": jobID})
}

func (s *Server) deleteJob(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "jobKey")
	job, err := s.jobs.GetJob(r.Context(), key)
	if err != nil {
		s.fail(w, err, "finding job")
		return
	}
	if job == nil {
		s.problem(w, http.StatusNotFound, "no job with key "+key)
		return
	}

	// Payload cleanup is this layer's responsibility, not the store's.
	for _, name := range []string{blob.JobFile(job.ID), blob.ResultFile(job.ID)} {
		if err := s.blobs.DeleteFile(r.Context(), name); err != nil {
			s.log.Warn("failed removing payload", zap.String("name", name), zap.Error(err))
		}
	}

	if err := s.jobs.RemoveJob(r.Context(), job); err != nil {
		s.fail(w, err, "removing job")
		return
	}
	s.respond(w, http.StatusAccepted, map[string]any{"deleted": job.Key})
}

func (s *Server) listWorkers(w http.ResponseWriter, r *http.Request) {
	views, err := s.workers.GetAllViews(r.Context())
	if err != nil {
		s.fail(w, err, "listing workers")
		return
	}
	s.respond(w, http.StatusOK, views)
}

// workerSocket upgrades the connection and hands it to the registry, holding
// the handler open until the session terminates.
func (s *Server) workerSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	s.log.Debug("worker socket opened", zap.String("remote", r.RemoteAddr))
	<-s.workers.Admit(r.Context(), conn)
	s.log.Debug("worker socket closed", zap.String("remote", r.RemoteAddr))
}

func (s *Server) respond(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn("failed writing response", zap.Error(err))
	}
}

func (s *Server) problem(w http.ResponseWriter, code int, msg string) {
	s.respond(w, code, map[string]string{"problem": msg})
}

func (s *Server) fail(w http.ResponseWriter, err error, msg string) {
	s.log.Error(msg, zap.Error(err))
	s.problem(w, http.StatusInternalServerError, msg)
}
