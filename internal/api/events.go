package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"go.uber.org/zap"
)

// events streams job and worker update envelopes to external listeners as
// server-sent events. Delivery follows emission order per entity feed with
// no latency contract; a listener that needs a complete picture should
// re-list after connecting.
func (s *Server) events(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.problem(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	jobCh, cancelJobs := s.jobs.Updates().Subscribe()
	defer cancelJobs()
	workerCh, cancelWorkers := s.workers.Updates().Subscribe()
	defer cancelWorkers()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case u := <-jobCh:
			s.writeEvent(w, flusher, "job", u)
		case u := <-workerCh:
			s.writeEvent(w, flusher, "worker", u)
		}
	}
}

func (s *Server) writeEvent(w http.ResponseWriter, flusher http.Flusher, event string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.log.Warn("failed encoding event", zap.Error(err))
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	flusher.Flush()
}
