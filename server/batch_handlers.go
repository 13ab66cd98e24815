package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/storyscan-io/storyscan/batch"
)

// submitBatchRequest is the POST /api/batches payload.
type submitBatchRequest struct {
	ProfileIDs []string `json:"profile_ids"`
	NicheID    string   `json:"niche_id"`
}

// batchIDsRequest is the payload of the lifecycle action endpoints.
type batchIDsRequest struct {
	IDs []string `json:"ids"`
}

// HandleBatches handles /api/batches
// GET: list all batches, running first then queue order
// POST: submit a new batch to the tail of the queue
func (s *Server) HandleBatches(w http.ResponseWriter, r *http.Request) {
	if !requireMethods(w, r, http.MethodGet, http.MethodPost) {
		return
	}

	if r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]interface{}{"batches": s.queue.List()})
		return
	}

	var req submitBatchRequest
	if err := readJSON(w, r, &req); err != nil {
		return
	}

	b, err := s.queue.Submit(req.ProfileIDs, req.NicheID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	s.logger.Infow("Batch submitted",
		"batch_id", shortID(b.ID),
		"profiles", b.TotalProfiles,
		"position", *b.QueuePosition)
	writeJSON(w, http.StatusCreated, b)
}

// HandleBatchAction handles /api/batches/{action} and /api/batches/{id}[/logs]
// POST /api/batches/start|resume|stop|delete with {ids}
// GET  /api/batches/{id} and /api/batches/{id}/logs
func (s *Server) HandleBatchAction(w http.ResponseWriter, r *http.Request) {
	parts := extractPathParts(r.URL.Path, "/api/batches/")
	if len(parts) == 0 || parts[0] == "" {
		writeError(w, http.StatusBadRequest, "Missing batch id or action")
		return
	}

	switch parts[0] {
	case "start":
		s.handleBatchStart(w, r)
	case "resume":
		s.handleBatchResume(w, r)
	case "stop":
		s.handleBatchStop(w, r)
	case "delete":
		s.handleBatchDelete(w, r)
	default:
		batchID := parts[0]
		if len(parts) > 1 && parts[1] == "logs" {
			s.handleBatchLogs(w, r, batchID)
			return
		}
		s.handleGetBatch(w, r, batchID)
	}
}

func (s *Server) handleBatchStart(w http.ResponseWriter, r *http.Request) {
	ids, ok := readIDs(w, r)
	if !ok {
		return
	}

	if err := s.queue.Start(ids); err != nil {
		writeDomainError(w, err)
		return
	}

	s.logger.Infow("Batch start requested", "batch_id", shortID(ids[0]))
	s.writeUpdatedBatches(w, ids)
}

func (s *Server) handleBatchResume(w http.ResponseWriter, r *http.Request) {
	ids, ok := readIDs(w, r)
	if !ok {
		return
	}

	if err := s.queue.Resume(ids); err != nil {
		writeDomainError(w, err)
		return
	}

	s.logger.Infow("Batch resume requested", "batch_id", shortID(ids[0]))
	s.writeUpdatedBatches(w, ids)
}

func (s *Server) handleBatchStop(w http.ResponseWriter, r *http.Request) {
	ids, ok := readIDs(w, r)
	if !ok {
		return
	}

	for _, id := range ids {
		if err := s.queue.Stop(id); err != nil {
			writeDomainError(w, err)
			return
		}
		s.logger.Infow("Batch stop requested", "batch_id", shortID(id))
	}
	s.writeUpdatedBatches(w, ids)
}

func (s *Server) handleBatchDelete(w http.ResponseWriter, r *http.Request) {
	ids, ok := readIDs(w, r)
	if !ok {
		return
	}

	if err := s.queue.Delete(ids); err != nil {
		writeDomainError(w, err)
		return
	}

	s.logger.Infow("Batches deleted", "count", len(ids))
	writeJSON(w, http.StatusOK, map[string]interface{}{"deleted": ids})
}

func (s *Server) handleGetBatch(w http.ResponseWriter, r *http.Request, batchID string) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}

	b, err := s.queue.Get(batchID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleBatchLogs(w http.ResponseWriter, r *http.Request, batchID string) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}

	filter, err := parseLogFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	entries, err := s.queue.Logs(batchID, filter)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if entries == nil {
		entries = []batch.LogEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"logs": entries})
}

func (s *Server) writeUpdatedBatches(w http.ResponseWriter, ids []string) {
	updated := make([]*batch.Batch, 0, len(ids))
	for _, id := range ids {
		if b, err := s.queue.Get(id); err == nil {
			updated = append(updated, b)
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"batches": updated})
}

func readIDs(w http.ResponseWriter, r *http.Request) ([]string, bool) {
	if !requireMethod(w, r, http.MethodPost) {
		return nil, false
	}

	var req batchIDsRequest
	if err := readJSON(w, r, &req); err != nil {
		return nil, false
	}
	if len(req.IDs) == 0 {
		writeError(w, http.StatusBadRequest, "Missing batch ids")
		return nil, false
	}
	return req.IDs, true
}

func parseLogFilter(r *http.Request) (batch.LogFilter, error) {
	var filter batch.LogFilter
	q := r.URL.Query()

	if v := q.Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return filter, err
		}
		filter.From = t
	}
	if v := q.Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return filter, err
		}
		filter.To = t
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return filter, err
		}
		filter.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return filter, err
		}
		filter.Offset = n
	}
	return filter, nil
}
