package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/grubworks/grubq/internal/groupstore"
	"github.com/grubworks/grubq/internal/jobstore"
	queuesvc "github.com/grubworks/grubq/internal/services/queue"
	"github.com/grubworks/grubq/pkg/id"
	"github.com/grubworks/grubq/pkg/log"
)

type Server struct {
	svc    *queuesvc.Service
	logger log.Logger
	srv    *http.Server
	lis    net.Listener
}

func New(svc *queuesvc.Service, logger log.Logger) *Server {
	s := &Server{svc: svc, logger: logger.With(log.Component("http"))}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(cors)

	r.Get("/v1/healthz", s.handleHealth)

	r.Post("/v1/jobs", s.handleSubmit)
	r.Get("/v1/jobs/{id}", s.handleJobStatus)
	r.Post("/v1/jobs/{id}/renew", s.handleRenew)
	r.Post("/v1/jobs/{id}/complete", s.handleComplete)
	r.Post("/v1/jobs/{id}/fail", s.handleFail)

	r.Post("/v1/groups", s.handleGroupCreate)
	r.Get("/v1/groups/{id}", s.handleGroupStatus)
	r.Post("/v1/groups/{id}/cancel", s.handleGroupCancel)

	r.Post("/v1/worker/acquire", s.handleAcquire)
	r.Get("/v1/events", s.handleEventsSSE)

	s.srv = &http.Server{Handler: r}
	return s
}

// Router exposes the handler for in-process tests.
func (s *Server) Router() http.Handler { return s.srv.Handler }

func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.lis = l
	s.logger.Info("http listening", log.Str("addr", l.Addr().String()))
	errCh := make(chan error, 1)
	go func() { errCh <- s.srv.Serve(l) }()
	select {
	case <-ctx.Done():
		cctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(cctx)
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) Close() {
	if s.lis != nil {
		_ = s.lis.Close()
	}
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps the engine's error taxonomy onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, queuesvc.ErrNotFound), errors.Is(err, queuesvc.ErrGroupNotFound):
		status = http.StatusNotFound
	case errors.Is(err, queuesvc.ErrDuplicateID), errors.Is(err, groupstore.ErrDuplicateID),
		errors.Is(err, queuesvc.ErrLeaseMismatch):
		status = http.StatusConflict
	case errors.Is(err, queuesvc.ErrGroupTerminal):
		status = http.StatusGone
	case errors.Is(err, id.ErrInvalid):
		status = http.StatusBadRequest
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func jobIDParam(r *http.Request) (id.ID, error) {
	return id.Parse(chi.URLParam(r, "id"))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type submitReq struct {
	Payload  json.RawMessage `json:"payload"`
	Priority int32           `json:"priority"`
	OwnerID  string          `json:"ownerId"`
	GroupID  string          `json:"groupId,omitempty"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body"})
		return
	}
	jobID, err := s.svc.Submit(r.Context(), req.Payload, req.Priority, req.OwnerID, req.GroupID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"jobId": jobID.String()})
}

type jobStatusResp struct {
	JobID         string          `json:"jobId"`
	Status        string          `json:"status"`
	Priority      int32           `json:"priority"`
	CreatedAtMs   int64           `json:"createdAtMs"`
	OwnerID       string          `json:"ownerId,omitempty"`
	GroupID       string          `json:"groupId,omitempty"`
	StallCount    int             `json:"stallCount,omitempty"`
	Result        json.RawMessage `json:"result,omitempty"`
	FailureReason string          `json:"failureReason,omitempty"`
}

func jobStatusFrom(j *jobstore.Job) jobStatusResp {
	resp := jobStatusResp{
		JobID:       j.ID.String(),
		Status:      string(j.Status),
		Priority:    j.Priority,
		CreatedAtMs: j.CreatedAt,
		OwnerID:     j.OwnerID,
		GroupID:     j.GroupID,
		StallCount:  j.StallCount,
	}
	if j.Outcome != nil {
		resp.Result = j.Outcome.Result
		resp.FailureReason = j.Outcome.FailureReason
	}
	return resp
}

func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	jobID, err := jobIDParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	j, err := s.svc.JobStatus(r.Context(), jobID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, jobStatusFrom(j))
}

type groupCreateReq struct {
	GroupID string `json:"groupId"`
	OwnerID string `json:"ownerId"`
	TTLMs   int64  `json:"ttlMs,omitempty"`
}

func (s *Server) handleGroupCreate(w http.ResponseWriter, r *http.Request) {
	var req groupCreateReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.GroupID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body"})
		return
	}
	if err := s.svc.CreateGroup(r.Context(), req.GroupID, req.OwnerID, req.TTLMs); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

type groupStatusResp struct {
	GroupID        string `json:"groupId"`
	Status         string `json:"status"`
	Queued         int    `json:"queued"`
	Active         int    `json:"active"`
	Completed      int    `json:"completed"`
	Failed         int    `json:"failed"`
	BacklogExpired int    `json:"backlogExpired,omitempty"`
}

func (s *Server) handleGroupStatus(w http.ResponseWriter, r *http.Request) {
	groupID := chi.URLParam(r, "id")
	g, counts, err := s.svc.GroupStatus(r.Context(), groupID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, groupStatusResp{
		GroupID:        g.ID,
		Status:         string(g.Status),
		Queued:         counts.Queued,
		Active:         counts.Active,
		Completed:      counts.Completed,
		Failed:         counts.Failed,
		BacklogExpired: g.BacklogExpired,
	})
}

func (s *Server) handleGroupCancel(w http.ResponseWriter, r *http.Request) {
	groupID := chi.URLParam(r, "id")
	if err := s.svc.CancelGroup(r.Context(), groupID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type acquireReq struct {
	WorkerID string `json:"workerId"`
}

type acquireResp struct {
	JobID   string          `json:"jobId"`
	Token   string          `json:"token"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func (s *Server) handleAcquire(w http.ResponseWriter, r *http.Request) {
	var req acquireReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body"})
		return
	}
	j, token, ok, err := s.svc.Acquire(r.Context(), req.WorkerID)
	if err != nil {
		writeError(w, err)
		return
	}
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, acquireResp{JobID: j.ID.String(), Token: token, Payload: j.Payload})
}

type renewReq struct {
	Token       string `json:"token"`
	ExtensionMs int64  `json:"extensionMs"`
}

func (s *Server) handleRenew(w http.ResponseWriter, r *http.Request) {
	jobID, err := jobIDParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req renewReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body"})
		return
	}
	if err := s.svc.Renew(r.Context(), jobID, req.Token, req.ExtensionMs); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type completeReq struct {
	Token  string          `json:"token"`
	Result json.RawMessage `json:"result,omitempty"`
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	jobID, err := jobIDParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req completeReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body"})
		return
	}
	if err := s.svc.ReportComplete(r.Context(), jobID, req.Token, req.Result); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type failReq struct {
	Token  string `json:"token"`
	Reason string `json:"reason"`
}

func (s *Server) handleFail(w http.ResponseWriter, r *http.Request) {
	jobID, err := jobIDParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req failReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body"})
		return
	}
	if err := s.svc.ReportFailed(r.Context(), jobID, req.Token, req.Reason); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleEventsSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "streaming unsupported"})
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	events, cancel := s.svc.Hub().Subscribe(64)
	defer cancel()
	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-events:
			if !open {
				return
			}
			body, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", body)
			flusher.Flush()
		}
	}
}
