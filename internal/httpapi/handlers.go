// Package httpapi exposes the research pipeline over HTTP: a submit
// endpoint, a result fetch, and an SSE stream of pipeline progress events.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fathomhq/fathom/internal/pipeline"
	"github.com/fathomhq/fathom/internal/streaming"
)

// resultTTL bounds how long completed async results stay fetchable.
const resultTTL = 10 * time.Minute

type storedResult struct {
	resp    *pipeline.Response
	err     error
	done    bool
	expires time.Time
}

// Handler serves the research API.
type Handler struct {
	pipe   *pipeline.Pipeline
	mgr    *streaming.Manager
	logger *zap.Logger

	mu      sync.Mutex
	results map[string]*storedResult
}

func NewHandler(pipe *pipeline.Pipeline, mgr *streaming.Manager, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		pipe:    pipe,
		mgr:     mgr,
		logger:  logger,
		results: make(map[string]*storedResult),
	}
}

// RegisterRoutes registers the API routes on the provided mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/research", h.handleSubmit)
	mux.HandleFunc("GET /v1/research/{id}", h.handleResult)
	mux.HandleFunc("GET /v1/research/{id}/stream", h.handleStream)
	mux.HandleFunc("GET /healthz", h.handleHealth)
}

type submitRequest struct {
	Query         string `json:"query"`
	EntityContext string `json:"entity_context,omitempty"`
	Technical     bool   `json:"technical,omitempty"`
	Async         bool   `json:"async,omitempty"`
}

type submitAccepted struct {
	RequestID string `json:"request_id"`
	StreamURL string `json:"stream_url"`
	ResultURL string `json:"result_url"`
}

// handleSubmit runs a research request. Synchronous by default; async mode
// returns 202 with a request ID for polling and streaming.
func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var body submitRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if body.Query == "" {
		writeError(w, http.StatusBadRequest, "query is required")
		return
	}

	req := pipeline.Request{
		RequestID:     uuid.NewString(),
		QueryText:     body.Query,
		EntityContext: body.EntityContext,
		Technical:     body.Technical,
	}

	if !body.Async {
		resp, err := h.pipe.Run(r.Context(), req)
		if err != nil {
			h.logger.Warn("research request failed",
				zap.String("request_id", req.RequestID),
				zap.Error(err))
			writeError(w, http.StatusInternalServerError, "research failed")
			return
		}
		writeJSON(w, http.StatusOK, resp)
		return
	}

	h.mu.Lock()
	h.results[req.RequestID] = &storedResult{expires: time.Now().Add(resultTTL)}
	h.mu.Unlock()

	go func() {
		// Detached from the request context: the client already got 202.
		resp, err := h.pipe.Run(context.Background(), req)
		h.mu.Lock()
		if st, ok := h.results[req.RequestID]; ok {
			st.resp = resp
			st.err = err
			st.done = true
			st.expires = time.Now().Add(resultTTL)
		}
		h.mu.Unlock()
		h.pruneResults()
	}()

	writeJSON(w, http.StatusAccepted, submitAccepted{
		RequestID: req.RequestID,
		StreamURL: "/v1/research/" + req.RequestID + "/stream",
		ResultURL: "/v1/research/" + req.RequestID,
	})
}

// handleResult fetches an async run's result: 202 while running, 404 when
// unknown or expired.
func (h *Handler) handleResult(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	h.mu.Lock()
	st, ok := h.results[id]
	h.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "unknown request id")
		return
	}
	if !st.done {
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "running"})
		return
	}
	if st.err != nil {
		writeError(w, http.StatusInternalServerError, st.err.Error())
		return
	}
	writeJSON(w, http.StatusOK, st.resp)
}

// handleStream streams pipeline progress via Server-Sent Events.
// A Last-Event-ID header (or last_event_id query param) replays the
// backlog from that sequence number.
func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "request id required")
		return
	}

	var lastID uint64
	if lei := r.Header.Get("Last-Event-ID"); lei != "" {
		lastID = parseSeq(lei)
	}
	if q := r.URL.Query().Get("last_event_id"); q != "" && lastID == 0 {
		lastID = parseSeq(q)
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	ch := h.mgr.Subscribe(id, 256)
	defer h.mgr.Unsubscribe(id, ch)

	writeSSEComment(w, "connected")
	flusher.Flush()

	if lastID > 0 {
		for _, evt := range h.mgr.ReplaySince(id, lastID) {
			writeSSEEvent(w, evt)
		}
		flusher.Flush()
	}

	hb := time.NewTicker(15 * time.Second)
	defer hb.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-ch:
			writeSSEEvent(w, evt)
			flusher.Flush()
			if evt.Type == streaming.TypeComplete {
				return
			}
		case <-hb.C:
			writeSSEComment(w, "ping")
			flusher.Flush()
		}
	}
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) pruneResults() {
	now := time.Now()
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, st := range h.results {
		if st.done && now.After(st.expires) {
			delete(h.results, id)
			h.mgr.Forget(id)
		}
	}
}

func parseSeq(s string) uint64 {
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func writeSSEEvent(w http.ResponseWriter, evt streaming.Event) {
	if evt.Seq > 0 {
		fmt.Fprintf(w, "id: %d\n", evt.Seq)
	}
	if evt.Type != "" {
		fmt.Fprintf(w, "event: %s\n", evt.Type)
	}
	fmt.Fprintf(w, "data: %s\n\n", string(evt.Marshal()))
}

func writeSSEComment(w http.ResponseWriter, msg string) {
	fmt.Fprintf(w, ": %s\n\n", msg)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
