package daemon

import (
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"

	"github.com/simpleflo/tandem/internal/backends"
	"github.com/simpleflo/tandem/internal/query"
	"github.com/simpleflo/tandem/internal/session"
	"github.com/simpleflo/tandem/pkg/models"
)

// embedConcurrency bounds parallel embedding calls during indexing.
const embedConcurrency = 4

// queryRequest is the wire form of a query submission.
type queryRequest struct {
	Query     string `json:"query"`
	Mode      string `json:"mode,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	TopK      int    `json:"top_k,omitempty"`

	// EnableCache defaults to true when omitted.
	EnableCache *bool `json:"enable_cache,omitempty"`

	// Timeouts in seconds.
	SpeculativeTimeout float64 `json:"speculative_timeout,omitempty"`
	AgenticTimeout     float64 `json:"agentic_timeout,omitempty"`
}

func (qr *queryRequest) toRequest(callerID string) query.Request {
	enableCache := true
	if qr.EnableCache != nil {
		enableCache = *qr.EnableCache
	}
	return query.Request{
		Query:              qr.Query,
		Mode:               query.Mode(qr.Mode),
		SessionID:          qr.SessionID,
		TopK:               qr.TopK,
		EnableCache:        enableCache,
		SpeculativeTimeout: time.Duration(qr.SpeculativeTimeout * float64(time.Second)),
		AgenticTimeout:     time.Duration(qr.AgenticTimeout * float64(time.Second)),
		CallerID:           callerID,
	}
}

// handleQuery streams response chunks over SSE.
// POST /api/v1/query
func (d *Daemon) handleQuery(w http.ResponseWriter, r *http.Request) {
	var wire queryRequest
	if err := json.NewDecoder(r.Body).Decode(&wire); err != nil {
		writeError(w, http.StatusBadRequest, models.NewError(models.ErrInvalidInput, "malformed request body"))
		return
	}

	req := wire.toRequest(callerID(r))
	if err := query.ValidateRequest(req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, models.NewError(models.ErrInvalidInput, "streaming not supported"))
		return
	}

	chunks := d.engine.Process(r.Context(), req)

	// Peek at the first chunk so admission refusals map to proper HTTP
	// status codes instead of an SSE stream.
	first, open := <-chunks
	if open {
		if kind, _ := first.Metadata["error"].(string); kind == "rate_limited" {
			writeError(w, http.StatusTooManyRequests, models.NewError(models.ErrRateLimited, first.Content))
			return
		}
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // disable nginx buffering

	if open {
		if err := writeSSEChunk(w, flusher, first); err != nil {
			return
		}
	}

	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-d.shutdownCh:
			return
		case chunk, ok := <-chunks:
			if !ok {
				return
			}
			if err := writeSSEChunk(w, flusher, chunk); err != nil {
				d.logger.Debug().Err(err).Msg("failed to write chunk")
				return
			}
		case <-heartbeat.C:
			if err := writeSSEComment(w, flusher, "heartbeat"); err != nil {
				return
			}
		}
	}
}

// callerID derives the rate-limit key from the client address. RealIP
// middleware has already resolved proxies.
func callerID(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// handleHealth reports liveness.
// GET /healthz, GET /api/v1/health
func (d *Daemon) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	if !d.Ready() {
		status = "starting"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]string{"status": status})
}

// statusResponse is the operational snapshot.
type statusResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Uptime    string            `json:"uptime"`
	StartTime time.Time         `json:"start_time"`
	Cache     *query.CacheStats `json:"cache,omitempty"`
	Chunks    int               `json:"indexed_chunks"`
}

// handleStatus returns daemon status.
// GET /api/v1/status
func (d *Daemon) handleStatus(w http.ResponseWriter, r *http.Request) {
	d.mu.RLock()
	start := d.startTime
	d.mu.RUnlock()

	resp := statusResponse{
		Status:    "running",
		Version:   Version,
		Uptime:    time.Since(start).Truncate(time.Second).String(),
		StartTime: start,
	}
	if d.cache != nil {
		stats := d.cache.Stats()
		resp.Cache = &stats
	}
	if n, err := d.sessions.ChunkCount(r.Context()); err == nil {
		resp.Chunks = n
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleCacheStats returns response cache counters.
// GET /api/v1/cache/stats
func (d *Daemon) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	if d.cache == nil {
		writeJSON(w, http.StatusOK, map[string]bool{"enabled": false})
		return
	}
	writeJSON(w, http.StatusOK, d.cache.Stats())
}

// indexRequest is one document to index.
type indexRequest struct {
	DocumentID   string `json:"document_id"`
	DocumentName string `json:"document_name"`
	Chunks       []struct {
		ChunkID  string            `json:"chunk_id"`
		Text     string            `json:"text"`
		Metadata map[string]string `json:"metadata,omitempty"`
	} `json:"chunks"`
}

// handleIndex embeds and indexes a document's chunks into both the
// vector collection and the lexical index.
// POST /api/v1/index
func (d *Daemon) handleIndex(w http.ResponseWriter, r *http.Request) {
	var req indexRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, models.NewError(models.ErrInvalidInput, "malformed request body"))
		return
	}
	if req.DocumentID == "" || len(req.Chunks) == 0 {
		writeError(w, http.StatusBadRequest, models.NewError(models.ErrInvalidInput, "document_id and chunks are required"))
		return
	}

	for _, c := range req.Chunks {
		if c.ChunkID == "" || c.Text == "" {
			writeError(w, http.StatusBadRequest, models.NewError(models.ErrInvalidInput, "chunk_id and text are required for every chunk"))
			return
		}
	}

	vectors := make([][]float32, len(req.Chunks))
	g, gctx := errgroup.WithContext(r.Context())
	g.SetLimit(embedConcurrency)
	for i, c := range req.Chunks {
		g.Go(func() error {
			vector, err := d.embedder.Embed(gctx, c.Text)
			if err != nil {
				return err
			}
			vectors[i] = vector
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		writeError(w, http.StatusBadGateway, models.WrapError(models.ErrLLMUnavailable, "embedding failed", err))
		return
	}

	lexical := make([]session.Chunk, 0, len(req.Chunks))
	points := make([]backends.ChunkPoint, 0, len(req.Chunks))
	for i, c := range req.Chunks {
		lexical = append(lexical, session.Chunk{
			ChunkID:      c.ChunkID,
			DocumentID:   req.DocumentID,
			DocumentName: req.DocumentName,
			Content:      c.Text,
			Metadata:     c.Metadata,
		})
		points = append(points, backends.ChunkPoint{
			ChunkID:      c.ChunkID,
			Vector:       vectors[i],
			DocumentID:   req.DocumentID,
			DocumentName: req.DocumentName,
			Text:         c.Text,
			Metadata:     c.Metadata,
		})
	}

	if err := d.sessions.IndexChunks(r.Context(), lexical); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if err := d.vectors.UpsertChunks(r.Context(), points); err != nil {
		writeError(w, http.StatusBadGateway, models.WrapError(models.ErrRetrievalUnavailable, "vector indexing failed", err))
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"document_id": req.DocumentID,
		"indexed":     len(points),
	})
}

// handleDeleteDocument removes a document from both indexes.
// DELETE /api/v1/documents/{documentID}
func (d *Daemon) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	documentID := chi.URLParam(r, "documentID")
	if documentID == "" {
		writeError(w, http.StatusBadRequest, models.NewError(models.ErrInvalidInput, "document id is required"))
		return
	}
	if err := d.sessions.DeleteDocument(r.Context(), documentID); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if err := d.vectors.DeleteByDocument(r.Context(), documentID); err != nil {
		writeError(w, http.StatusBadGateway, models.WrapError(models.ErrRetrievalUnavailable, "vector delete failed", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"document_id": documentID, "status": "deleted"})
}

// handleSessionMessages returns a session's recent messages.
// GET /api/v1/sessions/{sessionID}/messages
func (d *Daemon) handleSessionMessages(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	messages, err := d.sessions.Recent(r.Context(), sessionID, 50)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"session_id": sessionID,
		"messages":   messages,
	})
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a structured error response.
func writeError(w http.ResponseWriter, status int, err error) {
	var payload interface{}
	if te, ok := err.(*models.TandemError); ok {
		payload = te
	} else {
		payload = map[string]string{"message": err.Error()}
	}
	writeJSON(w, status, map[string]interface{}{"error": payload})
}
