package relay

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/aakaash/commander-relay/internal/api"
	"github.com/aakaash/commander-relay/internal/codec"
	"github.com/aakaash/commander-relay/internal/domain"
	"github.com/aakaash/commander-relay/internal/store"
)

// maxRequestBody caps the /stream request body at 2MB. A chat message has
// no business being larger.
const maxRequestBody = 2 << 20

// streamRequest is the body of POST /stream and of the opening WebSocket
// frame on /stream/ws.
type streamRequest struct {
	Message string `json:"message"`
	Mode    string `json:"mode"`
}

// Handler serves the relay's HTTP surface.
type Handler struct {
	store     store.Store
	generator Generator
	model     string
	limiter   *RateLimiter
}

// NewHandler wires the relay endpoints to their dependencies.
func NewHandler(st store.Store, gen Generator, model string, limiter *RateLimiter) *Handler {
	return &Handler{
		store:     st,
		generator: gen,
		model:     model,
		limiter:   limiter,
	}
}

// RegisterRoutes mounts the relay endpoints on r.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/stream", h.HandleStream)
	r.Get("/stream/ws", h.HandleStreamWS)
	r.Get("/history", h.HandleHistory)
}

// HandleStream runs one exchange over SSE. Validation failures are plain
// JSON errors; once streaming starts, all outcomes including failures travel
// as stream events on the open response.
func (h *Handler) HandleStream(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeStreamRequest(w, r)
	if !ok {
		return
	}
	if !h.limiter.Allow(clientKey(r)) {
		api.Error(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	sink, err := codec.NewSSEWriter(w)
	if err != nil {
		api.Error(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	sess := NewSession(req.Message, domain.ParseMode(req.Mode), h.model, h.generator, sink, h.store)
	slog.Info("stream started",
		"session_id", sess.ID(),
		"mode", req.Mode,
		"message_bytes", len(req.Message))
	if err := sess.Run(r.Context()); err != nil {
		slog.Error("session finished with error", "session_id", sess.ID(), "error", err)
	}
}

// HandleHistory returns the full transcript, oldest first.
func (h *Handler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	messages, err := h.store.ListAll(r.Context())
	if err != nil {
		slog.Error("load history", "error", err)
		api.Error(w, http.StatusInternalServerError, "failed to load history")
		return
	}
	if messages == nil {
		messages = []domain.Message{}
	}
	api.JSON(w, http.StatusOK, messages)
}

// decodeStreamRequest reads and validates the stream request body, writing
// the error response itself when validation fails.
func (h *Handler) decodeStreamRequest(w http.ResponseWriter, r *http.Request) (streamRequest, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	var req streamRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.Error(w, http.StatusBadRequest, "invalid request body")
		return streamRequest{}, false
	}
	if req.Message == "" {
		api.Error(w, http.StatusBadRequest, "message required")
		return streamRequest{}, false
	}
	return req, true
}

// clientKey identifies the client for rate limiting. RemoteAddr is already
// normalized by the RealIP middleware when the server sits behind a proxy.
func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
