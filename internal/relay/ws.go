package relay

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/aakaash/commander-relay/internal/codec"
	"github.com/aakaash/commander-relay/internal/domain"
)

// wsSink delivers stream events as individual text frames.
type wsSink struct {
	ctx  context.Context
	conn *websocket.Conn
}

func (s *wsSink) Send(ev codec.Event) error {
	return wsjson.Write(s.ctx, s.conn, ev)
}

// HandleStreamWS runs one exchange over a WebSocket. The client sends the
// stream request as the first text frame; every stream event comes back as
// its own frame, then the connection closes normally.
func (h *Handler) HandleStreamWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Warn("websocket accept failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "session aborted")

	ctx := r.Context()
	conn.SetReadLimit(maxRequestBody)

	var req streamRequest
	if err := wsjson.Read(ctx, conn, &req); err != nil {
		conn.Close(websocket.StatusInvalidFramePayloadData, "invalid stream request")
		return
	}
	sink := &wsSink{ctx: ctx, conn: conn}
	if req.Message == "" {
		_ = sink.Send(codec.Errorf("validation", "message required"))
		conn.Close(websocket.StatusPolicyViolation, "message required")
		return
	}
	if !h.limiter.Allow(clientKey(r)) {
		_ = sink.Send(codec.Errorf("rate_limited", "rate limit exceeded"))
		conn.Close(websocket.StatusPolicyViolation, "rate limit exceeded")
		return
	}

	sess := NewSession(req.Message, domain.ParseMode(req.Mode), h.model, h.generator, sink, h.store)
	slog.Info("websocket stream started",
		"session_id", sess.ID(),
		"mode", req.Mode,
		"message_bytes", len(req.Message))
	if err := sess.Run(ctx); err != nil {
		slog.Error("session finished with error", "session_id", sess.ID(), "error", err)
	}
	conn.Close(websocket.StatusNormalClosure, "")
}
