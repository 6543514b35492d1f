package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/jkaninda/sanduku/internal/executor"
	"github.com/jkaninda/sanduku/internal/sandbox"
)

// Stream event types sent to WebSocket clients.
const (
	eventAccepted = "accepted"
	eventResult   = "result"
	eventError    = "error"
)

// streamEvent is one server-to-client frame on the stream socket.
type streamEvent struct {
	Type      string           `json:"type"`
	RequestID string           `json:"request_id,omitempty"`
	Result    *ExecuteResponse `json:"result,omitempty"`
	Error     string           `json:"error,omitempty"`
}

const streamWriteTimeout = 30 * time.Second

// handleStream upgrades to WebSocket and serves execution requests on
// the connection. The client sends ExecuteRequest frames; each gets an
// accepted event when it enters the pipeline and a result event when it
// completes. One connection serves many requests in sequence.
func (g *Gateway) handleStream(w http.ResponseWriter, r *http.Request) {
	// Browsers cannot set headers on WebSocket dials, so the key may
	// arrive as a query parameter instead.
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		if key := r.URL.Query().Get("api_key"); key != "" {
			authHeader = "Bearer " + key
		}
	}
	clientID, ok := g.authorize(authHeader)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{"sanduku-v1"},
	})
	if err != nil {
		g.logger.Error("websocket accept failed", slog.String("error", err.Error()))
		return
	}

	g.serveStream(r.Context(), conn, clientID)
}

func (g *Gateway) serveStream(ctx context.Context, conn *websocket.Conn, clientID string) {
	defer conn.Close(websocket.StatusNormalClosure, "connection closed")

	conn.SetReadLimit(g.config.MaxRequestSize)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				g.logger.Info("stream client disconnected", slog.String("client_id", clientID))
			} else if ctx.Err() == nil {
				g.logger.Warn("stream connection error",
					slog.String("client_id", clientID),
					slog.String("error", err.Error()),
				)
			}
			return
		}

		var req ExecuteRequest
		if err := json.Unmarshal(data, &req); err != nil {
			g.writeEvent(ctx, conn, streamEvent{Type: eventError, Error: "invalid request frame"})
			continue
		}
		if req.SessionID == "" || req.Code == "" {
			g.writeEvent(ctx, conn, streamEvent{Type: eventError, Error: "session_id and code are required"})
			continue
		}

		if g.limiter != nil {
			if err := g.limiter.Allow(clientID); err != nil {
				g.writeEvent(ctx, conn, streamEvent{Type: eventError, Error: "rate limit exceeded"})
				continue
			}
		}

		correlationID := newCorrelationID()
		g.writeEvent(ctx, conn, streamEvent{Type: eventAccepted, RequestID: correlationID})

		result, err := g.exec.Submit(ctx, &executor.Request{
			ID:        correlationID,
			SessionID: req.SessionID,
			Message:   req.Message,
			Code:      req.Code,
			Limits: sandbox.ResourceLimits{
				MaxWallSeconds: req.MaxWallSeconds,
			},
		})
		if err != nil {
			msg := "execution failed"
			if errors.Is(err, executor.ErrSessionBusy) {
				msg = "session has an execution in flight"
			}
			g.writeEvent(ctx, conn, streamEvent{Type: eventError, RequestID: correlationID, Error: msg})
			continue
		}

		resp := executeResponse(correlationID, result)
		g.writeEvent(ctx, conn, streamEvent{Type: eventResult, RequestID: correlationID, Result: &resp})
	}
}

func (g *Gateway) writeEvent(ctx context.Context, conn *websocket.Conn, ev streamEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	writeCtx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
	defer cancel()
	if err := conn.Write(writeCtx, websocket.MessageText, data); err != nil && ctx.Err() == nil {
		g.logger.Warn("stream write failed", slog.String("error", err.Error()))
	}
}
