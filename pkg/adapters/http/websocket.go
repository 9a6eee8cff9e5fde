// Copyright Open Responses Gateway Authors
// SPDX-License-Identifier: Apache-2.0

package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/leseb/deepsearch-gw/pkg/auth"
)

// wsWriteTimeout bounds a single frame write.
const wsWriteTimeout = 30 * time.Second

// ErrorFrame reports a rejected websocket turn. Status mirrors the HTTP
// status the POST route would have answered with.
type ErrorFrame struct {
	Type   string `json:"type"`
	Status int    `json:"status"`
	Error  string `json:"error"`
}

type wsWriter struct {
	conn *websocket.Conn
}

func (ws *wsWriter) WriteFrame(ctx context.Context, _ string, data any) error {
	ctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, ws.conn, data)
}

// handleChatWebsocket handles GET /api/chat/ws. Each text message is a
// ChatRequest; turns on one connection run one at a time and their frames
// carry the same JSON as the SSE data lines.
func (h *Handler) handleChatWebsocket(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.FromContext(r.Context())

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket accept failed", "error", err)
		return
	}
	defer conn.CloseNow() //nolint:errcheck
	conn.SetReadLimit(h.maxRequest)

	ctx := r.Context()
	out := &wsWriter{conn: conn}
	for {
		var req ChatRequest
		if err := wsjson.Read(ctx, conn, &req); err != nil {
			if websocket.CloseStatus(err) != websocket.StatusNormalClosure && !errors.Is(err, context.Canceled) {
				h.logger.Info("websocket closed", "user_id", id.UserID, "error", err)
			}
			return
		}

		t, rerr := h.startTurn(ctx, id, req)
		if rerr != nil {
			frame := ErrorFrame{Type: "error", Status: rerr.status, Error: rerr.message}
			if err := out.WriteFrame(ctx, "error", frame); err != nil {
				return
			}
			continue
		}
		h.stream(t, out)
		if ctx.Err() != nil {
			return
		}
	}
}
