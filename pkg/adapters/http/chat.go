// Copyright Open Responses Gateway Authors
// SPDX-License-Identifier: Apache-2.0

package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/leseb/deepsearch-gw/pkg/auth"
	"github.com/leseb/deepsearch-gw/pkg/core/agent"
	"github.com/leseb/deepsearch-gw/pkg/core/api"
	"github.com/leseb/deepsearch-gw/pkg/core/engine"
	"github.com/leseb/deepsearch-gw/pkg/core/state"
	"github.com/leseb/deepsearch-gw/pkg/observability/logging"
	"github.com/leseb/deepsearch-gw/pkg/observability/tracing"
)

// titleRunes is how much of the last message becomes the chat title.
const titleRunes = 50

// persistTimeout bounds the final transcript write, which runs even when
// the client has gone away.
const persistTimeout = 10 * time.Second

// ChatRequest is the body of POST /api/chat and of each websocket message.
type ChatRequest struct {
	Messages  []state.Message `json:"messages"`
	ChatID    string          `json:"chatId"`
	IsNewChat bool            `json:"isNewChat"`
}

// NewChatFrame tells the client the id of the chat it just created.
type NewChatFrame struct {
	Type   string `json:"type"`
	ChatID string `json:"chatId"`
}

const newChatCreated = "NEW_CHAT_CREATED"

// requestError is a failure reported before any turn frame is written.
type requestError struct {
	status  int
	errType string
	message string
}

func (e *requestError) Error() string { return e.message }

func badRequest(msg string) *requestError {
	return &requestError{status: http.StatusBadRequest, errType: "invalid_request", message: msg}
}

func turnError(err error) *requestError {
	status, msg := statusFor(err)
	errType := "server_error"
	switch status {
	case http.StatusBadRequest:
		errType = "invalid_request"
	case http.StatusNotFound:
		errType = "not_found"
	case http.StatusTooManyRequests:
		errType = "rate_limited"
	case http.StatusServiceUnavailable:
		errType = "unavailable"
	}
	return &requestError{status: status, errType: errType, message: msg}
}

// frameWriter delivers one event of a turn to the client.
type frameWriter interface {
	WriteFrame(ctx context.Context, event string, data any) error
}

// turn is an admitted research turn bound to a chat.
type turn struct {
	ctx     context.Context
	cancel  context.CancelFunc
	span    tracing.Span
	userID  string
	chatID  string
	title   string
	isNew   bool
	events  <-chan agent.Event
	history []api.Message
	logger  *logging.Logger
}

// title is the first 50 characters of content followed by "...".
func title(content string) string {
	if utf8.RuneCountInString(content) > titleRunes {
		content = string([]rune(content)[:titleRunes])
	}
	return content + "..."
}

func validate(req *ChatRequest) *requestError {
	if len(req.Messages) == 0 {
		return badRequest("No messages provided")
	}
	for i, m := range req.Messages {
		switch m.Role {
		case api.RoleSystem, api.RoleUser, api.RoleAssistant, api.RoleTool:
		default:
			return badRequest(fmt.Sprintf("messages[%d]: unsupported role %q", i, m.Role))
		}
	}
	if req.ChatID == "" {
		if !req.IsNewChat {
			return badRequest("chatId is required")
		}
		req.ChatID = uuid.NewString()
	}
	return nil
}

// startTurn validates chat ownership, admits the turn and creates the chat
// when it is new. The chat is created after rate admission and before the
// loop starts, so a rejected turn persists nothing and a failed create
// costs no model work.
func (h *Handler) startTurn(ctx context.Context, id auth.Identity, req ChatRequest) (*turn, *requestError) {
	if rerr := validate(&req); rerr != nil {
		return nil, rerr
	}

	ctx, cancel := context.WithCancel(ctx)
	ctx, span := h.tracer.Start(ctx, "chat", map[string]any{"userId": id.UserID, "chatId": req.ChatID})
	t := &turn{
		ctx:     ctx,
		cancel:  cancel,
		span:    span,
		userID:  id.UserID,
		chatID:  req.ChatID,
		title:   title(req.Messages[len(req.Messages)-1].Content),
		isNew:   req.IsNewChat,
		history: state.ToAPI(req.Messages),
		logger:  h.logger.With("chat_id", req.ChatID, "user_id", id.UserID),
	}
	fail := func(err error) (*turn, *requestError) {
		span.RecordError(err)
		span.End(nil)
		cancel()
		return nil, turnError(err)
	}

	if !t.isNew {
		if err := h.validateOwnership(ctx, t); err != nil {
			return fail(err)
		}
	}

	treq := engine.TurnRequest{UserID: t.userID, ChatID: t.chatID, Messages: t.history}
	if t.isNew {
		treq.Admitted = func(ctx context.Context) error {
			if err := h.createChat(ctx, t, req.Messages); err != nil {
				t.logger.Error("failed to create chat", "error", err)
				return err
			}
			return nil
		}
	}
	events, err := h.engine.RunTurn(ctx, treq)
	if err != nil {
		t.logger.Warn("turn rejected", "error", err)
		return fail(err)
	}
	t.events = events
	return t, nil
}

func (h *Handler) validateOwnership(ctx context.Context, t *turn) error {
	ctx, span := h.tracer.Start(ctx, "validate-chat-ownership", map[string]any{"chatId": t.chatID, "userId": t.userID})
	chat, err := h.chats.GetChat(ctx, t.userID, t.chatID)
	if err != nil {
		span.End(map[string]any{"chatExists": false})
		return err
	}
	span.End(map[string]any{"success": true, "chatId": chat.ID, "chatTitle": chat.Title})
	return nil
}

func (h *Handler) createChat(ctx context.Context, t *turn, msgs []state.Message) error {
	ctx, span := h.tracer.Start(ctx, "create-new-chat", map[string]any{"userId": t.userID, "title": t.title, "messages": len(msgs)})
	err := h.chats.UpsertChat(ctx, state.UpsertChatParams{
		UserID:   t.userID,
		ChatID:   t.chatID,
		Title:    t.title,
		Messages: state.FromAPI(t.chatID, t.history, h.now()),
	})
	if err != nil {
		span.RecordError(err)
		span.End(nil)
		return err
	}
	span.End(map[string]any{"chatId": t.chatID})
	return nil
}

// updateChat stores the full transcript of a finished turn.
func (h *Handler) updateChat(t *turn, transcript []api.Message) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(t.ctx), persistTimeout)
	defer cancel()

	ctx, span := h.tracer.Start(ctx, "update-chat", map[string]any{
		"userId": t.userID, "chatId": t.chatID, "title": t.title, "messageCount": len(transcript),
	})
	err := h.chats.UpsertChat(ctx, state.UpsertChatParams{
		UserID:   t.userID,
		ChatID:   t.chatID,
		Title:    t.title,
		Messages: state.FromAPI(t.chatID, transcript, h.now()),
	})
	if err != nil {
		t.logger.Error("failed to update chat", "error", err)
		span.RecordError(err)
		span.End(nil)
		return
	}
	span.End(map[string]any{"success": true, "chatId": t.chatID, "updatedMessageCount": len(transcript)})
}

// stream forwards the turn's events to out. The transcript is stored before
// the done frame is written. A failed write cancels the turn.
func (h *Handler) stream(t *turn, out frameWriter) {
	defer t.cancel()
	defer t.span.End(nil)

	if t.isNew {
		if err := out.WriteFrame(t.ctx, "data", NewChatFrame{Type: newChatCreated, ChatID: t.chatID}); err != nil {
			h.abandon(t, err)
			return
		}
	}

	for ev := range t.events {
		switch ev.Type {
		case agent.EventDone:
			h.updateChat(t, ev.Messages)
		case agent.EventError:
			t.span.RecordError(errors.New(ev.Error))
		}
		if err := out.WriteFrame(t.ctx, string(ev.Type), ev); err != nil {
			h.abandon(t, err)
			return
		}
	}
}

func (h *Handler) abandon(t *turn, err error) {
	t.logger.Info("client went away", "error", err)
	t.cancel()
	for range t.events {
	}
}

// sseWriter writes frames as server-sent events.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func (s *sseWriter) WriteFrame(_ context.Context, event string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, payload); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// handleChat handles POST /api/chat
func (h *Handler) handleChat(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.FromContext(r.Context())

	var req ChatRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, h.maxRequest)).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.writeError(w, http.StatusRequestEntityTooLarge, "invalid_request", "Request body too large")
			return
		}
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Failed to parse request body")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "streaming_not_supported", "Streaming not supported")
		return
	}

	t, rerr := h.startTurn(r.Context(), id, req)
	if rerr != nil {
		h.writeError(w, rerr.status, rerr.errType, rerr.message)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Chat-Id", t.chatID)
	w.WriteHeader(http.StatusOK)

	h.stream(t, &sseWriter{w: w, flusher: flusher})
	t.logger.Info("Streaming completed")
}
