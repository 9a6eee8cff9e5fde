// Copyright Open Responses Gateway Authors
// SPDX-License-Identifier: Apache-2.0

package http

import (
	"errors"
	"net/http"

	"github.com/leseb/deepsearch-gw/pkg/auth"
	"github.com/leseb/deepsearch-gw/pkg/core/state"
)

// ChatList is the body of GET /api/chats.
type ChatList struct {
	Chats []state.ChatSummary `json:"chats"`
}

// handleListChats handles GET /api/chats
func (h *Handler) handleListChats(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.FromContext(r.Context())

	chats, err := h.chats.GetChats(r.Context(), id.UserID)
	if err != nil {
		h.logger.Error("Failed to list chats", "user_id", id.UserID, "error", err)
		h.writeError(w, http.StatusInternalServerError, "server_error", "Failed to list chats")
		return
	}
	writeJSON(w, http.StatusOK, ChatList{Chats: chats})
}

// handleGetChat handles GET /api/chats/{id}
func (h *Handler) handleGetChat(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.FromContext(r.Context())
	chatID := r.PathValue("id")

	chat, err := h.chats.GetChat(r.Context(), id.UserID, chatID)
	if errors.Is(err, state.ErrChatNotFound) {
		h.writeError(w, http.StatusNotFound, "not_found", "Chat not found")
		return
	}
	if err != nil {
		h.logger.Error("Failed to get chat", "chat_id", chatID, "error", err)
		h.writeError(w, http.StatusInternalServerError, "server_error", "Failed to get chat")
		return
	}
	writeJSON(w, http.StatusOK, chat)
}
