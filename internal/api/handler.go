package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/RichardoC/llm-relay/internal/models"
	"go.uber.org/zap"
)

type Dispatcher interface {
	HandleMessage(ctx context.Context, convID, text string) string
	HandleClear(ctx context.Context, convID string) bool
	History(convID string) []models.Turn
}

type Handler struct {
	dispatcher Dispatcher
	logger     *zap.Logger
}

func NewHandler(dispatcher Dispatcher, logger *zap.Logger) *Handler {
	return &Handler{
		dispatcher: dispatcher,
		logger:     logger,
	}
}

type MessageRequest struct {
	Content string `json:"content"`
}

type MessageResponse struct {
	ConversationID string `json:"conversation_id"`
	Reply          string `json:"reply"`
}

type ClearResponse struct {
	Cleared bool `json:"cleared"`
}

// Routes registers the handler on mux.
func (h *Handler) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/api/message", h.HandleMessage)
	mux.HandleFunc("/api/messages", h.GetMessages)
	mux.HandleFunc("/api/conversations/delete", h.DeleteConversation)
}

func (h *Handler) HandleMessage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	convID := r.URL.Query().Get("conversation_id")
	if convID == "" {
		http.Error(w, "Invalid conversation ID", http.StatusBadRequest)
		return
	}

	var req MessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	reply := h.dispatcher.HandleMessage(r.Context(), convID, req.Content)
	h.writeJSON(w, MessageResponse{ConversationID: convID, Reply: reply})
}

func (h *Handler) GetMessages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	convID := r.URL.Query().Get("conversation_id")
	if convID == "" {
		http.Error(w, "Invalid conversation ID", http.StatusBadRequest)
		return
	}

	turns := h.dispatcher.History(convID)
	h.logger.Debug("Retrieved messages",
		zap.String("chat_id", convID),
		zap.Int("count", len(turns)))
	h.writeJSON(w, turns)
}

func (h *Handler) DeleteConversation(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	convID := r.URL.Query().Get("conversation_id")
	if convID == "" {
		http.Error(w, "Invalid conversation ID", http.StatusBadRequest)
		return
	}

	h.writeJSON(w, ClearResponse{Cleared: h.dispatcher.HandleClear(r.Context(), convID)})
}

func (h *Handler) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("Failed to encode response", zap.Error(err))
	}
}
