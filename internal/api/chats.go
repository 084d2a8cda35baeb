package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/xaenox/botrelay/internal/models"
	"github.com/xaenox/botrelay/internal/notify"
	"github.com/xaenox/botrelay/internal/storage"
	"github.com/xaenox/botrelay/pkg/metrics"
	"go.uber.org/zap"
)

type sendMessageRequest struct {
	Text string `json:"text"`
}

type sendMessageResponse struct {
	Message   *models.Message `json:"message"`
	Delivered bool            `json:"delivered"`
}

type chatMessagesResponse struct {
	Chat     *models.Chat      `json:"chat"`
	Messages []*models.Message `json:"messages"`
}

// ListChats handles GET /api/v1/bots/{botID}/chats
func (h *Handler) ListChats(w http.ResponseWriter, r *http.Request) {
	bot, ok := h.loadBot(w, r)
	if !ok {
		return
	}
	chats, err := h.store.ListChats(r.Context(), bot.ID)
	if err != nil {
		h.logger.Error("Failed to list chats", zap.Int64("bot_id", bot.ID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list chats")
		return
	}
	if chats == nil {
		chats = []*models.Chat{}
	}
	writeJSON(w, http.StatusOK, chats)
}

// ListMessages handles GET /api/v1/bots/{botID}/chats/{chatID}/messages.
// Viewing a chat marks it read.
func (h *Handler) ListMessages(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	bot, chat, ok := h.loadChat(w, r)
	if !ok {
		return
	}

	messages, err := h.store.ListMessages(ctx, bot.ID, chat.ID)
	if err != nil {
		h.logger.Error("Failed to list messages", zap.Int64("bot_id", bot.ID), zap.Int64("chat_id", chat.ID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list messages")
		return
	}
	if messages == nil {
		messages = []*models.Message{}
	}

	if chat.Unread > 0 {
		if err := h.store.UpdateChat(ctx, bot.ID, chat.ID, storage.ChatPatch{ResetUnread: true}); err != nil {
			h.logger.Error("Failed to reset unread counter", zap.Int64("bot_id", bot.ID), zap.Int64("chat_id", chat.ID), zap.Error(err))
		} else {
			chat.Unread = 0
			h.publish(r, notify.Event{Kind: notify.KindChat, BotID: bot.ID, ChatID: chat.ID, Chat: chat})
		}
	}

	writeJSON(w, http.StatusOK, chatMessagesResponse{Chat: chat, Messages: messages})
}

// SendMessage handles POST /api/v1/bots/{botID}/chats/{chatID}/messages.
// The reply is stored before it is sent; a failed send keeps the stored
// message and is reported through delivered=false.
func (h *Handler) SendMessage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}

	bot, chat, ok := h.loadChat(w, r)
	if !ok {
		return
	}
	logger := h.logger.With(
		zap.Int64("bot_id", bot.ID),
		zap.Int64("chat_id", chat.ID),
		zap.String("correlation_id", CorrelationID(ctx)))

	msg := &models.Message{
		ChatID:    chat.ID,
		BotID:     bot.ID,
		Text:      req.Text,
		Direction: models.Outgoing,
	}
	if err := h.store.CreateMessage(ctx, msg); err != nil {
		logger.Error("Failed to save operator reply", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to save message")
		return
	}
	metrics.MessagesTotal.WithLabelValues(string(models.Outgoing), "operator").Inc()

	if err := h.store.UpdateChat(ctx, bot.ID, chat.ID, storage.ChatPatch{LastMessage: &req.Text, ResetUnread: true}); err != nil {
		logger.Error("Failed to update chat summary", zap.Error(err))
	} else {
		chat.LastMessage = req.Text
		chat.Unread = 0
		chat.UpdatedAt = time.Now()
	}
	h.publish(r, notify.Event{Kind: notify.KindMessage, BotID: bot.ID, ChatID: chat.ID, Message: msg})
	h.publish(r, notify.Event{Kind: notify.KindChat, BotID: bot.ID, ChatID: chat.ID, Chat: chat})

	delivered := true
	if err := h.client.SendText(ctx, bot.Token, chat.ID, req.Text); err != nil {
		delivered = false
		logger.Error("Failed to send operator reply", zap.Error(err), zap.Int64("message_id", msg.ID))
	}
	writeJSON(w, http.StatusAccepted, sendMessageResponse{Message: msg, Delivered: delivered})
}

func (h *Handler) loadChat(w http.ResponseWriter, r *http.Request) (*models.Bot, *models.Chat, bool) {
	bot, ok := h.loadBot(w, r)
	if !ok {
		return nil, nil, false
	}
	chatID, ok := int64Param(r, "chatID")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid chat id")
		return nil, nil, false
	}
	chat, err := h.store.GetChat(r.Context(), bot.ID, chatID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "chat not found")
			return nil, nil, false
		}
		h.logger.Error("Failed to load chat", zap.Int64("bot_id", bot.ID), zap.Int64("chat_id", chatID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load chat")
		return nil, nil, false
	}
	return bot, chat, true
}

func (h *Handler) publish(r *http.Request, ev notify.Event) {
	ev.At = time.Now()
	if err := h.publisher.Publish(r.Context(), ev); err != nil {
		h.logger.Warn("Failed to publish inbox event", zap.Error(err), zap.String("kind", string(ev.Kind)))
	}
}
