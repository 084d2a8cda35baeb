package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/xaenox/botrelay/internal/models"
	"github.com/xaenox/botrelay/internal/storage"
	"github.com/xaenox/botrelay/internal/supervisor"
	"go.uber.org/zap"
)

type botView struct {
	*models.Bot
	Running bool `json:"running"`
}

type createBotRequest struct {
	Token       string `json:"token"`
	Name        string `json:"name"`
	Personality string `json:"personality"`
}

func (h *Handler) view(bot *models.Bot) botView {
	return botView{Bot: bot, Running: h.supervisor.IsRunning(bot.ID)}
}

// ListBots handles GET /api/v1/bots
func (h *Handler) ListBots(w http.ResponseWriter, r *http.Request) {
	bots, err := h.store.ListBots(r.Context())
	if err != nil {
		h.logger.Error("Failed to list bots", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list bots")
		return
	}

	views := make([]botView, 0, len(bots))
	for _, bot := range bots {
		views = append(views, h.view(bot))
	}
	writeJSON(w, http.StatusOK, views)
}

// CreateBot handles POST /api/v1/bots
func (h *Handler) CreateBot(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req createBotRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Token = strings.TrimSpace(req.Token)
	req.Name = strings.TrimSpace(req.Name)
	if req.Token == "" {
		writeError(w, http.StatusBadRequest, "token is required")
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	if utf8.RuneCountInString(req.Name) > models.MaxBotNameLength {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("name must be at most %d characters", models.MaxBotNameLength))
		return
	}

	if _, err := h.store.GetBotByToken(ctx, req.Token); err == nil {
		writeError(w, http.StatusConflict, "bot with this token already exists")
		return
	} else if !errors.Is(err, storage.ErrNotFound) {
		h.logger.Error("Failed to look up bot token", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to create bot")
		return
	}

	if !h.client.VerifyCredential(ctx, req.Token) {
		writeError(w, http.StatusBadRequest, "invalid bot token")
		return
	}

	bot := &models.Bot{
		Token:       req.Token,
		Name:        req.Name,
		Personality: models.ParsePersonality(req.Personality),
		IsActive:    true,
	}
	if err := h.store.CreateBot(ctx, bot); err != nil {
		if errors.Is(err, storage.ErrDuplicateToken) {
			writeError(w, http.StatusConflict, "bot with this token already exists")
			return
		}
		h.logger.Error("Failed to create bot", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to create bot")
		return
	}

	logger := h.logger.With(zap.Int64("bot_id", bot.ID), zap.String("correlation_id", CorrelationID(ctx)))
	logger.Info("Bot created",
		zap.String("name", bot.Name),
		zap.String("personality", bot.Personality.String()),
		zap.String("token", models.MaskToken(bot.Token)))

	if err := h.supervisor.Start(ctx, *bot); err != nil {
		logger.Error("Failed to start new bot", zap.Error(err))
		bot.IsActive = false
	}
	writeJSON(w, http.StatusCreated, h.view(bot))
}

// ToggleBot handles POST /api/v1/bots/{botID}/toggle
func (h *Handler) ToggleBot(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	bot, ok := h.loadBot(w, r)
	if !ok {
		return
	}
	logger := h.logger.With(zap.Int64("bot_id", bot.ID), zap.String("correlation_id", CorrelationID(ctx)))

	if bot.IsActive {
		if err := h.store.SetBotActive(ctx, bot.ID, false); err != nil {
			logger.Error("Failed to deactivate bot", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to deactivate bot")
			return
		}
		bot.IsActive = false
		if err := h.supervisor.Stop(ctx, bot.ID); err != nil {
			logger.Error("Failed to stop bot cleanly", zap.Error(err))
		}
		logger.Info("Bot deactivated")
		writeJSON(w, http.StatusOK, h.view(bot))
		return
	}

	if err := h.store.SetBotActive(ctx, bot.ID, true); err != nil {
		logger.Error("Failed to activate bot", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to activate bot")
		return
	}
	bot.IsActive = true
	if err := h.supervisor.Start(ctx, *bot); err != nil {
		logger.Warn("Failed to start bot", zap.Error(err))
		if errors.Is(err, supervisor.ErrCredentialInvalid) {
			writeError(w, http.StatusBadRequest, "bot token was rejected by the platform")
			return
		}
		writeError(w, http.StatusBadGateway, "failed to start bot")
		return
	}
	logger.Info("Bot activated")
	writeJSON(w, http.StatusOK, h.view(bot))
}

func (h *Handler) loadBot(w http.ResponseWriter, r *http.Request) (*models.Bot, bool) {
	botID, ok := int64Param(r, "botID")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid bot id")
		return nil, false
	}
	bot, err := h.store.GetBot(r.Context(), botID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "bot not found")
			return nil, false
		}
		h.logger.Error("Failed to load bot", zap.Int64("bot_id", botID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load bot")
		return nil, false
	}
	return bot, true
}
