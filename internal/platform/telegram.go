package platform

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/xaenox/botrelay/internal/models"
	"github.com/xaenox/botrelay/internal/transcribe"
	"github.com/xaenox/botrelay/pkg/metrics"
	"go.uber.org/zap"
)

const (
	DefaultFileEndpoint = "https://api.telegram.org/file/bot%s/%s"
	unknownTitle        = "Unknown"
)

type TelegramConfig struct {
	APIEndpoint  string // tgbotapi.APIEndpoint style format, token then method
	FileEndpoint string // token then file path
	PollTimeout  time.Duration
	SendTimeout  time.Duration
	RetryDelay   time.Duration
}

type TelegramClient struct {
	cfg         TelegramConfig
	http        *http.Client
	transcriber transcribe.Transcriber
	logger      *zap.Logger
}

// NewTelegramClient builds a Telegram Bot API client. transcriber may be nil,
// in which case voice notes arrive with empty text.
func NewTelegramClient(cfg TelegramConfig, httpClient *http.Client, transcriber transcribe.Transcriber, logger *zap.Logger) *TelegramClient {
	if cfg.APIEndpoint == "" {
		cfg.APIEndpoint = tgbotapi.APIEndpoint
	}
	if cfg.FileEndpoint == "" {
		cfg.FileEndpoint = DefaultFileEndpoint
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 30 * time.Second
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 3 * time.Second
	}
	if httpClient == nil {
		// Requests are bounded by their context; long polls outlive any fixed timeout.
		httpClient = &http.Client{}
	}
	return &TelegramClient{
		cfg:         cfg,
		http:        httpClient,
		transcriber: transcriber,
		logger:      logger,
	}
}

// contextDoer binds every request of a tgbotapi.BotAPI to ctx, so cancelling
// ctx aborts an in-flight long poll instead of waiting for it to time out.
type contextDoer struct {
	ctx    context.Context
	client *http.Client
}

func (d contextDoer) Do(req *http.Request) (*http.Response, error) {
	return d.client.Do(req.WithContext(d.ctx))
}

func (c *TelegramClient) newAPI(ctx context.Context, token string) *tgbotapi.BotAPI {
	api := &tgbotapi.BotAPI{
		Token:  token,
		Buffer: 100,
		Client: contextDoer{ctx: ctx, client: c.http},
	}
	api.SetAPIEndpoint(c.cfg.APIEndpoint)
	return api
}

func (c *TelegramClient) VerifyCredential(ctx context.Context, token string) bool {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.SendTimeout)
	defer cancel()

	self, err := c.newAPI(ctx, token).GetMe()
	if err != nil {
		c.logger.Warn("Token verification failed",
			zap.Error(err),
			zap.String("token", models.MaskToken(token)))
		return false
	}
	return self.ID != 0
}

func (c *TelegramClient) Receive(ctx context.Context, botID int64, token string) (<-chan models.InboundEvent, error) {
	openCtx, cancel := context.WithTimeout(ctx, c.cfg.SendTimeout)
	defer cancel()

	self, err := c.newAPI(openCtx, token).GetMe()
	if err != nil {
		return nil, fmt.Errorf("failed to open telegram session: %w", err)
	}
	api := c.newAPI(ctx, token)

	logger := c.logger.With(
		zap.Int64("bot_id", botID),
		zap.String("username", self.UserName))
	logger.Info("Telegram polling started")

	out := make(chan models.InboundEvent)
	go c.poll(ctx, api, botID, out, logger)
	return out, nil
}

func (c *TelegramClient) poll(ctx context.Context, api *tgbotapi.BotAPI, botID int64, out chan<- models.InboundEvent, logger *zap.Logger) {
	defer close(out)
	defer logger.Info("Telegram polling stopped")

	u := tgbotapi.NewUpdate(0)
	u.Timeout = int(c.cfg.PollTimeout.Seconds())

	for {
		if ctx.Err() != nil {
			return
		}

		updates, err := api.GetUpdates(u)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if isPermanent(err) {
				logger.Error("Telegram rejected the bot token, polling aborted", zap.Error(err))
				return
			}
			metrics.TransportFailures.WithLabelValues("receive").Inc()
			logger.Warn("Failed to get updates, retrying",
				zap.Error(err),
				zap.Duration("retry_delay", c.cfg.RetryDelay))

			timer := time.NewTimer(c.cfg.RetryDelay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
			continue
		}

		for _, update := range updates {
			if update.UpdateID >= u.Offset {
				u.Offset = update.UpdateID + 1
			}
			ev, ok := c.normalize(ctx, api, botID, update)
			if !ok {
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (c *TelegramClient) normalize(ctx context.Context, api *tgbotapi.BotAPI, botID int64, update tgbotapi.Update) (models.InboundEvent, bool) {
	message := update.Message
	if message == nil || message.Chat == nil {
		return models.InboundEvent{}, false
	}

	// Get content from message
	content := message.Text
	if content == "" {
		content = message.Caption
	}
	if content == "" && message.Voice != nil && c.transcriber != nil {
		content = c.transcribeVoice(ctx, api, message.Voice)
	}

	title := message.Chat.Title
	if title == "" {
		title = message.Chat.FirstName
	}
	if title == "" {
		title = unknownTitle
	}

	return models.InboundEvent{
		BotID:      botID,
		ChatID:     message.Chat.ID,
		Text:       content,
		Title:      models.Truncate(title, models.MaxChatTitleLength),
		Command:    message.Command(),
		ReceivedAt: time.Now(),
	}, true
}

func (c *TelegramClient) transcribeVoice(ctx context.Context, api *tgbotapi.BotAPI, voice *tgbotapi.Voice) string {
	file, err := api.GetFile(tgbotapi.FileConfig{FileID: voice.FileID})
	if err != nil {
		c.logger.Warn("Failed to resolve voice file", zap.Error(err), zap.String("file_id", voice.FileID))
		return ""
	}

	url := fmt.Sprintf(c.cfg.FileEndpoint, api.Token, file.FilePath)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return ""
	}
	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Warn("Failed to download voice file", zap.Error(err), zap.String("file_id", voice.FileID))
		return ""
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		c.logger.Warn("Failed to download voice file",
			zap.Int("status", resp.StatusCode),
			zap.String("file_id", voice.FileID))
		return ""
	}

	text, err := c.transcriber.Transcribe(ctx, "voice.ogg", resp.Body)
	if err != nil {
		return ""
	}
	return text
}

func (c *TelegramClient) SendText(ctx context.Context, token string, chatID int64, text string) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.SendTimeout)
	defer cancel()

	msg := tgbotapi.NewMessage(chatID, text)
	if _, err := c.newAPI(ctx, token).Send(msg); err != nil {
		metrics.TransportFailures.WithLabelValues("send").Inc()
		return fmt.Errorf("failed to send message: %w", err)
	}
	return nil
}

// isPermanent reports errors that retrying cannot fix: a revoked or unknown token.
func isPermanent(err error) bool {
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code == http.StatusUnauthorized || apiErr.Code == http.StatusNotFound
	}
	return false
}
