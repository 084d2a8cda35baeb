package storage

import (
	"context"
	"errors"

	"github.com/xaenox/botrelay/internal/models"
)

var (
	ErrNotFound       = errors.New("record not found")
	ErrDuplicateToken = errors.New("bot with this token already exists")
)

// ChatPatch describes a partial chat update. Nil fields are left untouched.
type ChatPatch struct {
	LastMessage *string
	ResetUnread bool
}

type Storage interface {
	BotStorage
	ChatStorage
	MessageStorage
	Close() error
}

type BotStorage interface {
	CreateBot(ctx context.Context, bot *models.Bot) error
	GetBot(ctx context.Context, id int64) (*models.Bot, error)
	GetBotByToken(ctx context.Context, token string) (*models.Bot, error)
	ListBots(ctx context.Context) ([]*models.Bot, error)
	ListActiveBots(ctx context.Context) ([]*models.Bot, error)
	SetBotActive(ctx context.Context, id int64, active bool) error
}

type ChatStorage interface {
	// GetOrCreateChat records an inbound message on the chat summary as one
	// atomic step: a missing chat is created with unread = 1, an existing one
	// gets unread + 1 and its last message and update time replaced.
	GetOrCreateChat(ctx context.Context, botID, chatID int64, title, text string) (*models.Chat, bool, error)
	// RecordInbound appends an incoming msg to the log and applies it to the
	// chat summary as GetOrCreateChat does, in one transaction. When either
	// write fails neither is kept.
	RecordInbound(ctx context.Context, msg *models.Message, title string) (*models.Chat, bool, error)
	UpdateChat(ctx context.Context, botID, chatID int64, patch ChatPatch) error
	GetChat(ctx context.Context, botID, chatID int64) (*models.Chat, error)
	ListChats(ctx context.Context, botID int64) ([]*models.Chat, error)
}

type MessageStorage interface {
	// CreateMessage appends msg to the log, assigning ID and Timestamp.
	CreateMessage(ctx context.Context, msg *models.Message) error
	ListMessages(ctx context.Context, botID, chatID int64) ([]*models.Message, error)
}
