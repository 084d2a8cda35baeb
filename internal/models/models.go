package models

import (
	"time"
	"unicode/utf8"
)

type Direction string

const (
	Incoming Direction = "incoming"
	Outgoing Direction = "outgoing"
)

// Column widths, in characters.
const (
	MaxBotNameLength   = 128
	MaxChatTitleLength = 255
)

// Bot is a registered platform bot. Bots are never deleted, only deactivated.
type Bot struct {
	ID          int64       `json:"id"`
	Token       string      `json:"-"`
	Name        string      `json:"name"`
	Personality Personality `json:"personality"`
	IsActive    bool        `json:"is_active"`
	CreatedAt   time.Time   `json:"created_at"`
}

// Chat is the inbox summary of one platform conversation, unique per (BotID, ID).
type Chat struct {
	ID          int64     `json:"id"`
	BotID       int64     `json:"bot_id"`
	Title       string    `json:"title"`
	LastMessage string    `json:"last_message"`
	Unread      int       `json:"unread"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Message is an immutable entry of a chat log.
type Message struct {
	ID        int64     `json:"id"`
	ChatID    int64     `json:"chat_id"`
	BotID     int64     `json:"bot_id"`
	Text      string    `json:"text"`
	Direction Direction `json:"direction"`
	Timestamp time.Time `json:"timestamp"`
}

// MaskToken keeps only a short prefix of a bot token for logging.
func MaskToken(token string) string {
	if len(token) <= 5 {
		return "***"
	}
	return token[:5] + "..."
}

// Truncate cuts s to at most n characters without splitting a rune.
func Truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}
