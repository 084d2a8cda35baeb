package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/xaenox/botrelay/internal/models"
)

type chatKey struct {
	botID  int64
	chatID int64
}

type MemoryStorage struct {
	mu       sync.RWMutex
	bots     map[int64]*models.Bot
	chats    map[chatKey]*models.Chat
	messages []*models.Message
	lastBot  int64
	lastMsg  int64
	now      func() time.Time
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		bots:  make(map[int64]*models.Bot),
		chats: make(map[chatKey]*models.Chat),
		now:   time.Now,
	}
}

// Bot methods
func (s *MemoryStorage) CreateBot(ctx context.Context, bot *models.Bot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, b := range s.bots {
		if b.Token == bot.Token {
			return ErrDuplicateToken
		}
	}

	s.lastBot++
	bot.ID = s.lastBot
	bot.CreatedAt = s.now()
	stored := *bot
	s.bots[bot.ID] = &stored
	return nil
}

func (s *MemoryStorage) GetBot(ctx context.Context, id int64) (*models.Bot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if bot, exists := s.bots[id]; exists {
		out := *bot
		return &out, nil
	}
	return nil, ErrNotFound
}

func (s *MemoryStorage) GetBotByToken(ctx context.Context, token string) (*models.Bot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, bot := range s.bots {
		if bot.Token == token {
			out := *bot
			return &out, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStorage) ListBots(ctx context.Context) ([]*models.Bot, error) {
	return s.listBots(func(*models.Bot) bool { return true }), nil
}

func (s *MemoryStorage) ListActiveBots(ctx context.Context) ([]*models.Bot, error) {
	return s.listBots(func(b *models.Bot) bool { return b.IsActive }), nil
}

func (s *MemoryStorage) listBots(keep func(*models.Bot) bool) []*models.Bot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*models.Bot, 0, len(s.bots))
	for _, bot := range s.bots {
		if keep(bot) {
			out := *bot
			result = append(result, &out)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID > result[j].ID })
	return result
}

func (s *MemoryStorage) SetBotActive(ctx context.Context, id int64, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	bot, exists := s.bots[id]
	if !exists {
		return ErrNotFound
	}
	bot.IsActive = active
	return nil
}

// Chat methods
func (s *MemoryStorage) GetOrCreateChat(ctx context.Context, botID, chatID int64, title, text string) (*models.Chat, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	chat, created := s.upsertChat(botID, chatID, title, text)
	return chat, created, nil
}

func (s *MemoryStorage) RecordInbound(ctx context.Context, msg *models.Message, title string) (*models.Chat, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.appendMessage(msg)
	chat, created := s.upsertChat(msg.BotID, msg.ChatID, title, msg.Text)
	return chat, created, nil
}

// upsertChat must be called with mu held.
func (s *MemoryStorage) upsertChat(botID, chatID int64, title, text string) (*models.Chat, bool) {
	key := chatKey{botID: botID, chatID: chatID}
	chat, exists := s.chats[key]
	if !exists {
		chat = &models.Chat{
			ID:          chatID,
			BotID:       botID,
			Title:       title,
			LastMessage: text,
			Unread:      1,
			UpdatedAt:   s.now(),
		}
		s.chats[key] = chat
		out := *chat
		return &out, true
	}

	chat.Unread++
	chat.LastMessage = text
	chat.UpdatedAt = s.now()
	out := *chat
	return &out, false
}

func (s *MemoryStorage) UpdateChat(ctx context.Context, botID, chatID int64, patch ChatPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	chat, exists := s.chats[chatKey{botID: botID, chatID: chatID}]
	if !exists {
		return ErrNotFound
	}
	if patch.LastMessage != nil {
		chat.LastMessage = *patch.LastMessage
		chat.UpdatedAt = s.now()
	}
	if patch.ResetUnread {
		chat.Unread = 0
	}
	return nil
}

func (s *MemoryStorage) GetChat(ctx context.Context, botID, chatID int64) (*models.Chat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if chat, exists := s.chats[chatKey{botID: botID, chatID: chatID}]; exists {
		out := *chat
		return &out, nil
	}
	return nil, ErrNotFound
}

func (s *MemoryStorage) ListChats(ctx context.Context, botID int64) ([]*models.Chat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*models.Chat, 0)
	for key, chat := range s.chats {
		if key.botID == botID {
			out := *chat
			result = append(result, &out)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].UpdatedAt.After(result[j].UpdatedAt)
	})
	return result, nil
}

// Message methods
func (s *MemoryStorage) CreateMessage(ctx context.Context, msg *models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.appendMessage(msg)
	return nil
}

func (s *MemoryStorage) appendMessage(msg *models.Message) {
	s.lastMsg++
	msg.ID = s.lastMsg
	msg.Timestamp = s.now()
	stored := *msg
	s.messages = append(s.messages, &stored)
}

func (s *MemoryStorage) ListMessages(ctx context.Context, botID, chatID int64) ([]*models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	// messages is append-only, so slice order is already timestamp order.
	result := make([]*models.Message, 0)
	for _, msg := range s.messages {
		if msg.BotID == botID && msg.ChatID == chatID {
			out := *msg
			result = append(result, &out)
		}
	}
	return result, nil
}

func (s *MemoryStorage) Close() error {
	// Nothing to close for in-memory storage
	return nil
}
