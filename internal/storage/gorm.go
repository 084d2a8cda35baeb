package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/xaenox/botrelay/internal/models"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type botRecord struct {
	ID          int64     `gorm:"primaryKey;autoIncrement"`
	Token       string    `gorm:"size:100;uniqueIndex;not null"`
	Name        string    `gorm:"size:128;not null"`
	Personality string    `gorm:"size:50;not null;default:'generic'"`
	IsActive    bool      `gorm:"not null"`
	CreatedAt   time.Time `gorm:"not null"`
}

func (botRecord) TableName() string { return "bots" }

type chatRecord struct {
	BotID       int64     `gorm:"primaryKey;autoIncrement:false;index:idx_chats_bot_updated,priority:1"`
	ID          int64     `gorm:"primaryKey;autoIncrement:false"`
	Title       string    `gorm:"size:255;not null"`
	LastMessage string    `gorm:"type:text;not null"`
	Unread      int       `gorm:"not null;default:0"`
	UpdatedAt   time.Time `gorm:"not null;index:idx_chats_bot_updated,priority:2"`
}

func (chatRecord) TableName() string { return "chats" }

type messageRecord struct {
	ID        int64     `gorm:"primaryKey;autoIncrement"`
	BotID     int64     `gorm:"not null;index:idx_messages_chat,priority:1"`
	ChatID    int64     `gorm:"not null;index:idx_messages_chat,priority:2"`
	Text      string    `gorm:"type:text;not null"`
	Direction string    `gorm:"size:10;not null"`
	CreatedAt time.Time `gorm:"not null;index:idx_messages_chat,priority:3"`
}

func (messageRecord) TableName() string { return "messages" }

// GormStorage keeps the relay records in MySQL through gorm.
type GormStorage struct {
	db     *gorm.DB
	logger *zap.Logger
}

func NewMySQLStorage(dsn string, logger *zap.Logger) (*GormStorage, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w", err)
	}
	return NewGormStorage(db, logger)
}

// NewGormStorage migrates the schema on db and wraps it.
func NewGormStorage(db *gorm.DB, logger *zap.Logger) (*GormStorage, error) {
	if err := db.AutoMigrate(&botRecord{}, &chatRecord{}, &messageRecord{}); err != nil {
		return nil, fmt.Errorf("error migrating schema: %w", err)
	}
	logger.Info("gorm storage ready", zap.String("dialect", db.Dialector.Name()))
	return &GormStorage{db: db, logger: logger}, nil
}

func (r *botRecord) toModel() *models.Bot {
	return &models.Bot{
		ID:          r.ID,
		Token:       r.Token,
		Name:        r.Name,
		Personality: models.ParsePersonality(r.Personality),
		IsActive:    r.IsActive,
		CreatedAt:   r.CreatedAt,
	}
}

func (r *chatRecord) toModel() *models.Chat {
	return &models.Chat{
		ID:          r.ID,
		BotID:       r.BotID,
		Title:       r.Title,
		LastMessage: r.LastMessage,
		Unread:      r.Unread,
		UpdatedAt:   r.UpdatedAt,
	}
}

func (s *GormStorage) CreateBot(ctx context.Context, bot *models.Bot) error {
	rec := botRecord{
		Token:       bot.Token,
		Name:        bot.Name,
		Personality: string(bot.Personality),
		IsActive:    bot.IsActive,
		CreatedAt:   time.Now(),
	}
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrDuplicateToken
		}
		return fmt.Errorf("error creating bot: %w", err)
	}
	bot.ID = rec.ID
	bot.CreatedAt = rec.CreatedAt
	return nil
}

func (s *GormStorage) GetBot(ctx context.Context, id int64) (*models.Bot, error) {
	var rec botRecord
	if err := s.db.WithContext(ctx).First(&rec, id).Error; err != nil {
		return nil, notFound(err, "error querying bot")
	}
	return rec.toModel(), nil
}

func (s *GormStorage) GetBotByToken(ctx context.Context, token string) (*models.Bot, error) {
	var rec botRecord
	if err := s.db.WithContext(ctx).Where("token = ?", token).First(&rec).Error; err != nil {
		return nil, notFound(err, "error querying bot by token")
	}
	return rec.toModel(), nil
}

func (s *GormStorage) ListBots(ctx context.Context) ([]*models.Bot, error) {
	return s.findBots(s.db.WithContext(ctx))
}

func (s *GormStorage) ListActiveBots(ctx context.Context) ([]*models.Bot, error) {
	return s.findBots(s.db.WithContext(ctx).Where("is_active = ?", true))
}

func (s *GormStorage) findBots(q *gorm.DB) ([]*models.Bot, error) {
	var recs []botRecord
	if err := q.Order("id desc").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("error querying bots: %w", err)
	}
	bots := make([]*models.Bot, 0, len(recs))
	for i := range recs {
		bots = append(bots, recs[i].toModel())
	}
	return bots, nil
}

func (s *GormStorage) SetBotActive(ctx context.Context, id int64, active bool) error {
	res := s.db.WithContext(ctx).Model(&botRecord{}).Where("id = ?", id).Update("is_active", active)
	if res.Error != nil {
		return fmt.Errorf("error updating bot: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		// MySQL reports 0 for a no-op update, so tell that apart from a missing row.
		if _, err := s.GetBot(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func (s *GormStorage) GetOrCreateChat(ctx context.Context, botID, chatID int64, title, text string) (*models.Chat, bool, error) {
	var (
		chat    *models.Chat
		created bool
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		chat, created, err = upsertChatTx(tx, botID, chatID, title, text)
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return chat, created, nil
}

func (s *GormStorage) RecordInbound(ctx context.Context, msg *models.Message, title string) (*models.Chat, bool, error) {
	var (
		chat    *models.Chat
		created bool
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := createMessageTx(tx, msg); err != nil {
			return err
		}
		var err error
		chat, created, err = upsertChatTx(tx, msg.BotID, msg.ChatID, title, msg.Text)
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return chat, created, nil
}

func upsertChatTx(tx *gorm.DB, botID, chatID int64, title, text string) (*models.Chat, bool, error) {
	now := time.Now()
	rec := chatRecord{
		BotID:       botID,
		ID:          chatID,
		Title:       title,
		LastMessage: text,
		Unread:      1,
		UpdatedAt:   now,
	}

	res := tx.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "bot_id"}, {Name: "id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"unread":       gorm.Expr("unread + 1"),
			"last_message": text,
			"updated_at":   now,
		}),
	}).Create(&rec)
	if res.Error != nil {
		return nil, false, fmt.Errorf("error upserting chat: %w", res.Error)
	}
	// ON DUPLICATE KEY UPDATE reports 1 affected row for an insert, 2 for an update.
	created := res.RowsAffected == 1
	if err := tx.Where("bot_id = ? AND id = ?", botID, chatID).First(&rec).Error; err != nil {
		return nil, false, fmt.Errorf("error reading chat: %w", err)
	}
	return rec.toModel(), created, nil
}

func (s *GormStorage) UpdateChat(ctx context.Context, botID, chatID int64, patch ChatPatch) error {
	updates := map[string]interface{}{}
	if patch.LastMessage != nil {
		updates["last_message"] = *patch.LastMessage
		updates["updated_at"] = time.Now()
	}
	if patch.ResetUnread {
		updates["unread"] = 0
	}
	if _, err := s.GetChat(ctx, botID, chatID); err != nil {
		return err
	}
	if len(updates) == 0 {
		return nil
	}

	err := s.db.WithContext(ctx).Model(&chatRecord{}).
		Where("bot_id = ? AND id = ?", botID, chatID).
		Updates(updates).Error
	if err != nil {
		return fmt.Errorf("error updating chat: %w", err)
	}
	return nil
}

func (s *GormStorage) GetChat(ctx context.Context, botID, chatID int64) (*models.Chat, error) {
	var rec chatRecord
	err := s.db.WithContext(ctx).Where("bot_id = ? AND id = ?", botID, chatID).First(&rec).Error
	if err != nil {
		return nil, notFound(err, "error querying chat")
	}
	return rec.toModel(), nil
}

func (s *GormStorage) ListChats(ctx context.Context, botID int64) ([]*models.Chat, error) {
	var recs []chatRecord
	err := s.db.WithContext(ctx).Where("bot_id = ?", botID).Order("updated_at desc").Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("error querying chats: %w", err)
	}
	chats := make([]*models.Chat, 0, len(recs))
	for i := range recs {
		chats = append(chats, recs[i].toModel())
	}
	return chats, nil
}

func (s *GormStorage) CreateMessage(ctx context.Context, msg *models.Message) error {
	return createMessageTx(s.db.WithContext(ctx), msg)
}

func createMessageTx(tx *gorm.DB, msg *models.Message) error {
	rec := messageRecord{
		BotID:     msg.BotID,
		ChatID:    msg.ChatID,
		Text:      msg.Text,
		Direction: string(msg.Direction),
		CreatedAt: time.Now(),
	}
	if err := tx.Create(&rec).Error; err != nil {
		return fmt.Errorf("error creating message: %w", err)
	}
	msg.ID = rec.ID
	msg.Timestamp = rec.CreatedAt
	return nil
}

func (s *GormStorage) ListMessages(ctx context.Context, botID, chatID int64) ([]*models.Message, error) {
	var recs []messageRecord
	err := s.db.WithContext(ctx).
		Where("bot_id = ? AND chat_id = ?", botID, chatID).
		Order("created_at, id").
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("error querying messages: %w", err)
	}
	messages := make([]*models.Message, 0, len(recs))
	for _, rec := range recs {
		messages = append(messages, &models.Message{
			ID:        rec.ID,
			ChatID:    rec.ChatID,
			BotID:     rec.BotID,
			Text:      rec.Text,
			Direction: models.Direction(rec.Direction),
			Timestamp: rec.CreatedAt,
		})
	}
	return messages, nil
}

func (s *GormStorage) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func notFound(err error, msg string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return fmt.Errorf("%s: %w", msg, err)
}
