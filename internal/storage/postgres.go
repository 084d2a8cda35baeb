package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/lib/pq"
	"github.com/xaenox/botrelay/internal/models"
	"go.uber.org/zap"
)

//go:embed migrations.sql
var migrations embed.FS

type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

type PostgresStorage struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewPostgresStorage(ctx context.Context, config DatabaseConfig, logger *zap.Logger) (*PostgresStorage, error) {
	connStr := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		config.Host, config.Port, config.User, config.Password, config.DBName, config.SSLMode)

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w", err)
	}

	// Test the connection
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("error connecting to the database: %w", err)
	}

	storage := &PostgresStorage{db: db, logger: logger}

	if err := storage.initializeSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("error initializing database schema: %w", err)
	}

	logger.Info("PostgreSQL storage ready",
		zap.String("host", config.Host),
		zap.String("dbname", config.DBName))
	return storage, nil
}

func (s *PostgresStorage) initializeSchema(ctx context.Context) error {
	migrationSQL, err := migrations.ReadFile("migrations.sql")
	if err != nil {
		return fmt.Errorf("error reading migrations file: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, string(migrationSQL)); err != nil {
		return fmt.Errorf("error executing migrations: %w", err)
	}
	return nil
}

const botColumns = `id, token, name, personality, is_active, created_at`

func scanBot(row interface{ Scan(...any) error }) (*models.Bot, error) {
	bot := &models.Bot{}
	var personality string
	if err := row.Scan(&bot.ID, &bot.Token, &bot.Name, &personality, &bot.IsActive, &bot.CreatedAt); err != nil {
		return nil, err
	}
	bot.Personality = models.ParsePersonality(personality)
	return bot, nil
}

func (s *PostgresStorage) CreateBot(ctx context.Context, bot *models.Bot) error {
	query := `
		INSERT INTO bots (token, name, personality, is_active)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at`

	err := s.db.QueryRowContext(ctx, query, bot.Token, bot.Name, string(bot.Personality), bot.IsActive).
		Scan(&bot.ID, &bot.CreatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrDuplicateToken
		}
		return fmt.Errorf("error creating bot: %w", err)
	}
	return nil
}

func (s *PostgresStorage) GetBot(ctx context.Context, id int64) (*models.Bot, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+botColumns+` FROM bots WHERE id = $1`, id)
	bot, err := scanBot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("error querying bot: %w", err)
	}
	return bot, nil
}

func (s *PostgresStorage) GetBotByToken(ctx context.Context, token string) (*models.Bot, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+botColumns+` FROM bots WHERE token = $1`, token)
	bot, err := scanBot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("error querying bot by token: %w", err)
	}
	return bot, nil
}

func (s *PostgresStorage) ListBots(ctx context.Context) ([]*models.Bot, error) {
	return s.queryBots(ctx, `SELECT `+botColumns+` FROM bots ORDER BY id DESC`)
}

func (s *PostgresStorage) ListActiveBots(ctx context.Context) ([]*models.Bot, error) {
	return s.queryBots(ctx, `SELECT `+botColumns+` FROM bots WHERE is_active ORDER BY id DESC`)
}

func (s *PostgresStorage) queryBots(ctx context.Context, query string, args ...any) ([]*models.Bot, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("error querying bots: %w", err)
	}
	defer rows.Close()

	var bots []*models.Bot
	for rows.Next() {
		bot, err := scanBot(rows)
		if err != nil {
			return nil, fmt.Errorf("error scanning bot: %w", err)
		}
		bots = append(bots, bot)
	}
	return bots, rows.Err()
}

func (s *PostgresStorage) SetBotActive(ctx context.Context, id int64, active bool) error {
	result, err := s.db.ExecContext(ctx, `UPDATE bots SET is_active = $1 WHERE id = $2`, active, id)
	if err != nil {
		return fmt.Errorf("error updating bot: %w", err)
	}
	return expectRow(result)
}

// queryRower is satisfied by both *sql.DB and *sql.Tx.
type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *PostgresStorage) GetOrCreateChat(ctx context.Context, botID, chatID int64, title, text string) (*models.Chat, bool, error) {
	return upsertChat(ctx, s.db, botID, chatID, title, text)
}

func (s *PostgresStorage) RecordInbound(ctx context.Context, msg *models.Message, title string) (*models.Chat, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("error starting transaction: %w", err)
	}
	defer tx.Rollback()

	if err := insertMessage(ctx, tx, msg); err != nil {
		return nil, false, err
	}
	chat, created, err := upsertChat(ctx, tx, msg.BotID, msg.ChatID, title, msg.Text)
	if err != nil {
		return nil, false, err
	}
	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("error committing inbound message: %w", err)
	}
	return chat, created, nil
}

func upsertChat(ctx context.Context, q queryRower, botID, chatID int64, title, text string) (*models.Chat, bool, error) {
	// xmax is zero only for a freshly inserted row.
	query := `
		INSERT INTO chats (bot_id, id, title, last_message, unread, updated_at)
		VALUES ($1, $2, $3, $4, 1, NOW())
		ON CONFLICT (bot_id, id) DO UPDATE
		SET unread = chats.unread + 1,
			last_message = EXCLUDED.last_message,
			updated_at = EXCLUDED.updated_at
		RETURNING id, bot_id, title, last_message, unread, updated_at, (xmax = 0)`

	chat := &models.Chat{}
	var created bool
	err := q.QueryRowContext(ctx, query, botID, chatID, title, text).Scan(
		&chat.ID,
		&chat.BotID,
		&chat.Title,
		&chat.LastMessage,
		&chat.Unread,
		&chat.UpdatedAt,
		&created,
	)
	if err != nil {
		return nil, false, fmt.Errorf("error upserting chat: %w", err)
	}
	return chat, created, nil
}

func (s *PostgresStorage) UpdateChat(ctx context.Context, botID, chatID int64, patch ChatPatch) error {
	query := `
		UPDATE chats
		SET last_message = COALESCE($1::text, last_message),
			updated_at = CASE WHEN $1::text IS NULL THEN updated_at ELSE NOW() END,
			unread = CASE WHEN $2::boolean THEN 0 ELSE unread END
		WHERE bot_id = $3 AND id = $4`

	var lastMessage sql.NullString
	if patch.LastMessage != nil {
		lastMessage = sql.NullString{String: *patch.LastMessage, Valid: true}
	}

	result, err := s.db.ExecContext(ctx, query, lastMessage, patch.ResetUnread, botID, chatID)
	if err != nil {
		return fmt.Errorf("error updating chat: %w", err)
	}
	return expectRow(result)
}

const chatColumns = `id, bot_id, title, last_message, unread, updated_at`

func scanChat(row interface{ Scan(...any) error }) (*models.Chat, error) {
	chat := &models.Chat{}
	err := row.Scan(&chat.ID, &chat.BotID, &chat.Title, &chat.LastMessage, &chat.Unread, &chat.UpdatedAt)
	return chat, err
}

func (s *PostgresStorage) GetChat(ctx context.Context, botID, chatID int64) (*models.Chat, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+chatColumns+` FROM chats WHERE bot_id = $1 AND id = $2`, botID, chatID)
	chat, err := scanChat(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("error querying chat: %w", err)
	}
	return chat, nil
}

func (s *PostgresStorage) ListChats(ctx context.Context, botID int64) ([]*models.Chat, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+chatColumns+` FROM chats WHERE bot_id = $1 ORDER BY updated_at DESC`, botID)
	if err != nil {
		return nil, fmt.Errorf("error querying chats: %w", err)
	}
	defer rows.Close()

	var chats []*models.Chat
	for rows.Next() {
		chat, err := scanChat(rows)
		if err != nil {
			return nil, fmt.Errorf("error scanning chat: %w", err)
		}
		chats = append(chats, chat)
	}
	return chats, rows.Err()
}

func (s *PostgresStorage) CreateMessage(ctx context.Context, msg *models.Message) error {
	return insertMessage(ctx, s.db, msg)
}

func insertMessage(ctx context.Context, q queryRower, msg *models.Message) error {
	query := `
		INSERT INTO messages (bot_id, chat_id, text, direction)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at`

	err := q.QueryRowContext(ctx, query, msg.BotID, msg.ChatID, msg.Text, string(msg.Direction)).
		Scan(&msg.ID, &msg.Timestamp)
	if err != nil {
		return fmt.Errorf("error creating message: %w", err)
	}
	return nil
}

func (s *PostgresStorage) ListMessages(ctx context.Context, botID, chatID int64) ([]*models.Message, error) {
	query := `
		SELECT id, chat_id, bot_id, text, direction, created_at
		FROM messages
		WHERE bot_id = $1 AND chat_id = $2
		ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, query, botID, chatID)
	if err != nil {
		return nil, fmt.Errorf("error querying messages: %w", err)
	}
	defer rows.Close()

	var messages []*models.Message
	for rows.Next() {
		msg := &models.Message{}
		var direction string
		if err := rows.Scan(&msg.ID, &msg.ChatID, &msg.BotID, &msg.Text, &direction, &msg.Timestamp); err != nil {
			return nil, fmt.Errorf("error scanning message: %w", err)
		}
		msg.Direction = models.Direction(direction)
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

func (s *PostgresStorage) Close() error {
	return s.db.Close()
}

func expectRow(result sql.Result) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("error getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
