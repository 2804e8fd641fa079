// Package storage is the development server's postgres layer. It backs
// the REST fallback endpoints and the realtime hub with the same data.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"go.uber.org/zap"

	"chatsync/internal/model"
)

var (
	ErrUserExists   = errors.New("user already exists")
	ErrUserNotExist = errors.New("user does not exist")
	ErrChatNotExist = errors.New("chat does not exist")
)

type User struct {
	ID           string
	Username     string
	PasswordHash string
	CreatedAt    time.Time
}

type Store struct {
	logger *zap.SugaredLogger
	db     *sql.DB
}

func New(logger *zap.SugaredLogger, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err = db.Ping(); err != nil {
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return &Store{logger: logger, db: db}, nil
}

func (s *Store) Close() {
	s.db.Close()
}

// Migrate creates the schema when missing. Good enough for a dev server.
func (s *Store) Migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			username TEXT UNIQUE NOT NULL,
			password_hash TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS chats (
			id TEXT PRIMARY KEY,
			name TEXT,
			kind TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS chat_members (
			chat_id TEXT NOT NULL REFERENCES chats(id),
			user_id TEXT NOT NULL REFERENCES users(id),
			deleted BOOLEAN NOT NULL DEFAULT FALSE,
			last_read_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (chat_id, user_id)
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			chat_id TEXT NOT NULL REFERENCES chats(id),
			sender_id TEXT NOT NULL REFERENCES users(id),
			content TEXT NOT NULL,
			reply_to_id TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS message_reads (
			message_id TEXT NOT NULL REFERENCES messages(id),
			user_id TEXT NOT NULL REFERENCES users(id),
			read_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (message_id, user_id)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrating schema: %w", err)
		}
	}
	return nil
}

// User methods

func (s *Store) CreateUser(username, passwordHash string) (User, error) {
	u := User{ID: uuid.NewString(), Username: username, PasswordHash: passwordHash}
	err := s.db.QueryRow(
		"INSERT INTO users (id, username, password_hash) VALUES ($1, $2, $3) RETURNING created_at",
		u.ID, username, passwordHash,
	).Scan(&u.CreatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
			return User{}, ErrUserExists
		}
		return User{}, err
	}
	return u, nil
}

func (s *Store) GetUserByUsername(username string) (User, error) {
	var u User
	err := s.db.QueryRow(
		"SELECT id, username, password_hash, created_at FROM users WHERE username = $1",
		username,
	).Scan(&u.ID, &u.Username, &u.PasswordHash, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrUserNotExist
	}
	return u, err
}

func (s *Store) GetUserByID(id string) (User, error) {
	var u User
	err := s.db.QueryRow(
		"SELECT id, username, created_at FROM users WHERE id = $1",
		id,
	).Scan(&u.ID, &u.Username, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrUserNotExist
	}
	return u, err
}

// Chat methods

func (s *Store) CreateChat(name string, kind model.ChatKind, memberIDs []string) (model.Chat, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return model.Chat{}, err
	}
	defer tx.Rollback()

	chatID := uuid.NewString()
	var namePtr *string
	if name != "" {
		namePtr = &name
	}

	var createdAt time.Time
	err = tx.QueryRow(
		"INSERT INTO chats (id, name, kind) VALUES ($1, $2, $3) RETURNING created_at",
		chatID, namePtr, string(kind),
	).Scan(&createdAt)
	if err != nil {
		return model.Chat{}, err
	}

	for _, userID := range memberIDs {
		_, err = tx.Exec(
			"INSERT INTO chat_members (chat_id, user_id) VALUES ($1, $2) ON CONFLICT DO NOTHING",
			chatID, userID,
		)
		if err != nil {
			return model.Chat{}, err
		}
	}

	if err := tx.Commit(); err != nil {
		return model.Chat{}, err
	}

	return s.GetChat(chatID)
}

func (s *Store) GetChat(chatID string) (model.Chat, error) {
	var c model.Chat
	var kind string
	err := s.db.QueryRow(
		"SELECT id, name, kind, created_at FROM chats WHERE id = $1",
		chatID,
	).Scan(&c.ID, &c.Name, &kind, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Chat{}, ErrChatNotExist
	}
	if err != nil {
		return model.Chat{}, err
	}
	c.Kind = model.ChatKind(kind)

	c.Members, err = s.chatMembers(chatID)
	if err != nil {
		return model.Chat{}, err
	}
	return c, nil
}

func (s *Store) chatMembers(chatID string) ([]model.Member, error) {
	rows, err := s.db.Query(`
		SELECT cm.user_id, u.username
		FROM chat_members cm
		JOIN users u ON u.id = cm.user_id
		WHERE cm.chat_id = $1
	`, chatID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var members []model.Member
	for rows.Next() {
		var m model.Member
		if err := rows.Scan(&m.UserID, &m.UserName); err != nil {
			return nil, err
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

// GetUserChats returns the chats visible to a user: membership minus
// per-user soft deletes, with unread counts derived from last_read_at.
func (s *Store) GetUserChats(userID string) ([]model.Chat, error) {
	rows, err := s.db.Query(`
		SELECT
			c.id,
			COALESCE(c.name, (
				SELECT u.username
				FROM chat_members cm2
				JOIN users u ON cm2.user_id = u.id
				WHERE cm2.chat_id = c.id AND cm2.user_id != $1
				LIMIT 1
			)) AS name,
			c.kind,
			c.created_at,
			(SELECT COUNT(*) FROM messages m
			 WHERE m.chat_id = c.id
			 AND m.created_at > cm.last_read_at
			 AND m.sender_id != $1) AS unread_count
		FROM chats c
		JOIN chat_members cm ON c.id = cm.chat_id
		WHERE cm.user_id = $1 AND NOT cm.deleted
		ORDER BY c.created_at DESC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chats []model.Chat
	for rows.Next() {
		var c model.Chat
		var kind string
		if err := rows.Scan(&c.ID, &c.Name, &kind, &c.CreatedAt, &c.UnreadCount); err != nil {
			s.logger.Warnw("scanning chat row", "error", err)
			continue
		}
		c.Kind = model.ChatKind(kind)
		chats = append(chats, c)
	}

	for i := range chats {
		chats[i].Members, err = s.chatMembers(chats[i].ID)
		if err != nil {
			return nil, err
		}
		last, err := s.lastMessage(chats[i].ID)
		if err != nil {
			return nil, err
		}
		chats[i].LastMessage = last
	}
	return chats, rows.Err()
}

func (s *Store) lastMessage(chatID string) (*model.Message, error) {
	var m model.Message
	var reply sql.NullString
	err := s.db.QueryRow(`
		SELECT m.id, m.chat_id, m.sender_id, u.username, m.content, m.reply_to_id, m.created_at
		FROM messages m
		JOIN users u ON u.id = m.sender_id
		WHERE m.chat_id = $1
		ORDER BY m.created_at DESC
		LIMIT 1
	`, chatID).Scan(&m.ID, &m.ChatID, &m.SenderID, &m.SenderName, &m.Content, &reply, &m.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if reply.Valid {
		m.ReplyToID = reply.String
	}
	return &m, nil
}

func (s *Store) AddMember(chatID, userID string) error {
	_, err := s.db.Exec(
		"INSERT INTO chat_members (chat_id, user_id) VALUES ($1, $2) ON CONFLICT (chat_id, user_id) DO UPDATE SET deleted = FALSE",
		chatID, userID,
	)
	return err
}

// SoftDeleteChat hides the chat for one user only.
func (s *Store) SoftDeleteChat(userID, chatID string) error {
	_, err := s.db.Exec(
		"UPDATE chat_members SET deleted = TRUE WHERE user_id = $1 AND chat_id = $2",
		userID, chatID,
	)
	return err
}

// RestoreChat undoes a per-user soft delete and reports whether the row
// actually flipped, so restoration events only go to users who had hidden
// the chat.
func (s *Store) RestoreChat(userID, chatID string) (bool, error) {
	res, err := s.db.Exec(
		"UPDATE chat_members SET deleted = FALSE WHERE user_id = $1 AND chat_id = $2 AND deleted",
		userID, chatID,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ChatMemberIDs returns every member id including ones who soft-deleted.
func (s *Store) ChatMemberIDs(chatID string) ([]string, error) {
	rows, err := s.db.Query("SELECT user_id FROM chat_members WHERE chat_id = $1", chatID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// DeletedMemberIDs returns the members who currently have the chat hidden.
func (s *Store) DeletedMemberIDs(chatID string) ([]string, error) {
	rows, err := s.db.Query("SELECT user_id FROM chat_members WHERE chat_id = $1 AND deleted", chatID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Message methods

func (s *Store) SaveMessage(chatID, senderID, content, replyToID string) (model.Message, error) {
	m := model.Message{
		ID:       uuid.NewString(),
		ChatID:   chatID,
		SenderID: senderID,
		Content:  content,
	}
	var reply *string
	if replyToID != "" {
		reply = &replyToID
		m.ReplyToID = replyToID
	}
	err := s.db.QueryRow(`
		INSERT INTO messages (id, chat_id, sender_id, content, reply_to_id)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at
	`, m.ID, chatID, senderID, content, reply).Scan(&m.CreatedAt)
	if err != nil {
		return model.Message{}, err
	}

	if user, err := s.GetUserByID(senderID); err == nil {
		m.SenderName = user.Username
	}
	return m, nil
}

func (s *Store) GetChatMessages(chatID string, limit int) ([]model.Message, error) {
	rows, err := s.db.Query(`
		SELECT m.id, m.chat_id, m.sender_id, u.username, m.content, m.reply_to_id, m.created_at,
			COALESCE(array_agg(mr.user_id) FILTER (WHERE mr.user_id IS NOT NULL), '{}') AS read_by
		FROM messages m
		JOIN users u ON u.id = m.sender_id
		LEFT JOIN message_reads mr ON mr.message_id = m.id
		WHERE m.chat_id = $1
		GROUP BY m.id, u.username
		ORDER BY m.created_at DESC
		LIMIT $2
	`, chatID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []model.Message
	for rows.Next() {
		var m model.Message
		var reply sql.NullString
		var readBy pq.StringArray
		if err := rows.Scan(&m.ID, &m.ChatID, &m.SenderID, &m.SenderName, &m.Content, &reply, &m.CreatedAt, &readBy); err != nil {
			s.logger.Warnw("scanning message row", "error", err)
			continue
		}
		if reply.Valid {
			m.ReplyToID = reply.String
		}
		m.ReadBy = []string(readBy)
		msgs = append(msgs, m)
	}

	// oldest first
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, rows.Err()
}

func (s *Store) MarkChatRead(userID, chatID string) error {
	_, err := s.db.Exec(
		"UPDATE chat_members SET last_read_at = NOW() WHERE user_id = $1 AND chat_id = $2",
		userID, chatID,
	)
	return err
}

func (s *Store) MarkMessageRead(messageID, userID string) error {
	_, err := s.db.Exec(
		"INSERT INTO message_reads (message_id, user_id) VALUES ($1, $2) ON CONFLICT DO NOTHING",
		messageID, userID,
	)
	return err
}

// LastMessageID returns the id of the chat's newest message, empty when
// the chat has none.
func (s *Store) LastMessageID(chatID string) (string, error) {
	var id string
	err := s.db.QueryRow(
		"SELECT id FROM messages WHERE chat_id = $1 ORDER BY created_at DESC LIMIT 1",
		chatID,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return id, err
}
