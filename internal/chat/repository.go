package chat

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// EventPublisher pushes change-feed notifications after successful writes.
// Implemented by the redis feed; decoupled here the same way the websocket
// handler is decoupled from the user service.
type EventPublisher interface {
	PublishInsert(ctx context.Context, msg Message) error
	PublishRead(ctx context.Context, chatID string, ids []string) error
}

type Repository struct {
	db     *sql.DB
	events EventPublisher
	log    *zap.SugaredLogger
}

func NewRepository(db *sql.DB, events EventPublisher, log *zap.SugaredLogger) *Repository {
	return &Repository{db: db, events: events, log: log}
}

// ReadOrdered returns every message of a chat ascending by creation time
// (ties by id), each with its sender profile joined in.
func (r *Repository) ReadOrdered(ctx context.Context, chatID string) ([]Message, error) {
	query := `
		SELECT m.id, m.chat_id, m.sender_id, m.content, m.created_at, m.is_read,
		       u.name, u.phone, u.avatar_url
		FROM messages m
		JOIN users u ON m.sender_id = u.id
		WHERE m.chat_id = $1
		ORDER BY m.created_at ASC, m.id ASC
	`
	rows, err := r.db.QueryContext(ctx, query, chatID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ChatID, &m.SenderID, &m.Content, &m.CreatedAt, &m.IsRead,
			&m.Sender.Name, &m.Sender.Phone, &m.Sender.AvatarURL); err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// Insert persists a new message (id assigned here, not by the caller), bumps
// the chat's last-message columns, and publishes the insert event. The event
// carries only the message's own fields; subscribers resolve the sender
// profile themselves.
func (r *Repository) Insert(ctx context.Context, msg Message) error {
	msg.ID = uuid.NewString()

	query := `
		INSERT INTO messages (id, chat_id, sender_id, content, created_at, is_read)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	if _, err := r.db.ExecContext(ctx, query,
		msg.ID, msg.ChatID, msg.SenderID, msg.Content, msg.CreatedAt, msg.IsRead); err != nil {
		return err
	}

	bump := `UPDATE chats SET last_message = $1, last_message_time = $2 WHERE id = $3`
	if _, err := r.db.ExecContext(ctx, bump, msg.Content, msg.CreatedAt, msg.ChatID); err != nil {
		r.log.Warnw("last-message bump failed", "chat_id", msg.ChatID, "error", err)
	}

	msg.Sender = Profile{}
	if err := r.events.PublishInsert(ctx, msg); err != nil {
		r.log.Warnw("insert event publish failed", "chat_id", msg.ChatID, "message_id", msg.ID, "error", err)
	}
	return nil
}

// MarkRead flips is_read for the given ids in one statement, then publishes
// the matching update events. The flag only ever moves false -> true.
func (r *Repository) MarkRead(ctx context.Context, chatID string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = id
	}
	query := fmt.Sprintf("UPDATE messages SET is_read = TRUE WHERE id IN (%s)", strings.Join(placeholders, ", "))

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return err
	}

	if err := r.events.PublishRead(ctx, chatID, ids); err != nil {
		r.log.Warnw("read event publish failed", "chat_id", chatID, "error", err)
	}
	return nil
}

// CreateChat provisions a chat and its membership rows.
func (r *Repository) CreateChat(ctx context.Context, title, chatType string, memberIDs []string) (Chat, error) {
	if chatType != "group" {
		chatType = "private"
	}
	c := Chat{ID: uuid.NewString(), Title: title, Type: chatType}

	query := `INSERT INTO chats (id, title, type, last_message_time) VALUES ($1, $2, $3, $4)`
	if _, err := r.db.ExecContext(ctx, query, c.ID, c.Title, c.Type, time.Now().UTC()); err != nil {
		return Chat{}, err
	}

	for _, userID := range memberIDs {
		member := `INSERT INTO chat_members (chat_id, user_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`
		if _, err := r.db.ExecContext(ctx, member, c.ID, userID); err != nil {
			return Chat{}, err
		}
	}
	return c, nil
}

// ListChats returns the chat directory ordered by recency, each chat with its
// labels and member profiles.
func (r *Repository) ListChats(ctx context.Context) ([]ChatSummary, error) {
	query := `
		SELECT id, title, type, last_message, COALESCE(last_message_time, created_at)
		FROM chats
		ORDER BY last_message_time DESC NULLS LAST
	`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chats []ChatSummary
	for rows.Next() {
		var c ChatSummary
		if err := rows.Scan(&c.ID, &c.Title, &c.Type, &c.LastMessage, &c.LastMessageTime); err != nil {
			return nil, err
		}
		chats = append(chats, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range chats {
		if chats[i].Labels, err = r.listLabels(ctx, chats[i].ID); err != nil {
			return nil, err
		}
		if chats[i].Members, err = r.ListMembers(ctx, chats[i].ID); err != nil {
			return nil, err
		}
	}
	return chats, nil
}

func (r *Repository) listLabels(ctx context.Context, chatID string) ([]Label, error) {
	query := `
		SELECT l.name, l.color
		FROM chat_labels cl
		JOIN labels l ON cl.label_id = l.id
		WHERE cl.chat_id = $1
	`
	rows, err := r.db.QueryContext(ctx, query, chatID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var labels []Label
	for rows.Next() {
		var l Label
		if err := rows.Scan(&l.Name, &l.Color); err != nil {
			return nil, err
		}
		labels = append(labels, l)
	}
	return labels, rows.Err()
}

func (r *Repository) ListMembers(ctx context.Context, chatID string) ([]Member, error) {
	query := `
		SELECT cm.user_id, u.name, u.phone, u.avatar_url
		FROM chat_members cm
		JOIN users u ON cm.user_id = u.id
		WHERE cm.chat_id = $1
	`
	rows, err := r.db.QueryContext(ctx, query, chatID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var members []Member
	for rows.Next() {
		var m Member
		if err := rows.Scan(&m.UserID, &m.Profile.Name, &m.Profile.Phone, &m.Profile.AvatarURL); err != nil {
			return nil, err
		}
		members = append(members, m)
	}
	return members, rows.Err()
}
