package chat

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// SaveMessage persists a message and returns its full projection. The caller
// publishes only after this returns, which is what keeps fan-out strictly
// behind the durable commit.
func (r *Repository) SaveMessage(ctx context.Context, conversationID, senderID int, content string) (*Message, error) {
	msg := &Message{
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        content,
	}

	err := r.db.QueryRowContext(ctx,
		`INSERT INTO messages (conversation_id, sender_id, content)
         VALUES ($1, $2, $3)
         RETURNING id, created_at`,
		conversationID, senderID, content,
	).Scan(&msg.ID, &msg.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("save message: %w", err)
	}

	if err := r.db.QueryRowContext(ctx,
		`SELECT username FROM users WHERE id = $1`, senderID,
	).Scan(&msg.SenderName); err != nil {
		return nil, fmt.Errorf("resolve sender name: %w", err)
	}

	return msg, nil
}

func (r *Repository) Participants(ctx context.Context, conversationID int) ([]Participant, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT u.id, u.username
         FROM participants p
         JOIN users u ON u.id = p.user_id
         WHERE p.conversation_id = $1`,
		conversationID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Participant
	for rows.Next() {
		var p Participant
		if err := rows.Scan(&p.ID, &p.Username); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *Repository) IsParticipant(ctx context.Context, conversationID, userID int) (bool, error) {
	var one int
	err := r.db.QueryRowContext(ctx,
		`SELECT 1 FROM participants WHERE conversation_id = $1 AND user_id = $2`,
		conversationID, userID,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// FindOrCreatePrivate returns the private conversation between the two users,
// creating it (and its participant rows) when none exists yet.
func (r *Repository) FindOrCreatePrivate(ctx context.Context, userA, userB int) (int, error) {
	var id int
	err := r.db.QueryRowContext(ctx,
		`SELECT c.id
         FROM conversations c
         JOIN participants pa ON pa.conversation_id = c.id AND pa.user_id = $1
         JOIN participants pb ON pb.conversation_id = c.id AND pb.user_id = $2
         WHERE c.type = 'private'
         LIMIT 1`,
		userA, userB,
	).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	if err := tx.QueryRowContext(ctx,
		`INSERT INTO conversations (type) VALUES ('private') RETURNING id`,
	).Scan(&id); err != nil {
		return 0, err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO participants (conversation_id, user_id) VALUES ($1, $2), ($1, $3)`,
		id, userA, userB,
	); err != nil {
		return 0, err
	}
	return id, tx.Commit()
}

func (r *Repository) History(ctx context.Context, conversationID, limit int) ([]*Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT m.id, m.conversation_id, m.sender_id, u.username, m.content, m.is_read, m.created_at
         FROM messages m
         JOIN users u ON u.id = m.sender_id
         WHERE m.conversation_id = $1
         ORDER BY m.created_at DESC
         LIMIT $2`,
		conversationID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		msg := &Message{}
		if err := rows.Scan(&msg.ID, &msg.ConversationID, &msg.SenderID, &msg.SenderName,
			&msg.Content, &msg.IsRead, &msg.CreatedAt); err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// MarkConversationRead flips every message in the conversation that the
// reader did not send to read. Re-marking already-read messages is a no-op,
// which is what makes the operation idempotent.
func (r *Repository) MarkConversationRead(ctx context.Context, conversationID, readerID int) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE messages SET is_read = TRUE
         WHERE conversation_id = $1 AND sender_id <> $2 AND NOT is_read`,
		conversationID, readerID,
	)
	return err
}

// UnreadCount is always recomputed from the store; nothing in memory caches
// it, so it cannot drift from the authoritative state.
func (r *Repository) UnreadCount(ctx context.Context, conversationID, userID int) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages
         WHERE conversation_id = $1 AND sender_id <> $2 AND NOT is_read`,
		conversationID, userID,
	).Scan(&n)
	return n, err
}
