package notify

import (
	"context"
	"database/sql"
	"fmt"
)

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) Create(ctx context.Context, n *Notification) error {
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO notifications (recipient_id, kind, title, body)
         VALUES ($1, $2, $3, $4)
         RETURNING id, is_read, created_at`,
		n.RecipientID, string(n.Kind), n.Title, n.Body,
	).Scan(&n.ID, &n.IsRead, &n.CreatedAt)
	if err != nil {
		return fmt.Errorf("create notification: %w", err)
	}
	return nil
}

// MarkRead flips one notification to read. Re-marking an already-read item
// matches zero rows and is a no-op, so the operation is idempotent. The
// recipient filter keeps one user from touching another's items.
func (r *Repository) MarkRead(ctx context.Context, notificationID, recipientID int) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE notifications SET is_read = TRUE
         WHERE id = $1 AND recipient_id = $2 AND NOT is_read`,
		notificationID, recipientID,
	)
	return err
}

// MarkAllRead flips everything unread for the recipient and returns the
// unread count read inside the same transaction. No caller can observe a
// count computed between the bulk update and its completion.
func (r *Repository) MarkAllRead(ctx context.Context, recipientID int) (int, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE notifications SET is_read = TRUE
         WHERE recipient_id = $1 AND NOT is_read`,
		recipientID,
	); err != nil {
		return 0, err
	}

	var n int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM notifications WHERE recipient_id = $1 AND NOT is_read`,
		recipientID,
	).Scan(&n); err != nil {
		return 0, err
	}

	return n, tx.Commit()
}

// UnreadCount always hits the store at call time. The count that rides along
// with a fan-out must reflect the state after the triggering write, and a
// cached value can drift.
func (r *Repository) UnreadCount(ctx context.Context, recipientID int) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM notifications WHERE recipient_id = $1 AND NOT is_read`,
		recipientID,
	).Scan(&n)
	return n, err
}

// Recent returns the newest notifications for the recipient, unread first.
func (r *Repository) Recent(ctx context.Context, recipientID, limit int) ([]*Notification, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, recipient_id, kind, title, body, is_read, created_at
         FROM notifications
         WHERE recipient_id = $1
         ORDER BY is_read ASC, created_at DESC
         LIMIT $2`,
		recipientID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Notification
	for rows.Next() {
		n := &Notification{}
		var kind string
		if err := rows.Scan(&n.ID, &n.RecipientID, &kind, &n.Title, &n.Body, &n.IsRead, &n.CreatedAt); err != nil {
			return nil, err
		}
		n.Kind = Kind(kind)
		out = append(out, n)
	}
	return out, rows.Err()
}
