package chat

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// Repository is the Postgres Store.
type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

var _ Store = (*Repository)(nil)

func (r *Repository) UserByID(ctx context.Context, id string) (User, error) {
	return r.scanUser(r.db.QueryRowContext(ctx,
		"SELECT id, username, email FROM users WHERE id = $1", id))
}

func (r *Repository) UserByUsername(ctx context.Context, username string) (User, error) {
	return r.scanUser(r.db.QueryRowContext(ctx,
		"SELECT id, username, email FROM users WHERE username = $1", username))
}

func (r *Repository) scanUser(row *sql.Row) (User, error) {
	var u User
	if err := row.Scan(&u.ID, &u.Username, &u.Email); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, ErrNoRows
		}
		return User{}, err
	}
	return u, nil
}

func (r *Repository) IsMember(ctx context.Context, conversationID, userID string) (bool, error) {
	var exists bool
	query := `SELECT EXISTS (
		SELECT 1 FROM conversation_members WHERE conversation_id = $1 AND user_id = $2
	)`
	if err := r.db.QueryRowContext(ctx, query, conversationID, userID).Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

func (r *Repository) ConversationsForUser(ctx context.Context, userID string) ([]Conversation, error) {
	query := `
		SELECT c.id, c.created_at, c.updated_at, u.id, u.username, u.email
		FROM conversations c
		JOIN conversation_members me ON me.conversation_id = c.id AND me.user_id = $1
		JOIN conversation_members cm ON cm.conversation_id = c.id
		JOIN users u ON u.id = cm.user_id
		ORDER BY c.updated_at DESC, c.id, u.username
	`
	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var conversations []Conversation
	for rows.Next() {
		var (
			c Conversation
			u User
		)
		if err := rows.Scan(&c.ID, &c.CreatedAt, &c.UpdatedAt, &u.ID, &u.Username, &u.Email); err != nil {
			return nil, err
		}
		// Rows of one conversation are adjacent thanks to the ORDER BY.
		if n := len(conversations); n > 0 && conversations[n-1].ID == c.ID {
			conversations[n-1].Members = append(conversations[n-1].Members, u)
			continue
		}
		c.CreatedAt, c.UpdatedAt = c.CreatedAt.UTC(), c.UpdatedAt.UTC()
		c.Members = []User{u}
		conversations = append(conversations, c)
	}
	return conversations, rows.Err()
}

func (r *Repository) CreateDirectConversation(ctx context.Context, c Conversation, pairKey string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO conversations (id, pair_key, created_at, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (pair_key) DO NOTHING`,
		c.ID, pairKey, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return ErrDuplicatePair
	}

	for _, m := range c.Members {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO conversation_members (conversation_id, user_id, joined_at) VALUES ($1, $2, $3)",
			c.ID, m.ID, c.CreatedAt); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (r *Repository) AppendMessage(ctx context.Context, m Message) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, sender_id, content, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		m.ID, m.ConversationID, m.SenderID, m.Content, m.CreatedAt); err != nil {
		return err
	}

	// GREATEST keeps updated_at monotonic if clocks disagree between instances.
	res, err := tx.ExecContext(ctx,
		"UPDATE conversations SET updated_at = GREATEST(updated_at, $2) WHERE id = $1",
		m.ConversationID, m.CreatedAt)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return ErrNoRows
	}

	return tx.Commit()
}

func (r *Repository) MessageCursor(ctx context.Context, conversationID, messageID string) (Cursor, error) {
	var c Cursor
	err := r.db.QueryRowContext(ctx,
		"SELECT created_at, id FROM messages WHERE conversation_id = $1 AND id = $2",
		conversationID, messageID).Scan(&c.CreatedAt, &c.ID)
	if errors.Is(err, sql.ErrNoRows) {
		return Cursor{}, ErrNoRows
	}
	return c, err
}

const selectMessages = `
	SELECT m.id, m.conversation_id, m.sender_id, u.username, m.content, m.created_at
	FROM messages m
	JOIN users u ON m.sender_id = u.id
`

func (r *Repository) ListMessages(ctx context.Context, conversationID string, after *Cursor, limit int) ([]Message, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if after == nil {
		rows, err = r.db.QueryContext(ctx, selectMessages+`
			WHERE m.conversation_id = $1
			ORDER BY m.created_at DESC, m.id DESC
			LIMIT $2`, conversationID, limit)
	} else {
		rows, err = r.db.QueryContext(ctx, selectMessages+`
			WHERE m.conversation_id = $1 AND (m.created_at, m.id) < ($2, $3::uuid)
			ORDER BY m.created_at DESC, m.id DESC
			LIMIT $4`, conversationID, after.CreatedAt, after.ID, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := make([]Message, 0, limit)
	for rows.Next() {
		var (
			m       Message
			created time.Time
		)
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Sender.Username, &m.Content, &created); err != nil {
			return nil, err
		}
		m.Sender.ID = m.SenderID
		m.CreatedAt = created.UTC()
		messages = append(messages, m)
	}
	return messages, rows.Err()
}
