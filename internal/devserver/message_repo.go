package devserver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/courtside/chatsync/internal/logger"
	"github.com/courtside/chatsync/internal/model"
)

type MessageRepository struct {
	pool *pgxpool.Pool
}

func NewMessageRepository(pool *pgxpool.Pool) *MessageRepository {
	return &MessageRepository{pool: pool}
}

// readByExpr aggregates the readers of a message from participant read
// cursors. The sender is excluded.
const readByExpr = `COALESCE((SELECT array_agg(p.player_id ORDER BY p.player_id)
	 FROM participants p
	 WHERE p.conversation_id = m.conversation_id
	   AND p.player_id <> m.sender_id
	   AND p.last_read_at >= m.created_at), '{}')`

// Create inserts a message. (conversation_id, client_msg_id) is unique, so a
// retried send with the same client_msg_id returns the original row instead
// of a duplicate.
func (r *MessageRepository) Create(ctx context.Context, m *model.Message) (*model.Message, error) {
	defer logger.DeferLogDuration("msg.Create", time.Now())()
	tag, err := r.pool.Exec(ctx,
		`INSERT INTO messages (id, conversation_id, sender_id, content, client_msg_id, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (conversation_id, client_msg_id) DO NOTHING`,
		m.ID, m.ConversationID, m.SenderID, m.Content, m.ClientMsgID, m.Status, m.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("msgRepo.Create: %w", err)
	}
	if tag.RowsAffected() == 0 {
		existing, err := r.getByClientMsgID(ctx, m.ConversationID, m.ClientMsgID)
		if err != nil {
			return nil, fmt.Errorf("msgRepo.Create dedup: %w", err)
		}
		return existing, nil
	}
	return r.GetByID(ctx, m.ID)
}

func (r *MessageRepository) getByClientMsgID(ctx context.Context, conversationID, clientMsgID string) (*model.Message, error) {
	m := &model.Message{}
	err := r.pool.QueryRow(ctx,
		`SELECT m.id, m.conversation_id, m.sender_id, m.content, m.client_msg_id, m.status,
		        m.edited_at, m.is_deleted, m.created_at, `+readByExpr+`
		 FROM messages m
		 WHERE m.conversation_id = $1 AND m.client_msg_id = $2`,
		conversationID, clientMsgID,
	).Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Content, &m.ClientMsgID, &m.Status,
		&m.UpdatedAt, &deletedScan{m}, &m.CreatedAt, &m.ReadBy)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (r *MessageRepository) GetByID(ctx context.Context, id string) (*model.Message, error) {
	defer logger.DeferLogDuration("msg.GetByID", time.Now())()
	m := &model.Message{}
	err := r.pool.QueryRow(ctx,
		`SELECT m.id, m.conversation_id, m.sender_id, m.content, m.client_msg_id, m.status,
		        m.edited_at, m.is_deleted, m.created_at, `+readByExpr+`
		 FROM messages m
		 WHERE m.id = $1`, id,
	).Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Content, &m.ClientMsgID, &m.Status,
		&m.UpdatedAt, &deletedScan{m}, &m.CreatedAt, &m.ReadBy)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("msgRepo.GetByID: %w", err)
	}
	return m, nil
}

// List returns a page of messages, newest first.
func (r *MessageRepository) List(ctx context.Context, conversationID string, limit, offset int) ([]model.Message, error) {
	defer logger.DeferLogDuration("msg.List", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT m.id, m.conversation_id, m.sender_id, m.content, m.client_msg_id, m.status,
		        m.edited_at, m.is_deleted, m.created_at, `+readByExpr+`
		 FROM messages m
		 WHERE m.conversation_id = $1
		 ORDER BY m.created_at DESC, m.id DESC
		 LIMIT $2 OFFSET $3`, conversationID, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("msgRepo.List query: %w", err)
	}
	defer rows.Close()
	return r.scanMessages(rows, limit, "msgRepo.List")
}

// Search matches message content case-insensitively, newest first. Deleted
// messages never match.
func (r *MessageRepository) Search(ctx context.Context, conversationID, query string, limit int) ([]model.Message, error) {
	defer logger.DeferLogDuration("msg.Search", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT m.id, m.conversation_id, m.sender_id, m.content, m.client_msg_id, m.status,
		        m.edited_at, m.is_deleted, m.created_at, `+readByExpr+`
		 FROM messages m
		 WHERE m.conversation_id = $1 AND NOT m.is_deleted AND m.content ILIKE '%' || $2 || '%'
		 ORDER BY m.created_at DESC, m.id DESC
		 LIMIT $3`, conversationID, query, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("msgRepo.Search query: %w", err)
	}
	defer rows.Close()
	return r.scanMessages(rows, limit, "msgRepo.Search")
}

func (r *MessageRepository) scanMessages(rows pgx.Rows, limit int, op string) ([]model.Message, error) {
	messages := make([]model.Message, 0, limit)
	for rows.Next() {
		var m model.Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Content, &m.ClientMsgID, &m.Status,
			&m.UpdatedAt, &deletedScan{&m}, &m.CreatedAt, &m.ReadBy); err != nil {
			return nil, fmt.Errorf("%s scan: %w", op, err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s rows: %w", op, err)
	}
	return messages, nil
}

func (r *MessageRepository) UpdateContent(ctx context.Context, id, content string, editedAt time.Time) error {
	defer logger.DeferLogDuration("msg.UpdateContent", time.Now())()
	tag, err := r.pool.Exec(ctx,
		`UPDATE messages SET content = $1, edited_at = $2 WHERE id = $3 AND NOT is_deleted`,
		content, editedAt, id,
	)
	if err != nil {
		return fmt.Errorf("msgRepo.UpdateContent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SoftDelete tombstones a message; the row stays so clients render a
// placeholder instead of a gap.
func (r *MessageRepository) SoftDelete(ctx context.Context, id string) error {
	defer logger.DeferLogDuration("msg.SoftDelete", time.Now())()
	tag, err := r.pool.Exec(ctx,
		`UPDATE messages SET is_deleted = true, content = '', status = 'deleted' WHERE id = $1`,
		id,
	)
	if err != nil {
		return fmt.Errorf("msgRepo.SoftDelete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UnreadCount counts foreign messages newer than the player's read cursor
// across all of their active conversations.
func (r *MessageRepository) UnreadCount(ctx context.Context, playerID string) (int, error) {
	defer logger.DeferLogDuration("msg.UnreadCount", time.Now())()
	var n int
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*)
		 FROM messages m
		 JOIN participants p ON p.conversation_id = m.conversation_id
		 WHERE p.player_id = $1 AND p.left_at IS NULL AND NOT p.muted
		   AND m.sender_id <> $1 AND NOT m.is_deleted
		   AND m.created_at > p.last_read_at`, playerID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("msgRepo.UnreadCount: %w", err)
	}
	return n, nil
}

// deletedScan maps the is_deleted column onto Message.Status so the wire
// model stays a single struct.
type deletedScan struct {
	m *model.Message
}

func (d *deletedScan) Scan(src any) error {
	deleted, ok := src.(bool)
	if !ok {
		return fmt.Errorf("is_deleted: unexpected type %T", src)
	}
	if deleted {
		d.m.Status = model.MessageStatusDeleted
	}
	return nil
}
