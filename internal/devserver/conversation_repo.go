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

var ErrNotFound = errors.New("not found")

type ConversationRepository struct {
	pool *pgxpool.Pool
}

func NewConversationRepository(pool *pgxpool.Pool) *ConversationRepository {
	return &ConversationRepository{pool: pool}
}

func (r *ConversationRepository) Create(ctx context.Context, c *model.Conversation, participantIDs []string) error {
	defer logger.DeferLogDuration("conv.Create", time.Now())()
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("convRepo.Create begin: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO conversations (id, kind, name, created_by, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		c.ID, c.Kind, c.Name, c.CreatedBy, c.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("convRepo.Create: %w", err)
	}
	for _, pid := range participantIDs {
		_, err = tx.Exec(ctx,
			`INSERT INTO participants (conversation_id, player_id, joined_at, last_read_at)
			 VALUES ($1, $2, $3, $3)
			 ON CONFLICT (conversation_id, player_id) DO NOTHING`,
			c.ID, pid, c.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("convRepo.Create participant: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("convRepo.Create commit: %w", err)
	}
	return nil
}

func (r *ConversationRepository) GetByID(ctx context.Context, id string) (*model.Conversation, error) {
	defer logger.DeferLogDuration("conv.GetByID", time.Now())()
	c := &model.Conversation{}
	err := r.pool.QueryRow(ctx,
		`SELECT id, kind, name, created_by, created_at FROM conversations WHERE id = $1`, id,
	).Scan(&c.ID, &c.Kind, &c.Name, &c.CreatedBy, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("convRepo.GetByID: %w", err)
	}
	return c, nil
}

// ListForPlayer returns the player's active conversations, pinned first,
// then by most recent message.
func (r *ConversationRepository) ListForPlayer(ctx context.Context, playerID string) ([]model.Conversation, error) {
	defer logger.DeferLogDuration("conv.ListForPlayer", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT c.id, c.kind, c.name, c.created_by, c.created_at
		 FROM conversations c
		 JOIN participants p ON p.conversation_id = c.id
		 WHERE p.player_id = $1 AND p.left_at IS NULL
		 ORDER BY p.pinned DESC,
		          (SELECT COALESCE(MAX(m.created_at), c.created_at)
		           FROM messages m WHERE m.conversation_id = c.id) DESC`, playerID,
	)
	if err != nil {
		return nil, fmt.Errorf("convRepo.ListForPlayer query: %w", err)
	}
	defer rows.Close()

	out := make([]model.Conversation, 0, 16)
	for rows.Next() {
		var c model.Conversation
		if err := rows.Scan(&c.ID, &c.Kind, &c.Name, &c.CreatedBy, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("convRepo.ListForPlayer scan: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("convRepo.ListForPlayer rows: %w", err)
	}
	return out, nil
}

// IsParticipant reports whether the player is an active member. Used to gate
// realtime subscriptions.
func (r *ConversationRepository) IsParticipant(ctx context.Context, conversationID, playerID string) (bool, error) {
	defer logger.DeferLogDuration("conv.IsParticipant", time.Now())()
	var one int
	err := r.pool.QueryRow(ctx,
		`SELECT 1 FROM participants
		 WHERE conversation_id = $1 AND player_id = $2 AND left_at IS NULL`,
		conversationID, playerID,
	).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("convRepo.IsParticipant: %w", err)
	}
	return true, nil
}

func (r *ConversationRepository) SetFlag(ctx context.Context, conversationID, playerID string, flag model.ConversationFlag, on bool) error {
	defer logger.DeferLogDuration("conv.SetFlag", time.Now())()
	var col string
	switch flag {
	case model.FlagMuted:
		col = "muted"
	case model.FlagPinned:
		col = "pinned"
	case model.FlagArchived:
		col = "archived"
	default:
		return fmt.Errorf("convRepo.SetFlag: unknown flag %q", flag)
	}
	tag, err := r.pool.Exec(ctx,
		`UPDATE participants SET `+col+` = $1
		 WHERE conversation_id = $2 AND player_id = $3 AND left_at IS NULL`,
		on, conversationID, playerID,
	)
	if err != nil {
		return fmt.Errorf("convRepo.SetFlag: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Leave marks the participant row; history stays readable by the others.
func (r *ConversationRepository) Leave(ctx context.Context, conversationID, playerID string, at time.Time) error {
	defer logger.DeferLogDuration("conv.Leave", time.Now())()
	tag, err := r.pool.Exec(ctx,
		`UPDATE participants SET left_at = $1
		 WHERE conversation_id = $2 AND player_id = $3 AND left_at IS NULL`,
		at, conversationID, playerID,
	)
	if err != nil {
		return fmt.Errorf("convRepo.Leave: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *ConversationRepository) MarkRead(ctx context.Context, conversationID, playerID string, at time.Time) error {
	defer logger.DeferLogDuration("conv.MarkRead", time.Now())()
	tag, err := r.pool.Exec(ctx,
		`UPDATE participants SET last_read_at = $1
		 WHERE conversation_id = $2 AND player_id = $3 AND left_at IS NULL`,
		at, conversationID, playerID,
	)
	if err != nil {
		return fmt.Errorf("convRepo.MarkRead: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
