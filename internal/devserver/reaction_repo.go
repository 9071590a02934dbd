package devserver

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/courtside/chatsync/internal/logger"
	"github.com/courtside/chatsync/internal/model"
)

type ReactionRepository struct {
	pool *pgxpool.Pool
}

func NewReactionRepository(pool *pgxpool.Pool) *ReactionRepository {
	return &ReactionRepository{pool: pool}
}

// Toggle adds the reaction if absent, removes it if present, and returns the
// resulting per-emoji summary. The primary key makes the pair idempotent.
func (r *ReactionRepository) Toggle(ctx context.Context, messageID, playerID, emoji string) ([]model.ReactionGroup, error) {
	defer logger.DeferLogDuration("react.Toggle", time.Now())()
	tag, err := r.pool.Exec(ctx,
		`INSERT INTO message_reactions (message_id, player_id, emoji, created_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (message_id, player_id, emoji) DO NOTHING`,
		messageID, playerID, emoji, time.Now().UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("reactRepo.Toggle insert: %w", err)
	}
	if tag.RowsAffected() == 0 {
		_, err = r.pool.Exec(ctx,
			`DELETE FROM message_reactions WHERE message_id = $1 AND player_id = $2 AND emoji = $3`,
			messageID, playerID, emoji,
		)
		if err != nil {
			return nil, fmt.Errorf("reactRepo.Toggle delete: %w", err)
		}
	}
	return r.Groups(ctx, messageID)
}

// Groups returns the aggregated reactions for one message.
func (r *ReactionRepository) Groups(ctx context.Context, messageID string) ([]model.ReactionGroup, error) {
	defer logger.DeferLogDuration("react.Groups", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT emoji, array_agg(player_id ORDER BY player_id)
		 FROM message_reactions
		 WHERE message_id = $1
		 GROUP BY emoji
		 ORDER BY MIN(created_at)`, messageID,
	)
	if err != nil {
		return nil, fmt.Errorf("reactRepo.Groups query: %w", err)
	}
	defer rows.Close()

	var groups []model.ReactionGroup
	for rows.Next() {
		var g model.ReactionGroup
		if err := rows.Scan(&g.Emoji, &g.Players); err != nil {
			return nil, fmt.Errorf("reactRepo.Groups scan: %w", err)
		}
		g.Count = len(g.Players)
		groups = append(groups, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reactRepo.Groups rows: %w", err)
	}
	return groups, nil
}

// GroupsForMessages batch-loads reactions for a history page.
func (r *ReactionRepository) GroupsForMessages(ctx context.Context, messageIDs []string) (map[string][]model.ReactionGroup, error) {
	if len(messageIDs) == 0 {
		return map[string][]model.ReactionGroup{}, nil
	}
	defer logger.DeferLogDuration("react.GroupsForMessages", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT message_id, emoji, array_agg(player_id ORDER BY player_id)
		 FROM message_reactions
		 WHERE message_id = ANY($1)
		 GROUP BY message_id, emoji
		 ORDER BY message_id, MIN(created_at)`, messageIDs,
	)
	if err != nil {
		return nil, fmt.Errorf("reactRepo.GroupsForMessages query: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]model.ReactionGroup, len(messageIDs))
	for rows.Next() {
		var msgID string
		var g model.ReactionGroup
		if err := rows.Scan(&msgID, &g.Emoji, &g.Players); err != nil {
			return nil, fmt.Errorf("reactRepo.GroupsForMessages scan: %w", err)
		}
		g.Count = len(g.Players)
		out[msgID] = append(out[msgID], g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reactRepo.GroupsForMessages rows: %w", err)
	}
	return out, nil
}
