package history

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nextlevelbuilder/chatrelay/internal/model"
)

// PGStore implements Store against the schema in pgmigrations: one row
// per HistoryEntry, keyed by (bot_account_id, user_id, id), read back
// most-recent-N-by-id-desc then reversed to oldest-first.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore wraps an already-connected pool.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

// Connect opens a pgxpool against dsn and pings it. Callers should call
// Close on the returned store when done (also used by cmd/doctor.go's
// health check).
func Connect(ctx context.Context, dsn string) (*PGStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("history: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("history: ping: %w", err)
	}
	return NewPGStore(pool), nil
}

func (s *PGStore) Close() { s.pool.Close() }

func (s *PGStore) ReadHistory(ctx context.Context, key model.HistoryKey, opts ReadOptions) ([]model.HistoryEntry, error) {
	limit := opts.MaxEntries
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.pool.Query(ctx, `
		SELECT role, content, created_at, group_id, include_in_context, trace
		FROM history_entries
		WHERE bot_account_id = $1 AND user_id = $2
		ORDER BY id DESC
		LIMIT $3`, key.BotAccountID, key.UserID, limit)
	if err != nil {
		return nil, fmt.Errorf("history: read: %w", err)
	}
	defer rows.Close()

	var desc []model.HistoryEntry
	for rows.Next() {
		var e model.HistoryEntry
		var groupID, trace *string
		if err := rows.Scan(&e.Role, &e.Content, &e.CreatedAt, &groupID, &e.IncludeInContext, &trace); err != nil {
			return nil, fmt.Errorf("history: scan: %w", err)
		}
		if groupID != nil {
			e.GroupID = *groupID
		}
		if trace != nil {
			e.Trace = *trace
		}
		desc = append(desc, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history: rows: %w", err)
	}

	entries := make([]model.HistoryEntry, len(desc))
	for i, e := range desc {
		entries[len(desc)-1-i] = e
	}
	return trimToBudget(entries, opts), nil
}

func (s *PGStore) AppendHistory(ctx context.Context, key model.HistoryKey, entry model.HistoryEntry) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO history_entries (bot_account_id, user_id, group_id, role, content, created_at, include_in_context, trace)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		key.BotAccountID, key.UserID, nullIfEmpty(entry.GroupID), entry.Role, entry.Content,
		entry.CreatedAt, entry.IncludeInContext, nullIfEmpty(entry.Trace))
	if err != nil {
		return fmt.Errorf("history: append: %w", err)
	}
	return nil
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

var _ Store = (*PGStore)(nil)
