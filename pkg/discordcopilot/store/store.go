package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/jholhewres/discordcopilot/pkg/discordcopilot/database"
	"github.com/jholhewres/discordcopilot/pkg/discordcopilot/memory"
)

// Store is the SQL implementation of every pipeline store.
type Store struct {
	db      *sql.DB
	backend database.BackendType
	logger  *slog.Logger

	// now is replaceable in tests.
	now func() time.Time
}

// New creates a store on an open backend.
func New(b *database.Backend, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		db:      b.DB,
		backend: b.Type,
		logger:  logger.With("component", "store"),
		now:     time.Now,
	}
}

func (s *Store) q(query string) string {
	return database.Rebind(s.backend, query)
}

// timeArg encodes t for the backend's timestamp columns.
func (s *Store) timeArg(t time.Time) any {
	if s.backend == database.BackendPostgreSQL {
		return t.UTC()
	}
	return formatTime(t)
}

// ---------- Channel allow-list ----------

// LookupChannel returns the allow-list entry for channelID or ErrNotFound.
func (s *Store) LookupChannel(ctx context.Context, channelID string) (ChannelEntry, error) {
	var (
		entry     ChannelEntry
		createdAt timestamp
	)
	err := s.db.QueryRowContext(ctx,
		s.q("SELECT channel_id, created_at FROM channels WHERE channel_id = ?"), channelID,
	).Scan(&entry.ChannelID, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ChannelEntry{}, ErrNotFound
	}
	if err != nil {
		return ChannelEntry{}, fmt.Errorf("lookup channel: %w", err)
	}
	entry.CreatedAt = createdAt.Time
	return entry, nil
}

// AllowChannel adds channelID to the allow-list. Allowing twice is a no-op.
func (s *Store) AllowChannel(ctx context.Context, channelID string) error {
	_, err := s.db.ExecContext(ctx,
		s.q("INSERT INTO channels (channel_id, created_at) VALUES (?, ?) ON CONFLICT (channel_id) DO NOTHING"),
		channelID, s.timeArg(s.now()))
	if err != nil {
		return fmt.Errorf("allow channel: %w", err)
	}
	return nil
}

// RevokeChannel removes channelID from the allow-list.
func (s *Store) RevokeChannel(ctx context.Context, channelID string) error {
	res, err := s.db.ExecContext(ctx, s.q("DELETE FROM channels WHERE channel_id = ?"), channelID)
	if err != nil {
		return fmt.Errorf("revoke channel: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListChannels returns the allow-list ordered by creation time.
func (s *Store) ListChannels(ctx context.Context) ([]ChannelEntry, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT channel_id, created_at FROM channels ORDER BY created_at, channel_id")
	if err != nil {
		return nil, fmt.Errorf("list channels: %w", err)
	}
	defer rows.Close()

	var entries []ChannelEntry
	for rows.Next() {
		var (
			e         ChannelEntry
			createdAt timestamp
		)
		if err := rows.Scan(&e.ChannelID, &createdAt); err != nil {
			return nil, fmt.Errorf("scan channel: %w", err)
		}
		e.CreatedAt = createdAt.Time
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ---------- Persona ----------

// Persona returns the current persona text or ErrNotFound.
func (s *Store) Persona(ctx context.Context) (string, error) {
	var content string
	err := s.db.QueryRowContext(ctx,
		s.q("SELECT content FROM system_instructions WHERE id = ?"), PersonaKey,
	).Scan(&content)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("load persona: %w", err)
	}
	return content, nil
}

// SetPersona replaces the persona text.
func (s *Store) SetPersona(ctx context.Context, content string) error {
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO system_instructions (id, content, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET content = excluded.content, updated_at = excluded.updated_at`),
		PersonaKey, content, s.timeArg(s.now()))
	if err != nil {
		return fmt.Errorf("save persona: %w", err)
	}
	return nil
}

// ---------- Conversation history ----------

// RecentTurns returns at most limit turns for channelID, newest first.
func (s *Store) RecentTurns(ctx context.Context, channelID string, limit int) ([]Turn, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT id, channel_id, role, content, created_at
		FROM conversation_history
		WHERE channel_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?`), channelID, limit)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	defer rows.Close()

	var turns []Turn
	for rows.Next() {
		var (
			t         Turn
			role      string
			createdAt timestamp
		)
		if err := rows.Scan(&t.ID, &t.ChannelID, &role, &t.Content, &createdAt); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		t.Role = Role(role)
		t.CreatedAt = createdAt.Time
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}
	return turns, nil
}

// AppendTurns persists turns for channelID in one transaction, in the given order.
func (s *Store) AppendTurns(ctx context.Context, channelID string, turns ...Turn) error {
	if len(turns) == 0 {
		return nil
	}
	for _, t := range turns {
		if !t.Role.Valid() {
			return fmt.Errorf("append history: invalid role %q", t.Role)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("append history: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, s.q(
		"INSERT INTO conversation_history (channel_id, role, content, created_at) VALUES (?, ?, ?, ?)"))
	if err != nil {
		return fmt.Errorf("append history: prepare: %w", err)
	}
	defer stmt.Close()

	// One microsecond apart so the turns of an exchange never share a timestamp.
	base := s.now()
	for i, t := range turns {
		created := base.Add(time.Duration(i) * time.Microsecond)
		if _, err := stmt.ExecContext(ctx, channelID, string(t.Role), t.Content, s.timeArg(created)); err != nil {
			return fmt.Errorf("append history: insert %s turn: %w", t.Role, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("append history: commit: %w", err)
	}
	return nil
}

// PurgeHistory deletes every turn of channelID and returns the count removed.
func (s *Store) PurgeHistory(ctx context.Context, channelID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.q("DELETE FROM conversation_history WHERE channel_id = ?"), channelID)
	if err != nil {
		return 0, fmt.Errorf("purge history: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// PruneHistory deletes turns of every channel created before cutoff.
func (s *Store) PruneHistory(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.q("DELETE FROM conversation_history WHERE created_at < ?"), s.timeArg(before))
	if err != nil {
		return 0, fmt.Errorf("prune history: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ---------- Knowledge chunks ----------

// AddChunk stores a knowledge chunk. The core never calls it; it backs
// ingestion tooling and fixtures.
func (s *Store) AddChunk(ctx context.Context, content string, embedding []float32) (int64, error) {
	if s.backend == database.BackendPostgreSQL {
		var id int64
		err := s.db.QueryRowContext(ctx,
			"INSERT INTO documents (content, embedding) VALUES ($1, $2::vector) RETURNING id",
			content, memory.VectorLiteral(embedding)).Scan(&id)
		if err != nil {
			return 0, fmt.Errorf("add chunk: %w", err)
		}
		return id, nil
	}

	raw, err := json.Marshal(embedding)
	if err != nil {
		return 0, fmt.Errorf("add chunk: encode embedding: %w", err)
	}
	res, err := s.db.ExecContext(ctx, "INSERT INTO documents (content, embedding) VALUES (?, ?)", content, string(raw))
	if err != nil {
		return 0, fmt.Errorf("add chunk: %w", err)
	}
	return res.LastInsertId()
}

// SearchChunks returns at most k chunks whose cosine similarity to vector is
// at least threshold, ranked by similarity descending then id ascending.
func (s *Store) SearchChunks(ctx context.Context, vector []float32, k int, threshold float64) ([]Chunk, error) {
	if k <= 0 || len(vector) == 0 {
		return nil, nil
	}
	if s.backend == database.BackendPostgreSQL {
		return s.searchPgVector(ctx, vector, k, threshold)
	}
	return s.searchInProcess(ctx, vector, k, threshold)
}

func (s *Store) searchPgVector(ctx context.Context, vector []float32, k int, threshold float64) ([]Chunk, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, content, 1 - (embedding <=> $1::vector) AS similarity
		FROM documents
		WHERE 1 - (embedding <=> $1::vector) >= $2
		ORDER BY embedding <=> $1::vector, id
		LIMIT $3`, memory.VectorLiteral(vector), threshold, k)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	defer rows.Close()

	var chunks []Chunk
	for rows.Next() {
		var c Chunk
		if err := rows.Scan(&c.ID, &c.Content, &c.Similarity); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		chunks = append(chunks, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	return chunks, nil
}

// searchInProcess ranks every stored chunk in memory (SQLite has no vector type).
func (s *Store) searchInProcess(ctx context.Context, vector []float32, k int, threshold float64) ([]Chunk, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id, content, embedding FROM documents")
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	defer rows.Close()

	var candidates []Chunk
	for rows.Next() {
		var (
			c   Chunk
			raw string
			emb []float32
		)
		if err := rows.Scan(&c.ID, &c.Content, &raw); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		if err := json.Unmarshal([]byte(raw), &emb); err != nil {
			s.logger.Warn("skipping chunk with malformed embedding", "id", c.ID, "error", err)
			continue
		}
		c.Similarity = memory.CosineSimilarity(vector, emb)
		if c.Similarity >= threshold {
			candidates = append(candidates, c)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Similarity != candidates[j].Similarity {
			return candidates[i].Similarity > candidates[j].Similarity
		}
		return candidates[i].ID < candidates[j].ID
	})
	if len(candidates) > k {
		candidates = candidates[:k]
	}
	return candidates, nil
}
