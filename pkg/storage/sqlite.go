// Package storage provides the embedded SQLite summary store backing the
// medium-term memory tier, with schema migrations embedded in the binary.
package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite" // Register the pure-Go sqlite driver for database/sql

	"github.com/metacogna/sentinel/pkg/models"
)

//go:embed migrations
var migrationsFS embed.FS

// Store is the SQLite-backed SummaryStore. Keys follow the
// summary/<agent-id>/<conversation-id> layout; values are the versioned
// binary summary records. Single-key writes are atomic (one upsert
// statement).
type Store struct {
	db   *sql.DB
	path string
}

// Open opens (or creates) the database at path and applies pending
// migrations. Use ":memory:" for throwaway stores in tests.
func Open(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("summary store path is required")
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open summary store: %w", err)
	}
	// modernc sqlite serialises writes per connection; a single connection
	// avoids SQLITE_BUSY without an external pool.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping summary store: %w", err)
	}
	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to run summary store migrations: %w", err)
	}
	return &Store{db: db, path: path}, nil
}

// runMigrations applies the embedded migration files with golang-migrate.
func runMigrations(db *sql.DB) error {
	driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create sqlite migrate driver: %w", err)
	}
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	// Close only the source. Closing the migrate instance would also close
	// the shared *sql.DB.
	if err := sourceDriver.Close(); err != nil {
		return fmt.Errorf("failed to close migration source: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the connection for health checks.
func (s *Store) DB() *sql.DB { return s.db }

func storeKey(agent models.AgentID, conversationID string) string {
	return fmt.Sprintf("summary/%s/%s", agent, conversationID)
}

// Put writes or replaces the summary for its (agent, conversation) key in a
// single atomic statement.
func (s *Store) Put(ctx context.Context, summary models.ConversationSummary) error {
	if err := summary.Validate(); err != nil {
		return err
	}
	payload, err := encodeSummary(summary)
	if err != nil {
		return fmt.Errorf("encoding summary: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO summaries (key, agent_id, conversation_id, summary_id, payload, embedded, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 0, ?, ?)
		ON CONFLICT (key) DO UPDATE SET
			summary_id = excluded.summary_id,
			payload    = excluded.payload,
			embedded   = 0,
			updated_at = excluded.updated_at`,
		storeKey(summary.Agent, summary.ConversationID),
		summary.Agent.String(),
		summary.ConversationID,
		summary.ID.String(),
		payload,
		summary.CreatedAt.UnixNano(),
		summary.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("writing summary: %w", err)
	}
	return nil
}

// Get returns the summary for the key, or a NotFound error.
func (s *Store) Get(ctx context.Context, agent models.AgentID, conversationID string) (models.ConversationSummary, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM summaries WHERE key = ?`,
		storeKey(agent, conversationID),
	).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return models.ConversationSummary{}, models.NewNotFoundError()
	}
	if err != nil {
		return models.ConversationSummary{}, fmt.Errorf("reading summary: %w", err)
	}
	return decodeSummary(payload)
}

// List returns up to limit summaries for the agent, newest first.
func (s *Store) List(ctx context.Context, agent models.AgentID, limit int) ([]models.ConversationSummary, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT payload FROM summaries
		WHERE agent_id = ?
		ORDER BY updated_at DESC, conversation_id DESC
		LIMIT ?`,
		agent.String(), limit)
	if err != nil {
		return nil, fmt.Errorf("listing summaries: %w", err)
	}
	defer rows.Close()
	return scanSummaries(rows)
}

// Delete removes the summary. Idempotent: deleting a missing key succeeds.
func (s *Store) Delete(ctx context.Context, agent models.AgentID, conversationID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM summaries WHERE key = ?`,
		storeKey(agent, conversationID))
	if err != nil {
		return fmt.Errorf("deleting summary: %w", err)
	}
	return nil
}

// ListPendingEmbeddings returns summaries persisted but not yet upserted
// into the long-term index, oldest first so retries happen in write order.
func (s *Store) ListPendingEmbeddings(ctx context.Context, limit int) ([]models.ConversationSummary, error) {
	if limit <= 0 {
		limit = 32
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT payload FROM summaries
		WHERE embedded = 0
		ORDER BY updated_at ASC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing pending embeddings: %w", err)
	}
	defer rows.Close()
	return scanSummaries(rows)
}

// MarkEmbedded records that the summary's embedding reached the index.
func (s *Store) MarkEmbedded(ctx context.Context, id models.MessageID) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE summaries SET embedded = 1 WHERE summary_id = ?`,
		id.String())
	if err != nil {
		return fmt.Errorf("marking summary embedded: %w", err)
	}
	return nil
}

// HealthStatus reports store connectivity for readiness probes.
type HealthStatus struct {
	Status       string        `json:"status"`
	ResponseTime time.Duration `json:"response_time_ms"`
	Path         string        `json:"path"`
}

// Health pings the store.
func (s *Store) Health(ctx context.Context) (*HealthStatus, error) {
	start := time.Now()
	if err := s.db.PingContext(ctx); err != nil {
		return &HealthStatus{Status: "unhealthy", ResponseTime: time.Since(start), Path: s.path}, err
	}
	return &HealthStatus{Status: "healthy", ResponseTime: time.Since(start), Path: s.path}, nil
}

func scanSummaries(rows *sql.Rows) ([]models.ConversationSummary, error) {
	var out []models.ConversationSummary
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scanning summary row: %w", err)
		}
		summary, err := decodeSummary(payload)
		if err != nil {
			return nil, err
		}
		out = append(out, summary)
	}
	return out, rows.Err()
}
