package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// OpenPostgres opens and pings a pgx-backed database/sql pool.
func OpenPostgres(ctx context.Context, databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetConnMaxIdleTime(5 * time.Minute)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetMaxIdleConns(5)
	db.SetMaxOpenConns(10)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return db, nil
}

// PostgresStore keeps descriptions in the document_descriptions table. It
// is used when no application API is configured; access is decided by
// the identity check at connect time, so the cookie is not consulted.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) FetchDescriptionBinary(ctx context.Context, key DocumentKey, _ string) ([]byte, error) {
	var binary []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT description_binary
		FROM document_descriptions
		WHERE workspace = $1 AND project = $2 AND document_id = $3
	`, key.Workspace, key.Project, key.DocumentID).Scan(&binary)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, &PersistenceError{Op: "fetch description", Key: key, Err: err}
	}
	if len(binary) == 0 {
		return nil, ErrNotFound
	}
	return binary, nil
}

func (s *PostgresStore) UpdateDescription(ctx context.Context, key DocumentKey, desc Description, _ string) error {
	tree := desc.Tree
	if len(tree) == 0 || !json.Valid(tree) {
		tree = json.RawMessage("{}")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO document_descriptions
			(workspace, project, document_id, description_binary, description_html, description, description_text, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7, NOW())
		ON CONFLICT (workspace, project, document_id) DO UPDATE SET
			description_binary = EXCLUDED.description_binary,
			description_html   = EXCLUDED.description_html,
			description        = EXCLUDED.description,
			description_text   = EXCLUDED.description_text,
			updated_at         = NOW()
	`, key.Workspace, key.Project, key.DocumentID, desc.Binary, desc.HTML, string(tree), desc.Text)
	if err != nil {
		return &PersistenceError{Op: "update description", Key: key, Err: err}
	}
	return nil
}

// SessionRecord is a row of live_sessions.
type SessionRecord struct {
	UserID      string
	DisplayName string
	Role        string
	ExpiresAt   time.Time
}

// HashCookie is the lookup key for a session cookie; raw cookies are
// never stored.
func HashCookie(cookie string) string {
	sum := sha256.Sum256([]byte(cookie))
	return hex.EncodeToString(sum[:])
}

// LookupSession resolves an unexpired session cookie.
func (s *PostgresStore) LookupSession(ctx context.Context, cookie string) (SessionRecord, error) {
	var rec SessionRecord
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, display_name, role, expires_at
		FROM live_sessions
		WHERE cookie_hash = $1 AND expires_at > NOW()
	`, HashCookie(cookie)).Scan(&rec.UserID, &rec.DisplayName, &rec.Role, &rec.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return SessionRecord{}, ErrNotFound
	}
	if err != nil {
		return SessionRecord{}, fmt.Errorf("lookup session: %w", err)
	}
	return rec, nil
}

// SaveSession registers a session cookie, replacing any previous record.
func (s *PostgresStore) SaveSession(ctx context.Context, cookie string, rec SessionRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO live_sessions (cookie_hash, user_id, display_name, role, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (cookie_hash) DO UPDATE SET
			user_id = EXCLUDED.user_id,
			display_name = EXCLUDED.display_name,
			role = EXCLUDED.role,
			expires_at = EXCLUDED.expires_at
	`, HashCookie(cookie), rec.UserID, rec.DisplayName, rec.Role, rec.ExpiresAt)
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}
