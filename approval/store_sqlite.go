package approval

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

type SQLiteStore struct {
	dsn string

	mu sync.Mutex
	db *sql.DB
}

func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("missing sqlite dsn")
	}
	s := &SQLiteStore{dsn: dsn}
	if err := s.open(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) Create(ctx context.Context, rec Request) error {
	if s == nil {
		return fmt.Errorf("nil approval store")
	}
	if err := s.ensureOpen(); err != nil {
		return err
	}
	if strings.TrimSpace(rec.ID) == "" {
		return fmt.Errorf("missing approval id")
	}

	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.ExpiresAt.IsZero() {
		rec.ExpiresAt = now.Add(5 * time.Minute)
	}
	rec.Status = StatusPending

	_, err := s.db.ExecContext(ctx, `
INSERT INTO approvals (
  id, agent_id, agent_role, action_type, safety_level, description,
  status, reviewed_by, reviewed_at_unix, reason,
  created_at_unix, expires_at_unix
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`, rec.ID, strings.TrimSpace(rec.AgentID), strings.TrimSpace(rec.AgentRole),
		strings.TrimSpace(rec.ActionType), strings.TrimSpace(rec.SafetyLevel), strings.TrimSpace(rec.Description),
		string(rec.Status), strings.TrimSpace(rec.ReviewedBy), nullTimeUnix(rec.ReviewedAt), strings.TrimSpace(rec.Reason),
		rec.CreatedAt.Unix(), rec.ExpiresAt.Unix(),
	)
	return err
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (Request, bool, error) {
	if s == nil {
		return Request{}, false, fmt.Errorf("nil approval store")
	}
	if err := s.ensureOpen(); err != nil {
		return Request{}, false, err
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return Request{}, false, nil
	}

	var (
		rec            Request
		status         string
		reviewedAtUnix sql.NullInt64
		createdAtUnix  int64
		expiresAtUnix  int64
	)
	err := s.db.QueryRowContext(ctx, `
SELECT
  id, agent_id, agent_role, action_type, safety_level, description,
  status, reviewed_by, reviewed_at_unix, reason,
  created_at_unix, expires_at_unix
FROM approvals
WHERE id = ?
`, id).Scan(
		&rec.ID, &rec.AgentID, &rec.AgentRole, &rec.ActionType, &rec.SafetyLevel, &rec.Description,
		&status, &rec.ReviewedBy, &reviewedAtUnix, &rec.Reason,
		&createdAtUnix, &expiresAtUnix,
	)
	if err == sql.ErrNoRows {
		return Request{}, false, nil
	}
	if err != nil {
		return Request{}, false, err
	}

	rec.Status = Status(status)
	if reviewedAtUnix.Valid {
		rec.ReviewedAt = time.Unix(reviewedAtUnix.Int64, 0).UTC()
	}
	rec.CreatedAt = time.Unix(createdAtUnix, 0).UTC()
	rec.ExpiresAt = time.Unix(expiresAtUnix, 0).UTC()
	return rec, true, nil
}

func (s *SQLiteStore) Resolve(ctx context.Context, id string, status Status, reviewer string, reason string) error {
	if s == nil {
		return fmt.Errorf("nil approval store")
	}
	if err := s.ensureOpen(); err != nil {
		return err
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("missing approval id")
	}
	if !status.Terminal() {
		return fmt.Errorf("invalid terminal status: %q", status)
	}

	now := time.Now().UTC().Unix()
	_, err := s.db.ExecContext(ctx, `
UPDATE approvals
SET status = ?, reviewed_by = ?, reason = ?, reviewed_at_unix = ?
WHERE id = ? AND status = ?
`, string(status), strings.TrimSpace(reviewer), strings.TrimSpace(reason), now, id, string(StatusPending))
	return err
}

func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *SQLiteStore) open() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		return nil
	}
	db, err := sql.Open("sqlite", s.dsn)
	if err != nil {
		return err
	}
	s.db = db
	return s.migrate()
}

func (s *SQLiteStore) ensureOpen() error {
	if s.db != nil {
		return nil
	}
	return s.open()
}

func (s *SQLiteStore) migrate() error {
	if s.db == nil {
		return fmt.Errorf("sqlite db is not open")
	}
	_, err := s.db.Exec(`
CREATE TABLE IF NOT EXISTS approvals (
  id TEXT PRIMARY KEY,
  agent_id TEXT,
  agent_role TEXT,
  action_type TEXT,
  safety_level TEXT,
  description TEXT,
  status TEXT NOT NULL,
  reviewed_by TEXT,
  reviewed_at_unix INTEGER,
  reason TEXT,
  created_at_unix INTEGER NOT NULL,
  expires_at_unix INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_approvals_status ON approvals(status);
`)
	return err
}

func nullTimeUnix(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Unix()
}
