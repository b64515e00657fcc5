package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"chronopost/internal/transport"
	logx "chronopost/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default
}

// DB is the SQLite-backed store.
type DB struct {
	db  *sql.DB
	log logx.Logger
}

func Open(cfg Config, log logx.Logger) (*DB, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("store: sqlite path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	s := &DB{db: db, log: log}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *DB) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *DB) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- jobs ----

func (s *DB) PutJob(ctx context.Context, j ScheduledJob) error {
	now := time.Now().UTC()
	if j.CreatedAt.IsZero() {
		j.CreatedAt = now
	}
	j.UpdatedAt = now
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs(id, content_id, channel, trigger_at, timezone, state, destruct_after_ms, reason, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?)`,
		j.ID, j.ContentID, string(j.Channel), j.TriggerAt.UnixMilli(), j.Timezone,
		string(j.State), j.DestructAfter.Milliseconds(), nullStr(j.Reason),
		j.CreatedAt.UnixMilli(), j.UpdatedAt.UnixMilli(),
	)
	return err
}

func (s *DB) GetJob(ctx context.Context, id string) (ScheduledJob, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, content_id, channel, trigger_at, timezone, state, destruct_after_ms, reason, created_at, updated_at
		 FROM jobs WHERE id = ?`, id)
	return scanJob(row)
}

// CASJobState transitions a job from one state to another atomically.
// It reports false when the job is missing or no longer in the expected
// state, which is how concurrent cancel/fire races resolve.
func (s *DB) CASJobState(ctx context.Context, id string, from, to JobState, reason string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET state = ?, reason = ?, updated_at = ? WHERE id = ? AND state = ?`,
		string(to), nullStr(reason), time.Now().UnixMilli(), id, string(from),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *DB) DeleteJob(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListJobs returns jobs in the given state ordered by trigger time.
func (s *DB) ListJobs(ctx context.Context, state JobState) ([]ScheduledJob, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, content_id, channel, trigger_at, timezone, state, destruct_after_ms, reason, created_at, updated_at
		 FROM jobs WHERE state = ? ORDER BY trigger_at`, string(state))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ScheduledJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// PruneFailed removes Failed records last updated before cutoff and returns
// the number removed. Timestamps are stored as unix millis so the
// comparison is numeric, not textual.
func (s *DB) PruneFailed(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM jobs WHERE state = ? AND updated_at < ?`,
		string(StateFailed), cutoff.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(r rowScanner) (ScheduledJob, error) {
	var (
		j          ScheduledJob
		channel    string
		state      string
		triggerMS  int64
		destructMS int64
		reason     sql.NullString
		createdMS  int64
		updatedMS  int64
	)
	err := r.Scan(&j.ID, &j.ContentID, &channel, &triggerMS, &j.Timezone, &state, &destructMS, &reason, &createdMS, &updatedMS)
	if errors.Is(err, sql.ErrNoRows) {
		return ScheduledJob{}, ErrNotFound
	}
	if err != nil {
		return ScheduledJob{}, err
	}
	j.Channel = transport.Target(channel)
	j.State = JobState(state)
	j.TriggerAt = time.UnixMilli(triggerMS).UTC()
	j.DestructAfter = time.Duration(destructMS) * time.Millisecond
	j.Reason = reason.String
	j.CreatedAt = time.UnixMilli(createdMS).UTC()
	j.UpdatedAt = time.UnixMilli(updatedMS).UTC()
	return j, nil
}

// ---- content items ----

func (s *DB) PutContent(ctx context.Context, c ContentItem) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO contents(id, kind, ref, caption, thumb_ref, has_custom_thumb, size_bytes)
		 VALUES(?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   kind=excluded.kind, ref=excluded.ref, caption=excluded.caption,
		   thumb_ref=excluded.thumb_ref, has_custom_thumb=excluded.has_custom_thumb,
		   size_bytes=excluded.size_bytes`,
		c.ID, string(c.Kind), c.Ref, c.Caption, c.ThumbRef, boolInt(c.HasCustomThumb), c.SizeBytes,
	)
	return err
}

func (s *DB) GetContent(ctx context.Context, id string) (ContentItem, error) {
	var (
		c     ContentItem
		kind  string
		thumb int
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, kind, ref, caption, thumb_ref, has_custom_thumb, size_bytes FROM contents WHERE id = ?`, id).
		Scan(&c.ID, &kind, &c.Ref, &c.Caption, &c.ThumbRef, &thumb, &c.SizeBytes)
	if errors.Is(err, sql.ErrNoRows) {
		return ContentItem{}, ErrNotFound
	}
	if err != nil {
		return ContentItem{}, err
	}
	c.Kind = transport.Kind(kind)
	c.HasCustomThumb = thumb != 0
	return c, nil
}

// SwapContent atomically replaces the content reference and raises the
// custom-thumbnail flag. A single UPDATE keeps the pair consistent with
// respect to concurrent readers; there is no observable state where one
// changed without the other.
func (s *DB) SwapContent(ctx context.Context, id, newRef string, newSize int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE contents SET ref = ?, has_custom_thumb = 1, size_bytes = ? WHERE id = ?`,
		newRef, newSize, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
