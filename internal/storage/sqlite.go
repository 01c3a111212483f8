package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"assistbot/internal/model"
	"assistbot/migrations"
	logx "assistbot/pkg/logx"
)

// timeLayout is the canonical stored form: RFC3339 seconds, always UTC.
// Fixed width keeps lexicographic ordering usable in SQL.
const timeLayout = "2006-01-02T15:04:05Z"

// Config configures the SQLite store.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means driver default
}

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

// Open opens (or creates) the database at cfg.Path and applies migrations.
func Open(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := migrations.Run(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &sqliteStore{db: db, log: log}, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- Jobs ----

func (s *sqliteStore) PutJob(ctx context.Context, job model.Job) error {
	targets, err := encodeTargets(job)
	if err != nil {
		return err
	}
	created := job.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	status := job.Status
	if status == "" {
		status = model.JobPending
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO jobs(id, fire_at, chat_id, message_id, targets, status, created_at)
		 VALUES(?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   fire_at=excluded.fire_at, chat_id=excluded.chat_id,
		   message_id=excluded.message_id, targets=excluded.targets,
		   status=excluded.status`,
		job.ID, job.FireAt.UTC().Format(timeLayout), job.Payload.ChatID, job.Payload.MessageID,
		targets, string(status), created.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("put job %s: %w", job.ID, err)
	}
	return nil
}

func (s *sqliteStore) GetJob(ctx context.Context, id string) (model.Job, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, fire_at, chat_id, message_id, targets, status, created_at FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Job{}, false, nil
	}
	if err != nil {
		return model.Job{}, false, err
	}
	return job, true, nil
}

func (s *sqliteStore) ListPendingJobs(ctx context.Context) ([]model.Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, fire_at, chat_id, message_id, targets, status, created_at
		 FROM jobs WHERE status = ? ORDER BY fire_at`, string(model.JobPending))
	if err != nil {
		return nil, fmt.Errorf("list pending jobs: %w", err)
	}
	defer rows.Close()

	var out []model.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			// Malformed rows must not block the rest of the reload.
			s.log.Warn("skipping malformed job record", logx.Err(err))
			continue
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

func (s *sqliteStore) MarkJobDone(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ? WHERE id = ? AND status = ?`,
		string(model.JobDone), id, string(model.JobPending))
	if err != nil {
		return false, fmt.Errorf("mark job %s done: %w", id, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *sqliteStore) DeletePendingJob(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM jobs WHERE id = ? AND status = ?`, id, string(model.JobPending))
	if err != nil {
		return false, fmt.Errorf("delete job %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *sqliteStore) PurgeDoneJobs(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM jobs WHERE status = ? AND created_at < ?`,
		string(model.JobDone), before.UTC().Format(timeLayout))
	if err != nil {
		return 0, fmt.Errorf("purge done jobs: %w", err)
	}
	return res.RowsAffected()
}

// ---- Flood guard ----

func (s *sqliteStore) SetBan(ctx context.Context, userID int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO bans(user_id, banned_at) VALUES(?,?)
		 ON CONFLICT(user_id) DO NOTHING`,
		userID, time.Now().UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("set ban: %w", err)
	}
	return nil
}

func (s *sqliteStore) RemoveBan(ctx context.Context, userID int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM bans WHERE user_id = ?`, userID)
	if err != nil {
		return false, fmt.Errorf("remove ban: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *sqliteStore) IsBanned(ctx context.Context, userID int64) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM bans WHERE user_id = ?`, userID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("ban lookup: %w", err)
	}
	return true, nil
}

func (s *sqliteStore) AddViolation(ctx context.Context, userID int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO violations(user_id, at) VALUES(?,?)`, userID, at.UnixMilli())
	if err != nil {
		return fmt.Errorf("add violation: %w", err)
	}
	return nil
}

func (s *sqliteStore) CountViolations(ctx context.Context, userID int64, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM violations WHERE user_id = ? AND at >= ?`,
		userID, since.UnixMilli()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count violations: %w", err)
	}
	return n, nil
}

func (s *sqliteStore) PruneViolations(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM violations WHERE at < ?`, before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune violations: %w", err)
	}
	return res.RowsAffected()
}

// ---- Channels ----

func (s *sqliteStore) AddChannel(ctx context.Context, ch model.Channel) error {
	added := ch.AddedAt
	if added.IsZero() {
		added = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO channels(chat_id, title, added_at) VALUES(?,?,?)
		 ON CONFLICT(chat_id) DO UPDATE SET title=excluded.title`,
		ch.ChatID, ch.Title, added.UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("add channel: %w", err)
	}
	return nil
}

func (s *sqliteStore) RemoveChannel(ctx context.Context, chatID int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM channels WHERE chat_id = ?`, chatID)
	if err != nil {
		return false, fmt.Errorf("remove channel: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *sqliteStore) ListChannels(ctx context.Context) ([]model.Channel, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT chat_id, title, added_at FROM channels ORDER BY added_at, chat_id`)
	if err != nil {
		return nil, fmt.Errorf("list channels: %w", err)
	}
	defer rows.Close()

	var out []model.Channel
	for rows.Next() {
		var ch model.Channel
		var added string
		if err := rows.Scan(&ch.ChatID, &ch.Title, &added); err != nil {
			return nil, err
		}
		if t, err := ParseStoredTime(added); err == nil {
			ch.AddedAt = t
		}
		out = append(out, ch)
	}
	return out, rows.Err()
}

// ---- Auto-replies ----

func (s *sqliteStore) AddAutoReply(ctx context.Context, r *model.AutoReply) error {
	now := time.Now()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO autoreplies(pattern, reply, created_at) VALUES(?,?,?)`,
		r.Pattern, r.Reply, now.UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("add autoreply: %w", err)
	}
	r.ID, _ = res.LastInsertId()
	r.CreatedAt = now
	return nil
}

func (s *sqliteStore) DeleteAutoReply(ctx context.Context, id int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM autoreplies WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete autoreply: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *sqliteStore) ListAutoReplies(ctx context.Context) ([]model.AutoReply, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, pattern, reply, created_at FROM autoreplies ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list autoreplies: %w", err)
	}
	defer rows.Close()

	var out []model.AutoReply
	for rows.Next() {
		var r model.AutoReply
		var created string
		if err := rows.Scan(&r.ID, &r.Pattern, &r.Reply, &created); err != nil {
			return nil, err
		}
		if t, err := ParseStoredTime(created); err == nil {
			r.CreatedAt = t
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ---- helpers ----

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (model.Job, error) {
	var (
		job               model.Job
		fireAt, createdAt string
		targets, status   string
	)
	if err := row.Scan(&job.ID, &fireAt, &job.Payload.ChatID, &job.Payload.MessageID,
		&targets, &status, &createdAt); err != nil {
		return model.Job{}, err
	}

	t, err := ParseStoredTime(fireAt)
	if err != nil {
		return model.Job{}, fmt.Errorf("job %s: fire_at: %w", job.ID, err)
	}
	job.FireAt = t

	if t, err := ParseStoredTime(createdAt); err == nil {
		job.CreatedAt = t
	}

	job.Status = model.JobStatus(status)
	if job.Status != model.JobPending && job.Status != model.JobDone {
		return model.Job{}, fmt.Errorf("job %s: unknown status %q", job.ID, status)
	}

	if targets == model.TargetsAll {
		job.All = true
	} else if err := json.Unmarshal([]byte(targets), &job.Targets); err != nil {
		return model.Job{}, fmt.Errorf("job %s: targets: %w", job.ID, err)
	}
	return job, nil
}

func encodeTargets(job model.Job) (string, error) {
	if job.All {
		return model.TargetsAll, nil
	}
	b, err := json.Marshal(job.Targets)
	if err != nil {
		return "", fmt.Errorf("encode targets: %w", err)
	}
	return string(b), nil
}

// naive (no-offset) layouts older records may carry; implicitly UTC.
var naiveLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
}

// ParseStoredTime normalizes a stored timestamp to an explicit UTC instant.
// It accepts RFC3339 (with offset) and naive wall-clock layouts, which are
// treated as UTC rather than host-local time.
func ParseStoredTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, errors.New("empty timestamp")
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC(), nil
	}
	for _, layout := range naiveLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}
