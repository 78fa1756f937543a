package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	logx "herald/pkg/logx"

	"herald/internal/notification"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.up.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log.With(logx.String("comp", "storage.sqlite"))}
	if err := migrate(context.Background(), db, migrationsFS, "migrations", st.log); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const recordColumns = `id, recipient, related_entity, kind, occurrence_key, title, message, data, priority,
	deliveries, state, retry_count, next_retry_at, last_error, created_at, updated_at`

func (s *sqliteStore) CreateRecord(ctx context.Context, r *notification.Record) error {
	data, err := marshalJSON(r.Data)
	if err != nil {
		return err
	}
	deliveries, err := marshalJSON(r.Deliveries)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO notification_records(`+recordColumns+`) VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		r.ID, r.Recipient, r.RelatedEntity, string(r.Kind), r.OccurrenceKey, r.Title, r.Message, data,
		string(r.Priority), deliveries, string(r.State), r.RetryCount, toMillis(r.NextRetryAt), r.LastError,
		toMillis(r.CreatedAt), toMillis(r.UpdatedAt),
	)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

func (s *sqliteStore) GetRecord(ctx context.Context, id string) (*notification.Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM notification_records WHERE id = ?`, id)
	return scanRecord(row)
}

func (s *sqliteStore) FindRecord(ctx context.Context, k notification.Key) (*notification.Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM notification_records
		 WHERE recipient = ? AND related_entity = ? AND kind = ? AND occurrence_key = ?`,
		k.Recipient, k.RelatedEntity, string(k.Kind), k.OccurrenceKey)
	return scanRecord(row)
}

func (s *sqliteStore) UpdateRecord(ctx context.Context, r *notification.Record) error {
	data, err := marshalJSON(r.Data)
	if err != nil {
		return err
	}
	deliveries, err := marshalJSON(r.Deliveries)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE notification_records SET title=?, message=?, data=?, priority=?, deliveries=?, state=?,
			retry_count=?, next_retry_at=?, last_error=?, updated_at=?
		 WHERE id = ? AND state NOT IN ('sent','failed_permanent','cancelled')`,
		r.Title, r.Message, data, string(r.Priority), deliveries, string(r.State),
		r.RetryCount, toMillis(r.NextRetryAt), r.LastError, toMillis(r.UpdatedAt), r.ID,
	)
	if err != nil {
		return err
	}
	return s.checkUpdated(ctx, res, `SELECT 1 FROM notification_records WHERE id = ?`, r.ID)
}

func (s *sqliteStore) ListRecords(ctx context.Context, f RecordFilter) ([]*notification.Record, error) {
	var (
		where []string
		args  []any
	)
	if f.State != "" {
		where, args = append(where, "state = ?"), append(args, string(f.State))
	}
	if f.Recipient != "" {
		where, args = append(where, "recipient = ?"), append(args, f.Recipient)
	}
	if f.RelatedEntity != "" {
		where, args = append(where, "related_entity = ?"), append(args, f.RelatedEntity)
	}
	if f.Kind != "" {
		where, args = append(where, "kind = ?"), append(args, string(f.Kind))
	}
	q := `SELECT ` + recordColumns + ` FROM notification_records`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at DESC, id DESC"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}
	return s.queryRecords(ctx, q, args...)
}

func (s *sqliteStore) DueRetries(ctx context.Context, now time.Time, limit int) ([]*notification.Record, error) {
	return s.queryRecords(ctx,
		`SELECT `+recordColumns+` FROM notification_records
		 WHERE state = 'retry_scheduled' AND next_retry_at <= ?
		 ORDER BY next_retry_at ASC, id ASC LIMIT ?`,
		toMillis(now), sqlLimit(limit))
}

func (s *sqliteStore) StalePending(ctx context.Context, cutoff time.Time, limit int) ([]*notification.Record, error) {
	return s.queryRecords(ctx,
		`SELECT `+recordColumns+` FROM notification_records
		 WHERE state = 'pending' AND updated_at < ?
		 ORDER BY updated_at ASC LIMIT ?`,
		toMillis(cutoff), sqlLimit(limit))
}

func (s *sqliteStore) DeleteTerminalRecords(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM notification_records
		 WHERE state IN ('sent','failed_permanent','cancelled') AND updated_at < ?`, toMillis(before))
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *sqliteStore) queryRecords(ctx context.Context, q string, args ...any) ([]*notification.Record, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := make([]*notification.Record, 0)
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (*notification.Record, error) {
	var (
		r                               notification.Record
		kind, priority, state           string
		data, deliveries                sql.NullString
		nextRetry, createdAt, updatedAt int64
	)
	err := sc.Scan(&r.ID, &r.Recipient, &r.RelatedEntity, &kind, &r.OccurrenceKey, &r.Title, &r.Message, &data,
		&priority, &deliveries, &state, &r.RetryCount, &nextRetry, &r.LastError, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	r.Kind = notification.Kind(kind)
	r.Priority = notification.Priority(priority)
	r.State = notification.State(state)
	r.NextRetryAt = fromMillis(nextRetry)
	r.CreatedAt = fromMillis(createdAt)
	r.UpdatedAt = fromMillis(updatedAt)
	if data.Valid && data.String != "" {
		if err := json.Unmarshal([]byte(data.String), &r.Data); err != nil {
			return nil, fmt.Errorf("record %s data: %w", r.ID, err)
		}
	}
	if deliveries.Valid && deliveries.String != "" {
		if err := json.Unmarshal([]byte(deliveries.String), &r.Deliveries); err != nil {
			return nil, fmt.Errorf("record %s deliveries: %w", r.ID, err)
		}
	}
	return &r, nil
}

const messageColumns = `id, channel, recipient, subject, body, template_id, data, priority, scheduled_for,
	retry_count, last_error, state, created_at, updated_at`

func (s *sqliteStore) InsertMessage(ctx context.Context, m *notification.OutboundMessage) error {
	data, err := marshalJSON(m.Data)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO outbound_messages(`+messageColumns+`) VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		m.ID, string(m.Channel), m.Recipient, m.Subject, m.Body, string(m.TemplateID), data, m.Priority,
		toMillis(m.ScheduledFor), m.RetryCount, m.LastError, string(m.State), toMillis(m.CreatedAt), toMillis(m.UpdatedAt),
	)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

func (s *sqliteStore) GetMessage(ctx context.Context, id string) (*notification.OutboundMessage, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM outbound_messages WHERE id = ?`, id)
	return scanMessage(row)
}

func (s *sqliteStore) DueMessages(ctx context.Context, now time.Time, limit int) ([]*notification.OutboundMessage, error) {
	return s.queryMessages(ctx,
		`SELECT `+messageColumns+` FROM outbound_messages
		 WHERE state = 'pending' AND scheduled_for <= ?
		 ORDER BY priority DESC, created_at ASC, id ASC LIMIT ?`,
		toMillis(now), sqlLimit(limit))
}

func (s *sqliteStore) UpdateMessage(ctx context.Context, m *notification.OutboundMessage) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE outbound_messages SET scheduled_for=?, retry_count=?, last_error=?, state=?, updated_at=?
		 WHERE id = ? AND state NOT IN ('sent','failed_permanent')`,
		toMillis(m.ScheduledFor), m.RetryCount, m.LastError, string(m.State), toMillis(m.UpdatedAt), m.ID,
	)
	if err != nil {
		return err
	}
	return s.checkUpdated(ctx, res, `SELECT 1 FROM outbound_messages WHERE id = ?`, m.ID)
}

func (s *sqliteStore) ListMessages(ctx context.Context, f MessageFilter) ([]*notification.OutboundMessage, error) {
	var (
		where []string
		args  []any
	)
	if f.State != "" {
		where, args = append(where, "state = ?"), append(args, string(f.State))
	}
	if f.Recipient != "" {
		where, args = append(where, "recipient = ?"), append(args, f.Recipient)
	}
	q := `SELECT ` + messageColumns + ` FROM outbound_messages`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY priority DESC, created_at ASC, id ASC"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}
	return s.queryMessages(ctx, q, args...)
}

func (s *sqliteStore) DeleteTerminalMessages(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM outbound_messages WHERE state IN ('sent','failed_permanent') AND updated_at < ?`, toMillis(before))
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *sqliteStore) queryMessages(ctx context.Context, q string, args ...any) ([]*notification.OutboundMessage, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := make([]*notification.OutboundMessage, 0)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func scanMessage(sc scanner) (*notification.OutboundMessage, error) {
	var (
		m                                  notification.OutboundMessage
		channel, templateID, state         string
		data                               sql.NullString
		scheduledFor, createdAt, updatedAt int64
	)
	err := sc.Scan(&m.ID, &channel, &m.Recipient, &m.Subject, &m.Body, &templateID, &data, &m.Priority,
		&scheduledFor, &m.RetryCount, &m.LastError, &state, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	m.Channel = notification.Channel(channel)
	m.TemplateID = notification.Kind(templateID)
	m.State = notification.MessageState(state)
	m.ScheduledFor = fromMillis(scheduledFor)
	m.CreatedAt = fromMillis(createdAt)
	m.UpdatedAt = fromMillis(updatedAt)
	if data.Valid && data.String != "" {
		if err := json.Unmarshal([]byte(data.String), &m.Data); err != nil {
			return nil, fmt.Errorf("message %s data: %w", m.ID, err)
		}
	}
	return &m, nil
}

// checkUpdated maps a zero-row guarded UPDATE to ErrNotFound or ErrConflict.
func (s *sqliteStore) checkUpdated(ctx context.Context, res sql.Result, existsQuery, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	var one int
	err = s.db.QueryRowContext(ctx, existsQuery, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return ErrConflict
}

func marshalJSON(v any) (any, error) {
	switch x := v.(type) {
	case map[string]any:
		if len(x) == 0 {
			return nil, nil
		}
	case []notification.Outcome:
		if len(x) == 0 {
			return nil, nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func sqlLimit(n int) int {
	if n <= 0 {
		return -1
	}
	return n
}
