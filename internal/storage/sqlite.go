package storage

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"devpoll/internal/inventory"
	logx "devpoll/pkg/logx"

	"github.com/cockroachdb/errors"
	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

const timeLayout = time.RFC3339Nano

type SQLiteStore struct {
	db  *sql.DB
	log logx.Logger

	retention  time.Duration
	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (*SQLiteStore, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, errors.Wrap(err, "create storage dir")
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	// SQLite prefers a single writer; one connection also keeps :memory: shared.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	_, _ = db.Exec("PRAGMA foreign_keys = ON")

	st := newSQLiteStore(db, log, cfg.JobLogRetention)
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func newSQLiteStore(db *sql.DB, log logx.Logger, retention time.Duration) *SQLiteStore {
	return &SQLiteStore{db: db, log: log, retention: retention, pruneEvery: 500}
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return errors.Wrap(err, "read migrations")
	}
	if _, err := s.db.ExecContext(ctx, string(b)); err != nil {
		return errors.Wrap(err, "apply migrations")
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) Devices(ctx context.Context) ([]inventory.Device, error) {
	if s == nil || s.db == nil {
		return nil, ErrClosed
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT netboxid, sysname, ip, type, category FROM netbox
		 WHERE deleted_at IS NULL ORDER BY netboxid`)
	if err != nil {
		return nil, errors.Wrap(err, "query netbox")
	}
	defer rows.Close()

	var out []inventory.Device
	for rows.Next() {
		var d inventory.Device
		if err := rows.Scan(&d.ID, &d.Sysname, &d.IP, &d.Type, &d.Category); err != nil {
			return nil, errors.Wrap(err, "scan netbox")
		}
		out = append(out, d)
	}
	return out, errors.Wrap(rows.Err(), "iterate netbox")
}

func (s *SQLiteStore) UpsertDevice(ctx context.Context, d inventory.Device) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO netbox(netboxid, sysname, ip, type, category) VALUES(?,?,?,?,?)
		 ON CONFLICT(netboxid) DO UPDATE SET
		   sysname=excluded.sysname, ip=excluded.ip, type=excluded.type, category=excluded.category`,
		d.ID, d.Sysname, d.IP, d.Type, d.Category,
	)
	return errors.Wrapf(err, "upsert netbox %d", d.ID)
}

// CleanupReplaced drops the job history collected from the old box and
// stores the new type so the next reload reports the device as changed.
func (s *SQLiteStore) CleanupReplaced(ctx context.Context, id int64, newType string) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin cleanup")
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM ipdevpoll_job_log WHERE netboxid = ?`, id); err != nil {
		return errors.Wrapf(err, "delete job log for netbox %d", id)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE netbox SET type = ? WHERE netboxid = ?`, newType, id); err != nil {
		return errors.Wrapf(err, "update type for netbox %d", id)
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "commit cleanup")
	}
	s.log.Info("replaced netbox cleaned up", logx.Int64("id", id), logx.String("type", newType))
	return nil
}

func (s *SQLiteStore) AppendJobLog(ctx context.Context, e JobLogEntry) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	if e.EndTime.IsZero() {
		e.EndTime = time.Now()
	}
	var interval any
	if e.Interval > 0 {
		interval = int64(e.Interval / time.Second)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO ipdevpoll_job_log(netboxid, job_name, end_time, duration, success, interval)
		 VALUES(?,?,?,?,?,?)`,
		e.DeviceID, e.JobName, e.EndTime.UTC().Format(timeLayout), e.Duration.Seconds(), e.Success, interval,
	)
	if err != nil {
		return errors.Wrapf(err, "append job log %s/%d", e.JobName, e.DeviceID)
	}
	if s.retention > 0 && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
		if err := s.pruneJobLog(pctx, time.Now().Add(-s.retention)); err != nil {
			s.log.Warn("job log prune failed", logx.Err(err))
		}
		cancel()
	}
	return nil
}

func (s *SQLiteStore) LastJobLogs(ctx context.Context) ([]JobLogEntry, error) {
	if s == nil || s.db == nil {
		return nil, ErrClosed
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT l.id, l.netboxid, l.job_name, l.end_time, l.duration, l.success, l.interval
		 FROM ipdevpoll_job_log l
		 JOIN (SELECT MAX(id) AS id FROM ipdevpoll_job_log GROUP BY netboxid, job_name) last
		   ON last.id = l.id
		 ORDER BY l.netboxid, l.job_name`)
	if err != nil {
		return nil, errors.Wrap(err, "query job log")
	}
	defer rows.Close()

	var out []JobLogEntry
	for rows.Next() {
		var (
			e        JobLogEntry
			endTime  string
			duration sql.NullFloat64
			success  sql.NullBool
			interval sql.NullInt64
		)
		if err := rows.Scan(&e.ID, &e.DeviceID, &e.JobName, &endTime, &duration, &success, &interval); err != nil {
			return nil, errors.Wrap(err, "scan job log")
		}
		if e.EndTime, err = time.Parse(timeLayout, endTime); err != nil {
			return nil, errors.Wrapf(err, "job log %d: end_time", e.ID)
		}
		e.Duration = time.Duration(duration.Float64 * float64(time.Second))
		e.Success = success.Bool
		e.Interval = time.Duration(interval.Int64) * time.Second
		out = append(out, e)
	}
	return out, errors.Wrap(rows.Err(), "iterate job log")
}

func (s *SQLiteStore) pruneJobLog(ctx context.Context, before time.Time) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM ipdevpoll_job_log WHERE end_time < ?`, before.UTC().Format(timeLayout))
	return err
}
