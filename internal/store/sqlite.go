package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Store is the sqlite-backed repository. A single Store may be shared by
// every goroutine in a process; sqlite serialises the writes.
type Store struct {
	db  *sqlx.DB
	now func() time.Time
}

// Open opens (creating if needed) the database file at path and applies
// pending migrations. Open is idempotent.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("prepare database directory: %w", err)
		}
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)", path)
	db, err := sqlx.Connect("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", path, err)
	}
	// A single connection keeps writer serialisation in-process as well.
	db.SetMaxOpenConns(1)

	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("sqlite3"); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure migrations: %w", err)
	}
	goose.SetLogger(goose.NopLogger())
	if err := goose.Up(db.DB, "migrations"); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply migrations: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// InsertEvent atomically records a new event and its companion pending
// upload, both in PENDING_UPLOAD. The returned upload ID is derived from the
// event ID and may later be replaced by a server-assigned one.
func (s *Store) InsertEvent(ctx context.Context, eventID string, document []byte, clipPath string) (string, error) {
	uploadID := "upload-" + eventID
	now := s.now().Unix()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin insert transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO events (event_id, document, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		eventID, document, StatusPendingUpload, now, now)
	if err != nil {
		if isUniqueViolation(err) {
			return "", fmt.Errorf("%w: %s", ErrDuplicateEvent, eventID)
		}
		return "", fmt.Errorf("insert event %s: %w", eventID, err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO pending_uploads (upload_id, event_id, filepath, attempts, status, created_at) VALUES (?, ?, ?, 0, ?, ?)`,
		uploadID, eventID, clipPath, StatusPendingUpload, now)
	if err != nil {
		return "", fmt.Errorf("insert pending upload for %s: %w", eventID, err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit insert for %s: %w", eventID, err)
	}
	return uploadID, nil
}

// GetEvent returns the stored event with the given ID.
func (s *Store) GetEvent(ctx context.Context, eventID string) (Event, error) {
	var ev Event
	err := s.db.GetContext(ctx, &ev, `SELECT * FROM events WHERE event_id = ?`, eventID)
	if err == sql.ErrNoRows {
		return Event{}, fmt.Errorf("%w: event %s", ErrNotFound, eventID)
	}
	if err != nil {
		return Event{}, fmt.Errorf("load event %s: %w", eventID, err)
	}
	return ev, nil
}

// GetUpload returns the upload row with the given ID.
func (s *Store) GetUpload(ctx context.Context, uploadID string) (PendingUpload, error) {
	var up PendingUpload
	err := s.db.GetContext(ctx, &up, `SELECT * FROM pending_uploads WHERE upload_id = ?`, uploadID)
	if err == sql.ErrNoRows {
		return PendingUpload{}, fmt.Errorf("%w: upload %s", ErrNotFound, uploadID)
	}
	if err != nil {
		return PendingUpload{}, fmt.Errorf("load upload %s: %w", uploadID, err)
	}
	return up, nil
}

// ListPendingUploads returns up to limit rows in PENDING_UPLOAD, oldest
// first.
func (s *Store) ListPendingUploads(ctx context.Context, limit int) ([]PendingUpload, error) {
	if limit <= 0 {
		limit = 100
	}
	uploads := []PendingUpload{}
	err := s.db.SelectContext(ctx, &uploads,
		`SELECT * FROM pending_uploads WHERE status = ? ORDER BY created_at, upload_id LIMIT ?`,
		StatusPendingUpload, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending uploads: %w", err)
	}
	return uploads, nil
}

// LeaseUpload attempts the PENDING_UPLOAD -> PROCESSING compare-and-set for
// the given row. It returns false when another worker already owns the row.
func (s *Store) LeaseUpload(ctx context.Context, uploadID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE pending_uploads SET status = ?, last_attempt_ts = ? WHERE upload_id = ? AND status = ?`,
		StatusProcessing, s.now().Unix(), uploadID, StatusPendingUpload)
	if err != nil {
		return false, fmt.Errorf("lease upload %s: %w", uploadID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("lease upload %s: %w", uploadID, err)
	}
	return n == 1, nil
}

// ReplaceUploadID swaps the local upload ID for a server-assigned one. The
// event association and all accumulated fields are preserved.
func (s *Store) ReplaceUploadID(ctx context.Context, oldID, newID string) error {
	if oldID == newID {
		return nil
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE pending_uploads SET upload_id = ? WHERE upload_id = ?`, newID, oldID)
	if err != nil {
		return fmt.Errorf("replace upload id %s -> %s: %w", oldID, newID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: upload %s", ErrNotFound, oldID)
	}
	return nil
}

// UpdateUpload applies a status change plus any optional fields, stamping
// last_attempt_ts. Terminal statuses are mirrored onto the companion event.
func (s *Store) UpdateUpload(ctx context.Context, uploadID string, update UploadUpdate) error {
	if !validUploadStatus(update.Status) {
		return fmt.Errorf("invalid upload status %q", update.Status)
	}
	now := s.now().Unix()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin update transaction: %w", err)
	}
	defer tx.Rollback()

	sets := []string{"status = ?", "last_attempt_ts = ?"}
	args := []any{update.Status, now}
	if update.Checksum != nil {
		sets = append(sets, "checksum = ?")
		args = append(args, *update.Checksum)
	}
	if update.FinalURL != nil {
		sets = append(sets, "final_url = ?")
		args = append(args, *update.FinalURL)
	}
	if update.Attempts != nil {
		sets = append(sets, "attempts = ?")
		args = append(args, *update.Attempts)
	}
	args = append(args, uploadID)

	res, err := tx.ExecContext(ctx,
		`UPDATE pending_uploads SET `+strings.Join(sets, ", ")+` WHERE upload_id = ?`, args...)
	if err != nil {
		return fmt.Errorf("update upload %s: %w", uploadID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: upload %s", ErrNotFound, uploadID)
	}

	if TerminalStatus(update.Status) {
		_, err = tx.ExecContext(ctx,
			`UPDATE events SET status = ?, updated_at = ?
			 WHERE event_id = (SELECT event_id FROM pending_uploads WHERE upload_id = ?)`,
			update.Status, now, uploadID)
		if err != nil {
			return fmt.Errorf("mirror status onto event for upload %s: %w", uploadID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit update for upload %s: %w", uploadID, err)
	}
	return nil
}

// RecoverStale resets PROCESSING rows whose last attempt is older than the
// threshold back to PENDING_UPLOAD, leaving attempts untouched. It returns
// the number of recovered rows.
func (s *Store) RecoverStale(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := s.now().Add(-olderThan).Unix()
	res, err := s.db.ExecContext(ctx,
		`UPDATE pending_uploads SET status = ? WHERE status = ? AND (last_attempt_ts IS NULL OR last_attempt_ts < ?)`,
		StatusPendingUpload, StatusProcessing, cutoff)
	if err != nil {
		return 0, fmt.Errorf("recover stale uploads: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("recover stale uploads: %w", err)
	}
	return int(n), nil
}

// CurrentKBVersion returns the most recently applied KB version, or "0.0.0"
// when none has been recorded.
func (s *Store) CurrentKBVersion(ctx context.Context) (string, error) {
	var version string
	err := s.db.GetContext(ctx, &version,
		`SELECT kb_version FROM kb_meta ORDER BY applied_at DESC, id DESC LIMIT 1`)
	if err == sql.ErrNoRows {
		return "0.0.0", nil
	}
	if err != nil {
		return "", fmt.Errorf("load current KB version: %w", err)
	}
	return version, nil
}

// RecordKBVersion appends a newly applied KB version.
func (s *Store) RecordKBVersion(ctx context.Context, version string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kb_meta (kb_version, applied_at) VALUES (?, ?)`, version, s.now().Unix())
	if err != nil {
		return fmt.Errorf("record KB version %s: %w", version, err)
	}
	return nil
}

// MergeDeviceVersions folds updates into the device's service-version map
// and refreshes the heartbeat timestamp. The read-merge-write runs in one
// transaction so concurrent writers (heartbeat, sync installs) never erase
// each other's entries.
func (s *Store) MergeDeviceVersions(ctx context.Context, deviceID string, updates map[string]string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin version merge: %w", err)
	}
	defer tx.Rollback()

	var current []byte
	err = tx.GetContext(ctx, &current, `SELECT versions FROM device_state WHERE device_id = ?`, deviceID)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("load device versions %s: %w", deviceID, err)
	}
	versions := map[string]string{}
	if len(current) > 0 {
		if err := json.Unmarshal(current, &versions); err != nil {
			return fmt.Errorf("decode device versions %s: %w", deviceID, err)
		}
	}
	for k, v := range updates {
		versions[k] = v
	}
	encoded, err := json.Marshal(versions)
	if err != nil {
		return fmt.Errorf("encode device versions %s: %w", deviceID, err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO device_state (device_id, last_heartbeat, versions) VALUES (?, ?, ?)
		 ON CONFLICT(device_id) DO UPDATE SET last_heartbeat = excluded.last_heartbeat, versions = excluded.versions`,
		deviceID, s.now().Unix(), encoded)
	if err != nil {
		return fmt.Errorf("merge device versions %s: %w", deviceID, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit version merge %s: %w", deviceID, err)
	}
	return nil
}

// GetDeviceState returns the device singleton row.
func (s *Store) GetDeviceState(ctx context.Context, deviceID string) (DeviceState, error) {
	var st DeviceState
	err := s.db.GetContext(ctx, &st, `SELECT * FROM device_state WHERE device_id = ?`, deviceID)
	if err == sql.ErrNoRows {
		return DeviceState{}, fmt.Errorf("%w: device %s", ErrNotFound, deviceID)
	}
	if err != nil {
		return DeviceState{}, fmt.Errorf("load device state %s: %w", deviceID, err)
	}
	return st, nil
}

func validUploadStatus(s string) bool {
	switch s {
	case StatusPendingUpload, StatusProcessing, StatusUploaded, StatusFailed:
		return true
	}
	return false
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
