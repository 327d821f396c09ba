package store

import (
	"bytes"
	"crypto/md5"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	_ "modernc.org/sqlite"

	"signaged/internal/logger"
	"signaged/internal/models"
)

// ErrNotFound is returned when a manifest entry or blob is absent.
var ErrNotFound = errors.New("store: not found")

// Entry is one row of the persisted manifest: what we believe is on disk
// for a given (type, id).
type Entry struct {
	Key       models.FileKey
	MD5       string
	Size      int64
	MediaType string
	LastUsed  time.Time
}

// defaultQueueLimit bounds the persisted stat/log queues. When the CMS is
// unreachable for long stretches the oldest records fall off instead of the
// tables growing without limit.
const defaultQueueLimit = 10000

// Store owns the player's persistent state: a sqlite database for the
// manifest, settings, schedule snapshot and the stats/log queues, plus a
// blob directory with one file per (type, id). All writes are serialized by sqlite.
type Store struct {
	db         *sql.DB
	dir        string
	logger     logger.Logger
	queueLimit int
}

const schema = `
CREATE TABLE IF NOT EXISTS manifest (
	type TEXT NOT NULL,
	id INTEGER NOT NULL,
	md5 TEXT NOT NULL,
	size INTEGER NOT NULL,
	media_type TEXT NOT NULL DEFAULT '',
	last_used INTEGER NOT NULL,
	PRIMARY KEY (type, id)
);
CREATE TABLE IF NOT EXISTS snapshots (
	name TEXT PRIMARY KEY,
	body BLOB NOT NULL,
	updated INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS stat_queue (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	body TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS log_queue (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	body TEXT NOT NULL
);
`

// Open creates (or reopens) the store rooted at dataDir.
func Open(dataDir string, log logger.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(dataDir, "blobs"), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory %s: %w", dataDir, err)
	}

	db, err := sql.Open("sqlite", filepath.Join(dataDir, "state.db"))
	if err != nil {
		return nil, fmt.Errorf("failed to open state database: %w", err)
	}
	// sqlite serializes writers; a single connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply store schema: %w", err)
	}

	return &Store{db: db, dir: dataDir, logger: log, queueLimit: defaultQueueLimit}, nil
}

// SetQueueLimit overrides the queue bound. Tests use this.
func (s *Store) SetQueueLimit(n int) { s.queueLimit = n }

// Close releases the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// BlobPath returns the on-disk path for a cached file.
func (s *Store) BlobPath(key models.FileKey) string {
	return filepath.Join(s.dir, "blobs", string(key.Type)+"_"+strconv.Itoa(key.ID))
}

// PartialPath returns the path used while a download is in flight.
func (s *Store) PartialPath(key models.FileKey) string {
	return s.BlobPath(key) + ".part"
}

// WriteBlob streams r into the blob store and records the manifest entry.
// The MD5 of the written bytes is returned. An empty mediaType is filled in
// by sniffing the leading bytes.
func (s *Store) WriteBlob(key models.FileKey, r io.Reader, mediaType string, now time.Time) (string, int64, error) {
	path := s.BlobPath(key)
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp*")
	if err != nil {
		return "", 0, fmt.Errorf("failed to create blob temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if mediaType == "" {
		head := make([]byte, 512)
		n, _ := io.ReadFull(r, head)
		mediaType = http.DetectContentType(head[:n])
		r = io.MultiReader(bytes.NewReader(head[:n]), r)
	}

	hash := md5.New()
	size, err := io.Copy(io.MultiWriter(tmp, hash), r)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", 0, fmt.Errorf("failed to write blob %v: %w", key, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", 0, fmt.Errorf("failed to finalize blob %v: %w", key, err)
	}

	sum := hex.EncodeToString(hash.Sum(nil))
	if err := s.UpsertEntry(Entry{Key: key, MD5: sum, Size: size, MediaType: mediaType, LastUsed: now}); err != nil {
		return "", 0, err
	}
	return sum, size, nil
}

// PromotePartial moves a completed .part file into place and records it.
func (s *Store) PromotePartial(key models.FileKey, md5sum string, size int64, mediaType string, now time.Time) error {
	if err := os.Rename(s.PartialPath(key), s.BlobPath(key)); err != nil {
		return fmt.Errorf("failed to promote partial blob %v: %w", key, err)
	}
	return s.UpsertEntry(Entry{Key: key, MD5: md5sum, Size: size, MediaType: mediaType, LastUsed: now})
}

// OpenBlob opens a cached file for reading.
func (s *Store) OpenBlob(key models.FileKey) (*os.File, error) {
	f, err := os.Open(s.BlobPath(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	return f, err
}

// DeleteBlob removes the blob and its manifest row.
func (s *Store) DeleteBlob(key models.FileKey) error {
	if err := os.Remove(s.BlobPath(key)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete blob %v: %w", key, err)
	}
	os.Remove(s.PartialPath(key))
	_, err := s.db.Exec(`DELETE FROM manifest WHERE type = ? AND id = ?`, key.Type, key.ID)
	return err
}

// UpsertEntry records or replaces one manifest row.
func (s *Store) UpsertEntry(e Entry) error {
	_, err := s.db.Exec(`
		INSERT INTO manifest (type, id, md5, size, media_type, last_used)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (type, id) DO UPDATE SET
			md5 = excluded.md5, size = excluded.size,
			media_type = excluded.media_type, last_used = excluded.last_used`,
		e.Key.Type, e.Key.ID, e.MD5, e.Size, e.MediaType, e.LastUsed.Unix())
	if err != nil {
		return fmt.Errorf("failed to upsert manifest entry %v: %w", e.Key, err)
	}
	return nil
}

// GetEntry looks up one manifest row.
func (s *Store) GetEntry(key models.FileKey) (Entry, error) {
	row := s.db.QueryRow(`SELECT md5, size, media_type, last_used FROM manifest WHERE type = ? AND id = ?`,
		key.Type, key.ID)
	e := Entry{Key: key}
	var lastUsed int64
	if err := row.Scan(&e.MD5, &e.Size, &e.MediaType, &lastUsed); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Entry{}, ErrNotFound
		}
		return Entry{}, err
	}
	e.LastUsed = time.Unix(lastUsed, 0)
	return e, nil
}

// TouchEntry refreshes last_used for GC purposes.
func (s *Store) TouchEntry(key models.FileKey, now time.Time) {
	s.db.Exec(`UPDATE manifest SET last_used = ? WHERE type = ? AND id = ?`, now.Unix(), key.Type, key.ID)
}

// ListEntries returns every manifest row.
func (s *Store) ListEntries() ([]Entry, error) {
	rows, err := s.db.Query(`SELECT type, id, md5, size, media_type, last_used FROM manifest`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var lastUsed int64
		if err := rows.Scan(&e.Key.Type, &e.Key.ID, &e.MD5, &e.Size, &e.MediaType, &lastUsed); err != nil {
			return nil, err
		}
		e.LastUsed = time.Unix(lastUsed, 0)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Repair reconciles the manifest against the blob directory after a restart.
// Manifest rows with no backing blob (or a size mismatch) are dropped so the
// next required-files pass re-downloads them; orphan blob files are removed.
func (s *Store) Repair() error {
	entries, err := s.ListEntries()
	if err != nil {
		return err
	}

	known := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		path := s.BlobPath(e.Key)
		known[filepath.Base(path)] = struct{}{}
		info, err := os.Stat(path)
		if err != nil || info.Size() != e.Size {
			s.logger.Warnf("Manifest entry %v has no valid blob on disk, dropping", e.Key)
			if err := s.DeleteBlob(e.Key); err != nil {
				return err
			}
		}
	}

	blobDir := filepath.Join(s.dir, "blobs")
	files, err := os.ReadDir(blobDir)
	if err != nil {
		return err
	}
	for _, f := range files {
		if _, ok := known[f.Name()]; !ok {
			s.logger.Warnf("Removing orphan blob file %s", f.Name())
			os.Remove(filepath.Join(blobDir, f.Name()))
		}
	}
	return nil
}

// SaveSnapshot persists a named document (settings, schedule) verbatim.
func (s *Store) SaveSnapshot(name string, body []byte, now time.Time) error {
	_, err := s.db.Exec(`
		INSERT INTO snapshots (name, body, updated) VALUES (?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET body = excluded.body, updated = excluded.updated`,
		name, body, now.Unix())
	return err
}

// LoadSnapshot retrieves a named document.
func (s *Store) LoadSnapshot(name string) ([]byte, error) {
	var body []byte
	err := s.db.QueryRow(`SELECT body FROM snapshots WHERE name = ?`, name).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return body, err
}

// QueuedRecord is one row popped from a persisted queue.
type QueuedRecord struct {
	Seq  int64
	Body []byte
}

// EnqueueStat appends a proof-of-play record to the persistent stats queue.
func (s *Store) EnqueueStat(rec models.StatRecord) error {
	return s.enqueue("stat_queue", rec)
}

// EnqueueFault appends a fault record to the persistent log queue.
func (s *Store) EnqueueFault(rec models.Fault) error {
	return s.enqueue("log_queue", rec)
}

func (s *Store) enqueue(table string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := s.db.Exec(`INSERT INTO `+table+` (body) VALUES (?)`, string(body)); err != nil {
		return err
	}
	return s.TrimQueue(table, s.queueLimit)
}

// PeekQueue returns up to n oldest records from the named queue
// ("stat_queue" or "log_queue") without removing them.
func (s *Store) PeekQueue(table string, n int) ([]QueuedRecord, error) {
	rows, err := s.db.Query(`SELECT seq, body FROM `+table+` ORDER BY seq LIMIT ?`, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []QueuedRecord
	for rows.Next() {
		var rec QueuedRecord
		var body string
		if err := rows.Scan(&rec.Seq, &body); err != nil {
			return nil, err
		}
		rec.Body = []byte(body)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// AckQueue removes records that have been submitted upstream.
func (s *Store) AckQueue(table string, upToSeq int64) error {
	_, err := s.db.Exec(`DELETE FROM `+table+` WHERE seq <= ?`, upToSeq)
	return err
}

// TrimQueue bounds a queue to its newest max rows, dropping the oldest.
// Every enqueue runs through it, so a long CMS outage cannot grow the
// tables without limit.
func (s *Store) TrimQueue(table string, max int) error {
	if max <= 0 {
		return nil
	}
	_, err := s.db.Exec(`
		DELETE FROM `+table+` WHERE seq <= (
			SELECT seq FROM `+table+` ORDER BY seq DESC LIMIT 1 OFFSET ?)`, max)
	return err
}
