// Package store persists the session document. Every mutation runs
// lock → read current → modify → write temp → fsync → rename → unlock, so
// concurrent memlink processes never lose each other's writes and readers
// never observe a partially written file.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/go-ports/memlink/internal/apperr"
)

// FileName is the session document name inside the memlink home.
const FileName = "session.json"

// Options tunes locking and injects clocks for tests. Zero values take
// defaults.
type Options struct {
	// LockTimeout bounds one acquisition round (default 5s).
	LockTimeout time.Duration
	// LockRetry is the polling interval while the lock is busy (default 50ms).
	LockRetry time.Duration
	// LockAttempts is the number of acquisition rounds before giving up (default 3).
	LockAttempts int
	// StaleAfter is the age past which an ownerless lock is reclaimed (default 10m).
	StaleAfter time.Duration

	Logger *slog.Logger
	Now    func() time.Time
	NewID  func() string
}

func (o Options) withDefaults() Options {
	if o.LockTimeout <= 0 {
		o.LockTimeout = 5 * time.Second
	}
	if o.LockRetry <= 0 {
		o.LockRetry = 50 * time.Millisecond
	}
	if o.LockAttempts <= 0 {
		o.LockAttempts = 3
	}
	if o.StaleAfter <= 0 {
		o.StaleAfter = 10 * time.Minute
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.NewID == nil {
		o.NewID = uuid.NewString
	}
	return o
}

// Store is a handle on the session document in one directory. It holds no
// document state between calls; the file is the source of truth.
type Store struct {
	dir       string
	path      string
	lockPath  string
	backupDir string
	opts      Options
	logger    *slog.Logger

	// afterTempWrite runs between writing the temp file and renaming it.
	// Tests use it to simulate a crash mid-save.
	afterTempWrite func(tmpPath string) error

	// beforeReclaim runs after a lock is judged stale and before it is
	// removed. Tests use it to race another process.
	beforeReclaim func()
}

// New returns a Store rooted at dir. The directory is created lazily.
func New(dir string, opts Options) *Store {
	opts = opts.withDefaults()
	path := filepath.Join(dir, FileName)
	return &Store{
		dir:       dir,
		path:      path,
		lockPath:  path + ".lock",
		backupDir: filepath.Join(dir, "backups"),
		opts:      opts,
		logger:    opts.Logger,
	}
}

// Path returns the live document path.
func (s *Store) Path() string { return s.path }

// LockPath returns the companion lock file path.
func (s *Store) LockPath() string { return s.lockPath }

// Exists reports whether the document has been written.
func (s *Store) Exists() bool {
	_, err := os.Stat(s.path)
	return err == nil
}

// Load returns the current document. A missing file yields a fresh,
// unsaved document. Documents needing migration or recovery are repaired
// under the lock and persisted before returning.
func (s *Store) Load(ctx context.Context) (*Document, error) {
	doc, migrated, err := s.read()
	switch {
	case err == nil && !migrated:
		return doc, nil
	case errors.Is(err, ErrUnsupportedVersion):
		return nil, apperr.Config("store.load", err).
			WithHint("upgrade memlink: the session document was written by a newer version")
	}
	// Migration or corruption: repair under the lock.
	return s.Update(ctx, func(*Document) error { return nil })
}

// Init persists a fresh document if none exists and returns it.
func (s *Store) Init(ctx context.Context) (*Document, error) {
	if s.Exists() {
		return s.Load(ctx)
	}
	return s.Update(ctx, func(*Document) error { return nil })
}

// Update applies fn to the current document and persists the result
// atomically. fn sees the state as of lock acquisition; if fn returns an
// error nothing is written.
func (s *Store) Update(ctx context.Context, fn func(*Document) error) (*Document, error) {
	var out *Document
	err := s.WithLock(ctx, func() error {
		doc, err := s.readForUpdate()
		if err != nil {
			return err
		}
		if err := fn(doc); err != nil {
			return err
		}
		doc.Version = CurrentVersion
		doc.UpdatedAt = s.opts.Now().UTC()
		if err := doc.validate(); err != nil {
			return apperr.Validation("store.update", err)
		}
		data, err := encodeDocument(doc)
		if err != nil {
			return fmt.Errorf("store.update: encode: %w", err)
		}
		if err := s.writeAtomic(data); err != nil {
			return err
		}
		out = doc
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Reset clears credential, counters and discovered services while
// keeping the device identity.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.Update(ctx, func(d *Document) error {
		fresh := s.fresh()
		fresh.DeviceID = d.DeviceID
		fresh.CreatedAt = d.CreatedAt
		*d = *fresh
		return nil
	})
	return err
}

// read loads and decodes the live document without locking. Atomic
// renames guarantee it sees either the old or the new content.
func (s *Store) read() (doc *Document, migrated bool, err error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return s.fresh(), false, nil
	}
	if err != nil {
		return nil, false, apperr.Corruption("store.read", err)
	}
	doc, migrated, err = decodeDocument(data, s.opts.NewID)
	if err != nil {
		if errors.Is(err, ErrUnsupportedVersion) {
			return nil, false, err
		}
		return nil, false, apperr.Corruption("store.read", err)
	}
	return doc, migrated, nil
}

// readForUpdate is read plus recovery; it must run under the lock.
func (s *Store) readForUpdate() (*Document, error) {
	doc, migrated, err := s.read()
	switch {
	case err == nil:
		if migrated {
			s.logger.Info("migrated session document", "path", s.path, "version", CurrentVersion)
			if _, berr := s.backupLocked(); berr != nil {
				s.logger.Warn("could not back up session document before migration", "error", berr)
			}
		}
		return doc, nil
	case errors.Is(err, ErrUnsupportedVersion):
		return nil, apperr.Config("store.load", err).
			WithHint("upgrade memlink: the session document was written by a newer version")
	default:
		return s.recoverLocked(err)
	}
}

// recoverLocked handles an unreadable document: restore the newest backup
// that decodes, otherwise start over with a fresh document.
func (s *Store) recoverLocked(cause error) (*Document, error) {
	s.logger.Warn("session document is unreadable, attempting recovery", "path", s.path, "error", cause)

	if backup, err := s.LatestBackup(); err == nil && backup != "" {
		data, rerr := os.ReadFile(backup) // #nosec G304 -- backup path is inside the memlink home
		if rerr == nil {
			if doc, _, derr := decodeDocument(data, s.opts.NewID); derr == nil {
				if werr := s.writeAtomic(data); werr != nil {
					return nil, werr
				}
				s.logger.Warn("restored session document from backup", "backup", backup)
				return doc, nil
			}
		}
		s.logger.Warn("latest backup is unusable", "backup", backup)
	}

	corrupt := s.path + ".corrupt-" + s.opts.Now().UTC().Format("20060102T150405Z")
	if err := os.Rename(s.path, corrupt); err == nil {
		s.logger.Warn("moved unreadable session document aside", "path", corrupt)
	}
	s.logger.Warn("reinitialized session document; sign in again with `memlink auth login`")
	return s.fresh(), nil
}

func (s *Store) fresh() *Document {
	now := s.opts.Now().UTC()
	return &Document{
		Version:   CurrentVersion,
		DeviceID:  s.opts.NewID(),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// writeAtomic writes data to a temp file beside the document, fsyncs it,
// renames it over the live path and fsyncs the directory.
func (s *Store) writeAtomic(data []byte) error {
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return fmt.Errorf("store.write: create dir: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, FileName+".tmp-*")
	if err != nil {
		return fmt.Errorf("store.write: create temp: %w", err)
	}
	tmpPath := tmp.Name()

	// Write, sync, close; on any failure remove the temp file.
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("store.write: write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("store.write: sync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("store.write: close temp: %w", err)
	}
	if err := os.Chmod(tmpPath, 0o600); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("store.write: chmod temp: %w", err)
	}

	if s.afterTempWrite != nil {
		if err := s.afterTempWrite(tmpPath); err != nil {
			os.Remove(tmpPath)
			return fmt.Errorf("store.write: %w", err)
		}
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("store.write: rename into place: %w", err)
	}

	if dir, err := os.Open(s.dir); err == nil {
		_ = dir.Sync()
		dir.Close()
	}
	return nil
}
