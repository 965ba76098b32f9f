package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/go-ports/memlink/internal/apperr"
)

const backupPrefix = "session-"

// Backup copies the live document into the backups directory and returns
// the new file's path.
func (s *Store) Backup(ctx context.Context) (string, error) {
	var path string
	err := s.WithLock(ctx, func() error {
		var err error
		path, err = s.backupLocked()
		return err
	})
	return path, err
}

// backupLocked must run under the lock.
func (s *Store) backupLocked() (string, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", apperr.Config("store.backup", fmt.Errorf("no session document at %s", s.path)).
				WithHint("run `memlink init` first")
		}
		return "", fmt.Errorf("store.backup: read: %w", err)
	}
	if err := os.MkdirAll(s.backupDir, 0o700); err != nil {
		return "", fmt.Errorf("store.backup: create dir: %w", err)
	}

	name := backupPrefix + s.opts.Now().UTC().Format("20060102T150405.000000000Z") + ".json"
	path := filepath.Join(s.backupDir, name)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", fmt.Errorf("store.backup: write: %w", err)
	}
	s.logger.Debug("backed up session document", "backup", path)
	return path, nil
}

// Restore replaces the live document with the backup at path. The backup
// must decode as a valid document; its bytes are written unchanged.
func (s *Store) Restore(ctx context.Context, path string) error {
	data, err := os.ReadFile(path) // #nosec G304 -- operator-supplied backup path
	if err != nil {
		return apperr.Validation("store.restore", err)
	}
	if _, _, err := decodeDocument(data, s.opts.NewID); err != nil {
		return apperr.Corruption("store.restore", fmt.Errorf("%s: %w", path, err))
	}
	return s.WithLock(ctx, func() error {
		return s.writeAtomic(data)
	})
}

// Backups lists backup files oldest first.
func (s *Store) Backups() ([]string, error) {
	entries, err := os.ReadDir(s.backupDir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store.backups: %w", err)
	}
	var out []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, backupPrefix) || !strings.HasSuffix(name, ".json") {
			continue
		}
		out = append(out, filepath.Join(s.backupDir, name))
	}
	slices.Sort(out)
	return out, nil
}

// LatestBackup returns the newest backup path, or "" when there is none.
func (s *Store) LatestBackup() (string, error) {
	all, err := s.Backups()
	if err != nil || len(all) == 0 {
		return "", err
	}
	return all[len(all)-1], nil
}
