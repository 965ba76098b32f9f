package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-ports/memlink/internal/apperr"
)

// LockTimeoutError reports that the document lock stayed busy through
// every acquisition round.
type LockTimeoutError struct {
	LockPath string
	Waited   time.Duration
	Attempts int
	Owner    *LockInfo
}

func (e *LockTimeoutError) Error() string {
	owner := "unknown owner"
	if e.Owner != nil {
		owner = fmt.Sprintf("pid %d on %s since %s", e.Owner.PID, e.Owner.Host, e.Owner.CreatedAt.Format(time.RFC3339))
	}
	return fmt.Sprintf("session lock busy (path=%s waited=%s attempts=%d held by %s)",
		e.LockPath, e.Waited.Round(time.Millisecond), e.Attempts, owner)
}

// LockInfo is written into the lock file by its owner.
type LockInfo struct {
	PID       int       `json:"pid"`
	Host      string    `json:"host"`
	CreatedAt time.Time `json:"createdAt"`
}

// WithLock runs fn while holding the document lock. Acquisition polls
// for LockTimeout, then backs off and tries again up to LockAttempts
// rounds before failing with a LockTimeoutError classified as config
// corruption. The lock is released when fn returns, including on
// context cancellation.
func (s *Store) WithLock(ctx context.Context, fn func() error) error {
	release, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()
	return fn()
}

func (s *Store) acquire(ctx context.Context) (func(), error) {
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return nil, fmt.Errorf("store.lock: create dir: %w", err)
	}

	start := s.opts.Now()
	backoff := s.opts.LockRetry
	for round := 1; round <= s.opts.LockAttempts; round++ {
		ok, err := s.tryAcquire(ctx)
		if err != nil {
			return nil, err
		}
		if ok {
			return func() { _ = os.Remove(s.lockPath) }, nil
		}
		if round == s.opts.LockAttempts {
			break
		}
		backoff *= 2
		s.logger.Warn("session lock is busy, retrying",
			"lock", s.lockPath,
			"round", round,
			"max_rounds", s.opts.LockAttempts,
			"next_delay", backoff.String(),
		)
		if err := sleepCtx(ctx, backoff); err != nil {
			return nil, err
		}
	}

	owner, _ := readLockInfo(s.lockPath)
	return nil, apperr.Corruption("store.lock", &LockTimeoutError{
		LockPath: s.lockPath,
		Waited:   s.opts.Now().Sub(start),
		Attempts: s.opts.LockAttempts,
		Owner:    owner,
	}).WithHint(fmt.Sprintf("another memlink process holds %s; if none is running, delete the file", s.lockPath))
}

// tryAcquire polls for up to LockTimeout. It returns (false, nil) when the
// round times out.
func (s *Store) tryAcquire(ctx context.Context) (bool, error) {
	deadline := s.opts.Now().Add(s.opts.LockTimeout)
	for {
		f, err := os.OpenFile(s.lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			info := LockInfo{PID: os.Getpid(), Host: hostname(), CreatedAt: s.opts.Now().UTC()}
			if b, merr := json.Marshal(info); merr == nil {
				_, _ = f.Write(append(b, '\n'))
			}
			_ = f.Close()
			return true, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return false, fmt.Errorf("store.lock: %w", err)
		}

		if s.reclaimStale() {
			continue
		}
		if !s.opts.Now().Before(deadline) {
			return false, nil
		}
		if err := sleepCtx(ctx, s.opts.LockRetry); err != nil {
			return false, err
		}
	}
}

// reclaimStale removes the lock file when it is older than StaleAfter and
// its owner process is gone. Reports whether it removed the file.
func (s *Store) reclaimStale() bool {
	fi, err := os.Stat(s.lockPath)
	if err != nil {
		// Vanished between open and stat: let the caller retry.
		return os.IsNotExist(err)
	}

	created := fi.ModTime()
	info, ierr := readLockInfo(s.lockPath)
	if ierr == nil && !info.CreatedAt.IsZero() {
		created = info.CreatedAt
	}
	if s.opts.Now().Sub(created) < s.opts.StaleAfter {
		return false
	}
	if ierr == nil && info.Host == hostname() && processAlive(info.PID) {
		return false
	}

	if s.beforeReclaim != nil {
		s.beforeReclaim()
	}
	if !s.removeIfSame(fi) {
		return false
	}
	s.logger.Warn("reclaimed stale session lock", "lock", s.lockPath, "created", created.Format(time.RFC3339))
	return true
}

// removeIfSame moves the lock file aside and deletes it only when it is
// still the file described by fi. A lock re-created by another process in
// the meantime is moved back untouched.
func (s *Store) removeIfSame(fi os.FileInfo) bool {
	aside := fmt.Sprintf("%s.stale-%d-%d", s.lockPath, os.Getpid(), time.Now().UnixNano())
	if err := os.Rename(s.lockPath, aside); err != nil {
		return false
	}
	moved, err := os.Stat(aside)
	if err != nil || !os.SameFile(fi, moved) || !moved.ModTime().Equal(fi.ModTime()) || moved.Size() != fi.Size() {
		if lerr := os.Link(aside, s.lockPath); lerr != nil && !errors.Is(lerr, os.ErrExist) {
			_ = os.Rename(aside, s.lockPath)
		}
		_ = os.Remove(aside)
		return false
	}
	_ = os.Remove(aside)
	return true
}

func readLockInfo(path string) (*LockInfo, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- lock path is derived from the memlink home
	if err != nil {
		return nil, err
	}
	var info LockInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return h
}

// sleepCtx waits d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
