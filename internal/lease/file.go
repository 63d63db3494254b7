package lease

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// reclaimGuardTTL bounds how long a crashed reclaimer blocks reclaiming.
const reclaimGuardTTL = time.Minute

type marker struct {
	Owner     string    `json:"owner"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// FileLocker implements Locker with marker files created atomically in dir.
// It coordinates processes that share a filesystem.
type FileLocker struct {
	dir string
	now func() time.Time
}

func NewFileLocker(dir string) (*FileLocker, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create lease dir %s: %w", dir, err)
	}
	return &FileLocker{dir: dir, now: time.Now}, nil
}

func (l *FileLocker) path(key string) string {
	safe := strings.NewReplacer("/", "_", "\\", "_", "..", "_").Replace(key)
	return filepath.Join(l.dir, safe+".lease")
}

func (l *FileLocker) TryAcquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	path := l.path(key)
	ok, err := l.create(path, owner, ttl)
	if ok || err != nil {
		return ok, err
	}

	cur, err := readMarker(path)
	if errors.Is(err, fs.ErrNotExist) {
		return l.create(path, owner, ttl)
	}
	if err != nil {
		// A marker that is still being written reads as garbage; treat it as held.
		return false, nil
	}
	if cur.Owner == owner {
		return true, nil
	}
	if l.now().Before(cur.ExpiresAt) {
		return false, nil
	}

	return l.reclaim(path, key, owner, ttl)
}

// reclaim replaces an expired marker. Reclaimers are serialized by an
// exclusive .reclaim file, and the expiry is re-checked while holding it.
func (l *FileLocker) reclaim(path, key, owner string, ttl time.Duration) (bool, error) {
	guard := path + ".reclaim"
	g, err := os.OpenFile(guard, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if errors.Is(err, fs.ErrExist) {
		// A reclaimer that crashed leaves its guard behind; clear it for the next attempt.
		if fi, statErr := os.Stat(guard); statErr == nil && l.now().Sub(fi.ModTime()) > reclaimGuardTTL {
			_ = os.Remove(guard)
		}
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to guard reclaim of lease %s: %w", key, err)
	}
	g.Close()
	defer os.Remove(guard)

	cur, err := readMarker(path)
	if errors.Is(err, fs.ErrNotExist) {
		return l.create(path, owner, ttl)
	}
	if err != nil {
		return false, nil
	}
	if cur.Owner == owner {
		return true, nil
	}
	if l.now().Before(cur.ExpiresAt) {
		return false, nil
	}

	// The expired holder may release and a fresh create may land before the
	// rename. Move the marker aside and restore it if it is not the one we read.
	stale := path + ".stale"
	if err := os.Rename(path, stale); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return l.create(path, owner, ttl)
		}
		return false, fmt.Errorf("failed to reclaim expired lease %s: %w", key, err)
	}
	defer os.Remove(stale)
	moved, err := readMarker(stale)
	if err == nil && (moved.Owner != cur.Owner || !moved.ExpiresAt.Equal(cur.ExpiresAt)) {
		// Link fails if path exists, so a marker created meanwhile is kept.
		_ = os.Link(stale, path)
		return false, nil
	}
	return l.create(path, owner, ttl)
}

func (l *FileLocker) create(path, owner string, ttl time.Duration) (bool, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if errors.Is(err, fs.ErrExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to create lease marker %s: %w", path, err)
	}
	defer f.Close()

	if err := json.NewEncoder(f).Encode(marker{Owner: owner, ExpiresAt: l.now().Add(ttl)}); err != nil {
		_ = os.Remove(path)
		return false, fmt.Errorf("failed to write lease marker %s: %w", path, err)
	}
	return true, nil
}

func (l *FileLocker) Release(_ context.Context, key, owner string) error {
	path := l.path(key)
	cur, err := readMarker(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read lease marker %s: %w", path, err)
	}
	if cur.Owner != owner {
		if l.now().Before(cur.ExpiresAt) {
			return ErrNotOwner
		}
		return nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove lease marker %s: %w", path, err)
	}
	return nil
}

func (l *FileLocker) Renew(_ context.Context, key, owner string, ttl time.Duration) error {
	path := l.path(key)
	cur, err := readMarker(path)
	if errors.Is(err, fs.ErrNotExist) {
		return ErrNotOwner
	}
	if err != nil {
		return fmt.Errorf("failed to read lease marker %s: %w", path, err)
	}
	if cur.Owner != owner {
		return ErrNotOwner
	}

	// Write the extended marker beside the live one and swap it in atomically.
	next := fmt.Sprintf("%s.renew-%s", path, owner)
	data, err := json.Marshal(marker{Owner: owner, ExpiresAt: l.now().Add(ttl)})
	if err != nil {
		return err
	}
	if err := os.WriteFile(next, data, 0o644); err != nil {
		return fmt.Errorf("failed to write lease marker %s: %w", next, err)
	}
	if err := os.Rename(next, path); err != nil {
		_ = os.Remove(next)
		return fmt.Errorf("failed to renew lease %s: %w", key, err)
	}
	return nil
}

func (l *FileLocker) Expiry(_ context.Context, key string) (time.Time, error) {
	cur, err := readMarker(l.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	if !l.now().Before(cur.ExpiresAt) {
		return time.Time{}, nil
	}
	return cur.ExpiresAt, nil
}

func (l *FileLocker) ForceExpire(_ context.Context, key string) error {
	if err := os.Remove(l.path(key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to break lease %s: %w", key, err)
	}
	return nil
}

func readMarker(path string) (marker, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return marker{}, err
	}
	var m marker
	if err := json.Unmarshal(data, &m); err != nil {
		return marker{}, fmt.Errorf("corrupt lease marker: %w", err)
	}
	return m, nil
}
