// Package sourcecache shares one download of a remote source among sibling tasks.
//
// Entries are content-addressed by the sha256 of the source reference and are
// written exactly once under a lease, by write-then-rename. Entries outlive a
// single run; retention is left to whoever owns the cache directory.
package sourcecache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.temporal.io/sdk/client"

	"github.com/Lllllllleong/docanalysis/internal/lease"
)

// FetchFunc streams the source into w.
type FetchFunc func(ctx context.Context, w io.Writer) error

// Entry is a usable cache file.
type Entry struct {
	Key        string
	Path       string
	Size       int64
	Hit        bool
	Downloaded bool
}

// Config tunes the acquisition protocol.
type Config struct {
	Dir          string        `yaml:"dir"`
	MinSize      int64         `yaml:"minSize"`
	LeaseTTL     time.Duration `yaml:"leaseTTL"`
	PollInterval time.Duration `yaml:"pollInterval"`
	MaxPolls     int           `yaml:"maxPolls"`
	MaxBreaks    int           `yaml:"maxBreaks"`
}

func DefaultConfig() Config {
	return Config{
		Dir:          filepath.Join(os.TempDir(), "docanalysis-cache"),
		MinSize:      1,
		LeaseTTL:     10 * time.Minute,
		PollInterval: time.Second,
		MaxPolls:     30,
		MaxBreaks:    2,
	}
}

// Cache is a lease-guarded, content-addressed file cache.
type Cache struct {
	cfg     Config
	locker  lease.Locker
	metrics client.MetricsHandler
	logger  *slog.Logger
}

// Option configures a Cache.
type Option func(*Cache)

func WithMetrics(h client.MetricsHandler) Option {
	return func(c *Cache) { c.metrics = h }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Cache) { c.logger = l }
}

func New(cfg Config, locker lease.Locker, opts ...Option) (*Cache, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("cache dir must be set")
	}
	if cfg.PollInterval <= 0 || cfg.MaxPolls <= 0 {
		return nil, fmt.Errorf("poll interval and max polls must be positive")
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache dir %s: %w", cfg.Dir, err)
	}
	c := &Cache{
		cfg:     cfg,
		locker:  locker,
		metrics: client.MetricsNopHandler,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Key returns the cache key for a source reference.
func Key(sourceRef string) string {
	sum := sha256.Sum256([]byte(sourceRef))
	return hex.EncodeToString(sum[:])
}

// Path returns where the entry for sourceRef lives once populated.
func (c *Cache) Path(sourceRef string) string {
	return filepath.Join(c.cfg.Dir, Key(sourceRef)+".bin")
}

type acquireOptions struct {
	onWait func(attempt int)
}

// AcquireOption tweaks a single Acquire call.
type AcquireOption func(*acquireOptions)

// OnWait registers a hook invoked on every poll while another task holds the lease.
// Activities use it to heartbeat.
func OnWait(fn func(attempt int)) AcquireOption {
	return func(o *acquireOptions) { o.onWait = fn }
}

// Acquire returns the cached file for sourceRef, fetching it if no sibling has.
// At most one caller runs fetch for a key at any time.
func (c *Cache) Acquire(ctx context.Context, sourceRef string, fetch FetchFunc, opts ...AcquireOption) (*Entry, error) {
	var o acquireOptions
	for _, opt := range opts {
		opt(&o)
	}

	key := Key(sourceRef)
	path := c.Path(sourceRef)
	owner := uuid.NewString()
	logCtx := c.logger.With("cacheKey", key, "owner", owner)

	// --- 1. Fast path: a validated entry needs no lease ---
	if e, ok := c.hit(key, path); ok {
		c.metrics.Counter("cache_hit").Inc(1)
		return e, nil
	}

	breaks := 0
	for {
		// --- 2. Try to become the sole downloader ---
		acquired, err := c.locker.TryAcquire(ctx, key, owner, c.cfg.LeaseTTL)
		if err != nil {
			return nil, fmt.Errorf("failed to acquire lease for %s: %w", key, err)
		}
		if acquired {
			return c.populate(ctx, logCtx, key, path, owner, fetch)
		}

		// --- 3. Someone else holds it: wait for their file or their lease ---
		c.metrics.Counter("cache_wait").Inc(1)
		seen, _ := c.locker.Expiry(ctx, key)
		for attempt := 1; attempt <= c.cfg.MaxPolls; attempt++ {
			if o.onWait != nil {
				o.onWait(attempt)
			}
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.cfg.PollInterval):
			}

			if e, ok := c.hit(key, path); ok {
				c.metrics.Counter("cache_hit").Inc(1)
				return e, nil
			}
			acquired, err := c.locker.TryAcquire(ctx, key, owner, c.cfg.LeaseTTL)
			if err != nil {
				return nil, fmt.Errorf("failed to acquire lease for %s: %w", key, err)
			}
			if acquired {
				return c.populate(ctx, logCtx, key, path, owner, fetch)
			}
		}

		// --- 4. Poll budget spent: a holder that renewed is still working ---
		latest, err := c.locker.Expiry(ctx, key)
		if err == nil && latest.Sub(seen) > c.cfg.renewEvery()/2 {
			logCtx.Debug("Lease holder is still renewing, waiting again.")
			continue
		}
		if breaks >= c.cfg.MaxBreaks {
			return nil, fmt.Errorf("lease for %s still held after %d forced breaks", key, breaks)
		}
		breaks++
		logCtx.Warn("Lease not renewed within poll budget, forcing expiry.", "polls", c.cfg.MaxPolls)
		c.metrics.Counter("cache_force_break").Inc(1)
		if err := c.locker.ForceExpire(ctx, key); err != nil {
			return nil, fmt.Errorf("failed to break lease for %s: %w", key, err)
		}
	}
}

// renewEvery is how often a holder extends its lease: often enough that a
// waiter sees at least two renewals within one poll budget.
func (c Config) renewEvery() time.Duration {
	return max(min(c.LeaseTTL/3, c.PollInterval*time.Duration(c.MaxPolls)/3), time.Millisecond)
}

// renew extends the lease until stop is closed.
func (c *Cache) renew(logCtx *slog.Logger, key, owner string, stop <-chan struct{}) {
	t := time.NewTicker(c.cfg.renewEvery())
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			err := c.locker.Renew(ctx, key, owner, c.cfg.LeaseTTL)
			cancel()
			if err != nil {
				logCtx.Warn("Failed to renew cache lease.", "error", err)
				if errors.Is(err, lease.ErrNotOwner) {
					return
				}
			}
		}
	}
}

func (c *Cache) hit(key, path string) (*Entry, bool) {
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() || info.Size() < c.cfg.MinSize {
		return nil, false
	}
	return &Entry{Key: key, Path: path, Size: info.Size(), Hit: true}, true
}

func (c *Cache) populate(ctx context.Context, logCtx *slog.Logger, key, path, owner string, fetch FetchFunc) (*Entry, error) {
	defer func() {
		// Release with a fresh context so a canceled caller still frees the lease.
		relCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if rerr := c.locker.Release(relCtx, key, owner); rerr != nil {
			logCtx.Warn("Failed to release cache lease.", "error", rerr)
		}
	}()

	// A sibling may have finished between our miss and our lease.
	if e, ok := c.hit(key, path); ok {
		c.metrics.Counter("cache_hit").Inc(1)
		return e, nil
	}

	stop := make(chan struct{})
	renewed := make(chan struct{})
	go func() {
		defer close(renewed)
		c.renew(logCtx, key, owner, stop)
	}()
	defer func() {
		close(stop)
		<-renewed
	}()

	tmp := fmt.Sprintf("%s.tmp-%s", path, owner)
	size, err := writeFile(ctx, tmp, fetch)
	if err != nil {
		_ = os.Remove(tmp)
		return nil, err
	}
	if size < c.cfg.MinSize {
		_ = os.Remove(tmp)
		return nil, fmt.Errorf("downloaded source for %s is %d bytes, below the %d byte minimum", key, size, c.cfg.MinSize)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return nil, fmt.Errorf("failed to move cache file into place: %w", err)
	}

	c.metrics.Counter("cache_download").Inc(1)
	logCtx.Info("Source downloaded into cache.", "bytes", size)
	return &Entry{Key: key, Path: path, Size: size, Downloaded: true}, nil
}

func writeFile(ctx context.Context, path string, fetch FetchFunc) (int64, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, fmt.Errorf("failed to create temp cache file %s: %w", path, err)
	}
	cw := &countingWriter{w: f}
	if err := fetch(ctx, cw); err != nil {
		_ = f.Close()
		return 0, fmt.Errorf("failed to fetch source: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return 0, fmt.Errorf("failed to sync temp cache file: %w", err)
	}
	if err := f.Close(); err != nil {
		return 0, fmt.Errorf("failed to close temp cache file: %w", err)
	}
	return cw.n, nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// Prune deletes cache files whose last write is older than maxAge and returns how
// many were removed. The pipeline never prunes; retention is an operator task.
func (c *Cache) Prune(maxAge time.Duration, now time.Time) (int, error) {
	entries, err := os.ReadDir(c.cfg.Dir)
	if err != nil {
		return 0, fmt.Errorf("failed to list cache dir: %w", err)
	}
	removed := 0
	for _, de := range entries {
		if de.IsDir() || filepath.Ext(de.Name()) != ".bin" {
			continue
		}
		info, err := de.Info()
		if err != nil {
			continue
		}
		if now.Sub(info.ModTime()) < maxAge {
			continue
		}
		if err := os.Remove(filepath.Join(c.cfg.Dir, de.Name())); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return removed, fmt.Errorf("failed to remove %s: %w", de.Name(), err)
		}
		removed++
	}
	return removed, nil
}
