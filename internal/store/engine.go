package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/patternstore/internal/config"
	"github.com/fyrsmithlabs/patternstore/internal/filelock"
)

const (
	// backupTimeFormat sorts lexically in chronological order.
	backupTimeFormat = "20060102T150405.000000000"

	backupSuffix = ".bak"

	// lockRetryInitialInterval seeds the exponential backoff between
	// write-path lock retries.
	lockRetryInitialInterval = 50 * time.Millisecond
)

// Engine is the document store: the only sanctioned read/write path to the
// on-disk file. Multiple processes may open engines on the same path; all
// writes serialize on the sibling lock file.
type Engine struct {
	cfg    config.StoreConfig
	logger *zap.Logger

	path     string
	lockPath string

	watcher *fsnotify.Watcher
	// dirty is set when another process rewrote the store file, forcing
	// the next Load past the cache.
	dirty atomic.Bool

	mu       sync.Mutex
	cached   *Document
	cachedAt time.Time

	closeOnce sync.Once
	done      chan struct{}
}

// Open creates an engine for the configured store path. The store file
// itself is created lazily on first write.
func Open(cfg config.StoreConfig, logger *zap.Logger) (*Engine, error) {
	if cfg.Path == "" {
		return nil, errors.New("store path is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	dir := filepath.Dir(cfg.Path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	e := &Engine{
		cfg:      cfg,
		logger:   logger,
		path:     cfg.Path,
		lockPath: cfg.Path + ".lock",
		done:     make(chan struct{}),
	}

	// The watcher is an optimization: without it the staleness window
	// alone bounds cache age.
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Warn("store change watcher unavailable, relying on staleness window",
			zap.Error(err))
	} else if err := watcher.Add(dir); err != nil {
		logger.Warn("failed to watch store directory", zap.Error(err))
		_ = watcher.Close()
	} else {
		e.watcher = watcher
		go e.watchLoop()
	}

	return e, nil
}

// Close releases the watcher. The engine holds no locks between calls.
func (e *Engine) Close() error {
	var err error
	e.closeOnce.Do(func() {
		close(e.done)
		if e.watcher != nil {
			err = e.watcher.Close()
		}
	})
	return err
}

// Path returns the store file path.
func (e *Engine) Path() string { return e.path }

// watchLoop flags the cache dirty whenever the store file changes on disk.
func (e *Engine) watchLoop() {
	base := filepath.Base(e.path)
	for {
		select {
		case <-e.done:
			return
		case event, ok := <-e.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != base {
				continue
			}
			if event.Op.Has(fsnotify.Write) || event.Op.Has(fsnotify.Create) ||
				event.Op.Has(fsnotify.Rename) || event.Op.Has(fsnotify.Remove) {
				e.dirty.Store(true)
			}
		case err, ok := <-e.watcher.Errors:
			if !ok {
				return
			}
			e.logger.Warn("store watcher error", zap.Error(err))
		}
	}
}

// Load returns the current document. Reads are total: a missing file yields
// an empty default document, a corrupt file falls back to the newest usable
// backup, and if everything is damaged the default document is returned
// with the error logged. Callers that must distinguish damage use
// LoadStrict.
func (e *Engine) Load(ctx context.Context) (*Document, error) {
	if doc := e.cachedFresh(); doc != nil {
		LoadsTotal.WithLabelValues("cache").Inc()
		return doc, nil
	}

	doc, source, err := e.loadFromDisk(ctx)
	if err != nil {
		var lte *filelock.LockTimeoutError
		if errors.As(err, &lte) {
			// A writer is holding the lock. Serve the stale cache if we
			// have one rather than blocking the read path.
			if stale := e.cachedAny(); stale != nil {
				LoadsTotal.WithLabelValues("cache").Inc()
				return stale, nil
			}
		}
		e.logger.Error("store load degraded to default document", zap.Error(err))
		LoadsTotal.WithLabelValues("default").Inc()
		return NewDocument(), nil
	}

	LoadsTotal.WithLabelValues(source).Inc()
	e.setCache(doc)
	return doc.Clone(), nil
}

// LoadStrict is Load without the read-path degradation: corruption and lock
// timeouts surface as errors.
func (e *Engine) LoadStrict(ctx context.Context) (*Document, error) {
	doc, source, err := e.loadFromDisk(ctx)
	if err != nil {
		return nil, err
	}
	LoadsTotal.WithLabelValues(source).Inc()
	e.setCache(doc)
	return doc.Clone(), nil
}

func (e *Engine) cachedFresh() *Document {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cached == nil || e.dirty.Load() {
		return nil
	}
	if time.Since(e.cachedAt) >= e.cfg.StalenessWindow {
		return nil
	}
	return e.cached.Clone()
}

func (e *Engine) cachedAny() *Document {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cached == nil {
		return nil
	}
	return e.cached.Clone()
}

func (e *Engine) setCache(doc *Document) {
	e.mu.Lock()
	e.cached = doc.Clone()
	e.cachedAt = time.Now()
	e.mu.Unlock()
	e.dirty.Store(false)
}

// loadFromDisk reads the document under a shared lock. source is one of
// "disk", "backup", "default".
func (e *Engine) loadFromDisk(ctx context.Context) (doc *Document, source string, err error) {
	lockErr := filelock.WithShared(ctx, e.lockPath, e.cfg.LockTimeout, func() error {
		doc, source, err = e.readLocked()
		return nil
	})
	if lockErr != nil {
		return nil, "", lockErr
	}
	return doc, source, err
}

// readLocked reads and decodes the store file; the caller holds a lock.
func (e *Engine) readLocked() (*Document, string, error) {
	data, err := os.ReadFile(e.path)
	if errors.Is(err, os.ErrNotExist) {
		// Lazy creation: the document exists once something is written.
		return NewDocument(), "default", nil
	}
	if err != nil {
		return nil, "", fmt.Errorf("failed to read store file: %w", err)
	}

	doc, decodeErr := Decode(data)
	if decodeErr == nil {
		return doc, "disk", nil
	}

	// Primary is damaged: walk backups newest first.
	backups := e.listBackups()
	for _, backup := range backups {
		bdata, err := os.ReadFile(backup)
		if err != nil {
			continue
		}
		bdoc, err := Decode(bdata)
		if err != nil {
			continue
		}
		e.logger.Warn("store file corrupted, recovered from backup",
			zap.String("backup", filepath.Base(backup)),
			zap.NamedError("parse_error", decodeErr))
		CorruptionRecoveries.Inc()
		return bdoc, "backup", nil
	}

	return nil, "", &CorruptedStoreError{
		Path:         e.path,
		BackupsTried: backups,
		Err:          decodeErr,
	}
}

// Mutate is the only sanctioned write path. It acquires the exclusive
// lock, re-reads the latest on-disk state, applies fn, backs up the
// previous file and writes the result atomically. Lock timeouts retry with
// exponential backoff up to the configured retry count before surfacing.
func (e *Engine) Mutate(ctx context.Context, fn func(*Document) error) (*Document, error) {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = lockRetryInitialInterval

	maxTries := uint(e.cfg.LockRetries) + 1

	doc, err := backoff.Retry(ctx, func() (*Document, error) {
		doc, err := e.mutateOnce(ctx, fn)
		if err != nil {
			if errors.Is(err, filelock.ErrLockTimeout) {
				return nil, err // retryable
			}
			return nil, backoff.Permanent(err)
		}
		return doc, nil
	}, backoff.WithBackOff(expo), backoff.WithMaxTries(maxTries))

	if err != nil {
		if errors.Is(err, filelock.ErrLockTimeout) {
			MutationsTotal.WithLabelValues("lock_timeout").Inc()
		} else {
			MutationsTotal.WithLabelValues("error").Inc()
		}
		return nil, err
	}
	MutationsTotal.WithLabelValues("success").Inc()
	return doc, nil
}

func (e *Engine) mutateOnce(ctx context.Context, fn func(*Document) error) (*Document, error) {
	lock := filelock.New(e.lockPath)
	start := time.Now()
	if err := lock.AcquireExclusive(ctx, e.cfg.LockTimeout); err != nil {
		return nil, err
	}
	LockWaitSeconds.Observe(time.Since(start).Seconds())
	defer func() { _ = lock.Release() }()

	// Read-modify-write against disk, never the cache: another process may
	// have written since our last load.
	current, _, err := e.readLocked()
	if err != nil {
		// Write path is strict about corruption.
		return nil, err
	}
	baseVersion := current.SchemaVersion

	work := current.Clone()
	if err := fn(work); err != nil {
		return nil, fmt.Errorf("mutation failed: %w", err)
	}
	if work.SchemaVersion < baseVersion {
		return nil, fmt.Errorf("%w: %d -> %d", ErrSchemaRegression, baseVersion, work.SchemaVersion)
	}
	if err := work.validate(); err != nil {
		return nil, fmt.Errorf("mutation produced invalid document: %w", err)
	}

	now := time.Now().UTC()
	if work.Metadata.CreatedAt.IsZero() {
		work.Metadata.CreatedAt = now
	}
	work.Metadata.UpdatedAt = now

	data, err := Encode(work)
	if err != nil {
		return nil, err
	}

	if err := e.backupCurrentLocked(now); err != nil {
		return nil, err
	}
	if err := filelock.AtomicWrite(e.path, data, 0o600); err != nil {
		return nil, fmt.Errorf("failed to write store file: %w", err)
	}

	e.setCache(work)
	return work.Clone(), nil
}

// backupCurrentLocked copies the current file to a timestamped sibling and
// rotates old backups. No-op when the store file does not exist yet.
func (e *Engine) backupCurrentLocked(now time.Time) error {
	data, err := os.ReadFile(e.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read store file for backup: %w", err)
	}

	backupPath := fmt.Sprintf("%s.%s%s", e.path, now.Format(backupTimeFormat), backupSuffix)
	if err := os.WriteFile(backupPath, data, 0o600); err != nil {
		return fmt.Errorf("failed to write backup %s: %w", backupPath, err)
	}

	e.rotateBackupsLocked()
	return nil
}

// rotateBackupsLocked deletes all but the BackupKeep newest backups.
func (e *Engine) rotateBackupsLocked() {
	backups := e.listBackups()
	for i, backup := range backups {
		if i < e.cfg.BackupKeep {
			continue
		}
		if err := os.Remove(backup); err != nil {
			e.logger.Warn("failed to remove old backup",
				zap.String("backup", backup), zap.Error(err))
		}
	}
	retained := len(backups)
	if retained > e.cfg.BackupKeep {
		retained = e.cfg.BackupKeep
	}
	BackupsRetained.Set(float64(retained))
}

// listBackups returns backup paths newest first. The timestamp format sorts
// lexically, so a plain string sort suffices.
func (e *Engine) listBackups() []string {
	matches, err := filepath.Glob(e.path + ".*" + backupSuffix)
	if err != nil {
		return nil
	}
	sort.Sort(sort.Reverse(sort.StringSlice(matches)))
	return matches
}
