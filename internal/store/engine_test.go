package store

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/fyrsmithlabs/patternstore/internal/config"
	"github.com/fyrsmithlabs/patternstore/internal/filelock"
)

func testStoreConfig(t *testing.T) config.StoreConfig {
	t.Helper()
	return config.StoreConfig{
		Path:            filepath.Join(t.TempDir(), "store.json"),
		LockTimeout:     2 * time.Second,
		LockRetries:     3,
		StalenessWindow: 3 * time.Second,
		BackupKeep:      10,
	}
}

func openEngine(t *testing.T, cfg config.StoreConfig) *Engine {
	t.Helper()
	e, err := Open(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestLoadMissingFileReturnsDefault(t *testing.T) {
	e := openEngine(t, testStoreConfig(t))

	doc, err := e.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, CurrentSchemaVersion, doc.SchemaVersion)
	assert.Empty(t, doc.Sections.Patterns)

	// No file is created by reads.
	_, statErr := os.Stat(e.Path())
	assert.True(t, os.IsNotExist(statErr))
}

func TestMutateCreatesAndPersists(t *testing.T) {
	cfg := testStoreConfig(t)
	e := openEngine(t, cfg)
	ctx := context.Background()

	doc, err := e.Mutate(ctx, func(d *Document) error {
		d.Sections.Patterns = append(d.Sections.Patterns, PatternRecord{
			ID: "p-1", TaskType: "bug-fix", Timestamp: time.Now().UTC(),
		})
		return nil
	})
	require.NoError(t, err)
	require.Len(t, doc.Sections.Patterns, 1)
	assert.False(t, doc.Metadata.CreatedAt.IsZero())
	assert.False(t, doc.Metadata.UpdatedAt.IsZero())

	// A separate engine sees the write.
	e2 := openEngine(t, cfg)
	doc2, err := e2.Load(ctx)
	require.NoError(t, err)
	require.Len(t, doc2.Sections.Patterns, 1)
	assert.Equal(t, "p-1", doc2.Sections.Patterns[0].ID)
}

func TestMutateRejectsSchemaRegression(t *testing.T) {
	e := openEngine(t, testStoreConfig(t))
	_, err := e.Mutate(context.Background(), func(d *Document) error {
		d.SchemaVersion = 1
		return nil
	})
	assert.ErrorIs(t, err, ErrSchemaRegression)
}

func TestMutateRejectsDuplicateIDs(t *testing.T) {
	e := openEngine(t, testStoreConfig(t))
	_, err := e.Mutate(context.Background(), func(d *Document) error {
		d.Sections.Patterns = append(d.Sections.Patterns,
			PatternRecord{ID: "dup"}, PatternRecord{ID: "dup"})
		return nil
	})
	require.Error(t, err)
}

func TestLoadServesCacheWithinStalenessWindow(t *testing.T) {
	cfg := testStoreConfig(t)
	cfg.StalenessWindow = time.Hour
	e := openEngine(t, cfg)
	ctx := context.Background()

	_, err := e.Mutate(ctx, func(d *Document) error {
		d.Sections.Quality = append(d.Sections.Quality, QualitySnapshot{Score: 90})
		return nil
	})
	require.NoError(t, err)

	// Stop the watcher first so the removal below cannot flag the cache
	// dirty, then remove the file behind the engine's back.
	require.NoError(t, e.Close())
	e.dirty.Store(false)
	require.NoError(t, os.Remove(cfg.Path))

	doc, err := e.Load(ctx)
	require.NoError(t, err)
	assert.Len(t, doc.Sections.Quality, 1, "cached copy should be served")
}

func TestBackupRotationBound(t *testing.T) {
	cfg := testStoreConfig(t)
	cfg.BackupKeep = 3
	e := openEngine(t, cfg)
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		_, err := e.Mutate(ctx, func(d *Document) error {
			d.Sections.Quality = append(d.Sections.Quality, QualitySnapshot{Score: float64(i)})
			return nil
		})
		require.NoError(t, err)
	}

	// 6 mutations: first finds no file, the next 5 produce backups,
	// rotation keeps 3.
	backups := e.listBackups()
	assert.Len(t, backups, 3)

	// Newest backup holds the second-to-last state (5 snapshots).
	data, err := os.ReadFile(backups[0])
	require.NoError(t, err)
	doc, err := Decode(data)
	require.NoError(t, err)
	assert.Len(t, doc.Sections.Quality, 5)
}

func TestCorruptStoreRecoversFromBackup(t *testing.T) {
	cfg := testStoreConfig(t)
	e := openEngine(t, cfg)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := e.Mutate(ctx, func(d *Document) error {
			d.Sections.Quality = append(d.Sections.Quality, QualitySnapshot{Score: 80})
			return nil
		})
		require.NoError(t, err)
	}

	require.NoError(t, os.WriteFile(cfg.Path, []byte("{corrupted"), 0o600))

	// Fresh engine: no cache to hide behind.
	e2 := openEngine(t, cfg)
	doc, err := e2.Load(ctx)
	require.NoError(t, err)
	assert.Len(t, doc.Sections.Quality, 1, "newest backup has the first snapshot")
}

func TestCorruptStoreNoBackupsDegradesOnLoad(t *testing.T) {
	cfg := testStoreConfig(t)
	require.NoError(t, os.WriteFile(cfg.Path, []byte("{corrupted"), 0o600))
	e := openEngine(t, cfg)
	ctx := context.Background()

	doc, err := e.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, doc.Sections.Patterns)

	_, err = e.LoadStrict(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCorruptedStore)

	var cse *CorruptedStoreError
	require.ErrorAs(t, err, &cse)
	assert.Equal(t, cfg.Path, cse.Path)
}

func TestCorruptStoreFatalForWrites(t *testing.T) {
	cfg := testStoreConfig(t)
	require.NoError(t, os.WriteFile(cfg.Path, []byte("{corrupted"), 0o600))
	e := openEngine(t, cfg)

	_, err := e.Mutate(context.Background(), func(d *Document) error { return nil })
	assert.ErrorIs(t, err, ErrCorruptedStore)
}

func TestConcurrentMutatorsLoseNoUpdates(t *testing.T) {
	cfg := testStoreConfig(t)
	cfg.LockTimeout = 10 * time.Second
	ctx := context.Background()

	const writers = 16
	var wg sync.WaitGroup
	errs := make(chan error, writers)

	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// Each writer opens its own engine so the flock path is
			// exercised, not just in-process serialization.
			e, err := Open(cfg, nil)
			if err != nil {
				errs <- err
				return
			}
			defer e.Close()
			_, err = e.Mutate(ctx, func(d *Document) error {
				m := d.Sections.Models["counter"]
				if m == nil {
					m = &ModelPerformance{}
					d.Sections.Models["counter"] = m
				}
				m.TotalUses++
				m.Recompute()
				return nil
			})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	e := openEngine(t, cfg)
	doc, err := e.LoadStrict(ctx)
	require.NoError(t, err)
	require.NotNil(t, doc.Sections.Models["counter"])
	assert.Equal(t, writers, doc.Sections.Models["counter"].TotalUses)
}

func TestOrphanTempFileDoesNotCorruptStore(t *testing.T) {
	cfg := testStoreConfig(t)
	e := openEngine(t, cfg)
	ctx := context.Background()

	_, err := e.Mutate(ctx, func(d *Document) error {
		d.Sections.Quality = append(d.Sections.Quality, QualitySnapshot{Score: 88})
		return nil
	})
	require.NoError(t, err)

	// A crash between the temp write and the rename leaves a partial
	// sibling behind. It must not shadow the document or poison backup
	// recovery.
	orphan := cfg.Path + ".tmp-1234567"
	require.NoError(t, os.WriteFile(orphan, []byte(`{"schema_version": 2, "sec`), 0o600))

	e2 := openEngine(t, cfg)
	doc, err := e2.LoadStrict(ctx)
	require.NoError(t, err)
	require.Len(t, doc.Sections.Quality, 1)
	assert.Equal(t, 88.0, doc.Sections.Quality[0].Score)

	// Writes keep working and never treat the orphan as a backup.
	_, err = e2.Mutate(ctx, func(d *Document) error {
		d.Sections.Quality = append(d.Sections.Quality, QualitySnapshot{Score: 91})
		return nil
	})
	require.NoError(t, err)
	for _, backup := range e2.listBackups() {
		assert.NotEqual(t, orphan, backup)
	}

	doc, err = e2.LoadStrict(ctx)
	require.NoError(t, err)
	assert.Len(t, doc.Sections.Quality, 2)
}

func TestMutateSurfacesLockTimeout(t *testing.T) {
	cfg := testStoreConfig(t)
	cfg.LockTimeout = 80 * time.Millisecond
	cfg.LockRetries = 1
	e := openEngine(t, cfg)
	ctx := context.Background()

	// Hold the exclusive lock from "another process".
	release := make(chan struct{})
	held := make(chan struct{})
	go func() {
		_ = withHeldLock(cfg.Path+".lock", held, release)
	}()
	<-held
	defer close(release)

	_, err := e.Mutate(ctx, func(d *Document) error { return nil })
	require.Error(t, err)
	assert.ErrorIs(t, err, filelock.ErrLockTimeout)
}

// withHeldLock simulates another process holding the exclusive lock until
// release is closed.
func withHeldLock(path string, held chan<- struct{}, release <-chan struct{}) error {
	l := filelock.New(path)
	if err := l.AcquireExclusive(context.Background(), time.Second); err != nil {
		close(held)
		return err
	}
	close(held)
	<-release
	return l.Release()
}
