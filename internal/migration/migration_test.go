package migration

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/fyrsmithlabs/patternstore/internal/config"
	"github.com/fyrsmithlabs/patternstore/internal/store"
)

func newMigrator(t *testing.T) (*Migrator, *store.Engine, string) {
	t.Helper()
	dir := t.TempDir()
	cfg := config.StoreConfig{
		Path:            filepath.Join(dir, "store.json"),
		LockTimeout:     2 * time.Second,
		LockRetries:     3,
		StalenessWindow: 0,
		BackupKeep:      3,
	}
	engine, err := store.Open(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = engine.Close() })

	m, err := New(engine, zaptest.NewLogger(t))
	require.NoError(t, err)
	return m, engine, dir
}

func writeSource(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func legacySources(t *testing.T, dir string) []Source {
	t.Helper()
	patterns := writeSource(t, dir, "patterns.json", `[
		{"id": "p-1", "task_type": "bug-fix", "context": {"language": "go"},
		 "skills": ["debugging"], "success": true, "quality_score": 85,
		 "timestamp": "2026-01-10T12:00:00Z"},
		{"task_type": "refactoring", "context": {"language": "python"},
		 "success": false, "quality_score": 60,
		 "timestamp": "2026-01-11T12:00:00Z"}
	]`)
	quality := writeSource(t, dir, "quality.json", `[
		{"timestamp": "2026-02-01T00:00:00Z", "score": 90, "task_type": "bug-fix"},
		{"timestamp": "2026-01-01T00:00:00Z", "score": 70}
	]`)
	models := writeSource(t, dir, "models.json", `{
		"fast-model": {"total_uses": 10, "successful_uses": 8,
			"avg_latency_seconds": 1.5, "avg_quality": 82,
			"last_used": "2026-02-10T00:00:00Z"}
	}`)
	validation := writeSource(t, dir, "validation.json", `[
		{"timestamp": "2026-02-05T00:00:00Z", "target": "schemas", "passed": false,
		 "issues": ["missing field"]}
	]`)

	return []Source{
		{ID: "legacy-patterns", Path: patterns, Kind: KindPatterns},
		{ID: "legacy-quality", Path: quality, Kind: KindQualityHistory},
		{ID: "legacy-models", Path: models, Kind: KindModelPerformance},
		{ID: "legacy-validation", Path: validation, Kind: KindValidationLog},
	}
}

func TestMigrateConsolidatesAllShapes(t *testing.T) {
	m, engine, dir := newMigrator(t)
	ctx := context.Background()

	report, err := m.Migrate(ctx, legacySources(t, dir))
	require.NoError(t, err)
	assert.Len(t, report.Consolidated, 4)
	assert.Empty(t, report.Skipped)
	assert.Empty(t, report.Failed)

	doc, err := engine.LoadStrict(ctx)
	require.NoError(t, err)

	require.Len(t, doc.Sections.Patterns, 2)
	assert.Equal(t, "p-1", doc.Sections.Patterns[0].ID)
	assert.NotEmpty(t, doc.Sections.Patterns[1].ID, "missing legacy id gets generated")

	require.Len(t, doc.Sections.Quality, 2)
	assert.True(t, doc.Sections.Quality[0].Timestamp.Before(doc.Sections.Quality[1].Timestamp),
		"timeline sorted ascending")

	model := doc.Sections.Models["fast-model"]
	require.NotNil(t, model)
	assert.Equal(t, 10, model.TotalUses)
	assert.Equal(t, 0.8, model.SuccessRate, "rate recomputed from counters")

	require.Len(t, doc.Sections.Validation, 1)
	assert.Equal(t, "schemas", doc.Sections.Validation[0].Target)

	assert.ElementsMatch(t,
		[]string{"legacy-patterns", "legacy-quality", "legacy-models", "legacy-validation"},
		doc.Metadata.MigrationSources)
}

func TestMigrateIsIdempotent(t *testing.T) {
	m, engine, dir := newMigrator(t)
	ctx := context.Background()
	sources := legacySources(t, dir)

	_, err := m.Migrate(ctx, sources)
	require.NoError(t, err)
	first, err := engine.LoadStrict(ctx)
	require.NoError(t, err)

	report, err := m.Migrate(ctx, sources)
	require.NoError(t, err)
	assert.Empty(t, report.Consolidated)
	assert.Len(t, report.Skipped, 4)

	second, err := engine.LoadStrict(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.Sections, second.Sections, "second run changes nothing")
	assert.Equal(t, first.Metadata.MigrationSources, second.Metadata.MigrationSources)
}

func TestMigrateContinuesPastBadSource(t *testing.T) {
	m, engine, dir := newMigrator(t)
	ctx := context.Background()

	good := writeSource(t, dir, "good.json", `[
		{"timestamp": "2026-01-01T00:00:00Z", "score": 75}
	]`)
	bad := writeSource(t, dir, "bad.json", `{not json`)

	report, err := m.Migrate(ctx, []Source{
		{ID: "broken", Path: bad, Kind: KindQualityHistory},
		{ID: "good", Path: good, Kind: KindQualityHistory},
		{ID: "missing", Path: filepath.Join(dir, "nope.json"), Kind: KindPatterns},
	})
	require.Error(t, err, "per-source failures surface in the combined error")

	assert.Equal(t, []string{"good"}, report.Consolidated)
	require.Len(t, report.Failed, 2)

	doc, loadErr := engine.LoadStrict(ctx)
	require.NoError(t, loadErr)
	assert.Len(t, doc.Sections.Quality, 1, "good source landed despite failures")
	assert.Equal(t, []string{"good"}, doc.Metadata.MigrationSources)
}

func TestMigrateMergesModelCounters(t *testing.T) {
	m, engine, dir := newMigrator(t)
	ctx := context.Background()

	// Pre-existing stats for the same model.
	_, err := engine.Mutate(ctx, func(doc *store.Document) error {
		doc.Sections.Models["fast-model"] = &store.ModelPerformance{
			TotalUses:         10,
			SuccessfulUses:    5,
			AvgLatencySeconds: 2.0,
			AvgQuality:        70,
		}
		return nil
	})
	require.NoError(t, err)

	path := writeSource(t, dir, "models.json", `{
		"fast-model": {"total_uses": 10, "successful_uses": 10,
			"avg_latency_seconds": 1.0, "avg_quality": 90}
	}`)
	_, err = m.Migrate(ctx, []Source{{ID: "models", Path: path, Kind: KindModelPerformance}})
	require.NoError(t, err)

	doc, err := engine.LoadStrict(ctx)
	require.NoError(t, err)
	model := doc.Sections.Models["fast-model"]
	require.NotNil(t, model)
	assert.Equal(t, 20, model.TotalUses)
	assert.Equal(t, 15, model.SuccessfulUses)
	assert.Equal(t, 0.75, model.SuccessRate)
	assert.InDelta(t, 1.5, model.AvgLatencySeconds, 1e-9, "use-weighted average")
	assert.InDelta(t, 80.0, model.AvgQuality, 1e-9)
}

func TestMigrateRegeneratesCollidingPatternIDs(t *testing.T) {
	m, engine, dir := newMigrator(t)
	ctx := context.Background()

	a := writeSource(t, dir, "a.json", `[
		{"id": "p-1", "task_type": "bug-fix", "timestamp": "2026-01-01T00:00:00Z"}
	]`)
	b := writeSource(t, dir, "b.json", `[
		{"id": "p-1", "task_type": "feature", "timestamp": "2026-01-02T00:00:00Z"}
	]`)

	_, err := m.Migrate(ctx, []Source{
		{ID: "src-a", Path: a, Kind: KindPatterns},
		{ID: "src-b", Path: b, Kind: KindPatterns},
	})
	require.NoError(t, err)

	doc, err := engine.LoadStrict(ctx)
	require.NoError(t, err)
	require.Len(t, doc.Sections.Patterns, 2)
	assert.NotEqual(t, doc.Sections.Patterns[0].ID, doc.Sections.Patterns[1].ID)
}

func TestMigrateRejectsDuplicateSourceIDs(t *testing.T) {
	m, _, dir := newMigrator(t)
	path := writeSource(t, dir, "q.json", `[]`)

	_, err := m.Migrate(context.Background(), []Source{
		{ID: "same", Path: path, Kind: KindQualityHistory},
		{ID: "same", Path: path, Kind: KindQualityHistory},
	})
	assert.ErrorIs(t, err, ErrDuplicateSourceID)
}

func TestMigrateUnknownKind(t *testing.T) {
	m, _, dir := newMigrator(t)
	path := writeSource(t, dir, "x.json", `[]`)

	report, err := m.Migrate(context.Background(), []Source{
		{ID: "x", Path: path, Kind: Kind("spreadsheet")},
	})
	require.Error(t, err)
	require.Len(t, report.Failed, 1)
	assert.ErrorIs(t, report.Failed[0], ErrUnknownKind)
}
