package recommend

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/fyrsmithlabs/patternstore/internal/config"
	"github.com/fyrsmithlabs/patternstore/internal/effectiveness"
	"github.com/fyrsmithlabs/patternstore/internal/patterns"
	"github.com/fyrsmithlabs/patternstore/internal/store"
)

func newEngine(t *testing.T) (*Engine, *store.Engine) {
	t.Helper()
	cfg := config.Default()
	cfg.Store.Path = filepath.Join(t.TempDir(), "store.json")
	cfg.Store.LockTimeout = 2 * time.Second
	cfg.Store.StalenessWindow = 0

	st, err := store.Open(cfg.Store, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	repo, err := patterns.NewRepository(st, cfg.Similarity, zaptest.NewLogger(t))
	require.NoError(t, err)

	engine, err := New(st, repo, zaptest.NewLogger(t))
	require.NoError(t, err)
	return engine, st
}

func seedSkill(t *testing.T, st *store.Engine, name, taskType string, outcomes []bool, quality float64) {
	t.Helper()
	_, err := st.Mutate(context.Background(), func(doc *store.Document) error {
		for _, success := range outcomes {
			effectiveness.Apply(doc.Sections.SkillEffectiveness, name, taskType, success, quality)
		}
		return nil
	})
	require.NoError(t, err)
}

func TestRecommendSkillsOrdering(t *testing.T) {
	engine, st := newEngine(t)
	ctx := context.Background()

	seedSkill(t, st, "debugging", "bug-fix", []bool{true, true, false, true}, 80)  // 0.75, 4 uses
	seedSkill(t, st, "testing", "bug-fix", []bool{true, true}, 90)                 // 1.0, 2 uses
	seedSkill(t, st, "code-review", "bug-fix", []bool{true, true, true, true}, 85) // 1.0, 4 uses
	seedSkill(t, st, "docs", "refactoring", []bool{true}, 70)                      // other type

	recs, err := engine.RecommendSkills(ctx, "bug-fix")
	require.NoError(t, err)
	require.Len(t, recs, 3)

	// Success rate descending, then total uses descending.
	assert.Equal(t, "code-review", recs[0].Name)
	assert.Equal(t, "testing", recs[1].Name)
	assert.Equal(t, "debugging", recs[2].Name)
	assert.Equal(t, 1.0, recs[0].SuccessRate)
	assert.Equal(t, 4, recs[0].TotalUses)
	assert.False(t, recs[0].Default)
}

func TestRecommendSkillsNameTiebreak(t *testing.T) {
	engine, st := newEngine(t)
	ctx := context.Background()

	seedSkill(t, st, "zeta", "feature", []bool{true}, 80)
	seedSkill(t, st, "alpha", "feature", []bool{true}, 80)

	recs, err := engine.RecommendSkills(ctx, "feature")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "alpha", recs[0].Name)
	assert.Equal(t, "zeta", recs[1].Name)
}

func TestRecommendSkillsSafeDefaults(t *testing.T) {
	engine, _ := newEngine(t)

	recs, err := engine.RecommendSkills(context.Background(), "unseen-type")
	require.NoError(t, err)
	require.NotEmpty(t, recs, "callers never receive an empty recommendation")
	names := make([]string, 0, len(recs))
	for _, r := range recs {
		assert.True(t, r.Default)
		assert.Zero(t, r.TotalUses)
		names = append(names, r.Name)
	}
	assert.Equal(t, []string{"code-review", "testing"}, names)
}

func TestRecommendAgents(t *testing.T) {
	engine, st := newEngine(t)
	ctx := context.Background()

	_, err := st.Mutate(ctx, func(doc *store.Document) error {
		effectiveness.Apply(doc.Sections.AgentEffectiveness, "reviewer", "bug-fix", true, 90)
		effectiveness.Apply(doc.Sections.AgentEffectiveness, "fixer", "bug-fix", false, 40)
		return nil
	})
	require.NoError(t, err)

	recs, err := engine.RecommendAgents(ctx, "bug-fix")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "reviewer", recs[0].Name)

	recs, err = engine.RecommendAgents(ctx, "unseen-type")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "general-purpose", recs[0].Name)
	assert.True(t, recs[0].Default)
}

func TestRecommendFromHistory(t *testing.T) {
	engine, st := newEngine(t)
	ctx := context.Background()

	repo, err := patterns.NewRepository(st, config.Default().Similarity, zaptest.NewLogger(t))
	require.NoError(t, err)
	for i, quality := range []float64{70, 95, 85} {
		_, err := repo.StorePattern(ctx, patterns.Candidate{
			TaskType: "bug-fix",
			Context: map[string]string{
				"language":  "go",
				"framework": "echo",
				"module":    string(rune('a' + i)),
			},
			Outcome: store.Outcome{Success: true, QualityScore: quality},
		})
		require.NoError(t, err)
	}

	results, err := engine.RecommendFromHistory(ctx, "bug-fix",
		map[string]string{"language": "go", "framework": "echo"}, 10)
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, 95.0, results[0].Outcome.QualityScore)
	assert.Equal(t, 85.0, results[1].Outcome.QualityScore)
}

func TestRecommendEmptyTaskType(t *testing.T) {
	engine, _ := newEngine(t)
	_, err := engine.RecommendSkills(context.Background(), "")
	assert.ErrorIs(t, err, patterns.ErrEmptyTaskType)
}
