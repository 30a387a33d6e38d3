// Package recommend ranks skills, agents, and historical patterns for a new
// task based on the effectiveness sections and the pattern repository.
package recommend

import (
	"context"
	"errors"
	"sort"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/patternstore/internal/patterns"
	"github.com/fyrsmithlabs/patternstore/internal/store"
)

// Safe defaults returned when no effectiveness record matches a task type.
// Callers never receive an empty recommendation list.
var (
	defaultSkills = []string{"code-review", "testing"}
	defaultAgents = []string{"general-purpose"}
)

// Recommendation is one ranked skill or agent.
type Recommendation struct {
	Name        string  `json:"name"`
	SuccessRate float64 `json:"success_rate"`
	TotalUses   int     `json:"total_uses"`
	AvgQuality  float64 `json:"avg_quality"`

	// Default marks entries from the safe-default list, which carry no
	// historical evidence.
	Default bool `json:"default,omitempty"`
}

// Engine is a read-only consumer of the store: it holds no state beyond its
// collaborators and never writes.
type Engine struct {
	store  *store.Engine
	repo   *patterns.Repository
	logger *zap.Logger
}

// New creates a recommendation engine over the given store and repository.
func New(st *store.Engine, repo *patterns.Repository, logger *zap.Logger) (*Engine, error) {
	if st == nil {
		return nil, errors.New("store engine is required")
	}
	if repo == nil {
		return nil, errors.New("pattern repository is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{store: st, repo: repo, logger: logger}, nil
}

// RecommendSkills returns skills ranked for taskType: every skill whose
// recommended_for set contains the task type, ordered by success rate
// descending, then total uses descending (more evidence wins ties), then
// name ascending. When nothing matches, a fixed safe-default list is
// returned instead of an empty result.
func (e *Engine) RecommendSkills(ctx context.Context, taskType string) ([]Recommendation, error) {
	return e.recommend(ctx, taskType, func(doc *store.Document) map[string]*store.EffectivenessRecord {
		return doc.Sections.SkillEffectiveness
	}, defaultSkills)
}

// RecommendAgents ranks agents the same way RecommendSkills ranks skills.
func (e *Engine) RecommendAgents(ctx context.Context, taskType string) ([]Recommendation, error) {
	return e.recommend(ctx, taskType, func(doc *store.Document) map[string]*store.EffectivenessRecord {
		return doc.Sections.AgentEffectiveness
	}, defaultAgents)
}

func (e *Engine) recommend(ctx context.Context, taskType string, section func(*store.Document) map[string]*store.EffectivenessRecord, fallback []string) ([]Recommendation, error) {
	if taskType == "" {
		return nil, patterns.ErrEmptyTaskType
	}

	doc, err := e.store.Load(ctx)
	if err != nil {
		// Load degrades to a default document on its own; an error here
		// means the context was cancelled.
		return nil, err
	}

	var out []Recommendation
	for name, rec := range section(doc) {
		if !rec.RecommendsFor(taskType) {
			continue
		}
		out = append(out, Recommendation{
			Name:        name,
			SuccessRate: rec.SuccessRate,
			TotalUses:   rec.TotalUses,
			AvgQuality:  rec.AvgQualityContribution,
		})
	}

	if len(out) == 0 {
		e.logger.Debug("no effectiveness history, returning safe defaults",
			zap.String("task_type", taskType))
		out = make([]Recommendation, 0, len(fallback))
		for _, name := range fallback {
			out = append(out, Recommendation{Name: name, Default: true})
		}
		return out, nil
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].SuccessRate != out[j].SuccessRate {
			return out[i].SuccessRate > out[j].SuccessRate
		}
		if out[i].TotalUses != out[j].TotalUses {
			return out[i].TotalUses > out[j].TotalUses
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

// RecommendFromHistory returns similar past patterns for the task, ranked by
// quality. It delegates to the repository's similarity lookup.
func (e *Engine) RecommendFromHistory(ctx context.Context, taskType string, taskContext map[string]string, limit int) ([]store.PatternRecord, error) {
	return e.repo.FindSimilar(ctx, taskType, taskContext, limit)
}
