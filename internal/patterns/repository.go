package patterns

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/patternstore/internal/config"
	"github.com/fyrsmithlabs/patternstore/internal/effectiveness"
	"github.com/fyrsmithlabs/patternstore/internal/store"
)

// Repository errors.
var (
	ErrEmptyTaskType = errors.New("task type cannot be empty")
)

// Candidate is a pattern about to be stored.
type Candidate struct {
	TaskType        string
	TaskDescription string
	Context         map[string]string
	Execution       store.Execution
	Outcome         store.Outcome
}

// StoreResult reports what StorePattern did.
type StoreResult struct {
	// ID of the inserted or reused pattern record.
	ID string

	// Reused is true when the candidate was folded into an existing
	// record instead of inserted.
	Reused bool
}

// Repository provides append/update operations over the patterns section.
// It holds no state of its own; every operation is a pure function over the
// document fetched through the engine.
type Repository struct {
	engine *store.Engine
	cfg    config.SimilarityConfig
	logger *zap.Logger
}

// NewRepository creates a pattern repository over the given engine.
func NewRepository(engine *store.Engine, cfg config.SimilarityConfig, logger *zap.Logger) (*Repository, error) {
	if engine == nil {
		return nil, errors.New("engine is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Repository{engine: engine, cfg: cfg, logger: logger}, nil
}

// StorePattern records a task execution. When an existing same-type pattern
// scores at or above the reuse threshold against the candidate's context,
// that record's reuse count is incremented and its outcome blended;
// otherwise a new record is inserted. Either way the effectiveness sections
// are updated for every skill and agent in the execution, all in one
// atomic mutation.
func (r *Repository) StorePattern(ctx context.Context, candidate Candidate) (*StoreResult, error) {
	if candidate.TaskType == "" {
		return nil, ErrEmptyTaskType
	}

	var result StoreResult
	_, err := r.engine.Mutate(ctx, func(doc *store.Document) error {
		idx := BuildIndex(doc)
		best, score := idx.Best(candidate.TaskType, candidate.Context)

		if best != nil && score >= r.cfg.ReuseThreshold {
			blendOutcome(best, candidate.Outcome)
			best.ReuseCount++
			result = StoreResult{ID: best.ID, Reused: true}
		} else {
			record := store.PatternRecord{
				ID:              uuid.New().String(),
				Timestamp:       time.Now().UTC(),
				TaskType:        candidate.TaskType,
				TaskDescription: candidate.TaskDescription,
				Context:         copyContext(candidate.Context),
				Execution:       candidate.Execution,
				Outcome:         candidate.Outcome,
			}
			doc.Sections.Patterns = append(doc.Sections.Patterns, record)
			result = StoreResult{ID: record.ID}
		}

		for _, skill := range candidate.Execution.Skills {
			effectiveness.Apply(doc.Sections.SkillEffectiveness, skill,
				candidate.TaskType, candidate.Outcome.Success, candidate.Outcome.QualityScore)
		}
		for _, agent := range candidate.Execution.Agents {
			effectiveness.Apply(doc.Sections.AgentEffectiveness, agent,
				candidate.TaskType, candidate.Outcome.Success, candidate.Outcome.QualityScore)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to store pattern: %w", err)
	}

	r.logger.Debug("stored pattern",
		zap.String("id", result.ID),
		zap.String("task_type", candidate.TaskType),
		zap.Bool("reused", result.Reused))
	return &result, nil
}

// IncrementReuse bumps the reuse count of a known pattern by id.
func (r *Repository) IncrementReuse(ctx context.Context, id string) error {
	_, err := r.engine.Mutate(ctx, func(doc *store.Document) error {
		p := doc.PatternByID(id)
		if p == nil {
			return fmt.Errorf("pattern %s: %w", id, store.ErrNotFound)
		}
		p.ReuseCount++
		return nil
	})
	return err
}

// FindSimilar returns same-type patterns whose context similarity to the
// query strictly exceeds the match threshold, ordered by quality score
// descending (record ID ascending on ties), truncated to limit. Reads are
// total: a damaged store yields an empty result, never an error.
func (r *Repository) FindSimilar(ctx context.Context, taskType string, queryContext map[string]string, limit int) ([]store.PatternRecord, error) {
	if taskType == "" {
		return nil, ErrEmptyTaskType
	}
	if limit <= 0 {
		limit = r.cfg.DefaultLimit
	}

	doc, err := r.engine.Load(ctx)
	if err != nil {
		return []store.PatternRecord{}, nil
	}

	idx := BuildIndex(doc)
	matches := idx.lookup(taskType, queryContext, r.cfg.MatchThreshold, false)

	sort.Slice(matches, func(i, j int) bool {
		qi, qj := matches[i].record.Outcome.QualityScore, matches[j].record.Outcome.QualityScore
		if qi != qj {
			return qi > qj
		}
		return matches[i].record.ID < matches[j].record.ID
	})

	if len(matches) > limit {
		matches = matches[:limit]
	}
	out := make([]store.PatternRecord, 0, len(matches))
	for _, m := range matches {
		out = append(out, *m.record)
	}
	return out, nil
}

// blendOutcome folds a reuse observation into an existing record. Quality
// is a running mean over all observations; boolean sub-checks AND-blend so
// one failing reuse clears them; the success flag tracks the latest
// observation.
func blendOutcome(p *store.PatternRecord, o store.Outcome) {
	observations := float64(p.ReuseCount + 1)
	p.Outcome.QualityScore = (p.Outcome.QualityScore*observations + o.QualityScore) / (observations + 1)
	p.Outcome.TestsPassing = p.Outcome.TestsPassing && o.TestsPassing
	p.Outcome.DocsComplete = p.Outcome.DocsComplete && o.DocsComplete
	p.Outcome.StandardsCompliant = p.Outcome.StandardsCompliant && o.StandardsCompliant
	p.Outcome.Success = o.Success
}

func copyContext(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
