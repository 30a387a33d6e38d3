// Package effectiveness maintains rolling per-skill and per-agent success
// statistics derived from pattern outcomes.
package effectiveness

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/patternstore/internal/store"
)

// Kind selects which effectiveness section an outcome lands in.
type Kind string

const (
	// KindSkill targets the skill_effectiveness section.
	KindSkill Kind = "skill"

	// KindAgent targets the agent_effectiveness section.
	KindAgent Kind = "agent"
)

// Tracker errors.
var (
	ErrEmptyName   = errors.New("skill or agent name cannot be empty")
	ErrInvalidKind = errors.New("kind must be skill or agent")
)

// Apply folds one outcome into the effectiveness map for name. The success
// rate is recomputed from its components on every call, so it can never
// drift. Quality contribution is a running mean over all uses.
func Apply(section map[string]*store.EffectivenessRecord, name, taskType string, success bool, qualityContribution float64) {
	rec := section[name]
	if rec == nil {
		rec = &store.EffectivenessRecord{}
		section[name] = rec
	}

	rec.TotalUses++
	if success {
		rec.SuccessfulUses++
	}
	rec.AvgQualityContribution += (qualityContribution - rec.AvgQualityContribution) / float64(rec.TotalUses)
	rec.Recompute()
	if taskType != "" {
		rec.AddTaskType(taskType)
	}
}

// Tracker records outcomes through the storage engine when a caller needs
// to update effectiveness outside a pattern write.
type Tracker struct {
	engine *store.Engine
	logger *zap.Logger
}

// NewTracker creates a tracker over the given engine.
func NewTracker(engine *store.Engine, logger *zap.Logger) (*Tracker, error) {
	if engine == nil {
		return nil, errors.New("engine is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{engine: engine, logger: logger}, nil
}

// RecordOutcome folds one outcome for a skill or agent into the store.
func (t *Tracker) RecordOutcome(ctx context.Context, kind Kind, name, taskType string, success bool, qualityContribution float64) error {
	if name == "" {
		return ErrEmptyName
	}
	if kind != KindSkill && kind != KindAgent {
		return fmt.Errorf("%w: %q", ErrInvalidKind, kind)
	}

	_, err := t.engine.Mutate(ctx, func(doc *store.Document) error {
		section := doc.Sections.SkillEffectiveness
		if kind == KindAgent {
			section = doc.Sections.AgentEffectiveness
		}
		Apply(section, name, taskType, success, qualityContribution)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to record %s outcome: %w", kind, err)
	}

	t.logger.Debug("recorded outcome",
		zap.String("kind", string(kind)),
		zap.String("name", name),
		zap.String("task_type", taskType),
		zap.Bool("success", success))
	return nil
}
