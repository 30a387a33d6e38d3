// Package patternstore is the consumer API over the unified pattern store:
// one file-backed document shared by short-lived CLI tasks and the
// monitoring server, safe across OS processes.
package patternstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/patternstore/internal/config"
	"github.com/fyrsmithlabs/patternstore/internal/effectiveness"
	"github.com/fyrsmithlabs/patternstore/internal/logging"
	"github.com/fyrsmithlabs/patternstore/internal/migration"
	"github.com/fyrsmithlabs/patternstore/internal/patterns"
	"github.com/fyrsmithlabs/patternstore/internal/recommend"
	"github.com/fyrsmithlabs/patternstore/internal/store"
)

// Data types re-exported for consumers.
type (
	Config           = config.Config
	PatternRecord    = store.PatternRecord
	Execution        = store.Execution
	Outcome          = store.Outcome
	QualitySnapshot  = store.QualitySnapshot
	ModelPerformance = store.ModelPerformance
	ValidationEntry  = store.ValidationEntry
	DashboardCache   = store.DashboardCache
	Candidate        = patterns.Candidate
	StoreResult      = patterns.StoreResult
	Recommendation   = recommend.Recommendation
	OutcomeKind      = effectiveness.Kind
	Source           = migration.Source
	SourceKind       = migration.Kind
	Report           = migration.Report
)

// Outcome kinds.
const (
	KindSkill = effectiveness.KindSkill
	KindAgent = effectiveness.KindAgent
)

// Migration source kinds.
const (
	SourcePatterns         = migration.KindPatterns
	SourceQualityHistory   = migration.KindQualityHistory
	SourceModelPerformance = migration.KindModelPerformance
	SourceValidationLog    = migration.KindValidationLog
)

// DefaultConfig returns the standard configuration. See config loading via
// LoadConfig for file/environment overrides.
func DefaultConfig() *Config { return config.Default() }

// LoadConfig builds a Config from defaults, an optional YAML file, and
// PATTERNSTORE_* environment variables.
func LoadConfig(path string) (*Config, error) { return config.Load(path) }

// NewLogger builds a logger from the config's logging section. Open accepts
// any *zap.Logger; this is the standard one for store consumers.
func NewLogger(cfg *Config) (*zap.Logger, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	return logging.New(&cfg.Logging)
}

// maxValidationEntries bounds the validation section so the document does
// not grow without limit from a high-frequency writer.
const maxValidationEntries = 500

// Store bundles the storage engine with the repository, tracker and
// recommender behind one handle. All methods are safe for concurrent use
// from multiple goroutines and multiple processes.
type Store struct {
	engine      *store.Engine
	repo        *patterns.Repository
	tracker     *effectiveness.Tracker
	recommender *recommend.Engine
	migrator    *migration.Migrator
	logger      *zap.Logger
}

// Open validates cfg, opens the backing store and wires the services. A nil
// cfg uses the defaults. The store file is created lazily on first write.
func Open(cfg *Config, logger *zap.Logger) (*Store, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	engine, err := store.Open(cfg.Store, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	repo, err := patterns.NewRepository(engine, cfg.Similarity, logger)
	if err != nil {
		return nil, errors.Join(err, engine.Close())
	}
	tracker, err := effectiveness.NewTracker(engine, logger)
	if err != nil {
		return nil, errors.Join(err, engine.Close())
	}
	recommender, err := recommend.New(engine, repo, logger)
	if err != nil {
		return nil, errors.Join(err, engine.Close())
	}
	migrator, err := migration.New(engine, logger)
	if err != nil {
		return nil, errors.Join(err, engine.Close())
	}

	return &Store{
		engine:      engine,
		repo:        repo,
		tracker:     tracker,
		recommender: recommender,
		migrator:    migrator,
		logger:      logger,
	}, nil
}

// Close releases the store's watcher resources. Pending writes are never
// interrupted; each mutation holds the file lock only for its own duration.
func (s *Store) Close() error { return s.engine.Close() }

// StorePattern records one task execution, folding it into a near-identical
// existing pattern when one exists.
func (s *Store) StorePattern(ctx context.Context, candidate Candidate) (*StoreResult, error) {
	return s.repo.StorePattern(ctx, candidate)
}

// FindSimilar returns same-type patterns above the match threshold, best
// quality first.
func (s *Store) FindSimilar(ctx context.Context, taskType string, taskContext map[string]string, limit int) ([]PatternRecord, error) {
	return s.repo.FindSimilar(ctx, taskType, taskContext, limit)
}

// RecommendSkills ranks skills for a task type.
func (s *Store) RecommendSkills(ctx context.Context, taskType string) ([]Recommendation, error) {
	return s.recommender.RecommendSkills(ctx, taskType)
}

// RecommendAgents ranks agents for a task type.
func (s *Store) RecommendAgents(ctx context.Context, taskType string) ([]Recommendation, error) {
	return s.recommender.RecommendAgents(ctx, taskType)
}

// RecommendFromHistory returns similar past patterns for the task.
func (s *Store) RecommendFromHistory(ctx context.Context, taskType string, taskContext map[string]string, limit int) ([]PatternRecord, error) {
	return s.recommender.RecommendFromHistory(ctx, taskType, taskContext, limit)
}

// RecordOutcome updates effectiveness statistics for one skill or agent
// outside a pattern write.
func (s *Store) RecordOutcome(ctx context.Context, kind OutcomeKind, name, taskType string, success bool, qualityContribution float64) error {
	return s.tracker.RecordOutcome(ctx, kind, name, taskType, success, qualityContribution)
}

// Migrate consolidates legacy sources into the store. Running it again with
// the same sources is a no-op.
func (s *Store) Migrate(ctx context.Context, sources []Source) (*Report, error) {
	return s.migrator.Migrate(ctx, sources)
}

// LoadQualityTimeline returns the most recent limit quality snapshots in
// chronological order, all of them when limit <= 0. The read is total: a
// missing or damaged store yields an empty timeline.
func (s *Store) LoadQualityTimeline(ctx context.Context, limit int) []QualitySnapshot {
	doc, err := s.engine.Load(ctx)
	if err != nil {
		return []QualitySnapshot{}
	}
	timeline := doc.Sections.Quality
	if limit > 0 && len(timeline) > limit {
		timeline = timeline[len(timeline)-limit:]
	}
	out := make([]QualitySnapshot, len(timeline))
	copy(out, timeline)
	return out
}

// LoadModelPerformance returns per-model statistics with success rates
// recomputed. The read is total.
func (s *Store) LoadModelPerformance(ctx context.Context) map[string]ModelPerformance {
	doc, err := s.engine.Load(ctx)
	if err != nil {
		return map[string]ModelPerformance{}
	}
	out := make(map[string]ModelPerformance, len(doc.Sections.Models))
	for name, m := range doc.Sections.Models {
		stats := *m
		stats.Recompute()
		out[name] = stats
	}
	return out
}

// RecordQualitySnapshot adds one point to the quality timeline. A zero
// timestamp is stamped with the current time. The section stays sorted by
// timestamp, so a backfilled point lands in order and LoadQualityTimeline's
// tail is always the newest entries.
func (s *Store) RecordQualitySnapshot(ctx context.Context, snapshot QualitySnapshot) error {
	if snapshot.Timestamp.IsZero() {
		snapshot.Timestamp = time.Now().UTC()
	}
	_, err := s.engine.Mutate(ctx, func(doc *store.Document) error {
		timeline := doc.Sections.Quality
		i := sort.Search(len(timeline), func(i int) bool {
			return timeline[i].Timestamp.After(snapshot.Timestamp)
		})
		timeline = append(timeline, QualitySnapshot{})
		copy(timeline[i+1:], timeline[i:])
		timeline[i] = snapshot
		doc.Sections.Quality = timeline
		return nil
	})
	return err
}

// RecordModelUsage folds one model invocation into its rolling statistics.
func (s *Store) RecordModelUsage(ctx context.Context, model string, success bool, latencySeconds, quality float64) error {
	if model == "" {
		return errors.New("model name cannot be empty")
	}
	_, err := s.engine.Mutate(ctx, func(doc *store.Document) error {
		m := doc.Sections.Models[model]
		if m == nil {
			m = &store.ModelPerformance{}
			doc.Sections.Models[model] = m
		}
		m.TotalUses++
		if success {
			m.SuccessfulUses++
		}
		m.AvgLatencySeconds += (latencySeconds - m.AvgLatencySeconds) / float64(m.TotalUses)
		m.AvgQuality += (quality - m.AvgQuality) / float64(m.TotalUses)
		m.LastUsed = time.Now().UTC()
		m.Recompute()
		return nil
	})
	return err
}

// RecordValidation appends one validation run, trimming the oldest entries
// past the retention bound.
func (s *Store) RecordValidation(ctx context.Context, entry ValidationEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	_, err := s.engine.Mutate(ctx, func(doc *store.Document) error {
		doc.Sections.Validation = append(doc.Sections.Validation, entry)
		if n := len(doc.Sections.Validation); n > maxValidationEntries {
			doc.Sections.Validation = doc.Sections.Validation[n-maxValidationEntries:]
		}
		return nil
	})
	return err
}

// SetDashboardCache stores a precomputed summary for polling consumers.
func (s *Store) SetDashboardCache(ctx context.Context, cache DashboardCache) error {
	if cache.GeneratedAt.IsZero() {
		cache.GeneratedAt = time.Now().UTC()
	}
	_, err := s.engine.Mutate(ctx, func(doc *store.Document) error {
		doc.Sections.DashboardCache = &cache
		return nil
	})
	return err
}

// CachedDashboard returns the dashboard summary when present and within its
// TTL. The read is total.
func (s *Store) CachedDashboard(ctx context.Context) (*DashboardCache, bool) {
	doc, err := s.engine.Load(ctx)
	if err != nil || doc.Sections.DashboardCache == nil {
		return nil, false
	}
	cache := *doc.Sections.DashboardCache
	if !cache.Fresh(time.Now()) {
		return nil, false
	}
	return &cache, true
}
