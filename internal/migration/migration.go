// Package migration consolidates legacy single-purpose JSON files into the
// unified store document. Each legacy file shape has one adapter; parsing
// happens outside the store lock and the whole consolidated delta lands in
// exactly one mutation.
package migration

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/patternstore/internal/store"
)

// Kind names a legacy source shape.
type Kind string

const (
	// KindPatterns is a legacy flat list of execution pattern objects.
	KindPatterns Kind = "patterns"

	// KindQualityHistory is a legacy list of quality score snapshots.
	KindQualityHistory Kind = "quality-history"

	// KindModelPerformance is a legacy per-model statistics map.
	KindModelPerformance Kind = "model-performance"

	// KindValidationLog is a legacy list of validation run entries.
	KindValidationLog Kind = "validation-log"
)

// Migrator errors.
var (
	ErrDuplicateSourceID = errors.New("duplicate migration source id")
	ErrUnknownKind       = errors.New("unknown migration source kind")
)

// Source identifies one legacy file to consolidate.
type Source struct {
	// ID is the stable identifier recorded in the document's metadata once
	// the source is consolidated. Re-running with the same ID is a no-op.
	ID string

	// Path is the legacy JSON file on disk.
	Path string

	// Kind selects the adapter.
	Kind Kind
}

// SourceError records why one source failed; migration continues with the
// remaining sources.
type SourceError struct {
	SourceID string
	Path     string
	Err      error
}

func (e *SourceError) Error() string {
	return fmt.Sprintf("migration source %s (%s): %v", e.SourceID, e.Path, e.Err)
}

func (e *SourceError) Unwrap() error { return e.Err }

// Report summarizes one migration run.
type Report struct {
	// Consolidated lists source IDs applied by this run.
	Consolidated []string

	// Skipped lists source IDs that were already in the document.
	Skipped []string

	// Failed carries one entry per source that could not be parsed.
	Failed []*SourceError
}

// Err combines the per-source failures, nil when every source landed or was
// already consolidated.
func (r *Report) Err() error {
	var err error
	for _, f := range r.Failed {
		err = multierr.Append(err, f)
	}
	return err
}

// parsed is one source's delta, ready to fold into the document.
type parsed struct {
	source     Source
	patterns   []store.PatternRecord
	quality    []store.QualitySnapshot
	models     map[string]*store.ModelPerformance
	validation []store.ValidationEntry
}

// Migrator consolidates legacy sources through a storage engine.
type Migrator struct {
	engine *store.Engine
	logger *zap.Logger
}

// New creates a migrator over the given engine.
func New(engine *store.Engine, logger *zap.Logger) (*Migrator, error) {
	if engine == nil {
		return nil, errors.New("engine is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Migrator{engine: engine, logger: logger.Named("migration")}, nil
}

// Migrate parses every source, then applies all successfully parsed deltas
// in a single mutation. Sources recorded in the document's metadata are
// skipped, which makes repeated runs with the same sources converge on the
// same document. The returned error combines per-source parse failures and
// is nil when all sources landed.
func (m *Migrator) Migrate(ctx context.Context, sources []Source) (*Report, error) {
	report := &Report{}

	seen := make(map[string]struct{}, len(sources))
	var deltas []parsed
	for _, src := range sources {
		if _, dup := seen[src.ID]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateSourceID, src.ID)
		}
		seen[src.ID] = struct{}{}

		delta, err := m.parseSource(src)
		if err != nil {
			m.logger.Warn("skipping unreadable migration source",
				zap.String("source", src.ID),
				zap.String("path", src.Path),
				zap.Error(err))
			report.Failed = append(report.Failed, &SourceError{SourceID: src.ID, Path: src.Path, Err: err})
			continue
		}
		deltas = append(deltas, delta)
	}

	if len(deltas) > 0 {
		_, err := m.engine.Mutate(ctx, func(doc *store.Document) error {
			for _, d := range deltas {
				if doc.HasMigrationSource(d.source.ID) {
					report.Skipped = append(report.Skipped, d.source.ID)
					continue
				}
				apply(doc, d)
				doc.Metadata.MigrationSources = append(doc.Metadata.MigrationSources, d.source.ID)
				report.Consolidated = append(report.Consolidated, d.source.ID)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to apply migration: %w", err)
		}
	}

	m.logger.Info("migration finished",
		zap.Int("consolidated", len(report.Consolidated)),
		zap.Int("skipped", len(report.Skipped)),
		zap.Int("failed", len(report.Failed)))
	return report, report.Err()
}

func (m *Migrator) parseSource(src Source) (parsed, error) {
	data, err := os.ReadFile(src.Path)
	if err != nil {
		return parsed{}, err
	}

	delta := parsed{source: src}
	switch src.Kind {
	case KindPatterns:
		delta.patterns, err = parsePatterns(data)
	case KindQualityHistory:
		delta.quality, err = parseQualityHistory(data)
	case KindModelPerformance:
		delta.models, err = parseModelPerformance(data)
	case KindValidationLog:
		delta.validation, err = parseValidationLog(data)
	default:
		err = fmt.Errorf("%w: %q", ErrUnknownKind, src.Kind)
	}
	return delta, err
}

// apply folds one parsed source into the document.
func apply(doc *store.Document, d parsed) {
	for _, p := range d.patterns {
		// Keep pattern IDs unique across sources; a colliding legacy ID
		// would otherwise corrupt the store's uniqueness invariant.
		if p.ID == "" || doc.PatternByID(p.ID) != nil {
			p.ID = freshPatternID(doc)
		}
		doc.Sections.Patterns = append(doc.Sections.Patterns, p)
	}

	if len(d.quality) > 0 {
		doc.Sections.Quality = append(doc.Sections.Quality, d.quality...)
		sort.SliceStable(doc.Sections.Quality, func(i, j int) bool {
			return doc.Sections.Quality[i].Timestamp.Before(doc.Sections.Quality[j].Timestamp)
		})
	}

	for name, legacy := range d.models {
		mergeModel(doc.Sections.Models, name, legacy)
	}

	doc.Sections.Validation = append(doc.Sections.Validation, d.validation...)
}

// mergeModel folds legacy counters into any existing record for the model,
// weighting the rolling averages by use counts.
func mergeModel(models map[string]*store.ModelPerformance, name string, legacy *store.ModelPerformance) {
	existing := models[name]
	if existing == nil {
		merged := *legacy
		merged.Recompute()
		models[name] = &merged
		return
	}

	total := existing.TotalUses + legacy.TotalUses
	if total > 0 {
		existing.AvgLatencySeconds = (existing.AvgLatencySeconds*float64(existing.TotalUses) +
			legacy.AvgLatencySeconds*float64(legacy.TotalUses)) / float64(total)
		existing.AvgQuality = (existing.AvgQuality*float64(existing.TotalUses) +
			legacy.AvgQuality*float64(legacy.TotalUses)) / float64(total)
	}
	existing.TotalUses = total
	existing.SuccessfulUses += legacy.SuccessfulUses
	if legacy.LastUsed.After(existing.LastUsed) {
		existing.LastUsed = legacy.LastUsed
	}
	existing.Recompute()
}
