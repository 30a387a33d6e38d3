// Package store is the document storage engine: a single versioned JSON
// file shared across OS processes, with advisory locking on writes,
// timestamped backup rotation, and a staleness-bounded read cache.
package store

import (
	"sort"
	"time"
)

// CurrentSchemaVersion is the version new documents are written at.
//
// Version history:
//
//	1: initial consolidated layout (quality, patterns, effectiveness)
//	2: adds models, validation and dashboard_cache sections
const CurrentSchemaVersion = 2

// Document is the single root object persisted to disk. All sections are
// logically partitioned but written as one atomic unit.
type Document struct {
	SchemaVersion int      `json:"schema_version"`
	Metadata      Metadata `json:"metadata"`
	Sections      Sections `json:"sections"`
}

// Metadata carries document lifecycle information.
type Metadata struct {
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// MigrationSources lists legacy source identifiers already
	// consolidated into this document. Guards migration idempotency.
	MigrationSources []string `json:"migration_sources,omitempty"`
}

// Sections holds the named sub-documents.
type Sections struct {
	Quality            []QualitySnapshot               `json:"quality"`
	Patterns           []PatternRecord                 `json:"patterns"`
	SkillEffectiveness map[string]*EffectivenessRecord `json:"skill_effectiveness"`
	AgentEffectiveness map[string]*EffectivenessRecord `json:"agent_effectiveness"`
	Models             map[string]*ModelPerformance    `json:"models"`
	Validation         []ValidationEntry               `json:"validation"`
	DashboardCache     *DashboardCache                 `json:"dashboard_cache,omitempty"`
}

// PatternRecord is one captured task execution.
type PatternRecord struct {
	ID              string            `json:"id"`
	Timestamp       time.Time         `json:"timestamp"`
	TaskType        string            `json:"task_type"`
	TaskDescription string            `json:"task_description,omitempty"`
	Context         map[string]string `json:"context,omitempty"`
	Execution       Execution         `json:"execution"`
	Outcome         Outcome           `json:"outcome"`

	// ReuseCount increments when a similar-enough candidate is folded
	// into this record instead of inserted. Never decremented.
	ReuseCount int `json:"reuse_count"`
}

// Execution describes how a task was carried out.
type Execution struct {
	Skills          []string `json:"skills,omitempty"`
	Agents          []string `json:"agents,omitempty"`
	Approach        string   `json:"approach,omitempty"`
	DurationSeconds float64  `json:"duration_seconds,omitempty"`
}

// Outcome records how a task ended.
type Outcome struct {
	Success            bool    `json:"success"`
	QualityScore       float64 `json:"quality_score"`
	TestsPassing       bool    `json:"tests_passing"`
	DocsComplete       bool    `json:"docs_complete"`
	StandardsCompliant bool    `json:"standards_compliant"`
}

// EffectivenessRecord aggregates success statistics for one skill or agent.
// SuccessRate is always recomputed from its components, never trusted from
// disk.
type EffectivenessRecord struct {
	TotalUses              int     `json:"total_uses"`
	SuccessfulUses         int     `json:"successful_uses"`
	SuccessRate            float64 `json:"success_rate"`
	AvgQualityContribution float64 `json:"avg_quality_contribution"`

	// RecommendedFor is the sorted set of task types this name has been
	// used on.
	RecommendedFor []string `json:"recommended_for,omitempty"`
}

// Recompute derives SuccessRate from its components.
func (r *EffectivenessRecord) Recompute() {
	if r.TotalUses == 0 {
		r.SuccessRate = 0
		return
	}
	r.SuccessRate = float64(r.SuccessfulUses) / float64(r.TotalUses)
}

// AddTaskType inserts taskType into RecommendedFor, keeping it a sorted set.
func (r *EffectivenessRecord) AddTaskType(taskType string) {
	i := sort.SearchStrings(r.RecommendedFor, taskType)
	if i < len(r.RecommendedFor) && r.RecommendedFor[i] == taskType {
		return
	}
	r.RecommendedFor = append(r.RecommendedFor, "")
	copy(r.RecommendedFor[i+1:], r.RecommendedFor[i:])
	r.RecommendedFor[i] = taskType
}

// RecommendsFor reports whether taskType is in the RecommendedFor set.
func (r *EffectivenessRecord) RecommendsFor(taskType string) bool {
	i := sort.SearchStrings(r.RecommendedFor, taskType)
	return i < len(r.RecommendedFor) && r.RecommendedFor[i] == taskType
}

// QualitySnapshot is one point on the quality timeline.
type QualitySnapshot struct {
	Timestamp time.Time `json:"timestamp"`
	Score     float64   `json:"score"`
	TaskType  string    `json:"task_type,omitempty"`
	Notes     string    `json:"notes,omitempty"`
}

// ModelPerformance aggregates usage statistics for one model.
type ModelPerformance struct {
	TotalUses         int       `json:"total_uses"`
	SuccessfulUses    int       `json:"successful_uses"`
	SuccessRate       float64   `json:"success_rate"`
	AvgLatencySeconds float64   `json:"avg_latency_seconds"`
	AvgQuality        float64   `json:"avg_quality"`
	LastUsed          time.Time `json:"last_used"`
}

// Recompute derives SuccessRate from its components.
func (m *ModelPerformance) Recompute() {
	if m.TotalUses == 0 {
		m.SuccessRate = 0
		return
	}
	m.SuccessRate = float64(m.SuccessfulUses) / float64(m.TotalUses)
}

// ValidationEntry is one recorded validation run.
type ValidationEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Target    string    `json:"target"`
	Passed    bool      `json:"passed"`
	Issues    []string  `json:"issues,omitempty"`
}

// DashboardCache is a precomputed summary for polling consumers, refreshed
// opportunistically on writes.
type DashboardCache struct {
	GeneratedAt  time.Time `json:"generated_at"`
	TTLSeconds   int       `json:"ttl_seconds"`
	PatternCount int       `json:"pattern_count"`
	AvgQuality   float64   `json:"avg_quality"`
	TopSkills    []string  `json:"top_skills,omitempty"`
}

// Fresh reports whether the cache entry is still within its TTL at now.
func (c *DashboardCache) Fresh(now time.Time) bool {
	if c == nil || c.TTLSeconds <= 0 {
		return false
	}
	return now.Before(c.GeneratedAt.Add(time.Duration(c.TTLSeconds) * time.Second))
}

// NewDocument returns an empty-but-valid document at the current schema
// version.
func NewDocument() *Document {
	doc := &Document{SchemaVersion: CurrentSchemaVersion}
	doc.ensureSections()
	return doc
}

// ensureSections initializes nil collections so readers never see nil maps.
func (d *Document) ensureSections() {
	if d.Sections.Quality == nil {
		d.Sections.Quality = []QualitySnapshot{}
	}
	if d.Sections.Patterns == nil {
		d.Sections.Patterns = []PatternRecord{}
	}
	if d.Sections.SkillEffectiveness == nil {
		d.Sections.SkillEffectiveness = make(map[string]*EffectivenessRecord)
	}
	if d.Sections.AgentEffectiveness == nil {
		d.Sections.AgentEffectiveness = make(map[string]*EffectivenessRecord)
	}
	if d.Sections.Models == nil {
		d.Sections.Models = make(map[string]*ModelPerformance)
	}
	if d.Sections.Validation == nil {
		d.Sections.Validation = []ValidationEntry{}
	}
}

// PatternByID returns a pointer into the patterns slice, or nil.
func (d *Document) PatternByID(id string) *PatternRecord {
	for i := range d.Sections.Patterns {
		if d.Sections.Patterns[i].ID == id {
			return &d.Sections.Patterns[i]
		}
	}
	return nil
}

// HasMigrationSource reports whether sourceID was already consolidated.
func (d *Document) HasMigrationSource(sourceID string) bool {
	for _, s := range d.Metadata.MigrationSources {
		if s == sourceID {
			return true
		}
	}
	return false
}
