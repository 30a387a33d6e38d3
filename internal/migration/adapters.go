package migration

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/fyrsmithlabs/patternstore/internal/store"
)

// Legacy shapes predate the unified schema; each adapter maps one file
// layout onto the corresponding store section.

type legacyPattern struct {
	ID              string            `json:"id"`
	Timestamp       time.Time         `json:"timestamp"`
	TaskType        string            `json:"task_type"`
	Description     string            `json:"description"`
	Context         map[string]string `json:"context"`
	Skills          []string          `json:"skills"`
	Agents          []string          `json:"agents"`
	Approach        string            `json:"approach"`
	DurationSeconds float64           `json:"duration_seconds"`
	Success         bool              `json:"success"`
	QualityScore    float64           `json:"quality_score"`
	TestsPassing    bool              `json:"tests_passing"`
	DocsComplete    bool              `json:"docs_complete"`
	Standards       bool              `json:"standards_compliant"`
	ReuseCount      int               `json:"reuse_count"`
}

func parsePatterns(data []byte) ([]store.PatternRecord, error) {
	var legacy []legacyPattern
	if err := json.Unmarshal(data, &legacy); err != nil {
		return nil, err
	}

	out := make([]store.PatternRecord, 0, len(legacy))
	for _, l := range legacy {
		out = append(out, store.PatternRecord{
			ID:              l.ID,
			Timestamp:       l.Timestamp,
			TaskType:        l.TaskType,
			TaskDescription: l.Description,
			Context:         l.Context,
			Execution: store.Execution{
				Skills:          l.Skills,
				Agents:          l.Agents,
				Approach:        l.Approach,
				DurationSeconds: l.DurationSeconds,
			},
			Outcome: store.Outcome{
				Success:            l.Success,
				QualityScore:       l.QualityScore,
				TestsPassing:       l.TestsPassing,
				DocsComplete:       l.DocsComplete,
				StandardsCompliant: l.Standards,
			},
			ReuseCount: l.ReuseCount,
		})
	}
	return out, nil
}

type legacyQualityEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Score     float64   `json:"score"`
	TaskType  string    `json:"task_type"`
	Notes     string    `json:"notes"`
}

func parseQualityHistory(data []byte) ([]store.QualitySnapshot, error) {
	var legacy []legacyQualityEntry
	if err := json.Unmarshal(data, &legacy); err != nil {
		return nil, err
	}

	out := make([]store.QualitySnapshot, 0, len(legacy))
	for _, l := range legacy {
		out = append(out, store.QualitySnapshot{
			Timestamp: l.Timestamp,
			Score:     l.Score,
			TaskType:  l.TaskType,
			Notes:     l.Notes,
		})
	}
	return out, nil
}

type legacyModelStats struct {
	TotalUses         int       `json:"total_uses"`
	SuccessfulUses    int       `json:"successful_uses"`
	AvgLatencySeconds float64   `json:"avg_latency_seconds"`
	AvgQuality        float64   `json:"avg_quality"`
	LastUsed          time.Time `json:"last_used"`
}

func parseModelPerformance(data []byte) (map[string]*store.ModelPerformance, error) {
	var legacy map[string]legacyModelStats
	if err := json.Unmarshal(data, &legacy); err != nil {
		return nil, err
	}

	out := make(map[string]*store.ModelPerformance, len(legacy))
	for name, l := range legacy {
		out[name] = &store.ModelPerformance{
			TotalUses:         l.TotalUses,
			SuccessfulUses:    l.SuccessfulUses,
			AvgLatencySeconds: l.AvgLatencySeconds,
			AvgQuality:        l.AvgQuality,
			LastUsed:          l.LastUsed,
		}
	}
	return out, nil
}

type legacyValidationEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Target    string    `json:"target"`
	Passed    bool      `json:"passed"`
	Issues    []string  `json:"issues"`
}

func parseValidationLog(data []byte) ([]store.ValidationEntry, error) {
	var legacy []legacyValidationEntry
	if err := json.Unmarshal(data, &legacy); err != nil {
		return nil, err
	}

	out := make([]store.ValidationEntry, 0, len(legacy))
	for _, l := range legacy {
		out = append(out, store.ValidationEntry{
			Timestamp: l.Timestamp,
			Target:    l.Target,
			Passed:    l.Passed,
			Issues:    l.Issues,
		})
	}
	return out, nil
}

// freshPatternID returns an id not present in the document.
func freshPatternID(doc *store.Document) string {
	for {
		id := uuid.New().String()
		if doc.PatternByID(id) == nil {
			return id
		}
	}
}
