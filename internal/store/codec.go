package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Codec errors.
var (
	// ErrCorruptedStore matches any CorruptedStoreError via errors.Is.
	ErrCorruptedStore = errors.New("store document corrupted")

	// ErrSchemaTooNew means the on-disk document was written by a newer
	// release. The store never downgrades.
	ErrSchemaTooNew = errors.New("store schema version newer than supported")

	// ErrSchemaRegression means a mutation tried to lower the schema
	// version.
	ErrSchemaRegression = errors.New("schema version may not decrease")

	// ErrNotFound means a queried key or record does not exist. Distinct
	// from corruption: the store itself is healthy.
	ErrNotFound = errors.New("not found in store")
)

// CorruptedStoreError reports a document that failed to decode, including
// which backups were also tried.
type CorruptedStoreError struct {
	Path         string
	BackupsTried []string
	Err          error
}

func (e *CorruptedStoreError) Error() string {
	if len(e.BackupsTried) == 0 {
		return fmt.Sprintf("store %s corrupted: %v", e.Path, e.Err)
	}
	return fmt.Sprintf("store %s corrupted and %d backup(s) unusable: %v",
		e.Path, len(e.BackupsTried), e.Err)
}

func (e *CorruptedStoreError) Unwrap() error { return e.Err }

func (e *CorruptedStoreError) Is(target error) bool {
	return target == ErrCorruptedStore
}

// migration upgrades a document in place from Version to Version+1.
type migration struct {
	Version int
	Apply   func(*Document) error
}

// migrations is the ordered upgrade chain. Decoding a version-N document
// applies every entry with Version >= N.
var migrations = []migration{
	{
		// v1 -> v2: models, validation and dashboard_cache sections added.
		// ensureSections backfills the new collections; nothing to carry
		// over.
		Version: 1,
		Apply: func(d *Document) error {
			d.ensureSections()
			return nil
		},
	},
}

// Decode parses, migrates and validates a store document.
func Decode(data []byte) (*Document, error) {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptedStore, err)
	}

	if doc.SchemaVersion == 0 {
		// Documents written before versioning are treated as v1.
		doc.SchemaVersion = 1
	}
	if doc.SchemaVersion > CurrentSchemaVersion {
		return nil, fmt.Errorf("%w: on-disk version %d, supported %d",
			ErrSchemaTooNew, doc.SchemaVersion, CurrentSchemaVersion)
	}

	for _, m := range migrations {
		if doc.SchemaVersion != m.Version {
			continue
		}
		if err := m.Apply(&doc); err != nil {
			return nil, fmt.Errorf("migrating schema v%d: %w", m.Version, err)
		}
		doc.SchemaVersion = m.Version + 1
	}
	doc.ensureSections()

	if err := doc.validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptedStore, err)
	}
	return &doc, nil
}

// Encode serializes a document for disk.
func Encode(doc *Document) ([]byte, error) {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal store document: %w", err)
	}
	return append(data, '\n'), nil
}

// validate checks structural invariants.
func (d *Document) validate() error {
	seen := make(map[string]struct{}, len(d.Sections.Patterns))
	for _, p := range d.Sections.Patterns {
		if strings.TrimSpace(p.ID) == "" {
			return fmt.Errorf("pattern with empty id")
		}
		if _, dup := seen[p.ID]; dup {
			return fmt.Errorf("duplicate pattern id %s", p.ID)
		}
		seen[p.ID] = struct{}{}
	}
	return nil
}

// Clone returns a deep copy via the codec, so mutations on the copy never
// alias the original.
func (d *Document) Clone() *Document {
	data, err := json.Marshal(d)
	if err != nil {
		// A document we hold in memory always marshals; keep the
		// signature simple.
		copied := *d
		return &copied
	}
	var out Document
	if err := json.Unmarshal(data, &out); err != nil {
		copied := *d
		return &copied
	}
	out.ensureSections()
	return &out
}
