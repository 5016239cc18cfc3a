// Package migrate applies ordered schema migrations to a deployment.
// Migrations run strictly in ascending schema-version order; after each
// successful apply a record is committed before the next migration runs,
// so a crash mid-sequence resumes at the first unapplied version.
package migrate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/rs/zerolog"
)

// RecordsFileName is the migration record log under the data dir.
const RecordsFileName = "migrations.json"

const recordsSchemaVersion = 1

// System abstracts the filesystem operations the runner needs for its
// record log. Migration bodies receive the data dir and use whatever
// access their transformation requires.
type System interface {
	ReadFile(name string) ([]byte, error)
	WriteFileAtomic(filename string, data []byte, perm os.FileMode) error
	MkdirAll(path string, perm os.FileMode) error
}

// Migration transforms persistent deployment state up to SchemaVersion.
// Apply must be idempotent with respect to re-detection: it may be
// re-invoked only when no record exists for its version, so it can assume
// it has not fully completed before.
type Migration struct {
	SchemaVersion int
	Name          string
	Apply         func(ctx context.Context, dataDir string) error
}

// Record marks one applied migration in the monotonically increasing log.
type Record struct {
	SchemaVersion int       `json:"schemaVersion"`
	AppliedAt     time.Time `json:"appliedAt"`
}

type recordsFile struct {
	SchemaVersion int      `json:"schemaVersion"`
	Records       []Record `json:"records"`
}

// FailedError reports the migration that aborted the sequence.
type FailedError struct {
	SchemaVersion int
	Name          string
	Err           error
}

func (e *FailedError) Error() string {
	return fmt.Sprintf("migration %q to schema %d failed: %v", e.Name, e.SchemaVersion, e.Err)
}

func (e *FailedError) Unwrap() error {
	return e.Err
}

// Runner applies registered migrations against one deployment.
type Runner struct {
	dataDir    string
	sys        System
	log        zerolog.Logger
	migrations []Migration
}

// NewRunner returns a Runner for the registered migrations. Registration
// order does not matter; runs are always in ascending schema order.
func NewRunner(dataDir string, sys System, log zerolog.Logger, migrations []Migration) (*Runner, error) {
	seen := make(map[int]struct{}, len(migrations))
	for _, mig := range migrations {
		if mig.SchemaVersion < 1 {
			return nil, fmt.Errorf("migration %q has invalid schema version %d", mig.Name, mig.SchemaVersion)
		}
		if mig.Apply == nil {
			return nil, fmt.Errorf("migration %q has no apply function", mig.Name)
		}
		if _, dup := seen[mig.SchemaVersion]; dup {
			return nil, fmt.Errorf("duplicate migration for schema version %d", mig.SchemaVersion)
		}
		seen[mig.SchemaVersion] = struct{}{}
	}
	sorted := make([]Migration, len(migrations))
	copy(sorted, migrations)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].SchemaVersion < sorted[j].SchemaVersion
	})
	return &Runner{dataDir: dataDir, sys: sys, log: log, migrations: sorted}, nil
}

func (r *Runner) recordsPath() string {
	return filepath.Join(r.dataDir, RecordsFileName)
}

// AppliedVersions returns the schema versions with a committed record.
func (r *Runner) AppliedVersions() (map[int]bool, error) {
	records, err := r.readRecords()
	if err != nil {
		return nil, err
	}
	applied := make(map[int]bool, len(records.Records))
	for _, rec := range records.Records {
		applied[rec.SchemaVersion] = true
	}
	return applied, nil
}

// Pending returns the migrations needed to move from schema fromSchema to
// toSchema, in ascending order, excluding versions already recorded as
// applied (the crash-resume path).
func (r *Runner) Pending(fromSchema int, toSchema int) ([]Migration, error) {
	if toSchema < fromSchema {
		return nil, fmt.Errorf("target schema %d is below current schema %d: downgrades are not supported", toSchema, fromSchema)
	}
	applied, err := r.AppliedVersions()
	if err != nil {
		return nil, err
	}
	pending := make([]Migration, 0)
	for _, mig := range r.migrations {
		if mig.SchemaVersion <= fromSchema || mig.SchemaVersion > toSchema {
			continue
		}
		if applied[mig.SchemaVersion] {
			continue
		}
		pending = append(pending, mig)
	}
	return pending, nil
}

// Run applies every pending migration between fromSchema and toSchema.
// Each successful apply commits a record before the next migration runs.
// The first failure aborts the sequence with a FailedError.
func (r *Runner) Run(ctx context.Context, fromSchema int, toSchema int) error {
	pending, err := r.Pending(fromSchema, toSchema)
	if err != nil {
		return err
	}
	for _, mig := range pending {
		if err := ctx.Err(); err != nil {
			return err
		}
		r.log.Info().Int("schema", mig.SchemaVersion).Str("migration", mig.Name).Msg("applying migration")
		if err := mig.Apply(ctx, r.dataDir); err != nil {
			return &FailedError{SchemaVersion: mig.SchemaVersion, Name: mig.Name, Err: err}
		}
		if err := r.commitRecord(Record{SchemaVersion: mig.SchemaVersion, AppliedAt: time.Now().UTC()}); err != nil {
			return &FailedError{SchemaVersion: mig.SchemaVersion, Name: mig.Name, Err: err}
		}
	}
	return nil
}

func (r *Runner) readRecords() (recordsFile, error) {
	data, err := r.sys.ReadFile(r.recordsPath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return recordsFile{SchemaVersion: recordsSchemaVersion}, nil
		}
		return recordsFile{}, fmt.Errorf("read %s: %w", r.recordsPath(), err)
	}
	var records recordsFile
	if err := json.Unmarshal(data, &records); err != nil {
		return recordsFile{}, fmt.Errorf("decode %s: %w", r.recordsPath(), err)
	}
	if records.SchemaVersion != recordsSchemaVersion {
		return recordsFile{}, fmt.Errorf("unsupported migration log schema %d in %s", records.SchemaVersion, r.recordsPath())
	}
	return records, nil
}

func (r *Runner) commitRecord(rec Record) error {
	records, err := r.readRecords()
	if err != nil {
		return err
	}
	records.Records = append(records.Records, rec)
	sort.Slice(records.Records, func(i, j int) bool {
		return records.Records[i].SchemaVersion < records.Records[j].SchemaVersion
	})
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal migration records: %w", err)
	}
	data = append(data, '\n')
	if err := r.sys.MkdirAll(r.dataDir, 0o755); err != nil {
		return err
	}
	return r.sys.WriteFileAtomic(r.recordsPath(), data, 0o644)
}
