package history

import (
	"database/sql"
	"fmt"

	"duagent/pkg/manifest"
	"duagent/pkg/workflow"
)

// Recorder writes deployment state transitions to the history database.
// It implements pkg/report.Recorder, so pkg/report can mirror every twin
// report here best-effort without importing this package directly.
type Recorder struct {
	db *DB
}

func NewRecorder(db *DB) *Recorder {
	return &Recorder{db: db}
}

// RecordState inserts one row per call. The history store is an
// append-only log of what a workflow did over time; it never updates a
// prior row. Current state lives in pkg/persistence, not here.
func (r *Recorder) RecordState(workflowID, state string, result *workflow.Result) error {
	writeMutex.Lock()
	defer writeMutex.Unlock()

	var provider, name, ver string
	if result != nil && result.InstalledUpdateID != nil {
		provider = result.InstalledUpdateID.Provider
		name = result.InstalledUpdateID.Name
		ver = result.InstalledUpdateID.Version
	}

	var resultCode, extendedCode interface{}
	var details interface{}
	if result != nil {
		resultCode = result.Code
		extendedCode = result.ExtendedCode
		if result.Details != "" {
			details = result.Details
		}
	}

	_, err := r.db.Conn().Exec(
		`INSERT INTO deployment_history
			(workflow_id, state, result_code, extended_result_code, details, installed_provider, installed_name, installed_version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		workflowID, state, resultCode, extendedCode, details, nullIfEmpty(provider), nullIfEmpty(name), nullIfEmpty(ver),
	)
	if err != nil {
		return fmt.Errorf("history: record state: %w", err)
	}
	return nil
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// HistoryEntry is one row read back from the store, for the CLI's
// `duagent history <workflow-id>` listing.
type HistoryEntry struct {
	WorkflowID string
	State      string
	ResultCode *int32
	Details    string
	RecordedAt string
}

// ListForWorkflow returns every recorded transition for workflowID,
// oldest first.
func (r *Recorder) ListForWorkflow(workflowID string) ([]HistoryEntry, error) {
	rows, err := r.db.Conn().Query(
		`SELECT workflow_id, state, result_code, details, recorded_at
		 FROM deployment_history WHERE workflow_id = ? ORDER BY id ASC`,
		workflowID,
	)
	if err != nil {
		return nil, fmt.Errorf("history: query: %w", err)
	}
	defer rows.Close()

	var entries []HistoryEntry
	for rows.Next() {
		var e HistoryEntry
		var resultCode *int32
		var details *string
		if err := rows.Scan(&e.WorkflowID, &e.State, &resultCode, &details, &e.RecordedAt); err != nil {
			return nil, fmt.Errorf("history: scan: %w", err)
		}
		e.ResultCode = resultCode
		if details != nil {
			e.Details = *details
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// LastInstalledUpdateID returns the update id from the most recent Idle
// transition recorded for workflowID, or nil if that workflow has never
// recorded a successful install. duagent run is a fresh process per
// invocation, so this is the durable source ProcessDeployment's
// already-installed short-circuit checks against, rather than the
// in-memory handle map which only covers the current run.
func (r *Recorder) LastInstalledUpdateID(workflowID string) (*manifest.UpdateID, error) {
	row := r.db.Conn().QueryRow(
		`SELECT installed_provider, installed_name, installed_version
		 FROM deployment_history
		 WHERE workflow_id = ? AND state = 'Idle' AND installed_provider IS NOT NULL
		 ORDER BY id DESC LIMIT 1`,
		workflowID,
	)

	var provider, name, version string
	switch err := row.Scan(&provider, &name, &version); err {
	case nil:
		return &manifest.UpdateID{Provider: provider, Name: name, Version: version}, nil
	case sql.ErrNoRows:
		return nil, nil
	default:
		return nil, fmt.Errorf("history: last installed update: %w", err)
	}
}
