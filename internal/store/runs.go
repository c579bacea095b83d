package store

import (
	"database/sql"
	"fmt"
	"time"

	"executiondesk/pkg/types"
)

// timeLayout is fixed-width (no trailing-zero trimming) so string comparison
// in SQL matches time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func fmtTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func parseTimePtr(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

// CreateRun inserts a QUEUED run row.
func (s *Store) CreateRun(r types.Run) error {
	_, err := s.db.Exec(`INSERT INTO runs
		(run_id, tenant_id, status, execution_mode, asset_class, trade_proposal_json,
		 source_run_id, locked_product_id, metadata_json, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.RunID, r.TenantID, string(r.Status), string(r.ExecutionMode), string(r.AssetClass),
		r.TradeProposalJSON, nullable(r.SourceRunID), r.LockedProductID, orJSON(r.MetadataJSON),
		fmtTime(r.StartedAt))
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// GetRun loads a run scoped to the tenant; a cross-tenant read behaves like
// a missing row.
func (s *Store) GetRun(runID, tenantID string) (*types.Run, error) {
	row := s.db.QueryRow(`SELECT run_id, tenant_id, status, execution_mode, asset_class,
		trade_proposal_json, COALESCE(source_run_id, ''), locked_product_id, metadata_json,
		started_at, completed_at
		FROM runs WHERE run_id = ? AND tenant_id = ?`, runID, tenantID)

	var r types.Run
	var status, mode, class, started string
	var completed sql.NullString
	err := row.Scan(&r.RunID, &r.TenantID, &status, &mode, &class,
		&r.TradeProposalJSON, &r.SourceRunID, &r.LockedProductID, &r.MetadataJSON,
		&started, &completed)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	r.Status = types.RunStatus(status)
	r.ExecutionMode = types.ExecutionMode(mode)
	r.AssetClass = types.AssetClass(class)
	r.StartedAt = parseTime(started)
	r.CompletedAt = parseTimePtr(completed)
	return &r, nil
}

// UpdateRunStatus transitions a run. Terminal statuses also stamp
// completed_at. Guarded so a terminal run is never reopened.
func (s *Store) UpdateRunStatus(runID string, status types.RunStatus) error {
	var res sql.Result
	var err error
	if status.Terminal() {
		res, err = s.db.Exec(`UPDATE runs SET status = ?, completed_at = ?
			WHERE run_id = ? AND status NOT IN ('COMPLETED', 'FAILED', 'REJECTED')`,
			string(status), fmtTime(time.Now()), runID)
	} else {
		res, err = s.db.Exec(`UPDATE runs SET status = ?
			WHERE run_id = ? AND status NOT IN ('COMPLETED', 'FAILED', 'REJECTED')`,
			string(status), runID)
	}
	if err != nil {
		return fmt.Errorf("update run status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("run %s: no non-terminal row to transition to %s", runID, status)
	}
	return nil
}

// SaveNode upserts one DAG node record (start then completion).
func (s *Store) SaveNode(n types.DagNode) error {
	var completed any
	if n.CompletedAt != nil {
		completed = fmtTime(*n.CompletedAt)
	}
	_, err := s.db.Exec(`INSERT INTO dag_nodes
		(node_id, run_id, name, status, inputs_json, outputs_json, error_json, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (node_id) DO UPDATE SET
			status = excluded.status,
			outputs_json = excluded.outputs_json,
			error_json = excluded.error_json,
			completed_at = excluded.completed_at`,
		n.NodeID, n.RunID, n.Name, n.Status, orJSON(n.InputsJSON), orJSON(n.OutputsJSON),
		n.ErrorJSON, fmtTime(n.StartedAt), completed)
	if err != nil {
		return fmt.Errorf("save node: %w", err)
	}
	return nil
}

// ListNodes returns a run's nodes in start order.
func (s *Store) ListNodes(runID string) ([]types.DagNode, error) {
	rows, err := s.db.Query(`SELECT node_id, run_id, name, status, inputs_json,
		outputs_json, error_json, started_at, completed_at
		FROM dag_nodes WHERE run_id = ? ORDER BY started_at`, runID)
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	defer rows.Close()

	var out []types.DagNode
	for rows.Next() {
		var n types.DagNode
		var started string
		var completed sql.NullString
		if err := rows.Scan(&n.NodeID, &n.RunID, &n.Name, &n.Status, &n.InputsJSON,
			&n.OutputsJSON, &n.ErrorJSON, &started, &completed); err != nil {
			return nil, err
		}
		n.StartedAt = parseTime(started)
		n.CompletedAt = parseTimePtr(completed)
		out = append(out, n)
	}
	return out, rows.Err()
}

// AppendEvent appends to the run's ordered event log and returns the
// assigned sequence number.
func (s *Store) AppendEvent(runID, tenantID, eventType, payloadJSON string) (int64, error) {
	res, err := s.db.Exec(`INSERT INTO run_events (run_id, tenant_id, event_type, payload_json, ts)
		VALUES (?, ?, ?, ?, ?)`,
		runID, tenantID, eventType, orJSON(payloadJSON), fmtTime(time.Now()))
	if err != nil {
		return 0, fmt.Errorf("append event: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("event seq: %w", err)
	}
	return seq, nil
}

// ListEvents returns a run's events with seq > afterSeq, in insertion order.
func (s *Store) ListEvents(runID string, afterSeq int64) ([]types.RunEvent, error) {
	rows, err := s.db.Query(`SELECT seq, run_id, tenant_id, event_type, payload_json, ts
		FROM run_events WHERE run_id = ? AND seq > ? ORDER BY seq`, runID, afterSeq)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var out []types.RunEvent
	for rows.Next() {
		var e types.RunEvent
		var ts string
		if err := rows.Scan(&e.Seq, &e.RunID, &e.TenantID, &e.EventType, &e.Payload, &ts); err != nil {
			return nil, err
		}
		e.TS = parseTime(ts)
		out = append(out, e)
	}
	return out, rows.Err()
}

// SaveArtifact appends one evidence blob for (run, step, type).
func (s *Store) SaveArtifact(runID, stepName, artifactType, payloadJSON string) error {
	_, err := s.db.Exec(`INSERT INTO run_artifacts (run_id, step_name, artifact_type, payload_json, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		runID, stepName, artifactType, orJSON(payloadJSON), fmtTime(time.Now()))
	if err != nil {
		return fmt.Errorf("save artifact: %w", err)
	}
	return nil
}

// Artifact is one persisted evidence blob.
type Artifact struct {
	RunID        string    `json:"run_id"`
	StepName     string    `json:"step_name"`
	ArtifactType string    `json:"artifact_type"`
	PayloadJSON  string    `json:"payload_json"`
	CreatedAt    time.Time `json:"created_at"`
}

// ListArtifacts returns a run's artifacts in creation order.
func (s *Store) ListArtifacts(runID string) ([]Artifact, error) {
	rows, err := s.db.Query(`SELECT run_id, step_name, artifact_type, payload_json, created_at
		FROM run_artifacts WHERE run_id = ? ORDER BY artifact_id`, runID)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	defer rows.Close()

	var out []Artifact
	for rows.Next() {
		var a Artifact
		var created string
		if err := rows.Scan(&a.RunID, &a.StepName, &a.ArtifactType, &a.PayloadJSON, &created); err != nil {
			return nil, err
		}
		a.CreatedAt = parseTime(created)
		out = append(out, a)
	}
	return out, rows.Err()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func orJSON(s string) string {
	if s == "" {
		return "{}"
	}
	return s
}
