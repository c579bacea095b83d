package store

import (
	"database/sql"
	"fmt"
	"time"

	"executiondesk/pkg/types"
)

// PortfolioSnapshot is one persisted point of the portfolio chart and the
// PAPER-mode balance fallback source.
type PortfolioSnapshot struct {
	SnapshotID   string    `json:"snapshot_id"`
	TenantID     string    `json:"tenant_id"`
	BalancesJSON string    `json:"balances_json"`
	TotalUSD     float64   `json:"total_usd"`
	TakenAt      time.Time `json:"taken_at"`
}

// SaveSnapshot writes a snapshot; the primary key makes the pre-trade
// snap_pre_<run_id> write idempotent across retries.
func (s *Store) SaveSnapshot(snap PortfolioSnapshot) error {
	_, err := s.db.Exec(`INSERT OR IGNORE INTO portfolio_snapshots
		(snapshot_id, tenant_id, balances_json, total_usd, taken_at)
		VALUES (?, ?, ?, ?, ?)`,
		snap.SnapshotID, snap.TenantID, orJSON(snap.BalancesJSON), snap.TotalUSD, fmtTime(snap.TakenAt))
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

// LatestSnapshot returns the tenant's most recent snapshot, or nil.
func (s *Store) LatestSnapshot(tenantID string) (*PortfolioSnapshot, error) {
	row := s.db.QueryRow(`SELECT snapshot_id, tenant_id, balances_json, total_usd, taken_at
		FROM portfolio_snapshots WHERE tenant_id = ? ORDER BY taken_at DESC LIMIT 1`, tenantID)

	var snap PortfolioSnapshot
	var taken string
	err := row.Scan(&snap.SnapshotID, &snap.TenantID, &snap.BalancesJSON, &snap.TotalUSD, &taken)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest snapshot: %w", err)
	}
	snap.TakenAt = parseTime(taken)
	return &snap, nil
}

// ListSnapshots returns a tenant's snapshots in time order.
func (s *Store) ListSnapshots(tenantID string) ([]PortfolioSnapshot, error) {
	rows, err := s.db.Query(`SELECT snapshot_id, tenant_id, balances_json, total_usd, taken_at
		FROM portfolio_snapshots WHERE tenant_id = ? ORDER BY taken_at`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer rows.Close()

	var out []PortfolioSnapshot
	for rows.Next() {
		var snap PortfolioSnapshot
		var taken string
		if err := rows.Scan(&snap.SnapshotID, &snap.TenantID, &snap.BalancesJSON, &snap.TotalUSD, &taken); err != nil {
			return nil, err
		}
		snap.TakenAt = parseTime(taken)
		out = append(out, snap)
	}
	return out, rows.Err()
}

// SaveTicket persists one ASSISTED_LIVE trade ticket.
func (s *Store) SaveTicket(t types.TradeTicket) error {
	_, err := s.db.Exec(`INSERT INTO trade_tickets
		(ticket_id, run_id, tenant_id, symbol, side, suggested_qty, limit_price, notional_usd, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.TicketID, t.RunID, t.TenantID, t.Symbol, string(t.Side), t.SuggestedQty,
		t.LimitPrice, t.NotionalUSD, t.Status, fmtTime(t.CreatedAt))
	if err != nil {
		return fmt.Errorf("save ticket: %w", err)
	}
	return nil
}

// ListTicketsByRun returns a run's tickets in creation order.
func (s *Store) ListTicketsByRun(runID string) ([]types.TradeTicket, error) {
	rows, err := s.db.Query(`SELECT ticket_id, run_id, tenant_id, symbol, side, suggested_qty,
		limit_price, notional_usd, status, created_at
		FROM trade_tickets WHERE run_id = ? ORDER BY created_at`, runID)
	if err != nil {
		return nil, fmt.Errorf("list tickets: %w", err)
	}
	defer rows.Close()

	var out []types.TradeTicket
	for rows.Next() {
		var t types.TradeTicket
		var side, created string
		if err := rows.Scan(&t.TicketID, &t.RunID, &t.TenantID, &t.Symbol, &side,
			&t.SuggestedQty, &t.LimitPrice, &t.NotionalUSD, &t.Status, &created); err != nil {
			return nil, err
		}
		t.Side = types.Side(side)
		t.CreatedAt = parseTime(created)
		out = append(out, t)
	}
	return out, rows.Err()
}

// Approval is one LIVE approval gate row.
type Approval struct {
	ApprovalID string     `json:"approval_id"`
	RunID      string     `json:"run_id"`
	TenantID   string     `json:"tenant_id"`
	Status     string     `json:"status"`
	Reason     string     `json:"reason"`
	CreatedAt  time.Time  `json:"created_at"`
	DecidedAt  *time.Time `json:"decided_at,omitempty"`
}

// CreateApproval inserts a PENDING approval for a paused run.
func (s *Store) CreateApproval(a Approval) error {
	_, err := s.db.Exec(`INSERT INTO approvals (approval_id, run_id, tenant_id, status, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		a.ApprovalID, a.RunID, a.TenantID, a.Status, a.Reason, fmtTime(a.CreatedAt))
	if err != nil {
		return fmt.Errorf("create approval: %w", err)
	}
	return nil
}

// DecideApproval atomically resolves a PENDING approval.
func (s *Store) DecideApproval(approvalID, status string) (bool, error) {
	res, err := s.db.Exec(`UPDATE approvals SET status = ?, decided_at = ?
		WHERE approval_id = ? AND status = 'PENDING'`,
		status, fmtTime(time.Now()), approvalID)
	if err != nil {
		return false, fmt.Errorf("decide approval: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// ListApprovalsByRun returns a run's approvals in creation order.
func (s *Store) ListApprovalsByRun(runID string) ([]Approval, error) {
	rows, err := s.db.Query(`SELECT approval_id, run_id, tenant_id, status, reason, created_at, decided_at
		FROM approvals WHERE run_id = ? ORDER BY created_at`, runID)
	if err != nil {
		return nil, fmt.Errorf("list approvals: %w", err)
	}
	defer rows.Close()

	var out []Approval
	for rows.Next() {
		var a Approval
		var created string
		var decided sql.NullString
		if err := rows.Scan(&a.ApprovalID, &a.RunID, &a.TenantID, &a.Status, &a.Reason, &created, &decided); err != nil {
			return nil, err
		}
		a.CreatedAt = parseTime(created)
		a.DecidedAt = parseTimePtr(decided)
		out = append(out, a)
	}
	return out, rows.Err()
}

// RecordPolicyEvent appends one policy verdict for a run.
func (s *Store) RecordPolicyEvent(runID, tenantID, verdict, detailJSON string) error {
	_, err := s.db.Exec(`INSERT INTO policy_events (run_id, tenant_id, verdict, detail_json, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		runID, tenantID, verdict, orJSON(detailJSON), fmtTime(time.Now()))
	if err != nil {
		return fmt.Errorf("record policy event: %w", err)
	}
	return nil
}

// PolicyEvent is one recorded policy verdict.
type PolicyEvent struct {
	RunID      string    `json:"run_id"`
	TenantID   string    `json:"tenant_id"`
	Verdict    string    `json:"verdict"`
	DetailJSON string    `json:"detail_json"`
	CreatedAt  time.Time `json:"created_at"`
}

// ListPolicyEventsByRun returns a run's policy verdicts in order.
func (s *Store) ListPolicyEventsByRun(runID string) ([]PolicyEvent, error) {
	rows, err := s.db.Query(`SELECT run_id, tenant_id, verdict, detail_json, created_at
		FROM policy_events WHERE run_id = ? ORDER BY event_id`, runID)
	if err != nil {
		return nil, fmt.Errorf("list policy events: %w", err)
	}
	defer rows.Close()

	var out []PolicyEvent
	for rows.Next() {
		var p PolicyEvent
		var created string
		if err := rows.Scan(&p.RunID, &p.TenantID, &p.Verdict, &p.DetailJSON, &created); err != nil {
			return nil, err
		}
		p.CreatedAt = parseTime(created)
		out = append(out, p)
	}
	return out, rows.Err()
}
