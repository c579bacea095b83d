package store

import (
	"database/sql"
	"fmt"
	"time"

	"executiondesk/pkg/types"
)

// InsertConfirmation stages a PENDING confirmation row.
func (s *Store) InsertConfirmation(c types.Confirmation) error {
	_, err := s.db.Exec(`INSERT INTO trade_confirmations
		(id, tenant_id, conversation_id, status, mode, proposal_json, insight_json,
		 locked_product_id, created_at, expires_at, run_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.TenantID, c.ConversationID, string(c.Status), string(c.Mode),
		c.ProposalJSON, c.InsightJSON, c.LockedProductID,
		fmtTime(c.CreatedAt), fmtTime(c.ExpiresAt), nullable(c.RunID))
	if err != nil {
		return fmt.Errorf("insert confirmation: %w", err)
	}
	return nil
}

// GetConfirmation loads a confirmation scoped to the tenant. A cross-tenant
// read returns nil, nil exactly like a missing row (callers respond 404).
func (s *Store) GetConfirmation(id, tenantID string) (*types.Confirmation, error) {
	row := s.db.QueryRow(`SELECT id, tenant_id, conversation_id, status, mode, proposal_json,
		insight_json, locked_product_id, created_at, expires_at, COALESCE(run_id, '')
		FROM trade_confirmations WHERE id = ? AND tenant_id = ?`, id, tenantID)

	var c types.Confirmation
	var status, mode, created, expires string
	err := row.Scan(&c.ID, &c.TenantID, &c.ConversationID, &status, &mode, &c.ProposalJSON,
		&c.InsightJSON, &c.LockedProductID, &created, &expires, &c.RunID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get confirmation: %w", err)
	}
	c.Status = types.ConfirmationStatus(status)
	c.Mode = types.ExecutionMode(mode)
	c.CreatedAt = parseTime(created)
	c.ExpiresAt = parseTime(expires)
	return &c, nil
}

// TransitionConfirmation performs the atomic check-and-set: same tenant,
// still PENDING, not yet expired as of now. Returns true when this call won
// the transition; false means the row was already terminal, expired, or
// foreign.
func (s *Store) TransitionConfirmation(id, tenantID string, target types.ConfirmationStatus, runID string, now time.Time) (bool, error) {
	res, err := s.db.Exec(`UPDATE trade_confirmations
		SET status = ?, run_id = COALESCE(?, run_id)
		WHERE id = ? AND tenant_id = ? AND status = 'PENDING' AND expires_at > ?`,
		string(target), nullable(runID), id, tenantID, fmtTime(now))
	if err != nil {
		return false, fmt.Errorf("transition confirmation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// MarkConfirmationExpired lazily records expiry observed on read. Best
// effort; the transition guard is what actually protects the lifecycle.
func (s *Store) MarkConfirmationExpired(id, tenantID string, now time.Time) error {
	_, err := s.db.Exec(`UPDATE trade_confirmations SET status = 'EXPIRED'
		WHERE id = ? AND tenant_id = ? AND status = 'PENDING' AND expires_at <= ?`,
		id, tenantID, fmtTime(now))
	return err
}
