// Package confirm manages the TTL-bounded handles that exchange a staged
// trade plan for exactly one run.
//
// A confirmation is created PENDING with a five minute TTL and reaches
// exactly one terminal state. The transition itself is an atomic
// check-and-set in SQLite, so two racing confirm calls cannot both start a
// run. Confirm is idempotent: re-confirming an already-CONFIRMED id returns
// the existing run id instead of an error, and cancelling a CONFIRMED id is
// a no-op that reports what already ran.
package confirm

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"executiondesk/internal/store"
	"executiondesk/pkg/types"
)

// DefaultTTL bounds how long a staged plan stays confirmable.
const DefaultTTL = 300 * time.Second

// Errors the API layer maps onto status codes.
var (
	ErrMalformedID = fmt.Errorf("confirmation id must start with %q", types.ConfirmationIDPrefix)
	ErrNotFound    = fmt.Errorf("confirmation not found")
	ErrExpired     = fmt.Errorf("confirmation expired")
	ErrTerminal    = fmt.Errorf("confirmation already resolved")
)

// Service is the confirmation store facade.
type Service struct {
	store  *store.Store
	ttl    time.Duration
	logger *slog.Logger

	// now is swapped in tests.
	now func() time.Time
}

// New creates the service. A non-positive ttl falls back to DefaultTTL.
func New(st *store.Store, ttl time.Duration, logger *slog.Logger) *Service {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Service{
		store:  st,
		ttl:    ttl,
		logger: logger.With("component", "confirm"),
		now:    time.Now,
	}
}

// TTL reports the configured confirmation lifetime.
func (s *Service) TTL() time.Duration { return s.ttl }

// NewID mints a prefixed confirmation id.
func NewID() string {
	buf := make([]byte, 12)
	rand.Read(buf)
	return types.ConfirmationIDPrefix + hex.EncodeToString(buf)
}

// CreatePending stages a plan and returns the PENDING confirmation.
func (s *Service) CreatePending(tenantID, conversationID, proposalJSON, insightJSON, lockedProductID string, mode types.ExecutionMode) (*types.Confirmation, error) {
	now := s.now().UTC()
	c := types.Confirmation{
		ID:              NewID(),
		TenantID:        tenantID,
		ConversationID:  conversationID,
		Status:          types.ConfirmPending,
		Mode:            mode,
		ProposalJSON:    proposalJSON,
		InsightJSON:     insightJSON,
		LockedProductID: lockedProductID,
		CreatedAt:       now,
		ExpiresAt:       now.Add(s.ttl),
	}
	if err := s.store.InsertConfirmation(c); err != nil {
		return nil, err
	}
	s.logger.Info("confirmation staged",
		"conf_id", c.ID, "tenant_id", tenantID, "mode", mode,
		"locked_product_id", lockedProductID, "expires_at", c.ExpiresAt)
	return &c, nil
}

// Get loads a confirmation, validating the id shape first. Cross-tenant
// reads behave exactly like missing rows.
func (s *Service) Get(id, tenantID string) (*types.Confirmation, error) {
	if err := ValidateID(id); err != nil {
		return nil, err
	}
	c, err := s.store.GetConfirmation(id, tenantID)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, ErrNotFound
	}
	return c, nil
}

// ValidateID rejects ids without the mandatory prefix before any database
// read.
func ValidateID(id string) error {
	if len(id) <= len(types.ConfirmationIDPrefix) ||
		id[:len(types.ConfirmationIDPrefix)] != types.ConfirmationIDPrefix {
		return ErrMalformedID
	}
	return nil
}

// Confirm transitions PENDING → CONFIRMED and binds runID. Idempotent:
// confirming an already-CONFIRMED id returns the bound confirmation with no
// error. Expired and otherwise-terminal rows return typed errors.
func (s *Service) Confirm(id, tenantID, runID string) (*types.Confirmation, error) {
	c, err := s.Get(id, tenantID)
	if err != nil {
		return nil, err
	}

	won, err := s.store.TransitionConfirmation(id, tenantID, types.ConfirmConfirmed, runID, s.now())
	if err != nil {
		return nil, err
	}
	if won {
		s.logger.Info("confirmation confirmed", "conf_id", id, "run_id", runID)
		return s.Get(id, tenantID)
	}

	// Lost the CAS: figure out why from the row we already have (re-read for
	// the freshest status).
	c, err = s.Get(id, tenantID)
	if err != nil {
		return nil, err
	}
	switch {
	case c.Status == types.ConfirmConfirmed:
		// Idempotent re-confirm.
		return c, nil
	case c.Status == types.ConfirmPending && !c.ExpiresAt.After(s.now()):
		if err := s.store.MarkConfirmationExpired(id, tenantID, s.now()); err != nil {
			s.logger.Warn("marking expired confirmation failed", "conf_id", id, "error", err)
		}
		return nil, ErrExpired
	default:
		return nil, ErrTerminal
	}
}

// Cancel transitions PENDING → CANCELLED. Cancelling an already-CONFIRMED id
// is a no-op that returns the confirmation so the caller can report the run
// that already started.
func (s *Service) Cancel(id, tenantID string) (*types.Confirmation, error) {
	c, err := s.Get(id, tenantID)
	if err != nil {
		return nil, err
	}

	won, err := s.store.TransitionConfirmation(id, tenantID, types.ConfirmCancelled, "", s.now())
	if err != nil {
		return nil, err
	}
	if won {
		s.logger.Info("confirmation cancelled", "conf_id", id)
		return s.Get(id, tenantID)
	}

	c, err = s.Get(id, tenantID)
	if err != nil {
		return nil, err
	}
	if c.Status == types.ConfirmConfirmed {
		return c, nil
	}
	if c.Status == types.ConfirmPending && !c.ExpiresAt.After(s.now()) {
		if err := s.store.MarkConfirmationExpired(id, tenantID, s.now()); err != nil {
			s.logger.Warn("marking expired confirmation failed", "conf_id", id, "error", err)
		}
		return nil, ErrExpired
	}
	return c, nil
}
