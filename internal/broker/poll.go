// poll.go drives an order from submission to a terminal provider status.
package broker

import (
	"context"
	"time"

	"executiondesk/pkg/types"
)

// Poll stop reasons recorded in run diagnostics when an order never reached
// a terminal state.
const (
	PollEndedTimeout = "Polling ended: TIMEOUT"
	PollEndedFailed  = "Polling ended: POLL_FAILED"
)

const (
	pollInterval  = time.Second
	pollMax       = 30 * time.Second
	pollMaxErrors = 5
)

// PollTerminal polls b.GetOrder until the order reaches a terminal status.
// It gives up after pollMax, after pollMaxErrors consecutive poll errors, or
// when ctx is cancelled. The returned state is the last observation (nil if
// no poll ever succeeded); stopReason is empty on a terminal result.
func PollTerminal(ctx context.Context, b Broker, orderID string) (state *OrderState, stopReason string) {
	deadline := time.Now().Add(pollMax)
	consecutiveErrs := 0

	for {
		s, err := b.GetOrder(ctx, orderID)
		if err != nil {
			consecutiveErrs++
			if consecutiveErrs >= pollMaxErrors {
				return state, PollEndedFailed
			}
		} else {
			consecutiveErrs = 0
			state = s
			if types.TerminalOrder(s.Status) {
				return state, ""
			}
		}

		if time.Now().After(deadline) {
			return state, PollEndedTimeout
		}
		select {
		case <-ctx.Done():
			return state, PollEndedTimeout
		case <-time.After(pollInterval):
		}
	}
}
