package lifecycle

import (
	"fmt"

	"github.com/Mindburn-Labs/jobledger/pkg/contracts"
)

// Action names a lifecycle operation.
type Action string

const (
	ActionObtain  Action = "obtain"
	ActionSubmit  Action = "submit"
	ActionApprove Action = "approve"
	ActionReject  Action = "reject"
)

type edge struct {
	from []contracts.Status
	to   contracts.Status
}

// transitions is the complete set of permitted status changes. FINISH has no
// outgoing edges.
var transitions = map[Action]edge{
	ActionObtain:  {from: []contracts.Status{contracts.StatusOpen, contracts.StatusReopen}, to: contracts.StatusDoing},
	ActionSubmit:  {from: []contracts.Status{contracts.StatusDoing}, to: contracts.StatusReview},
	ActionApprove: {from: []contracts.Status{contracts.StatusReview}, to: contracts.StatusFinish},
	ActionReject:  {from: []contracts.Status{contracts.StatusReview}, to: contracts.StatusReopen},
}

// Next returns the status a job moves to when action is applied in status from.
func Next(action Action, from contracts.Status) (contracts.Status, error) {
	e, ok := transitions[action]
	if !ok {
		return "", fmt.Errorf("unknown action %q: %w", action, contracts.ErrInvalidTransition)
	}
	for _, s := range e.from {
		if s == from {
			return e.to, nil
		}
	}
	if action == ActionObtain {
		return "", fmt.Errorf("obtain from %s: %w", from, contracts.ErrNotAssignable)
	}
	return "", fmt.Errorf("%s from %s: %w", action, from, contracts.ErrInvalidTransition)
}
