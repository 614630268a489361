package core

import (
	"errors"
	"fmt"
)

// ErrInvalidTransition is returned when a requested status change is not
// allowed from the incident's current state.
var ErrInvalidTransition = errors.New("invalid incident status transition")

// validTransitions defines the allowed lifecycle transitions. The main
// path is monotonic (NEW → ... → CLOSED); FALSE_POSITIVE is a terminal
// side branch reachable from any non-terminal state.
var validTransitions = map[IncidentStatus][]IncidentStatus{
	IncidentStatusNew:           {IncidentStatusAcknowledged, IncidentStatusFalsePositive},
	IncidentStatusAcknowledged:  {IncidentStatusInvestigating, IncidentStatusFalsePositive},
	IncidentStatusInvestigating: {IncidentStatusMitigated, IncidentStatusFalsePositive},
	IncidentStatusMitigated:     {IncidentStatusResolved, IncidentStatusFalsePositive},
	IncidentStatusResolved:      {IncidentStatusClosed, IncidentStatusFalsePositive},
	IncidentStatusClosed:        {},
	IncidentStatusFalsePositive: {},
}

// TransitionTo validates and executes a status transition. userID, when
// set, auto-assigns an unassigned incident to the actor performing the
// transition.
func (i *Incident) TransitionTo(newStatus IncidentStatus, userID string) error {
	if newStatus == "" {
		return errors.New("new status cannot be empty")
	}
	if !newStatus.IsValid() {
		return fmt.Errorf("invalid incident status: %s", newStatus)
	}

	allowed, exists := validTransitions[i.Status]
	if !exists {
		return fmt.Errorf("unknown current status: %s", i.Status)
	}

	permitted := false
	for _, status := range allowed {
		if status == newStatus {
			permitted = true
			break
		}
	}
	if !permitted {
		return fmt.Errorf("%w: %s → %s (allowed: %v)", ErrInvalidTransition, i.Status, newStatus, allowed)
	}

	i.Status = newStatus
	if i.AssignedTo == "" && userID != "" {
		i.AssignedTo = userID
	}
	return nil
}

// CanTransitionTo checks whether a transition is allowed without
// executing it.
func (i *Incident) CanTransitionTo(newStatus IncidentStatus) bool {
	if !newStatus.IsValid() {
		return false
	}
	for _, status := range validTransitions[i.Status] {
		if status == newStatus {
			return true
		}
	}
	return false
}

// AllowedTransitions returns a copy of the valid transitions from the
// current state.
func (i *Incident) AllowedTransitions() []IncidentStatus {
	allowed := validTransitions[i.Status]
	out := make([]IncidentStatus, len(allowed))
	copy(out, allowed)
	return out
}

// IsFinalState reports whether the incident can no longer transition.
func (i *Incident) IsFinalState() bool {
	return len(validTransitions[i.Status]) == 0
}
