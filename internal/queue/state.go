package queue

import (
	"fmt"

	"github.com/actor-graph/backend/internal/storage/models"
)

// Event is an input to the queue item state machine.
type Event string

const (
	EventClaim    Event = "claim"
	EventComplete Event = "complete"
	EventFail     Event = "fail"
	EventReject   Event = "reject"
	EventRetry    Event = "retry"
	EventRecover  Event = "recover"
)

// RetryPolicy bounds automatic retries. An item is dead after MaxAttempts failed attempts.
type RetryPolicy struct {
	MaxAttempts int
}

// State is the status of an item together with its attempt counter.
type State struct {
	Status   models.QueueStatus
	Attempts int
}

// ErrInvalidTransition is returned for an event the current status does not accept.
type ErrInvalidTransition struct {
	From  models.QueueStatus
	Event Event
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("invalid transition: %s on %s", e.Event, e.From)
}

// Transition applies ev to s.
//
//	pending    --claim-->    processing
//	processing --complete--> complete
//	processing --fail-->     pending (attempts+1 < max) | dead
//	processing --reject-->   failed
//	processing --recover-->  pending (attempts unchanged)
//	failed     --retry-->    pending (attempts reset)
//	dead       --retry-->    pending (attempts reset)
//
// complete is terminal. dead only leaves through an explicit retry.
func (p RetryPolicy) Transition(s State, ev Event) (State, error) {
	invalid := &ErrInvalidTransition{From: s.Status, Event: ev}

	switch s.Status {
	case models.QueuePending:
		if ev == EventClaim {
			return State{Status: models.QueueProcessing, Attempts: s.Attempts}, nil
		}
	case models.QueueProcessing:
		switch ev {
		case EventComplete:
			return State{Status: models.QueueComplete, Attempts: s.Attempts}, nil
		case EventFail:
			attempts := s.Attempts + 1
			if attempts < p.MaxAttempts {
				return State{Status: models.QueuePending, Attempts: attempts}, nil
			}
			return State{Status: models.QueueDead, Attempts: attempts}, nil
		case EventReject:
			return State{Status: models.QueueFailed, Attempts: s.Attempts + 1}, nil
		case EventRecover:
			return State{Status: models.QueuePending, Attempts: s.Attempts}, nil
		}
	case models.QueueFailed, models.QueueDead:
		if ev == EventRetry {
			return State{Status: models.QueuePending, Attempts: 0}, nil
		}
	}
	return s, invalid
}
