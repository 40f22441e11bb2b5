package rrc

import (
	"errors"
	"fmt"

	"github.com/signalsfoundry/mobility-controller/model"
)

var (
	// ErrInvalidStateTransition is matched by every StateError.
	ErrInvalidStateTransition = errors.New("invalid state transition")
	// ErrAdmissionRejected is returned when admission control refuses a request.
	ErrAdmissionRejected = errors.New("admission rejected")
	// ErrDuplicateBearer is returned when a bearer id is already in use on the context.
	ErrDuplicateBearer = errors.New("duplicate bearer id")
	// ErrUnknownBearer is returned for operations on a bearer the context does not hold.
	ErrUnknownBearer = errors.New("unknown bearer id")
	// ErrContextReleasing is returned for operations on a context that is being released.
	ErrContextReleasing = errors.New("context is releasing")
	// ErrTimeout is matched by every TimeoutError.
	ErrTimeout = errors.New("timer expired")
)

// StateError reports an operation requested in a state that does not allow it.
type StateError struct {
	Op    string
	State State
	RNTI  model.RNTI
}

func (e *StateError) Error() string {
	return fmt.Sprintf("rnti %d: %s not allowed in state %s", e.RNTI, e.Op, e.State)
}

// Is makes errors.Is(err, ErrInvalidStateTransition) hold for every StateError.
func (e *StateError) Is(target error) bool { return target == ErrInvalidStateTransition }

// TimeoutError reports an expired wait. Fatal timeouts destroy the context;
// the others revert it to ConnectedNormally.
type TimeoutError struct {
	Timer TimerKind
	State State
	IMSI  model.IMSI
	RNTI  model.RNTI
	// Target is the handover peer at expiry, if any.
	Target model.CellID
	Fatal  bool
}

func (e *TimeoutError) Error() string {
	outcome := "reverted"
	if e.Fatal {
		outcome = "destroyed"
	}
	return fmt.Sprintf("rnti %d imsi %d: %s timer expired in %s, context %s", e.RNTI, e.IMSI, e.Timer, e.State, outcome)
}

// Is makes errors.Is(err, ErrTimeout) hold for every TimeoutError.
func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }
