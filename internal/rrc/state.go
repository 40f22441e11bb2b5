package rrc

import "fmt"

// State is the lifecycle state of a TerminalContext.
type State int

const (
	InitialAccess State = iota
	ConnectionSetup
	ConnectionRejected
	ConnectedNormally
	ConnectionReconfiguration
	ConnectionReestablishment
	PrepareSecondaryReconfiguration
	SecondaryReconfiguration
	HandoverPreparation
	HandoverJoining
	HandoverPathSwitch
	HandoverLeaving
	Releasing
)

var stateNames = [...]string{
	InitialAccess:                   "initial_access",
	ConnectionSetup:                 "connection_setup",
	ConnectionRejected:              "connection_rejected",
	ConnectedNormally:               "connected_normally",
	ConnectionReconfiguration:       "connection_reconfiguration",
	ConnectionReestablishment:       "connection_reestablishment",
	PrepareSecondaryReconfiguration: "prepare_secondary_reconfiguration",
	SecondaryReconfiguration:        "secondary_reconfiguration",
	HandoverPreparation:             "handover_preparation",
	HandoverJoining:                 "handover_joining",
	HandoverPathSwitch:              "handover_path_switch",
	HandoverLeaving:                 "handover_leaving",
	Releasing:                       "releasing",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Active reports whether a context in this state counts as the terminal's
// live connection on its link. Contexts on their way out do not.
func (s State) Active() bool {
	switch s {
	case HandoverLeaving, Releasing, ConnectionRejected:
		return false
	default:
		return true
	}
}

// Role tells whether a context anchors the terminal or serves it as a
// secondary connection.
type Role int

const (
	RoleAnchor Role = iota
	RoleSecondary
)

func (r Role) String() string {
	if r == RoleSecondary {
		return "secondary"
	}
	return "anchor"
}

// TimerKind identifies the purpose of a context timer. A context holds at
// most one timer per kind.
type TimerKind int

const (
	TimerConnectionRequest TimerKind = iota
	TimerConnectionSetup
	TimerConnectionRejected
	TimerReconfiguration
	TimerHandoverPreparation
	TimerHandoverJoining
	TimerHandoverLeaving
	TimerPathSwitch
)

var timerNames = [...]string{
	TimerConnectionRequest:   "connection_request",
	TimerConnectionSetup:     "connection_setup",
	TimerConnectionRejected:  "connection_rejected",
	TimerReconfiguration:     "reconfiguration",
	TimerHandoverPreparation: "handover_preparation",
	TimerHandoverJoining:     "handover_joining",
	TimerHandoverLeaving:     "handover_leaving",
	TimerPathSwitch:          "path_switch",
}

func (k TimerKind) String() string {
	if k >= 0 && int(k) < len(timerNames) {
		return timerNames[k]
	}
	return fmt.Sprintf("timer(%d)", int(k))
}

// ReleaseCause records why a context was destroyed.
type ReleaseCause int

const (
	// CauseHandoverComplete: the target confirmed the terminal moved.
	CauseHandoverComplete ReleaseCause = iota
	// CauseRemoved: the controller or the core released the terminal.
	CauseRemoved
	// CauseTimeout: a fatal timer expired.
	CauseTimeout
	// CauseRejected: admission refused the connection.
	CauseRejected
)

func (c ReleaseCause) String() string {
	switch c {
	case CauseHandoverComplete:
		return "handover_complete"
	case CauseRemoved:
		return "removed"
	case CauseTimeout:
		return "timeout"
	case CauseRejected:
		return "rejected"
	default:
		return fmt.Sprintf("cause(%d)", int(c))
	}
}
