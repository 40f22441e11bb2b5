// Package x2 carries signalling and forwarded data between cell controllers.
//
// Payloads are plain value types. A Channel moves them between controllers
// with per-pair ordering: messages from controller A to controller B arrive in
// the order A sent them. There is no ordering across pairs.
package x2

import (
	"fmt"

	"github.com/signalsfoundry/mobility-controller/model"
)

// Kind identifies the payload type of a Message.
type Kind int

const (
	KindHandoverRequest Kind = iota + 1
	KindHandoverRequestAck
	KindHandoverPreparationFailure
	KindSnStatusTransfer
	KindUeContextRelease
	KindDataForward
	KindSinrUpdate
	KindRlcSetupRequest
	KindRlcSetupCompleted
	KindSecondaryHandoverRequest
	KindSecondaryHandoverCompleted
	KindBufferForwardRequest
	KindSwitchConnection
	KindHandoverFailed
)

var kindNames = map[Kind]string{
	KindHandoverRequest:            "handover_request",
	KindHandoverRequestAck:         "handover_request_ack",
	KindHandoverPreparationFailure: "handover_preparation_failure",
	KindSnStatusTransfer:           "sn_status_transfer",
	KindUeContextRelease:           "ue_context_release",
	KindDataForward:                "data_forward",
	KindSinrUpdate:                 "sinr_update",
	KindRlcSetupRequest:            "rlc_setup_request",
	KindRlcSetupCompleted:          "rlc_setup_completed",
	KindSecondaryHandoverRequest:   "secondary_handover_request",
	KindSecondaryHandoverCompleted: "secondary_handover_completed",
	KindBufferForwardRequest:       "buffer_forward_request",
	KindSwitchConnection:           "switch_connection",
	KindHandoverFailed:             "handover_failed",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// ParseKind is the inverse of Kind.String.
func ParseKind(s string) (Kind, error) {
	for k, name := range kindNames {
		if name == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

// Payload is implemented by every message body.
type Payload interface {
	Kind() Kind
}

// Message is the unit a Channel delivers.
type Message struct {
	From        model.CellID
	To          model.CellID
	ProcedureID string
	Payload     Payload
}

// Kind returns the payload kind, or zero for an empty message.
func (m Message) Kind() Kind {
	if m.Payload == nil {
		return 0
	}
	return m.Payload.Kind()
}

// BearerContext describes a bearer being moved to another cell together with
// the sequence number its next data unit will carry.
type BearerContext struct {
	Spec   model.BearerSpec `json:"spec"`
	NextSN uint32           `json:"next_sn"`
}

// BearerStatus is the per-bearer entry of an SN status transfer.
type BearerStatus struct {
	ID     model.BearerID `json:"id"`
	NextSN uint32         `json:"next_sn"`
}

// SecondaryRef names a secondary connection of the terminal.
type SecondaryRef struct {
	Link       model.Link   `json:"link"`
	Cell       model.CellID `json:"cell"`
	RNTI       model.RNTI   `json:"rnti"`
	OnFallback bool         `json:"on_fallback,omitempty"`
}

// HandoverRequest asks the target to admit the terminal. Secondary is set when
// the target only joins as a secondary connection and the anchor stays put.
// Anchor handovers list the terminal's live secondary connections so the new
// anchor can take them over.
type HandoverRequest struct {
	IMSI        model.IMSI      `json:"imsi"`
	SourceCell  model.CellID    `json:"source_cell"`
	SourceRNTI  model.RNTI      `json:"source_rnti"`
	AnchorCell  model.CellID    `json:"anchor_cell"`
	Link        model.Link      `json:"link"`
	Secondary   bool            `json:"secondary"`
	Bearers     []BearerContext `json:"bearers"`
	Secondaries []SecondaryRef  `json:"secondaries,omitempty"`
}

// HandoverRequestAck is the target's positive answer to a HandoverRequest.
type HandoverRequestAck struct {
	IMSI       model.IMSI   `json:"imsi"`
	SourceRNTI model.RNTI   `json:"source_rnti"`
	TargetCell model.CellID `json:"target_cell"`
	TargetRNTI model.RNTI   `json:"target_rnti"`
	Preamble   uint8        `json:"preamble"`
	Link       model.Link   `json:"link"`
	Secondary  bool         `json:"secondary"`
}

// HandoverPreparationFailure is the target's negative answer.
type HandoverPreparationFailure struct {
	IMSI       model.IMSI   `json:"imsi"`
	SourceRNTI model.RNTI   `json:"source_rnti"`
	TargetCell model.CellID `json:"target_cell"`
	Link       model.Link   `json:"link"`
	Cause      string       `json:"cause"`
}

// SnStatusTransfer carries the sequence number state of the bearers being moved.
type SnStatusTransfer struct {
	IMSI       model.IMSI     `json:"imsi"`
	SourceRNTI model.RNTI     `json:"source_rnti"`
	TargetRNTI model.RNTI     `json:"target_rnti"`
	Bearers    []BearerStatus `json:"bearers"`
}

// UeContextRelease tells the receiver to destroy its context SourceRNTI.
type UeContextRelease struct {
	IMSI       model.IMSI `json:"imsi"`
	SourceRNTI model.RNTI `json:"source_rnti"`
	TargetRNTI model.RNTI `json:"target_rnti"`
}

// DataForward carries one buffered data unit to the terminal's context on the
// receiving cell.
type DataForward struct {
	IMSI   model.IMSI     `json:"imsi"`
	Bearer model.BearerID `json:"bearer"`
	Unit   model.DataUnit `json:"unit"`
}

// SinrSample is a single measurement of Cell as seen by a terminal.
type SinrSample struct {
	IMSI  model.IMSI `json:"imsi"`
	Value float64    `json:"value"`
}

// SinrUpdate shares the measurements a controller holds for its own cell with
// controllers that do not measure it directly.
type SinrUpdate struct {
	Cell    model.CellID `json:"cell"`
	Samples []SinrSample `json:"samples"`
}

// RlcSetupRequest tells an anchor that a secondary context is live for the
// terminal and which bearers it carries.
type RlcSetupRequest struct {
	IMSI          model.IMSI         `json:"imsi"`
	SecondaryCell model.CellID       `json:"secondary_cell"`
	SecondaryRNTI model.RNTI         `json:"secondary_rnti"`
	AnchorCell    model.CellID       `json:"anchor_cell"`
	Link          model.Link         `json:"link"`
	Bearers       []model.BearerSpec `json:"bearers"`
}

// RlcSetupCompleted acknowledges an RlcSetupRequest.
type RlcSetupCompleted struct {
	IMSI model.IMSI   `json:"imsi"`
	Cell model.CellID `json:"cell"`
	RNTI model.RNTI   `json:"rnti"`
}

// SecondaryHandoverRequest is sent by the anchor to the current secondary,
// asking it to hand the terminal over to TargetCell.
type SecondaryHandoverRequest struct {
	IMSI       model.IMSI   `json:"imsi"`
	TargetCell model.CellID `json:"target_cell"`
	Link       model.Link   `json:"link"`
}

// SecondaryHandoverCompleted is sent by a new secondary to the anchor once the
// device has attached. PreviousCell is zero for an initial attach; otherwise
// the anchor releases the previous context once its data path has moved.
type SecondaryHandoverCompleted struct {
	IMSI         model.IMSI   `json:"imsi"`
	Cell         model.CellID `json:"cell"`
	RNTI         model.RNTI   `json:"rnti"`
	Link         model.Link   `json:"link"`
	PreviousCell model.CellID `json:"previous_cell"`
	PreviousRNTI model.RNTI   `json:"previous_rnti,omitempty"`
}

// BufferForwardRequest asks the receiver to drain the terminal's buffers
// towards TargetCell without moving the context.
type BufferForwardRequest struct {
	IMSI       model.IMSI   `json:"imsi"`
	TargetCell model.CellID `json:"target_cell"`
	Link       model.Link   `json:"link"`
}

// SwitchConnection tells a secondary whether the terminal's data path uses it.
// When UseSecondary is false the secondary forwards its buffers and any later
// data to the anchor; when true it resumes local delivery.
type SwitchConnection struct {
	IMSI         model.IMSI `json:"imsi"`
	Link         model.Link `json:"link"`
	UseSecondary bool       `json:"use_secondary"`
}

// HandoverFailed reports to the anchor that a secondary handover it requested
// did not complete.
type HandoverFailed struct {
	IMSI       model.IMSI   `json:"imsi"`
	SourceCell model.CellID `json:"source_cell"`
	TargetCell model.CellID `json:"target_cell"`
	Link       model.Link   `json:"link"`
	Cause      string       `json:"cause"`
}

func (HandoverRequest) Kind() Kind            { return KindHandoverRequest }
func (HandoverRequestAck) Kind() Kind         { return KindHandoverRequestAck }
func (HandoverPreparationFailure) Kind() Kind { return KindHandoverPreparationFailure }
func (SnStatusTransfer) Kind() Kind           { return KindSnStatusTransfer }
func (UeContextRelease) Kind() Kind           { return KindUeContextRelease }
func (DataForward) Kind() Kind                { return KindDataForward }
func (SinrUpdate) Kind() Kind                 { return KindSinrUpdate }
func (RlcSetupRequest) Kind() Kind            { return KindRlcSetupRequest }
func (RlcSetupCompleted) Kind() Kind          { return KindRlcSetupCompleted }
func (SecondaryHandoverRequest) Kind() Kind   { return KindSecondaryHandoverRequest }
func (SecondaryHandoverCompleted) Kind() Kind { return KindSecondaryHandoverCompleted }
func (BufferForwardRequest) Kind() Kind       { return KindBufferForwardRequest }
func (SwitchConnection) Kind() Kind           { return KindSwitchConnection }
func (HandoverFailed) Kind() Kind             { return KindHandoverFailed }
