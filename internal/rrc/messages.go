package rrc

import (
	"time"

	"github.com/signalsfoundry/mobility-controller/model"
)

// Message is a device-originated RRC message.
type Message interface {
	MessageName() string
}

// ConnectionRequest starts a connection on a context in InitialAccess.
type ConnectionRequest struct {
	IMSI model.IMSI
}

// ConnectionSetupComplete acknowledges a ConnectionSetup command.
type ConnectionSetupComplete struct{}

// ReconfigurationComplete acknowledges a Reconfiguration, a handover command,
// or a ConnectToSecondary command once the device has attached.
type ReconfigurationComplete struct{}

// MeasurementReport carries the device's view of neighbour cell quality in dB.
type MeasurementReport struct {
	Results map[model.CellID]float64
}

// ReestablishmentRequest is sent by a device that lost its radio link.
type ReestablishmentRequest struct{}

// ReestablishmentComplete acknowledges a Reestablishment command.
type ReestablishmentComplete struct{}

func (ConnectionRequest) MessageName() string       { return "connection_request" }
func (ConnectionSetupComplete) MessageName() string { return "connection_setup_complete" }
func (ReconfigurationComplete) MessageName() string { return "reconfiguration_complete" }
func (MeasurementReport) MessageName() string       { return "measurement_report" }
func (ReestablishmentRequest) MessageName() string  { return "reestablishment_request" }
func (ReestablishmentComplete) MessageName() string { return "reestablishment_complete" }

// Command is a controller-originated RRC command for a device.
type Command interface {
	CommandName() string
}

// ConnectionSetupCmd answers an admitted ConnectionRequest.
type ConnectionSetupCmd struct {
	RNTI model.RNTI
}

// ConnectionRejectCmd answers a refused ConnectionRequest.
type ConnectionRejectCmd struct {
	WaitTime time.Duration
}

// MobilityInfo turns a Reconfiguration into a handover command.
type MobilityInfo struct {
	TargetCell model.CellID
	TargetRNTI model.RNTI
	Preamble   uint8
}

// ReconfigurationCmd changes the bearer set, or with Handover set, moves the
// device to another cell.
type ReconfigurationCmd struct {
	Bearers  []model.BearerSpec
	Handover *MobilityInfo
}

// ConnectionReleaseCmd ends the connection.
type ConnectionReleaseCmd struct{}

// ConnectToSecondaryCmd attaches the device to a secondary cell on Link.
type ConnectToSecondaryCmd struct {
	Link     model.Link
	Cell     model.CellID
	RNTI     model.RNTI
	Preamble uint8
}

// SwitchConnectionCmd moves a link's traffic between the secondary cell and
// the anchor without changing any context.
type SwitchConnectionCmd struct {
	Link         model.Link
	Cell         model.CellID
	UseSecondary bool
}

// ReestablishmentCmd answers a ReestablishmentRequest.
type ReestablishmentCmd struct{}

func (ConnectionSetupCmd) CommandName() string    { return "connection_setup" }
func (ConnectionRejectCmd) CommandName() string   { return "connection_reject" }
func (ReconfigurationCmd) CommandName() string    { return "reconfiguration" }
func (ConnectionReleaseCmd) CommandName() string  { return "connection_release" }
func (ConnectToSecondaryCmd) CommandName() string { return "connect_to_secondary" }
func (SwitchConnectionCmd) CommandName() string   { return "switch_connection" }
func (ReestablishmentCmd) CommandName() string    { return "reestablishment" }
