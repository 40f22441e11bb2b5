package x2

import (
	"encoding/json"
	"fmt"

	"github.com/signalsfoundry/mobility-controller/model"
)

type envelope struct {
	From        uint16          `json:"from"`
	To          uint16          `json:"to"`
	ProcedureID string          `json:"procedure_id,omitempty"`
	Kind        string          `json:"kind"`
	Body        json.RawMessage `json:"body"`
}

// Encode serialises msg into the JSON envelope used by the network transport.
func Encode(msg Message) ([]byte, error) {
	if msg.Payload == nil {
		return nil, fmt.Errorf("x2 encode: empty payload")
	}
	body, err := json.Marshal(msg.Payload)
	if err != nil {
		return nil, fmt.Errorf("x2 encode %s: %w", msg.Kind(), err)
	}
	return json.Marshal(envelope{
		From:        uint16(msg.From),
		To:          uint16(msg.To),
		ProcedureID: msg.ProcedureID,
		Kind:        msg.Kind().String(),
		Body:        body,
	})
}

// Decode is the inverse of Encode.
func Decode(data []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Message{}, fmt.Errorf("x2 decode: %w", err)
	}
	kind, err := ParseKind(env.Kind)
	if err != nil {
		return Message{}, err
	}
	payload, err := decodeBody(kind, env.Body)
	if err != nil {
		return Message{}, fmt.Errorf("x2 decode %s: %w", kind, err)
	}
	return Message{
		From:        model.CellID(env.From),
		To:          model.CellID(env.To),
		ProcedureID: env.ProcedureID,
		Payload:     payload,
	}, nil
}

func decodeBody(kind Kind, body json.RawMessage) (Payload, error) {
	switch kind {
	case KindHandoverRequest:
		return decodeAs[HandoverRequest](body)
	case KindHandoverRequestAck:
		return decodeAs[HandoverRequestAck](body)
	case KindHandoverPreparationFailure:
		return decodeAs[HandoverPreparationFailure](body)
	case KindSnStatusTransfer:
		return decodeAs[SnStatusTransfer](body)
	case KindUeContextRelease:
		return decodeAs[UeContextRelease](body)
	case KindDataForward:
		return decodeAs[DataForward](body)
	case KindSinrUpdate:
		return decodeAs[SinrUpdate](body)
	case KindRlcSetupRequest:
		return decodeAs[RlcSetupRequest](body)
	case KindRlcSetupCompleted:
		return decodeAs[RlcSetupCompleted](body)
	case KindSecondaryHandoverRequest:
		return decodeAs[SecondaryHandoverRequest](body)
	case KindSecondaryHandoverCompleted:
		return decodeAs[SecondaryHandoverCompleted](body)
	case KindBufferForwardRequest:
		return decodeAs[BufferForwardRequest](body)
	case KindSwitchConnection:
		return decodeAs[SwitchConnection](body)
	case KindHandoverFailed:
		return decodeAs[HandoverFailed](body)
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownKind, int(kind))
	}
}

func decodeAs[T Payload](body json.RawMessage) (Payload, error) {
	var v T
	if err := json.Unmarshal(body, &v); err != nil {
		return nil, err
	}
	return v, nil
}
