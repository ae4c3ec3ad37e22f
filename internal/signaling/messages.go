package signaling

import (
	"encoding/json"
	"errors"
	"fmt"
)

type messageType string

const (
	messageTypeJoin      messageType = "join"
	messageTypeOffer     messageType = "offer"
	messageTypeAnswer    messageType = "answer"
	messageTypeCandidate messageType = "candidate"
)

var (
	errUnknownType = errors.New("unknown message type")
)

// envelope is the decoded view of an inbound signaling frame. Only the fields
// needed for routing are interpreted; sdp and candidate payloads stay opaque
// and the original frame is forwarded verbatim.
//
// Decoding is deliberately lenient about extra fields: clients attach
// whatever their WebRTC stack produces and the relay must not care.
type envelope struct {
	Type      messageType     `json:"type"`
	Role      string          `json:"role,omitempty"`
	SDP       string          `json:"sdp,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
}

// parseEnvelope decodes and validates an inbound frame.
//
// A nil error means the message routes somewhere. errUnknownType is returned
// for well-formed frames with an unrecognized type so callers can ignore them
// without treating the frame as malformed.
func parseEnvelope(data []byte) (envelope, error) {
	var msg envelope
	if err := json.Unmarshal(data, &msg); err != nil {
		return envelope{}, err
	}
	if err := msg.validate(); err != nil {
		return envelope{}, err
	}
	return msg, nil
}

func (m envelope) validate() error {
	switch m.Type {
	case messageTypeJoin:
		if _, err := ParseRole(m.Role); err != nil {
			return fmt.Errorf("join message: %w", err)
		}
	case messageTypeOffer:
		if m.SDP == "" {
			return fmt.Errorf("offer message missing sdp")
		}
	case messageTypeAnswer:
		if m.SDP == "" {
			return fmt.Errorf("answer message missing sdp")
		}
	case messageTypeCandidate:
		if len(m.Candidate) == 0 || string(m.Candidate) == "null" {
			return fmt.Errorf("candidate message missing candidate")
		}
	default:
		return fmt.Errorf("%w %q", errUnknownType, m.Type)
	}
	return nil
}
