package roomio

import (
	"errors"
	"fmt"

	json "github.com/goccy/go-json"
)

// Reserved packet types. Everything else is an application event name.
const (
	TypeConnect      = "connect"
	TypeConnectError = "connect_error"
	TypeDisconnect   = "disconnect"
	TypeAck          = "ack"
	TypeError        = "error"
)

var reservedTypes = map[string]bool{
	TypeConnect:      true,
	TypeConnectError: true,
	TypeDisconnect:   true,
	TypeAck:          true,
	TypeError:        true,
	"connection":     true,
}

// IsReserved reports whether an event name is used by the protocol itself
func IsReserved(event string) bool {
	return reservedTypes[event]
}

// Packet is a single protocol frame
type Packet struct {
	Type         string `json:"type"`
	Data         any    `json:"data,omitempty"`
	ID           string `json:"id,omitempty"`
	Namespace    string `json:"namespace,omitempty"`
	AckRequested bool   `json:"ackRequested,omitempty"`
	Error        string `json:"error,omitempty"`
}

// IsAck reports whether the packet is a reply to an acknowledgment request
func (p *Packet) IsAck() bool {
	return p.Type == TypeAck
}

// Encode encodes the packet to its JSON wire form
func (p *Packet) Encode() ([]byte, error) {
	if p.Type == "" {
		return nil, errors.New("packet type is empty")
	}
	out, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal packet: %w", err)
	}
	return out, nil
}

// DecodePacket decodes a JSON frame into a packet
func DecodePacket(data []byte) (*Packet, error) {
	if len(data) == 0 {
		return nil, errors.New("empty packet")
	}

	var packet Packet
	if err := json.Unmarshal(data, &packet); err != nil {
		return nil, fmt.Errorf("failed to unmarshal packet: %w", err)
	}

	if packet.Type == "" {
		return nil, errors.New("packet has no type")
	}
	if packet.IsAck() && packet.ID == "" {
		return nil, errors.New("ack packet has no id")
	}
	if packet.AckRequested && packet.ID == "" {
		return nil, errors.New("ack requested without id")
	}

	return &packet, nil
}

func newEventPacket(namespace, event string, data any) *Packet {
	return &Packet{
		Type:      event,
		Namespace: namespace,
		Data:      data,
	}
}

func newAckPacket(namespace, id string, data any, err error) *Packet {
	p := &Packet{
		Type:      TypeAck,
		Namespace: namespace,
		ID:        id,
		Data:      data,
	}
	if err != nil {
		p.Error = err.Error()
	}
	return p
}
