package router

import (
	"bytes"
	"encoding/gob"
	"fmt"
)

// MessageType is the kind of a router Message.
type MessageType byte

const (
	// MsgPing asks the peer to answer with MsgPong carrying the same nonce.
	MsgPing MessageType = iota
	MsgPong
	// MsgDisconnect announces that the sender is closing the connection.
	MsgDisconnect
	// MsgData carries an application payload.
	MsgData
)

func (mt MessageType) String() string {
	switch mt {
	case MsgPing:
		return "PING"
	case MsgPong:
		return "PONG"
	case MsgDisconnect:
		return "DISCONNECT"
	case MsgData:
		return "DATA"
	default:
		return fmt.Sprintf("UNKNOWN_MSG_TYPE(%d)", mt)
	}
}

// Message is the unit exchanged between routers once connected.
type Message struct {
	Type    MessageType
	Payload []byte
}

// PingPayload is the payload of MsgPing and MsgPong.
type PingPayload struct {
	Nonce uint64
}

// DisconnectPayload is the payload of MsgDisconnect.
type DisconnectPayload struct {
	Reason string
}

// helloPayload is exchanged inside the Noise handshake.
type helloPayload struct {
	Version    uint32
	NodeType   NodeType
	ListenAddr string
}

// verdictPayload is the responder's decision, sent once the handshake
// completes.
type verdictPayload struct {
	Accept bool
	Reason string
}

// toBytes gob-encodes any payload.
func toBytes(payload any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(payload); err != nil {
		return nil, fmt.Errorf("failed to gob encode %T: %w", payload, err)
	}
	return buf.Bytes(), nil
}

// fromBytes gob-decodes data into out.
func fromBytes(data []byte, out any) error {
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(out); err != nil {
		return fmt.Errorf("failed to gob decode %T: %w", out, err)
	}
	return nil
}
