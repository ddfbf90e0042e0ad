package model

import (
	"encoding/json"
	"fmt"

	"github.com/devrev/ringkv/internal/ring"
)

// OperationType is the command carried by an admin message
type OperationType string

const (
	// OpInit completes the launch handshake
	OpInit OperationType = "INIT"
	// OpStart starts serving client requests
	OpStart OperationType = "START"
	// OpStop stops serving client requests; admin messages are still processed
	OpStop OperationType = "STOP"
	// OpShutDown terminates the node process
	OpShutDown OperationType = "SHUT_DOWN"
	// OpLockWrite rejects writes until unlocked
	OpLockWrite OperationType = "LOCK_WRITE"
	// OpUnlockWrite re-enables writes
	OpUnlockWrite OperationType = "UNLOCK_WRITE"
	// OpUpdate re-reads the ring snapshot
	OpUpdate OperationType = "UPDATE"
	// OpReceive opens a listener for incoming transfer data
	OpReceive OperationType = "RECEIVE"
	// OpSend streams a hash range to a receiver
	OpSend OperationType = "SEND"
	// OpDelete drops a hash range from local storage
	OpDelete OperationType = "DELETE"
	// OpClear wipes local storage
	OpClear OperationType = "CLEAR"
)

// AdminMessage is the JSON envelope written into a node's inbox
type AdminMessage struct {
	OperationType OperationType   `json:"operationType"`
	MessageID     string          `json:"messageId,omitempty"`
	ReceiverName  string          `json:"receiverName,omitempty"`
	ReceiverHost  string          `json:"receiverHost,omitempty"`
	ReceiverPort  int             `json:"receiverPort,omitempty"`
	HashRange     *ring.HashRange `json:"hashRange,omitempty"`
}

// NewAdminMessage creates a message with the given operation
func NewAdminMessage(op OperationType) *AdminMessage {
	return &AdminMessage{OperationType: op}
}

// Encode serializes the message
func (m *AdminMessage) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// DecodeAdminMessage parses an inbox entry
func DecodeAdminMessage(data []byte) (*AdminMessage, error) {
	var m AdminMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to decode admin message: %w", err)
	}
	if m.OperationType == "" {
		return nil, fmt.Errorf("admin message without operation type")
	}
	return &m, nil
}

func (m *AdminMessage) String() string {
	if m.HashRange != nil {
		return fmt.Sprintf("%s%s", m.OperationType, m.HashRange)
	}
	return string(m.OperationType)
}
