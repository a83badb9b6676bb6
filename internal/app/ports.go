// Package app holds the controller session state machine, the autonomous
// delivery scheduler and the participant agent. Each node role runs one event
// loop; transports and timers only post events into it.
package app

import (
	"context"

	"github.com/UtilityDD/peermesh-exam-system/internal/domain"
	"github.com/UtilityDD/peermesh-exam-system/internal/protocol"
)

// Snapshot keys, one per role.
const (
	ControllerSnapshotKey  = "peermesh:controller"
	ParticipantSnapshotKey = "peermesh:participant"
)

// Messenger is the controller's view of the connection manager.
type Messenger interface {
	Send(peerID string, msg protocol.Message)
	Broadcast(msg protocol.Message)
	Disconnect(peerID string) error
	Peers() []string
}

// Link is the participant's view of the connection manager.
type Link interface {
	Connect(ctx context.Context, peerID string) error
	Send(peerID string, msg protocol.Message)
	Disconnect(peerID string) error
	Identity() string
}

// SnapshotStore persists one blob per key on the local device.
// Load reports false when the key is absent.
type SnapshotStore interface {
	Load(ctx context.Context, key string) ([]byte, bool, error)
	Save(ctx context.Context, key string, data []byte) error
	Delete(ctx context.Context, key string) error
}

// BankLoader fetches a question bank by id.
type BankLoader interface {
	LoadBank(ctx context.Context, bankID string) (domain.Bank, error)
}
