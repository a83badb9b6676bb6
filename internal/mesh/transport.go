// Package mesh owns peer links: it wraps a Transport, keeps the set of live
// links, and dispatches inbound envelopes to typed per-kind handlers.
package mesh

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"github.com/UtilityDD/peermesh-exam-system/internal/domain"
	"github.com/UtilityDD/peermesh-exam-system/internal/protocol"
)

// LinkHandler receives link lifecycle events and inbound envelopes from a Transport.
// Calls may arrive on transport goroutines; envelopes on one link arrive in order.
type LinkHandler interface {
	LinkOpened(peerID string)
	LinkClosed(peerID string, err error)
	Receive(peerID string, env protocol.Envelope)
}

// Transport opens direct links to named peers and moves envelopes over them.
type Transport interface {
	// Initialize registers the node and returns its identity. It never fails:
	// when signaling is unreachable it returns an offline identity.
	Initialize(ctx context.Context, preferredID string) string
	// ConnectTo opens a link to peerID. It returns domain.ErrPeerNotFound when the
	// peer is not registered and domain.ErrLinkTimeout when ctx expires first.
	// LinkOpened has been delivered by the time it returns nil.
	ConnectTo(ctx context.Context, peerID string) error
	Send(peerID string, env protocol.Envelope) error
	Disconnect(peerID string) error
	SetHandler(h LinkHandler)
	Identity() string
	Healthy() bool
	Close() error
}

// OfflineIdentity generates an identity in the reserved offline namespace.
func OfflineIdentity() string {
	raw := strings.ReplaceAll(uuid.NewString(), "-", "")
	return domain.OfflinePrefix + strings.ToUpper(raw[:4])
}
