package sync

import (
	"context"

	"github.com/stevenrayhinojosa-gmail-com/HikerLink/internal/store"
)

// PeerEventKind discriminates events surfaced by the peer transport.
type PeerEventKind string

const (
	PeerDetected     PeerEventKind = "peer-detected"
	PeerLost         PeerEventKind = "peer-lost"
	PeerStateChanged PeerEventKind = "connection-state-changed"
	PeerFault        PeerEventKind = "error"
)

// PeerEvent is one discovery or connection event from the peer transport.
type PeerEvent struct {
	Kind PeerEventKind
	Peer store.Peer
	Code string
	Err  error
}

// PeerTransport is the local, infrastructure-free channel to nearby devices.
// The coordinator is protocol-agnostic: the substrate may be a LAN mesh, a
// radio bridge, or a test stub. Send and Broadcast report acceptance, not
// end-to-end delivery.
type PeerTransport interface {
	Start(ctx context.Context) error
	Stop() error
	Connect(peerID string) bool
	Disconnect(peerID string) bool
	Send(peerID string, msg store.Message) bool
	Broadcast(msg store.Message) bool
	// Events streams discovery and connection-state changes; the returned
	// func unsubscribes.
	Events() (<-chan PeerEvent, func())
	// Messages streams messages received from peers.
	Messages() (<-chan store.Message, func())
}

// EmergencyEvent is the cloud-side record of a fired SOS.
type EmergencyEvent struct {
	ID        string  `json:"id"`
	NodeID    string  `json:"node_id"`
	Text      string  `json:"text"`
	Lat       float64 `json:"lat"`
	Long      float64 `json:"long"`
	Accuracy  float64 `json:"accuracy"`
	Timestamp int64   `json:"timestamp"`
}

// CloudTransport is the remote, connectivity-dependent store. SaveMessage must
// be upsert-idempotent on message ID; the sweep relies on that to tolerate
// crash-during-send.
type CloudTransport interface {
	IsSignedIn() bool
	SaveMessage(ctx context.Context, msg store.Message) (string, error)
	GetMessages(ctx context.Context, peerID string, limit int) ([]store.Message, error)
	// ListenMessages invokes fn for every message addressed to this device
	// (peerID filters to one conversation, empty means all). The returned
	// func detaches the listener.
	ListenMessages(peerID string, fn func(store.Message)) (func(), error)
	SaveLocation(ctx context.Context, sample store.LocationSample, emergency bool) error
	SaveLocationBatch(ctx context.Context, samples []store.LocationSample) error
	SaveEmergencyEvent(ctx context.Context, ev EmergencyEvent) (string, error)
	UpdateEmergencyStatus(ctx context.Context, nodeID, status string) error
}

// NetworkStatus reports connectivity and its transitions.
type NetworkStatus interface {
	Online() bool
	Subscribe() (<-chan bool, func())
}
