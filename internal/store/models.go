package store

import (
	"time"
)

// SyncStatus tracks a message's progress toward durable cloud delivery.
type SyncStatus string

const (
	StatusPending SyncStatus = "pending"
	StatusSyncing SyncStatus = "syncing"
	StatusSynced  SyncStatus = "synced"
	StatusFailed  SyncStatus = "failed"
)

// Direction says which way a message moved through this device.
type Direction string

const (
	DirectionOutgoing Direction = "outgoing"
	DirectionIncoming Direction = "incoming"
)

// MessageType selects the content payload shape.
type MessageType string

const (
	TypeText     MessageType = "text"
	TypeLocation MessageType = "location"
	TypeSOS      MessageType = "sos"
	TypeStatus   MessageType = "status"
)

// PeerState is the connection state of a nearby peer.
type PeerState string

const (
	PeerDisconnected PeerState = "disconnected"
	PeerConnecting   PeerState = "connecting"
	PeerConnected    PeerState = "connected"
)

// Message is the durable record of one message. ID is caller-generated and is
// the idempotency key: persisting the same ID again updates in place, it never
// creates a second row.
type Message struct {
	ID          string `gorm:"primaryKey"`
	PeerID      string `gorm:"index"`
	SenderID    string
	Direction   Direction
	Type        MessageType
	Content     string
	Lat         float64
	Long        float64
	Timestamp   int64 `gorm:"index"`
	Emergency   bool
	Delivered   bool
	NeedsSync   bool
	SyncStatus  SyncStatus `gorm:"index"`
	IsEncrypted bool
	// StatusAt is when SyncStatus last changed; the sweep uses it to reclaim
	// stale "syncing" locks after a crash mid-send.
	StatusAt int64
}

// Peer is a nearby device seen over the peer transport. Rows are superseded on
// rediscovery, never hard-deleted.
type Peer struct {
	ID       string `gorm:"primaryKey"`
	Nick     string
	Addr     string
	PubKey   string
	CloudID  string
	State    PeerState
	LastSeen time.Time
}

// LocationSample is one fix produced by the location tracker.
type LocationSample struct {
	ID         uint `gorm:"primaryKey;autoIncrement"`
	Lat        float64
	Long       float64
	Accuracy   float64
	Activity   string
	Confidence float64
	Timestamp  int64 `gorm:"index"`
	Synced     bool  `gorm:"index"`
}
