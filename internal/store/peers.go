package store

import (
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// UpsertPeer records a discovered peer, superseding any previous row for the
// same ID.
func UpsertPeer(db *gorm.DB, peer Peer) error {
	if peer.State == "" {
		peer.State = PeerDisconnected
	}
	err := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		UpdateAll: true,
	}).Create(&peer).Error
	return persistErr("upsert peer", err)
}

// SetPeerState updates the connection state; a transition to connected also
// refreshes last-seen.
func SetPeerState(db *gorm.DB, id string, state PeerState) error {
	updates := map[string]interface{}{"state": state}
	if state == PeerConnected {
		updates["last_seen"] = time.Now()
	}
	err := db.Model(&Peer{}).Where("id = ?", id).Updates(updates).Error
	return persistErr("set peer state", err)
}

func GetPeer(db *gorm.DB, id string) (*Peer, error) {
	var peer Peer
	if err := db.First(&peer, "id = ?", id).Error; err != nil {
		return nil, persistErr("get peer", err)
	}
	return &peer, nil
}

// ConnectedPeers returns peers currently reachable over the peer transport.
func ConnectedPeers(db *gorm.DB) ([]Peer, error) {
	var peers []Peer
	res := db.Where("state = ?", PeerConnected).Find(&peers)
	return peers, persistErr("connected peers", res.Error)
}

func AllPeers(db *gorm.DB) ([]Peer, error) {
	var peers []Peer
	res := db.Order("last_seen desc").Find(&peers)
	return peers, persistErr("all peers", res.Error)
}
