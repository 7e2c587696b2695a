package store

import (
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// PersistMessage writes a message durably, upserting on ID. Duplicate delivery
// of the same ID (e.g. the same message arriving over both transports) updates
// the content columns only when the incoming timestamp is not older, so the
// later write wins; local lifecycle columns (delivered, sync status) are never
// clobbered by a duplicate.
func PersistMessage(db *gorm.DB, msg *Message, needsSync bool) error {
	msg.NeedsSync = needsSync
	if msg.SyncStatus == "" {
		if needsSync {
			msg.SyncStatus = StatusPending
		} else {
			msg.SyncStatus = StatusSynced
		}
	}
	if msg.StatusAt == 0 {
		msg.StatusAt = time.Now().Unix()
	}

	err := db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"content", "timestamp", "lat", "long", "type", "emergency", "is_encrypted",
		}),
		Where: clause.Where{Exprs: []clause.Expression{
			clause.Expr{SQL: "excluded.timestamp >= messages.timestamp"},
		}},
	}).Create(msg).Error
	return persistErr("persist message", err)
}

// MarkDelivered flags the message as accepted by a transport. No-op if the ID
// is absent.
func MarkDelivered(db *gorm.DB, id string) error {
	err := db.Model(&Message{}).Where("id = ?", id).Update("delivered", true).Error
	return persistErr("mark delivered", err)
}

// UpdateSyncStatus moves the message to the given status and stamps the
// transition time. Reaching synced also clears the needs-sync flag. No-op if
// the ID is absent.
func UpdateSyncStatus(db *gorm.DB, id string, status SyncStatus) error {
	updates := map[string]interface{}{
		"sync_status": status,
		"status_at":   time.Now().Unix(),
	}
	if status == StatusSynced {
		updates["needs_sync"] = false
	}
	err := db.Model(&Message{}).Where("id = ?", id).Updates(updates).Error
	return persistErr("update sync status", err)
}

// MarkForSync sets or clears the cloud-leg-owed flag.
func MarkForSync(db *gorm.DB, id string, needsSync bool) error {
	updates := map[string]interface{}{"needs_sync": needsSync}
	if needsSync {
		updates["sync_status"] = StatusPending
		updates["status_at"] = time.Now().Unix()
	}
	err := db.Model(&Message{}).Where("id = ?", id).Updates(updates).Error
	return persistErr("mark for sync", err)
}

// ClaimForSync is the status-as-mutex transition pending -> syncing. It
// returns true only if this caller won the claim, which prevents two
// overlapping sweeps from sending the same ID concurrently.
func ClaimForSync(db *gorm.DB, id string) (bool, error) {
	res := db.Model(&Message{}).
		Where("id = ? AND sync_status = ?", id, StatusPending).
		Updates(map[string]interface{}{
			"sync_status": StatusSyncing,
			"status_at":   time.Now().Unix(),
		})
	if res.Error != nil {
		return false, persistErr("claim for sync", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// ReclaimStaleSyncing returns crash-orphaned "syncing" rows older than maxAge
// back to pending. Cloud saves are upsert-idempotent on ID, so re-sending a
// message whose first attempt actually landed is harmless.
func ReclaimStaleSyncing(db *gorm.DB, maxAge time.Duration) (int64, error) {
	cutoff := time.Now().Add(-maxAge).Unix()
	res := db.Model(&Message{}).
		Where("sync_status = ? AND status_at < ?", StatusSyncing, cutoff).
		Updates(map[string]interface{}{
			"sync_status": StatusPending,
			"status_at":   time.Now().Unix(),
		})
	return res.RowsAffected, persistErr("reclaim stale syncing", res.Error)
}

// QueryNeedingSync returns up to limit messages still owing their cloud leg,
// emergencies first, then oldest first.
func QueryNeedingSync(db *gorm.DB, limit int) ([]Message, error) {
	var messages []Message
	res := db.Where("needs_sync = ? AND sync_status = ?", true, StatusPending).
		Order("emergency desc, timestamp asc").
		Limit(limit).
		Find(&messages)
	return messages, persistErr("query needing sync", res.Error)
}

// QueryByPeer pages through a conversation newest-first. Callers presenting to
// a UI reverse the page into ascending order.
func QueryByPeer(db *gorm.DB, peerID string, limit, offset int) ([]Message, error) {
	var messages []Message
	res := db.Where("peer_id = ?", peerID).
		Order("timestamp desc").
		Limit(limit).
		Offset(offset).
		Find(&messages)
	return messages, persistErr("query by peer", res.Error)
}

func GetMessage(db *gorm.DB, id string) (*Message, error) {
	var msg Message
	if err := db.First(&msg, "id = ?", id).Error; err != nil {
		return nil, persistErr("get message", err)
	}
	return &msg, nil
}

// PendingCount reports how many messages still owe their cloud leg. This is
// the observable surface for silent sweep failures.
func PendingCount(db *gorm.DB) (int64, error) {
	var n int64
	res := db.Model(&Message{}).
		Where("needs_sync = ? AND sync_status = ?", true, StatusPending).
		Count(&n)
	return n, persistErr("pending count", res.Error)
}

// PruneMessages deletes non-emergency messages older than maxAge. Messages
// with the emergency flag set are never deleted.
func PruneMessages(db *gorm.DB, maxAge time.Duration) (int64, error) {
	cutoff := time.Now().Add(-maxAge).Unix()
	res := db.Where("emergency = ? AND timestamp < ?", false, cutoff).
		Delete(&Message{})
	return res.RowsAffected, persistErr("prune messages", res.Error)
}
