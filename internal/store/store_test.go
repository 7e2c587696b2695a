package store

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"
)

func TestMessagePersistence(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := Init(dbPath)
	if err != nil {
		t.Fatalf("Failed to init db: %v", err)
	}

	msg := &Message{
		ID:        "m1",
		PeerID:    "p1",
		SenderID:  "sender1",
		Direction: DirectionOutgoing,
		Type:      TypeText,
		Content:   "hello",
		Timestamp: time.Now().Unix(),
	}
	if err := PersistMessage(db, msg, true); err != nil {
		t.Fatalf("Failed to persist message: %v", err)
	}
	if msg.SyncStatus != StatusPending {
		t.Errorf("Expected pending status, got %q", msg.SyncStatus)
	}

	if err := Close(db); err != nil {
		t.Fatalf("Failed to close db: %v", err)
	}
	db2, err := Init(dbPath)
	if err != nil {
		t.Fatalf("Failed to re-open db: %v", err)
	}
	got, err := GetMessage(db2, "m1")
	if err != nil {
		t.Fatalf("Failed to retrieve message: %v", err)
	}
	if got.Content != "hello" || got.PeerID != "p1" {
		t.Errorf("Retrieved message mismatch: %+v", got)
	}
}

func TestPersistIdempotentLastWriteWins(t *testing.T) {
	db, err := Init(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to init db: %v", err)
	}

	t1 := time.Now().Unix()
	first := &Message{ID: "m1", PeerID: "p1", Type: TypeText, Content: "first", Timestamp: t1}
	if err := PersistMessage(db, first, true); err != nil {
		t.Fatalf("First persist failed: %v", err)
	}

	// Same ID arriving again with a later timestamp: one row, later content.
	dup := &Message{ID: "m1", PeerID: "p1", Type: TypeText, Content: "second", Timestamp: t1 + 5}
	if err := PersistMessage(db, dup, true); err != nil {
		t.Fatalf("Duplicate persist failed: %v", err)
	}

	var count int64
	if err := db.Model(&Message{}).Where("id = ?", "m1").Count(&count).Error; err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if count != 1 {
		t.Fatalf("Expected exactly 1 row, got %d", count)
	}
	got, err := GetMessage(db, "m1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Content != "second" {
		t.Errorf("Expected later write to win, got content %q", got.Content)
	}

	// An older duplicate must not clobber the newer content.
	stale := &Message{ID: "m1", PeerID: "p1", Type: TypeText, Content: "stale", Timestamp: t1 - 100}
	if err := PersistMessage(db, stale, true); err != nil {
		t.Fatalf("Stale persist failed: %v", err)
	}
	got, _ = GetMessage(db, "m1")
	if got.Content != "second" {
		t.Errorf("Stale duplicate overwrote content: got %q", got.Content)
	}
}

func TestDuplicateDoesNotRegressLifecycle(t *testing.T) {
	db, err := Init(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to init db: %v", err)
	}

	ts := time.Now().Unix()
	msg := &Message{ID: "m1", PeerID: "p1", Type: TypeText, Content: "hi", Timestamp: ts}
	if err := PersistMessage(db, msg, true); err != nil {
		t.Fatalf("Persist failed: %v", err)
	}
	if err := UpdateSyncStatus(db, "m1", StatusSynced); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if err := MarkDelivered(db, "m1"); err != nil {
		t.Fatalf("MarkDelivered failed: %v", err)
	}

	dup := &Message{ID: "m1", PeerID: "p1", Type: TypeText, Content: "hi", Timestamp: ts + 1}
	if err := PersistMessage(db, dup, false); err != nil {
		t.Fatalf("Duplicate persist failed: %v", err)
	}

	got, _ := GetMessage(db, "m1")
	if got.SyncStatus != StatusSynced {
		t.Errorf("Duplicate regressed sync status to %q", got.SyncStatus)
	}
	if !got.Delivered {
		t.Error("Duplicate cleared delivered flag")
	}
}

func TestQueryNeedingSyncOrder(t *testing.T) {
	db, err := Init(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to init db: %v", err)
	}

	base := time.Now().Unix()
	msgs := []*Message{
		{ID: "old", Type: TypeText, Timestamp: base - 100},
		{ID: "new", Type: TypeText, Timestamp: base},
		{ID: "sos", Type: TypeSOS, Emergency: true, Timestamp: base - 10},
	}
	for _, m := range msgs {
		if err := PersistMessage(db, m, true); err != nil {
			t.Fatalf("Persist %s failed: %v", m.ID, err)
		}
	}

	got, err := QueryNeedingSync(db, 10)
	if err != nil {
		t.Fatalf("QueryNeedingSync failed: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("Expected 3 messages, got %d", len(got))
	}
	// Emergency first, then oldest first.
	if got[0].ID != "sos" || got[1].ID != "old" || got[2].ID != "new" {
		t.Errorf("Wrong order: %s, %s, %s", got[0].ID, got[1].ID, got[2].ID)
	}
}

func TestClaimForSyncIsMutex(t *testing.T) {
	db, err := Init(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to init db: %v", err)
	}

	msg := &Message{ID: "m1", Type: TypeText, Timestamp: time.Now().Unix()}
	if err := PersistMessage(db, msg, true); err != nil {
		t.Fatalf("Persist failed: %v", err)
	}

	claimed, err := ClaimForSync(db, "m1")
	if err != nil || !claimed {
		t.Fatalf("First claim should win: claimed=%v err=%v", claimed, err)
	}
	claimed, err = ClaimForSync(db, "m1")
	if err != nil {
		t.Fatalf("Second claim errored: %v", err)
	}
	if claimed {
		t.Error("Second claim succeeded while syncing; status mutex broken")
	}

	// Regressing to pending releases the claim.
	if err := UpdateSyncStatus(db, "m1", StatusPending); err != nil {
		t.Fatalf("Regress failed: %v", err)
	}
	claimed, _ = ClaimForSync(db, "m1")
	if !claimed {
		t.Error("Claim after regression should win")
	}
}

func TestReclaimStaleSyncing(t *testing.T) {
	db, err := Init(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to init db: %v", err)
	}

	msg := &Message{ID: "m1", Type: TypeText, Timestamp: time.Now().Unix()}
	if err := PersistMessage(db, msg, true); err != nil {
		t.Fatalf("Persist failed: %v", err)
	}
	if _, err := ClaimForSync(db, "m1"); err != nil {
		t.Fatalf("Claim failed: %v", err)
	}

	// Backdate the lock to simulate a crash mid-send.
	stale := time.Now().Add(-5 * time.Minute).Unix()
	if err := db.Model(&Message{}).Where("id = ?", "m1").Update("status_at", stale).Error; err != nil {
		t.Fatalf("Backdate failed: %v", err)
	}

	n, err := ReclaimStaleSyncing(db, time.Minute)
	if err != nil {
		t.Fatalf("Reclaim failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("Expected 1 reclaimed lock, got %d", n)
	}
	got, _ := GetMessage(db, "m1")
	if got.SyncStatus != StatusPending {
		t.Errorf("Expected pending after reclaim, got %q", got.SyncStatus)
	}

	// A fresh lock must not be reclaimed.
	if _, err := ClaimForSync(db, "m1"); err != nil {
		t.Fatalf("Re-claim failed: %v", err)
	}
	n, _ = ReclaimStaleSyncing(db, time.Minute)
	if n != 0 {
		t.Errorf("Fresh lock reclaimed: %d", n)
	}
}

func TestPruneKeepsEmergencies(t *testing.T) {
	db, err := Init(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to init db: %v", err)
	}

	old := time.Now().Add(-48 * time.Hour).Unix()
	msgs := []*Message{
		{ID: "old-text", Type: TypeText, Timestamp: old},
		{ID: "old-sos", Type: TypeSOS, Emergency: true, Timestamp: old},
		{ID: "fresh", Type: TypeText, Timestamp: time.Now().Unix()},
	}
	for _, m := range msgs {
		if err := PersistMessage(db, m, true); err != nil {
			t.Fatalf("Persist %s failed: %v", m.ID, err)
		}
	}

	n, err := PruneMessages(db, 24*time.Hour)
	if err != nil {
		t.Fatalf("Prune failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("Expected 1 pruned message, got %d", n)
	}
	if _, err := GetMessage(db, "old-sos"); err != nil {
		t.Error("Emergency message was pruned")
	}
	if _, err := GetMessage(db, "fresh"); err != nil {
		t.Error("Fresh message was pruned")
	}
	if _, err := GetMessage(db, "old-text"); err == nil {
		t.Error("Expired non-emergency message survived prune")
	}
}

func TestQueryByPeerPaging(t *testing.T) {
	db, err := Init(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to init db: %v", err)
	}

	base := time.Now().Unix()
	for i := 0; i < 5; i++ {
		msg := &Message{
			ID:        fmt.Sprintf("m%d", i),
			PeerID:    "p1",
			Type:      TypeText,
			Timestamp: base + int64(i),
		}
		if err := PersistMessage(db, msg, false); err != nil {
			t.Fatalf("Persist failed: %v", err)
		}
	}

	page, err := QueryByPeer(db, "p1", 2, 0)
	if err != nil {
		t.Fatalf("QueryByPeer failed: %v", err)
	}
	if len(page) != 2 || page[0].ID != "m4" || page[1].ID != "m3" {
		t.Errorf("Expected newest-first page [m4 m3], got %+v", page)
	}
	page, _ = QueryByPeer(db, "p1", 2, 2)
	if len(page) != 2 || page[0].ID != "m2" {
		t.Errorf("Offset paging broken: %+v", page)
	}
}

func TestPeerUpsertAndState(t *testing.T) {
	db, err := Init(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to init db: %v", err)
	}

	peer := Peer{ID: "peer1", Nick: "Alice", Addr: "127.0.0.1:9000", LastSeen: time.Now().Add(-time.Hour)}
	if err := UpsertPeer(db, peer); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	peer.Nick = "Alice2"
	if err := UpsertPeer(db, peer); err != nil {
		t.Fatalf("Re-upsert failed: %v", err)
	}

	got, err := GetPeer(db, "peer1")
	if err != nil {
		t.Fatalf("GetPeer failed: %v", err)
	}
	if got.Nick != "Alice2" {
		t.Errorf("Expected superseded nick, got %q", got.Nick)
	}
	if got.State != PeerDisconnected {
		t.Errorf("Expected default disconnected state, got %q", got.State)
	}

	if err := SetPeerState(db, "peer1", PeerConnected); err != nil {
		t.Fatalf("SetPeerState failed: %v", err)
	}
	connected, err := ConnectedPeers(db)
	if err != nil {
		t.Fatalf("ConnectedPeers failed: %v", err)
	}
	if len(connected) != 1 || connected[0].ID != "peer1" {
		t.Errorf("Expected peer1 connected, got %+v", connected)
	}
}

func TestLocationSamples(t *testing.T) {
	db, err := Init(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to init db: %v", err)
	}

	base := time.Now().Unix()
	for i := 0; i < 3; i++ {
		s := &LocationSample{Lat: 44.0 + float64(i), Long: -71.0, Accuracy: 5, Timestamp: base + int64(i)}
		if err := SaveSample(db, s); err != nil {
			t.Fatalf("SaveSample failed: %v", err)
		}
	}

	unsynced, err := UnsyncedSamples(db, 10)
	if err != nil {
		t.Fatalf("UnsyncedSamples failed: %v", err)
	}
	if len(unsynced) != 3 {
		t.Fatalf("Expected 3 unsynced samples, got %d", len(unsynced))
	}
	if unsynced[0].Timestamp > unsynced[2].Timestamp {
		t.Error("Expected oldest-first ordering")
	}

	if err := MarkSamplesSynced(db, []uint{unsynced[0].ID, unsynced[1].ID}); err != nil {
		t.Fatalf("MarkSamplesSynced failed: %v", err)
	}
	unsynced, _ = UnsyncedSamples(db, 10)
	if len(unsynced) != 1 {
		t.Errorf("Expected 1 unsynced sample left, got %d", len(unsynced))
	}

	latest, err := LatestSample(db)
	if err != nil {
		t.Fatalf("LatestSample failed: %v", err)
	}
	if latest == nil || latest.Timestamp != base+2 {
		t.Errorf("LatestSample mismatch: %+v", latest)
	}
}
