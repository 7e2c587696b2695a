package mesh

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stevenrayhinojosa-gmail-com/HikerLink/internal/core"
	"github.com/stevenrayhinojosa-gmail-com/HikerLink/internal/store"
	syncpkg "github.com/stevenrayhinojosa-gmail-com/HikerLink/internal/sync"
)

func newTestTransport(t *testing.T, port int, nick string) *Transport {
	t.Helper()
	id, err := core.LoadOrGenerateIdentity(filepath.Join(t.TempDir(), "identity.json"))
	if err != nil {
		t.Fatalf("Failed to generate identity: %v", err)
	}
	tr := New(id, Config{Port: port, Nick: nick, HeartbeatInterval: 200 * time.Millisecond})
	if err := tr.Start(context.Background()); err != nil {
		t.Fatalf("Failed to start transport: %v", err)
	}
	t.Cleanup(func() { tr.Stop() })
	return tr
}

// inject seeds the directory as if a beacon from peer had been received.
func inject(tr *Transport, peer *Transport, addr string) {
	tr.mu.Lock()
	tr.directory[peer.id.NodeID] = peerInfo{
		ID:       peer.id.NodeID,
		Nick:     peer.cfg.Nick,
		PubKey:   peer.id.PubKey,
		Addr:     addr,
		LastSeen: time.Now(),
	}
	tr.mu.Unlock()
}

func waitConnected(t *testing.T, tr *Transport, peerID string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		if _, ok := tr.conns.Load(peerID); ok {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("Timed out waiting for connection to %s", peerID)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestConnectAndEncryptedSend(t *testing.T) {
	// Port ranges far apart so the UDP beacons of the two nodes cannot reach
	// each other and the test controls discovery itself.
	t1 := newTestTransport(t, 19300, "alice")
	t2 := newTestTransport(t, 19400, "bob")

	inject(t1, t2, "127.0.0.1:19400")

	msgs, unsub := t2.Messages()
	defer unsub()

	if !t1.Connect(t2.id.NodeID) {
		t.Fatal("Connect refused")
	}
	waitConnected(t, t1, t2.id.NodeID)

	sent := store.Message{
		ID:        "m1",
		PeerID:    t2.id.NodeID,
		SenderID:  t1.id.NodeID,
		Type:      store.TypeText,
		Content:   "meet at the trailhead",
		Timestamp: time.Now().Unix(),
	}
	if !t1.Send(t2.id.NodeID, sent) {
		t.Fatal("Send refused")
	}

	select {
	case got := <-msgs:
		if got.ID != "m1" {
			t.Fatalf("Wrong message: %+v", got)
		}
		// The wire copy was sealed to bob's key; the delivered copy must be
		// plaintext again.
		if got.IsEncrypted {
			t.Error("Delivered message still marked encrypted")
		}
		if got.Content != "meet at the trailhead" {
			t.Errorf("Content not decrypted: %q", got.Content)
		}
		// Receiver's conversation partner is the sender.
		if got.PeerID != t1.id.NodeID {
			t.Errorf("PeerID not rewritten to sender: %q", got.PeerID)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Timed out waiting for message")
	}
}

func TestBroadcastReachesConnectedPeers(t *testing.T) {
	t1 := newTestTransport(t, 19500, "alice")
	t2 := newTestTransport(t, 19600, "bob")

	inject(t1, t2, "127.0.0.1:19600")

	msgs, unsub := t2.Messages()
	defer unsub()

	if !t1.Connect(t2.id.NodeID) {
		t.Fatal("Connect refused")
	}
	waitConnected(t, t1, t2.id.NodeID)

	sent := store.Message{
		ID:        "b1",
		SenderID:  t1.id.NodeID,
		Type:      store.TypeStatus,
		Content:   "made camp, all ok",
		Timestamp: time.Now().Unix(),
	}
	if !t1.Broadcast(sent) {
		t.Fatal("Broadcast accepted by no peer")
	}

	select {
	case got := <-msgs:
		if got.ID != "b1" || got.Content != "made camp, all ok" {
			t.Errorf("Wrong broadcast received: %+v", got)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Timed out waiting for broadcast")
	}
}

func TestBroadcastWithoutPeers(t *testing.T) {
	t1 := newTestTransport(t, 19700, "alice")
	if t1.Broadcast(store.Message{ID: "x"}) {
		t.Error("Broadcast with no connections must report not accepted")
	}
}

func TestSendToUnknownPeer(t *testing.T) {
	t1 := newTestTransport(t, 19800, "alice")
	if t1.Send("nobody", store.Message{ID: "x"}) {
		t.Error("Send to unknown peer must fail")
	}
	if t1.Connect("nobody") {
		t.Error("Connect to undiscovered peer must fail")
	}
}

func TestDiscoveryEmitsPeerDetected(t *testing.T) {
	t1 := newTestTransport(t, 19900, "alice")

	eventsCh, unsub := t1.Events()
	defer unsub()

	// Hand-rolled beacon from a node that is not running; the auto-dial will
	// fail, but detection must still be reported.
	beacon := heartbeatPacket{
		Type:   "beat",
		ID:     "ghost-node",
		Nick:   "ghost",
		PubKey: "",
		Port:   1, // nothing listens here
		TS:     time.Now().Unix(),
	}
	data, err := json.Marshal(beacon)
	if err != nil {
		t.Fatalf("Failed to marshal beacon: %v", err)
	}
	conn, err := net.Dial("udp", fmt.Sprintf("127.0.0.1:%d", 19900))
	if err != nil {
		t.Fatalf("Failed to dial beacon target: %v", err)
	}
	defer conn.Close()
	if _, err := conn.Write(data); err != nil {
		t.Fatalf("Failed to send beacon: %v", err)
	}

	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-eventsCh:
			if ev.Kind == syncpkg.PeerDetected && ev.Peer.ID == "ghost-node" {
				if ev.Peer.Nick != "ghost" {
					t.Errorf("Beacon nick lost: %+v", ev.Peer)
				}
				return
			}
		case <-deadline:
			t.Fatal("Timed out waiting for peer-detected event")
		}
	}
}

func TestStartFailsWhenDiscoveryPortBusy(t *testing.T) {
	squatter, err := net.ListenPacket("udp", "127.0.0.1:19950")
	if err != nil {
		t.Fatalf("Failed to occupy port: %v", err)
	}
	defer squatter.Close()

	id, err := core.LoadOrGenerateIdentity(filepath.Join(t.TempDir(), "identity.json"))
	if err != nil {
		t.Fatalf("Failed to generate identity: %v", err)
	}
	tr := New(id, Config{Port: 19950, Nick: "alice"})
	if err := tr.Start(context.Background()); err == nil {
		tr.Stop()
		t.Fatal("Start must fail when the discovery port is taken")
	}
}

func TestFraming(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	payload := []byte(`{"type":"MSG","payload":{}}`)
	errCh := make(chan error, 1)
	go func() {
		errCh <- writeFrame(client, payload)
	}()

	got, err := readFrame(server)
	if err != nil {
		t.Fatalf("readFrame failed: %v", err)
	}
	if werr := <-errCh; werr != nil {
		t.Fatalf("writeFrame failed: %v", werr)
	}
	if string(got) != string(payload) {
		t.Errorf("Frame round-trip mangled payload: %q", got)
	}
}
