// Package mesh is the default peer transport: an infrastructure-free LAN
// substrate using UDP heartbeat discovery and length-prefixed JSON frames
// over TCP. The sync coordinator only sees the transport capability
// interface, so swapping this for a radio bridge changes nothing upstream.
package mesh

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	gosync "sync"
	"time"

	"golang.org/x/crypto/nacl/box"

	"github.com/stevenrayhinojosa-gmail-com/HikerLink/internal/core"
	"github.com/stevenrayhinojosa-gmail-com/HikerLink/internal/events"
	"github.com/stevenrayhinojosa-gmail-com/HikerLink/internal/store"
	syncpkg "github.com/stevenrayhinojosa-gmail-com/HikerLink/internal/sync"
)

const discoveryPortSpan = 6

const (
	typeHello = "HELLO"
	typeMsg   = "MSG"
)

type packet struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type helloPayload struct {
	ID     string `json:"id"`
	Nick   string `json:"nick"`
	PubKey string `json:"pub_key"`
}

type msgPayload struct {
	Message store.Message `json:"message"`
}

// Config tunes the LAN mesh transport.
type Config struct {
	Port              int
	Nick              string
	HeartbeatInterval time.Duration
	PeerTimeout       time.Duration
}

func (c *Config) fillDefaults() {
	if c.Port <= 0 {
		c.Port = 9000
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = time.Second
	}
	if c.PeerTimeout <= 0 {
		c.PeerTimeout = 10 * time.Second
	}
}

// Transport implements sync.PeerTransport over the LAN mesh.
type Transport struct {
	id  *core.Identity
	cfg Config

	conns gosync.Map // peerID -> net.Conn

	mu        gosync.Mutex
	directory map[string]peerInfo

	events *events.Broadcaster[syncpkg.PeerEvent]
	msgs   *events.Broadcaster[store.Message]

	peerCh chan peerInfo
	cancel context.CancelFunc
	wg     gosync.WaitGroup
}

func New(id *core.Identity, cfg Config) *Transport {
	cfg.fillDefaults()
	return &Transport{
		id:        id,
		cfg:       cfg,
		directory: make(map[string]peerInfo),
		events:    events.NewBroadcaster[syncpkg.PeerEvent](32),
		msgs:      events.NewBroadcaster[store.Message](64),
		peerCh:    make(chan peerInfo, 16),
	}
}

// Start brings up the TCP listener, the UDP beacon and the discovery
// consumer.
func (t *Transport) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", t.cfg.Port))
	if err != nil {
		cancel()
		return fmt.Errorf("failed to listen on port %d: %w", t.cfg.Port, err)
	}
	// The discovery socket binds before Start returns, like the TCP listener
	// above: beacons arriving from this moment on are buffered by the kernel,
	// not dropped, and a busy port is a startup error.
	udpConn, err := listenDiscovery(t.cfg.Port)
	if err != nil {
		listener.Close()
		cancel()
		return err
	}
	go func() {
		<-ctx.Done()
		listener.Close()
		udpConn.Close()
	}()

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		for {
			conn, err := listener.Accept()
			if err != nil {
				select {
				case <-ctx.Done():
					return
				default:
					slog.Warn("Accept error", "error", err)
					continue
				}
			}
			go t.handleConnection(conn)
		}
	}()

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		if err := startHeartbeat(ctx, t); err != nil {
			t.events.Publish(syncpkg.PeerEvent{Kind: syncpkg.PeerFault, Code: "heartbeat", Err: err})
		}
	}()

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		if err := readBeacons(ctx, udpConn, t.id.NodeID, t.peerCh); err != nil {
			t.events.Publish(syncpkg.PeerEvent{Kind: syncpkg.PeerFault, Code: "discovery", Err: err})
		}
	}()

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.processDiscovery(ctx)
	}()

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.reap(ctx)
	}()

	return nil
}

func (t *Transport) processDiscovery(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case info := <-t.peerCh:
			t.mu.Lock()
			_, known := t.directory[info.ID]
			t.directory[info.ID] = info
			t.mu.Unlock()

			if !known {
				t.events.Publish(syncpkg.PeerEvent{
					Kind: syncpkg.PeerDetected,
					Peer: store.Peer{
						ID:       info.ID,
						Nick:     info.Nick,
						Addr:     info.Addr,
						PubKey:   info.PubKey,
						State:    store.PeerDisconnected,
						LastSeen: info.LastSeen,
					},
				})
			}
			// The mesh is opportunistic: dial every beacon we are not
			// already connected to.
			if _, connected := t.conns.Load(info.ID); !connected {
				go t.Connect(info.ID)
			}
		}
	}
}

// reap emits peer-lost for directory entries that stopped beaconing.
func (t *Transport) reap(ctx context.Context) {
	ticker := time.NewTicker(t.cfg.PeerTimeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-t.cfg.PeerTimeout)
			t.mu.Lock()
			var lost []peerInfo
			for id, info := range t.directory {
				if info.LastSeen.Before(cutoff) {
					delete(t.directory, id)
					lost = append(lost, info)
				}
			}
			t.mu.Unlock()

			for _, info := range lost {
				t.dropConn(info.ID)
				t.events.Publish(syncpkg.PeerEvent{
					Kind: syncpkg.PeerLost,
					Peer: store.Peer{ID: info.ID, Nick: info.Nick, State: store.PeerDisconnected},
				})
			}
		}
	}
}

// Connect dials a discovered peer and performs the hello handshake.
func (t *Transport) Connect(peerID string) bool {
	if _, connected := t.conns.Load(peerID); connected {
		return true
	}
	t.mu.Lock()
	info, ok := t.directory[peerID]
	t.mu.Unlock()
	if !ok {
		return false
	}

	t.publishState(info.ID, info.Nick, store.PeerConnecting)

	conn, err := net.DialTimeout("tcp", info.Addr, 5*time.Second)
	if err != nil {
		slog.Warn("Failed to dial peer", "addr", info.Addr, "error", err)
		t.publishState(info.ID, info.Nick, store.PeerDisconnected)
		return false
	}
	if err := t.sendHello(conn); err != nil {
		conn.Close()
		t.publishState(info.ID, info.Nick, store.PeerDisconnected)
		return false
	}
	go t.handleConnection(conn)
	return true
}

// Disconnect drops the TCP connection to a peer.
func (t *Transport) Disconnect(peerID string) bool {
	return t.dropConn(peerID)
}

func (t *Transport) dropConn(peerID string) bool {
	value, ok := t.conns.LoadAndDelete(peerID)
	if !ok {
		return false
	}
	if conn, ok := value.(net.Conn); ok {
		conn.Close()
	}
	return true
}

func (t *Transport) sendHello(conn net.Conn) error {
	hello := helloPayload{ID: t.id.NodeID, Nick: t.cfg.Nick, PubKey: t.id.PubKey}
	payload, err := json.Marshal(hello)
	if err != nil {
		return err
	}
	data, err := json.Marshal(packet{Type: typeHello, Payload: payload})
	if err != nil {
		return err
	}
	return writeFrame(conn, data)
}

// handleConnection owns one TCP connection. The first frame must be a hello;
// everything after is message traffic.
func (t *Transport) handleConnection(conn net.Conn) {
	defer conn.Close()

	raw, err := readFrame(conn)
	if err != nil {
		return
	}
	var pkt packet
	if err := json.Unmarshal(raw, &pkt); err != nil || pkt.Type != typeHello {
		slog.Warn("Peer connection without hello, dropping", "remote", conn.RemoteAddr())
		return
	}
	var hello helloPayload
	if err := json.Unmarshal(pkt.Payload, &hello); err != nil || hello.ID == "" {
		return
	}

	// Acceptor side answers the handshake so both ends learn identities.
	if err := t.sendHello(conn); err != nil {
		return
	}

	if prev, loaded := t.conns.Swap(hello.ID, conn); loaded {
		if prevConn, ok := prev.(net.Conn); ok && prevConn != conn {
			prevConn.Close()
		}
	}
	t.mu.Lock()
	info := t.directory[hello.ID]
	info.ID = hello.ID
	info.Nick = hello.Nick
	info.PubKey = hello.PubKey
	info.LastSeen = time.Now()
	if info.Addr == "" {
		info.Addr = conn.RemoteAddr().String()
	}
	t.directory[hello.ID] = info
	t.mu.Unlock()

	t.publishState(hello.ID, hello.Nick, store.PeerConnected)
	defer func() {
		t.conns.CompareAndDelete(hello.ID, conn)
		t.publishState(hello.ID, hello.Nick, store.PeerDisconnected)
	}()

	for {
		raw, err := readFrame(conn)
		if err != nil {
			return
		}
		var pkt packet
		if err := json.Unmarshal(raw, &pkt); err != nil {
			slog.Warn("Failed to unmarshal packet", "error", err)
			continue
		}
		if pkt.Type != typeMsg {
			continue
		}
		t.handleMsg(pkt.Payload)
	}
}

func (t *Transport) handleMsg(payload []byte) {
	var mp msgPayload
	if err := json.Unmarshal(payload, &mp); err != nil {
		slog.Warn("Failed to unmarshal message payload", "error", err)
		return
	}
	msg := mp.Message

	if msg.IsEncrypted {
		pub, priv, err := t.id.KeyPair()
		if err != nil {
			slog.Error("Cannot decrypt message, bad local keys", "id", msg.ID, "error", err)
			return
		}
		sealed, err := hex.DecodeString(msg.Content)
		if err != nil {
			slog.Error("Bad encrypted payload", "id", msg.ID, "error", err)
			return
		}
		opened, ok := box.OpenAnonymous(nil, sealed, &pub, &priv)
		if !ok {
			slog.Error("Failed to decrypt message", "id", msg.ID)
			return
		}
		msg.Content = string(opened)
		msg.IsEncrypted = false
	}

	// From the receiver's perspective the conversation partner is the sender.
	msg.PeerID = msg.SenderID
	t.msgs.Publish(msg)
}

// Send delivers a message to one connected peer, sealing the content when the
// peer has advertised a public key.
func (t *Transport) Send(peerID string, msg store.Message) bool {
	value, ok := t.conns.Load(peerID)
	if !ok {
		return false
	}
	conn, ok := value.(net.Conn)
	if !ok {
		return false
	}

	t.mu.Lock()
	info := t.directory[peerID]
	t.mu.Unlock()
	if info.PubKey != "" && !msg.IsEncrypted {
		if sealed, err := sealContent(msg.Content, info.PubKey); err == nil {
			msg.Content = sealed
			msg.IsEncrypted = true
		} else {
			slog.Warn("Failed to seal message, sending plaintext", "id", msg.ID, "error", err)
		}
	}

	data, err := encodeMsg(msg)
	if err != nil {
		return false
	}
	if err := writeFrame(conn, data); err != nil {
		t.dropConn(peerID)
		return false
	}
	return true
}

// Broadcast fans a message out to every connected peer. Returns true when at
// least one peer accepted it.
func (t *Transport) Broadcast(msg store.Message) bool {
	data, err := encodeMsg(msg)
	if err != nil {
		return false
	}
	accepted := false
	t.conns.Range(func(key, value interface{}) bool {
		conn, ok := value.(net.Conn)
		if !ok {
			return true
		}
		if err := writeFrame(conn, data); err == nil {
			accepted = true
		}
		return true
	})
	return accepted
}

func encodeMsg(msg store.Message) ([]byte, error) {
	payload, err := json.Marshal(msgPayload{Message: msg})
	if err != nil {
		return nil, err
	}
	return json.Marshal(packet{Type: typeMsg, Payload: payload})
}

func sealContent(content, pubKeyHex string) (string, error) {
	keyBytes, err := hex.DecodeString(pubKeyHex)
	if err != nil {
		return "", err
	}
	var pub [32]byte
	copy(pub[:], keyBytes)
	sealed, err := box.SealAnonymous(nil, []byte(content), &pub, nil)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(sealed), nil
}

func (t *Transport) publishState(id, nick string, state store.PeerState) {
	t.events.Publish(syncpkg.PeerEvent{
		Kind: syncpkg.PeerStateChanged,
		Peer: store.Peer{ID: id, Nick: nick, State: state, LastSeen: time.Now()},
	})
}

func (t *Transport) Events() (<-chan syncpkg.PeerEvent, func()) {
	return t.events.Subscribe()
}

func (t *Transport) Messages() (<-chan store.Message, func()) {
	return t.msgs.Subscribe()
}

// Stop closes every connection and ends all loops. Event channels close with
// it, so subscribers drain and exit.
func (t *Transport) Stop() error {
	if t.cancel != nil {
		t.cancel()
	}
	t.conns.Range(func(key, value interface{}) bool {
		if conn, ok := value.(net.Conn); ok {
			conn.Close()
		}
		t.conns.Delete(key)
		return true
	})
	t.wg.Wait()
	t.events.Close()
	t.msgs.Close()
	return nil
}
