package mesh

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"time"
)

// heartbeatPacket is the UDP beacon every node broadcasts so nearby devices
// can find each other without infrastructure.
type heartbeatPacket struct {
	Type   string `json:"type"`
	ID     string `json:"id"`
	Nick   string `json:"nick"`
	PubKey string `json:"pub_key"`
	Port   int    `json:"port"`
	TS     int64  `json:"ts"`
}

// peerInfo is a discovered peer's dialing information.
type peerInfo struct {
	ID       string
	Nick     string
	PubKey   string
	Addr     string
	LastSeen time.Time
}

// startHeartbeat broadcasts a beacon at the given interval. Beacons target a
// small port range on both the LAN broadcast address and localhost, so peers
// bound to neighboring ports (multi-node tests, port conflicts) still hear us.
func startHeartbeat(ctx context.Context, t *Transport) error {
	targets := []string{"255.255.255.255", "127.0.0.1"}
	var conns []*net.UDPConn

	for _, host := range targets {
		for p := t.cfg.Port; p < t.cfg.Port+discoveryPortSpan; p++ {
			addr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", host, p))
			if err != nil {
				continue
			}
			conn, err := net.DialUDP("udp", nil, addr)
			if err == nil {
				conns = append(conns, conn)
			}
		}
	}
	if len(conns) == 0 {
		return fmt.Errorf("failed to dial any UDP broadcast addresses")
	}
	defer func() {
		for _, c := range conns {
			c.Close()
		}
	}()

	slog.Info("Mesh heartbeat started", "targets", len(conns), "nodeID", t.id.NodeID)

	ticker := time.NewTicker(t.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			packet := heartbeatPacket{
				Type:   "beat",
				ID:     t.id.NodeID,
				Nick:   t.cfg.Nick,
				PubKey: t.id.PubKey,
				Port:   t.cfg.Port,
				TS:     now.Unix(),
			}
			data, err := json.Marshal(packet)
			if err != nil {
				continue
			}
			for _, c := range conns {
				_, _ = c.Write(data)
			}
		}
	}
}

// listenDiscovery binds the UDP beacon socket. Binding happens before Start
// returns so no beacon arriving afterwards can be lost and a busy port fails
// loudly instead of as a background fault.
func listenDiscovery(port int) (*net.UDPConn, error) {
	addr, err := net.ResolveUDPAddr("udp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve listen address: %w", err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on UDP: %w", err)
	}
	return conn, nil
}

// readBeacons receives beacons and feeds discovered peers into the channel.
func readBeacons(ctx context.Context, conn *net.UDPConn, nodeID string, peerCh chan<- peerInfo) error {
	buf := make([]byte, 4096)
	for {
		n, remoteAddr, err := conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("read error: %w", err)
			}
		}

		var packet heartbeatPacket
		if err := json.Unmarshal(buf[:n], &packet); err != nil {
			slog.Warn("Failed to unmarshal heartbeat", "error", err)
			continue
		}
		if packet.Type != "beat" || packet.ID == nodeID {
			continue
		}

		info := peerInfo{
			ID:       packet.ID,
			Nick:     packet.Nick,
			PubKey:   packet.PubKey,
			Addr:     fmt.Sprintf("%s:%d", remoteAddr.IP.String(), packet.Port),
			LastSeen: time.Now(),
		}
		select {
		case peerCh <- info:
		case <-ctx.Done():
			return nil
		default:
		}
	}
}
