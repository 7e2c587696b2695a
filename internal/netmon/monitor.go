// Package netmon provides a probe-based network status provider. The
// coordinator consumes the capability interface, so hosts with a platform
// reachability API can inject their own implementation instead.
package netmon

import (
	"context"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/stevenrayhinojosa-gmail-com/HikerLink/internal/events"
)

type Monitor struct {
	probeURL string
	interval time.Duration
	client   *http.Client

	online  atomic.Bool
	changes *events.Broadcaster[bool]
}

func New(probeURL string, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Monitor{
		probeURL: probeURL,
		interval: interval,
		client:   &http.Client{Timeout: 5 * time.Second},
		changes:  events.NewBroadcaster[bool](4),
	}
}

// Start probes immediately, then on the interval, publishing transitions.
func (m *Monitor) Start(ctx context.Context) {
	go func() {
		m.check(ctx)
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.check(ctx)
			}
		}
	}()
}

func (m *Monitor) check(ctx context.Context) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, m.probeURL, nil)
	if err != nil {
		return
	}
	resp, err := m.client.Do(req)
	up := err == nil
	if resp != nil {
		resp.Body.Close()
	}

	if m.online.Swap(up) != up {
		slog.Info("Network status changed", "online", up)
		m.changes.Publish(up)
	}
}

func (m *Monitor) Online() bool {
	return m.online.Load()
}

func (m *Monitor) Subscribe() (<-chan bool, func()) {
	return m.changes.Subscribe()
}

func (m *Monitor) Close() {
	m.changes.Close()
}
