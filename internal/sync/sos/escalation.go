// Package sos is the priority lane for emergencies: a cancellable countdown
// followed by an immediate dual-path broadcast that bypasses normal batching.
package sos

import (
	"context"
	"errors"
	"log/slog"
	gosync "sync"
	"time"

	"gorm.io/gorm"

	"github.com/stevenrayhinojosa-gmail-com/HikerLink/internal/core"
	"github.com/stevenrayhinojosa-gmail-com/HikerLink/internal/metrics"
	"github.com/stevenrayhinojosa-gmail-com/HikerLink/internal/store"
	syncpkg "github.com/stevenrayhinojosa-gmail-com/HikerLink/internal/sync"
)

// ErrCloudUnavailable marks the cloud leg as skipped because the transport
// was signed out or offline at fire time.
var ErrCloudUnavailable = errors.New("cloud transport unavailable")

// ErrNoPeers marks the peer leg as refused: no connected peer accepted the
// broadcast.
var ErrNoPeers = errors.New("no connected peers accepted broadcast")

// Locator supplies the current position attached to the SOS.
type Locator interface {
	GetCurrentLocation(ctx context.Context) (store.LocationSample, error)
}

// Outcome is the user-visible result of an escalation. SOS failures are never
// silent: each leg reports independently.
type Outcome struct {
	Cancelled      bool
	MessageID      string
	PeerDelivered  bool
	CloudDelivered bool
	PeerErr        error
	CloudErr       error
}

// Summary collapses the outcome for display.
func (o Outcome) Summary() string {
	switch {
	case o.Cancelled:
		return "cancelled"
	case o.PeerDelivered && o.CloudDelivered:
		return "delivered via peers and cloud"
	case o.PeerDelivered:
		return "delivered via peers only"
	case o.CloudDelivered:
		return "delivered via cloud only"
	}
	return "not delivered"
}

// Escalation owns the SOS send path.
type Escalation struct {
	db        *gorm.DB
	peers     syncpkg.PeerTransport
	cloud     syncpkg.CloudTransport
	net       syncpkg.NetworkStatus
	locator   Locator
	nodeID    string
	countdown time.Duration
	met       *metrics.Metrics
}

func New(db *gorm.DB, peers syncpkg.PeerTransport, cloud syncpkg.CloudTransport, net syncpkg.NetworkStatus, locator Locator, nodeID string, countdown time.Duration, met *metrics.Metrics) *Escalation {
	if countdown <= 0 {
		countdown = 5 * time.Second
	}
	if met == nil {
		met = metrics.New(nil)
	}
	return &Escalation{
		db:        db,
		peers:     peers,
		cloud:     cloud,
		net:       net,
		locator:   locator,
		nodeID:    nodeID,
		countdown: countdown,
		met:       met,
	}
}

// Countdown is a pending escalation. Cancel before expiry and nothing is
// sent; SendNow skips the remaining wait.
type Countdown struct {
	result   chan Outcome
	cancelCh chan struct{}
	nowCh    chan struct{}
	cancel   gosync.Once
	now      gosync.Once
}

// Cancel aborts the escalation if the countdown has not yet expired.
func (c *Countdown) Cancel() {
	c.cancel.Do(func() { close(c.cancelCh) })
}

// SendNow fires the escalation without waiting out the countdown.
func (c *Countdown) SendNow() {
	c.now.Do(func() { close(c.nowCh) })
}

// Result delivers exactly one Outcome when the escalation resolves.
func (c *Countdown) Result() <-chan Outcome {
	return c.result
}

// Trigger starts the cancellable countdown and returns immediately.
func (e *Escalation) Trigger(ctx context.Context, text string) *Countdown {
	cd := &Countdown{
		result:   make(chan Outcome, 1),
		cancelCh: make(chan struct{}),
		nowCh:    make(chan struct{}),
	}
	go e.run(ctx, text, cd)
	return cd
}

func (e *Escalation) run(ctx context.Context, text string, cd *Countdown) {
	timer := time.NewTimer(e.countdown)
	defer timer.Stop()

	select {
	case <-cd.cancelCh:
		slog.Info("SOS cancelled during countdown")
		cd.result <- Outcome{Cancelled: true}
		return
	case <-ctx.Done():
		cd.result <- Outcome{Cancelled: true}
		return
	case <-cd.nowCh:
	case <-timer.C:
	}

	cd.result <- e.fire(ctx, text)
}

// fire performs the dual-path broadcast. Both legs are attempted
// independently and best-effort; a failed cloud leg leaves the message
// pending so the recovery sweep still owes it.
func (e *Escalation) fire(ctx context.Context, text string) Outcome {
	e.met.SOSTriggered.Inc()

	var lat, long, accuracy float64
	if e.locator != nil {
		if fix, err := e.locator.GetCurrentLocation(ctx); err != nil {
			slog.Warn("SOS fired without a location fix", "error", err)
		} else {
			lat, long, accuracy = fix.Lat, fix.Long, fix.Accuracy
		}
	}

	msg := store.Message{
		ID:        core.NewMessageID(),
		SenderID:  e.nodeID,
		Direction: store.DirectionOutgoing,
		Type:      store.TypeSOS,
		Content:   text,
		Lat:       lat,
		Long:      long,
		Timestamp: time.Now().Unix(),
		Emergency: true,
	}
	out := Outcome{MessageID: msg.ID}

	// Write-ahead still holds on the emergency path: if persistence itself
	// fails we report it on both legs and attempt delivery anyway. A leg that
	// then delivers clears its error; delivery is what the outcome reports.
	if err := store.PersistMessage(e.db, &msg, true); err != nil {
		slog.Error("Failed to persist SOS message", "error", err)
		out.PeerErr = err
		out.CloudErr = err
	}

	if e.peers.Broadcast(msg) {
		out.PeerDelivered = true
		out.PeerErr = nil
	} else if out.PeerErr == nil {
		out.PeerErr = &syncpkg.TransportError{Transport: "peer", Op: "broadcast sos", Err: ErrNoPeers}
	}

	out = e.fireCloud(ctx, msg, text, lat, long, accuracy, out)

	slog.Info("SOS escalation resolved",
		"id", msg.ID,
		"peer", out.PeerDelivered,
		"cloud", out.CloudDelivered,
	)
	return out
}

func (e *Escalation) fireCloud(ctx context.Context, msg store.Message, text string, lat, long, accuracy float64, out Outcome) Outcome {
	if !e.cloud.IsSignedIn() || (e.net != nil && !e.net.Online()) {
		out.CloudErr = &syncpkg.TransportError{Transport: "cloud", Op: "sos save", Err: ErrCloudUnavailable}
		return out
	}

	if _, err := e.cloud.SaveMessage(ctx, msg); err != nil {
		out.CloudErr = &syncpkg.TransportError{Transport: "cloud", Op: "sos save", Err: err}
		return out
	}
	if err := store.UpdateSyncStatus(e.db, msg.ID, store.StatusSynced); err != nil {
		slog.Error("Failed to record SOS synced status", "id", msg.ID, "error", err)
	}

	ev := syncpkg.EmergencyEvent{
		ID:        msg.ID,
		NodeID:    e.nodeID,
		Text:      text,
		Lat:       lat,
		Long:      long,
		Accuracy:  accuracy,
		Timestamp: msg.Timestamp,
	}
	if _, err := e.cloud.SaveEmergencyEvent(ctx, ev); err != nil {
		out.CloudErr = &syncpkg.TransportError{Transport: "cloud", Op: "sos event", Err: err}
		return out
	}

	if lat != 0 || long != 0 {
		sample := store.LocationSample{Lat: lat, Long: long, Accuracy: accuracy, Timestamp: msg.Timestamp}
		if err := e.cloud.SaveLocation(ctx, sample, true); err != nil {
			slog.Warn("Failed to upload emergency location", "error", err)
		}
	}

	if err := e.cloud.UpdateEmergencyStatus(ctx, e.nodeID, "sos"); err != nil {
		// The message and event landed; a stale status record is worth a log
		// line, not a failed outcome.
		slog.Warn("Failed to update emergency status record", "error", err)
	}

	out.CloudDelivered = true
	out.CloudErr = nil
	return out
}
