package sync

import (
	"context"
	"log/slog"
	"sort"
	gosync "sync"
	"sync/atomic"
	"time"

	"gorm.io/gorm"

	"github.com/stevenrayhinojosa-gmail-com/HikerLink/internal/events"
	"github.com/stevenrayhinojosa-gmail-com/HikerLink/internal/metrics"
	"github.com/stevenrayhinojosa-gmail-com/HikerLink/internal/store"
)

// Config tunes the coordinator. Zero fields fall back to the defaults below.
type Config struct {
	SyncInterval     time.Duration
	StaleLockTimeout time.Duration
	SweepBatchSize   int
	RetentionAge     time.Duration
}

func (c *Config) fillDefaults() {
	if c.SyncInterval <= 0 {
		c.SyncInterval = 45 * time.Second
	}
	if c.StaleLockTimeout <= 0 {
		c.StaleLockTimeout = c.SyncInterval
	}
	if c.SweepBatchSize <= 0 {
		c.SweepBatchSize = 25
	}
}

// SendOptions selects the peer leg for an outgoing message. The cloud leg is
// always owed and is serviced immediately when reachable, otherwise by the
// sweep.
type SendOptions struct {
	Direct    bool // send to msg.PeerID over the peer transport
	Broadcast bool // broadcast to all connected peers
}

// Coordinator routes messages between the local store, the peer transport and
// the cloud store. It is the only component that mutates sync status; the
// pending -> syncing -> synced discipline doubles as the per-message mutex.
type Coordinator struct {
	db     *gorm.DB
	peers  PeerTransport
	cloud  CloudTransport
	net    NetworkStatus
	nodeID string
	cfg    Config
	met    *metrics.Metrics

	updates  *events.Broadcaster[store.Message]
	sweeping atomic.Bool

	mu       gosync.Mutex
	cancel   context.CancelFunc
	teardown []func()
	wg       gosync.WaitGroup
}

func NewCoordinator(db *gorm.DB, peers PeerTransport, cloud CloudTransport, net NetworkStatus, nodeID string, cfg Config, met *metrics.Metrics) *Coordinator {
	cfg.fillDefaults()
	if met == nil {
		met = metrics.New(nil)
	}
	return &Coordinator{
		db:      db,
		peers:   peers,
		cloud:   cloud,
		net:     net,
		nodeID:  nodeID,
		cfg:     cfg,
		met:     met,
		updates: events.NewBroadcaster[store.Message](64),
	}
}

// Start wires up the incoming streams and the periodic recovery sweep. The
// coordinator stops when ctx is cancelled or Close is called.
func (c *Coordinator) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()

	peerMsgs, unsubMsgs := c.peers.Messages()
	peerEvents, unsubEvents := c.peers.Events()
	netCh, unsubNet := c.net.Subscribe()
	c.addTeardown(unsubMsgs, unsubEvents, unsubNet)

	if c.cloud.IsSignedIn() {
		unsubCloud, err := c.cloud.ListenMessages("", func(msg store.Message) {
			c.handleIncoming(msg)
		})
		if err != nil {
			slog.Warn("Cloud listener unavailable", "error", err)
		} else {
			c.addTeardown(unsubCloud)
		}
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-peerMsgs:
				if !ok {
					return
				}
				c.handleIncoming(msg)
			}
		}
	}()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-peerEvents:
				if !ok {
					return
				}
				c.handlePeerEvent(ev)
			}
		}
	}()

	// Connectivity restored is the cheapest moment to drain the backlog, so a
	// transition to online triggers an immediate sweep.
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case online, ok := <-netCh:
				if !ok {
					return
				}
				if online {
					// Tracked like the other workers so Close waits for a
					// reconnect sweep instead of closing the DB under it.
					c.wg.Add(1)
					go func() {
						defer c.wg.Done()
						c.Sweep(ctx)
					}()
				}
			}
		}
	}()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.cfg.SyncInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.Sweep(ctx)
			}
		}
	}()

	return nil
}

// SendMessage persists msg durably as pending and then attempts delivery.
// Persistence failures propagate; transport failures do not — the message
// stays pending and the sweep owns the retry.
func (c *Coordinator) SendMessage(ctx context.Context, msg *store.Message, opts SendOptions) error {
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().Unix()
	}
	if msg.SenderID == "" {
		msg.SenderID = c.nodeID
	}
	msg.Direction = store.DirectionOutgoing

	// Write-ahead: no transport ever sees a message that is not already
	// durable as pending.
	if err := store.PersistMessage(c.db, msg, true); err != nil {
		return err
	}
	defer c.refreshPendingGauge()

	if c.cloud.IsSignedIn() && c.net.Online() {
		c.syncToCloud(ctx, *msg)
	}

	delivered := false
	if opts.Broadcast {
		delivered = c.peers.Broadcast(*msg)
	} else if opts.Direct && msg.PeerID != "" {
		if peer, err := store.GetPeer(c.db, msg.PeerID); err == nil && peer.State == store.PeerConnected {
			delivered = c.peers.Send(msg.PeerID, *msg)
		}
	}
	if delivered {
		c.markTransportDelivered(*msg)
	}
	return nil
}

// syncToCloud runs the cloud leg for one message under the status mutex.
// Returns true when the message reached synced.
func (c *Coordinator) syncToCloud(ctx context.Context, msg store.Message) bool {
	claimed, err := store.ClaimForSync(c.db, msg.ID)
	if err != nil {
		slog.Error("Failed to claim message for sync", "id", msg.ID, "error", err)
		return false
	}
	if !claimed {
		// Another in-flight send owns this ID right now.
		return false
	}

	if _, err := c.cloud.SaveMessage(ctx, msg); err != nil {
		serr := &SyncError{MessageID: msg.ID, Err: &TransportError{Transport: "cloud", Op: "save message", Err: err}}
		slog.Warn("Cloud save failed, message stays pending", "id", msg.ID, "error", serr)
		c.met.SweepFailures.Inc()
		if uerr := store.UpdateSyncStatus(c.db, msg.ID, store.StatusPending); uerr != nil {
			slog.Error("Failed to regress sync status", "id", msg.ID, "error", uerr)
		}
		return false
	}

	if err := store.UpdateSyncStatus(c.db, msg.ID, store.StatusSynced); err != nil {
		slog.Error("Failed to record synced status", "id", msg.ID, "error", err)
		return false
	}
	c.met.MessagesSynced.Inc()
	c.markTransportDelivered(msg)
	return true
}

// markTransportDelivered marks text/status messages delivered once any
// transport has accepted them. Location and SOS messages keep their delivery
// semantics tied to the cloud leg.
func (c *Coordinator) markTransportDelivered(msg store.Message) {
	if msg.Type != store.TypeText && msg.Type != store.TypeStatus {
		return
	}
	if err := store.MarkDelivered(c.db, msg.ID); err != nil {
		slog.Error("Failed to mark delivered", "id", msg.ID, "error", err)
	}
}

// Sweep is the periodic recovery pass: reclaim stale locks, prune retention,
// then advance pending messages and unsynced location batches toward the
// cloud. Only one sweep runs at a time; overlapping timer fires are no-ops.
func (c *Coordinator) Sweep(ctx context.Context) {
	if !c.sweeping.CompareAndSwap(false, true) {
		return
	}
	defer c.sweeping.Store(false)
	defer c.refreshPendingGauge()

	c.met.SweepRuns.Inc()

	if n, err := store.ReclaimStaleSyncing(c.db, c.cfg.StaleLockTimeout); err != nil {
		slog.Error("Stale lock reclamation failed", "error", err)
	} else if n > 0 {
		slog.Info("Reclaimed stale syncing locks", "count", n)
	}

	if c.cfg.RetentionAge > 0 {
		if n, err := store.PruneMessages(c.db, c.cfg.RetentionAge); err != nil {
			slog.Error("Retention prune failed", "error", err)
		} else if n > 0 {
			slog.Info("Pruned expired messages", "count", n)
		}
	}

	if !c.cloud.IsSignedIn() || !c.net.Online() {
		return
	}

	batch, err := store.QueryNeedingSync(c.db, c.cfg.SweepBatchSize)
	if err != nil {
		slog.Error("Failed to query messages needing sync", "error", err)
		return
	}
	for _, msg := range batch {
		select {
		case <-ctx.Done():
			return
		default:
		}
		c.syncToCloud(ctx, msg)
	}

	c.flushSamples(ctx)
}

func (c *Coordinator) flushSamples(ctx context.Context) {
	samples, err := store.UnsyncedSamples(c.db, c.cfg.SweepBatchSize)
	if err != nil {
		slog.Error("Failed to query unsynced samples", "error", err)
		return
	}
	if len(samples) == 0 {
		return
	}
	if err := c.cloud.SaveLocationBatch(ctx, samples); err != nil {
		slog.Warn("Location batch upload failed", "count", len(samples), "error", err)
		return
	}
	ids := make([]uint, 0, len(samples))
	for _, s := range samples {
		ids = append(ids, s.ID)
	}
	if err := store.MarkSamplesSynced(c.db, ids); err != nil {
		slog.Error("Failed to mark samples synced", "error", err)
		return
	}
	c.met.SamplesSynced.Add(float64(len(ids)))
}

// SubmitSamples durably records location fixes for batched cloud delivery on
// the next sweep. This is the tracker's hand-off point.
func (c *Coordinator) SubmitSamples(ctx context.Context, samples []store.LocationSample) error {
	for i := range samples {
		if err := store.SaveSample(c.db, &samples[i]); err != nil {
			return err
		}
	}
	return nil
}

func (c *Coordinator) handleIncoming(msg store.Message) {
	msg.Direction = store.DirectionIncoming
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().Unix()
	}
	if err := store.PersistMessage(c.db, &msg, false); err != nil {
		slog.Error("Failed to persist incoming message", "id", msg.ID, "error", err)
		return
	}
	c.updates.Publish(msg)
}

func (c *Coordinator) handlePeerEvent(ev PeerEvent) {
	switch ev.Kind {
	case PeerDetected:
		if err := store.UpsertPeer(c.db, ev.Peer); err != nil {
			slog.Error("Failed to upsert discovered peer", "id", ev.Peer.ID, "error", err)
		}
	case PeerStateChanged:
		if err := store.SetPeerState(c.db, ev.Peer.ID, ev.Peer.State); err != nil {
			slog.Error("Failed to update peer state", "id", ev.Peer.ID, "error", err)
		}
	case PeerLost:
		if err := store.SetPeerState(c.db, ev.Peer.ID, store.PeerDisconnected); err != nil {
			slog.Error("Failed to mark peer lost", "id", ev.Peer.ID, "error", err)
		}
	case PeerFault:
		slog.Warn("Peer transport fault", "code", ev.Code, "error", ev.Err)
	}
}

// Messages returns the merged conversation view: local rows plus any
// just-fetched cloud rows, deduplicated by ID, ascending by timestamp. Cloud
// rows are also persisted so the local store converges.
func (c *Coordinator) Messages(ctx context.Context, peerID string, limit int) ([]store.Message, error) {
	local, err := store.QueryByPeer(c.db, peerID, limit, 0)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(local))
	merged := make([]store.Message, 0, len(local))
	for _, msg := range local {
		seen[msg.ID] = true
		merged = append(merged, msg)
	}

	if c.cloud.IsSignedIn() && c.net.Online() {
		cloudMsgs, err := c.cloud.GetMessages(ctx, peerID, limit)
		if err != nil {
			slog.Warn("Cloud fetch failed, serving local view", "peer", peerID, "error", err)
		} else {
			for _, msg := range cloudMsgs {
				m := msg
				if err := store.PersistMessage(c.db, &m, false); err != nil {
					slog.Error("Failed to persist cloud message", "id", m.ID, "error", err)
				}
				if seen[msg.ID] {
					continue
				}
				seen[msg.ID] = true
				merged = append(merged, msg)
			}
		}
	}

	sort.Slice(merged, func(i, j int) bool {
		return merged[i].Timestamp < merged[j].Timestamp
	})
	return merged, nil
}

// Updates streams incoming messages to UI listeners.
func (c *Coordinator) Updates() (<-chan store.Message, func()) {
	return c.updates.Subscribe()
}

// PendingCount reports the cloud-leg backlog.
func (c *Coordinator) PendingCount() (int64, error) {
	return store.PendingCount(c.db)
}

func (c *Coordinator) refreshPendingGauge() {
	if n, err := store.PendingCount(c.db); err == nil {
		c.met.PendingMessages.Set(float64(n))
	}
}

func (c *Coordinator) addTeardown(fns ...func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.teardown = append(c.teardown, fns...)
}

// Close cancels the sweep loop, detaches every listener and waits for the
// worker goroutines to drain.
func (c *Coordinator) Close() {
	c.mu.Lock()
	cancel := c.cancel
	teardown := c.teardown
	c.cancel = nil
	c.teardown = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.wg.Wait()
	for _, fn := range teardown {
		fn()
	}
	c.updates.Close()
}
