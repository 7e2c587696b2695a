// Package hikerlink is the offline-first messaging and location sync core.
// It is an embedded service layer: the host app constructs a Service with its
// platform capabilities (location provider, optionally its own transports)
// and drives the UI off the exposed read paths and event streams.
package hikerlink

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"

	"github.com/stevenrayhinojosa-gmail-com/HikerLink/internal/cloud"
	"github.com/stevenrayhinojosa-gmail-com/HikerLink/internal/config"
	"github.com/stevenrayhinojosa-gmail-com/HikerLink/internal/core"
	"github.com/stevenrayhinojosa-gmail-com/HikerLink/internal/logger"
	"github.com/stevenrayhinojosa-gmail-com/HikerLink/internal/mesh"
	"github.com/stevenrayhinojosa-gmail-com/HikerLink/internal/metrics"
	"github.com/stevenrayhinojosa-gmail-com/HikerLink/internal/netmon"
	"github.com/stevenrayhinojosa-gmail-com/HikerLink/internal/store"
	syncpkg "github.com/stevenrayhinojosa-gmail-com/HikerLink/internal/sync"
	"github.com/stevenrayhinojosa-gmail-com/HikerLink/internal/sync/sos"
	"github.com/stevenrayhinojosa-gmail-com/HikerLink/internal/track"
)

// Config re-exports the configuration surface.
type Config = config.Config

// DefaultConfig returns the shipped defaults; LoadConfig folds in env
// overrides from an optional .env file.
func DefaultConfig() Config { return config.Default() }

func LoadConfig(envFile string) Config { return config.Load(envFile) }

// Deps are the external capabilities the core consumes. Nil transports fall
// back to the built-in adapters (LAN mesh, REST cloud client, probe monitor).
// Location has no sensible default: a nil provider disables tracking and SOS
// messages go out without a fix.
type Deps struct {
	Peers      syncpkg.PeerTransport
	Cloud      syncpkg.CloudTransport
	Net        syncpkg.NetworkStatus
	Location   track.Provider
	Registerer prometheus.Registerer
}

// Service wires the store, coordinator, tracker and escalation together.
type Service struct {
	cfg config.Config
	id  *core.Identity
	db  *gorm.DB
	met *metrics.Metrics

	peers syncpkg.PeerTransport
	cloud syncpkg.CloudTransport
	net   syncpkg.NetworkStatus

	coord      *syncpkg.Coordinator
	modes      *track.ModeController
	tracker    *track.Tracker
	escalation *sos.Escalation

	ownedMesh *mesh.Transport
	ownedNet  *netmon.Monitor

	cancel context.CancelFunc
}

func New(cfg config.Config, deps Deps) (*Service, error) {
	if cfg.LogPath != "" {
		if err := logger.Init(cfg.LogPath); err != nil {
			return nil, fmt.Errorf("failed to initialize logger: %w", err)
		}
	}

	mode, err := track.ParseMode(cfg.TrackingMode)
	if err != nil {
		return nil, err
	}

	id, err := core.LoadOrGenerateIdentity(cfg.IdentityPath)
	if err != nil {
		return nil, err
	}

	db, err := store.Init(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open message store: %w", err)
	}

	s := &Service{
		cfg: cfg,
		id:  id,
		db:  db,
		met: metrics.New(deps.Registerer),
	}

	s.peers = deps.Peers
	if s.peers == nil {
		s.ownedMesh = mesh.New(id, mesh.Config{Port: cfg.MeshPort, Nick: cfg.Nick})
		s.peers = s.ownedMesh
	}
	s.cloud = deps.Cloud
	if s.cloud == nil {
		s.cloud = cloud.New(cloud.Config{
			BaseURL: cfg.CloudBaseURL,
			WSURL:   cfg.CloudWSURL,
			Token:   cfg.CloudToken,
		})
	}
	s.net = deps.Net
	if s.net == nil {
		s.ownedNet = netmon.New(cfg.ProbeURL, cfg.ProbeInterval)
		s.net = s.ownedNet
	}

	s.coord = syncpkg.NewCoordinator(db, s.peers, s.cloud, s.net, id.NodeID, syncpkg.Config{
		SyncInterval:     cfg.SyncInterval,
		StaleLockTimeout: cfg.StaleLockTimeout,
		SweepBatchSize:   cfg.SweepBatchSize,
		RetentionAge:     cfg.RetentionAge,
	}, s.met)

	s.modes = track.NewModeController(mode, track.Profile{
		MinDisplacement: cfg.MinDisplacementMeters,
		Interval:        cfg.LocationUpdateInterval,
	}, cfg.ModeDowngradeDwell)

	var locator sos.Locator
	if deps.Location != nil {
		s.tracker = track.NewTracker(deps.Location, s.modes, s.coord, track.Config{
			FixTimeout: cfg.LocationFixTimeout,
			MaxAge:     cfg.LocationMaxAge,
		})
		locator = s.tracker
	}

	s.escalation = sos.New(db, s.peers, s.cloud, s.net, locator, id.NodeID, cfg.SOSCountdown, s.met)

	return s, nil
}

// Start brings up transports, the sync coordinator and location tracking.
func (s *Service) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	if s.ownedNet != nil {
		s.ownedNet.Start(ctx)
	}
	if err := s.peers.Start(ctx); err != nil {
		cancel()
		return fmt.Errorf("failed to start peer transport: %w", err)
	}
	if err := s.coord.Start(ctx); err != nil {
		cancel()
		return fmt.Errorf("failed to start sync coordinator: %w", err)
	}
	if s.tracker != nil {
		if err := s.tracker.Start(ctx); err != nil {
			cancel()
			return err
		}
	}
	return nil
}

// Close tears everything down in reverse order of Start.
func (s *Service) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	if s.tracker != nil {
		s.tracker.Stop()
	}
	s.coord.Close()
	if err := s.peers.Stop(); err != nil {
		return err
	}
	s.modes.Close()
	if s.ownedNet != nil {
		s.ownedNet.Close()
	}
	return store.Close(s.db)
}

func (s *Service) NodeID() string { return s.id.NodeID }

// SendText sends a text message to one peer over both legs.
func (s *Service) SendText(ctx context.Context, peerID, text string) (string, error) {
	msg := &store.Message{
		ID:        core.NewMessageID(),
		PeerID:    peerID,
		Type:      store.TypeText,
		Content:   text,
		Timestamp: time.Now().Unix(),
	}
	if err := s.coord.SendMessage(ctx, msg, syncpkg.SendOptions{Direct: true}); err != nil {
		return "", err
	}
	return msg.ID, nil
}

// BroadcastStatus announces a status line (e.g. "made camp, all ok") to every
// connected peer and the cloud.
func (s *Service) BroadcastStatus(ctx context.Context, text string) (string, error) {
	msg := &store.Message{
		ID:        core.NewMessageID(),
		Type:      store.TypeStatus,
		Content:   text,
		Timestamp: time.Now().Unix(),
	}
	if err := s.coord.SendMessage(ctx, msg, syncpkg.SendOptions{Broadcast: true}); err != nil {
		return "", err
	}
	return msg.ID, nil
}

// ShareLocation sends the current fix to a peer as a location message.
func (s *Service) ShareLocation(ctx context.Context, peerID string) (string, error) {
	if s.tracker == nil {
		return "", &track.LocationError{Op: "share location", Err: fmt.Errorf("no location provider configured")}
	}
	fix, err := s.tracker.GetCurrentLocation(ctx)
	if err != nil {
		return "", err
	}
	msg := &store.Message{
		ID:        core.NewMessageID(),
		PeerID:    peerID,
		Type:      store.TypeLocation,
		Lat:       fix.Lat,
		Long:      fix.Long,
		Timestamp: time.Now().Unix(),
	}
	if err := s.coord.SendMessage(ctx, msg, syncpkg.SendOptions{Direct: true}); err != nil {
		return "", err
	}
	return msg.ID, nil
}

// TriggerSOS starts the cancellable emergency countdown.
func (s *Service) TriggerSOS(ctx context.Context, text string) *sos.Countdown {
	return s.escalation.Trigger(ctx, text)
}

// Messages is the merged local+cloud conversation view, ascending by time.
func (s *Service) Messages(ctx context.Context, peerID string, limit int) ([]store.Message, error) {
	return s.coord.Messages(ctx, peerID, limit)
}

// Updates streams incoming messages for the UI.
func (s *Service) Updates() (<-chan store.Message, func()) {
	return s.coord.Updates()
}

// Locations streams location samples for the UI.
func (s *Service) Locations() (<-chan store.LocationSample, func()) {
	if s.tracker == nil {
		ch := make(chan store.LocationSample)
		close(ch)
		return ch, func() {}
	}
	return s.tracker.Subscribe()
}

// Peers lists every known peer, most recently seen first.
func (s *Service) Peers() ([]store.Peer, error) {
	return store.AllPeers(s.db)
}

// PendingCount reports the cloud-leg backlog.
func (s *Service) PendingCount() (int64, error) {
	return s.coord.PendingCount()
}

// SetTrackingMode is the explicit user mode selection.
func (s *Service) SetTrackingMode(mode string) error {
	m, err := track.ParseMode(mode)
	if err != nil {
		return err
	}
	s.modes.SetMode(m)
	return nil
}

// OnActivity feeds a platform activity-classification event to the mode
// controller.
func (s *Service) OnActivity(activity track.Activity, confidence float64) {
	s.modes.OnActivity(activity, confidence)
}

// TrackingMode returns the active mode.
func (s *Service) TrackingMode() track.Mode { return s.modes.Mode() }

// SetForeground toggles the tracker's foreground safety-net sampling.
func (s *Service) SetForeground(fg bool) {
	if s.tracker != nil {
		s.tracker.SetForeground(fg)
	}
}

// Session reports the current tracking session aggregates.
func (s *Service) Session() track.Session {
	if s.tracker == nil {
		return track.Session{}
	}
	return s.tracker.Session()
}
