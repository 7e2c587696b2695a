package track

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	gosync "sync"
	"time"

	"github.com/stevenrayhinojosa-gmail-com/HikerLink/internal/events"
	"github.com/stevenrayhinojosa-gmail-com/HikerLink/internal/store"
)

// LocationError is a provider failure that survived the foreground fallback.
type LocationError struct {
	Op  string
	Err error
}

func (e *LocationError) Error() string {
	return fmt.Sprintf("location: %s: %v", e.Op, e.Err)
}

func (e *LocationError) Unwrap() error { return e.Err }

// FixOptions parameterizes a one-shot position request.
type FixOptions struct {
	Timeout      time.Duration
	MaxAge       time.Duration
	HighAccuracy bool
}

// WatchOptions parameterizes a continuous subscription.
type WatchOptions struct {
	HighAccuracy    bool
	MinDisplacement float64
	Interval        time.Duration
}

// WatchHandle identifies an active provider subscription.
type WatchHandle int64

// Provider is the platform location capability the tracker consumes.
type Provider interface {
	GetCurrentPosition(ctx context.Context, opts FixOptions) (store.LocationSample, error)
	Watch(fn func(store.LocationSample), opts WatchOptions) (WatchHandle, error)
	ClearWatch(handle WatchHandle)
}

// Sink receives every sample for durable recording; cloud delivery is batched
// downstream on the sync interval, not per fix.
type Sink interface {
	SubmitSamples(ctx context.Context, samples []store.LocationSample) error
}

// Session aggregates the current tracking run from the sample sequence.
type Session struct {
	Mode      Mode
	StartedAt time.Time
	Distance  float64 // meters
	Points    int
}

// Duration reports elapsed time since the session started.
func (s Session) Duration() time.Duration {
	if s.StartedAt.IsZero() {
		return 0
	}
	return time.Since(s.StartedAt)
}

// Config tunes the tracker's one-shot fix behavior.
type Config struct {
	FixTimeout time.Duration
	MaxAge     time.Duration
}

// Tracker produces location samples at the cadence the mode controller
// selects. The primary path is the provider's background watch; a foreground
// ticker resamples as a safety net when the watch goes quiet.
type Tracker struct {
	provider Provider
	modes    *ModeController
	sink     Sink
	cfg      Config

	out *events.Broadcaster[store.LocationSample]

	mu         gosync.Mutex
	watch      WatchHandle
	watching   bool
	foreground bool
	lastFix    *store.LocationSample
	lastFixAt  time.Time
	lastLat    float64
	lastLong   float64
	session    Session
	cancel     context.CancelFunc
	wg         gosync.WaitGroup
}

func NewTracker(provider Provider, modes *ModeController, sink Sink, cfg Config) *Tracker {
	if cfg.FixTimeout <= 0 {
		cfg.FixTimeout = 10 * time.Second
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 30 * time.Second
	}
	return &Tracker{
		provider: provider,
		modes:    modes,
		sink:     sink,
		cfg:      cfg,
		out:      events.NewBroadcaster[store.LocationSample](32),
	}
}

// Start opens the provider watch and begins the foreground safety-net loop.
func (t *Tracker) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	t.mu.Lock()
	t.cancel = cancel
	t.session = Session{Mode: t.modes.Mode(), StartedAt: time.Now()}
	t.mu.Unlock()

	if err := t.openWatch(); err != nil {
		// The foreground loop still samples, so a dead background provider
		// degrades cadence rather than killing tracking.
		slog.Warn("Background location watch unavailable", "error", err)
	}

	modeCh, unsubModes := t.modes.Changes()

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer unsubModes()
		for {
			select {
			case <-ctx.Done():
				return
			case mode, ok := <-modeCh:
				if !ok {
					return
				}
				slog.Info("Tracking mode changed, reconfiguring watch", "mode", mode)
				t.mu.Lock()
				t.session.Mode = mode
				t.mu.Unlock()
				t.reopenWatch()
			}
		}
	}()

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.foregroundLoop(ctx)
	}()

	return nil
}

func (t *Tracker) openWatch() error {
	profile := t.modes.Profile()
	handle, err := t.provider.Watch(func(sample store.LocationSample) {
		t.handleSample(sample)
	}, WatchOptions{
		HighAccuracy:    profile.HighAccuracy,
		MinDisplacement: profile.MinDisplacement,
		Interval:        profile.Interval,
	})
	if err != nil {
		return &LocationError{Op: "watch", Err: err}
	}
	t.mu.Lock()
	t.watch = handle
	t.watching = true
	t.mu.Unlock()
	return nil
}

func (t *Tracker) reopenWatch() {
	t.mu.Lock()
	if t.watching {
		t.provider.ClearWatch(t.watch)
		t.watching = false
	}
	t.mu.Unlock()
	if err := t.openWatch(); err != nil {
		slog.Warn("Failed to reopen location watch", "error", err)
	}
}

// foregroundLoop resamples on a timer while the app is foregrounded, but only
// when the background watch has gone quiet for more than one interval.
func (t *Tracker) foregroundLoop(ctx context.Context) {
	interval := t.modes.Profile().Interval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if next := t.modes.Profile().Interval; next != interval {
				interval = next
				ticker.Reset(interval)
			}
			t.mu.Lock()
			stale := t.foreground && time.Since(t.lastFixAt) > interval
			t.mu.Unlock()
			if !stale {
				continue
			}

			fixCtx, cancel := context.WithTimeout(ctx, t.cfg.FixTimeout)
			sample, err := t.provider.GetCurrentPosition(fixCtx, FixOptions{
				Timeout:      t.cfg.FixTimeout,
				MaxAge:       t.cfg.MaxAge,
				HighAccuracy: t.modes.Profile().HighAccuracy,
			})
			cancel()
			if err != nil {
				slog.Warn("Foreground resample failed", "error", err)
				continue
			}
			t.handleSample(sample)
		}
	}
}

func (t *Tracker) handleSample(sample store.LocationSample) {
	if sample.Timestamp == 0 {
		sample.Timestamp = time.Now().Unix()
	}

	t.mu.Lock()
	if t.session.Points > 0 {
		t.session.Distance += haversineMeters(t.lastLat, t.lastLong, sample.Lat, sample.Long)
	}
	t.session.Points++
	t.lastLat = sample.Lat
	t.lastLong = sample.Long
	s := sample
	t.lastFix = &s
	t.lastFixAt = time.Now()
	t.mu.Unlock()

	// UI listeners see the fix immediately; the sink write is the durable
	// hand-off into the batched cloud pipeline.
	t.out.Publish(sample)
	if err := t.sink.SubmitSamples(context.Background(), []store.LocationSample{sample}); err != nil {
		slog.Error("Failed to record location sample", "error", err)
	}
}

// GetCurrentLocation requests a fresh fix, falling back to the last known one
// when the provider fails and the cached fix is recent enough.
func (t *Tracker) GetCurrentLocation(ctx context.Context) (store.LocationSample, error) {
	fixCtx, cancel := context.WithTimeout(ctx, t.cfg.FixTimeout)
	defer cancel()

	sample, err := t.provider.GetCurrentPosition(fixCtx, FixOptions{
		Timeout:      t.cfg.FixTimeout,
		MaxAge:       t.cfg.MaxAge,
		HighAccuracy: t.modes.Profile().HighAccuracy,
	})
	if err == nil {
		t.handleSample(sample)
		return sample, nil
	}

	t.mu.Lock()
	last := t.lastFix
	lastAt := t.lastFixAt
	t.mu.Unlock()
	if last != nil && time.Since(lastAt) <= t.cfg.MaxAge {
		return *last, nil
	}
	return store.LocationSample{}, &LocationError{Op: "get current position", Err: err}
}

// SetForeground toggles the safety-net resampling loop.
func (t *Tracker) SetForeground(fg bool) {
	t.mu.Lock()
	t.foreground = fg
	t.mu.Unlock()
}

// Subscribe streams every sample to a UI listener.
func (t *Tracker) Subscribe() (<-chan store.LocationSample, func()) {
	return t.out.Subscribe()
}

// Session returns a snapshot of the current tracking run.
func (t *Tracker) Session() Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.session
}

// Stop tears down the watch and both loops; no callbacks fire afterwards.
func (t *Tracker) Stop() {
	t.mu.Lock()
	cancel := t.cancel
	t.cancel = nil
	if t.watching {
		t.provider.ClearWatch(t.watch)
		t.watching = false
	}
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	t.wg.Wait()
	t.out.Close()
}

// haversineMeters is the great-circle distance between two fixes.
func haversineMeters(lat1, lon1, lat2, lon2 float64) float64 {
	const earthRadius = 6371000.0
	rad := math.Pi / 180
	dLat := (lat2 - lat1) * rad
	dLon := (lon2 - lon1) * rad
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*rad)*math.Cos(lat2*rad)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadius * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}
