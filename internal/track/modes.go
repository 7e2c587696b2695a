package track

import (
	"fmt"
	gosync "sync"
	"time"

	"github.com/stevenrayhinojosa-gmail-com/HikerLink/internal/events"
)

// Mode names a location-sampling accuracy/frequency/power trade-off.
type Mode string

const (
	ModePowerSaving  Mode = "power-saving"
	ModeStandard     Mode = "standard"
	ModeHighAccuracy Mode = "high-accuracy"
)

// ParseMode validates a configured mode string.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModePowerSaving, ModeStandard, ModeHighAccuracy:
		return Mode(s), nil
	}
	return "", fmt.Errorf("unknown tracking mode %q", s)
}

// Profile is the sampling tuple a mode maps to.
type Profile struct {
	HighAccuracy    bool
	MinDisplacement float64 // meters
	Interval        time.Duration
}

// Activity is a classification event from the platform's activity recognizer.
type Activity string

const (
	ActivityStationary Activity = "stationary"
	ActivityWalking    Activity = "walking"
	ActivityOnFoot     Activity = "on_foot"
	ActivityRunning    Activity = "running"
	ActivityCycling    Activity = "cycling"
)

// ConfidenceThreshold is the minimum classifier confidence for an automatic
// mode transition. Sub-threshold events are ignored outright.
const ConfidenceThreshold = 0.75

func modeForActivity(a Activity) (Mode, bool) {
	switch a {
	case ActivityStationary:
		return ModePowerSaving, true
	case ActivityWalking, ActivityOnFoot:
		return ModeStandard, true
	case ActivityRunning, ActivityCycling:
		return ModeHighAccuracy, true
	}
	return "", false
}

// ModeController is the state machine selecting the active tracking mode.
// Explicit user selection always wins and takes effect immediately; automatic
// transitions from activity classification apply only at or above the
// confidence threshold, and downgrades away from high-accuracy are held back
// by a minimum dwell so noisy classifier output cannot oscillate the mode.
type ModeController struct {
	mu        gosync.Mutex
	mode      Mode
	profiles  map[Mode]Profile
	dwell     time.Duration
	highSince time.Time
	changes   *events.Broadcaster[Mode]
	now       func() time.Time
}

// NewModeController builds the controller around the standard-mode baseline:
// power-saving stretches the cadence, high-accuracy tightens it.
func NewModeController(initial Mode, standard Profile, dwell time.Duration) *ModeController {
	if standard.Interval <= 0 {
		standard.Interval = 15 * time.Second
	}
	highInterval := standard.Interval / 3
	if highInterval < time.Second {
		highInterval = time.Second
	}
	profiles := map[Mode]Profile{
		ModePowerSaving: {
			HighAccuracy:    false,
			MinDisplacement: standard.MinDisplacement * 5,
			Interval:        standard.Interval * 4,
		},
		ModeStandard: {
			HighAccuracy:    false,
			MinDisplacement: standard.MinDisplacement,
			Interval:        standard.Interval,
		},
		ModeHighAccuracy: {
			HighAccuracy:    true,
			MinDisplacement: 0,
			Interval:        highInterval,
		},
	}

	c := &ModeController{
		mode:     initial,
		profiles: profiles,
		dwell:    dwell,
		changes:  events.NewBroadcaster[Mode](8),
		now:      time.Now,
	}
	if initial == ModeHighAccuracy {
		c.highSince = c.now()
	}
	return c
}

func (c *ModeController) Mode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// Profile returns the sampling tuple for the active mode.
func (c *ModeController) Profile() Profile {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.profiles[c.mode]
}

// SetMode is the explicit user selection path: immediate, no dwell check.
func (c *ModeController) SetMode(m Mode) {
	c.mu.Lock()
	changed := c.setLocked(m)
	c.mu.Unlock()
	if changed {
		c.changes.Publish(m)
	}
}

// OnActivity feeds one activity-classification event into the state machine.
func (c *ModeController) OnActivity(a Activity, confidence float64) {
	if confidence < ConfidenceThreshold {
		return
	}
	target, ok := modeForActivity(a)
	if !ok {
		return
	}

	c.mu.Lock()
	if c.mode == ModeHighAccuracy && target != ModeHighAccuracy {
		if c.now().Sub(c.highSince) < c.dwell {
			c.mu.Unlock()
			return
		}
	}
	changed := c.setLocked(target)
	c.mu.Unlock()
	if changed {
		c.changes.Publish(target)
	}
}

func (c *ModeController) setLocked(m Mode) bool {
	if m == c.mode {
		return false
	}
	c.mode = m
	if m == ModeHighAccuracy {
		c.highSince = c.now()
	}
	return true
}

// Changes streams mode transitions; the tracker reconfigures its provider
// watch on each one.
func (c *ModeController) Changes() (<-chan Mode, func()) {
	return c.changes.Subscribe()
}

func (c *ModeController) Close() {
	c.changes.Close()
}
