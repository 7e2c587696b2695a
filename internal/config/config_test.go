package config

import (
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	if cfg.TrackingMode != "standard" {
		t.Errorf("Wrong default tracking mode: %s", cfg.TrackingMode)
	}
	if cfg.SyncInterval != 45*time.Second {
		t.Errorf("Wrong default sync interval: %s", cfg.SyncInterval)
	}
	if cfg.SOSCountdown != 5*time.Second {
		t.Errorf("Wrong default SOS countdown: %s", cfg.SOSCountdown)
	}
	if cfg.SweepBatchSize <= 0 {
		t.Error("Sweep batch size must be positive")
	}
	if cfg.RetentionAge <= 0 {
		t.Error("Retention age must be positive")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("HIKERLINK_NICK", "ridge-runner")
	t.Setenv("HIKERLINK_TRACKING_MODE", "high-accuracy")
	t.Setenv("HIKERLINK_SYNC_INTERVAL_MS", "30000")
	t.Setenv("HIKERLINK_SWEEP_BATCH_SIZE", "50")
	t.Setenv("HIKERLINK_MIN_DISPLACEMENT_METERS", "2.5")

	cfg := Load("")
	if cfg.Nick != "ridge-runner" {
		t.Errorf("Nick override lost: %s", cfg.Nick)
	}
	if cfg.TrackingMode != "high-accuracy" {
		t.Errorf("Tracking mode override lost: %s", cfg.TrackingMode)
	}
	if cfg.SyncInterval != 30*time.Second {
		t.Errorf("Sync interval override lost: %s", cfg.SyncInterval)
	}
	if cfg.SweepBatchSize != 50 {
		t.Errorf("Batch size override lost: %d", cfg.SweepBatchSize)
	}
	if cfg.MinDisplacementMeters != 2.5 {
		t.Errorf("Displacement override lost: %f", cfg.MinDisplacementMeters)
	}
}

func TestBadEnvValuesFallBack(t *testing.T) {
	t.Setenv("HIKERLINK_SYNC_INTERVAL_MS", "soon")
	t.Setenv("HIKERLINK_SWEEP_BATCH_SIZE", "many")

	cfg := Load("")
	def := Default()
	if cfg.SyncInterval != def.SyncInterval {
		t.Errorf("Bad interval did not fall back: %s", cfg.SyncInterval)
	}
	if cfg.SweepBatchSize != def.SweepBatchSize {
		t.Errorf("Bad batch size did not fall back: %d", cfg.SweepBatchSize)
	}
}
