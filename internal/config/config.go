package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every tunable the sync core recognizes. All fields can be
// overridden at construction time or through the environment via Load.
type Config struct {
	// Identity and storage.
	DBPath       string
	IdentityPath string
	LogPath      string
	Nick         string

	// Location tracking.
	TrackingMode           string // "power-saving", "standard", "high-accuracy"
	LocationUpdateInterval time.Duration
	MinDisplacementMeters  float64
	LocationFixTimeout     time.Duration
	LocationMaxAge         time.Duration
	ModeDowngradeDwell     time.Duration

	// Sync coordinator.
	SyncInterval     time.Duration
	StaleLockTimeout time.Duration
	SweepBatchSize   int
	RetentionAge     time.Duration

	// Emergency escalation.
	SOSCountdown time.Duration

	// Peer transport (LAN mesh adapter).
	MeshPort int

	// Cloud transport.
	CloudBaseURL string
	CloudWSURL   string
	CloudToken   string

	// Network status probe.
	ProbeURL      string
	ProbeInterval time.Duration
}

// Default returns the configuration the core ships with. Intervals follow the
// battery/traffic trade-offs described in the tracking docs: sampling can be
// frequent, cloud sync is batched.
func Default() Config {
	return Config{
		DBPath:       "hikerlink.db",
		IdentityPath: "identity.json",
		LogPath:      "hikerlink.log",
		Nick:         "Anonymous",

		TrackingMode:           "standard",
		LocationUpdateInterval: 15 * time.Second,
		MinDisplacementMeters:  10,
		LocationFixTimeout:     10 * time.Second,
		LocationMaxAge:         30 * time.Second,
		ModeDowngradeDwell:     2 * time.Minute,

		SyncInterval:     45 * time.Second,
		StaleLockTimeout: 60 * time.Second,
		SweepBatchSize:   25,
		RetentionAge:     30 * 24 * time.Hour,

		SOSCountdown: 5 * time.Second,

		MeshPort: 9000,

		ProbeURL:      "https://clients3.google.com/generate_204",
		ProbeInterval: 15 * time.Second,
	}
}

// Load reads an optional .env file and folds environment overrides on top of
// Default. A missing env file is not an error.
func Load(envFile string) Config {
	if envFile != "" {
		_ = godotenv.Load(envFile)
	} else {
		_ = godotenv.Load()
	}

	cfg := Default()
	cfg.DBPath = getEnv("HIKERLINK_DB_PATH", cfg.DBPath)
	cfg.IdentityPath = getEnv("HIKERLINK_IDENTITY_PATH", cfg.IdentityPath)
	cfg.LogPath = getEnv("HIKERLINK_LOG_PATH", cfg.LogPath)
	cfg.Nick = getEnv("HIKERLINK_NICK", cfg.Nick)

	cfg.TrackingMode = getEnv("HIKERLINK_TRACKING_MODE", cfg.TrackingMode)
	cfg.LocationUpdateInterval = getEnvMillis("HIKERLINK_LOCATION_UPDATE_INTERVAL_MS", cfg.LocationUpdateInterval)
	cfg.MinDisplacementMeters = getEnvFloat("HIKERLINK_MIN_DISPLACEMENT_METERS", cfg.MinDisplacementMeters)

	cfg.SyncInterval = getEnvMillis("HIKERLINK_SYNC_INTERVAL_MS", cfg.SyncInterval)
	cfg.StaleLockTimeout = getEnvMillis("HIKERLINK_STALE_LOCK_TIMEOUT_MS", cfg.StaleLockTimeout)
	cfg.SweepBatchSize = getEnvInt("HIKERLINK_SWEEP_BATCH_SIZE", cfg.SweepBatchSize)

	cfg.MeshPort = getEnvInt("HIKERLINK_MESH_PORT", cfg.MeshPort)

	cfg.CloudBaseURL = getEnv("HIKERLINK_CLOUD_URL", cfg.CloudBaseURL)
	cfg.CloudWSURL = getEnv("HIKERLINK_CLOUD_WS_URL", cfg.CloudWSURL)
	cfg.CloudToken = getEnv("HIKERLINK_CLOUD_TOKEN", cfg.CloudToken)

	cfg.ProbeURL = getEnv("HIKERLINK_PROBE_URL", cfg.ProbeURL)
	return cfg
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvMillis(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return time.Duration(n) * time.Millisecond
		}
	}
	return fallback
}
