package relay

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// DefaultIngestBaseURL is where the media server republishes ingested
// streams for relays to pull from.
const DefaultIngestBaseURL = "rtmp://stream_helper_lb:1935/live"

// Config controls how relays are launched and stopped.
type Config struct {
	FFmpegPath          string
	IngestBaseURL       string
	Stop                Policy
	MaxConcurrentSpawns int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		FFmpegPath:          "ffmpeg",
		IngestBaseURL:       DefaultIngestBaseURL,
		Stop:                DefaultPolicy(),
		MaxConcurrentSpawns: 8,
	}
}

// LoadConfigFromEnv overlays RELAYCAST_* environment variables on the
// defaults and validates the result.
func LoadConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()

	if path := strings.TrimSpace(os.Getenv("RELAYCAST_FFMPEG_PATH")); path != "" {
		cfg.FFmpegPath = path
	}
	if base := strings.TrimSpace(os.Getenv("RELAYCAST_INGEST_BASE_URL")); base != "" {
		cfg.IngestBaseURL = base
	}
	if raw := strings.TrimSpace(os.Getenv("RELAYCAST_STOP_TERMINATE_AFTER")); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			return Config{}, fmt.Errorf("parse RELAYCAST_STOP_TERMINATE_AFTER: %w", err)
		}
		cfg.Stop.TerminateAfter = parsed
	}
	if raw := strings.TrimSpace(os.Getenv("RELAYCAST_STOP_KILL_AFTER")); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			return Config{}, fmt.Errorf("parse RELAYCAST_STOP_KILL_AFTER: %w", err)
		}
		cfg.Stop.KillAfter = parsed
	}
	if raw := strings.TrimSpace(os.Getenv("RELAYCAST_MAX_CONCURRENT_SPAWNS")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			return Config{}, fmt.Errorf("parse RELAYCAST_MAX_CONCURRENT_SPAWNS: %w", err)
		}
		cfg.MaxConcurrentSpawns = parsed
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate ensures the configuration is usable.
func (c Config) Validate() error {
	if strings.TrimSpace(c.FFmpegPath) == "" {
		return errors.New("ffmpeg path is required")
	}
	base := strings.TrimSpace(c.IngestBaseURL)
	if !strings.HasPrefix(base, "rtmp://") && !strings.HasPrefix(base, "rtmps://") {
		return fmt.Errorf("ingest base url must use rtmp:// or rtmps://, got %q", c.IngestBaseURL)
	}
	if c.Stop.TerminateAfter <= 0 {
		return errors.New("stop terminate delay must be positive")
	}
	if c.Stop.KillAfter <= c.Stop.TerminateAfter {
		return errors.New("stop kill delay must be greater than the terminate delay")
	}
	if c.MaxConcurrentSpawns <= 0 {
		return errors.New("max concurrent spawns must be positive")
	}
	return nil
}

func (c Config) ingressURL(streamKey string) string {
	return strings.TrimRight(strings.TrimSpace(c.IngestBaseURL), "/") + "/" + streamKey
}
