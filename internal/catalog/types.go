package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Platform identifies where a destination relays to.
type Platform string

const (
	PlatformTwitch   Platform = "twitch"
	PlatformYouTube  Platform = "youtube"
	PlatformFacebook Platform = "facebook"
	PlatformCustom   Platform = "custom"
)

var defaultRTMPURLs = map[Platform]string{
	PlatformTwitch:   "rtmp://live.twitch.tv/app",
	PlatformYouTube:  "rtmp://a.rtmp.youtube.com/live2",
	PlatformFacebook: "rtmps://live-api-s.facebook.com:443/rtmp",
}

// ErrUnknownPlatform is returned when a platform name is not recognised.
var ErrUnknownPlatform = errors.New("unknown platform")

// ParsePlatform normalises a platform name.
func ParsePlatform(raw string) (Platform, error) {
	p := Platform(strings.ToLower(strings.TrimSpace(raw)))
	if !p.Valid() {
		return "", fmt.Errorf("%w %q", ErrUnknownPlatform, raw)
	}
	return p, nil
}

// Valid reports whether p is one of the supported platforms.
func (p Platform) Valid() bool {
	switch p {
	case PlatformTwitch, PlatformYouTube, PlatformFacebook, PlatformCustom:
		return true
	default:
		return false
	}
}

// DefaultRTMPURL returns the well-known ingest base for p, or "" for custom
// destinations.
func (p Platform) DefaultRTMPURL() string {
	return defaultRTMPURLs[p]
}

// ResolveRTMPURL picks the ingest base for a destination. Custom destinations
// must provide their own URL; the others fall back to the platform default
// when override is empty.
func ResolveRTMPURL(p Platform, override string) (string, error) {
	if !p.Valid() {
		return "", fmt.Errorf("%w %q", ErrUnknownPlatform, string(p))
	}
	trimmed := strings.TrimRight(strings.TrimSpace(override), "/")
	if trimmed != "" {
		if !strings.HasPrefix(trimmed, "rtmp://") && !strings.HasPrefix(trimmed, "rtmps://") {
			return "", fmt.Errorf("rtmp url must use rtmp:// or rtmps://")
		}
		return trimmed, nil
	}
	if p == PlatformCustom {
		return "", fmt.Errorf("custom destinations require an rtmp url")
	}
	return p.DefaultRTMPURL(), nil
}

// Stream is the live session a set of destinations hangs off.
type Stream struct {
	ID     int64  `json:"id"`
	Key    string `json:"streamKey"`
	UserID string `json:"userId,omitempty"`
	IsLive bool   `json:"isLive"`
}

// Destination describes one relay target. EncryptedStreamKey is the vault
// ciphertext of the platform's stream key.
type Destination struct {
	ID                 int64      `json:"id"`
	StreamID           int64      `json:"streamId"`
	Platform           Platform   `json:"platform"`
	RTMPURL            string     `json:"rtmpUrl"`
	EncryptedStreamKey string     `json:"encryptedStreamKey"`
	Enabled            bool       `json:"enabled"`
	DisplayName        string     `json:"displayName,omitempty"`
	CreatedAt          time.Time  `json:"createdAt"`
	DeletedAt          *time.Time `json:"deletedAt,omitempty"`
}

// Relayable reports whether the destination should be picked up when its
// stream goes live.
func (d Destination) Relayable() bool {
	return d.Enabled && d.DeletedAt == nil
}

// DestinationRepository looks up relay targets for a stream.
type DestinationRepository interface {
	// FindEnabledByStreamID returns enabled, non-deleted destinations.
	FindEnabledByStreamID(ctx context.Context, streamID int64) ([]Destination, error)
}

// StreamRepository resolves stream keys reported by the media server.
type StreamRepository interface {
	StreamByKey(ctx context.Context, key string) (Stream, bool, error)
	SetLive(ctx context.Context, streamID int64, live bool) error
}

// Store is the full catalog surface used by the daemon.
type Store interface {
	DestinationRepository
	StreamRepository
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

// ErrStreamNotFound is returned when updating a stream that does not exist.
var ErrStreamNotFound = errors.New("stream not found")
