package relay

import (
	"errors"
	"fmt"

	"relaycast/internal/catalog"
)

var (
	// ErrInvalidStreamKey is returned for keys that are empty or not safe to
	// embed in an RTMP path.
	ErrInvalidStreamKey = errors.New("invalid stream key")
	// ErrInvalidStreamID is returned for non-positive stream ids.
	ErrInvalidStreamID = errors.New("invalid stream id")
)

// SpawnError reports a relay process that could not be started.
type SpawnError struct {
	DestinationID int64
	Platform      catalog.Platform
	Err           error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn relay for destination %d (%s): %v", e.DestinationID, e.Platform, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// ExitError reports a relay process that ended with a non-zero status or on
// a signal.
type ExitError struct {
	Status ExitStatus
}

func (e *ExitError) Error() string {
	if e.Status.Signal != "" {
		return fmt.Sprintf("relay terminated by signal %s", e.Status.Signal)
	}
	return fmt.Sprintf("relay exited with code %d", e.Status.Code)
}

func (e *ExitError) Unwrap() error { return e.Status.Err }
