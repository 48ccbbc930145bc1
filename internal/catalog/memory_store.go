package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore keeps streams and destinations in-memory. It is safe for
// concurrent use and intended for development or single-instance deployments.
type MemoryStore struct {
	mu           sync.RWMutex
	streams      map[int64]Stream
	keys         map[string]int64
	destinations map[int64]Destination
	nextID       int64
}

// Seed is the on-disk shape accepted by LoadMemoryStore.
type Seed struct {
	Streams      []Stream      `json:"streams"`
	Destinations []Destination `json:"destinations"`
}

// NewMemoryStore constructs an empty in-memory catalog.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		streams:      make(map[int64]Stream),
		keys:         make(map[string]int64),
		destinations: make(map[int64]Destination),
	}
}

// LoadMemoryStore seeds a MemoryStore from a JSON file.
func LoadMemoryStore(path string) (*MemoryStore, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("read catalog seed: %w", err)
	}
	var seed Seed
	if err := json.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("decode catalog seed: %w", err)
	}
	store := NewMemoryStore()
	for _, stream := range seed.Streams {
		if err := store.PutStream(stream); err != nil {
			return nil, err
		}
	}
	for _, dest := range seed.Destinations {
		if _, err := store.PutDestination(dest); err != nil {
			return nil, err
		}
	}
	return store, nil
}

// PutStream inserts or replaces a stream.
func (s *MemoryStore) PutStream(stream Stream) error {
	key := strings.TrimSpace(stream.Key)
	if stream.ID <= 0 || key == "" {
		return fmt.Errorf("stream requires a positive id and a key")
	}
	stream.Key = key
	s.mu.Lock()
	defer s.mu.Unlock()
	if owner, ok := s.keys[key]; ok && owner != stream.ID {
		return fmt.Errorf("stream key already assigned to stream %d", owner)
	}
	if prev, ok := s.streams[stream.ID]; ok {
		delete(s.keys, prev.Key)
	}
	s.streams[stream.ID] = stream
	s.keys[key] = stream.ID
	return nil
}

// PutDestination inserts or replaces a destination, assigning an id when
// none is set.
func (s *MemoryStore) PutDestination(dest Destination) (Destination, error) {
	if dest.StreamID <= 0 {
		return Destination{}, fmt.Errorf("destination requires a stream id")
	}
	if !dest.Platform.Valid() {
		return Destination{}, fmt.Errorf("%w %q", ErrUnknownPlatform, string(dest.Platform))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if dest.ID <= 0 {
		s.nextID++
		for s.destinations[s.nextID].ID != 0 {
			s.nextID++
		}
		dest.ID = s.nextID
	} else if dest.ID > s.nextID {
		s.nextID = dest.ID
	}
	if dest.CreatedAt.IsZero() {
		dest.CreatedAt = time.Now().UTC()
	}
	s.destinations[dest.ID] = dest
	return dest, nil
}

// DeleteDestination soft deletes a destination.
func (s *MemoryStore) DeleteDestination(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	dest, ok := s.destinations[id]
	if !ok || dest.DeletedAt != nil {
		return false
	}
	now := time.Now().UTC()
	dest.DeletedAt = &now
	s.destinations[id] = dest
	return true
}

// FindEnabledByStreamID returns relayable destinations ordered by id.
func (s *MemoryStore) FindEnabledByStreamID(ctx context.Context, streamID int64) ([]Destination, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	out := make([]Destination, 0, 4)
	for _, dest := range s.destinations {
		if dest.StreamID == streamID && dest.Relayable() {
			out = append(out, dest)
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// StreamByKey resolves a stream by its publish key.
func (s *MemoryStore) StreamByKey(ctx context.Context, key string) (Stream, bool, error) {
	if err := ctx.Err(); err != nil {
		return Stream{}, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.keys[strings.TrimSpace(key)]
	if !ok {
		return Stream{}, false, nil
	}
	return s.streams[id], true, nil
}

// SetLive flips the live flag on a stream.
func (s *MemoryStore) SetLive(ctx context.Context, streamID int64, live bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	stream, ok := s.streams[streamID]
	if !ok {
		return ErrStreamNotFound
	}
	stream.IsLive = live
	s.streams[streamID] = stream
	return nil
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (s *MemoryStore) Close(context.Context) error {
	return nil
}
