package catalog

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schemaSQL string

// ErrPostgresUnavailable is returned when the store has no pool.
var ErrPostgresUnavailable = errors.New("postgres catalog unavailable")

// PostgresConfig controls the catalog connection pool.
type PostgresConfig struct {
	DSN             string
	MaxConnections  int32
	MinConnections  int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
	QueryTimeout    time.Duration
	ApplicationName string
}

// PostgresOption customises a PostgresConfig.
type PostgresOption func(*PostgresConfig)

// WithPoolLimits bounds the pool size.
func WithPoolLimits(maxConns, minConns int32) PostgresOption {
	return func(cfg *PostgresConfig) {
		if maxConns > 0 {
			cfg.MaxConnections = maxConns
		}
		if minConns >= 0 {
			cfg.MinConnections = minConns
		}
	}
}

// WithConnLifetimes bounds how long pooled connections live.
func WithConnLifetimes(maxLifetime, maxIdle time.Duration) PostgresOption {
	return func(cfg *PostgresConfig) {
		if maxLifetime > 0 {
			cfg.MaxConnLifetime = maxLifetime
		}
		if maxIdle > 0 {
			cfg.MaxConnIdleTime = maxIdle
		}
	}
}

// WithQueryTimeout bounds every catalog query.
func WithQueryTimeout(timeout time.Duration) PostgresOption {
	return func(cfg *PostgresConfig) {
		if timeout > 0 {
			cfg.QueryTimeout = timeout
		}
	}
}

// WithApplicationName sets application_name on every connection.
func WithApplicationName(name string) PostgresOption {
	return func(cfg *PostgresConfig) {
		cfg.ApplicationName = strings.TrimSpace(name)
	}
}

const defaultQueryTimeout = 5 * time.Second

// PostgresStore reads streams and destinations from Postgres.
type PostgresStore struct {
	pool *pgxpool.Pool
	cfg  PostgresConfig
}

// NewPostgresStore opens a pool against dsn. The pool connects lazily so a
// database outage surfaces on Ping rather than here.
func NewPostgresStore(dsn string, opts ...PostgresOption) (*PostgresStore, error) {
	cfg := PostgresConfig{DSN: strings.TrimSpace(dsn), QueryTimeout: defaultQueryTimeout}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	if cfg.DSN == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = cfg.MaxConnections
	}
	if cfg.MinConnections > 0 {
		poolCfg.MinConns = cfg.MinConnections
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.ApplicationName != "" {
		if poolCfg.ConnConfig.RuntimeParams == nil {
			poolCfg.ConnConfig.RuntimeParams = make(map[string]string)
		}
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}

	pool, err := pgxpool.NewWithConfig(context.Background(), poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	return &PostgresStore{pool: pool, cfg: cfg}, nil
}

// EnsureSchema creates the catalog tables when they are missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return ErrPostgresUnavailable
	}
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply catalog schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) queryContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.cfg.QueryTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.cfg.QueryTimeout)
}

// FindEnabledByStreamID returns enabled, non-deleted destinations ordered by id.
func (s *PostgresStore) FindEnabledByStreamID(ctx context.Context, streamID int64) ([]Destination, error) {
	if s == nil || s.pool == nil {
		return nil, ErrPostgresUnavailable
	}
	ctx, cancel := s.queryContext(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx, `
SELECT id, stream_id, platform, rtmp_url, encrypted_stream_key, enabled, display_name, created_at
FROM stream_destinations
WHERE stream_id = $1 AND enabled = TRUE AND deleted_at IS NULL
ORDER BY id
`, streamID)
	if err != nil {
		return nil, fmt.Errorf("query destinations: %w", err)
	}
	defer rows.Close()

	var out []Destination
	for rows.Next() {
		var (
			dest     Destination
			platform string
		)
		if err := rows.Scan(&dest.ID, &dest.StreamID, &platform, &dest.RTMPURL, &dest.EncryptedStreamKey, &dest.Enabled, &dest.DisplayName, &dest.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan destination: %w", err)
		}
		dest.Platform = Platform(platform)
		out = append(out, dest)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate destinations: %w", err)
	}
	return out, nil
}

// StreamByKey resolves a stream by its publish key.
func (s *PostgresStore) StreamByKey(ctx context.Context, key string) (Stream, bool, error) {
	if s == nil || s.pool == nil {
		return Stream{}, false, ErrPostgresUnavailable
	}
	ctx, cancel := s.queryContext(ctx)
	defer cancel()

	var stream Stream
	err := s.pool.QueryRow(ctx, `
SELECT id, stream_key, user_id, is_live
FROM streams
WHERE stream_key = $1
`, strings.TrimSpace(key)).Scan(&stream.ID, &stream.Key, &stream.UserID, &stream.IsLive)
	if err != nil {
		if isNoRows(err) {
			return Stream{}, false, nil
		}
		return Stream{}, false, fmt.Errorf("query stream: %w", err)
	}
	return stream, true, nil
}

// SetLive flips the live flag on a stream.
func (s *PostgresStore) SetLive(ctx context.Context, streamID int64, live bool) error {
	if s == nil || s.pool == nil {
		return ErrPostgresUnavailable
	}
	ctx, cancel := s.queryContext(ctx)
	defer cancel()

	tag, err := s.pool.Exec(ctx, `UPDATE streams SET is_live = $2, updated_at = NOW() WHERE id = $1`, streamID, live)
	if err != nil {
		return fmt.Errorf("update stream: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStreamNotFound
	}
	return nil
}

// CreateStream inserts a stream and returns it with its assigned id.
func (s *PostgresStore) CreateStream(ctx context.Context, stream Stream) (Stream, error) {
	if s == nil || s.pool == nil {
		return Stream{}, ErrPostgresUnavailable
	}
	ctx, cancel := s.queryContext(ctx)
	defer cancel()

	err := s.pool.QueryRow(ctx, `
INSERT INTO streams (stream_key, user_id, is_live)
VALUES ($1, $2, $3)
RETURNING id
`, strings.TrimSpace(stream.Key), stream.UserID, stream.IsLive).Scan(&stream.ID)
	if err != nil {
		return Stream{}, fmt.Errorf("insert stream: %w", err)
	}
	return stream, nil
}

// CreateDestination inserts a destination and returns it with its assigned id.
func (s *PostgresStore) CreateDestination(ctx context.Context, dest Destination) (Destination, error) {
	if s == nil || s.pool == nil {
		return Destination{}, ErrPostgresUnavailable
	}
	if !dest.Platform.Valid() {
		return Destination{}, fmt.Errorf("%w %q", ErrUnknownPlatform, string(dest.Platform))
	}
	ctx, cancel := s.queryContext(ctx)
	defer cancel()

	err := s.pool.QueryRow(ctx, `
INSERT INTO stream_destinations (stream_id, platform, rtmp_url, encrypted_stream_key, enabled, display_name)
VALUES ($1, $2, $3, $4, $5, $6)
RETURNING id, created_at
`, dest.StreamID, string(dest.Platform), dest.RTMPURL, dest.EncryptedStreamKey, dest.Enabled, dest.DisplayName).Scan(&dest.ID, &dest.CreatedAt)
	if err != nil {
		return Destination{}, fmt.Errorf("insert destination: %w", err)
	}
	return dest, nil
}

// DeleteDestination soft deletes a destination.
func (s *PostgresStore) DeleteDestination(ctx context.Context, id int64) (bool, error) {
	if s == nil || s.pool == nil {
		return false, ErrPostgresUnavailable
	}
	ctx, cancel := s.queryContext(ctx)
	defer cancel()

	tag, err := s.pool.Exec(ctx, `UPDATE stream_destinations SET deleted_at = NOW() WHERE id = $1 AND deleted_at IS NULL`, id)
	if err != nil {
		return false, fmt.Errorf("delete destination: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// Ping verifies the database is reachable.
func (s *PostgresStore) Ping(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return ErrPostgresUnavailable
	}
	ctx, cancel := s.queryContext(ctx)
	defer cancel()
	return s.pool.Ping(ctx)
}

// Close releases the Postgres connection pool resources.
func (s *PostgresStore) Close(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		s.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func isNoRows(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, pgx.ErrNoRows)
}
