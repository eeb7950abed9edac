package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/posdesk/posdesk/internal/domain"
)

// RedisMirror writes the latest snapshot to a redis key after each publish
// so sibling processes (or a dashboard BFF) can read it without holding a
// stream subscription. Snapshots are ephemeral; the TTL lets a dead engine's
// mirror age out instead of serving stale positions forever.
type RedisMirror struct {
	client *redis.Client
	key    string
	ttl    time.Duration
}

// NewRedisMirror creates a mirror writing to key with the given TTL.
func NewRedisMirror(client *redis.Client, key string, ttl time.Duration) *RedisMirror {
	if key == "" {
		key = "posdesk:snapshot:latest"
	}
	return &RedisMirror{client: client, key: key, ttl: ttl}
}

// Store writes one snapshot. Failures are reported to the caller, which
// logs and moves on: the mirror is best-effort and must never fail a tick.
func (m *RedisMirror) Store(ctx context.Context, snap *domain.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	if err := m.client.Set(ctx, m.key, data, m.ttl).Err(); err != nil {
		return fmt.Errorf("failed to mirror snapshot: %w", err)
	}
	return nil
}

// Fetch reads the mirrored snapshot, nil when the key is absent or expired.
func (m *RedisMirror) Fetch(ctx context.Context) (*domain.Snapshot, error) {
	data, err := m.client.Get(ctx, m.key).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read mirrored snapshot: %w", err)
	}
	var snap domain.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		log.Warn().Err(err).Str("key", m.key).Msg("mirrored snapshot is corrupt")
		return nil, fmt.Errorf("mirrored snapshot is corrupt: %w", err)
	}
	return &snap, nil
}
