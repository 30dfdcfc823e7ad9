package storage

import (
	"context"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// Presence tracks which users currently hold a live relay connection.
// Key: relay:presence:<user>; value: unix seconds of the last refresh.
// The TTL bounds staleness if the relay dies without cleaning up.
type Presence struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewPresence(rdb *redis.Client, ttl time.Duration) *Presence {
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	return &Presence{rdb: rdb, ttl: ttl}
}

func presenceKey(user string) string { return "relay:presence:" + user }

// Online marks the user online and renews the TTL. Called on authenticate
// and refreshed from the connection's ping ticker.
func (p *Presence) Online(ctx context.Context, user string) error {
	now := strconv.FormatInt(time.Now().Unix(), 10)
	return p.rdb.Set(ctx, presenceKey(user), now, p.ttl).Err()
}

// Offline removes the presence key.
func (p *Presence) Offline(ctx context.Context, user string) error {
	return p.rdb.Del(ctx, presenceKey(user)).Err()
}

// Lookup reports whether the user is currently marked online.
func (p *Presence) Lookup(ctx context.Context, user string) (bool, error) {
	err := p.rdb.Get(ctx, presenceKey(user)).Err()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
