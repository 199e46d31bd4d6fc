// Package session reads and writes the persisted Identity record for the
// current signed-in user. Absence of the record means anonymous.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"tripmate/api/internal/store"
)

// ErrNoSession is returned when no identity record exists for the key;
// callers treat this as an anonymous session, not a failure.
var ErrNoSession = errors.New("no session")

const defaultTTL = 30 * 24 * time.Hour

// Accessor is the Redis-backed session store.
type Accessor struct {
	client *redis.Client
	prefix string
}

func NewAccessor(redisURL string) (*Accessor, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &Accessor{client: client, prefix: "session:"}, nil
}

func NewAccessorWithClient(client *redis.Client) *Accessor {
	return &Accessor{client: client, prefix: "session:"}
}

func (a *Accessor) key(sessionID string) string {
	return a.prefix + sessionID
}

// Save persists the identity under the session id. The identity is
// immutable for the life of the session; Save is only called at sign-in.
func (a *Accessor) Save(ctx context.Context, sessionID string, identity store.Identity) error {
	if identity.Anonymous() {
		return fmt.Errorf("save session: identity has no email")
	}
	data, err := json.Marshal(identity)
	if err != nil {
		return fmt.Errorf("marshal identity: %w", err)
	}
	if err := a.client.Set(ctx, a.key(sessionID), data, defaultTTL).Err(); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// Load returns the identity for the session id, or ErrNoSession when the
// record is absent or expired.
func (a *Accessor) Load(ctx context.Context, sessionID string) (store.Identity, error) {
	data, err := a.client.Get(ctx, a.key(sessionID)).Result()
	if err == redis.Nil {
		return store.Identity{}, ErrNoSession
	}
	if err != nil {
		return store.Identity{}, fmt.Errorf("load session: %w", err)
	}

	var identity store.Identity
	if err := json.Unmarshal([]byte(data), &identity); err != nil {
		return store.Identity{}, fmt.Errorf("unmarshal identity: %w", err)
	}
	return identity, nil
}

// Clear removes the session record; clearing a missing record is a no-op.
func (a *Accessor) Clear(ctx context.Context, sessionID string) error {
	if err := a.client.Del(ctx, a.key(sessionID)).Err(); err != nil {
		return fmt.Errorf("clear session: %w", err)
	}
	return nil
}

func (a *Accessor) Ping(ctx context.Context) error {
	return a.client.Ping(ctx).Err()
}

func (a *Accessor) Close() error {
	return a.client.Close()
}
