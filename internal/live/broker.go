// Package live is the change feed between writers and the stateful
// stores: writers publish a topic after committing, subscribers receive
// coalesced change ticks and re-run their query for a fresh snapshot.
package live

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Topic names shared by publishers and subscribers.
func NotificationTopic(email string) string { return "notify:" + email }
func ChatTopic(tripID string) string        { return "chat:" + tripID }

// Subscription delivers change ticks for one topic. Events are coalesced:
// a tick means "the result set may have changed, query again", so dropping
// a tick while one is already pending loses nothing.
type Subscription interface {
	Events() <-chan struct{}
	Errs() <-chan error
	Close()
}

type Broker struct {
	client *redis.Client
}

func NewBroker(redisURL string) (*Broker, error) {
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
	return &Broker{client: client}, nil
}

func NewBrokerWithClient(client *redis.Client) *Broker {
	return &Broker{client: client}
}

// Publish announces a change on the topic. The payload carries no data;
// subscribers always re-read the authoritative store.
func (b *Broker) Publish(ctx context.Context, topic string) error {
	if err := b.client.Publish(ctx, topic, "1").Err(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe opens a change feed for the topic. The first receive confirms
// the subscription with the server; a failure there is reported before any
// tick is delivered.
func (b *Broker) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	pubsub := b.client.Subscribe(ctx, topic)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}

	sub := &redisSubscription{
		pubsub: pubsub,
		events: make(chan struct{}, 1),
		errs:   make(chan error, 1),
		done:   make(chan struct{}),
	}
	go sub.pump()
	return sub, nil
}

func (b *Broker) Close() error {
	return b.client.Close()
}

func (b *Broker) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

type redisSubscription struct {
	pubsub    *redis.PubSub
	events    chan struct{}
	errs      chan error
	done      chan struct{}
	closeOnce sync.Once
}

func (s *redisSubscription) pump() {
	ch := s.pubsub.Channel()
	for {
		select {
		case <-s.done:
			return
		case _, ok := <-ch:
			if !ok {
				select {
				case <-s.done:
					// Closed locally; not a backend failure.
				case s.errs <- fmt.Errorf("change feed closed by backend"):
				default:
				}
				return
			}
			select {
			case s.events <- struct{}{}:
			default:
				// A tick is already pending; coalesce.
			}
		}
	}
}

func (s *redisSubscription) Events() <-chan struct{} { return s.events }

func (s *redisSubscription) Errs() <-chan error { return s.errs }

func (s *redisSubscription) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.pubsub.Close()
	})
}
