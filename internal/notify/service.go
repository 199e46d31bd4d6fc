// Package notify keeps per-user notifications consistent between the
// document store and the state the UI reads: a stateless Service for the
// request/response operations and a stateful Store for the live view.
package notify

import (
	"context"
	"fmt"
	"log"
	"sync"

	"tripmate/api/internal/live"
	"tripmate/api/internal/store"
)

// listLimit caps ListAll; unread listing is uncapped so the derived count
// stays exact.
const listLimit = 50

// DataStore is the slice of the document store the notification service
// needs.
type DataStore interface {
	InsertNotification(ctx context.Context, n store.Notification) (store.Notification, error)
	ListNotifications(ctx context.Context, email string, limit int) ([]store.Notification, error)
	ListUnreadNotifications(ctx context.Context, email string) ([]store.Notification, error)
	MarkNotificationRead(ctx context.Context, id string) (string, error)
}

// Publisher announces change topics after a successful write. May be nil
// when no change feed is configured; consumers then rely on refreshes.
type Publisher interface {
	Publish(ctx context.Context, topic string) error
}

type Service struct {
	store DataStore
	feed  Publisher
}

func NewService(store DataStore, feed Publisher) *Service {
	return &Service{store: store, feed: feed}
}

// Create writes a new unread notification with a server-assigned timestamp
// and announces the change to the recipient's feed.
func (s *Service) Create(ctx context.Context, recipientEmail, tripID, message, kind, destination string) (store.Notification, error) {
	if recipientEmail == "" {
		return store.Notification{}, fmt.Errorf("create notification: recipient email is required")
	}
	n, err := s.store.InsertNotification(ctx, store.Notification{
		RecipientEmail: recipientEmail,
		TripID:         tripID,
		Message:        message,
		Kind:           kind,
		Destination:    destination,
	})
	if err != nil {
		return store.Notification{}, fmt.Errorf("create notification: %w", err)
	}
	s.announce(ctx, recipientEmail)
	return n, nil
}

// ListAll returns up to the 50 most recent notifications, newest first.
func (s *Service) ListAll(ctx context.Context, email string) ([]store.Notification, error) {
	return s.store.ListNotifications(ctx, email, listLimit)
}

// ListUnread returns every unread notification, newest first.
func (s *Service) ListUnread(ctx context.Context, email string) ([]store.Notification, error) {
	return s.store.ListUnreadNotifications(ctx, email)
}

// MarkOneRead flips exactly one notification to read. Re-marking an
// already-read notification succeeds without effect.
func (s *Service) MarkOneRead(ctx context.Context, id string) error {
	email, err := s.store.MarkNotificationRead(ctx, id)
	if err != nil {
		return err
	}
	s.announce(ctx, email)
	return nil
}

// MarkAllRead fetches the recipient's unread notifications and issues one
// write per row concurrently. A partial failure is reported as a single
// error even though some writes may have applied; the next refresh or feed
// update reconciles true state. A single UPDATE ... WHERE read=false would
// be atomic here, but the per-row contract is kept so behaviour matches
// the documented partial-failure semantics.
func (s *Service) MarkAllRead(ctx context.Context, email string) error {
	unread, err := s.store.ListUnreadNotifications(ctx, email)
	if err != nil {
		return fmt.Errorf("mark all read: %w", err)
	}
	if len(unread) == 0 {
		return nil
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		failed   int
		firstErr error
	)
	for _, n := range unread {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if _, err := s.store.MarkNotificationRead(ctx, id); err != nil {
				mu.Lock()
				failed++
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
			}
		}(n.ID)
	}
	wg.Wait()

	s.announce(ctx, email)
	if failed > 0 {
		return fmt.Errorf("mark all read: %d of %d writes failed: %w", failed, len(unread), firstErr)
	}
	return nil
}

func (s *Service) announce(ctx context.Context, email string) {
	if s.feed == nil {
		return
	}
	if err := s.feed.Publish(ctx, live.NotificationTopic(email)); err != nil {
		log.Printf("notify: announce change for %s: %v", email, err)
	}
}
