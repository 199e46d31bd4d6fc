package notify

import (
	"context"
	"log"
	"sync"

	"tripmate/api/internal/live"
	"tripmate/api/internal/store"
)

// Subscriber opens a live change feed for one topic.
type Subscriber interface {
	Subscribe(ctx context.Context, topic string) (live.Subscription, error)
}

// Store is the single source of truth for "what are my notifications and
// how many are unread". Updates replace the list wholesale; the unread
// count is always derived from store queries in the same update, never
// set on its own.
type Store struct {
	svc  *Service
	feed Subscriber

	mu            sync.Mutex
	identity      store.Identity
	started       bool
	gen           int
	sub           live.Subscription
	cancel        context.CancelFunc
	notifications []store.Notification
	unread        int
}

func NewStore(svc *Service, feed Subscriber) *Store {
	return &Store{svc: svc, feed: feed}
}

// Start begins observing notifications for the identity. Calling again
// with the same identity is a no-op; a different identity tears down the
// prior observation first. An absent identity clears state and returns
// without observing anything.
//
// If the live feed cannot be established the store falls back to a single
// Refresh and stays in one-shot mode; it does not retry the feed.
func (s *Store) Start(ctx context.Context, identity store.Identity) error {
	s.mu.Lock()
	if s.started && s.identity == identity {
		s.mu.Unlock()
		return nil
	}
	s.teardownLocked()
	if identity.Anonymous() {
		s.notifications = nil
		s.unread = 0
		s.mu.Unlock()
		return nil
	}
	s.identity = identity
	s.started = true
	s.gen++
	gen := s.gen
	s.mu.Unlock()

	sub, err := s.feed.Subscribe(ctx, live.NotificationTopic(identity.Email))
	if err != nil {
		log.Printf("notify: live feed unavailable for %s, using one-shot refresh: %v", identity.Email, err)
		return s.refreshFor(ctx, gen, identity.Email)
	}

	if err := s.apply(ctx, gen); err != nil {
		sub.Close()
		log.Printf("notify: initial fetch failed for %s, using one-shot refresh: %v", identity.Email, err)
		return s.refreshFor(ctx, gen, identity.Email)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	if s.gen != gen {
		// Torn down while we were connecting; this observation lost.
		s.mu.Unlock()
		cancel()
		sub.Close()
		return nil
	}
	s.sub = sub
	s.cancel = cancel
	s.mu.Unlock()

	go s.run(runCtx, gen, sub)
	return nil
}

// Stop releases the observation; safe to call when not started.
func (s *Store) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.teardownLocked()
}

func (s *Store) teardownLocked() {
	s.gen++
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	if s.sub != nil {
		s.sub.Close()
		s.sub = nil
	}
	s.started = false
	s.identity = store.Identity{}
}

// Snapshot returns a copy of the current list and the derived unread
// count.
func (s *Store) Snapshot() ([]store.Notification, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.Notification, len(s.notifications))
	copy(out, s.notifications)
	return out, s.unread
}

// MarkOneRead asks the service to mark the notification; local state is
// not touched here — the authoritative flip arrives through the feed or a
// refresh.
func (s *Store) MarkOneRead(ctx context.Context, id string) error {
	return s.svc.MarkOneRead(ctx, id)
}

// MarkAllRead mirrors MarkOneRead for the whole unread set.
func (s *Store) MarkAllRead(ctx context.Context) error {
	s.mu.Lock()
	identity := s.identity
	started := s.started
	s.mu.Unlock()
	if !started || identity.Anonymous() {
		return nil
	}
	return s.svc.MarkAllRead(ctx, identity.Email)
}

// Refresh is the manual one-shot fetch: list-all plus list-unread.
func (s *Store) Refresh(ctx context.Context) error {
	s.mu.Lock()
	gen := s.gen
	identity := s.identity
	started := s.started
	s.mu.Unlock()
	if !started || identity.Anonymous() {
		return nil
	}
	return s.refreshFor(ctx, gen, identity.Email)
}

func (s *Store) refreshFor(ctx context.Context, gen int, email string) error {
	unread, err := s.svc.ListUnread(ctx, email)
	if err != nil {
		return err
	}
	all, err := s.svc.ListAll(ctx, email)
	if err != nil {
		return err
	}
	s.swapIfCurrent(gen, all, len(unread))
	return nil
}

// apply re-reads the snapshot after a change tick and swaps it in
// atomically. The displayed list is capped at the most recent entries,
// so the unread count comes from the uncapped unread query; counting
// inside the capped list would miss older unread rows.
func (s *Store) apply(ctx context.Context, gen int) error {
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return nil
	}
	email := s.identity.Email
	s.mu.Unlock()

	unread, err := s.svc.ListUnread(ctx, email)
	if err != nil {
		return err
	}
	all, err := s.svc.ListAll(ctx, email)
	if err != nil {
		return err
	}
	s.swapIfCurrent(gen, all, len(unread))
	return nil
}

func (s *Store) swapIfCurrent(gen int, notifications []store.Notification, unread int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		// Stale observation; never apply.
		return
	}
	s.notifications = notifications
	s.unread = unread
}

func (s *Store) run(ctx context.Context, gen int, sub live.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.Events():
			if err := s.apply(ctx, gen); err != nil {
				log.Printf("notify: apply change: %v", err)
			}
		case err := <-sub.Errs():
			log.Printf("notify: live feed error, using one-shot refresh: %v", err)
			sub.Close()
			s.mu.Lock()
			email := s.identity.Email
			s.mu.Unlock()
			if err := s.refreshFor(ctx, gen, email); err != nil {
				log.Printf("notify: fallback refresh: %v", err)
			}
			return
		}
	}
}
