// Package chat delivers a live, gap-free message stream for one trip's
// group chat, adapting to what the backend can serve: a live change feed
// over the filtered+ordered query when possible, otherwise one-shot
// filter-only fetches with client-side ordering.
package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"tripmate/api/internal/live"
	"tripmate/api/internal/store"
)

var (
	ErrNotOpen            = errors.New("chat panel is not open")
	ErrNotSignedIn        = errors.New("sign in to send messages")
	ErrEmptyMessage       = errors.New("message has no text or attachment")
	ErrSendInFlight       = errors.New("a send is already in flight")
	ErrAttachmentTooLarge = errors.New("image must be smaller than 2MB")
	ErrSelectionTooLarge  = errors.New("image must be smaller than 5MB")
)

// The selection-time cap is a soft early filter; the send-time cap is the
// hard limit enforced before any upload is attempted.
const (
	selectMaxAttachmentBytes = 5 << 20
	sendMaxAttachmentBytes   = 2 << 20
)

// Mode is the panel's operating mode.
type Mode int

const (
	// ModeIdle: panel closed, no subscription held.
	ModeIdle Mode = iota
	// ModeLive: change feed active, pushes replace the list wholesale.
	ModeLive
	// ModeDegraded: ordered query unsupported; one-shot fetches with
	// client-side sort, refreshed on every send. One-way for the life of
	// the open panel; reopening attempts Live again.
	ModeDegraded
)

func (m Mode) String() string {
	switch m {
	case ModeLive:
		return "live"
	case ModeDegraded:
		return "degraded"
	default:
		return "idle"
	}
}

// DataStore is the slice of the document store the engine needs.
type DataStore interface {
	InsertMessage(ctx context.Context, m store.ChatMessage) (store.ChatMessage, error)
	ListMessagesOrdered(ctx context.Context, tripID string) ([]store.ChatMessage, error)
	ListMessagesByTrip(ctx context.Context, tripID string) ([]store.ChatMessage, error)
}

// Uploader stores an attachment and returns a retrievable URL.
type Uploader interface {
	Upload(ctx context.Context, tripID, fileName, contentType string, data io.Reader, size int64) (string, error)
}

// Feed is the change feed the engine both publishes to and subscribes on.
type Feed interface {
	Publish(ctx context.Context, topic string) error
	Subscribe(ctx context.Context, topic string) (live.Subscription, error)
}

// Indexer receives sent messages for search indexing; may be nil.
type Indexer interface {
	IndexMessage(m store.ChatMessage)
}

// Attachment is a selected file waiting to be sent.
type Attachment struct {
	Name        string
	ContentType string
	Size        int64
	Data        io.Reader
}

// Engine runs one chat panel at a time. Opening a trip releases any prior
// subscription first; at most one observation is active per panel.
type Engine struct {
	store    DataStore
	uploader Uploader
	feed     Feed
	search   Indexer

	mu         sync.Mutex
	mode       Mode
	tripID     string
	identity   store.Identity
	gen        int
	sub        live.Subscription
	cancel     context.CancelFunc
	messages   []store.ChatMessage
	draft      string
	attachment *Attachment
	sending    bool
}

func NewEngine(dataStore DataStore, uploader Uploader, feed Feed, search Indexer) *Engine {
	return &Engine{store: dataStore, uploader: uploader, feed: feed, search: search}
}

// Open starts the message stream for the trip. It first attempts the
// filtered+ordered query plus a live feed; a capability error degrades
// the panel to one-shot fetches for as long as it stays open.
func (e *Engine) Open(ctx context.Context, tripID string, identity store.Identity) error {
	e.mu.Lock()
	e.teardownLocked()
	e.tripID = tripID
	e.identity = identity
	e.gen++
	gen := e.gen
	e.mu.Unlock()

	msgs, err := e.store.ListMessagesOrdered(ctx, tripID)
	if errors.Is(err, store.ErrQueryUnsupported) {
		log.Printf("chat: ordered query unsupported for trip %s, degrading to client-side sort", tripID)
		return e.degradeAndFetch(ctx, gen, tripID)
	}
	if err != nil {
		e.mu.Lock()
		if e.gen == gen {
			e.mode = ModeIdle
		}
		e.mu.Unlock()
		return fmt.Errorf("open chat for trip %s: %w", tripID, err)
	}

	sub, err := e.feed.Subscribe(ctx, live.ChatTopic(tripID))
	if err != nil {
		// The query works but the push channel does not; serve the
		// snapshot we have and refetch on every send.
		log.Printf("chat: live feed unavailable for trip %s, degrading: %v", tripID, err)
		e.swapIfCurrent(gen, msgs, ModeDegraded)
		return nil
	}

	// A message committed between the first fetch and the subscription
	// registration produces no tick. Re-run the query now that the feed
	// is live so the initial snapshot carries no gap.
	msgs, err = e.store.ListMessagesOrdered(ctx, tripID)
	if errors.Is(err, store.ErrQueryUnsupported) {
		sub.Close()
		log.Printf("chat: ordered query lost for trip %s, degrading", tripID)
		return e.degradeAndFetch(ctx, gen, tripID)
	}
	if err != nil {
		sub.Close()
		e.mu.Lock()
		if e.gen == gen {
			e.mode = ModeIdle
		}
		e.mu.Unlock()
		return fmt.Errorf("open chat for trip %s: %w", tripID, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	e.mu.Lock()
	if e.gen != gen {
		e.mu.Unlock()
		cancel()
		sub.Close()
		return nil
	}
	e.sub = sub
	e.cancel = cancel
	e.mode = ModeLive
	e.messages = msgs
	e.mu.Unlock()

	go e.run(runCtx, gen, tripID, sub)
	return nil
}

// Close releases the panel's subscription; safe to call when not open.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.teardownLocked()
}

func (e *Engine) teardownLocked() {
	e.gen++
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
	if e.sub != nil {
		e.sub.Close()
		e.sub = nil
	}
	e.mode = ModeIdle
	e.tripID = ""
	e.identity = store.Identity{}
	e.messages = nil
	e.draft = ""
	e.attachment = nil
	e.sending = false
}

// Mode returns the panel's current operating mode.
func (e *Engine) Mode() Mode {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.mode
}

// Messages returns a copy of the current message list.
func (e *Engine) Messages() []store.ChatMessage {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]store.ChatMessage, len(e.messages))
	copy(out, e.messages)
	return out
}

// SetDraft stores the compose text; it is cleared only after a successful
// send.
func (e *Engine) SetDraft(text string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.draft = text
}

func (e *Engine) Draft() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.draft
}

// SelectAttachment applies the soft selection-time size filter and stages
// the file for the next send.
func (e *Engine) SelectAttachment(att Attachment) error {
	if att.Size > selectMaxAttachmentBytes {
		return ErrSelectionTooLarge
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.attachment = &att
	return nil
}

func (e *Engine) ClearAttachment() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.attachment = nil
}

// HasAttachment reports whether a file is staged.
func (e *Engine) HasAttachment() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.attachment != nil
}

// Send validates the compose state, uploads the staged attachment if any,
// writes the message and, in degraded mode, appends a local echo so the
// sender sees it without a push. The draft and attachment are cleared only
// after the write succeeds. One send may be in flight at a time.
func (e *Engine) Send(ctx context.Context) error {
	e.mu.Lock()
	if e.mode == ModeIdle {
		e.mu.Unlock()
		return ErrNotOpen
	}
	if e.identity.Anonymous() {
		e.mu.Unlock()
		return ErrNotSignedIn
	}
	text := strings.TrimSpace(e.draft)
	att := e.attachment
	if text == "" && att == nil {
		e.mu.Unlock()
		return ErrEmptyMessage
	}
	if e.sending {
		e.mu.Unlock()
		return ErrSendInFlight
	}
	if att != nil && att.Size > sendMaxAttachmentBytes {
		e.mu.Unlock()
		return ErrAttachmentTooLarge
	}
	e.sending = true
	tripID := e.tripID
	identity := e.identity
	gen := e.gen
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.sending = false
		e.mu.Unlock()
	}()

	var imageURL string
	if att != nil {
		url, err := e.uploader.Upload(ctx, tripID, att.Name, att.ContentType, att.Data, att.Size)
		if err != nil {
			// No message is written when the upload fails.
			return fmt.Errorf("upload attachment: %w", err)
		}
		imageURL = url
	}

	written, err := e.store.InsertMessage(ctx, store.ChatMessage{
		TripID:   tripID,
		Text:     text,
		ImageURL: imageURL,
		Sender: store.Sender{
			ID:         identity.ID,
			Name:       identity.DisplayName,
			PictureURL: identity.PictureURL,
		},
	})
	if err != nil {
		return fmt.Errorf("send message: %w", err)
	}

	e.mu.Lock()
	if e.gen == gen {
		if e.mode == ModeDegraded {
			e.appendEchoLocked(written)
		}
		e.draft = ""
		e.attachment = nil
	}
	e.mu.Unlock()

	if err := e.feed.Publish(ctx, live.ChatTopic(tripID)); err != nil {
		log.Printf("chat: announce message on trip %s: %v", tripID, err)
	}
	if e.search != nil {
		e.search.IndexMessage(written)
	}
	return nil
}

// appendEchoLocked adds the local echo with a client-generated timestamp;
// the authoritative timestamp arrives with the next one-shot fetch. The id
// guard keeps a fetch that already contained the message from producing a
// duplicate.
func (e *Engine) appendEchoLocked(written store.ChatMessage) {
	for _, m := range e.messages {
		if m.ID == written.ID {
			return
		}
	}
	echo := written
	now := time.Now()
	echo.SentAt = &now
	e.messages = append(e.messages, echo)
}

func (e *Engine) degradeAndFetch(ctx context.Context, gen int, tripID string) error {
	msgs, err := e.store.ListMessagesByTrip(ctx, tripID)
	if err != nil {
		e.swapIfCurrent(gen, nil, ModeDegraded)
		return fmt.Errorf("fetch messages for trip %s: %w", tripID, err)
	}
	SortMessages(msgs)
	if msgs == nil {
		msgs = []store.ChatMessage{}
	}
	e.swapIfCurrent(gen, msgs, ModeDegraded)
	return nil
}

// RefreshDegraded re-runs the one-shot fetch; degraded panels call this
// after each send instead of holding a push subscription.
func (e *Engine) RefreshDegraded(ctx context.Context) error {
	e.mu.Lock()
	if e.mode != ModeDegraded {
		e.mu.Unlock()
		return nil
	}
	gen := e.gen
	tripID := e.tripID
	e.mu.Unlock()
	return e.degradeAndFetch(ctx, gen, tripID)
}

func (e *Engine) swapIfCurrent(gen int, msgs []store.ChatMessage, mode Mode) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.gen != gen {
		// Released or reopened while the fetch was in flight.
		return
	}
	if mode == ModeLive && e.mode == ModeDegraded {
		// Degraded is one-way per panel instance; a straggling live
		// snapshot must not be applied.
		return
	}
	e.mode = mode
	if msgs != nil {
		e.messages = msgs
	}
}

func (e *Engine) run(ctx context.Context, gen int, tripID string, sub live.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.Events():
			msgs, err := e.store.ListMessagesOrdered(ctx, tripID)
			if errors.Is(err, store.ErrQueryUnsupported) {
				log.Printf("chat: ordered query lost for trip %s, degrading", tripID)
				sub.Close()
				if err := e.degradeAndFetch(ctx, gen, tripID); err != nil {
					log.Printf("chat: degraded fetch: %v", err)
				}
				return
			}
			if err != nil {
				log.Printf("chat: apply push for trip %s: %v", tripID, err)
				continue
			}
			if msgs == nil {
				msgs = []store.ChatMessage{}
			}
			e.swapIfCurrent(gen, msgs, ModeLive)
		case err := <-sub.Errs():
			log.Printf("chat: live feed error for trip %s, degrading: %v", tripID, err)
			sub.Close()
			if err := e.degradeAndFetch(ctx, gen, tripID); err != nil {
				log.Printf("chat: degraded fetch: %v", err)
			}
			return
		}
	}
}

// SortMessages orders ascending by timestamp, stable so equal timestamps
// keep arrival order; messages without a timestamp sort last.
func SortMessages(msgs []store.ChatMessage) {
	sort.SliceStable(msgs, func(i, j int) bool {
		a, b := msgs[i].SentAt, msgs[j].SentAt
		if a == nil {
			return false
		}
		if b == nil {
			return true
		}
		return a.Before(*b)
	})
}
