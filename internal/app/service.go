// Package app is the JSON API over the trip sync services: session
// lookup, notifications, trip chat, search and transcript export.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"

	"tripmate/api/internal/chat"
	"tripmate/api/internal/export"
	"tripmate/api/internal/live"
	"tripmate/api/internal/notify"
	"tripmate/api/internal/search"
	"tripmate/api/internal/store"
	"tripmate/api/internal/util"
)

// DataStore is the slice of the document store the API serves from.
type DataStore interface {
	Ping(ctx context.Context) error
	GetTrip(ctx context.Context, id string) (store.Trip, error)
	ListPublicTrips(ctx context.Context) ([]store.Trip, error)
	InsertMessage(ctx context.Context, m store.ChatMessage) (store.ChatMessage, error)
	ListMessagesOrdered(ctx context.Context, tripID string) ([]store.ChatMessage, error)
	ListMessagesByTrip(ctx context.Context, tripID string) ([]store.ChatMessage, error)
}

// Sessions resolves bearer tokens to identities.
type Sessions interface {
	Load(ctx context.Context, sessionID string) (store.Identity, error)
	Save(ctx context.Context, sessionID string, identity store.Identity) error
	Clear(ctx context.Context, sessionID string) error
}

// Publisher announces committed writes on the change feed.
type Publisher interface {
	Publish(ctx context.Context, topic string) error
}

// Uploader stores chat attachments; same contract the chat engine uses.
type Uploader interface {
	Upload(ctx context.Context, tripID, fileName, contentType string, data io.Reader, size int64) (string, error)
}

// Searcher serves message search; may be nil when search is disabled.
type Searcher interface {
	Search(q search.Query) search.Response
	IndexMessage(rec search.MessageRecord)
}

// Exporter renders trip transcripts.
type Exporter interface {
	Transcript(ctx context.Context, tripID string, format export.Format) (*export.Result, error)
}

type Deps struct {
	Store         DataStore
	Sessions      Sessions
	Notifications *notify.Service
	Uploader      Uploader
	Feed          Publisher
	Search        Searcher
	Export        Exporter
}

type Service struct {
	store         DataStore
	sessions      Sessions
	notifications *notify.Service
	uploader      Uploader
	feed          Publisher
	search        Searcher
	export        Exporter
}

func NewService(deps Deps) *Service {
	return &Service{
		store:         deps.Store,
		sessions:      deps.Sessions,
		notifications: deps.Notifications,
		uploader:      deps.Uploader,
		feed:          deps.Feed,
		search:        deps.Search,
		export:        deps.Export,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Identify resolves a session token to the signed-in identity.
func (s *Service) Identify(ctx context.Context, token string) (store.Identity, error) {
	return s.sessions.Load(ctx, token)
}

// SignIn stores the identity handed over by the auth frontend and returns
// the new session token.
func (s *Service) SignIn(ctx context.Context, identity store.Identity) (string, error) {
	if identity.Anonymous() {
		return "", domainError(422, "VALIDATION_ERROR", "email is required")
	}
	token := util.NewID("ses")
	if err := s.sessions.Save(ctx, token, identity); err != nil {
		return "", fmt.Errorf("save session: %w", err)
	}
	return token, nil
}

func (s *Service) SignOut(ctx context.Context, token string) error {
	return s.sessions.Clear(ctx, token)
}

func (s *Service) Notifications(ctx context.Context, email string, unreadOnly bool) ([]store.Notification, int, error) {
	var (
		list []store.Notification
		err  error
	)
	if unreadOnly {
		list, err = s.notifications.ListUnread(ctx, email)
	} else {
		list, err = s.notifications.ListAll(ctx, email)
	}
	if err != nil {
		return nil, 0, err
	}
	unread := 0
	for _, n := range list {
		if !n.Read {
			unread++
		}
	}
	return list, unread, nil
}

func (s *Service) CreateNotification(ctx context.Context, recipientEmail, tripID, message, kind, destination string) (store.Notification, error) {
	return s.notifications.Create(ctx, recipientEmail, tripID, message, kind, destination)
}

func (s *Service) MarkNotificationRead(ctx context.Context, id string) error {
	return s.notifications.MarkOneRead(ctx, id)
}

func (s *Service) MarkAllNotificationsRead(ctx context.Context, email string) error {
	return s.notifications.MarkAllRead(ctx, email)
}

func (s *Service) GetTrip(ctx context.Context, id string) (store.Trip, error) {
	return s.store.GetTrip(ctx, id)
}

func (s *Service) PublicTrips(ctx context.Context) ([]store.Trip, error) {
	return s.store.ListPublicTrips(ctx)
}

// TripMessages returns the chat history oldest first. When the ordered
// query is unavailable it falls back to the filter-only fetch with a
// client-side sort and reports degraded=true.
func (s *Service) TripMessages(ctx context.Context, tripID string) ([]store.ChatMessage, bool, error) {
	msgs, err := s.store.ListMessagesOrdered(ctx, tripID)
	if err == nil {
		if msgs == nil {
			msgs = []store.ChatMessage{}
		}
		return msgs, false, nil
	}
	if !errors.Is(err, store.ErrQueryUnsupported) {
		return nil, false, err
	}

	msgs, err = s.store.ListMessagesByTrip(ctx, tripID)
	if err != nil {
		return nil, true, err
	}
	if msgs == nil {
		msgs = []store.ChatMessage{}
	}
	chat.SortMessages(msgs)
	return msgs, true, nil
}

// SendMessage validates, uploads the attachment if any, writes the
// message and announces it on the change feed. Attachments over the hard
// cap are rejected before any upload call.
func (s *Service) SendMessage(ctx context.Context, identity store.Identity, tripID, text string, att *chat.Attachment) (store.ChatMessage, error) {
	if identity.Anonymous() {
		return store.ChatMessage{}, chat.ErrNotSignedIn
	}
	trimmed := strings.TrimSpace(text)
	if trimmed == "" && att == nil {
		return store.ChatMessage{}, chat.ErrEmptyMessage
	}
	if att != nil && att.Size > 2<<20 {
		return store.ChatMessage{}, chat.ErrAttachmentTooLarge
	}

	imageURL := ""
	if att != nil {
		url, err := s.uploader.Upload(ctx, tripID, att.Name, att.ContentType, att.Data, att.Size)
		if err != nil {
			return store.ChatMessage{}, fmt.Errorf("upload attachment: %w", err)
		}
		imageURL = url
	}

	written, err := s.store.InsertMessage(ctx, store.ChatMessage{
		TripID:   tripID,
		Text:     trimmed,
		ImageURL: imageURL,
		Sender: store.Sender{
			ID:         identity.ID,
			Name:       identity.DisplayName,
			PictureURL: identity.PictureURL,
		},
	})
	if err != nil {
		return store.ChatMessage{}, err
	}

	if s.feed != nil {
		if err := s.feed.Publish(ctx, live.ChatTopic(tripID)); err != nil {
			log.Printf("app: publish chat change for %s: %v", tripID, err)
		}
	}
	if s.search != nil {
		rec := search.MessageRecord{
			ID:     written.ID,
			TripID: written.TripID,
			Text:   written.Text,
			Sender: written.Sender.Name,
		}
		if written.SentAt != nil {
			rec.SentAt = written.SentAt.UnixMilli()
		}
		s.search.IndexMessage(rec)
	}
	return written, nil
}

func (s *Service) SearchMessages(q search.Query) search.Response {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: q.Text}
	}
	return s.search.Search(q)
}

func (s *Service) Transcript(ctx context.Context, tripID string, format export.Format) (*export.Result, error) {
	return s.export.Transcript(ctx, tripID, format)
}
