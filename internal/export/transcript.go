// Package export renders trip chat transcripts as standalone HTML or PDF.
package export

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html/template"
	"sort"
	"time"

	"tripmate/api/internal/store"
)

// Format represents the export output format
type Format string

const (
	FormatHTML Format = "html"
	FormatPDF  Format = "pdf"
)

var (
	// ErrUnknownFormat indicates the requested format is not supported.
	ErrUnknownFormat = errors.New("export format not supported")
	// ErrPDFDependencyMissing indicates PDF export runtime dependencies are unavailable.
	ErrPDFDependencyMissing = errors.New("export pdf dependency missing")
)

// Result contains the export output
type Result struct {
	Data     []byte
	Filename string
	MimeType string
}

// DataStore defines the interface for data access
type DataStore interface {
	GetTrip(ctx context.Context, id string) (store.Trip, error)
	ListMessagesOrdered(ctx context.Context, tripID string) ([]store.ChatMessage, error)
	ListMessagesByTrip(ctx context.Context, tripID string) ([]store.ChatMessage, error)
}

// Service renders chat transcripts.
type Service struct {
	store DataStore
}

func NewService(store DataStore) *Service {
	return &Service{store: store}
}

// Transcript exports the full chat history of a trip in the requested
// format. Messages appear oldest first; undated rows sink to the end.
func (s *Service) Transcript(ctx context.Context, tripID string, format Format) (*Result, error) {
	trip, err := s.store.GetTrip(ctx, tripID)
	if err != nil {
		return nil, fmt.Errorf("load trip: %w", err)
	}

	messages, err := s.store.ListMessagesOrdered(ctx, tripID)
	if errors.Is(err, store.ErrQueryUnsupported) {
		messages, err = s.store.ListMessagesByTrip(ctx, tripID)
		if err == nil {
			sortBySentAt(messages)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}

	html, err := renderTranscriptHTML(trip, messages)
	if err != nil {
		return nil, fmt.Errorf("render transcript: %w", err)
	}

	title := "trip-chat-" + trip.Location
	switch format {
	case FormatHTML:
		return &Result{
			Data:     []byte(html),
			Filename: sanitizeFilename(title) + ".html",
			MimeType: "text/html; charset=utf-8",
		}, nil
	case FormatPDF:
		return exportPDF(html, title)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}
}

func sortBySentAt(msgs []store.ChatMessage) {
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

type transcriptData struct {
	Location    string
	MemberCount int
	ExportedAt  time.Time
	Messages    []transcriptMessage
}

type transcriptMessage struct {
	Sender   string
	Text     string
	ImageURL string
	SentAt   string
}

var transcriptTemplate = template.Must(template.New("transcript").Parse(`<!DOCTYPE html>
<html>
<head>
  <meta charset="UTF-8">
  <title>Trip chat: {{.Location}}</title>
  <style>
    body { font-family: Arial, sans-serif; line-height: 1.5; max-width: 720px; margin: 2rem auto; }
    h1 { border-bottom: 2px solid #333; padding-bottom: 0.5rem; }
    .meta { color: #666; font-size: 0.9em; margin-bottom: 2rem; }
    .msg { margin: 0.75rem 0; padding: 0.5rem 0.75rem; background: #f5f5f5; border-radius: 6px; }
    .msg .sender { font-weight: bold; }
    .msg .when { color: #888; font-size: 0.8em; margin-left: 0.5rem; }
    .msg img { max-width: 320px; display: block; margin-top: 0.5rem; }
  </style>
</head>
<body>
  <h1>Trip chat: {{.Location}}</h1>
  <div class="meta">{{.MemberCount}} travelers | exported {{.ExportedAt.Format "Jan 2, 2006 15:04 MST"}}</div>
  {{range .Messages}}<div class="msg">
    <span class="sender">{{.Sender}}</span>{{if .SentAt}}<span class="when">{{.SentAt}}</span>{{end}}
    {{if .Text}}<div>{{.Text}}</div>{{end}}
    {{if .ImageURL}}<img src="{{.ImageURL}}" alt="attachment">{{end}}
  </div>{{else}}<p>No messages yet.</p>{{end}}
</body>
</html>`))

func renderTranscriptHTML(trip store.Trip, msgs []store.ChatMessage) (string, error) {
	data := transcriptData{
		Location:    trip.Location,
		MemberCount: len(trip.Joined),
		ExportedAt:  time.Now(),
	}
	for _, m := range msgs {
		tm := transcriptMessage{
			Sender:   m.Sender.Name,
			Text:     m.Text,
			ImageURL: m.ImageURL,
		}
		if m.SentAt != nil {
			tm.SentAt = m.SentAt.Format("Jan 2, 2006 15:04")
		}
		data.Messages = append(data.Messages, tm)
	}

	var buf bytes.Buffer
	if err := transcriptTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}
