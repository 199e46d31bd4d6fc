package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"tripmate/api/internal/util"
)

type PostgresStore struct {
	db *sql.DB

	mu sync.Mutex
	// orderedChatOK goes sticky-true once the composite index has been
	// observed; a deployment never loses the capability while running.
	orderedChatOK bool
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) InsertNotification(ctx context.Context, n Notification) (Notification, error) {
	n.ID = util.NewID("ntf")
	n.Read = false
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO notifications (id, recipient_email, trip_id, message, kind, destination, read)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE)
		RETURNING created_at
	`, n.ID, n.RecipientEmail, n.TripID, n.Message, n.Kind, n.Destination).Scan(&n.CreatedAt)
	if err != nil {
		return Notification{}, fmt.Errorf("insert notification: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) ListNotifications(ctx context.Context, email string, limit int) ([]Notification, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, recipient_email, trip_id, message, kind, destination, read, created_at
		FROM notifications
		WHERE recipient_email = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, email, limit)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()
	return scanNotifications(rows)
}

func (s *PostgresStore) ListUnreadNotifications(ctx context.Context, email string) ([]Notification, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, recipient_email, trip_id, message, kind, destination, read, created_at
		FROM notifications
		WHERE recipient_email = $1 AND read = FALSE
		ORDER BY created_at DESC
	`, email)
	if err != nil {
		return nil, fmt.Errorf("list unread notifications: %w", err)
	}
	defer rows.Close()
	return scanNotifications(rows)
}

// MarkNotificationRead sets read=true on exactly one row and returns the
// recipient email so callers can announce the change. Marking an
// already-read notification is a no-op, not an error.
func (s *PostgresStore) MarkNotificationRead(ctx context.Context, id string) (string, error) {
	var email string
	err := s.db.QueryRowContext(ctx, `
		UPDATE notifications SET read = TRUE WHERE id = $1 RETURNING recipient_email
	`, id).Scan(&email)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("mark notification read %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("mark notification read: %w", err)
	}
	return email, nil
}

func scanNotifications(rows *sql.Rows) ([]Notification, error) {
	var out []Notification
	for rows.Next() {
		var n Notification
		if err := rows.Scan(&n.ID, &n.RecipientEmail, &n.TripID, &n.Message, &n.Kind, &n.Destination, &n.Read, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate notifications: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) InsertMessage(ctx context.Context, m ChatMessage) (ChatMessage, error) {
	m.ID = util.NewID("msg")
	var sentAt time.Time
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO trip_messages (id, trip_id, text, image_url, sender_id, sender_name, sender_picture)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7)
		RETURNING sent_at
	`, m.ID, m.TripID, m.Text, m.ImageURL, m.Sender.ID, m.Sender.Name, m.Sender.PictureURL).Scan(&sentAt)
	if err != nil {
		return ChatMessage{}, fmt.Errorf("insert message: %w", err)
	}
	m.SentAt = &sentAt
	return m, nil
}

// ListMessagesOrdered serves the filtered+ordered chat query. It requires
// the composite (trip_id, sent_at) index; without it the query is refused
// with ErrQueryUnsupported rather than risking a sequential scan over the
// whole collection on every push.
func (s *PostgresStore) ListMessagesOrdered(ctx context.Context, tripID string) ([]ChatMessage, error) {
	supported, err := s.chatOrderSupported(ctx)
	if err != nil {
		return nil, err
	}
	if !supported {
		return nil, fmt.Errorf("list messages ordered for trip %s: %w", tripID, ErrQueryUnsupported)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, trip_id, text, COALESCE(image_url, ''), sender_id, sender_name, sender_picture, sent_at
		FROM trip_messages
		WHERE trip_id = $1
		ORDER BY sent_at ASC NULLS LAST, seq ASC
	`, tripID)
	if err != nil {
		return nil, fmt.Errorf("list messages ordered: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// ListMessagesByTrip is the filter-only query that every deployment can
// serve; callers sort the result themselves.
func (s *PostgresStore) ListMessagesByTrip(ctx context.Context, tripID string) ([]ChatMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, trip_id, text, COALESCE(image_url, ''), sender_id, sender_name, sender_picture, sent_at
		FROM trip_messages
		WHERE trip_id = $1
	`, tripID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

func (s *PostgresStore) chatOrderSupported(ctx context.Context) (bool, error) {
	s.mu.Lock()
	ok := s.orderedChatOK
	s.mu.Unlock()
	if ok {
		return true, nil
	}

	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM pg_indexes WHERE indexname = 'idx_trip_messages_trip_sent')
	`).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check chat order index: %w", err)
	}
	if exists {
		s.mu.Lock()
		s.orderedChatOK = true
		s.mu.Unlock()
	}
	return exists, nil
}

func scanMessages(rows *sql.Rows) ([]ChatMessage, error) {
	var out []ChatMessage
	for rows.Next() {
		var m ChatMessage
		var sentAt sql.NullTime
		if err := rows.Scan(&m.ID, &m.TripID, &m.Text, &m.ImageURL, &m.Sender.ID, &m.Sender.Name, &m.Sender.PictureURL, &sentAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if sentAt.Valid {
			t := sentAt.Time
			m.SentAt = &t
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) GetTrip(ctx context.Context, id string) (Trip, error) {
	var t Trip
	err := s.db.QueryRowContext(ctx, `
		SELECT id, location, is_public FROM trips WHERE id = $1
	`, id).Scan(&t.ID, &t.Location, &t.IsPublic)
	if errors.Is(err, sql.ErrNoRows) {
		return Trip{}, fmt.Errorf("trip %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Trip{}, fmt.Errorf("get trip: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT email, name, picture FROM trip_members WHERE trip_id = $1 ORDER BY joined_at ASC
	`, id)
	if err != nil {
		return Trip{}, fmt.Errorf("get trip members: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var m TripMember
		if err := rows.Scan(&m.Email, &m.Name, &m.PictureURL); err != nil {
			return Trip{}, fmt.Errorf("scan trip member: %w", err)
		}
		t.Joined = append(t.Joined, m)
	}
	if err := rows.Err(); err != nil {
		return Trip{}, fmt.Errorf("iterate trip members: %w", err)
	}
	return t, nil
}

func (s *PostgresStore) ListPublicTrips(ctx context.Context) ([]Trip, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, location, is_public FROM trips WHERE is_public = TRUE ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list public trips: %w", err)
	}
	defer rows.Close()

	var out []Trip
	for rows.Next() {
		var t Trip
		if err := rows.Scan(&t.ID, &t.Location, &t.IsPublic); err != nil {
			return nil, fmt.Errorf("scan trip: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate trips: %w", err)
	}
	return out, nil
}
