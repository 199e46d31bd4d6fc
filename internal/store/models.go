package store

import "time"

// Identity is the authenticated user as established at session start.
// A zero Identity (empty Email) means anonymous; anonymous callers are
// rejected by every write path.
type Identity struct {
	ID          string `json:"id"`
	Email       string `json:"email"`
	DisplayName string `json:"displayName"`
	PictureURL  string `json:"pictureUrl"`
}

// Anonymous reports whether the identity is absent.
func (i Identity) Anonymous() bool {
	return i.Email == ""
}

type Notification struct {
	ID             string    `json:"id"`
	RecipientEmail string    `json:"recipientEmail"`
	TripID         string    `json:"tripId"`
	Message        string    `json:"message"`
	Kind           string    `json:"kind"`
	Destination    string    `json:"destination"`
	Read           bool      `json:"read"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Sender is the snapshot of the sending identity embedded in a message.
type Sender struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	PictureURL string `json:"picture"`
}

// ChatMessage is one group-chat message. SentAt is nil while the message
// is a local optimistic echo that has not been confirmed by the store, and
// may be nil on rows written before the sent_at column was backfilled;
// nil sorts after every timestamped message.
type ChatMessage struct {
	ID       string     `json:"id"`
	TripID   string     `json:"tripId"`
	Text     string     `json:"text"`
	ImageURL string     `json:"imageUrl,omitempty"`
	Sender   Sender     `json:"sender"`
	SentAt   *time.Time `json:"sentAt"`
}

// Trip is referenced by notifications and chat messages but never mutated
// by this service.
type Trip struct {
	ID       string       `json:"id"`
	Location string       `json:"location"`
	IsPublic bool         `json:"isPublic"`
	Joined   []TripMember `json:"joinedUsers"`
}

type TripMember struct {
	Email      string `json:"email"`
	Name       string `json:"name"`
	PictureURL string `json:"picture"`
}
