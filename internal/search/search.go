// Package search finds messages in a trip's chat history. Meilisearch is
// the primary backend when configured; Postgres serves as the always-on
// fallback so search never depends on the indexer being up.
package search

import "time"

// MessageRecord is the data indexed per chat message.
type MessageRecord struct {
	ID     string `json:"id"`
	TripID string `json:"tripId"`
	Text   string `json:"text"`
	Sender string `json:"sender"`
	SentAt int64  `json:"sentAt"`
}

// Result is a single search hit returned to the caller.
type Result struct {
	ID      string    `json:"id"`
	TripID  string    `json:"tripId"`
	Snippet string    `json:"snippet"`
	Sender  string    `json:"sender"`
	SentAt  time.Time `json:"sentAt"`
}

// Query describes a search request, always scoped to one trip.
type Query struct {
	Text   string
	TripID string
	Limit  int
	Offset int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a message search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}
