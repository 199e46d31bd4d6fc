package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"tripmate/api/internal/export"
	"tripmate/api/internal/notify"
	"tripmate/api/internal/search"
	"tripmate/api/internal/store"
)

type fakeData struct {
	mu         sync.Mutex
	trips      map[string]store.Trip
	messages   []store.ChatMessage
	orderedErr error
	nextSeq    int
}

func newFakeData() *fakeData {
	return &fakeData{trips: map[string]store.Trip{}}
}

func (f *fakeData) Ping(ctx context.Context) error { return nil }

func (f *fakeData) GetTrip(ctx context.Context, id string) (store.Trip, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.trips[id]
	if !ok {
		return store.Trip{}, fmt.Errorf("trip %s: %w", id, store.ErrNotFound)
	}
	return t, nil
}

func (f *fakeData) ListPublicTrips(ctx context.Context) ([]store.Trip, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Trip
	for _, t := range f.trips {
		if t.IsPublic {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeData) InsertMessage(ctx context.Context, m store.ChatMessage) (store.ChatMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextSeq++
	m.ID = fmt.Sprintf("msg_%d", f.nextSeq)
	now := time.Now()
	m.SentAt = &now
	f.messages = append(f.messages, m)
	return m, nil
}

func (f *fakeData) ListMessagesOrdered(ctx context.Context, tripID string) ([]store.ChatMessage, error) {
	if f.orderedErr != nil {
		return nil, f.orderedErr
	}
	return f.byTrip(tripID), nil
}

func (f *fakeData) ListMessagesByTrip(ctx context.Context, tripID string) ([]store.ChatMessage, error) {
	// Deliberately reversed so degraded responses prove the server sorted.
	msgs := f.byTrip(tripID)
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

func (f *fakeData) byTrip(tripID string) []store.ChatMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.ChatMessage
	for _, m := range f.messages {
		if m.TripID == tripID {
			out = append(out, m)
		}
	}
	return out
}

type fakeSessions struct {
	mu    sync.Mutex
	items map[string]store.Identity
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{items: map[string]store.Identity{}}
}

func (f *fakeSessions) Load(ctx context.Context, sessionID string) (store.Identity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.items[sessionID]
	if !ok {
		return store.Identity{}, fmt.Errorf("session %s not found", sessionID)
	}
	return id, nil
}

func (f *fakeSessions) Save(ctx context.Context, sessionID string, identity store.Identity) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items[sessionID] = identity
	return nil
}

func (f *fakeSessions) Clear(ctx context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.items, sessionID)
	return nil
}

type fakeNotifyDocs struct {
	mu    sync.Mutex
	items []store.Notification
	seq   int
}

func (f *fakeNotifyDocs) InsertNotification(ctx context.Context, n store.Notification) (store.Notification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	n.ID = fmt.Sprintf("ntf_%d", f.seq)
	n.Read = false
	n.CreatedAt = time.Now()
	f.items = append(f.items, n)
	return n, nil
}

func (f *fakeNotifyDocs) ListNotifications(ctx context.Context, email string, limit int) ([]store.Notification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Notification
	for _, n := range f.items {
		if n.RecipientEmail == email {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeNotifyDocs) ListUnreadNotifications(ctx context.Context, email string) ([]store.Notification, error) {
	all, _ := f.ListNotifications(ctx, email, 0)
	var out []store.Notification
	for _, n := range all {
		if !n.Read {
			out = append(out, n)
		}
	}
	return out, nil
}

func (f *fakeNotifyDocs) MarkNotificationRead(ctx context.Context, id string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, n := range f.items {
		if n.ID == id {
			f.items[i].Read = true
			return n.RecipientEmail, nil
		}
	}
	return "", fmt.Errorf("notification %s: %w", id, store.ErrNotFound)
}

type fakeUploader struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeUploader) Upload(ctx context.Context, tripID, fileName, contentType string, data io.Reader, size int64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	_, _ = io.Copy(io.Discard, data)
	return "http://cdn.local/chat-images/" + tripID + "/" + fileName, nil
}

type fakePublisher struct {
	mu     sync.Mutex
	topics []string
}

func (f *fakePublisher) Publish(ctx context.Context, topic string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.topics = append(f.topics, topic)
	return nil
}

type fakeSearch struct {
	mu      sync.Mutex
	indexed []search.MessageRecord
	resp    search.Response
}

func (f *fakeSearch) Search(q search.Query) search.Response { return f.resp }

func (f *fakeSearch) IndexMessage(rec search.MessageRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.indexed = append(f.indexed, rec)
}

type fakeExporter struct{}

func (f *fakeExporter) Transcript(ctx context.Context, tripID string, format export.Format) (*export.Result, error) {
	if format != export.FormatHTML {
		return nil, export.ErrUnknownFormat
	}
	return &export.Result{
		Data:     []byte("<html>transcript</html>"),
		Filename: "trip-chat.html",
		MimeType: "text/html; charset=utf-8",
	}, nil
}

type testEnv struct {
	data     *fakeData
	sessions *fakeSessions
	docs     *fakeNotifyDocs
	uploader *fakeUploader
	feed     *fakePublisher
	search   *fakeSearch
	server   *httptest.Server
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		data:     newFakeData(),
		sessions: newFakeSessions(),
		docs:     &fakeNotifyDocs{},
		uploader: &fakeUploader{},
		feed:     &fakePublisher{},
		search:   &fakeSearch{},
	}
	svc := NewService(Deps{
		Store:         env.data,
		Sessions:      env.sessions,
		Notifications: notify.NewService(env.docs, env.feed),
		Uploader:      env.uploader,
		Feed:          env.feed,
		Search:        env.search,
		Export:        &fakeExporter{},
	})
	env.server = httptest.NewServer(NewHTTPServer(svc, "*").Handler())
	t.Cleanup(env.server.Close)
	return env
}

func (env *testEnv) signIn(t *testing.T, email, name string) string {
	t.Helper()
	token := "tok-" + email
	err := env.sessions.Save(context.Background(), token, store.Identity{
		ID: "usr-" + email, Email: email, DisplayName: name,
	})
	if err != nil {
		t.Fatalf("save session: %v", err)
	}
	return token
}

func doJSON(t *testing.T, method, url, token string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer resp.Body.Close()
	var decoded map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	resp, body := doJSON(t, http.MethodGet, env.server.URL+"/api/health", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body["ok"] != true {
		t.Errorf("body = %v", body)
	}
}

func TestSessionRoundTrip(t *testing.T) {
	env := newTestEnv(t)

	resp, body := doJSON(t, http.MethodPost, env.server.URL+"/api/session/login", "", store.Identity{
		ID: "usr_1", Email: "a@x.com", DisplayName: "Ada",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login status = %d", resp.StatusCode)
	}
	token, _ := body["token"].(string)
	if token == "" {
		t.Fatal("login returned no token")
	}

	resp, body = doJSON(t, http.MethodGet, env.server.URL+"/api/session", token, nil)
	if resp.StatusCode != http.StatusOK || body["authenticated"] != true {
		t.Fatalf("session fetch = %d %v", resp.StatusCode, body)
	}
	identity, _ := body["identity"].(map[string]any)
	if identity["email"] != "a@x.com" {
		t.Errorf("identity = %v", identity)
	}

	if resp, _ := doJSON(t, http.MethodPost, env.server.URL+"/api/session/logout", token, nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("logout status = %d", resp.StatusCode)
	}
	_, body = doJSON(t, http.MethodGet, env.server.URL+"/api/session", token, nil)
	if body["authenticated"] != false {
		t.Errorf("expected signed-out session, got %v", body)
	}
}

func TestLoginRejectsAnonymousIdentity(t *testing.T) {
	env := newTestEnv(t)
	resp, body := doJSON(t, http.MethodPost, env.server.URL+"/api/session/login", "", store.Identity{DisplayName: "Nobody"})
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d body = %v", resp.StatusCode, body)
	}
}

func TestNotificationsRequireSession(t *testing.T) {
	env := newTestEnv(t)
	resp, _ := doJSON(t, http.MethodGet, env.server.URL+"/api/notifications", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestNotificationFlow(t *testing.T) {
	env := newTestEnv(t)
	token := env.signIn(t, "a@x.com", "Ada")

	for i := 0; i < 3; i++ {
		resp, _ := doJSON(t, http.MethodPost, env.server.URL+"/api/notifications", token, map[string]any{
			"recipientEmail": "a@x.com",
			"tripId":         "trip-1",
			"message":        fmt.Sprintf("update %d", i),
			"kind":           "chat",
			"destination":    "/trips/trip-1",
		})
		if resp.StatusCode != http.StatusCreated {
			t.Fatalf("create status = %d", resp.StatusCode)
		}
	}

	resp, body := doJSON(t, http.MethodGet, env.server.URL+"/api/notifications", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list status = %d", resp.StatusCode)
	}
	list, _ := body["notifications"].([]any)
	if len(list) != 3 || body["unreadCount"] != float64(3) {
		t.Fatalf("expected 3 unread, got %v", body)
	}

	first, _ := list[0].(map[string]any)
	id, _ := first["id"].(string)
	if resp, _ := doJSON(t, http.MethodPost, env.server.URL+"/api/notifications/"+id+"/read", token, nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("mark read status = %d", resp.StatusCode)
	}

	_, body = doJSON(t, http.MethodGet, env.server.URL+"/api/notifications", token, nil)
	if body["unreadCount"] != float64(2) {
		t.Fatalf("expected unreadCount 2, got %v", body["unreadCount"])
	}

	_, body = doJSON(t, http.MethodGet, env.server.URL+"/api/notifications?unread=true", token, nil)
	if list, _ := body["notifications"].([]any); len(list) != 2 {
		t.Fatalf("expected 2 unread in filtered list, got %d", len(list))
	}

	if resp, _ := doJSON(t, http.MethodPost, env.server.URL+"/api/notifications/read-all", token, nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("read-all status = %d", resp.StatusCode)
	}
	_, body = doJSON(t, http.MethodGet, env.server.URL+"/api/notifications", token, nil)
	if body["unreadCount"] != float64(0) {
		t.Fatalf("expected unreadCount 0 after read-all, got %v", body["unreadCount"])
	}
}

func TestMarkUnknownNotification(t *testing.T) {
	env := newTestEnv(t)
	token := env.signIn(t, "a@x.com", "Ada")
	resp, body := doJSON(t, http.MethodPost, env.server.URL+"/api/notifications/ntf_missing/read", token, nil)
	if resp.StatusCode != http.StatusNotFound || body["code"] != "NOT_FOUND" {
		t.Fatalf("status = %d body = %v", resp.StatusCode, body)
	}
}

func TestTripMessagesDegradedFallback(t *testing.T) {
	env := newTestEnv(t)
	env.data.trips["trip-1"] = store.Trip{ID: "trip-1", Location: "Lisbon"}
	token := env.signIn(t, "a@x.com", "Ada")

	for _, text := range []string{"first", "second"} {
		resp, _ := doJSON(t, http.MethodPost, env.server.URL+"/api/trips/trip-1/messages", token, map[string]any{"text": text})
		if resp.StatusCode != http.StatusCreated {
			t.Fatalf("send status = %d", resp.StatusCode)
		}
	}

	resp, body := doJSON(t, http.MethodGet, env.server.URL+"/api/trips/trip-1/messages", "", nil)
	if resp.StatusCode != http.StatusOK || body["degraded"] != false {
		t.Fatalf("ordered fetch = %d %v", resp.StatusCode, body["degraded"])
	}

	env.data.orderedErr = store.ErrQueryUnsupported
	resp, body = doJSON(t, http.MethodGet, env.server.URL+"/api/trips/trip-1/messages", "", nil)
	if resp.StatusCode != http.StatusOK || body["degraded"] != true {
		t.Fatalf("degraded fetch = %d %v", resp.StatusCode, body["degraded"])
	}
	msgs, _ := body["messages"].([]any)
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	first, _ := msgs[0].(map[string]any)
	if first["text"] != "first" {
		t.Errorf("degraded response must still be oldest first, got %v", first["text"])
	}
}

func TestSendRequiresSession(t *testing.T) {
	env := newTestEnv(t)
	resp, _ := doJSON(t, http.MethodPost, env.server.URL+"/api/trips/trip-1/messages", "", map[string]any{"text": "hi"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestSendRejectsEmptyMessage(t *testing.T) {
	env := newTestEnv(t)
	token := env.signIn(t, "a@x.com", "Ada")
	resp, body := doJSON(t, http.MethodPost, env.server.URL+"/api/trips/trip-1/messages", token, map[string]any{"text": "   "})
	if resp.StatusCode != http.StatusUnprocessableEntity || body["code"] != "EMPTY_MESSAGE" {
		t.Fatalf("status = %d body = %v", resp.StatusCode, body)
	}
}

func multipartSend(t *testing.T, url, token, text, fileName string, fileSize int) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if text != "" {
		_ = mw.WriteField("text", text)
	}
	if fileName != "" {
		fw, err := mw.CreateFormFile("image", fileName)
		if err != nil {
			t.Fatalf("create form file: %v", err)
		}
		if _, err := fw.Write(bytes.Repeat([]byte{0x42}, fileSize)); err != nil {
			t.Fatalf("write form file: %v", err)
		}
	}
	_ = mw.Close()

	req, err := http.NewRequest(http.MethodPost, url, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer resp.Body.Close()
	var decoded map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func TestSendWithAttachment(t *testing.T) {
	env := newTestEnv(t)
	env.data.trips["trip-1"] = store.Trip{ID: "trip-1", Location: "Lisbon"}
	token := env.signIn(t, "a@x.com", "Ada")

	resp, body := multipartSend(t, env.server.URL+"/api/trips/trip-1/messages", token, "look at this", "photo.png", 1024)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d body = %v", resp.StatusCode, body)
	}
	if env.uploader.calls != 1 {
		t.Fatalf("expected 1 upload, got %d", env.uploader.calls)
	}
	imageURL, _ := body["imageUrl"].(string)
	if !strings.Contains(imageURL, "chat-images/trip-1/") {
		t.Errorf("imageUrl = %q", imageURL)
	}
	if len(env.feed.topics) == 0 || env.feed.topics[len(env.feed.topics)-1] != "chat:trip-1" {
		t.Errorf("expected chat topic announced, got %v", env.feed.topics)
	}
	if len(env.search.indexed) != 1 || env.search.indexed[0].Text != "look at this" {
		t.Errorf("expected message indexed, got %v", env.search.indexed)
	}
}

func TestSendOversizedAttachmentNeverUploads(t *testing.T) {
	env := newTestEnv(t)
	token := env.signIn(t, "a@x.com", "Ada")

	resp, body := multipartSend(t, env.server.URL+"/api/trips/trip-1/messages", token, "", "huge.png", 3<<20)
	if resp.StatusCode != http.StatusRequestEntityTooLarge || body["code"] != "ATTACHMENT_TOO_LARGE" {
		t.Fatalf("status = %d body = %v", resp.StatusCode, body)
	}
	if env.uploader.calls != 0 {
		t.Errorf("oversized attachment must cause zero upload calls, got %d", env.uploader.calls)
	}
	if len(env.data.messages) != 0 {
		t.Errorf("oversized attachment must not write a message")
	}
}

func TestSearchEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.search.resp = search.Response{
		Results: []search.Result{{ID: "msg_1", TripID: "trip-1", Snippet: "hello <mark>world</mark>"}},
		Total:   1,
		Query:   "world",
	}
	resp, body := doJSON(t, http.MethodGet, env.server.URL+"/api/trips/trip-1/messages/search?q=world", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	results, _ := body["results"].([]any)
	if len(results) != 1 || body["total"] != float64(1) {
		t.Errorf("body = %v", body)
	}
}

func TestTranscriptEndpoint(t *testing.T) {
	env := newTestEnv(t)
	req, _ := http.NewRequest(http.MethodGet, env.server.URL+"/api/trips/trip-1/transcript", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Errorf("content type = %q", ct)
	}
	if cd := resp.Header.Get("Content-Disposition"); !strings.Contains(cd, "attachment") {
		t.Errorf("content disposition = %q", cd)
	}
	data, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(data), "transcript") {
		t.Errorf("body = %q", data)
	}
}

func TestUnknownRouteIs404(t *testing.T) {
	env := newTestEnv(t)
	resp, body := doJSON(t, http.MethodGet, env.server.URL+"/api/nope", "", nil)
	if resp.StatusCode != http.StatusNotFound || body["code"] != "NOT_FOUND" {
		t.Fatalf("status = %d body = %v", resp.StatusCode, body)
	}
}

func TestCORSHeadersPresent(t *testing.T) {
	env := newTestEnv(t)
	req, _ := http.NewRequest(http.MethodOptions, env.server.URL+"/api/session", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("preflight status = %d", resp.StatusCode)
	}
	if resp.Header.Get("Access-Control-Allow-Origin") != "*" {
		t.Errorf("missing CORS origin header")
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Errorf("missing request id header")
	}
}
