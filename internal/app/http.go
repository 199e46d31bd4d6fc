package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"tripmate/api/internal/chat"
	"tripmate/api/internal/export"
	"tripmate/api/internal/search"
	"tripmate/api/internal/store"
)

// Multipart sends are parsed with a memory budget slightly above the
// selection cap so an oversized file is still read far enough to reject.
const maxSendFormBytes = 6 << 20

type HTTPServer struct {
	service    *Service
	corsOrigin string
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{
			"database": map[string]any{"status": "ok"},
		}
		if err := s.service.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["database"] = map[string]any{"status": "error", "error": err.Error()}
		}
		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/session" {
		token := bearerToken(r)
		if token == "" {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "identity": nil})
			return
		}
		identity, err := s.service.Identify(r.Context(), token)
		if err != nil {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "identity": nil})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"authenticated": true, "identity": identity})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/session/login" {
		var body store.Identity
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error())
			return
		}
		token, err := s.service.SignIn(r.Context(), body)
		if err != nil {
			status, code, message := mapError(err)
			writeError(w, status, code, message)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"token": token, "identity": body})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/session/logout" {
		if token := bearerToken(r); token != "" {
			_ = s.service.SignOut(r.Context(), token)
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	parts := splitPath(r.URL.Path)

	// /api/notifications...
	if len(parts) >= 2 && parts[0] == "api" && parts[1] == "notifications" {
		s.handleNotifications(w, r, parts[2:])
		return
	}

	// /api/trips...
	if len(parts) >= 2 && parts[0] == "api" && parts[1] == "trips" {
		s.handleTrips(w, r, parts[2:])
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found")
}

func (s *HTTPServer) handleNotifications(w http.ResponseWriter, r *http.Request, rest []string) {
	identity, err := s.identify(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized")
		return
	}

	switch {
	case r.Method == http.MethodGet && len(rest) == 0:
		unreadOnly := r.URL.Query().Get("unread") == "true"
		list, unread, err := s.service.Notifications(r.Context(), identity.Email, unreadOnly)
		if err != nil {
			status, code, message := mapError(err)
			writeError(w, status, code, message)
			return
		}
		if list == nil {
			list = []store.Notification{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"notifications": list, "unreadCount": unread})

	case r.Method == http.MethodPost && len(rest) == 0:
		var body struct {
			RecipientEmail string `json:"recipientEmail"`
			TripID         string `json:"tripId"`
			Message        string `json:"message"`
			Kind           string `json:"kind"`
			Destination    string `json:"destination"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error())
			return
		}
		created, err := s.service.CreateNotification(r.Context(), body.RecipientEmail, body.TripID, body.Message, body.Kind, body.Destination)
		if err != nil {
			status, code, message := mapError(err)
			writeError(w, status, code, message)
			return
		}
		writeJSON(w, http.StatusCreated, created)

	case r.Method == http.MethodPost && len(rest) == 1 && rest[0] == "read-all":
		if err := s.service.MarkAllNotificationsRead(r.Context(), identity.Email); err != nil {
			status, code, message := mapError(err)
			writeError(w, status, code, message)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})

	case r.Method == http.MethodPost && len(rest) == 2 && rest[1] == "read":
		if err := s.service.MarkNotificationRead(r.Context(), rest[0]); err != nil {
			status, code, message := mapError(err)
			writeError(w, status, code, message)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found")
	}
}

func (s *HTTPServer) handleTrips(w http.ResponseWriter, r *http.Request, rest []string) {
	switch {
	case r.Method == http.MethodGet && len(rest) == 0:
		trips, err := s.service.PublicTrips(r.Context())
		if err != nil {
			status, code, message := mapError(err)
			writeError(w, status, code, message)
			return
		}
		if trips == nil {
			trips = []store.Trip{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"trips": trips})

	case r.Method == http.MethodGet && len(rest) == 1:
		trip, err := s.service.GetTrip(r.Context(), rest[0])
		if err != nil {
			status, code, message := mapError(err)
			writeError(w, status, code, message)
			return
		}
		writeJSON(w, http.StatusOK, trip)

	case r.Method == http.MethodGet && len(rest) == 2 && rest[1] == "messages":
		msgs, degraded, err := s.service.TripMessages(r.Context(), rest[0])
		if err != nil {
			status, code, message := mapError(err)
			writeError(w, status, code, message)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"messages": msgs, "degraded": degraded})

	case r.Method == http.MethodPost && len(rest) == 2 && rest[1] == "messages":
		s.handleSendMessage(w, r, rest[0])

	case r.Method == http.MethodGet && len(rest) == 3 && rest[1] == "messages" && rest[2] == "search":
		q := search.Query{
			Text:   r.URL.Query().Get("q"),
			TripID: rest[0],
		}
		if v := r.URL.Query().Get("limit"); v != "" {
			q.Limit, _ = strconv.Atoi(v)
		}
		if v := r.URL.Query().Get("offset"); v != "" {
			q.Offset, _ = strconv.Atoi(v)
		}
		writeJSON(w, http.StatusOK, s.service.SearchMessages(q))

	case r.Method == http.MethodGet && len(rest) == 2 && rest[1] == "transcript":
		format := export.Format(r.URL.Query().Get("format"))
		if format == "" {
			format = export.FormatHTML
		}
		result, err := s.service.Transcript(r.Context(), rest[0], format)
		if err != nil {
			status, code, message := mapError(err)
			writeError(w, status, code, message)
			return
		}
		w.Header().Set("Content-Type", result.MimeType)
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", result.Filename))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(result.Data)

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found")
	}
}

func (s *HTTPServer) handleSendMessage(w http.ResponseWriter, r *http.Request, tripID string) {
	identity, err := s.identify(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized")
		return
	}

	var (
		text string
		att  *chat.Attachment
	)
	contentType := r.Header.Get("Content-Type")
	if strings.HasPrefix(contentType, "multipart/form-data") {
		if err := r.ParseMultipartForm(maxSendFormBytes); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", "invalid multipart form")
			return
		}
		text = r.FormValue("text")
		file, header, err := r.FormFile("image")
		if err == nil {
			defer file.Close()
			att = &chat.Attachment{
				Name:        header.Filename,
				ContentType: header.Header.Get("Content-Type"),
				Size:        header.Size,
				Data:        file,
			}
		} else if !errors.Is(err, http.ErrMissingFile) {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", "invalid image field")
			return
		}
	} else {
		var body struct {
			Text string `json:"text"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error())
			return
		}
		text = body.Text
	}

	written, err := s.service.SendMessage(r.Context(), identity, tripID, text, att)
	if err != nil {
		status, code, message := mapError(err)
		writeError(w, status, code, message)
		return
	}
	writeJSON(w, http.StatusCreated, written)
}

func (s *HTTPServer) identify(r *http.Request) (store.Identity, error) {
	token := bearerToken(r)
	if token == "" {
		return store.Identity{}, errors.New("missing bearer token")
	}
	return s.service.Identify(r.Context(), token)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{"code": code, "error": message})
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(target); err != nil {
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}
