package app

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"quire/api/internal/notify"
	"quire/api/internal/search"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
	logger     *slog.Logger
}

func NewHTTPServer(service *Service, corsOrigin string, logger *slog.Logger) *HTTPServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPServer{service: service, corsOrigin: corsOrigin, logger: logger}
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
		s.handleReady(w, r)
		return
	}

	if r.URL.Path == "/api/notifications" {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			return
		}
		session, ok := s.requireSession(w, r)
		if !ok {
			return
		}
		s.handleNotify(w, r, session)
		return
	}

	if r.URL.Path == "/api/inbox" || r.URL.Path == "/api/inbox/stream" {
		session, ok := s.requireSession(w, r)
		if !ok {
			return
		}
		s.handleInbox(w, r, session)
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) >= 3 && parts[0] == "api" && parts[1] == "rooms" {
		roomID := parts[2]
		if strings.TrimSpace(roomID) == "" {
			writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
			return
		}
		s.handleRoom(w, r, roomID, parts[3:])
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

type readinessCheck struct {
	name     string
	required bool
	ping     func(context.Context) error
}

// handleReady pings the dependencies. Only the database gates readiness;
// the inbox is reported but optional.
func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	deps := []readinessCheck{{name: "database", required: true, ping: s.service.Ping}}
	if s.service.InboxConfigured() {
		deps = append(deps, readinessCheck{name: "inbox", ping: s.service.PingInbox})
	}

	ready := true
	checks := map[string]any{}
	for _, dep := range deps {
		if err := dep.ping(ctx); err != nil {
			checks[dep.name] = map[string]any{"status": "error", "error": err.Error()}
			if dep.required {
				ready = false
			}
			continue
		}
		checks[dep.name] = map[string]any{"status": "ok"}
	}

	status, statusCode := "ready", http.StatusOK
	if !ready {
		status, statusCode = "not_ready", http.StatusServiceUnavailable
	}
	writeJSON(w, statusCode, map[string]any{
		"ok":     ready,
		"status": status,
		"checks": checks,
		"rooms":  s.service.OpenRooms(),
	})
}

func (s *HTTPServer) handleRoom(w http.ResponseWriter, r *http.Request, roomID string, rest []string) {
	// browsers cannot set headers on a websocket handshake, so sync also
	// accepts the token as a query parameter
	if len(rest) == 1 && rest[0] == "sync" && r.Method == http.MethodGet {
		token := bearerToken(r)
		if token == "" {
			token = strings.TrimSpace(r.URL.Query().Get("token"))
		}
		session, ok := s.sessionFromToken(w, r, token)
		if !ok {
			return
		}
		if err := s.service.ServeRoom(w, r, session, roomID); err != nil {
			writeMappedError(w, err)
		}
		return
	}

	session, ok := s.requireSession(w, r)
	if !ok {
		return
	}

	if len(rest) == 1 && rest[0] == "threads" && r.Method == http.MethodGet {
		records, err := s.service.Threads(r.Context(), session, roomID)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"threads": records})
		return
	}

	if len(rest) == 2 && rest[0] == "threads" && rest[1] == "search" && r.Method == http.MethodGet {
		query := r.URL.Query()
		resp, err := s.service.SearchThreads(r.Context(), session, search.Query{
			RoomID:          roomID,
			Text:            query.Get("q"),
			IncludeResolved: query.Get("resolved") == "true",
			Limit:           queryInt(query.Get("limit"), 20),
			Offset:          queryInt(query.Get("offset"), 0),
		})
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleNotify(w http.ResponseWriter, r *http.Request, session Session) {
	var n notify.Notification
	if err := json.NewDecoder(r.Body).Decode(&n); err != nil {
		if errors.Is(err, notify.ErrInvalidNotification) {
			writeMappedError(w, err)
			return
		}
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "invalid JSON body", nil)
		return
	}
	if n.Timestamp.UnixMilli() == 0 {
		n.Timestamp = time.Now()
	}

	report, err := s.service.Notify(r.Context(), session, n)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	status := http.StatusAccepted
	if report.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, report)
}

func (s *HTTPServer) handleInbox(w http.ResponseWriter, r *http.Request, session Session) {
	switch {
	case r.URL.Path == "/api/inbox/stream" && r.Method == http.MethodGet:
		s.streamInbox(w, r, session)
	case r.Method == http.MethodGet:
		items, err := s.service.Inbox(r.Context(), session, int64(queryInt(r.URL.Query().Get("limit"), 50)))
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items})
	case r.Method == http.MethodDelete && r.URL.Path == "/api/inbox":
		if err := s.service.ClearInbox(r.Context(), session); err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	default:
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	}
}

// streamInbox relays live inbox items as server-sent events until the
// client goes away.
func (s *HTTPServer) streamInbox(w http.ResponseWriter, r *http.Request, session Session) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Streaming unsupported", nil)
		return
	}
	items, err := s.service.SubscribeInbox(r.Context(), session)
	if err != nil {
		writeMappedError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for item := range items {
		payload, err := json.Marshal(item)
		if err != nil {
			continue
		}
		if _, err := fmt.Fprintf(w, "event: notification\ndata: %s\n\n", payload); err != nil {
			return
		}
		flusher.Flush()
	}
}

func (s *HTTPServer) requireSession(w http.ResponseWriter, r *http.Request) (Session, bool) {
	return s.sessionFromToken(w, r, bearerToken(r))
}

func (s *HTTPServer) sessionFromToken(w http.ResponseWriter, r *http.Request, token string) (Session, bool) {
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return Session{}, false
	}
	session, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		if isAuthError(err) {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return Session{}, false
		}
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Session lookup failed", nil)
		return Session{}, false
	}
	return session, true
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

		s.logger.Info("request",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", writer.status,
			"duration_ms", time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

// RequestID returns the id the middleware assigned to the request.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Hijack lets the relay take over the connection for websockets.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hijacker.Hijack()
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
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

func queryInt(raw string, fallback int) int {
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || value < 0 {
		return fallback
	}
	return value
}
