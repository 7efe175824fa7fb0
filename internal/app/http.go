package app

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"docsync/live/internal/export"
	"docsync/live/internal/search"
	"docsync/live/internal/store"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
	logger     *slog.Logger
	metrics    http.Handler

	connMu sync.Mutex
	conns  map[*wsConn]struct{}
}

func NewHTTPServer(service *Service, corsOrigin string, logger *slog.Logger) *HTTPServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPServer{
		service:    service,
		corsOrigin: corsOrigin,
		logger:     logger,
		metrics:    promhttp.Handler(),
		conns:      make(map[*wsConn]struct{}),
	}
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

	if r.Method == http.MethodGet && r.URL.Path == "/metrics" {
		s.metrics.ServeHTTP(w, r)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/collaboration" {
		s.handleCollaboration(w, r)
		return
	}

	// Everything below is server-to-server and needs a service token.
	if _, ok := s.requireService(w, r); !ok {
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/convert/html-to-binary" {
		var body struct {
			HTML string `json:"html"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		data, err := s.service.ConvertHTML(body.HTML)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"binary": base64.StdEncoding.EncodeToString(data)})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/convert/binary-to-html" {
		var body struct {
			Binary string `json:"binary"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		data, err := base64.StdEncoding.DecodeString(body.Binary)
		if err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", "binary must be base64", nil)
			return
		}
		presentation, corrupt := s.service.ConvertBinary(data)
		writeJSON(w, http.StatusOK, map[string]any{
			"html":    presentation.HTML,
			"tree":    presentation.Tree,
			"corrupt": corrupt,
		})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/redact" {
		var body struct {
			HTML *string `json:"html"`
			Text *string `json:"text"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		response := map[string]any{}
		if body.HTML != nil {
			response["html"] = s.service.RedactHTML(*body.HTML)
		}
		if body.Text != nil {
			response["text"] = s.service.RedactText(*body.Text)
		}
		if len(response) == 0 {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "html or text is required", nil)
			return
		}
		writeJSON(w, http.StatusOK, response)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/search" {
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
		writeJSON(w, http.StatusOK, s.service.Search(r.Context(), search.Query{
			Text:      strings.TrimSpace(r.URL.Query().Get("q")),
			Workspace: r.URL.Query().Get("workspace"),
			Project:   r.URL.Query().Get("project"),
			Limit:     limit,
			Offset:    offset,
		}))
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/sessions" {
		writeJSON(w, http.StatusOK, map[string]any{"sessions": s.service.Sessions()})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/sessions" {
		var body struct {
			Cookie      string    `json:"cookie"`
			UserID      string    `json:"userId"`
			DisplayName string    `json:"displayName"`
			Role        string    `json:"role"`
			ExpiresAt   time.Time `json:"expiresAt"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		err := s.service.RegisterSession(r.Context(), body.Cookie, store.SessionRecord{
			UserID:      body.UserID,
			DisplayName: body.DisplayName,
			Role:        body.Role,
			ExpiresAt:   body.ExpiresAt,
		})
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"ok": true})
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) >= 6 && parts[0] == "api" && parts[1] == "documents" {
		key := store.DocumentKey{Workspace: parts[2], Project: parts[3], DocumentID: parts[4]}
		s.handleDocument(w, r, key, parts[5:])
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
}

// handleDocument serves /api/documents/{workspace}/{project}/{id}/...
func (s *HTTPServer) handleDocument(w http.ResponseWriter, r *http.Request, key store.DocumentKey, rest []string) {
	switch {
	case r.Method == http.MethodPost && len(rest) == 1 && rest[0] == "flush":
		var body struct {
			Actor string `json:"actor"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		result, err := s.service.Flush(r.Context(), key, body.Actor)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, result)

	case r.Method == http.MethodGet && len(rest) == 1 && rest[0] == "revisions":
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		revisions, err := s.service.Revisions(key, limit)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"revisions": revisions})

	case r.Method == http.MethodGet && len(rest) == 1 && rest[0] == "snapshots":
		snapshots, err := s.service.Snapshots(r.Context(), key)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"snapshots": snapshots})

	case r.Method == http.MethodGet && len(rest) == 2 && rest[0] == "snapshots":
		presentation, err := s.service.Snapshot(r.Context(), key, rest[1])
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"name": rest[1], "html": presentation.HTML})

	case r.Method == http.MethodPost && len(rest) == 3 && rest[0] == "revisions" && rest[2] == "restore":
		revision, err := s.service.RestoreRevision(r.Context(), key, rest[1])
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"restored": revision})

	case r.Method == http.MethodGet && len(rest) == 1 && rest[0] == "export":
		format, ok := export.ParseFormat(r.URL.Query().Get("format"))
		if !ok {
			writeError(w, http.StatusBadRequest, "UNSUPPORTED_FORMAT", "format must be pdf, docx or html", nil)
			return
		}
		result, err := s.service.Export(r.Context(), key, format, r.URL.Query().Get("title"), r.Header.Get("Cookie"))
		if err != nil {
			s.fail(w, err)
			return
		}
		w.Header().Set("Content-Type", result.MimeType)
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", result.Filename))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(result.Data)

	case r.Method == http.MethodPost && len(rest) == 1 && rest[0] == "broadcast":
		var body struct {
			Event   string          `json:"event"`
			Payload json.RawMessage `json:"payload"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		delivered, err := s.service.Broadcast(r.Context(), key, body.Event, body.Payload)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"delivered": delivered})

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
	}
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{}
	for name, err := range s.service.Ready(ctx) {
		if err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks[name] = map[string]any{"status": "error", "error": err.Error()}
			continue
		}
		checks[name] = map[string]any{"status": "ok"}
	}

	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) requireService(w http.ResponseWriter, r *http.Request) (string, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return "", false
	}
	claims, err := s.service.AuthorizeService(token)
	if err != nil {
		s.fail(w, err)
		return "", false
	}
	return claims.Sub, true
}

func (s *HTTPServer) fail(w http.ResponseWriter, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "code", code, "error", err)
	}
	writeError(w, status, code, message, details)
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

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Hijack lets the WebSocket upgrade take over the connection.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
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
	header.Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
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

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) || errors.Is(err, io.EOF) {
			return nil
		}
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
