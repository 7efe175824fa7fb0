package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"docsync/live/internal/auth"
	"docsync/live/internal/broadcast"
	"docsync/live/internal/collab"
	"docsync/live/internal/config"
	"docsync/live/internal/export"
	"docsync/live/internal/gitrepo"
	"docsync/live/internal/masking"
	"docsync/live/internal/prosemirror"
	"docsync/live/internal/search"
	"docsync/live/internal/store"
)

const defaultRevisionLimit = 50

type Pinger interface {
	Ping(ctx context.Context) error
}

type RevisionStore interface {
	Commit(key store.DocumentKey, content gitrepo.Content, author, message string) (gitrepo.Revision, bool, error)
	History(key store.DocumentKey, limit int) ([]gitrepo.Revision, error)
	Get(key store.DocumentKey, hash string) (gitrepo.Content, gitrepo.Revision, error)
}

type Archiver interface {
	Put(ctx context.Context, key store.DocumentKey, desc store.Description, at time.Time) (string, error)
	List(ctx context.Context, key store.DocumentKey) ([]store.ArchivedSnapshot, error)
	Get(ctx context.Context, key store.DocumentKey, name string) ([]byte, error)
}

type Searcher interface {
	Search(ctx context.Context, q search.Query) search.Response
}

type Exporter interface {
	Export(ctx context.Context, req export.Request) (*export.Result, error)
}

// SessionRegistrar stores login sessions when the server runs without an
// application API and checks identities itself.
type SessionRegistrar interface {
	SaveSession(ctx context.Context, cookie string, rec store.SessionRecord) error
}

// Deps are the collaborators of a Service. Only Docs, Manager, Gateway and
// Engine are required.
type Deps struct {
	Docs      store.DocumentStore
	Manager   *collab.Manager
	Gateway   *auth.Gateway
	Engine    *masking.Engine
	Exporter  Exporter
	Revisions RevisionStore
	Archive   Archiver
	Search    Searcher
	Sessions  SessionRegistrar
	Health    map[string]Pinger
	Logger    *slog.Logger
}

type Service struct {
	cfg       config.Config
	secret    []byte
	docs      store.DocumentStore
	manager   *collab.Manager
	gateway   *auth.Gateway
	engine    *masking.Engine
	exporter  Exporter
	revisions RevisionStore
	archive   Archiver
	search    Searcher
	sessions  SessionRegistrar
	health    map[string]Pinger
	logger    *slog.Logger
	now       func() time.Time
}

func New(cfg config.Config, deps Deps) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	exporter := deps.Exporter
	if exporter == nil {
		exporter = export.NewService(deps.Engine)
	}
	return &Service{
		cfg:       cfg,
		secret:    []byte(cfg.Secret),
		docs:      deps.Docs,
		manager:   deps.Manager,
		gateway:   deps.Gateway,
		engine:    deps.Engine,
		exporter:  exporter,
		revisions: deps.Revisions,
		archive:   deps.Archive,
		search:    deps.Search,
		sessions:  deps.Sessions,
		health:    deps.Health,
		logger:    logger,
		now:       time.Now,
	}
}

// Ready pings every registered dependency.
func (s *Service) Ready(ctx context.Context) map[string]error {
	results := make(map[string]error, len(s.health))
	for name, pinger := range s.health {
		results[name] = pinger.Ping(ctx)
	}
	return results
}

// AuthorizeService validates a service token issued with LIVE_SECRET.
func (s *Service) AuthorizeService(token string) (auth.ServiceClaims, error) {
	claims, err := auth.ParseServiceToken(s.secret, token)
	if err != nil {
		return auth.ServiceClaims{}, err
	}
	if claims.Scope != auth.ScopeDocuments {
		return auth.ServiceClaims{}, domainError(http.StatusForbidden, "FORBIDDEN", "Token scope does not cover documents", nil)
	}
	return claims, nil
}

// Authenticate admits a collaboration connection.
func (s *Service) Authenticate(ctx context.Context, token, cookie string) (*auth.SessionContext, error) {
	return s.gateway.Authenticate(ctx, token, cookie)
}

func (s *Service) Manager() *collab.Manager {
	return s.manager
}

type FlushResult struct {
	Key      store.DocumentKey `json:"key"`
	HTML     string            `json:"html"`
	Revision *gitrepo.Revision `json:"revision,omitempty"`
	Changed  bool              `json:"changed"`
	Archive  string            `json:"archive,omitempty"`
	Warnings []string          `json:"warnings,omitempty"`
}

// Flush masks and saves the live session of key, then records the saved
// snapshot in the archive and revision history. Archive and history
// failures are reported as warnings; the save itself already happened.
func (s *Service) Flush(ctx context.Context, key store.DocumentKey, actor string) (FlushResult, error) {
	snap, err := s.manager.Flush(ctx, key)
	if err != nil {
		return FlushResult{}, err
	}
	result := FlushResult{Key: key, HTML: snap.HTML}

	desc, err := snap.Description()
	if err != nil {
		return FlushResult{}, fmt.Errorf("describe snapshot: %w", err)
	}

	if s.archive != nil {
		name, err := s.archive.Put(ctx, key, desc, s.now())
		if err != nil {
			s.logger.Warn("archiving snapshot failed", "room", key.String(), "error", err)
			result.Warnings = append(result.Warnings, "archive failed")
		} else {
			result.Archive = name
		}
	}

	if s.revisions != nil {
		rev, changed, err := s.revisions.Commit(key, gitrepo.Content{HTML: snap.HTML, Doc: desc.Tree}, actor, "Flush document")
		if err != nil {
			s.logger.Warn("recording revision failed", "room", key.String(), "error", err)
			result.Warnings = append(result.Warnings, "revision failed")
		} else {
			result.Revision = &rev
			result.Changed = changed
		}
	}
	return result, nil
}

func (s *Service) Snapshots(ctx context.Context, key store.DocumentKey) ([]store.ArchivedSnapshot, error) {
	if s.archive == nil {
		return nil, domainError(http.StatusNotImplemented, "ARCHIVE_DISABLED", "Snapshot archive is not configured", nil)
	}
	snapshots, err := s.archive.List(ctx, key)
	if err != nil {
		return nil, err
	}
	if snapshots == nil {
		snapshots = []store.ArchivedSnapshot{}
	}
	return snapshots, nil
}

// Snapshot renders an archived snapshot of key.
func (s *Service) Snapshot(ctx context.Context, key store.DocumentKey, name string) (prosemirror.Presentation, error) {
	if s.archive == nil {
		return prosemirror.Presentation{}, domainError(http.StatusNotImplemented, "ARCHIVE_DISABLED", "Snapshot archive is not configured", nil)
	}
	data, err := s.archive.Get(ctx, key, name)
	if err != nil {
		return prosemirror.Presentation{}, err
	}
	presentation, err := prosemirror.BytesToPresentation(data)
	if err != nil {
		s.logger.Warn("archived snapshot is corrupt", "room", key.String(), "snapshot", name, "error", err)
	}
	return presentation, nil
}

func (s *Service) Revisions(key store.DocumentKey, limit int) ([]gitrepo.Revision, error) {
	if s.revisions == nil {
		return nil, domainError(http.StatusNotImplemented, "REVISIONS_DISABLED", "Revision history is not configured", nil)
	}
	if limit <= 0 {
		limit = defaultRevisionLimit
	}
	return s.revisions.History(key, limit)
}

// RestoreRevision replaces the live content of key with a recorded
// revision and tells every client to refresh.
func (s *Service) RestoreRevision(ctx context.Context, key store.DocumentKey, hash string) (gitrepo.Revision, error) {
	if s.revisions == nil {
		return gitrepo.Revision{}, domainError(http.StatusNotImplemented, "REVISIONS_DISABLED", "Revision history is not configured", nil)
	}
	content, rev, err := s.revisions.Get(key, hash)
	if err != nil {
		return gitrepo.Revision{}, err
	}
	tree, err := prosemirror.ParseHTML(content.HTML)
	if err != nil {
		return gitrepo.Revision{}, domainError(http.StatusUnprocessableEntity, "INVALID_REVISION", "Revision content could not be parsed", nil)
	}
	if err := s.manager.Restore(key, tree); err != nil {
		return gitrepo.Revision{}, err
	}

	payload, _ := json.Marshal(map[string]string{"revision": rev.Hash})
	if _, err := s.manager.Relay().Broadcast(ctx, key.String(), "", "force-refresh", payload); err != nil {
		s.logger.Warn("refresh broadcast failed", "room", key.String(), "error", err)
	}
	return rev, nil
}

// Broadcast sends a server-initiated control event to every connection
// of key. Unknown events are rejected here rather than silently dropped.
func (s *Service) Broadcast(ctx context.Context, key store.DocumentKey, event string, payload json.RawMessage) (int, error) {
	if _, ok := broadcast.PeerEvent(event); !ok {
		return 0, domainError(http.StatusUnprocessableEntity, "UNKNOWN_EVENT", "Unknown event", map[string]string{"event": event})
	}
	return s.manager.Relay().Broadcast(ctx, key.String(), "", event, payload)
}

// documentHTML is the current body of key: the live replica when a
// session is open, otherwise the stored description read with cookie.
func (s *Service) documentHTML(ctx context.Context, key store.DocumentKey, cookie string) (string, error) {
	if session, ok := s.manager.Session(key); ok {
		return session.Snapshot().HTML, nil
	}
	data, err := s.docs.FetchDescriptionBinary(ctx, key, cookie)
	if err != nil {
		return "", err
	}
	presentation, err := prosemirror.BytesToPresentation(data)
	if err != nil {
		s.logger.Warn("stored state is corrupt, exporting an empty document", "room", key.String(), "error", err)
	}
	return presentation.HTML, nil
}

func (s *Service) Export(ctx context.Context, key store.DocumentKey, format export.Format, title, cookie string) (*export.Result, error) {
	body, err := s.documentHTML(ctx, key, cookie)
	if err != nil {
		return nil, err
	}
	return s.exporter.Export(ctx, export.Request{
		Key:       key,
		Title:     title,
		Format:    format,
		HTML:      body,
		UpdatedAt: s.now(),
	})
}

func (s *Service) Search(ctx context.Context, q search.Query) search.Response {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: q.Text}
	}
	return s.search.Search(ctx, q)
}

// ConvertHTML encodes html as the binary state of a fresh document.
func (s *Service) ConvertHTML(html string) ([]byte, error) {
	data, err := prosemirror.HTMLToBytes(html)
	if err != nil {
		return nil, domainError(http.StatusUnprocessableEntity, "INVALID_HTML", "HTML could not be converted", nil)
	}
	return data, nil
}

// ConvertBinary renders binary state. Undecodable input renders as the
// empty document; corrupt reports that it happened.
func (s *Service) ConvertBinary(data []byte) (presentation prosemirror.Presentation, corrupt bool) {
	presentation, err := prosemirror.BytesToPresentation(data)
	if err != nil {
		s.logger.Warn("binary state is corrupt, rendering an empty document", "error", err)
		return presentation, true
	}
	return presentation, false
}

func (s *Service) RedactHTML(html string) string {
	return s.engine.RedactHTML(html)
}

func (s *Service) RedactText(text string) string {
	return s.engine.Redact(text)
}

// RegisterSession records a login session for the built-in identity
// check.
func (s *Service) RegisterSession(ctx context.Context, cookie string, rec store.SessionRecord) error {
	if s.sessions == nil {
		return domainError(http.StatusNotImplemented, "SESSIONS_DISABLED", "Sessions are managed by the application API", nil)
	}
	if strings.TrimSpace(cookie) == "" || strings.TrimSpace(rec.UserID) == "" {
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "cookie and userId are required", nil)
	}
	if rec.ExpiresAt.IsZero() {
		rec.ExpiresAt = s.now().Add(24 * time.Hour)
	}
	return s.sessions.SaveSession(ctx, cookie, rec)
}

// SessionInfo describes one live document session.
type SessionInfo struct {
	Room         string    `json:"room"`
	State        string    `json:"state"`
	Connections  int       `json:"connections"`
	LastMutation time.Time `json:"lastMutation,omitempty"`
}

func (s *Service) Sessions() []SessionInfo {
	rooms := s.manager.Rooms()
	out := make([]SessionInfo, 0, len(rooms))
	for _, room := range rooms {
		key, err := store.ParseDocumentKey(room)
		if err != nil {
			continue
		}
		session, ok := s.manager.Session(key)
		if !ok {
			continue
		}
		out = append(out, SessionInfo{
			Room:         room,
			State:        session.State().String(),
			Connections:  session.Connections(),
			LastMutation: session.LastMutation(),
		})
	}
	return out
}
