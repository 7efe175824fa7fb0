// Package collab runs the live document sessions: it loads replicated
// state, applies update frames from connections, masks sensitive text
// after each burst of edits and saves snapshots to the document store.
package collab

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"docsync/live/internal/auth"
	"docsync/live/internal/broadcast"
	"docsync/live/internal/masking"
	"docsync/live/internal/prosemirror"
	"docsync/live/internal/store"
)

const (
	DefaultDebounce       = time.Second
	defaultPersistTimeout = 15 * time.Second
)

var (
	ErrClosed    = errors.New("session manager closed")
	ErrNoSession = errors.New("document has no live session")
)

// Redactor rewrites sensitive text. *masking.Engine implements it.
type Redactor interface {
	Apply(text string, splice func([]masking.Replacement) string) (string, bool)
}

// StateCache keeps unsaved binary state between processes.
type StateCache interface {
	Save(ctx context.Context, room string, state []byte) error
	Load(ctx context.Context, room string) ([]byte, error)
	Delete(ctx context.Context, room string) error
}

// Indexer receives the plain text of every saved document.
type Indexer interface {
	IndexDocument(ctx context.Context, key store.DocumentKey, text string) error
}

// Manager is the registry of live sessions, one per document.
type Manager struct {
	docs    store.DocumentStore
	engine  Redactor
	relay   *broadcast.Relay
	cache   StateCache
	indexer Indexer
	logger  *slog.Logger
	clock   Clock

	debounce       time.Duration
	persistTimeout time.Duration

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
}

type Option func(*Manager)

func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithClock replaces the clock driving the debounce timer.
func WithClock(clock Clock) Option {
	return func(m *Manager) { m.clock = clock }
}

func WithDebounce(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.debounce = d
		}
	}
}

func WithPersistTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.persistTimeout = d
		}
	}
}

func WithStateCache(cache StateCache) Option {
	return func(m *Manager) { m.cache = cache }
}

func WithIndexer(indexer Indexer) Option {
	return func(m *Manager) { m.indexer = indexer }
}

func NewManager(docs store.DocumentStore, engine Redactor, relay *broadcast.Relay, opts ...Option) *Manager {
	m := &Manager{
		docs:           docs,
		engine:         engine,
		relay:          relay,
		logger:         slog.Default(),
		clock:          realClock{},
		debounce:       DefaultDebounce,
		persistTimeout: defaultPersistTimeout,
		sessions:       make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.relay == nil {
		m.relay = broadcast.NewRelay(m.logger)
	}
	return m
}

// Relay is the control event relay sessions signal through.
func (m *Manager) Relay() *broadcast.Relay {
	return m.relay
}

// Attach joins conn to the session of key. The first attach loads the
// stored state with the connection's cookie; a miss or a failure starts
// from an empty document.
func (m *Manager) Attach(ctx context.Context, key store.DocumentKey, sc *auth.SessionContext, conn Conn) (*Session, error) {
	if !key.Valid() {
		return nil, fmt.Errorf("attach: incomplete document key %q", key.String())
	}
	if sc == nil || !sc.Alive() {
		return nil, fmt.Errorf("attach %s: %w", key, ErrNotAttached)
	}

	for {
		s, err := m.sessionFor(key)
		if err != nil {
			return nil, err
		}

		s.mu.Lock()
		if s.state == StateDetached {
			s.mu.Unlock()
			m.forget(s)
			continue
		}
		if s.state == StateUninitialized {
			s.load(ctx, sc)
			s.logger.Info("document session attached", "state", s.state.String())
		}
		if _, exists := s.conns[conn.ID()]; !exists {
			if len(s.conns) == 0 {
				openSessions.Inc()
			}
			attachedConnections.Inc()
		}
		s.conns[conn.ID()] = member{conn: conn, ctx: sc}
		s.mu.Unlock()

		m.relay.Join(s.room, conn)
		return s, nil
	}
}

func (m *Manager) sessionFor(key store.DocumentKey) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	room := key.String()
	s, ok := m.sessions[room]
	if !ok {
		s = newSession(m, key)
		m.sessions[room] = s
	}
	return s, nil
}

func (m *Manager) forget(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sessions[s.room] == s {
		delete(m.sessions, s.room)
	}
}

// Detach removes a connection. When the last one leaves the session is
// torn down without saving; a pending mask pass still runs.
func (m *Manager) Detach(s *Session, connID string) {
	s.mu.Lock()
	member, ok := s.conns[connID]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.conns, connID)
	attachedConnections.Dec()
	remaining := len(s.conns)
	if remaining == 0 {
		s.state = StateDetached
		openSessions.Dec()
	}
	s.mu.Unlock()

	member.ctx.Close()
	m.relay.Leave(s.room, member.conn)
	if remaining == 0 {
		m.forget(s)
		s.logger.Info("document session detached")
	}
}

// Session returns the live session of key.
func (m *Manager) Session(key store.DocumentKey) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[key.String()]
	return s, ok
}

// Rooms lists the documents with a live session.
func (m *Manager) Rooms() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	rooms := make([]string, 0, len(m.sessions))
	for room := range m.sessions {
		rooms = append(rooms, room)
	}
	sort.Strings(rooms)
	return rooms
}

// Flush masks and saves the live session of key.
func (m *Manager) Flush(ctx context.Context, key store.DocumentKey) (Snapshot, error) {
	s, ok := m.Session(key)
	if !ok {
		return Snapshot{}, ErrNoSession
	}
	return s.Flush(ctx)
}

// Restore replaces the content of the live session of key with tree. The
// change reaches connections like any edit and is masked and saved by
// the next pass.
func (m *Manager) Restore(key store.DocumentKey, tree prosemirror.Node) error {
	s, ok := m.Session(key)
	if !ok {
		return ErrNoSession
	}
	return s.Restore(tree)
}

// Close stops every pending debounce timer after in-flight passes and
// saves finish. Nothing is flushed.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, s := range sessions {
		s.mu.Lock()
		if s.timer != nil {
			s.timer.Stop()
			s.timer = nil
		}
		s.generation++
		if len(s.conns) > 0 {
			openSessions.Dec()
			attachedConnections.Sub(float64(len(s.conns)))
		}
		members := s.conns
		s.conns = make(map[string]member)
		s.state = StateDetached
		s.saveMu.Lock()
		s.mu.Unlock()
		s.saveMu.Unlock()

		for _, member := range members {
			member.ctx.Close()
			m.relay.Leave(s.room, member.conn)
		}
	}
}
