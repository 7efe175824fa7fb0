package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/crypto/blake2b"

	"docsync/live/internal/auth"
	"docsync/live/internal/broadcast"
	"docsync/live/internal/cache"
	"docsync/live/internal/crdt"
	"docsync/live/internal/masking"
	"docsync/live/internal/prosemirror"
	"docsync/live/internal/rbac"
	"docsync/live/internal/store"
)

var (
	ErrReadOnly    = errors.New("connection may not modify the document")
	ErrNotAttached = errors.New("connection is not attached")
	ErrForbidden   = errors.New("action not permitted for role")
)

// Conn is one connection attached to a session.
type Conn interface {
	broadcast.Peer
	// SendUpdate queues an encoded document update for the connection.
	// It must not block on the network.
	SendUpdate(update []byte) error
}

type originTag string

const (
	maskOrigin    originTag = "mask-pass"
	restoreOrigin originTag = "restore"
	cacheOrigin   originTag = "state-cache"
)

// Snapshot is the derived state of a document at one point in time.
type Snapshot struct {
	Binary []byte
	Tree   prosemirror.Node
	HTML   string
	// Text is the plain text of the tree.
	Text string
}

// Description converts the snapshot into what the store persists.
func (s Snapshot) Description() (store.Description, error) {
	tree, err := json.Marshal(s.Tree)
	if err != nil {
		return store.Description{}, fmt.Errorf("encode tree: %w", err)
	}
	return store.Description{Binary: s.Binary, HTML: s.HTML, Tree: tree, Text: s.Text}, nil
}

type member struct {
	conn Conn
	ctx  *auth.SessionContext
}

// Session owns the live replica of one document. Frame application, the
// debounce timer and the mask pass are serialized by mu; saves are
// serialized by saveMu, which is always taken while mu is still held so
// snapshots reach the store in order.
type Session struct {
	key     store.DocumentKey
	room    string
	manager *Manager
	logger  *slog.Logger

	mu           sync.Mutex
	doc          *crdt.Doc
	state        State
	conns        map[string]member
	writer       *auth.SessionContext
	lastMutation time.Time
	generation   uint64
	timer        Timer
	passes       int
	maskTxns     int

	saveMu   sync.Mutex
	savedSum [blake2b.Size256]byte
	hasSaved bool
}

func newSession(m *Manager, key store.DocumentKey) *Session {
	room := key.String()
	return &Session{
		key:     key,
		room:    room,
		manager: m,
		logger:  m.logger.With("room", room),
		state:   StateUninitialized,
		conns:   make(map[string]member),
	}
}

func (s *Session) Key() store.DocumentKey { return s.key }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastMutation is when the debounce window was last armed.
func (s *Session) LastMutation() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastMutation
}

// Connections is the number of attached connections.
func (s *Session) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// load runs with mu held on the first attach.
func (s *Session) load(ctx context.Context, sc *auth.SessionContext) {
	s.state = StateLoading
	doc, authorized := s.fetch(ctx, sc.Cookie)
	s.doc = doc

	merged := false
	if authorized {
		merged = s.mergeCached(ctx)
	}
	if !merged {
		s.savedSum = blake2b.Sum256(doc.EncodeStateAsUpdate(nil))
		s.hasSaved = true
	}

	s.doc.Observe(s.onUpdate)
	s.state = StateAttached
	if merged {
		s.arm()
	}
}

// fetch returns the stored document, or an empty one on a miss, a failed
// call or undecodable state. authorized reports whether the store
// answered for this user at all.
func (s *Session) fetch(ctx context.Context, cookie string) (doc *crdt.Doc, authorized bool) {
	data, err := s.manager.docs.FetchDescriptionBinary(ctx, s.key, cookie)
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.logger.Debug("no stored state, starting from an empty document")
		return crdt.New(), true
	case err != nil:
		persistenceFailures.WithLabelValues("fetch").Inc()
		s.logger.Warn("fetching stored state failed, starting from an empty document", "error", err)
		return crdt.New(), false
	}

	doc, err = prosemirror.DecodeDoc(data)
	if err != nil {
		s.logger.Warn("stored state is corrupt, starting from an empty document", "error", err)
		return crdt.New(), true
	}
	return doc, true
}

// mergeCached applies state that a previous process cached but never
// saved. It reports whether anything new was applied.
func (s *Session) mergeCached(ctx context.Context) bool {
	if s.manager.cache == nil {
		return false
	}
	cached, err := s.manager.cache.Load(ctx, s.room)
	if err != nil {
		if !errors.Is(err, cache.ErrMiss) {
			s.logger.Warn("reading cached state failed", "error", err)
		}
		return false
	}

	changed := false
	stop := s.doc.Observe(func(crdt.UpdateEvent) { changed = true })
	err = s.doc.ApplyUpdate(cached, cacheOrigin)
	stop()
	if err != nil {
		s.logger.Warn("cached state only partially applied", "error", err)
	}
	if changed {
		s.logger.Info("recovered unsaved state from cache")
	}
	return changed
}

// onUpdate relays every change of the replica to the connections that
// did not send it. Anything but the mask pass re-arms the debounce.
func (s *Session) onUpdate(event crdt.UpdateEvent) {
	from, _ := event.Origin.(string)
	for id, m := range s.conns {
		if id == from {
			continue
		}
		if err := m.conn.SendUpdate(event.Update); err != nil {
			s.logger.Warn("update not delivered", "connection_id", id, "error", err)
		}
	}
	if event.Origin != any(maskOrigin) {
		s.arm()
	}
}

func (s *Session) arm() {
	s.lastMutation = s.manager.clock.Now()
	s.generation++
	generation := s.generation
	if s.state == StateAttached || s.state == StateIdle {
		s.state = StateMutating
	}
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = s.manager.clock.AfterFunc(s.manager.debounce, func() {
		s.runPass(generation)
	})
}

// ApplyUpdate applies an update frame sent by connID.
func (s *Session) ApplyUpdate(connID string, frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.conns[connID]
	if !ok || !s.state.Live() {
		return ErrNotAttached
	}
	if !m.ctx.CanWrite() {
		updateFrames.WithLabelValues("dropped").Inc()
		return ErrReadOnly
	}
	if err := s.doc.ApplyUpdate(frame, connID); err != nil {
		var partial *crdt.PartialUpdateError
		if !errors.As(err, &partial) {
			updateFrames.WithLabelValues("rejected").Inc()
			return fmt.Errorf("apply update frame: %w", err)
		}
		// The integrated part was already relayed and armed the debounce.
		s.writer = m.ctx
		updateFrames.WithLabelValues("partial").Inc()
		return fmt.Errorf("apply update frame: %w", err)
	}
	s.writer = m.ctx
	updateFrames.WithLabelValues("applied").Inc()
	return nil
}

// Signal forwards a control event from connID to the other connections
// of the document. The document itself is not touched.
func (s *Session) Signal(ctx context.Context, connID, event string, payload json.RawMessage) error {
	s.mu.Lock()
	m, ok := s.conns[connID]
	s.mu.Unlock()
	if !ok {
		return ErrNotAttached
	}
	if !rbac.Can(m.ctx.Role, rbac.ActionSignal) {
		return ErrForbidden
	}
	_, err := s.manager.relay.Broadcast(ctx, s.room, connID, event, payload)
	return err
}

// StateVector is the replica's state vector, sent to clients as the
// first sync step.
func (s *Session) StateVector() map[uint64]uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.StateVector()
}

// EncodeState returns what a replica with state vector sv is missing.
func (s *Session) EncodeState(sv map[uint64]uint64) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.EncodeStateAsUpdate(sv)
}

// Snapshot renders the current state without running a mask pass.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() Snapshot {
	presentation := prosemirror.Present(s.doc)
	return Snapshot{
		Binary: s.doc.EncodeStateAsUpdate(nil),
		Tree:   presentation.Tree,
		HTML:   presentation.HTML,
		Text:   prosemirror.PlainText(presentation.Tree),
	}
}

// Flush runs a mask pass immediately and saves the result whether or not
// it changed since the last save.
func (s *Session) Flush(ctx context.Context) (Snapshot, error) {
	s.mu.Lock()
	if s.doc == nil {
		s.mu.Unlock()
		return Snapshot{}, ErrNotAttached
	}
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
		s.generation++
	}
	s.maskPass()
	if s.state == StateMutating {
		s.state = StateIdle
	}
	snap := s.snapshotLocked()
	cookie := s.cookieLocked()
	s.saveMu.Lock()
	s.mu.Unlock()
	defer s.saveMu.Unlock()

	return snap, s.save(ctx, snap, cookie, true)
}

// Restore replaces the document content with tree as one transaction.
func (s *Session) Restore(tree prosemirror.Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.state.Live() {
		return ErrNotAttached
	}
	prosemirror.ReplaceContent(s.doc, tree, restoreOrigin)
	return nil
}

func (s *Session) runPass(generation uint64) {
	s.mu.Lock()
	if generation != s.generation || s.doc == nil {
		s.mu.Unlock()
		return
	}
	s.timer = nil
	changed := s.maskPass()
	if s.state == StateMutating {
		s.state = StateIdle
	}
	snap := s.snapshotLocked()
	cookie := s.cookieLocked()
	s.saveMu.Lock()
	s.mu.Unlock()
	defer s.saveMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.manager.persistTimeout)
	defer cancel()
	if err := s.save(ctx, snap, cookie, false); err != nil {
		s.logger.Debug("save after mask pass failed", "masked", changed, "error", err)
	}
}

// maskPass redacts every text node inside one transaction. Each
// replacement is a delete plus an insert carrying the marks of the first
// replaced character. It reports whether the document changed.
func (s *Session) maskPass() bool {
	s.passes++
	update := s.doc.Transact(maskOrigin, func(tx *crdt.Txn) {
		for _, text := range textNodes(s.doc.Fragment(crdt.DefaultFragment)) {
			s.manager.engine.Apply(text.String(), func(replacements []masking.Replacement) string {
				for _, r := range replacements {
					marks := text.MarksAt(r.Start)
					tx.DeleteText(text, r.Start, r.End-r.Start)
					tx.InsertText(text, r.Start, r.Text, marks)
				}
				return text.String()
			})
		}
	})
	if update == nil {
		maskPasses.WithLabelValues("clean").Inc()
		return false
	}
	s.maskTxns++
	maskPasses.WithLabelValues("changed").Inc()
	return true
}

// textNodes lists the text nodes under root in document order.
func textNodes(root *crdt.Node) []*crdt.Node {
	var out []*crdt.Node
	stack := []*crdt.Node{root}
	for len(stack) > 0 {
		node := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if node.Kind() == crdt.KindText {
			out = append(out, node)
			continue
		}
		children := node.Children()
		for i := len(children) - 1; i >= 0; i-- {
			stack = append(stack, children[i])
		}
	}
	return out
}

// cookieLocked picks the cookie saves are attributed to: the last writer,
// or any attached connection.
func (s *Session) cookieLocked() string {
	if s.writer != nil {
		return s.writer.Cookie
	}
	for _, m := range s.conns {
		return m.ctx.Cookie
	}
	return ""
}

// save runs with saveMu held. Unforced saves are skipped when the state
// is unchanged since the last successful one.
func (s *Session) save(ctx context.Context, snap Snapshot, cookie string, force bool) error {
	sum := blake2b.Sum256(snap.Binary)
	if !force && s.hasSaved && sum == s.savedSum {
		return nil
	}

	if s.manager.cache != nil {
		if err := s.manager.cache.Save(ctx, s.room, snap.Binary); err != nil {
			s.logger.Warn("caching unsaved state failed", "error", err)
		}
	}

	desc, err := snap.Description()
	if err != nil {
		return err
	}
	started := time.Now()
	err = s.manager.docs.UpdateDescription(ctx, s.key, desc, cookie)
	saveDuration.Observe(time.Since(started).Seconds())
	if err != nil {
		persistenceFailures.WithLabelValues("update").Inc()
		s.logger.Error("saving document failed", "error", err)
		return err
	}

	s.savedSum = sum
	s.hasSaved = true
	if s.manager.cache != nil {
		if err := s.manager.cache.Delete(ctx, s.room); err != nil {
			s.logger.Warn("dropping cached state failed", "error", err)
		}
	}
	if s.manager.indexer != nil {
		if err := s.manager.indexer.IndexDocument(ctx, s.key, snap.Text); err != nil {
			s.logger.Warn("indexing document failed", "error", err)
		}
	}
	return nil
}
