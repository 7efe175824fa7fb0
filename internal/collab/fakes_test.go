package collab

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"docsync/live/internal/auth"
	"docsync/live/internal/broadcast"
	"docsync/live/internal/cache"
	"docsync/live/internal/crdt"
	"docsync/live/internal/masking"
	"docsync/live/internal/prosemirror"
	"docsync/live/internal/rbac"
	"docsync/live/internal/store"
)

var testKey = store.DocumentKey{Workspace: "acme", Project: "handbook", DocumentID: "page-1"}

type fakeStore struct {
	mu       sync.Mutex
	fetchFn  func(ctx context.Context, key store.DocumentKey, cookie string) ([]byte, error)
	updateFn func(ctx context.Context, key store.DocumentKey, desc store.Description, cookie string) error

	fetchCookies  []string
	updates       []store.Description
	updateCookies []string
}

func (f *fakeStore) FetchDescriptionBinary(ctx context.Context, key store.DocumentKey, cookie string) ([]byte, error) {
	f.mu.Lock()
	f.fetchCookies = append(f.fetchCookies, cookie)
	f.mu.Unlock()
	if f.fetchFn == nil {
		return nil, store.ErrNotFound
	}
	return f.fetchFn(ctx, key, cookie)
}

func (f *fakeStore) UpdateDescription(ctx context.Context, key store.DocumentKey, desc store.Description, cookie string) error {
	f.mu.Lock()
	f.updates = append(f.updates, desc)
	f.updateCookies = append(f.updateCookies, cookie)
	f.mu.Unlock()
	if f.updateFn == nil {
		return nil
	}
	return f.updateFn(ctx, key, desc, cookie)
}

func (f *fakeStore) saved() []store.Description {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]store.Description(nil), f.updates...)
}

type fakeConn struct {
	id string

	mu       sync.Mutex
	updates  [][]byte
	messages []broadcast.Message
}

func newFakeConn(id string) *fakeConn {
	return &fakeConn{id: id}
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) SendUpdate(update []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.updates = append(c.updates, update)
	return nil
}

func (c *fakeConn) Send(msg broadcast.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, msg)
	return nil
}

func (c *fakeConn) receivedUpdates() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.updates)
}

func (c *fakeConn) receivedMessages() []broadcast.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]broadcast.Message(nil), c.messages...)
}

type fakeTimer struct {
	clock   *fakeClock
	fn      func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

// fakeClock records AfterFunc calls; fire runs the ones still pending.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(_ time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	timer := &fakeTimer{clock: c, fn: f}
	c.timers = append(c.timers, timer)
	return timer
}

func (c *fakeClock) pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	count := 0
	for _, timer := range c.timers {
		if !timer.stopped && !timer.fired {
			count++
		}
	}
	return count
}

func (c *fakeClock) fire() int {
	c.mu.Lock()
	var due []*fakeTimer
	for _, timer := range c.timers {
		if !timer.stopped && !timer.fired {
			timer.fired = true
			due = append(due, timer)
		}
	}
	c.mu.Unlock()
	for _, timer := range due {
		timer.fn()
	}
	return len(due)
}

type fakeCache struct {
	mu     sync.Mutex
	states map[string][]byte
	loads  int
}

func newFakeCache() *fakeCache {
	return &fakeCache{states: make(map[string][]byte)}
}

func (c *fakeCache) Save(_ context.Context, room string, state []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.states[room] = append([]byte(nil), state...)
	return nil
}

func (c *fakeCache) Load(_ context.Context, room string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loads++
	state, ok := c.states[room]
	if !ok {
		return nil, cache.ErrMiss
	}
	return state, nil
}

func (c *fakeCache) Delete(_ context.Context, room string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.states, room)
	return nil
}

type fakeIndexer struct {
	mu    sync.Mutex
	texts map[string]string
}

func (f *fakeIndexer) IndexDocument(_ context.Context, key store.DocumentKey, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.texts == nil {
		f.texts = make(map[string]string)
	}
	f.texts[key.String()] = text
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testEnv struct {
	store   *fakeStore
	clock   *fakeClock
	manager *Manager
	redacts map[string]int
}

func newTestEnv(t *testing.T, docs *fakeStore, opts ...Option) *testEnv {
	t.Helper()
	if docs == nil {
		docs = &fakeStore{}
	}
	env := &testEnv{store: docs, clock: newFakeClock(), redacts: make(map[string]int)}
	var mu sync.Mutex
	engine := masking.New(masking.DefaultRules(masking.RuleOptions{}),
		masking.WithRedactHook(func(rule string) {
			mu.Lock()
			env.redacts[rule]++
			mu.Unlock()
		}),
	)
	base := []Option{WithLogger(discardLogger()), WithClock(env.clock)}
	env.manager = NewManager(docs, engine, broadcast.NewRelay(discardLogger()), append(base, opts...)...)
	t.Cleanup(env.manager.Close)
	return env
}

func (e *testEnv) attach(t *testing.T, id string, role rbac.Role) (*Session, *fakeConn, *auth.SessionContext) {
	t.Helper()
	sc := auth.NewSessionContext("user-"+id, "session="+id, role)
	conn := newFakeConn(sc.ConnectionID)
	s, err := e.manager.Attach(context.Background(), testKey, sc, conn)
	if err != nil {
		t.Fatalf("Attach() error = %v", err)
	}
	return s, conn, sc
}

// replica builds a client replica holding the session's current state.
func replica(t *testing.T, s *Session) *crdt.Doc {
	t.Helper()
	doc, err := crdt.FromUpdate(s.EncodeState(nil))
	if err != nil {
		t.Fatalf("FromUpdate() error = %v", err)
	}
	return doc
}

func addParagraph(doc *crdt.Doc, text string) []byte {
	return doc.Transact("client", func(tx *crdt.Txn) {
		root := doc.Fragment(crdt.DefaultFragment)
		p := tx.InsertElement(root, root.Len(), prosemirror.TypeParagraph, nil)
		node := tx.InsertTextNode(p, 0)
		tx.InsertText(node, 0, text, "")
	})
}

func appendToFirstParagraph(doc *crdt.Doc, text string) []byte {
	return doc.Transact("client", func(tx *crdt.Txn) {
		p := doc.Fragment(crdt.DefaultFragment).Children()[0]
		node := p.Children()[0]
		tx.InsertText(node, node.Len(), text, "")
	})
}

func storedHTML(t *testing.T, html string) func(context.Context, store.DocumentKey, string) ([]byte, error) {
	t.Helper()
	data, err := prosemirror.HTMLToBytes(html)
	if err != nil {
		t.Fatalf("HTMLToBytes() error = %v", err)
	}
	return func(context.Context, store.DocumentKey, string) ([]byte, error) {
		return data, nil
	}
}

var errBackendDown = errors.New("backend down")
