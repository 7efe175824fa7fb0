package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"docsync/live/internal/auth"
	"docsync/live/internal/broadcast"
	"docsync/live/internal/collab"
	"docsync/live/internal/config"
	"docsync/live/internal/crdt"
	"docsync/live/internal/gitrepo"
	"docsync/live/internal/masking"
	"docsync/live/internal/prosemirror"
	"docsync/live/internal/search"
	"docsync/live/internal/store"
)

const testSecret = "test-secret"

var testKey = store.DocumentKey{Workspace: "acme", Project: "handbook", DocumentID: "page-1"}

type fakeStore struct {
	mu       sync.Mutex
	fetchFn  func(ctx context.Context, key store.DocumentKey, cookie string) ([]byte, error)
	updateFn func(ctx context.Context, key store.DocumentKey, desc store.Description, cookie string) error

	fetchCookies []string
	updates      []store.Description
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

type fakePinger struct {
	pingFn func(context.Context) error
}

func (f fakePinger) Ping(ctx context.Context) error {
	if f.pingFn == nil {
		return nil
	}
	return f.pingFn(ctx)
}

type fakeChecker struct {
	checkFn func(ctx context.Context, subjectID, cookie string) (auth.Identity, error)
}

func (f fakeChecker) Check(ctx context.Context, subjectID, cookie string) (auth.Identity, error) {
	if f.checkFn == nil {
		return auth.Identity{ID: subjectID, Role: "editor"}, nil
	}
	return f.checkFn(ctx, subjectID, cookie)
}

type fakeArchive struct {
	mu    sync.Mutex
	puts  []store.Description
	names []string
}

func (f *fakeArchive) Put(_ context.Context, _ store.DocumentKey, desc store.Description, at time.Time) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	name := fmt.Sprintf("%d-%d", at.UnixNano(), len(f.puts))
	f.puts = append(f.puts, desc)
	f.names = append(f.names, name)
	return name, nil
}

func (f *fakeArchive) List(_ context.Context, _ store.DocumentKey) ([]store.ArchivedSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]store.ArchivedSnapshot, 0, len(f.names))
	for i := len(f.names) - 1; i >= 0; i-- {
		out = append(out, store.ArchivedSnapshot{Name: f.names[i], Size: int64(len(f.puts[i].Binary))})
	}
	return out, nil
}

func (f *fakeArchive) Get(_ context.Context, _ store.DocumentKey, name string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, n := range f.names {
		if n == name {
			return f.puts[i].Binary, nil
		}
	}
	return nil, store.ErrNotFound
}

type fakeSearch struct {
	searchFn func(ctx context.Context, q search.Query) search.Response
}

func (f fakeSearch) Search(ctx context.Context, q search.Query) search.Response {
	return f.searchFn(ctx, q)
}

type fakeRegistrar struct {
	mu      sync.Mutex
	records map[string]store.SessionRecord
}

func (f *fakeRegistrar) SaveSession(_ context.Context, cookie string, rec store.SessionRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.records == nil {
		f.records = make(map[string]store.SessionRecord)
	}
	f.records[cookie] = rec
	return nil
}

// recordingConn is an attached connection that keeps what it receives.
type recordingConn struct {
	id string

	mu       sync.Mutex
	updates  [][]byte
	messages []broadcast.Message
}

func (c *recordingConn) ID() string { return c.id }

func (c *recordingConn) SendUpdate(update []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.updates = append(c.updates, update)
	return nil
}

func (c *recordingConn) Send(msg broadcast.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, msg)
	return nil
}

func (c *recordingConn) receivedMessages() []broadcast.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]broadcast.Message(nil), c.messages...)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testServer struct {
	store   *fakeStore
	archive *fakeArchive
	manager *collab.Manager
	service *Service
	server  *HTTPServer
}

// newTestServer wires a Service around real sessions, masking and
// revision history; deps overrides the optional collaborators.
func newTestServer(t *testing.T, docs *fakeStore, deps Deps) *testServer {
	t.Helper()
	if docs == nil {
		docs = &fakeStore{}
	}
	logger := discardLogger()
	engine := masking.New(masking.DefaultRules(masking.RuleOptions{}))
	manager := collab.NewManager(docs, engine, broadcast.NewRelay(logger),
		collab.WithLogger(logger),
		collab.WithDebounce(time.Hour),
	)
	t.Cleanup(manager.Close)

	archive := &fakeArchive{}
	deps.Docs = docs
	deps.Manager = manager
	deps.Engine = engine
	deps.Logger = logger
	if deps.Gateway == nil {
		deps.Gateway = auth.NewGateway(fakeChecker{}, logger)
	}
	if deps.Revisions == nil {
		deps.Revisions = gitrepo.New(t.TempDir())
	}
	if deps.Archive == nil {
		deps.Archive = archive
	}

	service := New(config.Config{Secret: testSecret}, deps)
	return &testServer{
		store:   docs,
		archive: archive,
		manager: manager,
		service: service,
		server:  NewHTTPServer(service, "*", logger),
	}
}

func serviceToken(t *testing.T, scope string) string {
	t.Helper()
	token, err := auth.IssueServiceToken([]byte(testSecret), auth.ServiceClaims{
		Sub:   "application-api",
		Scope: scope,
		Exp:   time.Now().Add(time.Hour).Unix(),
	})
	if err != nil {
		t.Fatalf("IssueServiceToken() error = %v", err)
	}
	return token
}

// attach joins a recording connection to the session of testKey.
func (ts *testServer) attach(t *testing.T, id string) (*collab.Session, *recordingConn) {
	t.Helper()
	sc := auth.NewSessionContext("user-"+id, "session="+id, "editor")
	conn := &recordingConn{id: sc.ConnectionID}
	session, err := ts.manager.Attach(context.Background(), testKey, sc, conn)
	if err != nil {
		t.Fatalf("Attach() error = %v", err)
	}
	return session, conn
}

// edit replaces the document content of session with one paragraph.
func edit(t *testing.T, session *collab.Session, connID, text string) {
	t.Helper()
	doc, err := crdt.FromUpdate(session.EncodeState(nil))
	if err != nil {
		t.Fatalf("FromUpdate() error = %v", err)
	}
	update := prosemirror.ReplaceContent(doc, prosemirror.Node{
		Type: prosemirror.TypeDoc,
		Content: []prosemirror.Node{{
			Type:    prosemirror.TypeParagraph,
			Content: []prosemirror.Node{{Type: prosemirror.TypeText, Text: text}},
		}},
	}, "client")
	if err := session.ApplyUpdate(connID, update); err != nil {
		t.Fatalf("ApplyUpdate() error = %v", err)
	}
}
