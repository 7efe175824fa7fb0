package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"docsync/live/internal/auth"
	"docsync/live/internal/codec"
	"docsync/live/internal/crdt"
	"docsync/live/internal/prosemirror"
)

func collaborationURL(t *testing.T, server *httptest.Server, subject, cookie string) string {
	t.Helper()
	token, err := json.Marshal(map[string]string{"id": subject, "cookie": cookie})
	if err != nil {
		t.Fatalf("marshal token: %v", err)
	}
	query := url.Values{}
	query.Set("workspace", testKey.Workspace)
	query.Set("project", testKey.Project)
	query.Set("document", testKey.DocumentID)
	query.Set("token", string(token))
	return "ws" + strings.TrimPrefix(server.URL, "http") + "/collaboration?" + query.Encode()
}

func dial(t *testing.T, rawURL string) *websocket.Conn {
	t.Helper()
	ws, resp, err := websocket.DefaultDialer.Dial(rawURL, nil)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		t.Fatalf("Dial() error = %v (status %d)", err, status)
	}
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

// readSync reads binary frames until one of type want arrives.
func readSync(t *testing.T, ws *websocket.Conn, want string) SyncFrame {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		kind, data, err := ws.ReadMessage()
		if err != nil {
			t.Fatalf("waiting for %s: %v", want, err)
		}
		if kind != websocket.BinaryMessage {
			continue
		}
		var frame SyncFrame
		if err := codec.Unmarshal(data, &frame); err != nil {
			t.Fatalf("decode frame: %v", err)
		}
		if frame.Type == want {
			return frame
		}
	}
}

// readControl reads text frames until one arrives.
func readControl(t *testing.T, ws *websocket.Conn) map[string]any {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		kind, data, err := ws.ReadMessage()
		if err != nil {
			t.Fatalf("waiting for control frame: %v", err)
		}
		if kind != websocket.TextMessage {
			continue
		}
		var msg map[string]any
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("decode control frame: %v", err)
		}
		return msg
	}
}

func writeSync(t *testing.T, ws *websocket.Conn, frame SyncFrame) {
	t.Helper()
	data, err := codec.Marshal(frame)
	if err != nil {
		t.Fatalf("encode frame: %v", err)
	}
	if err := ws.WriteMessage(websocket.BinaryMessage, data); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func TestCollaborationRejectsMissingCredentials(t *testing.T) {
	ts := newTestServer(t, nil, Deps{})
	rr := doRequest(t, ts.server.Handler(), http.MethodGet, "/collaboration?workspace=acme&project=handbook&document=page-1", "", nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
	if code := decodeResponse(t, rr)["code"]; code != "MISSING_CREDENTIALS" {
		t.Fatalf("code = %v", code)
	}

	rr = doRequest(t, ts.server.Handler(), http.MethodGet, "/collaboration?workspace=acme", "", nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("incomplete key: expected 400, got %d", rr.Code)
	}
}

func TestCollaborationSyncsEditsAndControlEvents(t *testing.T) {
	ts := newTestServer(t, nil, Deps{})
	server := httptest.NewServer(ts.server.Handler())
	t.Cleanup(server.Close)

	alice := dial(t, collaborationURL(t, server, "alice", "session=alice"))
	readSync(t, alice, FrameSyncStep1)
	bob := dial(t, collaborationURL(t, server, "bob", "session=bob"))
	readSync(t, bob, FrameSyncStep1)

	local := crdt.New()
	update := local.Transact("alice", func(tx *crdt.Txn) {
		root := local.Fragment(crdt.DefaultFragment)
		p := tx.InsertElement(root, 0, prosemirror.TypeParagraph, nil)
		node := tx.InsertTextNode(p, 0)
		tx.InsertText(node, 0, "hello bob", "")
	})
	writeSync(t, alice, SyncFrame{Type: FrameUpdate, Update: update})

	received := readSync(t, bob, FrameUpdate)
	replica := crdt.New()
	if err := replica.ApplyUpdate(received.Update, nil); err != nil {
		t.Fatalf("ApplyUpdate() error = %v", err)
	}
	if html := prosemirror.Present(replica).HTML; html != "<p>hello bob</p>" {
		t.Fatalf("bob's replica = %q", html)
	}

	// A late replica catches up with a state vector exchange.
	writeSync(t, bob, SyncFrame{Type: FrameSyncStep1, StateVector: map[uint64]uint64{}})
	step2 := readSync(t, bob, FrameSyncStep2)
	fresh, err := crdt.FromUpdate(step2.Update)
	if err != nil {
		t.Fatalf("FromUpdate() error = %v", err)
	}
	if html := prosemirror.Present(fresh).HTML; html != "<p>hello bob</p>" {
		t.Fatalf("sync step 2 state = %q", html)
	}

	if err := alice.WriteMessage(websocket.TextMessage, []byte(`{"event":"user-typing","payload":{"name":"alice"}}`)); err != nil {
		t.Fatalf("write control frame: %v", err)
	}
	msg := readControl(t, bob)
	if msg["event"] != "peer-typing" {
		t.Fatalf("unexpected control frame: %v", msg)
	}
	payload, _ := msg["payload"].(map[string]any)
	if payload["name"] != "alice" {
		t.Fatalf("payload not relayed verbatim: %v", msg)
	}
}

func TestCollaborationDropsViewerEdits(t *testing.T) {
	checker := fakeChecker{checkFn: func(_ context.Context, subjectID, _ string) (auth.Identity, error) {
		role := "editor"
		if subjectID == "viewer" {
			role = "viewer"
		}
		return auth.Identity{ID: subjectID, Role: role}, nil
	}}
	ts := newTestServer(t, nil, Deps{Gateway: auth.NewGateway(checker, discardLogger())})
	server := httptest.NewServer(ts.server.Handler())
	t.Cleanup(server.Close)

	viewer := dial(t, collaborationURL(t, server, "viewer", "session=viewer"))
	readSync(t, viewer, FrameSyncStep1)

	local := crdt.New()
	update := local.Transact("viewer", func(tx *crdt.Txn) {
		root := local.Fragment(crdt.DefaultFragment)
		p := tx.InsertElement(root, 0, prosemirror.TypeParagraph, nil)
		tx.InsertText(tx.InsertTextNode(p, 0), 0, "vandalism", "")
	})
	writeSync(t, viewer, SyncFrame{Type: FrameUpdate, Update: update})

	// The step-1 round trip is answered after the update frame was handled.
	writeSync(t, viewer, SyncFrame{Type: FrameSyncStep1})
	readSync(t, viewer, FrameSyncStep2)

	session, ok := ts.manager.Session(testKey)
	if !ok {
		t.Fatal("expected a live session")
	}
	if html := session.Snapshot().HTML; html != prosemirror.EmptyHTML {
		t.Fatalf("viewer edit was applied: %q", html)
	}
}

func TestCollaborationDetachOnClose(t *testing.T) {
	ts := newTestServer(t, nil, Deps{})
	server := httptest.NewServer(ts.server.Handler())
	t.Cleanup(server.Close)

	ws := dial(t, collaborationURL(t, server, "alice", "session=alice"))
	readSync(t, ws, FrameSyncStep1)
	if _, ok := ts.manager.Session(testKey); !ok {
		t.Fatal("expected a live session")
	}

	_ = ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	_ = ws.Close()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := ts.manager.Session(testKey); !ok {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("session still registered after the last connection closed")
}
