package app

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"docsync/live/internal/broadcast"
	"docsync/live/internal/codec"
	"docsync/live/internal/collab"
	"docsync/live/internal/crdt"
	"docsync/live/internal/store"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxFrameSize   = 8 << 20
	sendQueueDepth = 256
)

// Binary frames carry the sync protocol; text frames carry control
// events as JSON.
const (
	FrameSyncStep1 = "sync-step1"
	FrameSyncStep2 = "sync-step2"
	FrameUpdate    = "update"
)

var (
	errConnClosed   = errors.New("connection closed")
	errSlowConsumer = errors.New("connection send queue full")
)

// SyncFrame is the CBOR envelope of a binary frame. Step 1 carries a
// state vector; step 2 and update carry an encoded document update.
type SyncFrame struct {
	Type        string            `cbor:"t"`
	StateVector map[uint64]uint64 `cbor:"sv,omitempty"`
	Update      []byte            `cbor:"u,omitempty"`
}

// ControlFrame is a control event sent by a client.
type ControlFrame struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type outbound struct {
	kind int
	data []byte
}

// wsConn adapts a WebSocket to collab.Conn. Writes are queued and
// drained by writePump; a full queue closes the connection.
type wsConn struct {
	id     string
	ws     *websocket.Conn
	send   chan outbound
	done   chan struct{}
	logger *slog.Logger

	closeOnce   sync.Once
	closeCode   int
	closeReason string
}

func newWSConn(id string, ws *websocket.Conn, logger *slog.Logger) *wsConn {
	return &wsConn{
		id:     id,
		ws:     ws,
		send:   make(chan outbound, sendQueueDepth),
		done:   make(chan struct{}),
		logger: logger,
	}
}

func (c *wsConn) ID() string { return c.id }

func (c *wsConn) SendUpdate(update []byte) error {
	data, err := codec.Marshal(SyncFrame{Type: FrameUpdate, Update: update})
	if err != nil {
		return err
	}
	return c.enqueue(outbound{kind: websocket.BinaryMessage, data: data})
}

func (c *wsConn) Send(msg broadcast.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return c.enqueue(outbound{kind: websocket.TextMessage, data: data})
}

func (c *wsConn) sendFrame(frame SyncFrame) error {
	data, err := codec.Marshal(frame)
	if err != nil {
		return err
	}
	return c.enqueue(outbound{kind: websocket.BinaryMessage, data: data})
}

func (c *wsConn) enqueue(msg outbound) error {
	select {
	case <-c.done:
		return errConnClosed
	default:
	}
	select {
	case c.send <- msg:
		return nil
	default:
		c.close(websocket.CloseTryAgainLater, "send queue full")
		return errSlowConsumer
	}
}

// close asks writePump to send a close frame and drop the socket.
func (c *wsConn) close(code int, reason string) {
	c.closeOnce.Do(func() {
		c.closeCode = code
		c.closeReason = reason
		close(c.done)
	})
}

func (c *wsConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()
	for {
		select {
		case <-c.done:
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(c.closeCode, c.closeReason),
				time.Now().Add(writeWait))
			return
		case msg := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(msg.kind, msg.data); err != nil {
				c.logger.Debug("websocket write failed", "error", err)
				c.close(websocket.CloseAbnormalClosure, "")
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.close(websocket.CloseAbnormalClosure, "")
				return
			}
		}
	}
}

func (s *HTTPServer) upgrader() *websocket.Upgrader {
	origin := s.corsOrigin
	return &websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if origin == "" || origin == "*" {
				return true
			}
			requestOrigin := r.Header.Get("Origin")
			return requestOrigin == "" || requestOrigin == origin
		},
	}
}

// handleCollaboration authenticates the connection, upgrades it and runs
// the sync protocol until either side closes.
func (s *HTTPServer) handleCollaboration(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	key := store.DocumentKey{
		Workspace:  query.Get("workspace"),
		Project:    query.Get("project"),
		DocumentID: query.Get("document"),
	}
	if !key.Valid() {
		writeError(w, http.StatusBadRequest, "INVALID_DOCUMENT", "workspace, project and document are required", nil)
		return
	}

	sc, err := s.service.Authenticate(r.Context(), query.Get("token"), r.Header.Get("Cookie"))
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}

	ws, err := s.upgrader().Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		sc.Close()
		return
	}

	logger := s.logger.With("room", key.String(), "connection_id", sc.ConnectionID)
	conn := newWSConn(sc.ConnectionID, ws, logger)
	go conn.writePump()
	s.track(conn)
	defer s.untrack(conn)

	manager := s.service.Manager()
	session, err := manager.Attach(r.Context(), key, sc, conn)
	if err != nil {
		logger.Warn("attach failed", "error", err)
		conn.close(websocket.CloseTryAgainLater, "document unavailable")
		return
	}
	defer manager.Detach(session, conn.ID())

	if err := conn.sendFrame(SyncFrame{Type: FrameSyncStep1, StateVector: session.StateVector()}); err != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.readPump(ctx, conn, session, logger)
	conn.close(websocket.CloseNormalClosure, "")
}

func (s *HTTPServer) readPump(ctx context.Context, conn *wsConn, session *collab.Session, logger *slog.Logger) {
	conn.ws.SetReadLimit(maxFrameSize)
	_ = conn.ws.SetReadDeadline(time.Now().Add(pongWait))
	conn.ws.SetPongHandler(func(string) error {
		return conn.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		kind, data, err := conn.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug("websocket closed", "error", err)
			}
			return
		}

		switch kind {
		case websocket.BinaryMessage:
			s.handleSyncFrame(conn, session, data, logger)
		case websocket.TextMessage:
			var frame ControlFrame
			if err := json.Unmarshal(data, &frame); err != nil || frame.Event == "" {
				logger.Debug("ignoring malformed control frame")
				continue
			}
			if err := session.Signal(ctx, conn.ID(), frame.Event, frame.Payload); err != nil {
				logger.Debug("control event not relayed", "event", frame.Event, "error", err)
			}
		}
	}
}

func (s *HTTPServer) handleSyncFrame(conn *wsConn, session *collab.Session, data []byte, logger *slog.Logger) {
	var frame SyncFrame
	if err := codec.Unmarshal(data, &frame); err != nil {
		diag, _ := codec.Diagnose(data)
		logger.Warn("undecodable sync frame", "error", err, "frame", diag)
		return
	}

	switch frame.Type {
	case FrameSyncStep1:
		if err := conn.sendFrame(SyncFrame{Type: FrameSyncStep2, Update: session.EncodeState(frame.StateVector)}); err != nil {
			logger.Debug("sync reply not queued", "error", err)
		}
	case FrameSyncStep2, FrameUpdate:
		if len(frame.Update) == 0 && frame.Type == FrameSyncStep2 {
			return
		}
		err := session.ApplyUpdate(conn.ID(), frame.Update)
		switch {
		case err == nil:
		case errors.Is(err, collab.ErrReadOnly):
			logger.Debug("dropping update from read-only connection")
		case errors.As(err, new(*crdt.PartialUpdateError)):
			logger.Warn("update frame partially applied", "error", err)
		default:
			logger.Warn("update frame rejected", "error", err)
		}
	default:
		logger.Debug("ignoring unknown sync frame", "type", frame.Type)
	}
}

func (s *HTTPServer) track(conn *wsConn) {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	s.conns[conn] = struct{}{}
}

func (s *HTTPServer) untrack(conn *wsConn) {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	delete(s.conns, conn)
}

// CloseConnections sends a going-away close frame to every open
// collaboration connection.
func (s *HTTPServer) CloseConnections() {
	s.connMu.Lock()
	conns := make([]*wsConn, 0, len(s.conns))
	for conn := range s.conns {
		conns = append(conns, conn)
	}
	s.connMu.Unlock()
	for _, conn := range conns {
		conn.close(websocket.CloseGoingAway, "server shutting down")
	}
}
