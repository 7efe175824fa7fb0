// Package broadcast fans out-of-band control events (typing indicators,
// refresh requests, lock changes) from one connection to the other
// connections of the same document.
package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Events maps the event a client or server sends to the event its peers
// receive. Anything not listed is dropped.
var Events = map[string]string{
	"user-typing":         "peer-typing",
	"user-stopped-typing": "peer-stopped-typing",
	"force-refresh":       "refresh-document",
	"title-updated":       "title-changed",
	"page-locked":         "document-locked",
	"page-unlocked":       "document-unlocked",
	"archived":            "document-archived",
	"restored":            "document-restored",
}

// PeerEvent returns the event name peers receive for event.
func PeerEvent(event string) (string, bool) {
	peerEvent, ok := Events[event]
	return peerEvent, ok
}

// Message is a control event as delivered to a peer.
type Message struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
	From    string          `json:"from,omitempty"`
}

// Peer is one connection attached to a document.
type Peer interface {
	ID() string
	// Send queues msg for delivery. It must not block on the network.
	Send(msg Message) error
}

// Bridge carries messages to relays in other processes.
type Bridge interface {
	Publish(ctx context.Context, room string, msg Message) error
}

// Relay tracks the peers of every document room in this process.
type Relay struct {
	mu     sync.RWMutex
	rooms  map[string]map[string]Peer
	bridge Bridge
	logger *slog.Logger
}

func NewRelay(logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{rooms: make(map[string]map[string]Peer), logger: logger}
}

// SetBridge enables cross-process delivery. Call before serving traffic.
func (r *Relay) SetBridge(bridge Bridge) {
	r.mu.Lock()
	r.bridge = bridge
	r.mu.Unlock()
}

func (r *Relay) Join(room string, peer Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	peers, ok := r.rooms[room]
	if !ok {
		peers = make(map[string]Peer)
		r.rooms[room] = peers
	}
	peers[peer.ID()] = peer
}

// Leave removes peer and returns how many peers remain in the room.
func (r *Relay) Leave(room string, peer Peer) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	peers := r.rooms[room]
	delete(peers, peer.ID())
	if len(peers) == 0 {
		delete(r.rooms, room)
		return 0
	}
	return len(peers)
}

// Peers lists the peer ids of a room in sorted order.
func (r *Relay) Peers(room string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.rooms[room]))
	for id := range r.rooms[room] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Broadcast translates event through Events and delivers it with the
// payload untouched to every peer of room except from. Unknown events are
// dropped without error. It returns the number of local deliveries.
func (r *Relay) Broadcast(ctx context.Context, room, from, event string, payload json.RawMessage) (int, error) {
	peerEvent, ok := PeerEvent(event)
	if !ok {
		r.logger.Debug("dropping unknown control event", "room", room, "event", event)
		droppedEvents.Inc()
		return 0, nil
	}
	msg := Message{Event: peerEvent, Payload: payload, From: from}
	delivered := r.deliver(room, msg)
	relayedEvents.WithLabelValues(peerEvent).Inc()

	r.mu.RLock()
	bridge := r.bridge
	r.mu.RUnlock()
	if bridge != nil {
		if err := bridge.Publish(ctx, room, msg); err != nil {
			return delivered, fmt.Errorf("publish %s to bridge: %w", peerEvent, err)
		}
	}
	return delivered, nil
}

// DeliverRemote hands a message received from another process to the
// local peers of room.
func (r *Relay) DeliverRemote(room string, msg Message) int {
	return r.deliver(room, msg)
}

func (r *Relay) deliver(room string, msg Message) int {
	r.mu.RLock()
	targets := make([]Peer, 0, len(r.rooms[room]))
	for id, peer := range r.rooms[room] {
		if id != msg.From {
			targets = append(targets, peer)
		}
	}
	r.mu.RUnlock()

	delivered := 0
	for _, peer := range targets {
		if err := peer.Send(msg); err != nil {
			r.logger.Warn("control event not delivered",
				"room", room,
				"peer", peer.ID(),
				"event", msg.Event,
				"error", err,
			)
			continue
		}
		delivered++
	}
	return delivered
}
