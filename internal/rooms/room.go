package rooms

import (
	"sync"
	"time"

	"github.com/rafaelrns/whiteboard-zones/internal/codec"
	"github.com/rafaelrns/whiteboard-zones/internal/crdt"
)

// Peer is a connection attached to a room. Send must not block: it enqueues
// the frame for the connection's writer and reports whether it was accepted.
type Peer interface {
	SessionID() string
	Send(frame []byte) bool
}

// Room is the live synchronization context of one board. Its mutex is the
// serialization point for every document and awareness mutation.
type Room struct {
	boardID string

	mu           sync.Mutex
	document     *crdt.Document
	awareness    *crdt.Awareness
	peers        map[string]Peer
	lastActivity time.Time
	evicted      bool
}

func newRoom(boardID string, now time.Time) *Room {
	room := &Room{
		boardID:      boardID,
		document:     crdt.NewDocument(),
		awareness:    crdt.NewAwareness(),
		peers:        make(map[string]Peer),
		lastActivity: now,
	}
	// Local and restored changes fan out to everyone; remote updates are
	// relayed by the receiving session with their original bytes.
	room.document.Observe(func(update []byte, _ string) {
		room.broadcastLocked(codec.EncodeSyncUpdate(update), "")
	})
	return room
}

// BoardID returns the board this room synchronizes.
func (room *Room) BoardID() string {
	return room.boardID
}

// Txn exposes the room state to a function running under the room mutex.
type Txn struct {
	room *Room
}

// Document returns the room document.
func (txn Txn) Document() *crdt.Document {
	return txn.room.document
}

// Awareness returns the room awareness table.
func (txn Txn) Awareness() *crdt.Awareness {
	return txn.room.awareness
}

// Broadcast enqueues frame for every attached peer except the given session.
// It returns the number of peers that accepted the frame.
func (txn Txn) Broadcast(frame []byte, exceptSessionID string) int {
	return txn.room.broadcastLocked(frame, exceptSessionID)
}

// SendTo enqueues frame for a single attached peer.
func (txn Txn) SendTo(sessionID string, frame []byte) bool {
	peer, ok := txn.room.peers[sessionID]
	if !ok {
		return false
	}
	return peer.Send(frame)
}

// PeerCount returns the number of attached peers.
func (txn Txn) PeerCount() int {
	return len(txn.room.peers)
}

// Do runs fn while holding the room mutex. fn must not perform network I/O;
// peers only enqueue frames.
func (room *Room) Do(fn func(txn Txn)) {
	room.mu.Lock()
	defer room.mu.Unlock()
	fn(Txn{room: room})
}

// Attach registers peer and refreshes the activity timestamp.
func (room *Room) Attach(peer Peer, now time.Time) {
	room.mu.Lock()
	room.peers[peer.SessionID()] = peer
	room.lastActivity = now
	room.mu.Unlock()
}

// Detach removes a peer. It reports whether the peer was attached.
func (room *Room) Detach(sessionID string) bool {
	room.mu.Lock()
	defer room.mu.Unlock()
	if _, ok := room.peers[sessionID]; !ok {
		return false
	}
	delete(room.peers, sessionID)
	return true
}

// PeerCount returns the number of attached peers.
func (room *Room) PeerCount() int {
	room.mu.Lock()
	defer room.mu.Unlock()
	return len(room.peers)
}

// Touch records activity at now.
func (room *Room) Touch(now time.Time) {
	room.mu.Lock()
	if now.After(room.lastActivity) {
		room.lastActivity = now
	}
	room.mu.Unlock()
}

// LastActivity returns the time of the latest processed message.
func (room *Room) LastActivity() time.Time {
	room.mu.Lock()
	defer room.mu.Unlock()
	return room.lastActivity
}

// Evicted reports whether the manager has discarded this room.
func (room *Room) Evicted() bool {
	room.mu.Lock()
	defer room.mu.Unlock()
	return room.evicted
}

func (room *Room) broadcastLocked(frame []byte, exceptSessionID string) int {
	delivered := 0
	for sessionID, peer := range room.peers {
		if sessionID == exceptSessionID {
			continue
		}
		if peer.Send(frame) {
			delivered++
		}
	}
	return delivered
}
