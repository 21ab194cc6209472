package collab

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rafaelrns/whiteboard-zones/internal/codec"
	"github.com/rafaelrns/whiteboard-zones/internal/crdt"
	"github.com/rafaelrns/whiteboard-zones/internal/metrics"
	"github.com/rafaelrns/whiteboard-zones/internal/rooms"
)

var (
	// ErrBoardRequired indicates that Join was called without a board id.
	ErrBoardRequired = errors.New("collab: board id required")
	// ErrNotJoined indicates that a frame arrived before the session joined a board.
	ErrNotJoined = errors.New("collab: session has not joined a board")
	// ErrRoomUnavailable indicates that every join attempt landed on a room
	// the sweeper had already evicted.
	ErrRoomUnavailable = errors.New("collab: room evicted during join")
)

// State is the position of a session in the sync handshake.
type State int

const (
	// StateIdle means the session has not joined a board.
	StateIdle State = iota
	// StateHandshake means the server digest was sent and no sync frame has arrived yet.
	StateHandshake
	// StateSteady means the peer has answered and updates flow both ways.
	StateSteady
)

func (state State) String() string {
	switch state {
	case StateHandshake:
		return "handshake"
	case StateSteady:
		return "steady"
	default:
		return "idle"
	}
}

const maxJoinAttempts = 3

// roomSource hands out the live room for a board.
type roomSource interface {
	GetOrCreate(boardID string) *rooms.Room
}

// SessionConfig wires a Session to its room manager and connection.
type SessionConfig struct {
	Manager *rooms.Manager
	Peer    rooms.Peer
	// ReadOnly drops document updates from this connection. Awareness still flows.
	ReadOnly bool
	Clock    func() time.Time
	Logger   *zap.Logger
	Metrics  *metrics.Collectors
}

// Session runs the sync protocol for one connection.
type Session struct {
	manager  roomSource
	peer     rooms.Peer
	readOnly bool
	clock    func() time.Time
	logger   *zap.Logger
	metrics  *metrics.Collectors

	mu               sync.Mutex
	room             *rooms.Room
	state            State
	awarenessClients map[uint64]struct{}
}

// NewSession constructs an idle session.
func NewSession(cfg SessionConfig) *Session {
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Session{
		manager:          cfg.Manager,
		peer:             cfg.Peer,
		readOnly:         cfg.ReadOnly,
		clock:            clock,
		logger:           logger,
		metrics:          cfg.Metrics,
		awarenessClients: make(map[uint64]struct{}),
	}
}

// State returns the handshake state.
func (session *Session) State() State {
	session.mu.Lock()
	defer session.mu.Unlock()
	return session.state
}

// BoardID returns the joined board, or an empty string.
func (session *Session) BoardID() string {
	session.mu.Lock()
	defer session.mu.Unlock()
	if session.room == nil {
		return ""
	}
	return session.room.BoardID()
}

// Join attaches the connection to the room of boardID and sends the room
// digest to this connection only. Joining another board leaves the current one.
func (session *Session) Join(boardID string) error {
	boardID = strings.TrimSpace(boardID)
	if boardID == "" {
		return ErrBoardRequired
	}

	session.mu.Lock()
	defer session.mu.Unlock()

	if session.room != nil && session.room.BoardID() != boardID {
		session.leaveLocked()
	}

	room := session.room
	if room == nil {
		attached, err := session.attach(boardID)
		if err != nil {
			session.state = StateIdle
			session.logger.Warn("session could not attach to board",
				zap.String("session_id", session.peer.SessionID()),
				zap.String("board_id", boardID),
				zap.Error(err))
			return err
		}
		room = attached
		session.room = room
	}
	session.state = StateHandshake

	sessionID := session.peer.SessionID()
	room.Do(func(txn rooms.Txn) {
		txn.SendTo(sessionID, codec.EncodeSyncStep1(txn.Document().Digest()))
	})
	session.logger.Debug("session joined board",
		zap.String("session_id", sessionID),
		zap.String("board_id", boardID))
	return nil
}

// attach retries when the sweeper evicts the room between lookup and attach.
func (session *Session) attach(boardID string) (*rooms.Room, error) {
	for attempt := 0; attempt < maxJoinAttempts; attempt++ {
		room := session.manager.GetOrCreate(boardID)
		room.Attach(session.peer, session.clock())
		if !room.Evicted() {
			return room, nil
		}
		room.Detach(session.peer.SessionID())
	}
	return nil, ErrRoomUnavailable
}

// Handle processes one inbound binary frame. Malformed frames are dropped
// without error.
func (session *Session) Handle(frame []byte) error {
	message, ok := codec.Decode(frame)
	if !ok {
		session.drop("malformed", nil)
		return nil
	}

	session.mu.Lock()
	defer session.mu.Unlock()

	room := session.room
	if room == nil {
		session.drop("not_joined", nil)
		return ErrNotJoined
	}
	defer room.Touch(session.clock())

	session.metrics.SyncMessage(message.Kind.String())
	switch message.Kind {
	case codec.KindStateSync:
		session.handleSync(room, frame, message.Payload)
	case codec.KindAwareness:
		session.handleAwareness(room, frame, message.Payload)
	}
	return nil
}

func (session *Session) handleSync(room *rooms.Room, frame, payload []byte) {
	syncMessage, ok := codec.DecodeSync(payload)
	if !ok {
		session.drop("malformed", nil)
		return
	}
	session.state = StateSteady

	if syncMessage.Step.CarriesUpdate() && session.readOnly {
		session.drop("read_only", nil)
		return
	}

	sessionID := session.peer.SessionID()
	room.Do(func(txn rooms.Txn) {
		switch syncMessage.Step {
		case codec.SyncStep1:
			diff, err := txn.Document().Diff(syncMessage.Body)
			if err != nil {
				session.drop("malformed", err)
				return
			}
			txn.SendTo(sessionID, codec.EncodeSyncStep2(diff))
		case codec.SyncStep2, codec.SyncUpdate:
			changed, err := txn.Document().Apply(syncMessage.Body, crdt.OriginRemote)
			if err != nil {
				session.drop("malformed", err)
				return
			}
			if changed {
				txn.Broadcast(frame, sessionID)
			}
		}
	})
}

func (session *Session) handleAwareness(room *rooms.Room, frame, payload []byte) {
	sessionID := session.peer.SessionID()
	room.Do(func(txn rooms.Txn) {
		changed, err := txn.Awareness().Apply(payload)
		if err != nil {
			session.drop("malformed", err)
			return
		}
		states := txn.Awareness().States()
		for _, client := range changed {
			if _, present := states[client]; present {
				session.awarenessClients[client] = struct{}{}
			} else {
				delete(session.awarenessClients, client)
			}
		}
		txn.Broadcast(frame, sessionID)
	})
}

// Leave detaches the connection from its room and withdraws the awareness
// entries it announced. Lease locks and presence are left to expire.
func (session *Session) Leave() {
	session.mu.Lock()
	defer session.mu.Unlock()
	session.leaveLocked()
}

func (session *Session) leaveLocked() {
	room := session.room
	if room == nil {
		return
	}
	sessionID := session.peer.SessionID()
	room.Detach(sessionID)

	if len(session.awarenessClients) > 0 {
		clients := make([]uint64, 0, len(session.awarenessClients))
		for client := range session.awarenessClients {
			clients = append(clients, client)
		}
		sort.Slice(clients, func(i, j int) bool { return clients[i] < clients[j] })
		room.Do(func(txn rooms.Txn) {
			if removal := txn.Awareness().Remove(clients); removal != nil {
				txn.Broadcast(codec.EncodeAwareness(removal), sessionID)
			}
		})
		session.awarenessClients = make(map[uint64]struct{})
	}

	session.logger.Debug("session left board",
		zap.String("session_id", sessionID),
		zap.String("board_id", room.BoardID()))
	session.room = nil
	session.state = StateIdle
}

func (session *Session) drop(reason string, err error) {
	session.metrics.FrameDropped(reason)
	fields := []zap.Field{
		zap.String("session_id", session.peer.SessionID()),
		zap.String("reason", reason),
	}
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	session.logger.Debug("frame dropped", fields...)
}
