package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/rafaelrns/whiteboard-zones/internal/collab"
	"github.com/rafaelrns/whiteboard-zones/internal/locks"
	"github.com/rafaelrns/whiteboard-zones/internal/users"
)

const (
	writeWait = 10 * time.Second
	// pongWait bounds the silence tolerated from a peer.
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	outboundBuffer = 256
)

type outboundFrame struct {
	messageType int
	data        []byte
}

// connection is one authenticated websocket. It is the room peer of its
// collab session and a subscriber of its board's control events.
type connection struct {
	id      string
	profile users.Profile
	ws      *websocket.Conn
	handler *Handler
	session *collab.Session
	logger  *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	outbound  chan outboundFrame
	done      chan struct{}
	closeOnce sync.Once

	mu          sync.Mutex
	boardID     string
	unsubscribe func()
}

func (h *Handler) handleWebSocket(c *gin.Context) {
	profile, ok := profileFrom(c)
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	sessionUUID, err := uuid.NewV7()
	if err != nil {
		h.logger.Error("failed to generate session id", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "session_failed"})
		return
	}

	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// The upgrader has already written the failure response.
		h.logger.Warn("websocket upgrade failed", zap.String("user_id", profile.UserID), zap.Error(err))
		return
	}

	conn := h.newConnection(sessionUUID.String(), profile, ws)
	conn.serve()
}

func (h *Handler) newConnection(id string, profile users.Profile, ws *websocket.Conn) *connection {
	ctx, cancel := context.WithCancel(context.Background())
	conn := &connection{
		id:       id,
		profile:  profile,
		ws:       ws,
		handler:  h,
		ctx:      ctx,
		cancel:   cancel,
		outbound: make(chan outboundFrame, outboundBuffer),
		done:     make(chan struct{}),
		logger: h.logger.With(
			zap.String("session_id", id),
			zap.String("user_id", profile.UserID),
		),
	}
	conn.session = collab.NewSession(collab.SessionConfig{
		Manager:  h.rooms,
		Peer:     conn,
		ReadOnly: !profile.Role.CanEdit(),
		Clock:    h.clock,
		Logger:   conn.logger,
		Metrics:  h.metrics,
	})
	return conn
}

// serve runs the connection until the peer goes away or the handler closes it.
func (conn *connection) serve() {
	h := conn.handler
	h.track(conn)
	h.metrics.ConnectionOpened()
	conn.logger.Info("socket connected", zap.String("role", string(conn.profile.Role)))

	go conn.writePump()
	go conn.heartbeat()

	conn.sendEvent(helloEvent{
		Type:        eventServerHello,
		Time:        h.clock().UnixMilli(),
		SessionID:   conn.id,
		UserID:      conn.profile.UserID,
		DisplayName: conn.profile.DisplayName,
		Role:        string(conn.profile.Role),
	})

	conn.readPump()

	conn.session.Leave()
	conn.close()
	conn.mu.Lock()
	if conn.unsubscribe != nil {
		conn.unsubscribe()
		conn.unsubscribe = nil
	}
	conn.mu.Unlock()
	h.untrack(conn)
	h.metrics.ConnectionClosed()
	conn.logger.Info("socket disconnected")
}

// SessionID identifies the connection inside its room.
func (conn *connection) SessionID() string {
	return conn.id
}

// Send enqueues a binary sync frame. A full queue closes the connection so
// the client reconnects and resynchronizes from a fresh handshake.
func (conn *connection) Send(frame []byte) bool {
	return conn.enqueue(outboundFrame{messageType: websocket.BinaryMessage, data: frame})
}

func (conn *connection) sendEvent(payload any) bool {
	data, err := json.Marshal(payload)
	if err != nil {
		conn.logger.Error("failed to encode control event", zap.Error(err))
		return false
	}
	return conn.enqueue(outboundFrame{messageType: websocket.TextMessage, data: data})
}

func (conn *connection) sendError(id, code string) {
	conn.sendEvent(errorEvent{Type: eventError, ID: id, Error: code})
}

func (conn *connection) enqueue(frame outboundFrame) bool {
	select {
	case <-conn.done:
		return false
	default:
	}
	select {
	case conn.outbound <- frame:
		return true
	default:
		conn.handler.metrics.FrameDropped("slow_consumer")
		conn.logger.Warn("outbound queue full, closing connection")
		// Send may run under a room lock; the close handshake must not block it.
		go conn.close()
		return false
	}
}

func (conn *connection) close() {
	conn.closeOnce.Do(func() {
		close(conn.done)
		conn.cancel()
		_ = conn.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		// Unblocks the read pump.
		_ = conn.ws.Close()
	})
}

func (conn *connection) readPump() {
	conn.ws.SetReadLimit(conn.handler.maxMessageBytes)
	_ = conn.ws.SetReadDeadline(time.Now().Add(pongWait))
	conn.ws.SetPongHandler(func(string) error {
		return conn.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, data, err := conn.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				conn.logger.Debug("socket read failed", zap.Error(err))
			}
			return
		}
		_ = conn.ws.SetReadDeadline(time.Now().Add(pongWait))

		switch messageType {
		case websocket.BinaryMessage:
			conn.handler.metrics.SocketMessage("binary")
			if err := conn.session.Handle(data); err != nil {
				if errors.Is(err, collab.ErrNotJoined) {
					conn.sendError("", errorCodeNotJoined)
					continue
				}
				conn.logger.Debug("sync frame rejected", zap.Error(err))
			}
		case websocket.TextMessage:
			conn.handleControl(data)
		}
	}
}

func (conn *connection) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.close()
	}()

	for {
		select {
		case frame := <-conn.outbound:
			_ = conn.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.ws.WriteMessage(frame.messageType, frame.data); err != nil {
				conn.logger.Debug("socket write failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = conn.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-conn.done:
			return
		}
	}
}

// heartbeat refreshes presence for the joined board and pings the client.
func (conn *connection) heartbeat() {
	ticker := time.NewTicker(conn.handler.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-conn.done:
			return
		case <-ticker.C:
			if boardID := conn.currentBoard(); boardID != "" {
				conn.announce(boardID)
			}
			conn.sendEvent(pingEvent{Type: eventServerPing, T: conn.handler.clock().UnixMilli()})
		}
	}
}

func (conn *connection) currentBoard() string {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	return conn.boardID
}

func (conn *connection) handleControl(data []byte) {
	var event clientEvent
	if err := json.Unmarshal(data, &event); err != nil || event.Type == "" {
		conn.handler.metrics.SocketMessage("invalid")
		conn.sendError("", errorCodeInvalidEvent)
		return
	}
	conn.handler.metrics.SocketMessage(event.Type)

	switch event.Type {
	case eventBoardJoin:
		conn.joinBoard(event)
	case eventObjectLockTry:
		conn.handleLock(event, locks.KindObject, event.ObjectID, true)
	case eventObjectRelease:
		conn.handleLock(event, locks.KindObject, event.ObjectID, false)
	case eventZoneLockTry:
		conn.handleLock(event, locks.KindZone, event.ZoneID, true)
	case eventZoneRelease:
		conn.handleLock(event, locks.KindZone, event.ZoneID, false)
	case eventClientPong:
	default:
		conn.sendError(event.ID, errorCodeUnknownEvent)
	}
}

func (conn *connection) joinBoard(event clientEvent) {
	boardID := strings.TrimSpace(event.BoardID)
	if boardID == "" {
		conn.sendError(event.ID, errorCodeInvalidBoard)
		return
	}
	if err := conn.session.Join(boardID); err != nil {
		code := errorCodeInvalidBoard
		if errors.Is(err, collab.ErrRoomUnavailable) {
			code = errorCodeRoomUnavailable
		}
		conn.sendError(event.ID, code)
		return
	}

	conn.mu.Lock()
	if conn.boardID != boardID {
		if conn.unsubscribe != nil {
			conn.unsubscribe()
		}
		stream, unsubscribe := conn.handler.dispatcher.Subscribe(conn.ctx, boardID)
		conn.boardID = boardID
		conn.unsubscribe = unsubscribe
		go conn.forward(stream)
	}
	conn.mu.Unlock()

	conn.sendEvent(boardJoinedEvent{Type: eventBoardJoined, ID: event.ID, BoardID: boardID})
	conn.logger.Info("board joined", zap.String("board_id", boardID))

	if count, ok := conn.announce(boardID); ok {
		conn.handler.dispatcher.Publish(BoardEvent{
			BoardID: boardID,
			Payload: presenceEvent{Type: eventPresenceUpdate, BoardID: boardID, OnlineCount: count},
		})
	}
}

// announce records the user as online on boardID and returns the board's count.
func (conn *connection) announce(boardID string) (int, bool) {
	ctx, cancel := context.WithTimeout(conn.ctx, requestTimeout)
	defer cancel()
	if err := conn.handler.presence.Announce(ctx, boardID, conn.profile.UserID); err != nil {
		conn.logger.Warn("presence announce failed", zap.String("board_id", boardID), zap.Error(err))
		return 0, false
	}
	count, err := conn.handler.presence.Count(ctx, boardID)
	if err != nil {
		conn.logger.Warn("presence count failed", zap.String("board_id", boardID), zap.Error(err))
		return 0, false
	}
	return count, true
}

func (conn *connection) forward(stream <-chan BoardEvent) {
	for event := range stream {
		conn.sendEvent(event.Payload)
	}
}

func (conn *connection) handleLock(event clientEvent, kind, id string, acquire bool) {
	boardID := conn.currentBoard()
	if boardID == "" {
		conn.sendError(event.ID, errorCodeNotJoined)
		return
	}
	resourceID, err := locks.Resource(kind, id)
	if err != nil {
		conn.sendError(event.ID, errorCodeInvalidResource)
		return
	}
	if !conn.profile.Role.CanEdit() {
		conn.sendError(event.ID, errorCodeForbidden)
		return
	}

	ctx, cancel := context.WithTimeout(conn.ctx, requestTimeout)
	defer cancel()

	var ok bool
	if acquire {
		ok, err = conn.handler.locks.TryAcquire(ctx, resourceID, conn.profile.UserID)
	} else {
		ok, err = conn.handler.locks.Release(ctx, resourceID, conn.profile.UserID)
	}
	if err != nil {
		conn.sendError(event.ID, errorCodeLockUnavailable)
		return
	}

	owner, held, err := conn.handler.locks.Owner(ctx, resourceID)
	if err != nil {
		conn.logger.Warn("lease lookup failed", zap.String("resource_id", resourceID), zap.Error(err))
		held = false
	}
	ownerValue := ownerRef(owner, held)

	conn.sendEvent(lockResultEvent{
		Type:       eventLockResult,
		ID:         event.ID,
		OK:         ok,
		Owner:      ownerValue,
		ResourceID: resourceID,
	})

	var update any
	switch kind {
	case locks.KindZone:
		update = zoneLockEvent{Type: eventZoneLockState, ZoneID: strings.TrimSpace(id), Owner: ownerValue}
	default:
		update = objectLockEvent{Type: eventObjectLockState, ObjectID: strings.TrimSpace(id), Owner: ownerValue}
	}
	conn.handler.dispatcher.Publish(BoardEvent{BoardID: boardID, Payload: update})
}
