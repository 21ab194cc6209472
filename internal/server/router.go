package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/rafaelrns/whiteboard-zones/internal/auth"
	"github.com/rafaelrns/whiteboard-zones/internal/locks"
	"github.com/rafaelrns/whiteboard-zones/internal/metrics"
	"github.com/rafaelrns/whiteboard-zones/internal/presence"
	"github.com/rafaelrns/whiteboard-zones/internal/rooms"
	"github.com/rafaelrns/whiteboard-zones/internal/users"
	"github.com/rafaelrns/whiteboard-zones/internal/zones"
)

const (
	profileContextKey = "zones_profile"

	defaultHeartbeatInterval = 25 * time.Second
	defaultMaxMessageBytes   = 1 << 20
	maxSnapshotBytes         = 64 << 20
	requestTimeout           = 5 * time.Second
)

var (
	errMissingValidator = errors.New("session validator dependency required")
	errMissingDirectory = errors.New("identity directory dependency required")
	errMissingRooms     = errors.New("room manager dependency required")
	errMissingLocks     = errors.New("lock service dependency required")
	errMissingPresence  = errors.New("presence tracker dependency required")
)

// SessionValidator authenticates an incoming request.
type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

// IdentityResolver maps validated claims to a profile.
type IdentityResolver interface {
	Resolve(claims auth.SessionClaims) (users.Profile, error)
}

type Dependencies struct {
	Validator         SessionValidator
	Directory         IdentityResolver
	Rooms             *rooms.Manager
	Locks             *locks.Service
	Presence          presence.Tracker
	Metrics           *metrics.Collectors
	Gatherer          prometheus.Gatherer
	AllowedOrigins    []string
	HeartbeatInterval time.Duration
	MaxMessageBytes   int64
	Clock             func() time.Time
	Logger            *zap.Logger
}

// Handler serves the HTTP surface and owns the live websocket connections.
type Handler struct {
	http.Handler

	validator         SessionValidator
	directory         IdentityResolver
	rooms             *rooms.Manager
	locks             *locks.Service
	presence          presence.Tracker
	metrics           *metrics.Collectors
	dispatcher        *BoardDispatcher
	upgrader          websocket.Upgrader
	heartbeatInterval time.Duration
	maxMessageBytes   int64
	clock             func() time.Time
	logger            *zap.Logger

	connectionsMu sync.Mutex
	connections   map[string]*connection
}

func NewHTTPHandler(deps Dependencies) (*Handler, error) {
	if deps.Validator == nil {
		return nil, errMissingValidator
	}
	if deps.Directory == nil {
		return nil, errMissingDirectory
	}
	if deps.Rooms == nil {
		return nil, errMissingRooms
	}
	if deps.Locks == nil {
		return nil, errMissingLocks
	}
	if deps.Presence == nil {
		return nil, errMissingPresence
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}
	maxMessageBytes := deps.MaxMessageBytes
	if maxMessageBytes <= 0 {
		maxMessageBytes = defaultMaxMessageBytes
	}
	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	handler := &Handler{
		validator:         deps.Validator,
		directory:         deps.Directory,
		rooms:             deps.Rooms,
		locks:             deps.Locks,
		presence:          deps.Presence,
		metrics:           deps.Metrics,
		dispatcher:        NewBoardDispatcher(),
		heartbeatInterval: heartbeat,
		maxMessageBytes:   maxMessageBytes,
		clock:             clock,
		logger:            logger,
		connections:       make(map[string]*connection),
	}
	handler.upgrader = websocket.Upgrader{
		ReadBufferSize:    4096,
		WriteBufferSize:   4096,
		EnableCompression: true,
		CheckOrigin:       originChecker(deps.AllowedOrigins),
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(corsConfig(deps.AllowedOrigins)))

	router.GET("/healthz", handler.handleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/ws", handler.handleWebSocket)
	protected.GET("/boards/:boardId/presence", handler.handlePresence)
	protected.GET("/boards/:boardId/snapshot", handler.handleSnapshotRead)
	protected.PUT("/boards/:boardId/snapshot", handler.handleSnapshotRestore)
	protected.GET("/locks/:kind/:id", handler.handleLockOwner)
	protected.POST("/zones/suggest", handler.handleSuggestZones)

	handler.Handler = router
	return handler, nil
}

// Dispatcher exposes the board event fan-out.
func (h *Handler) Dispatcher() *BoardDispatcher {
	return h.dispatcher
}

// ConnectionCount returns the number of open websocket connections.
func (h *Handler) ConnectionCount() int {
	h.connectionsMu.Lock()
	defer h.connectionsMu.Unlock()
	return len(h.connections)
}

// CloseConnections closes every open websocket. Hijacked connections are not
// covered by http.Server.Shutdown.
func (h *Handler) CloseConnections() {
	h.connectionsMu.Lock()
	open := make([]*connection, 0, len(h.connections))
	for _, conn := range h.connections {
		open = append(open, conn)
	}
	h.connectionsMu.Unlock()
	for _, conn := range open {
		conn.close()
	}
}

func (h *Handler) track(conn *connection) {
	h.connectionsMu.Lock()
	defer h.connectionsMu.Unlock()
	h.connections[conn.id] = conn
}

func (h *Handler) untrack(conn *connection) {
	h.connectionsMu.Lock()
	defer h.connectionsMu.Unlock()
	delete(h.connections, conn.id)
}

func corsConfig(origins []string) cors.Config {
	config := cors.Config{
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}
	if len(origins) == 0 || containsWildcard(origins) {
		config.AllowAllOrigins = true
		return config
	}
	config.AllowOrigins = origins
	config.AllowCredentials = true
	return config
}

func originChecker(origins []string) func(r *http.Request) bool {
	if len(origins) == 0 || containsWildcard(origins) {
		return func(*http.Request) bool { return true }
	}
	allowed := make(map[string]struct{}, len(origins))
	for _, origin := range origins {
		allowed[strings.TrimRight(origin, "/")] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := allowed[strings.TrimRight(origin, "/")]
		return ok
	}
}

func containsWildcard(origins []string) bool {
	for _, origin := range origins {
		if origin == "*" {
			return true
		}
	}
	return false
}

func (h *Handler) authorizeRequest(c *gin.Context) {
	claims, err := h.validator.ValidateRequest(c.Request)
	if err != nil {
		h.logger.Debug("session validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	profile, err := h.directory.Resolve(claims)
	if err != nil {
		h.logger.Warn("identity resolution failed", zap.String("user_id", claims.UserID), zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(profileContextKey, profile)
	c.Next()
}

func profileFrom(c *gin.Context) (users.Profile, bool) {
	value, ok := c.Get(profileContextKey)
	if !ok {
		return users.Profile{}, false
	}
	profile, ok := value.(users.Profile)
	return profile, ok && profile.UserID != ""
}

func (h *Handler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"rooms":  h.rooms.Count(),
	})
}

type presenceResponse struct {
	BoardID     string `json:"boardId"`
	OnlineCount int    `json:"onlineCount"`
}

func (h *Handler) handlePresence(c *gin.Context) {
	boardID := strings.TrimSpace(c.Param("boardId"))
	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
	defer cancel()
	count, err := h.presence.Count(ctx, boardID)
	if err != nil {
		if errors.Is(err, presence.ErrInvalidBoard) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_board"})
			return
		}
		h.logger.Error("presence count failed", zap.String("board_id", boardID), zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "presence_unavailable"})
		return
	}
	c.JSON(http.StatusOK, presenceResponse{BoardID: boardID, OnlineCount: count})
}

type lockOwnerResponse struct {
	ResourceID string  `json:"resourceId"`
	Held       bool    `json:"held"`
	Owner      *string `json:"owner"`
}

func (h *Handler) handleLockOwner(c *gin.Context) {
	resourceID, err := locks.Resource(c.Param("kind"), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errorCodeInvalidResource})
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
	defer cancel()
	owner, held, err := h.locks.Owner(ctx, resourceID)
	if err != nil {
		h.logger.Error("lease lookup failed", zap.String("resource_id", resourceID), zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": errorCodeLockUnavailable})
		return
	}
	c.JSON(http.StatusOK, lockOwnerResponse{ResourceID: resourceID, Held: held, Owner: ownerRef(owner, held)})
}

func (h *Handler) handleSnapshotRead(c *gin.Context) {
	boardID := strings.TrimSpace(c.Param("boardId"))
	room, ok := h.rooms.Lookup(boardID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "room_not_found"})
		return
	}
	var snapshot []byte
	room.Do(func(txn rooms.Txn) {
		snapshot = txn.Document().Snapshot()
	})
	c.Data(http.StatusOK, "application/octet-stream", snapshot)
}

func (h *Handler) handleSnapshotRestore(c *gin.Context) {
	profile, ok := profileFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	if !profile.Role.CanEdit() {
		c.JSON(http.StatusForbidden, gin.H{"error": errorCodeForbidden})
		return
	}
	boardID := strings.TrimSpace(c.Param("boardId"))
	if boardID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": errorCodeInvalidBoard})
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxSnapshotBytes))
	if err != nil || len(body) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_snapshot"})
		return
	}

	var restoreErr error
	room := h.rooms.GetOrCreate(boardID)
	room.Do(func(txn rooms.Txn) {
		restoreErr = txn.Document().Restore(body)
	})
	h.rooms.Touch(boardID)
	if restoreErr != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_snapshot"})
		return
	}
	h.logger.Info("board snapshot restored",
		zap.String("board_id", boardID),
		zap.String("user_id", profile.UserID),
		zap.Int("bytes", len(body)),
	)
	c.Status(http.StatusNoContent)
}

type suggestRequestPayload struct {
	Objects []zones.Box   `json:"objects"`
	Options zones.Options `json:"options"`
}

type suggestResponsePayload struct {
	Suggestions []zones.Suggestion `json:"suggestions"`
}

func (h *Handler) handleSuggestZones(c *gin.Context) {
	var request suggestRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	suggestions := zones.SuggestZones(request.Objects, request.Options)
	c.JSON(http.StatusOK, suggestResponsePayload{Suggestions: suggestions})
}

func ownerRef(owner string, held bool) *string {
	if !held || owner == "" {
		return nil
	}
	return &owner
}
