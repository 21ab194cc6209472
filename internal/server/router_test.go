package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/rafaelrns/whiteboard-zones/internal/auth"
	"github.com/rafaelrns/whiteboard-zones/internal/crdt"
	"github.com/rafaelrns/whiteboard-zones/internal/locks"
	"github.com/rafaelrns/whiteboard-zones/internal/metrics"
	"github.com/rafaelrns/whiteboard-zones/internal/presence"
	"github.com/rafaelrns/whiteboard-zones/internal/rooms"
	"github.com/rafaelrns/whiteboard-zones/internal/users"
)

const (
	testSigningSecret = "test-signing-secret"
	testIssuer        = "zones-auth"
	testCookieName    = "zones_session"
)

type testHarness struct {
	handler  *Handler
	issuer   *auth.TokenIssuer
	rooms    *rooms.Manager
	locks    *locks.Service
	presence *presence.MemoryTracker
	registry *prometheus.Registry
}

func newTestHarness(t *testing.T, origins ...string) *testHarness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := "file:" + strings.ReplaceAll(t.Name(), "/", "_") + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&users.Identity{}); err != nil {
		t.Fatalf("failed to migrate identities: %v", err)
	}
	directory, err := users.NewDirectory(users.DirectoryConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to create directory: %v", err)
	}
	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(testSigningSecret),
		Issuer:        testIssuer,
		CookieName:    testCookieName,
	})
	if err != nil {
		t.Fatalf("failed to create validator: %v", err)
	}
	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(testSigningSecret),
		Issuer:        testIssuer,
		TokenTTL:      time.Hour,
	})
	if err != nil {
		t.Fatalf("failed to create issuer: %v", err)
	}

	registry := prometheus.NewRegistry()
	collectors := metrics.New(metrics.Config{Registry: registry})
	manager := rooms.NewManager(rooms.ManagerConfig{})
	collectors.TrackActiveRooms(manager.Count)
	lockService := locks.NewService(locks.ServiceConfig{Metrics: collectors})
	tracker := presence.NewMemoryTracker(time.Minute, nil)

	handler, err := NewHTTPHandler(Dependencies{
		Validator:         validator,
		Directory:         directory,
		Rooms:             manager,
		Locks:             lockService,
		Presence:          tracker,
		Metrics:           collectors,
		Gatherer:          registry,
		AllowedOrigins:    origins,
		HeartbeatInterval: time.Hour,
		Logger:            zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to construct http handler: %v", err)
	}
	t.Cleanup(handler.CloseConnections)

	return &testHarness{
		handler:  handler,
		issuer:   issuer,
		rooms:    manager,
		locks:    lockService,
		presence: tracker,
		registry: registry,
	}
}

func (h *testHarness) mustToken(t *testing.T, userID string, roles ...string) string {
	t.Helper()
	token, _, err := h.issuer.IssueSessionToken(context.Background(), auth.Identity{
		UserID:      userID,
		Email:       userID + "@example.com",
		DisplayName: userID,
		Roles:       roles,
	})
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	return token
}

func (h *testHarness) do(t *testing.T, method, path, token string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	request := httptest.NewRequest(method, path, bytes.NewReader(body))
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	recorder := httptest.NewRecorder()
	h.handler.ServeHTTP(recorder, request)
	return recorder
}

func TestNewHTTPHandlerRequiresDependencies(t *testing.T) {
	if _, err := NewHTTPHandler(Dependencies{}); err != errMissingValidator {
		t.Fatalf("expected missing validator error, got %v", err)
	}
}

func TestProtectedRoutesRejectMissingSession(t *testing.T) {
	harness := newTestHarness(t)
	paths := []string{"/ws", "/boards/board-1/presence", "/boards/board-1/snapshot", "/locks/object/shape-1"}
	for _, path := range paths {
		recorder := harness.do(t, http.MethodGet, path, "", nil)
		if recorder.Code != http.StatusUnauthorized {
			t.Fatalf("%s: expected 401, got %d", path, recorder.Code)
		}
		if !strings.Contains(recorder.Body.String(), "unauthorized") {
			t.Fatalf("%s: expected unauthorized body, got %s", path, recorder.Body.String())
		}
	}

	recorder := harness.do(t, http.MethodGet, "/boards/board-1/presence", "not-a-token", nil)
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for a forged token, got %d", recorder.Code)
	}
	if harness.rooms.Count() != 0 {
		t.Fatalf("rejected requests must not create rooms")
	}
}

func TestHealthAndMetricsArePublic(t *testing.T) {
	harness := newTestHarness(t)

	recorder := harness.do(t, http.MethodGet, "/healthz", "", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected healthz 200, got %d", recorder.Code)
	}

	recorder = harness.do(t, http.MethodGet, "/metrics", "", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected metrics 200, got %d", recorder.Code)
	}
	if !strings.Contains(recorder.Body.String(), "zones_active_rooms") {
		t.Fatalf("expected active rooms gauge in exposition, got %s", recorder.Body.String())
	}
}

func TestPresenceEndpointCountsDistinctUsers(t *testing.T) {
	harness := newTestHarness(t)
	ctx := context.Background()
	for _, userID := range []string{"alice", "bob", "alice"} {
		if err := harness.presence.Announce(ctx, "board-1", userID); err != nil {
			t.Fatalf("announce failed: %v", err)
		}
	}

	recorder := harness.do(t, http.MethodGet, "/boards/board-1/presence", harness.mustToken(t, "carol"), nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	var response presenceResponse
	if err := json.Unmarshal(recorder.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if response.BoardID != "board-1" || response.OnlineCount != 2 {
		t.Fatalf("unexpected presence response %+v", response)
	}
}

func TestLockOwnerEndpoint(t *testing.T) {
	harness := newTestHarness(t)
	token := harness.mustToken(t, "carol")

	recorder := harness.do(t, http.MethodGet, "/locks/object/shape-1", token, nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	var response lockOwnerResponse
	if err := json.Unmarshal(recorder.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if response.Held || response.Owner != nil {
		t.Fatalf("expected free lease, got %+v", response)
	}

	if ok, err := harness.locks.TryAcquire(context.Background(), locks.ObjectResource("shape-1"), "alice"); err != nil || !ok {
		t.Fatalf("expected acquisition, got ok=%v err=%v", ok, err)
	}
	recorder = harness.do(t, http.MethodGet, "/locks/object/shape-1", token, nil)
	if err := json.Unmarshal(recorder.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if !response.Held || response.Owner == nil || *response.Owner != "alice" || response.ResourceID != "object:shape-1" {
		t.Fatalf("expected alice to hold object:shape-1, got %+v", response)
	}

	recorder = harness.do(t, http.MethodGet, "/locks/table/shape-1", token, nil)
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown kind, got %d", recorder.Code)
	}
}

func TestSnapshotRoundTripThroughLiveRoom(t *testing.T) {
	harness := newTestHarness(t)
	editor := harness.mustToken(t, "alice", "editor")

	recorder := harness.do(t, http.MethodGet, "/boards/board-1/snapshot", editor, nil)
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404 without a live room, got %d", recorder.Code)
	}

	source := crdt.NewDocument()
	for _, operation := range []string{"rect", "arrow"} {
		if _, err := source.Append([]byte(operation)); err != nil {
			t.Fatalf("append failed: %v", err)
		}
	}

	recorder = harness.do(t, http.MethodPut, "/boards/board-1/snapshot", editor, source.Snapshot())
	if recorder.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", recorder.Code, recorder.Body.String())
	}

	recorder = harness.do(t, http.MethodGet, "/boards/board-1/snapshot", editor, nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	restored := crdt.NewDocument()
	if err := restored.Restore(recorder.Body.Bytes()); err != nil {
		t.Fatalf("failed to restore snapshot: %v", err)
	}
	if restored.Len() != 2 {
		t.Fatalf("expected 2 operations in snapshot, got %d", restored.Len())
	}

	recorder = harness.do(t, http.MethodPut, "/boards/board-1/snapshot", editor, []byte("garbage"))
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed snapshot, got %d", recorder.Code)
	}
}

func TestSnapshotRestoreRequiresEditRole(t *testing.T) {
	harness := newTestHarness(t)
	viewer := harness.mustToken(t, "victor", "viewer")

	recorder := harness.do(t, http.MethodPut, "/boards/board-1/snapshot", viewer, crdt.NewDocument().Snapshot())
	if recorder.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for viewer, got %d", recorder.Code)
	}
	if harness.rooms.Count() != 0 {
		t.Fatalf("forbidden restore must not create a room")
	}
}

func TestSuggestZonesEndpoint(t *testing.T) {
	harness := newTestHarness(t)
	payload := `{"objects":[
		{"id":"a","type":"rect","x":100,"y":100,"w":40,"h":40},
		{"id":"b","type":"rect","x":150,"y":100,"w":40,"h":40},
		{"id":"c","type":"rect","x":120,"y":140,"w":40,"h":40},
		{"id":"far","type":"rect","x":2000,"y":2000,"w":40,"h":40}
	]}`

	recorder := harness.do(t, http.MethodPost, "/zones/suggest", harness.mustToken(t, "alice"), []byte(payload))
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	var response struct {
		Suggestions []struct {
			Name      string   `json:"name"`
			Type      string   `json:"type"`
			ObjectIDs []string `json:"objectIds"`
		} `json:"suggestions"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(response.Suggestions) != 1 {
		t.Fatalf("expected one suggestion, got %+v", response.Suggestions)
	}
	if len(response.Suggestions[0].ObjectIDs) != 3 {
		t.Fatalf("expected three clustered objects, got %v", response.Suggestions[0].ObjectIDs)
	}

	recorder = harness.do(t, http.MethodPost, "/zones/suggest", harness.mustToken(t, "alice"), []byte("{"))
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed body, got %d", recorder.Code)
	}
}

func TestCORSAllowsConfiguredOrigin(t *testing.T) {
	harness := newTestHarness(t, "https://app.example.com")

	request := httptest.NewRequest(http.MethodOptions, "/boards/board-1/snapshot", http.NoBody)
	request.Header.Set("Origin", "https://app.example.com")
	request.Header.Set("Access-Control-Request-Method", http.MethodPut)
	recorder := httptest.NewRecorder()
	harness.handler.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusNoContent {
		t.Fatalf("expected status %d, got %d", http.StatusNoContent, recorder.Code)
	}
	if recorder.Header().Get("Access-Control-Allow-Origin") != "https://app.example.com" {
		t.Fatalf("expected origin to be echoed, got %q", recorder.Header().Get("Access-Control-Allow-Origin"))
	}
	if recorder.Header().Get("Access-Control-Allow-Credentials") != "true" {
		t.Fatalf("expected credentials to be enabled")
	}
}

func TestOriginChecker(t *testing.T) {
	check := originChecker([]string{"https://app.example.com/"})
	cases := []struct {
		origin string
		want   bool
	}{
		{origin: "", want: true},
		{origin: "https://app.example.com", want: true},
		{origin: "https://evil.example.com", want: false},
	}
	for _, tc := range cases {
		request := httptest.NewRequest(http.MethodGet, "/ws", http.NoBody)
		if tc.origin != "" {
			request.Header.Set("Origin", tc.origin)
		}
		if got := check(request); got != tc.want {
			t.Fatalf("origin %q: expected %v, got %v", tc.origin, tc.want, got)
		}
	}

	wildcard := originChecker([]string{"*"})
	request := httptest.NewRequest(http.MethodGet, "/ws", http.NoBody)
	request.Header.Set("Origin", "https://anything.example.com")
	if !wildcard(request) {
		t.Fatalf("expected wildcard to accept any origin")
	}
}
