package server

const (
	eventBoardJoin       = "board:join"
	eventBoardJoined     = "board:joined"
	eventPresenceUpdate  = "presence:update"
	eventObjectLockTry   = "obj:lock:try"
	eventObjectRelease   = "obj:lock:release"
	eventObjectLockState = "obj:lock:update"
	eventZoneLockTry     = "zone:lock:try"
	eventZoneRelease     = "zone:lock:release"
	eventZoneLockState   = "zone:lock:update"
	eventLockResult      = "lock:result"
	eventServerHello     = "server:hello"
	eventServerPing      = "server:ping"
	eventClientPong      = "client:pong"
	eventError           = "error"
)

const (
	errorCodeInvalidEvent    = "invalid_event"
	errorCodeUnknownEvent    = "unknown_event"
	errorCodeInvalidBoard    = "invalid_board"
	errorCodeNotJoined       = "not_joined"
	errorCodeInvalidResource = "invalid_resource"
	errorCodeForbidden       = "forbidden"
	errorCodeLockUnavailable = "lock_unavailable"
	errorCodeRoomUnavailable = "room_unavailable"
)

type clientEvent struct {
	Type     string `json:"type"`
	ID       string `json:"id,omitempty"`
	BoardID  string `json:"boardId,omitempty"`
	ObjectID string `json:"objectId,omitempty"`
	ZoneID   string `json:"zoneId,omitempty"`
}

type helloEvent struct {
	Type        string `json:"type"`
	Time        int64  `json:"time"`
	SessionID   string `json:"sessionId"`
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	Role        string `json:"role"`
}

type boardJoinedEvent struct {
	Type    string `json:"type"`
	ID      string `json:"id,omitempty"`
	BoardID string `json:"boardId"`
}

type presenceEvent struct {
	Type        string `json:"type"`
	BoardID     string `json:"boardId"`
	OnlineCount int    `json:"onlineCount"`
}

type pingEvent struct {
	Type string `json:"type"`
	T    int64  `json:"t"`
}

type lockResultEvent struct {
	Type       string  `json:"type"`
	ID         string  `json:"id,omitempty"`
	OK         bool    `json:"ok"`
	Owner      *string `json:"owner"`
	ResourceID string  `json:"resourceId"`
}

type objectLockEvent struct {
	Type     string  `json:"type"`
	ObjectID string  `json:"objectId"`
	Owner    *string `json:"owner"`
}

type zoneLockEvent struct {
	Type   string  `json:"type"`
	ZoneID string  `json:"zoneId"`
	Owner  *string `json:"owner"`
}

type errorEvent struct {
	Type  string `json:"type"`
	ID    string `json:"id,omitempty"`
	Error string `json:"error"`
}
