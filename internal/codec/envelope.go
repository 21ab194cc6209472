package codec

// Kind discriminates the two message families carried on the binary channel.
type Kind byte

const (
	// KindStateSync carries document synchronization traffic.
	KindStateSync Kind = 0
	// KindAwareness carries ephemeral per-client state such as cursors.
	KindAwareness Kind = 1
)

// String returns a stable label for logs and metrics.
func (kind Kind) String() string {
	switch kind {
	case KindStateSync:
		return "state_sync"
	case KindAwareness:
		return "awareness"
	default:
		return "unknown"
	}
}

func (kind Kind) valid() bool {
	return kind == KindStateSync || kind == KindAwareness
}

// Message is a decoded envelope. Payload aliases the decoded buffer.
type Message struct {
	Kind    Kind
	Payload []byte
}

// Encode prefixes payload with the kind tag.
func Encode(kind Kind, payload []byte) []byte {
	frame := make([]byte, 0, len(payload)+1)
	frame = append(frame, byte(kind))
	return append(frame, payload...)
}

// Decode splits a frame into its kind and payload. Empty frames and unknown
// tags report ok=false and must be dropped by the caller.
func Decode(frame []byte) (Message, bool) {
	if len(frame) == 0 {
		return Message{}, false
	}
	kind := Kind(frame[0])
	if !kind.valid() {
		return Message{}, false
	}
	return Message{Kind: kind, Payload: frame[1:]}, true
}

// PeekKind reads the tag without touching the payload.
func PeekKind(frame []byte) (Kind, bool) {
	if len(frame) == 0 {
		return 0, false
	}
	kind := Kind(frame[0])
	return kind, kind.valid()
}

// EncodeAwareness wraps an encoded awareness update.
func EncodeAwareness(update []byte) []byte {
	return Encode(KindAwareness, update)
}
