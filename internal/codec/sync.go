package codec

// SyncStep identifies the role of a STATE_SYNC payload.
type SyncStep byte

const (
	// SyncStep1 carries the sender's state digest: "I may owe you data".
	SyncStep1 SyncStep = 0
	// SyncStep2 carries the update answering a digest.
	SyncStep2 SyncStep = 1
	// SyncUpdate carries an incremental local edit.
	SyncUpdate SyncStep = 2
)

// String returns a stable label for logs and metrics.
func (step SyncStep) String() string {
	switch step {
	case SyncStep1:
		return "step1"
	case SyncStep2:
		return "step2"
	case SyncUpdate:
		return "update"
	default:
		return "unknown"
	}
}

// CarriesUpdate reports whether the body is a document update rather than a digest.
func (step SyncStep) CarriesUpdate() bool {
	return step == SyncStep2 || step == SyncUpdate
}

// SyncMessage is a decoded STATE_SYNC payload.
type SyncMessage struct {
	Step SyncStep
	Body []byte
}

// EncodeSync builds a complete STATE_SYNC frame.
func EncodeSync(step SyncStep, body []byte) []byte {
	frame := make([]byte, 0, len(body)+2)
	frame = append(frame, byte(KindStateSync), byte(step))
	return append(frame, body...)
}

// DecodeSync parses the payload of a STATE_SYNC envelope.
func DecodeSync(payload []byte) (SyncMessage, bool) {
	if len(payload) == 0 {
		return SyncMessage{}, false
	}
	step := SyncStep(payload[0])
	switch step {
	case SyncStep1, SyncStep2, SyncUpdate:
	default:
		return SyncMessage{}, false
	}
	return SyncMessage{Step: step, Body: payload[1:]}, true
}

// EncodeSyncStep1 frames a state digest.
func EncodeSyncStep1(digest []byte) []byte {
	return EncodeSync(SyncStep1, digest)
}

// EncodeSyncStep2 frames the reply to a digest.
func EncodeSyncStep2(update []byte) []byte {
	return EncodeSync(SyncStep2, update)
}

// EncodeSyncUpdate frames an incremental update.
func EncodeSyncUpdate(update []byte) []byte {
	return EncodeSync(SyncUpdate, update)
}
