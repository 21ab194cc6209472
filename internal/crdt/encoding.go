package crdt

import "github.com/fxamacker/cbor/v2"

// Update, digest and awareness payloads are CBOR with Core Deterministic
// Encoding so equal states always produce equal bytes.
var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("crdt: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		MaxArrayElements: 1 << 20,
	}.DecMode()
	if err != nil {
		panic("crdt: CBOR decoder initialization failed: " + err.Error())
	}
}

// wireUpdate carries serialized automerge changes, one per element.
type wireUpdate struct {
	_       struct{} `cbor:",toarray"`
	Changes [][]byte
}

// wireDigest lists the change hashes at the heads of a document.
type wireDigest struct {
	_     struct{} `cbor:",toarray"`
	Heads [][]byte
}

// AwarenessEntry carries one client's awareness state as raw JSON bytes.
type AwarenessEntry struct {
	_      struct{} `cbor:",toarray"`
	Client uint64
	Clock  uint64
	State  []byte
}

type wireAwareness struct {
	_       struct{} `cbor:",toarray"`
	Entries []AwarenessEntry
}

func marshal(value any) []byte {
	encoded, err := encMode.Marshal(value)
	if err != nil {
		// Only fixed, well-typed structs reach this point.
		panic("crdt: CBOR encoding failed: " + err.Error())
	}
	return encoded
}

func unmarshal(data []byte, value any) error {
	return decMode.Unmarshal(data, value)
}
