package crdt

import (
	"bytes"
	"errors"
	"fmt"
	"sort"

	"github.com/automerge/automerge-go"
)

const (
	// OriginRemote marks updates received from a peer over the sync channel.
	OriginRemote = "remote"
	// OriginLocal marks edits produced in this process.
	OriginLocal = "local"
	// OriginRestore marks state merged from a persisted snapshot.
	OriginRestore = "restore"
)

// operationsKey is the root list every board operation is appended to.
const operationsKey = "ops"

var (
	// ErrMalformedUpdate indicates that an update or snapshot could not be decoded.
	ErrMalformedUpdate = errors.New("crdt: malformed update")
	// ErrMalformedDigest indicates that a state digest could not be decoded.
	ErrMalformedDigest = errors.New("crdt: malformed state digest")
)

// ChangeObserver receives the delta produced by an apply together with its origin.
type ChangeObserver func(update []byte, origin string)

// Document wraps an automerge document holding the board's operation list.
// Updates exchanged with peers are sets of automerge changes and the digest
// is the set of head hashes, so Apply is idempotent and commutative.
//
// A Document is not safe for concurrent use. The owning room serializes access.
type Document struct {
	doc          *automerge.Doc
	observers    map[int]ChangeObserver
	nextObserver int
}

// NewDocument returns an empty document with a fresh actor id.
func NewDocument() *Document {
	return &Document{
		doc:       automerge.New(),
		observers: make(map[int]ChangeObserver),
	}
}

// Digest returns the encoded head hashes of the document, sorted.
func (doc *Document) Digest() []byte {
	return encodeHeads(doc.doc.Heads())
}

// Diff returns the update a peer holding digest is missing. An empty digest
// is read as a peer that has seen nothing. Heads this document does not know
// are ignored; the peer already holds those changes.
func (doc *Document) Diff(digest []byte) ([]byte, error) {
	peerHeads, err := DecodeDigest(digest)
	if err != nil {
		return nil, err
	}
	known := make([]automerge.ChangeHash, 0, len(peerHeads))
	for _, head := range peerHeads {
		if _, err := doc.doc.Change(head); err == nil {
			known = append(known, head)
		}
	}
	changes, err := doc.doc.Changes(known...)
	if err != nil {
		return nil, fmt.Errorf("crdt: collect changes: %w", err)
	}
	return encodeChanges(changes), nil
}

// Apply merges update into the document. It reports whether the heads moved;
// changes whose dependencies are still missing are held back by automerge and
// report false until the gap is filled. Observers are notified for changes
// whose origin is not OriginRemote.
func (doc *Document) Apply(update []byte, origin string) (bool, error) {
	changes, err := decodeChanges(update)
	if err != nil {
		return false, err
	}
	return doc.applyChanges(changes, origin)
}

func (doc *Document) applyChanges(changes []*automerge.Change, origin string) (bool, error) {
	if len(changes) == 0 {
		return false, nil
	}
	before := doc.doc.Heads()
	if err := doc.doc.Apply(changes...); err != nil {
		return false, fmt.Errorf("%w: %v", ErrMalformedUpdate, err)
	}
	if sameHeads(before, doc.doc.Heads()) {
		return false, nil
	}
	if origin != OriginRemote {
		added, err := doc.doc.Changes(before...)
		if err != nil {
			return true, fmt.Errorf("crdt: collect changes: %w", err)
		}
		doc.notify(encodeChanges(added), origin)
	}
	return true, nil
}

// Append records a local operation, commits it and returns the encoded
// update carrying the new change.
func (doc *Document) Append(data []byte) ([]byte, error) {
	if err := doc.doc.Path(operationsKey).List().Append(append([]byte{}, data...)); err != nil {
		return nil, fmt.Errorf("crdt: append operation: %w", err)
	}
	hash, err := doc.doc.Commit("append")
	if err != nil {
		return nil, fmt.Errorf("crdt: commit operation: %w", err)
	}
	change, err := doc.doc.Change(hash)
	if err != nil {
		return nil, fmt.Errorf("crdt: load committed change: %w", err)
	}
	update := encodeChanges([]*automerge.Change{change})
	doc.notify(update, OriginLocal)
	return update, nil
}

// Snapshot encodes the full document state in the automerge save format.
func (doc *Document) Snapshot() []byte {
	return doc.doc.Save()
}

// Restore merges a snapshot produced by Snapshot. Observers see only the
// changes this document did not already hold.
func (doc *Document) Restore(snapshot []byte) error {
	if len(snapshot) == 0 {
		return fmt.Errorf("%w: empty snapshot", ErrMalformedUpdate)
	}
	persisted, err := automerge.Load(snapshot)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedUpdate, err)
	}
	changes, err := persisted.Changes()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedUpdate, err)
	}
	_, err = doc.applyChanges(changes, OriginRestore)
	return err
}

// Len returns the number of operations held.
func (doc *Document) Len() int {
	return doc.doc.Path(operationsKey).List().Len()
}

// Operations returns the operation payloads in list order.
func (doc *Document) Operations() ([][]byte, error) {
	values, err := doc.doc.Path(operationsKey).List().Values()
	if err != nil {
		return nil, fmt.Errorf("crdt: read operations: %w", err)
	}
	operations := make([][]byte, 0, len(values))
	for _, value := range values {
		if value.Kind() != automerge.KindBytes {
			continue
		}
		operations = append(operations, value.Bytes())
	}
	return operations, nil
}

// Observe registers fn for local change notifications and returns a cancel function.
func (doc *Document) Observe(fn ChangeObserver) func() {
	id := doc.nextObserver
	doc.nextObserver++
	doc.observers[id] = fn
	return func() {
		delete(doc.observers, id)
	}
}

func (doc *Document) notify(update []byte, origin string) {
	ids := make([]int, 0, len(doc.observers))
	for id := range doc.observers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		doc.observers[id](update, origin)
	}
}

// DecodeDigest parses an encoded set of head hashes.
func DecodeDigest(digest []byte) ([]automerge.ChangeHash, error) {
	if len(digest) == 0 {
		return nil, nil
	}
	var decoded wireDigest
	if err := unmarshal(digest, &decoded); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedDigest, err)
	}
	heads := make([]automerge.ChangeHash, 0, len(decoded.Heads))
	for _, raw := range decoded.Heads {
		var head automerge.ChangeHash
		if len(raw) != len(head) {
			return nil, fmt.Errorf("%w: head of %d bytes", ErrMalformedDigest, len(raw))
		}
		copy(head[:], raw)
		heads = append(heads, head)
	}
	return heads, nil
}

// EntryCount returns the number of changes carried by update.
func EntryCount(update []byte) (int, error) {
	changes, err := decodeChanges(update)
	if err != nil {
		return 0, err
	}
	return len(changes), nil
}

func decodeChanges(update []byte) ([]*automerge.Change, error) {
	if len(update) == 0 {
		return nil, fmt.Errorf("%w: empty", ErrMalformedUpdate)
	}
	var decoded wireUpdate
	if err := unmarshal(update, &decoded); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedUpdate, err)
	}
	changes := make([]*automerge.Change, 0, len(decoded.Changes))
	for _, raw := range decoded.Changes {
		loaded, err := automerge.LoadChanges(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedUpdate, err)
		}
		changes = append(changes, loaded...)
	}
	return changes, nil
}

func encodeChanges(changes []*automerge.Change) []byte {
	encoded := make([][]byte, 0, len(changes))
	for _, change := range changes {
		encoded = append(encoded, change.Save())
	}
	return marshal(wireUpdate{Changes: encoded})
}

func encodeHeads(heads []automerge.ChangeHash) []byte {
	encoded := make([][]byte, 0, len(heads))
	for _, head := range heads {
		encoded = append(encoded, append([]byte(nil), head[:]...))
	}
	sort.Slice(encoded, func(i, j int) bool {
		return bytes.Compare(encoded[i], encoded[j]) < 0
	})
	return marshal(wireDigest{Heads: encoded})
}

func sameHeads(left, right []automerge.ChangeHash) bool {
	return bytes.Equal(encodeHeads(left), encodeHeads(right))
}
