package crdt

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// ErrMalformedAwareness indicates that an awareness update could not be decoded.
var ErrMalformedAwareness = errors.New("crdt: malformed awareness update")

var jsonNull = []byte("null")

// AwarenessState is the latest known state of one client.
type AwarenessState struct {
	Clock uint64
	State json.RawMessage
}

// Awareness is the ephemeral per-client state table of a room. Entries are
// last-write-wins by clock. Removed clients keep their clock so that stale
// updates cannot resurrect them.
//
// Awareness is not safe for concurrent use.
type Awareness struct {
	states map[uint64]AwarenessState
	clocks map[uint64]uint64
}

// NewAwareness returns an empty table.
func NewAwareness() *Awareness {
	return &Awareness{
		states: make(map[uint64]AwarenessState),
		clocks: make(map[uint64]uint64),
	}
}

// Apply merges an encoded awareness update and returns the ids of the clients
// whose entry changed.
func (awareness *Awareness) Apply(update []byte) ([]uint64, error) {
	if len(update) == 0 {
		return nil, fmt.Errorf("%w: empty", ErrMalformedAwareness)
	}
	var decoded wireAwareness
	if err := unmarshal(update, &decoded); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedAwareness, err)
	}
	for _, entry := range decoded.Entries {
		if !isRemoval(entry.State) && !json.Valid(entry.State) {
			return nil, fmt.Errorf("%w: client %d state is not json", ErrMalformedAwareness, entry.Client)
		}
	}

	changed := make([]uint64, 0, len(decoded.Entries))
	for _, entry := range decoded.Entries {
		knownClock, known := awareness.clocks[entry.Client]
		if known && entry.Clock < knownClock {
			continue
		}
		current, present := awareness.states[entry.Client]
		if isRemoval(entry.State) {
			awareness.clocks[entry.Client] = entry.Clock
			if present {
				delete(awareness.states, entry.Client)
				changed = append(changed, entry.Client)
			}
			continue
		}
		awareness.clocks[entry.Client] = entry.Clock
		if present && current.Clock == entry.Clock && bytes.Equal(current.State, entry.State) {
			continue
		}
		awareness.states[entry.Client] = AwarenessState{
			Clock: entry.Clock,
			State: append(json.RawMessage(nil), entry.State...),
		}
		changed = append(changed, entry.Client)
	}
	return changed, nil
}

// Remove drops the given clients and returns the update peers need to drop
// them too. Unknown clients are ignored; nil is returned when nothing changed.
func (awareness *Awareness) Remove(clients []uint64) []byte {
	entries := make([]AwarenessEntry, 0, len(clients))
	for _, client := range clients {
		if _, present := awareness.states[client]; !present {
			continue
		}
		clock := awareness.clocks[client] + 1
		delete(awareness.states, client)
		awareness.clocks[client] = clock
		entries = append(entries, AwarenessEntry{Client: client, Clock: clock, State: jsonNull})
	}
	if len(entries) == 0 {
		return nil
	}
	return EncodeAwarenessUpdate(entries)
}

// States returns a copy of the live entries.
func (awareness *Awareness) States() map[uint64]AwarenessState {
	states := make(map[uint64]AwarenessState, len(awareness.states))
	for client, state := range awareness.states {
		states[client] = state
	}
	return states
}

// Len returns the number of live entries.
func (awareness *Awareness) Len() int {
	return len(awareness.states)
}

// NewAwarenessEntry builds an entry for EncodeAwarenessUpdate. A nil state removes the client.
func NewAwarenessEntry(client uint64, clock uint64, state json.RawMessage) AwarenessEntry {
	if state == nil {
		state = jsonNull
	}
	return AwarenessEntry{Client: client, Clock: clock, State: state}
}

// EncodeAwarenessUpdate encodes entries sorted by client id.
func EncodeAwarenessUpdate(entries []AwarenessEntry) []byte {
	sorted := append([]AwarenessEntry(nil), entries...)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Client < sorted[j].Client
	})
	return marshal(wireAwareness{Entries: sorted})
}

func isRemoval(state []byte) bool {
	trimmed := bytes.TrimSpace(state)
	return len(trimmed) == 0 || bytes.Equal(trimmed, jsonNull)
}
