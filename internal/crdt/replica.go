// Package crdt holds the server-side replica of a collaboratively edited
// document. The server never interprets delta contents: deltas are opaque
// byte buffers produced by the clients' CRDT library, and merging them is
// commutative and associative on the client side. The replica's job is to
// retain every distinct delta so that late joiners and the persistent
// store can reconstruct the full state.
package crdt

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var ErrDestroyed = errors.New("replica destroyed")

// ChangeFunc observes deltas applied to the replica, tagged with the
// origin that produced them (a session id, or "store" for loaded state).
type ChangeFunc func(delta []byte, origin string)

// Replica is one document's in-memory CRDT state.
//
// It is not safe for concurrent use; the registry's event loop is the
// only caller.
type Replica struct {
	updates   [][]byte
	seen      map[string]struct{} // dedup applied deltas, merge is a set union
	subs      []ChangeFunc
	destroyed bool
}

func NewReplica() *Replica {
	return &Replica{
		updates: make([][]byte, 0),
		seen:    make(map[string]struct{}),
	}
}

// ApplyDelta merges one opaque delta into the replica. Re-applying a
// delta already present is a no-op, so delivery order and duplication
// across sessions never change the merged state.
func (r *Replica) ApplyDelta(delta []byte, origin string) error {
	if r.destroyed {
		return ErrDestroyed
	}
	if len(delta) == 0 {
		return errors.New("empty delta")
	}

	key := string(delta)
	if _, ok := r.seen[key]; ok {
		return nil
	}
	r.seen[key] = struct{}{}

	stored := make([]byte, len(delta))
	copy(stored, delta)
	r.updates = append(r.updates, stored)

	for _, fn := range r.subs {
		fn(stored, origin)
	}

	return nil
}

// EncodeState serializes the full replica state as length-prefixed delta
// frames. A fresh replica loaded from this encoding converges to the
// same state.
func (r *Replica) EncodeState() []byte {
	return EncodeUpdates(r.updates)
}

// LoadState replaces the replica contents with a previously encoded
// state. Used once, when a document is loaded from the persistent store.
func (r *Replica) LoadState(state []byte) error {
	if r.destroyed {
		return ErrDestroyed
	}

	updates, err := SplitUpdates(state)
	if err != nil {
		return fmt.Errorf("failed to decode state: %w", err)
	}

	r.updates = make([][]byte, 0, len(updates))
	r.seen = make(map[string]struct{}, len(updates))
	for _, u := range updates {
		r.seen[string(u)] = struct{}{}
		r.updates = append(r.updates, u)
	}

	return nil
}

// StateVector is a compact summary of how much of the document this
// replica holds. Clients compare it against their own to decide whether
// they need a full resync.
func (r *Replica) StateVector() []byte {
	vec := make([]byte, 8)
	binary.BigEndian.PutUint64(vec, uint64(len(r.updates)))
	return vec
}

// Subscribe registers a callback invoked for every applied delta.
func (r *Replica) Subscribe(fn ChangeFunc) {
	r.subs = append(r.subs, fn)
}

// Len returns the number of distinct deltas held.
func (r *Replica) Len() int {
	return len(r.updates)
}

// Destroy releases the replica. Further mutation fails with ErrDestroyed.
func (r *Replica) Destroy() {
	r.destroyed = true
	r.updates = nil
	r.seen = nil
	r.subs = nil
}

// EncodeUpdates concatenates deltas into a single blob, each frame
// prefixed with its length as a big-endian uint32.
func EncodeUpdates(updates [][]byte) []byte {
	totalSize := 0
	for _, update := range updates {
		totalSize += len(update)
	}

	merged := make([]byte, 0, totalSize+len(updates)*4)

	for _, update := range updates {
		var prefix [4]byte
		binary.BigEndian.PutUint32(prefix[:], uint32(len(update)))
		merged = append(merged, prefix[:]...)
		merged = append(merged, update...)
	}

	return merged
}

// SplitUpdates decodes a blob produced by EncodeUpdates.
func SplitUpdates(merged []byte) ([][]byte, error) {
	var updates [][]byte
	offset := 0

	for offset < len(merged) {
		if offset+4 > len(merged) {
			return nil, fmt.Errorf("truncated frame header at offset %d", offset)
		}

		length := int(binary.BigEndian.Uint32(merged[offset : offset+4]))
		offset += 4

		if offset+length > len(merged) {
			return nil, fmt.Errorf("truncated frame body at offset %d", offset)
		}

		update := make([]byte, length)
		copy(update, merged[offset:offset+length])
		updates = append(updates, update)
		offset += length
	}

	return updates, nil
}
