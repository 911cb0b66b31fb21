// Package path implements the Path Subsystem (C4) of spec.md §4.4:
// building and maintaining onion circuits (Path, on the owning side;
// TransitHop, on a relay's side), their per-path state machine, the
// layered nonce-chain encryption of traffic traveling over them, and
// the router-local PathContext indices that dispatch inbound traffic
// to the right Path or TransitHop. Grounded throughout on
// original_source/llarp/path.hpp/.cpp and pathbuilder.cpp, restructured
// in the teacher's idiom: explicit structs with small mutex-guarded
// state rather than shared_ptr/virtual-interface hierarchies.
package path

import (
	"crypto/rand"
	"encoding/hex"
	"io"
)

// IDSize is the width of a PathID, matching the original's 16-byte
// PathID_t.
const IDSize = 16

// ID is a locally-unique path identifier, used as both a TXID and an
// RXID depending on context.
type ID [IDSize]byte

// NewID generates a fresh random path ID.
func NewID() (ID, error) {
	var id ID
	if _, err := io.ReadFull(rand.Reader, id[:]); err != nil {
		return id, err
	}
	return id, nil
}

// Bytes returns a copy of id's bytes.
func (id ID) Bytes() []byte { return append([]byte(nil), id[:]...) }

// String renders id as hex, for logging.
func (id ID) String() string { return hex.EncodeToString(id[:]) }

// IDFromBytes copies b into an ID, requiring an exact 16-byte length.
func IDFromBytes(b []byte) (ID, bool) {
	var id ID
	if len(b) != IDSize {
		return id, false
	}
	copy(id[:], b)
	return id, true
}
