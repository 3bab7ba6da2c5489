// Package integrity computes and verifies content checksums for state
// snapshots. The checksum covers the payload and the caller-supplied metadata
// with a canonical key ordering, so logically identical snapshots always hash
// identically regardless of map iteration order.
package integrity

import (
	"bytes"
	"sort"

	"golang.org/x/crypto/blake2b"

	"github.com/courtside/stateledger/internal/state/types"
)

// Checksum returns the BLAKE2b-256 digest of payload and canonicalized
// metadata. A zero separator byte keeps payload bytes from colliding with
// metadata bytes.
func Checksum(payload []byte, metadata map[string]string) []byte {
	h, _ := blake2b.New256(nil)
	h.Write(payload)
	h.Write([]byte{0})

	keys := make([]string, 0, len(metadata))
	for k := range metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		h.Write([]byte(k))
		h.Write([]byte{'='})
		h.Write([]byte(metadata[k]))
		h.Write([]byte{'\n'})
	}

	return h.Sum(nil)
}

// Verify recomputes the snapshot's checksum and compares it against the
// persisted one.
func Verify(snapshot *types.StateSnapshot) bool {
	return bytes.Equal(snapshot.Checksum, Checksum(snapshot.Payload, snapshot.Metadata))
}
