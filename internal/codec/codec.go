// Package codec handles the byte-level encodings shared by the transport and
// persistence layers: the transport/storage-safe string form of update deltas
// and snapshots, batching of pending deltas, and state-vector comparison.
package codec

import (
	"bytes"
	"encoding/base64"
	"fmt"
)

// EncodeString returns the storage/wire-safe string form of raw bytes.
func EncodeString(raw []byte) string {
	return base64.StdEncoding.EncodeToString(raw)
}

// DecodeString reverses EncodeString.
func DecodeString(encoded string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode base64 payload: %w", err)
	}

	return raw, nil
}

// MergeDeltas combines a batch of pending update deltas into a single delta.
// Delta encodings are self-delimiting chunks, so concatenation is a valid
// merge: applying the combined delta yields the same document state as
// applying the parts individually, in any grouping (associative) and any
// order (commutative under the document's merge semantics).
func MergeDeltas(deltas [][]byte) []byte {
	switch len(deltas) {
	case 0:
		return nil
	case 1:
		merged := make([]byte, len(deltas[0]))
		copy(merged, deltas[0])

		return merged
	}

	size := 0
	for _, d := range deltas {
		size += len(d)
	}

	merged := make([]byte, 0, size)
	for _, d := range deltas {
		merged = append(merged, d...)
	}

	return merged
}

// StateVectorsEqual reports whether two state-vector fingerprints describe
// the same set of incorporated updates.
func StateVectorsEqual(a, b []byte) bool {
	return bytes.Equal(a, b)
}
