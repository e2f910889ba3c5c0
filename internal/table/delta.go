package table

import "github.com/golang/snappy"

// encodeDelta produces the delta file content for a write that replaces
// oldBytes with newBytes. Spec.md §4.4 leaves the delta encoding free,
// mandating only that it be sufficient to reconstruct the old state; this
// table stores the snappy-compressed prior content directly rather than a
// derived diff against newBytes, since that is already minimal-effort
// reversible and the spec's open question on byte-vs-row reversibility
// picks byte-level as acceptable.
func encodeDelta(oldBytes []byte) []byte {
	return snappy.Encode(nil, oldBytes)
}

// decodeDelta recovers the prior current.csv content from a delta file.
func decodeDelta(deltaBytes []byte) ([]byte, error) {
	return snappy.Decode(nil, deltaBytes)
}
