// Package assign implements deterministic visitor-to-variation bucketing.
//
// Assignment is a pure function of (visitor token, experiment slug): no
// random state, no clock, no iteration-order dependence. The same inputs
// produce the same variation across calls and across process restarts.
// Salting the hash with the experiment slug keeps a visitor's buckets in
// concurrent experiments uncorrelated.
package assign

import (
	"crypto/sha256"
	"encoding/binary"
)

// Variation buckets a visitor into one of alternatives+1 variations.
// The returned index is 0 for the control and 1..alternatives for the
// alternatives in their configured order. With zero alternatives the control
// is always selected.
func Variation(visitorToken, experimentSlug string, alternatives int) int {
	if alternatives <= 0 {
		return 0
	}
	h := sha256.Sum256([]byte(visitorToken + "/" + experimentSlug))
	return int(binary.BigEndian.Uint64(h[:8]) % uint64(alternatives+1))
}
