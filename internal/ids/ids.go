// Package ids generates the short random tags used for connection ids and
// outbound envelope ids, the same crypto/rand-plus-hex shape as the
// teacher's request-id generator.
package ids

import (
	"crypto/rand"
	"encoding/hex"
)

// New returns a fresh random hex tag suitable for a connection id or an
// envelope id.
func New() string {
	b := make([]byte, 8)
	rand.Read(b)
	return hex.EncodeToString(b)
}
