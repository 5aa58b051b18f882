package rfb

import (
	"math/rand"
	"time"
)

// TimeSeededChallenge fills b from a PRNG reseeded with the wall clock on
// every call. It is not cryptographically strong; no session ever follows.
func TimeSeededChallenge(b []byte) {
	r := rand.New(rand.NewSource(time.Now().UnixNano()))
	for i := range b {
		b[i] = byte(r.Intn(256))
	}
}
