// Package pushid generates client-side identifiers for new children of a
// tree path. IDs are 20 characters: 8 characters of timestamp followed by
// 12 characters of randomness, drawn from an alphabet whose byte order
// matches its logical order, so IDs sort lexically by creation time without
// a round trip to the store.
package pushid

import (
	"crypto/rand"
	"fmt"
	"sync"
	"time"
)

// alphabet maps 6-bit values to characters in ascending ASCII order.
const alphabet = "-0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ_abcdefghijklmnopqrstuvwxyz"

// Generator produces unique, lexically ordered push IDs. The zero value is
// not usable; create one with New. Safe for concurrent use.
type Generator struct {
	mu       sync.Mutex
	now      func() time.Time
	lastTime int64
	lastRand [12]byte // 6-bit indexes into alphabet
}

// New returns a generator. now is the time source; pass nil for wall time.
// Callers adjust for server clock skew by supplying a source that applies
// the server-time offset.
func New(now func() time.Time) *Generator {
	if now == nil {
		now = time.Now
	}
	return &Generator{now: now, lastTime: -1}
}

// Next returns a new push ID. IDs from the same generator are strictly
// increasing: two IDs in the same millisecond differ by incrementing the
// random suffix of the previous one.
func (g *Generator) Next() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	ms := g.now().UnixMilli()
	duplicate := ms == g.lastTime
	g.lastTime = ms

	if duplicate {
		// Same millisecond: bump the previous suffix so ordering holds.
		for i := len(g.lastRand) - 1; i >= 0; i-- {
			if g.lastRand[i] < 63 {
				g.lastRand[i]++
				break
			}
			g.lastRand[i] = 0
			if i == 0 {
				return "", fmt.Errorf("pushid: suffix overflow within one millisecond")
			}
		}
	} else {
		var buf [12]byte
		if _, err := rand.Read(buf[:]); err != nil {
			return "", fmt.Errorf("pushid: read randomness: %w", err)
		}
		for i, b := range buf {
			g.lastRand[i] = b & 0x3f
		}
	}

	var id [20]byte
	t := ms
	for i := 7; i >= 0; i-- {
		id[i] = alphabet[t%64]
		t /= 64
	}
	for i, v := range g.lastRand {
		id[8+i] = alphabet[v]
	}
	return string(id[:]), nil
}
