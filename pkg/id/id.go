package id

import (
	"encoding/binary"
	"errors"
	"math"
	"sync"
	"time"
)

// ID is a 128-bit, lexicographically sortable identifier encoded as 16 bytes
// big-endian: [8 bytes ms_timestamp][8 bytes sequence]. Byte order equals
// creation order, which makes the ID usable as the final tiebreaker inside
// ordered index keys.
type ID [16]byte

// Zero is the zero-valued ID.
var Zero ID

// Bytes returns the raw 16-byte representation.
func (i ID) Bytes() []byte { b := make([]byte, 16); copy(b, i[:]); return b }

// String returns a hex string.
func (i ID) String() string { return fmtHex(i[:]) }

// IsZero reports whether the ID is the zero value.
func (i ID) IsZero() bool { return i == Zero }

// Compare returns -1, 0, 1 based on lexical comparison.
func (i ID) Compare(other ID) int {
	for idx := 0; idx < 16; idx++ {
		if i[idx] < other[idx] {
			return -1
		}
		if i[idx] > other[idx] {
			return 1
		}
	}
	return 0
}

// ErrInvalid is returned by Parse and FromBytes for malformed input.
var ErrInvalid = errors.New("id: invalid identifier")

// Parse decodes the 32-char hex form produced by String.
func Parse(s string) (ID, error) {
	var out ID
	if len(s) != 32 {
		return Zero, ErrInvalid
	}
	for idx := 0; idx < 16; idx++ {
		hi, ok1 := unhex(s[idx*2])
		lo, ok2 := unhex(s[idx*2+1])
		if !ok1 || !ok2 {
			return Zero, ErrInvalid
		}
		out[idx] = hi<<4 | lo
	}
	return out, nil
}

// FromBytes copies a 16-byte slice into an ID.
func FromBytes(b []byte) (ID, error) {
	var out ID
	if len(b) != 16 {
		return Zero, ErrInvalid
	}
	copy(out[:], b)
	return out, nil
}

// Generator produces monotonically increasing IDs per process.
type Generator struct {
	mu       sync.Mutex
	lastMs   int64
	sequence uint64
}

// NewGenerator creates a new Generator.
func NewGenerator() *Generator { return &Generator{} }

// NowMs returns current time in milliseconds since Unix epoch.
var NowMs = func() int64 { return time.Now().UnixMilli() }

// Next returns a new ID. If clock goes backwards, it uses lastMs and increments sequence.
// If sequence overflows within the same millisecond, it busy-waits for next ms.
func (g *Generator) Next() ID {
	g.mu.Lock()
	defer g.mu.Unlock()

	ms := NowMs()
	if ms < g.lastMs {
		ms = g.lastMs
	}

	if ms == g.lastMs {
		if g.sequence == math.MaxUint64 {
			// wait until next ms to avoid overflow
			for {
				ms = NowMs()
				if ms > g.lastMs {
					break
				}
				time.Sleep(time.Millisecond / 8)
			}
			g.sequence = 0
		} else {
			g.sequence++
		}
	} else {
		g.sequence = 0
	}

	g.lastMs = ms
	return makeID(ms, g.sequence)
}

func makeID(ms int64, seq uint64) ID {
	var id ID
	binary.BigEndian.PutUint64(id[0:8], uint64(ms))
	binary.BigEndian.PutUint64(id[8:16], seq)
	return id
}

// fmtHex is a small, allocation-lean hex encoder for fixed-size IDs.
func fmtHex(b []byte) string {
	const hexdigits = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, v := range b {
		out[i*2] = hexdigits[v>>4]
		out[i*2+1] = hexdigits[v&0x0f]
	}
	return string(out)
}

func unhex(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}
