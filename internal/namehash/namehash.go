// Package namehash computes the 128-bit pseudorandom filename hash that the
// directory partition index routes on. Any 128-bit mixing function suffices
// per the design; this one synthesizes 128 bits out of two salted 64-bit
// xxhash passes rather than pulling in a dedicated 128-bit hash library.
package namehash

import "github.com/cespare/xxhash/v2"

// loSalt/hiSalt decorrelate the two 64-bit halves so Hash is not just
// the same 64 bits duplicated.
const (
	loSalt uint64 = 0x9e3779b97f4a7c15
	hiSalt uint64 = 0xff51afd7ed558ccd
)

// Hash is a 128-bit name hash, stored as two big-endian halves so that
// Top bit extraction (see Top) reads naturally from Hi.
type Hash struct {
	Hi uint64
	Lo uint64
}

// Of computes the 128-bit hash of a child name within its parent directory.
// The result is deterministic and stable across processes, which is the
// property the DPI's name→partition→server mapping depends on.
func Of(name string) Hash {
	d := xxhash.New()
	_, _ = d.WriteString(name)
	hi := d.Sum64()

	d2 := xxhash.New()
	_, _ = d2.WriteString(name)
	var buf [8]byte
	putUint64(buf[:], hi^hiSalt)
	_, _ = d2.Write(buf[:])
	lo := d2.Sum64() ^ loSalt

	return Hash{Hi: hi, Lo: lo}
}

func putUint64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (56 - 8*i))
	}
}

// Top returns the leading n bits (0 <= n <= 64) of the hash as an integer,
// which is all the DPI needs: only the leading bits are ever inspected for
// partitioning.
func (h Hash) Top(n uint) uint64 {
	if n == 0 {
		return 0
	}
	if n >= 64 {
		return h.Hi
	}
	return h.Hi >> (64 - n)
}
