//go:build linux

// Package random supplies the randomness used to place thread memory.
//
// Two placement decisions are randomized: the sub-page offset of the
// initial stack pointer inside its window, and the page offset of a shadow
// call stack inside its guard region. Neither needs cryptographic secrecy
// on its own, but both exist to make addresses unpredictable to an
// attacker, so the generator is built the same way as the libc
// arc4random family: a ChaCha20 keystream with fast key erasure, seeded
// from the kernel.
//
// Seeding is best effort. If the kernel refuses to hand out entropy the
// generator degrades to returning zero, which disables randomization but
// keeps thread creation working; the event is reported once. This is the
// conservative reading of "randomize when possible".
package random

import (
	"sync"

	"golang.org/x/crypto/chacha20"
	"golang.org/x/sys/unix"

	"github.com/renlord/platform-bionic/internal/pthread/asyncsafe"
)

// poolSize is how much keystream one rekey produces. The first KeySize
// bytes become the next key and are wiped; the rest is handed out.
const poolSize = 256

// Source is a fast-key-erasure ChaCha20 generator. The zero value is not
// usable; construct with New. Safe for concurrent use.
type Source struct {
	mu       sync.Mutex
	cipher   *chacha20.Cipher
	pool     [poolSize - chacha20.KeySize]byte
	avail    int
	degraded bool
}

// New returns a Source seeded from the kernel. On seeding failure the
// Source is degraded: every draw is zero.
func New() *Source {
	s := &Source{}
	var seed [chacha20.KeySize]byte
	if !fillEntropy(seed[:]) {
		asyncsafe.Warnf("no entropy for thread placement; randomization disabled")
		s.degraded = true
		return s
	}
	s.rekey(seed[:])
	return s
}

// fillEntropy fills buf from getrandom(2), riding out interruptions and
// short reads. Returns false if the kernel cannot provide entropy.
func fillEntropy(buf []byte) bool {
	for off := 0; off < len(buf); {
		n, err := unix.Getrandom(buf[off:], 0)
		if err == unix.EINTR {
			continue
		}
		if err != nil || n <= 0 {
			return false
		}
		off += n
	}
	return true
}

// rekey installs key and refills the output pool, erasing the key material
// as it goes.
func (s *Source) rekey(key []byte) {
	var nonce [chacha20.NonceSize]byte
	c, err := chacha20.NewUnauthenticatedCipher(key, nonce[:])
	if err != nil {
		// Only reachable with a malformed key size, which is fixed
		// at compile time above.
		s.degraded = true
		return
	}
	s.cipher = c
	s.refill()
}

// refill produces the next pool and immediately rekeys with its leading
// bytes, so compromise of the current state cannot reveal past output.
func (s *Source) refill() {
	var block [poolSize]byte
	s.cipher.XORKeyStream(block[:], block[:])

	var nonce [chacha20.NonceSize]byte
	c, err := chacha20.NewUnauthenticatedCipher(block[:chacha20.KeySize], nonce[:])
	if err != nil {
		s.degraded = true
		return
	}
	for i := 0; i < chacha20.KeySize; i++ {
		block[i] = 0
	}
	s.cipher = c
	copy(s.pool[:], block[chacha20.KeySize:])
	s.avail = len(s.pool)
}

// Uint64 returns the next 64 uniformly random bits, or zero from a
// degraded Source.
func (s *Source) Uint64() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.degraded {
		return 0
	}
	if s.avail < 8 {
		s.refill()
		if s.degraded {
			return 0
		}
	}
	off := len(s.pool) - s.avail
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(s.pool[off+i]) << (8 * i)
		s.pool[off+i] = 0
	}
	s.avail -= 8
	return v
}

// Uniform returns an unbiased draw from [0, n). Uniform(0) and Uniform(1)
// return 0, so callers can pass a window size of zero to mean "do not
// randomize".
func (s *Source) Uniform(n uint64) uint64 {
	if n < 2 {
		return 0
	}
	// Rejection sampling over the top of the range, as arc4random_uniform
	// does: min is 2^64 mod n, the size of the biased low fragment.
	min := (-n) % n
	for {
		v := s.Uint64()
		if v >= min {
			return v % n
		}
		if s.isDegraded() {
			return 0
		}
	}
}

func (s *Source) isDegraded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.degraded
}

var (
	globalOnce sync.Once
	global     *Source
)

func globalSource() *Source {
	globalOnce.Do(func() { global = New() })
	return global
}

// Uint64 draws from the process-wide source.
func Uint64() uint64 {
	return globalSource().Uint64()
}

// Uniform draws from [0, n) using the process-wide source.
func Uniform(n uint64) uint64 {
	return globalSource().Uniform(n)
}
