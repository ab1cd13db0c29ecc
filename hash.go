package unlockexcel

import (
	"bytes"
	"crypto/sha1"
	"encoding/binary"
	"fmt"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
)

// The legacy check value is keyed with a fixed constant, per the published
// binary document password verifier derivation.
const LEGACY_VERIFIER_KEY = 0xCE4B

// DigestFor computes the digest a record using the given scheme would hold
// for this password. It is a pure function: same inputs, same digest.
func DigestFor(scheme Scheme, salt []byte, spins int, password string) ([]byte, error) {
	switch scheme {
	case SCHEME_LEGACY:
		return legacyCheckValue(password), nil
	case SCHEME_MODERN:
		return modernDigest(salt, spins, password), nil
	}
	return nil, fmt.Errorf("%w: cannot hash for scheme 0x%04X",
		ErrUnrecognizedScheme, uint16(scheme))
}

// Matches reports whether password reproduces the record's stored digest.
// The comparison is offline against data the caller already holds, so it
// does not need to be constant time.
func (self *ProtectionRecord) Matches(password string) bool {
	digest, err := DigestFor(self.Scheme, self.Salt, self.Spins, password)
	if err != nil {
		return false
	}
	return bytes.Equal(digest, self.Digest)
}

// legacyCheckValue derives the 16 bit rotate-xor verifier from the
// password's single byte encoding. Weak by design: it exists only for
// compatibility with old producers, not as a security boundary.
func legacyCheckValue(password string) []byte {
	encoded := legacyPasswordBytes(password)
	verifier := uint16(0)
	for i := len(encoded) - 1; i >= 0; i-- {
		verifier = rotl15(verifier) ^ uint16(encoded[i])
	}
	verifier = rotl15(verifier) ^ uint16(len(encoded)) ^ LEGACY_VERIFIER_KEY

	out := make([]byte, LEGACY_CHECK_LEN)
	binary.LittleEndian.PutUint16(out, verifier)
	return out
}

// Legacy producers stored passwords in the platform's single byte code
// page, not UTF-8. Windows-1252 covers the files this tool meets in
// practice; unmappable runes degrade to the encoder's substitute byte.
func legacyPasswordBytes(password string) []byte {
	encoder := encoding.ReplaceUnsupported(charmap.Windows1252.NewEncoder())
	encoded, err := encoder.Bytes([]byte(password))
	if err != nil {
		return []byte(password)
	}
	return encoded
}

// rotl15 rotates the low 15 bits of v left by one. Bit 15 never
// participates.
func rotl15(v uint16) uint16 {
	return ((v >> 14) & 1) | ((v << 1) & 0x7FFF)
}

// modernDigest computes SHA1(salt || password) and then strengthens it
// with the given number of extra rounds, each hashing the previous digest
// followed by the little endian round index.
func modernDigest(salt []byte, spins int, password string) []byte {
	hasher := sha1.New()
	hasher.Write(salt)
	hasher.Write([]byte(password))
	digest := hasher.Sum(nil)

	buffer := make([]byte, sha1.Size+4)
	for round := 0; round < spins; round++ {
		copy(buffer, digest)
		binary.LittleEndian.PutUint32(buffer[sha1.Size:], uint32(round))
		sum := sha1.Sum(buffer)
		digest = sum[:]
	}
	return digest
}
