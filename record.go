package unlockexcel

import (
	"encoding/binary"
	"fmt"
)

// Scheme identifies the password hashing scheme carried by a protection
// record. The set is closed: anything else on the wire is an error, never
// a guess.
type Scheme uint16

const (
	SCHEME_LEGACY Scheme = 0x0001
	SCHEME_MODERN Scheme = 0x0002
)

func (self Scheme) String() string {
	switch self {
	case SCHEME_LEGACY:
		return "Legacy"
	case SCHEME_MODERN:
		return "Modern"
	}
	return fmt.Sprintf("Unknown(0x%04X)", uint16(self))
}

// Protection state bits. Only the VBE bit gates the password prompt; the
// rest ride along in the same field and must survive a patch untouched.
const (
	PROTECT_USER  uint32 = 1 << 0
	PROTECT_HOST  uint32 = 1 << 1
	PROTECT_VBE   uint32 = 1 << 2
	FORMS_VISIBLE uint32 = 1 << 3

	PROTECT_ALL = PROTECT_USER | PROTECT_HOST | PROTECT_VBE
)

const (
	RECORD_HEADER_LEN = 6

	LEGACY_CHECK_LEN  = 2
	MODERN_SALT_LEN   = 16
	MODERN_DIGEST_LEN = 20

	// Rounds of digest strengthening applied by the modern scheme. Fixed
	// by the scheme, stored in the record so a reader can reproduce the
	// digest without guessing.
	MODERN_SPIN_COUNT = 50000
)

// ProtectionRecord is the decoded protection state of a VBA project: the
// packed state flags plus whatever the scheme needs to verify a candidate
// password. Legacy records carry a two byte check value and no salt;
// modern records carry a salt, an iterated SHA1 digest and the spin count
// used to produce it.
type ProtectionRecord struct {
	Scheme Scheme
	Flags  uint32
	Spins  int
	Salt   []byte
	Digest []byte
}

func (self *ProtectionRecord) Protected() bool {
	return self.Flags&PROTECT_VBE != 0
}

func (self *ProtectionRecord) FormsVisible() bool {
	return self.Flags&FORMS_VISIBLE != 0
}

// DecodeProtectionRecord parses the bytes of a protection stream. The
// record declares its own payload length; any disagreement between that
// declaration and the sub-field lengths means a corrupt or unsupported
// file and fails closed rather than reporting "unprotected".
func DecodeProtectionRecord(data []byte) (*ProtectionRecord, error) {
	if len(data) < RECORD_HEADER_LEN {
		return nil, fmt.Errorf("%w: %v bytes is too short for a record header",
			ErrMalformedRecord, len(data))
	}
	scheme := Scheme(binary.LittleEndian.Uint16(data))
	size := binary.LittleEndian.Uint32(data[2:])
	if int(size) != len(data)-RECORD_HEADER_LEN {
		return nil, fmt.Errorf("%w: declared length %v but %v payload bytes",
			ErrMalformedRecord, size, len(data)-RECORD_HEADER_LEN)
	}
	payload := data[RECORD_HEADER_LEN:]

	switch scheme {
	case SCHEME_LEGACY:
		return decodeLegacy(payload)
	case SCHEME_MODERN:
		return decodeModern(payload)
	}
	return nil, fmt.Errorf("%w: discriminator 0x%04X", ErrUnrecognizedScheme, uint16(scheme))
}

func decodeLegacy(payload []byte) (*ProtectionRecord, error) {
	if len(payload) < 8 {
		return nil, fmt.Errorf("%w: legacy payload too short", ErrMalformedRecord)
	}
	checkLen := binary.LittleEndian.Uint32(payload[4:])
	if checkLen != LEGACY_CHECK_LEN || len(payload) != 8+LEGACY_CHECK_LEN {
		return nil, fmt.Errorf("%w: legacy check value length %v", ErrMalformedRecord, checkLen)
	}
	return &ProtectionRecord{
		Scheme: SCHEME_LEGACY,
		Flags:  binary.LittleEndian.Uint32(payload),
		Digest: append([]byte(nil), payload[8:8+LEGACY_CHECK_LEN]...),
	}, nil
}

func decodeModern(payload []byte) (*ProtectionRecord, error) {
	if len(payload) < 16 {
		return nil, fmt.Errorf("%w: modern payload too short", ErrMalformedRecord)
	}
	spins := binary.LittleEndian.Uint32(payload[4:])
	saltLen := binary.LittleEndian.Uint32(payload[8:])
	digestLen := binary.LittleEndian.Uint32(payload[12:])
	if saltLen != MODERN_SALT_LEN || digestLen != MODERN_DIGEST_LEN {
		return nil, fmt.Errorf("%w: modern salt/digest lengths %v/%v",
			ErrMalformedRecord, saltLen, digestLen)
	}
	if len(payload) != 16+MODERN_SALT_LEN+MODERN_DIGEST_LEN {
		return nil, fmt.Errorf("%w: modern payload length %v", ErrMalformedRecord, len(payload))
	}
	return &ProtectionRecord{
		Scheme: SCHEME_MODERN,
		Flags:  binary.LittleEndian.Uint32(payload),
		Spins:  int(spins),
		Salt:   append([]byte(nil), payload[16:16+MODERN_SALT_LEN]...),
		Digest: append([]byte(nil), payload[16+MODERN_SALT_LEN:16+MODERN_SALT_LEN+MODERN_DIGEST_LEN]...),
	}, nil
}

// Encode is the exact inverse of DecodeProtectionRecord for any record it
// produced, whether or not the flags have been rewritten since.
func (self *ProtectionRecord) Encode() []byte {
	var payload []byte
	switch self.Scheme {
	case SCHEME_LEGACY:
		payload = make([]byte, 8, 8+len(self.Digest))
		binary.LittleEndian.PutUint32(payload, self.Flags)
		binary.LittleEndian.PutUint32(payload[4:], uint32(len(self.Digest)))
		payload = append(payload, self.Digest...)
	case SCHEME_MODERN:
		payload = make([]byte, 16, 16+len(self.Salt)+len(self.Digest))
		binary.LittleEndian.PutUint32(payload, self.Flags)
		binary.LittleEndian.PutUint32(payload[4:], uint32(self.Spins))
		binary.LittleEndian.PutUint32(payload[8:], uint32(len(self.Salt)))
		binary.LittleEndian.PutUint32(payload[12:], uint32(len(self.Digest)))
		payload = append(payload, self.Salt...)
		payload = append(payload, self.Digest...)
	}

	out := make([]byte, RECORD_HEADER_LEN, RECORD_HEADER_LEN+len(payload))
	binary.LittleEndian.PutUint16(out, uint16(self.Scheme))
	binary.LittleEndian.PutUint32(out[2:], uint32(len(payload)))
	return append(out, payload...)
}
