package unlockexcel

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testModernRecord(flags uint32) *ProtectionRecord {
	salt := make([]byte, MODERN_SALT_LEN)
	digest := make([]byte, MODERN_DIGEST_LEN)
	for i := range salt {
		salt[i] = byte(i)
	}
	for i := range digest {
		digest[i] = byte(0x10 + i)
	}
	return &ProtectionRecord{
		Scheme: SCHEME_MODERN,
		Flags:  flags,
		Spins:  MODERN_SPIN_COUNT,
		Salt:   salt,
		Digest: digest,
	}
}

func testLegacyRecord(flags uint32) *ProtectionRecord {
	return &ProtectionRecord{
		Scheme: SCHEME_LEGACY,
		Flags:  flags,
		Digest: []byte{0x4B, 0xCE},
	}
}

func TestModernRecordRoundTrip(t *testing.T) {
	record := testModernRecord(PROTECT_ALL | FORMS_VISIBLE)
	encoded := record.Encode()
	require.Len(t, encoded, RECORD_HEADER_LEN+16+MODERN_SALT_LEN+MODERN_DIGEST_LEN)

	decoded, err := DecodeProtectionRecord(encoded)
	require.NoError(t, err)
	assert.Equal(t, record, decoded)
	assert.True(t, decoded.Protected())
	assert.True(t, decoded.FormsVisible())
	assert.Equal(t, MODERN_SPIN_COUNT, decoded.Spins)
	assert.Equal(t, encoded, decoded.Encode())
}

func TestLegacyRecordRoundTrip(t *testing.T) {
	record := testLegacyRecord(PROTECT_VBE)
	encoded := record.Encode()
	require.Len(t, encoded, RECORD_HEADER_LEN+8+LEGACY_CHECK_LEN)

	decoded, err := DecodeProtectionRecord(encoded)
	require.NoError(t, err)
	assert.Equal(t, record, decoded)
	assert.True(t, decoded.Protected())
	assert.False(t, decoded.FormsVisible())
	assert.Empty(t, decoded.Salt)
	assert.Equal(t, encoded, decoded.Encode())
}

func TestDecodeUnrecognizedScheme(t *testing.T) {
	encoded := testModernRecord(PROTECT_ALL).Encode()
	binary.LittleEndian.PutUint16(encoded, 0x0005)
	_, err := DecodeProtectionRecord(encoded)
	require.ErrorIs(t, err, ErrUnrecognizedScheme)
}

func TestDecodeFailsClosed(t *testing.T) {
	valid := testModernRecord(PROTECT_ALL).Encode()

	for name, mutate := range map[string]func([]byte) []byte{
		"empty": func(data []byte) []byte {
			return nil
		},
		"short header": func(data []byte) []byte {
			return data[:RECORD_HEADER_LEN-1]
		},
		"truncated payload": func(data []byte) []byte {
			return data[:len(data)-1]
		},
		"declared length too long": func(data []byte) []byte {
			binary.LittleEndian.PutUint32(data[2:], uint32(len(data)-RECORD_HEADER_LEN+1))
			return data
		},
		"declared length too short": func(data []byte) []byte {
			binary.LittleEndian.PutUint32(data[2:], uint32(len(data)-RECORD_HEADER_LEN-1))
			return data
		},
		"wrong salt length": func(data []byte) []byte {
			binary.LittleEndian.PutUint32(data[RECORD_HEADER_LEN+8:], MODERN_SALT_LEN+1)
			return data
		},
		"wrong digest length": func(data []byte) []byte {
			binary.LittleEndian.PutUint32(data[RECORD_HEADER_LEN+12:], MODERN_DIGEST_LEN-1)
			return data
		},
	} {
		data := mutate(append([]byte(nil), valid...))
		_, err := DecodeProtectionRecord(data)
		assert.ErrorIs(t, err, ErrMalformedRecord, name)
	}
}

func TestDecodeLegacyBadCheckLength(t *testing.T) {
	encoded := testLegacyRecord(PROTECT_VBE).Encode()
	// Claim a four byte check value without providing one.
	binary.LittleEndian.PutUint32(encoded[RECORD_HEADER_LEN+4:], 4)
	_, err := DecodeProtectionRecord(encoded)
	require.ErrorIs(t, err, ErrMalformedRecord)
}

// Clearing the protection bits must not disturb the record length or any
// of the verifier material, or the patcher could not write it back over
// the original.
func TestEncodeAfterClearingFlags(t *testing.T) {
	record := testModernRecord(PROTECT_ALL | FORMS_VISIBLE)
	original := record.Encode()

	record.Flags &^= PROTECT_ALL
	patched := record.Encode()
	require.Len(t, patched, len(original))

	decoded, err := DecodeProtectionRecord(patched)
	require.NoError(t, err)
	assert.False(t, decoded.Protected())
	assert.True(t, decoded.FormsVisible())
	assert.Equal(t, record.Salt, decoded.Salt)
	assert.Equal(t, record.Digest, decoded.Digest)
	assert.Equal(t, record.Spins, decoded.Spins)
}
