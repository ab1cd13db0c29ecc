package unlockexcel

import (
	"encoding/binary"
	"encoding/json"
	"testing"

	"github.com/sebdah/goldie"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// compressLiterals produces a valid compressed container holding raw as
// all-literal chunks. Wasteful but legal, and enough to exercise the
// chunk framing.
func compressLiterals(raw []byte) []byte {
	out := []byte{COMPRESS_SIG}
	for start := 0; start < len(raw); start += UNCOMPRESSED_CHUNK {
		chunk := raw[start:min(start+UNCOMPRESSED_CHUNK, len(raw))]
		var body []byte
		for i := 0; i < len(chunk); i += 8 {
			body = append(body, 0x00)
			body = append(body, chunk[i:min(i+8, len(chunk))]...)
		}
		header := uint16(len(body)+2-CHUNK_HEADER_EXTRA) | CHUNK_FLAG_MASK | 0x3000
		out = binary.LittleEndian.AppendUint16(out, header)
		out = append(out, body...)
	}
	return out
}

func TestDecompressLiterals(t *testing.T) {
	raw := []byte("Attribute VB_Name = \"Module1\"\r\nSub Hello()\r\nEnd Sub\r\n")
	decompressed, err := DecompressContainer(compressLiterals(raw))
	require.NoError(t, err)
	assert.Equal(t, raw, decompressed)
}

func TestDecompressCopyToken(t *testing.T) {
	// Three literals then a copy token reaching back three bytes for six:
	// "abc" expands to "abcabcabc".
	compressed := []byte{
		COMPRESS_SIG,
		0x05, 0xB0, // compressed chunk, 5 bytes of data
		0x08,            // flags: token at bit 3
		'a', 'b', 'c',   // literals
		0x03, 0x20,      // offset 3, length 6
	}
	decompressed, err := DecompressContainer(compressed)
	require.NoError(t, err)
	assert.Equal(t, []byte("abcabcabc"), decompressed)
}

func TestDecompressBadSignature(t *testing.T) {
	_, err := DecompressContainer([]byte{0x02, 0x00, 0x00})
	require.ErrorIs(t, err, ErrMalformedRecord)

	_, err = DecompressContainer(nil)
	require.ErrorIs(t, err, ErrMalformedRecord)
}

func TestDecompressBadCopyToken(t *testing.T) {
	// A copy token pointing before the start of the chunk.
	compressed := []byte{
		COMPRESS_SIG,
		0x04, 0xB0,
		0x02, // flags: token at bit 1
		'a',
		0xFF, 0xFF,
	}
	_, err := DecompressContainer(compressed)
	require.ErrorIs(t, err, ErrMalformedRecord)
}

func dirRecordBytes(id uint16, payload []byte) []byte {
	out := make([]byte, 6, 6+len(payload))
	binary.LittleEndian.PutUint16(out, id)
	binary.LittleEndian.PutUint32(out[2:], uint32(len(payload)))
	return append(out, payload...)
}

func TestWalkDirStream(t *testing.T) {
	var stream []byte
	stream = append(stream, dirRecordBytes(DIR_PROJECTCODEPAGE, []byte{0xE4, 0x04})...)
	// PROJECTVERSION's size field is a reserved constant and lies about
	// the payload, which is fixed at six bytes.
	version := dirRecordBytes(DIR_PROJECTVERSION, []byte{1, 2, 3, 4, 5, 6})
	binary.LittleEndian.PutUint32(version[2:], 4)
	stream = append(stream, version...)
	stream = append(stream, dirRecordBytes(DIR_MODULENAME, []byte("Module1"))...)
	stream = append(stream, dirRecordBytes(DIR_TERMINATOR, nil)...)
	// Anything after the terminator is ignored.
	stream = append(stream, 0xDE, 0xAD, 0xBE, 0xEF, 0xDE, 0xAD)

	records, err := walkDirStream(stream)
	require.NoError(t, err)
	require.Len(t, records, 4)
	assert.Equal(t, uint16(DIR_PROJECTCODEPAGE), records[0].id)
	assert.Equal(t, []byte{0xE4, 0x04}, records[0].data)
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6}, records[1].data)
	assert.Equal(t, "Module1", string(records[2].data))
	assert.Equal(t, uint16(DIR_TERMINATOR), records[3].id)
}

func TestWalkDirStreamOverrun(t *testing.T) {
	record := dirRecordBytes(DIR_MODULENAME, []byte("abc"))
	binary.LittleEndian.PutUint32(record[2:], 100)
	_, err := walkDirStream(record)
	require.ErrorIs(t, err, ErrMalformedRecord)
}

func TestModuleTypes(t *testing.T) {
	project := "ID=\"{917DED54-440B-4FD1-A5C1-74ACF261E600}\"\r\n" +
		"Document=ThisWorkbook/&H00000000\r\n" +
		"Module=Module1\r\n" +
		"BaseClass=UserForm1\r\n" +
		"Name=\"VBAProject\"\r\n"

	types := moduleTypes([]byte(project))
	assert.Equal(t, map[string]string{
		"ThisWorkbook": CLASS_EXTENSION,
		"Module1":      MODULE_EXTENSION,
		"UserForm1":    FORM_EXTENSION,
	}, types)
}

func TestExtractMacros(t *testing.T) {
	project := []byte("ID=\"{917DED54}\"\r\nModule=Module1\r\nName=\"VBAProject\"\r\n")

	var dirStream []byte
	dirStream = append(dirStream, dirRecordBytes(DIR_MODULENAME, []byte("Module1"))...)
	dirStream = append(dirStream, dirRecordBytes(DIR_MODULESTREAMNAME, []byte("Module1"))...)
	dirStream = append(dirStream, dirRecordBytes(DIR_MODULEOFFSET, []byte{0, 0, 0, 0})...)
	dirStream = append(dirStream, dirRecordBytes(DIR_TERMINATOR, nil)...)

	image := buildTestContainer(t, project, compressLiterals(dirStream))
	_, directory := openTestContainer(t, image)

	modules, err := ExtractMacros(directory)
	require.NoError(t, err)
	require.Len(t, modules, 1)
	assert.Equal(t, "Module1", modules[0].ModuleName)
	assert.Equal(t, "Module1", modules[0].StreamName)
	assert.Equal(t, MODULE_EXTENSION, modules[0].Type)
	// The module's source stream is absent from this container, so there
	// is no code to pull.
	assert.Equal(t, "", modules[0].Code)
}

func TestProtectionRecordGolden(t *testing.T) {
	record, err := DecodeProtectionRecord(testModernRecord(PROTECT_ALL | FORMS_VISIBLE).Encode())
	if err != nil {
		t.Fatalf("Failed to decode record: %v", err)
	}

	serialized, _ := json.MarshalIndent(record, " ", " ")
	goldie.Assert(t, "protection_record", serialized)
}
