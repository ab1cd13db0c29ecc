package unlockexcel

import (
	"bytes"
	"encoding/binary"

	"github.com/davecgh/go-spew/spew"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"
)

func Debug(arg interface{}) {
	spew.Dump(arg)
}

// readLittleEndian fills v from data. Callers are expected to have
// validated that data is long enough for v.
func readLittleEndian(data []byte, v interface{}) {
	_ = binary.Read(bytes.NewReader(data), binary.LittleEndian, v)
}

func decodeUnicode(data []byte, codepage uint16) string {
	// First decode from UTF16-LE
	unicodeData, err := unicode.UTF16(
		unicode.LittleEndian, unicode.IgnoreBOM).NewDecoder().Bytes(data)
	if err != nil {
		return string(data)
	}

	// Now apply the relevant code page.
	decoder := charmap.Windows1252.NewDecoder()

	switch codepage {
	case 1252:
		decoder = charmap.Windows1252.NewDecoder()
	}

	res, err := decoder.Bytes(unicodeData)
	if err != nil {
		return string(unicodeData)
	}
	return string(res)
}
