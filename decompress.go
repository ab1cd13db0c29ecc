package unlockexcel

import (
	"encoding/binary"
	"fmt"
)

// MS-OVBA 2.4.1 compressed container layout.
const (
	COMPRESS_SIG        = 0x01
	CHUNK_SIZE_MASK     = 0x0FFF
	CHUNK_FLAG_MASK     = 0x8000
	UNCOMPRESSED_CHUNK  = 4096
	CHUNK_HEADER_EXTRA  = 3
)

// DecompressContainer expands an RLE compressed container as found in the
// VBA "dir" stream and module source streams.
func DecompressContainer(compressed []byte) ([]byte, error) {
	if len(compressed) == 0 || compressed[0] != COMPRESS_SIG {
		return nil, fmt.Errorf("%w: bad compression signature", ErrMalformedRecord)
	}

	var out []byte
	i := 1
	for i+2 <= len(compressed) {
		header := binary.LittleEndian.Uint16(compressed[i:])
		chunkEnd := min(i+int(header&CHUNK_SIZE_MASK)+CHUNK_HEADER_EXTRA, len(compressed))
		i += 2

		if header&CHUNK_FLAG_MASK == 0 {
			// Raw chunk: always a full block of literal bytes.
			n := min(UNCOMPRESSED_CHUNK, len(compressed)-i)
			out = append(out, compressed[i:i+n]...)
			i += n
			continue
		}

		chunkStart := len(out)
		for i < chunkEnd {
			flags := compressed[i]
			i++
			for bit := 0; bit < 8 && i < chunkEnd; bit++ {
				if flags&(1<<bit) == 0 {
					out = append(out, compressed[i])
					i++
					continue
				}
				if i+2 > chunkEnd {
					return nil, fmt.Errorf("%w: truncated copy token", ErrMalformedRecord)
				}
				token := binary.LittleEndian.Uint16(compressed[i:])
				i += 2

				lengthMask, offsetShift := copyTokenMasks(len(out) - chunkStart)
				length := int(token&lengthMask) + 3
				offset := int(token>>offsetShift) + 1
				src := len(out) - offset
				if src < 0 {
					return nil, fmt.Errorf("%w: copy token reaches before chunk", ErrMalformedRecord)
				}
				// Source and destination may overlap; copy byte by byte.
				for j := 0; j < length; j++ {
					out = append(out, out[src+j])
				}
			}
		}
	}

	return out, nil
}

// copyTokenMasks splits the 16 bit copy token between offset and length
// depending on how far into the chunk decompression has reached.
func copyTokenMasks(written int) (uint16, uint16) {
	bitCount := uint16(4)
	for 1<<bitCount < written {
		bitCount++
	}
	lengthMask := uint16(0xFFFF) >> bitCount
	return lengthMask, 16 - bitCount
}
