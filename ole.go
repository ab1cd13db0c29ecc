package unlockexcel

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

const (
	OLE_SIGNATURE = "\xD0\xCF\x11\xE0\xA1\xB1\x1A\xE1"
	HEADER_LEN    = 512

	MAXREGSECT = 0xFFFFFFFA
	FATSECT    = 0xFFFFFFFD
	ENDOFCHAIN = 0xFFFFFFFE
	FREESECT   = 0xFFFFFFFF

	MAX_SECTOR_SHIFT = 20
	MAX_SECTORS      = 1000000
)

type ContainerHeader struct {
	AbSig [8]byte
	Clid  [16]byte

	MinorVersion    uint16
	DllVersion      uint16
	ByteOrder       uint16
	SectorShift     uint16
	MiniSectorShift uint16
	Reserved        uint16

	Reserved1        uint32
	Reserved2        uint32
	CsectFat         uint32
	SectDirStart     uint32
	Signature        uint32
	MiniSectorCutoff uint32
	SectMiniFatStart uint32
	CsectMiniFat     uint32
	SectDifStart     uint32
	CsectDif         uint32

	SectFat [109]uint32
}

// Container gives sector-level access to a compound file image held fully
// in memory. It owns a private copy of the input bytes: all writes mutate
// that copy in place and Serialize hands it back, so an untouched container
// always serializes bit-for-bit identical to its input.
type Container struct {
	data           []byte
	Header         ContainerHeader
	SectorSize     int
	MiniSectorSize int
	SectorCount    int
	FatSectors     []uint32
	Fat            []uint32
	MiniFat        []uint32

	// Set by the directory resolver once the root entry is known. The
	// mini stream has no home of its own: its bytes live inside the root
	// entry's regular chain.
	miniChain      []uint32
	miniStreamSize uint32
}

func OpenContainer(data []byte) (*Container, error) {
	if len(data) < HEADER_LEN || string(data[:8]) != OLE_SIGNATURE {
		return nil, fmt.Errorf("%w: bad signature", ErrCorruptContainer)
	}

	self := &Container{data: append([]byte(nil), data...)}
	err := binary.Read(bytes.NewReader(self.data), binary.LittleEndian, &self.Header)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptContainer, err)
	}

	if self.Header.SectorShift > MAX_SECTOR_SHIFT {
		return nil, fmt.Errorf("%w: sector shift too large: %v",
			ErrCorruptContainer, self.Header.SectorShift)
	}
	self.SectorSize = 1 << self.Header.SectorShift
	if self.SectorSize < 8 {
		return nil, fmt.Errorf("%w: sector size too small: %v",
			ErrCorruptContainer, self.SectorSize)
	}
	self.MiniSectorSize = 1 << self.Header.MiniSectorShift
	if self.MiniSectorSize < 8 || self.MiniSectorSize > self.SectorSize {
		return nil, fmt.Errorf("%w: mini sector size invalid: %v",
			ErrCorruptContainer, self.MiniSectorSize)
	}

	if (len(self.data)-HEADER_LEN)%self.SectorSize != 0 {
		DebugPrintf("last sector has invalid size\n")
	}
	self.SectorCount = (len(self.data) - HEADER_LEN) / self.SectorSize

	for _, sect := range self.Header.SectFat {
		if sect != FREESECT {
			self.FatSectors = append(self.FatSectors, sect)
		}
	}
	if err := self.loadDif(); err != nil {
		return nil, err
	}

	if len(self.FatSectors) == 0 {
		return nil, fmt.Errorf("%w: no allocation table sectors", ErrCorruptContainer)
	}

	// Load the FAT itself.
	for _, fatSect := range self.FatSectors {
		if int(fatSect) >= self.SectorCount {
			return nil, fmt.Errorf("%w: allocation table sector %v out of range",
				ErrCorruptContainer, fatSect)
		}
		longs, err := self.readSectorUint32s(fatSect)
		if err != nil {
			return nil, err
		}
		self.Fat = append(self.Fat, longs...)
	}

	// The mini FAT is stored as an ordinary chain in the FAT.
	if self.Header.SectMiniFatStart != ENDOFCHAIN &&
		self.Header.SectMiniFatStart != FREESECT {
		miniFatData, err := self.ReadChain(self.Header.SectMiniFatStart)
		if err != nil {
			return nil, err
		}
		self.MiniFat = make([]uint32, len(miniFatData)/4)
		for i := range self.MiniFat {
			self.MiniFat[i] = binary.LittleEndian.Uint32(miniFatData[i*4:])
		}
	}

	return self, nil
}

// loadDif follows the double-indirect FAT sectors listed past the 109
// header entries. Each DIF sector is a block of FAT sector pointers whose
// final entry points at the next DIF sector.
func (self *Container) loadDif() error {
	sector := self.Header.SectDifStart
	seen := make(map[uint32]bool)
	for sector != FREESECT && sector != ENDOFCHAIN {
		if int(sector) >= self.SectorCount {
			return fmt.Errorf("%w: DIF sector %v out of range", ErrCorruptContainer, sector)
		}
		values, err := self.readSectorUint32s(sector)
		if err != nil {
			return err
		}
		if len(values) < 2 {
			return fmt.Errorf("%w: DIF sector too small", ErrCorruptContainer)
		}
		next := values[len(values)-1]
		for _, value := range values[:len(values)-1] {
			if value != FREESECT {
				self.FatSectors = append(self.FatSectors, value)
			}
		}
		if seen[next] || len(seen) > MAX_SECTORS {
			return fmt.Errorf("%w: DIF loop at %v to %v", ErrCorruptContainer, sector, next)
		}
		seen[next] = true
		sector = next
	}
	return nil
}

func (self *Container) readSectorUint32s(sector uint32) ([]uint32, error) {
	data := self.ReadSector(sector)
	if len(data) != self.SectorSize {
		return nil, fmt.Errorf("%w: truncated sector %v", ErrCorruptContainer, sector)
	}
	longs := make([]uint32, self.SectorSize/4)
	for i := range longs {
		longs[i] = binary.LittleEndian.Uint32(data[i*4:])
	}
	return longs, nil
}

func (self *Container) ReadSector(sector uint32) []byte {
	start := HEADER_LEN + self.SectorSize*int(sector)
	if start > len(self.data) {
		return nil
	}
	toRead := min(self.SectorSize, len(self.data)-start)
	return self.data[start : start+toRead]
}

// walkChain follows a chain through an allocation table and returns the
// sector indexes visited, in order. Revisiting a sector or stepping past
// the table is a broken chain, never an infinite loop.
func walkChain(start uint32, fat []uint32, limit int) ([]uint32, error) {
	var sectors []uint32
	seen := make(map[uint32]bool)
	for sector := start; sector != ENDOFCHAIN; {
		if sector >= MAXREGSECT {
			return nil, fmt.Errorf("%w: chain from %v hit marker %08X",
				ErrBrokenChain, start, sector)
		}
		if int(sector) >= limit || int(sector) >= len(fat) {
			return nil, fmt.Errorf("%w: chain from %v ran past sector count at %v",
				ErrBrokenChain, start, sector)
		}
		if seen[sector] {
			return nil, fmt.Errorf("%w: chain from %v revisits sector %v",
				ErrBrokenChain, start, sector)
		}
		seen[sector] = true
		sectors = append(sectors, sector)
		sector = fat[sector]
	}
	return sectors, nil
}

func (self *Container) chainSectors(start uint32) ([]uint32, error) {
	return walkChain(start, self.Fat, self.SectorCount)
}

func (self *Container) miniChainSectors(start uint32) ([]uint32, error) {
	if self.miniChain == nil {
		return nil, fmt.Errorf("%w: container has no mini stream", ErrCorruptContainer)
	}
	limit := len(self.miniChain) * self.SectorSize / self.MiniSectorSize
	return walkChain(start, self.MiniFat, limit)
}

// ReadChain concatenates the payloads of every sector in the chain
// starting at start.
func (self *Container) ReadChain(start uint32) ([]byte, error) {
	sectors, err := self.chainSectors(start)
	if err != nil {
		return nil, err
	}
	result := make([]byte, 0, len(sectors)*self.SectorSize)
	for _, sector := range sectors {
		result = append(result, self.ReadSector(sector)...)
	}
	return result, nil
}

// ReadMiniChain is ReadChain for the mini FAT. Mini sectors are resolved
// through the root entry's chain, so the directory must have been opened
// before any mini stream access.
func (self *Container) ReadMiniChain(start uint32) ([]byte, error) {
	sectors, err := self.miniChainSectors(start)
	if err != nil {
		return nil, err
	}
	result := make([]byte, 0, len(sectors)*self.MiniSectorSize)
	for _, sector := range sectors {
		offset, err := self.miniOffset(sector)
		if err != nil {
			return nil, err
		}
		result = append(result, self.data[offset:offset+self.MiniSectorSize]...)
	}
	return result, nil
}

// miniOffset maps a mini sector index to its absolute offset in the file
// image. Mini sector sizes divide the regular sector size, so a mini
// sector never straddles two regular sectors.
func (self *Container) miniOffset(mini uint32) (int, error) {
	byteOff := int(mini) * self.MiniSectorSize
	idx := byteOff / self.SectorSize
	if idx >= len(self.miniChain) {
		return 0, fmt.Errorf("%w: mini sector %v outside mini stream", ErrBrokenChain, mini)
	}
	sector := self.miniChain[idx]
	offset := HEADER_LEN + int(sector)*self.SectorSize + byteOff%self.SectorSize
	if offset+self.MiniSectorSize > len(self.data) {
		return 0, fmt.Errorf("%w: mini sector %v past end of image", ErrBrokenChain, mini)
	}
	return offset, nil
}

// WriteChain overwrites the leading len(payload) bytes of the chain
// starting at start. The payload must fit in the chain's existing
// capacity: this package never grows a stream.
func (self *Container) WriteChain(start uint32, payload []byte) error {
	sectors, err := self.chainSectors(start)
	if err != nil {
		return err
	}
	if len(payload) > len(sectors)*self.SectorSize {
		return fmt.Errorf("%w: %v bytes into %v sectors of %v",
			ErrChainTooShort, len(payload), len(sectors), self.SectorSize)
	}
	for _, sector := range sectors {
		if len(payload) == 0 {
			break
		}
		n := min(self.SectorSize, len(payload))
		offset := HEADER_LEN + int(sector)*self.SectorSize
		copy(self.data[offset:offset+n], payload[:n])
		payload = payload[n:]
	}
	return nil
}

// WriteMiniChain is WriteChain for streams stored in the mini stream.
func (self *Container) WriteMiniChain(start uint32, payload []byte) error {
	sectors, err := self.miniChainSectors(start)
	if err != nil {
		return err
	}
	if len(payload) > len(sectors)*self.MiniSectorSize {
		return fmt.Errorf("%w: %v bytes into %v mini sectors",
			ErrChainTooShort, len(payload), len(sectors))
	}
	for _, sector := range sectors {
		if len(payload) == 0 {
			break
		}
		offset, err := self.miniOffset(sector)
		if err != nil {
			return err
		}
		n := min(self.MiniSectorSize, len(payload))
		copy(self.data[offset:offset+n], payload[:n])
		payload = payload[n:]
	}
	return nil
}

// Serialize re-emits the full container image. Only sectors touched by a
// write differ from the bytes the container was opened with.
func (self *Container) Serialize() []byte {
	return append([]byte(nil), self.data...)
}

func (self *Container) bindMiniStream(chain []uint32, size uint32) {
	self.miniChain = chain
	self.miniStreamSize = size
}
