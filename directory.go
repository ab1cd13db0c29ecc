package unlockexcel

import (
	"fmt"
	"strings"
	"unicode/utf16"
)

const (
	DIR_ENTRY_LEN = 128

	TYPE_UNALLOCATED = 0
	TYPE_STORAGE     = 1
	TYPE_STREAM      = 2
	TYPE_ROOT        = 5

	NOSTREAM = 0xFFFFFFFF
)

type DirectoryEntryHeader struct {
	AB          [32]uint16
	CB          uint16
	Mse         byte
	Flags       byte
	SidLeftSib  uint32
	SidRightSib uint32
	SidChild    uint32
	ClsId       [16]byte
	UserFlags   uint32
	CreateTime  uint64
	ModifyTime  uint64
	SectStart   uint32
	SizeLow     uint32
	SizeHigh    uint32
}

type DirectoryEntry struct {
	Header DirectoryEntryHeader
	Index  uint32
	Name   string
}

func parseDirectoryEntry(data []byte, index uint32) (*DirectoryEntry, error) {
	if len(data) < DIR_ENTRY_LEN {
		return nil, fmt.Errorf("%w: truncated directory entry %v", ErrCorruptContainer, index)
	}
	self := &DirectoryEntry{Index: index}
	readLittleEndian(data, &self.Header)
	self.Name = strings.TrimRight(string(utf16.Decode(self.Header.AB[:])), "\x00")
	return self, nil
}

// Directory maps stream names to their sector chains. It is built once per
// container and discarded with it.
type Directory struct {
	store   *Container
	Entries []*DirectoryEntry
	root    *DirectoryEntry
}

func OpenDirectory(store *Container) (*Directory, error) {
	dirData, err := store.ReadChain(store.Header.SectDirStart)
	if err != nil {
		return nil, err
	}

	self := &Directory{store: store}
	for index := 0; (index+1)*DIR_ENTRY_LEN <= len(dirData); index++ {
		entry, err := parseDirectoryEntry(dirData[index*DIR_ENTRY_LEN:], uint32(index))
		if err != nil {
			return nil, err
		}
		self.Entries = append(self.Entries, entry)
		if entry.Header.Mse == TYPE_ROOT && self.root == nil {
			self.root = entry
		}
	}
	if self.root == nil {
		return nil, fmt.Errorf("%w: no root entry in %v directory entries",
			ErrMissingRoot, len(self.Entries))
	}

	// The root entry's own chain holds the mini stream. Hand it to the
	// store so mini sector addressing can work.
	if self.root.Header.SectStart != ENDOFCHAIN && self.root.Header.SectStart != FREESECT {
		chain, err := store.chainSectors(self.root.Header.SectStart)
		if err != nil {
			return nil, err
		}
		store.bindMiniStream(chain, self.root.Header.SizeLow)
	}

	return self, nil
}

func (self *Directory) Root() *DirectoryEntry {
	return self.root
}

// childByName searches the sibling tree hanging off parent's child link.
// The tree shape is a storage implementation detail; only membership
// matters here, so this is a plain traversal with a visit guard.
func (self *Directory) childByName(parent *DirectoryEntry, name string) *DirectoryEntry {
	stack := []uint32{parent.Header.SidChild}
	seen := make(map[uint32]bool)
	for len(stack) > 0 {
		sid := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if sid == NOSTREAM || int(sid) >= len(self.Entries) || seen[sid] {
			continue
		}
		seen[sid] = true
		entry := self.Entries[sid]
		if entry.Header.Mse != TYPE_UNALLOCATED && strings.EqualFold(entry.Name, name) {
			return entry
		}
		stack = append(stack, entry.Header.SidLeftSib, entry.Header.SidRightSib)
	}
	return nil
}

// FindStream resolves a path of nested storage names ending in a stream
// name, starting from the root. The caller supplies the path: which
// stream holds what is a property of the concrete file layout, not of
// this package.
func (self *Directory) FindStream(path ...string) (*StreamHandle, error) {
	if len(path) == 0 {
		return nil, fmt.Errorf("%w: empty path", ErrStreamNotFound)
	}
	current := self.root
	for depth, name := range path {
		next := self.childByName(current, name)
		if next == nil {
			return nil, fmt.Errorf("%w: %q", ErrStreamNotFound, strings.Join(path[:depth+1], "/"))
		}
		current = next
	}
	if current.Header.Mse != TYPE_STREAM {
		return nil, fmt.Errorf("%w: %q is not a stream", ErrStreamNotFound, strings.Join(path, "/"))
	}
	return &StreamHandle{store: self.store, Entry: current}, nil
}

// StreamHandle gives logical read/write access to one stream's bytes,
// routing through the mini FAT when the stream is small enough to live in
// the mini stream.
type StreamHandle struct {
	store *Container
	Entry *DirectoryEntry
}

func (self *StreamHandle) useMini() bool {
	return self.Entry.Header.Mse != TYPE_ROOT &&
		self.Entry.Header.SizeLow < self.store.Header.MiniSectorCutoff
}

func (self *StreamHandle) Size() uint32 {
	return self.Entry.Header.SizeLow
}

func (self *StreamHandle) Read() ([]byte, error) {
	size := self.Entry.Header.SizeLow
	if size == 0 {
		return nil, nil
	}

	var data []byte
	var err error
	if self.useMini() {
		data, err = self.store.ReadMiniChain(self.Entry.Header.SectStart)
	} else {
		data, err = self.store.ReadChain(self.Entry.Header.SectStart)
	}
	if err != nil {
		return nil, err
	}
	if int(size) > len(data) {
		return nil, fmt.Errorf("%w: stream %q declares %v bytes but chain holds %v",
			ErrBrokenChain, self.Entry.Name, size, len(data))
	}
	return data[:size], nil
}

// Write overwrites the leading bytes of the stream in place. Payloads
// longer than the stream's declared size are refused: growing a stream
// would mean touching the allocation tables and the directory, and this
// package only ever flips bits inside an existing record.
func (self *StreamHandle) Write(payload []byte) error {
	if len(payload) > int(self.Entry.Header.SizeLow) {
		return fmt.Errorf("%w: %v byte payload for %v byte stream %q",
			ErrChainTooShort, len(payload), self.Entry.Header.SizeLow, self.Entry.Name)
	}
	if self.useMini() {
		return self.store.WriteMiniChain(self.Entry.Header.SectStart, payload)
	}
	return self.store.WriteChain(self.Entry.Header.SectStart, payload)
}
