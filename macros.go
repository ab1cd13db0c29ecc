package unlockexcel

import (
	"encoding/binary"
	"fmt"
	"regexp"
	"strings"
)

const (
	MODULE_EXTENSION = "bas"
	CLASS_EXTENSION  = "cls"
	FORM_EXTENSION   = "frm"
)

// Record ids in the VBA "dir" stream that module listing cares about. The
// stream is a flat sequence of (id, size, payload) records; everything not
// listed here is skipped generically.
const (
	DIR_PROJECTCODEPAGE          = 0x0003
	DIR_PROJECTVERSION           = 0x0009
	DIR_TERMINATOR               = 0x0010
	DIR_MODULENAME               = 0x0019
	DIR_MODULESTREAMNAME         = 0x001A
	DIR_MODULEOFFSET             = 0x0031
	DIR_MODULESTREAMNAME_UNICODE = 0x0032
)

var reKeyVal = regexp.MustCompile("^([^=]+)=(.*)$")

type VBAModule struct {
	ModuleName string
	StreamName string
	Type       string
	Code       string
}

type dirRecord struct {
	id   uint16
	data []byte
}

// walkDirStream splits a decompressed "dir" stream into records. The only
// irregular record is PROJECTVERSION, whose size field is a reserved
// constant and whose payload is fixed at six bytes.
func walkDirStream(stream []byte) ([]dirRecord, error) {
	var records []dirRecord
	i := 0
	for i+6 <= len(stream) {
		id := binary.LittleEndian.Uint16(stream[i:])
		size := int(binary.LittleEndian.Uint32(stream[i+2:]))
		i += 6
		if id == DIR_PROJECTVERSION {
			size = 6
		}
		if i+size > len(stream) {
			return nil, fmt.Errorf("%w: dir record 0x%04X overruns stream", ErrMalformedRecord, id)
		}
		records = append(records, dirRecord{id: id, data: stream[i : i+size]})
		i += size
		if id == DIR_TERMINATOR {
			break
		}
	}
	return records, nil
}

// moduleTypes reads the PROJECT properties stream and maps module names to
// their source file type.
func moduleTypes(projectText []byte) map[string]string {
	types := make(map[string]string)
	for _, line := range strings.Split(string(projectText), "\n") {
		line = strings.TrimSpace(line)
		if len(line) < 1 {
			break
		}
		if strings.HasPrefix(line, "[") {
			continue
		}
		m := reKeyVal.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		switch m[1] {
		case "Document":
			key := strings.Split(m[2], "/")[0]
			types[key] = CLASS_EXTENSION
		case "Module":
			types[m[2]] = MODULE_EXTENSION
		case "BaseClass":
			types[m[2]] = FORM_EXTENSION
		}
	}
	return types
}

// ExtractMacros lists the VBA modules of the project rooted at prefix
// (empty for a bare vbaProject container, the storage holding the project
// for a workbook container) and decompresses their source code.
func ExtractMacros(directory *Directory, prefix ...string) ([]*VBAModule, error) {
	projectHandle, err := directory.FindStream(append(prefix, "PROJECT")...)
	if err != nil {
		return nil, err
	}
	projectText, err := projectHandle.Read()
	if err != nil {
		return nil, err
	}
	types := moduleTypes(projectText)

	dirHandle, err := directory.FindStream(append(prefix, "VBA", "dir")...)
	if err != nil {
		return nil, err
	}
	rawDir, err := dirHandle.Read()
	if err != nil {
		return nil, err
	}
	dirStream, err := DecompressContainer(rawDir)
	if err != nil {
		return nil, err
	}
	records, err := walkDirStream(dirStream)
	if err != nil {
		return nil, err
	}

	codepage := uint16(1252)
	var modules []*VBAModule
	var current *VBAModule
	offsets := make(map[*VBAModule]uint32)

	for _, record := range records {
		switch record.id {
		case DIR_PROJECTCODEPAGE:
			if len(record.data) >= 2 {
				codepage = binary.LittleEndian.Uint16(record.data)
			}
		case DIR_MODULENAME:
			current = &VBAModule{ModuleName: string(record.data)}
			current.Type = types[current.ModuleName]
			modules = append(modules, current)
		case DIR_MODULESTREAMNAME:
			if current != nil {
				current.StreamName = string(record.data)
			}
		case DIR_MODULESTREAMNAME_UNICODE:
			if current != nil && current.StreamName == "" {
				current.StreamName = decodeUnicode(record.data, codepage)
			}
		case DIR_MODULEOFFSET:
			if current != nil && len(record.data) >= 4 {
				offsets[current] = binary.LittleEndian.Uint32(record.data)
			}
		}
	}
	DebugPrintf("found %v modules, codepage %v\n", len(modules), codepage)

	for _, module := range modules {
		if module.StreamName == "" {
			continue
		}
		handle, err := directory.FindStream(append(prefix, "VBA", module.StreamName)...)
		if err != nil {
			// Module declared but its stream is missing; skip it.
			DebugPrintf("no stream for module %v\n", module.ModuleName)
			continue
		}
		data, err := handle.Read()
		if err != nil {
			return nil, err
		}
		offset := offsets[module]
		if int(offset) >= len(data) {
			continue
		}
		code, err := DecompressContainer(data[offset:])
		if err != nil {
			return nil, err
		}
		module.Code = string(code)
	}

	return modules, nil
}
