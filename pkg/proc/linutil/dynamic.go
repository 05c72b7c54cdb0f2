package linutil

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/EpicGamesExt/raddebugger-sub016/pkg/proc"
)

const (
	maxNumLibraries      = 1000000 // maximum number of loaded libraries, to avoid loading forever on corrupted memory
	maxLibraryPathLength = 4096    // maximum length for the path of a library, to avoid loading forever on corrupted memory
	maxDynamicEntries    = 4096
	maxDynamicSymbols    = 1 << 16
)

var (
	ErrTooManyLibraries = errors.New("number of loaded libraries exceeds maximum")
	ErrNoDynamicSection = errors.New("no dynamic section")
)

const (
	_DT_NULL   = 0  // DT_NULL as defined by SysV ABI specification
	_DT_PLTGOT = 3  // DT_PLTGOT as defined by SysV ABI specification
	_DT_STRTAB = 5  // DT_STRTAB as defined by SysV ABI specification
	_DT_SYMTAB = 6  // DT_SYMTAB as defined by SysV ABI specification
	_DT_STRSZ  = 10 // DT_STRSZ as defined by SysV ABI specification
	_DT_SYMENT = 11 // DT_SYMENT as defined by SysV ABI specification
	_DT_DEBUG  = 21 // DT_DEBUG as defined by SysV ABI specification
)

// readUintRaw reads an integer of ptrSize bytes, with the specified byte order, from reader.
func readUintRaw(reader io.Reader, order binary.ByteOrder, ptrSize int) (uint64, error) {
	switch ptrSize {
	case 4:
		var n uint32
		if err := binary.Read(reader, order, &n); err != nil {
			return 0, err
		}
		return uint64(n), nil
	case 8:
		var n uint64
		if err := binary.Read(reader, order, &n); err != nil {
			return 0, err
		}
		return n, nil
	}
	return 0, fmt.Errorf("not supported ptr size %d", ptrSize)
}

func readPtr(mem proc.MemoryReader, addr uint64, ptrSize int) (uint64, error) {
	return proc.ReadUintRaw(mem, addr, int64(ptrSize), binary.LittleEndian)
}

// ImageInfo is what the program headers of a loaded image say about it.
type ImageInfo struct {
	// Bias is the difference between run time and link time addresses.
	Bias uint64
	// Lo and Hi are the run time bounds of the PT_LOAD segments.
	Lo, Hi uint64
	// Dynamic is the run time address of the dynamic section.
	Dynamic uint64
	Interp  bool
}

// Size returns the size of the mapped image.
func (ii *ImageInfo) Size() uint64 {
	if ii.Hi < ii.Lo {
		return 0
	}
	return ii.Hi - ii.Lo
}

// ReadProgramHeaders reads count program headers starting at addr.
func ReadProgramHeaders(mem proc.MemoryReader, addr, count, entsize uint64, class elf.Class) ([]elf.ProgHeader, error) {
	want := uint64(56)
	if class == elf.ELFCLASS32 {
		want = 32
	}
	if entsize == 0 {
		entsize = want
	}
	if entsize < want || count > 0xffff {
		return nil, fmt.Errorf("bad program header table (%d entries of %d bytes)", count, entsize)
	}
	buf := make([]byte, count*entsize)
	if err := proc.ReadFull(mem, buf, addr); err != nil {
		return nil, err
	}
	r := make([]elf.ProgHeader, 0, count)
	for i := uint64(0); i < count; i++ {
		b := buf[i*entsize:]
		var ph elf.ProgHeader
		if class == elf.ELFCLASS32 {
			var p elf.Prog32
			binary.Read(bytes.NewReader(b[:want]), binary.LittleEndian, &p)
			ph = elf.ProgHeader{Type: elf.ProgType(p.Type), Flags: elf.ProgFlag(p.Flags), Off: uint64(p.Off), Vaddr: uint64(p.Vaddr), Paddr: uint64(p.Paddr), Filesz: uint64(p.Filesz), Memsz: uint64(p.Memsz), Align: uint64(p.Align)}
		} else {
			var p elf.Prog64
			binary.Read(bytes.NewReader(b[:want]), binary.LittleEndian, &p)
			ph = elf.ProgHeader{Type: elf.ProgType(p.Type), Flags: elf.ProgFlag(p.Flags), Off: p.Off, Vaddr: p.Vaddr, Paddr: p.Paddr, Filesz: p.Filesz, Memsz: p.Memsz, Align: p.Align}
		}
		r = append(r, ph)
	}
	return r, nil
}

// ImageFromProgramHeaders summarizes phdrs of an image loaded with the
// given bias.
func ImageFromProgramHeaders(phdrs []elf.ProgHeader, bias uint64) ImageInfo {
	ii := ImageInfo{Bias: bias, Lo: ^uint64(0)}
	for _, ph := range phdrs {
		switch ph.Type {
		case elf.PT_LOAD:
			if lo := bias + ph.Vaddr; lo < ii.Lo {
				ii.Lo = lo
			}
			if hi := bias + ph.Vaddr + ph.Memsz; hi > ii.Hi {
				ii.Hi = hi
			}
		case elf.PT_DYNAMIC:
			ii.Dynamic = bias + ph.Vaddr
		case elf.PT_INTERP:
			ii.Interp = true
		}
	}
	if ii.Hi == 0 {
		ii.Lo = 0
	}
	return ii
}

// MainImage describes the executable of a process from its auxiliary
// vector: the bias is AT_PHDR minus the link time address of the program
// header table.
func MainImage(mem proc.MemoryReader, auxv Auxv, class elf.Class) (ImageInfo, error) {
	if auxv.Phdr == 0 || auxv.Phnum == 0 {
		return ImageInfo{}, errors.New("auxiliary vector has no program headers")
	}
	phdrs, err := ReadProgramHeaders(mem, auxv.Phdr, auxv.Phnum, auxv.Phent, class)
	if err != nil {
		return ImageInfo{}, err
	}
	var bias uint64
	found := false
	for _, ph := range phdrs {
		if ph.Type == elf.PT_PHDR {
			bias = auxv.Phdr - ph.Vaddr
			found = true
			break
		}
	}
	if !found {
		// no PT_PHDR, assume the table is in the first page of the first
		// segment
		for _, ph := range phdrs {
			if ph.Type == elf.PT_LOAD && ph.Off == 0 {
				hdrsz := uint64(64)
				if class == elf.ELFCLASS32 {
					hdrsz = 52
				}
				bias = auxv.Phdr - hdrsz - ph.Vaddr
				break
			}
		}
	}
	return ImageFromProgramHeaders(phdrs, bias), nil
}

const imageHeaderWindow = 0x1000

// ReadImage reads the ELF header at base and summarizes its program
// headers. base must be the address the image's first byte is mapped at.
func ReadImage(mem proc.MemoryReader, base uint64) (ImageInfo, elf.Class, error) {
	// The ELF header and, for every linker output, the program headers
	// are in the first page.
	mem = proc.CacheMemory(mem, base, imageHeaderWindow)
	var ident [elf.EI_NIDENT]byte
	if err := proc.ReadFull(mem, ident[:], base); err != nil {
		return ImageInfo{}, 0, err
	}
	if string(ident[:4]) != elf.ELFMAG {
		return ImageInfo{}, 0, fmt.Errorf("no ELF header at %#x", base)
	}
	class := elf.Class(ident[elf.EI_CLASS])
	var phoff, phnum, phentsize uint64
	var vaddr0 uint64
	switch class {
	case elf.ELFCLASS64:
		var hdr elf.Header64
		buf := make([]byte, binary.Size(hdr))
		if err := proc.ReadFull(mem, buf, base); err != nil {
			return ImageInfo{}, 0, err
		}
		binary.Read(bytes.NewReader(buf), binary.LittleEndian, &hdr)
		phoff, phnum, phentsize = hdr.Phoff, uint64(hdr.Phnum), uint64(hdr.Phentsize)
	case elf.ELFCLASS32:
		var hdr elf.Header32
		buf := make([]byte, binary.Size(hdr))
		if err := proc.ReadFull(mem, buf, base); err != nil {
			return ImageInfo{}, 0, err
		}
		binary.Read(bytes.NewReader(buf), binary.LittleEndian, &hdr)
		phoff, phnum, phentsize = uint64(hdr.Phoff), uint64(hdr.Phnum), uint64(hdr.Phentsize)
	default:
		return ImageInfo{}, 0, fmt.Errorf("unknown ELF class %d at %#x", class, base)
	}
	phdrs, err := ReadProgramHeaders(mem, base+phoff, phnum, phentsize, class)
	if err != nil {
		return ImageInfo{}, class, err
	}
	vaddr0 = ^uint64(0)
	for _, ph := range phdrs {
		if ph.Type != elf.PT_LOAD || ph.Vaddr >= vaddr0 {
			continue
		}
		vaddr0 = ph.Vaddr
		if ph.Align > 1 {
			vaddr0 &^= ph.Align - 1
		}
	}
	if vaddr0 == ^uint64(0) {
		vaddr0 = 0
	}
	return ImageFromProgramHeaders(phdrs, base-vaddr0), class, nil
}

// DynamicEntries reads the dynamic section at addr into a tag -> value
// map. Only the first entry of every tag is kept.
func DynamicEntries(mem proc.MemoryReader, addr uint64, ptrSize int) (map[elf.DynTag]uint64, error) {
	if addr == 0 {
		return nil, ErrNoDynamicSection
	}
	entries := make(map[elf.DynTag]uint64)
	entsz := uint64(2 * ptrSize)
	buf := make([]byte, entsz)
	for i := uint64(0); i < maxDynamicEntries; i++ {
		if err := proc.ReadFull(mem, buf, addr+i*entsz); err != nil {
			return nil, err
		}
		rd := bytes.NewReader(buf)
		tag, _ := readUintRaw(rd, binary.LittleEndian, ptrSize)
		val, _ := readUintRaw(rd, binary.LittleEndian, ptrSize)
		if tag == _DT_NULL {
			return entries, nil
		}
		if _, dup := entries[elf.DynTag(tag)]; !dup {
			entries[elf.DynTag(tag)] = val
		}
	}
	return nil, errors.New("dynamic section not terminated")
}

// DynamicDebugAddr returns the address of r_debug stored by the dynamic
// linker in the DT_DEBUG entry of the dynamic section at dynAddr. It
// returns 0 if the loader did not fill it yet.
func DynamicDebugAddr(mem proc.MemoryReader, dynAddr uint64, ptrSize int) (uint64, error) {
	dyn, err := DynamicEntries(mem, dynAddr, ptrSize)
	if err != nil {
		return 0, err
	}
	return dyn[_DT_DEBUG], nil
}

// LinkMapFromGOT returns the link map of the executable stored by the
// dynamic linker in the second GOT slot.
func LinkMapFromGOT(mem proc.MemoryReader, dynAddr uint64, ptrSize int) (uint64, error) {
	dyn, err := DynamicEntries(mem, dynAddr, ptrSize)
	if err != nil {
		return 0, err
	}
	got, ok := dyn[_DT_PLTGOT]
	if !ok || got == 0 {
		return 0, nil
	}
	return readPtr(mem, got+uint64(ptrSize), ptrSize)
}

// Symbol is a dynamic symbol found in target memory.
type Symbol struct {
	Name  string
	Value uint64
}

// LookupDynamicSymbols resolves names in the dynamic symbol table of the
// image loaded at base, reading the table from target memory. No debug
// info or file access is needed. Missing names are absent from the
// result.
func LookupDynamicSymbols(mem proc.MemoryReader, base uint64, names ...string) (map[string]uint64, error) {
	img, class, err := ReadImage(mem, base)
	if err != nil {
		return nil, err
	}
	ptrSize := 8
	syment := uint64(24)
	if class == elf.ELFCLASS32 {
		ptrSize, syment = 4, 16
	}
	dyn, err := DynamicEntries(mem, img.Dynamic, ptrSize)
	if err != nil {
		return nil, err
	}
	symtab, strtab := dyn[_DT_SYMTAB], dyn[_DT_STRTAB]
	strsz := dyn[_DT_STRSZ]
	if e := dyn[_DT_SYMENT]; e != 0 {
		syment = e
	}
	if symtab == 0 || strtab == 0 || strsz == 0 {
		return nil, errors.New("dynamic section has no symbol table")
	}
	// the loader relocates its own dynamic section in place, before that
	// happens the entries are link time addresses
	if symtab < img.Bias {
		symtab += img.Bias
	}
	if strtab < img.Bias {
		strtab += img.Bias
	}
	if strtab <= symtab {
		return nil, errors.New("string table precedes symbol table")
	}
	// there is no symbol count in the dynamic section, the string table
	// follows the symbol table in every linker layout
	count := (strtab - symtab) / syment
	if count > maxDynamicSymbols {
		count = maxDynamicSymbols
	}
	if strsz > maxDynamicSymbols*64 {
		strsz = maxDynamicSymbols * 64
	}

	symbuf := make([]byte, count*syment)
	if err := proc.ReadFull(mem, symbuf, symtab); err != nil {
		return nil, err
	}
	strbuf := make([]byte, strsz)
	if err := proc.ReadFull(mem, strbuf, strtab); err != nil {
		return nil, err
	}

	want := make(map[string]bool, len(names))
	for _, n := range names {
		want[n] = true
	}
	r := make(map[string]uint64)
	for i := uint64(0); i < count && len(r) < len(want); i++ {
		s := symbuf[i*syment:]
		var nameoff uint32
		var value uint64
		var shndx uint16
		if class == elf.ELFCLASS32 {
			nameoff = binary.LittleEndian.Uint32(s[0:])
			value = uint64(binary.LittleEndian.Uint32(s[4:]))
			shndx = binary.LittleEndian.Uint16(s[14:])
		} else {
			nameoff = binary.LittleEndian.Uint32(s[0:])
			shndx = binary.LittleEndian.Uint16(s[6:])
			value = binary.LittleEndian.Uint64(s[8:])
		}
		if shndx == uint16(elf.SHN_UNDEF) || uint64(nameoff) >= strsz {
			continue
		}
		name := strbuf[nameoff:]
		if end := bytes.IndexByte(name, 0); end >= 0 {
			name = name[:end]
		}
		if want[string(name)] {
			r[string(name)] = img.Bias + value
		}
	}
	return r, nil
}

// FindRendezvous returns the address of the r_debug structure exported by
// the dynamic linker loaded at loaderBase.
func FindRendezvous(mem proc.MemoryReader, loaderBase uint64) (uint64, error) {
	syms, err := LookupDynamicSymbols(mem, loaderBase, "_r_debug")
	if err != nil {
		return 0, err
	}
	addr, ok := syms["_r_debug"]
	if !ok {
		return 0, errors.New("_r_debug not found")
	}
	return addr, nil
}

// FindSymbolOnDisk looks up name in the dynamic symbols of the ELF file at
// path and returns its address relocated to base. It is used when the
// in-memory table can not be read yet.
func FindSymbolOnDisk(path, name string, base uint64) (uint64, error) {
	f, err := elf.Open(path)
	if err != nil {
		realPath, rerr := os.Readlink(path)
		if rerr != nil {
			return 0, fmt.Errorf("could not open %s: %v", path, err)
		}
		f, err = elf.Open(realPath)
		if err != nil {
			return 0, fmt.Errorf("could not open %s: %v", realPath, err)
		}
	}
	defer f.Close()

	dynsyms, err := f.DynamicSymbols()
	if err != nil {
		return 0, fmt.Errorf("could not read dynamic symbols: %v", err)
	}
	for _, sym := range dynsyms {
		if sym.Name == name {
			return base + sym.Value, nil
		}
	}
	return 0, fmt.Errorf("%s not found in %s", name, path)
}

// InterpreterPath returns the path of the program interpreter requested by
// the executable at execPath.
func InterpreterPath(execPath string) (string, error) {
	execFile, err := elf.Open(execPath)
	if err != nil {
		return "", fmt.Errorf("could not open executable: %v", err)
	}
	defer execFile.Close()

	interpSec := execFile.Section(".interp")
	if interpSec == nil {
		return "", nil
	}
	interpData, err := interpSec.Data()
	if err != nil {
		return "", fmt.Errorf("could not read .interp section: %v", err)
	}
	return string(bytes.TrimRight(interpData, "\x00")), nil
}

// Offsets of the fields of the r_debug and link_map structs,
// see /usr/include/link.h for a full description of those structs.
//
//	int r_version;           // offset 0
//	struct link_map *r_map;  // offset ptrSize (aligned)
//	ElfW(Addr) r_brk;        // offset 2*ptrSize
//	enum r_state;            // offset 3*ptrSize
//	ElfW(Addr) r_ldbase;     // offset 4*ptrSize

// RDebug is the dynamic linker's rendezvous structure.
type RDebug struct {
	Version uint32
	Map     uint64
	Brk     uint64
	State   uint64
	LdBase  uint64
}

// r_state values.
const (
	RTConsistent = 0
	RTAdd        = 1
	RTDelete     = 2
)

// ReadRDebug reads the rendezvous structure at addr.
func ReadRDebug(mem proc.MemoryReader, addr uint64, ptrSize int) (RDebug, error) {
	buf := make([]byte, 5*ptrSize)
	if err := proc.ReadFull(mem, buf, addr); err != nil {
		return RDebug{}, err
	}
	rd := bytes.NewReader(buf)
	var fields [5]uint64
	for i := range fields {
		fields[i], _ = readUintRaw(rd, binary.LittleEndian, ptrSize)
	}
	return RDebug{Version: uint32(fields[0]), Map: fields[1], Brk: fields[2], State: fields[3], LdBase: fields[4]}, nil
}

// LinkMapEntry is one node of the dynamic linker's list of loaded objects.
type LinkMapEntry struct {
	// Addr is l_addr, the load bias of the object.
	Addr uint64
	Name string
	// Ld is the run time address of the object's dynamic section.
	Ld   uint64
	Node uint64
}

type linkMap struct {
	addr       uint64
	name       uint64
	ld         uint64
	next, prev uint64
}

func readLinkMapNode(mem proc.MemoryReader, r_map uint64, ptrSize int) (*linkMap, error) {
	buf := make([]byte, 5*ptrSize)
	if err := proc.ReadFull(mem, buf, r_map); err != nil {
		return nil, err
	}
	rd := bytes.NewReader(buf)
	var ptrs [5]uint64
	for i := range ptrs {
		ptrs[i], _ = readUintRaw(rd, binary.LittleEndian, ptrSize)
	}
	return &linkMap{addr: ptrs[0], name: ptrs[1], ld: ptrs[2], next: ptrs[3], prev: ptrs[4]}, nil
}

// WalkLinkMap reads every node of the list starting at head. Any read
// failure aborts the walk: a half read list must not be applied.
func WalkLinkMap(mem proc.MemoryReader, head uint64, ptrSize int) ([]LinkMapEntry, error) {
	var r []LinkMapEntry
	seen := make(map[uint64]bool)
	for node := head; node != 0; {
		if len(r) > maxNumLibraries {
			return nil, ErrTooManyLibraries
		}
		if seen[node] {
			return nil, fmt.Errorf("link map loops at %#x", node)
		}
		seen[node] = true
		lm, err := readLinkMapNode(mem, node, ptrSize)
		if err != nil {
			return nil, err
		}
		var name string
		if lm.name != 0 {
			name, err = proc.ReadCString(mem, lm.name, maxLibraryPathLength)
			if err != nil {
				return nil, err
			}
		}
		r = append(r, LinkMapEntry{Addr: lm.addr, Name: name, Ld: lm.ld, Node: node})
		node = lm.next
	}
	return r, nil
}

// IsVDSO returns true for the link map entry of the kernel provided
// virtual shared object, which has no file.
func IsVDSO(e LinkMapEntry) bool {
	switch e.Name {
	case "linux-vdso.so.1", "linux-gate.so.1", "linux-vdso32.so.1", "linux-vdso64.so.1":
		return true
	}
	return false
}
