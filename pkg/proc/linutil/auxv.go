package linutil

import (
	"bytes"
	"encoding/binary"
)

const (
	_AT_NULL   = 0
	_AT_PHDR   = 3
	_AT_PHENT  = 4
	_AT_PHNUM  = 5
	_AT_BASE   = 7
	_AT_ENTRY  = 9
	_AT_EXECFN = 31
)

// Auxv holds the entries of the ELF auxiliary vector the loader code
// needs.
type Auxv struct {
	Phdr, Phent, Phnum uint64
	// Base is the load address of the program interpreter, 0 for static
	// executables.
	Base   uint64
	Entry  uint64
	Execfn uint64
}

// ParseAuxv decodes an auxiliary vector as found in /proc/pid/auxv.
// For a description of the auxiliary vector (auxv) format see:
// System V Application Binary Interface, AMD64 Architecture Processor
// Supplement, section 3.4.3.
// System V Application Binary Interface, Intel386 Architecture Processor
// Supplement (fourth edition), section 3-28.
func ParseAuxv(auxv []byte, ptrSize int) Auxv {
	var r Auxv
	rd := bytes.NewBuffer(auxv)

	for {
		tag, err := readUintRaw(rd, binary.LittleEndian, ptrSize)
		if err != nil {
			return r
		}
		val, err := readUintRaw(rd, binary.LittleEndian, ptrSize)
		if err != nil {
			return r
		}

		switch tag {
		case _AT_NULL:
			return r
		case _AT_PHDR:
			r.Phdr = val
		case _AT_PHENT:
			r.Phent = val
		case _AT_PHNUM:
			r.Phnum = val
		case _AT_BASE:
			r.Base = val
		case _AT_ENTRY:
			r.Entry = val
		case _AT_EXECFN:
			r.Execfn = val
		}
	}
}

// EntryPointFromAuxv searches the elf auxiliary vector for the entry point
// address.
func EntryPointFromAuxv(auxv []byte, ptrSize int) uint64 {
	return ParseAuxv(auxv, ptrSize).Entry
}
