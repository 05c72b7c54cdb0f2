package proc

// Arch identifies the instruction set of a process or thread.
type Arch uint8

const (
	ArchNull Arch = iota
	ArchAMD64
	ArchI386
	ArchARM64
)

func (a Arch) String() string {
	switch a {
	case ArchAMD64:
		return "amd64"
	case ArchI386:
		return "386"
	case ArchARM64:
		return "arm64"
	}
	return "null"
}

// PtrSize returns the size of a pointer on this architecture.
func (a Arch) PtrSize() int {
	switch a {
	case ArchI386:
		return 4
	case ArchAMD64, ArchARM64:
		return 8
	}
	return 0
}

// BreakpointInstruction returns the software trap instruction of the
// architecture.
func (a Arch) BreakpointInstruction() []byte {
	switch a {
	case ArchAMD64, ArchI386:
		return []byte{0xCC}
	case ArchARM64:
		return []byte{0x0, 0x0, 0x20, 0xd4} // brk #0
	}
	return nil
}
