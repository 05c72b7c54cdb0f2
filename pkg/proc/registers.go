package proc

// RegBlock is an architecture tagged register snapshot of one thread.
// The concrete type depends on Arch, for ArchAMD64 it is
// *amd64util.RegBlock.
type RegBlock interface {
	Arch() Arch
	PC() uint64
	SP() uint64
	SetPC(uint64)
	// SingleStep returns true if the trap flag is set.
	SingleStep() bool
	SetSingleStep(bool)
	// Copy returns a copy of the registers that is guaranteed not to change
	// when the registers of the associated thread change.
	Copy() RegBlock
}
