package proc

import "fmt"

// Handle is a generation checked reference to an Entity. The zero Handle
// never names a live entity.
type Handle struct {
	Index uint32
	Gen   uint32
}

// NilHandle is the handle of the nil entity.
var NilHandle Handle

// IsNil returns true if h is the zero handle.
func (h Handle) IsNil() bool {
	return h == NilHandle
}

// Uint64 packs the handle as gen<<32|index.
func (h Handle) Uint64() uint64 {
	return uint64(h.Gen)<<32 | uint64(h.Index)
}

// HandleFromUint64 is the inverse of Handle.Uint64.
func HandleFromUint64(v uint64) Handle {
	return Handle{Index: uint32(v), Gen: uint32(v >> 32)}
}

func (h Handle) String() string {
	if h.IsNil() {
		return "nil"
	}
	return fmt.Sprintf("%d:%d", h.Index, h.Gen)
}
