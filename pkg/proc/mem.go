package proc

import (
	"encoding/binary"
	"fmt"
)

// MemoryReader is like io.ReaderAt, but the offset is a uint64 so that it
// can address all of 64-bit memory.
// A short read with a nil error means the range stopped being mapped at
// addr+n.
type MemoryReader interface {
	ReadMemory(buf []byte, addr uint64) (n int, err error)
}

type MemoryReadWriter interface {
	MemoryReader
	WriteMemory(addr uint64, data []byte) (written int, err error)
}

// PartialAccessError is returned by structured readers when fewer bytes
// than the structure size could be transferred.
type PartialAccessError struct {
	Addr uint64
	Want int
	Got  int
}

func (e *PartialAccessError) Error() string {
	return fmt.Sprintf("partial memory access at %#x: wanted %d bytes, got %d", e.Addr, e.Want, e.Got)
}

// ReadFull reads exactly len(buf) bytes at addr. A short read is reported as
// a *PartialAccessError.
func ReadFull(mem MemoryReader, buf []byte, addr uint64) error {
	n, err := mem.ReadMemory(buf, addr)
	if err != nil {
		return err
	}
	if n != len(buf) {
		return &PartialAccessError{Addr: addr, Want: len(buf), Got: n}
	}
	return nil
}

// ReadUintRaw reads an integer of size bytes, with the specified byte order, from addr.
func ReadUintRaw(mem MemoryReader, addr uint64, size int64, order binary.ByteOrder) (uint64, error) {
	if size != 1 && size != 2 && size != 4 && size != 8 {
		return 0, fmt.Errorf("bad integer size %d", size)
	}
	buf := make([]byte, size)
	if err := ReadFull(mem, buf, addr); err != nil {
		return 0, err
	}
	switch size {
	case 1:
		return uint64(buf[0]), nil
	case 2:
		return uint64(order.Uint16(buf)), nil
	case 4:
		return uint64(order.Uint32(buf)), nil
	}
	return order.Uint64(buf), nil
}

// ReadCString reads a NUL terminated string starting at addr, reading at
// most maxlen bytes. Reaching unmapped memory ends the string.
func ReadCString(mem MemoryReader, addr uint64, maxlen int) (string, error) {
	var out []byte
	chunk := make([]byte, 256)
	for len(out) < maxlen {
		n := len(chunk)
		if rem := maxlen - len(out); rem < n {
			n = rem
		}
		// don't cross a page boundary in one read, so that a string ending
		// right before an unmapped page is still read completely
		if pg := 0x1000 - int(addr&0xfff); pg < n {
			n = pg
		}
		got, err := mem.ReadMemory(chunk[:n], addr)
		if err != nil {
			return "", err
		}
		for i := 0; i < got; i++ {
			if chunk[i] == 0 {
				return string(append(out, chunk[:i]...)), nil
			}
		}
		out = append(out, chunk[:got]...)
		if got < n {
			break
		}
		addr += uint64(got)
	}
	return string(out), nil
}

type memCache struct {
	cacheAddr uint64
	cache     []byte
	mem       MemoryReader
}

func (m *memCache) contains(addr uint64, size int) bool {
	return addr >= m.cacheAddr && addr+uint64(size) <= m.cacheAddr+uint64(len(m.cache))
}

func (m *memCache) ReadMemory(data []byte, addr uint64) (n int, err error) {
	if m.contains(addr, len(data)) {
		copy(data, m.cache[addr-m.cacheAddr:])
		return len(data), nil
	}
	return m.mem.ReadMemory(data, addr)
}

// CacheMemory returns a MemoryReader that serves reads inside
// [addr, addr+size) from a snapshot taken now. If the snapshot can not be
// taken completely mem is returned unchanged.
func CacheMemory(mem MemoryReader, addr uint64, size int) MemoryReader {
	if size <= 0 {
		return mem
	}
	if cacheMem, isCache := mem.(*memCache); isCache {
		if cacheMem.contains(addr, size) {
			return mem
		}
		mem = cacheMem.mem
	}
	cache := make([]byte, size)
	if err := ReadFull(mem, cache, addr); err != nil {
		return mem
	}
	return &memCache{addr, cache, mem}
}
