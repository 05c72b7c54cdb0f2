package proc

import (
	"encoding/binary"
	"errors"
	"testing"
)

// sparseMemory maps one contiguous range at base.
type sparseMemory struct {
	base  uint64
	data  []byte
	reads int
}

func (m *sparseMemory) ReadMemory(buf []byte, addr uint64) (int, error) {
	m.reads++
	if addr < m.base || addr >= m.base+uint64(len(m.data)) {
		return 0, nil
	}
	return copy(buf, m.data[addr-m.base:]), nil
}

func TestReadFullPartial(t *testing.T) {
	mem := &sparseMemory{base: 0x1000, data: make([]byte, 16)}
	buf := make([]byte, 8)
	if err := ReadFull(mem, buf, 0x1008); err != nil {
		t.Fatalf("unexpected error %v", err)
	}
	err := ReadFull(mem, buf, 0x100c)
	var perr *PartialAccessError
	if !errors.As(err, &perr) {
		t.Fatalf("expected a PartialAccessError; but was %v", err)
	}
	if perr.Got != 4 || perr.Want != 8 {
		t.Fatalf("expected 4 of 8 bytes; but was %d of %d", perr.Got, perr.Want)
	}
}

func TestReadCStringAtMappingEnd(t *testing.T) {
	data := make([]byte, 0x1000)
	copy(data[0xff0:], "unterminated1234")
	copy(data[0x10:], "hello\x00world")
	mem := &sparseMemory{base: 0x2000, data: data}

	if s, err := ReadCString(mem, 0x2010, 4096); err != nil || s != "hello" {
		t.Fatalf("expected hello; but was %q (%v)", s, err)
	}
	// the string runs into an unmapped page
	s, err := ReadCString(mem, 0x2ff0, 4096)
	if err != nil {
		t.Fatal(err)
	}
	if s != "unterminated1234" {
		t.Fatalf("unexpected string %q", s)
	}
	if s, _ := ReadCString(mem, 0x2010, 3); s != "hel" {
		t.Fatalf("maxlen not honored: %q", s)
	}
}

func TestCacheMemory(t *testing.T) {
	data := make([]byte, 64)
	binary.LittleEndian.PutUint64(data[8:], 0xdeadbeef)
	mem := &sparseMemory{base: 0x4000, data: data}

	cached := CacheMemory(mem, 0x4000, 64)
	reads := mem.reads
	v, err := ReadUintRaw(cached, 0x4008, 8, binary.LittleEndian)
	if err != nil || v != 0xdeadbeef {
		t.Fatalf("expected 0xdeadbeef; but was %#x (%v)", v, err)
	}
	if mem.reads != reads {
		t.Fatal("cached read went to the underlying memory")
	}
	if CacheMemory(mem, 0x4030, 64) != MemoryReader(mem) {
		t.Fatal("cache of a partially mapped range was created")
	}
}
