package native

import (
	"bytes"
	"debug/pe"
	"encoding/binary"
	"testing"
	"unicode/utf16"

	"github.com/EpicGamesExt/raddebugger-sub016/pkg/proc"
)

// fakePEHeaders returns the headers of an image of the given machine and
// size, padded to a page.
func fakePEHeaders(t *testing.T, machine uint16, size uint32, wide bool) []byte {
	t.Helper()
	var buf bytes.Buffer
	dos := make([]byte, 0x80)
	dos[0], dos[1] = 'M', 'Z'
	binary.LittleEndian.PutUint32(dos[0x3c:], 0x80)
	buf.Write(dos)
	buf.WriteString("PE\x00\x00")
	fh := pe.FileHeader{Machine: machine}
	if wide {
		fh.SizeOfOptionalHeader = uint16(binary.Size(pe.OptionalHeader64{}))
		binary.Write(&buf, binary.LittleEndian, fh)
		binary.Write(&buf, binary.LittleEndian, pe.OptionalHeader64{Magic: 0x20b, SizeOfImage: size})
	} else {
		fh.SizeOfOptionalHeader = uint16(binary.Size(pe.OptionalHeader32{}))
		binary.Write(&buf, binary.LittleEndian, fh)
		binary.Write(&buf, binary.LittleEndian, pe.OptionalHeader32{Magic: 0x10b, SizeOfImage: size})
	}
	out := make([]byte, 0x1000)
	copy(out, buf.Bytes())
	return out
}

func TestReadPEImage(t *testing.T) {
	r := proc.NewRegistry()
	p := newTestProcess(r, 10)
	for _, tc := range []struct {
		machine uint16
		wide    bool
		arch    proc.Arch
	}{
		{pe.IMAGE_FILE_MACHINE_AMD64, true, proc.ArchAMD64},
		{pe.IMAGE_FILE_MACHINE_I386, false, proc.ArchI386},
	} {
		mem := &fakeMemory{base: 0x140000000, spaces: map[*proc.Entity][]byte{p: fakePEHeaders(t, tc.machine, 0x25000, tc.wide)}}
		img, err := readPEImage(imageReader{mem: mem, process: p, base: 0x140000000})
		if err != nil {
			t.Fatalf("machine %#x: %v", tc.machine, err)
		}
		if img.size != 0x25000 {
			t.Errorf("machine %#x: expected size 0x25000; but was %#x", tc.machine, img.size)
		}
		if img.arch() != tc.arch {
			t.Errorf("machine %#x: expected %v; but was %v", tc.machine, tc.arch, img.arch())
		}
	}
}

func TestReadPEImageRejects(t *testing.T) {
	r := proc.NewRegistry()
	p := newTestProcess(r, 10)
	mem := &fakeMemory{base: 0x1000, spaces: map[*proc.Entity][]byte{p: make([]byte, 0x1000)}}
	if _, err := readPEImage(imageReader{mem: mem, process: p, base: 0x1000}); err != errNotPE {
		t.Errorf("expected errNotPE for zeroed memory; but was %v", err)
	}
	if _, err := readPEImage(imageReader{mem: mem, process: p, base: 0x9000}); err == nil {
		t.Errorf("unmapped image parsed")
	}
}

func TestReadTargetString(t *testing.T) {
	r := proc.NewRegistry()
	p := newTestProcess(r, 10)
	space := make([]byte, 0x2000)
	copy(space[0x10:], "worker-3\x00garbage")
	wide := utf16.Encode([]rune("renderé"))
	for i, u := range wide {
		binary.LittleEndian.PutUint16(space[0x100+2*i:], u)
	}
	long := bytes.Repeat([]byte{'x'}, 600)
	copy(space[0x400:], long)
	mem := &fakeMemory{base: 0x1000, spaces: map[*proc.Entity][]byte{p: space}}

	if s := readTargetString(mem, p, 0x1010, 4, 256, false); s != "worker-3" {
		t.Errorf("expected %q; but was %q", "worker-3", s)
	}
	if s := readTargetString(mem, p, 0x1100, 8, 256, true); s != "renderé" {
		t.Errorf("expected %q; but was %q", "renderé", s)
	}
	if s := readTargetString(mem, p, 0x1400, 256, 512, false); len(s) != 512 {
		t.Errorf("expected the string cut at 512 bytes; but was %d", len(s))
	}
	if s := readTargetString(mem, p, 0x9000, 256, 512, false); s != "" {
		t.Errorf("unmapped string read as %q", s)
	}
}

func TestDecodeTargetString(t *testing.T) {
	if s := decodeTargetString([]byte("line\n\x00"), false); s != "line\n" {
		t.Errorf("expected the NUL dropped; but was %q", s)
	}
	if s := decodeTargetString([]byte{'h', 0, 'i', 0, 0, 0}, true); s != "hi" {
		t.Errorf("expected %q; but was %q", "hi", s)
	}
}
