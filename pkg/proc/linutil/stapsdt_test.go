package linutil

import (
	"bytes"
	"encoding/binary"
	"os"
	"runtime"
	"testing"
)

func appendNote(buf *bytes.Buffer, owner string, typ uint32, desc []byte) {
	name := append([]byte(owner), 0)
	binary.Write(buf, binary.LittleEndian, uint32(len(name)))
	binary.Write(buf, binary.LittleEndian, uint32(len(desc)))
	binary.Write(buf, binary.LittleEndian, typ)
	buf.Write(name)
	buf.Write(make([]byte, align4(uint32(len(name)))-uint32(len(name))))
	buf.Write(desc)
	buf.Write(make([]byte, align4(uint32(len(desc)))-uint32(len(desc))))
}

func stapsdtDesc(pc, base, sem uint64, provider, name, args string) []byte {
	var b bytes.Buffer
	binary.Write(&b, binary.LittleEndian, [3]uint64{pc, base, sem})
	b.WriteString(provider + "\x00" + name + "\x00" + args + "\x00")
	return b.Bytes()
}

func TestParseStapsdtNotes(t *testing.T) {
	var notes bytes.Buffer
	appendNote(&notes, "stapsdt", stapsdtNoteType, stapsdtDesc(0x1100, 0x2000, 0, "rtld", ProbeInitComplete, "-4@%esi 8@%rdx"))
	appendNote(&notes, "GNU", 3, []byte{1, 2, 3, 4, 5})
	appendNote(&notes, "stapsdt", stapsdtNoteType, stapsdtDesc(0x1200, 0x2000, 0x3000, "rtld", ProbeUnmapComplete, "-4@-4(%rbp) 8@%rdx"))
	appendNote(&notes, "stapsdt", stapsdtNoteType, stapsdtDesc(0x1300, 0x2000, 0, "libc", "setjmp", "8@(,,)"))

	// .stapsdt.base moved by 0x100 since link time
	probes, err := parseStapsdtNotes(notes.Bytes(), binary.LittleEndian, 8, 0x2100)
	if err != nil {
		t.Fatal(err)
	}
	if len(probes) != 3 {
		t.Fatalf("got %d probes: %v", len(probes), probes)
	}

	p, ok := FindProbe(probes, "rtld", ProbeInitComplete)
	if !ok {
		t.Fatal("init_complete not found")
	}
	if p.PC != 0x1200 || p.Semaphore != 0 || len(p.Args) != 2 || p.ArgsErr != nil {
		t.Errorf("unexpected probe %v %#v", p.String(), p)
	}

	p, ok = FindProbe(probes, "rtld", ProbeUnmapComplete)
	if !ok {
		t.Fatal("unmap_complete not found")
	}
	if p.PC != 0x1300 || p.Semaphore != 0x3100 || p.Args[0].Disp != -4 {
		t.Errorf("unexpected probe %v %#v", p.String(), p)
	}

	// a probe with unparsable arguments is still listed
	p, ok = FindProbe(probes, "libc", "setjmp")
	if !ok || p.ArgsErr == nil || p.Args != nil {
		t.Errorf("unexpected probe %#v", p)
	}

	if _, ok := FindProbe(probes, "rtld", ProbeMapStart); ok {
		t.Errorf("found probe that does not exist")
	}
}

func TestParseStapsdtNotesTruncated(t *testing.T) {
	var notes bytes.Buffer
	appendNote(&notes, "stapsdt", stapsdtNoteType, stapsdtDesc(0x1100, 0, 0, "rtld", ProbeInitStart, ""))
	appendNote(&notes, "stapsdt", stapsdtNoteType, stapsdtDesc(0x1200, 0, 0, "rtld", ProbeInitComplete, ""))
	data := notes.Bytes()[:notes.Len()-8]

	probes, err := parseStapsdtNotes(data, binary.LittleEndian, 8, 0)
	if err == nil {
		t.Errorf("expected error for truncated notes")
	}
	if len(probes) != 1 || probes[0].Name != ProbeInitStart || probes[0].PC != 0x1100 {
		t.Errorf("probes before the truncation should be returned: %v", probes)
	}
}

func TestProbeCache(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("test executable is not an ELF file")
	}
	exe, err := os.Executable()
	if err != nil {
		t.Skip(err)
	}
	c, err := NewProbeCache(4)
	if err != nil {
		t.Fatal(err)
	}
	p1, err := c.Probes(exe)
	if err != nil {
		t.Fatal(err)
	}
	p2, err := c.Probes(exe)
	if err != nil {
		t.Fatal(err)
	}
	if len(p1) != len(p2) || c.Len() != 1 {
		t.Errorf("cache miss on second lookup (%d, %d, %d)", len(p1), len(p2), c.Len())
	}
	if _, err := c.Probes(exe + ".missing"); err == nil {
		t.Errorf("expected error for missing file")
	}
	if _, err := NewProbeCache(0); err == nil {
		t.Errorf("expected error for empty cache")
	}
}
