package amd64util

import (
	"encoding/binary"
	"testing"
)

func testRegs() *RegBlock {
	regs := &RegBlock{Fcw: 0x37f, Fsw: 0x1, Ftw: 0x80, Fop: 0x5, Fip: 0x1234, Fdp: 0x5678, Mxcsr: 0x1f80, HasAVX: true, HasAVX512: true}
	for i := range regs.Zmm {
		for j := range regs.Zmm[i] {
			regs.Zmm[i][j] = byte(i*3 + j)
		}
	}
	for i := range regs.K {
		regs.K[i] = uint64(i) << 40
	}
	for i := range regs.St {
		regs.St[i][9] = byte(i + 1)
	}
	return regs
}

func TestXstateRoundTrip(t *testing.T) {
	layout := DefaultXstateLayout()
	buf := make([]byte, layout.Size)
	in := testRegs()
	if err := WriteXstate(buf, layout, in); err != nil {
		t.Fatal(err)
	}
	var out RegBlock
	if err := ReadXstate(buf, layout, &out); err != nil {
		t.Fatal(err)
	}
	if out.Zmm != in.Zmm {
		t.Fatal("vector registers did not round trip")
	}
	if out.K != in.K {
		t.Fatalf("expected opmask %v; but was %v", in.K, out.K)
	}
	if out.St != in.St || out.Fcw != in.Fcw || out.Ftw != in.Ftw || out.Fip != in.Fip || out.Mxcsr != in.Mxcsr {
		t.Fatal("legacy registers did not round trip")
	}
	if !out.HasAVX || !out.HasAVX512 {
		t.Fatal("feature flags not set")
	}
	xstateBV, _, _ := XstateHeader(buf)
	if want := uint64(0xe7); xstateBV != want {
		t.Fatalf("expected xstate_bv %#x; but was %#x", want, xstateBV)
	}
}

func TestXstateInitialComponents(t *testing.T) {
	layout := DefaultXstateLayout()
	buf := make([]byte, layout.Size)
	for i := 576; i < len(buf); i++ {
		buf[i] = 0xaa
	}
	// only x87 and SSE are in use, the garbage in the other components must
	// not be read
	binary.LittleEndian.PutUint64(buf[512:], 0x3)
	var out RegBlock
	out.Zmm[20][0] = 1
	if err := ReadXstate(buf, layout, &out); err != nil {
		t.Fatal(err)
	}
	for i := range out.Zmm {
		for _, b := range out.Zmm[i][16:] {
			if b != 0 {
				t.Fatalf("zmm%d upper bits not zero", i)
			}
		}
	}
	if out.Zmm[20][0] != 0 {
		t.Fatal("stale register contents survived")
	}
}

func TestXstateCustomLayout(t *testing.T) {
	// AVX only, at an unusual offset
	layout := &XstateLayout{Size: 1024}
	layout.set(XfeatureAVX, 640, 256)
	buf := make([]byte, layout.Size)
	binary.LittleEndian.PutUint64(buf[512:], 0x7)
	buf[640] = 0x42
	buf[640+16*15+15] = 0x43
	var out RegBlock
	if err := ReadXstate(buf, layout, &out); err != nil {
		t.Fatal(err)
	}
	if out.Zmm[0][16] != 0x42 || out.Zmm[15][31] != 0x43 {
		t.Fatal("AVX component not read from the layout offset")
	}
	if out.HasAVX512 {
		t.Fatal("AVX-512 reported for a layout without it")
	}
}

func TestXstateCompactRejected(t *testing.T) {
	layout := DefaultXstateLayout()
	buf := make([]byte, layout.Size)
	binary.LittleEndian.PutUint64(buf[520:], 1<<63|0x7)
	var out RegBlock
	if err := ReadXstate(buf, layout, &out); err != errCompactXsave {
		t.Fatalf("expected errCompactXsave; but was %v", err)
	}
}

func TestFxsaveFallback(t *testing.T) {
	in := testRegs()
	buf := make([]byte, 512)
	if err := WriteFxsave(buf, in); err != nil {
		t.Fatal(err)
	}
	out := testRegs()
	if err := ReadFxsave(buf, out); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 16; i++ {
		if string(out.Zmm[i][:16]) != string(in.Zmm[i][:16]) {
			t.Fatalf("xmm%d did not round trip", i)
		}
	}
	if out.K != [8]uint64{} || out.Zmm[3][20] != 0 || out.Zmm[31][0] != 0 {
		t.Fatal("mask and high vector state not zeroed by the legacy format")
	}
	if out.HasAVX || out.HasAVX512 {
		t.Fatal("legacy format claims extended features")
	}
}
