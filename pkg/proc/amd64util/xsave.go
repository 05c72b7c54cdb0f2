package amd64util

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// XSAVE state components, see Section 13.1 (and following) of Intel® 64
// and IA-32 Architectures Software Developer’s Manual, Volume 1: Basic
// Architecture.
const (
	XfeatureX87      = 0
	XfeatureSSE      = 1
	XfeatureAVX      = 2 // upper halves of YMM0-15
	XfeatureOpmask   = 5 // K0-7
	XfeatureZMMHi256 = 6 // upper halves of ZMM0-15
	XfeatureHi16ZMM  = 7 // ZMM16-31
	xfeatureCount    = 8
)

const (
	_XSTATE_MAX_KNOWN_SIZE = 2969

	_XSAVE_LEGACY_LEN   = 512
	_XSAVE_HEADER_START = 512
	_XSAVE_HEADER_LEN   = 64
	_XSAVE_ST_START     = 32
	_XSAVE_XMM_START    = 160
)

var (
	errCompactXsave = errors.New("compacted xsave format not supported")
	errShortXsave   = errors.New("xsave area too short")
)

// XstateLayout is the position of every extended state component inside
// the standard format XSAVE area. Offsets are not architectural, they are
// enumerated by the CPU.
type XstateLayout struct {
	// Size is the size of an XSAVE area holding every enabled component.
	Size    int
	Offsets [xfeatureCount]int
	Sizes   [xfeatureCount]int
}

// DefaultXstateLayout returns the layout used by every CPU known so far.
func DefaultXstateLayout() *XstateLayout {
	l := &XstateLayout{Size: _XSTATE_MAX_KNOWN_SIZE}
	l.set(XfeatureAVX, 576, 256)
	l.set(XfeatureOpmask, 1088, 64)
	l.set(XfeatureZMMHi256, 1152, 512)
	l.set(XfeatureHi16ZMM, 1664, 1024)
	return l
}

func (l *XstateLayout) set(feature, off, size int) {
	l.Offsets[feature] = off
	l.Sizes[feature] = size
}

// Has returns true if the component is part of the layout.
func (l *XstateLayout) Has(feature int) bool {
	return l.Sizes[feature] != 0
}

func (l *XstateLayout) component(buf []byte, feature int) []byte {
	if !l.Has(feature) {
		return nil
	}
	off, sz := l.Offsets[feature], l.Sizes[feature]
	if off+sz > len(buf) {
		return nil
	}
	return buf[off : off+sz]
}

func (l *XstateLayout) String() string {
	return fmt.Sprintf("size=%d avx=%d/%d opmask=%d/%d zmm_hi256=%d/%d hi16_zmm=%d/%d", l.Size,
		l.Offsets[XfeatureAVX], l.Sizes[XfeatureAVX],
		l.Offsets[XfeatureOpmask], l.Sizes[XfeatureOpmask],
		l.Offsets[XfeatureZMMHi256], l.Sizes[XfeatureZMMHi256],
		l.Offsets[XfeatureHi16ZMM], l.Sizes[XfeatureHi16ZMM])
}

// ReadFxsave reads a 512 byte FXSAVE area (the legacy region of an XSAVE
// area) into regs. Components that FXSAVE does not hold are zeroed.
func ReadFxsave(buf []byte, regs *RegBlock) error {
	if len(buf) < _XSAVE_LEGACY_LEN {
		return errShortXsave
	}
	regs.Fcw = binary.LittleEndian.Uint16(buf[0:])
	regs.Fsw = binary.LittleEndian.Uint16(buf[2:])
	regs.Ftw = buf[4]
	regs.Fop = binary.LittleEndian.Uint16(buf[6:])
	regs.Fip = binary.LittleEndian.Uint64(buf[8:])
	regs.Fdp = binary.LittleEndian.Uint64(buf[16:])
	regs.Mxcsr = binary.LittleEndian.Uint32(buf[24:])
	regs.MxcsrMask = binary.LittleEndian.Uint32(buf[28:])
	for i := range regs.St {
		copy(regs.St[i][:], buf[_XSAVE_ST_START+16*i:])
	}
	for i := range regs.Zmm {
		regs.Zmm[i] = [64]byte{}
		if i < 16 {
			copy(regs.Zmm[i][:16], buf[_XSAVE_XMM_START+16*i:])
		}
	}
	regs.K = [8]uint64{}
	regs.HasAVX, regs.HasAVX512 = false, false
	return nil
}

// WriteFxsave stores the legacy registers of regs into a 512 byte FXSAVE
// area. Bytes of buf that FXSAVE reserves are left alone.
func WriteFxsave(buf []byte, regs *RegBlock) error {
	if len(buf) < _XSAVE_LEGACY_LEN {
		return errShortXsave
	}
	binary.LittleEndian.PutUint16(buf[0:], regs.Fcw)
	binary.LittleEndian.PutUint16(buf[2:], regs.Fsw)
	buf[4] = regs.Ftw
	binary.LittleEndian.PutUint16(buf[6:], regs.Fop)
	binary.LittleEndian.PutUint64(buf[8:], regs.Fip)
	binary.LittleEndian.PutUint64(buf[16:], regs.Fdp)
	binary.LittleEndian.PutUint32(buf[24:], regs.Mxcsr)
	for i := range regs.St {
		copy(buf[_XSAVE_ST_START+16*i:_XSAVE_ST_START+16*i+10], regs.St[i][:])
	}
	for i := 0; i < 16; i++ {
		copy(buf[_XSAVE_XMM_START+16*i:_XSAVE_XMM_START+16*(i+1)], regs.Zmm[i][:16])
	}
	return nil
}

// XstateHeader returns the xstate_bv and xcomp_bv fields of an XSAVE area.
func XstateHeader(buf []byte) (xstateBV, xcompBV uint64, err error) {
	if len(buf) < _XSAVE_HEADER_START+_XSAVE_HEADER_LEN {
		return 0, 0, errShortXsave
	}
	hdr := buf[_XSAVE_HEADER_START:]
	return binary.LittleEndian.Uint64(hdr[0:]), binary.LittleEndian.Uint64(hdr[8:]), nil
}

// ReadXstate reads a standard format XSAVE area laid out as described by
// layout into regs. Components whose xstate_bv bit is clear are in their
// initial state and read as zero.
func ReadXstate(buf []byte, layout *XstateLayout, regs *RegBlock) error {
	if err := ReadFxsave(buf, regs); err != nil {
		return err
	}
	xstateBV, xcompBV, err := XstateHeader(buf)
	if err != nil {
		return err
	}
	if xcompBV&(1<<63) != 0 {
		return errCompactXsave
	}

	if avx := layout.component(buf, XfeatureAVX); avx != nil {
		regs.HasAVX = true
		if xstateBV&(1<<XfeatureAVX) != 0 {
			for i := 0; i < 16; i++ {
				copy(regs.Zmm[i][16:32], avx[16*i:])
			}
		}
	}

	opmask := layout.component(buf, XfeatureOpmask)
	zmmHi := layout.component(buf, XfeatureZMMHi256)
	hi16 := layout.component(buf, XfeatureHi16ZMM)
	if opmask == nil || zmmHi == nil || hi16 == nil {
		return nil
	}
	regs.HasAVX512 = true
	if xstateBV&(1<<XfeatureOpmask) != 0 {
		for i := range regs.K {
			regs.K[i] = binary.LittleEndian.Uint64(opmask[8*i:])
		}
	}
	if xstateBV&(1<<XfeatureZMMHi256) != 0 {
		for i := 0; i < 16; i++ {
			copy(regs.Zmm[i][32:64], zmmHi[32*i:])
		}
	}
	if xstateBV&(1<<XfeatureHi16ZMM) != 0 {
		for i := 0; i < 16; i++ {
			copy(regs.Zmm[16+i][:], hi16[64*i:])
		}
	}
	return nil
}

// WriteXstate stores regs into buf, an XSAVE area previously filled by the
// OS. Only components that regs says are present and that fit in buf are
// written; their xstate_bv bits are set so that the OS loads them.
func WriteXstate(buf []byte, layout *XstateLayout, regs *RegBlock) error {
	if err := WriteFxsave(buf, regs); err != nil {
		return err
	}
	xstateBV, xcompBV, err := XstateHeader(buf)
	if err != nil {
		return err
	}
	if xcompBV&(1<<63) != 0 {
		return errCompactXsave
	}
	xstateBV |= 1<<XfeatureX87 | 1<<XfeatureSSE

	if avx := layout.component(buf, XfeatureAVX); avx != nil && regs.HasAVX {
		for i := 0; i < 16; i++ {
			copy(avx[16*i:16*(i+1)], regs.Zmm[i][16:32])
		}
		xstateBV |= 1 << XfeatureAVX
	}
	if regs.HasAVX512 {
		if opmask := layout.component(buf, XfeatureOpmask); opmask != nil {
			for i, k := range regs.K {
				binary.LittleEndian.PutUint64(opmask[8*i:], k)
			}
			xstateBV |= 1 << XfeatureOpmask
		}
		if zmmHi := layout.component(buf, XfeatureZMMHi256); zmmHi != nil {
			for i := 0; i < 16; i++ {
				copy(zmmHi[32*i:32*(i+1)], regs.Zmm[i][32:64])
			}
			xstateBV |= 1 << XfeatureZMMHi256
		}
		if hi16 := layout.component(buf, XfeatureHi16ZMM); hi16 != nil {
			for i := 0; i < 16; i++ {
				copy(hi16[64*i:64*(i+1)], regs.Zmm[16+i][:])
			}
			xstateBV |= 1 << XfeatureHi16ZMM
		}
	}
	binary.LittleEndian.PutUint64(buf[_XSAVE_HEADER_START:], xstateBV)
	return nil
}
