package native

import (
	"bytes"
	"debug/pe"
	"encoding/binary"
	"errors"
	"io"
	"unicode/utf16"

	"github.com/EpicGamesExt/raddebugger-sub016/pkg/proc"
)

var errNotPE = errors.New("no PE image")

// imageReader reads a mapped image of process as if it were the image
// file. Only the headers are laid out the same in memory and on disk.
type imageReader struct {
	mem     trapMemory
	process *proc.Entity
	base    uint64
}

func (r imageReader) ReadAt(p []byte, off int64) (int, error) {
	n, err := r.mem.ReadMemory(r.process, p, r.base+uint64(off))
	if err == nil && n < len(p) {
		err = io.ErrUnexpectedEOF
	}
	return n, err
}

// peImage is what the engine needs from the headers of a mapped PE image.
type peImage struct {
	machine uint16
	size    uint64
}

// arch returns the architecture of code in the image.
func (img peImage) arch() proc.Arch {
	switch img.machine {
	case pe.IMAGE_FILE_MACHINE_I386:
		return proc.ArchI386
	case pe.IMAGE_FILE_MACHINE_ARM64:
		return proc.ArchARM64
	}
	return proc.ArchAMD64
}

// readPEImage parses the DOS, COFF and optional headers at the start of r.
// The symbol table is not read, its file offset means nothing in memory.
func readPEImage(r io.ReaderAt) (peImage, error) {
	var dos [64]byte
	if _, err := r.ReadAt(dos[:], 0); err != nil {
		return peImage{}, err
	}
	if dos[0] != 'M' || dos[1] != 'Z' {
		return peImage{}, errNotPE
	}
	off := int64(binary.LittleEndian.Uint32(dos[0x3c:]))
	var sig [4]byte
	if _, err := r.ReadAt(sig[:], off); err != nil {
		return peImage{}, err
	}
	if !bytes.Equal(sig[:], []byte("PE\x00\x00")) {
		return peImage{}, errNotPE
	}
	var fh pe.FileHeader
	if err := binary.Read(io.NewSectionReader(r, off+4, 20), binary.LittleEndian, &fh); err != nil {
		return peImage{}, err
	}
	img := peImage{machine: fh.Machine}
	ohOff := off + 4 + 20
	var magic [2]byte
	if _, err := r.ReadAt(magic[:], ohOff); err != nil {
		return peImage{}, err
	}
	oh := io.NewSectionReader(r, ohOff, int64(fh.SizeOfOptionalHeader))
	switch binary.LittleEndian.Uint16(magic[:]) {
	case 0x10b:
		var h pe.OptionalHeader32
		if err := binary.Read(oh, binary.LittleEndian, &h); err != nil {
			return peImage{}, err
		}
		img.size = uint64(h.SizeOfImage)
	case 0x20b:
		var h pe.OptionalHeader64
		if err := binary.Read(oh, binary.LittleEndian, &h); err != nil {
			return peImage{}, err
		}
		img.size = uint64(h.SizeOfImage)
	default:
		return peImage{}, errNotPE
	}
	return img, nil
}

// readTargetString reads a NUL terminated string at addr in chunks of
// chunk bytes, stopping after max bytes. wide strings are UTF-16.
func readTargetString(mem trapMemory, process *proc.Entity, addr uint64, chunk, max int, wide bool) string {
	var buf []byte
	tmp := make([]byte, chunk)
	for len(buf) < max {
		n, _ := mem.ReadMemory(process, tmp, addr+uint64(len(buf)))
		if n == 0 {
			break
		}
		buf = append(buf, tmp[:n]...)
		if end := terminator(buf, wide); end >= 0 {
			buf = buf[:end]
			break
		}
		if n < len(tmp) {
			break
		}
	}
	if len(buf) > max {
		buf = buf[:max]
	}
	return decodeTargetString(buf, wide)
}

// terminator returns the index of the NUL character of buf, -1 if there
// is none.
func terminator(buf []byte, wide bool) int {
	if !wide {
		return bytes.IndexByte(buf, 0)
	}
	for i := 0; i+1 < len(buf); i += 2 {
		if buf[i] == 0 && buf[i+1] == 0 {
			return i
		}
	}
	return -1
}

// decodeTargetString converts raw target bytes to a string, dropping a
// trailing NUL.
func decodeTargetString(buf []byte, wide bool) string {
	if !wide {
		return string(bytes.TrimRight(buf, "\x00"))
	}
	u := make([]uint16, len(buf)/2)
	for i := range u {
		u[i] = binary.LittleEndian.Uint16(buf[2*i:])
	}
	for len(u) > 0 && u[len(u)-1] == 0 {
		u = u[:len(u)-1]
	}
	return string(utf16.Decode(u))
}
