package linutil

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"os"

	lru "github.com/hashicorp/golang-lru"

	"github.com/EpicGamesExt/raddebugger-sub016/pkg/logflags"
)

const (
	stapsdtNoteSection = ".note.stapsdt"
	stapsdtBaseSection = ".stapsdt.base"
	stapsdtNoteOwner   = "stapsdt"
	stapsdtNoteType    = 3
)

// Probe is a statically defined tracing point (SDT) described by a
// .note.stapsdt entry.
type Probe struct {
	Provider string
	Name     string
	// PC is the link time address of the probe instruction, adjusted for
	// prelinking.
	PC uint64
	// Semaphore is the link time address of the probe's enable counter, 0
	// if it has none.
	Semaphore uint64
	// ArgsString is the raw argument description.
	ArgsString string
	// Args is ArgsString parsed, nil if it could not be parsed.
	Args    []ProbeArg
	ArgsErr error
}

func (p *Probe) String() string {
	return fmt.Sprintf("%s:%s@%#x %q", p.Provider, p.Name, p.PC, p.ArgsString)
}

// Dynamic loader probes, provider "rtld".
const (
	ProbeInitStart     = "init_start"
	ProbeInitComplete  = "init_complete"
	ProbeMapStart      = "map_start"
	ProbeMapComplete   = "map_complete"
	ProbeRelocStart    = "reloc_start"
	ProbeRelocComplete = "reloc_complete"
	ProbeUnmapStart    = "unmap_start"
	ProbeUnmapComplete = "unmap_complete"
)

// ReadProbes returns every SDT probe of the ELF file at path.
func ReadProbes(path string) ([]Probe, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ProbesFromELF(f)
}

// ProbesFromELF returns every SDT probe of f. A file without probes
// returns an empty list.
func ProbesFromELF(f *elf.File) ([]Probe, error) {
	sec := f.Section(stapsdtNoteSection)
	if sec == nil {
		return nil, nil
	}
	data, err := sec.Data()
	if err != nil {
		return nil, fmt.Errorf("could not read %s: %v", stapsdtNoteSection, err)
	}
	var sdtBase uint64
	if base := f.Section(stapsdtBaseSection); base != nil {
		sdtBase = base.Addr
	}
	ptrSize := 8
	if f.Class == elf.ELFCLASS32 {
		ptrSize = 4
	}
	return parseStapsdtNotes(data, f.ByteOrder, ptrSize, sdtBase)
}

func align4(n uint32) uint32 {
	return (n + 3) &^ 3
}

func parseStapsdtNotes(data []byte, order binary.ByteOrder, ptrSize int, sdtBase uint64) ([]Probe, error) {
	var probes []Probe
	for len(data) > 0 {
		if len(data) < 12 {
			return probes, errors.New("truncated note header")
		}
		namesz := order.Uint32(data[0:])
		descsz := order.Uint32(data[4:])
		typ := order.Uint32(data[8:])
		data = data[12:]
		if uint64(align4(namesz))+uint64(align4(descsz)) > uint64(len(data)) {
			return probes, errors.New("truncated note")
		}
		name := string(bytes.TrimRight(data[:namesz], "\x00"))
		desc := data[align4(namesz) : align4(namesz)+descsz]
		data = data[align4(namesz)+align4(descsz):]

		if name != stapsdtNoteOwner || typ != stapsdtNoteType {
			continue
		}
		p, err := parseStapsdtDesc(desc, order, ptrSize, sdtBase)
		if err != nil {
			return probes, err
		}
		probes = append(probes, p)
	}
	return probes, nil
}

func parseStapsdtDesc(desc []byte, order binary.ByteOrder, ptrSize int, sdtBase uint64) (Probe, error) {
	if len(desc) < 3*ptrSize {
		return Probe{}, errors.New("truncated stapsdt note")
	}
	rd := bytes.NewReader(desc)
	pc, _ := readUintRaw(rd, order, ptrSize)
	base, _ := readUintRaw(rd, order, ptrSize)
	sem, _ := readUintRaw(rd, order, ptrSize)

	strs := bytes.SplitN(desc[3*ptrSize:], []byte{0}, 4)
	if len(strs) < 3 {
		return Probe{}, errors.New("truncated stapsdt note strings")
	}
	p := Probe{
		Provider:   string(strs[0]),
		Name:       string(strs[1]),
		PC:         pc,
		Semaphore:  sem,
		ArgsString: string(strs[2]),
	}
	// a prelinked file moves .stapsdt.base, probe addresses move with it
	if sdtBase != 0 && base != 0 {
		p.PC += sdtBase - base
		if p.Semaphore != 0 {
			p.Semaphore += sdtBase - base
		}
	}
	p.Args, p.ArgsErr = ParseProbeArgs(p.ArgsString)
	return p, nil
}

// ProbeCache caches the probes of ELF files, keyed by path, size and
// modification time so that a replaced file is read again.
type ProbeCache struct {
	cache *lru.Cache
}

type probeCacheKey struct {
	path  string
	size  int64
	mtime int64
}

// NewProbeCache returns a cache holding the probes of up to size files.
func NewProbeCache(size int) (*ProbeCache, error) {
	c, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &ProbeCache{cache: c}, nil
}

// Probes returns the probes of the file at path.
func (c *ProbeCache) Probes(path string) ([]Probe, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	key := probeCacheKey{path: path, size: fi.Size(), mtime: fi.ModTime().UnixNano()}
	if v, ok := c.cache.Get(key); ok {
		return v.([]Probe), nil
	}
	probes, err := ReadProbes(path)
	if err != nil {
		return nil, err
	}
	if logflags.Loader() {
		logflags.LoaderLogger().Debugf("%d probes in %s", len(probes), path)
	}
	c.cache.Add(key, probes)
	return probes, nil
}

// Len returns the number of cached files.
func (c *ProbeCache) Len() int {
	return c.cache.Len()
}

// FindProbe returns the first probe of probes with the given provider and
// name.
func FindProbe(probes []Probe, provider, name string) (Probe, bool) {
	for _, p := range probes {
		if p.Provider == provider && p.Name == name {
			return p, true
		}
	}
	return Probe{}, false
}
