//go:build linux && amd64

package native

import (
	"bufio"
	"debug/elf"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"golang.org/x/arch/x86/x86asm"

	"github.com/EpicGamesExt/raddebugger-sub016/pkg/logflags"
	"github.com/EpicGamesExt/raddebugger-sub016/pkg/proc"
	"github.com/EpicGamesExt/raddebugger-sub016/pkg/proc/linutil"
)

var errInconsistentLinkMap = errors.New("link map is being modified")

// loaderProbes are the rtld probes after which the link map is
// consistent and may have changed.
var loaderProbes = []string{linutil.ProbeInitComplete, linutil.ProbeRelocComplete, linutil.ProbeUnmapComplete}

// moduleDesc is a loaded image found by a loader scan. base is the load
// bias, which identifies the module within its process.
type moduleDesc struct {
	base   uint64
	lo, hi uint64
	name   string
}

type moduleExt struct {
	lo uint64
}

type loaderProbe struct {
	name   string
	addr   uint64
	nopLen int
}

// loaderState is what the backend knows about the dynamic loader of one
// process.
type loaderState struct {
	pid        int
	ptrSize    int
	class      elf.Class
	auxv       linutil.Auxv
	mainPath   string
	interpPath string
	interpBias uint64
	// rdebug is the address of r_debug, 0 until found.
	rdebug uint64
	// probes are the probe sites to trap, empty if the module list must be
	// rescanned at every stop.
	probes []loaderProbe
}

// newLoaderState reads the auxiliary vector of the process and locates its
// dynamic loader. The process must be stopped.
func (b *Backend) newLoaderState(process *proc.Entity) *loaderState {
	pe := processExtOf(process)
	ls := &loaderState{pid: pe.pid, ptrSize: process.Arch.PtrSize(), class: elf.ELFCLASS64, mainPath: pe.exe}
	if ls.ptrSize == 4 {
		ls.class = elf.ELFCLASS32
	}
	log := logflags.LoaderLogger()

	buf, err := os.ReadFile(fmt.Sprintf("/proc/%d/auxv", pe.pid))
	if err != nil {
		log.Errorf("could not read auxv of %d: %v", pe.pid, err)
		return ls
	}
	ls.auxv = linutil.ParseAuxv(buf, ls.ptrSize)
	if ls.auxv.Base == 0 {
		log.Debugf("process %d has no program interpreter", pe.pid)
		return ls
	}
	mem := processMemory{b, process}
	if ii, _, err := linutil.ReadImage(mem, ls.auxv.Base); err == nil {
		ls.interpBias = ii.Bias
	} else {
		ls.interpBias = ls.auxv.Base
	}
	ls.interpPath = mappedFile(pe.pid, ls.auxv.Base)
	if logflags.Loader() {
		log.Debugf("process %d: interpreter %s at %#x", pe.pid, ls.interpPath, ls.auxv.Base)
	}
	if b.cfg.LoaderProbes && b.probes != nil && ls.interpPath != "" {
		ls.probes = b.resolveLoaderProbes(mem, ls)
	}
	return ls
}

// resolveLoaderProbes finds the rtld probes of the loader. Either all of
// them are usable or none is used.
func (b *Backend) resolveLoaderProbes(mem proc.MemoryReader, ls *loaderState) []loaderProbe {
	log := logflags.LoaderLogger()
	probes, err := b.probes.Probes(ls.interpPath)
	if err != nil {
		log.Debugf("no probes in %s: %v", ls.interpPath, err)
		return nil
	}
	var r []loaderProbe
	for _, name := range loaderProbes {
		p, ok := linutil.FindProbe(probes, "rtld", name)
		if !ok {
			log.Debugf("%s has no rtld:%s probe", ls.interpPath, name)
			return nil
		}
		addr := ls.interpBias + p.PC
		buf := make([]byte, 16)
		n, err := mem.ReadMemory(buf, addr)
		if err != nil || n == 0 {
			log.Debugf("could not read probe %s at %#x: %v", name, addr, err)
			return nil
		}
		inst, err := x86asm.Decode(buf[:n], ls.ptrSize*8)
		if err != nil || inst.Op != x86asm.NOP {
			log.Debugf("probe %s at %#x is not a nop (%v), not using loader probes", name, addr, err)
			return nil
		}
		r = append(r, loaderProbe{name: name, addr: addr, nopLen: inst.Len})
	}
	if logflags.Loader() {
		log.Debugf("process %d: using %d loader probes", ls.pid, len(r))
	}
	return r
}

// rendezvous returns the address of r_debug, 0 if it can not be found yet.
func (ls *loaderState) rendezvous(mem proc.MemoryReader, main linutil.ImageInfo) uint64 {
	if ls.rdebug != 0 {
		return ls.rdebug
	}
	log := logflags.LoaderLogger()
	if ls.auxv.Base != 0 {
		addr, err := linutil.FindRendezvous(mem, ls.auxv.Base)
		if err == nil {
			ls.rdebug = addr
			return addr
		}
		log.Debugf("rendezvous of %d not in loader symbols: %v", ls.pid, err)
	}
	if main.Dynamic != 0 {
		if addr, err := linutil.DynamicDebugAddr(mem, main.Dynamic, ls.ptrSize); err == nil && addr != 0 {
			ls.rdebug = addr
			return addr
		}
	}
	if ls.interpPath != "" {
		if addr, err := linutil.FindSymbolOnDisk(ls.interpPath, "_r_debug", ls.interpBias); err == nil {
			ls.rdebug = addr
			return addr
		}
	}
	return 0
}

// scan returns every image loaded in the process: the executable, the
// loader and every object of the link map.
func (ls *loaderState) scan(mem proc.MemoryReader) ([]moduleDesc, error) {
	var mods []moduleDesc
	seen := make(map[uint64]bool)
	add := func(d moduleDesc) {
		if !seen[d.base] {
			seen[d.base] = true
			mods = append(mods, d)
		}
	}

	main, err := linutil.MainImage(mem, ls.auxv, ls.class)
	if err != nil {
		logflags.LoaderLogger().Debugf("main image of %d: %v", ls.pid, err)
	} else {
		add(moduleDesc{base: main.Bias, lo: main.Lo, hi: main.Hi, name: ls.mainPath})
	}
	if ls.auxv.Base != 0 {
		if ii, _, err := linutil.ReadImage(mem, ls.auxv.Base); err == nil {
			add(moduleDesc{base: ii.Bias, lo: ii.Lo, hi: ii.Hi, name: ls.interpPath})
		}
	}

	addr := ls.rendezvous(mem, main)
	if addr == 0 {
		return mods, nil
	}
	rd, err := linutil.ReadRDebug(mem, addr, ls.ptrSize)
	if err != nil {
		return nil, err
	}
	if rd.State != linutil.RTConsistent {
		return nil, errInconsistentLinkMap
	}
	entries, err := linutil.WalkLinkMap(mem, rd.Map, ls.ptrSize)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if e.Name == "" || linutil.IsVDSO(e) {
			continue
		}
		d := moduleDesc{base: e.Addr, lo: e.Addr, hi: e.Addr, name: e.Name}
		if ii, _, err := linutil.ReadImage(mem, e.Addr); err == nil {
			d.lo, d.hi = ii.Lo, ii.Hi
		}
		add(d)
	}
	return mods, nil
}

// rescanModules updates the modules of process to match the loader's
// view and returns the resulting events, unloads first. With unloads
// false modules are only ever added. A failed scan leaves the modules as
// they are.
func (b *Backend) rescanModules(process *proc.Entity, unloads bool) []proc.Event {
	return b.rescanModulesIn(process, processMemory{b, process}, unloads)
}

func (b *Backend) rescanModulesIn(process *proc.Entity, mem proc.MemoryReader, unloads bool) []proc.Event {
	pe := processExtOf(process)
	if pe == nil || pe.loader == nil {
		return nil
	}
	descs, err := pe.loader.scan(mem)
	if err != nil {
		logflags.LoaderLogger().Debugf("module scan of %d failed: %v", pe.pid, err)
		return nil
	}

	mods := b.reg.Children(process, proc.EntityModule)
	for _, m := range mods {
		m.Live = false
	}
	var added []moduleDesc
	for _, d := range descs {
		m := b.reg.FindModule(process, d.base)
		switch {
		case m.IsNil():
			added = append(added, d)
		case m.Name == d.name:
			m.Live = true
		case unloads:
			added = append(added, d)
		default:
			m.Live = true
		}
	}

	var events []proc.Event
	if unloads {
		for _, m := range mods {
			if !m.Live {
				events = append(events, b.moduleEvent(proc.EventUnloadModule, process, m))
				b.reg.Release(m)
			}
		}
	}
	for _, d := range added {
		m := b.addModule(process, d)
		events = append(events, b.moduleEvent(proc.EventLoadModule, process, m))
	}
	if logflags.Loader() && len(events) > 0 {
		logflags.LoaderLogger().Debugf("process %d: %d module changes", pe.pid, len(events))
	}
	return events
}

func (b *Backend) addModule(process *proc.Entity, d moduleDesc) *proc.Entity {
	m := b.reg.Alloc(process, proc.EntityModule, d.base)
	m.Name = d.name
	m.Size = d.hi - d.lo
	m.Live = true
	m.Ext = &moduleExt{lo: d.lo}
	return m
}

func (b *Backend) moduleEvent(kind proc.EventKind, process, m *proc.Entity) proc.Event {
	ev := proc.Event{
		Kind:    kind,
		Process: b.reg.HandleFrom(process),
		Module:  b.reg.HandleFrom(m),
		Arch:    process.Arch,
		Size:    m.Size,
		String:  m.Name,
	}
	if me, ok := m.Ext.(*moduleExt); ok {
		ev.Address = me.lo
	}
	return ev
}

// unloadAllModules releases every module of process.
func (b *Backend) unloadAllModules(process *proc.Entity) []proc.Event {
	var events []proc.Event
	for _, m := range b.reg.Children(process, proc.EntityModule) {
		events = append(events, b.moduleEvent(proc.EventUnloadModule, process, m))
		b.reg.Release(m)
	}
	return events
}

// mappedFile returns the path of the file mapped at addr in pid.
func mappedFile(pid int, addr uint64) string {
	f, err := os.Open(fmt.Sprintf("/proc/%d/maps", pid))
	if err != nil {
		return ""
	}
	defer f.Close()
	s := bufio.NewScanner(f)
	for s.Scan() {
		// start-end perms offset dev inode path
		fields := strings.Fields(s.Text())
		if len(fields) < 6 {
			continue
		}
		bounds := strings.SplitN(fields[0], "-", 2)
		if len(bounds) != 2 {
			continue
		}
		lo, err1 := strconv.ParseUint(bounds[0], 16, 64)
		hi, err2 := strconv.ParseUint(bounds[1], 16, 64)
		if err1 != nil || err2 != nil || addr < lo || addr >= hi {
			continue
		}
		return strings.Join(fields[5:], " ")
	}
	return ""
}
