package cmds

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/cosiner/argv"

	"github.com/EpicGamesExt/raddebugger-sub016/pkg/config"
	"github.com/EpicGamesExt/raddebugger-sub016/pkg/proc"
)

// trapSpec is a --break or --watch argument. When module is set, offset is
// relative to the load address of the first module whose file name starts
// with module; otherwise offset is an absolute address.
type trapSpec struct {
	module string
	offset uint64
	flags  proc.TrapFlags
	size   uint64
}

func (s trapSpec) String() string {
	var loc string
	if s.module != "" {
		loc = fmt.Sprintf("%s+%#x", s.module, s.offset)
	} else {
		loc = fmt.Sprintf("%#x", s.offset)
	}
	if s.flags.IsWatchpoint() {
		return fmt.Sprintf("%s:%d:%s", loc, s.size, s.flags)
	}
	return loc
}

// matches returns true if the module at path is the one s is relative to.
func (s trapSpec) matches(path string) bool {
	return s.module != "" && strings.HasPrefix(filepath.Base(path), s.module)
}

// parseLocation parses [module+]offset.
func parseLocation(in string) (trapSpec, error) {
	var s trapSpec
	num := in
	if i := strings.LastIndexByte(in, '+'); i >= 0 {
		s.module, num = in[:i], in[i+1:]
		if s.module == "" {
			return s, fmt.Errorf("empty module name in %q", in)
		}
	}
	off, err := strconv.ParseUint(num, 0, 64)
	if err != nil {
		return s, fmt.Errorf("invalid address %q", in)
	}
	s.offset = off
	return s, nil
}

// parseBreak parses a --break argument.
func parseBreak(in string) (trapSpec, error) {
	return parseLocation(in)
}

// parseWatch parses a --watch argument, [module+]offset:size:rwx.
func parseWatch(in string) (trapSpec, error) {
	fields := strings.Split(in, ":")
	if len(fields) != 3 {
		return trapSpec{}, fmt.Errorf("watchpoint %q is not ADDR:SIZE:KIND", in)
	}
	s, err := parseLocation(fields[0])
	if err != nil {
		return s, err
	}
	s.size, err = strconv.ParseUint(fields[1], 0, 64)
	if err != nil {
		return s, fmt.Errorf("invalid watchpoint size %q", fields[1])
	}
	switch s.size {
	case 1, 2, 4, 8:
	default:
		return s, fmt.Errorf("watchpoint size must be 1, 2, 4 or 8, not %d", s.size)
	}
	if s.offset%s.size != 0 && s.module == "" {
		return s, fmt.Errorf("watchpoint %#x is not aligned to its size", s.offset)
	}
	for _, ch := range fields[2] {
		switch ch {
		case 'r':
			s.flags |= proc.BreakOnRead
		case 'w':
			s.flags |= proc.BreakOnWrite
		case 'x':
			s.flags |= proc.BreakOnExecute
		default:
			return s, fmt.Errorf("unknown watchpoint kind %q", ch)
		}
	}
	if s.flags == 0 {
		return s, fmt.Errorf("watchpoint %q has no kind", in)
	}
	if s.flags&proc.BreakOnExecute != 0 && s.flags != proc.BreakOnExecute {
		return s, fmt.Errorf("execute watchpoints can not also watch data")
	}
	return s, nil
}

// parseCmdline splits a shell style command line into an argument vector.
func parseCmdline(in string) ([]string, error) {
	v, err := argv.Argv(in,
		func(s string) (string, error) {
			return "", fmt.Errorf("Backtick not supported in '%s'", s)
		},
		nil)
	if err != nil {
		return nil, err
	}
	if len(v) != 1 {
		return nil, fmt.Errorf("illegal commandline '%s'", in)
	}
	return v[0], nil
}

// parseEnv expands every --env value, which may hold several
// space separated KEY=VALUE pairs quoted with '.
func parseEnv(values []string) ([]string, error) {
	var r []string
	for _, v := range values {
		for _, kv := range config.SplitQuotedFields(v, '\'') {
			if i := strings.IndexByte(kv, '='); i <= 0 {
				return nil, fmt.Errorf("environment entry %q is not KEY=VALUE", kv)
			}
			r = append(r, kv)
		}
	}
	return r, nil
}
