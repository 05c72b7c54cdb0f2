package proc

import (
	"sort"
	"strconv"
	"strings"

	"github.com/derekparker/trie"
)

// ProcessIndex answers attach-by-name queries over a process list.
type ProcessIndex struct {
	names *trie.Trie
	byPid map[int]ProcessInfo
}

// NewProcessIndex indexes infos by lower cased name.
func NewProcessIndex(infos []ProcessInfo) *ProcessIndex {
	idx := &ProcessIndex{names: trie.New(), byPid: make(map[int]ProcessInfo, len(infos))}
	for _, info := range infos {
		idx.byPid[info.Pid] = info
		key := strings.ToLower(info.Name)
		if key == "" {
			continue
		}
		var list []ProcessInfo
		if n, ok := idx.names.Find(key); ok {
			list = n.Meta().([]ProcessInfo)
		}
		idx.names.Add(key, append(list, info))
	}
	return idx
}

// Lookup returns every process whose name starts with prefix, ordered by
// pid. A prefix that parses as a pid of a listed process returns that
// process only.
func (idx *ProcessIndex) Lookup(prefix string) []ProcessInfo {
	if pid, err := strconv.Atoi(prefix); err == nil {
		if info, ok := idx.byPid[pid]; ok {
			return []ProcessInfo{info}
		}
	}
	var r []ProcessInfo
	if prefix == "" {
		for _, info := range idx.byPid {
			r = append(r, info)
		}
	} else {
		for _, key := range idx.names.PrefixSearch(strings.ToLower(prefix)) {
			n, ok := idx.names.Find(key)
			if !ok {
				continue
			}
			r = append(r, n.Meta().([]ProcessInfo)...)
		}
	}
	sort.Slice(r, func(i, j int) bool { return r[i].Pid < r[j].Pid })
	return r
}

// Exact returns the processes named exactly name.
func (idx *ProcessIndex) Exact(name string) []ProcessInfo {
	n, ok := idx.names.Find(strings.ToLower(name))
	if !ok {
		return nil
	}
	return n.Meta().([]ProcessInfo)
}
