package proc

// EntityKind is the kind of a node in the entity tree.
type EntityKind uint8

const (
	EntityNull EntityKind = iota
	EntityRoot
	EntityProcess
	EntityThread
	EntityModule
)

func (k EntityKind) String() string {
	switch k {
	case EntityRoot:
		return "root"
	case EntityProcess:
		return "process"
	case EntityThread:
		return "thread"
	case EntityModule:
		return "module"
	}
	return "null"
}

// ThreadState is the run state of a thread entity.
type ThreadState uint8

const (
	ThreadStopped ThreadState = iota
	ThreadRunning
	ThreadExited
)

func (s ThreadState) String() string {
	switch s {
	case ThreadRunning:
		return "running"
	case ThreadExited:
		return "exited"
	}
	return "stopped"
}

// Entity is a process, thread or module known to the engine. Entities are
// owned by a Registry and recycled after Release; code that needs to refer
// to an entity across a run step must hold its Handle instead.
type Entity struct {
	Kind EntityKind
	Arch Arch
	// ID is the pid for processes, the tid for threads and the base
	// address for modules.
	ID uint64

	// Name is the executable path of a process or the full path of a
	// module, when known.
	Name string
	// Size is the image size of a module.
	Size uint64

	// State is only meaningful for threads.
	State ThreadState
	// Live marks modules found during a loader rescan.
	Live bool

	// Ext holds backend specific state (memory descriptor, loader state,
	// OS handles).
	Ext interface{}

	idx, gen                        uint32
	parent, first, last, next, prev uint32
}

// IsNil returns true for the nil sentinel entity.
func (e *Entity) IsNil() bool {
	return e == nil || e.idx == 0
}

type entityKey struct {
	kind  EntityKind
	scope uint32
	id    uint64
}

// Registry is a slot table of entities with a free list. Slot 0 is the nil
// entity, slot 1 the root. A Registry is not safe for concurrent use, the
// Engine serializes access to it.
type Registry struct {
	slots []*Entity
	free  []uint32
	ids   map[entityKey]uint32

	processCount, threadCount, moduleCount int

	onRelease func(*Entity)
}

// NewRegistry returns a registry containing only the root entity.
func NewRegistry() *Registry {
	r := &Registry{ids: make(map[entityKey]uint32)}
	r.slots = append(r.slots, &Entity{Kind: EntityNull})
	root := r.alloc()
	root.Kind = EntityRoot
	return r
}

// SetReleaseHook registers fn to be called for every entity right before
// its slot is recycled.
func (r *Registry) SetReleaseHook(fn func(*Entity)) {
	r.onRelease = fn
}

// Nil returns the nil sentinel entity.
func (r *Registry) Nil() *Entity {
	return r.slots[0]
}

// Root returns the root entity.
func (r *Registry) Root() *Entity {
	return r.slots[1]
}

func (r *Registry) alloc() *Entity {
	if n := len(r.free); n > 0 {
		idx := r.free[n-1]
		r.free = r.free[:n-1]
		e := r.slots[idx]
		return e
	}
	e := &Entity{idx: uint32(len(r.slots)), gen: 1}
	r.slots = append(r.slots, e)
	return e
}

// Alloc creates a new entity of the given kind as the last child of parent.
func (r *Registry) Alloc(parent *Entity, kind EntityKind, id uint64) *Entity {
	if parent.IsNil() {
		parent = r.Root()
	}
	e := r.alloc()
	e.Kind = kind
	e.ID = id
	e.Arch = parent.Arch
	e.parent = parent.idx
	e.prev = parent.last
	if parent.last != 0 {
		r.slots[parent.last].next = e.idx
	} else {
		parent.first = e.idx
	}
	parent.last = e.idx
	r.ids[r.keyOf(e)] = e.idx
	switch kind {
	case EntityProcess:
		r.processCount++
	case EntityThread:
		r.threadCount++
		e.State = ThreadStopped
	case EntityModule:
		r.moduleCount++
	}
	return e
}

func (r *Registry) keyOf(e *Entity) entityKey {
	k := entityKey{kind: e.Kind, id: e.ID}
	if e.Kind == EntityModule {
		k.scope = e.parent
	}
	return k
}

// Release frees e and all of its descendants. Every outstanding Handle to
// any of them stops resolving.
func (r *Registry) Release(e *Entity) {
	if e.IsNil() || e.Kind == EntityRoot {
		return
	}
	r.unlink(e)
	queue := []*Entity{e}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for c := cur.first; c != 0; c = r.slots[c].next {
			queue = append(queue, r.slots[c])
		}
		r.recycle(cur)
	}
}

func (r *Registry) unlink(e *Entity) {
	parent := r.slots[e.parent]
	if e.prev != 0 {
		r.slots[e.prev].next = e.next
	} else {
		parent.first = e.next
	}
	if e.next != 0 {
		r.slots[e.next].prev = e.prev
	} else {
		parent.last = e.prev
	}
	e.next, e.prev = 0, 0
}

func (r *Registry) recycle(e *Entity) {
	if r.onRelease != nil {
		r.onRelease(e)
	}
	if k := r.keyOf(e); r.ids[k] == e.idx {
		delete(r.ids, k)
	}
	switch e.Kind {
	case EntityProcess:
		r.processCount--
	case EntityThread:
		r.threadCount--
	case EntityModule:
		r.moduleCount--
	}
	idx, gen := e.idx, e.gen+1
	if gen == 0 {
		gen = 1
	}
	*e = Entity{idx: idx, gen: gen}
	r.free = append(r.free, idx)
}

// HandleFrom returns the handle of e.
func (r *Registry) HandleFrom(e *Entity) Handle {
	if e.IsNil() {
		return NilHandle
	}
	return Handle{Index: e.idx, Gen: e.gen}
}

// EntityFrom resolves h. It returns the nil entity, never nil, when h is
// stale or out of range.
func (r *Registry) EntityFrom(h Handle) *Entity {
	if h.Index == 0 || int(h.Index) >= len(r.slots) {
		return r.Nil()
	}
	e := r.slots[h.Index]
	if e.gen != h.Gen || e.Kind == EntityNull {
		return r.Nil()
	}
	return e
}

// FindByID returns the process or thread with the given OS id.
func (r *Registry) FindByID(kind EntityKind, id uint64) *Entity {
	if idx, ok := r.ids[entityKey{kind: kind, id: id}]; ok {
		return r.slots[idx]
	}
	return r.Nil()
}

// FindModule returns the module of process loaded at base.
func (r *Registry) FindModule(process *Entity, base uint64) *Entity {
	if idx, ok := r.ids[entityKey{kind: EntityModule, scope: process.idx, id: base}]; ok {
		return r.slots[idx]
	}
	return r.Nil()
}

// Parent returns the parent of e.
func (r *Registry) Parent(e *Entity) *Entity {
	if e.IsNil() {
		return r.Nil()
	}
	return r.slots[e.parent]
}

// Children returns the direct children of e with the given kind, in
// creation order. EntityNull selects every kind.
func (r *Registry) Children(e *Entity, kind EntityKind) []*Entity {
	var out []*Entity
	for c := e.first; c != 0; c = r.slots[c].next {
		child := r.slots[c]
		if kind == EntityNull || child.Kind == kind {
			out = append(out, child)
		}
	}
	return out
}

// Processes returns every live process.
func (r *Registry) Processes() []*Entity {
	return r.Children(r.Root(), EntityProcess)
}

// Counts returns the number of live processes, threads and modules.
func (r *Registry) Counts() (processes, threads, modules int) {
	return r.processCount, r.threadCount, r.moduleCount
}
