package proc

import "testing"

func TestRunPlanFrozen(t *testing.T) {
	r := NewRegistry()
	p1 := r.Alloc(r.Root(), EntityProcess, 1)
	t1 := r.Alloc(p1, EntityThread, 1)
	t2 := r.Alloc(p1, EntityThread, 2)
	p2 := r.Alloc(r.Root(), EntityProcess, 3)
	t3 := r.Alloc(p2, EntityThread, 3)

	h := r.HandleFrom

	tests := []struct {
		name   string
		ctrls  RunCtrls
		frozen [3]bool // t1, t2, t3
	}{
		{"empty", RunCtrls{}, [3]bool{false, false, false}},
		{"single step", RunCtrls{SingleStepThread: h(t2)}, [3]bool{true, false, true}},
		{"single step wins over selection", RunCtrls{SingleStepThread: h(t1), RunEntities: []Handle{h(t1)}}, [3]bool{false, true, true}},
		{"freeze thread", RunCtrls{RunEntities: []Handle{h(t1)}}, [3]bool{true, false, false}},
		{"thaw thread", RunCtrls{RunEntitiesAreUnfrozen: true, RunEntities: []Handle{h(t1)}}, [3]bool{false, true, true}},
		{"freeze process", RunCtrls{RunEntitiesAreProcesses: true, RunEntities: []Handle{h(p1)}}, [3]bool{true, true, false}},
		{"thaw process", RunCtrls{RunEntitiesAreProcesses: true, RunEntitiesAreUnfrozen: true, RunEntities: []Handle{h(p2)}}, [3]bool{true, true, false}},
		{"thaw nothing", RunCtrls{RunEntitiesAreUnfrozen: true}, [3]bool{true, true, true}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			plan, ok := resolveRunCtrls(r, &tc.ctrls)
			if !ok {
				t.Fatal("could not resolve run controls")
			}
			got := [3]bool{plan.Frozen(p1, t1), plan.Frozen(p1, t2), plan.Frozen(p2, t3)}
			if got != tc.frozen {
				t.Fatalf("expected frozen %v; but was %v", tc.frozen, got)
			}
		})
	}
}

func TestResolveRunCtrlsStale(t *testing.T) {
	r := NewRegistry()
	p := r.Alloc(r.Root(), EntityProcess, 1)
	th := r.Alloc(p, EntityThread, 1)
	ph, thh := r.HandleFrom(p), r.HandleFrom(th)

	if _, ok := resolveRunCtrls(r, &RunCtrls{SingleStepThread: ph}); ok {
		t.Fatal("a process was accepted as single step thread")
	}
	if _, ok := resolveRunCtrls(r, &RunCtrls{Traps: []Trap{{Process: thh, Vaddr: 0x1000}}}); ok {
		t.Fatal("a thread was accepted as trap process")
	}

	r.Release(th)
	if _, ok := resolveRunCtrls(r, &RunCtrls{SingleStepThread: thh}); ok {
		t.Fatal("stale single step thread accepted")
	}
	if _, ok := resolveRunCtrls(r, &RunCtrls{RunEntities: []Handle{thh}}); ok {
		t.Fatal("stale run entity accepted")
	}
}

func TestRunPlanTrapPartition(t *testing.T) {
	r := NewRegistry()
	p := r.Alloc(r.Root(), EntityProcess, 1)
	q := r.Alloc(r.Root(), EntityProcess, 2)
	ctrls := RunCtrls{Traps: []Trap{
		{Process: r.HandleFrom(p), Vaddr: 0x1000, ID: 1},
		{Process: r.HandleFrom(p), Vaddr: 0x2000, ID: 2, Flags: BreakOnWrite, Size: 4},
		{Process: r.HandleFrom(q), Vaddr: 0x3000, ID: 3, Flags: BreakOnRead | BreakOnWrite, Size: 8},
		{Process: r.HandleFrom(p), Vaddr: 0x4000, ID: 4, Flags: BreakOnExecute, Size: 1},
	}}
	plan, ok := resolveRunCtrls(r, &ctrls)
	if !ok {
		t.Fatal("could not resolve run controls")
	}
	if sw := plan.SoftwareTraps(); len(sw) != 1 || sw[0].ID != 1 {
		t.Fatalf("unexpected software traps %v", sw)
	}
	wp := plan.Watchpoints()
	if len(wp[p]) != 2 || wp[p][0].ID != 2 || wp[p][1].ID != 4 {
		t.Fatalf("unexpected watchpoints for first process %v", wp[p])
	}
	if len(wp[q]) != 1 || wp[q][0].ID != 3 {
		t.Fatalf("unexpected watchpoints for second process %v", wp[q])
	}
	if s := (BreakOnRead | BreakOnWrite).String(); s != "rw" {
		t.Fatalf("expected rw; but was %s", s)
	}
}
