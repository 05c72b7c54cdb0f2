package proc

import "sync"

// Barrier separates the control goroutine from concurrent readers of
// target state. The control token holder takes it exclusively for every
// operation that mutates the entity tree or resumes the target; readers
// take it shared and are turned away, not blocked, while it is held
// exclusively.
type Barrier struct {
	rw sync.RWMutex
}

// Enter acquires shared access. It fails with ErrTargetRunning if the
// control goroutine is inside (or about to enter) its resume window.
func (b *Barrier) Enter() error {
	if !b.rw.TryRLock() {
		return ErrTargetRunning
	}
	return nil
}

// Leave releases shared access acquired with Enter.
func (b *Barrier) Leave() {
	b.rw.RUnlock()
}

// lock waits for in flight readers to leave and then denies new ones.
func (b *Barrier) lock() {
	b.rw.Lock()
}

func (b *Barrier) unlock() {
	b.rw.Unlock()
}
