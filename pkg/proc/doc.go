// Package proc is the OS independent half of the process control engine.
//
// It owns the entity registry (processes, threads and modules addressed by
// generational handles), the normalized event stream, the run controls and
// the access barrier that separates the control goroutine, which blocks
// inside Run, from goroutines that inspect memory and registers.
//
// Platform specific work is delegated to a Backend, see package native.
package proc
