//go:build linux

package native

import sys "golang.org/x/sys/unix"

// ignoringEINTR calls fn until it returns something other than EINTR.
func ignoringEINTR(fn func() error) error {
	for {
		err := fn()
		if err != sys.EINTR {
			return err
		}
	}
}
