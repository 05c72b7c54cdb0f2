//go:build !amd64

package amd64util

// HostXstateLayout returns the layout of every known CPU when we can not
// ask the host.
func HostXstateLayout() *XstateLayout {
	return DefaultXstateLayout()
}
