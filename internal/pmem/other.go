//go:build !linux

package pmem

// The Windows and Mac acquisition drivers live outside this module and
// plug in through the Source interface.
func platformSource() (Source, error) {
	return nil, errUnsupported
}
