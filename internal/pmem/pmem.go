// Package pmem acquires physical memory into AFF4 map streams. Each
// platform contributes a Source which describes the machine's RAM ranges
// and wires them into a map over a raw device stream. Only the Linux
// /proc/kcore source is implemented in-tree; the Windows and Mac drivers
// are external collaborators reached through the same interface.
package pmem

import (
	"context"

	"golang.org/x/xerrors"

	aff4 "github.com/aff4/go-aff4"
	"github.com/aff4/go-aff4/aff4map"
	"github.com/aff4/go-aff4/resolver"
)

// RAMRange is one physical memory range of the machine.
type RAMRange struct {
	Start  int64
	Length int64
}

// Source builds the physical memory map for one platform.
type Source interface {
	// Name identifies the source in logs and container metadata.
	Name() string

	// CreateMap populates m with the machine's physical ranges, each
	// redirected into a raw memory stream owned by the map, and returns
	// the highest physical address mapped (the map's declared size).
	CreateMap(ctx context.Context, ds *resolver.DataStore, m *aff4map.Map) (int64, error)
}

// New returns the memory source for the running platform.
func New() (Source, error) {
	return platformSource()
}

var errUnsupported = xerrors.Errorf("no physical memory source for this platform: %w",
	aff4.ErrNotImplemented)
