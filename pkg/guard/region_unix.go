//go:build unix

package guard

import (
	"unsafe"

	"github.com/felixge/tracemerge/pkg/encoding"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// newRegion maps the slots so that they end exactly where the guard page
// begins:
//
//	|--- page padding ---|------ slots ------|-- guard page --|
//	^                    ^                   ^
//	mem            limit*8 before guard    guardStart
func newRegion(capacity int) (*Region, error) {
	pageSize := unix.Getpagesize()
	dataSize := capacity * encoding.EntrySize
	dataPages := (dataSize + pageSize - 1) / pageSize
	total := (dataPages + 1) * pageSize

	mem, err := unix.Mmap(-1, 0, total, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, errors.Wrap(err, "failed to map trace buffer")
	}
	guardOff := total - pageSize
	if err := unix.Mprotect(mem[guardOff:], unix.PROT_READ); err != nil {
		unix.Munmap(mem)
		return nil, errors.Wrap(err, "failed to protect guard page")
	}

	start := guardOff - dataSize
	n := capacity + pageSize/encoding.EntrySize
	r := &Region{
		slots:      unsafe.Slice((*encoding.Entry)(unsafe.Pointer(&mem[start])), n),
		limit:      capacity,
		mem:        mem,
		guardStart: uintptr(unsafe.Pointer(&mem[guardOff])),
	}
	r.guardEnd = r.guardStart + uintptr(pageSize)
	return r, nil
}

func (r *Region) recognize(v any) bool {
	return r.inGuard(v)
}

// Close unmaps the region. The slots must not be used afterwards.
func (r *Region) Close() error {
	if r.mem == nil {
		return nil
	}
	mem := r.mem
	r.mem, r.slots = nil, nil
	return errors.Wrap(unix.Munmap(mem), "failed to unmap trace buffer")
}
