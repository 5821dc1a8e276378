// Package main is the C ABI façade over the library, built with
//
//	go build -buildmode=c-shared -o libaff4.so ./capi
//
// The interface mirrors libaff4-c.h: AFF4_init binds a process-wide
// resolver, AFF4_open yields integer handles onto the first aff4:Image of
// a container, AFF4_read serves random-access reads. The API is NOT
// MT-SAFE: the process-wide resolver and handle table are guarded by
// nothing, by contract with the callers.
//
// Compatibility note: a handle whose open failed stays allocated and is
// not reclaimed by AFF4_close; reads on it fail with ENOENT. This matches
// the original library's behavior.
package main

/*
#include <errno.h>
#include <stdint.h>
#include <stdlib.h>

static void aff4_set_errno(int e) { errno = e; }
*/
import "C"

import (
	"io"
	"unsafe"

	aff4 "github.com/aff4/go-aff4"
	"github.com/aff4/go-aff4/rdf"
	"github.com/aff4/go-aff4/resolver"
	"github.com/aff4/go-aff4/zip"

	_ "github.com/aff4/go-aff4/aff4map"
	_ "github.com/aff4/go-aff4/image"
	_ "github.com/aff4/go-aff4/stream"
)

// The application resolver. Re-initialization rebinds it and leaks any
// prior state; documented, not supported.
var (
	ds         *resolver.DataStore
	handles    = make(map[C.int]rdf.URN)
	streams    = make(map[C.int]*resolver.Scoped[aff4.Stream])
	nextHandle C.int
	version    = C.CString(aff4.Version)
)

//export AFF4_version
func AFF4_version() *C.char {
	return version
}

//export AFF4_init
func AFF4_init() {
	ds = resolver.NewMemoryDataStore()
}

//export AFF4_open
func AFF4_open(filename *C.char) C.int {
	if ds == nil {
		AFF4_init()
	}
	handle := nextHandle
	nextHandle++

	backing := rdf.NewURNFromFilename(C.GoString(filename))
	ds.Set(backing, rdf.NewURN(aff4.AttrStreamWriteMode), rdf.NewXSDString(aff4.WriteModeRead))
	if _, err := zip.NewZipFile(ds, backing); err != nil {
		C.aff4_set_errno(C.ENOENT)
		return -1
	}

	// Attempt the AFF4 standard type and fall back to the legacy Evimetry
	// image type.
	images := ds.Query(rdf.NewURN(aff4.AttrType), urnValue(aff4.TypeImage))
	if len(images) == 0 {
		images = ds.Query(rdf.NewURN(aff4.AttrType), urnValue(aff4.TypeLegacyImage))
		if len(images) == 0 {
			C.aff4_set_errno(C.ENOENT)
			return -1
		}
	}

	scoped, err := resolver.Open[aff4.Stream](ds, images[0])
	if err != nil {
		C.aff4_set_errno(C.ENOENT)
		return -1
	}
	handles[handle] = images[0]
	streams[handle] = scoped
	return handle
}

//export AFF4_object_size
func AFF4_object_size(handle C.int) C.uint64_t {
	if s, ok := streams[handle]; ok {
		return C.uint64_t(s.Obj.Size())
	}
	return 0
}

//export AFF4_read
func AFF4_read(handle C.int, offset C.uint64_t, buffer unsafe.Pointer, length C.int) C.int {
	s, ok := streams[handle]
	if !ok {
		C.aff4_set_errno(C.ENOENT)
		return 0
	}
	if _, err := s.Obj.Seek(int64(offset), io.SeekStart); err != nil {
		C.aff4_set_errno(C.EIO)
		return 0
	}
	buf := unsafe.Slice((*byte)(buffer), int(length))
	n, err := io.ReadFull(s.Obj, buf)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		C.aff4_set_errno(C.EIO)
	}
	return C.int(n)
}

//export AFF4_close
func AFF4_close(handle C.int) C.int {
	if s, ok := streams[handle]; ok {
		s.Close()
		delete(streams, handle)
		delete(handles, handle)
	}
	return 0
}

func urnValue(s string) *rdf.URN {
	u := rdf.NewURN(s)
	return &u
}

func main() {}
