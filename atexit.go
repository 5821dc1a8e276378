package aff4

import (
	"log"
	"sync"
	"sync/atomic"
)

var atExit struct {
	sync.Mutex
	fns    []func() error
	closed uint32
}

// RegisterAtExit schedules fn to run when RunAtExit is called, typically
// used by tools to remove scratch files and flush open volumes on exit.
func RegisterAtExit(fn func() error) {
	if atomic.LoadUint32(&atExit.closed) != 0 {
		panic("BUG: RegisterAtExit must not be called from an atExit func")
	}
	atExit.Lock()
	defer atExit.Unlock()
	atExit.fns = append(atExit.fns, fn)
}

// RunAtExit runs the registered functions in reverse registration order,
// so that volumes flush before their backing files are removed. Failures
// during teardown are logged, not returned: an error in one cleanup must
// not prevent the others from running.
func RunAtExit() {
	atomic.StoreUint32(&atExit.closed, 1)
	atExit.Lock()
	defer atExit.Unlock()
	for i := len(atExit.fns) - 1; i >= 0; i-- {
		if err := atExit.fns[i](); err != nil {
			log.Printf("atexit: %v", err)
		}
	}
	atExit.fns = nil
	atomic.StoreUint32(&atExit.closed, 0)
}
