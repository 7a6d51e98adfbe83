package process

import (
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
)

// Reaper collects exited children of this process that nobody has waited
// for, via a request-gated Wait4(-1, ..., WNOHANG) loop. Nothing in pbcr
// starts one: the supervisor reaps each of its children (pre-flight, init,
// tun helper) with an explicit cmd.Wait(), and a concurrent Wait4(-1, ...)
// would race those calls for the exit status.
type Reaper struct {
	mu     sync.RWMutex
	signal chan struct{}
}

// StartReaper launches the reaping goroutine and returns a handle to
// request a reap pass.
func StartReaper() *Reaper {
	r := &Reaper{signal: make(chan struct{}, 1)}
	go r.run()
	return r
}

// Request asks the reaper to run a pass soon. Non-blocking: if a request
// is already pending, this is a no-op.
func (r *Reaper) Request() {
	select {
	case r.signal <- struct{}{}:
	default:
	}
}

func (r *Reaper) run() {
	var wstatus syscall.WaitStatus

	for range r.signal {
		for {
			r.mu.Lock()
			wpid, err := syscall.Wait4(-1, &wstatus, syscall.WNOHANG, nil)
			r.mu.Unlock()

			if err != nil || wpid <= 0 {
				break
			}
			logrus.WithField("pid", wpid).Debug("process: reaped child")
			// Avoid a tight spin if multiple children exit in quick
			// succession; give the next one a moment to become reapable.
			time.Sleep(10 * time.Millisecond)
		}
	}
}
