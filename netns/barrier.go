// Package netns implements the parent/child namespace-setup machinery:
// the fork barrier rendezvous and the TUN-in-netns handoff protocol. Both
// take a raw-syscall posture: no RPC framework, just signals, pipes, and
// a Unix socket passing an fd.
package netns

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/sirupsen/logrus"
)

// ForkBarrier is a pairwise rendezvous between a parent and a child
// process, backed by SIGUSR1. One side calls Signal() to
// release the other side's pending Wait(). The barrier installs its
// signal subscription on construction and must be torn down with Close so
// a later, unrelated SIGUSR1 isn't swallowed.
type ForkBarrier struct {
	mu      sync.Mutex
	isChild bool
	peerPid int

	sigCh chan os.Signal
	event chan struct{}
}

// NewForkBarrier installs the SIGUSR1 subscription for this process. Pass
// isChild=true when called from the forked child, false from the parent.
func NewForkBarrier(isChild bool) *ForkBarrier {
	b := &ForkBarrier{
		isChild: isChild,
		sigCh:   make(chan os.Signal, 8),
		event:   make(chan struct{}, 1),
	}
	signal.Notify(b.sigCh, syscall.SIGUSR1)
	go b.pump()
	return b
}

func (b *ForkBarrier) pump() {
	for range b.sigCh {
		select {
		case b.event <- struct{}{}:
		default:
			// Event already pending; signals coalesce into one bit.
		}
	}
}

// SetPeer records the pid Signal() should target: the child's pid as
// returned by fork, from the parent's side; the parent's pid, from the
// child's side.
func (b *ForkBarrier) SetPeer(pid int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.peerPid = pid
}

// Signal releases the peer's pending Wait(). A no-op if no peer pid has
// been set yet.
func (b *ForkBarrier) Signal() error {
	b.mu.Lock()
	pid := b.peerPid
	b.mu.Unlock()

	if pid == 0 {
		return nil
	}
	if err := syscall.Kill(pid, syscall.SIGUSR1); err != nil {
		return fmt.Errorf("netns: signaling peer pid %d: %w", pid, err)
	}
	return nil
}

// Wait blocks until the peer calls Signal, or ctx is done.
func (b *ForkBarrier) Wait(ctx context.Context) error {
	select {
	case <-b.event:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close restores the default SIGUSR1 disposition for this process.
func (b *ForkBarrier) Close() {
	signal.Stop(b.sigCh)
	close(b.sigCh)
	logrus.Debug("fork barrier torn down")
}
