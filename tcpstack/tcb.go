package tcpstack

import (
	"net"

	"github.com/tehasdf/pbcr/domain"
)

// TCB is passive per-flow state: it holds no callback into the stack. The
// stack passes itself into transition functions instead of the TCB
// holding a writer reference.
type TCB struct {
	Key domain.FlowKey

	State domain.TCBState

	SndUna uint32
	SndNxt uint32
	SndWnd uint16
	Iss    uint32

	RcvNxt uint32
	RcvWnd uint16
	Irs    uint32

	Host net.Conn

	// hostReaderSpawned tracks whether the host-reader task has already
	// been started for this TCB, since the client's ACK (which reaches
	// ESTABLISHED) and the host dial's completion race independently.
	hostReaderSpawned bool

	// closeHostReader stops the host-reader task spawned for this TCB, if
	// any. Nil until ESTABLISHED.
	closeHostReader func()
}

// newTCB must only be called for a segment that carries SYN.
func newTCB(key domain.FlowKey, seg TCPHeader) *TCB {
	return &TCB{
		Key:    key,
		State:  domain.StateListen,
		Irs:    seg.Seq,
		RcvNxt: seg.Seq + 1,
		RcvWnd: advertisedWnd,
		Iss:    1,
		SndNxt: 1,
		SndUna: 0,
		SndWnd: advertisedWnd,
	}
}
