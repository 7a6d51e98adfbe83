package domain

import "fmt"

// TCBState is one state in the simplified TCP state machine the stack
// drives. Only the states reachable when the container is always the
// active opener are implemented; SYN_SENT/FIN_WAIT variants never occur
// because pbcr's stack only ever answers SYNs, never sends them.
type TCBState int

const (
	StateListen TCBState = iota
	StateSynReceived
	StateEstablished
	StateCloseWait
	StateLastAck
	StateClosed
)

func (s TCBState) String() string {
	switch s {
	case StateListen:
		return "LISTEN"
	case StateSynReceived:
		return "SYN_RECEIVED"
	case StateEstablished:
		return "ESTABLISHED"
	case StateCloseWait:
		return "CLOSE_WAIT"
	case StateLastAck:
		return "LAST_ACK"
	case StateClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("TCBState(%d)", int(s))
	}
}

// FlowKey is a TCB's lookup key: the four-tuple exactly as it appears on
// the wire in the container's own SYN (source IP/port, destination
// IP/port). The stack keys everything on the container's view of the
// flow; the host-side loopback connection it proxies to is a separate
// concern (see Stack.onListenSyn), not a permutation of this key.
type FlowKey struct {
	SrcIP   [4]byte
	SrcPort uint16
	DstIP   [4]byte
	DstPort uint16
}

func (k FlowKey) String() string {
	return fmt.Sprintf("%d.%d.%d.%d:%d->%d.%d.%d.%d:%d",
		k.SrcIP[0], k.SrcIP[1], k.SrcIP[2], k.SrcIP[3], k.SrcPort,
		k.DstIP[0], k.DstIP[1], k.DstIP[2], k.DstIP[3], k.DstPort)
}
