package tcpstack

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tehasdf/pbcr/domain"
)

// chanWriter captures emitted datagrams for inspection by tests, decoding
// them as they are written so assertions can read parsed segments off a
// channel instead of racing the stack's internal goroutine.
type chanWriter struct {
	mu  sync.Mutex
	out chan []byte
}

func newChanWriter() *chanWriter {
	return &chanWriter{out: make(chan []byte, 16)}
}

func (w *chanWriter) Write(p []byte) (int, error) {
	cp := append([]byte(nil), p...)
	w.out <- cp
	return len(p), nil
}

func (w *chanWriter) recv(t *testing.T) (IPv4Header, TCPHeader, []byte) {
	t.Helper()
	select {
	case pkt := <-w.out:
		ipHdr, ipPayload, err := ParseIPv4(pkt)
		require.NoError(t, err)
		tcpHdr, payload, err := ParseTCP(ipHdr.SrcIP, ipHdr.DstIP, ipPayload)
		require.NoError(t, err)
		return ipHdr, tcpHdr, payload
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for emitted packet")
		return IPv4Header{}, TCPHeader{}, nil
	}
}

const (
	containerIP = "10.0.2.100"
	gatewayIP   = "192.168.64.1"
)

func ip4(s string) [4]byte {
	ip := net.ParseIP(s).To4()
	return [4]byte{ip[0], ip[1], ip[2], ip[3]}
}

// TestTCBCreationPolicy verifies a non-SYN segment for an unknown flow
// creates nothing and emits nothing, while a following SYN creates a TCB
// in what becomes SYN_RECEIVED (after the immediate SYN+ACK) with
// seq=1 ack=incoming.seq+1.
func TestTCBCreationPolicy(t *testing.T) {
	w := newChanWriter()
	st := New(w, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go st.Run(ctx)

	srcIP, dstIP := ip4(containerIP), ip4(gatewayIP)

	ackOnly := BuildIPv4(srcIP, dstIP, protoTCP,
		BuildTCP(srcIP, dstIP, TCPHeader{SrcPort: 5000, DstPort: 8000, Seq: 999, Flags: FlagACK}, nil))
	st.Enqueue(ackOnly)

	select {
	case <-w.out:
		t.Fatal("non-SYN segment for unknown flow must not emit a packet")
	case <-time.After(200 * time.Millisecond):
	}

	syn := BuildIPv4(srcIP, dstIP, protoTCP,
		BuildTCP(srcIP, dstIP, TCPHeader{SrcPort: 5000, DstPort: 8000, Seq: 100, Flags: FlagSYN}, nil))
	st.Enqueue(syn)

	_, tcpHdr, _ := w.recv(t)
	require.Equal(t, FlagSYN|FlagACK, tcpHdr.Flags)
	require.Equal(t, uint32(1), tcpHdr.Seq)
	require.Equal(t, uint32(101), tcpHdr.Ack)
}

// TestThreeWayHandshakeToHost verifies a stub host listener accepts a
// connection once the container completes its handshake, and data pushed
// into that connection arrives at the container as an ACK+PSH segment.
func TestThreeWayHandshakeToHost(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	listenPort := uint16(ln.Addr().(*net.TCPAddr).Port)

	w := newChanWriter()
	st := New(w, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go st.Run(ctx)

	srcIP, dstIP := ip4(containerIP), ip4(gatewayIP)

	// The SYN's destination port is what the stack dials on the host, so
	// it must match the stub listener; the source port is an arbitrary
	// ephemeral client port.
	syn := BuildIPv4(srcIP, dstIP, protoTCP,
		BuildTCP(srcIP, dstIP, TCPHeader{SrcPort: 55000, DstPort: listenPort, Seq: 500, Flags: FlagSYN}, nil))
	st.Enqueue(syn)

	_, synAck, _ := w.recv(t)
	require.Equal(t, FlagSYN|FlagACK, synAck.Flags)

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			accepted <- c
		}
	}()

	ack := BuildIPv4(srcIP, dstIP, protoTCP,
		BuildTCP(srcIP, dstIP, TCPHeader{SrcPort: 55000, DstPort: listenPort, Seq: 501, Ack: 2, Flags: FlagACK}, nil))
	st.Enqueue(ack)

	var hostConn net.Conn
	select {
	case hostConn = <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("host listener never accepted a connection")
	}
	defer hostConn.Close()

	payload := []byte("howdy")
	_, err = hostConn.Write(payload)
	require.NoError(t, err)

	_, dataHdr, dataPayload := w.recv(t)
	require.Equal(t, FlagACK|FlagPSH, dataHdr.Flags)
	require.Equal(t, payload, dataPayload)

	_ = domain.StateEstablished // state reached is exercised above, not asserted directly
}

func TestDialerFailureSendsFinAck(t *testing.T) {
	w := newChanWriter()
	st := New(w, nil, nil)
	st.SetDialer(func(ctx context.Context, port uint16) (net.Conn, error) {
		return nil, &net.OpError{Op: "dial", Err: net.UnknownNetworkError("refused")}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go st.Run(ctx)

	srcIP, dstIP := ip4(containerIP), ip4(gatewayIP)
	syn := BuildIPv4(srcIP, dstIP, protoTCP,
		BuildTCP(srcIP, dstIP, TCPHeader{SrcPort: 4000, DstPort: 80, Seq: 1, Flags: FlagSYN}, nil))
	st.Enqueue(syn)

	_, synAck, _ := w.recv(t)
	require.Equal(t, FlagSYN|FlagACK, synAck.Flags)

	_, finAck, _ := w.recv(t)
	require.Equal(t, FlagFIN|FlagACK, finAck.Flags)
}
