package tcpstack

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/tehasdf/pbcr/domain"
	"github.com/tehasdf/pbcr/metrics"
)

// Dialer opens the host-side connection a TCB proxies to. The default is
// net.Dial("tcp", "127.0.0.1:<port>"); tests substitute a fake.
type Dialer func(ctx context.Context, port uint16) (net.Conn, error)

func defaultDialer(ctx context.Context, port uint16) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "tcp", fmt.Sprintf("127.0.0.1:%d", port))
}

// event is the union of everything the single-threaded engine reacts to.
// Every event is processed exclusively on the engine's run goroutine so no
// TCB field is ever touched from two goroutines at once.
type event struct {
	packet      []byte
	connectDone *connectResult
	hostData    *hostDataResult
	hostClosed  *hostClosedResult
}

type connectResult struct {
	key  domain.FlowKey
	conn net.Conn
	err  error
}

type hostDataResult struct {
	key  domain.FlowKey
	data []byte
}

type hostClosedResult struct {
	key domain.FlowKey
	err error
}

// Stack is the TCP stack engine (C3): it owns the four-tuple -> TCB
// mapping and the single outbound writer (the TUN fd). Packets are fed in
// through Enqueue, which is safe to call from any goroutine.
type Stack struct {
	writer  io.Writer
	dial    Dialer
	metrics *metrics.Registry
	log     *logrus.Entry

	events chan event

	// tcbs is only ever read/written from the run() goroutine.
	tcbs map[domain.FlowKey]*TCB
}

// New builds a Stack that writes reply datagrams to writer (the TUN fd).
// A nil metrics.Registry is fine.
func New(writer io.Writer, m *metrics.Registry, log *logrus.Entry) *Stack {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Stack{
		writer:  writer,
		dial:    defaultDialer,
		metrics: m,
		log:     log,
		events:  make(chan event, 64),
		tcbs:    make(map[domain.FlowKey]*TCB),
	}
}

// SetDialer overrides the host dialer; used by tests.
func (s *Stack) SetDialer(d Dialer) {
	s.dial = d
}

// Enqueue posts a raw IP datagram read from the TUN fd onto the engine.
// Safe to call concurrently with Run, and from any goroutine.
func (s *Stack) Enqueue(pkt []byte) {
	cp := make([]byte, len(pkt))
	copy(cp, pkt)
	s.events <- event{packet: cp}
}

// Run drives the cooperative engine until ctx is cancelled or Close is
// called. It is the only goroutine that ever mutates a TCB.
func (s *Stack) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			s.teardownAll()
			return ctx.Err()
		case ev, ok := <-s.events:
			if !ok {
				s.teardownAll()
				return nil
			}
			s.dispatch(ctx, ev)
		}
	}
}

// Close stops Run by closing the event channel. Safe to call once.
func (s *Stack) Close() {
	close(s.events)
}

func (s *Stack) teardownAll() {
	for key, tcb := range s.tcbs {
		if tcb.closeHostReader != nil {
			tcb.closeHostReader()
		}
		if tcb.Host != nil {
			tcb.Host.Close()
		}
		delete(s.tcbs, key)
	}
	s.metrics.SetTCBsActive(0)
}

func (s *Stack) dispatch(ctx context.Context, ev event) {
	switch {
	case ev.packet != nil:
		s.handlePacket(ctx, ev.packet)
	case ev.connectDone != nil:
		s.handleConnectDone(ev.connectDone)
	case ev.hostData != nil:
		s.handleHostData(ev.hostData)
	case ev.hostClosed != nil:
		s.handleHostClosed(ev.hostClosed)
	}
}

// Len reports the number of tracked TCBs. Only safe to call from the run
// goroutine or in tests where Run is not concurrently executing.
func (s *Stack) Len() int {
	return len(s.tcbs)
}

func (s *Stack) handlePacket(ctx context.Context, pkt []byte) {
	ipHdr, ipPayload, err := ParseIPv4(pkt)
	if err != nil {
		s.log.WithError(err).Debug("dropping malformed or non-IPv4 packet")
		s.metrics.IncDropped()
		return
	}
	if ipHdr.Protocol != protoTCP {
		s.log.WithField("protocol", ipHdr.Protocol).Debug("dropping non-TCP packet")
		s.metrics.IncDropped()
		return
	}

	tcpHdr, payload, err := ParseTCP(ipHdr.SrcIP, ipHdr.DstIP, ipPayload)
	if err != nil {
		s.log.WithError(err).Debug("dropping malformed TCP segment")
		s.metrics.IncDropped()
		return
	}

	key := domain.FlowKey{
		SrcIP:   ipHdr.SrcIP,
		SrcPort: tcpHdr.SrcPort,
		DstIP:   ipHdr.DstIP,
		DstPort: tcpHdr.DstPort,
	}

	tcb, ok := s.tcbs[key]
	if !ok {
		if tcpHdr.Flags&FlagSYN == 0 {
			// Silent LISTEN-on-anything posture: no RST for a non-SYN
			// segment on an unknown flow.
			return
		}
		tcb = newTCB(key, tcpHdr)
		s.tcbs[key] = tcb
		s.metrics.SetTCBsActive(len(s.tcbs))
		s.onListenSyn(ctx, tcb)
		return
	}

	switch tcb.State {
	case domain.StateSynReceived:
		if tcpHdr.Flags&FlagACK != 0 {
			s.onSynReceivedAck(tcb)
		}
	case domain.StateEstablished:
		if tcpHdr.Flags&FlagFIN != 0 {
			s.onEstablishedFin(tcb)
		} else if len(payload) > 0 {
			s.onEstablishedData(tcb, tcpHdr, payload)
		}
	case domain.StateCloseWait:
		s.onCloseWaitAny(tcb)
	case domain.StateLastAck:
		if tcpHdr.Flags&FlagACK != 0 {
			s.onLastAckAck(tcb)
		}
	}
}

// onListenSyn handles a SYN on an unknown flow: SYN+ACK is sent immediately
// so the three-way handshake with the container never waits on the host
// dial (which may be slow, or never resolve); the dial itself runs off the
// engine goroutine and reports back as an event. Whichever of {client ACK,
// dial completion} arrives second is what actually spawns the host-reader
// task (see handleConnectDone and onSynReceivedAck).
//
// The host-side connection targets the segment's destination port: the
// port the container's SYN was addressed to.
func (s *Stack) onListenSyn(ctx context.Context, tcb *TCB) {
	s.sendSynAck(tcb)
	tcb.SndNxt++
	tcb.State = domain.StateSynReceived

	key := tcb.Key
	targetPort := key.DstPort
	go func() {
		conn, err := s.dial(ctx, targetPort)
		s.events <- event{connectDone: &connectResult{key: key, conn: conn, err: err}}
	}()
}

func (s *Stack) handleConnectDone(r *connectResult) {
	tcb, ok := s.tcbs[r.key]
	if !ok || tcb.State == domain.StateLastAck || tcb.State == domain.StateClosed {
		if r.conn != nil {
			r.conn.Close()
		}
		return
	}

	if r.err != nil {
		s.log.WithError(r.err).WithField("flow", r.key).Warn("host connect failed")
		s.abortToHostError(tcb)
		return
	}

	tcb.Host = r.conn
	if tcb.State == domain.StateEstablished && !tcb.hostReaderSpawned {
		tcb.hostReaderSpawned = true
		s.spawnHostReader(tcb)
	}
}

func (s *Stack) onSynReceivedAck(tcb *TCB) {
	s.log.WithField("flow", tcb.Key).Info("connection established")
	tcb.State = domain.StateEstablished
	if tcb.Host != nil && !tcb.hostReaderSpawned {
		tcb.hostReaderSpawned = true
		s.spawnHostReader(tcb)
	}
}

func (s *Stack) onEstablishedData(tcb *TCB, seg TCPHeader, payload []byte) {
	tcb.RcvNxt = seg.Seq + uint32(len(payload))
	s.sendAck(tcb)

	if tcb.Host != nil {
		if _, err := tcb.Host.Write(payload); err != nil {
			s.log.WithError(err).WithField("flow", tcb.Key).Warn("host write failed")
			s.abortToHostError(tcb)
			return
		}
		s.metrics.AddBytesProxied(len(payload))
	}
}

func (s *Stack) onEstablishedFin(tcb *TCB) {
	s.sendAck(tcb)
	tcb.State = domain.StateCloseWait
}

func (s *Stack) onCloseWaitAny(tcb *TCB) {
	s.sendFinAck(tcb)
	tcb.SndNxt++
	tcb.State = domain.StateLastAck
}

func (s *Stack) onLastAckAck(tcb *TCB) {
	s.log.WithField("flow", tcb.Key).Info("connection closed")
	if tcb.closeHostReader != nil {
		tcb.closeHostReader()
	}
	if tcb.Host != nil {
		tcb.Host.Close()
	}
	delete(s.tcbs, tcb.Key)
	s.metrics.SetTCBsActive(len(s.tcbs))
}

// abortToHostError closes only the affected TCB on a host-side stream
// error, via FIN+ACK.
func (s *Stack) abortToHostError(tcb *TCB) {
	s.sendFinAck(tcb)
	tcb.SndNxt++
	tcb.State = domain.StateLastAck
}

// spawnHostReader starts the host-reader task: while the TCB is
// ESTABLISHED it reads from the host stream and forwards data/EOF back
// onto the engine as events, never touching TCB fields directly.
func (s *Stack) spawnHostReader(tcb *TCB) {
	key := tcb.Key
	conn := tcb.Host

	var once sync.Once
	stop := make(chan struct{})
	tcb.closeHostReader = func() {
		once.Do(func() { close(stop) })
	}

	go func() {
		buf := make([]byte, advertisedWnd)
		for {
			select {
			case <-stop:
				return
			default:
			}

			n, err := conn.Read(buf)
			if n > 0 {
				data := make([]byte, n)
				copy(data, buf[:n])
				select {
				case s.events <- event{hostData: &hostDataResult{key: key, data: data}}:
				case <-stop:
					return
				}
			}
			if err != nil {
				select {
				case s.events <- event{hostClosed: &hostClosedResult{key: key, err: err}}:
				case <-stop:
				}
				return
			}
		}
	}()
}

func (s *Stack) handleHostData(r *hostDataResult) {
	tcb, ok := s.tcbs[r.key]
	if !ok || tcb.State != domain.StateEstablished {
		return
	}
	s.sendAckPsh(tcb, r.data)
	tcb.SndNxt += uint32(len(r.data))
	s.metrics.AddBytesProxied(len(r.data))
}

func (s *Stack) handleHostClosed(r *hostClosedResult) {
	tcb, ok := s.tcbs[r.key]
	if !ok || tcb.State != domain.StateEstablished {
		return
	}
	if r.err != io.EOF {
		s.log.WithError(r.err).WithField("flow", r.key).Debug("host stream error")
	}
	s.abortToHostError(tcb)
}

// --- outbound segment construction -------------------------------------

// reply returns (srcIP, dstIP) for a datagram sent toward the container:
// the roles are swapped relative to the TCB's key, which is keyed on the
// container's own view of the flow.
func reply(key domain.FlowKey) (srcIP, dstIP [4]byte, srcPort, dstPort uint16) {
	return key.DstIP, key.SrcIP, key.DstPort, key.SrcPort
}

func (s *Stack) send(tcb *TCB, flags uint8, payload []byte) {
	srcIP, dstIP, srcPort, dstPort := reply(tcb.Key)
	tcpSeg := BuildTCP(srcIP, dstIP, TCPHeader{
		SrcPort: srcPort,
		DstPort: dstPort,
		Seq:     tcb.SndNxt,
		Ack:     tcb.RcvNxt,
		Flags:   flags,
	}, payload)
	datagram := BuildIPv4(srcIP, dstIP, protoTCP, tcpSeg)
	if _, err := s.writer.Write(datagram); err != nil {
		s.log.WithError(err).WithField("flow", tcb.Key).Warn("TUN write failed")
	}
}

func (s *Stack) sendSynAck(tcb *TCB) { s.send(tcb, FlagSYN|FlagACK, nil) }
func (s *Stack) sendAck(tcb *TCB)    { s.send(tcb, FlagACK, nil) }
func (s *Stack) sendFinAck(tcb *TCB) { s.send(tcb, FlagFIN|FlagACK, nil) }
func (s *Stack) sendAckPsh(tcb *TCB, payload []byte) {
	s.send(tcb, FlagACK|FlagPSH, payload)
}
