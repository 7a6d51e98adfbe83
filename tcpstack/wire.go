// Package tcpstack implements the userspace TCP/IP engine that bridges the
// container's TUN interface to host-side TCP sockets: a byte-exact
// IPv4/TCP codec, the per-flow TCB state machine, and the single-threaded
// engine that multiplexes packets to TCBs.
package tcpstack

import (
	"encoding/binary"
	"fmt"
)

// TCP flag bits.
const (
	FlagFIN uint8 = 0x01
	FlagSYN uint8 = 0x02
	FlagRST uint8 = 0x04
	FlagPSH uint8 = 0x08
	FlagACK uint8 = 0x10
	FlagURG uint8 = 0x20
)

const (
	ipv4HeaderLen = 20
	tcpHeaderLen  = 20
	protoTCP      = 6
	advertisedWnd = 8192
)

// Checksum computes the standard Internet one's-complement checksum over
// buf: pad to even length with a trailing zero byte, sum 16-bit
// big-endian words into a 32-bit accumulator, fold the carries twice, and
// return the one's complement of the low 16 bits.
//
// Round-trip invariant: if the checksum field within buf is zeroed before
// calling Checksum, writing the result back (big-endian) into that field
// makes a second call to Checksum over the same bytes return 0.
func Checksum(buf []byte) uint16 {
	var sum uint32

	n := len(buf)
	for i := 0; i+1 < n; i += 2 {
		sum += uint32(buf[i])<<8 | uint32(buf[i+1])
	}
	if n%2 == 1 {
		sum += uint32(buf[n-1]) << 8
	}

	for sum>>16 != 0 {
		sum = (sum & 0xFFFF) + (sum >> 16)
	}

	return ^uint16(sum)
}

// IPv4Header is the fixed, option-free 20-byte IPv4 header pbcr ever
// builds or accepts.
type IPv4Header struct {
	TotalLength uint16
	Protocol    uint8
	Checksum    uint16
	SrcIP       [4]byte
	DstIP       [4]byte
}

// BuildIPv4 renders a header for srcIP, dstIP and protocol plus payload
// into a complete IPv4 datagram. The
// checksum is computed last, over the header with its checksum field
// zeroed, and placed big-endian.
func BuildIPv4(srcIP, dstIP [4]byte, protocol uint8, payload []byte) []byte {
	buf := make([]byte, ipv4HeaderLen+len(payload))

	buf[0] = 0x45 // version=4, IHL=5
	buf[1] = 0    // TOS
	binary.BigEndian.PutUint16(buf[2:4], uint16(ipv4HeaderLen+len(payload)))
	binary.BigEndian.PutUint16(buf[4:6], 1) // identification, always fixed
	binary.BigEndian.PutUint16(buf[6:8], 0) // flags+fragment offset
	buf[8] = 255                            // TTL
	buf[9] = protocol
	binary.BigEndian.PutUint16(buf[10:12], 0) // checksum placeholder
	copy(buf[12:16], srcIP[:])
	copy(buf[16:20], dstIP[:])
	copy(buf[20:], payload)

	cksum := Checksum(buf[:ipv4HeaderLen])
	binary.BigEndian.PutUint16(buf[10:12], cksum)

	return buf
}

// ParseIPv4 validates and decodes an IPv4 datagram, returning the header
// and the payload slice. Only IPv4 is accepted; anything else (including
// IPv6) is reported via the returned error and must be dropped silently
// by the caller, never RST'd.
func ParseIPv4(pkt []byte) (IPv4Header, []byte, error) {
	var h IPv4Header

	if len(pkt) < ipv4HeaderLen {
		return h, nil, fmt.Errorf("tcpstack: short IPv4 packet (%d bytes)", len(pkt))
	}

	version := pkt[0] >> 4
	ihl := int(pkt[0]&0x0F) * 4
	if version != 4 {
		return h, nil, fmt.Errorf("tcpstack: not IPv4 (version=%d)", version)
	}
	if ihl < ipv4HeaderLen {
		return h, nil, fmt.Errorf("tcpstack: invalid IHL (%d bytes)", ihl)
	}
	if len(pkt) < ihl {
		return h, nil, fmt.Errorf("tcpstack: truncated IPv4 header")
	}

	cksum := Checksum(pkt[:ihl])
	if cksum != 0 && cksum != 0xFFFF {
		return h, nil, fmt.Errorf("tcpstack: bad IPv4 header checksum")
	}

	h.TotalLength = binary.BigEndian.Uint16(pkt[2:4])
	h.Protocol = pkt[9]
	h.Checksum = binary.BigEndian.Uint16(pkt[10:12])
	copy(h.SrcIP[:], pkt[12:16])
	copy(h.DstIP[:], pkt[16:20])

	total := int(h.TotalLength)
	if total < ihl || total > len(pkt) {
		total = len(pkt)
	}

	return h, pkt[ihl:total], nil
}

// TCPHeader is the fixed, option-free 20-byte TCP header pbcr ever builds
// or accepts.
type TCPHeader struct {
	SrcPort uint16
	DstPort uint16
	Seq     uint32
	Ack     uint32
	Flags   uint8
}

// pseudoHeader lays out the pseudo-header prefix the TCP checksum covers:
// {src_ip, dst_ip, zero byte, protocol=6, TCP length big-endian}.
func pseudoHeader(srcIP, dstIP [4]byte, tcpLen int) []byte {
	ph := make([]byte, 12)
	copy(ph[0:4], srcIP[:])
	copy(ph[4:8], dstIP[:])
	ph[8] = 0
	ph[9] = protoTCP
	binary.BigEndian.PutUint16(ph[10:12], uint16(tcpLen))
	return ph
}

// BuildTCP renders h plus payload into a complete TCP segment, with the
// checksum computed over the pseudo-header concatenated with the segment
// and placed big-endian. Window is always advertised as 8192 and data
// offset is always 5 (no options).
func BuildTCP(srcIP, dstIP [4]byte, h TCPHeader, payload []byte) []byte {
	segLen := tcpHeaderLen + len(payload)
	seg := make([]byte, segLen)

	binary.BigEndian.PutUint16(seg[0:2], h.SrcPort)
	binary.BigEndian.PutUint16(seg[2:4], h.DstPort)
	binary.BigEndian.PutUint32(seg[4:8], h.Seq)
	binary.BigEndian.PutUint32(seg[8:12], h.Ack)
	seg[12] = 5 << 4 // data offset = 5, reserved bits = 0
	seg[13] = h.Flags
	binary.BigEndian.PutUint16(seg[14:16], advertisedWnd)
	binary.BigEndian.PutUint16(seg[16:18], 0) // checksum placeholder
	binary.BigEndian.PutUint16(seg[18:20], 0) // urgent pointer, unused
	copy(seg[20:], payload)

	buf := append(pseudoHeader(srcIP, dstIP, segLen), seg...)
	cksum := Checksum(buf)
	binary.BigEndian.PutUint16(seg[16:18], cksum)

	return seg
}

// ParseTCP validates the pseudo-header checksum and decodes a TCP
// segment, returning the header and the payload slice.
func ParseTCP(srcIP, dstIP [4]byte, seg []byte) (TCPHeader, []byte, error) {
	var h TCPHeader

	if len(seg) < tcpHeaderLen {
		return h, nil, fmt.Errorf("tcpstack: short TCP segment (%d bytes)", len(seg))
	}

	buf := append(pseudoHeader(srcIP, dstIP, len(seg)), seg...)
	if Checksum(buf) != 0 {
		return h, nil, fmt.Errorf("tcpstack: bad TCP checksum")
	}

	h.SrcPort = binary.BigEndian.Uint16(seg[0:2])
	h.DstPort = binary.BigEndian.Uint16(seg[2:4])
	h.Seq = binary.BigEndian.Uint32(seg[4:8])
	h.Ack = binary.BigEndian.Uint32(seg[8:12])
	dataOffset := int(seg[12]>>4) * 4
	h.Flags = seg[13]

	if dataOffset < tcpHeaderLen || dataOffset > len(seg) {
		return h, nil, fmt.Errorf("tcpstack: invalid TCP data offset (%d bytes)", dataOffset)
	}

	return h, seg[dataOffset:], nil
}
