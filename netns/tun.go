package netns

import (
	"fmt"
	"net"
	"os"
	"unsafe"

	"github.com/sirupsen/logrus"
	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

const (
	// TunName is the fixed tun interface name used inside every container.
	TunName = "tun0"
	// TunCIDR is the fixed address assigned to tun0 inside the container.
	TunCIDR = "192.168.64.1/24"

	devNetTun  = "/dev/net/tun"
	ifnamsiz   = 16
	tunsetiff  = 0x400454ca // TUNSETIFF on amd64/arm64 Linux
	iffTun     = 0x0001
	iffNoPI    = 0x1000
	scmOKMagic = "ok"
)

// ifreqFlags mirrors the kernel's struct ifreq for the TUNSETIFF ioctl:
// a 16-byte interface name followed by a 16-bit flags field (the union
// slot the kernel reads as ifr_flags for this ioctl).
type ifreqFlags struct {
	name  [ifnamsiz]byte
	flags uint16
	_     [22]byte // pad to sizeof(struct ifreq)
}

func newIfreqFlags(name string, flags uint16) (ifreqFlags, error) {
	var r ifreqFlags
	if len(name) >= ifnamsiz {
		return r, fmt.Errorf("netns: interface name %q too long", name)
	}
	copy(r.name[:], name)
	r.flags = flags
	return r, nil
}

// OpenTun opens /dev/net/tun and issues the TUNSETIFF ioctl requesting a
// layer-3 (IFF_TUN) device named name with no packet-info prefix
// (IFF_NO_PI). The caller is expected to have already entered the target
// network namespace via JoinNamespaces.
func OpenTun(name string) (*os.File, error) {
	fd, err := unix.Open(devNetTun, unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("netns: open %s: %w", devNetTun, err)
	}

	req, err := newIfreqFlags(name, iffTun|iffNoPI)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}

	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(tunsetiff), uintptr(unsafe.Pointer(&req))); errno != 0 {
		unix.Close(fd)
		return nil, fmt.Errorf("netns: TUNSETIFF %s: %w", name, errno)
	}

	return os.NewFile(uintptr(fd), devNetTun), nil
}

// JoinNamespaces enters the user and network namespaces of pid. Namespace
// fds are opened and setns'd in the order given; the user namespace must
// be joined before the network namespace so the process has the
// credentials the target namespace expects.
func JoinNamespaces(pid int, types []string) error {
	for _, t := range types {
		path := fmt.Sprintf("/proc/%d/ns/%s", pid, t)
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("netns: open %s: %w", path, err)
		}
		err = unix.Setns(int(f.Fd()), 0)
		f.Close()
		if err != nil {
			return fmt.Errorf("netns: setns(%s): %w", path, err)
		}
	}
	return nil
}

// ConfigureInterfaces brings up lo and the named tun device, assigning it
// TunCIDR. Must be called after JoinNamespaces has entered the target net
// ns.
func ConfigureInterfaces(tunName string) error {
	lo, err := netlink.LinkByName("lo")
	if err != nil {
		return fmt.Errorf("netns: lookup lo: %w", err)
	}
	if err := netlink.LinkSetUp(lo); err != nil {
		return fmt.Errorf("netns: bring up lo: %w", err)
	}

	tun, err := netlink.LinkByName(tunName)
	if err != nil {
		return fmt.Errorf("netns: lookup %s: %w", tunName, err)
	}

	addr, err := netlink.ParseAddr(TunCIDR)
	if err != nil {
		return fmt.Errorf("netns: parse %s: %w", TunCIDR, err)
	}
	if err := netlink.AddrAdd(tun, addr); err != nil {
		return fmt.Errorf("netns: assign address to %s: %w", tunName, err)
	}
	if err := netlink.LinkSetUp(tun); err != nil {
		return fmt.Errorf("netns: bring up %s: %w", tunName, err)
	}

	logrus.WithFields(logrus.Fields{"iface": tunName, "addr": TunCIDR}).Info("tun interface configured")
	return nil
}

// SendTunFD sends fd as an SCM_RIGHTS ancillary message over conn, with a
// two-byte "ok" payload.
func SendTunFD(conn *net.UnixConn, fd int) error {
	rights := unix.UnixRights(fd)
	_, _, err := conn.WriteMsgUnix([]byte(scmOKMagic), rights, nil)
	if err != nil {
		return fmt.Errorf("netns: sendmsg SCM_RIGHTS: %w", err)
	}
	return nil
}

// RecvTunFD receives the fd sent by SendTunFD.
func RecvTunFD(conn *net.UnixConn) (int, error) {
	buf := make([]byte, len(scmOKMagic))
	oob := make([]byte, unix.CmsgSpace(4))

	_, oobn, _, _, err := conn.ReadMsgUnix(buf, oob)
	if err != nil {
		return 0, fmt.Errorf("netns: recvmsg: %w", err)
	}

	cmsgs, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil {
		return 0, fmt.Errorf("netns: parse control message: %w", err)
	}
	if len(cmsgs) == 0 {
		return 0, fmt.Errorf("netns: no control message received")
	}

	fds, err := unix.ParseUnixRights(&cmsgs[0])
	if err != nil {
		return 0, fmt.Errorf("netns: parse SCM_RIGHTS: %w", err)
	}
	if len(fds) == 0 {
		return 0, fmt.Errorf("netns: no fd received")
	}

	return fds[0], nil
}

