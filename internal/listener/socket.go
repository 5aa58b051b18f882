package listener

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"strconv"

	"golang.org/x/sys/unix"

	"github.com/matst80/fakevnc/internal/obs"
)

// MaxListeners caps how many local addresses get a listening socket.
const MaxListeners = 12

// resolve returns the local addresses to bind: every family's wildcard when
// host is empty, otherwise whatever host resolves to.
func resolve(ctx context.Context, host string, port int) ([]netip.AddrPort, error) {
	var addrs []netip.Addr
	switch {
	case host == "":
		addrs = []netip.Addr{netip.IPv4Unspecified(), netip.IPv6Unspecified()}
	default:
		if a, err := netip.ParseAddr(host); err == nil {
			addrs = []netip.Addr{a}
			break
		}
		found, err := net.DefaultResolver.LookupNetIP(ctx, "ip", host)
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", host, err)
		}
		addrs = found
	}
	seen := make(map[netip.Addr]bool, len(addrs))
	out := make([]netip.AddrPort, 0, len(addrs))
	for _, a := range addrs {
		a = a.Unmap()
		if seen[a] {
			continue
		}
		seen[a] = true
		out = append(out, netip.AddrPortFrom(a, uint16(port)))
		if len(out) == MaxListeners {
			break
		}
	}
	return out, nil
}

// listen opens a non-blocking listening socket bound to ap and returns it
// together with the address actually bound.
func listen(ap netip.AddrPort) (int, netip.AddrPort, error) {
	sa, family := toSockaddr(ap)
	fd, err := unix.Socket(family, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, ap, fmt.Errorf("socket: %w", err)
	}
	unix.CloseOnExec(fd)
	fail := func(op string, err error) (int, netip.AddrPort, error) {
		_ = unix.Close(fd)
		return -1, ap, fmt.Errorf("%s: %w", op, err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return fail("setsockopt SO_REUSEADDR", err)
	}
	if family == unix.AF_INET6 {
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 1); err != nil {
			return fail("setsockopt IPV6_V6ONLY", err)
		}
	}
	if err := unix.Bind(fd, sa); err != nil {
		return fail("bind", err)
	}
	if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
		return fail("listen", err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		return fail("set nonblock", err)
	}
	bound := ap
	if lsa, err := unix.Getsockname(fd); err == nil {
		if a, port, _, ok := fromSockaddr(lsa); ok {
			bound = netip.AddrPortFrom(a, port)
		}
	}
	return fd, bound, nil
}

// openListeners binds every resolved address, skipping the ones that fail.
func openListeners(ctx context.Context, host string, port int) ([]int, []netip.AddrPort, error) {
	targets, err := resolve(ctx, host, port)
	if err != nil {
		return nil, nil, err
	}
	var fds []int
	var bound []netip.AddrPort
	for _, ap := range targets {
		fd, b, err := listen(ap)
		if err != nil {
			obs.Warn("listener.socket_failed", obs.Fields{"addr": ap.String(), "err": err.Error()})
			continue
		}
		fds = append(fds, fd)
		bound = append(bound, b)
	}
	if len(fds) == 0 {
		return nil, nil, fmt.Errorf("%w on %s", ErrNoListeners, net.JoinHostPort(host, strconv.Itoa(port)))
	}
	return fds, bound, nil
}

func toSockaddr(ap netip.AddrPort) (unix.Sockaddr, int) {
	a := ap.Addr()
	if a.Is4() {
		return &unix.SockaddrInet4{Port: int(ap.Port()), Addr: a.As4()}, unix.AF_INET
	}
	return &unix.SockaddrInet6{Port: int(ap.Port()), Addr: a.As16()}, unix.AF_INET6
}

func fromSockaddr(sa unix.Sockaddr) (netip.Addr, uint16, int, bool) {
	switch v := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrFrom4(v.Addr), uint16(v.Port), unix.AF_INET, true
	case *unix.SockaddrInet6:
		return netip.AddrFrom16(v.Addr), uint16(v.Port), unix.AF_INET6, true
	}
	return netip.Addr{}, 0, 0, false
}
