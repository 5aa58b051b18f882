// Package listener runs the decoy's event loop: a single goroutine polling a
// fixed slot array of listening and client sockets, feeding client bytes to
// the RFB handshaker and reaping idle connections.
package listener

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/matst80/fakevnc/internal/capture"
	"github.com/matst80/fakevnc/internal/conntable"
	"github.com/matst80/fakevnc/internal/obs"
	"github.com/matst80/fakevnc/internal/proto"
	"github.com/matst80/fakevnc/internal/ratelimit"
	"github.com/matst80/fakevnc/internal/rfb"
)

const (
	DefaultPort       = 5900
	DefaultMaxClients = 1024
	DefaultWaitTime   = 20 * time.Second
	DefaultPollWait   = 5 * time.Second

	// PacketSize is the read buffer for one client message.
	PacketSize = 1500

	limiterIdle = 10 * time.Minute
)

var (
	ErrNoListeners = errors.New("listener: no usable listening socket")
	ErrTooFewSlots = errors.New("listener: max clients must exceed the listening socket count")
)

// Options configures a Loop. Zero durations and MaxClients select the defaults.
type Options struct {
	Host       string // empty binds the wildcard of every family
	Port       int    // 0 lets the kernel pick
	MaxClients int    // poll slots, listening sockets included
	WaitTime   time.Duration
	PollWait   time.Duration

	Handshaker *rfb.Handshaker
	Recorder   *capture.Recorder  // optional
	Limiter    *ratelimit.Limiter // optional
	Clock      func() time.Time   // optional, for tests
}

// Loop owns every socket and the connection table. Apart from Ready,
// ListenAddrs and Active, its methods belong to the goroutine running Run.
type Loop struct {
	opts  Options
	hs    *rfb.Handshaker
	table *conntable.Table
	now   func() time.Time

	fds     []unix.PollFd
	nListen int
	addrs   []netip.AddrPort
	buf     []byte

	live  atomic.Int64
	ready chan struct{}
}

// New validates opts. Sockets are opened by Run.
func New(opts Options) (*Loop, error) {
	if opts.Handshaker == nil {
		return nil, errors.New("listener: handshaker required")
	}
	if opts.Port < 0 || opts.Port > 65535 {
		return nil, fmt.Errorf("listener: invalid port %d", opts.Port)
	}
	if opts.MaxClients == 0 {
		opts.MaxClients = DefaultMaxClients
	}
	if opts.MaxClients < 2 {
		return nil, fmt.Errorf("%w: %d", ErrTooFewSlots, opts.MaxClients)
	}
	if opts.WaitTime <= 0 {
		opts.WaitTime = DefaultWaitTime
	}
	if opts.PollWait <= 0 {
		opts.PollWait = DefaultPollWait
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Loop{
		opts:  opts,
		hs:    opts.Handshaker,
		now:   opts.Clock,
		buf:   make([]byte, PacketSize),
		ready: make(chan struct{}),
	}, nil
}

// Ready is closed once the listening sockets are bound.
func (l *Loop) Ready() <-chan struct{} { return l.ready }

// ListenAddrs are the bound addresses; valid after Ready.
func (l *Loop) ListenAddrs() []netip.AddrPort {
	select {
	case <-l.ready:
		return append([]netip.AddrPort(nil), l.addrs...)
	default:
		return nil
	}
}

// Active is the number of open client connections.
func (l *Loop) Active() int { return int(l.live.Load()) }

// Run binds the listening sockets and serves until ctx is done or polling
// fails. Every socket is closed before it returns.
func (l *Loop) Run(ctx context.Context) error {
	if err := l.setup(ctx); err != nil {
		return err
	}
	defer l.Shutdown()
	close(l.ready)
	obs.Info("listener.ready", obs.Fields{"addrs": addrStrings(l.addrs), "max_clients": len(l.fds), "wait": l.opts.WaitTime.String()})

	timeout := int(l.opts.PollWait / time.Millisecond)
	countdown := l.opts.WaitTime
	for {
		if err := ctx.Err(); err != nil {
			obs.Info("listener.stopping", obs.Fields{"active": l.Active()})
			return nil
		}
		n, err := unix.Poll(l.fds, timeout)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return fmt.Errorf("poll: %w", err)
		}
		countdown -= l.opts.PollWait
		if n > 0 {
			l.dispatch()
		}
		if countdown <= 0 {
			l.sweep()
			countdown = l.opts.WaitTime
		}
	}
}

func (l *Loop) setup(ctx context.Context) error {
	fds, addrs, err := openListeners(ctx, l.opts.Host, l.opts.Port)
	if err != nil {
		return err
	}
	if l.opts.MaxClients <= len(fds) {
		for _, fd := range fds {
			_ = unix.Close(fd)
		}
		return fmt.Errorf("%w: %d slots, %d listeners", ErrTooFewSlots, l.opts.MaxClients, len(fds))
	}
	l.nListen = len(fds)
	l.addrs = addrs
	l.fds = make([]unix.PollFd, l.opts.MaxClients)
	for i := range l.fds {
		l.fds[i] = unix.PollFd{Fd: -1}
	}
	for i, fd := range fds {
		l.fds[i] = unix.PollFd{Fd: int32(fd), Events: unix.POLLIN}
	}
	l.table = conntable.New(l.opts.MaxClients - l.nListen)
	l.table.SetClock(l.now)
	obs.ListeningSockets.Set(float64(l.nListen))
	return nil
}

func (l *Loop) dispatch() {
	for i := range l.fds {
		if l.fds[i].Fd < 0 || l.fds[i].Revents == 0 {
			continue
		}
		l.fds[i].Revents = 0
		if i < l.nListen {
			l.accept(i)
		} else {
			l.service(i)
		}
	}
}

// freeSlot returns the lowest free client slot or -1.
func (l *Loop) freeSlot() int {
	for i := l.nListen; i < len(l.fds); i++ {
		if l.fds[i].Fd < 0 {
			return i
		}
	}
	return -1
}

// sweep closes every client idle for longer than the wait time.
func (l *Loop) sweep() {
	now := l.now()
	for i := l.nListen; i < len(l.fds); i++ {
		if l.fds[i].Fd < 0 {
			continue
		}
		c := l.table.Search(i)
		if c == nil {
			obs.Error("listener.orphan_slot", obs.Fields{"slot": i})
			l.closeSlot(i, nil, proto.ReasonAnomaly, nil)
			continue
		}
		if now.Sub(c.LastAccess) <= l.opts.WaitTime {
			continue
		}
		// a peer holding the socket after the result still finished the handshake
		if c.Step == rfb.StepResultSent {
			l.closeSlot(i, c, proto.ReasonNone, nil)
			continue
		}
		l.closeSlot(i, c, proto.ReasonTimeout, nil)
	}
	if n := l.opts.Limiter.CleanupIdle(limiterIdle); n > 0 {
		obs.Debug("listener.limiter_pruned", obs.Fields{"sources": n})
	}
}

// Shutdown closes every open slot, highest index first, and tears down the
// table. It is idempotent.
func (l *Loop) Shutdown() {
	for i := len(l.fds) - 1; i >= 0; i-- {
		fd := l.fds[i].Fd
		if fd < 0 {
			continue
		}
		_ = unix.Close(int(fd))
		l.fds[i] = unix.PollFd{Fd: -1}
		if i >= l.nListen {
			l.live.Add(-1)
			obs.ActiveConnections.Dec()
		}
	}
	if l.nListen > 0 {
		obs.ListeningSockets.Set(0)
		l.nListen = 0
	}
	if l.table != nil {
		l.table.Teardown()
	}
}

func addrStrings(addrs []netip.AddrPort) []string {
	out := make([]string, len(addrs))
	for i, a := range addrs {
		out[i] = a.String()
	}
	return out
}
