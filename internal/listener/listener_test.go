package listener

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/sys/unix"

	"github.com/matst80/fakevnc/internal/capture"
	"github.com/matst80/fakevnc/internal/obs"
	"github.com/matst80/fakevnc/internal/proto"
	"github.com/matst80/fakevnc/internal/ratelimit"
	"github.com/matst80/fakevnc/internal/rfb"
)

func fixedChallenge(b []byte) {
	for i := range b {
		b[i] = 0xA5
	}
}

type harness struct {
	loop  *Loop
	store *capture.MemoryStore
	logs  *observer.ObservedLogs
	addr  string
	stop  func() error
}

func start(t *testing.T, mutate func(*Options)) *harness {
	t.Helper()
	core, logs := observer.New(zapcore.InfoLevel)
	restore := obs.SetLogger(zap.New(core))

	hs, err := rfb.NewHandshaker(rfb.Config{Version: rfb.Version38, SecType: rfb.SecTypeVNC, Challenge: fixedChallenge})
	require.NoError(t, err)
	store := capture.NewMemoryStore(100)
	rec := capture.NewRecorder(store, 0)
	opts := Options{
		Host:       "127.0.0.1",
		MaxClients: 8,
		WaitTime:   time.Minute,
		PollWait:   20 * time.Millisecond,
		Handshaker: hs,
		Recorder:   rec,
	}
	if mutate != nil {
		mutate(&opts)
	}
	l, err := New(opts)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go rec.Run(ctx)
	go func() { runErr <- l.Run(ctx) }()

	select {
	case <-l.Ready():
	case err := <-runErr:
		cancel()
		restore()
		t.Fatalf("loop exited during setup: %v", err)
	case <-time.After(2 * time.Second):
		cancel()
		restore()
		t.Fatal("loop not ready")
	}

	var once sync.Once
	var stopErr error
	stop := func() error {
		once.Do(func() {
			cancel()
			select {
			case stopErr = <-runErr:
			case <-time.After(2 * time.Second):
				stopErr = errors.New("loop did not stop")
			}
			<-rec.Done()
		})
		return stopErr
	}
	t.Cleanup(func() {
		_ = stop()
		restore()
	})

	addrs := l.ListenAddrs()
	require.Len(t, addrs, 1)
	return &harness{loop: l, store: store, logs: logs, addr: addrs[0].String(), stop: stop}
}

func (h *harness) dial(t *testing.T) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", h.addr, 2*time.Second)
	require.NoError(t, err)
	require.NoError(t, conn.SetDeadline(time.Now().Add(3*time.Second)))
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func (h *harness) captures(t *testing.T, n int) []proto.Capture {
	t.Helper()
	var got []proto.Capture
	require.Eventually(t, func() bool {
		got, _ = h.store.Recent(context.Background(), 0)
		return len(got) >= n
	}, 3*time.Second, 10*time.Millisecond)
	return got
}

func readGreeting(t *testing.T, conn net.Conn) {
	t.Helper()
	buf := make([]byte, rfb.VersionLength)
	_, err := io.ReadFull(conn, buf)
	require.NoError(t, err)
	require.Equal(t, "RFB 003.008\n", string(buf))
}

func expectClosed(t *testing.T, conn net.Conn) {
	t.Helper()
	_, err := conn.Read(make([]byte, 64))
	require.Error(t, err)
	assert.False(t, isTimeout(err), "server should have closed the connection, got %v", err)
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func localPort(conn net.Conn) int {
	return conn.LocalAddr().(*net.TCPAddr).Port
}

func TestHandshakeCaptured(t *testing.T) {
	h := start(t, nil)
	conn := h.dial(t)

	resp := make([]byte, rfb.ChallengeSize)
	for i := range resp {
		resp[i] = byte(i)
	}
	res, err := rfb.Probe(context.Background(), conn, rfb.ProbeOptions{Response: resp})
	require.NoError(t, err)
	assert.Equal(t, "RFB 003.008\n", res.ServerVersion)
	assert.Equal(t, []int{2, 5, 6, 16, 17, 18, 19, 20}, res.Offered)
	assert.Equal(t, bytes.Repeat([]byte{0xA5}, rfb.ChallengeSize), res.Challenge)
	assert.True(t, res.HasStatus)
	assert.Equal(t, rfb.ResultFailed, res.Status)
	assert.Equal(t, rfb.ReasonString, res.Reason)
	assert.Equal(t, 1, h.loop.Active())

	// the capture closes on the next event after the result
	require.NoError(t, conn.Close())
	got := h.captures(t, 1)
	c := got[0]
	assert.Equal(t, proto.ReasonNone, c.Reason)
	assert.True(t, c.Completed())
	assert.Equal(t, "3.8", c.Version)
	assert.Equal(t, "vnc", c.SecType)
	assert.Equal(t, rfb.SecTypeVNC, c.SecTypeID)
	assert.Equal(t, "127.0.0.1", c.SrcAddr)
	assert.Equal(t, "127.0.0.1", c.DstAddr)
	assert.Equal(t, strings.Repeat("a5", rfb.ChallengeSize), c.Challenge)
	assert.Equal(t, "000102030405060708090a0b0c0d0e0f", c.Response)
	assert.NotEmpty(t, c.ID)
	assert.Eventually(t, func() bool { return h.loop.Active() == 0 }, time.Second, 10*time.Millisecond)

	entries := h.logs.FilterMessage("connection.closed").All()
	require.Len(t, entries, 1)
	want := fmt.Sprintf("daddr 127.0.0.1; saddr 127.0.0.1; sport %d; version 3.8; sectype vnc;", localPort(conn))
	assert.Equal(t, want, entries[0].ContextMap()["summary"])
}

func TestNoneSelectionOn38(t *testing.T) {
	h := start(t, nil)
	conn := h.dial(t)

	res, err := rfb.Probe(context.Background(), conn, rfb.ProbeOptions{SecType: rfb.SecTypeNone})
	require.NoError(t, err)
	assert.Nil(t, res.Challenge)
	assert.True(t, res.HasStatus)
	assert.Equal(t, rfb.ResultFailed, res.Status)
	assert.Equal(t, rfb.ReasonString, res.Reason)

	// next interaction after the result closes the session as completed
	_, err = conn.Write([]byte{0})
	require.NoError(t, err)
	expectClosed(t, conn)

	c := h.captures(t, 1)[0]
	assert.Equal(t, proto.ReasonNone, c.Reason)
	assert.Equal(t, "none", c.SecType)
	assert.Empty(t, c.Challenge)
	assert.Empty(t, c.Response)
}

func TestDowngradeTo33(t *testing.T) {
	h := start(t, nil)
	conn := h.dial(t)

	res, err := rfb.Probe(context.Background(), conn, rfb.ProbeOptions{VersionMessage: []byte("RFB 003.003\n")})
	require.NoError(t, err)
	assert.Equal(t, []int{rfb.SecTypeVNC}, res.Offered)
	assert.True(t, res.HasStatus)
	assert.Equal(t, rfb.ResultFailed, res.Status)
	assert.Empty(t, res.Reason)

	require.NoError(t, conn.Close())
	c := h.captures(t, 1)[0]
	assert.Equal(t, "3.3", c.Version)
	assert.Equal(t, "vnc", c.SecType)
	assert.Equal(t, strings.Repeat("00", rfb.ChallengeSize), c.Response)
}

func TestMalformedVersionClosesAsAnomaly(t *testing.T) {
	h := start(t, nil)
	conn := h.dial(t)
	readGreeting(t, conn)

	_, err := conn.Write([]byte("HELLO\n"))
	require.NoError(t, err)
	expectClosed(t, conn)

	c := h.captures(t, 1)[0]
	assert.Equal(t, proto.ReasonAnomaly, c.Reason)
	assert.Equal(t, "n/a", c.Version)
	assert.Equal(t, "n/a", c.SecType)
	assert.Equal(t, "version_sent", c.Step)
	assert.Contains(t, c.Error, "invalid version format")

	assert.Equal(t, 1, h.logs.FilterMessage(rfb.KindInvalidVersionFormat.Warning()).Len())
	entries := h.logs.FilterMessage("connection.closed").All()
	require.Len(t, entries, 1)
	assert.True(t, strings.HasSuffix(entries[0].ContextMap()["summary"].(string), "sectype n/a; (anomaly)"))
}

func TestUnsupportedSecTypeClosesAsAnomaly(t *testing.T) {
	h := start(t, nil)
	conn := h.dial(t)
	readGreeting(t, conn)

	_, err := conn.Write([]byte("RFB 003.008\n"))
	require.NoError(t, err)
	list := make([]byte, 9)
	_, err = io.ReadFull(conn, list)
	require.NoError(t, err)
	_, err = conn.Write([]byte{99})
	require.NoError(t, err)
	expectClosed(t, conn)

	c := h.captures(t, 1)[0]
	assert.Equal(t, proto.ReasonAnomaly, c.Reason)
	assert.Equal(t, "3.8", c.Version)
	assert.Equal(t, "unknown", c.SecType)
	assert.Equal(t, 99, c.SecTypeID)
}

func TestPeerAbandonsHandshake(t *testing.T) {
	h := start(t, nil)
	conn := h.dial(t)
	readGreeting(t, conn)
	require.NoError(t, conn.Close())

	c := h.captures(t, 1)[0]
	assert.Equal(t, proto.ReasonAnomaly, c.Reason)
	assert.Equal(t, errPeerClosed.Error(), c.Error)
	assert.Equal(t, uint16(localPort(conn)), c.SrcPort)
}

func TestIdleConnectionSwept(t *testing.T) {
	h := start(t, func(o *Options) { o.WaitTime = 100 * time.Millisecond })
	conn := h.dial(t)
	readGreeting(t, conn)
	expectClosed(t, conn)

	c := h.captures(t, 1)[0]
	assert.Equal(t, proto.ReasonTimeout, c.Reason)
	assert.Equal(t, " (timeout)", c.Suffix())
	entries := h.logs.FilterMessage("connection.closed").All()
	require.Len(t, entries, 1)
	assert.True(t, strings.HasSuffix(entries[0].ContextMap()["summary"].(string), "; (timeout)"))
}

func TestSilentAfterResultCountsAsCompleted(t *testing.T) {
	h := start(t, func(o *Options) { o.WaitTime = 150 * time.Millisecond })
	conn := h.dial(t)

	res, err := rfb.Probe(context.Background(), conn, rfb.ProbeOptions{SecType: rfb.SecTypeNone})
	require.NoError(t, err)
	require.True(t, res.HasStatus)
	assert.Equal(t, rfb.ReasonString, res.Reason)

	// hold the socket without sending anything until the sweep closes it
	expectClosed(t, conn)

	c := h.captures(t, 1)[0]
	assert.Equal(t, "result_sent", c.Step)
	assert.Equal(t, proto.ReasonNone, c.Reason)
	assert.Empty(t, c.Suffix())
	entries := h.logs.FilterMessage("connection.closed").All()
	require.Len(t, entries, 1)
	assert.True(t, strings.HasSuffix(entries[0].ContextMap()["summary"].(string), "sectype none;"))
}

func TestResetConnectionClosedAsAnomaly(t *testing.T) {
	h := start(t, nil)
	conn := h.dial(t)
	readGreeting(t, conn)

	// linger 0 makes Close send a RST, so the server's read fails with ECONNRESET
	require.NoError(t, conn.(*net.TCPConn).SetLinger(0))
	require.NoError(t, conn.Close())

	c := h.captures(t, 1)[0]
	assert.Equal(t, proto.ReasonAnomaly, c.Reason)
	assert.Equal(t, "version_sent", c.Step)
	assert.Contains(t, c.Error, "(read)")
	assert.Equal(t, 1, h.logs.FilterMessage(rfb.KindIO.Warning()).Len())
	assert.Eventually(t, func() bool { return h.loop.Active() == 0 }, time.Second, 10*time.Millisecond)
}

func TestActiveClientNotSwept(t *testing.T) {
	h := start(t, func(o *Options) { o.WaitTime = 300 * time.Millisecond })
	conn := h.dial(t)
	readGreeting(t, conn)

	// each processed message refreshes last access
	time.Sleep(200 * time.Millisecond)
	_, err := conn.Write([]byte("RFB 003.008\n"))
	require.NoError(t, err)
	list := make([]byte, 9)
	_, err = io.ReadFull(conn, list)
	require.NoError(t, err)
	time.Sleep(200 * time.Millisecond)
	_, err = conn.Write([]byte{rfb.SecTypeVNC})
	require.NoError(t, err)
	challenge := make([]byte, rfb.ChallengeSize)
	_, err = io.ReadFull(conn, challenge)
	require.NoError(t, err)
}

func TestCapacityRejectsWithoutGreeting(t *testing.T) {
	h := start(t, func(o *Options) { o.MaxClients = 2 })
	first := h.dial(t)
	readGreeting(t, first)

	second := h.dial(t)
	n, err := second.Read(make([]byte, rfb.VersionLength))
	assert.Zero(t, n)
	require.Error(t, err)
	assert.False(t, isTimeout(err))

	assert.Eventually(t, func() bool {
		return h.logs.FilterMessage("listener.too_many_clients").Len() == 1
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, h.loop.Active())

	// the freed slot is reused
	require.NoError(t, first.Close())
	h.captures(t, 1)
	third := h.dial(t)
	readGreeting(t, third)
}

func TestRateLimitedSourceRejected(t *testing.T) {
	frozen := time.Unix(1700000000, 0)
	h := start(t, func(o *Options) {
		o.Limiter = ratelimit.NewWithClock(0, 1, 1, func() time.Time { return frozen })
	})
	first := h.dial(t)
	readGreeting(t, first)

	second := h.dial(t)
	n, err := second.Read(make([]byte, rfb.VersionLength))
	assert.Zero(t, n)
	require.Error(t, err)
	assert.False(t, isTimeout(err))
	assert.Eventually(t, func() bool {
		return h.logs.FilterMessage("listener.rate_limited").Len() == 1
	}, time.Second, 10*time.Millisecond)
}

func TestShutdownClosesEverySocket(t *testing.T) {
	h := start(t, nil)
	conn := h.dial(t)
	readGreeting(t, conn)
	require.Equal(t, 1, h.loop.Active())

	require.NoError(t, h.stop())
	expectClosed(t, conn)
	assert.Equal(t, 0, h.loop.Active())

	_, err := net.DialTimeout("tcp", h.addr, time.Second)
	assert.Error(t, err)

	// a second shutdown is harmless
	h.loop.Shutdown()
	assert.Equal(t, 0, h.loop.Active())
	assert.Zero(t, h.loop.table.Len())
}

func TestRunFailsWithoutSockets(t *testing.T) {
	hs, err := rfb.NewHandshaker(rfb.Config{Version: rfb.Version38, SecType: rfb.SecTypeVNC})
	require.NoError(t, err)
	// TEST-NET-1 is never a local address, so bind fails
	l, err := New(Options{Host: "192.0.2.1", Handshaker: hs})
	require.NoError(t, err)
	err = l.Run(context.Background())
	require.ErrorIs(t, err, ErrNoListeners)
	assert.Nil(t, l.ListenAddrs())
}

func TestNewValidates(t *testing.T) {
	hs, err := rfb.NewHandshaker(rfb.Config{Version: rfb.Version38, SecType: rfb.SecTypeVNC})
	require.NoError(t, err)

	_, err = New(Options{})
	assert.Error(t, err)
	_, err = New(Options{Handshaker: hs, MaxClients: 1})
	assert.ErrorIs(t, err, ErrTooFewSlots)
	_, err = New(Options{Handshaker: hs, Port: 70000})
	assert.Error(t, err)

	l, err := New(Options{Handshaker: hs})
	require.NoError(t, err)
	assert.Equal(t, DefaultMaxClients, l.opts.MaxClients)
	assert.Equal(t, DefaultWaitTime, l.opts.WaitTime)
	assert.Equal(t, DefaultPollWait, l.opts.PollWait)
}

func TestFreeSlotPicksLowest(t *testing.T) {
	l := &Loop{nListen: 1, fds: []unix.PollFd{{Fd: 3}, {Fd: 7}, {Fd: -1}, {Fd: 9}, {Fd: -1}}}
	assert.Equal(t, 2, l.freeSlot())
	l.fds[2].Fd = 11
	assert.Equal(t, 4, l.freeSlot())
	l.fds[4].Fd = 12
	assert.Equal(t, -1, l.freeSlot())
}

func TestSummary(t *testing.T) {
	c := proto.Capture{DstAddr: "10.0.0.1", SrcAddr: "192.0.2.5", SrcPort: 4444, Version: "n/a", SecType: "n/a", Reason: proto.ReasonTimeout}
	assert.Equal(t, "daddr 10.0.0.1; saddr 192.0.2.5; sport 4444; version n/a; sectype n/a; (timeout)", Summary(c))
	c.Reason = proto.ReasonNone
	c.Version, c.SecType = "3.7", "tight"
	assert.Equal(t, "daddr 10.0.0.1; saddr 192.0.2.5; sport 4444; version 3.7; sectype tight;", Summary(c))

	// id 1 is never advertised but is still labelled by name, not "unknown"
	c.SecType = rfb.SecTypeLabel(rfb.SecTypeNone)
	assert.Equal(t, "daddr 10.0.0.1; saddr 192.0.2.5; sport 4444; version 3.7; sectype none;", Summary(c))
	c.SecType = rfb.SecTypeLabel(99)
	assert.Equal(t, "daddr 10.0.0.1; saddr 192.0.2.5; sport 4444; version 3.7; sectype unknown;", Summary(c))
}

func TestResolve(t *testing.T) {
	got, err := resolve(context.Background(), "", 5900)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.True(t, got[0].Addr().Is4())
	assert.True(t, got[1].Addr().Is6())

	got, err = resolve(context.Background(), "::ffff:127.0.0.1", 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "127.0.0.1:1", got[0].String())
}
