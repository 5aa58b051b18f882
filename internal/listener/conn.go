package listener

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/netip"

	"golang.org/x/sys/unix"

	"github.com/matst80/fakevnc/internal/conntable"
	"github.com/matst80/fakevnc/internal/obs"
	"github.com/matst80/fakevnc/internal/proto"
	"github.com/matst80/fakevnc/internal/rfb"
)

var errPeerClosed = errors.New("peer closed before the handshake finished")

// accept takes one pending connection from listening slot li. Connections
// that cannot get a slot are accepted and closed straight away so the
// backlog drains.
func (l *Loop) accept(li int) {
	nfd, psa, err := unix.Accept(int(l.fds[li].Fd))
	if err != nil {
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) || errors.Is(err, unix.ECONNABORTED) {
			return
		}
		obs.Warn("listener.accept_failed", obs.Fields{"err": err.Error()})
		return
	}
	reject := func(reason, msg string, f obs.Fields) {
		_ = unix.Close(nfd)
		obs.RejectedTotal.WithLabelValues(reason).Inc()
		obs.Warn(msg, f)
	}

	peer, sport, pfam, ok := fromSockaddr(psa)
	if !ok {
		reject("address", "listener.peer_address_unknown", nil)
		return
	}
	slot := l.freeSlot()
	if slot < 0 {
		reject("capacity", "listener.too_many_clients", obs.Fields{"saddr": peer.String(), "max_clients": len(l.fds)})
		return
	}
	if !l.opts.Limiter.AllowConnection(peer.String()) {
		reject("rate_limit", "listener.rate_limited", obs.Fields{"saddr": peer.String()})
		return
	}
	lsa, err := unix.Getsockname(nfd)
	if err != nil {
		reject("address", "listener.local_address_failed", obs.Fields{"saddr": peer.String(), "err": err.Error()})
		return
	}
	local, _, lfam, ok := fromSockaddr(lsa)
	if !ok || lfam != pfam {
		reject("address", "listener.family_mismatch", obs.Fields{"saddr": peer.String(), "daddr": local.String()})
		return
	}
	if err := unix.SetNonblock(nfd, true); err != nil {
		reject("address", "listener.nonblock_failed", obs.Fields{"saddr": peer.String(), "err": err.Error()})
		return
	}
	unix.CloseOnExec(nfd)

	c, err := l.table.Insert(slot)
	if err != nil {
		reject("table", "listener.table_insert_failed", obs.Fields{"slot": slot, "err": err.Error()})
		return
	}
	l.fds[slot] = unix.PollFd{Fd: int32(nfd), Events: unix.POLLIN}
	l.live.Add(1)
	obs.ActiveConnections.Inc()
	obs.AcceptedTotal.Inc()

	c.Family = lfam
	c.DstAddr = local
	c.SrcAddr = peer
	c.SrcPort = sport
	obs.Debug("listener.accepted", obs.Fields{"slot": slot, "saddr": peer.String(), "sport": sport, "daddr": local.String()})

	greeting, err := l.hs.Greet(&c.Session)
	if err != nil {
		l.fail(slot, c, err)
		return
	}
	if err := writeAll(nfd, greeting); err != nil {
		l.fail(slot, c, rfb.NewIOError(c.Step, "write", err))
	}
}

// service handles readiness on client slot i.
func (l *Loop) service(i int) {
	c := l.table.Search(i)
	if c == nil {
		obs.Error("listener.orphan_slot", obs.Fields{"slot": i})
		l.closeSlot(i, nil, proto.ReasonAnomaly, nil)
		return
	}
	// the handshake is over; whatever the peer does next ends the capture
	if c.Step == rfb.StepResultSent {
		l.closeSlot(i, c, proto.ReasonNone, nil)
		return
	}
	fd := int(l.fds[i].Fd)
	n, err := unix.Read(fd, l.buf)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
			obs.Debug("listener.read_retry", obs.Fields{"slot": i, "saddr": c.SrcAddr.String(), "err": err.Error()})
			return
		}
		// a persistent error keeps the fd readable, so waiting for the sweep would spin
		l.fail(i, c, rfb.NewIOError(c.Step, "read", err))
		return
	}
	if n == 0 {
		l.closeSlot(i, c, proto.ReasonAnomaly, errPeerClosed)
		return
	}
	in := l.buf[:n]
	out, err := l.hs.Handle(&c.Session, in)
	if err != nil {
		obs.Debug("listener.rejected_message", obs.Fields{"slot": i, "dump": hex.Dump(in)})
		l.fail(i, c, err)
		return
	}
	if len(out) > 0 {
		if err := writeAll(fd, out); err != nil {
			l.fail(i, c, rfb.NewIOError(c.Step, "write", err))
			return
		}
	}
	l.table.Update(c)
}

// fail logs a handshake error with its kind's warning and closes the slot.
func (l *Loop) fail(slot int, c *conntable.Conn, err error) {
	kind := rfb.KindOf(err)
	obs.HandshakeErrorsTotal.WithLabelValues(kind.String()).Inc()
	obs.Warn(kind.Warning(), obs.Fields{
		"slot":  slot,
		"saddr": c.SrcAddr.String(),
		"class": kind.Class().String(),
		"err":   err.Error(),
	})
	l.closeSlot(slot, c, proto.ReasonAnomaly, err)
}

// closeSlot releases slot i. It is a no-op when the slot is already free.
// c may be nil for a slot with no table record.
func (l *Loop) closeSlot(i int, c *conntable.Conn, reason string, cause error) {
	fd := l.fds[i].Fd
	if fd < 0 {
		return
	}
	_ = unix.Close(int(fd))
	l.fds[i] = unix.PollFd{Fd: -1}
	l.live.Add(-1)
	obs.ActiveConnections.Dec()

	if c == nil {
		return
	}
	rec := l.capture(c, reason, cause)
	l.table.Delete(c)

	obs.Info("connection.closed", obs.Fields{
		"summary": Summary(rec),
		"daddr":   rec.DstAddr,
		"saddr":   rec.SrcAddr,
		"sport":   rec.SrcPort,
		"version": rec.Version,
		"sectype": rec.SecType,
		"step":    rec.Step,
		"reason":  rec.Reason,
	})
	outcome := "completed"
	if reason != proto.ReasonNone {
		outcome = reason
	}
	obs.ClosedTotal.WithLabelValues(outcome).Inc()
	obs.NegotiatedTotal.WithLabelValues(rec.Version, rec.SecType).Inc()
	obs.ConnectionDurationSecs.Observe(rec.Closed.Sub(rec.Opened).Seconds())
	if l.opts.Recorder != nil {
		l.opts.Recorder.Record(rec)
	}
}

func (l *Loop) capture(c *conntable.Conn, reason string, cause error) proto.Capture {
	rec := proto.Capture{
		Opened:    c.Created,
		Closed:    l.now(),
		DstAddr:   addrLabel(c.DstAddr),
		SrcAddr:   addrLabel(c.SrcAddr),
		SrcPort:   c.SrcPort,
		Version:   rfb.VersionLabel(c.Version),
		SecType:   rfb.SecTypeLabel(c.SecType),
		SecTypeID: c.SecType,
		Step:      c.Step.String(),
		Reason:    reason,
	}
	if c.SecType == rfb.SecTypeVNC && c.Step >= rfb.StepChallengeSent {
		rec.Challenge = hex.EncodeToString(c.Challenge[:])
	}
	if c.HasResponse {
		rec.Response = hex.EncodeToString(c.Response[:])
	}
	if cause != nil {
		rec.Error = cause.Error()
	}
	return rec
}

// Summary renders the one-line closure record.
func Summary(c proto.Capture) string {
	return fmt.Sprintf("daddr %s; saddr %s; sport %d; version %s; sectype %s;%s",
		c.DstAddr, c.SrcAddr, c.SrcPort, c.Version, c.SecType, c.Suffix())
}

func addrLabel(a netip.Addr) string {
	if !a.IsValid() {
		return "n/a"
	}
	return a.String()
}

func writeAll(fd int, b []byte) error {
	for len(b) > 0 {
		n, err := unix.Write(fd, b)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
		b = b[n:]
	}
	return nil
}
