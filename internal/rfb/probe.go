package rfb

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
)

// ProbeOptions steers the client side of a handshake.
type ProbeOptions struct {
	// VersionMessage is sent verbatim instead of echoing the server's version.
	VersionMessage []byte
	// SecType is selected on 3.7+; zero picks the first offered type.
	SecType int
	// Response answers a VNC challenge; nil sends sixteen zero bytes.
	Response []byte
}

// ProbeResult is what a server revealed during one handshake.
type ProbeResult struct {
	ServerVersion string
	Version       int
	Offered       []int
	SecType       int
	Challenge     []byte
	HasStatus     bool
	Status        uint32
	Reason        string
}

const maxReasonLength = 4096

// ErrNoSecurityTypes is returned when a 3.7+ server offers an empty list.
var ErrNoSecurityTypes = errors.New("rfb: server offered no security types")

// Probe runs the client side of the handshake on conn. The context deadline,
// if any, bounds the whole exchange.
func Probe(ctx context.Context, conn net.Conn, opts ProbeOptions) (ProbeResult, error) {
	res := ProbeResult{Version: Unset, SecType: Unset}
	if dl, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(dl); err != nil {
			return res, err
		}
	}

	srv := make([]byte, VersionLength)
	if _, err := io.ReadFull(conn, srv); err != nil {
		return res, fmt.Errorf("read server version: %w", err)
	}
	res.ServerVersion = string(srv)

	mine := srv
	if opts.VersionMessage != nil {
		mine = opts.VersionMessage
	}
	if _, err := conn.Write(mine); err != nil {
		return res, fmt.Errorf("write client version: %w", err)
	}
	major, minor, ok := parseVersionMessage(mine)
	if !ok {
		return res, newError(KindInvalidVersionFormat, StepVersionSent, fmt.Sprintf("%q", mine), nil)
	}
	idx, err := LookupVersion(major, minor)
	if err != nil {
		return res, err
	}
	res.Version = idx

	if idx == Version33 {
		word := make([]byte, 4)
		if _, err := io.ReadFull(conn, word); err != nil {
			return res, fmt.Errorf("read security type: %w", err)
		}
		res.SecType = int(binary.BigEndian.Uint32(word))
		res.Offered = []int{res.SecType}
	} else {
		count := make([]byte, 1)
		if _, err := io.ReadFull(conn, count); err != nil {
			return res, fmt.Errorf("read security type count: %w", err)
		}
		if count[0] == 0 {
			return res, ErrNoSecurityTypes
		}
		list := make([]byte, count[0])
		if _, err := io.ReadFull(conn, list); err != nil {
			return res, fmt.Errorf("read security types: %w", err)
		}
		for _, b := range list {
			res.Offered = append(res.Offered, int(b))
		}
		res.SecType = opts.SecType
		if res.SecType == 0 {
			res.SecType = res.Offered[0]
		}
		if _, err := conn.Write([]byte{byte(res.SecType)}); err != nil {
			return res, fmt.Errorf("write security type: %w", err)
		}
	}

	switch res.SecType {
	case SecTypeVNC:
		res.Challenge = make([]byte, ChallengeSize)
		if _, err := io.ReadFull(conn, res.Challenge); err != nil {
			return res, fmt.Errorf("read challenge: %w", err)
		}
		resp := opts.Response
		if resp == nil {
			resp = make([]byte, ChallengeSize)
		}
		if _, err := conn.Write(resp); err != nil {
			return res, fmt.Errorf("write challenge response: %w", err)
		}
	case SecTypeNone:
		if idx != Version38 {
			return res, nil
		}
	default:
		return res, nil
	}

	word := make([]byte, 4)
	if _, err := io.ReadFull(conn, word); err != nil {
		return res, fmt.Errorf("read security result: %w", err)
	}
	res.HasStatus = true
	res.Status = binary.BigEndian.Uint32(word)
	if idx == Version38 && res.Status != ResultOK {
		if _, err := io.ReadFull(conn, word); err != nil {
			return res, fmt.Errorf("read reason length: %w", err)
		}
		n := binary.BigEndian.Uint32(word)
		if n > maxReasonLength {
			return res, fmt.Errorf("reason length %d exceeds %d", n, maxReasonLength)
		}
		reason := make([]byte, n)
		if _, err := io.ReadFull(conn, reason); err != nil {
			return res, fmt.Errorf("read reason: %w", err)
		}
		res.Reason = string(reason)
	}
	return res, nil
}
