package rfb

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Step is the last handshake message the server has sent.
type Step int

const (
	StepInit Step = iota
	StepVersionSent
	StepSecTypeSent
	StepChallengeSent
	StepResultSent
)

func (s Step) String() string {
	switch s {
	case StepInit:
		return "init"
	case StepVersionSent:
		return "version_sent"
	case StepSecTypeSent:
		return "sectype_sent"
	case StepChallengeSent:
		return "challenge_sent"
	case StepResultSent:
		return "result_sent"
	}
	return fmt.Sprintf("step(%d)", int(s))
}

// Session is the per-connection handshake state.
type Session struct {
	Step    Step
	Version int // index into Versions, Unset until negotiated
	SecType int // security type id, Unset until negotiated

	// Challenge is what the server issued; Response is what the client sent
	// back. The response is kept for the capture log only.
	Challenge   [ChallengeSize]byte
	Response    [ChallengeSize]byte
	HasResponse bool
}

// NewSession returns a session in StepInit with nothing negotiated.
func NewSession() Session {
	return Session{Step: StepInit, Version: Unset, SecType: Unset}
}

// Config selects what the decoy advertises.
type Config struct {
	Version int // index into Versions
	SecType int // security type forced on 3.3 clients
	// Challenge fills b with a fresh challenge; nil means TimeSeededChallenge.
	Challenge func(b []byte)
}

// Handshaker drives Sessions through the handshake. It holds only immutable
// pre-rendered messages and can be shared by every connection.
type Handshaker struct {
	version    int
	sectype    int
	challenge  func([]byte)
	versionMsg []byte
	secListMsg []byte
	resultMsg  []byte
}

// NewHandshaker validates cfg and renders the fixed messages.
func NewHandshaker(cfg Config) (*Handshaker, error) {
	if cfg.Version < 0 || cfg.Version >= len(Versions) {
		return nil, newError(KindUnsupportedVersion, StepInit, fmt.Sprintf("index %d", cfg.Version), nil)
	}
	if cfg.SecType != SecTypeNone && SecTypeName(cfg.SecType) == "" {
		return nil, newError(KindUnsupportedSecType, StepInit, fmt.Sprintf("id %d", cfg.SecType), nil)
	}
	h := &Handshaker{
		version:    cfg.Version,
		sectype:    cfg.SecType,
		challenge:  cfg.Challenge,
		versionMsg: Versions[cfg.Version].Message(),
	}
	if h.challenge == nil {
		h.challenge = TimeSeededChallenge
	}

	h.secListMsg = make([]byte, 0, 1+len(SecTypes))
	h.secListMsg = append(h.secListMsg, byte(len(SecTypes)))
	for _, st := range SecTypes {
		h.secListMsg = append(h.secListMsg, byte(st.ID))
	}

	h.resultMsg = make([]byte, 8, 8+len(ReasonString))
	binary.BigEndian.PutUint32(h.resultMsg[0:4], ResultFailed)
	binary.BigEndian.PutUint32(h.resultMsg[4:8], uint32(len(ReasonString)))
	h.resultMsg = append(h.resultMsg, ReasonString...)
	return h, nil
}

// Version is the configured version index.
func (h *Handshaker) Version() int { return h.version }

// VersionMessage returns the 12-byte version string the server announces.
func (h *Handshaker) VersionMessage() []byte { return clone(h.versionMsg) }

// Greet returns the ProtocolVersion message and moves s to StepVersionSent.
func (h *Handshaker) Greet(s *Session) ([]byte, error) {
	if s == nil {
		return nil, newError(KindFatal, StepInit, "nil session", nil)
	}
	if s.Step != StepInit {
		return nil, newError(KindFatal, s.Step, "greeting an established session", nil)
	}
	s.Step = StepVersionSent
	return clone(h.versionMsg), nil
}

// Handle consumes one inbound message and returns the reply to write, which
// may be empty. A non-nil error is always an *Error and means the connection
// must be closed.
func (h *Handshaker) Handle(s *Session, in []byte) ([]byte, error) {
	if s == nil {
		return nil, newError(KindFatal, StepInit, "nil session", nil)
	}
	switch s.Step {
	case StepVersionSent:
		return h.handleVersion(s, in)
	case StepSecTypeSent:
		switch s.Version {
		case Version33:
			// only "none" reaches here on 3.3; whatever the client sends next
			// ends the handshake
			if s.SecType == SecTypeNone {
				return h.result(s)
			}
		case Version37, Version38:
			return h.handleSecType(s, in)
		}
	case StepChallengeSent:
		return h.handleChallenge(s, in)
	}
	return nil, newError(KindFatal, s.Step, "no message expected", nil)
}

func (h *Handshaker) handleVersion(s *Session, in []byte) ([]byte, error) {
	if len(in) != VersionLength {
		return nil, newError(KindInvalidVersionFormat, s.Step, fmt.Sprintf("%d bytes", len(in)), nil)
	}
	if bytes.EqualFold(in, h.versionMsg) {
		s.Version = h.version
		return h.security(s)
	}
	major, minor, ok := parseVersionMessage(in)
	if !ok {
		return nil, newError(KindInvalidVersionFormat, s.Step, fmt.Sprintf("%q", in), nil)
	}
	idx, err := LookupVersion(major, minor)
	if err != nil {
		return nil, newError(KindUnsupportedVersion, s.Step, fmt.Sprintf("%d.%d", major, minor), nil)
	}
	s.Version = idx
	return h.security(s)
}

// parseVersionMessage accepts "RFB xxx.yyy\n".
func parseVersionMessage(in []byte) (int, int, bool) {
	if len(in) != VersionLength || !bytes.HasPrefix(in, []byte("RFB ")) || in[VersionLength-1] != '\n' {
		return 0, 0, false
	}
	body := string(in[4 : VersionLength-1])
	dot := bytes.IndexByte([]byte(body), '.')
	if dot < 0 {
		return 0, 0, false
	}
	major, ok := digits(body[:dot])
	if !ok {
		return 0, 0, false
	}
	minor, ok := digits(body[dot+1:])
	if !ok {
		return 0, 0, false
	}
	return major, minor, true
}

func (h *Handshaker) security(s *Session) ([]byte, error) {
	switch s.Version {
	case Version33:
		// 3.3 has no negotiation: the server picks, and the protocol only
		// knows "none" and "vnc" at this point
		if h.sectype == SecTypeVNC {
			s.SecType = SecTypeVNC
			h.challenge(s.Challenge[:])
			s.Step = StepChallengeSent
			out := make([]byte, 4, 4+ChallengeSize)
			binary.BigEndian.PutUint32(out, SecTypeVNC)
			return append(out, s.Challenge[:]...), nil
		}
		s.SecType = SecTypeNone
		s.Step = StepSecTypeSent
		out := make([]byte, 4)
		binary.BigEndian.PutUint32(out, SecTypeNone)
		return out, nil
	case Version37, Version38:
		s.Step = StepSecTypeSent
		return clone(h.secListMsg), nil
	}
	return nil, newError(KindFatal, s.Step, fmt.Sprintf("version index %d", s.Version), nil)
}

func (h *Handshaker) handleSecType(s *Session, in []byte) ([]byte, error) {
	if len(in) != 1 {
		return nil, newError(KindInvalidSecTypeResponse, s.Step, fmt.Sprintf("%d bytes", len(in)), nil)
	}
	s.SecType = int(in[0])
	switch {
	case s.SecType == SecTypeNone:
		return h.result(s)
	case s.SecType == SecTypeVNC:
		h.challenge(s.Challenge[:])
		s.Step = StepChallengeSent
		return clone(s.Challenge[:]), nil
	case SecTypeName(s.SecType) != "":
		return h.result(s)
	}
	return nil, newError(KindUnsupportedSecType, s.Step, fmt.Sprintf("id %d", s.SecType), nil)
}

func (h *Handshaker) handleChallenge(s *Session, in []byte) ([]byte, error) {
	if len(in) != ChallengeSize {
		return nil, newError(KindInvalidChallengeResponse, s.Step, fmt.Sprintf("%d bytes", len(in)), nil)
	}
	// captured for the log, never checked against a password
	copy(s.Response[:], in)
	s.HasResponse = true
	return h.result(s)
}

func (h *Handshaker) result(s *Session) ([]byte, error) {
	s.Step = StepResultSent
	if s.SecType != SecTypeNone && s.SecType != SecTypeVNC {
		return nil, nil
	}
	switch s.Version {
	case Version33, Version37:
		if s.SecType == SecTypeNone {
			return nil, nil
		}
		return clone(h.resultMsg[:4]), nil
	case Version38:
		return clone(h.resultMsg), nil
	}
	return nil, newError(KindFatal, s.Step, fmt.Sprintf("version index %d", s.Version), nil)
}

func clone(b []byte) []byte { return append([]byte(nil), b...) }
