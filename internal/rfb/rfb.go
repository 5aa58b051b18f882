// Package rfb implements the server side of the RFB (RFC 6143) handshake for a
// decoy listener: version exchange, security type negotiation, a VNC
// authentication challenge that is captured but never verified, and a
// security result that always reports failure.
package rfb

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	// VersionLength is the size of a ProtocolVersion message.
	VersionLength = 12
	// ChallengeSize is the size of the VNC authentication challenge and response.
	ChallengeSize = 16
	// ReasonString is sent with a failed security result on 3.8.
	ReasonString = "Authentication failure"

	versionFormat = "RFB %03d.%03d\n"
)

// Security result status words.
const (
	ResultOK     uint32 = 0
	ResultFailed uint32 = 1
)

// Indexes into Versions.
const (
	Version33 = iota
	Version37
	Version38
)

// DefaultVersion is advertised when nothing else is configured.
const DefaultVersion = Version38

// Unset marks a version or security type that has not been negotiated yet.
const Unset = -1

// ProtocolVersion is a supported major.minor pair.
type ProtocolVersion struct {
	Major int
	Minor int
}

func (v ProtocolVersion) String() string { return fmt.Sprintf("%d.%d", v.Major, v.Minor) }

// Message renders the 12-byte ProtocolVersion message.
func (v ProtocolVersion) Message() []byte {
	return []byte(fmt.Sprintf(versionFormat, v.Major, v.Minor))
}

// Versions is ordered; the index is what sessions record.
var Versions = []ProtocolVersion{
	{3, 3},
	{3, 7},
	{3, 8},
}

// Security type ids.
const (
	SecTypeInvalid  = 0
	SecTypeNone     = 1
	SecTypeVNC      = 2
	SecTypeRA2      = 5
	SecTypeRA2ne    = 6
	SecTypeSSPI     = 7
	SecTypeSSPIne   = 8
	SecTypeTight    = 16
	SecTypeUltra    = 17
	SecTypeTLS      = 18
	SecTypeVeNCrypt = 19
	SecTypeSASL     = 20
	SecTypeMD5      = 21
	SecTypeXVP      = 22
)

// DefaultSecType is used for 3.3 sessions when nothing else is configured.
const DefaultSecType = SecTypeVNC

// SecType names a security type id.
type SecType struct {
	Name string
	ID   int
}

// SecTypes is the advertised set for 3.7 onwards. "none" is deliberately
// left out, though a client selecting it is still honoured.
var SecTypes = []SecType{
	{"vnc", SecTypeVNC},
	{"ra2", SecTypeRA2},
	{"ra2ne", SecTypeRA2ne},
	{"tight", SecTypeTight},
	{"ultra", SecTypeUltra},
	{"tls", SecTypeTLS},
	{"vencrypt", SecTypeVeNCrypt},
	{"sasl", SecTypeSASL},
}

// LookupVersion returns the index of major.minor in Versions.
func LookupVersion(major, minor int) (int, error) {
	for i, v := range Versions {
		if v.Major == major && v.Minor == minor {
			return i, nil
		}
	}
	return Unset, newError(KindUnsupportedVersion, StepInit, fmt.Sprintf("%d.%d", major, minor), nil)
}

// ParseVersion turns "3.8" into an index of Versions.
func ParseVersion(s string) (int, error) {
	parts := strings.Split(s, ".")
	if len(parts) != 2 {
		return Unset, newError(KindInvalidVersionFormat, StepInit, s, nil)
	}
	major, ok := digits(parts[0])
	if !ok {
		return Unset, newError(KindInvalidVersionFormat, StepInit, s, nil)
	}
	minor, ok := digits(parts[1])
	if !ok {
		return Unset, newError(KindInvalidVersionFormat, StepInit, s, nil)
	}
	return LookupVersion(major, minor)
}

// SecTypeName returns the advertised name for id, or "" if id is not advertised.
func SecTypeName(id int) string {
	for _, st := range SecTypes {
		if st.ID == id {
			return st.Name
		}
	}
	return ""
}

// LookupSecType resolves a security type by name, case-insensitively.
func LookupSecType(name string) (int, error) {
	for _, st := range SecTypes {
		if strings.EqualFold(st.Name, name) {
			return st.ID, nil
		}
	}
	return Unset, newError(KindUnsupportedSecType, StepInit, name, nil)
}

// VersionLabel formats a negotiated version index for capture summaries,
// "n/a" when nothing was negotiated.
func VersionLabel(idx int) string {
	if idx < 0 || idx >= len(Versions) {
		return "n/a"
	}
	return Versions[idx].String()
}

// SecTypeLabel formats a security type id for capture summaries: "n/a" when
// unset, "none" for id 1 even though it is never advertised, "unknown" for
// ids outside the advertised table.
func SecTypeLabel(id int) string {
	if id == Unset {
		return "n/a"
	}
	if id == SecTypeNone {
		return "none"
	}
	if name := SecTypeName(id); name != "" {
		return name
	}
	return "unknown"
}

func digits(s string) (int, bool) {
	if s == "" {
		return 0, false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, false
		}
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, false
	}
	return n, true
}
