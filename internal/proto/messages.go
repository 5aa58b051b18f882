package proto

import "time"

// Close reasons carried by Capture.Reason.
const (
	ReasonNone    = ""
	ReasonTimeout = "timeout"
	ReasonAnomaly = "anomaly"
)

// Capture is one closed decoy connection, as logged and stored.
type Capture struct {
	ID        string    `json:"id"`
	Opened    time.Time `json:"opened"`
	Closed    time.Time `json:"closed"`
	DstAddr   string    `json:"daddr"`
	SrcAddr   string    `json:"saddr"`
	SrcPort   uint16    `json:"sport"`
	Version   string    `json:"version"`
	SecType   string    `json:"sectype"`
	SecTypeID int       `json:"sectype_id"`
	Step      string    `json:"step"`
	Challenge string    `json:"challenge,omitempty"` // hex, server issued
	Response  string    `json:"response,omitempty"`  // hex, client answer
	Reason    string    `json:"reason,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// Completed reports whether the handshake ran to the security result.
func (c Capture) Completed() bool { return c.Reason == ReasonNone }

// Suffix renders the reason the way the summary line tags it.
func (c Capture) Suffix() string {
	if c.Reason == ReasonNone {
		return ""
	}
	return " (" + c.Reason + ")"
}
