// Package capture persists the summaries of closed decoy connections.
package capture

import (
	"context"

	"github.com/matst80/fakevnc/internal/proto"
)

// Store abstracts where captures go so a fleet of decoys can share one backend.
type Store interface {
	Save(ctx context.Context, c proto.Capture) error
	// Recent returns up to n captures, newest first.
	Recent(ctx context.Context, n int) ([]proto.Capture, error)
	Stats(ctx context.Context) (Stats, error)
	Close() error
}

// Stats are running totals over every saved capture.
type Stats struct {
	Total     int64            `json:"total"`
	Completed int64            `json:"completed"`
	Timeouts  int64            `json:"timeouts"`
	Anomalies int64            `json:"anomalies"`
	BySecType map[string]int64 `json:"by_sectype"`
}

func (s *Stats) add(c proto.Capture) {
	s.Total++
	switch c.Reason {
	case proto.ReasonTimeout:
		s.Timeouts++
	case proto.ReasonAnomaly:
		s.Anomalies++
	default:
		s.Completed++
	}
	if s.BySecType == nil {
		s.BySecType = map[string]int64{}
	}
	s.BySecType[c.SecType]++
}

func (s Stats) clone() Stats {
	out := s
	out.BySecType = make(map[string]int64, len(s.BySecType))
	for k, v := range s.BySecType {
		out.BySecType[k] = v
	}
	return out
}
