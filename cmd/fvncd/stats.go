package main

import (
	"context"
	"net/netip"
	"time"

	"github.com/matst80/fakevnc/internal/capture"
	"github.com/matst80/fakevnc/internal/proto"
)

// loopState is the part of the event loop the HTTP side may read.
type loopState interface {
	Active() int
	ListenAddrs() []netip.AddrPort
	Ready() <-chan struct{}
}

// Stats represents current decoy stats for dashboards & API.
type Stats struct {
	Active    int              `json:"active"`
	Listeners []string         `json:"listeners"`
	Total     int64            `json:"total"`
	Completed int64            `json:"completed"`
	Timeouts  int64            `json:"timeouts"`
	Anomalies int64            `json:"anomalies"`
	BySecType map[string]int64 `json:"by_sectype"`
	Now       string           `json:"now"`
}

func collectStats(ctx context.Context, loop loopState, store capture.Store) (Stats, error) {
	st := Stats{Active: loop.Active(), Now: time.Now().UTC().Format(time.RFC3339)}
	for _, a := range loop.ListenAddrs() {
		st.Listeners = append(st.Listeners, a.String())
	}
	cs, err := store.Stats(ctx)
	if err != nil {
		return st, err
	}
	st.Total, st.Completed, st.Timeouts, st.Anomalies = cs.Total, cs.Completed, cs.Timeouts, cs.Anomalies
	st.BySecType = cs.BySecType
	return st, nil
}

// ToTemplateMap returns a map suited for html/template rendering with expected capitalized keys.
func (s Stats) ToTemplateMap(recent []proto.Capture) map[string]any {
	return map[string]any{
		"Title":     "fvncd dashboard",
		"Active":    s.Active,
		"Listeners": s.Listeners,
		"Total":     s.Total,
		"Completed": s.Completed,
		"Timeouts":  s.Timeouts,
		"Anomalies": s.Anomalies,
		"BySecType": s.BySecType,
		"Recent":    recent,
	}
}
