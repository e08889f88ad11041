package daemon

import (
	"encoding/json"
	"net/http"
	"net/http/pprof"
	"time"

	"go.uber.org/zap"

	"crownlink/internal/link"
)

type debugPeer struct {
	Addr      link.Addr `json:"addr"`
	State     string    `json:"state"`
	NetCheck  string    `json:"netCheck,omitempty"`
	FirstSeen time.Time `json:"firstSeen"`
	JoinedAt  time.Time `json:"joinedAt,omitzero"`
}

// debugState is what /debug/crown reports. Key material never appears.
type debugState struct {
	Addr      link.Addr   `json:"addr"`
	Role      string      `json:"role"`
	Stage     string      `json:"stage"`
	Bootstrap string      `json:"bootstrap"`
	Crown     *link.Addr  `json:"crown,omitempty"`
	Peers     []debugPeer `json:"peers"`
}

func (d *Daemon) debugState() debugState {
	st := debugState{
		Addr:      d.Coordinator.Addr(),
		Role:      d.Coordinator.Role().String(),
		Stage:     d.Coordinator.Stage().String(),
		Bootstrap: d.Engine.Scheme(),
		Peers:     []debugPeer{},
	}
	if s, ok := d.Coordinator.Session(); ok {
		st.Crown = &s.Crown
	}
	for _, rec := range d.Registry.List() {
		st.Peers = append(st.Peers, debugPeer{
			Addr:      rec.Addr,
			State:     rec.State.String(),
			NetCheck:  rec.NetCheck,
			FirstSeen: rec.FirstSeen,
			JoinedAt:  rec.JoinedAt,
		})
	}
	return st
}

// mountDebug adds the profiler and a JSON dump of election and peer state
// next to /metrics. Handlers are registered on mux only, never on
// http.DefaultServeMux.
func (d *Daemon) mountDebug(mux *http.ServeMux) {
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	mux.HandleFunc("/debug/crown", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(d.debugState()); err != nil {
			d.log.Debug("debug state write failed", zap.Error(err))
		}
	})
}
