package metrics

import (
	"encoding/json"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type JoinHeader struct {
	Peer     string    `json:"peer"`
	NetCheck string    `json:"net_check"`
	At       time.Time `json:"at"`
}

type Snapshot struct {
	GeneratedAt  time.Time         `json:"generated_at"`
	Role         string            `json:"role"`
	Stage        int               `json:"stage"`
	Elections    uint64            `json:"elections"`
	Joins        uint64            `json:"joins"`
	Peers        int64             `json:"peers"`
	RecvByType   map[string]uint64 `json:"recv_by_type"`
	DropByReason map[string]uint64 `json:"drop_by_reason"`
	Uplink       map[string]uint64 `json:"uplink"`
	Recent       []JoinHeader      `json:"recent"`
}

// Recorder feeds prometheus collectors and keeps an in-process copy for
// JSON snapshots. A nil *Recorder discards everything.
type Recorder struct {
	elections prometheus.Counter
	joins     prometheus.Counter
	received  *prometheus.CounterVec
	drops     *prometheus.CounterVec
	uplink    *prometheus.CounterVec
	stageG    prometheus.Gauge
	roleG     *prometheus.GaugeVec
	peersG    prometheus.Gauge

	electionCount atomic.Uint64
	joinCount     atomic.Uint64
	peerCount     atomic.Int64
	stage         atomic.Int64
	mu            sync.Mutex
	role          string
	recvByType    map[string]uint64
	dropByReason  map[string]uint64
	uplinkResults map[string]uint64
	recent        *JoinRecent
}

// NewRecorder registers the collectors with reg when it is non-nil.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		elections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crown_elections_total",
			Help: "Times this node became crown",
		}),
		joins: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crown_peer_joins_total",
			Help: "Completed follower handshakes seen by the crown",
		}),
		received: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crown_messages_received_total",
			Help: "Dispatched datagrams grouped by message type",
		}, []string{"type"}),
		drops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crown_drops_total",
			Help: "Dropped datagrams grouped by reason",
		}, []string{"reason"}),
		uplink: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crown_uplink_reports_total",
			Help: "Join reports handed to the collector grouped by result",
		}, []string{"result"}),
		stageG: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "crown_handshake_stage",
			Help: "Follower handshake stage (0 init .. 3 connected)",
		}),
		roleG: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "crown_role",
			Help: "1 for the node's current role",
		}, []string{"role"}),
		peersG: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "crown_peers",
			Help: "Followers currently joined to this crown",
		}),
		role:          "undecided",
		recvByType:    make(map[string]uint64),
		dropByReason:  make(map[string]uint64),
		uplinkResults: make(map[string]uint64),
		recent:        NewJoinRecent(64),
	}
	if reg != nil {
		reg.MustRegister(r.elections, r.joins, r.received, r.drops, r.uplink, r.stageG, r.roleG, r.peersG)
	}
	r.roleG.WithLabelValues("undecided").Set(1)
	return r
}

// Handler serves the given registry in the prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func (r *Recorder) IncElection() {
	if r == nil {
		return
	}
	r.elections.Inc()
	r.electionCount.Add(1)
}

func (r *Recorder) IncJoin(peer, netCheck string, at time.Time) {
	if r == nil {
		return
	}
	r.joins.Inc()
	r.joinCount.Add(1)
	r.recent.Add(JoinHeader{Peer: peer, NetCheck: netCheck, At: at.UTC()})
}

func (r *Recorder) IncRecvByType(t string) {
	if r == nil {
		return
	}
	r.received.WithLabelValues(t).Inc()
	r.mu.Lock()
	r.recvByType[t]++
	r.mu.Unlock()
}

func (r *Recorder) IncDropByReason(reason string) {
	if r == nil {
		return
	}
	r.drops.WithLabelValues(reason).Inc()
	r.mu.Lock()
	r.dropByReason[reason]++
	r.mu.Unlock()
}

func (r *Recorder) IncUplink(result string) {
	if r == nil {
		return
	}
	r.uplink.WithLabelValues(result).Inc()
	r.mu.Lock()
	r.uplinkResults[result]++
	r.mu.Unlock()
}

func (r *Recorder) SetRole(role string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	prev := r.role
	r.role = role
	r.mu.Unlock()
	r.roleG.WithLabelValues(prev).Set(0)
	r.roleG.WithLabelValues(role).Set(1)
}

func (r *Recorder) SetStage(stage int) {
	if r == nil {
		return
	}
	r.stage.Store(int64(stage))
	r.stageG.Set(float64(stage))
}

func (r *Recorder) SetPeers(n int) {
	if r == nil {
		return
	}
	r.peerCount.Store(int64(n))
	r.peersG.Set(float64(n))
}

func (r *Recorder) Snapshot() Snapshot {
	if r == nil {
		return Snapshot{GeneratedAt: time.Now().UTC()}
	}
	r.mu.Lock()
	recv := copyCounts(r.recvByType)
	drops := copyCounts(r.dropByReason)
	up := copyCounts(r.uplinkResults)
	role := r.role
	r.mu.Unlock()
	return Snapshot{
		GeneratedAt:  time.Now().UTC(),
		Role:         role,
		Stage:        int(r.stage.Load()),
		Elections:    r.electionCount.Load(),
		Joins:        r.joinCount.Load(),
		Peers:        r.peerCount.Load(),
		RecvByType:   recv,
		DropByReason: drops,
		Uplink:       up,
		Recent:       r.recent.List(),
	}
}

func (r *Recorder) WriteSnapshot(path string) error {
	if path == "" {
		return nil
	}
	snap := r.Snapshot()
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

func copyCounts(in map[string]uint64) map[string]uint64 {
	out := make(map[string]uint64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// JoinRecent keeps the last few joins, oldest first.
type JoinRecent struct {
	mu   sync.Mutex
	cap  int
	list []JoinHeader
}

func NewJoinRecent(capacity int) *JoinRecent {
	if capacity <= 0 {
		capacity = 64
	}
	return &JoinRecent{cap: capacity}
}

func (r *JoinRecent) Add(h JoinHeader) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.list) >= r.cap {
		copy(r.list, r.list[1:])
		r.list[len(r.list)-1] = h
		return
	}
	r.list = append(r.list, h)
}

func (r *JoinRecent) List() []JoinHeader {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]JoinHeader, len(r.list))
	copy(out, r.list)
	return out
}
