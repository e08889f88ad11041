package metrics

import (
	"encoding/json"
	"io"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func TestRecorderCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewRecorder(reg)
	m.IncElection()
	m.IncJoin("02:00:00:00:00:01", "ok", time.Unix(10, 0))
	m.IncJoin("02:00:00:00:00:02", "", time.Unix(11, 0))
	m.IncRecvByType("existingCrown")
	m.IncRecvByType("existingCrown")
	m.IncDropByReason("replay")
	m.IncUplink("sent")
	m.SetRole("crown")
	m.SetStage(3)
	m.SetPeers(2)

	snap := m.Snapshot()
	if snap.Elections != 1 || snap.Joins != 2 || snap.Peers != 2 || snap.Stage != 3 || snap.Role != "crown" {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if snap.RecvByType["existingCrown"] != 2 || snap.DropByReason["replay"] != 1 || snap.Uplink["sent"] != 1 {
		t.Fatalf("unexpected maps %+v", snap)
	}
	if len(snap.Recent) != 2 || snap.Recent[0].Peer != "02:00:00:00:00:01" {
		t.Fatalf("unexpected recent %+v", snap.Recent)
	}

	if got := gathered(t, reg, "crown_drops_total", "replay"); got != 1 {
		t.Fatalf("drops{replay} = %v", got)
	}
	if got := gathered(t, reg, "crown_role", "undecided"); got != 0 {
		t.Fatalf("previous role gauge not cleared: %v", got)
	}
	if got := gathered(t, reg, "crown_role", "crown"); got != 1 {
		t.Fatalf("role gauge = %v", got)
	}
}

func gathered(t *testing.T, reg *prometheus.Registry, name, label string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetValue() != label {
					continue
				}
				if c := m.GetCounter(); c != nil {
					return c.GetValue()
				}
				return m.GetGauge().GetValue()
			}
		}
	}
	t.Fatalf("metric %s{%s} not found", name, label)
	return 0
}

func TestHandlerExposesMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewRecorder(reg)
	m.IncElection()
	srv := httptest.NewServer(Handler(reg))
	defer srv.Close()
	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "crown_elections_total 1") {
		t.Fatalf("missing counter in:\n%s", body)
	}
}

func TestNilRecorder(t *testing.T) {
	var m *Recorder
	m.IncElection()
	m.IncJoin("x", "", time.Now())
	m.IncDropByReason("x")
	m.SetRole("crown")
	if snap := m.Snapshot(); snap.Joins != 0 {
		t.Fatalf("nil recorder should be empty")
	}
}

func TestWriteSnapshot(t *testing.T) {
	m := NewRecorder(nil)
	m.IncRecvByType("privkeyAck")
	path := filepath.Join(t.TempDir(), "snap.json")
	if err := m.WriteSnapshot(path); err != nil {
		t.Fatalf("write: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if snap.RecvByType["privkeyAck"] != 1 {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if err := m.WriteSnapshot(""); err != nil {
		t.Fatalf("empty path should be a no-op: %v", err)
	}
}

func TestJoinRecentBounded(t *testing.T) {
	r := NewJoinRecent(2)
	r.Add(JoinHeader{Peer: "a"})
	r.Add(JoinHeader{Peer: "b"})
	r.Add(JoinHeader{Peer: "c"})
	list := r.List()
	if len(list) != 2 || list[0].Peer != "b" || list[1].Peer != "c" {
		t.Fatalf("unexpected list %+v", list)
	}
}
