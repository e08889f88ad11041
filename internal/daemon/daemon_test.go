package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"crownlink/internal/config"
	"crownlink/internal/crypto"
	"crownlink/internal/link"
	"crownlink/internal/metrics"
	"crownlink/internal/network"
	"crownlink/internal/node"
	"crownlink/internal/peer"
	"crownlink/internal/proto"
)

func TestSimulateJoinsAllFollowers(t *testing.T) {
	for _, scheme := range crypto.Schemes() {
		t.Run(scheme, func(t *testing.T) {
			res, err := Simulate(context.Background(), SimOptions{
				Nodes:           4,
				Duplicate:       0.3,
				Seed:            7,
				Bootstrap:       scheme,
				ElectionTimeout: 100 * time.Millisecond,
				Timeout:         10 * time.Second,
			})
			if err != nil {
				t.Fatalf("simulate: %v", err)
			}
			if !res.Connected() {
				t.Fatalf("not all followers connected: %+v", res.Followers)
			}
			if res.Joined != 3 {
				t.Fatalf("crown joined %d peers", res.Joined)
			}
			for _, f := range res.Followers {
				if f.Role != node.RoleFollower {
					t.Fatalf("%s ended as %s", f.Addr, f.Role)
				}
			}
		})
	}
}

func TestSimulateRejoinShorterThanDedupWindow(t *testing.T) {
	if config.Default().Link.DedupWindow <= time.Second {
		t.Fatalf("default dedup window no longer exceeds the rejoin interval used here")
	}
	res, err := Simulate(context.Background(), SimOptions{
		Nodes:           3,
		Duplicate:       0.3,
		Seed:            11,
		ElectionTimeout: 100 * time.Millisecond,
		RejoinInterval:  time.Second,
		Timeout:         10 * time.Second,
	})
	if err != nil {
		t.Fatalf("simulate: %v", err)
	}
	if !res.Connected() || res.Joined != 2 {
		t.Fatalf("joined %d, followers %+v", res.Joined, res.Followers)
	}
}

func TestSimulateNeedsTwoNodes(t *testing.T) {
	if _, err := Simulate(context.Background(), SimOptions{Nodes: 1}); err == nil {
		t.Fatalf("expected error for a single node")
	}
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Node.ElectionTimeout = 50 * time.Millisecond
	cfg.Node.PollInterval = 5 * time.Millisecond
	cfg.Secrets.Dir = ""
	return cfg
}

func TestDaemonReportsJoinsToCollector(t *testing.T) {
	got := make(chan proto.PeerJoinedMsg, 1)
	col, err := network.Listen("127.0.0.1:0", func(m proto.PeerJoinedMsg) { got <- m }, network.CollectorOptions{})
	if err != nil {
		t.Fatalf("collector: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = col.Serve(ctx) }()

	secrets := t.TempDir()
	if err := os.WriteFile(filepath.Join(secrets, config.NetCheckFile), []byte("uplink-ok\n"), 0600); err != nil {
		t.Fatalf("write: %v", err)
	}

	hub := link.NewHub(link.HubOptions{})
	la, _ := hub.Attach(link.Addr{0x02, 0, 0, 0, 0, 0x01})
	lb, _ := hub.Attach(link.Addr{0x02, 0, 0, 0, 0, 0x02})

	crownCfg := testConfig()
	crownCfg.Uplink.Collector = col.Addr().String()
	crown, err := New(crownCfg, BuildOptions{Link: la, Stay: true})
	if err != nil {
		t.Fatalf("crown: %v", err)
	}
	defer crown.Close()
	crownDone := make(chan error, 1)
	go func() { crownDone <- crown.Run(ctx) }()
	select {
	case <-crown.Coordinator.Elected():
	case <-time.After(5 * time.Second):
		t.Fatalf("crown not elected")
	}
	if !crown.CrownLight.IsOn() {
		t.Fatalf("crown light off")
	}

	followerCfg := testConfig()
	followerCfg.Node.ElectionTimeout = time.Minute
	followerCfg.Secrets.Dir = secrets
	follower, err := New(followerCfg, BuildOptions{Link: lb})
	if err != nil {
		t.Fatalf("follower: %v", err)
	}
	defer follower.Close()
	runCtx, runCancel := context.WithTimeout(ctx, 5*time.Second)
	defer runCancel()
	if err := follower.Run(runCtx); err != nil {
		t.Fatalf("follower run: %v", err)
	}
	if !follower.PeerLight.IsOn() {
		t.Fatalf("peer light off")
	}

	select {
	case m := <-got:
		if m.Peer != lb.Addr().String() || m.Crown != la.Addr().String() || m.NetCheck != "uplink-ok" {
			t.Fatalf("unexpected report %+v", m)
		}
	case <-time.After(10 * time.Second):
		t.Fatalf("no report at collector")
	}
	cancel()
	if err := <-crownDone; !errors.Is(err, context.Canceled) {
		t.Fatalf("crown run: %v", err)
	}
}

type panicLink struct {
	addr   link.Addr
	calls  atomic.Int32
	closed atomic.Bool
}

func (l *panicLink) Addr() link.Addr { return l.addr }

func (l *panicLink) Send(link.Addr, []byte) error { return nil }

func (l *panicLink) Broadcast([]byte) error { return nil }

func (l *panicLink) Close() error {
	l.closed.Store(true)
	return nil
}

func (l *panicLink) Receive(time.Duration) (link.Datagram, bool, error) {
	switch l.calls.Add(1) {
	case 1:
		panic("driver fault")
	case 2:
		return link.Datagram{}, false, errors.New("transient")
	default:
		return link.Datagram{}, false, link.ErrClosed
	}
}

func TestRunnerSurvivesPanicAndStopsOnClose(t *testing.T) {
	l := &panicLink{addr: link.Addr{0x02, 0, 0, 0, 0, 0x09}}
	engine, err := crypto.NewEngine(crypto.Options{})
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	rec := metrics.NewRecorder(nil)
	coord := node.New(l, engine, peer.NewRegistry(peer.Options{}), node.Options{Metrics: rec})
	snap := filepath.Join(t.TempDir(), "snap.json")
	r, err := NewRunner(l, coord, Options{Metrics: rec, SnapshotPath: snap, SnapshotInterval: time.Hour})
	if err != nil {
		t.Fatalf("runner: %v", err)
	}
	err = r.Run(context.Background())
	if !errors.Is(err, link.ErrClosed) {
		t.Fatalf("run returned %v", err)
	}
	if n := rec.Snapshot().DropByReason["panic"]; n != 1 {
		t.Fatalf("panic drops = %d", n)
	}
	data, err := os.ReadFile(snap)
	if err != nil {
		t.Fatalf("snapshot not written on exit: %v", err)
	}
	var s metrics.Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		t.Fatalf("snapshot json: %v", err)
	}
}

type failingLink struct {
	panicLink
}

func (l *failingLink) Receive(time.Duration) (link.Datagram, bool, error) {
	l.calls.Add(1)
	return link.Datagram{}, false, errors.New("read: connection refused")
}

func TestRunnerPacesPersistentReceiveErrors(t *testing.T) {
	l := &failingLink{panicLink{addr: link.Addr{0x02, 0, 0, 0, 0, 0x0a}}}
	engine, err := crypto.NewEngine(crypto.Options{})
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	coord := node.New(l, engine, peer.NewRegistry(peer.Options{}), node.Options{})
	r, err := NewRunner(l, coord, Options{PollInterval: 20 * time.Millisecond, Stay: true})
	if err != nil {
		t.Fatalf("runner: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if err := r.Run(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("run returned %v", err)
	}
	if n := l.calls.Load(); n < 2 || n > 20 {
		t.Fatalf("receive called %d times in 200ms at a 20ms poll", n)
	}
}

func TestRunnerStopsOnContext(t *testing.T) {
	hub := link.NewHub(link.HubOptions{})
	l, _ := hub.Attach(link.Addr{0x02, 0, 0, 0, 0, 0x01})
	d, err := New(testConfig(), BuildOptions{Link: l, Stay: true})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer d.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if err := d.Run(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("run returned %v", err)
	}
	if d.Coordinator.Role() != node.RoleCrown {
		t.Fatalf("lone node should have become crown, is %s", d.Coordinator.Role())
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Crypto.Bootstrap = "nope"
	if _, err := New(cfg, BuildOptions{Link: &panicLink{}}); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestResolveAddr(t *testing.T) {
	a, err := ResolveAddr("02:11:22:33:44:55")
	if err != nil || a.String() != "02:11:22:33:44:55" {
		t.Fatalf("explicit addr: %s %v", a, err)
	}
	if _, err := ResolveAddr("zz"); err == nil {
		t.Fatalf("expected parse error")
	}
	a, err = ResolveAddr("")
	if err != nil || a.IsZero() || a.IsBroadcast() {
		t.Fatalf("derived addr: %s %v", a, err)
	}
}

func TestRejoinPolicy(t *testing.T) {
	if rejoinPolicy(config.RejoinConfig{Interval: time.Second}) != nil {
		t.Fatalf("disabled rejoin produced a policy")
	}
	b := rejoinPolicy(config.RejoinConfig{Enabled: true, Interval: time.Second, MaxRetries: 1})
	if b == nil || b.NextBackOff() != time.Second {
		t.Fatalf("unexpected first backoff")
	}
	if d := b.NextBackOff(); d >= 0 {
		t.Fatalf("retries not capped: %s", d)
	}
}

func TestLogLight(t *testing.T) {
	l := NewLogLight("crown", nil)
	if l.IsOn() {
		t.Fatalf("new light is on")
	}
	l.On()
	l.On()
	if !l.IsOn() {
		t.Fatalf("light did not turn on")
	}
	l.Off()
	if l.IsOn() {
		t.Fatalf("light did not turn off")
	}
}
