package link

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"
)

func TestParseAddrRoundTrip(t *testing.T) {
	a, err := ParseAddr("02:00:00:aa:bb:cc")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if a.String() != "02:00:00:aa:bb:cc" {
		t.Fatalf("unexpected string %q", a.String())
	}
	if _, err := ParseAddr("02:00:00:aa:bb:cc:dd:ee"); err == nil {
		t.Fatalf("expected length error for 8-byte addr")
	}
	if _, err := ParseAddr("nope"); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestAddrJSON(t *testing.T) {
	type wrap struct {
		Mac Addr `json:"mac"`
	}
	in := wrap{Mac: Addr{0x02, 1, 2, 3, 4, 5}}
	b, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(b) != `{"mac":"02:01:02:03:04:05"}` {
		t.Fatalf("unexpected json %s", b)
	}
	var out wrap
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.Mac != in.Mac {
		t.Fatalf("mismatch: %s vs %s", out.Mac, in.Mac)
	}
}

func TestRandomAddrLocallyAdministered(t *testing.T) {
	for i := 0; i < 32; i++ {
		a, err := RandomAddr(nil)
		if err != nil {
			t.Fatalf("random: %v", err)
		}
		if a[0]&0x01 != 0 {
			t.Fatalf("multicast bit set: %s", a)
		}
		if a[0]&0x02 == 0 {
			t.Fatalf("local bit not set: %s", a)
		}
	}
}

func TestHubUnicastAndBroadcast(t *testing.T) {
	hub := NewHub(HubOptions{})
	a := mustAttach(t, hub, Addr{0x02, 0, 0, 0, 0, 1})
	b := mustAttach(t, hub, Addr{0x02, 0, 0, 0, 0, 2})
	c := mustAttach(t, hub, Addr{0x02, 0, 0, 0, 0, 3})

	if err := a.Send(b.Addr(), []byte("hi")); err != nil {
		t.Fatalf("send: %v", err)
	}
	d, ok, err := b.Receive(time.Second)
	if err != nil || !ok {
		t.Fatalf("b receive: ok=%v err=%v", ok, err)
	}
	if d.From != a.Addr() || d.To != b.Addr() || !bytes.Equal(d.Payload, []byte("hi")) {
		t.Fatalf("unexpected datagram %+v", d)
	}
	if _, ok, _ := c.Receive(0); ok {
		t.Fatalf("c should not see unicast to b")
	}

	if err := a.Broadcast([]byte("all")); err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	for _, l := range []*MemLink{b, c} {
		d, ok, err := l.Receive(time.Second)
		if err != nil || !ok {
			t.Fatalf("%s receive: ok=%v err=%v", l.Addr(), ok, err)
		}
		if !d.To.IsBroadcast() {
			t.Fatalf("expected broadcast destination, got %s", d.To)
		}
	}
	if _, ok, _ := a.Receive(0); ok {
		t.Fatalf("sender should not hear its own broadcast")
	}
}

func TestHubRejectsBadAttach(t *testing.T) {
	hub := NewHub(HubOptions{})
	if _, err := hub.Attach(Addr{}); err == nil {
		t.Fatalf("expected zero addr rejection")
	}
	if _, err := hub.Attach(Broadcast); err == nil {
		t.Fatalf("expected broadcast addr rejection")
	}
	mustAttach(t, hub, Addr{0x02, 0, 0, 0, 0, 9})
	if _, err := hub.Attach(Addr{0x02, 0, 0, 0, 0, 9}); err == nil {
		t.Fatalf("expected duplicate rejection")
	}
}

func TestHubLossAndDuplicate(t *testing.T) {
	lossy := NewHub(HubOptions{Loss: 1, Seed: 7})
	a := mustAttach(t, lossy, Addr{0x02, 0, 0, 0, 0, 1})
	b := mustAttach(t, lossy, Addr{0x02, 0, 0, 0, 0, 2})
	_ = a.Send(b.Addr(), []byte("x"))
	if _, ok, _ := b.Receive(0); ok {
		t.Fatalf("loss=1 should drop everything")
	}

	dup := NewHub(HubOptions{Duplicate: 1, Seed: 7})
	a = mustAttach(t, dup, Addr{0x02, 0, 0, 0, 0, 1})
	b = mustAttach(t, dup, Addr{0x02, 0, 0, 0, 0, 2})
	_ = a.Send(b.Addr(), []byte("x"))
	for i := 0; i < 2; i++ {
		if _, ok, _ := b.Receive(0); !ok {
			t.Fatalf("copy %d missing", i)
		}
	}
}

func TestMemLinkClosed(t *testing.T) {
	hub := NewHub(HubOptions{})
	a := mustAttach(t, hub, Addr{0x02, 0, 0, 0, 0, 1})
	_ = a.Close()
	_ = a.Close()
	if err := a.Send(Broadcast, nil); err != ErrClosed {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if _, _, err := a.Receive(time.Millisecond); err != ErrClosed {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if _, err := hub.Attach(a.Addr()); err != nil {
		t.Fatalf("addr should be free after close: %v", err)
	}
}

func TestDedupDropsRepeatsWithinWindow(t *testing.T) {
	hub := NewHub(HubOptions{Duplicate: 1, Seed: 1})
	a := mustAttach(t, hub, Addr{0x02, 0, 0, 0, 0, 1})
	raw := mustAttach(t, hub, Addr{0x02, 0, 0, 0, 0, 2})
	b := Dedup(raw, 16, time.Minute)

	_ = a.Send(raw.Addr(), []byte("once"))
	if _, ok, _ := b.Receive(0); !ok {
		t.Fatalf("first copy should pass")
	}
	if _, ok, _ := b.Receive(0); ok {
		t.Fatalf("second copy should be swallowed")
	}
	_ = a.Send(raw.Addr(), []byte("other"))
	if d, ok, _ := b.Receive(0); !ok || string(d.Payload) != "other" {
		t.Fatalf("distinct payload should pass")
	}
}

func TestDedupWindowExpires(t *testing.T) {
	hub := NewHub(HubOptions{})
	a := mustAttach(t, hub, Addr{0x02, 0, 0, 0, 0, 1})
	raw := mustAttach(t, hub, Addr{0x02, 0, 0, 0, 0, 2})
	b := Dedup(raw, 16, 20*time.Millisecond)

	_ = a.Send(raw.Addr(), []byte("p"))
	if _, ok, _ := b.Receive(0); !ok {
		t.Fatalf("first copy should pass")
	}
	time.Sleep(60 * time.Millisecond)
	_ = a.Send(raw.Addr(), []byte("p"))
	if _, ok, _ := b.Receive(0); !ok {
		t.Fatalf("copy after window should pass")
	}
}

func TestFrameCodec(t *testing.T) {
	src := Addr{0x02, 1, 1, 1, 1, 1}
	frame, err := encodeFrame(src, Broadcast, []byte("payload"))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	d, err := decodeFrame(frame)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if d.From != src || !d.To.IsBroadcast() || string(d.Payload) != "payload" {
		t.Fatalf("unexpected datagram %+v", d)
	}
	if _, err := decodeFrame(frame[:5]); err == nil {
		t.Fatalf("short frame should fail")
	}
	bad := append([]byte(nil), frame...)
	bad[2] = 9
	if _, err := decodeFrame(bad); err == nil {
		t.Fatalf("wrong version should fail")
	}
}

func TestUDPLinkLoopback(t *testing.T) {
	a, err := ListenUDP(UDPOptions{Addr: Addr{0x02, 0, 0, 0, 0, 1}, Listen: "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("listen a: %v", err)
	}
	defer a.Close()
	b, err := ListenUDP(UDPOptions{
		Addr:      Addr{0x02, 0, 0, 0, 0, 2},
		Listen:    "127.0.0.1:0",
		Broadcast: []string{a.LocalAddr().String()},
	})
	if err != nil {
		t.Fatalf("listen b: %v", err)
	}
	defer b.Close()

	if err := b.Broadcast([]byte("hello")); err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	d := mustReceive(t, a)
	if d.From != b.Addr() || !d.To.IsBroadcast() || string(d.Payload) != "hello" {
		t.Fatalf("unexpected datagram %+v", d)
	}

	// a learned b's endpoint from the broadcast and can now reply unicast
	if err := a.Send(b.Addr(), []byte("reply")); err != nil {
		t.Fatalf("send: %v", err)
	}
	d = mustReceive(t, b)
	if d.From != a.Addr() || d.To != b.Addr() || string(d.Payload) != "reply" {
		t.Fatalf("unexpected datagram %+v", d)
	}

	// frames for someone else are filtered
	if err := b.Send(Addr{0x02, 9, 9, 9, 9, 9}, []byte("stray")); err != nil {
		t.Fatalf("send stray: %v", err)
	}
	if _, ok, err := a.Receive(100 * time.Millisecond); ok || err != nil {
		t.Fatalf("stray frame should be filtered: ok=%v err=%v", ok, err)
	}
}

func TestUDPLinkClosedReceive(t *testing.T) {
	a, err := ListenUDP(UDPOptions{Addr: Addr{0x02, 0, 0, 0, 0, 1}, Listen: "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	_ = a.Close()
	if _, _, err := a.Receive(10 * time.Millisecond); err != ErrClosed {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func mustAttach(t *testing.T, hub *Hub, addr Addr) *MemLink {
	t.Helper()
	l, err := hub.Attach(addr)
	if err != nil {
		t.Fatalf("attach %s: %v", addr, err)
	}
	return l
}

func mustReceive(t *testing.T, l Link) Datagram {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		d, ok, err := l.Receive(50 * time.Millisecond)
		if err != nil {
			t.Fatalf("receive: %v", err)
		}
		if ok {
			return d
		}
	}
	t.Fatalf("timeout waiting for datagram on %s", l.Addr())
	return Datagram{}
}
