package network

import "testing"

func TestSourceLimiterCaps(t *testing.T) {
	lim := newSourceLimiter(1, 2)
	if !lim.acquireConn("10.0.0.1") {
		t.Fatalf("first conn refused")
	}
	if lim.acquireConn("10.0.0.1") {
		t.Fatalf("conn cap not enforced")
	}
	if !lim.acquireConn("10.0.0.2") {
		t.Fatalf("other host refused")
	}
	lim.releaseConn("10.0.0.1")
	if !lim.acquireConn("10.0.0.1") {
		t.Fatalf("conn refused after release")
	}

	if !lim.acquireStream("10.0.0.1") || !lim.acquireStream("10.0.0.1") {
		t.Fatalf("streams refused under cap")
	}
	if lim.acquireStream("10.0.0.1") {
		t.Fatalf("stream cap not enforced")
	}
	lim.releaseStream("10.0.0.1")
	lim.releaseStream("10.0.0.1")
	if len(lim.streams) != 0 {
		t.Fatalf("released host still tracked: %v", lim.streams)
	}
}

func TestSourceLimiterUnlimited(t *testing.T) {
	lim := newSourceLimiter(0, 0)
	for i := 0; i < 100; i++ {
		if !lim.acquireConn("h") || !lim.acquireStream("h") {
			t.Fatalf("unlimited limiter refused at %d", i)
		}
	}
	if len(lim.conns) != 0 || len(lim.streams) != 0 {
		t.Fatalf("unlimited limiter kept counts")
	}
}
