package proto

import (
	"errors"
	"testing"
	"time"
)

func TestPeerJoinedMsg(t *testing.T) {
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	b, err := EncodePeerJoinedMsg(PeerJoinedMsg{Crown: "02:00:00:00:00:01", Peer: "02:00:00:00:00:02", NetCheck: "ok", At: at})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	want := `{"type":"peerJoined","crown":"02:00:00:00:00:01","peer":"02:00:00:00:00:02","netCheck":"ok","at":"2024-05-01T12:00:00Z"}`
	if string(b) != want {
		t.Fatalf("got %s", b)
	}
	m, err := DecodePeerJoinedMsg(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !m.At.Equal(at) || m.NetCheck != "ok" {
		t.Fatalf("unexpected %+v", m)
	}
	if _, err := DecodePeerJoinedMsg([]byte(`{"type":"existingCrown"}`)); err == nil {
		t.Fatalf("expected type error")
	}
	if _, err := DecodePeerJoinedMsg([]byte(`{"type":"peerJoined"}`)); !errors.Is(err, ErrMalformedEnvelope) {
		t.Fatalf("expected ErrMalformedEnvelope, got %v", err)
	}
}
