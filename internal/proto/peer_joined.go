package proto

import (
	"encoding/json"
	"fmt"
	"time"
)

const (
	MsgTypePeerJoined = "peerJoined"
	MaxPeerJoinedSize = 4 << 10
)

// PeerJoinedMsg is what a crown reports to the collector for each join.
type PeerJoinedMsg struct {
	Type     string    `json:"type"`
	Crown    string    `json:"crown"`
	Peer     string    `json:"peer"`
	NetCheck string    `json:"netCheck"`
	At       time.Time `json:"at"`
}

func EncodePeerJoinedMsg(m PeerJoinedMsg) ([]byte, error) {
	if m.Type == "" {
		m.Type = MsgTypePeerJoined
	}
	return json.Marshal(m)
}

func DecodePeerJoinedMsg(data []byte) (PeerJoinedMsg, error) {
	if len(data) > MaxPeerJoinedSize {
		return PeerJoinedMsg{}, fmt.Errorf("%w: %d bytes", ErrMalformedEnvelope, len(data))
	}
	var m PeerJoinedMsg
	if err := json.Unmarshal(data, &m); err != nil {
		return PeerJoinedMsg{}, err
	}
	if m.Type != MsgTypePeerJoined {
		return PeerJoinedMsg{}, fmt.Errorf("unexpected msg type: %s", m.Type)
	}
	if m.Crown == "" || m.Peer == "" {
		return PeerJoinedMsg{}, fmt.Errorf("%w: missing crown or peer", ErrMalformedEnvelope)
	}
	return m, nil
}
