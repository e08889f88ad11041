// Package store keeps the collector's join reports as JSON lines.
package store

import (
	"bufio"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sync"

	"crownlink/internal/proto"
)

const maxScanSize = 2 * proto.MaxPeerJoinedSize

// JoinLog is an append-only file of peerJoined reports.
type JoinLog struct {
	mu   sync.Mutex
	path string
}

func NewJoinLog(path string) (*JoinLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, err
	}
	return &JoinLog{path: path}, nil
}

func (s *JoinLog) Path() string {
	return s.path
}

func newScanner(r io.Reader) *bufio.Scanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4*1024), maxScanSize)
	return sc
}

func syncDir(path string) {
	dir, err := os.Open(filepath.Dir(path))
	if err != nil {
		return
	}
	defer dir.Close()
	_ = dir.Sync()
}

func (s *JoinLog) Append(m proto.PeerJoinedMsg) error {
	if m.Type == "" {
		m.Type = proto.MsgTypePeerJoined
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, statErr := os.Stat(s.path)
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := json.NewEncoder(f).Encode(m); err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		return err
	}
	if os.IsNotExist(statErr) {
		syncDir(s.path)
	}
	return nil
}

// List returns every readable report in file order. Corrupt lines are
// skipped.
func (s *JoinLog) List() ([]proto.PeerJoinedMsg, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var out []proto.PeerJoinedMsg
	sc := newScanner(f)
	for sc.Scan() {
		m, err := proto.DecodePeerJoinedMsg(sc.Bytes())
		if err == nil {
			out = append(out, m)
		}
	}
	return out, sc.Err()
}

// Latest returns the most recent report per peer, keyed by peer address.
func (s *JoinLog) Latest() (map[string]proto.PeerJoinedMsg, error) {
	all, err := s.List()
	if err != nil {
		return nil, err
	}
	out := make(map[string]proto.PeerJoinedMsg, len(all))
	for _, m := range all {
		if prev, ok := out[m.Peer]; ok && prev.At.After(m.At) {
			continue
		}
		out[m.Peer] = m
	}
	return out, nil
}
