// Package link is the addressed datagram transport the coordinator runs on.
// It gives no ordering, delivery or dedup guarantees.
package link

import (
	"errors"
	"fmt"
	"net"
	"time"
)

// Addr is a 6-byte hardware-style link address.
type Addr [6]byte

// Broadcast is the all-ones address every node listens on.
var Broadcast = Addr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

var ErrClosed = errors.New("link closed")

func (a Addr) IsBroadcast() bool {
	return a == Broadcast
}

func (a Addr) IsZero() bool {
	return a == Addr{}
}

func (a Addr) String() string {
	return net.HardwareAddr(a[:]).String()
}

func (a Addr) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

func (a *Addr) UnmarshalText(b []byte) error {
	parsed, err := ParseAddr(string(b))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// ParseAddr accepts the usual colon or dash separated forms.
func ParseAddr(s string) (Addr, error) {
	hw, err := net.ParseMAC(s)
	if err != nil {
		return Addr{}, err
	}
	if len(hw) != len(Addr{}) {
		return Addr{}, fmt.Errorf("bad link addr length %d", len(hw))
	}
	var a Addr
	copy(a[:], hw)
	return a, nil
}

// Datagram is one received frame. To is either the receiver or Broadcast.
type Datagram struct {
	From    Addr
	To      Addr
	Payload []byte
}

// Identity supplies this node's stable link address.
type Identity interface {
	Addr() Addr
}

type Link interface {
	Identity
	Send(to Addr, payload []byte) error
	Broadcast(payload []byte) error
	// Receive waits up to timeout for one datagram. A zero timeout polls.
	// ok is false when nothing arrived.
	Receive(timeout time.Duration) (d Datagram, ok bool, err error)
	Close() error
}
