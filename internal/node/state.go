package node

import (
	"errors"
	"fmt"

	"crownlink/internal/crypto"
	"crownlink/internal/peer"
	"crownlink/internal/proto"
)

type Role uint8

const (
	RoleUndecided Role = iota
	RoleFollower
	RoleCrown
)

func (r Role) String() string {
	switch r {
	case RoleUndecided:
		return "undecided"
	case RoleFollower:
		return "follower"
	case RoleCrown:
		return "crown"
	default:
		return fmt.Sprintf("role(%d)", uint8(r))
	}
}

// Stage is the follower handshake progress. It never goes backwards.
type Stage uint8

const (
	StageInit Stage = iota
	StageAwaitingPublicKey
	StageAwaitingAck
	StageConnected
)

func (s Stage) String() string {
	switch s {
	case StageInit:
		return "init"
	case StageAwaitingPublicKey:
		return "awaiting_public_key"
	case StageAwaitingAck:
		return "awaiting_ack"
	case StageConnected:
		return "connected"
	default:
		return fmt.Sprintf("stage(%d)", uint8(s))
	}
}

var (
	ErrUnexpectedSender  = errors.New("unexpected sender")
	ErrUnexpectedMessage = errors.New("unexpected message")
	errNotForUs          = errors.New("not addressed to us")
)

// Light is a status indicator. The crown light shows election, the peer
// light a completed join.
type Light interface {
	On()
	Off()
}

type nopLight struct{}

func (nopLight) On()  {}
func (nopLight) Off() {}

// Reporter receives one report per completed join on the crown.
type Reporter interface {
	Report(proto.PeerJoinedMsg)
}

// DropReason maps a dispatch error to a metric label.
func DropReason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, crypto.ErrAuthenticationFailed):
		return "auth_failed"
	case errors.Is(err, crypto.ErrMessageExpired):
		return "expired"
	case errors.Is(err, crypto.ErrReplayDetected):
		return "replay"
	case errors.Is(err, crypto.ErrNonceCollision):
		return "nonce_collision"
	case errors.Is(err, crypto.ErrNonceCacheFull):
		return "nonce_cache_full"
	case errors.Is(err, crypto.ErrInvalidLength):
		return "invalid_length"
	case errors.Is(err, crypto.ErrInvalidPadding):
		return "invalid_padding"
	case errors.Is(err, crypto.ErrLengthMismatch):
		return "length_mismatch"
	case errors.Is(err, crypto.ErrInvalidKey):
		return "invalid_key"
	case errors.Is(err, proto.ErrMalformedEnvelope):
		return "malformed"
	case errors.Is(err, peer.ErrUnknownPeer):
		return "unknown_peer"
	case errors.Is(err, peer.ErrNotBootstrapping):
		return "not_bootstrapping"
	case errors.Is(err, ErrUnexpectedSender):
		return "unexpected_sender"
	case errors.Is(err, ErrUnexpectedMessage):
		return "unexpected_message"
	case errors.Is(err, errNotForUs):
		return "not_for_us"
	default:
		return "other"
	}
}
