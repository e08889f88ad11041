// Package proto defines the crown handshake messages and their JSON form.
package proto

import (
	"crownlink/internal/link"
)

const (
	MsgTypeExistingCrown     = "existingCrown"
	MsgTypeRespExistingCrown = "respExistingCrown"
	MsgTypeReqPublicKey      = "reqPublickey"
	MsgTypeRespPublicKey     = "respPublickey"
	MsgTypeReqAsmKey         = "reqAsmKey"
	MsgTypePrivkeyAck        = "privkeyAck"

	PublicKeySize     = 32
	MinSessionKeySize = 16
	MaxSessionKeySize = 32
	MaxNetCheckSize   = 1 << 10
	MaxMessageSize    = 4 << 10
)

// Message is one of the six handshake variants below.
type Message interface {
	MsgType() string
}

// ExistingCrown is broadcast by a starting node to find a crown.
type ExistingCrown struct {
	Mac link.Addr
}

type RespExistingCrown struct {
	Mac link.Addr
}

type ReqPublicKey struct {
	Mac link.Addr
}

type RespPublicKey struct {
	PublicKey [PublicKeySize]byte
}

// ReqAsmKey carries the follower's session key. It only travels sealed
// with the bootstrap scheme.
type ReqAsmKey struct {
	Mac        link.Addr
	PrivateKey []byte
	NetCheck   string
}

// PrivkeyAck only travels sealed with the session key.
type PrivkeyAck struct {
	Success bool
}

func (ExistingCrown) MsgType() string     { return MsgTypeExistingCrown }
func (RespExistingCrown) MsgType() string { return MsgTypeRespExistingCrown }
func (ReqPublicKey) MsgType() string      { return MsgTypeReqPublicKey }
func (RespPublicKey) MsgType() string     { return MsgTypeRespPublicKey }
func (ReqAsmKey) MsgType() string         { return MsgTypeReqAsmKey }
func (PrivkeyAck) MsgType() string        { return MsgTypePrivkeyAck }

func (m ReqAsmKey) String() string {
	return "ReqAsmKey{Mac:" + m.Mac.String() + " PrivateKey:REDACTED NetCheck:" + m.NetCheck + "}"
}
