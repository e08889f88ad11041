package node

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"crownlink/internal/crypto"
	"crownlink/internal/link"
	"crownlink/internal/peer"
	"crownlink/internal/proto"
)

// crownOnExistingCrownLocked answers a node looking for a crown and opens
// a bootstrap record for it. A known peer announcing again has restarted,
// so any session it had is dropped.
func (c *Coordinator) crownOnExistingCrownLocked(from link.Addr) error {
	pair, err := c.rebootstrapLocked(from)
	if err != nil {
		return err
	}
	pair.Destroy()
	c.sendLogged(from, proto.RespExistingCrown{Mac: c.self})
	c.log.Debug("answered existingCrown", zap.Stringer("peer", from))
	return nil
}

func (c *Coordinator) crownHandlePrivateLocked(d link.Datagram) error {
	if !c.registry.Has(d.From) {
		return fmt.Errorf("%w: %s", peer.ErrUnknownPeer, d.From)
	}
	if !proto.IsPlain(d.Payload) {
		return c.crownOnReqAsmKeyLocked(d.From, d.Payload)
	}
	msg, err := proto.Decode(d.Payload)
	if err != nil {
		return err
	}
	c.metrics.IncRecvByType(msg.MsgType())
	m, ok := msg.(proto.ReqPublicKey)
	if !ok {
		return fmt.Errorf("%w: private %s as crown", ErrUnexpectedMessage, msg.MsgType())
	}
	if m.Mac != d.From {
		return fmt.Errorf("%w: mac %s from %s", ErrUnexpectedSender, m.Mac, d.From)
	}
	return c.crownOnReqPublicKeyLocked(d.From)
}

// crownOnReqPublicKeyLocked hands out a fresh shareable half. Its secret
// replaces whatever was stored for the peer so the reqAsmKey that follows
// opens with the matching half. A joined peer asking again lost its ack and
// gets the ack again instead.
func (c *Coordinator) crownOnReqPublicKeyLocked(from link.Addr) error {
	if rec, ok := c.registry.Get(from); ok && rec.State == peer.StateJoined {
		c.log.Debug("re-sending privkeyAck", zap.Stringer("peer", from))
		return c.sendAckLocked(from)
	}
	pair, err := c.rebootstrapLocked(from)
	if err != nil {
		return err
	}
	defer pair.Destroy()
	c.sendLogged(from, proto.RespPublicKey{PublicKey: pair.Shareable})
	return nil
}

func (c *Coordinator) crownOnReqAsmKeyLocked(from link.Addr, blob []byte) error {
	secret, err := c.registry.Bootstrap(from)
	if err != nil {
		return err
	}
	pt, err := c.engine.BootstrapDecrypt(secret, blob)
	if err != nil {
		return err
	}
	msg, err := proto.Decode(pt)
	if err != nil {
		return err
	}
	c.metrics.IncRecvByType(msg.MsgType())
	req, ok := msg.(proto.ReqAsmKey)
	if !ok {
		return fmt.Errorf("%w: sealed %s as crown", ErrUnexpectedMessage, msg.MsgType())
	}
	if req.Mac != from {
		return fmt.Errorf("%w: mac %s from %s", ErrUnexpectedSender, req.Mac, from)
	}
	if _, err := c.engine.AddPeer(from, req.PrivateKey); err != nil {
		return err
	}
	if err := c.registry.Join(from, req.PrivateKey, req.NetCheck); err != nil {
		c.engine.RemovePeer(from)
		return err
	}
	if err := c.sendAckLocked(from); err != nil {
		return err
	}

	at := c.now()
	c.metrics.IncJoin(from.String(), req.NetCheck, at)
	c.metrics.SetPeers(c.registry.Joined())
	c.log.Info("peer joined", zap.Stringer("peer", from), zap.String("net_check", req.NetCheck))
	if c.reporter != nil {
		c.reporter.Report(proto.PeerJoinedMsg{
			Crown:    c.self.String(),
			Peer:     from.String(),
			NetCheck: req.NetCheck,
			At:       at.UTC(),
		})
	}
	return nil
}

func (c *Coordinator) sendAckLocked(to link.Addr) error {
	ack, err := proto.Encode(proto.PrivkeyAck{Success: true})
	if err != nil {
		return err
	}
	sealed, err := c.engine.SealFor(to, ack)
	if err != nil {
		return err
	}
	if err := c.link.Send(to, sealed); err != nil {
		c.log.Warn("privkeyAck send failed", zap.Stringer("peer", to), zap.Error(err))
	}
	return nil
}

// rebootstrapLocked stores a fresh secret half for addr and returns the
// pair. A joined peer loses its session key.
func (c *Coordinator) rebootstrapLocked(addr link.Addr) (*crypto.EphemeralKeyPair, error) {
	pair, err := c.engine.GenerateEphemeralKeyPair()
	if err != nil {
		return nil, err
	}
	if _, err := c.registry.Bootstrap(addr); errors.Is(err, peer.ErrNotBootstrapping) {
		c.engine.RemovePeer(addr)
		c.log.Info("joined peer starting over", zap.Stringer("peer", addr))
	}
	c.registry.PutBootstrap(addr, pair.Secret)
	c.metrics.SetPeers(c.registry.Joined())
	return pair, nil
}
