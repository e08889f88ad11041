package node

import (
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"crownlink/internal/crypto"
	"crownlink/internal/link"
	"crownlink/internal/proto"
)

func (c *Coordinator) followerOnRespExistingCrownLocked(from link.Addr, m proto.RespExistingCrown) error {
	if c.role != RoleUndecided {
		// late or duplicated reply from the crown we already follow
		if c.role == RoleFollower && from == c.session.Crown {
			return nil
		}
		return fmt.Errorf("%w: respExistingCrown as %s", ErrUnexpectedMessage, c.role)
	}
	if m.Mac != from {
		return fmt.Errorf("%w: mac %s from %s", ErrUnexpectedSender, m.Mac, from)
	}
	c.role = RoleFollower
	c.session.Crown = from
	c.crownLight.Off()
	c.setStageLocked(StageAwaitingPublicKey)
	c.metrics.SetRole(RoleFollower.String())
	c.log.Info("found crown", zap.Stringer("crown", from))
	c.sendLogged(from, proto.ReqPublicKey{Mac: c.self})
	c.scheduleRetryLocked(true)
	return nil
}

func (c *Coordinator) followerOnRespPublicKeyLocked(from link.Addr, m proto.RespPublicKey) error {
	if c.role != RoleFollower {
		return fmt.Errorf("%w: respPublickey as %s", ErrUnexpectedMessage, c.role)
	}
	if from != c.session.Crown {
		return fmt.Errorf("%w: %s is not crown %s", ErrUnexpectedSender, from, c.session.Crown)
	}
	switch {
	case c.stage == StageAwaitingPublicKey:
	case c.stage == StageAwaitingAck && c.rejoin != nil:
		// answer to a retry: same session key, fresh crown half
	default:
		return fmt.Errorf("%w: respPublickey in %s", ErrUnexpectedMessage, c.stage)
	}

	key := c.session.SessionKey
	if key == nil {
		k, err := c.engine.GenerateSymmetricKey()
		if err != nil {
			return err
		}
		key = k
	}
	netCheck := c.session.NetCheck
	if c.stage == StageAwaitingPublicKey {
		netCheck = c.lookupNetCheck()
	}
	pt, err := proto.Encode(proto.ReqAsmKey{Mac: c.self, PrivateKey: key, NetCheck: netCheck})
	if err != nil {
		return err
	}
	blob, err := c.engine.BootstrapEncrypt(m.PublicKey, pt)
	if err != nil {
		return err
	}

	advanced := c.stage == StageAwaitingPublicKey
	c.session.CrownKey = m.PublicKey
	c.session.SessionKey = key
	c.session.NetCheck = netCheck
	c.setStageLocked(StageAwaitingAck)
	if err := c.link.Send(from, blob); err != nil {
		c.log.Warn("reqAsmKey send failed", zap.Stringer("crown", from), zap.Error(err))
	}
	c.scheduleRetryLocked(advanced)
	c.log.Debug("sent reqAsmKey", zap.Stringer("crown", from))
	return nil
}

func (c *Coordinator) followerOnSealedLocked(from link.Addr, blob []byte) error {
	if c.role != RoleFollower || c.stage != StageAwaitingAck {
		return fmt.Errorf("%w: sealed datagram as %s/%s", ErrUnexpectedMessage, c.role, c.stage)
	}
	if from != c.session.Crown {
		return fmt.Errorf("%w: %s is not crown %s", ErrUnexpectedSender, from, c.session.Crown)
	}
	pt, err := crypto.AuthenticatedDecrypt(c.session.SessionKey, blob)
	if err != nil {
		return err
	}
	msg, err := proto.Decode(pt)
	if err != nil {
		return err
	}
	c.metrics.IncRecvByType(msg.MsgType())
	ack, ok := msg.(proto.PrivkeyAck)
	if !ok {
		return fmt.Errorf("%w: sealed %s as follower", ErrUnexpectedMessage, msg.MsgType())
	}
	if !ack.Success {
		c.log.Warn("crown refused join", zap.Stringer("crown", from))
		return nil
	}
	if _, err := c.engine.AddPeer(from, c.session.SessionKey); err != nil {
		return err
	}
	c.setStageLocked(StageConnected)
	c.nextRetry = time.Time{}
	c.peerLight.On()
	close(c.done)
	c.log.Info("connected to crown", zap.Stringer("crown", from))
	return nil
}

func (c *Coordinator) lookupNetCheck() string {
	if c.netCheck == nil {
		return ""
	}
	v, ok := c.netCheck()
	if !ok {
		c.log.Warn("net check unavailable, sending empty value")
		return ""
	}
	return v
}

func (c *Coordinator) setStageLocked(s Stage) {
	if s < c.stage {
		return
	}
	c.stage = s
	c.metrics.SetStage(int(s))
}

// scheduleRetryLocked arms the next reqPublickey retry. reset restarts the
// backoff after real progress.
func (c *Coordinator) scheduleRetryLocked(reset bool) {
	if c.rejoin == nil {
		return
	}
	if reset {
		c.rejoin.Reset()
	} else if !c.nextRetry.IsZero() {
		return
	}
	c.armRetryLocked(c.now())
}

func (c *Coordinator) armRetryLocked(now time.Time) {
	d := c.rejoin.NextBackOff()
	if d == backoff.Stop {
		c.nextRetry = time.Time{}
		c.log.Warn("join retries exhausted", zap.Stringer("crown", c.session.Crown), zap.Stringer("stage", c.stage))
		return
	}
	c.nextRetry = now.Add(d)
}

func (c *Coordinator) retryLocked(now time.Time) {
	if c.rejoin == nil || c.nextRetry.IsZero() || now.Before(c.nextRetry) {
		return
	}
	if c.stage != StageAwaitingPublicKey && c.stage != StageAwaitingAck {
		c.nextRetry = time.Time{}
		return
	}
	c.log.Info("retrying join", zap.Stringer("crown", c.session.Crown), zap.Stringer("stage", c.stage))
	c.sendLogged(c.session.Crown, proto.ReqPublicKey{Mac: c.self})
	c.armRetryLocked(now)
}
