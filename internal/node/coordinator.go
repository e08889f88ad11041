// Package node runs crown election and the join handshake on top of a
// lossy link.
package node

import (
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"crownlink/internal/crypto"
	"crownlink/internal/debuglog"
	"crownlink/internal/link"
	"crownlink/internal/metrics"
	"crownlink/internal/peer"
	"crownlink/internal/proto"
)

const (
	DefaultElectionTimeout = 15 * time.Second
	countdownInterval      = time.Second
)

type Options struct {
	ElectionTimeout time.Duration
	// NetCheck supplies the value a follower reports when joining.
	NetCheck   func() (string, bool)
	Now        func() time.Time
	Metrics    *metrics.Recorder
	Logger     *zap.Logger
	Throttle   *debuglog.Throttle
	CrownLight Light
	PeerLight  Light
	Reporter   Reporter
	// Rejoin enables follower retries of reqPublickey. Nil keeps the
	// single-shot handshake.
	Rejoin backoff.BackOff
}

// Coordinator is one node's election and handshake state. Methods are safe
// for concurrent use but the link is expected to be driven by one loop.
type Coordinator struct {
	mu       sync.Mutex
	link     link.Link
	engine   *crypto.Engine
	registry *peer.Registry
	self     link.Addr

	now        func() time.Time
	netCheck   func() (string, bool)
	metrics    *metrics.Recorder
	log        *zap.Logger
	throttle   *debuglog.Throttle
	crownLight Light
	peerLight  Light
	reporter   Reporter
	rejoin     backoff.BackOff

	role           Role
	stage          Stage
	deadline       time.Time
	crownAnnounced bool
	session        peer.Session
	nextRetry      time.Time
	elected        chan struct{}
	done           chan struct{}
}

// New starts the election clock and broadcasts existingCrown. A failed
// broadcast is logged; the timer still runs.
func New(l link.Link, engine *crypto.Engine, registry *peer.Registry, opts Options) *Coordinator {
	c := &Coordinator{
		link:       l,
		engine:     engine,
		registry:   registry,
		self:       l.Addr(),
		now:        opts.Now,
		netCheck:   opts.NetCheck,
		metrics:    opts.Metrics,
		log:        opts.Logger,
		throttle:   opts.Throttle,
		crownLight: opts.CrownLight,
		peerLight:  opts.PeerLight,
		reporter:   opts.Reporter,
		rejoin:     opts.Rejoin,
		elected:    make(chan struct{}),
		done:       make(chan struct{}),
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.log == nil {
		c.log = zap.NewNop()
	}
	if c.throttle == nil {
		c.throttle = debuglog.NewThrottle(c.now)
	}
	if c.crownLight == nil {
		c.crownLight = nopLight{}
	}
	if c.peerLight == nil {
		c.peerLight = nopLight{}
	}
	timeout := opts.ElectionTimeout
	if timeout <= 0 {
		timeout = DefaultElectionTimeout
	}
	c.deadline = c.now().Add(timeout)
	c.crownLight.Off()
	c.peerLight.Off()
	c.metrics.SetRole(RoleUndecided.String())
	c.metrics.SetStage(int(StageInit))

	c.log.Info("looking for crown",
		zap.Stringer("addr", c.self),
		zap.Duration("timeout", timeout),
		zap.String("bootstrap", engine.Scheme()))
	if err := c.broadcast(proto.ExistingCrown{Mac: c.self}); err != nil {
		c.log.Warn("existingCrown broadcast failed", zap.Error(err))
	}
	return c
}

func (c *Coordinator) Addr() link.Addr {
	return c.self
}

func (c *Coordinator) Role() Role {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.role
}

func (c *Coordinator) Stage() Stage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stage
}

// Elected is closed when this node becomes crown.
func (c *Coordinator) Elected() <-chan struct{} {
	return c.elected
}

// Done is closed when this follower reaches StageConnected.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// Session returns the follower's crown session once a crown was found.
func (c *Coordinator) Session() (peer.Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.role != RoleFollower {
		return peer.Session{}, false
	}
	s := c.session
	s.SessionKey = append([]byte(nil), c.session.SessionKey...)
	return s, true
}

// Tick runs the timers: crown election while undecided and follower
// retries when Rejoin is set.
func (c *Coordinator) Tick() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tickLocked()
}

func (c *Coordinator) tickLocked() {
	now := c.now()
	switch c.role {
	case RoleUndecided:
		remaining := c.deadline.Sub(now)
		if remaining <= 0 {
			c.becomeCrownLocked()
			return
		}
		if c.throttle.Allow("countdown", countdownInterval) {
			c.log.Info("becoming crown", zap.Duration("in", remaining.Round(100*time.Millisecond)))
		}
	case RoleFollower:
		c.retryLocked(now)
	}
}

func (c *Coordinator) becomeCrownLocked() {
	if c.crownAnnounced {
		return
	}
	c.crownAnnounced = true
	c.role = RoleCrown
	c.crownLight.On()
	c.metrics.IncElection()
	c.metrics.SetRole(RoleCrown.String())
	close(c.elected)
	c.log.Info("no crown found, becoming crown", zap.Stringer("addr", c.self))
}

// HandleDatagram dispatches one inbound datagram. Failures are logged and
// counted; nothing is returned to the caller.
func (c *Coordinator) HandleDatagram(d link.Datagram) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tickLocked()
	if err := c.dispatchLocked(d); err != nil {
		reason := DropReason(err)
		c.metrics.IncDropByReason(reason)
		c.log.Debug("dropped datagram",
			zap.Stringer("from", d.From),
			zap.String("reason", reason),
			zap.Int("len", len(d.Payload)),
			zap.Error(err))
	}
}

// RemovePeer forgets a follower on the crown.
func (c *Coordinator) RemovePeer(addr link.Addr) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.engine.RemovePeer(addr)
	ok := c.registry.Remove(addr)
	c.metrics.SetPeers(c.registry.Joined())
	if ok {
		c.log.Info("peer removed", zap.Stringer("peer", addr))
	}
	return ok
}

func (c *Coordinator) dispatchLocked(d link.Datagram) error {
	switch {
	case d.To.IsBroadcast():
		return c.handleBroadcastLocked(d)
	case d.To == c.self:
		return c.handlePrivateLocked(d)
	default:
		return fmt.Errorf("%w: to %s", errNotForUs, d.To)
	}
}

func (c *Coordinator) handleBroadcastLocked(d link.Datagram) error {
	msg, err := proto.Decode(d.Payload)
	if err != nil {
		return err
	}
	c.metrics.IncRecvByType(msg.MsgType())
	switch m := msg.(type) {
	case proto.ExistingCrown:
		if c.role != RoleCrown {
			return nil
		}
		if m.Mac != d.From {
			return fmt.Errorf("%w: mac %s from %s", ErrUnexpectedSender, m.Mac, d.From)
		}
		return c.crownOnExistingCrownLocked(d.From)
	case proto.RespExistingCrown:
		return c.followerOnRespExistingCrownLocked(d.From, m)
	default:
		return fmt.Errorf("%w: broadcast %s", ErrUnexpectedMessage, msg.MsgType())
	}
}

func (c *Coordinator) handlePrivateLocked(d link.Datagram) error {
	if c.role == RoleCrown {
		return c.crownHandlePrivateLocked(d)
	}
	if !proto.IsPlain(d.Payload) {
		return c.followerOnSealedLocked(d.From, d.Payload)
	}
	msg, err := proto.Decode(d.Payload)
	if err != nil {
		return err
	}
	c.metrics.IncRecvByType(msg.MsgType())
	switch m := msg.(type) {
	case proto.RespExistingCrown:
		return c.followerOnRespExistingCrownLocked(d.From, m)
	case proto.RespPublicKey:
		return c.followerOnRespPublicKeyLocked(d.From, m)
	default:
		return fmt.Errorf("%w: private %s as %s", ErrUnexpectedMessage, msg.MsgType(), c.role)
	}
}

func (c *Coordinator) send(to link.Addr, m proto.Message) error {
	b, err := proto.Encode(m)
	if err != nil {
		return err
	}
	return c.link.Send(to, b)
}

func (c *Coordinator) broadcast(m proto.Message) error {
	b, err := proto.Encode(m)
	if err != nil {
		return err
	}
	return c.link.Broadcast(b)
}

func (c *Coordinator) sendLogged(to link.Addr, m proto.Message) {
	if err := c.send(to, m); err != nil {
		c.log.Warn("send failed", zap.Stringer("to", to), zap.String("type", m.MsgType()), zap.Error(err))
	}
}
