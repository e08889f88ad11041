// Package network carries crown join reports to a collector over QUIC.
package network

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"

	quic "github.com/quic-go/quic-go"
	"go.uber.org/zap"

	"crownlink/internal/proto"
)

const (
	defaultMaxConnsPerHost   = 8
	defaultMaxStreamsPerHost = 64
)

type CollectorOptions struct {
	Logger *zap.Logger
	// Zero selects the defaults; negative disables the cap.
	MaxConnsPerHost   int
	MaxStreamsPerHost int
}

// Collector accepts one peerJoined report per QUIC stream.
type Collector struct {
	listener *quic.Listener
	handle   func(proto.PeerJoinedMsg)
	limiter  *sourceLimiter
	log      *zap.Logger
	closed   atomic.Bool
	wg       sync.WaitGroup
}

func Listen(addr string, handle func(proto.PeerJoinedMsg), opts CollectorOptions) (*Collector, error) {
	if handle == nil {
		return nil, errors.New("nil report handler")
	}
	tlsConf, err := serverTLSConfig()
	if err != nil {
		return nil, err
	}
	ln, err := quic.ListenAddr(addr, tlsConf, nil)
	if err != nil {
		return nil, err
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	maxConns, maxStreams := opts.MaxConnsPerHost, opts.MaxStreamsPerHost
	if maxConns == 0 {
		maxConns = defaultMaxConnsPerHost
	}
	if maxStreams == 0 {
		maxStreams = defaultMaxStreamsPerHost
	}
	log.Info("collector listening", zap.Stringer("addr", ln.Addr()))
	return &Collector{
		listener: ln,
		handle:   handle,
		limiter:  newSourceLimiter(maxConns, maxStreams),
		log:      log,
	}, nil
}

func (c *Collector) Addr() net.Addr {
	return c.listener.Addr()
}

// Serve accepts connections until ctx is done or Close is called. Both
// return nil.
func (c *Collector) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		_ = c.Close()
		c.wg.Wait()
	}()
	stop := context.AfterFunc(ctx, func() { _ = c.Close() })
	defer stop()
	for {
		conn, err := c.listener.Accept(ctx)
		if err != nil {
			if c.closed.Load() || ctx.Err() != nil {
				return nil
			}
			c.log.Warn("collector accept failed", zap.Error(err))
			return err
		}
		host := remoteHost(conn.RemoteAddr())
		if !c.limiter.acquireConn(host) {
			c.log.Warn("collector connection limit", zap.String("host", host))
			_ = conn.CloseWithError(1, "too many connections")
			continue
		}
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			defer c.limiter.releaseConn(host)
			c.serveConn(ctx, conn, host)
		}()
	}
}

func (c *Collector) serveConn(ctx context.Context, conn *quic.Conn, host string) {
	defer conn.CloseWithError(0, "")
	for {
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			c.log.Debug("collector connection done", zap.String("host", host), zap.Error(err))
			return
		}
		if !c.limiter.acquireStream(host) {
			stream.CancelRead(1)
			_ = stream.Close()
			continue
		}
		c.wg.Add(1)
		go func(s *quic.Stream) {
			defer c.wg.Done()
			defer c.limiter.releaseStream(host)
			defer s.Close()
			c.readReport(s, host)
		}(stream)
	}
}

func (c *Collector) readReport(s *quic.Stream, host string) {
	data, err := io.ReadAll(io.LimitReader(s, proto.MaxPeerJoinedSize+1))
	if err != nil {
		c.log.Debug("collector read failed", zap.String("host", host), zap.Error(err))
		return
	}
	if len(data) == 0 {
		return
	}
	msg, err := proto.DecodePeerJoinedMsg(data)
	if err != nil {
		c.log.Warn("bad report", zap.String("host", host), zap.Int("len", len(data)), zap.Error(err))
		return
	}
	c.log.Info("peer joined",
		zap.String("crown", msg.Crown),
		zap.String("peer", msg.Peer),
		zap.String("net_check", msg.NetCheck),
		zap.Time("at", msg.At))
	c.handle(msg)
}

func (c *Collector) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	return c.listener.Close()
}

// ListenAndServe runs a collector on addr until ctx is done.
func ListenAndServe(ctx context.Context, addr string, handle func(proto.PeerJoinedMsg), opts CollectorOptions) error {
	c, err := Listen(addr, handle, opts)
	if err != nil {
		return err
	}
	return c.Serve(ctx)
}

func remoteHost(a net.Addr) string {
	if a == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(a.String())
	if err != nil {
		return a.String()
	}
	return host
}
