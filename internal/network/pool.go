package network

import (
	"context"
	"crypto/tls"
	"errors"
	"sync"
	"time"

	quic "github.com/quic-go/quic-go"
	"go.uber.org/zap"
)

const defaultConnIdle = 30 * time.Second

type pooledConn struct {
	conn     *quic.Conn
	lastUsed time.Time
}

// connPool reuses one QUIC connection per collector address until it goes
// idle or fails.
type connPool struct {
	mu        sync.Mutex
	conns     map[string]*pooledConn
	idleAfter time.Duration
	tlsConf   *tls.Config
	quicConf  *quic.Config
	log       *zap.Logger
}

func newConnPool(idleAfter time.Duration, tlsConf *tls.Config, log *zap.Logger) *connPool {
	if idleAfter <= 0 {
		idleAfter = defaultConnIdle
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &connPool{
		conns:     make(map[string]*pooledConn),
		idleAfter: idleAfter,
		tlsConf:   tlsConf,
		quicConf:  &quic.Config{MaxIdleTimeout: idleAfter + 5*time.Second},
		log:       log,
	}
}

func (p *connPool) get(ctx context.Context, addr string) (*quic.Conn, error) {
	if addr == "" {
		return nil, errors.New("missing collector addr")
	}
	now := time.Now()
	p.mu.Lock()
	if ent, ok := p.conns[addr]; ok {
		if ent.conn.Context().Err() == nil && now.Sub(ent.lastUsed) <= p.idleAfter {
			ent.lastUsed = now
			conn := ent.conn
			p.mu.Unlock()
			return conn, nil
		}
		delete(p.conns, addr)
		stale := ent.conn
		p.mu.Unlock()
		_ = stale.CloseWithError(0, "stale")
	} else {
		p.mu.Unlock()
	}
	p.log.Debug("dialing collector", zap.String("addr", addr))
	conn, err := quic.DialAddr(ctx, addr, p.tlsConf, p.quicConf)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.conns[addr] = &pooledConn{conn: conn, lastUsed: now}
	p.mu.Unlock()
	return conn, nil
}

func (p *connPool) drop(addr string, conn *quic.Conn, reason string) {
	p.mu.Lock()
	if ent, ok := p.conns[addr]; ok && ent.conn == conn {
		delete(p.conns, addr)
	}
	p.mu.Unlock()
	_ = conn.CloseWithError(0, reason)
}

func (p *connPool) closeAll() {
	p.mu.Lock()
	conns := p.conns
	p.conns = make(map[string]*pooledConn)
	p.mu.Unlock()
	for _, ent := range conns {
		_ = ent.conn.CloseWithError(0, "shutdown")
	}
}
