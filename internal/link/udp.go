package link

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Frame: [magic(2) "CL"][version(1)][src(6)][dst(6)][payload...]
const (
	frameVersion   = 1
	frameHeaderLen = 2 + 1 + 6 + 6
	maxFrameSize   = 65507
	minReadWait    = time.Millisecond
)

var errBadFrame = errors.New("bad link frame")

type UDPOptions struct {
	Addr Addr
	// Listen is the local UDP bind address, e.g. ":47800".
	Listen string
	// Broadcast lists the UDP endpoints that make up the broadcast domain.
	// Unicast to a peer whose endpoint is not yet learned goes here too.
	Broadcast []string
	Logger    *zap.Logger
}

// UDPLink emulates a shared radio medium over UDP. Every frame carries the
// link-level source and destination; receivers drop frames not addressed to
// them.
type UDPLink struct {
	addr      Addr
	conn      *net.UDPConn
	bcast     []*net.UDPAddr
	log       *zap.Logger
	mu        sync.RWMutex
	endpoints map[Addr]*net.UDPAddr
	buf       []byte
}

func ListenUDP(opts UDPOptions) (*UDPLink, error) {
	if opts.Addr.IsZero() || opts.Addr.IsBroadcast() {
		return nil, fmt.Errorf("invalid link addr %s", opts.Addr)
	}
	laddr, err := net.ResolveUDPAddr("udp", opts.Listen)
	if err != nil {
		return nil, fmt.Errorf("resolve listen: %w", err)
	}
	bcast := make([]*net.UDPAddr, 0, len(opts.Broadcast))
	for _, b := range opts.Broadcast {
		ua, err := net.ResolveUDPAddr("udp", b)
		if err != nil {
			return nil, fmt.Errorf("resolve broadcast %q: %w", b, err)
		}
		bcast = append(bcast, ua)
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("listen: %w", err)
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	log.Info("udp link listening", zap.Stringer("addr", opts.Addr), zap.Stringer("local", conn.LocalAddr()))
	return &UDPLink{
		addr:      opts.Addr,
		conn:      conn,
		bcast:     bcast,
		log:       log,
		endpoints: make(map[Addr]*net.UDPAddr),
		buf:       make([]byte, maxFrameSize),
	}, nil
}

func (l *UDPLink) Addr() Addr {
	return l.addr
}

// LocalAddr is the bound UDP endpoint.
func (l *UDPLink) LocalAddr() net.Addr {
	return l.conn.LocalAddr()
}

func (l *UDPLink) Send(to Addr, payload []byte) error {
	if to.IsBroadcast() {
		return l.Broadcast(payload)
	}
	frame, err := encodeFrame(l.addr, to, payload)
	if err != nil {
		return err
	}
	l.mu.RLock()
	ep, ok := l.endpoints[to]
	l.mu.RUnlock()
	if ok {
		_, err := l.conn.WriteToUDP(frame, ep)
		return err
	}
	return l.writeAll(frame)
}

func (l *UDPLink) Broadcast(payload []byte) error {
	frame, err := encodeFrame(l.addr, Broadcast, payload)
	if err != nil {
		return err
	}
	return l.writeAll(frame)
}

func (l *UDPLink) writeAll(frame []byte) error {
	if len(l.bcast) == 0 {
		return errors.New("no broadcast endpoints configured")
	}
	var errs []error
	for _, ep := range l.bcast {
		if _, err := l.conn.WriteToUDP(frame, ep); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", ep, err))
		}
	}
	return errors.Join(errs...)
}

func (l *UDPLink) Receive(timeout time.Duration) (Datagram, bool, error) {
	if timeout < minReadWait {
		timeout = minReadWait
	}
	if err := l.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		if errors.Is(err, net.ErrClosed) {
			return Datagram{}, false, ErrClosed
		}
		return Datagram{}, false, err
	}
	n, remote, err := l.conn.ReadFromUDP(l.buf)
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return Datagram{}, false, nil
		}
		if errors.Is(err, net.ErrClosed) {
			return Datagram{}, false, ErrClosed
		}
		return Datagram{}, false, err
	}
	d, err := decodeFrame(l.buf[:n])
	if err != nil {
		l.log.Debug("udp link drop", zap.Stringer("remote", remote), zap.Error(err))
		return Datagram{}, false, nil
	}
	if d.From == l.addr {
		return Datagram{}, false, nil
	}
	if d.To != l.addr && !d.To.IsBroadcast() {
		return Datagram{}, false, nil
	}
	l.mu.Lock()
	l.endpoints[d.From] = remote
	l.mu.Unlock()
	return d, true, nil
}

func (l *UDPLink) Close() error {
	return l.conn.Close()
}

func encodeFrame(src, dst Addr, payload []byte) ([]byte, error) {
	if frameHeaderLen+len(payload) > maxFrameSize {
		return nil, fmt.Errorf("payload too large: %d", len(payload))
	}
	out := make([]byte, frameHeaderLen+len(payload))
	out[0], out[1], out[2] = 'C', 'L', frameVersion
	copy(out[3:9], src[:])
	copy(out[9:15], dst[:])
	copy(out[frameHeaderLen:], payload)
	return out, nil
}

func decodeFrame(b []byte) (Datagram, error) {
	if len(b) < frameHeaderLen || b[0] != 'C' || b[1] != 'L' {
		return Datagram{}, errBadFrame
	}
	if b[2] != frameVersion {
		return Datagram{}, fmt.Errorf("%w: version %d", errBadFrame, b[2])
	}
	var d Datagram
	copy(d.From[:], b[3:9])
	copy(d.To[:], b[9:15])
	d.Payload = make([]byte, len(b)-frameHeaderLen)
	copy(d.Payload, b[frameHeaderLen:])
	return d, nil
}
