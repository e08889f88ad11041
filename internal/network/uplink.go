package network

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"crownlink/internal/metrics"
	"crownlink/internal/proto"
)

const (
	defaultQueueLen   = 64
	defaultTimeout    = 8 * time.Second
	defaultMaxRetries = 3
	retryBase         = 100 * time.Millisecond
	retryMax          = time.Second
	// closeLinger gives the last stream time to flush before the
	// connection is torn down.
	closeLinger = 100 * time.Millisecond
)

type UplinkOptions struct {
	// Collector is the host:port of the QUIC collector.
	Collector  string
	Insecure   bool
	QueueLen   int
	Timeout    time.Duration
	MaxRetries uint64
	Logger     *zap.Logger
	Metrics    *metrics.Recorder
}

// Uplink forwards join reports from the crown to a collector. Report never
// blocks; a full queue drops the report.
type Uplink struct {
	addr       string
	timeout    time.Duration
	maxRetries uint64
	pool       *connPool
	log        *zap.Logger
	metrics    *metrics.Recorder

	mu     sync.Mutex
	closed bool
	queue  chan proto.PeerJoinedMsg
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	sent   bool
}

func NewUplink(opts UplinkOptions) (*Uplink, error) {
	if opts.Collector == "" {
		return nil, errors.New("uplink: collector address required")
	}
	tlsConf, err := clientTLSConfig(opts.Insecure)
	if err != nil {
		return nil, err
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	if opts.QueueLen <= 0 {
		opts.QueueLen = defaultQueueLen
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = defaultMaxRetries
	}
	ctx, cancel := context.WithCancel(context.Background())
	u := &Uplink{
		addr:       opts.Collector,
		timeout:    opts.Timeout,
		maxRetries: opts.MaxRetries,
		pool:       newConnPool(0, tlsConf, log),
		log:        log,
		metrics:    opts.Metrics,
		queue:      make(chan proto.PeerJoinedMsg, opts.QueueLen),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	go u.loop()
	return u, nil
}

func (u *Uplink) Report(m proto.PeerJoinedMsg) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		u.metrics.IncUplink("dropped")
		return
	}
	select {
	case u.queue <- m:
	default:
		u.metrics.IncUplink("dropped")
		u.log.Warn("uplink queue full, report dropped", zap.String("peer", m.Peer))
	}
}

func (u *Uplink) loop() {
	defer close(u.done)
	for m := range u.queue {
		if err := u.deliver(m); err != nil {
			u.metrics.IncUplink("failed")
			u.log.Warn("uplink report failed", zap.String("peer", m.Peer), zap.String("collector", u.addr), zap.Error(err))
			continue
		}
		u.metrics.IncUplink("sent")
		u.log.Debug("uplink report sent", zap.String("peer", m.Peer))
	}
}

func (u *Uplink) deliver(m proto.PeerJoinedMsg) error {
	data, err := proto.EncodePeerJoinedMsg(m)
	if err != nil {
		return err
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = retryBase
	b.MaxInterval = retryMax
	policy := backoff.WithContext(backoff.WithMaxRetries(b, u.maxRetries), u.ctx)
	return backoff.RetryNotify(func() error {
		return u.send(data)
	}, policy, func(err error, wait time.Duration) {
		u.log.Debug("uplink retry", zap.Duration("wait", wait), zap.Error(err))
	})
}

func (u *Uplink) send(data []byte) error {
	ctx, cancel := context.WithTimeout(u.ctx, u.timeout)
	defer cancel()
	conn, err := u.pool.get(ctx, u.addr)
	if err != nil {
		return err
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		u.pool.drop(u.addr, conn, "open stream failed")
		return err
	}
	if _, err := stream.Write(data); err != nil {
		stream.CancelWrite(0)
		u.pool.drop(u.addr, conn, "write failed")
		return err
	}
	if err := stream.Close(); err != nil {
		u.pool.drop(u.addr, conn, "close failed")
		return err
	}
	u.mu.Lock()
	u.sent = true
	u.mu.Unlock()
	return nil
}

// Close drains queued reports and closes the connection. Reports arriving
// afterwards are dropped.
func (u *Uplink) Close() error {
	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		return nil
	}
	u.closed = true
	close(u.queue)
	u.mu.Unlock()

	<-u.done
	u.mu.Lock()
	linger := u.sent
	u.mu.Unlock()
	if linger {
		time.Sleep(closeLinger)
	}
	u.cancel()
	u.pool.closeAll()
	return nil
}
