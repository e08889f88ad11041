// Package daemon drives a coordinator from a link and wires the pieces a
// running node needs.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"crownlink/internal/debuglog"
	"crownlink/internal/link"
	"crownlink/internal/metrics"
	"crownlink/internal/node"
)

const (
	DefaultPollInterval     = 100 * time.Millisecond
	defaultSnapshotInterval = 10 * time.Second
	recvErrorLogInterval    = 5 * time.Second
)

type Options struct {
	PollInterval     time.Duration
	SnapshotPath     string
	SnapshotInterval time.Duration
	Metrics          *metrics.Recorder
	Logger           *zap.Logger
	// Stay keeps a connected follower polling until ctx is done.
	Stay bool
}

// Runner is the single loop that owns a link: tick, receive, dispatch.
type Runner struct {
	link         link.Link
	coord        *node.Coordinator
	metrics      *metrics.Recorder
	log          *zap.Logger
	throttle     *debuglog.Throttle
	poll         time.Duration
	snapPath     string
	snapInterval time.Duration
	stay         bool
}

func NewRunner(l link.Link, coord *node.Coordinator, opts Options) (*Runner, error) {
	if l == nil || coord == nil {
		return nil, errors.New("runner needs a link and a coordinator")
	}
	r := &Runner{
		link:         l,
		coord:        coord,
		metrics:      opts.Metrics,
		log:          opts.Logger,
		throttle:     debuglog.NewThrottle(nil),
		poll:         opts.PollInterval,
		snapPath:     opts.SnapshotPath,
		snapInterval: opts.SnapshotInterval,
		stay:         opts.Stay,
	}
	if r.log == nil {
		r.log = zap.NewNop()
	}
	if r.poll <= 0 {
		r.poll = DefaultPollInterval
	}
	if r.snapInterval <= 0 {
		r.snapInterval = defaultSnapshotInterval
	}
	return r, nil
}

// Run polls until ctx is done, the link closes, or, for a follower, the
// handshake completes.
func (r *Runner) Run(ctx context.Context) error {
	stopSnap := r.startSnapshotWriter()
	defer stopSnap()

	done := r.coord.Done()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := r.step(); err != nil {
			if errors.Is(err, link.ErrClosed) {
				return err
			}
			if r.throttle.Allow("recv", recvErrorLogInterval) {
				r.log.Warn("link receive failed", zap.Error(err))
			}
			// a failing socket returns at once; keep the loop at poll pace
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(r.poll):
			}
		}
		if !r.stay {
			select {
			case <-done:
				r.log.Info("handshake complete", zap.Stringer("addr", r.coord.Addr()))
				return nil
			default:
			}
		}
	}
}

// step runs one iteration. A panic while handling a datagram is logged and
// the loop carries on.
func (r *Runner) step() (err error) {
	defer func() {
		if p := recover(); p != nil {
			r.metrics.IncDropByReason("panic")
			r.log.Error("panic in dispatch", zap.Any("panic", p), zap.Stack("stack"))
			err = nil
		}
	}()
	r.coord.Tick()
	d, ok, err := r.link.Receive(r.poll)
	if err != nil {
		return fmt.Errorf("receive: %w", err)
	}
	if ok {
		r.coord.HandleDatagram(d)
	}
	return nil
}

func (r *Runner) startSnapshotWriter() func() {
	if r.snapPath == "" {
		return func() {}
	}
	stop := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		ticker := time.NewTicker(r.snapInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.writeSnapshot()
			case <-stop:
				r.writeSnapshot()
				return
			}
		}
	}()
	return func() {
		close(stop)
		<-finished
	}
}

func (r *Runner) writeSnapshot() {
	if err := r.metrics.WriteSnapshot(r.snapPath); err != nil {
		r.log.Warn("snapshot write failed", zap.String("path", r.snapPath), zap.Error(err))
	}
}
