package daemon

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"crownlink/internal/config"
	"crownlink/internal/link"
	"crownlink/internal/node"
)

type SimOptions struct {
	Nodes     int
	Loss      float64
	Duplicate float64
	Seed      int64
	Bootstrap string
	// ElectionTimeout applies to the first node, which becomes crown.
	ElectionTimeout time.Duration
	// RejoinInterval enables follower retries when positive.
	RejoinInterval time.Duration
	Timeout        time.Duration
	Logger         *zap.Logger
}

type SimFollower struct {
	Addr  link.Addr
	Role  node.Role
	Stage node.Stage
}

type SimResult struct {
	Crown     link.Addr
	Joined    int
	Followers []SimFollower
}

// Connected reports whether every follower finished the handshake.
func (r SimResult) Connected() bool {
	for _, f := range r.Followers {
		if f.Stage != node.StageConnected {
			return false
		}
	}
	return true
}

// Simulate runs one crown and Nodes-1 followers on an in-process hub. The
// crown is started first and elected before any follower starts.
func Simulate(ctx context.Context, opts SimOptions) (SimResult, error) {
	if opts.Nodes < 2 {
		return SimResult{}, errors.New("simulation needs at least two nodes")
	}
	if opts.ElectionTimeout <= 0 {
		opts.ElectionTimeout = time.Second
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	hub := link.NewHub(link.HubOptions{Loss: opts.Loss, Duplicate: opts.Duplicate, Seed: opts.Seed})
	build := func(i int, electionTimeout time.Duration, stay bool) (*Daemon, error) {
		addr := link.Addr{0x02, 0, 0, 0, byte(i >> 8), byte(i)}
		l, err := hub.Attach(addr)
		if err != nil {
			return nil, err
		}
		cfg := config.Default()
		cfg.Node.ElectionTimeout = electionTimeout
		cfg.Node.PollInterval = 10 * time.Millisecond
		cfg.Crypto.Bootstrap = opts.Bootstrap
		if opts.RejoinInterval > 0 {
			cfg.Node.Rejoin = config.RejoinConfig{Enabled: true, Interval: opts.RejoinInterval}
			// hub duplicates arrive at once; a short window still catches
			// them without swallowing the follower's identical retries
			if cfg.Link.DedupWindow >= opts.RejoinInterval {
				cfg.Link.DedupWindow = opts.RejoinInterval / 2
			}
		}
		cfg.Secrets.Dir = ""
		d, err := New(cfg, BuildOptions{
			Logger: log.With(zap.Stringer("node", addr)),
			Link:   l,
			Stay:   stay,
		})
		if err != nil {
			_ = l.Close()
			return nil, err
		}
		d.closeLink = true
		return d, nil
	}

	crown, err := build(1, opts.ElectionTimeout, true)
	if err != nil {
		return SimResult{}, err
	}
	defer crown.Close()
	crownDone := make(chan error, 1)
	go func() { crownDone <- crown.Run(ctx) }()

	select {
	case <-crown.Coordinator.Elected():
	case err := <-crownDone:
		return SimResult{}, fmt.Errorf("crown stopped before election: %w", err)
	case <-ctx.Done():
		return SimResult{}, ctx.Err()
	}

	// followers must not elect themselves while the simulation runs
	followerTimeout := 2 * opts.Timeout
	followers := make([]*Daemon, 0, opts.Nodes-1)
	for i := 2; i <= opts.Nodes; i++ {
		d, err := build(i, followerTimeout, false)
		if err != nil {
			for _, f := range followers {
				f.Close()
			}
			return SimResult{}, err
		}
		followers = append(followers, d)
	}

	var wg sync.WaitGroup
	for _, f := range followers {
		wg.Add(1)
		go func(d *Daemon) {
			defer wg.Done()
			if err := d.Run(ctx); err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
				log.Warn("follower stopped", zap.Stringer("node", d.Coordinator.Addr()), zap.Error(err))
			}
		}(f)
	}
	wg.Wait()
	cancel()
	<-crownDone

	res := SimResult{
		Crown:  crown.Coordinator.Addr(),
		Joined: crown.Registry.Joined(),
	}
	for _, f := range followers {
		res.Followers = append(res.Followers, SimFollower{
			Addr:  f.Coordinator.Addr(),
			Role:  f.Coordinator.Role(),
			Stage: f.Coordinator.Stage(),
		})
		f.Close()
	}
	return res, nil
}
