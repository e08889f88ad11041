package daemon

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"crownlink/internal/config"
	"crownlink/internal/crypto"
	"crownlink/internal/link"
	"crownlink/internal/metrics"
	"crownlink/internal/network"
	"crownlink/internal/node"
	"crownlink/internal/peer"
)

type BuildOptions struct {
	Logger *zap.Logger
	// Link replaces the UDP link built from the config.
	Link link.Link
	Now  func() time.Time
	// Registerer receives the prometheus collectors; nil creates a
	// private registry.
	Registerer prometheus.Registerer
	Gatherer   prometheus.Gatherer
	Stay       bool
}

// Daemon is a fully wired node.
type Daemon struct {
	Link        link.Link
	Coordinator *node.Coordinator
	Engine      *crypto.Engine
	Registry    *peer.Registry
	Metrics     *metrics.Recorder
	CrownLight  *LogLight
	PeerLight   *LogLight

	cfg       *config.Config
	runner    *Runner
	uplink    *network.Uplink
	gatherer  prometheus.Gatherer
	log       *zap.Logger
	closeLink bool
}

func New(cfg *config.Config, opts BuildOptions) (*Daemon, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	reg, gatherer := opts.Registerer, opts.Gatherer
	if reg == nil {
		r := prometheus.NewRegistry()
		reg, gatherer = r, r
	}
	if gatherer == nil {
		if g, ok := reg.(prometheus.Gatherer); ok {
			gatherer = g
		} else {
			gatherer = prometheus.DefaultGatherer
		}
	}
	rec := metrics.NewRecorder(reg)

	d := &Daemon{
		Metrics:  rec,
		cfg:      cfg,
		gatherer: gatherer,
		log:      log,
	}

	l := opts.Link
	if l == nil {
		addr, err := ResolveAddr(cfg.Node.Addr)
		if err != nil {
			return nil, err
		}
		udp, err := link.ListenUDP(link.UDPOptions{
			Addr:      addr,
			Listen:    cfg.Link.Listen,
			Broadcast: cfg.Link.Broadcast,
			Logger:    log.Named("link"),
		})
		if err != nil {
			return nil, err
		}
		l = udp
		d.closeLink = true
	}
	if cfg.Link.DedupWindow > 0 {
		l = link.Dedup(l, cfg.Link.DedupSize, cfg.Link.DedupWindow)
	}
	d.Link = l

	engine, err := crypto.NewEngine(crypto.Options{
		Bootstrap:      cfg.Crypto.Bootstrap,
		NonceCacheSize: cfg.Crypto.NonceCacheSize,
		NonceMaxAge:    cfg.Crypto.NonceMaxAge,
		Now:            opts.Now,
	})
	if err != nil {
		d.Close()
		return nil, err
	}
	d.Engine = engine
	d.Registry = peer.NewRegistry(peer.Options{Now: opts.Now})

	if cfg.Uplink.Collector != "" {
		up, err := network.NewUplink(network.UplinkOptions{
			Collector: cfg.Uplink.Collector,
			Insecure:  cfg.Uplink.Insecure,
			QueueLen:  cfg.Uplink.QueueLen,
			Logger:    log.Named("uplink"),
			Metrics:   rec,
		})
		if err != nil {
			d.Close()
			return nil, err
		}
		d.uplink = up
	}

	d.CrownLight = NewLogLight("crown", log)
	d.PeerLight = NewLogLight("peer", log)
	secrets := config.NewSecrets(cfg.Secrets.Dir, log.Named("secrets"))
	nopts := node.Options{
		ElectionTimeout: cfg.Node.ElectionTimeout,
		NetCheck:        secrets.NetCheck,
		Now:             opts.Now,
		Metrics:         rec,
		Logger:          log.Named("coordinator"),
		CrownLight:      d.CrownLight,
		PeerLight:       d.PeerLight,
		Rejoin:          rejoinPolicy(cfg.Node.Rejoin),
	}
	if d.uplink != nil {
		nopts.Reporter = d.uplink
	}
	d.Coordinator = node.New(l, engine, d.Registry, nopts)

	d.runner, err = NewRunner(l, d.Coordinator, Options{
		PollInterval:     cfg.Node.PollInterval,
		SnapshotPath:     cfg.Metrics.SnapshotPath,
		SnapshotInterval: cfg.Metrics.SnapshotInterval,
		Metrics:          rec,
		Logger:           log.Named("runner"),
		Stay:             opts.Stay,
	})
	if err != nil {
		d.Close()
		return nil, err
	}
	return d, nil
}

// Run serves /metrics when configured and runs the polling loop.
func (d *Daemon) Run(ctx context.Context) error {
	if d.cfg.Metrics.Listen != "" {
		stop, err := d.serveMetrics(d.cfg.Metrics.Listen)
		if err != nil {
			return err
		}
		defer stop()
	}
	return d.runner.Run(ctx)
}

func (d *Daemon) serveMetrics(addr string) (func(), error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(d.gatherer))
	if d.cfg.Metrics.Pprof {
		d.mountDebug(mux)
	}
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	d.log.Info("metrics listening", zap.Stringer("addr", ln.Addr()), zap.Bool("debug", d.cfg.Metrics.Pprof))
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			d.log.Warn("metrics server stopped", zap.Error(err))
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}

// Close flushes the uplink and releases the link if the daemon opened it.
func (d *Daemon) Close() error {
	var errs []error
	if d.uplink != nil {
		errs = append(errs, d.uplink.Close())
	}
	if d.closeLink && d.Link != nil {
		errs = append(errs, d.Link.Close())
	}
	return errors.Join(errs...)
}

// ResolveAddr parses s, or derives an address from the host when s is
// empty. Hosts without a usable interface get a random one.
func ResolveAddr(s string) (link.Addr, error) {
	if s != "" {
		return link.ParseAddr(s)
	}
	if a, err := link.HardwareAddr(); err == nil {
		return a, nil
	}
	return link.RandomAddr(nil)
}

func rejoinPolicy(c config.RejoinConfig) backoff.BackOff {
	if !c.Enabled || c.Interval <= 0 {
		return nil
	}
	var b backoff.BackOff = backoff.NewConstantBackOff(c.Interval)
	if c.MaxRetries > 0 {
		b = backoff.WithMaxRetries(b, c.MaxRetries)
	}
	return b
}
