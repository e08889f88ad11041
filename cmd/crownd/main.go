// Command crownd runs a crownlink node, an in-process simulation, or the
// join-report collector.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"crownlink/internal/config"
	"crownlink/internal/daemon"
	"crownlink/internal/debuglog"
	"crownlink/internal/network"
	"crownlink/internal/proto"
	"crownlink/internal/store"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	root := newRootCmd(stdout, stderr)
	root.SetArgs(args)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(stderr, "error:", err)
		return 1
	}
	return 0
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:   "crownd",
		Short: "crownlink node daemon",
		Long: `crownd elects a single crown among nodes sharing a broadcast link and
runs the key handshake that joins every other node to it.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.PersistentFlags().String("config", "", "config file (default ~/.crownlink/config.yaml)")
	root.AddCommand(
		newRunCmd(),
		newSimCmd(),
		newCollectCmd(),
		newJoinsCmd(),
		newConfigCmd(),
		newAddrCmd(),
	)
	return root
}

func loadConfig(cmd *cobra.Command) (*config.Config, string, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		path = config.DefaultPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", err
	}
	cfg.ApplyEnv()
	return cfg, path, nil
}

func newRunCmd() *cobra.Command {
	var (
		addr, listen, bootstrap, logLevel string
		collector, metricsListen          string
		broadcast                         []string
		rejoin, stay, pprof               bool
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a node on the UDP link until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			if flags.Changed("addr") {
				cfg.Node.Addr = addr
			}
			if flags.Changed("listen") {
				cfg.Link.Listen = listen
			}
			if flags.Changed("broadcast") {
				cfg.Link.Broadcast = broadcast
			}
			if flags.Changed("bootstrap") {
				cfg.Crypto.Bootstrap = bootstrap
			}
			if flags.Changed("log-level") {
				cfg.Log.Level = logLevel
			}
			if flags.Changed("collector") {
				cfg.Uplink.Collector = collector
			}
			if flags.Changed("metrics-listen") {
				cfg.Metrics.Listen = metricsListen
			}
			if flags.Changed("rejoin") {
				cfg.Node.Rejoin.Enabled = rejoin
			}
			if flags.Changed("pprof") {
				cfg.Metrics.Pprof = pprof
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			log, err := debuglog.New(cfg.Log)
			if err != nil {
				return err
			}
			defer log.Sync()
			secrets := config.NewSecrets(cfg.Secrets.Dir, log.Named("secrets"))
			if ssid, _, ok := secrets.WifiCreds(); ok {
				log.Info("station credentials present", zap.String("ssid", ssid))
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			d, err := daemon.New(cfg, daemon.BuildOptions{Logger: log, Stay: stay})
			if err != nil {
				return err
			}
			defer d.Close()
			err = d.Run(ctx)
			if errors.Is(err, context.Canceled) {
				log.Info("shutting down")
				return nil
			}
			return err
		},
	}
	f := cmd.Flags()
	f.StringVar(&addr, "addr", "", "link address aa:bb:cc:dd:ee:ff (default derived from host)")
	f.StringVar(&listen, "listen", "", "UDP bind address")
	f.StringSliceVar(&broadcast, "broadcast", nil, "UDP endpoints forming the broadcast domain")
	f.StringVar(&bootstrap, "bootstrap", "", "bootstrap scheme (masked|x25519)")
	f.StringVar(&logLevel, "log-level", "", "log level")
	f.StringVar(&collector, "collector", "", "QUIC collector for join reports")
	f.StringVar(&metricsListen, "metrics-listen", "", "serve /metrics on this address")
	f.BoolVar(&rejoin, "rejoin", false, "retry the handshake when a reply is lost")
	f.BoolVar(&stay, "stay", false, "keep running after joining a crown")
	f.BoolVar(&pprof, "pprof", false, "serve /debug/pprof/ and /debug/crown on the metrics listener")
	return cmd
}

func newSimCmd() *cobra.Command {
	var (
		opts      daemon.SimOptions
		logLevel  string
		asJSON    bool
		rejoinDur time.Duration
	)
	cmd := &cobra.Command{
		Use:   "sim",
		Short: "Simulate a crown and followers on an in-process lossy link",
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := debuglog.New(debuglog.Config{Level: logLevel})
			if err != nil {
				return err
			}
			defer log.Sync()
			opts.Logger = log
			opts.RejoinInterval = rejoinDur
			res, err := daemon.Simulate(cmd.Context(), opts)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				if err := enc.Encode(simReport(res)); err != nil {
					return err
				}
			} else {
				fmt.Fprintf(out, "crown %s joined %d/%d\n", res.Crown, res.Joined, len(res.Followers))
				for _, f := range res.Followers {
					fmt.Fprintf(out, "  %s %s %s\n", f.Addr, f.Role, f.Stage)
				}
			}
			if !res.Connected() {
				return errors.New("not every follower connected")
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.IntVarP(&opts.Nodes, "nodes", "n", 3, "number of nodes including the crown")
	f.Float64Var(&opts.Loss, "loss", 0, "datagram loss probability")
	f.Float64Var(&opts.Duplicate, "dup", 0, "datagram duplication probability")
	f.Int64Var(&opts.Seed, "seed", 1, "medium RNG seed")
	f.StringVar(&opts.Bootstrap, "bootstrap", "", "bootstrap scheme (masked|x25519)")
	f.DurationVar(&opts.ElectionTimeout, "election-timeout", time.Second, "crown election timeout")
	f.DurationVar(&rejoinDur, "rejoin-interval", 0, "follower retry interval (0 disables)")
	f.DurationVar(&opts.Timeout, "timeout", 30*time.Second, "overall deadline")
	f.StringVar(&logLevel, "log-level", "warn", "log level")
	f.BoolVar(&asJSON, "json", false, "print the result as JSON")
	return cmd
}

type simFollowerJSON struct {
	Addr  string `json:"addr"`
	Role  string `json:"role"`
	Stage string `json:"stage"`
}

type simJSON struct {
	Crown     string            `json:"crown"`
	Joined    int               `json:"joined"`
	Connected bool              `json:"connected"`
	Followers []simFollowerJSON `json:"followers"`
}

func simReport(res daemon.SimResult) simJSON {
	out := simJSON{Crown: res.Crown.String(), Joined: res.Joined, Connected: res.Connected()}
	for _, f := range res.Followers {
		out.Followers = append(out.Followers, simFollowerJSON{
			Addr:  f.Addr.String(),
			Role:  f.Role.String(),
			Stage: f.Stage.String(),
		})
	}
	return out
}

func newCollectCmd() *cobra.Command {
	var listen, logLevel, storePath string
	cmd := &cobra.Command{
		Use:   "collect",
		Short: "Receive join reports from crowns and print them as JSON lines",
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := debuglog.New(debuglog.Config{Level: logLevel})
			if err != nil {
				return err
			}
			defer log.Sync()
			var joins *store.JoinLog
			if storePath != "" {
				if joins, err = store.NewJoinLog(storePath); err != nil {
					return err
				}
			}
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			var mu sync.Mutex
			enc := json.NewEncoder(cmd.OutOrStdout())
			return network.ListenAndServe(ctx, listen, func(m proto.PeerJoinedMsg) {
				mu.Lock()
				defer mu.Unlock()
				_ = enc.Encode(m)
				if joins != nil {
					if err := joins.Append(m); err != nil {
						log.Warn("join log append failed", zap.String("path", storePath), zap.Error(err))
					}
				}
			}, network.CollectorOptions{Logger: log.Named("collector")})
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "127.0.0.1:47900", "QUIC listen address")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "log level")
	cmd.Flags().StringVar(&storePath, "store", "", "append reports to this JSON lines file")
	return cmd
}

func newJoinsCmd() *cobra.Command {
	var storePath string
	cmd := &cobra.Command{
		Use:   "joins",
		Short: "Show the latest join report per peer from a collector store",
		RunE: func(cmd *cobra.Command, args []string) error {
			if storePath == "" {
				return errors.New("missing --store")
			}
			joins, err := store.NewJoinLog(storePath)
			if err != nil {
				return err
			}
			latest, err := joins.Latest()
			if err != nil {
				return err
			}
			peers := make([]string, 0, len(latest))
			for p := range latest {
				peers = append(peers, p)
			}
			sort.Strings(peers)
			out := cmd.OutOrStdout()
			for _, p := range peers {
				m := latest[p]
				fmt.Fprintf(out, "%s crown=%s net_check=%q at=%s\n", p, m.Crown, m.NetCheck, m.At.Format(time.RFC3339))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&storePath, "store", "", "collector JSON lines file")
	return cmd
}

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the configuration file",
	}
	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("config")
			if path == "" {
				path = config.DefaultPath()
			}
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s exists (use --force to overwrite)", path)
			}
			if err := config.Save(path, config.Default()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "wrote", path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	cmd.AddCommand(initCmd)
	return cmd
}

func newAddrCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "addr",
		Short: "Print the link address this node would use",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			a, err := daemon.ResolveAddr(cfg.Node.Addr)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), a)
			return nil
		},
	}
}
