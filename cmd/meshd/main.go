//go:build linux

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/olekukonko/tablewriter"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"

	"github.com/secsecsec/meshd/internal/config"
	"github.com/secsecsec/meshd/internal/control"
	"github.com/secsecsec/meshd/internal/meshnode"
	"github.com/secsecsec/meshd/internal/metrics"
	"github.com/secsecsec/meshd/internal/tunsetup"
)

// Set by LDFLAGS.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: meshd <run|status|reload|stop> [flags]")
		os.Exit(1)
	}

	sub := os.Args[1]
	args := os.Args[2:]

	var err error
	switch sub {
	case "run":
		err = runDaemon(args)
	case "status":
		err = runStatus(args)
	case "reload":
		err = runControlRequest(args, func(c *control.Client, ctx context.Context) error { return c.Reload(ctx) })
	case "stop":
		err = runControlRequest(args, func(c *control.Client, ctx context.Context) error { return c.Stop(ctx) })
	case "--version", "-version", "version":
		fmt.Printf("version: %s, commit: %s, date: %s\n", version, commit, date)
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown subcommand %q\n", sub)
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runDaemon(args []string) error {
	cfg, err := config.Parse(args)
	if err != nil {
		return err
	}
	if cfg.ShowVersion {
		fmt.Printf("version: %s, commit: %s, date: %s\n", version, commit, date)
		return nil
	}

	log := newLogger(cfg.Verbose)
	slog.SetDefault(log)

	if cfg.MetricsAddr != "" {
		metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			log.Info("prometheus metrics server listening", "address", cfg.MetricsAddr)
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
				log.Error("prometheus metrics server failed", "error", err)
			}
		}()
	}

	tunFd := cfg.TunFd
	if tunFd == 0 {
		if !cfg.TunCreate {
			return fmt.Errorf("meshd: --tun-fd=0 requires --tun-create (no fd was handed to us)")
		}
		fd, err := tunsetup.Create(cfg.TunDevice, "")
		if err != nil {
			return fmt.Errorf("meshd: tun setup: %w", err)
		}
		tunFd = fd
		log.Info("created tun device", "device", cfg.TunDevice, "fd", tunFd)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// SIGHUP triggers a peer-file reload, the conventional Unix daemon
	// convention, distinct from the interrupt/term stop signals above.
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	go func() {
		for {
			select {
			case <-hup:
				log.Info("received SIGHUP, requesting reload")
				meshnode.RequestReload()
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		<-ctx.Done()
		log.Info("received shutdown signal, requesting stop")
		meshnode.RequestStop()
	}()

	controlErrCh := make(chan error, 1)
	if cfg.ControlSock != "" {
		go func() { controlErrCh <- control.Serve(ctx, cfg.ControlSock) }()
	}

	exitCode := meshnode.Run(tunFd, cfg.PeerFile, cfg.SelfV4, cfg.SelfV6, cfg.ListenerPort, cfg.IpsetName)
	cancel()
	if exitCode != 0 {
		return fmt.Errorf("meshd: exited with code %d", exitCode)
	}
	return nil
}

func runStatus(args []string) error {
	sock, err := parseControlSockFlag(args)
	if err != nil {
		return err
	}
	c := control.NewClient(sock)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	st, err := c.Status(ctx)
	if err != nil {
		return err
	}
	renderStatus(st)
	return nil
}

// parseControlSockFlag parses just --control-sock, shared by the
// status/reload/stop subcommands, which talk to an already-running
// daemon and so need none of run's peer/tun configuration.
func parseControlSockFlag(args []string) (string, error) {
	fs := flag.NewFlagSet("meshd", flag.ContinueOnError)
	sock := fs.String("control-sock", "/var/run/meshd/control.sock", "unix socket for the running daemon (env: MESHD_CONTROL_SOCK)")
	if v, ok := os.LookupEnv("MESHD_CONTROL_SOCK"); ok && v != "" {
		*sock = v
	}
	if err := fs.Parse(args); err != nil {
		return "", err
	}
	return *sock, nil
}

func renderStatus(st meshnode.Status) {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Peer", "Family", "Direction", "State"})
	for _, p := range st.Peers {
		direction := "inbound"
		if p.Outbound {
			direction = "outbound"
		}
		state := "live"
		if p.Disconnected {
			state = "disconnected"
		}
		table.Append([]string{p.Addr, p.Family, direction, state})
	}
	table.Render()

	fmt.Printf("\ntun-tx:   %d pkts / %d bytes (%d/%d dropped)\n",
		st.Counters.TunTx.Packets, st.Counters.TunTx.Bytes, st.Counters.TunTx.DropPackets, st.Counters.TunTx.DropBytes)
	fmt.Printf("world-tx: %d pkts / %d bytes (%d/%d dropped)\n",
		st.Counters.WorldTx.Packets, st.Counters.WorldTx.Bytes, st.Counters.WorldTx.DropPackets, st.Counters.WorldTx.DropBytes)
}

func runControlRequest(args []string, do func(*control.Client, context.Context) error) error {
	sock, err := parseControlSockFlag(args)
	if err != nil {
		return err
	}
	c := control.NewClient(sock)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return do(c, ctx)
}

func newLogger(verbose bool) *slog.Logger {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	return slog.New(tint.NewHandler(os.Stdout, &tint.Options{
		Level: logLevel,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				t := a.Value.Time().UTC()
				a.Value = slog.StringValue(formatRFC3339Millis(t))
			}
			return a
		},
	}))
}

func formatRFC3339Millis(t time.Time) string {
	t = t.UTC()
	base := t.Format("2006-01-02T15:04:05")
	ms := t.Nanosecond() / 1_000_000
	return fmt.Sprintf("%s.%03dZ", base, ms)
}
