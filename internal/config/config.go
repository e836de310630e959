// Package config parses cmd/meshd's flags and environment into the
// values meshnode.Run needs (spec.md §6's entry-point signature), in the
// pflag + getenv-fallback style used across the rest of the monorepo's
// cmd tools (e.g. telemetry/flow-ingest/cmd/server).
package config

import (
	"fmt"
	"os"
	"strconv"

	flag "github.com/spf13/pflag"
)

const (
	defaultListenPort  = 7000
	defaultMetricsAddr = ":9090"
	defaultIpsetName   = "meshd-peers"
)

// Config holds everything cmd/meshd needs to call meshnode.Run.
type Config struct {
	ShowVersion bool
	Verbose     bool

	TunDevice    string
	TunFd        int
	TunCreate    bool
	PeerFile     string
	SelfV4       string
	SelfV6       string
	ListenerPort int
	IpsetName    string

	MetricsAddr string
	ControlSock string
}

// Parse parses the run subcommand's arguments (those after "run") into a
// Config, applying env-var fallbacks the
// same way loadConfig in the teacher's flow-ingest server does.
func Parse(args []string) (Config, error) {
	var cfg Config
	fs := flag.NewFlagSet("meshd", flag.ContinueOnError)

	fs.BoolVar(&cfg.ShowVersion, "version", false, "show version and exit")
	fs.BoolVar(&cfg.Verbose, "verbose", false, "verbose mode - show debug logs")

	fs.StringVar(&cfg.TunDevice, "tun-device", getenv("MESHD_TUN_DEVICE", "mesh0"), "TUN interface name (env: MESHD_TUN_DEVICE)")
	fs.IntVar(&cfg.TunFd, "tun-fd", 0, "pre-opened TUN file descriptor (0 requires --tun-create, which opens/creates tun-device)")
	fs.BoolVar(&cfg.TunCreate, "tun-create", false, "create the TUN device if it does not already exist")
	fs.StringVar(&cfg.PeerFile, "peer-file", getenv("MESHD_PEER_FILE", "/etc/meshd/peers"), "path to the peer roster file (env: MESHD_PEER_FILE)")
	fs.StringVar(&cfg.SelfV4, "self-v4", getenv("MESHD_SELF_V4", ""), "this node's IPv4 mesh address (env: MESHD_SELF_V4)")
	fs.StringVar(&cfg.SelfV6, "self-v6", getenv("MESHD_SELF_V6", ""), "this node's IPv6 mesh address (env: MESHD_SELF_V6)")
	fs.IntVar(&cfg.ListenerPort, "listen-port", getenvInt("MESHD_LISTEN_PORT", defaultListenPort), "TCP port to listen on and dial peers at (env: MESHD_LISTEN_PORT)")
	fs.StringVar(&cfg.IpsetName, "ipset-name", getenv("MESHD_IPSET_NAME", defaultIpsetName), "kernel ipset to keep in sync with live peers (env: MESHD_IPSET_NAME)")

	fs.StringVar(&cfg.MetricsAddr, "metrics-addr", getenv("MESHD_METRICS_ADDR", defaultMetricsAddr), "address to listen on for prometheus metrics (env: MESHD_METRICS_ADDR)")
	fs.StringVar(&cfg.ControlSock, "control-sock", getenv("MESHD_CONTROL_SOCK", "/var/run/meshd/control.sock"), "unix socket for status/reload/stop commands (env: MESHD_CONTROL_SOCK)")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	if cfg.ShowVersion {
		return cfg, nil
	}
	if cfg.SelfV4 == "" && cfg.SelfV6 == "" {
		return Config{}, fmt.Errorf("config: at least one of --self-v4 or --self-v6 must be supplied")
	}
	return cfg, nil
}

func getenv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}
