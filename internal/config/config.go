// Package config loads the supervisor's own bootstrap parameters,
// per SPEC_FULL.md §4.12/§6. It is deliberately narrow: it does not
// parse a pgpool.conf-compatible file, only the knobs the Go
// supervisor needs to size its Shared State Region, fork its worker
// fleet, open its sockets, and render its failover shell commands.
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Backend is one entry of the operator-supplied backend list.
type Backend struct {
	Host string
	Port int
}

// Config carries every bootstrap parameter from SPEC_FULL.md §6's
// table. It is read once at startup and handed to internal/supervisor.
// A SIGHUP sets reload_config_request, which the main loop only logs;
// the Config is not re-read after startup.
type Config struct {
	NumInitChildren int
	MaxPool         int
	Backends        []Backend

	ListenAddresses        []string
	SocketDir              string
	PCPSocketDir           string
	Port                   int
	PCPPort                int
	ListenBacklogMultiplier int

	StreamingReplicationMode bool
	DetachFalsePrimary       bool
	SearchPrimaryTimeout     time.Duration

	FailoverCommand      string
	FailbackCommand      string
	FollowPrimaryCommand string

	UseWatchdog  bool
	SharedSecret string
	LeaderAddr   string

	StatusFilePath string
	DiscardStatus  bool

	Debug bool
}

// Load builds a *cobra.Command whose RunE receives a fully populated
// Config plus any leftover positional arguments, letting the caller
// dispatch between normal supervisor startup and the hidden worker
// re-exec subcommand execspawn.Spawner forks off argv[1]. Flags are
// bound through viper so PGPOOL2_* environment variables and a config
// file (--config) can override them, mirroring the cobra command
// trees used elsewhere in the retrieved corpus.
func Load(run func(cfg Config, args []string) error) *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("PGPOOL2")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	var configFile string
	var backendsFlag []string
	var listenAddrsFlag []string

	cmd := &cobra.Command{
		Use:   "pgpool2",
		Short: "connection pooling and automated failover supervisor",
		RunE: func(cmd *cobra.Command, args []string) error {
			if configFile != "" {
				v.SetConfigFile(configFile)
				if err := v.ReadInConfig(); err != nil {
					return fmt.Errorf("read config file: %w", err)
				}
			}
			if err := v.BindPFlags(cmd.Flags()); err != nil {
				return fmt.Errorf("bind flags: %w", err)
			}

			backends, err := parseBackends(v.GetStringSlice("backend"))
			if err != nil {
				return err
			}

			cfg := Config{
				NumInitChildren:         v.GetInt("num-init-children"),
				MaxPool:                 v.GetInt("max-pool"),
				Backends:                backends,
				ListenAddresses:         v.GetStringSlice("listen-addresses"),
				SocketDir:               v.GetString("socket-dir"),
				PCPSocketDir:            v.GetString("pcp-socket-dir"),
				Port:                    v.GetInt("port"),
				PCPPort:                 v.GetInt("pcp-port"),
				ListenBacklogMultiplier: v.GetInt("listen-backlog-multiplier"),
				StreamingReplicationMode: v.GetBool("streaming-replication-mode"),
				DetachFalsePrimary:      v.GetBool("detach-false-primary"),
				SearchPrimaryTimeout:    v.GetDuration("search-primary-node-timeout"),
				FailoverCommand:         v.GetString("failover-command"),
				FailbackCommand:         v.GetString("failback-command"),
				FollowPrimaryCommand:    v.GetString("follow-primary-command"),
				UseWatchdog:             v.GetBool("use-watchdog"),
				SharedSecret:            v.GetString("shared-secret"),
				LeaderAddr:              v.GetString("watchdog-leader-addr"),
				StatusFilePath:          v.GetString("status-file"),
				DiscardStatus:           v.GetBool("discard-status"),
				Debug:                   v.GetBool("debug"),
			}
			if err := Validate(cfg); err != nil {
				return err
			}
			return run(cfg, args)
		},
	}

	flags := cmd.Flags()
	flags.Int("num-init-children", 32, "number of query worker processes (M)")
	flags.Int("max-pool", 4, "per-worker connection pool depth (P)")
	flags.StringSliceVar(&backendsFlag, "backend", nil, "backend as host:port, repeatable")
	flags.StringSliceVar(&listenAddrsFlag, "listen-addresses", []string{"127.0.0.1"}, "INET listen addresses")
	flags.String("socket-dir", "/tmp", "directory for the client Unix-domain socket")
	flags.String("pcp-socket-dir", "/tmp", "directory for the PCP Unix-domain socket")
	flags.Int("port", 9999, "client listener port")
	flags.Int("pcp-port", 9898, "PCP listener port")
	flags.Int("listen-backlog-multiplier", 2, "listen backlog = num_init_children * this, capped at 10000")
	flags.Bool("streaming-replication-mode", true, "enable streaming replication mode restart-scope rules")
	flags.Bool("detach-false-primary", false, "demote a primary that does not own its standbys")
	flags.Duration("search-primary-node-timeout", 0, "primary search timeout, 0 = infinite")
	flags.String("failover-command", "", "shell template run on NODE_DOWN")
	flags.String("failback-command", "", "shell template run on NODE_UP without UPDATE")
	flags.String("follow-primary-command", "", "shell template run once per standby after a promotion")
	flags.Bool("use-watchdog", false, "enable peer coordination via internal/watchdog")
	flags.String("shared-secret", "", "HMAC shared secret for watchdog request signing")
	flags.String("watchdog-leader-addr", "", "base URL of the current watchdog leader")
	flags.String("status-file", "/var/log/pgpool2/pgpool_status", "path to the persisted status file")
	flags.Bool("discard-status", false, "delete the status file at startup instead of loading it")
	flags.Bool("debug", false, "enable verbose klog.V(2) tracing")
	flags.StringVar(&configFile, "config", "", "optional config file (yaml, toml, json...)")

	return cmd
}

// parseBackends turns "host:port" strings into Backend values, in the
// order given; that order is the backend's node ID.
func parseBackends(raw []string) ([]Backend, error) {
	backends := make([]Backend, 0, len(raw))
	for _, entry := range raw {
		host, portStr, ok := strings.Cut(entry, ":")
		if !ok {
			return nil, fmt.Errorf("invalid backend %q, want host:port", entry)
		}
		var port int
		if _, err := fmt.Sscanf(portStr, "%d", &port); err != nil {
			return nil, fmt.Errorf("invalid backend port in %q: %w", entry, err)
		}
		backends = append(backends, Backend{Host: host, Port: port})
	}
	return backends, nil
}

// Validate rejects a Config that cannot start a supervisor. It does
// not consult the network or filesystem; those failures surface
// naturally at startup and are handled per SPEC_FULL.md §7 as fatal
// resource-exhaustion errors.
func Validate(cfg Config) error {
	if len(cfg.Backends) == 0 {
		return fmt.Errorf("at least one --backend is required")
	}
	if cfg.NumInitChildren <= 0 {
		return fmt.Errorf("num-init-children must be positive")
	}
	if cfg.MaxPool <= 0 {
		return fmt.Errorf("max-pool must be positive")
	}
	if cfg.ListenBacklogMultiplier <= 0 {
		return fmt.Errorf("listen-backlog-multiplier must be positive")
	}
	if cfg.UseWatchdog && cfg.SharedSecret == "" {
		return fmt.Errorf("shared-secret is required when use-watchdog is set")
	}
	return nil
}

// ListenBacklog computes the listen backlog per SPEC_FULL.md §6:
// num_init_children * listen_backlog_multiplier, capped at 10000.
func (c Config) ListenBacklog() int {
	backlog := c.NumInitChildren * c.ListenBacklogMultiplier
	if backlog > 10000 {
		return 10000
	}
	return backlog
}

// WorkerControlSocketPath returns the Unix-domain socket path forked
// workers dial back into to exchange connection_info/node_state/
// restart/wake frames with the supervisor (SPEC_FULL.md §6). It lives
// alongside the client socket rather than needing its own flag.
func (c Config) WorkerControlSocketPath() string {
	return filepath.Join(c.SocketDir, fmt.Sprintf(".s.PGPOOL2WORKERS.%d", c.Port))
}
