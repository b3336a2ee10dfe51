// Command osrf-listener is the prefork service host: it loads one
// service's configuration, bootstraps its bus connection, and runs the
// Prefork Supervisor main loop. It re-execs itself under the hidden
// "drone" subcommand to spawn each child, the idiomatic Go substitute for
// a literal fork().
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/evergreen-library-system/opensrf/config"
	"github.com/evergreen-library-system/opensrf/osrflog"
	"github.com/evergreen-library-system/opensrf/prefork"
	"github.com/evergreen-library-system/opensrf/registry"
	"github.com/evergreen-library-system/opensrf/transport"
	"github.com/evergreen-library-system/opensrf/transport/tcpconn"
	"github.com/evergreen-library-system/opensrf/transport/unixconn"
)

type busFlags struct {
	configPath  string
	service     string
	busAddr     string
	busUnix     string
	authUser    string
	authPass    string
	connectSec  int
	metricsAddr string
}

func (f *busFlags) register(fs *pflag.FlagSet) {
	fs.StringVar(&f.configPath, "config", "", "path to the bus configuration file")
	fs.StringVar(&f.service, "service", "", "service name to run")
	fs.StringVar(&f.busAddr, "bus-addr", "", "bus router TCP address (host:port)")
	fs.StringVar(&f.busUnix, "bus-unix", "", "bus router Unix domain socket path")
	fs.StringVar(&f.authUser, "auth-user", "", "bus login username")
	fs.StringVar(&f.authPass, "auth-pass", "", "bus login password")
	fs.IntVar(&f.connectSec, "connect-timeout", 10, "bus handshake timeout, in seconds")
	fs.StringVar(&f.metricsAddr, "metrics-addr", "127.0.0.1:9633", "listen address for the Prometheus /metrics endpoint; empty disables it")
}

func (f *busFlags) dialer(domain string) prefork.Dialer {
	return func(cb transport.Callback) (*transport.Session, error) {
		if f.busUnix != "" {
			return unixconn.Dial(context.Background(), f.busUnix, domain, cb)
		}
		return tcpconn.Dial(context.Background(), f.busAddr, domain, cb)
	}
}

func main() {
	var flags busFlags

	root := &cobra.Command{
		Use:           "osrf-listener",
		Short:         "Run a prefork service listener on the OpenSRF bus",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runListener(&flags)
		},
	}
	flags.register(root.PersistentFlags())

	drone := &cobra.Command{
		Use:    "drone",
		Short:  "Run one drone child (invoked internally by osrf-listener)",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDrone(&flags)
		},
	}
	root.AddCommand(drone)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "osrf-listener:", err)
		os.Exit(1)
	}
}

func runListener(flags *busFlags) error {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return err
	}
	app, ok := cfg.Apps[flags.service]
	if !ok {
		return fmt.Errorf("osrf-listener: no /apps/%s block in configuration", flags.service)
	}

	log := osrflog.New(osrflog.Level(cfg.LogLevel)).Named(flags.service)

	var routers []config.RouterConfig
	for _, r := range cfg.Routers {
		for _, svc := range r.Services {
			if svc == flags.service {
				routers = append(routers, r)
				break
			}
		}
	}

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("osrf-listener: failed to resolve own executable path: %w", err)
	}

	metrics := prefork.NewMetrics(prometheus.DefaultRegisterer)
	if flags.metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		go func() {
			if err := http.ListenAndServe(flags.metricsAddr, mux); err != nil {
				log.Warn("osrf-listener: metrics endpoint failed", osrflog.Err(err))
			}
		}()
	}

	sup := prefork.New(prefork.Options{
		Service:        flags.service,
		Domain:         cfg.Domain(),
		RouterName:     cfg.RouterName,
		Routers:        routers,
		App:            app,
		Executable:     exe,
		DroneArgs:      droneArgs(flags),
		Dial:           flags.dialer(cfg.Domain()),
		AuthUser:       flags.authUser,
		AuthPass:       flags.authPass,
		AuthMode:       transport.AuthPlain,
		ConnectTimeout: time.Duration(flags.connectSec) * time.Second,
		Log:            log,
		Metrics:        metrics,
		ReloadConfig: func() (config.AppConfig, error) {
			fresh, err := config.Load(flags.configPath)
			if err != nil {
				return config.AppConfig{}, err
			}
			a, ok := fresh.Apps[flags.service]
			if !ok {
				return config.AppConfig{}, fmt.Errorf("osrf-listener: no /apps/%s block after reload", flags.service)
			}
			return a, nil
		},
	})

	return sup.Run()
}

func runDrone(flags *busFlags) error {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return err
	}
	appCfg, ok := cfg.Apps[flags.service]
	if !ok {
		return fmt.Errorf("osrf-drone: no /apps/%s block in configuration", flags.service)
	}

	log := osrflog.New(osrflog.Level(cfg.LogLevel)).Named(flags.service + "_drone")

	app, err := registry.RegisterApplication(flags.service, registry.StaticResolver{}, log, nil)
	if err != nil {
		return fmt.Errorf("osrf-drone: failed to register application: %w", err)
	}

	return prefork.RunDrone(prefork.DroneConfig{
		Service:        flags.service,
		Domain:         cfg.Domain(),
		Dial:           flags.dialer(cfg.Domain()),
		AuthUser:       flags.authUser,
		AuthPass:       flags.authPass,
		AuthMode:       transport.AuthPlain,
		ConnectTimeout: time.Duration(flags.connectSec) * time.Second,
		Keepalive:      time.Duration(appCfg.Keepalive) * time.Second,
		Stateless:      appCfg.Stateless,
		MaxRequests:    appCfg.UnixConfig.MaxRequests,
		App:            app,
		ChildExit:      app.ChildExit,
		Log:            log,
	})
}

// droneArgs builds the argv a respawned drone child is re-exec'd with: the
// hidden "drone" subcommand plus the same bus/service flags the parent was
// given, so the child reconstructs an identical configuration view.
func droneArgs(flags *busFlags) []string {
	args := []string{"drone", "--service", flags.service, "--connect-timeout", fmt.Sprint(flags.connectSec)}
	if flags.configPath != "" {
		args = append(args, "--config", flags.configPath)
	}
	if flags.busAddr != "" {
		args = append(args, "--bus-addr", flags.busAddr)
	}
	if flags.busUnix != "" {
		args = append(args, "--bus-unix", flags.busUnix)
	}
	if flags.authUser != "" {
		args = append(args, "--auth-user", flags.authUser)
	}
	if flags.authPass != "" {
		args = append(args, "--auth-pass", flags.authPass)
	}
	return args
}
