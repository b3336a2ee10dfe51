// Command osrf-call is a thin CLI client: it connects to the bus, makes one
// request against a named service method, prints every RESULT as it
// arrives, and exits once the request completes or times out.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/evergreen-library-system/opensrf/config"
	"github.com/evergreen-library-system/opensrf/osrflog"
	"github.com/evergreen-library-system/opensrf/session"
	"github.com/evergreen-library-system/opensrf/stack"
	"github.com/evergreen-library-system/opensrf/transport"
	"github.com/evergreen-library-system/opensrf/transport/tcpconn"
	"github.com/evergreen-library-system/opensrf/transport/unixconn"
)

func main() {
	var (
		configPath string
		busAddr    string
		busUnix    string
		authUser   string
		authPass   string
		service    string
		method     string
		paramsJSON string
		timeoutSec int
	)

	root := &cobra.Command{
		Use:           "osrf-call",
		Short:         "Call one method on an OpenSRF service and print its results",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(callOptions{
				configPath: configPath,
				busAddr:    busAddr,
				busUnix:    busUnix,
				authUser:   authUser,
				authPass:   authPass,
				service:    service,
				method:     method,
				paramsJSON: paramsJSON,
				timeout:    time.Duration(timeoutSec) * time.Second,
			})
		},
	}

	fs := root.Flags()
	fs.StringVar(&configPath, "config", "", "path to the bus configuration file")
	fs.StringVar(&busAddr, "bus-addr", "", "bus router TCP address (host:port)")
	fs.StringVar(&busUnix, "bus-unix", "", "bus router Unix domain socket path")
	fs.StringVar(&authUser, "auth-user", "", "bus login username")
	fs.StringVar(&authPass, "auth-pass", "", "bus login password")
	fs.StringVar(&service, "service", "", "service name to call")
	fs.StringVar(&method, "method", "", "method name to call")
	fs.StringVar(&paramsJSON, "params", "[]", "JSON array of positional parameters")
	fs.IntVar(&timeoutSec, "timeout", 30, "seconds to wait for the request to complete")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "osrf-call:", err)
		os.Exit(1)
	}
}

type callOptions struct {
	configPath string
	busAddr    string
	busUnix    string
	authUser   string
	authPass   string
	service    string
	method     string
	paramsJSON string
	timeout    time.Duration
}

func call(opts callOptions) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}

	var rawParams []json.RawMessage
	if err := json.Unmarshal([]byte(opts.paramsJSON), &rawParams); err != nil {
		return fmt.Errorf("osrf-call: --params must be a JSON array: %w", err)
	}
	params := make([]any, len(rawParams))
	for i, p := range rawParams {
		params[i] = p
	}

	resource := "cli"
	if h := config.Hostname(); h != "" {
		resource = "cli_" + h
	}

	cache := session.NewCache()
	log := osrflog.Nop()
	st := stack.New(cache, "osrf-call@"+cfg.Domain()+"/"+resource, log)

	ts, err := dial(opts, cfg.Domain(), st.Callback())
	if err != nil {
		return fmt.Errorf("osrf-call: failed to dial bus: %w", err)
	}
	defer ts.Disconnect() //nolint:errcheck

	if err := ts.Connect(opts.authUser, opts.authPass, resource, opts.timeout, transport.AuthPlain); err != nil {
		return fmt.Errorf("osrf-call: bus handshake failed: %w", err)
	}

	sess, err := session.ClientInit(cache, ts, st.SelfAddress, cfg.RouterName, cfg.Domain(), opts.service)
	if err != nil {
		return fmt.Errorf("osrf-call: failed to initialize session: %w", err)
	}
	defer sess.Teardown()

	requestID, err := sess.MakeRequest(opts.method, params, 1)
	if err != nil {
		return fmt.Errorf("osrf-call: failed to send request: %w", err)
	}

	for {
		outcome, msg, err := sess.RequestRecv(requestID, opts.timeout)
		if err != nil {
			return fmt.Errorf("osrf-call: request failed: %w", err)
		}
		switch outcome {
		case session.OutcomeResult:
			fmt.Println(string(msg.Content))
		case session.OutcomeComplete:
			return nil
		case session.OutcomeTimeout:
			return fmt.Errorf("osrf-call: timed out waiting for a reply")
		case session.OutcomeTransportError:
			return fmt.Errorf("osrf-call: transport error while waiting for a reply")
		}
	}
}

func dial(opts callOptions, domain string, cb transport.Callback) (*transport.Session, error) {
	ctx := context.Background()
	if opts.busUnix != "" {
		return unixconn.Dial(ctx, opts.busUnix, domain, cb)
	}
	return tcpconn.Dial(ctx, opts.busAddr, domain, cb)
}
