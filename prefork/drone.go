package prefork

import (
	"bufio"
	"fmt"
	"os"
	"time"

	"github.com/evergreen-library-system/opensrf/bus"
	"github.com/evergreen-library-system/opensrf/osrflog"
	"github.com/evergreen-library-system/opensrf/osrfmsg"
	"github.com/evergreen-library-system/opensrf/registry"
	"github.com/evergreen-library-system/opensrf/session"
	"github.com/evergreen-library-system/opensrf/stack"
	"github.com/evergreen-library-system/opensrf/transport"
)

// droneDataFD and droneStatusFD are the two file descriptors a drone
// expects to inherit, matching the order Supervisor.spawnChild passes them
// via ExtraFiles (fd 3 and 4, immediately following stdin/stdout/stderr).
const (
	droneDataFD   = 3
	droneStatusFD = 4
)

// DroneConfig configures one drone's run. The caller's main() constructs
// this identically to how it would construct an Options for Supervisor.Run
// and branches into RunDrone instead when it is invoked with the
// Options.DroneArgs it handed the supervisor.
type DroneConfig struct {
	Service string
	Domain  string

	Dial           Dialer
	AuthUser       string
	AuthPass       string
	AuthMode       transport.AuthMode
	ConnectTimeout time.Duration

	Keepalive   time.Duration
	Stateless   bool
	MaxRequests int

	App *registry.App

	ChildInit func() error
	ChildExit func()

	Log *osrflog.Logger
}

// RunDrone is one drone child's entire lifetime: connect to the bus under
// its own resource, then loop reading dispatched stanzas off the data
// pipe, each followed by the stateful keepalive wait on its own transport
// connection, until max_requests is reached or the parent closes the pipe.
//
// It returns nil in every ordinary exit path (pipe closed, budget
// exhausted, handler panic flag set) since none of those are failures the
// supervisor needs to react to beyond the already-pending SIGCHLD reap.
func RunDrone(cfg DroneConfig) error {
	if cfg.Log == nil {
		cfg.Log = osrflog.Nop()
	}
	if cfg.Keepalive <= 0 {
		cfg.Keepalive = 5 * time.Second
	}

	dataFile := os.NewFile(uintptr(droneDataFD), "osrf-drone-data")
	statusFile := os.NewFile(uintptr(droneStatusFD), "osrf-drone-status")
	defer dataFile.Close()
	defer statusFile.Close()

	cache := session.NewCache()
	st := stack.New(cache, "", cfg.Log)
	st.App = cfg.App
	st.ServiceName = cfg.Service
	st.Stateless = cfg.Stateless

	resource := fmt.Sprintf("%s_drone_%d", cfg.Service, os.Getpid())
	ts, err := cfg.Dial(st.Callback())
	if err != nil {
		return fmt.Errorf("prefork: drone failed to dial bus: %w", err)
	}
	st.BindTransport(ts)
	st.SelfAddress = fmt.Sprintf("%s@%s/%s", cfg.Service, cfg.Domain, resource)

	if err := ts.Connect(cfg.AuthUser, cfg.AuthPass, resource, cfg.ConnectTimeout, cfg.AuthMode); err != nil {
		return fmt.Errorf("prefork: drone failed to connect: %w", err)
	}
	defer ts.Discard() //nolint:errcheck

	if cfg.ChildInit != nil {
		if err := cfg.ChildInit(); err != nil {
			return fmt.Errorf("prefork: drone child-init failed: %w", err)
		}
	}
	if cfg.ChildExit != nil {
		defer cfg.ChildExit()
	}

	br := bufio.NewReader(dataFile)
	maxRequests := cfg.MaxRequests

	for served := 0; maxRequests <= 0 || served < maxRequests; served++ {
		body, err := readRecord(br)
		if err != nil {
			return nil // parent closed the data pipe; nothing more to serve
		}

		m, err := bus.FromWire(body)
		if err != nil {
			cfg.Log.Warn("prefork: drone failed to parse dispatched stanza", osrflog.Err(err))
			continue
		}

		sess := st.Deliver(m)
		isServerSession := sess != nil && sess.Role == session.RoleServer

	keepalive:
		for isServerSession && !sess.Stateless && sess.State == session.StateConnected {
			res, werr := ts.Wait(cfg.Keepalive)
			if werr != nil {
				break keepalive
			}
			switch res {
			case transport.WaitTimeout:
				sess.QueueRaw(osrfmsg.NewStatus(0, osrfmsg.StatusTimeout, "Session timed out"))
				_ = sess.Flush()
				break keepalive
			case transport.WaitError, transport.WaitClosed:
				break keepalive
			}
			if sess.Panic() {
				break keepalive
			}
		}

		// The conversation is over either way (stateless single-shot, client
		// disconnect, keepalive timeout, or panic); drop the server session
		// so a long-lived drone doesn't accumulate one cache entry per
		// stanza served.
		if isServerSession {
			sess.Teardown()
		}

		if sess != nil && sess.Panic() {
			return nil
		}

		isLast := maxRequests > 0 && served == maxRequests-1
		if !isLast {
			if _, err := statusFile.Write(availableMarker); err != nil {
				return nil
			}
		}
	}

	return nil
}
