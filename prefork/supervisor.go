// Package prefork implements the Prefork Supervisor: the parent process
// that owns one bus connection, maintains a pool of drone child processes,
// hands each inbound stanza to an idle drone over a pair of pipes, and
// registers/unregisters the service with its routers.
//
// Go has no equivalent to a threaded process's fork(): a forked child here
// would not inherit the parent's registered method table or any other
// in-process state a real fork would share copy-on-write, and the Go
// runtime itself is not fork-safe once goroutines are running. Drones are
// therefore spawned by re-executing the supervisor's own binary with
// os/exec, passing the two pipe ends across as inherited file descriptors
// via ExtraFiles - the idiomatic Go substitute for a literal fork() of the
// listener process.
package prefork

import (
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/evergreen-library-system/opensrf/bus"
	"github.com/evergreen-library-system/opensrf/config"
	"github.com/evergreen-library-system/opensrf/osrflog"
	"github.com/evergreen-library-system/opensrf/osrfmsg"
	"github.com/evergreen-library-system/opensrf/transport"
)

const (
	routerCommandRegister   = "register"
	routerCommandUnregister = "unregister"
)

// Dialer opens a fresh bus connection and wires cb as its delivery
// callback, ready for Connect. Supervisors and drones each dial their own
// connection independently; nothing about the socket is inherited across
// the re-exec boundary.
type Dialer func(cb transport.Callback) (*transport.Session, error)

// Options configures a Supervisor. Executable/DroneArgs describe how to
// re-exec this same binary into drone mode; the caller's own main()
// recognizes DroneArgs (cmd/osrf-listener leads them with a hidden "drone"
// subcommand) and branches into RunDrone instead of Supervisor.Run.
type Options struct {
	Service    string
	Domain     string
	RouterName string
	Routers    []config.RouterConfig
	App        config.AppConfig

	Executable string
	DroneArgs  []string

	Dial           Dialer
	AuthUser       string
	AuthPass       string
	AuthMode       transport.AuthMode
	ConnectTimeout time.Duration

	Log     *osrflog.Logger
	Metrics *Metrics

	// ReloadConfig is invoked on SIGHUP; nil disables config reload and
	// SIGHUP only recycles the drone pool under the existing settings.
	ReloadConfig func() (config.AppConfig, error)
}

// Supervisor is one service's prefork parent process.
type Supervisor struct {
	Options

	transport *transport.Session
	selfAddr  string

	active        map[int]*child
	idle          []*child
	sighupPending map[int]struct{}
	backlog       []*bus.Message

	current int

	shuttingDown bool
	immediate    bool
}

// New builds a Supervisor from opts. Call Run to bootstrap and block.
func New(opts Options) *Supervisor {
	if opts.Log == nil {
		opts.Log = osrflog.Nop()
	}
	return &Supervisor{
		Options:       opts,
		active:        make(map[int]*child),
		sighupPending: make(map[int]struct{}),
	}
}

// bootstrap dials the bus and performs the handshake under the listener
// resource. Failure here is one of the supervisor's two fatal conditions.
func (sup *Supervisor) bootstrap() error {
	ts, err := sup.Dial(sup.enqueueInbound)
	if err != nil {
		return fmt.Errorf("prefork: failed to dial bus: %w", err)
	}
	sup.transport = ts

	resource := "listener"
	if h := config.Hostname(); h != "" {
		resource = "listener_" + h
	}
	sup.selfAddr = fmt.Sprintf("%s@%s/%s", sup.Service, sup.Domain, resource)

	if err := ts.Connect(sup.AuthUser, sup.AuthPass, resource, sup.ConnectTimeout, sup.AuthMode); err != nil {
		return fmt.Errorf("prefork: bus handshake failed: %w", err)
	}
	return nil
}

// Run bootstraps the bus connection, spawns the initial drone pool,
// registers with every configured router, and blocks in the supervisor's
// cooperative main loop until a terminating signal is handled.
//
// Run returns nil after any signal-driven shutdown, graceful or immediate.
// It returns an error only for the two fatal conditions: bus bootstrap
// failure and inability to spawn the initial drone pool.
func (sup *Supervisor) Run() error {
	if err := sup.bootstrap(); err != nil {
		return err
	}
	defer sup.transport.Disconnect() //nolint:errcheck

	if err := sup.registerWithRouters(routerCommandRegister); err != nil {
		sup.Log.Warn("prefork: initial router registration failed", osrflog.Err(err))
	}

	for i := 0; i < sup.App.UnixConfig.MinChildren; i++ {
		if err := sup.spawnChild(); err != nil {
			return fmt.Errorf("prefork: failed to spawn initial drone pool: %w", err)
		}
	}

	sigCh := make(chan os.Signal, 8)
	signal.Notify(sigCh, syscall.SIGCHLD, syscall.SIGUSR1, syscall.SIGUSR2,
		syscall.SIGHUP, syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT)
	defer signal.Stop(sigCh)

	for {
		sup.drainSignals(sigCh)
		if sup.immediate {
			break
		}

		// The idle wait is a one-second tick rather than an unbounded
		// block: a pending SIGTERM/SIGHUP cannot interrupt a netpoller
		// read the way EINTR breaks a C select, so the loop must come up
		// for air to drain the signal channel.
		timeout := 1 * time.Second
		switch {
		case sup.shuttingDown:
			timeout = 200 * time.Millisecond
		case len(sup.backlog) > 0:
			timeout = 0
		}

		if _, err := sup.transport.Wait(timeout); err != nil {
			sup.Log.Warn("prefork: bus wait error", osrflog.Err(err))
		}

		sup.pollActiveChildren(0)
		if !sup.shuttingDown {
			sup.tryDispatch()
		}

		if sup.shuttingDown && len(sup.active) == 0 {
			break
		}

		sup.reportMetrics()
	}

	sup.killAll()
	return nil
}

func (sup *Supervisor) drainSignals(ch <-chan os.Signal) {
	for {
		select {
		case sig := <-ch:
			sup.handleSignal(sig)
		default:
			return
		}
	}
}

func (sup *Supervisor) handleSignal(sig os.Signal) {
	switch sig {
	case syscall.SIGCHLD:
		sup.reap()
	case syscall.SIGUSR1:
		if err := sup.registerWithRouters(routerCommandUnregister); err != nil {
			sup.Log.Warn("prefork: router unregister failed", osrflog.Err(err))
		}
	case syscall.SIGUSR2:
		if err := sup.registerWithRouters(routerCommandRegister); err != nil {
			sup.Log.Warn("prefork: router register failed", osrflog.Err(err))
		}
	case syscall.SIGHUP:
		sup.reload()
	case syscall.SIGTERM:
		sup.shuttingDown = true
	case syscall.SIGINT, syscall.SIGQUIT:
		sup.immediate = true
	}
}

// reload re-reads configuration (if a reload hook was supplied), marks
// every currently active drone for termination the next time it goes
// idle, and kills every already-idle drone immediately so the next
// respawn picks up the new settings.
func (sup *Supervisor) reload() {
	if sup.ReloadConfig != nil {
		cfg, err := sup.ReloadConfig()
		if err != nil {
			sup.Log.Error("prefork: config reload failed, keeping prior settings", osrflog.Err(err))
		} else {
			sup.App = cfg
		}
	}

	for pid := range sup.active {
		sup.sighupPending[pid] = struct{}{}
	}
	idle := sup.idle
	sup.idle = nil
	for _, c := range idle {
		sup.killChild(c)
	}
}

// reap collects every exited child in a non-blocking loop, reconciling the
// active/idle bookkeeping, then tops the pool back up to min_children. A
// pid this supervisor no longer tracks (already removed by killChild) is
// still waited on here to avoid leaving a zombie, and is otherwise ignored.
func (sup *Supervisor) reap() {
	for {
		var ws syscall.WaitStatus
		pid, err := syscall.Wait4(-1, &ws, syscall.WNOHANG, nil)
		if err != nil || pid <= 0 {
			break
		}

		if c, ok := sup.active[pid]; ok {
			delete(sup.active, pid)
			delete(sup.sighupPending, pid)
			c.close()
			sup.current--
			continue
		}
		if idx := sup.idleIndex(pid); idx >= 0 {
			sup.idle[idx].close()
			sup.idle = append(sup.idle[:idx], sup.idle[idx+1:]...)
			sup.current--
		}
	}

	if sup.shuttingDown || sup.immediate {
		return
	}
	for sup.current < sup.App.UnixConfig.MinChildren {
		if err := sup.spawnChild(); err != nil {
			sup.Log.Error("prefork: failed to respawn drone toward min_children", osrflog.Err(err))
			return
		}
	}
}

// killChild SIGKILLs c and removes it from bookkeeping immediately, so the
// active+idle==current invariant holds at every observable point even
// though the process itself is reaped asynchronously by a later SIGCHLD.
func (sup *Supervisor) killChild(c *child) {
	_ = syscall.Kill(c.pid, syscall.SIGKILL)
	delete(sup.active, c.pid)
	delete(sup.sighupPending, c.pid)
	if idx := sup.idleIndex(c.pid); idx >= 0 {
		sup.idle = append(sup.idle[:idx], sup.idle[idx+1:]...)
	}
	c.close()
	sup.current--
}

func (sup *Supervisor) idleIndex(pid int) int {
	for i, c := range sup.idle {
		if c.pid == pid {
			return i
		}
	}
	return -1
}

// killAll SIGKILLs and reaps every remaining child, blocking until each is
// collected, used on final shutdown so the supervisor exits without
// leaving zombies behind.
func (sup *Supervisor) killAll() {
	for _, c := range sup.active {
		_ = syscall.Kill(c.pid, syscall.SIGKILL)
	}
	for _, c := range sup.idle {
		_ = syscall.Kill(c.pid, syscall.SIGKILL)
	}
	for pid := range sup.active {
		var ws syscall.WaitStatus
		_, _ = syscall.Wait4(pid, &ws, 0, nil)
	}
	for _, c := range sup.idle {
		var ws syscall.WaitStatus
		_, _ = syscall.Wait4(c.pid, &ws, 0, nil)
	}
	sup.active = make(map[int]*child)
	sup.idle = nil
	sup.current = 0
}

// pollActiveChildren polls every active drone's status pipe for up to
// timeoutMs and moves each ready one to idle, or kills it outright if it
// was marked sighup-pending while active.
func (sup *Supervisor) pollActiveChildren(timeoutMs int) {
	if len(sup.active) == 0 {
		return
	}
	children := make([]*child, 0, len(sup.active))
	for _, c := range sup.active {
		children = append(children, c)
	}

	ready, err := pollStatusPipes(children, timeoutMs)
	if err != nil {
		sup.Log.Warn("prefork: poll of drone status pipes failed", osrflog.Err(err))
		return
	}

	buf := make([]byte, 64)
	for _, c := range ready {
		n, err := c.statusR.Read(buf)
		if err != nil || n == 0 {
			continue // the drone died; the pending SIGCHLD will clean it up
		}
		delete(sup.active, c.pid)

		if _, pending := sup.sighupPending[c.pid]; pending {
			sup.killChild(c)
			continue
		}
		sup.idle = append(sup.idle, c)
	}
}

// blockUntilAvailable waits indefinitely for at least one active drone to
// report available, used when the pool is at max_children and the backlog
// still has work waiting.
func (sup *Supervisor) blockUntilAvailable() {
	sup.pollActiveChildren(-1)
}

// enqueueInbound is the Transport Session callback: every inbound stanza
// either joins the dispatch backlog or, if the backlog is already at its
// configured limit, is rejected with STATUS/SERVICEUNAVAILABLE.
func (sup *Supervisor) enqueueInbound(m *bus.Message) {
	if m.Err != nil {
		sup.Log.Info("prefork: dropping wire-error stanza", osrflog.String("thread", m.Thread))
		return
	}
	if m.Body == "" {
		return
	}

	max := sup.App.UnixConfig.MaxBacklogQueue
	if max > 0 && len(sup.backlog) >= max {
		sup.rejectOverflow(m)
		return
	}
	sup.backlog = append(sup.backlog, m)
}

// rejectOverflow replies to m's sender with the exact wording the bus
// historically used for this condition, without ever handing the stanza to
// a drone.
func (sup *Supervisor) rejectOverflow(m *bus.Message) {
	trace := leadThreadTrace(m.Body)
	status := osrfmsg.NewStatus(trace, osrfmsg.StatusServiceUnavailable, "No available children and backlog queue at limit")

	body, err := osrfmsg.EncodeBatch(osrfmsg.Batch{status})
	if err != nil {
		sup.Log.Error("prefork: failed to encode backlog-overflow rejection", osrflog.Err(err))
		return
	}

	reply := bus.New(string(body), "", m.Thread, m.Sender, sup.selfAddr)
	if err := sup.transport.Send(reply); err != nil {
		sup.Log.Warn("prefork: failed to send backlog-overflow rejection", osrflog.Err(err))
	}
}

// leadThreadTrace best-effort extracts the first Method Message's
// thread_trace from a raw inbound stanza body, so the overflow rejection
// correlates to the request that triggered it. A decode failure yields 0;
// the rejection is still sent.
func leadThreadTrace(body string) int {
	batch, err := osrfmsg.DecodeBatch([]byte(body))
	if err != nil || len(batch) == 0 {
		return 0
	}
	return batch[0].ThreadTrace
}

// tryDispatch hands off as much of the backlog as there are drones (idle or
// spawnable) to take it, blocking only when the pool is already at
// max_children and must wait for one to free up.
func (sup *Supervisor) tryDispatch() {
	for len(sup.backlog) > 0 {
		c := sup.acquireChild()
		if c == nil {
			if sup.current >= sup.App.UnixConfig.MaxChildren {
				sup.blockUntilAvailable()
				continue
			}
			return
		}

		m := sup.backlog[0]
		sup.backlog = sup.backlog[1:]

		wire, err := m.ToWire()
		if err != nil {
			sup.Log.Error("prefork: failed to re-encode stanza for dispatch", osrflog.Err(err))
			sup.idle = append(sup.idle, c)
			continue
		}
		if err := writeRecord(c.dataW, wire); err != nil {
			sup.Log.Warn("prefork: drone pipe write failed, retrying on another drone", osrflog.Err(err))
			sup.killChild(c)
			sup.backlog = append([]*bus.Message{m}, sup.backlog...)
			continue
		}
		sup.active[c.pid] = c
	}
}

// acquireChild pops an idle drone, spawning one on demand if none is idle
// and the pool has room, or returns nil if the pool is already saturated.
func (sup *Supervisor) acquireChild() *child {
	if len(sup.idle) == 0 {
		if sup.current >= sup.App.UnixConfig.MaxChildren {
			return nil
		}
		if err := sup.spawnChild(); err != nil {
			sup.Log.Error("prefork: failed to spawn drone on demand", osrflog.Err(err))
			return nil
		}
	}
	n := len(sup.idle)
	c := sup.idle[n-1]
	sup.idle = sup.idle[:n-1]
	return c
}

// spawnChild re-execs the supervisor's own binary into drone mode, handing
// the two pipe ends across via ExtraFiles, and records the resulting
// process as a fresh idle drone.
func (sup *Supervisor) spawnChild() error {
	dataR, dataW, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("prefork: failed to create data pipe: %w", err)
	}
	statusR, statusW, err := os.Pipe()
	if err != nil {
		dataR.Close()
		dataW.Close()
		return fmt.Errorf("prefork: failed to create status pipe: %w", err)
	}

	cmd := exec.Command(sup.Executable, sup.DroneArgs...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = []*os.File{dataR, statusW}

	if err := cmd.Start(); err != nil {
		dataR.Close()
		dataW.Close()
		statusR.Close()
		statusW.Close()
		return fmt.Errorf("prefork: failed to spawn drone: %w", err)
	}

	// The parent keeps dataW/statusR; the child's own copies of dataR/statusW
	// were duplicated across exec and must be closed here so EOF propagates
	// correctly once the child exits.
	dataR.Close()
	statusW.Close()

	c := &child{pid: cmd.Process.Pid, cmd: cmd, dataW: dataW, statusR: statusR}
	sup.idle = append(sup.idle, c)
	sup.current++
	return nil
}

// registerWithRouters sends command to every configured router in turn,
// from the supervisor's own goroutine (the transport session is not safe
// for concurrent use), returning the first error (if any) after all sends
// complete.
func (sup *Supervisor) registerWithRouters(command string) error {
	var firstErr error
	for _, r := range sup.Routers {
		domain := r.Domain
		if domain == "" {
			domain = sup.Domain
		}
		to := fmt.Sprintf("%s@%s/router", r.Name, domain)
		m := bus.New("", "", uuid.NewString(), to, sup.selfAddr,
			bus.WithRouterTo(r.Name),
			bus.WithRouterClass(sup.Service),
			bus.WithRouterCommand(command))
		if err := sup.transport.Send(m); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (sup *Supervisor) reportMetrics() {
	if sup.Metrics == nil {
		return
	}
	sup.Metrics.report(sup.Service, sup.current, len(sup.idle), len(sup.active), len(sup.backlog))
}
