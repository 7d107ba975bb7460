// Package session drives one tunnel session end to end: allocate, discover,
// install routes, hold the channel open, and tear everything down exactly
// once, no matter which of the three session-ending events fires first.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/hpctools/slurmtunnel/internal/channel"
	"github.com/hpctools/slurmtunnel/internal/discover"
	"github.com/hpctools/slurmtunnel/internal/errors"
	"github.com/hpctools/slurmtunnel/internal/logging"
	"github.com/hpctools/slurmtunnel/internal/slurm"
	"github.com/hpctools/slurmtunnel/internal/sshconfig"
)

// Allocator manages the remote allocation hosting the tunnel endpoint.
type Allocator interface {
	Submit(ctx context.Context, req slurm.AllocationRequest) (slurm.JobID, error)
	WaitRunning(ctx context.Context, id slurm.JobID, interval, timeout time.Duration) error
	Cancel(ctx context.Context, id slurm.JobID) error
}

// Discoverer resolves the allocation's advertised endpoint from its output.
type Discoverer interface {
	Discover(ctx context.Context, path string) (discover.Endpoint, error)
}

// Registrar maintains the session's aliases in the local routing file.
type Registrar interface {
	Install(route sshconfig.Route) error
	Remove(alias string) error
}

// Channel is one live secure-channel subprocess.
type Channel interface {
	Alive() bool
	Stop()
	PID() int
}

// Launcher starts channel subprocesses.
type Launcher interface {
	Start(ctx context.Context, spec channel.ForwardSpec) (Channel, error)
}

// CloseReason records which session-ending event fired first on a clean close.
type CloseReason int

const (
	// ReasonNone means the session never reached the active phase, or failed.
	ReasonNone CloseReason = iota
	// ReasonInterrupt means the operator asked for the session to end.
	ReasonInterrupt
	// ReasonLeaseExpired means the allocation's lease ran out.
	ReasonLeaseExpired
	// ReasonChannelDied means the channel subprocess exited on its own.
	ReasonChannelDied
)

// String returns the reason's name.
func (r CloseReason) String() string {
	switch r {
	case ReasonInterrupt:
		return "operator interrupt"
	case ReasonLeaseExpired:
		return "lease expired"
	case ReasonChannelDied:
		return "channel died"
	default:
		return "none"
	}
}

// Ready describes the established tunnel, passed to the OnReady callback.
type Ready struct {
	JobID        slurm.JobID
	Endpoint     discover.Endpoint
	JumpAlias    string
	ForwardAlias string
	LocalPort    int
	LeaseExpiry  time.Time
}

// Config holds the session-level knobs the controller needs beyond what the
// collaborators carry themselves.
type Config struct {
	// Alias is the jump route installed for the discovered endpoint.
	Alias string
	// ForwardAlias is the local route pointing at the forwarded port.
	ForwardAlias string
	// LoginHost is the ProxyJump hop for the jump route.
	LoginHost string
	// User is the remote user recorded on installed routes.
	User string
	// QueuePollInterval and QueueTimeout bound the wait for the job to start.
	QueuePollInterval time.Duration
	QueueTimeout      time.Duration
	// LivenessInterval is how often the active channel is checked.
	LivenessInterval time.Duration
	// LeaseWarning is how long before lease expiry to warn; zero disables.
	LeaseWarning time.Duration
	// FallbackLease bounds the session when the job advertises no lease line:
	// the lease becomes submit time plus this. Zero leaves the session
	// unbounded by time.
	FallbackLease time.Duration
	// TeardownTimeout bounds the cleanup pass.
	TeardownTimeout time.Duration
	// OnReady, when set, is invoked once the tunnel is usable.
	OnReady func(Ready)
}

// Controller runs one tunnel session. A Controller is single-use: Run may be
// called once.
type Controller struct {
	cfg      Config
	alloc    Allocator
	disc     Discoverer
	routes   Registrar
	launcher Launcher
	freePort func() (int, error)
	log      *logging.Logger

	mu     sync.Mutex
	state  State
	reason CloseReason

	jobID       slurm.JobID
	aliases     []string
	channel     Channel
	leaseExpiry time.Time

	teardownOnce sync.Once
}

// NewController wires a Controller from its collaborators.
func NewController(cfg Config, alloc Allocator, disc Discoverer, routes Registrar, launcher Launcher, log *logging.Logger) *Controller {
	if cfg.LivenessInterval <= 0 {
		cfg.LivenessInterval = 2 * time.Second
	}
	if cfg.TeardownTimeout <= 0 {
		cfg.TeardownTimeout = 30 * time.Second
	}
	return &Controller{
		cfg:      cfg,
		alloc:    alloc,
		disc:     disc,
		routes:   routes,
		launcher: launcher,
		freePort: channel.FreePort,
		log:      log.WithComponent("session"),
	}
}

// State returns the controller's current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Reason returns why the session closed. Meaningful once Run has returned.
func (c *Controller) Reason() CloseReason {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	prev := c.state
	c.state = s
	c.mu.Unlock()
	c.log.Debug("state transition", "from", prev.String(), "to", s.String())
}

func (c *Controller) setReason(r CloseReason) {
	c.mu.Lock()
	c.reason = r
	c.mu.Unlock()
}

// Run drives the session to completion. It blocks until a session-ending
// event fires (operator interrupt via ctx, lease expiry, or channel death) or
// a phase fails, then tears down unconditionally: channel stopped first,
// routes removed, allocation canceled. Clean closes return nil; the cause of
// a clean close is available from Reason.
func (c *Controller) Run(ctx context.Context, req slurm.AllocationRequest) error {
	failure := c.establish(ctx, req)
	switch {
	case errors.Is(failure, errors.ErrCanceled) || errors.Is(failure, context.Canceled):
		// Interrupt is a clean close even while still establishing.
		c.setReason(ReasonInterrupt)
		failure = nil
	case errors.Is(failure, errors.ErrLeaseExpired):
		c.setReason(ReasonLeaseExpired)
		failure = nil
	case errors.Is(failure, errors.ErrChannelDied):
		c.setReason(ReasonChannelDied)
		failure = nil
	}

	c.setState(StateTearingDown)
	cleanup := c.teardown()
	c.setState(StateClosed)

	if failure != nil {
		// Cleanup trouble is logged inside teardown; the phase failure is the
		// session's outcome.
		return failure
	}
	return cleanup
}

// establish walks the forward phases until the session ends or a phase fails.
func (c *Controller) establish(ctx context.Context, req slurm.AllocationRequest) error {
	submitted := time.Now()

	c.setState(StateSubmitting)
	id, err := c.alloc.Submit(ctx, req)
	if err != nil {
		return err
	}
	c.jobID = id
	c.log = c.log.WithJob(int(id))

	c.setState(StateAwaitingEndpoint)
	if err := c.alloc.WaitRunning(ctx, id, c.cfg.QueuePollInterval, c.cfg.QueueTimeout); err != nil {
		return err
	}
	ep, err := c.disc.Discover(ctx, req.OutputPath())
	if err != nil {
		return err
	}

	c.leaseExpiry = ep.LeaseExpiry
	if c.leaseExpiry.IsZero() && c.cfg.FallbackLease > 0 {
		c.leaseExpiry = submitted.Add(c.cfg.FallbackLease)
		c.log.Debug("job advertised no lease, bounding by requested time limit",
			"expiry", c.leaseExpiry.Format(time.RFC3339))
	}

	c.setState(StateRouteInstalled)
	jump := sshconfig.Route{
		Alias:     c.cfg.Alias,
		HostName:  ep.Host,
		Port:      ep.Port,
		User:      c.cfg.User,
		ProxyJump: c.cfg.LoginHost,
	}
	if err := c.routes.Install(jump); err != nil {
		return err
	}
	c.aliases = append(c.aliases, jump.Alias)

	localPort, err := c.freePort()
	if err != nil {
		return errors.NewChannelError("no free local port", errors.ErrChannelLaunch)
	}
	ch, err := c.launcher.Start(ctx, channel.ForwardSpec{
		LocalPort:   localPort,
		RemotePort:  ep.Port,
		TargetAlias: jump.Alias,
	})
	if err != nil {
		return err
	}
	c.channel = ch
	c.setState(StateChannelActive)

	forward := sshconfig.Route{
		Alias:    c.cfg.ForwardAlias,
		HostName: "localhost",
		Port:     localPort,
		User:     c.cfg.User,
	}
	if err := c.routes.Install(forward); err != nil {
		return err
	}
	c.aliases = append(c.aliases, forward.Alias)

	c.log.Info("tunnel active",
		"node", ep.Host,
		"remote_port", ep.Port,
		"local_port", localPort,
		"pid", ch.PID(),
	)
	if c.cfg.OnReady != nil {
		c.cfg.OnReady(Ready{
			JobID:        id,
			Endpoint:     ep,
			JumpAlias:    jump.Alias,
			ForwardAlias: forward.Alias,
			LocalPort:    localPort,
			LeaseExpiry:  c.leaseExpiry,
		})
	}

	return c.watch(ctx)
}

// watch blocks on the three session-ending event sources. Whichever fires
// first wins; its sentinel travels up to Run, which classifies it as a clean
// close.
func (c *Controller) watch(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.LivenessInterval)
	defer ticker.Stop()

	var leaseC, warnC <-chan time.Time
	if !c.leaseExpiry.IsZero() {
		remaining := time.Until(c.leaseExpiry)
		lease := time.NewTimer(remaining)
		defer lease.Stop()
		leaseC = lease.C

		if c.cfg.LeaseWarning > 0 && remaining > c.cfg.LeaseWarning {
			warn := time.NewTimer(remaining - c.cfg.LeaseWarning)
			defer warn.Stop()
			warnC = warn.C
		}
	}

	for {
		select {
		case <-ctx.Done():
			c.log.Info("operator interrupt, closing session")
			return errors.ErrCanceled

		case <-leaseC:
			c.log.Info("allocation lease expired, closing session")
			return errors.ErrLeaseExpired

		case <-warnC:
			c.log.Warn("allocation lease expires soon",
				"remaining", c.cfg.LeaseWarning.String())
			warnC = nil

		case <-ticker.C:
			if !c.channel.Alive() {
				c.log.Warn("channel subprocess died, closing session", "pid", c.channel.PID())
				return errors.NewChannelError("subprocess exited unexpectedly", errors.ErrChannelDied).
					WithPID(c.channel.PID())
			}
		}
	}
}

// teardown releases everything the session acquired, in reverse order of
// acquisition: channel, then routes, then allocation. Each step runs even
// when earlier ones fail; failures are joined and also logged individually.
// Runs at most once; later triggers are no-ops.
func (c *Controller) teardown() error {
	var result error
	c.teardownOnce.Do(func() {
		// The run context may already be canceled; cleanup gets its own bounded one.
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.TeardownTimeout)
		defer cancel()

		var errs []error

		if c.channel != nil {
			c.channel.Stop()
		}

		for i := len(c.aliases) - 1; i >= 0; i-- {
			if err := c.routes.Remove(c.aliases[i]); err != nil {
				c.log.Warn("route removal failed", "alias", c.aliases[i], "error", err.Error())
				errs = append(errs, err)
			}
		}

		if c.jobID != 0 {
			if err := c.alloc.Cancel(ctx, c.jobID); err != nil {
				c.log.Warn("allocation cancel failed", "error", err.Error())
				errs = append(errs, err)
			}
		}

		result = errors.Join(errs...)
		if result == nil {
			c.log.Info("session cleaned up")
		}
	})
	return result
}
