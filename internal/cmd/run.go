package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/hpctools/slurmtunnel/internal/channel"
	"github.com/hpctools/slurmtunnel/internal/config"
	"github.com/hpctools/slurmtunnel/internal/discover"
	"github.com/hpctools/slurmtunnel/internal/logging"
	"github.com/hpctools/slurmtunnel/internal/remote"
	"github.com/hpctools/slurmtunnel/internal/session"
	"github.com/hpctools/slurmtunnel/internal/slurm"
	"github.com/hpctools/slurmtunnel/internal/sshconfig"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Open a tunnel session and hold it until it ends",
	Long: `Open a tunnel session: submit the batch job hosting the tunnel
endpoint, wait for it to advertise its node and port, install Host
entries in ~/.ssh/config and keep a local port-forward open.

The session ends on Ctrl-C, when the allocation's lease runs out, or
when the forward dies. The job is canceled and the Host entries are
removed in every case.`,
	RunE: runRun,
}

// localShell switches scheduler commands to the local shell, for use
// directly on a login node.
var localShell bool

func init() {
	rootCmd.AddCommand(runCmd)

	flags := runCmd.Flags()
	flags.String("host", "", "login node address or ~/.ssh/config alias")
	flags.String("user", "", "remote user name")
	flags.String("identity", "", "SSH identity file for the login node")
	flags.String("time", "", "allocation time limit in sbatch format")
	flags.Int("cpus", 0, "CPUs to request")
	flags.String("mem", "", "memory to request in sbatch format")
	flags.String("qos", "", "quality-of-service class")
	flags.String("partition", "", "cluster partition")
	flags.String("script", "", "remote batch script path")
	flags.BoolVar(&localShell, "local", false, "run scheduler commands in the local shell")

	_ = viper.BindPFlag("remote.host", flags.Lookup("host"))
	_ = viper.BindPFlag("remote.user", flags.Lookup("user"))
	_ = viper.BindPFlag("remote.identity_file", flags.Lookup("identity"))
	_ = viper.BindPFlag("job.time", flags.Lookup("time"))
	_ = viper.BindPFlag("job.cpus", flags.Lookup("cpus"))
	_ = viper.BindPFlag("job.mem", flags.Lookup("mem"))
	_ = viper.BindPFlag("job.qos", flags.Lookup("qos"))
	_ = viper.BindPFlag("job.partition", flags.Lookup("partition"))
	_ = viper.BindPFlag("job.script_path", flags.Lookup("script"))
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	log, err := logging.NewLogger(cfg.Logging.Dir, cfg.Logging.Level)
	if err != nil {
		return fmt.Errorf("failed to set up logging: %w", err)
	}
	defer log.Close()

	// The interrupt signal is the operator's way to end the session.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var runner remote.Runner
	if localShell {
		runner, err = remote.NewLocal(ctx)
	} else {
		runner, err = remote.NewSSH(ctx, remote.Options{
			Host:           cfg.Remote.Host,
			Port:           cfg.Remote.Port,
			User:           cfg.Remote.User,
			IdentityFile:   cfg.Remote.IdentityFile,
			KnownHostsFile: cfg.Remote.KnownHostsFile,
		})
	}
	if err != nil {
		return fmt.Errorf("failed to open command channel: %w", err)
	}
	defer runner.Close()

	client := slurm.NewClient(runner, cfg.Remote.CommandTimeout(), log)
	poller := discover.NewPoller(client, discover.Config{
		PollInterval:   cfg.Discovery.PollInterval(),
		Timeout:        cfg.Discovery.Timeout(),
		MaxReadRetries: cfg.Discovery.MaxReadRetries,
	}, log)
	registrar := sshconfig.New(cfg.Route.SSHConfigPath, log)
	supervisor := channel.NewSupervisor(cfg.Channel.Command, cfg.Channel.StopGrace(), log)

	sessCfg := sessionConfig(cfg)
	sessCfg.OnReady = printReady
	ctrl := session.NewController(sessCfg, client, poller, registrar, launcher{supervisor}, log)

	fmt.Println(headerStyle.Render(fmt.Sprintf("Submitting tunnel job to %s", cfg.Remote.Host)))

	if err := ctrl.Run(ctx, allocationRequest(cfg)); err != nil {
		fmt.Println(errorStyle.Render("Tunnel session failed: " + err.Error()))
		return err
	}

	fmt.Println(successStyle.Render(fmt.Sprintf("Tunnel closed (%s), everything cleaned up", ctrl.Reason())))
	return nil
}

// sessionConfig derives the controller configuration from the loaded config.
func sessionConfig(cfg *config.Config) session.Config {
	// Validate already accepted the time limit; a zero fallback just leaves
	// the session unbounded when the job advertises no lease.
	fallback, _ := config.ParseTimeLimit(cfg.Job.Time)

	return session.Config{
		Alias:             cfg.Route.Alias,
		ForwardAlias:      cfg.Route.ForwardAlias(),
		LoginHost:         cfg.Remote.Host,
		User:              cfg.Remote.User,
		QueuePollInterval: cfg.Discovery.PollInterval(),
		QueueTimeout:      cfg.Discovery.QueueTimeout(),
		LivenessInterval:  2 * time.Second,
		LeaseWarning:      time.Minute,
		FallbackLease:     fallback,
		TeardownTimeout:   2 * cfg.Remote.CommandTimeout(),
	}
}

// allocationRequest derives the sbatch request from the loaded config.
func allocationRequest(cfg *config.Config) slurm.AllocationRequest {
	return slurm.AllocationRequest{
		CPUs:        cfg.Job.CPUs,
		Memory:      cfg.Job.Mem,
		TimeLimit:   cfg.Job.Time,
		QOS:         cfg.Job.QOS,
		Partition:   cfg.Job.Partition,
		ScriptPath:  cfg.Job.ScriptPath,
		ImagePath:   cfg.Job.ImagePath,
		BindPath:    cfg.Job.BindPath,
		MaxRelaunch: cfg.Job.MaxRelaunch,
	}
}

// launcher adapts the channel supervisor to the controller's Launcher interface.
type launcher struct {
	s *channel.Supervisor
}

func (l launcher) Start(ctx context.Context, spec channel.ForwardSpec) (session.Channel, error) {
	h, err := l.s.Start(ctx, spec)
	if err != nil {
		return nil, err
	}
	return h, nil
}

func printReady(r session.Ready) {
	row := func(label, value string) {
		fmt.Printf("  %s %s\n", labelStyle.Render(label+":"), valueStyle.Render(value))
	}

	fmt.Println()
	fmt.Println(headerStyle.Render("Tunnel ready"))
	row("Job", strconv.Itoa(int(r.JobID)))
	row("Node", fmt.Sprintf("%s:%d", r.Endpoint.Host, r.Endpoint.Port))
	row("Connect", "ssh "+r.JumpAlias)
	row("Forward", fmt.Sprintf("localhost:%d  (ssh %s)", r.LocalPort, r.ForwardAlias))
	if !r.LeaseExpiry.IsZero() {
		row("Lease", r.LeaseExpiry.Format("2006-01-02 15:04:05"))
	}
	fmt.Println()
	fmt.Println(labelStyle.Render("Press Ctrl-C to close the tunnel."))
}
