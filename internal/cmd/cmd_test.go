package cmd

import (
	"testing"
	"time"

	"github.com/hpctools/slurmtunnel/internal/config"
)

func testLoadedConfig() *config.Config {
	return &config.Config{
		Remote: config.RemoteConfig{
			Host:                  "hpc-login",
			Port:                  22,
			User:                  "wilma",
			CommandTimeoutSeconds: 30,
		},
		Job: config.JobConfig{
			Time:        "1:00:00",
			CPUs:        4,
			Mem:         "2G",
			QOS:         "hiprio",
			ScriptPath:  "tunnel.sbatch",
			ImagePath:   "singularity/openssh.sif",
			BindPath:    "/scratch/wilma",
			MaxRelaunch: 3,
		},
		Discovery: config.DiscoveryConfig{
			QueueTimeoutSeconds: 900,
			TimeoutSeconds:      300,
			PollIntervalSeconds: 5,
			MaxReadRetries:      3,
		},
		Channel: config.ChannelConfig{Command: "ssh", StopGraceSeconds: 10},
		Route:   config.RouteConfig{Alias: "hpc-login-job", SSHConfigPath: "/home/wilma/.ssh/config"},
	}
}

func TestRootCommand_Subcommands(t *testing.T) {
	if rootCmd.Use != "slurmtunnel" {
		t.Errorf("rootCmd.Use = %q, want %q", rootCmd.Use, "slurmtunnel")
	}

	want := []string{"run", "init", "show", "reset"}
	have := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		have[c.Name()] = true
	}
	for _, name := range want {
		if !have[name] {
			t.Errorf("missing subcommand %q", name)
		}
	}
}

func TestSessionConfig_Derivations(t *testing.T) {
	got := sessionConfig(testLoadedConfig())

	if got.Alias != "hpc-login-job" {
		t.Errorf("Alias = %q", got.Alias)
	}
	if got.ForwardAlias != "hpc-login-job-port-forward" {
		t.Errorf("ForwardAlias = %q", got.ForwardAlias)
	}
	if got.LoginHost != "hpc-login" || got.User != "wilma" {
		t.Errorf("LoginHost, User = %q, %q", got.LoginHost, got.User)
	}
	if got.QueuePollInterval != 5*time.Second {
		t.Errorf("QueuePollInterval = %s", got.QueuePollInterval)
	}
	if got.QueueTimeout != 15*time.Minute {
		t.Errorf("QueueTimeout = %s", got.QueueTimeout)
	}
	if got.FallbackLease != time.Hour {
		t.Errorf("FallbackLease = %s, want 1h from the requested time limit", got.FallbackLease)
	}
	if got.TeardownTimeout != time.Minute {
		t.Errorf("TeardownTimeout = %s, want twice the command timeout", got.TeardownTimeout)
	}
}

func TestSessionConfig_UnparsableTimeLeavesSessionUnbounded(t *testing.T) {
	cfg := testLoadedConfig()
	cfg.Job.Time = ""

	if got := sessionConfig(cfg); got.FallbackLease != 0 {
		t.Errorf("FallbackLease = %s, want 0", got.FallbackLease)
	}
}

func TestAllocationRequest_Mapping(t *testing.T) {
	req := allocationRequest(testLoadedConfig())

	if req.CPUs != 4 || req.Memory != "2G" || req.TimeLimit != "1:00:00" {
		t.Errorf("resources = %d, %q, %q", req.CPUs, req.Memory, req.TimeLimit)
	}
	if req.QOS != "hiprio" || req.Partition != "" {
		t.Errorf("placement = %q, %q", req.QOS, req.Partition)
	}
	if req.ScriptPath != "tunnel.sbatch" || req.ImagePath != "singularity/openssh.sif" {
		t.Errorf("artifacts = %q, %q", req.ScriptPath, req.ImagePath)
	}
	if req.BindPath != "/scratch/wilma" || req.MaxRelaunch != 3 {
		t.Errorf("exports = %q, %d", req.BindPath, req.MaxRelaunch)
	}
	if req.OutputPath() != "tunnel.out" {
		t.Errorf("OutputPath = %q, want tunnel.out", req.OutputPath())
	}
}
