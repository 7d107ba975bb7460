// Package config defines the slurmtunnel configuration, loaded through viper
// from the defaults file, environment variables and command-line flags.
package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete slurmtunnel configuration
type Config struct {
	Remote    RemoteConfig    `mapstructure:"remote"`
	Job       JobConfig       `mapstructure:"job"`
	Discovery DiscoveryConfig `mapstructure:"discovery"`
	Channel   ChannelConfig   `mapstructure:"channel"`
	Route     RouteConfig     `mapstructure:"route"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// RemoteConfig describes the SSH command channel to the cluster login node
type RemoteConfig struct {
	// Host is the login node address or ~/.ssh/config alias
	Host string `mapstructure:"host"`
	// Port is the SSH port on the login node
	Port int `mapstructure:"port"`
	// User is the remote user name; empty means the local user name
	User string `mapstructure:"user"`
	// IdentityFile is the private key used when no SSH agent is available
	IdentityFile string `mapstructure:"identity_file"`
	// KnownHostsFile verifies the login node's host key; empty disables verification
	KnownHostsFile string `mapstructure:"known_hosts_file"`
	// CommandTimeoutSeconds bounds every single remote command execution
	CommandTimeoutSeconds int `mapstructure:"command_timeout_seconds"`
}

// JobConfig describes the batch allocation to request
type JobConfig struct {
	// Time is the allocation time limit in sbatch format (e.g. "1:00:00")
	Time string `mapstructure:"time"`
	// CPUs is the number of CPUs to request
	CPUs int `mapstructure:"cpus"`
	// Mem is the memory to request in sbatch format (e.g. "8G")
	Mem string `mapstructure:"mem"`
	// QOS is the quality-of-service class for the allocation
	QOS string `mapstructure:"qos"`
	// Partition is the cluster partition; empty uses the cluster default
	Partition string `mapstructure:"partition"`
	// ScriptPath is the batch script path relative to the remote home directory
	ScriptPath string `mapstructure:"script_path"`
	// ImagePath is the container image path exported to the job as SIF_IMAGE
	ImagePath string `mapstructure:"image_path"`
	// BindPath is an optional bind mount exported to the job as SIF_BIND_PATH
	BindPath string `mapstructure:"bind_path"`
	// MaxRelaunch bounds how often the job relaunches its endpoint process
	// after a disconnect before giving up (0 = exit on first disconnect)
	MaxRelaunch int `mapstructure:"max_relaunch"`
}

// DiscoveryConfig controls endpoint discovery polling
type DiscoveryConfig struct {
	// QueueTimeoutSeconds bounds how long to wait for the job to leave the queue
	QueueTimeoutSeconds int `mapstructure:"queue_timeout_seconds"`
	// TimeoutSeconds bounds how long to poll for the endpoint advertisement
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
	// PollIntervalSeconds is the delay between output polls
	PollIntervalSeconds int `mapstructure:"poll_interval_seconds"`
	// MaxReadRetries is how many consecutive transient read failures are
	// tolerated before discovery fails
	MaxReadRetries int `mapstructure:"max_read_retries"`
}

// ChannelConfig controls the local secure-channel subprocess
type ChannelConfig struct {
	// Command is the ssh binary used for the port-forward subprocess
	Command string `mapstructure:"command"`
	// StopGraceSeconds is how long to wait after SIGTERM before force-killing
	StopGraceSeconds int `mapstructure:"stop_grace_seconds"`
}

// RouteConfig controls the ~/.ssh/config entries installed for the tunnel
type RouteConfig struct {
	// Alias is the route name; empty derives "<remote.host>-job"
	Alias string `mapstructure:"alias"`
	// SSHConfigPath is the routing file; empty means ~/.ssh/config
	SSHConfigPath string `mapstructure:"ssh_config_path"`
}

// LoggingConfig controls structured logging
type LoggingConfig struct {
	// Level is one of DEBUG, INFO, WARN, ERROR
	Level string `mapstructure:"level"`
	// Dir is where tunnel.log is written; empty logs to stderr
	Dir string `mapstructure:"dir"`
}

// SetDefaults registers default values for all configuration keys so they
// are available even without a config file.
func SetDefaults() {
	viper.SetDefault("remote.host", "hpc-login")
	viper.SetDefault("remote.port", 22)
	viper.SetDefault("remote.user", "")
	viper.SetDefault("remote.identity_file", "")
	viper.SetDefault("remote.known_hosts_file", "")
	viper.SetDefault("remote.command_timeout_seconds", 30)

	viper.SetDefault("job.time", "1:00:00")
	viper.SetDefault("job.cpus", 4)
	viper.SetDefault("job.mem", "2G")
	viper.SetDefault("job.qos", "hiprio")
	viper.SetDefault("job.partition", "")
	viper.SetDefault("job.script_path", "tunnel.sbatch")
	viper.SetDefault("job.image_path", "singularity/openssh.sif")
	viper.SetDefault("job.bind_path", "/scratch/$USER")
	viper.SetDefault("job.max_relaunch", 3)

	viper.SetDefault("discovery.queue_timeout_seconds", 900)
	viper.SetDefault("discovery.timeout_seconds", 300)
	viper.SetDefault("discovery.poll_interval_seconds", 5)
	viper.SetDefault("discovery.max_read_retries", 3)

	viper.SetDefault("channel.command", "ssh")
	viper.SetDefault("channel.stop_grace_seconds", 10)

	viper.SetDefault("route.alias", "")
	viper.SetDefault("route.ssh_config_path", "")

	viper.SetDefault("logging.level", "INFO")
	viper.SetDefault("logging.dir", "")
}

// Load unmarshals the current viper state into a Config and fills in
// derived defaults that depend on other fields or the environment.
func Load() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if cfg.Route.Alias == "" {
		cfg.Route.Alias = cfg.Remote.Host + "-job"
	}
	if cfg.Route.SSHConfigPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, err
		}
		cfg.Route.SSHConfigPath = filepath.Join(home, ".ssh", "config")
	}
	return &cfg, nil
}

// ConfigDir returns the directory holding the defaults file and session logs.
func ConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".slurmtunnel"
	}
	return filepath.Join(home, ".slurmtunnel")
}

// DefaultsFile returns the path of the JSON defaults file.
func DefaultsFile() string {
	return filepath.Join(ConfigDir(), "config.json")
}

// CommandTimeout returns the per-command remote execution timeout.
func (c *RemoteConfig) CommandTimeout() time.Duration {
	return time.Duration(c.CommandTimeoutSeconds) * time.Second
}

// QueueTimeout returns how long to wait for the allocation to start running.
func (c *DiscoveryConfig) QueueTimeout() time.Duration {
	return time.Duration(c.QueueTimeoutSeconds) * time.Second
}

// Timeout returns the endpoint discovery deadline.
func (c *DiscoveryConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// PollInterval returns the delay between output polls.
func (c *DiscoveryConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// StopGrace returns the graceful-termination window for the channel subprocess.
func (c *ChannelConfig) StopGrace() time.Duration {
	return time.Duration(c.StopGraceSeconds) * time.Second
}

// ForwardAlias returns the alias of the local port-forward route derived
// from the primary route alias.
func (c *RouteConfig) ForwardAlias() string {
	return c.Alias + "-port-forward"
}
