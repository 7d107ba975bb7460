// Package cmd wires the slurmtunnel command-line interface.
package cmd

import (
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/hpctools/slurmtunnel/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "slurmtunnel",
	Short: "SSH tunnel sessions backed by SLURM allocations",
	Long: `Slurmtunnel opens an SSH tunnel to a compute node of a SLURM cluster:
it submits a batch job hosting a tunnel endpoint, discovers the node and
port the job advertises, installs matching Host entries in ~/.ssh/config,
and holds a local port-forward open until you interrupt it, the
allocation's lease runs out, or the tunnel dies. Everything it set up is
removed again on the way out.`,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default is $HOME/.slurmtunnel/config.json)")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
}

func initConfig() {
	// Set defaults first so they're available even without a config file
	config.SetDefaults()

	if cfgFile := viper.GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("json")
		viper.AddConfigPath(config.ConfigDir())
		viper.AddConfigPath(".")
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix("SLURMTUNNEL")
	// Replace dots with underscores for nested keys in env vars
	// e.g., SLURMTUNNEL_REMOTE_HOST for remote.host
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Read config file if it exists (ignore error if not found)
	_ = viper.ReadInConfig()
}
