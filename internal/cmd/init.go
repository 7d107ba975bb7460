package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hpctools/slurmtunnel/internal/config"
	"github.com/hpctools/slurmtunnel/internal/errors"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write the defaults file",
	Long: `Write the current effective configuration as the defaults file at
$HOME/.slurmtunnel/config.json, ready to edit. Refuses to overwrite an
existing file; run reset first to start over.`,
	RunE: runInit,
}

func init() {
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	path := config.DefaultsFile()
	if err := config.SaveDefaults(path, cfg); err != nil {
		if errors.Is(err, config.ErrDefaultsExist) {
			return fmt.Errorf("defaults file already exists at %s; edit it directly or run reset first", path)
		}
		return err
	}

	fmt.Println(successStyle.Render("Defaults written to " + path))
	return nil
}
