package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hpctools/slurmtunnel/internal/config"
)

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Remove the defaults file",
	RunE:  runReset,
}

func init() {
	rootCmd.AddCommand(resetCmd)
}

func runReset(cmd *cobra.Command, args []string) error {
	path := config.DefaultsFile()
	removed, err := config.ResetDefaults(path)
	if err != nil {
		return err
	}
	if !removed {
		fmt.Println("No defaults file to remove.")
		return nil
	}
	fmt.Println(successStyle.Render("Defaults file removed: " + path))
	return nil
}
