package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mediagrab/mediagrab/internal/core/config"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default config.yml",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.Init(); err != nil {
			return err
		}
		path, err := config.ConfigPath()
		if err != nil {
			return err
		}
		fmt.Println("wrote", path)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
}
