package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dyluth/easel/internal/printer"
	"github.com/dyluth/easel/internal/scaffold"
)

var forceInit bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a starter easel.yml",
	Long: `Write a starter configuration into the current directory.

Creates:
  • easel.yml    - Redis, session, feed, presence and store settings
  • .env.example - Environment overrides, copy to .env to use

Use --force to overwrite existing files.`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&forceInit, "force", false, "Overwrite existing easel.yml and .env.example")
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	if !forceInit {
		if err := scaffold.CheckExisting("."); err != nil {
			return printer.Error("already initialized", err.Error(), nil)
		}
	}

	if err := scaffold.Initialize(".", forceInit); err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	scaffold.PrintSuccess()
	return nil
}
