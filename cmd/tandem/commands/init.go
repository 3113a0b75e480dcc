package commands

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dyluth/tandem/internal/printer"
	"github.com/dyluth/tandem/internal/scaffold"
)

var (
	forceInit bool
	initDir   string
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a starter tandem.yml",
	Long: `Write a tandem.yml documenting every setting with its default.

Use --force to replace an existing tandem.yml.`,
	Args: cobra.NoArgs,
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&forceInit, "force", false, "Replace an existing tandem.yml")
	initCmd.Flags().StringVar(&initDir, "dir", ".", "Directory to write tandem.yml into")
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	path, err := scaffold.Initialize(initDir, forceInit)
	if err != nil {
		var existing *scaffold.ExistingError
		if errors.As(err, &existing) {
			return printer.Error(
				"already initialized",
				fmt.Sprintf("Found existing %s", existing.Path),
				[]string{"Use 'tandem init --force' to replace it"},
			)
		}
		return fmt.Errorf("initialization failed: %w", err)
	}

	printer.Success("Created %s\n", path)
	printer.Info("\nNext steps:\n")
	printer.Info("  1. Point redis_url at your Redis\n")
	printer.Info("  2. Run 'tandem serve --config %s'\n", path)
	return nil
}
