package commands

import (
	"fmt"
	"slices"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/dyluth/tandem/internal/printer"
)

var projectsCmd = &cobra.Command{
	Use:   "projects",
	Short: "List projects with live state",
	Long: `List every project with state in the store, the instance queue it is
bound to, and how many sessions are connected.

A project shows "-" as its queue when no instance is currently serving it.`,
	Args: cobra.NoArgs,
	RunE: runProjects,
}

func init() {
	rootCmd.AddCommand(projectsCmd)
}

func runProjects(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	store, err := connectStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	transport, err := connectPublisher(ctx, cfg)
	if err != nil {
		return err
	}
	defer transport.Close()

	projects, err := store.ListProjects(ctx)
	if err != nil {
		return fmt.Errorf("failed to list projects: %w", err)
	}
	if len(projects) == 0 {
		printer.Info("No projects found\n")
		return nil
	}
	slices.Sort(projects)

	bindings, err := transport.Bindings(ctx)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(printer.Out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PROJECT\tQUEUE\tSESSIONS")
	for _, id := range projects {
		members, err := store.Members(ctx, id)
		if err != nil {
			return fmt.Errorf("failed to read members of project %d: %w", id, err)
		}
		queue := bindings[id]
		if queue == "" {
			queue = "-"
		}
		fmt.Fprintf(w, "%d\t%s\t%d\n", id, queue, len(members))
	}
	return w.Flush()
}
