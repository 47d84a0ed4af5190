package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

var diffStat bool

var diffCmd = &cobra.Command{
	Use:   "diff <id>",
	Short: "Show a session's uncommitted changes against its spawn commit",
	Args:  cobra.ExactArgs(1),
	RunE:  runDiff,
}

func init() {
	rootCmd.AddCommand(diffCmd)
	diffCmd.Flags().BoolVar(&diffStat, "stat", false, "show only a summary of added/removed lines per file")
}

func runDiff(cmd *cobra.Command, args []string) error {
	repo, err := repoRoot()
	if err != nil {
		return err
	}
	client, err := connectDaemon(repo)
	if err != nil {
		return err
	}
	defer client.Close()

	diffs, err := client.Diff(args[0], diffStat)
	if err != nil {
		return err
	}
	if len(diffs) == 0 {
		fmt.Println("no changes")
		return nil
	}

	for _, d := range diffs {
		switch {
		case d.New:
			fmt.Printf("+++ %s (new)\n", d.Path)
		case d.Deleted:
			fmt.Printf("--- %s (deleted)\n", d.Path)
		default:
			fmt.Printf("--- %s\n", d.Path)
		}
		if d.Binary {
			fmt.Println("  binary file differs")
			continue
		}
		if diffStat {
			fmt.Printf("  +%d -%d\n", d.Added, d.Removed)
			continue
		}
		for _, h := range d.Hunks {
			fmt.Println(" ", h)
		}
	}
	return nil
}
