package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

var killForce bool

var killCmd = &cobra.Command{
	Use:   "kill <id>",
	Short: "Close a session, discarding any dirty files (with --force)",
	Args:  cobra.ExactArgs(1),
	RunE:  runKill,
}

func init() {
	rootCmd.AddCommand(killCmd)
	killCmd.Flags().BoolVarP(&killForce, "force", "f", false, "discard dirty files instead of refusing")
}

func runKill(cmd *cobra.Command, args []string) error {
	repo, err := repoRoot()
	if err != nil {
		return err
	}
	client, err := connectDaemon(repo)
	if err != nil {
		return err
	}
	defer client.Close()

	data, err := client.Kill(args[0], killForce)
	if err != nil {
		return err
	}
	if data.DiscardedDirtyCount > 0 {
		fmt.Printf("killed %s, discarded %d dirty file(s)\n", args[0], data.DiscardedDirtyCount)
	} else {
		fmt.Printf("killed %s\n", args[0])
	}
	return nil
}
