package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

var rebaseCmd = &cobra.Command{
	Use:   "rebase <id>",
	Short: "Advance a session's spawn commit to current HEAD",
	Long: `Advances the session's spawn_commit to the repository's current HEAD.
Refuses if any path dirty in the session also changed upstream between
the old and new commit, rather than guessing at a merge.`,
	Args: cobra.ExactArgs(1),
	RunE: runRebase,
}

func init() {
	rootCmd.AddCommand(rebaseCmd)
}

func runRebase(cmd *cobra.Command, args []string) error {
	repo, err := repoRoot()
	if err != nil {
		return err
	}
	client, err := connectDaemon(repo)
	if err != nil {
		return err
	}
	defer client.Close()

	data, err := client.Rebase(args[0])
	if err != nil {
		return err
	}
	fmt.Printf("session %s rebased onto %s\n", args[0], data.NewSpawnCommit)
	return nil
}
