package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vibefs/vibefs/internal/control"
)

var (
	commitMessage string
	commitAll     bool
	commitOnly    []string
)

var commitCmd = &cobra.Command{
	Use:   "commit [id]",
	Short: "Promote a session's dirty files to refs/vibes/<id>",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runCommit,
}

func init() {
	rootCmd.AddCommand(commitCmd)
	commitCmd.Flags().StringVarP(&commitMessage, "message", "m", "", "commit message")
	commitCmd.Flags().BoolVar(&commitAll, "all", false, "promote every session that has promotable files")
	commitCmd.Flags().StringSliceVar(&commitOnly, "only", nil, "only promote files matching these globs")
}

func runCommit(cmd *cobra.Command, args []string) error {
	var id string
	if len(args) > 0 {
		id = args[0]
	}
	if !commitAll && id == "" {
		return fmt.Errorf("a session id is required unless --all is set")
	}

	repo, err := repoRoot()
	if err != nil {
		return err
	}
	client, err := connectDaemon(repo)
	if err != nil {
		return err
	}
	defer client.Close()

	data, err := client.Promote(control.PromoteSessionArgs{ID: id, All: commitAll, Only: commitOnly, Message: commitMessage})
	if err != nil {
		return err
	}

	for _, r := range data.Results {
		switch {
		case r.Error != "":
			fmt.Printf("%s: error: %s\n", r.Session, r.Error)
		case r.Skipped:
			fmt.Printf("%s: nothing to promote\n", r.Session)
		default:
			fmt.Printf("%s: promoted as %s (refs/vibes/%s)\n", r.Session, r.Commit, r.Session)
		}
	}
	return nil
}
