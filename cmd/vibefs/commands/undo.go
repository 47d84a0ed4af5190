package commands

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var (
	undoSession  string
	undoHard     bool
	undoNoBackup bool
)

var undoCmd = &cobra.Command{
	Use:   "undo <name>",
	Short: "Restore a session's delta from a named snapshot",
	Args:  cobra.ExactArgs(1),
	RunE:  runUndo,
}

func init() {
	rootCmd.AddCommand(undoCmd)
	undoCmd.Flags().StringVarP(&undoSession, "session", "s", "", "session id (required)")
	undoCmd.Flags().BoolVar(&undoHard, "hard", false, "skip the confirmation prompt before discarding current changes")
	undoCmd.Flags().BoolVar(&undoNoBackup, "no-backup", false, "skip the automatic pre-restore snapshot")
}

func runUndo(cmd *cobra.Command, args []string) error {
	if undoSession == "" {
		return fmt.Errorf("--session is required")
	}
	repo, err := repoRoot()
	if err != nil {
		return err
	}

	if !undoHard {
		fmt.Printf("this discards session %s's current changes in favor of snapshot %q; continue? [y/N] ", undoSession, args[0])
		reply, _ := bufio.NewReader(os.Stdin).ReadString('\n')
		if strings.ToLower(strings.TrimSpace(reply)) != "y" {
			fmt.Println("aborted")
			return nil
		}
	}

	client, err := connectDaemon(repo)
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.Restore(undoSession, args[0], undoNoBackup); err != nil {
		return err
	}
	fmt.Printf("restored session %s from snapshot %q\n", undoSession, args[0])
	return nil
}
