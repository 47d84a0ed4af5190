package commands

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var saveSession string

var saveCmd = &cobra.Command{
	Use:   "save [name]",
	Short: "Snapshot a session's current delta",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runSave,
}

func init() {
	rootCmd.AddCommand(saveCmd)
	saveCmd.Flags().StringVarP(&saveSession, "session", "s", "", "session id (required)")
}

func runSave(cmd *cobra.Command, args []string) error {
	if saveSession == "" {
		return fmt.Errorf("--session is required")
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

	name := ""
	if len(args) > 0 {
		name = args[0]
	}
	if name == "" {
		name = uuid.NewString()
	}

	if err := client.Snapshot(saveSession, name); err != nil {
		return err
	}
	fmt.Printf("saved snapshot %q for session %s\n", name, saveSession)
	return nil
}
