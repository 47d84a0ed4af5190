package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vibefs/vibefs/internal/control"
)

var spawnForceNew bool

var spawnCmd = &cobra.Command{
	Use:   "spawn [id]",
	Short: "Spawn a new session, or attach to an existing one",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runSpawn,
}

func init() {
	rootCmd.AddCommand(spawnCmd)
	spawnCmd.Flags().BoolVar(&spawnForceNew, "force-new", false, "fail instead of attaching if id already exists")
}

func runSpawn(cmd *cobra.Command, args []string) error {
	repo, err := repoRoot()
	if err != nil {
		return err
	}
	client, err := connectDaemon(repo)
	if err != nil {
		return err
	}
	defer client.Close()

	var id string
	if len(args) > 0 {
		id = args[0]
	}

	data, err := client.Spawn(control.SpawnSessionArgs{ID: id, ForceNew: spawnForceNew, Debug: debugFlag})
	if err != nil {
		return err
	}

	fmt.Printf("session %s\n", data.ID)
	if data.MountPoint != "" {
		fmt.Printf("mounted at %s (port %d)\n", data.MountPoint, data.Port)
	} else {
		fmt.Printf("exported on port %d; mount manually if the automatic mount failed\n", data.Port)
	}
	return nil
}
