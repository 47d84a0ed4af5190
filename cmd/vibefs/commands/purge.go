package commands

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"

	"github.com/vibefs/vibefs/internal/config"
	"github.com/vibefs/vibefs/internal/vibeerrors"
)

var purgeForce bool

var purgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Remove all .vibe state for this repository",
	Args:  cobra.NoArgs,
	RunE:  runPurge,
}

func init() {
	rootCmd.AddCommand(purgeCmd)
	purgeCmd.Flags().BoolVarP(&purgeForce, "force", "f", false, "skip the confirmation prompt")
}

func runPurge(cmd *cobra.Command, args []string) error {
	repo, err := repoRoot()
	if err != nil {
		return err
	}
	vibeDir := config.VibeDir(repo)
	if _, err := os.Stat(vibeDir); os.IsNotExist(err) {
		fmt.Println("nothing to purge")
		return nil
	}

	pidPath := config.PidPath(repo)
	if held, err := pidFileHeld(pidPath); err != nil {
		return err
	} else if held {
		return vibeerrors.Wrap(vibeerrors.KindMetadataLocked, "a vibed daemon is still running; stop it first with 'vibe daemon stop'", vibeerrors.ErrMetadataLocked)
	}

	if !purgeForce {
		fmt.Printf("this permanently removes %s, including every session's uncommitted changes; continue? [y/N] ", vibeDir)
		reply, _ := bufio.NewReader(os.Stdin).ReadString('\n')
		if strings.ToLower(strings.TrimSpace(reply)) != "y" {
			fmt.Println("aborted")
			return nil
		}
	}

	if err := os.RemoveAll(vibeDir); err != nil {
		return fmt.Errorf("remove %s: %w", vibeDir, err)
	}
	fmt.Printf("removed %s\n", vibeDir)
	return nil
}

// pidFileHeld reports whether pidPath's lock is currently held by a live
// process, without disturbing it (a read-only probe: try-lock, and if it
// succeeds, immediately release it again).
func pidFileHeld(pidPath string) (bool, error) {
	if _, err := os.Stat(pidPath); os.IsNotExist(err) {
		return false, nil
	}
	lock := flock.New(pidPath)
	locked, err := lock.TryLock()
	if err != nil {
		return false, fmt.Errorf("probe pid lock: %w", err)
	}
	if locked {
		_ = lock.Unlock()
		return false, nil
	}
	return true, nil
}
