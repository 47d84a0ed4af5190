package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/vibefs/vibefs/internal/config"
	"github.com/vibefs/vibefs/internal/store"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize VibeFS bookkeeping for the current repository",
	Args:  cobra.NoArgs,
	RunE:  runInit,
}

func init() {
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	repo, err := repoRoot()
	if err != nil {
		return err
	}

	if _, err := os.Stat(config.VibeDir(repo)); err == nil {
		fmt.Printf(".vibe already exists at %s\n", config.VibeDir(repo))
		return nil
	}

	cfg := config.DefaultConfig()
	if err := config.Save(repo, cfg); err != nil {
		return fmt.Errorf("write default config: %w", err)
	}

	meta, err := store.Open(config.MetadataPath(repo))
	if err != nil {
		return fmt.Errorf("initialize metadata store: %w", err)
	}
	if err := meta.Close(); err != nil {
		return fmt.Errorf("close metadata store: %w", err)
	}

	if err := os.MkdirAll(config.SessionsDir(repo), 0o755); err != nil {
		return fmt.Errorf("create sessions directory: %w", err)
	}
	if err := os.MkdirAll(config.LogsDir(repo), 0o755); err != nil {
		return fmt.Errorf("create logs directory: %w", err)
	}
	if err := os.MkdirAll(config.CacheDir(repo), 0o755); err != nil {
		return fmt.Errorf("create cache directory: %w", err)
	}

	fmt.Printf("initialized VibeFS in %s\n", config.VibeDir(repo))
	return nil
}
