// Package commands implements the vibe CLI: cobra subcommands that talk
// to the vibed daemon over the ControlPlane, auto-starting it when no
// daemon is reachable.
package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-git/go-git/v5"
	"github.com/spf13/cobra"

	"github.com/vibefs/vibefs/internal/vibeerrors"
)

var (
	repoFlag  string
	debugFlag bool
)

var rootCmd = &cobra.Command{
	Use:   "vibe",
	Short: "Isolated Git-backed workspaces for concurrent agent editing",
	Long: `VibeFS gives each coding agent its own copy-on-write view of a Git
repository, mounted over NFS, without the cost of a full worktree
checkout.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&repoFlag, "repo", "", "repository root (default: discovered from cwd)")
	rootCmd.PersistentFlags().BoolVar(&debugFlag, "debug", false, "enable debug logging")
}

// repoRoot resolves the repository root: --repo, then VIBE_REPO, then the
// toplevel of the Git repository containing the current directory.
func repoRoot() (string, error) {
	if repoFlag != "" {
		return filepath.Abs(repoFlag)
	}
	if env := os.Getenv("VIBE_REPO"); env != "" {
		return filepath.Abs(env)
	}

	wd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("getwd: %w", err)
	}
	repo, err := git.PlainOpenWithOptions(wd, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return "", vibeerrors.Wrap(vibeerrors.KindNotInRepo, "not a git repository (or any parent)", vibeerrors.ErrNotAGitRepo)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return "", fmt.Errorf("repository has no worktree: %w", err)
	}
	return wt.Filesystem.Root(), nil
}
