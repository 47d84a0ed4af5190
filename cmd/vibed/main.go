// Command vibed is the long-lived VibeFS daemon: one instance per
// repository, owning the metadata store, the session manager, and the
// ControlPlane socket that the vibe CLI talks to.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/vibefs/vibefs/internal/config"
	"github.com/vibefs/vibefs/internal/daemon"
	"github.com/vibefs/vibefs/internal/logging"
)

func main() {
	repoFlag := flag.String("repo", "", "repository root (default: current directory)")
	flag.Parse()

	repoRoot := *repoFlag
	if repoRoot == "" {
		wd, err := os.Getwd()
		if err != nil {
			fmt.Fprintln(os.Stderr, "vibed:", err)
			os.Exit(1)
		}
		repoRoot = wd
	}
	abs, err := filepath.Abs(repoRoot)
	if err != nil {
		fmt.Fprintln(os.Stderr, "vibed:", err)
		os.Exit(1)
	}
	repoRoot = abs

	cfg, err := config.Load(repoRoot)
	if err != nil {
		fmt.Fprintln(os.Stderr, "vibed: load config:", err)
		os.Exit(1)
	}

	log, flush, err := logging.New(cfg.Log.Level, config.LogsDir(repoRoot))
	if err != nil {
		fmt.Fprintln(os.Stderr, "vibed: init logging:", err)
		os.Exit(1)
	}
	defer flush()

	d, err := daemon.New(log, repoRoot, cfg)
	if err != nil {
		log.Error(err, "failed to construct daemon")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	log.Info("vibed starting", "repo", repoRoot)
	if err := d.Run(ctx); err != nil {
		log.Error(err, "vibed exited with error")
		os.Exit(1)
	}
	log.Info("vibed stopped")
}
