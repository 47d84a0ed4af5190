package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/vibefs/vibefs/internal/config"
	"github.com/vibefs/vibefs/internal/control"
	"github.com/vibefs/vibefs/internal/daemon"
	"github.com/vibefs/vibefs/internal/logging"
)

var daemonForeground bool

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Control the vibed daemon",
}

var daemonStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the daemon for this repository",
	Args:  cobra.NoArgs,
	RunE:  runDaemonStart,
}

var daemonStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running daemon",
	Args:  cobra.NoArgs,
	RunE:  runDaemonStop,
}

var daemonStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Report whether a daemon is reachable and its uptime",
	Args:  cobra.NoArgs,
	RunE:  runDaemonStatus,
}

func init() {
	rootCmd.AddCommand(daemonCmd)
	daemonCmd.AddCommand(daemonStartCmd, daemonStopCmd, daemonStatusCmd)
	daemonStartCmd.Flags().BoolVar(&daemonForeground, "foreground", false, "run in the foreground instead of autostarting a detached process")
}

func runDaemonStart(cmd *cobra.Command, args []string) error {
	repo, err := repoRoot()
	if err != nil {
		return err
	}

	if !daemonForeground {
		if client, err := control.Dial(control.ShortSocketPath(repo), dialTimeout); err == nil {
			client.Close()
			fmt.Println("daemon already running")
			return nil
		}
		if err := spawnDaemon(repo); err != nil {
			return err
		}
		fmt.Println("daemon starting in the background")
		return nil
	}

	cfg, err := config.Load(repo)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log, flush, err := logging.New(cfg.Log.Level, config.LogsDir(repo))
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer flush()

	d, err := daemon.New(log, repo, cfg)
	if err != nil {
		return err
	}
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	return d.Run(ctx)
}

func runDaemonStop(cmd *cobra.Command, args []string) error {
	repo, err := repoRoot()
	if err != nil {
		return err
	}
	client, err := control.Dial(control.ShortSocketPath(repo), dialTimeout)
	if err != nil {
		fmt.Println("no daemon running")
		return nil
	}
	defer client.Close()

	if err := client.Shutdown(); err != nil {
		return err
	}
	fmt.Println("daemon stopping")
	return nil
}

func runDaemonStatus(cmd *cobra.Command, args []string) error {
	repo, err := repoRoot()
	if err != nil {
		return err
	}
	client, err := control.Dial(control.ShortSocketPath(repo), dialTimeout)
	if err != nil {
		fmt.Println("not running")
		return nil
	}
	defer client.Close()

	status, err := client.Status()
	if err != nil {
		return err
	}
	fmt.Printf("running, pid socket %s, %d session(s), uptime %s, version %s\n",
		control.ShortSocketPath(repo), status.SessionCount, time.Duration(status.UptimeSecs)*time.Second, status.Version)
	return nil
}
