package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var (
	lsVerbose   bool
	lsJSON      bool
	lsConflicts bool
)

var lsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List sessions",
	Args:  cobra.NoArgs,
	RunE:  runLs,
}

func init() {
	rootCmd.AddCommand(lsCmd)
	lsCmd.Flags().BoolVarP(&lsVerbose, "verbose", "v", false, "show mount point and port")
	lsCmd.Flags().BoolVar(&lsJSON, "json", false, "output as JSON")
	lsCmd.Flags().BoolVar(&lsConflicts, "conflicts", false, "list paths dirty in more than one session instead")
}

func runLs(cmd *cobra.Command, args []string) error {
	repo, err := repoRoot()
	if err != nil {
		return err
	}
	client, err := connectDaemon(repo)
	if err != nil {
		return err
	}
	defer client.Close()

	if lsConflicts {
		conflicts, err := client.ListConflicts()
		if err != nil {
			return err
		}
		if lsJSON {
			return json.NewEncoder(os.Stdout).Encode(conflicts)
		}
		if len(conflicts) == 0 {
			fmt.Println("no conflicts")
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
		fmt.Fprintln(w, "PATH\tSESSIONS")
		for _, c := range conflicts {
			fmt.Fprintf(w, "%s\t%v\n", c.Path, c.Sessions)
		}
		return w.Flush()
	}

	sessions, err := client.ListSessions()
	if err != nil {
		return err
	}
	if lsJSON {
		return json.NewEncoder(os.Stdout).Encode(sessions)
	}
	if len(sessions) == 0 {
		fmt.Println("no sessions")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
	if lsVerbose {
		fmt.Fprintln(w, "ID\tSTATE\tDIRTY\tUPTIME(s)\tPORT\tMOUNT")
		for _, s := range sessions {
			fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%s\n", s.ID, s.State, s.DirtyCount, s.UptimeSecs, s.Port, s.MountPoint)
		}
	} else {
		fmt.Fprintln(w, "ID\tSTATE\tDIRTY\tUPTIME(s)")
		for _, s := range sessions {
			fmt.Fprintf(w, "%s\t%s\t%d\t%d\n", s.ID, s.State, s.DirtyCount, s.UptimeSecs)
		}
	}
	return w.Flush()
}
