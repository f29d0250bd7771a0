package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/cuemby/beacon/pkg/muxer"
	"github.com/cuemby/beacon/pkg/queuefile"
	"github.com/spf13/cobra"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect subscriber queue files",
	Long: `Inspect the on-disk queues of subscribers. Run these commands while the
broker is stopped; the files are owned by the running broker otherwise.`,
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the queue files in the queue directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		names, err := queueNames(cfg.Engine.QueueDir)
		if err != nil {
			return err
		}
		if len(names) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No queue files")
			return nil
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "SUBSCRIBER\tQUEUE FILE\tMEMORY FILE")
		for _, name := range names {
			fmt.Fprintf(w, "%s\t%v\t%v\n", name,
				queuefile.Exists(muxer.QueuePath(cfg.Engine.QueueDir, name)),
				queuefile.Exists(muxer.MemoryPath(cfg.Engine.QueueDir, name)))
		}
		return w.Flush()
	},
}

var queueInspectCmd = &cobra.Command{
	Use:   "inspect SUBSCRIBER",
	Short: "Show the backlog of a subscriber",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		found := false
		for _, kind := range []struct {
			label string
			path  string
		}{
			{"queue", muxer.QueuePath(cfg.Engine.QueueDir, args[0])},
			{"memory", muxer.MemoryPath(cfg.Engine.QueueDir, args[0])},
		} {
			if !queuefile.Exists(kind.path) {
				continue
			}
			found = true

			f, err := queuefile.Open(kind.path, queuefile.Options{})
			if err != nil {
				return fmt.Errorf("failed to open %s file: %w", kind.label, err)
			}
			st := f.Stats()
			_ = f.Close()

			fmt.Fprintf(out, "%s file: %s\n", kind.label, st.Path)
			fmt.Fprintf(out, "  Parts:        %d\n", st.Parts)
			fmt.Fprintf(out, "  Bytes:        %d\n", st.Bytes)
			fmt.Fprintf(out, "  Unread:       %d\n", st.Unread)
			fmt.Fprintf(out, "  Read cursor:  part %d offset %d\n", st.ReadPart, st.ReadOffset)
			fmt.Fprintf(out, "  Write cursor: part %d offset %d\n", st.WritePart, st.WriteOffset)
		}

		if !found {
			return fmt.Errorf("no queue files for subscriber %q", args[0])
		}
		return nil
	},
}

func init() {
	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queueInspectCmd)
}

// queueNames lists the subscribers that have files in dir
func queueNames(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read queue directory: %w", err)
	}

	seen := make(map[string]bool)
	var names []string
	for _, e := range entries {
		for _, prefix := range []string{
			filepath.Base(muxer.QueuePath(dir, "")),
			filepath.Base(muxer.MemoryPath(dir, "")),
		} {
			rest, ok := strings.CutPrefix(e.Name(), prefix)
			if !ok || rest == "" {
				continue
			}
			// Parts carry a numeric suffix
			if i := strings.LastIndexByte(rest, '.'); i > 0 {
				rest = rest[:i]
			}
			if !seen[rest] {
				seen[rest] = true
				names = append(names, rest)
			}
		}
	}
	return names, nil
}
