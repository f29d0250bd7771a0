package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"text/tabwriter"
	"time"

	"github.com/cuemby/beacon/pkg/api"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the status of a running broker",
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("addr")
		if addr == "" {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			addr = cfg.API.HTTPAddr
		}

		st, err := fetchStatus(addr)
		if err != nil {
			return err
		}
		return printStatus(cmd, st)
	},
}

func init() {
	statusCmd.Flags().String("addr", "", "HTTP API address (default api.http_addr)")
}

func fetchStatus(addr string) (*api.StatusResponse, error) {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get("http://" + addr + "/status")
	if err != nil {
		return nil, fmt.Errorf("failed to reach broker: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("broker answered %s", resp.Status)
	}

	var st api.StatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return nil, fmt.Errorf("failed to decode status: %w", err)
	}
	return &st, nil
}

func printStatus(cmd *cobra.Command, st *api.StatusResponse) error {
	out := cmd.OutOrStdout()
	if st.Engine != nil {
		fmt.Fprintf(out, "Engine %s: %s\n", st.Engine.ID, st.Engine.State)
		fmt.Fprintf(out, "  Published: %d\n", st.Engine.Published)
		fmt.Fprintf(out, "  Retained:  %d\n", st.Engine.Retained)
		fmt.Fprintf(out, "  Faults:    %d\n", st.Engine.Faults)
		fmt.Fprintln(out)

		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "SUBSCRIBER\tPERSISTENT\tQUEUED\tIN FLIGHT\tFILE BACKLOG\tDROPPED\tDEGRADED")
		for _, m := range st.Engine.Subscribers {
			fmt.Fprintf(w, "%s\t%v\t%d\t%d\t%d\t%d\t%v\n",
				m.Name, m.Persistent, m.Queued, m.InFlight, m.FileBacklog, m.Dropped, m.Degraded)
		}
		if err := w.Flush(); err != nil {
			return err
		}
	}

	if len(st.Outputs) > 0 {
		fmt.Fprintln(out)
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "OUTPUT\tREADY\tENDPOINT\tLAST ERROR")
		for _, o := range st.Outputs {
			current := o.Current
			if current == "" {
				current = "-"
			}
			fmt.Fprintf(w, "%s\t%v\t%s\t%s\n", o.Name, o.Ready, current, o.LastError)
		}
		return w.Flush()
	}
	return nil
}
