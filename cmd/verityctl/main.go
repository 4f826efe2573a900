package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var (
	serverURL  string
	jsonOutput bool
	version    = "dev"
)

func main() {
	root := &cobra.Command{
		Use:     "verityctl",
		Short:   "Inspect a running verity daemon",
		Version: version,
	}
	root.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8080", "verity server URL")
	root.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print raw JSON instead of tables")

	root.AddCommand(statusCmd(), cyclesCmd(), circuitsCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func get(path string) (json.RawMessage, error) {
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get(serverURL + path)
	if err != nil {
		return nil, fmt.Errorf("contacting server: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("parsing response: %w", err)
	}
	if env.Error != nil {
		return nil, fmt.Errorf("%s: %s", env.Error.Code, env.Error.Message)
	}
	return env.Data, nil
}

func printJSON(data json.RawMessage) error {
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show orchestrator health",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := get("/api/v1/status")
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(data)
			}

			var status struct {
				Health struct {
					ConsecutiveFailures map[string]int `json:"consecutive_failures"`
					LastSuccessfulCycle *time.Time     `json:"last_successful_cycle"`
					CircuitOpen         []string       `json:"circuit_open"`
					Degraded            bool           `json:"degraded"`
				} `json:"health"`
				Stages []string `json:"stages"`
			}
			if err := json.Unmarshal(data, &status); err != nil {
				return err
			}

			state := "healthy"
			if status.Health.Degraded {
				state = "degraded"
			}
			fmt.Printf("State:        %s\n", state)
			if status.Health.LastSuccessfulCycle != nil {
				fmt.Printf("Last success: %s\n", status.Health.LastSuccessfulCycle.Format(time.RFC3339))
			} else {
				fmt.Println("Last success: never")
			}
			if len(status.Health.CircuitOpen) > 0 {
				fmt.Printf("Open circuits: %v\n", status.Health.CircuitOpen)
			}

			if len(status.Health.ConsecutiveFailures) > 0 {
				w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "\nSTAGE\tCONSECUTIVE FAILURES")
				for stage, n := range status.Health.ConsecutiveFailures {
					fmt.Fprintf(w, "%s\t%d\n", stage, n)
				}
				w.Flush()
			}
			return nil
		},
	}
}

func cyclesCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "cycles [id]",
		Short: "List recent cycles or show one cycle",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				data, err := get("/api/v1/cycles/" + args[0])
				if err != nil {
					return err
				}
				return printJSON(data)
			}

			data, err := get(fmt.Sprintf("/api/v1/cycles?limit=%d", limit))
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(data)
			}

			var cycles []struct {
				ID         string    `json:"id"`
				StartedAt  time.Time `json:"started_at"`
				FinishedAt time.Time `json:"finished_at"`
				Degraded   bool      `json:"degraded"`
				Results    []struct {
					Status string `json:"status"`
				} `json:"results"`
			}
			if err := json.Unmarshal(data, &cycles); err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTARTED\tDURATION\tSTAGES\tDEGRADED")
			for _, c := range cycles {
				failed := 0
				for _, r := range c.Results {
					if r.Status == "failed" {
						failed++
					}
				}
				stages := fmt.Sprintf("%d", len(c.Results))
				if failed > 0 {
					stages = fmt.Sprintf("%d (%d failed)", len(c.Results), failed)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\n",
					c.ID,
					c.StartedAt.Format(time.RFC3339),
					c.FinishedAt.Sub(c.StartedAt).Round(time.Millisecond),
					stages,
					c.Degraded,
				)
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum cycles to list")
	return cmd
}

func circuitsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "circuits",
		Short: "Show circuit breaker state per stage",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := get("/api/v1/circuits")
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(data)
			}

			var circuits []struct {
				Stage               string `json:"stage"`
				State               string `json:"state"`
				ConsecutiveFailures int    `json:"consecutive_failures"`
				ProbeSuccesses      int    `json:"probe_successes"`
			}
			if err := json.Unmarshal(data, &circuits); err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "STAGE\tSTATE\tCONSECUTIVE FAILURES\tPROBE SUCCESSES")
			for _, c := range circuits {
				fmt.Fprintf(w, "%s\t%s\t%d\t%d\n", c.Stage, c.State, c.ConsecutiveFailures, c.ProbeSuccesses)
			}
			return w.Flush()
		},
	}
}
