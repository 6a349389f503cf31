package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/hupe1980/taskmesh/core"
)

var (
	runParams        []string
	runTopology      string
	runRounds        int
	runMinSuccessful int
	runTimeout       time.Duration
	runCapabilities  []string
	runJSON          bool
	runQuiet         bool
	runMetricsAddr   string
)

var runCmd = &cobra.Command{
	Use:   "run <task-type> <target>",
	Short: "Submit and execute a task",
	Long: `Submit a task and execute it, streaming agent progress.

Examples:
  taskmesh run security_scan example.com
  taskmesh run complex_analysis ./service --topology hierarchical
  taskmesh run research "vector databases" --topology peer_to_peer --rounds 2 -p depth=3

Ctrl-C cancels the task; results of agents that already finished are kept.`,
	Args: cobra.ExactArgs(2),
	RunE: runTask,
}

func init() {
	runCmd.Flags().StringArrayVarP(&runParams, "param", "p", nil, "Task parameter as key=value (repeatable)")
	runCmd.Flags().StringVarP(&runTopology, "topology", "t", "", "Collaboration topology (sequential, parallel, hierarchical, peer_to_peer)")
	runCmd.Flags().IntVar(&runRounds, "rounds", 0, "Peer-to-peer rounds (default 3)")
	runCmd.Flags().IntVar(&runMinSuccessful, "min-successful", 0, "Minimum number of successful agents (default 1)")
	runCmd.Flags().DurationVar(&runTimeout, "timeout", 0, "Overall task timeout")
	runCmd.Flags().StringSliceVar(&runCapabilities, "require", nil, "Required agent capabilities")
	runCmd.Flags().BoolVar(&runJSON, "json", false, "Print the execution result as JSON")
	runCmd.Flags().BoolVarP(&runQuiet, "quiet", "q", false, "Do not stream progress events")
	runCmd.Flags().StringVar(&runMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address while running (requires observability.enabled)")
}

func runTask(cmd *cobra.Command, args []string) error {
	params, err := parseParams(runParams)
	if err != nil {
		return err
	}

	topology, err := core.ParseTopology(runTopology)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m, cfg, err := openMesh(ctx)
	if err != nil {
		return err
	}
	defer m.Close()

	metricsAddr := runMetricsAddr
	if metricsAddr == "" {
		metricsAddr = cfg.Observability.MetricsAddr
	}

	if metricsAddr != "" {
		if h := m.MetricsHandler(); h != nil {
			srv := &http.Server{Addr: metricsAddr, Handler: h, ReadHeaderTimeout: 5 * time.Second}

			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					printStatus("✗", fmt.Sprintf("metrics server: %v", err), color.FgRed)
				}
			}()

			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()

				_ = srv.Shutdown(shutdownCtx)
			}()
		} else {
			printStatus("⚠", "--metrics-addr ignored: observability is disabled", color.FgYellow)
		}
	}

	id, err := m.Submit(ctx, core.TaskDescriptor{
		Type:                 args[0],
		Target:               args[1],
		Parameters:           params,
		Topology:             topology,
		Rounds:               runRounds,
		MinSuccessfulAgents:  runMinSuccessful,
		Timeout:              runTimeout,
		RequiredCapabilities: runCapabilities,
	})
	if err != nil {
		return err
	}

	if !runQuiet && !runJSON {
		if st, err := m.GetStatus(ctx, id); err == nil && st.Task.Prediction != nil {
			p := st.Task.Prediction
			fmt.Printf("Task %s submitted (predicted success %s, confidence %s)\n", id, percent(p.SuccessProbability), percent(p.Confidence))
		}

		cancelEvents := m.OnEvent(context.Background(), id, printEvent)
		defer cancelEvents()
	}

	h, err := m.Execute(ctx, id)
	if err != nil {
		return err
	}

	select {
	case <-h.Done():
	case <-ctx.Done():
		printStatus("⚠", "Cancelling task...", color.FgYellow)
		h.Cancel()
	}

	res, runErr := h.Wait(context.Background())
	if res == nil {
		return runErr
	}

	if runJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")

		if err := enc.Encode(res); err != nil {
			return err
		}
	} else {
		printResult(res)
	}

	if runErr != nil {
		return runErr
	}

	if !res.Success {
		return fmt.Errorf("task failed: %s", res.Reason)
	}

	return nil
}

func printEvent(ev core.Event) {
	ts := ev.Timestamp.Local().Format("15:04:05")

	switch ev.Type {
	case core.EventAgentStarted:
		fmt.Printf("%s %s %s %s\n", ts, color.BlueString("▶"), ev.AgentID, phaseString(ev))
	case core.EventAgentCompleted:
		fmt.Printf("%s %s %s %s\n", ts, color.GreenString("✓"), ev.AgentID, phaseString(ev))
	case core.EventAgentFailed:
		fmt.Printf("%s %s %s %s %s\n", ts, color.RedString("✗"), ev.AgentID, phaseString(ev), color.HiBlackString(ev.Message))
	case core.EventRoundCompleted:
		fmt.Printf("%s %s round %d completed\n", ts, color.CyanString("●"), ev.Round)
	}
}

func phaseString(ev core.Event) string {
	if ev.Round > 0 {
		return color.HiBlackString("(%s, round %d)", ev.Phase, ev.Round)
	}

	return color.HiBlackString("(%s)", ev.Phase)
}

func printResult(res *core.ExecutionResult) {
	fmt.Println()

	if res.Success {
		printStatus("✓", fmt.Sprintf("Task succeeded (%s, quality %.2f, %s)", res.Topology, res.QualityScore, res.Duration.Round(time.Millisecond)), color.FgGreen)
	} else {
		printStatus("✗", fmt.Sprintf("Task failed: %s (%s, %s)", res.Reason, res.Topology, res.Duration.Round(time.Millisecond)), color.FgRed)
	}

	for _, ar := range res.AgentResults {
		line := fmt.Sprintf("%-22s %-10s", ar.AgentID, ar.Status)
		if ar.Provider != "" {
			line += " via " + ar.Provider
		}

		if ar.Error != "" {
			line += " " + color.HiBlackString(ar.Error)
		}

		switch ar.Status {
		case core.AgentSucceeded:
			printStatus("  ✓", line, color.FgGreen)
		case core.AgentFailed:
			printStatus("  ✗", line, color.FgRed)
		default:
			printStatus("  -", line, color.FgYellow)
		}
	}

	if out := strings.TrimSpace(res.Output); out != "" {
		fmt.Println()
		color.New(color.Bold).Println("Output")
		fmt.Println(out)
	}
}

// parseParams parses key=value pairs. Integers, floats and booleans are
// converted; everything else stays a string.
func parseParams(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}

	params := make(map[string]any, len(pairs))

	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, fmt.Errorf("invalid parameter %q, expected key=value", p)
		}

		params[strings.TrimSpace(k)] = parseValue(v)
	}

	return params, nil
}

func parseValue(v string) any {
	if i, err := strconv.Atoi(v); err == nil {
		return i
	}

	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return f
	}

	if b, err := strconv.ParseBool(v); err == nil {
		return b
	}

	return v
}
