package main

import (
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/hupe1980/taskmesh/predict"
)

var predictParams []string

var predictCmd = &cobra.Command{
	Use:   "predict <task-type> <target>",
	Short: "Predict the outcome of a task from execution history",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		params, err := parseParams(predictParams)
		if err != nil {
			return err
		}

		m, _, err := openMesh(cmd.Context())
		if err != nil {
			return err
		}
		defer m.Close()

		p := m.Predictor().Predict(cmd.Context(), predict.Request{TaskType: args[0], Target: args[1], Parameters: params})

		fmt.Printf("Success probability: %s\n", percent(p.SuccessProbability))
		fmt.Printf("Confidence:          %s\n", percent(p.Confidence))
		fmt.Printf("Estimated duration:  %s\n", p.EstimatedDuration)
		fmt.Printf("Estimated cost:      $%.4f\n", p.EstimatedCost)
		fmt.Printf("Model version:       %d (cold start: %t)\n", p.ModelVersion, p.ColdStart)

		if ids := p.AgentIDs(); len(ids) > 0 {
			fmt.Printf("Recommended agents:  %s\n", strings.Join(ids, ", "))
		}

		for _, r := range p.RiskFactors {
			printStatus("⚠", r, color.FgYellow)
		}

		return nil
	},
}

func init() {
	predictCmd.Flags().StringArrayVarP(&predictParams, "param", "p", nil, "Task parameter as key=value (repeatable)")
}

func percent(v float64) string {
	s := fmt.Sprintf("%.0f%%", v*100)

	switch {
	case v >= 0.75:
		return color.GreenString(s)
	case v >= 0.5:
		return color.YellowString(s)
	default:
		return color.RedString(s)
	}
}
