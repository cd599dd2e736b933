package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/austindbirch/taskreplay/internal/emulator"
	"github.com/austindbirch/taskreplay/internal/replay"
)

type scenarioReport struct {
	Scenario string         `json:"scenario"`
	File     string         `json:"file"`
	Passed   bool           `json:"passed"`
	Failures []string       `json:"failures,omitempty"`
	RunID    string         `json:"runId,omitempty"`
	Result   *replay.Result `json:"result,omitempty"`
}

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run [scenario.yaml...]",
	Short: "Run scenario files against the emulator",
	Long: `Run each scenario as a sequence on the emulator and check its expectations.

Example:
  replayctl run scenarios/some-sequence.yaml scenarios/trigger-itself.yaml`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := newClient()
		var reports []scenarioReport
		failed := 0

		for _, path := range args {
			report := runScenario(cmd.Context(), client, path)
			if !report.Passed {
				failed++
			}
			reports = append(reports, report)

			if outputJSON {
				continue
			}
			if report.Passed {
				fmt.Printf("PASS %s (%s)\n", report.Scenario, path)
				continue
			}
			fmt.Printf("FAIL %s (%s)\n", report.Scenario, path)
			for _, f := range report.Failures {
				fmt.Printf("  - %s\n", f)
			}
		}

		if outputJSON {
			printOutput(reports)
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d scenarios failed", failed, len(args))
		}
		return nil
	},
}

func runScenario(ctx context.Context, client *emulator.Client, path string) scenarioReport {
	report := scenarioReport{Scenario: path, File: path}
	sc, err := loadScenario(path)
	if err != nil {
		report.Failures = []string{err.Error()}
		return report
	}
	report.Scenario = sc.Name

	req, err := sc.request()
	if err != nil {
		report.Failures = []string{err.Error()}
		return report
	}

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, runErr := client.RunSequence(ctx, req)
	var apiErr *emulator.APIError
	if runErr != nil && !errors.As(runErr, &apiErr) {
		report.Failures = []string{runErr.Error()}
		return report
	}
	var res *replay.Result
	if out != nil {
		res, report.RunID = out.Result, out.RunID
	}
	report.Result = res
	report.Failures = sc.Expect.check(res, runErr)
	report.Passed = len(report.Failures) == 0
	return report
}

func init() {
	rootCmd.AddCommand(runCmd)
}
