package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/menta2k/hwassist/pkg/extract"
)

var (
	planImage     string
	planObjective string
	planItems     string
	planDocs      []string
	planJSON      bool
)

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Write a step-by-step build plan for an objective",
	Args:  cobra.NoArgs,
	RunE:  runPlan,
}

func init() {
	addContextFlags(planCmd, &planImage, &planObjective, &planItems, &planDocs)
	planCmd.Flags().BoolVar(&planJSON, "json", false, "print the plan as JSON")
	planCmd.MarkFlagRequired("objective")
}

func runPlan(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	assistant, closeCatalog, err := newAssistant(ctx)
	if err != nil {
		return err
	}
	defer closeCatalog()

	if err := prepareContext(ctx, assistant, planImage, planObjective, planItems, planDocs); err != nil {
		return err
	}

	stop := spin("Planning")
	plan, err := assistant.Plan(ctx)
	stop()
	if err != nil {
		var failure *extract.Failure
		if errors.As(err, &failure) {
			logger.Debug("unparsed plan", "raw", failure.Raw)
		}
		return err
	}

	if planJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(plan)
	}

	fmt.Println(plan.Summary)
	for i, step := range plan.Steps {
		fmt.Printf("%2d. %s\n", i+1, step)
	}
	if len(plan.Parts) > 0 {
		fmt.Println("\nStill needed:")
		for _, part := range plan.Parts {
			fmt.Printf("  - %s\n", part)
		}
	}
	return nil
}
