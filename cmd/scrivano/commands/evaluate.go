package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/scrivanolabs/scrivano/internal/build"
	"github.com/scrivanolabs/scrivano/internal/rule"
)

// evaluateCmd runs rule evaluation over a record.
var evaluateCmd = &cobra.Command{
	Use:   "evaluate <record_id>",
	Short: "Evaluate all active rules against a record",
	Long: `Run the full rule evaluation pass for a record: active rules in
priority order, matched rules enqueue their actions, and a matching rule
with stop-on-match set halts the pass. Re-running is safe: actions
already enqueued for a rule/record pair are not duplicated.`,
	Args: cobra.ExactArgs(1),
	RunE: runEvaluate,
}

// evaluateExecute additionally runs an execution pass afterwards.
var evaluateExecute bool

func init() {
	evaluateCmd.Flags().BoolVar(&evaluateExecute, "execute", false,
		"Run an execution pass over the queue afterwards")
}

func runEvaluate(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	recordID, err := parseID(args[0], "record")
	if err != nil {
		return err
	}

	st, closeStore, err := getStore()
	if err != nil {
		return err
	}
	defer closeStore()

	engine := rule.NewEngine(st, build.DiscardLogger())

	outcomes, err := engine.EvaluateRecord(ctx, recordID)
	if err != nil {
		return err
	}

	if outputFormat == "json" && !evaluateExecute {
		return outputJSON(outcomes)
	}

	matched := 0
	for _, o := range outcomes {
		if !o.Matched {
			continue
		}
		matched++
		fmt.Printf("Rule #%d %q matched, enqueued %d action(s).\n",
			o.RuleID, o.RuleName, len(o.ActionIDs))
	}
	if matched == 0 {
		fmt.Printf("No rules matched record #%d.\n", recordID)
	}

	if !evaluateExecute {
		return nil
	}

	executor, err := getExecutor(st)
	if err != nil {
		return err
	}

	res, err := executor.ExecuteBatch(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("Executed: claimed %d, completed %d, failed %d.\n",
		res.Claimed, res.Completed, res.Failed)

	return nil
}
