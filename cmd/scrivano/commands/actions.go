package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/scrivanolabs/scrivano/internal/action"
	"github.com/scrivanolabs/scrivano/internal/store"
)

// actionsCmd is the parent command for action queue subcommands.
var actionsCmd = &cobra.Command{
	Use:   "actions",
	Short: "Manage the action queue",
	Long: `Inspect and drive the queue of actions generated by matched
rules. Actions move pending -> in_progress -> completed or failed; failed
actions can be retried and pending ones cancelled.`,
}

var actionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List actions in a given state",
	RunE:  runActionsList,
}

var actionsShowCmd = &cobra.Command{
	Use:   "show <action_id>",
	Short: "Show an action's params and result",
	Args:  cobra.ExactArgs(1),
	RunE:  runActionsShow,
}

var actionsExecuteCmd = &cobra.Command{
	Use:   "execute <action_id>",
	Short: "Execute a single pending action",
	Args:  cobra.ExactArgs(1),
	RunE:  runActionsExecute,
}

var actionsRetryCmd = &cobra.Command{
	Use:   "retry <action_id>",
	Short: "Retry a failed action",
	Args:  cobra.ExactArgs(1),
	RunE:  runActionsRetry,
}

var actionsCancelCmd = &cobra.Command{
	Use:   "cancel <action_id>",
	Short: "Cancel a pending action",
	Args:  cobra.ExactArgs(1),
	RunE:  runActionsCancel,
}

var actionsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show per-state action counts",
	RunE:  runActionsStats,
}

var actionsSweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run one execution pass over pending actions",
	RunE:  runActionsSweep,
}

var actionsEnqueueCmd = &cobra.Command{
	Use:   "enqueue <record_id>",
	Short: "Enqueue an ad-hoc action for a record",
	Long: `Enqueue an action directly, outside of rule evaluation. The
params are given as repeated --param key=value flags.`,
	Args: cobra.ExactArgs(1),
	RunE: runActionsEnqueue,
}

var (
	actionsState  string
	actionsLimit  int
	actionsOffset int

	enqueueType   string
	enqueueParams []string
)

func init() {
	actionsListCmd.Flags().StringVar(&actionsState, "state", "pending",
		"State to list: pending, in_progress, completed, failed, "+
			"cancelled")
	actionsListCmd.Flags().IntVar(&actionsLimit, "limit", 50,
		"Maximum number of actions to list")
	actionsListCmd.Flags().IntVar(&actionsOffset, "offset", 0,
		"Number of actions to skip")

	enqueueTypes := make([]string, 0, len(action.Types()))
	for _, t := range action.Types() {
		enqueueTypes = append(enqueueTypes, string(t))
	}
	actionsEnqueueCmd.Flags().StringVar(&enqueueType, "type", "",
		"Action type: "+strings.Join(enqueueTypes, ", "))
	actionsEnqueueCmd.Flags().StringArrayVar(&enqueueParams, "param",
		nil, "Action parameter as key=value (repeatable)")
	actionsEnqueueCmd.MarkFlagRequired("type")

	actionsCmd.AddCommand(actionsListCmd)
	actionsCmd.AddCommand(actionsShowCmd)
	actionsCmd.AddCommand(actionsExecuteCmd)
	actionsCmd.AddCommand(actionsRetryCmd)
	actionsCmd.AddCommand(actionsCancelCmd)
	actionsCmd.AddCommand(actionsStatsCmd)
	actionsCmd.AddCommand(actionsSweepCmd)
	actionsCmd.AddCommand(actionsEnqueueCmd)
}

func runActionsList(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	st, closeStore, err := getStore()
	if err != nil {
		return err
	}
	defer closeStore()

	actions, err := st.ListActionsByState(
		ctx, actionsState, actionsLimit, actionsOffset,
	)
	if err != nil {
		return err
	}

	if outputFormat == "json" {
		return outputJSON(actions)
	}

	if len(actions) == 0 {
		fmt.Printf("No %s actions.\n", actionsState)
		return nil
	}

	for _, a := range actions {
		fmt.Print(formatAction(a))
	}

	return nil
}

func runActionsShow(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	id, err := parseID(args[0], "action")
	if err != nil {
		return err
	}

	st, closeStore, err := getStore()
	if err != nil {
		return err
	}
	defer closeStore()

	a, err := st.GetAction(ctx, id)
	if err != nil {
		return err
	}

	if outputFormat == "json" {
		return outputJSON(a)
	}

	fmt.Print(formatActionFull(a))

	return nil
}

func runActionsExecute(cmd *cobra.Command, args []string) error {
	return runExecutorAction(args[0], "execute")
}

func runActionsRetry(cmd *cobra.Command, args []string) error {
	return runExecutorAction(args[0], "retry")
}

// runExecutorAction drives a single action through the executor, either
// executing it fresh or resetting a failed one first.
func runExecutorAction(idArg, mode string) error {
	ctx := context.Background()

	id, err := parseID(idArg, "action")
	if err != nil {
		return err
	}

	st, closeStore, err := getStore()
	if err != nil {
		return err
	}
	defer closeStore()

	executor, err := getExecutor(st)
	if err != nil {
		return err
	}

	var result action.Action
	switch mode {
	case "retry":
		result, err = executor.RetryAction(ctx, id)
	default:
		result, err = executor.ExecuteOne(ctx, id)
	}
	if err != nil {
		return err
	}

	if outputFormat == "json" {
		return outputJSON(result)
	}

	fmt.Printf("Action #%d finished in state %s", result.ID,
		result.State)
	if result.LastError != "" {
		fmt.Printf(": %s", result.LastError)
	}
	fmt.Println()

	return nil
}

func runActionsCancel(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	id, err := parseID(args[0], "action")
	if err != nil {
		return err
	}

	st, closeStore, err := getStore()
	if err != nil {
		return err
	}
	defer closeStore()

	executor, err := getExecutor(st)
	if err != nil {
		return err
	}

	if err := executor.CancelAction(ctx, id); err != nil {
		return err
	}

	fmt.Printf("Action #%d cancelled.\n", id)

	return nil
}

func runActionsStats(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	st, closeStore, err := getStore()
	if err != nil {
		return err
	}
	defer closeStore()

	stats, err := st.GetActionStats(ctx)
	if err != nil {
		return err
	}

	if outputFormat == "json" {
		return outputJSON(stats)
	}

	fmt.Println("Action queue")
	fmt.Println(strings.Repeat("-", 40))
	fmt.Printf("Pending:     %d\n", stats.PendingCount)
	fmt.Printf("In progress: %d\n", stats.InProgressCount)
	fmt.Printf("Completed:   %d\n", stats.CompletedCount)
	fmt.Printf("Failed:      %d\n", stats.FailedCount)
	fmt.Printf("Cancelled:   %d\n", stats.CancelledCount)

	return nil
}

func runActionsSweep(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	st, closeStore, err := getStore()
	if err != nil {
		return err
	}
	defer closeStore()

	executor, err := getExecutor(st)
	if err != nil {
		return err
	}

	res, err := executor.ExecuteBatch(ctx)
	if err != nil {
		return err
	}

	if outputFormat == "json" {
		return outputJSON(res)
	}

	fmt.Printf("Claimed %d, completed %d, failed %d.\n",
		res.Claimed, res.Completed, res.Failed)

	return nil
}

func runActionsEnqueue(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	recordID, err := parseID(args[0], "record")
	if err != nil {
		return err
	}

	actionType := action.Type(enqueueType)
	if !actionType.Valid() {
		return fmt.Errorf("unknown action type %q", enqueueType)
	}

	params := make(map[string]string, len(enqueueParams))
	for _, p := range enqueueParams {
		key, value, ok := strings.Cut(p, "=")
		if !ok {
			return fmt.Errorf("invalid --param %q, expected "+
				"key=value", p)
		}
		params[key] = value
	}

	if err := action.ValidateParams(actionType, params); err != nil {
		return err
	}

	st, closeStore, err := getStore()
	if err != nil {
		return err
	}
	defer closeStore()

	// The record must exist before anything is queued against it.
	if _, err := st.GetRecord(ctx, recordID); err != nil {
		return err
	}

	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return err
	}

	// Operator-enqueued actions get a random idempotency key: unlike
	// rule evaluation there is no natural dedup identity, every
	// invocation is a new unit of work.
	created, err := st.CreateAction(ctx, store.CreateActionParams{
		RecordID:       recordID,
		IdempotencyKey: "manual-" + uuid.NewString(),
		Type:           string(actionType),
		ParamsJSON:     string(paramsJSON),
	})
	if err != nil {
		return err
	}

	if outputFormat == "json" {
		return outputJSON(created)
	}

	fmt.Printf("Action #%d (%s) enqueued for record #%d.\n",
		created.ID, created.Type, created.RecordID)

	return nil
}
