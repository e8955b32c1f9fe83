package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/scrivanolabs/scrivano/internal/build"
	"github.com/scrivanolabs/scrivano/internal/rule"
	"github.com/scrivanolabs/scrivano/internal/store"
)

// rulesCmd is the parent command for rule management subcommands.
var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Manage automation rules",
	Long: `Manage the automation rules that are evaluated against ingested
records. Rules are ordered by priority (highest first) and their condition
trees and action lists are validated at save time.`,
}

var rulesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all rules",
	RunE:  runRulesList,
}

var rulesShowCmd = &cobra.Command{
	Use:   "show <rule_id>",
	Short: "Show a rule's full definition",
	Args:  cobra.ExactArgs(1),
	RunE:  runRulesShow,
}

var rulesCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a new rule",
	Long: `Create a new rule from a condition tree and an action list.
Both --condition and --actions accept inline JSON or @path to read a file.`,
	RunE: runRulesCreate,
}

var rulesDeleteCmd = &cobra.Command{
	Use:   "delete <rule_id>",
	Short: "Delete a rule",
	Args:  cobra.ExactArgs(1),
	RunE:  runRulesDelete,
}

var rulesEnableCmd = &cobra.Command{
	Use:   "enable <rule_id>",
	Short: "Activate a rule",
	Args:  cobra.ExactArgs(1),
	RunE:  runRulesSetActive(true),
}

var rulesDisableCmd = &cobra.Command{
	Use:   "disable <rule_id>",
	Short: "Deactivate a rule",
	Args:  cobra.ExactArgs(1),
	RunE:  runRulesSetActive(false),
}

var rulesTestCmd = &cobra.Command{
	Use:   "test <rule_id> <record_id>",
	Short: "Dry-run a rule against a record",
	Long: `Evaluate a rule's condition tree against a record without
enqueueing actions or touching counters.`,
	Args: cobra.ExactArgs(2),
	RunE: runRulesTest,
}

var (
	ruleName        string
	ruleDescription string
	rulePriority    int64
	ruleCondition   string
	ruleActions     string
	ruleInactive    bool
)

func init() {
	rulesCreateCmd.Flags().StringVar(&ruleName, "name", "",
		"Rule name (required)")
	rulesCreateCmd.Flags().StringVar(&ruleDescription, "description",
		"", "Rule description")
	rulesCreateCmd.Flags().Int64Var(&rulePriority, "priority", 0,
		"Rule priority, higher runs first")
	rulesCreateCmd.Flags().StringVar(&ruleCondition, "condition", "",
		"Condition tree as JSON or @file (required)")
	rulesCreateCmd.Flags().StringVar(&ruleActions, "actions", "",
		"Action list as JSON or @file (required)")
	rulesCreateCmd.Flags().BoolVar(&ruleInactive, "inactive", false,
		"Create the rule deactivated")
	rulesCreateCmd.MarkFlagRequired("name")
	rulesCreateCmd.MarkFlagRequired("condition")
	rulesCreateCmd.MarkFlagRequired("actions")

	rulesCmd.AddCommand(rulesListCmd)
	rulesCmd.AddCommand(rulesShowCmd)
	rulesCmd.AddCommand(rulesCreateCmd)
	rulesCmd.AddCommand(rulesDeleteCmd)
	rulesCmd.AddCommand(rulesEnableCmd)
	rulesCmd.AddCommand(rulesDisableCmd)
	rulesCmd.AddCommand(rulesTestCmd)
}

func runRulesList(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	st, closeStore, err := getStore()
	if err != nil {
		return err
	}
	defer closeStore()

	rules, err := st.ListRules(ctx)
	if err != nil {
		return err
	}

	if outputFormat == "json" {
		return outputJSON(rules)
	}

	if len(rules) == 0 {
		fmt.Println("No rules defined.")
		return nil
	}

	for _, r := range rules {
		fmt.Print(formatRule(r))
	}

	return nil
}

func runRulesShow(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	id, err := parseID(args[0], "rule")
	if err != nil {
		return err
	}

	st, closeStore, err := getStore()
	if err != nil {
		return err
	}
	defer closeStore()

	r, err := st.GetRule(ctx, id)
	if err != nil {
		return err
	}

	if outputFormat == "json" {
		return outputJSON(r)
	}

	fmt.Print(formatRuleFull(r))

	return nil
}

func runRulesCreate(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	conditionJSON, err := readJSONArg(ruleCondition)
	if err != nil {
		return fmt.Errorf("invalid condition: %w", err)
	}
	actionsJSON, err := readJSONArg(ruleActions)
	if err != nil {
		return fmt.Errorf("invalid actions: %w", err)
	}

	// Reject malformed rules before they reach the database.
	err = rule.ValidateDefinition(conditionJSON, actionsJSON)
	if err != nil {
		return fmt.Errorf("invalid rule: %w", err)
	}

	st, closeStore, err := getStore()
	if err != nil {
		return err
	}
	defer closeStore()

	created, err := st.CreateRule(ctx, store.CreateRuleParams{
		Name:          ruleName,
		Description:   ruleDescription,
		Active:        !ruleInactive,
		Priority:      rulePriority,
		ConditionJSON: string(conditionJSON),
		ActionsJSON:   string(actionsJSON),
	})
	if err != nil {
		return err
	}

	if outputFormat == "json" {
		return outputJSON(created)
	}

	fmt.Printf("Rule #%d %q created.\n", created.ID, created.Name)

	return nil
}

func runRulesDelete(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	id, err := parseID(args[0], "rule")
	if err != nil {
		return err
	}

	st, closeStore, err := getStore()
	if err != nil {
		return err
	}
	defer closeStore()

	if err := st.DeleteRule(ctx, id); err != nil {
		return err
	}

	fmt.Printf("Rule #%d deleted.\n", id)

	return nil
}

func runRulesSetActive(active bool) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()

		id, err := parseID(args[0], "rule")
		if err != nil {
			return err
		}

		st, closeStore, err := getStore()
		if err != nil {
			return err
		}
		defer closeStore()

		r, err := st.GetRule(ctx, id)
		if err != nil {
			return err
		}

		_, err = st.UpdateRule(ctx, store.UpdateRuleParams{
			ID:            r.ID,
			Name:          r.Name,
			Description:   r.Description,
			Active:        active,
			Priority:      r.Priority,
			ConditionJSON: r.ConditionJSON,
			ActionsJSON:   r.ActionsJSON,
		})
		if err != nil {
			return err
		}

		verb := "enabled"
		if !active {
			verb = "disabled"
		}
		fmt.Printf("Rule #%d %s.\n", id, verb)

		return nil
	}
}

func runRulesTest(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	ruleID, err := parseID(args[0], "rule")
	if err != nil {
		return err
	}
	recordID, err := parseID(args[1], "record")
	if err != nil {
		return err
	}

	st, closeStore, err := getStore()
	if err != nil {
		return err
	}
	defer closeStore()

	engine := rule.NewEngine(st, build.DiscardLogger())

	matched, err := engine.TestRule(ctx, ruleID, recordID)
	if err != nil {
		return err
	}

	if outputFormat == "json" {
		return outputJSON(map[string]bool{"matched": matched})
	}

	if matched {
		fmt.Printf("Rule #%d MATCHES record #%d.\n",
			ruleID, recordID)
	} else {
		fmt.Printf("Rule #%d does not match record #%d.\n",
			ruleID, recordID)
	}

	return nil
}
