package main

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/redbco/redb-entities/services/entity/internal/conversion"
	"github.com/redbco/redb-entities/services/entity/internal/fields"
	"github.com/redbco/redb-entities/services/entity/internal/inspect"
)

var errFailed = errors.New("check failed")

var fieldsCmd = &cobra.Command{
	Use:   "fields",
	Short: "Extension field commands",
}

// fieldsValidateCmd validates a record against a definitions file
var fieldsValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate extension values against field definitions",
	Long: `Validate a JSON object of extension values against a YAML or JSON list of
field definitions. Defaults are applied before validation and invalid values are
recovered the way a write would. Exits non-zero when recovery fails.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		defsPath, _ := cmd.Flags().GetString("definitions")
		dataPath, _ := cmd.Flags().GetString("data")
		strict, _ := cmd.Flags().GetBool("strict")
		allowUnknown, _ := cmd.Flags().GetBool("allow-unknown")

		defs, err := inspect.LoadDefinitions(defsPath)
		if err != nil {
			return err
		}
		data, err := inspect.LoadObject(dataPath)
		if err != nil {
			return err
		}

		report := inspect.ValidateRecord(data, defs, fields.Options{Strict: strict, AllowUnknown: allowUnknown})
		if err := printJSON(cmd, report); err != nil {
			return err
		}
		if !report.OK {
			return errFailed
		}
		return nil
	},
}

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Conversion rule commands",
}

// rulesCheckCmd dry-runs a rule against a record
var rulesCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Evaluate a conversion rule against a record",
	Long: `Parse a conversion rule, evaluate its trigger conditions against a source
record and print the target record the rule would create. Nothing is written.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		rulePath, _ := cmd.Flags().GetString("rule")
		recordPath, _ := cmd.Flags().GetString("record")
		extPath, _ := cmd.Flags().GetString("extensions")
		targetPath, _ := cmd.Flags().GetString("target-definitions")
		depth, _ := cmd.Flags().GetInt("max-depth")

		rule, err := inspect.LoadRule(rulePath)
		if err != nil {
			return err
		}
		record, err := inspect.LoadObject(recordPath)
		if err != nil {
			return err
		}
		ext, err := inspect.LoadObject(extPath)
		if err != nil {
			return err
		}
		var targetDefs []fields.Definition
		if targetPath != "" {
			if targetDefs, err = inspect.LoadDefinitions(targetPath); err != nil {
				return err
			}
		}

		preview, err := inspect.PreviewRule(rule, record, ext, targetDefs, depth)
		if err != nil {
			return err
		}
		return printJSON(cmd, preview)
	},
}

func printJSON(cmd *cobra.Command, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(b))
	return nil
}

func init() {
	fieldsValidateCmd.Flags().String("definitions", "", "Path to the field definitions file (YAML or JSON)")
	fieldsValidateCmd.Flags().String("data", "", "Path to the JSON object of extension values")
	fieldsValidateCmd.Flags().Bool("strict", false, "Reject type mismatches instead of coercing")
	fieldsValidateCmd.Flags().Bool("allow-unknown", false, "Pass fields without a definition through")
	_ = fieldsValidateCmd.MarkFlagRequired("definitions")
	_ = fieldsValidateCmd.MarkFlagRequired("data")
	fieldsCmd.AddCommand(fieldsValidateCmd)

	rulesCheckCmd.Flags().String("rule", "", "Path to the conversion rule (YAML or JSON)")
	rulesCheckCmd.Flags().String("record", "", "Path to the JSON source record")
	rulesCheckCmd.Flags().String("extensions", "", "Path to the JSON extension values of the source record")
	rulesCheckCmd.Flags().String("target-definitions", "", "Path to the target entity's field definitions")
	rulesCheckCmd.Flags().Int("max-depth", conversion.DefaultMaxDepth, "Maximum condition nesting depth")
	_ = rulesCheckCmd.MarkFlagRequired("rule")
	_ = rulesCheckCmd.MarkFlagRequired("record")
	rulesCmd.AddCommand(rulesCheckCmd)
}
