package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/opensource-finance/perdiem/internal/policy"
)

var policyShowFlags struct {
	format string
}

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Inspect and validate policy tables",
}

var policyValidateCmd = &cobra.Command{
	Use:   "validate FILE...",
	Short: "Validate policy table files",
	Long: `Parse each table, check its structure and compile every predicate.

The command fails if any file is invalid, so it can gate a deployment.

Example:
  perdiemctl policy validate policies/*.yaml`,
	Args: cobra.MinimumNArgs(1),
	RunE: runPolicyValidate,
}

var policyShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective policy table",
	Long: `Print the table selected by --policy, or the embedded default.

Examples:
  perdiemctl policy show
  perdiemctl policy show --policy policies/next.yaml --format json`,
	Args: cobra.NoArgs,
	RunE: runPolicyShow,
}

func init() {
	rootCmd.AddCommand(policyCmd)
	policyCmd.AddCommand(policyValidateCmd)
	policyCmd.AddCommand(policyShowCmd)

	policyShowCmd.Flags().StringVar(&policyShowFlags.format, "format", "yaml", "output format: yaml, json")
}

func runPolicyValidate(cmd *cobra.Command, args []string) error {
	out := output(cmd)
	failed := 0

	for _, path := range args {
		t, data, err := policy.LoadFile(path)
		if err == nil {
			_, err = compileTable(t)
		}
		if err != nil {
			failed++
			fmt.Fprintf(out, "✗ %s: %v\n", path, err)
			continue
		}
		fmt.Fprintf(out, "✓ %s: version %s, %d routes, %d members (sha256 %s)\n",
			path, t.Version, len(t.Routes), len(t.Normal.Members), policy.Checksum(data)[:12])
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d policy files invalid", failed, len(args))
	}
	return nil
}

func runPolicyShow(cmd *cobra.Command, args []string) error {
	t, err := loadTable()
	if err != nil {
		return err
	}

	out := output(cmd)
	switch policyShowFlags.format {
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(t)
	case "yaml", "":
		enc := yaml.NewEncoder(out)
		enc.SetIndent(2)
		if err := enc.Encode(t); err != nil {
			return err
		}
		return enc.Close()
	default:
		return fmt.Errorf("unsupported format: %s", policyShowFlags.format)
	}
}
