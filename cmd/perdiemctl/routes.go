package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/opensource-finance/perdiem/internal/dataset"
	"github.com/opensource-finance/perdiem/internal/domain"
)

var routesFlags struct {
	cases string
}

var routesCmd = &cobra.Command{
	Use:   "routes",
	Short: "Show how cases are routed across regimes",
	Long: `Route every case through the policy table without scoring it.

Useful when editing route predicates: the counts show how many trips move
between regimes, and how many Normal trips are extreme and bypass the
model blend.

Example:
  perdiemctl routes --cases public_cases.json --policy policies/next.yaml`,
	RunE: runRoutes,
}

func init() {
	rootCmd.AddCommand(routesCmd)

	routesCmd.Flags().StringVar(&routesFlags.cases, "cases", "", "cases file (JSON)")
}

func runRoutes(cmd *cobra.Command, args []string) error {
	if routesFlags.cases == "" {
		return fmt.Errorf("--cases must be specified")
	}

	cases, err := dataset.LoadFile(routesFlags.cases)
	if err != nil {
		return err
	}

	t, err := loadTable()
	if err != nil {
		return err
	}
	compiled, err := compileTable(t)
	if err != nil {
		return err
	}

	regimes, extreme := dataset.Routes(compiled, cases)
	total := 0
	for _, n := range regimes {
		total += n
	}

	out := output(cmd)
	fmt.Fprintf(out, "Policy: %s\n", compiled.Version())
	fmt.Fprintf(out, "Cases:  %d routed, %d invalid\n\n", total, len(cases)-total)

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "REGIME\tCASES\tSHARE")
	for _, regime := range domain.AllRegimes() {
		fmt.Fprintf(tw, "%s\t%d\t%.1f%%\n", regime, regimes[regime], percent(regimes[regime], total))
	}
	fmt.Fprintf(tw, "  extreme\t%d\t%.1f%%\n", extreme, percent(extreme, total))
	return tw.Flush()
}
