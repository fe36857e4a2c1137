package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/opensource-finance/perdiem/internal/dataset"
	"github.com/opensource-finance/perdiem/internal/domain"
	"github.com/opensource-finance/perdiem/internal/scoring"
)

var evaluateFlags struct {
	cases   string
	workers int
	worst   int
	format  string
}

var evaluateCmd = &cobra.Command{
	Use:   "evaluate",
	Short: "Evaluate the engine against labelled cases",
	Long: `Score every labelled case and compare with the legacy output.

A case is exact within ±$0.01 and close within ±$1.00. The score is the
mean error in cents plus ten cents per inexact case; lower is better.

Examples:
  perdiemctl evaluate --cases public_cases.json
  perdiemctl evaluate --cases public_cases.json --models ./models --worst 10
  perdiemctl evaluate --cases public_cases.json --format json`,
	RunE: runEvaluate,
}

func init() {
	rootCmd.AddCommand(evaluateCmd)

	evaluateCmd.Flags().StringVar(&evaluateFlags.cases, "cases", "", "labelled cases file (JSON)")
	evaluateCmd.Flags().IntVar(&evaluateFlags.workers, "workers", 8, "concurrent scoring workers")
	evaluateCmd.Flags().IntVar(&evaluateFlags.worst, "worst", 5, "number of worst cases to list")
	evaluateCmd.Flags().StringVar(&evaluateFlags.format, "format", "text", "output format: text, json")
}

type evaluateSummary struct {
	Cases    int                          `json:"cases"`
	Invalid  int                          `json:"invalid"`
	Exact    int                          `json:"exact"`
	Close    int                          `json:"close"`
	MAE      float64                      `json:"mae"`
	MaxError float64                      `json:"maxError"`
	Score    float64                      `json:"score"`
	ByRegime map[domain.Regime]groupStats `json:"byRegime"`
	ByPath   map[domain.Path]groupStats   `json:"byPath"`
	Worst    []worstCase                  `json:"worst"`
}

type groupStats struct {
	Count int     `json:"count"`
	Exact int     `json:"exact"`
	Close int     `json:"close"`
	MAE   float64 `json:"mae"`
}

type worstCase struct {
	Index     int           `json:"index"`
	Trip      domain.Trip   `json:"trip"`
	Expected  float64       `json:"expected"`
	Predicted float64       `json:"predicted"`
	Error     float64       `json:"error"`
	Regime    domain.Regime `json:"regime"`
	Path      domain.Path   `json:"path"`
}

func runEvaluate(cmd *cobra.Command, args []string) error {
	if evaluateFlags.cases == "" {
		return fmt.Errorf("--cases must be specified")
	}

	cases, err := dataset.LoadFile(evaluateFlags.cases)
	if err != nil {
		return err
	}

	ctx := commandContext(cmd)
	p, err := newPredictor(ctx)
	if err != nil {
		return err
	}

	report, err := dataset.Evaluate(ctx, p, cases, evaluateFlags.workers)
	if err != nil {
		return err
	}

	summary := summarize(report, evaluateFlags.worst)
	out := output(cmd)

	switch evaluateFlags.format {
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(summary)
	case "text", "":
	default:
		return fmt.Errorf("unsupported format: %s", evaluateFlags.format)
	}

	fmt.Fprintf(out, "Policy:     %s\n", p.Policy().Version())
	fmt.Fprintf(out, "Models:     %d of %d loaded\n", p.Registry().Len(), len(p.Weights()))
	fmt.Fprintf(out, "Cases:      %d (%d invalid)\n", summary.Cases, summary.Invalid)
	fmt.Fprintf(out, "Exact:      %d (%.1f%%)\n", summary.Exact, percent(summary.Exact, summary.Cases))
	fmt.Fprintf(out, "Close:      %d (%.1f%%)\n", summary.Close, percent(summary.Close, summary.Cases))
	fmt.Fprintf(out, "Avg error:  $%s\n", scoring.FormatAmount(summary.MAE))
	fmt.Fprintf(out, "Max error:  $%s\n", scoring.FormatAmount(summary.MaxError))
	fmt.Fprintf(out, "Score:      %s\n", scoring.FormatAmount(summary.Score))
	fmt.Fprintln(out)

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "REGIME\tCASES\tEXACT\tCLOSE\tMAE")
	for _, regime := range domain.AllRegimes() {
		s, ok := summary.ByRegime[regime]
		if !ok {
			continue
		}
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%s\n", regime, s.Count, s.Exact, s.Close, scoring.FormatAmount(s.MAE))
	}
	fmt.Fprintln(tw)
	fmt.Fprintln(tw, "PATH\tCASES\tEXACT\tCLOSE\tMAE")
	for _, path := range []domain.Path{domain.PathFormula, domain.PathFallback, domain.PathEnsemble} {
		s, ok := summary.ByPath[path]
		if !ok {
			continue
		}
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%s\n", path, s.Count, s.Exact, s.Close, scoring.FormatAmount(s.MAE))
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if len(summary.Worst) == 0 {
		return nil
	}
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Worst cases:")
	for _, w := range summary.Worst {
		fmt.Fprintf(out, "  #%d  %d days, %.0f miles, $%.2f receipts  expected $%.2f, got $%.2f (error $%.2f, %s/%s)\n",
			w.Index, w.Trip.Days, w.Trip.Miles, w.Trip.Receipts, w.Expected, w.Predicted, w.Error, w.Regime, w.Path)
	}
	return nil
}

func summarize(r *dataset.Report, worst int) evaluateSummary {
	s := evaluateSummary{
		Cases:    r.Count,
		Invalid:  r.Invalid,
		Exact:    r.Exact,
		Close:    r.Close,
		MAE:      r.MAE(),
		MaxError: r.MaxError,
		Score:    r.Score(),
		ByRegime: make(map[domain.Regime]groupStats, len(r.ByRegime)),
		ByPath:   make(map[domain.Path]groupStats, len(r.ByPath)),
	}
	for k, v := range r.ByRegime {
		s.ByRegime[k] = groupStats{Count: v.Count, Exact: v.Exact, Close: v.Close, MAE: v.MAE()}
	}
	for k, v := range r.ByPath {
		s.ByPath[k] = groupStats{Count: v.Count, Exact: v.Exact, Close: v.Close, MAE: v.MAE()}
	}
	if worst > 0 {
		for _, res := range r.Worst(worst) {
			s.Worst = append(s.Worst, worstCase{
				Index:     res.Index,
				Trip:      res.Case.Trip(),
				Expected:  res.Case.ExpectedOutput,
				Predicted: res.Predicted,
				Error:     res.Error,
				Regime:    res.Regime,
				Path:      res.Path,
			})
		}
	}
	return s
}

func percent(n, total int) float64 {
	if total == 0 {
		return 0
	}
	return 100 * float64(n) / float64(total)
}
