package main

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/opensource-finance/perdiem/internal/domain"
	"github.com/opensource-finance/perdiem/internal/scoring"
)

var scoreFlags struct {
	explain bool
	format  string
}

var scoreCmd = &cobra.Command{
	Use:   "score DAYS MILES RECEIPTS",
	Short: "Score a single trip",
	Long: `Compute the reimbursement for one trip and print it rounded to cents.

Examples:
  # Plain amount, as the legacy calculator printed it
  perdiemctl score 5 730 485.20

  # Show the regime, path and model contributions
  perdiemctl score 5 730 485.20 --explain

  # Machine-readable output
  perdiemctl score 5 730 485.20 --format json`,
	Args: cobra.ExactArgs(3),
	RunE: runScore,
}

func init() {
	rootCmd.AddCommand(scoreCmd)

	scoreCmd.Flags().BoolVar(&scoreFlags.explain, "explain", false, "print how the amount was reached")
	scoreCmd.Flags().StringVar(&scoreFlags.format, "format", "text", "output format: text, json")
}

type scoreOutput struct {
	Trip             domain.Trip                `json:"trip"`
	Amount           string                     `json:"amount"`
	Regime           domain.Regime              `json:"regime"`
	Path             domain.Path                `json:"path"`
	Contributions    []domain.ModelContribution `json:"contributions,omitempty"`
	Adjustments      []string                   `json:"adjustments,omitempty"`
	PolicyVersion    string                     `json:"policyVersion"`
	ModelFingerprint string                     `json:"modelFingerprint,omitempty"`
}

func runScore(cmd *cobra.Command, args []string) error {
	trip, err := parseTrip(args)
	if err != nil {
		return err
	}

	p, err := newPredictor(commandContext(cmd))
	if err != nil {
		return err
	}

	res, err := p.Predict(trip)
	if err != nil {
		return err
	}

	out := output(cmd)
	result := scoreOutput{
		Trip:             trip,
		Amount:           scoring.FormatAmount(res.Amount),
		Regime:           res.Regime,
		Path:             res.Path,
		Contributions:    res.Contributions,
		Adjustments:      res.Adjustments,
		PolicyVersion:    res.PolicyVersion,
		ModelFingerprint: res.ModelFingerprint,
	}

	switch scoreFlags.format {
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	case "text", "":
	default:
		return fmt.Errorf("unsupported format: %s", scoreFlags.format)
	}

	fmt.Fprintln(out, result.Amount)
	if !scoreFlags.explain {
		return nil
	}

	fmt.Fprintf(out, "  regime:  %s\n", result.Regime)
	fmt.Fprintf(out, "  path:    %s\n", result.Path)
	fmt.Fprintf(out, "  policy:  %s\n", result.PolicyVersion)
	for _, c := range result.Contributions {
		fmt.Fprintf(out, "  model:   %-22s prediction %10.2f  weight %.2f  contribution %10.2f\n",
			c.Model, c.Prediction, c.Weight, c.Contribution)
	}
	if len(result.Adjustments) > 0 {
		fmt.Fprintf(out, "  adjust:  %s\n", strings.Join(result.Adjustments, ", "))
	}
	return nil
}

// parseTrip reads DAYS MILES RECEIPTS. Days may be written as a float
// ("3.0") but must be whole.
func parseTrip(args []string) (domain.Trip, error) {
	days, err := strconv.ParseFloat(args[0], 64)
	if err != nil || days != math.Trunc(days) {
		return domain.Trip{}, fmt.Errorf("%w: days must be a whole number, got %q", domain.ErrInvalidInput, args[0])
	}
	miles, err := strconv.ParseFloat(args[1], 64)
	if err != nil {
		return domain.Trip{}, fmt.Errorf("%w: miles must be a number, got %q", domain.ErrInvalidInput, args[1])
	}
	receipts, err := strconv.ParseFloat(args[2], 64)
	if err != nil {
		return domain.Trip{}, fmt.Errorf("%w: receipts must be a number, got %q", domain.ErrInvalidInput, args[2])
	}
	return domain.NewTrip(int(days), miles, receipts)
}
