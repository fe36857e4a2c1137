package main

import (
	"encoding/json"
	"math"
	"strings"
	"testing"

	"github.com/opensource-finance/perdiem/internal/domain"
)

func setEvaluateFlags(cases, format string) {
	evaluateFlags.cases = cases
	evaluateFlags.workers = 2
	evaluateFlags.worst = 2
	evaluateFlags.format = format
}

func TestRunEvaluateJSON(t *testing.T) {
	useSettings(t, "", "")
	setEvaluateFlags(writeFile(t, "cases.json", casesJSON), "json")

	cmd, out := testCommand(t)
	if err := runEvaluate(cmd, nil); err != nil {
		t.Fatalf("runEvaluate failed: %v", err)
	}

	var got evaluateSummary
	if err := json.Unmarshal(out.Bytes(), &got); err != nil {
		t.Fatalf("invalid JSON output: %v\n%s", err, out.String())
	}

	if got.Cases != 4 || got.Invalid != 1 {
		t.Errorf("expected 4 cases and 1 invalid, got %d and %d", got.Cases, got.Invalid)
	}
	if got.Exact != 3 || got.Close != 3 {
		t.Errorf("expected 3 exact and 3 close, got %d and %d", got.Exact, got.Close)
	}
	if math.Abs(got.MaxError-10) > 1e-9 {
		t.Errorf("expected max error 10, got %v", got.MaxError)
	}
	if math.Abs(got.MAE-2.5) > 1e-9 {
		t.Errorf("expected MAE 2.5, got %v", got.MAE)
	}
	if math.Abs(got.Score-250.1) > 1e-9 {
		t.Errorf("expected score 250.1, got %v", got.Score)
	}
	if got.ByRegime[domain.RegimeHighIntensityStrict].Count != 1 {
		t.Errorf("expected one HighIntensityStrict case, got %+v", got.ByRegime)
	}
	if len(got.Worst) != 2 || got.Worst[0].Index != 3 {
		t.Errorf("expected case 3 to be the worst, got %+v", got.Worst)
	}
}

func TestRunEvaluateText(t *testing.T) {
	useSettings(t, "", "")
	setEvaluateFlags(writeFile(t, "cases.json", casesJSON), "text")

	cmd, out := testCommand(t)
	if err := runEvaluate(cmd, nil); err != nil {
		t.Fatalf("runEvaluate failed: %v", err)
	}

	for _, want := range []string{
		"Cases:      4 (1 invalid)",
		"Exact:      3 (75.0%)",
		"Max error:  $10.00",
		"HighIntensityStrict",
		"Worst cases:",
		"#3  12 days",
	} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("expected %q in output:\n%s", want, out.String())
		}
	}
}

func TestRunEvaluateErrors(t *testing.T) {
	useSettings(t, "", "")

	t.Run("no cases", func(t *testing.T) {
		setEvaluateFlags("", "text")
		cmd, _ := testCommand(t)
		if err := runEvaluate(cmd, nil); err == nil {
			t.Error("expected error without --cases")
		}
	})

	t.Run("missing file", func(t *testing.T) {
		setEvaluateFlags("testdata/nonexistent.json", "text")
		cmd, _ := testCommand(t)
		if err := runEvaluate(cmd, nil); err == nil {
			t.Error("expected error for missing cases file")
		}
	})

	t.Run("bad format", func(t *testing.T) {
		setEvaluateFlags(writeFile(t, "cases.json", casesJSON), "csv")
		cmd, _ := testCommand(t)
		if err := runEvaluate(cmd, nil); err == nil {
			t.Error("expected error for unsupported format")
		}
	})
}

func TestRunRoutes(t *testing.T) {
	useSettings(t, "", "")
	routesFlags.cases = writeFile(t, "cases.json", casesJSON)

	cmd, out := testCommand(t)
	if err := runRoutes(cmd, nil); err != nil {
		t.Fatalf("runRoutes failed: %v", err)
	}

	for _, want := range []string{"Cases:  4 routed, 1 invalid", "HighIntensityStrict", "Normal", "extreme"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("expected %q in output:\n%s", want, out.String())
		}
	}

	routesFlags.cases = ""
	if err := runRoutes(cmd, nil); err == nil {
		t.Error("expected error without --cases")
	}
}
