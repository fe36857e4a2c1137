package main

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/opensource-finance/perdiem/internal/domain"
)

func resetScoreFlags() {
	scoreFlags.explain = false
	scoreFlags.format = "text"
}

func TestRunScore(t *testing.T) {
	useSettings(t, "", "")

	tests := []struct {
		name string
		args []string
		want string
	}{
		{"fallback", []string{"3", "150", "100"}, "395.00\n"},
		{"one day short", []string{"1", "50", "10"}, "127.00\n"},
		{"formula", []string{"1", "1082", "1809.49"}, "307.06\n"},
		{"float days", []string{"3.0", "150", "100"}, "395.00\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resetScoreFlags()
			cmd, out := testCommand(t)
			if err := runScore(cmd, tt.args); err != nil {
				t.Fatalf("runScore failed: %v", err)
			}
			if out.String() != tt.want {
				t.Errorf("output = %q, want %q", out.String(), tt.want)
			}
		})
	}
}

func TestRunScoreExplain(t *testing.T) {
	useSettings(t, "", "")
	resetScoreFlags()
	scoreFlags.explain = true

	cmd, out := testCommand(t)
	if err := runScore(cmd, []string{"1", "1082", "1809.49"}); err != nil {
		t.Fatalf("runScore failed: %v", err)
	}
	for _, want := range []string{"307.06", "regime:  HighIntensityStrict", "path:    formula"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("expected %q in output:\n%s", want, out.String())
		}
	}
}

func TestRunScoreJSON(t *testing.T) {
	dir := t.TempDir()
	artifact := `{"kind":"linear","intercept":420,"coefficients":{"trip_duration_days":0}}`
	if err := os.WriteFile(filepath.Join(dir, "random-forest.json"), []byte(artifact), 0o644); err != nil {
		t.Fatalf("failed to write artifact: %v", err)
	}
	useSettings(t, "", dir)
	resetScoreFlags()
	scoreFlags.format = "json"

	cmd, out := testCommand(t)
	if err := runScore(cmd, []string{"3", "150", "100"}); err != nil {
		t.Fatalf("runScore failed: %v", err)
	}

	var got scoreOutput
	if err := json.Unmarshal(out.Bytes(), &got); err != nil {
		t.Fatalf("invalid JSON output: %v\n%s", err, out.String())
	}
	if got.Amount != "420.00" {
		t.Errorf("expected 420.00, got %s", got.Amount)
	}
	if got.Path != domain.PathEnsemble {
		t.Errorf("expected ensemble path, got %s", got.Path)
	}
	if len(got.Contributions) != 1 || got.Contributions[0].Model != "random-forest" {
		t.Errorf("unexpected contributions: %+v", got.Contributions)
	}
	if got.ModelFingerprint == "" {
		t.Error("expected a model fingerprint")
	}
}

func TestRunScoreUnsupportedFormat(t *testing.T) {
	useSettings(t, "", "")
	resetScoreFlags()
	scoreFlags.format = "xml"
	defer resetScoreFlags()

	cmd, _ := testCommand(t)
	if err := runScore(cmd, []string{"3", "150", "100"}); err == nil {
		t.Error("expected error for unsupported format")
	}
}

func TestParseTrip(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"fractional days", []string{"2.5", "100", "100"}},
		{"zero days", []string{"0", "100", "100"}},
		{"bad miles", []string{"2", "far", "100"}},
		{"negative receipts", []string{"2", "100", "-1"}},
		{"bad receipts", []string{"2", "100", "lots"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := parseTrip(tt.args); !errors.Is(err, domain.ErrInvalidInput) {
				t.Errorf("expected ErrInvalidInput, got %v", err)
			}
		})
	}

	trip, err := parseTrip([]string{"5", "730", "485.20"})
	if err != nil {
		t.Fatalf("parseTrip failed: %v", err)
	}
	if trip != (domain.Trip{Days: 5, Miles: 730, Receipts: 485.20}) {
		t.Errorf("unexpected trip: %+v", trip)
	}
}
