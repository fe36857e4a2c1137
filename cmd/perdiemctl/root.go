package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/opensource-finance/perdiem/internal/domain"
	"github.com/opensource-finance/perdiem/internal/ensemble"
	"github.com/opensource-finance/perdiem/internal/policy"
	"github.com/opensource-finance/perdiem/internal/predictor"
	"github.com/opensource-finance/perdiem/internal/rules"
)

var rootCmd = &cobra.Command{
	Use:   "perdiemctl",
	Short: "Perdiem reimbursement engine tooling",
	Long: `perdiemctl scores trips offline, evaluates the engine against labelled
legacy cases, validates policy tables and load tests a running server.

Settings can also be given through the environment, using the same names as
the server: PERDIEM_POLICY_PATH, PERDIEM_MODELS_SOURCE, PERDIEM_MODELS_REGION.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().String("policy", "", "policy table file (default is the embedded table)")
	rootCmd.PersistentFlags().String("models", "", "model artifact directory or s3://bucket/prefix URL")
	rootCmd.PersistentFlags().String("region", "", "AWS region for s3 model sources")
	rootCmd.PersistentFlags().Bool("debug", false, "log engine diagnostics to stderr")

	viper.BindPFlag("policy.path", rootCmd.PersistentFlags().Lookup("policy"))
	viper.BindPFlag("models.source", rootCmd.PersistentFlags().Lookup("models"))
	viper.BindPFlag("models.region", rootCmd.PersistentFlags().Lookup("region"))
	viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))
}

func initConfig() {
	viper.SetEnvPrefix("PERDIEM")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	level := slog.LevelWarn
	if viper.GetBool("debug") {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

// loadTable returns the table named by --policy, or the embedded default.
func loadTable() (*policy.Table, error) {
	path := viper.GetString("policy.path")
	if path == "" {
		return policy.Default(), nil
	}
	t, _, err := policy.LoadFile(path)
	return t, err
}

// compileTable compiles t with a fresh rule engine.
func compileTable(t *policy.Table) (*policy.Compiled, error) {
	engine, err := rules.NewEngine()
	if err != nil {
		return nil, err
	}
	return policy.Compile(engine, t)
}

// newPredictor builds a predictor from the configured table and models.
// Without a model source every Normal trip takes the fallback path.
func newPredictor(ctx context.Context) (*predictor.Predictor, error) {
	t, err := loadTable()
	if err != nil {
		return nil, err
	}
	compiled, err := compileTable(t)
	if err != nil {
		return nil, err
	}

	reg := ensemble.NewRegistry(nil)
	if source := viper.GetString("models.source"); source != "" {
		src, err := ensemble.NewSource(ctx, domain.ModelsConfig{
			Source: source,
			Region: viper.GetString("models.region"),
		})
		if err != nil {
			return nil, err
		}
		names := make([]string, 0, len(compiled.Members()))
		for _, m := range compiled.Members() {
			names = append(names, m.Model)
		}
		reg = ensemble.Load(ctx, src, names)
	}

	return predictor.New(compiled, reg, func(model string, err error) {
		slog.Debug("model vote dropped", "model", model, "error", err)
	}), nil
}

func output(cmd *cobra.Command) io.Writer {
	if cmd == nil {
		return os.Stdout
	}
	return cmd.OutOrStdout()
}

func commandContext(cmd *cobra.Command) context.Context {
	if cmd == nil || cmd.Context() == nil {
		return context.Background()
	}
	return cmd.Context()
}
