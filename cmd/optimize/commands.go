package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/aristath/portfolio-optimizer/internal/modules/optimization"
	"github.com/aristath/portfolio-optimizer/internal/tabular"
	"github.com/aristath/portfolio-optimizer/pkg/logger"
)

type runOptions struct {
	file      string
	riskLevel float64
	maxWeight float64
	prices    bool
	format    string
	method    string
	policy    string
	timeout   time.Duration
	verbose   bool
}

// allocation is the JSON output of the run command.
type allocation struct {
	Weights        map[string]float64 `json:"optimal_portfolio"`
	ExpectedReturn float64            `json:"expected_return"`
	Volatility     float64            `json:"volatility"`
	Method         string             `json:"method"`
	Regularized    bool               `json:"regularized"`
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "optimize",
		Short:        "Constrained mean-variance portfolio optimizer",
		SilenceUsage: true,
	}
	root.AddCommand(newRunCmd())
	return root
}

func newRunCmd() *cobra.Command {
	opts := runOptions{}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Optimize the portfolio described by a CSV file",
		Example: "  optimize run --file returns.csv --risk-level 0.02 --max-weight 0.4\n" +
			"  optimize run --file prices.csv --prices --risk-level 0.02 --max-weight 0.4 --format csv",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOptimize(cmd.Context(), opts, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.file, "file", "f", "", "CSV file with a date column followed by one column per ticker (- for stdin)")
	flags.Float64Var(&opts.riskLevel, "risk-level", 0, "maximum portfolio volatility per period")
	flags.Float64Var(&opts.maxWeight, "max-weight", 1, "maximum weight of any single asset")
	flags.BoolVar(&opts.prices, "prices", false, "treat the CSV as prices and derive simple returns")
	flags.StringVar(&opts.format, "format", "json", "output format: json or csv")
	flags.StringVar(&opts.method, "method", optimization.MethodDual, "solver: dual or penalty")
	flags.StringVar(&opts.policy, "ill-conditioned", string(optimization.PolicyRegularize), "ill-conditioned covariance policy: regularize or reject")
	flags.DurationVar(&opts.timeout, "timeout", time.Minute, "abort the solve after this long")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "log solver diagnostics to stderr")
	_ = cmd.MarkFlagRequired("file")
	_ = cmd.MarkFlagRequired("risk-level")

	return cmd
}

func runOptimize(ctx context.Context, opts runOptions, stdout, stderr io.Writer) error {
	if opts.format != "json" && opts.format != "csv" {
		return fmt.Errorf("unknown format %q (want json or csv)", opts.format)
	}
	if ctx == nil {
		ctx = context.Background()
	}

	level := "warn"
	if opts.verbose {
		level = "debug"
	}
	log := logger.New(logger.Config{Level: level, Pretty: true, Output: stderr})

	table, err := readTable(opts.file, opts.prices)
	if err != nil {
		return err
	}

	svc, err := optimization.NewOptimizerService(optimization.Options{
		Method: opts.method,
		Policy: optimization.ConditioningPolicy(opts.policy),
	}, log)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()

	portfolio, err := svc.Optimize(ctx, table, opts.riskLevel, opts.maxWeight)
	if err != nil {
		return err
	}

	weights := portfolio.Weights.Rounded()
	if opts.format == "csv" {
		return tabular.WriteWeightsCSV(stdout, weights)
	}

	out := allocation{
		Weights:        make(map[string]float64, len(weights)),
		ExpectedReturn: portfolio.ExpectedReturn,
		Volatility:     portfolio.Volatility,
		Method:         portfolio.Method,
		Regularized:    portfolio.Regularized(),
	}
	for _, aw := range weights {
		out.Weights[aw.Ticker] = aw.Weight
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func readTable(path string, prices bool) (optimization.ReturnsTable, error) {
	var r io.Reader = os.Stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return optimization.ReturnsTable{}, err
		}
		defer f.Close()
		r = f
	}

	table, err := tabular.ParseCSV(r)
	if err != nil {
		return optimization.ReturnsTable{}, err
	}
	if prices {
		return optimization.ReturnsFromPrices(table)
	}
	return table, nil
}
