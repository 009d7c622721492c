// stakesim replays the epoch-skip deposit run on a manual clock and prints
// every settlement.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/holiman/uint256"
	"github.com/spf13/cobra"

	"github.com/mbd888/epochstake/internal/amount"
	"github.com/mbd888/epochstake/internal/logging"
	"github.com/mbd888/epochstake/internal/sim"
	"github.com/mbd888/epochstake/internal/staking"
)

var (
	Version   = "dev"
	Commit    = "none"
	BuildTime = "unknown"
)

type options struct {
	schedule  string
	fund      string
	principal uint64
	gap       uint64
	asJSON    bool
	logLevel  string
}

func main() {
	var opts options

	rootCmd := &cobra.Command{
		Use:   "stakesim",
		Short: "Replay the epoch-skip staking run",
		Long: `Funds a reward vault, whitelists one staker and replays the deposit
script on a manual clock: a first deposit, four single-epoch settlements,
a long gap, then two further stretches. Gaps cost no wall time.`,
		Version:      fmt.Sprintf("%s (commit %s, built %s)", Version, Commit, BuildTime),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), cmd.OutOrStdout(), opts)
		},
	}
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	rootCmd.Flags().StringVar(&opts.schedule, "schedule", "flat:25", "Reward rate schedule (flat:R, steps:E=R,..., halving:R/N)")
	rootCmd.Flags().StringVar(&opts.fund, "fund", "90000000", "Initial vault funding")
	rootCmd.Flags().Uint64Var(&opts.principal, "principal", 10_000_000, "Amount of each non-zero deposit")
	rootCmd.Flags().Uint64Var(&opts.gap, "gap", 30, "Epochs skipped before the third deposit")
	rootCmd.Flags().BoolVar(&opts.asJSON, "json", false, "Print results as JSON")
	rootCmd.Flags().StringVar(&opts.logLevel, "log-level", "warn", "Engine log level")

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, out io.Writer, opts options) error {
	schedule, err := staking.ParseSchedule(opts.schedule)
	if err != nil {
		return err
	}
	fund, err := amount.Parse(opts.fund)
	if err != nil {
		return fmt.Errorf("--fund: %w", err)
	}

	runner, err := sim.NewRunner(ctx, sim.Config{
		Schedule: schedule,
		Fund:     fund,
		Logger:   logging.NewWithWriter(os.Stderr, opts.logLevel, "text"),
	})
	if err != nil {
		return err
	}

	res, runErr := runner.Run(ctx, sim.DriverScript(opts.principal, opts.gap))
	if opts.asJSON {
		if err := printJSON(out, res); err != nil {
			return err
		}
	} else {
		printTable(out, res)
	}
	return runErr
}

func printTable(out io.Writer, res *sim.Result) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(w, "step\tepoch\tdeposit\telapsed\treward\tprincipal\tstaker reward\t")
	for _, r := range res.Records {
		fmt.Fprintf(w, "%d\t%d\t%s\t%d\t%s\t%s\t%s\t\n",
			r.Step, r.Epoch, amount.Format(r.Amount), r.Elapsed,
			amount.Format(r.RewardPaid), amount.Format(r.Principal), amount.Format(r.Reward))
	}
	_ = w.Flush()

	fmt.Fprintf(out, "\ntotal reward paid: %s\n", amount.Format(res.TotalPaid))
	if res.Vault != nil {
		fmt.Fprintf(out, "vault balance:     %s (funded %s)\n",
			amount.Format(res.Vault.Balance), amount.Format(res.Vault.TotalFunded))
	}
	if res.Report != nil {
		status := "healthy"
		if !res.Report.Healthy {
			status = fmt.Sprintf("%d mismatches", res.Report.Mismatches)
		}
		fmt.Fprintf(out, "reconciliation:    %s\n", status)
	}
}

type recordJSON struct {
	Step       int    `json:"step"`
	Epoch      uint64 `json:"epoch"`
	Deposit    string `json:"deposit"`
	Elapsed    uint64 `json:"elapsed"`
	RewardPaid string `json:"rewardPaid"`
	Principal  string `json:"principal"`
	Reward     string `json:"stakerReward"`
}

func printJSON(out io.Writer, res *sim.Result) error {
	records := make([]recordJSON, 0, len(res.Records))
	for _, r := range res.Records {
		records = append(records, recordJSON{
			Step:       r.Step,
			Epoch:      r.Epoch,
			Deposit:    amount.Format(r.Amount),
			Elapsed:    r.Elapsed,
			RewardPaid: amount.Format(r.RewardPaid),
			Principal:  amount.Format(r.Principal),
			Reward:     amount.Format(r.Reward),
		})
	}
	var vaultBalance *uint256.Int
	if res.Vault != nil {
		vaultBalance = res.Vault.Balance
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(map[string]any{
		"records":        records,
		"totalPaid":      amount.Format(res.TotalPaid),
		"vaultBalance":   amount.Format(vaultBalance),
		"reconciliation": res.Report,
	})
}
