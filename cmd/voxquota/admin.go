package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/goodtune/voxquota/internal/config"
	"github.com/goodtune/voxquota/internal/quota"
	"github.com/goodtune/voxquota/internal/storage"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

const rule = "━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━"

var (
	limitsPeriodLimit   int64
	limitsSessionLimit  int64
	limitsMaxConcurrent int
	limitsDisabled      bool
	usagePeriod         string
	usageReset          bool
)

var limitsCmd = &cobra.Command{
	Use:   "limits",
	Short: "Inspect or change per-user limits",
	Long:  `Inspect or change the per-user limit overrides stored in the configured backend.`,
}

var limitsGetCmd = &cobra.Command{
	Use:     "get USER",
	Short:   "Show the limits of a user",
	Example: `  voxquota -c config.yaml limits get alice`,
	Args:    cobra.ExactArgs(1),
	RunE:    runLimitsGet,
}

var limitsSetCmd = &cobra.Command{
	Use:   "set USER",
	Short: "Store a limits override for a user",
	Long: `Store a limits override for a user. Limits left at zero inherit the
configured defaults.`,
	Example: `  voxquota limits set alice --period-limit 3600 --session-limit 900
  voxquota limits set bob --disabled`,
	Args: cobra.ExactArgs(1),
	RunE: runLimitsSet,
}

var usageCmd = &cobra.Command{
	Use:   "usage USER",
	Short: "Show a user's consumption for a period",
	Example: `  voxquota usage alice
  voxquota usage alice --period 2026-03 --reset`,
	Args: cobra.ExactArgs(1),
	RunE: runUsage,
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Purge sessions whose token has expired",
	Args:  cobra.NoArgs,
	RunE:  runSweep,
}

func init() {
	limitsSetCmd.Flags().Int64Var(&limitsPeriodLimit, "period-limit", 0, "Period limit in seconds (0 = default)")
	limitsSetCmd.Flags().Int64Var(&limitsSessionLimit, "session-limit", 0, "Session limit in seconds (0 = default)")
	limitsSetCmd.Flags().IntVar(&limitsMaxConcurrent, "max-concurrent", 0, "Maximum concurrent sessions (0 = default)")
	limitsSetCmd.Flags().BoolVar(&limitsDisabled, "disabled", false, "Deny all new sessions for the user")

	usageCmd.Flags().StringVar(&usagePeriod, "period", "", "Period key (YYYY-MM or YYYY-MM-DD) - defaults to the current period")
	usageCmd.Flags().BoolVar(&usageReset, "reset", false, "Zero the user's counters for the period")

	limitsCmd.AddCommand(limitsGetCmd)
	limitsCmd.AddCommand(limitsSetCmd)
	rootCmd.AddCommand(limitsCmd)
	rootCmd.AddCommand(usageCmd)
	rootCmd.AddCommand(sweepCmd)
}

// openOffline builds the engine with a quiet logger for one-shot commands.
func openOffline() (*engine, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := zerolog.New(os.Stderr).Level(zerolog.ErrorLevel).With().Timestamp().Logger()

	eng, err := newEngine(cfg, logger)
	if err != nil {
		return nil, err
	}
	if eng.storage.Fallback {
		color.New(color.FgYellow).Fprintf(os.Stderr, "⚠️  Primary storage unavailable (%v), using fallback snapshot\n", eng.storage.PrimaryErr)
	}
	return eng, nil
}

func runLimitsGet(cmd *cobra.Command, args []string) error {
	eng, err := openOffline()
	if err != nil {
		return err
	}
	defer eng.Close()

	ctx := context.Background()
	user := args[0]

	profile, overridden, err := eng.limits.Get(ctx, user)
	if err != nil {
		return err
	}

	printLimits(user, profile, eng.limits.Effective(ctx, user), overridden)
	return nil
}

func runLimitsSet(cmd *cobra.Command, args []string) error {
	eng, err := openOffline()
	if err != nil {
		return err
	}
	defer eng.Close()

	ctx := context.Background()
	user := args[0]

	profile := storage.LimitsProfile{
		UserID:                user,
		PeriodLimitSeconds:    limitsPeriodLimit,
		SessionLimitSeconds:   limitsSessionLimit,
		MaxConcurrentSessions: limitsMaxConcurrent,
		Enabled:               !limitsDisabled,
	}
	if err := eng.limits.Set(ctx, profile); err != nil {
		return err
	}

	printLimits(user, profile, eng.limits.Effective(ctx, user), true)
	return nil
}

func runUsage(cmd *cobra.Command, args []string) error {
	eng, err := openOffline()
	if err != nil {
		return err
	}
	defer eng.Close()

	ctx := context.Background()
	user := args[0]

	period := usagePeriod
	if period == "" {
		period = eng.tracker.CurrentPeriod()
	}
	if !quota.ValidPeriodKey(period) {
		return fmt.Errorf("invalid period %q (expected YYYY-MM or YYYY-MM-DD)", period)
	}

	var record *storage.UsageRecord
	if usageReset {
		record, err = eng.tracker.ResetUsage(ctx, user, period)
	} else {
		record, err = eng.ledger.Usage(ctx, user, period)
	}
	if err != nil {
		return err
	}

	sessions, err := eng.tracker.SessionsForUser(ctx, user)
	if err != nil {
		return err
	}

	printUsage(record, eng.limits.Effective(ctx, user), sessions, usageReset)
	return nil
}

func runSweep(cmd *cobra.Command, args []string) error {
	eng, err := openOffline()
	if err != nil {
		return err
	}
	defer eng.Close()

	removed, err := eng.sweeper.SweepOnce(context.Background())
	if err != nil {
		return fmt.Errorf("sweep failed: %w", err)
	}

	fmt.Fprintf(os.Stdout, "✅ Removed %d expired session(s)\n", removed)
	return nil
}

// printLimits prints a limits profile with colors
func printLimits(user string, stored, effective storage.LimitsProfile, overridden bool) {
	cyan := color.New(color.FgCyan, color.Bold)
	green := color.New(color.FgGreen, color.Bold)
	red := color.New(color.FgRed, color.Bold)

	fmt.Println()
	cyan.Println(rule)
	cyan.Println("LIMITS")
	cyan.Println(rule)
	fmt.Println()

	fmt.Printf("User:            %s\n", user)
	if overridden {
		fmt.Printf("Source:          override\n")
	} else {
		fmt.Printf("Source:          defaults\n")
	}
	fmt.Printf("Period limit:    %s\n", limitValue(stored.PeriodLimitSeconds, effective.PeriodLimitSeconds))
	fmt.Printf("Session limit:   %s\n", limitValue(stored.SessionLimitSeconds, effective.SessionLimitSeconds))
	fmt.Printf("Max concurrent:  %d\n", effective.MaxConcurrentSessions)
	fmt.Println()

	cyan.Print("Status:          ")
	if effective.Enabled {
		green.Println("ENABLED")
	} else {
		red.Println("DISABLED")
		fmt.Println("                 → New sessions will be denied")
	}

	fmt.Println()
	cyan.Println(rule)
	fmt.Println()
}

// printUsage prints a ledger record and the user's live sessions
func printUsage(record *storage.UsageRecord, limits storage.LimitsProfile, sessions []storage.ActiveSession, reset bool) {
	cyan := color.New(color.FgCyan, color.Bold)
	green := color.New(color.FgGreen, color.Bold)
	yellow := color.New(color.FgYellow, color.Bold)
	red := color.New(color.FgRed, color.Bold)

	fmt.Println()
	cyan.Println(rule)
	cyan.Println("USAGE")
	cyan.Println(rule)
	fmt.Println()

	remaining := max(limits.PeriodLimitSeconds-record.TotalSeconds, 0)

	fmt.Printf("User:        %s\n", record.UserID)
	fmt.Printf("Period:      %s\n", record.Period)
	fmt.Printf("Consumed:    %s of %s\n", seconds(record.TotalSeconds), seconds(limits.PeriodLimitSeconds))
	fmt.Printf("Sessions:    %d closed, %d live\n", record.SessionsCount, len(sessions))
	if !record.LastReset.IsZero() {
		fmt.Printf("Last reset:  %s\n", record.LastReset.Format(time.RFC3339))
	}
	fmt.Println()

	cyan.Print("Remaining:   ")
	switch {
	case remaining == 0:
		red.Println(seconds(remaining))
		fmt.Println("             → New sessions will be denied")
	case remaining*4 < limits.PeriodLimitSeconds:
		yellow.Println(seconds(remaining))
	default:
		green.Println(seconds(remaining))
	}

	if reset {
		yellow.Println("             → Counters were reset")
	}

	for _, s := range sessions {
		fmt.Printf("  %s  started %s  used %s of %s\n",
			s.ID, s.StartTime.Format(time.RFC3339), seconds(s.QuotaUsed), seconds(s.AllocationSeconds))
	}

	fmt.Println()
	cyan.Println(rule)
	fmt.Println()
}

// limitValue shows the effective limit and notes when it is inherited.
func limitValue(stored, effective int64) string {
	if stored == 0 {
		return seconds(effective) + " (default)"
	}
	return seconds(effective)
}

func seconds(s int64) string {
	return (time.Duration(s) * time.Second).String()
}
