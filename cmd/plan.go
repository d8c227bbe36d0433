package cmd

import (
	"fmt"
	"slices"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/kilianp07/ems/core/clock"
	"github.com/kilianp07/ems/core/dispatch"
	"github.com/kilianp07/ems/core/model"
	"github.com/kilianp07/ems/core/override"
	"github.com/kilianp07/ems/core/priority"
	"github.com/kilianp07/ems/core/scheduler"
	"github.com/kilianp07/ems/infra/logger"
	"github.com/kilianp07/ems/infra/store"
)

var (
	planAvailable float64
	planOn        []string
)

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Print the switching plan for a given surplus",
	Long: `Computes which devices would run for the given available power,
honoring active overrides and schedule windows. No relay is touched.`,
	Args: cobra.NoArgs,
	RunE: plan,
}

func init() {
	planCmd.Flags().Float64VarP(&planAvailable, "available", "a", 0, "available power in W")
	planCmd.Flags().StringSliceVar(&planOn, "on", nil, "devices currently switched on")
	_ = planCmd.MarkFlagRequired("available")
	rootCmd.AddCommand(planCmd)
}

func plan(cmd *cobra.Command, args []string) error {
	if planAvailable < 0 {
		return fmt.Errorf("available power must be >= 0")
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	clk := clock.Real{}
	ovStore, err := store.NewOverrideStore(cfg.Storage.Overrides, clk)
	if err != nil {
		return err
	}
	resolver, err := override.NewResolver(ovStore, clk, logger.New("overrides"))
	if err != nil {
		return err
	}
	schedStore, err := store.NewScheduleStore(cfg.Storage.Schedules)
	if err != nil {
		return err
	}
	schedules, err := scheduler.NewManager(schedStore, clk, logger.New("scheduler"))
	if err != nil {
		return err
	}

	devs := make([]model.Device, len(cfg.Devices))
	for i, d := range cfg.Devices {
		d.State = model.StateFromBool(slices.Contains(planOn, d.ID))
		devs[i] = d
	}
	flags := dispatch.PlanFlags(resolver, schedules, clk.Now())
	allocs := priority.New(cfg.Dispatch.Margin()).Allocate(planAvailable, devs, flags)
	return printPlan(cmd, allocs)
}

func printPlan(cmd *cobra.Command, allocs []priority.Allocation) error {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "DEVICE\tSTATE\tPHASE\tREMAINING\tREASON")
	for _, al := range allocs {
		state := "off"
		if al.On {
			state = "on"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%.0fW\t%s\n", al.DeviceID, state, al.Phase, al.Remaining, al.Reason)
	}
	return w.Flush()
}
