package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/kilianp07/ems/config"
	"github.com/kilianp07/ems/core/clock"
	"github.com/kilianp07/ems/core/scheduler"
	"github.com/kilianp07/ems/infra/logger"
	"github.com/kilianp07/ems/infra/store"
)

var schedulesCmd = &cobra.Command{
	Use:   "schedules",
	Short: "Manage the schedule document",
}

var schedulesImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Add or replace schedules from a YAML or JSON file",
	Args:  cobra.ExactArgs(1),
	RunE:  importSchedules,
}

var schedulesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored schedules",
	Args:  cobra.NoArgs,
	RunE:  listSchedules,
}

func init() {
	schedulesCmd.AddCommand(schedulesImportCmd, schedulesListCmd)
	rootCmd.AddCommand(schedulesCmd)
}

func openSchedules(cfg *config.Config) (*scheduler.Manager, error) {
	st, err := store.NewScheduleStore(cfg.Storage.Schedules)
	if err != nil {
		return nil, err
	}
	return scheduler.NewManager(st, clock.Real{}, logger.New("scheduler"))
}

func importSchedules(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	items, err := scheduler.LoadSchedules(args[0])
	if err != nil {
		return fmt.Errorf("read %s: %w", args[0], err)
	}
	known := make(map[string]bool, len(cfg.Devices))
	for _, d := range cfg.Devices {
		known[d.ID] = true
	}
	// check the whole file before touching the store
	for _, s := range items {
		if !known[s.DeviceID] {
			return fmt.Errorf("schedule %s: unknown device %s", s.ID, s.DeviceID)
		}
	}

	mgr, err := openSchedules(cfg)
	if err != nil {
		return err
	}
	added, updated := 0, 0
	for _, s := range items {
		if _, ok := mgr.Get(s.ID); ok {
			repl := s
			if err := mgr.Update(s.ID, func(cur *scheduler.Schedule) { *cur = repl.Clone() }); err != nil {
				return err
			}
			updated++
			continue
		}
		if err := mgr.Add(s); err != nil {
			return err
		}
		added++
	}
	fmt.Fprintf(cmd.OutOrStdout(), "imported %d schedules (%d added, %d updated)\n", added+updated, added, updated)
	return nil
}

func listSchedules(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	mgr, err := openSchedules(cfg)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tDEVICE\tTYPE\tENABLED\tNAME")
	for _, s := range mgr.All() {
		fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%s\n", s.ID, s.DeviceID, s.Type, s.Enabled, s.Name)
	}
	return w.Flush()
}
