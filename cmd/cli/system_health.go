package cli

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	core "github.com/kyanha/veilid-sub003/core"
)

var (
	healthOnce sync.Once
	healthLog  *core.HealthLogger
	healthErr  error
)

// healthInit opens the health logger against whichever node-core
// components this process has wired up; a CLI invocation run without a
// live network manager still logs and snapshots runtime stats.
func healthInit(cmd *cobra.Command, _ []string) error {
	healthOnce.Do(func() {
		_ = godotenv.Load()
		var rt *core.RoutingTable
		var table *core.ConnectionTable
		var dispatch *core.Dispatcher
		if nm := activeNetworkManager(); nm != nil {
			rt = nm.RoutingTable()
			table = nm.ConnectionTable()
			dispatch = nm.Dispatcher()
		}
		healthLog, healthErr = core.NewHealthLogger(rt, table, dispatch, "health.log")
	})
	return healthErr
}

func healthHandleSnapshot(cmd *cobra.Command, _ []string) error {
	m := healthLog.Snapshot()
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(m)
}

func healthHandleLog(cmd *cobra.Command, args []string) error {
	lvl, err := logrus.ParseLevel(args[0])
	if err != nil {
		return err
	}
	msg := args[1]
	healthLog.LogEvent(lvl, msg)
	fmt.Fprintln(cmd.OutOrStdout(), "logged ✔")
	return nil
}

var healthCmd = &cobra.Command{
	Use:               "~health",
	Short:             "System health metrics & logging",
	PersistentPreRunE: healthInit,
}

var healthSnapCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Print current system metrics",
	RunE:  healthHandleSnapshot,
}

var healthLogCmd = &cobra.Command{
	Use:   "log [level] [message]",
	Short: "Write a log message",
	Args:  cobra.ExactArgs(2),
	RunE:  healthHandleLog,
}

func init() {
	healthCmd.AddCommand(healthSnapCmd)
	healthCmd.AddCommand(healthLogCmd)
}

// NewHealthCommand exposes the health command group.
func NewHealthCommand() *cobra.Command { return healthCmd }
