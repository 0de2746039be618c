package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/AbdulRehman2040/speed-test-api/internal/measure"
)

var (
	measureSave bool
	measureIP   string
)

func newMeasureCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "measure",
		Short: "Run one measurement and print the report",
		Long: `Run download, upload, latency and location probes once and print the
report as JSON on stdout. Probe failures are reported inside the JSON; the
command fails only when the measurement itself cannot be carried out.

Use --ip to geolocate a specific public address instead of discovering the
address of this host.`,
		Example: `  speedtest measure
  speedtest measure --save
  speedtest measure --ip 203.0.113.7 --log-level debug`,
		RunE: measureRun,
	}

	cmd.Flags().BoolVar(&measureSave, "save", false, "store the report in history (requires server.db_path)")
	cmd.Flags().StringVar(&measureIP, "ip", "", "address to geolocate instead of discovering it")

	return cmd
}

func measureRun(cmd *cobra.Command, args []string) error {
	log := slog.Default()

	if globalRunner == nil {
		return fmt.Errorf("measurement runner not initialized")
	}
	if measureSave && globalStore == nil {
		return fmt.Errorf("--save requires a history database (set server.db_path or --db-path)")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("running measurement", "deadline", globalRunner.Deadline())
	report, err := globalRunner.Measure(ctx, measure.Request{ClientAddr: measureIP})
	if err != nil {
		return fmt.Errorf("measurement failed: %w", err)
	}

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}
	fmt.Println(string(data))

	if measureSave {
		rec, err := report.Record()
		if err != nil {
			return err
		}
		if err := globalStore.SaveMeasurement(rec); err != nil {
			return fmt.Errorf("failed to save report: %w", err)
		}
		if limit := globalCfg.Server.HistoryLimit; limit > 0 {
			if _, err := globalStore.PruneMeasurements(limit); err != nil {
				log.Warn("failed to prune measurement history", "error", err)
			}
		}
		log.Info("report saved", "id", rec.ID)
	}

	return nil
}
