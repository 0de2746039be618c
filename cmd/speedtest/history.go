package main

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/AbdulRehman2040/speed-test-api/internal/measure"
)

var historyLimit int

func newHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List stored measurement reports",
		Long: `List stored measurement reports, newest first. Reports are stored by
"speedtest serve" and "speedtest measure --save" when server.db_path is set.`,
		Example: `  speedtest history
  speedtest history --limit 50 --db-path ./history.db`,
		RunE: historyRun,
	}

	cmd.Flags().IntVar(&historyLimit, "limit", 20, "maximum number of reports to show (0 for all)")

	return cmd
}

func historyRun(cmd *cobra.Command, args []string) error {
	log := slog.Default()

	if globalStore == nil {
		return fmt.Errorf("history is disabled: set server.db_path or --db-path")
	}

	rows, err := globalStore.ListMeasurements(historyLimit)
	if err != nil {
		return err
	}
	log.Debug("history loaded", "rows", len(rows), "limit", historyLimit)

	if len(rows) == 0 {
		fmt.Println("No measurements stored.")
		return nil
	}

	// Print table header
	fmt.Println("Measurement History")
	fmt.Println("===================")
	fmt.Println("")
	fmt.Printf("%-36s  %-16s  %12s  %24s  %9s  %-15s  %-24s  %s\n",
		"ID", "Time", "Download", "Upload", "Ping", "IP", "Location", "Failed")
	fmt.Println(strings.Repeat("-", 160))

	for _, m := range rows {
		upload := measure.FormatMbps(m.UploadMbps)
		if m.UploadEstimated {
			upload += " (estimated)"
		}
		failed := "-"
		if len(m.FailedProbes) > 0 {
			failed = strings.Join(m.FailedProbes, ",")
		}

		fmt.Printf("%-36s  %-16s  %12s  %24s  %9s  %-15s  %-24s  %s\n",
			m.ID,
			m.CreatedAt.Local().Format("2006-01-02 15:04"),
			measure.FormatMbps(m.DownloadMbps),
			upload,
			measure.FormatMs(m.PingMs),
			m.IP,
			m.City+", "+m.Country,
			failed,
		)
	}

	fmt.Println("")

	return nil
}
