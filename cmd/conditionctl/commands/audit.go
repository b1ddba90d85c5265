package commands

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"
)

func NewAuditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Query the inference audit trail",
	}

	var recordsLimit int
	records := &cobra.Command{
		Use:   "records",
		Short: "Show recent inference records, most recent first",
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := newClient().get("/api/v1/audit/records?limit=" + strconv.Itoa(recordsLimit))
			if err != nil {
				return err
			}
			return printJSON(payload)
		},
	}
	records.Flags().IntVarP(&recordsLimit, "limit", "n", 100, "Maximum number of records")
	cmd.AddCommand(records)

	var statsLimit int
	stats := &cobra.Command{
		Use:   "stats",
		Short: "Show aggregate inference statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := newClient().get("/api/v1/audit/stats?limit=" + strconv.Itoa(statsLimit))
			if err != nil {
				return err
			}
			return printJSON(payload)
		},
	}
	stats.Flags().IntVarP(&statsLimit, "limit", "n", 0, "Analyze only the most recent N records (0 = all)")
	cmd.AddCommand(stats)

	cmd.AddCommand(&cobra.Command{
		Use:   "versions",
		Short: "Show per-version score and latency performance",
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := newClient().get("/api/v1/audit/versions")
			if err != nil {
				return err
			}
			return printJSON(payload)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "by-date",
		Short: "Show average score and volume per day",
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := newClient().get("/api/v1/audit/by-date")
			if err != nil {
				return err
			}
			return printJSON(payload)
		},
	})

	var exportOut string
	export := &cobra.Command{
		Use:   "export",
		Short: "Export the full audit trail as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := newClient().get("/api/v1/audit/records?limit=0")
			if err != nil {
				return err
			}
			if exportOut == "-" {
				return printJSON(payload)
			}
			if err := os.WriteFile(exportOut, payload, 0o644); err != nil {
				return err
			}
			fmt.Println("Exported audit trail to", exportOut)
			return nil
		},
	}
	export.Flags().StringVarP(&exportOut, "output", "o", "-", "Output file (- for stdout)")
	cmd.AddCommand(export)

	return cmd
}
