package commands

import (
	"strconv"

	"github.com/spf13/cobra"
)

func NewDriftCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "drift",
		Short: "Analyze feedback drift",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "recompute",
		Short: "Recompute daily drift aggregates from the feedback log",
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := newClient().post("/api/v1/drift/recompute", nil)
			if err != nil {
				return err
			}
			return printJSON(payload)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "aggregates",
		Short: "Show the per-day, per-version drift aggregates",
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := newClient().get("/api/v1/drift/aggregates")
			if err != nil {
				return err
			}
			return printJSON(payload)
		},
	})

	var days int
	trends := &cobra.Command{
		Use:   "trends",
		Short: "Show drift trends over a trailing window",
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := newClient().get("/api/v1/drift/trends?days=" + strconv.Itoa(days))
			if err != nil {
				return err
			}
			return printJSON(payload)
		},
	}
	trends.Flags().IntVarP(&days, "days", "d", 30, "Window size in days")
	cmd.AddCommand(trends)

	return cmd
}
