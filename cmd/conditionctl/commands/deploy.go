package commands

import (
	"strconv"

	"github.com/spf13/cobra"
)

func NewDeployCmd() *cobra.Command {
	var model string

	cmd := &cobra.Command{
		Use:   "deploy <version>",
		Short: "Deploy a model version",
		Example: `  conditionctl deploy 1.3.0
  conditionctl deploy 1.3.0 --model condition_model`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := newClient().post("/api/v1/deployments", map[string]string{
				"model":   model,
				"version": args[0],
			})
			if err != nil {
				return err
			}
			return printJSON(payload)
		},
	}

	cmd.Flags().StringVarP(&model, "model", "m", "condition_model", "Model name")
	return cmd
}

func NewRollbackCmd() *cobra.Command {
	var (
		model  string
		reason string
	)

	cmd := &cobra.Command{
		Use:   "rollback <version>",
		Short: "Roll back to a previously deployed version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := newClient().post("/api/v1/deployments/rollback", map[string]string{
				"model":   model,
				"version": args[0],
				"reason":  reason,
			})
			if err != nil {
				return err
			}
			return printJSON(payload)
		},
	}

	cmd.Flags().StringVarP(&model, "model", "m", "condition_model", "Model name")
	cmd.Flags().StringVarP(&reason, "reason", "r", "", "Rollback reason, recorded in the event log")
	return cmd
}

func NewFallbackCmd() *cobra.Command {
	var version string

	cmd := &cobra.Command{
		Use:   "fallback <on|off>",
		Short: "Enable or disable fallback serving",
		Example: `  # Fall back to the previous deployment on failure
  conditionctl fallback on

  # Pin the fallback to a specific version
  conditionctl fallback on --model-version 1.2.0

  conditionctl fallback off`,
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"on", "off"},
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]interface{}{"enabled": args[0] == "on"}
			if version != "" {
				body["version"] = version
			}
			payload, err := newClient().put("/api/v1/deployments/fallback", body)
			if err != nil {
				return err
			}
			return printJSON(payload)
		},
	}

	cmd.Flags().StringVar(&version, "model-version", "", "Explicit fallback version (default: previous deployment)")
	return cmd
}

func NewStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the current deployment status",
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := newClient().get("/api/v1/deployments/status")
			if err != nil {
				return err
			}
			return printJSON(payload)
		},
	}
}

func NewEventsCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show recent deployment lifecycle events, most recent first",
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := newClient().get("/api/v1/deployments/events?limit=" + strconv.Itoa(limit))
			if err != nil {
				return err
			}
			return printJSON(payload)
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "Maximum number of events")
	return cmd
}
