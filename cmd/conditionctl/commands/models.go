package commands

import (
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/spf13/cobra"
)

type RegisterOptions struct {
	Model        string
	ArtifactPath string
	Version      string
	Metrics      string
	Description  string
}

func NewRegisterCmd() *cobra.Command {
	opts := &RegisterOptions{}

	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register a new model version",
		Long: `Register a model artifact as a new version. Without --version the
next minor version is assigned automatically.`,
		Example: `  # Auto-assign the next version
  conditionctl register --model condition_model --artifact ./model.json

  # Register an explicit version with metrics
  conditionctl register --model condition_model --artifact ./model.json \
    --model-version 2.0.0 --metrics '{"accuracy":0.91}'`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRegister(opts)
		},
	}

	cmd.Flags().StringVarP(&opts.Model, "model", "m", "condition_model", "Model name")
	cmd.Flags().StringVarP(&opts.ArtifactPath, "artifact", "a", "", "Path to the model artifact (required)")
	cmd.Flags().StringVar(&opts.Version, "model-version", "", "Explicit version (default: auto minor bump)")
	cmd.Flags().StringVar(&opts.Metrics, "metrics", "", "Training metrics as a JSON object")
	cmd.Flags().StringVarP(&opts.Description, "description", "d", "", "Version description")

	cmd.MarkFlagRequired("artifact")

	return cmd
}

func runRegister(opts *RegisterOptions) error {
	var metrics map[string]interface{}
	if opts.Metrics != "" {
		if err := json.Unmarshal([]byte(opts.Metrics), &metrics); err != nil {
			return fmt.Errorf("invalid --metrics JSON: %w", err)
		}
	}

	payload, err := newClient().post("/api/v1/models/"+url.PathEscape(opts.Model)+"/versions", map[string]interface{}{
		"artifact_path": opts.ArtifactPath,
		"version":       opts.Version,
		"metrics":       metrics,
		"description":   opts.Description,
	})
	if err != nil {
		return err
	}
	return printJSON(payload)
}

func NewModelsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "models",
		Short: "Inspect and manage registered models",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List registered models",
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := newClient().get("/api/v1/models")
			if err != nil {
				return err
			}
			return printJSON(payload)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "versions <model>",
		Short: "List versions of a model, oldest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := newClient().get("/api/v1/models/" + url.PathEscape(args[0]) + "/versions")
			if err != nil {
				return err
			}
			return printJSON(payload)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "current <model>",
		Short: "Show the current version of a model",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := newClient().get("/api/v1/models/" + url.PathEscape(args[0]) + "/current")
			if err != nil {
				return err
			}
			return printJSON(payload)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set-current <model> <version>",
		Short: "Make a registered version the current version",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := newClient().put("/api/v1/models/"+url.PathEscape(args[0])+"/current",
				map[string]string{"version": args[1]})
			if err != nil {
				return err
			}
			return printJSON(payload)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "compare <model> <v1> <v2>",
		Short: "Compare training metrics between two versions",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			query := url.Values{"v1": {args[1]}, "v2": {args[2]}}
			payload, err := newClient().get("/api/v1/models/" + url.PathEscape(args[0]) + "/compare?" + query.Encode())
			if err != nil {
				return err
			}
			return printJSON(payload)
		},
	})

	return cmd
}
